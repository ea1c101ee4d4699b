package wearable_simulator

import (
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/LeonardoBeccarini/fall_detection/internal/config"
	msg "github.com/LeonardoBeccarini/fall_detection/internal/model/messages"
	"github.com/LeonardoBeccarini/fall_detection/internal/services/accelerometer"
)

// ====== Tunables ======
const (
	// datetimeLayout: formato del campo datetime pubblicato.
	datetimeLayout = "2006-01-02 15:04:05"

	// fallOvershoot: di quanto (max) un asse esce dal range durante una caduta.
	fallOvershoot = 8.0
)

// ReadingGenerator produce letture dell'accelerometro: di norma dentro i range
// sicuri, con probabilità fallProb una lettura che ne viola almeno uno.
type ReadingGenerator struct {
	mu       sync.Mutex
	rnd      *rand.Rand
	rules    map[string]config.Rule
	fallProb float64
	deviceID string
	now      func() time.Time
}

// NewReadingGenerator: fallProb viene limitata a [0..1].
func NewReadingGenerator(deviceID string, rules map[string]config.Rule, fallProb float64, seed int64) *ReadingGenerator {
	return &ReadingGenerator{
		rnd:      rand.New(rand.NewSource(seed)),
		rules:    rules,
		fallProb: clamp01(fallProb),
		deviceID: deviceID,
		now:      time.Now,
	}
}

// Next restituisce il payload nel formato a graffe e se rappresenta una caduta.
func (g *ReadingGenerator) Next() (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	fall := g.rnd.Float64() < g.fallProb
	values := map[string]float64{
		"x": g.inRange("x"),
		"y": g.inRange("y"),
		"z": g.inRange("z"),
	}
	if fall {
		axes := []string{"x", "y", "z"}
		axis := axes[g.rnd.Intn(len(axes))]
		values[axis] = g.outOfRange(axis)
	}

	fields := map[string]string{
		msg.FieldAxisX:    formatAxis(values["x"]),
		msg.FieldAxisY:    formatAxis(values["y"]),
		msg.FieldAxisZ:    formatAxis(values["z"]),
		msg.FieldDatetime: g.now().UTC().Format(datetimeLayout),
		msg.FieldID:       g.deviceID,
	}
	return accelerometer.Format(fields), fall
}

func (g *ReadingGenerator) inRange(axis string) float64 {
	r := g.rules[axis]
	return r.Min + g.rnd.Float64()*(r.Max-r.Min)
}

// outOfRange sceglie a caso il lato (sopra Max o sotto Min) e un overshoot > 0.
func (g *ReadingGenerator) outOfRange(axis string) float64 {
	r := g.rules[axis]
	over := 0.5 + g.rnd.Float64()*fallOvershoot
	if g.rnd.Intn(2) == 0 {
		return r.Max + over
	}
	return r.Min - over
}

// ===== Helpers =====

func formatAxis(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
