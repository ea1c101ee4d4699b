package monitor

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// PointWriter is the part of api.WriteAPIBlocking the sink needs.
type PointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// Influx stores each fall as a "fall_event" point. Readings themselves are never stored.
type Influx struct {
	api PointWriter
	now func() time.Time

	mu      sync.RWMutex
	lastErr time.Time
}

// influxErrorWindow: per quanto tempo un errore di scrittura rende il sink "failing".
const influxErrorWindow = time.Minute

func NewInflux(w PointWriter) *Influx {
	return &Influx{
		api: w,
		now: time.Now,
	}
}

func (i *Influx) Notify(ctx context.Context, message, timestamp, id string) {
	p := FallToPoint(message, timestamp, id, i.now())
	if err := i.api.WritePoint(ctx, p); err != nil {
		i.mu.Lock()
		i.lastErr = i.now()
		i.mu.Unlock()
		log.Printf("monitor: influx write error: %v", err)
	}
}

// LastErrorAge ritorna da quanto tempo non si verificano errori di scrittura;
// ok è false se non ce ne sono mai stati.
func (i *Influx) LastErrorAge() (age time.Duration, ok bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if i.lastErr.IsZero() {
		return 0, false
	}
	return i.now().Sub(i.lastErr), true
}

// SinkStatus is "failing" while the last write error is recent.
func (i *Influx) SinkStatus() string {
	if age, ok := i.LastErrorAge(); ok && age < influxErrorWindow {
		return "failing"
	}
	return "ok"
}

var datetimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// FallToPoint builds the point for one notification. The wearable's datetime is
// used as point time when it parses, otherwise now.
func FallToPoint(message, timestamp, id string, now time.Time) *write.Point {
	t := now
	ts := strings.TrimSpace(timestamp)
	for _, layout := range datetimeLayouts {
		if parsed, err := time.Parse(layout, ts); err == nil {
			t = parsed
			break
		}
	}

	tags := map[string]string{}
	if id != "" {
		tags["device_id"] = id
	}
	fields := map[string]interface{}{
		"message":  message,
		"datetime": timestamp,
		"count":    int64(1),
	}
	return influxdb2.NewPoint("fall_event", tags, fields, t)
}
