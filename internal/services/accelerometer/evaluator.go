package accelerometer

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/LeonardoBeccarini/fall_detection/internal/config"
	msg "github.com/LeonardoBeccarini/fall_detection/internal/model/messages"
)

var errNotFinite = errors.New("value is not finite")

// AxisRule is the inclusive safe range for one axis.
type AxisRule struct {
	Axis  string // x | y | z
	Field string // payload key
	Min   float64
	Max   float64
}

func (r AxisRule) contains(v float64) bool { return v >= r.Min && v <= r.Max }

// Thresholds are checked in slice order; the first violated rule wins.
type Thresholds []AxisRule

// axisOrder fissa l'ordine di valutazione X, Y, Z
var axisOrder = []struct{ axis, field string }{
	{"x", msg.FieldAxisX},
	{"y", msg.FieldAxisY},
	{"z", msg.FieldAxisZ},
}

// DefaultThresholds returns the wearable's fixed limits.
func DefaultThresholds() Thresholds {
	return Thresholds{
		{Axis: "x", Field: msg.FieldAxisX, Min: 0, Max: 10},
		{Axis: "y", Field: msg.FieldAxisY, Min: -10, Max: 2},
		{Axis: "z", Field: msg.FieldAxisZ, Min: -10, Max: 1},
	}
}

// ThresholdsFromConfig orders the configured rules as X, Y, Z.
func ThresholdsFromConfig(rules map[string]config.Rule) (Thresholds, error) {
	out := make(Thresholds, 0, len(axisOrder))
	for _, a := range axisOrder {
		r, ok := rules[a.axis]
		if !ok {
			return nil, fmt.Errorf("no threshold for axis %s", a.axis)
		}
		out = append(out, AxisRule{Axis: a.axis, Field: a.field, Min: r.Min, Max: r.Max})
	}
	return out, nil
}

type Evaluator struct {
	rules Thresholds
}

func NewEvaluator(rules Thresholds) (*Evaluator, error) {
	if len(rules) == 0 {
		return nil, errors.New("evaluator: no threshold rules")
	}
	for _, r := range rules {
		if r.Min > r.Max {
			return nil, fmt.Errorf("evaluator: axis %s min %v > max %v", r.Axis, r.Min, r.Max)
		}
	}
	return &Evaluator{rules: rules}, nil
}

// Decode validates a parsed reading into the typed record.
// A missing axis is a MalformedPayloadError, a non-numeric axis an InvalidNumericFieldError.
// datetime and id are copied when present; only a fall needs them (see Evaluate).
// Payload is left empty: the caller holds the raw body.
func Decode(r msg.ParsedReading) (msg.AccelerometerReading, error) {
	var out msg.AccelerometerReading
	axes := []*float64{&out.X, &out.Y, &out.Z}
	for i, a := range axisOrder {
		raw, ok := r[a.field]
		if !ok {
			return out, &MalformedPayloadError{Reason: "missing field " + a.field}
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err == nil && (math.IsNaN(v) || math.IsInf(v, 0)) {
			err = errNotFinite
		}
		if err != nil {
			return out, &InvalidNumericFieldError{Field: a.field, Value: raw, Err: err}
		}
		*axes[i] = v
	}
	out.Datetime = r[msg.FieldDatetime]
	out.ID = r[msg.FieldID]
	return out, nil
}

// Evaluate decodes r and checks it; nil event means every axis is in range.
// A fall without datetime or id cannot be notified and is a MalformedPayloadError.
func (e *Evaluator) Evaluate(r msg.ParsedReading) (*msg.FallEvent, error) {
	reading, err := Decode(r)
	if err != nil {
		return nil, err
	}
	evt := e.Check(reading)
	if evt == nil {
		return nil, nil
	}
	for _, f := range []string{msg.FieldDatetime, msg.FieldID} {
		if _, ok := r[f]; !ok {
			return nil, &MalformedPayloadError{Reason: "fall reading without field " + f}
		}
	}
	return evt, nil
}

// Check returns an event for the first out-of-range axis, or nil.
func (e *Evaluator) Check(r msg.AccelerometerReading) *msg.FallEvent {
	for _, rule := range e.rules {
		v := axisValue(r, rule.Axis)
		if rule.contains(v) {
			continue
		}
		return &msg.FallEvent{
			Description: msg.FallDescription,
			Datetime:    r.Datetime,
			ID:          r.ID,
			Axis:        rule.Axis,
			Value:       v,
		}
	}
	return nil
}

func axisValue(r msg.AccelerometerReading, axis string) float64 {
	switch axis {
	case "x":
		return r.X
	case "y":
		return r.Y
	default:
		return r.Z
	}
}
