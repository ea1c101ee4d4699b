package accelerometer

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/LeonardoBeccarini/fall_detection/internal/config"
	"github.com/LeonardoBeccarini/fall_detection/pkg/dedup"
	"github.com/LeonardoBeccarini/fall_detection/pkg/rabbitmq"
)

const (
	fallPayload    = "{'acelerometro_ejex': '12.0', 'acelerometro_ejey': '0.0', 'acelerometro_ejez': '0.0', 'datetime': '2018-03-01', 'id': 'dev1'}"
	calmPayload    = "{'acelerometro_ejex': '5.0', 'acelerometro_ejey': '0.0', 'acelerometro_ejez': '0.0', 'datetime': '2018-03-01', 'id': 'dev2'}"
	multiPayload   = "{'acelerometro_ejex': '11', 'acelerometro_ejey': '3', 'acelerometro_ejez': '2', 'datetime': '2018-03-01', 'id': 'dev3'}"
	brokenPayload  = "{'acelerometro_ejex': '12.0', 'acelerometro_ejey': '0.0', 'acelerometro_ejez': '0.0', 'datetime': '2018-03-01', 'id': 'dev1'"
	nonNumeric     = "{'acelerometro_ejex': 'abc', 'acelerometro_ejey': '0.0', 'acelerometro_ejez': '0.0', 'datetime': '2018-03-01', 'id': 'dev4'}"
	missingAxisMsg = "{'acelerometro_ejex': '1.0', 'datetime': '2018-03-01', 'id': 'dev5'}"
)

type harness struct {
	ev       *events
	queue    *fakeQueue
	notifier *fakeNotifier
	metrics  *Metrics
	proc     *Processor
	sleeps   []time.Duration
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	ev := &events{}
	h := &harness{ev: ev, queue: newFakeQueue(ev), notifier: &fakeNotifier{ev: ev}}
	h.metrics = NewMetrics(prometheus.NewRegistry())
	opts.Metrics = h.metrics

	e, err := NewEvaluator(DefaultThresholds())
	if err != nil {
		t.Fatal(err)
	}
	p, err := NewProcessor(h.queue, e, h.notifier, opts)
	if err != nil {
		t.Fatalf("NewProcessor: %v", err)
	}
	p.sleep = func(d time.Duration) {
		h.sleeps = append(h.sleeps, d)
		ev.add("sleep")
	}
	h.proc = p
	return h
}

func (h *harness) handle(t *testing.T, payload string) (*fakeDelivery, error) {
	t.Helper()
	d := &fakeDelivery{payload: []byte(payload), ev: h.ev}
	return d, h.proc.Handle(context.Background(), d)
}

func TestHandleFallNotifiesThenAcks(t *testing.T) {
	h := newHarness(t, Options{Delay: time.Second})

	d, err := h.handle(t, fallPayload)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if d.acked != 1 || d.abandoned != 0 {
		t.Fatalf("acked=%d abandoned=%d", d.acked, d.abandoned)
	}
	want := []string{"notify:dev1", "sleep", "ack:" + fallPayload}
	if got := h.ev.list(); !reflect.DeepEqual(got, want) {
		t.Fatalf("side effects %v, want %v", got, want)
	}
	if call := h.notifier.calls[0]; call != [3]string{"fall detected", "2018-03-01", "dev1"} {
		t.Fatalf("notify args %v", call)
	}
	if !reflect.DeepEqual(h.sleeps, []time.Duration{time.Second}) {
		t.Fatalf("sleeps %v", h.sleeps)
	}
	if v := testutil.ToFloat64(h.metrics.Falls.WithLabelValues("x")); v != 1 {
		t.Fatalf("falls{x} = %v", v)
	}
	if v := testutil.ToFloat64(h.metrics.Acked); v != 1 {
		t.Fatalf("acked = %v", v)
	}
}

func TestHandleCalmReadingOnlyAcks(t *testing.T) {
	h := newHarness(t, Options{})

	d, err := h.handle(t, calmPayload)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if h.notifier.count() != 0 {
		t.Fatalf("unexpected notify")
	}
	if d.acked != 1 {
		t.Fatalf("acked=%d", d.acked)
	}
	if len(h.sleeps) != 0 {
		t.Fatalf("zero delay must not sleep, got %v", h.sleeps)
	}
}

func TestHandleMultipleAnomaliesNotifyOnce(t *testing.T) {
	h := newHarness(t, Options{})

	if _, err := h.handle(t, multiPayload); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if h.notifier.count() != 1 {
		t.Fatalf("notify count = %d, want 1", h.notifier.count())
	}
	if v := testutil.ToFloat64(h.metrics.Falls.WithLabelValues("x")); v != 1 {
		t.Fatalf("fall must be attributed to x, falls{x}=%v", v)
	}
}

func TestHandleRejectedLeftUnacked(t *testing.T) {
	cases := []struct {
		name    string
		payload string
		kind    string
		check   func(error) bool
	}{
		{"missing brace", brokenPayload, "malformed_payload", func(err error) bool {
			var e *MalformedPayloadError
			return errors.As(err, &e)
		}},
		{"non numeric", nonNumeric, "invalid_numeric_field", func(err error) bool {
			var e *InvalidNumericFieldError
			return errors.As(err, &e)
		}},
		{"missing axis", missingAxisMsg, "malformed_payload", func(err error) bool {
			var e *MalformedPayloadError
			return errors.As(err, &e)
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, Options{Delay: time.Second})
			d, err := h.handle(t, tc.payload)
			if !tc.check(err) {
				t.Fatalf("unexpected error %v", err)
			}
			if d.acked != 0 || d.abandoned != 1 {
				t.Fatalf("acked=%d abandoned=%d, want 0/1", d.acked, d.abandoned)
			}
			if h.notifier.count() != 0 {
				t.Fatalf("no notify expected")
			}
			if len(h.sleeps) != 0 {
				t.Fatalf("rejected message must not wait the delay")
			}
			if v := testutil.ToFloat64(h.metrics.Failures.WithLabelValues(tc.kind, config.PolicyLeave)); v != 1 {
				t.Fatalf("failures{%s} = %v", tc.kind, v)
			}
		})
	}
}

func TestHandleDeadLetterPolicy(t *testing.T) {
	dl := &fakePublisher{}
	h := newHarness(t, Options{FailurePolicy: config.PolicyDeadLetter, DeadLetter: dl})

	d, err := h.handle(t, brokenPayload)
	var mp *MalformedPayloadError
	if !errors.As(err, &mp) {
		t.Fatalf("expected MalformedPayloadError, got %v", err)
	}
	if d.acked != 1 || d.abandoned != 0 {
		t.Fatalf("acked=%d abandoned=%d", d.acked, d.abandoned)
	}
	if !reflect.DeepEqual(dl.payloads, []string{brokenPayload}) {
		t.Fatalf("dead letters %v", dl.payloads)
	}
}

func TestHandleDeadLetterPublishFailure(t *testing.T) {
	dl := &fakePublisher{err: errors.New("broker gone")}
	h := newHarness(t, Options{FailurePolicy: config.PolicyDeadLetter, DeadLetter: dl})

	d, err := h.handle(t, nonNumeric)
	var nf *InvalidNumericFieldError
	if !errors.As(err, &nf) {
		t.Fatalf("cause lost: %v", err)
	}
	if d.acked != 0 || d.abandoned != 1 {
		t.Fatalf("acked=%d abandoned=%d, want message left unacked", d.acked, d.abandoned)
	}
}

func TestHandleDropPolicy(t *testing.T) {
	h := newHarness(t, Options{FailurePolicy: config.PolicyDrop})
	d, err := h.handle(t, brokenPayload)
	if err == nil {
		t.Fatal("expected rejection error")
	}
	if d.acked != 1 {
		t.Fatalf("drop policy must ack, acked=%d", d.acked)
	}
}

func TestHandleRedeliveredDuplicateNotNotifiedTwice(t *testing.T) {
	h := newHarness(t, Options{Deduper: dedup.New(time.Minute, 100)})

	first, _ := h.handle(t, fallPayload)
	second := &fakeDelivery{payload: []byte(fallPayload), redelivered: true, ev: h.ev}
	if err := h.proc.Handle(context.Background(), second); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if h.notifier.count() != 1 {
		t.Fatalf("notify count = %d, want 1", h.notifier.count())
	}
	if first.acked != 1 || second.acked != 1 {
		t.Fatalf("both deliveries must be acked: %d %d", first.acked, second.acked)
	}
	if v := testutil.ToFloat64(h.metrics.Duplicates); v != 1 {
		t.Fatalf("duplicates = %v", v)
	}
}

func TestHandleIdenticalFreshMessagesNotifyEach(t *testing.T) {
	h := newHarness(t, Options{Deduper: dedup.New(time.Minute, 100)})

	for i := 0; i < 2; i++ {
		if _, err := h.handle(t, fallPayload); err != nil {
			t.Fatalf("Handle #%d: %v", i, err)
		}
	}
	if h.notifier.count() != 2 {
		t.Fatalf("notify count = %d, want one per message", h.notifier.count())
	}
	if v := testutil.ToFloat64(h.metrics.Duplicates); v != 0 {
		t.Fatalf("duplicates = %v", v)
	}
}

func TestHandleRejectedRedeliveryIsReevaluated(t *testing.T) {
	h := newHarness(t, Options{Deduper: dedup.New(time.Minute, 100)})

	for i := 0; i < 2; i++ {
		d := &fakeDelivery{payload: []byte(brokenPayload), redelivered: i > 0, ev: h.ev}
		err := h.proc.Handle(context.Background(), d)
		if err == nil || d.abandoned != 1 {
			t.Fatalf("attempt %d: redelivered bad message must be rejected again (err=%v)", i, err)
		}
	}
	if v := testutil.ToFloat64(h.metrics.Duplicates); v != 0 {
		t.Fatalf("duplicates = %v", v)
	}
}

func TestHandleMalformedCarriesRawPayload(t *testing.T) {
	h := newHarness(t, Options{})
	raw := "{'acelerometro_ejex': '12.0', 'acelerometro_ejey': '0.0', 'acelerometro_ejez': '0.0', 'id': 'dev9'}"

	_, err := h.handle(t, raw)
	var mp *MalformedPayloadError
	if !errors.As(err, &mp) {
		t.Fatalf("expected MalformedPayloadError, got %v", err)
	}
	if mp.Payload != raw {
		t.Fatalf("error payload %q, want the body as received %q", mp.Payload, raw)
	}
}

func TestHandleCalmReadingWithoutDatetimeOrID(t *testing.T) {
	h := newHarness(t, Options{})
	d, err := h.handle(t, "{'acelerometro_ejex': '1.0', 'acelerometro_ejey': '0.0', 'acelerometro_ejez': '0.0'}")
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if d.acked != 1 || h.notifier.count() != 0 {
		t.Fatalf("acked=%d notifies=%d", d.acked, h.notifier.count())
	}
}

func TestHandleAckFailure(t *testing.T) {
	h := newHarness(t, Options{})
	d := &fakeDelivery{payload: []byte(calmPayload), ev: h.ev, ackErr: rabbitmq.ErrNotConnected}
	if err := h.proc.Handle(context.Background(), d); !errors.Is(err, rabbitmq.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if v := testutil.ToFloat64(h.metrics.Acked); v != 0 {
		t.Fatalf("failed ack counted")
	}
}

func TestNewProcessorValidation(t *testing.T) {
	e, _ := NewEvaluator(DefaultThresholds())
	q := newFakeQueue(&events{})
	n := &fakeNotifier{ev: &events{}}

	if _, err := NewProcessor(q, e, n, Options{FailurePolicy: config.PolicyDeadLetter}); err == nil {
		t.Error("deadletter without publisher accepted")
	}
	if _, err := NewProcessor(q, e, n, Options{FailurePolicy: "retry"}); err == nil {
		t.Error("unknown policy accepted")
	}
	if _, err := NewProcessor(q, e, nil, Options{}); err == nil {
		t.Error("nil notifier accepted")
	}
	if _, err := NewProcessor(q, e, n, Options{Delay: -time.Second}); err == nil {
		t.Error("negative delay accepted")
	}
}
