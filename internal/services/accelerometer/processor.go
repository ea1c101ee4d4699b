package accelerometer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/LeonardoBeccarini/fall_detection/internal/config"
	"github.com/LeonardoBeccarini/fall_detection/internal/services/monitor"
	"github.com/LeonardoBeccarini/fall_detection/pkg/dedup"
	"github.com/LeonardoBeccarini/fall_detection/pkg/rabbitmq"
)

// State of the processor lifecycle. STOPPED is terminal.
type State int32

const (
	StateRunning State = iota
	StateStopped
)

func (s State) String() string {
	if s == StateStopped {
		return "STOPPED"
	}
	return "RUNNING"
}

type Options struct {
	// Delay simula il costo di elaborazione prima dell'ack.
	Delay         time.Duration
	FailurePolicy string
	// DeadLetter receives rejected payloads under the deadletter policy.
	DeadLetter rabbitmq.IPublisher
	// Deduper, when set, acknowledges a broker redelivery of an already handled
	// payload without notifying again.
	Deduper *dedup.Deduper
	Metrics *Metrics
	Status  *Status
}

// Processor consumes the accelerometer queue one message at a time:
// parse, evaluate, notify, delay, acknowledge.
type Processor struct {
	queue     rabbitmq.IConsumer
	evaluator *Evaluator
	notifier  monitor.Notifier

	delay      time.Duration
	policy     string
	deadLetter rabbitmq.IPublisher
	deduper    *dedup.Deduper
	metrics    *Metrics
	status     *Status
	sleep      func(time.Duration)

	state    atomic.Int32
	stopOnce sync.Once
	stopErr  error
}

func NewProcessor(queue rabbitmq.IConsumer, evaluator *Evaluator, notifier monitor.Notifier, opts Options) (*Processor, error) {
	if queue == nil || evaluator == nil || notifier == nil {
		return nil, errors.New("accelerometer: queue, evaluator and notifier are required")
	}
	policy := opts.FailurePolicy
	if policy == "" {
		policy = config.PolicyLeave
	}
	switch policy {
	case config.PolicyLeave, config.PolicyDrop:
	case config.PolicyDeadLetter:
		if opts.DeadLetter == nil {
			return nil, errors.New("accelerometer: deadletter policy without a dead letter publisher")
		}
	default:
		return nil, fmt.Errorf("accelerometer: unknown failure policy %q", policy)
	}
	if opts.Delay < 0 {
		return nil, errors.New("accelerometer: negative delay")
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(prometheus.NewRegistry())
	}

	return &Processor{
		queue:      queue,
		evaluator:  evaluator,
		notifier:   notifier,
		delay:      opts.Delay,
		policy:     policy,
		deadLetter: opts.DeadLetter,
		deduper:    opts.Deduper,
		metrics:    opts.Metrics,
		status:     opts.Status,
		sleep:      time.Sleep,
	}, nil
}

func (p *Processor) State() State { return State(p.state.Load()) }

// Run subscribes and processes deliveries until ctx is done, Stop is called or
// the queue fails. Cancellation is checked only between messages: a delivery
// being processed is completed and acknowledged first. The subscription is
// released on every return path.
//
// Run returns nil on cancellation, ErrStopped after Stop, and the context cause
// when ctx was cancelled with one (e.g. connection lost).
func (p *Processor) Run(ctx context.Context) error {
	defer p.Stop()

	if p.State() == StateStopped {
		return ErrStopped
	}
	if err := p.queue.Subscribe(ctx); err != nil {
		if ctx.Err() != nil {
			return p.exitErr(ctx)
		}
		return fmt.Errorf("accelerometer: subscribe: %w", err)
	}
	p.status.SetServing(true)
	log.Printf("accelerometer: consuming (delay=%s policy=%s)", p.delay, p.policy)

	for {
		select {
		case <-ctx.Done():
			return p.exitErr(ctx)
		default:
		}

		d, err := p.queue.Receive(ctx)
		if err != nil {
			switch {
			case ctx.Err() != nil:
				return p.exitErr(ctx)
			case errors.Is(err, rabbitmq.ErrQueueClosed) && p.State() == StateStopped:
				return ErrStopped
			default:
				return fmt.Errorf("accelerometer: receive: %w", err)
			}
		}

		if err := p.Handle(ctx, d); err != nil {
			if errors.Is(err, rabbitmq.ErrNotConnected) {
				return fmt.Errorf("accelerometer: ack: %w", err)
			}
			log.Printf("accelerometer: message not processed: %v", err)
		}
	}
}

func (p *Processor) exitErr(ctx context.Context) error {
	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) && !errors.Is(cause, context.DeadlineExceeded) {
		return fmt.Errorf("accelerometer: %w", cause)
	}
	return nil
}

// Stop closes the subscription exactly once and moves to STOPPED.
// A delivery not yet acknowledged is left to broker redelivery.
func (p *Processor) Stop() error {
	p.stopOnce.Do(func() {
		p.state.Store(int32(StateStopped))
		p.status.SetServing(false)
		if err := p.queue.Close(); err != nil {
			p.stopErr = fmt.Errorf("accelerometer: close queue: %w", err)
			log.Printf("%v", p.stopErr)
		}
		log.Println("accelerometer: subscription closed")
	})
	return p.stopErr
}

// Handle processes one delivery and settles it. The returned error is the
// reason a message was rejected, or an acknowledgment failure.
func (p *Processor) Handle(ctx context.Context, d rabbitmq.Delivery) error {
	start := time.Now()
	p.metrics.Received.Inc()
	p.metrics.InFlight.Set(1)
	defer func() {
		p.metrics.InFlight.Set(0)
		p.metrics.Processing.Observe(time.Since(start).Seconds())
	}()

	payload := d.Payload()
	// solo una redelivery del broker può essere un duplicato; un nuovo messaggio identico viene notificato
	if seen := !p.deduper.ShouldProcessPayload(payload); seen && d.Redelivered() {
		p.metrics.Duplicates.Inc()
		log.Printf("accelerometer: redelivered payload already handled, acknowledged without notify")
		return p.ack(d)
	}

	reading, err := ParseBytes(payload)
	if err != nil {
		return p.reject(d, err)
	}
	evt, err := p.evaluator.Evaluate(reading)
	if err != nil {
		var mp *MalformedPayloadError
		if errors.As(err, &mp) && mp.Payload == "" {
			mp.Payload = string(payload)
		}
		return p.reject(d, err)
	}

	if evt != nil {
		// la notifica non viene interrotta dallo shutdown
		p.notifier.Notify(context.WithoutCancel(ctx), evt.Description, evt.Datetime, evt.ID)
		p.metrics.Falls.WithLabelValues(evt.Axis).Inc()
		log.Printf("accelerometer: fall detected device=%s datetime=%s axis=%s value=%.3f",
			evt.ID, evt.Datetime, evt.Axis, evt.Value)
	}

	if p.delay > 0 {
		p.sleep(p.delay)
	}
	return p.ack(d)
}

func (p *Processor) ack(d rabbitmq.Delivery) error {
	if err := d.Ack(); err != nil {
		return err
	}
	p.metrics.Acked.Inc()
	return nil
}

func (p *Processor) reject(d rabbitmq.Delivery, cause error) error {
	// una redelivery dello stesso payload va rivalutata, non scartata come duplicato
	p.deduper.Forget(dedup.PayloadKey(d.Payload()))
	p.metrics.Failures.WithLabelValues(failureKind(cause), p.policy).Inc()

	switch p.policy {
	case config.PolicyDeadLetter:
		if err := p.deadLetter.PublishMessageQos(1, false, d.Payload()); err != nil {
			d.Abandon()
			return errors.Join(cause, fmt.Errorf("dead letter: %w", err))
		}
		if err := p.ack(d); err != nil {
			return errors.Join(cause, err)
		}
	case config.PolicyDrop:
		if err := p.ack(d); err != nil {
			return errors.Join(cause, err)
		}
	default:
		d.Abandon()
	}
	return cause
}
