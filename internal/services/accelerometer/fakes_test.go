package accelerometer

import (
	"context"
	"errors"
	"sync"

	"github.com/LeonardoBeccarini/fall_detection/pkg/rabbitmq"
)

// events is a shared, ordered log of side effects across fakes.
type events struct {
	mu  sync.Mutex
	log []string
}

func (e *events) add(s string) {
	e.mu.Lock()
	e.log = append(e.log, s)
	e.mu.Unlock()
}

func (e *events) list() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.log...)
}

type fakeDelivery struct {
	payload     []byte
	redelivered bool
	ev          *events
	ackErr    error
	acked     int
	abandoned int
}

func (d *fakeDelivery) Topic() string     { return "acelerometro_ejex" }
func (d *fakeDelivery) Payload() []byte   { return d.payload }
func (d *fakeDelivery) Redelivered() bool { return d.redelivered }

func (d *fakeDelivery) Ack() error {
	if d.ackErr != nil {
		return d.ackErr
	}
	d.acked++
	d.ev.add("ack:" + string(d.payload))
	return nil
}

func (d *fakeDelivery) Abandon() {
	d.abandoned++
	d.ev.add("abandon:" + string(d.payload))
}

type fakeQueue struct {
	ev           *events
	deliveries   chan rabbitmq.Delivery
	closed       chan struct{}
	closeOnce    sync.Once
	closeCount   int
	mu           sync.Mutex
	connected    bool
	subscribeErr error
}

func newFakeQueue(ev *events) *fakeQueue {
	return &fakeQueue{
		ev:         ev,
		deliveries: make(chan rabbitmq.Delivery, 16),
		closed:     make(chan struct{}),
		connected:  true,
	}
}

func (q *fakeQueue) push(payload string) *fakeDelivery {
	d := &fakeDelivery{payload: []byte(payload), ev: q.ev}
	q.deliveries <- d
	return d
}

func (q *fakeQueue) Subscribe(context.Context) error { return q.subscribeErr }

func (q *fakeQueue) Receive(ctx context.Context) (rabbitmq.Delivery, error) {
	select {
	case <-q.closed:
		return nil, rabbitmq.ErrQueueClosed
	default:
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-q.closed:
		return nil, rabbitmq.ErrQueueClosed
	case d := <-q.deliveries:
		return d, nil
	}
}

func (q *fakeQueue) Connected() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.connected
}

func (q *fakeQueue) Close() error {
	q.mu.Lock()
	q.closeCount++
	q.connected = false
	q.mu.Unlock()
	q.closeOnce.Do(func() { close(q.closed) })
	q.ev.add("close")
	return nil
}

func (q *fakeQueue) closes() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closeCount
}

type fakeNotifier struct {
	ev    *events
	mu    sync.Mutex
	calls [][3]string
}

func (n *fakeNotifier) Notify(_ context.Context, message, timestamp, id string) {
	n.mu.Lock()
	n.calls = append(n.calls, [3]string{message, timestamp, id})
	n.mu.Unlock()
	n.ev.add("notify:" + id)
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.calls)
}

type fakePublisher struct {
	err      error
	payloads []string
}

func (p *fakePublisher) PublishMessage(m interface{}) error { return p.PublishMessageQos(0, false, m) }

func (p *fakePublisher) PublishMessageQos(_ byte, _ bool, m interface{}) error {
	if p.err != nil {
		return p.err
	}
	switch v := m.(type) {
	case []byte:
		p.payloads = append(p.payloads, string(v))
	case string:
		p.payloads = append(p.payloads, v)
	default:
		return errors.New("unsupported payload")
	}
	return nil
}

func (p *fakePublisher) Close() {}
