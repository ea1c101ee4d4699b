package rabbitmq

import (
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

type doneToken struct {
	err  error
	done chan struct{}
}

func newDoneToken(err error) *doneToken {
	t := &doneToken{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *doneToken) Wait() bool                     { <-t.done; return true }
func (t *doneToken) WaitTimeout(time.Duration) bool { return true }
func (t *doneToken) Done() <-chan struct{}          { return t.done }
func (t *doneToken) Error() error                   { return t.err }

type published struct {
	topic   string
	qos     byte
	payload []byte
}

// fakeClient is an in-memory mqtt.Client: Subscribe stores the callback and
// deliver invokes it the way paho's router does.
type fakeClient struct {
	mu           sync.Mutex
	connected    bool
	handlers     map[string]mqtt.MessageHandler
	published    []published
	unsubscribed []string
	disconnects  int
	subscribeErr error
	publishErr   error
}

func newFakeClient() *fakeClient {
	return &fakeClient{connected: true, handlers: map[string]mqtt.MessageHandler{}}
}

func (f *fakeClient) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeClient) IsConnectionOpen() bool { return f.IsConnected() }
func (f *fakeClient) Connect() mqtt.Token    { return newDoneToken(nil) }

func (f *fakeClient) Disconnect(uint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	f.disconnects++
}

func (f *fakeClient) Publish(topic string, qos byte, _ bool, payload interface{}) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return newDoneToken(f.publishErr)
	}
	b, _ := payload.([]byte)
	f.published = append(f.published, published{topic: topic, qos: qos, payload: b})
	return newDoneToken(nil)
}

func (f *fakeClient) Subscribe(topic string, _ byte, cb mqtt.MessageHandler) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subscribeErr != nil {
		return newDoneToken(f.subscribeErr)
	}
	f.handlers[topic] = cb
	return newDoneToken(nil)
}

func (f *fakeClient) SubscribeMultiple(map[string]byte, mqtt.MessageHandler) mqtt.Token {
	return newDoneToken(nil)
}

func (f *fakeClient) Unsubscribe(topics ...string) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribed = append(f.unsubscribed, topics...)
	return newDoneToken(nil)
}

func (f *fakeClient) AddRoute(string, mqtt.MessageHandler)   {}
func (f *fakeClient) OptionsReader() mqtt.ClientOptionsReader { return mqtt.ClientOptionsReader{} }

// deliver runs the subscription callback synchronously, like paho with OrderMatters.
func (f *fakeClient) deliver(topic string, m mqtt.Message) {
	f.mu.Lock()
	cb := f.handlers[topic]
	f.mu.Unlock()
	cb(f, m)
}

type fakeMessage struct {
	topic   string
	payload []byte
	dup     bool

	mu    sync.Mutex
	acked int
}

func (m *fakeMessage) Duplicate() bool   { return m.dup }
func (m *fakeMessage) Qos() byte         { return 1 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 1 }
func (m *fakeMessage) Payload() []byte   { return m.payload }

func (m *fakeMessage) Ack() {
	m.mu.Lock()
	m.acked++
	m.mu.Unlock()
}

func (m *fakeMessage) ackCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acked
}
