// Package monitor contains the sinks that surface fall notifications to operators.
package monitor

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
)

// Notifier receives one notification per detected fall. It is fire-and-forget:
// implementations log their own failures and never report them to the caller.
type Notifier interface {
	Notify(ctx context.Context, message, timestamp, id string)
}

// SinkReporter is implemented by sinks whose health is shown on /healthz.
// "ok" and "closed" (breaker) are healthy; anything else degrades the service.
type SinkReporter interface {
	SinkStatus() string
}

// Notification is the JSON shape sent by remote sinks.
type Notification struct {
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
	ID        string `json:"id"`
}

// Multi fans a notification out to every sink, in order.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, message, timestamp, id string) {
	for _, n := range m {
		n.Notify(ctx, message, timestamp, id)
	}
}

// Console prints notifications as a banner on a writer (stdout by default).
type Console struct {
	mu sync.Mutex
	w  io.Writer
}

func NewConsole(w io.Writer) *Console {
	if w == nil {
		w = os.Stdout
	}
	return &Console{w: w}
}

func (c *Console) Notify(_ context.Context, message, timestamp, id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := fmt.Fprintf(c.w,
		"  ---------------------------------------------------\n"+
			"    ALERT: %s\n"+
			"    datetime: %s\n"+
			"    device:   %s\n"+
			"  ---------------------------------------------------\n",
		message, timestamp, id)
	if err != nil {
		log.Printf("monitor: console write error: %v", err)
	}
}
