package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
)

// Webhook POSTs notifications as JSON, behind a circuit breaker so that a dead
// endpoint costs one fast failure per message instead of a full timeout.
type Webhook struct {
	url    string
	client *http.Client
	cb     *gobreaker.CircuitBreaker
}

type WebhookConfig struct {
	URL             string
	Timeout         time.Duration
	BreakerFailures int
	BreakerOpenFor  time.Duration
}

func NewWebhook(cfg WebhookConfig) *Webhook {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	fails := cfg.BreakerFailures
	if fails < 1 {
		fails = 1
	}
	return &Webhook{
		url:    strings.TrimSpace(cfg.URL),
		client: &http.Client{Timeout: cfg.Timeout},
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "monitor-webhook",
			Timeout: cfg.BreakerOpenFor,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= uint32(fails)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Printf("monitor: breaker %s %s -> %s", name, from, to)
			},
		}),
	}
}

func (w *Webhook) Notify(ctx context.Context, message, timestamp, id string) {
	if err := w.Send(ctx, Notification{Message: message, Timestamp: timestamp, ID: id}); err != nil {
		log.Printf("monitor: webhook notify failed for %s: %v", id, err)
	}
}

// Send delivers n and reports the outcome; an open breaker fails immediately.
func (w *Webhook) Send(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return err
	}
	_, err = w.cb.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := w.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, fmt.Errorf("webhook status %d", resp.StatusCode)
		}
		return nil, nil
	})
	return err
}

// State exposes the breaker state for health reporting.
func (w *Webhook) State() gobreaker.State { return w.cb.State() }

// SinkStatus is the breaker state: closed, half-open or open.
func (w *Webhook) SinkStatus() string { return w.State().String() }
