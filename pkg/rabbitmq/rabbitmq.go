package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"
)

var (
	// ErrNotConnected is returned when an operation needs an open broker connection.
	ErrNotConnected = errors.New("rabbitmq: not connected")
	// ErrQueueClosed is returned by Receive once the consumer has been closed.
	ErrQueueClosed = errors.New("rabbitmq: queue closed")
)

type RabbitMQConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	ClientID string

	// PersistentSession keeps the broker-side queue (durable on RabbitMQ) across
	// reconnects and restarts. It requires a stable ClientID.
	PersistentSession bool
	// ManualAck disables paho's automatic PUBACK: messages are acknowledged by Delivery.Ack.
	ManualAck bool

	ConnectTimeout time.Duration
	MaxRetries     int
	MaxElapsed     time.Duration

	OnConnectionLost func(err error)
}

// NewRabbitMQConn opens the MQTT connection to RabbitMQ, retrying with exponential backoff.
// The returned client delivers messages in order, one callback at a time.
func NewRabbitMQConn(cfg *RabbitMQConfig, ctx context.Context) (mqtt.Client, error) {
	connAddr := fmt.Sprintf("tcp://%s:%d", cfg.Host, cfg.Port)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(connAddr)
	opts.SetUsername(cfg.User)
	opts.SetPassword(cfg.Password)
	opts.SetClientID(cfg.ClientID)
	opts.SetCleanSession(!cfg.PersistentSession)
	opts.SetAutoAckDisabled(cfg.ManualAck)
	opts.SetOrderMatters(true)
	// la riconnessione la gestisce il processo: una connessione persa termina Run
	opts.SetAutoReconnect(false)
	if cfg.ConnectTimeout > 0 {
		opts.SetConnectTimeout(cfg.ConnectTimeout)
	}
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Printf("MQTT connection lost: %v", err)
		if cfg.OnConnectionLost != nil {
			cfg.OnConnectionLost(err)
		}
	})

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = cfg.MaxElapsed
	if bo.MaxElapsedTime <= 0 {
		bo.MaxElapsedTime = 10 * time.Second
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 5
	}

	var client mqtt.Client
	err := backoff.Retry(func() error {
		client = mqtt.NewClient(opts)
		token := client.Connect()
		select {
		case <-token.Done():
		case <-ctx.Done():
			return backoff.Permanent(ctx.Err())
		}
		if err := token.Error(); err != nil {
			log.Printf("Failed to connect to MQTT broker: %v", err)
			return err
		}
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(maxRetries-1)), ctx))
	if err != nil {
		return nil, fmt.Errorf("could not establish MQTT connection after retries: %w", err)
	}

	log.Printf("Connected to MQTT broker at %s (client %s, persistent=%t)", connAddr, cfg.ClientID, cfg.PersistentSession)
	return client, nil
}

func CloseRabbitMQConn(client mqtt.Client) {
	if client != nil && client.IsConnected() {
		client.Disconnect(250)
		log.Println("MQTT connection successfully closed.")
	}
}
