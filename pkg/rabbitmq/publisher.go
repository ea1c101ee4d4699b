package rabbitmq

import (
	"fmt"
	"log"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// IPublisher interface defines the method to publish a message
type IPublisher interface {
	PublishMessage(message interface{}) error
	PublishMessageQos(qos byte, retained bool, message interface{}) error
	Close()
}

// Publisher holds the client and the topic it publishes to
type Publisher struct {
	client  mqtt.Client
	topic   string
	timeout time.Duration
}

var _ IPublisher = (*Publisher)(nil)

// NewPublisher creates a new Publisher instance using the shared MQTT client and topic
func NewPublisher(client mqtt.Client, topic string) *Publisher {
	return &Publisher{
		client:  client,
		topic:   topic,
		timeout: 5 * time.Second,
	}
}

func (p *Publisher) Topic() string { return p.topic }

// PublishMessage publishes at QoS 0 (at most once).
func (p *Publisher) PublishMessage(message interface{}) error {
	return p.PublishMessageQos(0, false, message)
}

// PublishMessageQos publishes a string or []byte payload with the given QoS.
func (p *Publisher) PublishMessageQos(qos byte, retained bool, message interface{}) error {
	var payload []byte
	switch m := message.(type) {
	case string:
		payload = []byte(m)
	case []byte:
		payload = m
	default:
		return fmt.Errorf("invalid message format, expected string or []byte, got %T", message)
	}

	token := p.client.Publish(p.topic, qos, retained, payload)
	if !token.WaitTimeout(p.timeout) {
		return fmt.Errorf("publish on %s: timeout after %s", p.topic, p.timeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish message on %s: %w", p.topic, err)
	}

	log.Printf("Message '%s' published to topic '%s'", payload, p.topic)
	return nil
}

// Close gracefully closes the MQTT connection for the publisher
func (p *Publisher) Close() {
	if p.client.IsConnected() {
		p.client.Disconnect(250)
		log.Println("MQTT client disconnected")
	}
}
