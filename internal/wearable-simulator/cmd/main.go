package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/LeonardoBeccarini/fall_detection/internal/config"
	wearableSimulator "github.com/LeonardoBeccarini/fall_detection/internal/wearable-simulator"
	"github.com/LeonardoBeccarini/fall_detection/pkg/rabbitmq"
)

func main() {
	// define flags
	deviceID := flag.String("device-id", "", "device identifier (default: random uuid)")
	interval := flag.Duration("interval", 2*time.Second, "publish interval")
	fallProb := flag.Float64("fall-prob", 0.1, "probability that a reading is a fall")
	count := flag.Int("count", 0, "readings to send, 0 = until interrupted")
	seed := flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if *deviceID == "" {
		*deviceID = uuid.NewString()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := rabbitmq.NewRabbitMQConn(&rabbitmq.RabbitMQConfig{
		Host:       cfg.RabbitMQ.Host,
		Port:       cfg.RabbitMQ.Port,
		User:       cfg.RabbitMQ.User,
		Password:   cfg.RabbitMQ.Password,
		ClientID:   "wearable-" + uuid.NewString(),
		MaxRetries: cfg.RabbitMQ.MaxRetries,
		MaxElapsed: cfg.RabbitMQ.MaxElapsed,
	}, ctx)
	if err != nil {
		log.Fatal(err)
	}

	publisher := rabbitmq.NewPublisher(client, cfg.Queue.Name)
	generator := wearableSimulator.NewReadingGenerator(*deviceID, cfg.Anomaly.Rules, *fallProb, *seed)
	sim := wearableSimulator.NewWearableSimulator(*deviceID, publisher, generator)

	log.Printf("wearable %s: publishing on %s every %s (fall p=%.2f)", *deviceID, cfg.Queue.Name, *interval, *fallProb)
	sim.Start(ctx, *interval, *count)
}
