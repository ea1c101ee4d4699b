package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/LeonardoBeccarini/fall_detection/internal/config"
	"github.com/LeonardoBeccarini/fall_detection/internal/services/accelerometer"
	"github.com/LeonardoBeccarini/fall_detection/internal/services/monitor"
	"github.com/LeonardoBeccarini/fall_detection/pkg/dedup"
	"github.com/LeonardoBeccarini/fall_detection/pkg/rabbitmq"
)

// exitInterrupted distingue la terminazione su segnale da un errore fatale (1).
const exitInterrupted = 130

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// === Signals ===
	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancelConn := context.WithCancelCause(sigCtx)
	defer cancelConn(nil)

	// === Thresholds ===
	rules, err := accelerometer.ThresholdsFromConfig(cfg.Anomaly.Rules)
	if err != nil {
		log.Fatalf("thresholds: %v", err)
	}
	evaluator, err := accelerometer.NewEvaluator(rules)
	if err != nil {
		log.Fatalf("thresholds: %v", err)
	}
	for _, r := range rules {
		log.Printf("accelerometer: axis %s (%s) safe range [%g, %g]", r.Axis, r.Field, r.Min, r.Max)
	}

	// === MQTT (RabbitMQ) ===
	client, err := rabbitmq.NewRabbitMQConn(&rabbitmq.RabbitMQConfig{
		Host:              cfg.RabbitMQ.Host,
		Port:              cfg.RabbitMQ.Port,
		User:              cfg.RabbitMQ.User,
		Password:          cfg.RabbitMQ.Password,
		ClientID:          cfg.RabbitMQ.ClientID,
		PersistentSession: true,
		ManualAck:         true,
		MaxRetries:        cfg.RabbitMQ.MaxRetries,
		MaxElapsed:        cfg.RabbitMQ.MaxElapsed,
		OnConnectionLost: func(err error) {
			cancelConn(fmt.Errorf("%w: %v", rabbitmq.ErrNotConnected, err))
		},
	}, ctx)
	if err != nil {
		log.Fatalf("mqtt connection error: %v", err)
	}
	queue := rabbitmq.NewConsumer(client, cfg.Queue.Name)

	// === Metrics / health ===
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := accelerometer.NewMetrics(reg)

	grpcHealth := health.NewServer()
	status := accelerometer.NewStatus(queue, grpcHealth)

	// === Notifier ===
	notifier, influxClient := buildNotifier(cfg, status)

	opts := accelerometer.Options{
		Delay:         cfg.Queue.Delay,
		FailurePolicy: cfg.Queue.FailurePolicy,
		Metrics:       metrics,
		Status:        status,
	}
	if cfg.Queue.FailurePolicy == config.PolicyDeadLetter {
		opts.DeadLetter = rabbitmq.NewPublisher(client, cfg.Queue.DeadLetterTopic)
	}
	if cfg.Queue.DedupTTL > 0 {
		opts.Deduper = dedup.New(cfg.Queue.DedupTTL, 20000)
	}

	proc, err := accelerometer.NewProcessor(queue, evaluator, notifier, opts)
	if err != nil {
		_ = queue.Close()
		log.Fatalf("processor: %v", err)
	}

	hs := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.HTTP.Port),
		Handler:           accelerometer.NewHTTPMux(status, reg),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Printf("accelerometer: HTTP listening on :%d", cfg.HTTP.Port)
		if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("http server error: %v", err)
		}
	}()

	grpcServer := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcServer, grpcHealth)
	lis, err := net.Listen("tcp", ":"+strconv.Itoa(cfg.GRPC.Port))
	if err != nil {
		_ = proc.Stop()
		log.Fatalf("listen grpc :%d: %v", cfg.GRPC.Port, err)
	}
	go func() {
		log.Printf("accelerometer: gRPC health on :%d", cfg.GRPC.Port)
		if err := grpcServer.Serve(lis); err != nil {
			log.Printf("gRPC serve error: %v", err)
		}
	}()

	// === Consumer ===
	runErr := make(chan error, 1)
	go func() { runErr <- proc.Run(ctx) }()

	code := 0
	select {
	case err := <-runErr:
		if err != nil && !errors.Is(err, accelerometer.ErrStopped) {
			log.Printf("accelerometer: consumer terminated: %v", err)
			code = 1
		}
	case <-sigCtx.Done():
		log.Println("accelerometer: interrupt received, closing subscription...")
		// drain limitato: il messaggio in corso può finire entro la grace
		select {
		case <-runErr:
		case <-time.After(cfg.Shutdown.Grace):
			log.Printf("accelerometer: in-flight message not settled within %s, abandoning", cfg.Shutdown.Grace)
			_ = proc.Stop()
		}
		code = exitInterrupted
	}

	shCtx, shCancel := context.WithTimeout(context.Background(), cfg.Shutdown.Grace)
	defer shCancel()
	_ = hs.Shutdown(shCtx)
	grpcHealth.Shutdown()
	grpcServer.GracefulStop()

	if code == exitInterrupted {
		log.Println("Connection closed... program terminated")
	}
	if influxClient != nil {
		influxClient.Close()
	}
	os.Exit(code)
}

// buildNotifier assembles the configured sinks into one notifier and reports
// the remote ones on /healthz.
func buildNotifier(cfg *config.Config, status *accelerometer.Status) (monitor.Notifier, influxdb2.Client) {
	var (
		sinks  monitor.Multi
		influx influxdb2.Client
	)
	for _, s := range cfg.Notifier.Sinks {
		switch s {
		case config.SinkMonitor:
			sinks = append(sinks, monitor.NewConsole(os.Stdout))
		case config.SinkWebhook:
			wh := monitor.NewWebhook(monitor.WebhookConfig{
				URL:             cfg.Notifier.WebhookURL,
				Timeout:         cfg.Notifier.WebhookTimeout,
				BreakerFailures: cfg.Notifier.BreakerFailures,
				BreakerOpenFor:  cfg.Notifier.BreakerOpenFor,
			})
			status.WatchSink(config.SinkWebhook, wh)
			sinks = append(sinks, wh)
		case config.SinkInflux:
			influx = influxdb2.NewClient(cfg.Influx.URL, cfg.Influx.Token)
			sink := monitor.NewInflux(influx.WriteAPIBlocking(cfg.Influx.Org, cfg.Influx.Bucket))
			status.WatchSink(config.SinkInflux, sink)
			sinks = append(sinks, sink)
		}
	}
	if len(sinks) == 0 {
		sinks = append(sinks, monitor.NewConsole(os.Stdout))
	}
	log.Printf("accelerometer: notifier sinks %v", cfg.Notifier.Sinks)
	return sinks, influx
}
