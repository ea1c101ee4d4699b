// Package config loads the processor settings once at startup:
// defaults, then an optional YAML file (CONFIG_PATH), then environment variables.
// Nested keys map to env names with "." replaced by "_", e.g. anomaly.rules.x.min
// is ANOMALY_RULES_X_MIN.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Failure policies for messages that cannot be parsed or converted.
const (
	PolicyLeave      = "leave"
	PolicyDeadLetter = "deadletter"
	PolicyDrop       = "drop"
)

// Notifier sinks.
const (
	SinkMonitor = "monitor"
	SinkWebhook = "webhook"
	SinkInflux  = "influx"
)

type Config struct {
	RabbitMQ RabbitMQ `mapstructure:"rabbitmq"`
	Queue    Queue    `mapstructure:"queue"`
	Anomaly  Anomaly  `mapstructure:"anomaly"`
	Notifier Notifier `mapstructure:"notifier"`
	Influx   Influx   `mapstructure:"influx"`
	HTTP     struct {
		Port int `mapstructure:"port"`
	} `mapstructure:"http"`
	GRPC struct {
		Port int `mapstructure:"port"`
	} `mapstructure:"grpc"`
	Shutdown struct {
		Grace time.Duration `mapstructure:"grace"`
	} `mapstructure:"shutdown"`
}

type RabbitMQ struct {
	Host       string        `mapstructure:"host"`
	Port       int           `mapstructure:"port"`
	User       string        `mapstructure:"user"`
	Password   string        `mapstructure:"password"`
	ClientID   string        `mapstructure:"client_id"`
	MaxRetries int           `mapstructure:"max_retries"`
	MaxElapsed time.Duration `mapstructure:"max_elapsed"`
}

type Queue struct {
	Name            string        `mapstructure:"name"`
	Delay           time.Duration `mapstructure:"delay"`
	FailurePolicy   string        `mapstructure:"failure_policy"`
	DeadLetterTopic string        `mapstructure:"dead_letter_topic"`
	DedupTTL        time.Duration `mapstructure:"dedup_ttl"`
}

type Anomaly struct {
	Rules map[string]Rule `mapstructure:"rules"`
}

// Rule is the inclusive [Min, Max] safe range of one axis.
type Rule struct {
	Min float64 `mapstructure:"min"`
	Max float64 `mapstructure:"max"`
}

type Notifier struct {
	Sinks           []string      `mapstructure:"sinks"`
	WebhookURL      string        `mapstructure:"webhook_url"`
	WebhookTimeout  time.Duration `mapstructure:"webhook_timeout"`
	BreakerFailures int           `mapstructure:"breaker_failures"`
	BreakerOpenFor  time.Duration `mapstructure:"breaker_open_for"`
}

type Influx struct {
	URL    string `mapstructure:"url"`
	Token  string `mapstructure:"token"`
	Org    string `mapstructure:"org"`
	Bucket string `mapstructure:"bucket"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("rabbitmq.host", "localhost")
	v.SetDefault("rabbitmq.port", 1883)
	v.SetDefault("rabbitmq.user", "guest")
	v.SetDefault("rabbitmq.password", "guest")
	v.SetDefault("rabbitmq.client_id", "procesador-acelerometro")
	v.SetDefault("rabbitmq.max_retries", 5)
	v.SetDefault("rabbitmq.max_elapsed", "10s")

	v.SetDefault("queue.name", "acelerometro_ejex")
	v.SetDefault("queue.delay", "1s")
	v.SetDefault("queue.failure_policy", PolicyLeave)
	v.SetDefault("queue.dead_letter_topic", "acelerometro_ejex/deadletter")
	v.SetDefault("queue.dedup_ttl", "10m")

	v.SetDefault("anomaly.rules.x.min", 0.0)
	v.SetDefault("anomaly.rules.x.max", 10.0)
	v.SetDefault("anomaly.rules.y.min", -10.0)
	v.SetDefault("anomaly.rules.y.max", 2.0)
	v.SetDefault("anomaly.rules.z.min", -10.0)
	v.SetDefault("anomaly.rules.z.max", 1.0)

	v.SetDefault("notifier.sinks", []string{SinkMonitor})
	v.SetDefault("notifier.webhook_url", "")
	v.SetDefault("notifier.webhook_timeout", "3s")
	v.SetDefault("notifier.breaker_failures", 3)
	v.SetDefault("notifier.breaker_open_for", "30s")

	v.SetDefault("influx.url", "http://localhost:8086")
	v.SetDefault("influx.token", "")
	v.SetDefault("influx.org", "sdcc")
	v.SetDefault("influx.bucket", "falls")

	v.SetDefault("http.port", 8080)
	v.SetDefault("grpc.port", 50051)
	v.SetDefault("shutdown.grace", "5s")
}

// Load reads CONFIG_PATH (if set) and the environment.
func Load() (*Config, error) {
	return LoadFile(strings.TrimSpace(os.Getenv("CONFIG_PATH")))
}

// LoadFile is Load with an explicit config file; an empty path skips the file.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Notifier.Sinks = splitList(cfg.Notifier.Sinks)
	cfg.Queue.FailurePolicy = strings.ToLower(strings.TrimSpace(cfg.Queue.FailurePolicy))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the loaded values.
func (c *Config) Validate() error {
	var errs []error
	for _, axis := range []string{"x", "y", "z"} {
		r, ok := c.Anomaly.Rules[axis]
		if !ok {
			errs = append(errs, fmt.Errorf("anomaly.rules.%s missing", axis))
			continue
		}
		if r.Min > r.Max {
			errs = append(errs, fmt.Errorf("anomaly.rules.%s: min %v > max %v", axis, r.Min, r.Max))
		}
	}

	switch c.Queue.FailurePolicy {
	case PolicyLeave, PolicyDrop:
	case PolicyDeadLetter:
		if strings.TrimSpace(c.Queue.DeadLetterTopic) == "" {
			errs = append(errs, errors.New("queue.dead_letter_topic required by deadletter policy"))
		}
	default:
		errs = append(errs, fmt.Errorf("queue.failure_policy %q unknown", c.Queue.FailurePolicy))
	}
	if c.Queue.Delay < 0 {
		errs = append(errs, errors.New("queue.delay must not be negative"))
	}
	if strings.TrimSpace(c.Queue.Name) == "" {
		errs = append(errs, errors.New("queue.name required"))
	}

	for _, s := range c.Notifier.Sinks {
		switch s {
		case SinkMonitor, SinkInflux:
		case SinkWebhook:
			if strings.TrimSpace(c.Notifier.WebhookURL) == "" {
				errs = append(errs, errors.New("notifier.webhook_url required by webhook sink"))
			}
		default:
			errs = append(errs, fmt.Errorf("notifier sink %q unknown", s))
		}
	}
	return errors.Join(errs...)
}

// "monitor, webhook" arriva da env come un solo elemento
func splitList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, raw := range in {
		for _, p := range strings.Split(raw, ",") {
			if s := strings.ToLower(strings.TrimSpace(p)); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}
