// Package config reads process configuration from the environment.
package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cast"
)

// Config holds everything the api and worker processes need at startup.
type Config struct {
	RabbitMQ RabbitMQ

	APIPort   string
	AuthToken string

	// MetricsPort is where the worker serves /metrics.
	MetricsPort string

	ConfirmTimeout time.Duration

	WorkerConcurrency int
	WorkerPrefetch    int

	DeadLetterEnabled bool
	DeliveryLimit     int
}

type RabbitMQ struct {
	Host     string
	Port     string
	UserName string
	UserPass string
	VHost    string
}

// URL builds the AMQP dial URL.
func (r RabbitMQ) URL() string {
	u := url.URL{
		Scheme: "amqp",
		User:   url.UserPassword(r.UserName, r.UserPass),
		Host:   fmt.Sprintf("%s:%s", r.Host, r.Port),
		Path:   "/" + r.VHost,
	}
	return u.String()
}

// LoadDotEnv loads a .env file from the working directory into the
// environment. The api and worker only call it when started with -dev.
func LoadDotEnv() error {
	return godotenv.Load()
}

// Load reads the configuration from the environment. The RabbitMQ
// credentials are required; everything else has a default.
func Load() (Config, error) {
	rabbit := RabbitMQ{
		Host:     os.Getenv("RABBITMQ_HOST"),
		Port:     os.Getenv("RABBITMQ_PORT"),
		UserName: os.Getenv("RABBITMQ_USER_NAME"),
		UserPass: os.Getenv("RABBITMQ_USER_PASS"),
		VHost:    os.Getenv("RABBITMQ_VHOST"),
	}

	required := []struct{ key, value string }{
		{"RABBITMQ_HOST", rabbit.Host},
		{"RABBITMQ_PORT", rabbit.Port},
		{"RABBITMQ_USER_NAME", rabbit.UserName},
		{"RABBITMQ_USER_PASS", rabbit.UserPass},
	}
	for _, r := range required {
		if r.value == "" {
			return Config{}, fmt.Errorf("%s environment variable not set", r.key)
		}
	}

	cfg := Config{
		RabbitMQ:  rabbit,
		APIPort:     getString("API_PORT", "8080"),
		AuthToken:   os.Getenv("AUTH_TOKEN"),
		MetricsPort: getString("METRICS_PORT", "9091"),
	}

	var err error
	if cfg.ConfirmTimeout, err = getDuration("CONFIRM_TIMEOUT", 5*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.WorkerConcurrency, err = getInt("WORKER_CONCURRENCY", 1); err != nil {
		return Config{}, err
	}
	if cfg.WorkerPrefetch, err = getInt("WORKER_PREFETCH", 10); err != nil {
		return Config{}, err
	}
	if cfg.DeadLetterEnabled, err = getBool("DEAD_LETTER_ENABLED", true); err != nil {
		return Config{}, err
	}
	if cfg.DeliveryLimit, err = getInt("DELIVERY_LIMIT", 5); err != nil {
		return Config{}, err
	}

	if cfg.ConfirmTimeout <= 0 {
		return Config{}, fmt.Errorf("CONFIRM_TIMEOUT must be positive")
	}
	if cfg.WorkerConcurrency < 1 {
		return Config{}, fmt.Errorf("WORKER_CONCURRENCY must be at least 1")
	}

	return cfg, nil
}

func getString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := cast.ToIntE(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getBool(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := cast.ToBoolE(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}

func getDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := cast.ToDurationE(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
