package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

var validate = validator.New()

// AppConfig holds the settings of the aggregation process and its clients.
type AppConfig struct {
	// DispatcherAddr is the cluster's single client-facing address.
	DispatcherAddr string `validate:"required"`
	// ReplicaAddrs lists one in-process replica per address, in probe order.
	ReplicaAddrs []string `validate:"required,min=1,dive,hostname_port"`
	// AdminAddr serves health, metrics and cluster status over HTTP.
	AdminAddr string `validate:"required"`

	DataDir string `validate:"required"`

	// Producer liveness window and the period of the expiry sweep.
	ExpiryWindow  time.Duration `validate:"gt=0"`
	SweepInterval time.Duration `validate:"gt=0"`

	AcceptTimeout time.Duration `validate:"gt=0"`
	ProbeTimeout  time.Duration `validate:"gt=0"`
	ConnTimeout   time.Duration `validate:"gt=0"`

	ProducerBackoff time.Duration `validate:"gt=0"`
	ReaderRetries   int           `validate:"gt=0"`
	ReaderBackoff   time.Duration `validate:"gt=0"`
}

// Load reads configuration from .env and the environment with sensible
// defaults.
func Load() (*AppConfig, error) {
	if err := godotenv.Load(); err != nil {
		log.Printf("INFO: No .env file found or error loading it: %v", err)
	}
	return FromEnv()
}

// FromEnv builds the configuration from the process environment only.
func FromEnv() (*AppConfig, error) {
	cfg := &AppConfig{
		DispatcherAddr: getenvDefault("DISPATCHER_ADDR", ":4567"),
		ReplicaAddrs:   splitList(getenvDefault("REPLICA_ADDRS", "127.0.0.1:4568,127.0.0.1:4569,127.0.0.1:4570")),
		DataDir:        getenvDefault("DATA_DIR", "data"),
		ReaderRetries:  getenvInt("READER_RETRIES", 3),
	}

	cfg.AdminAddr = os.Getenv("ADMIN_ADDR")
	if cfg.AdminAddr == "" {
		cfg.AdminAddr = ":" + getenvDefault("PORT", "8080")
	}

	durations := []struct {
		key string
		def string
		dst *time.Duration
	}{
		{"EXPIRY_WINDOW", "30s", &cfg.ExpiryWindow},
		{"SWEEP_INTERVAL", "5s", &cfg.SweepInterval},
		{"ACCEPT_TIMEOUT", "1s", &cfg.AcceptTimeout},
		{"PROBE_TIMEOUT", "1s", &cfg.ProbeTimeout},
		{"CONN_TIMEOUT", "30s", &cfg.ConnTimeout},
		{"PRODUCER_BACKOFF", "5s", &cfg.ProducerBackoff},
		{"READER_BACKOFF", "1s", &cfg.ReaderBackoff},
	}
	for _, d := range durations {
		v, err := time.ParseDuration(getenvDefault(d.key, d.def))
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", d.key, err)
		}
		*d.dst = v
	}

	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return def
}
