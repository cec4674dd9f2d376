// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is read from the environment; every setting has a default that
// runs the service in memory on a developer machine.
type Config struct {
	Port         string
	DatabaseURL  string
	OTLPEndpoint string

	DefaultLoanPeriod        time.Duration
	DefaultReservationPeriod time.Duration
	AllowHolds               bool

	VendorURL          string
	VendorCollectionID int64
	SweepInterval      time.Duration
	MaxStale           time.Duration

	ShutdownTimeout time.Duration
}

func Load() (Config, error) {
	var (
		cfg  Config
		errs []error
	)
	cfg.Port = getEnv("PORT", "8082")
	cfg.DatabaseURL = getEnv("DATABASE_URL", "")
	cfg.OTLPEndpoint = getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	cfg.VendorURL = getEnv("VENDOR_URL", "")

	duration := func(key string, def time.Duration) time.Duration {
		d, err := getDuration(key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return d
	}
	cfg.DefaultLoanPeriod = duration("DEFAULT_LOAN_PERIOD", 21*24*time.Hour)
	cfg.DefaultReservationPeriod = duration("DEFAULT_RESERVATION_PERIOD", 3*24*time.Hour)
	cfg.SweepInterval = duration("SWEEP_INTERVAL", time.Minute)
	cfg.MaxStale = duration("MAX_STALE", 24*time.Hour)
	cfg.ShutdownTimeout = duration("SHUTDOWN_TIMEOUT", 15*time.Second)

	allow, err := getBool("ALLOW_HOLDS", true)
	if err != nil {
		errs = append(errs, err)
	}
	cfg.AllowHolds = allow

	id, err := strconv.ParseInt(getEnv("VENDOR_COLLECTION_ID", "1"), 10, 64)
	if err != nil || id <= 0 {
		errs = append(errs, errors.New("VENDOR_COLLECTION_ID: must be a positive integer"))
	}
	cfg.VendorCollectionID = id

	if len(errs) > 0 {
		return Config{}, fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return defaultValue, fmt.Errorf("%s: invalid duration %q", key, raw)
	}
	return d, nil
}

func getBool(key string, defaultValue bool) (bool, error) {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return defaultValue, fmt.Errorf("%s: invalid boolean %q", key, raw)
	}
	return b, nil
}
