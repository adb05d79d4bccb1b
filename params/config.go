package params

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/uhyunpark/hypermargin/pkg/app/core/market"
)

type API struct {
	Addr        string
	CORSOrigins []string
}

type Storage struct {
	// DBPath is the Pebble directory. Empty keeps state in memory (devnet only).
	DBPath string
}

type Venue struct {
	// AckTimeout bounds how long an order may wait for the venue to accept it
	// before its locks are released
	AckTimeout time.Duration
	// PendingSweep is how often stale Pending orders are expired
	PendingSweep time.Duration
	// Simulated runs the in-process matching engine. Otherwise orders go to
	// the venue at URL and its events arrive on the webhook.
	Simulated     bool
	URL           string
	CancelRetries uint64
}

type Log struct {
	File  string
	Level string
}

type Config struct {
	API     API
	Storage Storage
	Venue   Venue
	Log     Log
	// MarketsFile is a YAML token/market table; empty uses the devnet set
	MarketsFile string
}

func Default() Config {
	return Config{
		API: API{
			Addr:        ":8080",
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:3001"},
		},
		Storage: Storage{DBPath: "data/accounts"},
		Venue: Venue{
			AckTimeout:    5 * time.Second,
			PendingSweep:  10 * time.Second,
			Simulated:     true,
			CancelRetries: 3,
		},
		Log: Log{File: "data/node.log", Level: "info"},
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) (Config, error) {
	cfg := Default()

	// Try to load .env file (optional - won't fail if not exists)
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load() // loads .env from current directory
	}

	cfg.API.Addr = getEnv("API_ADDR", cfg.API.Addr)
	cfg.Storage.DBPath = getEnv("DB_PATH", cfg.Storage.DBPath)
	cfg.Log.File = getEnv("LOG_FILE", cfg.Log.File)
	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.MarketsFile = getEnv("MARKETS_FILE", cfg.MarketsFile)
	cfg.Venue.URL = getEnv("VENUE_URL", cfg.Venue.URL)

	var err error
	if cfg.Venue.AckTimeout, err = getMillis("ACK_TIMEOUT_MS", cfg.Venue.AckTimeout); err != nil {
		return Config{}, err
	}
	if cfg.Venue.PendingSweep, err = getMillis("PENDING_SWEEP_MS", cfg.Venue.PendingSweep); err != nil {
		return Config{}, err
	}
	if v := os.Getenv("SIM_VENUE"); v != "" {
		if cfg.Venue.Simulated, err = strconv.ParseBool(v); err != nil {
			return Config{}, fmt.Errorf("SIM_VENUE: %w", err)
		}
	}
	if v := os.Getenv("VENUE_CANCEL_RETRIES"); v != "" {
		if cfg.Venue.CancelRetries, err = strconv.ParseUint(v, 10, 64); err != nil {
			return Config{}, fmt.Errorf("VENUE_CANCEL_RETRIES: %w", err)
		}
	}

	// Origins from comma-separated list
	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		cfg.API.CORSOrigins = nil
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.API.CORSOrigins = append(cfg.API.CORSOrigins, o)
			}
		}
	}

	return cfg, cfg.Validate()
}

// Validate rejects settings the node cannot run with
func (c Config) Validate() error {
	if c.API.Addr == "" {
		return fmt.Errorf("API_ADDR must not be empty")
	}
	if c.Venue.AckTimeout <= 0 {
		return fmt.Errorf("ack timeout must be positive, got %s", c.Venue.AckTimeout)
	}
	if c.Venue.PendingSweep <= 0 {
		return fmt.Errorf("pending sweep interval must be positive, got %s", c.Venue.PendingSweep)
	}
	if !c.Venue.Simulated && c.Venue.URL == "" {
		return fmt.Errorf("VENUE_URL is required when SIM_VENUE=false")
	}
	return nil
}

// Registry returns the configured token and market set
func (c Config) Registry() (*market.Registry, error) {
	if c.MarketsFile == "" {
		return market.DefaultRegistry(), nil
	}
	return market.LoadRegistry(c.MarketsFile)
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getMillis(key string, defaultValue time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue, nil
	}
	ms, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return time.Duration(ms) * time.Millisecond, nil
}
