// Package config defines configuration parsing and helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds all application configuration parsed from environment
// variables. Coordinator and seller share one struct; each process reads the
// fields relevant to it.
type Config struct {
	AppEnv string `env:"APP_ENV" envDefault:"dev"`

	// Coordinator identity and transport.
	MarketplaceID string `env:"MARKETPLACE_ID" envDefault:"marketplace1"`
	RouterPort    int    `env:"ROUTER_PORT" envDefault:"5555"`
	OpsPort       int    `env:"OPS_PORT" envDefault:"8080"`

	// Timeouts, ascending: request < phase < saga.
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT" envDefault:"5s"`
	PhaseTimeout   time.Duration `env:"PHASE_TIMEOUT" envDefault:"10s"`
	SagaTimeout    time.Duration `env:"SAGA_TIMEOUT" envDefault:"60s"`

	// Saga execution.
	SagaWorkers     int           `env:"SAGA_WORKERS" envDefault:"20"`
	SagaStateDir    string        `env:"SAGA_STATE_DIR" envDefault:"./saga-states"`
	PersistInterval time.Duration `env:"PERSIST_INTERVAL" envDefault:"10s"`

	// Retry policy.
	RetryMaxAttempts int           `env:"RETRY_MAX_ATTEMPTS" envDefault:"3"`
	RetryBaseDelay   time.Duration `env:"RETRY_BASE_DELAY" envDefault:"1s"`
	RetryMultiplier  float64       `env:"RETRY_MULTIPLIER" envDefault:"2.0"`
	RetryMaxDelay    time.Duration `env:"RETRY_MAX_DELAY" envDefault:"30s"`

	// Circuit breaker, per (coordinator -> seller) channel.
	BreakerFailureThreshold int           `env:"BREAKER_FAILURE_THRESHOLD" envDefault:"5"`
	BreakerSuccessThreshold int           `env:"BREAKER_SUCCESS_THRESHOLD" envDefault:"3"`
	BreakerOpenTimeout      time.Duration `env:"BREAKER_OPEN_TIMEOUT" envDefault:"30s"`

	// Order pipeline. Sellers is the set of peer identities the default order
	// feed spreads line items across.
	Sellers       []string      `env:"SELLERS" envSeparator:"," envDefault:"seller1,seller2,seller3"`
	OrderWorkers  int           `env:"ORDER_WORKERS" envDefault:"10"`
	OrderDelay    time.Duration `env:"ORDER_DELAY" envDefault:"1s"`
	ShutdownGrace time.Duration `env:"SHUTDOWN_GRACE" envDefault:"15s"`

	// Seller participant.
	SellerID             string        `env:"SELLER_ID" envDefault:"seller1"`
	CoordinatorAddr      string        `env:"COORDINATOR_ADDR" envDefault:"localhost:5555"`
	SellerProducts       []string      `env:"SELLER_PRODUCTS" envSeparator:"," envDefault:"P1,P2,P3"`
	SellerInventorySize  int           `env:"SELLER_INVENTORY_SIZE" envDefault:"50"`
	ReservationTimeout   time.Duration `env:"RESERVATION_TIMEOUT" envDefault:"5m"`
	CleanupInterval      time.Duration `env:"CLEANUP_INTERVAL" envDefault:"60s"`
	IdempotencyRetention time.Duration `env:"IDEMPOTENCY_RETENTION" envDefault:"30m"`
	HeartbeatInterval    time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"30s"`
}

// Load parses environment variables into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate enforces cross-field constraints. The timeout ordering guarantees
// a saga timeout can never fire before a request could have timed out.
func (c Config) Validate() error {
	if !(c.RequestTimeout < c.PhaseTimeout && c.PhaseTimeout < c.SagaTimeout) {
		return fmt.Errorf("op=config.Validate: timeouts must satisfy request (%s) < phase (%s) < saga (%s)",
			c.RequestTimeout, c.PhaseTimeout, c.SagaTimeout)
	}
	if c.SagaWorkers <= 0 || c.OrderWorkers <= 0 {
		return fmt.Errorf("op=config.Validate: worker pool sizes must be positive")
	}
	return nil
}

// IsDev reports whether the app is running in development mode.
func (c Config) IsDev() bool { return strings.ToLower(c.AppEnv) == "dev" }

// IsTest reports whether the app is running in test mode.
func (c Config) IsTest() bool { return strings.ToLower(c.AppEnv) == "test" }
