package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// BaseConfig contains common configuration for all services
type BaseConfig struct {
	ServiceName string `env:"SERVICE_NAME"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	Environment string `env:"ENVIRONMENT" envDefault:"development"` // development, staging, production
}

// BuilderConfig contains configuration for the image builder service
type BuilderConfig struct {
	BaseConfig          `envPrefix:"BUILDER_"`
	DatabaseURL         string        `env:"BUILDER_DATABASE_URL,required"`
	BuildPollInterval   time.Duration `env:"BUILDER_BUILD_POLL_INTERVAL" envDefault:"5s"` // How often to check for pending builds
	BuildTimeout        time.Duration `env:"BUILDER_BUILD_TIMEOUT" envDefault:"30m"`      // Maximum time for a single build
	MaxConcurrentBuilds int           `env:"BUILDER_MAX_CONCURRENT_BUILDS" envDefault:"3"`
	CleanupInterval     time.Duration `env:"BUILDER_CLEANUP_INTERVAL" envDefault:"5m"` // How often to reset stale builds
	StaleBuildAge       time.Duration `env:"BUILDER_STALE_BUILD_AGE" envDefault:"45m"` // Age after which a running build is considered orphaned
	ShutdownGracePeriod time.Duration `env:"BUILDER_SHUTDOWN_GRACE" envDefault:"30s"`  // How long to wait for in-flight builds on shutdown

	HealthPort        int         `env:"BUILDER_HEALTH_PORT" envDefault:"8081"`             // Port for the health endpoints
	BuildWorkDir      string      `env:"BUILDER_WORK_DIR" envDefault:"/tmp/appdock-builds"` // Directory where build contexts are staged
	ContainerRegistry string      `env:"BUILDER_CONTAINER_REGISTRY"`                        // Container registry to push images to
	NATS              *NATSConfig `envPrefix:"BUILDER_"`
}

// NATSConfig contains configuration for NATS messaging
type NATSConfig struct {
	URLs          []string      `env:"NATS_URLS,required" envSeparator:","` // NATS server URLs
	MaxReconnects int           `env:"NATS_MAX_RECONNECTS" envDefault:"-1"`        // Maximum number of reconnect attempts (-1 for unlimited)
	ReconnectWait time.Duration `env:"NATS_RECONNECT_WAIT" envDefault:"2s"`        // Time to wait between reconnect attempts
	Timeout       time.Duration `env:"NATS_TIMEOUT" envDefault:"5s"`               // Connection timeout
}

// LoadBuilderConfig loads configuration for the image builder service
func LoadBuilderConfig() (*BuilderConfig, error) {
	config, err := env.ParseAs[BuilderConfig]()
	if err != nil {
		return nil, fmt.Errorf("failed to parse builder config: %w", err)
	}

	if config.ServiceName == "" {
		config.ServiceName = "builder"
	}

	return &config, nil
}
