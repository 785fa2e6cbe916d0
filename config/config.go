package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds the relay server settings.
type Config struct {
	Port           string        `env:"PORT" envDefault:"8080"`
	Environment    string        `env:"ENVIRONMENT" envDefault:"development"`
	AllowedOrigins []string      `env:"ALLOWED_ORIGINS" envSeparator:"," envDefault:"http://localhost:3000,http://localhost:5173"`
	JWTSecret      string        `env:"JWT_SECRET" envDefault:"change-me-in-production"`
	// HostGracePeriod is how long a room survives after its host's socket
	// drops without an explicit leave.
	HostGracePeriod time.Duration `env:"HOST_GRACE_PERIOD" envDefault:"30s"`
	Redis           RedisConfig   `envPrefix:"REDIS_"`
}

type RedisConfig struct {
	Host     string `env:"HOST" envDefault:"localhost"`
	Port     string `env:"PORT" envDefault:"6379"`
	Password string `env:"PASSWORD"`
	DB       int    `env:"DB" envDefault:"0"`
}

// PeerConfig holds the settings of a syncing device.
type PeerConfig struct {
	DeviceName          string          `env:"DEVICE_NAME"`
	DeviceRole          string          `env:"DEVICE_ROLE" envDefault:"participant"`
	SignalingURL        string          `env:"SIGNALING_URL" envDefault:"ws://localhost:8080/ws/signal"`
	EnableAutoSync      bool            `env:"ENABLE_AUTO_SYNC" envDefault:"true"`
	DebugTrace          bool            `env:"DEBUG_TRACE" envDefault:"false"`
	STUNURLs            []string        `env:"STUN_URLS" envSeparator:","`
	NegotiationTimeout  time.Duration   `env:"NEGOTIATION_TIMEOUT" envDefault:"30s"`
	AckTimeout          time.Duration   `env:"ACK_TIMEOUT" envDefault:"5s"`
	MaxOperationRetries int             `env:"MAX_OPERATION_RETRIES" envDefault:"5"`
	Reconnect           ReconnectConfig `envPrefix:"RECONNECT_"`
}

// ReconnectConfig bounds the reconnection backoff.
type ReconnectConfig struct {
	MaxAttempts   int           `env:"MAX_ATTEMPTS" envDefault:"5"`
	BaseDelay     time.Duration `env:"BASE_DELAY" envDefault:"1s"`
	MaxDelay      time.Duration `env:"MAX_DELAY" envDefault:"30s"`
	BackoffFactor float64       `env:"BACKOFF_FACTOR" envDefault:"2"`
}

// Load reads the relay configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("error getting env configs: %w", err)
	}
	return cfg, nil
}

// LoadPeer reads the device configuration from the environment.
func LoadPeer() (*PeerConfig, error) {
	cfg := &PeerConfig{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("error getting env configs: %w", err)
	}
	if err := cfg.Reconnect.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects reconnection settings that would make the backoff
// schedule shrink or never run.
func (r ReconnectConfig) Validate() error {
	switch {
	case r.MaxAttempts < 1:
		return fmt.Errorf("reconnect max attempts must be at least 1, got %d", r.MaxAttempts)
	case r.BaseDelay <= 0:
		return fmt.Errorf("reconnect base delay must be positive, got %s", r.BaseDelay)
	case r.MaxDelay < r.BaseDelay:
		return fmt.Errorf("reconnect max delay %s is below base delay %s", r.MaxDelay, r.BaseDelay)
	case r.BackoffFactor < 1:
		return fmt.Errorf("reconnect backoff factor must be >= 1, got %v", r.BackoffFactor)
	}
	return nil
}
