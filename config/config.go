package config

import (
	"fmt"
	"net"
	"strconv"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

const (
	StoreDurable   = "durable"
	StoreEphemeral = "ephemeral"
)

type Config struct {
	Host          string        `env:"RELAY_HOST"`
	Port          int           `env:"RELAY_PORT,default=3000" validate:"gte=0,lte=65535"`
	Store         string        `env:"RELAY_STORE,default=durable" validate:"oneof=durable ephemeral"`
	DBPath        string        `env:"RELAY_DB_PATH,default=relay.db"`
	StoreTimeout  time.Duration `env:"RELAY_STORE_TIMEOUT,default=5s" validate:"gt=0"`
	ReadTimeout   time.Duration `env:"RELAY_READ_TIMEOUT,default=60s" validate:"gt=0"`
	WriteTimeout  time.Duration `env:"RELAY_WRITE_TIMEOUT,default=10s" validate:"gt=0"`
	PingInterval  time.Duration `env:"RELAY_PING_INTERVAL,default=30s" validate:"gt=0,ltefield=ReadTimeout"`
	SendBuffer    int           `env:"RELAY_SEND_BUFFER,default=256" validate:"gt=0"`
	MaxFrameSize  int64         `env:"RELAY_MAX_FRAME,default=65536" validate:"gt=0"`
	ControlSocket string        `env:"RELAY_CONTROL_SOCKET,default=/tmp/relay.sock"`
	Metrics       bool          `env:"RELAY_METRICS,default=true"`
	LogLevel      string        `env:"RELAY_LOG_LEVEL,default=info" validate:"oneof=debug info warn error"`
}

// Load reads an optional .env file, then the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if _, err := env.UnmarshalFromEnviron(cfg); err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Addr is the HTTP listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
