package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"

	"github.com/sunshow/workgear/client/internal/model"
)

// Engine kinds
const (
	EngineHTTP = "http"
	EngineFake = "fake"
)

// Push transports
const (
	TransportWS   = "ws"
	TransportGRPC = "grpc"
)

// Config holds the client configuration.
type Config struct {
	UserID string       `mapstructure:"user_id" yaml:"user_id"`
	Log    LogConfig    `mapstructure:"log" yaml:"log"`
	Engine EngineConfig `mapstructure:"engine" yaml:"engine"`
	Notify NotifyConfig `mapstructure:"notify" yaml:"notify"`
	Poll   PollConfig   `mapstructure:"poll" yaml:"poll"`
	Fake   FakeConfig   `mapstructure:"fake" yaml:"fake"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Development bool   `mapstructure:"development" yaml:"development"`
}

// EngineConfig selects and configures the generation engine.
type EngineConfig struct {
	Kind           string        `mapstructure:"kind" yaml:"kind"`
	BaseURL        string        `mapstructure:"base_url" yaml:"base_url"`
	Token          string        `mapstructure:"token" yaml:"token"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	RateLimit      float64       `mapstructure:"rate_limit" yaml:"rate_limit"`
	RateBurst      int           `mapstructure:"rate_burst" yaml:"rate_burst"`
}

// NotifyConfig configures the push channel.
type NotifyConfig struct {
	Transport      string        `mapstructure:"transport" yaml:"transport"`
	URL            string        `mapstructure:"url" yaml:"url"`
	GRPCTarget     string        `mapstructure:"grpc_target" yaml:"grpc_target"`
	HealthService  string        `mapstructure:"health_service" yaml:"health_service"`
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay" yaml:"reconnect_delay"`
	DialTimeout    time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout"`
}

// PollConfig configures the fallback pollers.
type PollConfig struct {
	TaskInterval       time.Duration `mapstructure:"task_interval" yaml:"task_interval"`
	TaskSafetyTimeout  time.Duration `mapstructure:"task_safety_timeout" yaml:"task_safety_timeout"`
	RegenInterval      time.Duration `mapstructure:"regen_interval" yaml:"regen_interval"`
	RegenSafetyTimeout time.Duration `mapstructure:"regen_safety_timeout" yaml:"regen_safety_timeout"`
}

// FakeConfig configures the in-memory engine used for demo runs.
type FakeConfig struct {
	StepDelay time.Duration `mapstructure:"step_delay" yaml:"step_delay"`
	Rows      int           `mapstructure:"rows" yaml:"rows"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("user_id", "anonymous")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	v.SetDefault("engine.kind", EngineHTTP)
	v.SetDefault("engine.base_url", "http://localhost:8000/api/v1")
	v.SetDefault("engine.token", "")
	v.SetDefault("engine.request_timeout", 30*time.Second)
	v.SetDefault("engine.rate_limit", 10.0)
	v.SetDefault("engine.rate_burst", 5)

	v.SetDefault("notify.transport", TransportWS)
	v.SetDefault("notify.url", "ws://localhost:8000/api/v1/ws/notifications")
	v.SetDefault("notify.grpc_target", "localhost:50051")
	v.SetDefault("notify.health_service", "")
	v.SetDefault("notify.reconnect_delay", 3*time.Second)
	v.SetDefault("notify.dial_timeout", 10*time.Second)

	v.SetDefault("poll.task_interval", 5*time.Second)
	v.SetDefault("poll.task_safety_timeout", 10*time.Minute)
	v.SetDefault("poll.regen_interval", 4*time.Second)
	v.SetDefault("poll.regen_safety_timeout", 45*time.Second)

	v.SetDefault("fake.step_delay", 2*time.Second)
	v.SetDefault("fake.rows", 3)
}

// Load reads the configuration from path (optional) and WORKGEAR_* environment
// variables, e.g. WORKGEAR_ENGINE_BASE_URL.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("WORKGEAR")
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
	cfg.Engine.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.Engine.BaseURL), "/")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration for values the client cannot run with.
func (c *Config) Validate() error {
	if c.UserID == "" {
		return fmt.Errorf("user_id is required: %w", model.ErrNotValid)
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level %q: %w", c.Log.Level, model.ErrNotValid)
	}

	switch c.Engine.Kind {
	case EngineHTTP:
		if c.Engine.BaseURL == "" {
			return fmt.Errorf("engine.base_url is required: %w", model.ErrNotValid)
		}
	case EngineFake:
	default:
		return fmt.Errorf("engine.kind %q: %w", c.Engine.Kind, model.ErrNotValid)
	}

	switch c.Notify.Transport {
	case TransportWS:
		if c.Notify.URL == "" && c.Engine.Kind == EngineHTTP {
			return fmt.Errorf("notify.url is required: %w", model.ErrNotValid)
		}
	case TransportGRPC:
		if c.Notify.GRPCTarget == "" && c.Engine.Kind == EngineHTTP {
			return fmt.Errorf("notify.grpc_target is required: %w", model.ErrNotValid)
		}
	default:
		return fmt.Errorf("notify.transport %q: %w", c.Notify.Transport, model.ErrNotValid)
	}

	durations := map[string]time.Duration{
		"engine.request_timeout":    c.Engine.RequestTimeout,
		"notify.reconnect_delay":    c.Notify.ReconnectDelay,
		"notify.dial_timeout":       c.Notify.DialTimeout,
		"poll.task_interval":        c.Poll.TaskInterval,
		"poll.task_safety_timeout":  c.Poll.TaskSafetyTimeout,
		"poll.regen_interval":       c.Poll.RegenInterval,
		"poll.regen_safety_timeout": c.Poll.RegenSafetyTimeout,
	}
	for key, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s: %w", key, d, model.ErrNotValid)
		}
	}
	if c.Poll.TaskSafetyTimeout < c.Poll.TaskInterval {
		return fmt.Errorf("poll.task_safety_timeout is shorter than poll.task_interval: %w", model.ErrNotValid)
	}
	if c.Engine.RateLimit < 0 || c.Engine.RateBurst < 0 {
		return fmt.Errorf("engine rate limit must not be negative: %w", model.ErrNotValid)
	}
	return nil
}
