package config

import (
	"sync"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Provider is the interface for obtaining configuration.
// Consumers should depend on this interface rather than calling the global Get() directly.
type Provider interface {
	GetConfig() *Config
}

// GlobalProvider implements Provider using the package-level singleton.
type GlobalProvider struct{}

func (GlobalProvider) GetConfig() *Config { return Get() }

// StaticProvider implements Provider with a fixed config value, useful for testing.
type StaticProvider struct {
	Cfg *Config
}

func (p *StaticProvider) GetConfig() *Config { return p.Cfg }

type Config struct {
	Engine EngineConfig `mapstructure:"engine"`
}

type EngineConfig struct {
	DeploymentAPIURL     string        `mapstructure:"deployment_api_url"`               // Base URL of the external Deployment API
	WebsocketURL         string        `mapstructure:"websocket_url"`                    // URL of the push channel endpoint (ws:// or wss://)
	DBPath               string        `mapstructure:"db_path"`                          // Path to the sqlite deployment journal
	ActiveModelID        string        `mapstructure:"active_model_id,omitempty"`        // Model whose health is polled by the health monitor
	HeartbeatInterval    time.Duration `mapstructure:"heartbeat_interval,omitempty"`     // Interval between ping frames on the push channel
	PollInterval         time.Duration `mapstructure:"poll_interval,omitempty"`          // Fallback poller tick interval
	ReconnectBaseDelay   time.Duration `mapstructure:"reconnect_base_delay,omitempty"`   // First reconnect delay; doubles per attempt
	ReconnectMaxDelay    time.Duration `mapstructure:"reconnect_max_delay,omitempty"`    // Cap on the reconnect delay
	ReconnectMaxAttempts int           `mapstructure:"reconnect_max_attempts,omitempty"` // Attempts before the channel gives up
	HealthInterval       time.Duration `mapstructure:"health_interval,omitempty"`        // Health monitor poll interval
	MaxDeployRetries     int           `mapstructure:"max_deploy_retries,omitempty"`     // Retry attempts allowed per failed deployment
	RequestTimeout       time.Duration `mapstructure:"request_timeout,omitempty"`        // Timeout for Deployment API calls
	Redis                RedisConfig   `mapstructure:"redis"`                            // Redis configuration for the dispatch queue
	NumWorkers           int           `mapstructure:"num_workers,omitempty"`            // Number of dispatch workers (default: 4)
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`     // Redis address (e.g., "localhost:6379"); empty disables the queue
	Password string `mapstructure:"password"` // Redis password (optional)
	DB       int    `mapstructure:"db"`       // Redis database number (default: 0)
}

var (
	current *Config
	mu      sync.RWMutex
)

func Load() error {
	zap.S().Infof("Loading config from %s", viper.ConfigFileUsed())
	mu.Lock()
	defer mu.Unlock()

	cfg := &Config{}
	if err := viper.Unmarshal(cfg); err != nil {
		return err
	}
	zap.S().Info("Config loaded successfully")
	current = cfg
	return nil
}

func Get() *Config {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

func Reload() error {
	return Load()
}

func LoadDefaults() error {
	mu.Lock()
	defer mu.Unlock()

	current = &Config{
		Engine: EngineConfig{
			DeploymentAPIURL:     "http://localhost:8800",
			WebsocketURL:         "ws://localhost:8800/ws",
			DBPath:               "deployments.db",
			HeartbeatInterval:    30 * time.Second,
			PollInterval:         2 * time.Second,
			ReconnectBaseDelay:   time.Second,
			ReconnectMaxDelay:    30 * time.Second,
			ReconnectMaxAttempts: 5,
			HealthInterval:       30 * time.Second,
			MaxDeployRetries:     3,
			RequestTimeout:       15 * time.Second,
		},
	}
	return nil
}
