package config

import (
	"fmt"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Manager loads configuration and serves it with hot reload of the routing
// thresholds. Only routing values change at runtime; everything else requires
// a restart.
type Manager struct {
	v      *viper.Viper
	logger *zap.Logger

	mu      sync.RWMutex
	current Config

	onRoutingChange []func(RoutingConfig)
}

// Load reads the config file (CONFIG_PATH-style explicit path, or
// ./config/pipeline.yaml) and applies environment overrides. A missing file
// is not an error; defaults plus environment apply.
func Load(path string, logger *zap.Logger) (*Manager, error) {
	v := newViper(path)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			logger.Info("No config file found, using defaults and environment")
		} else {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		logger.Info("Loaded configuration", zap.String("file", v.ConfigFileUsed()))
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Manager{v: v, logger: logger, current: cfg}, nil
}

// Get returns a copy of the current configuration.
func (m *Manager) Get() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Routing returns the current routing thresholds.
func (m *Manager) Routing() RoutingConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current.Routing
}

// OnRoutingChange registers a callback invoked when a config reload changes
// the routing thresholds. Must be called before Watch.
func (m *Manager) OnRoutingChange(fn func(RoutingConfig)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onRoutingChange = append(m.onRoutingChange, fn)
}

// Watch starts watching the config file for edits. Reloads that fail
// validation are discarded; the previous configuration stays active.
func (m *Manager) Watch() {
	if m.v.ConfigFileUsed() == "" {
		return
	}
	m.v.OnConfigChange(func(e fsnotify.Event) {
		m.logger.Info("Config file changed, reloading", zap.String("file", e.Name))

		var cfg Config
		if err := m.v.Unmarshal(&cfg); err != nil {
			m.logger.Error("Config reload failed, keeping previous", zap.Error(err))
			return
		}
		if err := cfg.Validate(); err != nil {
			m.logger.Error("Reloaded config invalid, keeping previous", zap.Error(err))
			return
		}

		m.mu.Lock()
		prev := m.current.Routing
		m.current.Routing = cfg.Routing
		callbacks := m.onRoutingChange
		m.mu.Unlock()

		if prev != cfg.Routing {
			m.logger.Info("Routing thresholds updated",
				zap.Float64("high_confidence", cfg.Routing.HighConfidence),
				zap.Float64("medium_confidence", cfg.Routing.MediumConfidence),
			)
			for _, fn := range callbacks {
				fn(cfg.Routing)
			}
		}
	})
	m.v.WatchConfig()
}

// DumpYAML renders the effective configuration for the admin endpoint.
// Secrets are redacted.
func (m *Manager) DumpYAML() ([]byte, error) {
	cfg := m.Get()
	cfg.Postgres.Password = "<redacted>"
	cfg.Redis.Password = "<redacted>"
	return yaml.Marshal(cfg)
}
