package channels

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// ConfigCache holds the tracked channel definitions, one YAML file per
// channel in channelsDir.
type ConfigCache struct {
	channelsDir string
	cache       map[string]*Config
	mu          sync.RWMutex
}

func NewConfigCache(channelsDir string) *ConfigCache {
	return &ConfigCache{
		channelsDir: channelsDir,
		cache:       make(map[string]*Config),
	}
}

func (cc *ConfigCache) Run() error {
	if _, err := os.Stat(cc.channelsDir); os.IsNotExist(err) {
		return nil
	}

	files, err := filepath.Glob(filepath.Join(cc.channelsDir, "*.yml"))
	if err != nil {
		return fmt.Errorf("failed to find YML files: %w", err)
	}

	seen := make(map[string]string, len(files))
	for _, file := range files {
		name := strings.TrimSuffix(filepath.Base(file), ".yml")

		config, err := cc.LoadConfig(name)
		if err != nil {
			return fmt.Errorf("error loading %s: %w", file, err)
		}

		if other, dup := seen[config.ChannelID]; dup {
			return fmt.Errorf("channel %s is defined by both %s and %s", config.ChannelID, other, name)
		}
		seen[config.ChannelID] = name

		slog.Debug("Channel configuration loaded", "name", name, "channel_id", config.ChannelID, "enabled", config.Settings.Enabled, "sync_interval", config.Settings.SyncInterval)
	}

	return nil
}

func (cc *ConfigCache) LoadConfig(name string) (*Config, error) {
	configFile := filepath.Join(cc.channelsDir, name+".yml")

	config, err := parseConfig(configFile)
	if err != nil {
		return nil, err
	}
	config.Name = name

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", configFile, err)
	}

	cc.mu.Lock()
	defer cc.mu.Unlock()
	cc.cache[config.Name] = config

	return config, nil
}

func (cc *ConfigCache) GetConfig(name string) (*Config, error) {
	cc.mu.RLock()
	defer cc.mu.RUnlock()

	config, ok := cc.cache[name]
	if !ok {
		return nil, fmt.Errorf("channel config with name '%s' not found", name)
	}
	return config, nil
}

// FindByChannelID returns the config tracking the given provider channel id.
func (cc *ConfigCache) FindByChannelID(channelID string) (*Config, bool) {
	cc.mu.RLock()
	defer cc.mu.RUnlock()

	for _, config := range cc.cache {
		if config.ChannelID == channelID {
			return config, true
		}
	}
	return nil, false
}

func (cc *ConfigCache) GetEnabledConfigs() map[string]*Config {
	cc.mu.RLock()
	defer cc.mu.RUnlock()

	enabled := make(map[string]*Config)
	for k, v := range cc.cache {
		if v.Settings.Enabled {
			enabled[k] = v
		}
	}
	return enabled
}

func (cc *ConfigCache) GetConfigCount() int {
	cc.mu.RLock()
	defer cc.mu.RUnlock()
	return len(cc.cache)
}

func parseConfig(configFile string) (*Config, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	config := Config{Settings: Settings{Enabled: true}}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if config.Settings.SyncInterval == 0 {
		config.Settings.SyncInterval = 3600
	}

	return &config, nil
}

func validateConfig(config *Config) error {
	if config == nil {
		return fmt.Errorf("config is nil")
	}

	if config.ChannelID == "" {
		return fmt.Errorf("channel_id is required")
	}
	if strings.ContainsAny(config.ChannelID, " /") {
		return fmt.Errorf("channel_id %q is malformed", config.ChannelID)
	}

	if config.Settings.SyncInterval < 60 {
		return fmt.Errorf("sync interval must be at least 60 seconds")
	}

	if config.UserID != nil && *config.UserID <= 0 {
		return fmt.Errorf("user_id must be positive")
	}

	return nil
}
