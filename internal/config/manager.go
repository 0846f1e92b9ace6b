package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"voicegate/internal/logging"
)

const envPrefix = "VOICEGATE"

// Manager loads the config file once and hands out immutable snapshots.
// Writers replace the snapshot atomically; readers never see a partial
// update.
type Manager struct {
	mu      sync.Mutex
	path    string
	current atomic.Pointer[Config]
	logger  *logging.Logger
}

// Load reads configuration from path (or voicegate.json in the working
// directory when empty), applies VOICEGATE_* env overrides, and returns a
// manager. A missing config file is not an error; defaults apply.
func Load(path string, logger *logging.Logger) (*Manager, error) {
	m := &Manager{
		path:   path,
		logger: logging.OrNop(logger).Component("config"),
	}
	cfg, err := m.read()
	if err != nil {
		return nil, err
	}
	m.current.Store(cfg)
	return m, nil
}

func (m *Manager) read() (*Config, error) {
	v := viper.New()
	v.SetConfigType("json")
	if m.path != "" {
		v.SetConfigFile(m.path)
	} else {
		v.SetConfigName("voicegate")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME")
	}

	// Register every key so AutomaticEnv can override it.
	def := defaults()
	raw, err := json.Marshal(def)
	if err != nil {
		return nil, err
	}
	var defMap map[string]any
	if err := json.Unmarshal(raw, &defMap); err != nil {
		return nil, err
	}
	for key, value := range defMap {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		m.logger.Info("config file not found, using defaults")
	} else {
		m.logger.Info("config loaded", "file", v.ConfigFileUsed())
		if m.path == "" {
			m.path = v.ConfigFileUsed()
		}
	}

	cfg := defaults()
	decode := func(dc *mapstructure.DecoderConfig) {
		dc.WeaklyTypedInput = true
	}
	if err := v.Unmarshal(cfg, decode); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// Snapshot returns the current immutable config. Callers must not mutate it.
func (m *Manager) Snapshot() *Config {
	return m.current.Load()
}

// Update applies fn to a copy of the current config, swaps it in atomically
// and persists the result. Returns the new snapshot.
func (m *Manager) Update(fn func(*Config)) (*Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := m.current.Load().Clone()
	fn(next)
	m.current.Store(next)
	if err := m.save(next); err != nil {
		return next, err
	}
	return next, nil
}

// Reload re-reads the config file from disk, discarding runtime updates.
func (m *Manager) Reload() (*Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, err := m.read()
	if err != nil {
		return nil, err
	}
	m.current.Store(cfg)
	return cfg, nil
}

func (m *Manager) save(cfg *Config) error {
	if m.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(m.path, append(data, '\n'), 0o644)
}

// Redacted returns the config as a map with secret-bearing keys removed,
// for status endpoints.
func (m *Manager) Redacted() map[string]any {
	cfg := m.Snapshot()
	raw, err := json.Marshal(cfg)
	if err != nil {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]any{}
	}
	for key := range out {
		if strings.Contains(key, "token") || strings.Contains(key, "key") || strings.Contains(key, "bearer") {
			delete(out, key)
		}
	}
	return out
}

func replaceOwner(tmpl, owner string) string {
	return strings.ReplaceAll(tmpl, "{owner}", owner)
}
