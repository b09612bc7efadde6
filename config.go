package agenda

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/eljojo/agenda/types"
	"github.com/eljojo/agenda/utilities"
	"gopkg.in/yaml.v3"
)

// MQTTConfig points the change feed at a broker. An empty Broker disables it.
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
}

// Config is the agenda daemon's configuration file.
type Config struct {
	ReadRelays  []string `yaml:"read_relays"`
	WriteRelays []string `yaml:"write_relays"`

	// SecretKey (nsec or hex) enables authoring. Without it the client is read-only
	// and PubKey (npub or hex) names whose agenda to follow.
	SecretKey string `yaml:"secret_key,omitempty"`
	PubKey    string `yaml:"pubkey,omitempty"`

	// Database is a SQLite path. Empty keeps everything in memory.
	Database string `yaml:"database"`

	// Refresh is a cron schedule for catch-up subscriptions on connected relays.
	Refresh string `yaml:"refresh"`

	MQTT MQTTConfig `yaml:"mqtt"`

	Backoff utilities.Backoff `yaml:"backoff"`

	// KeepAliveKinds are kinds whose subscriptions stay open after
	// end-of-stored-events to receive live updates.
	KeepAliveKinds []types.Kind `yaml:"keep_alive_kinds"`

	PublishTimeout time.Duration `yaml:"publish_timeout"`
}

var defaultRelays = []string{"wss://relay.damus.io", "wss://nos.lol"}

// DefaultConfig returns the configuration written on first run.
func DefaultConfig() *Config {
	return &Config{
		ReadRelays:     append([]string(nil), defaultRelays...),
		WriteRelays:    append([]string(nil), defaultRelays...),
		Refresh:        "*/15 * * * *",
		MQTT:           MQTTConfig{TopicPrefix: "agenda"},
		Backoff:        utilities.DefaultBackoff,
		KeepAliveKinds: []types.Kind{},
		PublishTimeout: 10 * time.Second,
	}
}

// Normalize fills zero values with defaults so older files keep working.
func (c *Config) Normalize() {
	if c.ReadRelays == nil {
		c.ReadRelays = append([]string(nil), defaultRelays...)
	}
	if c.WriteRelays == nil {
		c.WriteRelays = append([]string(nil), c.ReadRelays...)
	}
	if c.Refresh == "" {
		c.Refresh = "*/15 * * * *"
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "agenda"
	}
	if c.Backoff.Base <= 0 {
		c.Backoff.Base = utilities.DefaultBackoff.Base
	}
	if c.Backoff.Max <= 0 {
		c.Backoff.Max = utilities.DefaultBackoff.Max
	}
	if c.KeepAliveKinds == nil {
		c.KeepAliveKinds = []types.Kind{}
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 10 * time.Second
	}
}

// Validate checks keys and relay lists.
func (c *Config) Validate() error {
	if len(c.ReadRelays) == 0 {
		return errors.New("config: no read relays")
	}
	if c.SecretKey != "" {
		if _, err := types.DecodeSecretKey(c.SecretKey); err != nil {
			return fmt.Errorf("config: secret_key: %w", err)
		}
	}
	if c.PubKey != "" {
		if _, err := types.DecodePubKey(c.PubKey); err != nil {
			return fmt.Errorf("config: pubkey: %w", err)
		}
	}
	return nil
}

// LoadConfig reads path, creating it with defaults (mode 0600) when missing.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			if err := SaveConfig(path, cfg); err != nil {
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.Normalize()
	return &cfg, nil
}

// SaveConfig writes cfg atomically with 0600 permissions; it may hold a secret key.
func SaveConfig(path string, cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".agenda-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
