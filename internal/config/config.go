package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultAPIURL          = "http://localhost:8081"
	DefaultTimeoutMS       = 60000
	DefaultSyncIntervalMS  = 5000
	MinSyncIntervalMS      = 2000
	DefaultInitialDelayMS  = 3000
	DefaultAgentsNamespace = "bluemap"
	DefaultSpawnWorld      = "world"
	DefaultMarkerY         = 64
	DefaultCommandPrefix   = "!"
	DefaultReplyTag        = "[KrumpKraft]"
)

// Config is an immutable snapshot of the plugin settings. Reloads replace it as a whole.
type Config struct {
	API     APIConfig     `yaml:"api" json:"api"`
	Markers MarkersConfig `yaml:"markers" json:"markers"`
	Chat    ChatConfig    `yaml:"chat" json:"chat"`
}

type APIConfig struct {
	URL                string `yaml:"url" json:"url"`
	TimeoutMS          int    `yaml:"timeout-ms" json:"timeout_ms"`
	SyncIntervalMS     int    `yaml:"sync-interval-ms" json:"sync_interval_ms"`
	SyncInitialDelayMS int    `yaml:"sync-initial-delay-ms" json:"sync_initial_delay_ms"`
	AgentsNamespace    string `yaml:"agents-namespace" json:"agents_namespace"`
}

type MarkersConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	SpawnWorld string `yaml:"spawn-world" json:"spawn_world"`
	DefaultY   int    `yaml:"default-y" json:"default_y"`
	ShowRole   bool   `yaml:"show-role" json:"show_role"`
}

type ChatConfig struct {
	CommandPrefix string `yaml:"command-prefix" json:"command_prefix"`
	ReplyTag      string `yaml:"reply-tag" json:"reply_tag"`
}

// Source hands out the current snapshot. Implementations must be safe for concurrent use.
type Source interface {
	Current() Config
}

// Static is a Source that never changes.
type Static Config

func (s Static) Current() Config { return Config(s) }

func Defaults() Config {
	return Config{
		API: APIConfig{
			URL:                DefaultAPIURL,
			TimeoutMS:          DefaultTimeoutMS,
			SyncIntervalMS:     DefaultSyncIntervalMS,
			SyncInitialDelayMS: DefaultInitialDelayMS,
			AgentsNamespace:    DefaultAgentsNamespace,
		},
		Markers: MarkersConfig{
			Enabled:    true,
			SpawnWorld: DefaultSpawnWorld,
			DefaultY:   DefaultMarkerY,
			ShowRole:   true,
		},
		Chat: ChatConfig{
			CommandPrefix: DefaultCommandPrefix,
			ReplyTag:      DefaultReplyTag,
		},
	}
}

// Load reads a YAML config file over the defaults. Keys missing from the file keep their
// default value, and a missing file yields the defaults.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if strings.TrimSpace(path) == "" {
		cfg.Normalize()
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			cfg.Normalize()
			return cfg, nil
		}
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Defaults(), fmt.Errorf("config.yml: %w", err)
	}
	cfg.Normalize()
	return cfg, nil
}

func (c *Config) Normalize() {
	if c == nil {
		return
	}
	c.API.URL = strings.TrimRight(strings.TrimSpace(c.API.URL), "/")
	if c.API.URL == "" {
		c.API.URL = DefaultAPIURL
	}
	if c.API.TimeoutMS <= 0 {
		c.API.TimeoutMS = DefaultTimeoutMS
	}
	if c.API.SyncIntervalMS < MinSyncIntervalMS {
		c.API.SyncIntervalMS = MinSyncIntervalMS
	}
	if c.API.SyncInitialDelayMS < 0 {
		c.API.SyncInitialDelayMS = 0
	}
	c.API.AgentsNamespace = strings.Trim(strings.TrimSpace(c.API.AgentsNamespace), "/")
	if c.API.AgentsNamespace == "" {
		c.API.AgentsNamespace = DefaultAgentsNamespace
	}
	if c.Chat.CommandPrefix == "" {
		c.Chat.CommandPrefix = DefaultCommandPrefix
	}
}

func (c Config) Timeout() time.Duration {
	return time.Duration(c.API.TimeoutMS) * time.Millisecond
}

func (c Config) SyncInterval() time.Duration {
	return time.Duration(c.API.SyncIntervalMS) * time.Millisecond
}

func (c Config) SyncInitialDelay() time.Duration {
	return time.Duration(c.API.SyncInitialDelayMS) * time.Millisecond
}

func (c Config) AgentsURL() string {
	return c.API.URL + "/api/v1/" + c.API.AgentsNamespace + "/agents"
}

func (c Config) ChatURL() string {
	return c.API.URL + "/minecraft/chat"
}
