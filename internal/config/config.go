package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/adhocore/gronx"
	"github.com/matheus3301/chatmirror/internal/chat"
)

// Config represents the global ~/.chatmirror/config.toml.
type Config struct {
	DefaultInstance string                    `toml:"default_instance"`
	Store           StoreConfig               `toml:"store"`
	Pull            PullConfig                `toml:"pull"`
	Backfill        BackfillConfig            `toml:"backfill"`
	Metrics         MetricsConfig             `toml:"metrics"`
	Platforms       map[string]PlatformConfig `toml:"platforms"`
	Subscriptions   []SubscriptionConfig      `toml:"subscriptions"`
}

// StoreConfig tunes the index store.
type StoreConfig struct {
	// Fsync is one of interval, always, never.
	Fsync string `toml:"fsync"`
}

// PullConfig tunes subscription pulls.
type PullConfig struct {
	StopTimeout   Duration `toml:"stop_timeout"`
	MaxPerSecond  int      `toml:"max_per_second"`
	Prefetch      int      `toml:"prefetch"`
	DeclareQueues bool     `toml:"declare_queues"`
}

// BackfillConfig tunes history backfill.
type BackfillConfig struct {
	Cron          string           `toml:"cron"`
	BufferPages   int              `toml:"buffer_pages"`
	Workers       int              `toml:"workers"`
	Wait          Duration         `toml:"wait"`
	Conversations []BackfillTarget `toml:"conversations"`
}

// BackfillTarget is a conversation backfilled on the cron schedule.
type BackfillTarget struct {
	Platform       string `toml:"platform"`
	ConversationID string `toml:"conversation_id"`
}

// MetricsConfig controls the metrics endpoint. An empty Listen disables it.
type MetricsConfig struct {
	Listen string `toml:"listen"`
}

// PlatformConfig holds API access and projection policy for one platform.
type PlatformConfig struct {
	BaseURL           string   `toml:"base_url"`
	Token             string   `toml:"token"`
	Policy            string   `toml:"policy"`
	RequestsPerSecond float64  `toml:"requests_per_second"`
	PageSize          int      `toml:"page_size"`
	Timeout           Duration `toml:"timeout"`
}

// SubscriptionConfig is a queue subscription feeding one platform.
type SubscriptionConfig struct {
	Platform     string `toml:"platform"`
	Endpoint     string `toml:"endpoint"`
	Subscription string `toml:"subscription"`
	AutoStart    bool   `toml:"auto_start"`
}

// Duration is a time.Duration written as a string such as "10s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		DefaultInstance: "main",
		Store:           StoreConfig{Fsync: "interval"},
		Pull: PullConfig{
			StopTimeout: Duration{10 * time.Second},
			Prefetch:    16,
		},
		Backfill: BackfillConfig{
			Cron:        "0 3 * * *",
			BufferPages: 10,
			Workers:     2,
			Wait:        Duration{2 * time.Minute},
		},
		Platforms: map[string]PlatformConfig{
			string(chat.Teams): {BaseURL: "https://graph.microsoft.com/v1.0", Policy: "ignore"},
			string(chat.Slack): {BaseURL: "https://slack.com/api", Policy: "ignore"},
		},
	}
}

// Load reads config from the given path. Returns zero config and error if file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOrDefault reads the file at path over the defaults. A missing file
// yields the defaults.
func LoadOrDefault(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// Policies returns the update-after-delete policy of every configured platform.
func (c *Config) Policies() (map[chat.Platform]chat.Policy, error) {
	out := make(map[chat.Platform]chat.Policy, len(c.Platforms))
	for name, pc := range c.Platforms {
		p, err := chat.ParsePlatform(name)
		if err != nil {
			return nil, err
		}
		policy, err := chat.ParsePolicy(pc.Policy)
		if err != nil {
			return nil, fmt.Errorf("platform %s: %w", name, err)
		}
		out[p] = policy
	}
	return out, nil
}

// Validate checks values that would otherwise fail at daemon start.
func (c *Config) Validate() error {
	if _, err := c.Policies(); err != nil {
		return err
	}
	if c.Backfill.Cron != "" && !gronx.IsValid(c.Backfill.Cron) {
		return fmt.Errorf("invalid backfill cron expression %q", c.Backfill.Cron)
	}
	for _, t := range c.Backfill.Conversations {
		if _, ok := c.Platforms[t.Platform]; !ok {
			return fmt.Errorf("backfill conversation %q: platform %q not configured", t.ConversationID, t.Platform)
		}
	}
	endpoints := make(map[string]string, len(c.Subscriptions))
	for _, s := range c.Subscriptions {
		if _, ok := c.Platforms[s.Platform]; !ok {
			return fmt.Errorf("subscription %q: platform %q not configured", s.Subscription, s.Platform)
		}
		if s.Endpoint == "" || s.Subscription == "" {
			return fmt.Errorf("subscription for %s needs endpoint and subscription", s.Platform)
		}
		if prev, ok := endpoints[s.Subscription]; ok && prev != s.Endpoint {
			return fmt.Errorf("subscription %q is listed on both %s and %s", s.Subscription, prev, s.Endpoint)
		}
		endpoints[s.Subscription] = s.Endpoint
	}
	return nil
}
