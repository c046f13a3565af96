package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/matheus3301/chatmirror/internal/chat"
)

// envOverrides holds raw CHATMIRROR_* values. Unset variables leave the
// file configuration alone.
type envOverrides struct {
	Instance         string        `env:"CHATMIRROR_INSTANCE"`
	Fsync            string        `env:"CHATMIRROR_STORE_FSYNC"`
	MetricsListen    string        `env:"CHATMIRROR_METRICS_LISTEN"`
	StopTimeout      time.Duration `env:"CHATMIRROR_PULL_STOP_TIMEOUT"`
	MaxPerSecond     int           `env:"CHATMIRROR_PULL_MAX_PER_SECOND"`
	BackfillCron     string        `env:"CHATMIRROR_BACKFILL_CRON"`
	BackfillBuffer   int           `env:"CHATMIRROR_BACKFILL_BUFFER_PAGES"`
	TeamsToken       string        `env:"CHATMIRROR_TEAMS_TOKEN"`
	TeamsBaseURL     string        `env:"CHATMIRROR_TEAMS_BASE_URL"`
	TeamsPolicy      string        `env:"CHATMIRROR_TEAMS_POLICY"`
	SlackToken       string        `env:"CHATMIRROR_SLACK_TOKEN"`
	SlackBaseURL     string        `env:"CHATMIRROR_SLACK_BASE_URL"`
	SlackPolicy      string        `env:"CHATMIRROR_SLACK_POLICY"`
}

// ApplyEnv overlays CHATMIRROR_* environment variables onto c.
func (c *Config) ApplyEnv() error {
	var raw envOverrides
	if err := env.Parse(&raw); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}

	setString(&c.DefaultInstance, raw.Instance)
	setString(&c.Store.Fsync, raw.Fsync)
	setString(&c.Metrics.Listen, raw.MetricsListen)
	setString(&c.Backfill.Cron, raw.BackfillCron)
	if raw.StopTimeout > 0 {
		c.Pull.StopTimeout = Duration{raw.StopTimeout}
	}
	if raw.MaxPerSecond > 0 {
		c.Pull.MaxPerSecond = raw.MaxPerSecond
	}
	if raw.BackfillBuffer > 0 {
		c.Backfill.BufferPages = raw.BackfillBuffer
	}

	c.overlayPlatform(chat.Teams, raw.TeamsToken, raw.TeamsBaseURL, raw.TeamsPolicy)
	c.overlayPlatform(chat.Slack, raw.SlackToken, raw.SlackBaseURL, raw.SlackPolicy)
	return nil
}

func (c *Config) overlayPlatform(p chat.Platform, token, baseURL, policy string) {
	if token == "" && baseURL == "" && policy == "" {
		return
	}
	if c.Platforms == nil {
		c.Platforms = make(map[string]PlatformConfig)
	}
	pc := c.Platforms[string(p)]
	setString(&pc.Token, token)
	setString(&pc.BaseURL, baseURL)
	setString(&pc.Policy, policy)
	c.Platforms[string(p)] = pc
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
