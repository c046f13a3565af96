package instance

import "github.com/matheus3301/chatmirror/internal/config"

const DefaultName = "main"

// Resolve determines the active instance name using precedence:
// 1. flagOverride (--instance flag)
// 2. CHATMIRROR_INSTANCE or config.toml default_instance
// 3. "main"
func Resolve(flagOverride string) string {
	if flagOverride != "" {
		return flagOverride
	}
	cfg, err := config.LoadOrDefault(ConfigPath())
	if err != nil {
		return DefaultName
	}
	if err := cfg.ApplyEnv(); err == nil && cfg.DefaultInstance != "" {
		return cfg.DefaultInstance
	}
	return DefaultName
}
