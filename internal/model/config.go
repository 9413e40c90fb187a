// Package model defines the data structures for vigil's configuration, shared
// heartbeat records, and the reminder/task store.
package model

type Config struct {
	Project   ProjectConfig   `yaml:"project"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Surface   SurfaceConfig   `yaml:"surface"`
	Daemon    DaemonConfig    `yaml:"daemon"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ProjectConfig struct {
	Name    string `yaml:"name"`
	Root    string `yaml:"root"`
	Created string `yaml:"created"`
}

type HeartbeatConfig struct {
	RefreshIntervalSec int   `yaml:"refresh_interval_sec"` // leadership poll tick (default 15)
	StaleMultiplier    int   `yaml:"stale_multiplier"`     // stale threshold = multiplier × refresh tick (default 6)
	DefaultIntervalMs  int64 `yaml:"default_interval_ms"`  // seed interval for settings.yaml (default 30m)
}

type SurfaceConfig struct {
	TmuxSession    string `yaml:"tmux_session"`
	TmuxPane       string `yaml:"tmux_pane"`
	FallbackNotify bool   `yaml:"fallback_notify"`
}

type DaemonConfig struct {
	ShutdownTimeoutSec int `yaml:"shutdown_timeout_sec"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}
