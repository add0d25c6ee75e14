// Package config loads and validates the supervisor configuration.
//
// Configuration is environment-first: every knob has a CHOIR_* (or
// provider-specific) environment variable, and an optional choird.yaml in the
// data directory can pre-set the same fields. Precedence, lowest to highest:
// built-in defaults, choird.yaml, environment.
package config

import "time"

// Config is the fully resolved supervisor configuration.
type Config struct {
	// UserID scopes event subjects and sandbox state. Defaults to "local".
	UserID string `yaml:"user_id"`

	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Workspace WorkspaceConfig `yaml:"workspace"`
	Sandbox   SandboxConfig   `yaml:"sandbox"`
	Mirror    MirrorConfig    `yaml:"mirror"`
	Verify    VerifyConfig    `yaml:"verify"`
	LLM       LLMConfig       `yaml:"llm"`
	Agent     AgentConfig     `yaml:"agent"`
	Devserver DevserverConfig `yaml:"devserver"`
}

// ServerConfig holds the HTTP/WebSocket listener settings.
type ServerConfig struct {
	HTTPPort string `yaml:"http_port"`

	// AuthToken, when set, is required as a Bearer token on every request.
	AuthToken string `yaml:"auth_token"`

	// AllowedOrigins restricts CORS and WebSocket upgrades. Empty means any.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// MaxFrameBytes caps a single inbound WebSocket message.
	MaxFrameBytes int64 `yaml:"max_frame_bytes"`

	// PromptsPerMinute caps prompt submissions per session.
	PromptsPerMinute int `yaml:"prompts_per_minute"`
}

// DatabaseConfig selects the event store backend.
type DatabaseConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver string `yaml:"driver"`

	// DSN is the sqlite file path or postgres connection string.
	DSN string `yaml:"dsn"`

	MaxOpenConns int `yaml:"max_open_conns"`
	MaxIdleConns int `yaml:"max_idle_conns"`
}

// WorkspaceConfig locates the supervised repository and supervisor state.
type WorkspaceConfig struct {
	// Root is the repository the agent works in.
	Root string `yaml:"root"`

	// DataDir holds supervisor state: artifacts, sandbox metadata, catalogs.
	DataDir string `yaml:"data_dir"`
}

// SandboxConfig selects and tunes the sandbox provider.
type SandboxConfig struct {
	// Provider is "local" or "sprites".
	Provider string `yaml:"provider"`

	// KeepOnExit leaves run sandboxes in place for postmortems.
	KeepOnExit bool `yaml:"keep_on_exit"`

	AllowInternet bool    `yaml:"allow_internet"`
	CPUCores      float64 `yaml:"cpu_cores"`
	MemoryMB      int     `yaml:"memory_mb"`
	DiskMB        int     `yaml:"disk_mb"`

	Sprites SpritesConfig `yaml:"sprites"`
}

// SpritesConfig holds the remote sandbox API settings.
type SpritesConfig struct {
	BaseURL string `yaml:"base_url"`
	Token   string `yaml:"token"`

	RequestTimeout time.Duration `yaml:"request_timeout"`

	// WSExec streams command execution over WebSocket instead of polling.
	WSExec bool `yaml:"ws_exec"`

	// URLAuthMode controls how proxy URLs carry credentials ("sprite" or "token").
	URLAuthMode string `yaml:"url_auth_mode"`

	// MaxRunAfterDisconnect bounds how long a sprite may keep running after
	// the supervisor disconnects, in seconds.
	MaxRunAfterDisconnect int `yaml:"max_run_after_disconnect"`
}

// MirrorConfig controls the best-effort JetStream event mirror.
type MirrorConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`

	// MaxAge bounds stream retention.
	MaxAge time.Duration `yaml:"max_age"`
}

// VerifyConfig locates the verifier catalog and artifact store.
type VerifyConfig struct {
	CatalogPath string `yaml:"catalog_path"`
	ArtifactDir string `yaml:"artifact_dir"`

	// DefaultTimeout applies to verifiers that do not declare their own.
	DefaultTimeout time.Duration `yaml:"default_timeout"`

	// PlanCacheSize bounds the planner's LRU cache.
	PlanCacheSize int `yaml:"plan_cache_size"`
}

// LLMConfig selects the model provider for agent runs.
type LLMConfig struct {
	// Provider is "anthropic" or "bedrock".
	Provider string `yaml:"provider"`

	Model           string `yaml:"model"`
	AnthropicAPIKey string `yaml:"anthropic_api_key"`
	AWSRegion       string `yaml:"aws_region"`
	MaxTokens       int    `yaml:"max_tokens"`
}

// AgentConfig tunes the agent loop.
type AgentConfig struct {
	// MaxTurns bounds a single run; exceeding it fails the run.
	MaxTurns int `yaml:"max_turns"`
}

// DevserverConfig controls the managed frontend dev server.
type DevserverConfig struct {
	Enabled bool   `yaml:"enabled"`
	Command string `yaml:"command"`
	Dir     string `yaml:"dir"`
	Port    int    `yaml:"port"`
}
