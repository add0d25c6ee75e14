package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// ConfigFileName is the optional YAML file consulted under the data directory.
const ConfigFileName = "choird.yaml"

// Initialize loads, resolves, and validates configuration for a workspace.
//
// Steps performed:
//  1. Start from built-in defaults for workspaceRoot
//  2. Merge choird.yaml from the data directory, if present
//  3. Apply environment variable overrides
//  4. Validate the result
func Initialize(ctx context.Context, workspaceRoot string) (*Config, error) {
	abs, err := filepath.Abs(workspaceRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace root: %w", err)
	}

	log := slog.With("workspace_root", abs)
	log.Info("Initializing configuration")

	cfg, err := load(ctx, abs)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidationFailed, err)
	}

	log.Info("Configuration initialized",
		"db_driver", cfg.Database.Driver,
		"sandbox_provider", cfg.Sandbox.Provider,
		"llm_provider", cfg.LLM.Provider,
		"mirror_enabled", cfg.Mirror.Enabled)

	return cfg, nil
}

func load(_ context.Context, workspaceRoot string) (*Config, error) {
	cfg := Default(workspaceRoot)

	userCfg, err := loadYAMLFile(filepath.Join(cfg.Workspace.DataDir, ConfigFileName))
	if err != nil {
		return nil, NewLoadError(ConfigFileName, err)
	}
	if userCfg != nil {
		// Non-zero YAML values override defaults; unset fields keep them.
		if err := mergo.Merge(cfg, userCfg, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge %s: %w", ConfigFileName, err)
		}
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

// loadYAMLFile parses an optional YAML config file. A missing file is not an
// error; it simply means defaults plus environment.
func loadYAMLFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	// Expand environment variables using {{.VAR}} template syntax before
	// parsing, so tokens and DSNs never have to live in the file itself.
	data = ExpandEnv(data)

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}
	return &cfg, nil
}

// applyEnvOverrides layers environment variables on top of the merged
// configuration. Environment always wins.
func applyEnvOverrides(cfg *Config) {
	setString(&cfg.UserID, "CHOIROS_USER_ID")

	setString(&cfg.Server.HTTPPort, "HTTP_PORT")
	setString(&cfg.Server.AuthToken, "CHOIR_AUTH_TOKEN")
	setStringList(&cfg.Server.AllowedOrigins, "CHOIR_ALLOWED_ORIGINS")
	setInt64(&cfg.Server.MaxFrameBytes, "CHOIR_WS_MAX_FRAME_BYTES")
	setInt(&cfg.Server.PromptsPerMinute, "CHOIR_WS_PROMPTS_PER_MINUTE")

	setString(&cfg.Database.Driver, "CHOIR_DB_DRIVER")
	setString(&cfg.Database.DSN, "CHOIR_DB_DSN")
	setInt(&cfg.Database.MaxOpenConns, "CHOIR_DB_MAX_OPEN_CONNS")
	setInt(&cfg.Database.MaxIdleConns, "CHOIR_DB_MAX_IDLE_CONNS")

	setString(&cfg.Workspace.Root, "CHOIR_SANDBOX_WORKSPACE_ROOT")
	setString(&cfg.Workspace.DataDir, "CHOIR_DATA_DIR")

	setString(&cfg.Sandbox.Provider, "CHOIR_SANDBOX_PROVIDER")
	setBool(&cfg.Sandbox.KeepOnExit, "CHOIR_KEEP_SANDBOX")
	setBool(&cfg.Sandbox.AllowInternet, "CHOIR_SANDBOX_ALLOW_INTERNET")
	setFloat(&cfg.Sandbox.CPUCores, "CHOIR_SANDBOX_CPU_CORES")
	setInt(&cfg.Sandbox.MemoryMB, "CHOIR_SANDBOX_MEMORY_MB")
	setInt(&cfg.Sandbox.DiskMB, "CHOIR_SANDBOX_DISK_MB")

	if v := firstEnv("SPRITES_API_BASE", "SPRITES_API_URL"); v != "" {
		cfg.Sandbox.Sprites.BaseURL = v
	}
	if v := firstEnv("SPRITES_API_TOKEN", "SPRITES_TOKEN", "SPRITE_TOKEN"); v != "" {
		cfg.Sandbox.Sprites.Token = v
	}
	setSeconds(&cfg.Sandbox.Sprites.RequestTimeout, "SPRITES_API_TIMEOUT")
	setBool(&cfg.Sandbox.Sprites.WSExec, "SPRITES_WS_EXEC")
	setString(&cfg.Sandbox.Sprites.URLAuthMode, "CHOIR_SPRITES_URL_AUTH")
	setInt(&cfg.Sandbox.Sprites.MaxRunAfterDisconnect, "SPRITES_MAX_RUN_AFTER_DISCONNECT")

	setBool(&cfg.Mirror.Enabled, "NATS_ENABLED")
	setString(&cfg.Mirror.URL, "NATS_URL")

	setString(&cfg.Verify.CatalogPath, "CHOIR_VERIFIER_CATALOG")
	setString(&cfg.Verify.ArtifactDir, "CHOIR_ARTIFACT_DIR")
	setSeconds(&cfg.Verify.DefaultTimeout, "CHOIR_VERIFIER_TIMEOUT")

	setString(&cfg.LLM.Provider, "LLM_PROVIDER")
	setString(&cfg.LLM.Model, "LLM_MODEL")
	setString(&cfg.LLM.AnthropicAPIKey, "ANTHROPIC_API_KEY")
	setString(&cfg.LLM.AWSRegion, "AWS_REGION")
	setInt(&cfg.LLM.MaxTokens, "CHOIR_LLM_MAX_TOKENS")

	setInt(&cfg.Agent.MaxTurns, "CHOIR_AGENT_MAX_TURNS")

	setBool(&cfg.Devserver.Enabled, "CHOIR_DEVSERVER_ENABLED")
	setString(&cfg.Devserver.Command, "CHOIR_DEVSERVER_CMD")
	setString(&cfg.Devserver.Dir, "CHOIR_DEVSERVER_DIR")
	setInt(&cfg.Devserver.Port, "CHOIR_DEVSERVER_PORT")
}

func firstEnv(keys ...string) string {
	for _, key := range keys {
		if v := os.Getenv(key); v != "" {
			return v
		}
	}
	return ""
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setStringList(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = splitAndTrim(v)
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v == "1" || v == "true"
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		} else {
			slog.Warn("Ignoring non-integer environment value", "key", key, "value", v)
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		} else {
			slog.Warn("Ignoring non-integer environment value", "key", key, "value", v)
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		} else {
			slog.Warn("Ignoring non-numeric environment value", "key", key, "value", v)
		}
	}
}

// setSeconds reads an integer environment value as a duration in seconds.
func setSeconds(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(n) * time.Second
		} else {
			slog.Warn("Ignoring non-integer environment value", "key", key, "value", v)
		}
	}
}
