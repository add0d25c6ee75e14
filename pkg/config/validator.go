package config

import (
	"fmt"
	"strconv"
)

// Validate performs comprehensive validation (fail-fast, stops at first error)
func (c *Config) Validate() error {
	if err := c.validateServer(); err != nil {
		return err
	}
	if err := c.validateDatabase(); err != nil {
		return err
	}
	if err := c.validateWorkspace(); err != nil {
		return err
	}
	if err := c.validateSandbox(); err != nil {
		return err
	}
	if err := c.validateVerify(); err != nil {
		return err
	}
	if err := c.validateLLM(); err != nil {
		return err
	}
	if err := c.validateAgent(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateServer() error {
	port, err := strconv.Atoi(c.Server.HTTPPort)
	if err != nil || port < 1 || port > 65535 {
		return NewValidationError("server", "http_port", fmt.Errorf("%w: %q", ErrInvalidValue, c.Server.HTTPPort))
	}
	if c.Server.MaxFrameBytes < 1024 {
		return NewValidationError("server", "max_frame_bytes", fmt.Errorf("%w: must be at least 1024", ErrInvalidValue))
	}
	if c.Server.PromptsPerMinute < 1 {
		return NewValidationError("server", "prompts_per_minute", fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	return nil
}

func (c *Config) validateDatabase() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return NewValidationError("database", "driver", fmt.Errorf("%w: %q (expected sqlite or postgres)", ErrInvalidValue, c.Database.Driver))
	}
	if c.Database.DSN == "" {
		return NewValidationError("database", "dsn", ErrMissingRequiredField)
	}
	if c.Database.MaxOpenConns < 1 {
		return NewValidationError("database", "max_open_conns", fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	return nil
}

func (c *Config) validateWorkspace() error {
	if c.Workspace.Root == "" {
		return NewValidationError("workspace", "root", ErrMissingRequiredField)
	}
	if c.Workspace.DataDir == "" {
		return NewValidationError("workspace", "data_dir", ErrMissingRequiredField)
	}
	return nil
}

func (c *Config) validateSandbox() error {
	switch c.Sandbox.Provider {
	case "local", "sprites":
	default:
		return NewValidationError("sandbox", "provider", fmt.Errorf("%w: %q (expected local or sprites)", ErrInvalidValue, c.Sandbox.Provider))
	}
	if c.Sandbox.Provider == "sprites" && c.Sandbox.Sprites.BaseURL == "" {
		return NewValidationError("sandbox", "sprites.base_url", ErrMissingRequiredField)
	}
	return nil
}

func (c *Config) validateVerify() error {
	if c.Verify.CatalogPath == "" {
		return NewValidationError("verify", "catalog_path", ErrMissingRequiredField)
	}
	if c.Verify.ArtifactDir == "" {
		return NewValidationError("verify", "artifact_dir", ErrMissingRequiredField)
	}
	if c.Verify.DefaultTimeout <= 0 {
		return NewValidationError("verify", "default_timeout", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if c.Verify.PlanCacheSize < 1 {
		return NewValidationError("verify", "plan_cache_size", fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	return nil
}

func (c *Config) validateLLM() error {
	switch c.LLM.Provider {
	case "anthropic":
		if c.LLM.AnthropicAPIKey == "" {
			return NewValidationError("llm", "anthropic_api_key", fmt.Errorf("%w: required for the anthropic provider", ErrMissingRequiredField))
		}
	case "bedrock":
		if c.LLM.AWSRegion == "" {
			return NewValidationError("llm", "aws_region", fmt.Errorf("%w: required for the bedrock provider", ErrMissingRequiredField))
		}
	default:
		return NewValidationError("llm", "provider", fmt.Errorf("%w: %q (expected anthropic or bedrock)", ErrInvalidValue, c.LLM.Provider))
	}
	if c.LLM.Model == "" {
		return NewValidationError("llm", "model", ErrMissingRequiredField)
	}
	if c.LLM.MaxTokens < 1 {
		return NewValidationError("llm", "max_tokens", fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	return nil
}

func (c *Config) validateAgent() error {
	if c.Agent.MaxTurns < 1 {
		return NewValidationError("agent", "max_turns", fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	return nil
}
