package config

import (
	"path/filepath"
	"time"
)

// Default returns the built-in configuration for a workspace root. Paths that
// live under the data directory are derived once here so later overrides see
// consistent values.
func Default(workspaceRoot string) *Config {
	dataDir := filepath.Join(workspaceRoot, ".choir")

	return &Config{
		UserID: "local",
		Server: ServerConfig{
			HTTPPort:         "8080",
			MaxFrameBytes:    1 << 20,
			PromptsPerMinute: 30,
		},
		Database: DatabaseConfig{
			Driver:       "sqlite",
			DSN:          filepath.Join(workspaceRoot, "state.sqlite"),
			MaxOpenConns: 10,
			MaxIdleConns: 5,
		},
		Workspace: WorkspaceConfig{
			Root:    workspaceRoot,
			DataDir: dataDir,
		},
		Sandbox: SandboxConfig{
			Provider:      "local",
			AllowInternet: true,
			Sprites: SpritesConfig{
				BaseURL:               "https://api.sprites.dev",
				RequestTimeout:        60 * time.Second,
				WSExec:                true,
				URLAuthMode:           "sprite",
				MaxRunAfterDisconnect: 3600,
			},
		},
		Mirror: MirrorConfig{
			Enabled: true,
			URL:     "nats://localhost:4222",
			MaxAge:  30 * 24 * time.Hour,
		},
		Verify: VerifyConfig{
			CatalogPath:    filepath.Join(dataDir, "verifiers.yaml"),
			ArtifactDir:    filepath.Join(dataDir, "artifacts"),
			DefaultTimeout: 120 * time.Second,
			PlanCacheSize:  128,
		},
		LLM: LLMConfig{
			Provider:  "bedrock",
			Model:     "us.anthropic.claude-opus-4-5-20251101-v1:0",
			AWSRegion: "us-east-1",
			MaxTokens: 8192,
		},
		Agent: AgentConfig{
			MaxTurns: 20,
		},
		Devserver: DevserverConfig{
			Command: "npm run dev",
			Port:    5173,
		},
	}
}
