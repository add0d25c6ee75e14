package sandbox

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/choiros/choird/pkg/config"
)

// NewProvider selects the configured provider. Local sandboxes keep their
// metadata under {dataDir}/sandboxes.
func NewProvider(cfg config.SandboxConfig, dataDir string) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", "local":
		return NewLocalProvider(filepath.Join(dataDir, "sandboxes")), nil
	case "sprites", "sprites.dev", "spritesdev":
		return NewSpritesProvider(cfg.Sprites), nil
	default:
		return nil, fmt.Errorf("unknown sandbox provider %q", cfg.Provider)
	}
}

// BuildConfig assembles the sandbox config for a user's workspace from the
// daemon configuration.
func BuildConfig(cfg *config.Config, workspaceID string) Config {
	return Config{
		UserID:        cfg.UserID,
		WorkspaceID:   workspaceID,
		WorkspaceRoot: cfg.Workspace.Root,
		Resources: Resources{
			CPUCores: cfg.Sandbox.CPUCores,
			MemoryMB: cfg.Sandbox.MemoryMB,
			DiskMB:   cfg.Sandbox.DiskMB,
		},
		Network: NetworkPolicy{AllowInternet: cfg.Sandbox.AllowInternet},
	}
}
