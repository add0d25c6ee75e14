// choird is the supervisor daemon: event store, run orchestrator,
// verifier pipeline, sandboxed agent, and the HTTP/WebSocket surface.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/choiros/choird/pkg/config"
	"github.com/choiros/choird/pkg/store"
	"github.com/choiros/choird/pkg/version"
)

var workspaceRoot string

func main() {
	root := &cobra.Command{
		Use:           "choird",
		Short:         "ChoirOS supervisor daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&workspaceRoot, "workspace", "w", ".",
		"workspace root the agent operates in")

	root.AddCommand(serveCmd(), rebuildCmd(), migrateStatusCmd(), versionCmd())

	if err := root.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

// bootstrap loads .env, configures logging, and resolves configuration.
func bootstrap(ctx context.Context) (*config.Config, error) {
	if err := godotenv.Load(); err == nil {
		slog.Info("loaded .env")
	}
	setupLogging()
	return config.Initialize(ctx, workspaceRoot)
}

func setupLogging() {
	level := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the supervisor daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			cfg, err := bootstrap(ctx)
			if err != nil {
				return err
			}
			return serve(ctx, cfg)
		},
	}
}

func rebuildCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild",
		Short: "Rebuild all projections from the event log",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			cfg, err := bootstrap(ctx)
			if err != nil {
				return err
			}
			st, err := store.Open(ctx, cfg.Database, cfg.UserID)
			if err != nil {
				return err
			}
			defer st.Close()

			count, err := st.RebuildProjections(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "replayed %d events\n", count)
			return nil
		},
	}
}

func migrateStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate-status",
		Short: "Report the applied schema migration version",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			cfg, err := bootstrap(ctx)
			if err != nil {
				return err
			}
			st, err := store.Open(ctx, cfg.Database, cfg.UserID)
			if err != nil {
				return err
			}
			defer st.Close()

			v, dirty, err := store.MigrationVersion(st.DB(), cfg.Database.Driver)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "version=%d dirty=%v\n", v, dirty)
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.Full())
		},
	}
}
