package cmd

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"os/signal"
	"path"
	"syscall"

	"github.com/pyama86/siren/handler"
	"github.com/spf13/cobra"
)

var (
	configPath string
)

var rootCmd = &cobra.Command{
	Use:   "siren",
	Short: "siren is an incident escalation engine",
	Run: func(cmd *cobra.Command, args []string) {
		if err := run(); err != nil {
			slog.Error("Failed to run command", slog.Any("error", err))
			os.Exit(1)
		}
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// defaults to ~/siren.toml
	home, err := os.UserHomeDir()
	if err != nil {
		slog.Error("Failed to get user home directory", slog.Any("error", err))
		os.Exit(1)
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", path.Join(home, "siren.toml"), "config file path")
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func run() error {
	ctx, cancel := signalContext()
	defer cancel()

	slog.Info("Server started")
	return handler.Handle(ctx, configPath)
}

// withApp builds the engine against the configured store for a one-shot command.
func withApp(fn func(ctx context.Context, app *handler.App) error) error {
	ctx, cancel := signalContext()
	defer cancel()
	app, err := handler.NewApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer app.Close()
	return fn(ctx, app)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
