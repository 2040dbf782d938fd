package main

import (
	"fmt"
	"log"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/pyama86/siren/cmd"
)

// validateEnv checks credentials that only make sense in pairs.
func validateEnv() error {
	pairs := [][2]string{
		{"SLACK_APP_TOKEN", "SLACK_BOT_TOKEN"},
		{"CONFLUENCE_USERNAME", "CONFLUENCE_PASSWORD"},
		{"AZURE_OPENAI_ENDPOINT", "AZURE_OPENAI_KEY"},
	}
	for _, p := range pairs {
		if os.Getenv(p[0]) != "" && os.Getenv(p[1]) == "" {
			return fmt.Errorf("environment variable %s is required when %s is set", p[1], p[0])
		}
	}
	return nil
}

func main() {
	if _, err := os.Stat(".env"); err == nil {
		err := godotenv.Load()
		if err != nil {
			log.Fatal("Error loading .env file")
		}
	}
	if err := validateEnv(); err != nil {
		slog.Error("failed to validate environment", slog.Any("error", err))
		os.Exit(1)
	}

	if err := cmd.Execute(); err != nil {
		slog.Error("failed to execute command", slog.Any("error", err))
		os.Exit(1)
	}
}
