package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Tyrowin/chatrelay/internal/config"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "chatrelay",
		Short: "Real-time chat relay",
		Long: `chatrelay relays chat messages, presence and typing indicators between
authenticated WebSocket clients and persists messages for later history.

Configuration is read from CHAT_* environment variables; flags override them.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		serveCmd(),
		tokenCmd(),
		watchCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the environment; a malformed variable is fatal.
func loadConfig() (config.Config, error) {
	cfg, err := config.FromEnv()
	if err != nil {
		return config.Config{}, fmt.Errorf("load configuration: %w", err)
	}
	return cfg, nil
}
