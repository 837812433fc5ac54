// Command server runs the TrustLink guard service.
//
// Usage:
//
//	server [--config configs/config.yml] <command>
//
// Commands:
//
//	serve    - start monitoring API, alert stream and caregiver bot
//	analyze  - classify one recording and print the verdict
//	token    - mint an API token for a handset
package main

import (
	"fmt"
	"os"

	"trustlink/internal/config"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "server",
	Short:         "TrustLink anti-scam call guard",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "configs/config.yml", "path to config file")
	rootCmd.AddCommand(serveCmd, analyzeCmd, tokenCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// setup loads the config and builds the logger it asks for.
func setup() (*config.Config, *zap.Logger, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}

	var logger *zap.Logger
	if cfg.Log.Production {
		logger, err = zap.NewProduction()
	} else {
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return cfg, logger, nil
}
