package main

import (
	"context"
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze <audio-file>",
	Short: "Classify one recording",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		defer logger.Sync()

		audio, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read audio: %w", err)
		}
		mimeType := mime.TypeByExtension(filepath.Ext(args[0]))
		if mimeType == "" {
			mimeType = http.DetectContentType(audio)
		}

		oracle, err := newOracle(cfg, logger)
		if err != nil {
			return err
		}
		defer oracle.Close()

		ctx, cancel := context.WithTimeout(context.Background(), cfg.Alert.ClassifyTimeout)
		defer cancel()

		analysis, err := oracle.Classify(ctx, audio, mimeType)
		if err != nil {
			return err
		}
		if err := analysis.Validate(); err != nil {
			return fmt.Errorf("invalid verdict: %w", err)
		}

		out := json.NewEncoder(cmd.OutOrStdout())
		out.SetIndent("", "  ")
		return out.Encode(map[string]interface{}{
			"analysis":  analysis,
			"qualifies": analysis.Qualifies(),
			"headline":  analysis.ThreatType.Headline(),
		})
	},
}
