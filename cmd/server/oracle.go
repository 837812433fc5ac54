package main

import (
	"fmt"
	"time"

	"trustlink/internal/config"
	"trustlink/internal/gemini"
	"trustlink/internal/llm"

	"go.uber.org/zap"
)

// newOracle builds the classifier and challenge generator. Configured
// providers win; otherwise the legacy gemini section is used.
func newOracle(cfg *config.Config, logger *zap.Logger) (*llm.MultiProviderClient, error) {
	if len(cfg.Providers) > 0 {
		multiClient, err := llm.NewMultiProviderClient(llm.MultiProviderConfig{
			Providers:   cfg.Providers,
			MaxFailures: cfg.MaxFailuresBeforeSwitch,
		}, logger)
		if err == nil {
			logger.Info("Multi-provider client initialized",
				zap.Int("provider_count", len(cfg.Providers)))
			return multiClient, nil
		}
		logger.Warn("Failed to initialize multi-provider client, falling back to single provider",
			zap.Error(err))
	}

	if cfg.Gemini.APIKey == "" || cfg.Gemini.APIKey == "YOUR_API_KEY_HERE" {
		return nil, fmt.Errorf("gemini API key not configured, set providers or gemini.api_key in %s", configPath)
	}

	geminiClient, err := gemini.NewClient(gemini.Config{
		APIKey:     cfg.Gemini.APIKey,
		ModelName:  cfg.Gemini.ModelName,
		MaxRetries: cfg.Gemini.MaxRetries,
		RetryDelay: 2 * time.Second,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Gemini client: %w", err)
	}

	logger.Info("Single provider client initialized with rate limiting")
	return llm.NewMultiProviderClientFrom([]*llm.RateLimitedProvider{
		llm.NewRateLimitedProvider(geminiClient, 15, logger),
	}, cfg.MaxFailuresBeforeSwitch, logger), nil
}
