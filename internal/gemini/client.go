package gemini

import (
	"context"
	"fmt"
	"strings"
	"time"

	"trustlink/internal/models"

	"github.com/google/generative-ai-go/genai"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

// Client wraps the Gemini API client. It serves both segment
// classification (audio in) and challenge generation (text in).
type Client struct {
	client     *genai.Client
	analyzer   *genai.GenerativeModel
	challenger *genai.GenerativeModel
	logger     *zap.Logger
	modelName  string
	maxRetries int
	retryDelay time.Duration
}

// Config for Gemini client
type Config struct {
	APIKey     string
	ModelName  string // Default: "gemini-2.5-flash"
	Endpoint   string // optional API endpoint override
	MaxRetries int
	RetryDelay time.Duration
}

// NewClient creates a new Gemini client
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}

	if cfg.ModelName == "" {
		cfg.ModelName = "gemini-2.5-flash" // accepts inline audio
	}

	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 2
	}

	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = 500 * time.Millisecond
	}

	opts := []option.ClientOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}

	client, err := genai.NewClient(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	analyzer := client.GenerativeModel(cfg.ModelName)
	analyzer.SystemInstruction = genai.NewUserContent(genai.Text(AnalysisInstruction))
	analyzer.GenerationConfig = genai.GenerationConfig{
		Temperature:     genai.Ptr[float32](0.2), // Lower for consistent classification
		MaxOutputTokens: genai.Ptr[int32](256),
	}
	analyzer.ResponseMIMEType = "application/json"
	analyzer.ResponseSchema = analysisSchema()

	challenger := client.GenerativeModel(cfg.ModelName)
	challenger.SystemInstruction = genai.NewUserContent(genai.Text(ChallengeInstruction))
	challenger.GenerationConfig = genai.GenerationConfig{
		Temperature:     genai.Ptr[float32](0.7),
		TopP:            genai.Ptr[float32](0.9),
		MaxOutputTokens: genai.Ptr[int32](256),
	}
	challenger.ResponseMIMEType = "application/json"
	challenger.ResponseSchema = challengeSchema()

	logger.Info("Gemini client initialized",
		zap.String("model", cfg.ModelName),
		zap.Int("max_retries", cfg.MaxRetries))

	return &Client{
		client:     client,
		analyzer:   analyzer,
		challenger: challenger,
		logger:     logger,
		modelName:  cfg.ModelName,
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
	}, nil
}

func analysisSchema() *genai.Schema {
	return &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"riskLevel":           {Type: genai.TypeString, Enum: []string{"LOW", "MEDIUM", "HIGH"}},
			"score":               {Type: genai.TypeInteger},
			"isDeepfakeSuspected": {Type: genai.TypeBoolean},
			"threatType":          {Type: genai.TypeString, Enum: []string{"SAFE", "UNKNOWN", "SCAM_CONTENT", "DEEPFAKE", "BOTH"}},
			"advice":              {Type: genai.TypeString},
		},
		Required: []string{"riskLevel", "score", "threatType", "advice"},
	}
}

func challengeSchema() *genai.Schema {
	return &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"question":      {Type: genai.TypeString},
			"answerContext": {Type: genai.TypeString},
		},
		Required: []string{"question", "answerContext"},
	}
}

// Close closes the Gemini client
func (c *Client) Close() error {
	return c.client.Close()
}

// Classify sends one audio segment for scam and deepfake analysis.
func (c *Client) Classify(ctx context.Context, audio []byte, mimeType string) (*models.RiskAnalysis, error) {
	if len(audio) == 0 {
		return nil, fmt.Errorf("empty audio segment")
	}
	if mimeType == "" {
		mimeType = "audio/wav"
	}

	var result *models.RiskAnalysis
	err := c.withRetry(ctx, "classify", func() error {
		text, err := c.generate(ctx, c.analyzer, genai.Text(AnalysisPrompt), genai.Blob{MIMEType: mimeType, Data: audio})
		if err != nil {
			return err
		}
		analysis, err := ParseAnalysis(text)
		if err != nil {
			c.logger.Error("Failed to parse classification",
				zap.Error(err),
				zap.String("original_response", text))
			return err
		}
		result = analysis
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.logger.Debug("Segment classified",
		zap.String("risk_level", string(result.RiskLevel)),
		zap.String("threat_type", string(result.ThreatType)),
		zap.Int("score", result.Score))
	return result, nil
}

// Generate creates a voice-password challenge for the claimed relation.
func (c *Client) Generate(ctx context.Context, relation string, secretFact *string) (*models.VerificationChallenge, error) {
	prompt := BuildChallengePrompt(relation, secretFact)

	var result *models.VerificationChallenge
	err := c.withRetry(ctx, "challenge", func() error {
		text, err := c.generate(ctx, c.challenger, genai.Text(prompt))
		if err != nil {
			return err
		}
		challenge, err := ParseChallenge(text)
		if err != nil {
			c.logger.Error("Failed to parse challenge",
				zap.Error(err),
				zap.String("original_response", text))
			return err
		}
		result = challenge
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.logger.Debug("Challenge generated",
		zap.String("relation", relation),
		zap.Bool("has_secret_fact", secretFact != nil))
	return result, nil
}

func (c *Client) generate(ctx context.Context, model *genai.GenerativeModel, parts ...genai.Part) (string, error) {
	resp, err := model.GenerateContent(ctx, parts...)
	if err != nil {
		return "", fmt.Errorf("gemini API error: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", ErrEmptyResponse
	}

	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			b.WriteString(string(text))
		}
	}
	if b.Len() == 0 {
		return "", ErrEmptyResponse
	}
	return b.String(), nil
}

func (c *Client) withRetry(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			c.logger.Warn("Retrying Gemini request",
				zap.String("op", op),
				zap.Int("attempt", attempt+1),
				zap.Int("max_retries", c.maxRetries))
			select {
			case <-time.After(c.retryDelay):
			case <-ctx.Done():
				return fmt.Errorf("gemini %s cancelled: %w", op, ctx.Err())
			}
		}

		if lastErr = fn(); lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			break
		}
	}
	return fmt.Errorf("failed after %d attempts: %w", c.maxRetries, lastErr)
}

// GetModelInfo returns model information
func (c *Client) GetModelInfo() map[string]interface{} {
	return map[string]interface{}{
		"provider":    "gemini",
		"model":       c.modelName,
		"audio":       true,
		"max_retries": c.maxRetries,
		"retry_delay": c.retryDelay.String(),
	}
}
