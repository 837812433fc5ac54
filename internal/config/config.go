package config

import (
	"fmt"
	"os"
	"time"

	"trustlink/internal/llm"
	"trustlink/internal/models"

	"gopkg.in/yaml.v3"
)

// Config holds application configuration
type Config struct {
	Server struct {
		Port            string        `yaml:"port"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Log struct {
		Production bool `yaml:"production"`
	} `yaml:"log"`

	// Multiple providers configuration
	Providers []llm.ProviderConfig `yaml:"providers"`

	// Legacy single provider config (fallback)
	Gemini struct {
		APIKey     string `yaml:"api_key"`
		ModelName  string `yaml:"model_name"`
		MaxRetries int    `yaml:"max_retries"`
	} `yaml:"gemini"`

	MaxFailuresBeforeSwitch int `yaml:"max_failures_before_switch"`

	Database struct {
		Path string `yaml:"path"` // SQLite path or PostgreSQL URL
		Type string `yaml:"type"` // "sqlite" or "postgres"
	} `yaml:"database"`

	Capture CaptureConfig `yaml:"capture"`

	Alert struct {
		ClassifyTimeout  time.Duration `yaml:"classify_timeout"`
		ChallengeTimeout time.Duration `yaml:"challenge_timeout"`
		EffectTimeout    time.Duration `yaml:"effect_timeout"`
	} `yaml:"alert"`

	Telegram struct {
		Enabled     bool    `yaml:"enabled"`
		BotToken    string  `yaml:"bot_token"`
		ChatIDs     []int64 `yaml:"chat_ids"`
		APIEndpoint string  `yaml:"api_endpoint"`
	} `yaml:"telegram"`

	Auth struct {
		Enabled   bool          `yaml:"enabled"`
		JWTSecret string        `yaml:"jwt_secret"`
		TokenTTL  time.Duration `yaml:"token_ttl"`
	} `yaml:"auth"`

	Privacy struct {
		// DataCollection gates the incident history. Defaults to on.
		DataCollection *bool  `yaml:"data_collection"`
		SecretKey      string `yaml:"secret_key"` // seals contact secret facts
		KeySalt        string `yaml:"key_salt"`
	} `yaml:"privacy"`

	// Contacts seed an empty family directory
	Contacts []SeedContact `yaml:"contacts"`
}

// CaptureConfig selects the microphone and the duty cycle
type CaptureConfig struct {
	Source          string        `yaml:"source"`  // "command" or "file"
	Command         []string      `yaml:"command"` // raw PCM on stdout
	File            string        `yaml:"file"`    // WAV or raw PCM, looped
	SampleRate      int           `yaml:"sample_rate"`
	Channels        int           `yaml:"channels"`
	SegmentDuration time.Duration `yaml:"segment_duration"`
	IdleDuration    time.Duration `yaml:"idle_duration"`
}

// SeedContact is a directory entry from the config file
type SeedContact struct {
	Name            string  `yaml:"name"`
	Relation        string  `yaml:"relation"`
	Phone           string  `yaml:"phone"`
	HasVoiceProfile bool    `yaml:"has_voice_profile"`
	SecretFact      *string `yaml:"secret_fact"`
}

// Request converts the entry for the contact repository.
func (s SeedContact) Request() models.ContactRequest {
	return models.ContactRequest{
		Name:            s.Name,
		Relation:        s.Relation,
		Phone:           s.Phone,
		HasVoiceProfile: s.HasVoiceProfile,
		SecretFact:      s.SecretFact,
	}
}

// DataCollectionEnabled reports whether incidents may be stored.
func (c *Config) DataCollectionEnabled() bool {
	return c.Privacy.DataCollection == nil || *c.Privacy.DataCollection
}

// LoadConfig loads configuration from YAML file
func LoadConfig(configPath string) (*Config, error) {
	config := &Config{}

	file, err := os.Open(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	if err := decoder.Decode(config); err != nil {
		return nil, fmt.Errorf("failed to decode config file: %w", err)
	}

	config.setDefaults()

	// Expand environment variables in secrets
	for i := range config.Providers {
		config.Providers[i].APIKey = os.ExpandEnv(config.Providers[i].APIKey)
	}
	config.Gemini.APIKey = os.ExpandEnv(config.Gemini.APIKey)
	config.Database.Path = os.ExpandEnv(config.Database.Path)
	config.Telegram.BotToken = os.ExpandEnv(config.Telegram.BotToken)
	config.Auth.JWTSecret = os.ExpandEnv(config.Auth.JWTSecret)
	config.Privacy.SecretKey = os.ExpandEnv(config.Privacy.SecretKey)

	if err := config.validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) setDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8002"
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 5 * time.Second
	}

	if c.Gemini.ModelName == "" {
		c.Gemini.ModelName = "gemini-2.5-flash"
	}
	if c.Gemini.MaxRetries == 0 {
		c.Gemini.MaxRetries = 2
	}
	if c.MaxFailuresBeforeSwitch == 0 {
		c.MaxFailuresBeforeSwitch = 3
	}

	if c.Database.Type == "" {
		c.Database.Type = "sqlite"
	}
	if c.Database.Path == "" {
		c.Database.Path = "./data/trustlink.db"
	}

	if c.Capture.Source == "" {
		c.Capture.Source = "command"
	}
	if len(c.Capture.Command) == 0 {
		c.Capture.Command = []string{"arecord", "-q", "-t", "raw", "-f", "S16_LE", "-r", "16000", "-c", "1"}
	}
	if c.Capture.SampleRate == 0 {
		c.Capture.SampleRate = 16000
	}
	if c.Capture.Channels == 0 {
		c.Capture.Channels = 1
	}
	if c.Capture.SegmentDuration == 0 {
		c.Capture.SegmentDuration = 6 * time.Second
	}
	if c.Capture.IdleDuration == 0 {
		c.Capture.IdleDuration = 2 * time.Second
	}

	if c.Alert.ClassifyTimeout == 0 {
		c.Alert.ClassifyTimeout = 15 * time.Second
	}
	if c.Alert.ChallengeTimeout == 0 {
		c.Alert.ChallengeTimeout = 8 * time.Second
	}
	if c.Alert.EffectTimeout == 0 {
		c.Alert.EffectTimeout = 10 * time.Second
	}

	if c.Auth.TokenTTL == 0 {
		c.Auth.TokenTTL = 30 * 24 * time.Hour
	}

	if c.Privacy.KeySalt == "" {
		c.Privacy.KeySalt = "trustlink-secret-facts"
	}
}

func (c *Config) validate() error {
	switch c.Database.Type {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("database.type must be sqlite or postgres, got %q", c.Database.Type)
	}
	switch c.Capture.Source {
	case "command":
	case "file":
		if c.Capture.File == "" {
			return fmt.Errorf("capture.file is required when capture.source is file")
		}
	default:
		return fmt.Errorf("capture.source must be command or file, got %q", c.Capture.Source)
	}
	if c.Capture.SegmentDuration < 0 || c.Capture.IdleDuration < 0 {
		return fmt.Errorf("capture durations must not be negative")
	}
	if c.Auth.Enabled && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required when auth is enabled")
	}
	for i, sc := range c.Contacts {
		if sc.Name == "" || sc.Relation == "" || sc.Phone == "" {
			return fmt.Errorf("contacts[%d]: name, relation and phone are required", i)
		}
	}
	return nil
}
