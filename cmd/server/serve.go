package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"trustlink/internal/capture"
	"trustlink/internal/config"
	"trustlink/internal/crypto"
	"trustlink/internal/handler"
	"trustlink/internal/middleware"
	"trustlink/internal/models"
	"trustlink/internal/notify"
	"trustlink/internal/repository"
	"trustlink/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var autoStart bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the guard service",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		defer logger.Sync()
		return serve(cfg, logger)
	},
}

func init() {
	serveCmd.Flags().BoolVar(&autoStart, "monitor", false, "start monitoring immediately")
}

func serve(cfg *config.Config, logger *zap.Logger) error {
	logger.Info("Starting TrustLink...")

	oracle, err := newOracle(cfg, logger)
	if err != nil {
		return err
	}
	defer oracle.Close()

	// Storage
	if cfg.Database.Type == repository.DriverSQLite {
		if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	db, err := repository.Open(cfg.Database.Type, cfg.Database.Path, logger)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := repository.Migrate(db, logger); err != nil {
		return err
	}

	sealer := crypto.NewSealer(cfg.Privacy.SecretKey, cfg.Privacy.KeySalt)
	if sealer == nil {
		logger.Warn("privacy.secret_key is empty, secret facts are stored in plain text")
	}
	contacts := repository.NewContactRepository(db, sealer, logger)

	seed := make([]models.ContactRequest, 0, len(cfg.Contacts))
	for _, sc := range cfg.Contacts {
		seed = append(seed, sc.Request())
	}
	if n, err := contacts.Seed(context.Background(), seed); err != nil {
		return fmt.Errorf("failed to seed contacts: %w", err)
	} else if n > 0 {
		logger.Info("Family directory seeded", zap.Int("contacts", n))
	}

	var incidents *repository.IncidentRepository
	if cfg.DataCollectionEnabled() {
		incidents = repository.NewIncidentRepository(db, logger)
	} else {
		logger.Info("Data collection is off, incidents will not be stored")
	}

	// Notifications
	var guardian *service.Guardian
	bot, err := notify.NewBot(notify.TelegramConfig{
		Enabled:     cfg.Telegram.Enabled,
		BotToken:    cfg.Telegram.BotToken,
		ChatIDs:     cfg.Telegram.ChatIDs,
		APIEndpoint: cfg.Telegram.APIEndpoint,
	}, func() string { return guardian.StatusText() }, logger)
	if err != nil {
		return err
	}
	effects := notify.NewFanout(notify.NewDevice(logger), bot)

	// Capture
	scheduler := capture.NewScheduler(newDevice(cfg.Capture, logger), capture.Config{
		SegmentDuration: cfg.Capture.SegmentDuration,
		IdleDuration:    cfg.Capture.IdleDuration,
	}, logger)

	deps := service.Deps{
		Capturer:   scheduler,
		Classifier: oracle,
		Trust:      contacts,
		Challenger: oracle,
		Signaler:   effects,
		Dialer:     effects,
		SOS:        effects,
	}
	if incidents != nil {
		deps.Incidents = incidents
	}
	guardian = service.NewGuardian(deps, service.Options{
		ClassifyTimeout:  cfg.Alert.ClassifyTimeout,
		ChallengeTimeout: cfg.Alert.ChallengeTimeout,
		EffectTimeout:    cfg.Alert.EffectTimeout,
		DataCollection:   cfg.DataCollectionEnabled(),
	}, scheduler.Period(), logger)
	defer guardian.Stop()

	// HTTP
	gin.SetMode(gin.ReleaseMode)
	router := gin.Default()

	router.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	var auth gin.HandlerFunc
	if cfg.Auth.Enabled {
		auth = middleware.AuthMiddleware([]byte(cfg.Auth.JWTSecret), logger)
	} else {
		logger.Warn("API authentication is disabled")
	}
	handler.NewHandler(guardian, contacts, incidents, oracle, logger).RegisterRoutes(router, auth)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := bot.Start(ctx); err != nil {
			logger.Error("Telegram bot stopped", zap.Error(err))
		}
	}()

	serverAddr := fmt.Sprintf(":%s", cfg.Server.Port)
	srv := &http.Server{
		Addr:    serverAddr,
		Handler: router,
	}

	serveErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	modelName := "unknown"
	if m, ok := oracle.GetModelInfo()["model"].(string); ok {
		modelName = m
	}
	logger.Info("TrustLink is running",
		zap.String("address", serverAddr),
		zap.String("model", modelName),
		zap.Duration("capture_period", scheduler.Period()))

	if autoStart {
		if _, err := guardian.Start(ctx); err != nil {
			logger.Error("Failed to start monitoring", zap.Error(err))
		}
	}

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		return fmt.Errorf("failed to start server: %w", err)
	}

	logger.Info("Shutting down server...")
	guardian.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("Server exited")
	return nil
}

func newDevice(cfg config.CaptureConfig, logger *zap.Logger) *capture.PCMDevice {
	format := capture.Format{SampleRate: cfg.SampleRate, Channels: cfg.Channels}

	var source capture.Source
	switch cfg.Source {
	case "file":
		source = capture.FileSource(cfg.File)
	default:
		source = capture.CommandSource(cfg.Command[0], cfg.Command[1:]...)
	}
	return capture.NewPCMDevice(source, format, logger)
}
