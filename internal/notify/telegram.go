package notify

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"trustlink/internal/models"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

// TelegramConfig configures caregiver notifications
type TelegramConfig struct {
	Enabled     bool
	BotToken    string
	ChatIDs     []int64
	APIEndpoint string // Default: tgbotapi.APIEndpoint
}

// StatusFunc reports the guard state for the /status command.
type StatusFunc func() string

// Bot notifies caregivers over Telegram when an alert is raised, a contact
// is called from an alert, or SOS is pressed.
type Bot struct {
	api     *tgbotapi.BotAPI
	logger  *zap.Logger
	chatIDs []int64
	status  StatusFunc
}

// NewBot creates the bot. It returns nil, nil when Telegram is disabled.
func NewBot(cfg TelegramConfig, status StatusFunc, logger *zap.Logger) (*Bot, error) {
	if !cfg.Enabled || cfg.BotToken == "" {
		logger.Info("Telegram bot is disabled (telegram.enabled=false or token is empty)")
		return nil, nil
	}
	if len(cfg.ChatIDs) == 0 {
		return nil, errors.New("telegram.chat_ids is empty")
	}

	endpoint := cfg.APIEndpoint
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	botAPI, err := tgbotapi.NewBotAPIWithAPIEndpoint(cfg.BotToken, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot API: %w", err)
	}

	logger.Info("Telegram bot authorized",
		zap.String("username", botAPI.Self.UserName),
		zap.Int("caregivers", len(cfg.ChatIDs)))

	return &Bot{
		api:     botAPI,
		logger:  logger,
		chatIDs: cfg.ChatIDs,
		status:  status,
	}, nil
}

// Start answers /start, /help and /status until ctx is done.
func (b *Bot) Start(ctx context.Context) error {
	if b == nil {
		return nil // Bot is disabled
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := b.api.GetUpdatesChan(u)

	b.logger.Info("Telegram bot started, waiting for updates...")

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("Telegram bot shutting down...")
			b.api.StopReceivingUpdates()
			return nil
		case update := <-updates:
			if update.Message != nil {
				b.handleMessage(update.Message)
			}
		}
	}
}

func (b *Bot) handleMessage(message *tgbotapi.Message) {
	if !message.IsCommand() {
		return
	}
	switch message.Command() {
	case "start":
		b.sendMessage(message.Chat.ID, fmt.Sprintf(
			"👋 你好，%s！\n\n當守護中的電話出現詐騙或 AI 偽造聲音時，我會即時通知你。\n\n輸入 /help 查看更多。",
			message.From.FirstName))
	case "help":
		b.sendMessage(message.Chat.ID, "📚 指令：\n\n/start - 歡迎訊息\n/status - 守護狀態\n/help - 本說明\n\n"+
			"你的 Telegram ID: "+strconv.FormatInt(message.From.ID, 10))
	case "status":
		text := "ℹ️ 狀態不明"
		if b.status != nil {
			text = b.status()
		}
		b.sendMessage(message.Chat.ID, text)
	default:
		b.sendMessage(message.Chat.ID, "未知指令，輸入 /help 查看說明。")
	}
}

// Signal tells caregivers an alert was raised.
func (b *Bot) Signal(ctx context.Context, analysis models.RiskAnalysis) error {
	if b == nil {
		return nil
	}
	text := fmt.Sprintf("🚨 %s\n\n風險：%s（%d 分）\n建議：%s",
		analysis.ThreatType.Headline(), analysis.RiskLevel, analysis.Score, analysis.Advice)
	if analysis.IsDeepfakeSuspected != nil && *analysis.IsDeepfakeSuspected {
		text += "\n⚠️ 聲音疑似 AI 合成"
	}
	return b.broadcast(ctx, text, "alert")
}

// Dial asks caregivers to expect or return a call.
func (b *Bot) Dial(ctx context.Context, contact models.Contact) error {
	if b == nil {
		return nil
	}
	text := fmt.Sprintf("📞 長者正從可疑來電中致電 %s（%s）：%s", contact.Name, contact.Relation, contact.Phone)
	return b.broadcast(ctx, text, "call")
}

// SOS broadcasts the family alarm.
func (b *Bot) SOS(ctx context.Context, contacts []models.Contact) error {
	if b == nil {
		return nil
	}
	var list strings.Builder
	for _, c := range contacts {
		fmt.Fprintf(&list, "\n- %s (%s) %s", c.Relation, c.Name, c.Phone)
	}
	text := "🆘 已發出家庭聯動警報！請立即聯絡長者。"
	if list.Len() > 0 {
		text += "\n\n已通知：" + list.String()
	}
	return b.broadcast(ctx, text, "sos")
}

func (b *Bot) broadcast(ctx context.Context, text, kind string) error {
	var errs []error
	for _, chatID := range b.chatIDs {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if _, err := b.api.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
			b.logger.Error("Failed to send notification",
				zap.String("kind", kind),
				zap.Int64("chat_id", chatID),
				zap.Error(err))
			errs = append(errs, fmt.Errorf("chat %d: %w", chatID, err))
			continue
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("failed to send %s notification: %w", kind, err)
	}

	b.logger.Info("Caregivers notified", zap.String("kind", kind), zap.Int("chats", len(b.chatIDs)))
	return nil
}

// sendMessage is a helper to send a simple text message
func (b *Bot) sendMessage(chatID int64, text string) {
	if _, err := b.api.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		b.logger.Error("Failed to send message", zap.Int64("chat_id", chatID), zap.Error(err))
	}
}
