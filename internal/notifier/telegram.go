package notifier

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/spigell/mostaql-notifier/internal/domain"
)

// ChannelTelegram is the channel name stored on notification records.
const ChannelTelegram = "telegram"

const defaultSendTimeout = 15 * time.Second

type TelegramConfig struct {
	Token  string `mapstructure:"-"`
	ChatID int64  `mapstructure:"chat-id" validate:"required"`
	// Endpoint overrides the Bot API URL format, mostly for tests.
	Endpoint string        `mapstructure:"endpoint"`
	Timeout  time.Duration `mapstructure:"timeout" validate:"gte=0"`
}

type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram sends messages to one chat through the Bot API.
type Telegram struct {
	bot    botAPI
	chatID int64
	logger *zap.Logger
}

// NewTelegram authenticates the bot. The HTTP client timeout bounds every send.
func NewTelegram(cfg TelegramConfig, logger *zap.Logger) (*Telegram, error) {
	if cfg.Token == "" {
		return nil, errors.New("telegram token is required")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat id is required")
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = tgbotapi.APIEndpoint
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultSendTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	bot, err := tgbotapi.NewBotAPIWithClient(cfg.Token, cfg.Endpoint, &http.Client{Timeout: cfg.Timeout})
	if err != nil {
		return nil, fmt.Errorf("failed to init telegram bot: %w", classifyTelegram(err))
	}
	logger.Info("telegram bot authorized", zap.String("bot", bot.Self.UserName))

	return &Telegram{bot: bot, chatID: cfg.ChatID, logger: logger}, nil
}

func (t *Telegram) Channel() string { return ChannelTelegram }

// Send delivers msg and returns the Telegram message id.
func (t *Telegram) Send(ctx context.Context, msg Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	m := tgbotapi.NewMessage(t.chatID, msg.Text)
	m.ParseMode = tgbotapi.ModeHTML
	m.DisableWebPagePreview = true
	if msg.URL != "" {
		m.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
			tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonURL("🔗 View job", msg.URL)),
		)
	}

	sent, err := t.bot.Send(m)
	if err != nil {
		return "", classifyTelegram(err)
	}
	return strconv.Itoa(sent.MessageID), nil
}

// classifyTelegram maps Bot API failures onto the domain sentinels.
func classifyTelegram(err error) error {
	code := 0
	var apiErr *tgbotapi.Error
	var apiVal tgbotapi.Error
	switch {
	case errors.As(err, &apiErr):
		code = apiErr.Code
	case errors.As(err, &apiVal):
		code = apiVal.Code
	}

	switch {
	case code == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %w", domain.ErrProviderQuotaExceeded, err)
	case code >= http.StatusInternalServerError:
		return fmt.Errorf("%w: %w", domain.ErrTransientNetwork, err)
	case code != 0:
		return fmt.Errorf("telegram rejected message: %w", err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %w", domain.ErrTransientNetwork, err)
	}
	return err
}
