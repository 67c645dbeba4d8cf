package chat

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

const pollTimeoutSeconds = 60

// SecretTokenHeader carries the secret_token registered with setWebhook on
// every pushed update.
const SecretTokenHeader = "X-Telegram-Bot-Api-Secret-Token"

// TelegramConfig configures NewTelegram.
type TelegramConfig struct {
	Token string
	// Endpoint overrides the Bot API URL format (tgbotapi.APIEndpoint).
	Endpoint   string
	HTTPClient *http.Client
	Workers    int
}

// Telegram is a Sender and update source backed by the Telegram Bot API.
type Telegram struct {
	bot     *tgbotapi.BotAPI
	workers int
	logger  zerolog.Logger
}

// NewTelegram authenticates against the Bot API.
func NewTelegram(cfg TelegramConfig, logger zerolog.Logger) (*Telegram, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram api token is required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	logger = logger.With().Str("component", "telegram").Logger()
	tgbotapi.SetLogger(botLogger{logger})

	bot, err := tgbotapi.NewBotAPIWithClient(cfg.Token, endpoint, client)
	if err != nil {
		return nil, fmt.Errorf("connect to telegram: %w", err)
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	logger.Info().Str("bot", bot.Self.UserName).Msg("authorized")
	return &Telegram{bot: bot, workers: workers, logger: logger}, nil
}

// Username returns the bot's Telegram username.
func (t *Telegram) Username() string {
	return t.bot.Self.UserName
}

// Send implements Sender.
func (t *Telegram) Send(_ context.Context, r Reply) error {
	msg := tgbotapi.NewMessage(r.ChatID, r.Text)
	msg.ReplyToMessageID = r.ReplyToID
	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("telegram send to %d: %w", r.ChatID, err)
	}
	return nil
}

// Poll long-polls for updates and hands text messages to h on the configured
// number of workers. It returns once ctx is done and in-flight messages are
// handled; it does not wait for the pending long poll, whose updates are
// redelivered on the next start since their offset was never confirmed.
func (t *Telegram) Poll(ctx context.Context, h Handler) error {
	// A webhook would make getUpdates fail; drop any left from webhook mode.
	if _, err := t.bot.Request(tgbotapi.DeleteWebhookConfig{}); err != nil {
		return fmt.Errorf("delete webhook: %w", err)
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = pollTimeoutSeconds
	updates := t.bot.GetUpdatesChan(u)

	var wg sync.WaitGroup
	for i := 0; i < t.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case upd, ok := <-updates:
					if !ok {
						return
					}
					if msg, ok := messageFromUpdate(upd); ok {
						t.dispatch(ctx, h, msg)
					}
				}
			}
		}()
	}
	t.logger.Info().Int("workers", t.workers).Msg("polling for updates")

	<-ctx.Done()
	t.bot.StopReceivingUpdates()
	wg.Wait()
	t.logger.Info().Msg("stopped polling")
	return nil
}

// dispatch keeps a worker alive when the handler panics.
func (t *Telegram) dispatch(ctx context.Context, h Handler, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error().
				Interface("panic", r).
				Int64("chat_id", msg.ChatID).
				Int("message_id", msg.ID).
				Msg("recovered from panic in message handler")
		}
	}()
	h.HandleMessage(ctx, msg, t)
}

// SetWebhook registers url with Telegram so updates are pushed to
// WebhookHandler instead of being polled. Telegram sends secret back in
// SecretTokenHeader with every update.
func (t *Telegram) SetWebhook(url, secret string) error {
	params := tgbotapi.Params{"url": url}
	params.AddNonEmpty("secret_token", secret)
	if _, err := t.bot.MakeRequest("setWebhook", params); err != nil {
		return fmt.Errorf("set webhook: %w", err)
	}
	t.logger.Info().Str("url", url).Msg("webhook registered")
	return nil
}

// WebhookHandler receives pushed updates. Requests without the matching
// secret are rejected. Messages are handled before the response is written
// so Telegram redelivers on failure.
func (t *Telegram) WebhookHandler(h Handler, secret string) echo.HandlerFunc {
	return func(c echo.Context) error {
		got := c.Request().Header.Get(SecretTokenHeader)
		if secret == "" || subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			t.logger.Warn().Str("remote_ip", c.RealIP()).Msg("webhook request with invalid secret token")
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid secret token")
		}
		upd, err := t.bot.HandleUpdate(c.Request())
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		if msg, ok := messageFromUpdate(*upd); ok {
			h.HandleMessage(c.Request().Context(), msg, t)
		}
		return c.NoContent(http.StatusOK)
	}
}

// messageFromUpdate takes the first of a new message, an edited message, a
// channel post or an edited channel post. The reply goes to that message's
// chat.
func messageFromUpdate(upd tgbotapi.Update) (Message, bool) {
	var m *tgbotapi.Message
	for _, candidate := range []*tgbotapi.Message{upd.Message, upd.EditedMessage, upd.ChannelPost, upd.EditedChannelPost} {
		if candidate != nil {
			m = candidate
			break
		}
	}
	if m == nil || m.Text == "" || m.Chat == nil {
		return Message{}, false
	}
	msg := Message{ID: m.MessageID, ChatID: m.Chat.ID, Text: m.Text}
	if m.From != nil {
		msg.From = m.From.UserName
	}
	return msg, true
}

// botLogger routes tgbotapi's log output through zerolog.
type botLogger struct {
	log zerolog.Logger
}

func (l botLogger) Println(v ...interface{}) {
	l.log.Debug().Msg(fmt.Sprint(v...))
}

func (l botLogger) Printf(format string, v ...interface{}) {
	l.log.Debug().Msgf(format, v...)
}
