package notificator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-telegram/bot"
	tgModels "github.com/go-telegram/bot/models"

	"github.com/core-coin/mealpass/internal/clock"
	"github.com/core-coin/mealpass/internal/models"
	"github.com/core-coin/mealpass/pkg/logger"
)

const helpText = "Commands:\n" +
	"/skip YYYY-MM-DD - skip your meal on that day\n" +
	"/skip tomorrow - skip tomorrow's meal\n" +
	"/help - show this message"

// LinkConsumer resolves a /start code to the customer that requested it.
type LinkConsumer interface {
	ConsumeTelegramLink(ctx context.Context, code string) (string, error)
}

// TelegramStore is what the bot reads and writes.
type TelegramStore interface {
	models.CustomerRepository
	models.SubscriptionRepository
	models.EntitlementRepository
}

type TelegramOptions struct {
	Token string
	// WebhookSecret is checked on every webhook update.
	WebhookSecret string
	// ServerURL overrides the Bot API endpoint.
	ServerURL string
	// SkipGetMe skips the token check on start up.
	SkipGetMe bool
}

type TelegramNotificator struct {
	logger *logger.Logger
	bot    *bot.Bot

	db       TelegramStore
	links    LinkConsumer
	calendar *clock.Calendar
	clock    clock.Clock
}

func NewTelegramNotificator(logger *logger.Logger, opts TelegramOptions, db TelegramStore, links LinkConsumer, calendar *clock.Calendar, clk clock.Clock) (*TelegramNotificator, error) {
	provider := &TelegramNotificator{
		logger:   logger.Named("telegram"),
		db:       db,
		links:    links,
		calendar: calendar,
		clock:    clk,
	}
	botOpts := []bot.Option{
		bot.WithDefaultHandler(provider.handler),
	}
	if opts.WebhookSecret != "" {
		botOpts = append(botOpts, bot.WithWebhookSecretToken(opts.WebhookSecret))
	}
	if opts.ServerURL != "" {
		botOpts = append(botOpts, bot.WithServerURL(opts.ServerURL))
	}
	if opts.SkipGetMe {
		botOpts = append(botOpts, bot.WithSkipGetMe())
	}

	b, err := bot.New(opts.Token, botOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	provider.bot = b

	return provider, nil
}

// Start receives updates until ctx is done. With a webhook URL the bot
// registers it and processes what WebhookHandler receives; otherwise it
// long-polls.
func (t *TelegramNotificator) Start(ctx context.Context, webhookURL, secret string) error {
	if webhookURL == "" {
		if _, err := t.bot.DeleteWebhook(ctx, &bot.DeleteWebhookParams{}); err != nil {
			t.logger.Warn("Failed to delete webhook before polling", "error", err)
		}
		go t.bot.Start(ctx)
		t.logger.Info("Telegram bot polling")
		return nil
	}

	if _, err := t.bot.SetWebhook(ctx, &bot.SetWebhookParams{URL: webhookURL, SecretToken: secret}); err != nil {
		return fmt.Errorf("failed to set telegram webhook: %w", err)
	}
	go t.bot.StartWebhook(ctx)
	t.logger.Info("Telegram bot listening for webhook updates", "url", webhookURL)
	return nil
}

// WebhookHandler accepts updates posted by Telegram.
func (t *TelegramNotificator) WebhookHandler() http.HandlerFunc {
	return t.bot.WebhookHandler()
}

func (t *TelegramNotificator) SendMessage(ctx context.Context, chatID, text string) error {
	params := &bot.SendMessageParams{
		ChatID: chatID,
		Text:   text,
	}
	if _, err := t.bot.SendMessage(ctx, params); err != nil {
		return fmt.Errorf("failed to send telegram message: %w", err)
	}
	return nil
}

func (t *TelegramNotificator) SendPhoto(ctx context.Context, chatID string, png []byte, caption string) error {
	params := &bot.SendPhotoParams{
		ChatID:  chatID,
		Photo:   &tgModels.InputFileUpload{Filename: "mealpass.png", Data: bytes.NewReader(png)},
		Caption: caption,
	}
	if _, err := t.bot.SendPhoto(ctx, params); err != nil {
		return fmt.Errorf("failed to send telegram photo: %w", err)
	}
	return nil
}

func (t *TelegramNotificator) handler(ctx context.Context, b *bot.Bot, update *tgModels.Update) {
	if update.Message == nil || update.Message.From == nil {
		return
	}
	user := update.Message.From
	chatID := strconv.FormatInt(update.Message.Chat.ID, 10)
	t.logger.Debug("Telegram update", "username", user.Username, "chat_id", chatID)

	reply := t.Respond(ctx, chatID, user.Username, update.Message.Text)
	if reply == "" {
		return
	}
	if err := t.SendMessage(ctx, chatID, reply); err != nil {
		t.logger.Error("Failed to reply", "chat_id", chatID, "error", err)
	}
}

// Respond runs one bot command and returns the reply text.
func (t *TelegramNotificator) Respond(ctx context.Context, chatID, username, text string) string {
	command, arg := splitCommand(text)
	switch command {
	case "/start":
		return t.start(ctx, chatID, username, arg)
	case "/skip":
		return t.skip(ctx, chatID, arg)
	case "/help":
		return helpText
	case "":
		return ""
	default:
		return "Unknown command.\n\n" + helpText
	}
}

func (t *TelegramNotificator) start(ctx context.Context, chatID, username, code string) string {
	if code == "" {
		return "Open the Telegram link on your account page to connect this chat."
	}
	customerID, err := t.links.ConsumeTelegramLink(ctx, code)
	if errors.Is(err, models.ErrLinkInvalid) {
		return "This link is invalid or has expired. Request a new one from your account page."
	}
	if err != nil {
		t.logger.Error("Failed to consume telegram link", "error", err)
		return "Something went wrong, please try again later."
	}
	if err := t.db.LinkTelegram(ctx, customerID, username, chatID); err != nil {
		t.logger.Error("Failed to link telegram chat", "customer_id", customerID, "error", err)
		return "Something went wrong, please try again later."
	}
	t.logger.Info("Telegram chat linked", "customer_id", customerID, "chat_id", chatID)
	return "Telegram connected. Your daily meal pass will arrive in this chat.\n\n" + helpText
}

func (t *TelegramNotificator) skip(ctx context.Context, chatID, arg string) string {
	customer, err := t.db.GetCustomerByTelegramChatID(ctx, chatID)
	if errors.Is(err, models.ErrRecordNotFound) {
		return "This chat is not connected to an account yet."
	}
	if err != nil {
		t.logger.Error("Failed to look up customer", "chat_id", chatID, "error", err)
		return "Something went wrong, please try again later."
	}

	now := t.clock.Now()
	today := t.calendar.Today(now)
	var day clock.Day
	switch strings.ToLower(arg) {
	case "":
		return "Tell me which day: /skip YYYY-MM-DD or /skip tomorrow"
	case "today":
		day = today
	case "tomorrow":
		day = today.AddDays(1)
	default:
		if day, err = clock.ParseDay(arg); err != nil {
			return "Dates look like 2024-03-05."
		}
	}
	if day.String() < today.String() {
		return "That day has already passed."
	}

	outcome, err := t.db.AddSkipDay(ctx, customer.ID, day.String(), now.Unix())
	if err != nil {
		t.logger.Error("Failed to add skip day", "customer_id", customer.ID, "service_date", day.String(), "error", err)
		return "Something went wrong, please try again later."
	}
	// A pass for the day may already be out; it must stop being redeemable.
	if err := t.db.UpsertEntitlement(ctx, customer.ID, day.String(), 0, now.Unix()); err != nil {
		t.logger.Error("Failed to withdraw entitlement", "customer_id", customer.ID, "service_date", day.String(), "error", err)
		return "Something went wrong, please try again later."
	}
	if outcome == models.Conflict {
		return fmt.Sprintf("%s is already skipped.", day)
	}
	t.logger.Info("Customer skipped a day", "customer_id", customer.ID, "service_date", day.String())
	return fmt.Sprintf("Done. No meal pass will be issued for %s.", day)
}

// splitCommand turns "/start@mealpass_bot abc" into ("/start", "abc").
func splitCommand(text string) (string, string) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", ""
	}
	command, arg, _ := strings.Cut(text, " ")
	if at := strings.Index(command, "@"); at >= 0 {
		command = command[:at]
	}
	return strings.ToLower(command), strings.TrimSpace(arg)
}
