package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/ambetz/vipgate/internal/app/service/store"
	"github.com/ambetz/vipgate/internal/models"
	"github.com/ambetz/vipgate/internal/platform/stripegw"
	"github.com/ambetz/vipgate/pkg/config"
	"github.com/ambetz/vipgate/pkg/types"
)

const callbackSubscribe = "subscribe"

// botClient abstracts the Telegram API client so tests can swap in a fake.
type botClient interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// paymentLinker is the slice of the payment gateway the bot uses.
type paymentLinker interface {
	CreatePaymentLink(ctx context.Context, chatID int64, username string) (string, error)
}

// Service is the chat-platform adapter: it handles subscriber commands and
// implements the membership actions the access controller needs.
type Service struct {
	bot     botClient
	store   *store.Service
	gateway paymentLinker
	devMode bool
	log     *zap.SugaredLogger
}

func New(cfg *config.Config, st *store.Service, gw *stripegw.Gateway, log *zap.SugaredLogger) (*Service, error) {
	bot, err := tgbotapi.NewBotAPI(cfg.Telegram.BotToken)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telegram bot: %w", err)
	}
	log.Infow("telegram bot authorized", "username", bot.Self.UserName)
	return NewWithClient(cfg, bot, st, gw, log), nil
}

func NewWithClient(cfg *config.Config, bot botClient, st *store.Service, gw paymentLinker, log *zap.SugaredLogger) *Service {
	return &Service{bot: bot, store: st, gateway: gw, devMode: cfg.Env == config.EnvDev, log: log}
}

// ProcessUpdate dispatches one inbound platform update. Errors are logged and
// swallowed; the webhook route always acknowledges.
func (s *Service) ProcessUpdate(ctx context.Context, update tgbotapi.Update) {
	switch {
	case update.CallbackQuery != nil:
		s.handleCallback(ctx, update.CallbackQuery)
	case update.Message != nil && update.Message.IsCommand():
		s.handleCommand(ctx, update.Message)
	}
}

func (s *Service) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	if !msg.Chat.IsPrivate() {
		// Commands only work in the private chat with the bot.
		return
	}
	s.touchUser(ctx, msg.From)

	switch msg.Command() {
	case "start":
		s.handleStart(ctx, msg)
	case "status":
		s.handleStatus(ctx, msg)
	case "help":
		s.reply(msg.Chat.ID,
			"/start - subscribe to VIP access\n/status - check your subscription\n/help - this message")
	case "test":
		s.handleTestSubscription(ctx, msg)
	case "expire":
		s.handleExpireSubscription(ctx, msg)
	default:
		s.reply(msg.Chat.ID, "Unknown command. Try /help.")
	}
}

func (s *Service) handleStart(ctx context.Context, msg *tgbotapi.Message) {
	text := "Welcome! Tap the button below to purchase VIP group access."
	out := tgbotapi.NewMessage(msg.Chat.ID, text)
	out.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("💳 Subscribe", callbackSubscribe),
		),
	)
	if _, err := s.bot.Send(out); err != nil {
		s.log.Errorw("failed to send start message", "chat_id", msg.Chat.ID, "error", err)
	}
}

// handleStatus answers with the definitive stored state, not a cached view.
func (s *Service) handleStatus(ctx context.Context, msg *tgbotapi.Message) {
	sub, err := s.store.GetSubscription(ctx, msg.Chat.ID)
	if err != nil {
		s.log.Errorw("failed to load subscription for status", "chat_id", msg.Chat.ID, "error", err)
		s.reply(msg.Chat.ID, "Could not check your subscription right now, please try again later.")
		return
	}
	switch {
	case sub == nil:
		s.reply(msg.Chat.ID, "You have no subscription yet. Use /start to subscribe.")
	case sub.Valid():
		s.reply(msg.Chat.ID, fmt.Sprintf("✅ Your VIP subscription is active until %s.",
			sub.ExpiryDate.UTC().Format("2006-01-02 15:04 MST")))
	default:
		s.reply(msg.Chat.ID, "Your VIP subscription has expired. Use /start to subscribe again.")
	}
}

func (s *Service) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	if _, err := s.bot.Request(tgbotapi.NewCallback(cb.ID, "")); err != nil {
		s.log.Warnw("failed to answer callback query", "error", err)
	}
	if cb.Data != callbackSubscribe || cb.Message == nil {
		return
	}
	chatID := cb.Message.Chat.ID
	s.touchUser(ctx, cb.From)

	sub, err := s.store.GetSubscription(ctx, chatID)
	if err != nil {
		s.log.Errorw("failed to load subscription for subscribe", "chat_id", chatID, "error", err)
		s.reply(chatID, "Something went wrong, please try again later.")
		return
	}
	if sub.Valid() {
		s.reply(chatID, fmt.Sprintf("You already have an active subscription until %s.",
			sub.ExpiryDate.UTC().Format("2006-01-02 15:04 MST")))
		return
	}

	username := ""
	if cb.From != nil {
		username = cb.From.UserName
	}
	link, err := s.gateway.CreatePaymentLink(ctx, chatID, username)
	if err != nil {
		s.log.Errorw("failed to create payment link", "chat_id", chatID, "error", err)
		s.reply(chatID, "Could not create a payment link right now, please try again later.")
		return
	}
	s.reply(chatID, "Complete your purchase here:\n"+link+
		"\n\nYour invite links arrive automatically once the payment clears.")
}

// handleTestSubscription grants a short-lived test subscription so the whole
// activation-to-sweep cycle can be walked through without a payment. Only
// available in dev environments.
func (s *Service) handleTestSubscription(ctx context.Context, msg *tgbotapi.Message) {
	if !s.devMode {
		s.reply(msg.Chat.ID, "Unknown command. Try /help.")
		return
	}
	now := time.Now().UTC()
	sub := &models.Subscription{
		ChatID:           msg.Chat.ID,
		Status:           types.SubscriptionStatusActive,
		SubscriptionType: string(types.SubscriptionTypeTest),
		StartDate:        now,
		ExpiryDate:       now.Add(time.Minute),
	}
	if err := s.store.ReplaceSubscription(ctx, sub); err != nil {
		s.log.Errorw("failed to create test subscription", "chat_id", msg.Chat.ID, "error", err)
		s.reply(msg.Chat.ID, "❌ Failed to create test subscription.")
		return
	}
	s.log.Infow("test subscription created", "chat_id", msg.Chat.ID, "expiry_date", sub.ExpiryDate)
	s.reply(msg.Chat.ID, fmt.Sprintf(
		"✅ Test subscription created!\n\nStart Date: %s\nExpiry Date: %s\n\nUse /status to check your subscription.",
		sub.StartDate.Format("2006-01-02 15:04:05"),
		sub.ExpiryDate.Format("2006-01-02 15:04:05")))
}

// handleExpireSubscription backdates the expiry while leaving the document
// active, so the next sweep finds it and walks the revocation path.
func (s *Service) handleExpireSubscription(ctx context.Context, msg *tgbotapi.Message) {
	if !s.devMode {
		s.reply(msg.Chat.ID, "Unknown command. Try /help.")
		return
	}
	cur, err := s.store.GetSubscription(ctx, msg.Chat.ID)
	if err != nil {
		s.log.Errorw("failed to load subscription for expire", "chat_id", msg.Chat.ID, "error", err)
		s.reply(msg.Chat.ID, "Could not check your subscription right now, please try again later.")
		return
	}
	if cur == nil {
		s.reply(msg.Chat.ID, "❌ You don't have a subscription to expire.")
		return
	}
	next := *cur
	next.Status = types.SubscriptionStatusActive
	next.ExpiryDate = time.Now().UTC().Add(-24 * time.Hour)
	if err := s.store.ReplaceSubscription(ctx, &next); err != nil {
		s.log.Errorw("failed to backdate subscription", "chat_id", msg.Chat.ID, "error", err)
		s.reply(msg.Chat.ID, "❌ Failed to set subscription expiry date.")
		return
	}
	s.log.Infow("subscription backdated for expiry testing", "chat_id", msg.Chat.ID)
	s.reply(msg.Chat.ID,
		"⚠️ Subscription expiry date set to the past. The next sweep run will revoke your access.")
}

// touchUser records or refreshes the subscriber profile.
func (s *Service) touchUser(ctx context.Context, from *tgbotapi.User) {
	if from == nil {
		return
	}
	u := &models.Subscriber{
		ChatID:       from.ID,
		Username:     from.UserName,
		FirstName:    from.FirstName,
		LastName:     from.LastName,
		LastActivity: time.Now().UTC(),
	}
	if err := s.store.UpsertUser(ctx, u); err != nil {
		s.log.Warnw("failed to upsert subscriber", "chat_id", from.ID, "error", err)
	}
}

func (s *Service) reply(chatID int64, text string) {
	if _, err := s.bot.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		s.log.Errorw("failed to send message", "chat_id", chatID, "error", err)
	}
}

// CreateInviteLink issues a single-use invite that expires after ttl.
func (s *Service) CreateInviteLink(_ context.Context, groupChatID int64, ttl time.Duration) (string, error) {
	cfg := tgbotapi.CreateChatInviteLinkConfig{
		ChatConfig:  tgbotapi.ChatConfig{ChatID: groupChatID},
		ExpireDate:  int(time.Now().Add(ttl).Unix()),
		MemberLimit: 1,
	}
	resp, err := s.bot.Request(cfg)
	if err != nil {
		return "", fmt.Errorf("failed to create invite link for group %d: %w", groupChatID, err)
	}
	var link tgbotapi.ChatInviteLink
	if err := json.Unmarshal(resp.Result, &link); err != nil {
		return "", fmt.Errorf("failed to decode invite link response: %w", err)
	}
	return link.InviteLink, nil
}

// RemoveMember kicks via ban-then-unban, so the user can return through a new
// invite link after resubscribing.
func (s *Service) RemoveMember(_ context.Context, groupChatID, userID int64) error {
	ban := tgbotapi.BanChatMemberConfig{
		ChatMemberConfig: tgbotapi.ChatMemberConfig{ChatID: groupChatID, UserID: userID},
		// Telegram treats bans shorter than 30s as permanent.
		UntilDate: time.Now().Add(35 * time.Second).Unix(),
	}
	if _, err := s.bot.Request(ban); err != nil {
		return fmt.Errorf("failed to ban user %d from group %d: %w", userID, groupChatID, err)
	}
	unban := tgbotapi.UnbanChatMemberConfig{
		ChatMemberConfig: tgbotapi.ChatMemberConfig{ChatID: groupChatID, UserID: userID},
		OnlyIfBanned:     true,
	}
	if _, err := s.bot.Request(unban); err != nil {
		return fmt.Errorf("failed to unban user %d in group %d: %w", userID, groupChatID, err)
	}
	return nil
}

func (s *Service) SendMessage(_ context.Context, chatID int64, text string) error {
	if _, err := s.bot.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		return fmt.Errorf("failed to send message to %d: %w", chatID, err)
	}
	return nil
}
