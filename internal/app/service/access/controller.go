package access

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ambetz/vipgate/internal/app/service/store"
	"github.com/ambetz/vipgate/pkg/config"
	"github.com/ambetz/vipgate/pkg/types"
)

// ChatAPI is the slice of the chat platform the controller drives. The
// Telegram bot service implements it.
type ChatAPI interface {
	// CreateInviteLink returns a single-use invite link into the group that
	// stops working after ttl.
	CreateInviteLink(ctx context.Context, groupChatID int64, ttl time.Duration) (string, error)
	// RemoveMember kicks the user out of the group in a way that leaves them
	// free to rejoin through a fresh invite link.
	RemoveMember(ctx context.Context, groupChatID, userID int64) error
	SendMessage(ctx context.Context, chatID int64, text string) error
}

// Controller translates lifecycle transitions into membership actions. It
// never makes lifecycle decisions of its own.
type Controller struct {
	chat        ChatAPI
	store       *store.Service
	groups      []config.VIPGroup
	adminChatID int64
	inviteTTL   time.Duration
	log         *zap.SugaredLogger
}

func New(chat ChatAPI, st *store.Service, cfg *config.Config, log *zap.SugaredLogger) *Controller {
	return &Controller{
		chat:        chat,
		store:       st,
		groups:      cfg.Telegram.VIPGroups,
		adminChatID: cfg.Telegram.AdminChatID,
		inviteTTL:   cfg.Subscription.InviteTTL(),
		log:         log,
	}
}

// OnActivated issues one fresh invite link per restricted group and delivers
// them to the subscriber. Link creation failures degrade to a plain notice so
// the payment never disappears silently.
func (c *Controller) OnActivated(ctx context.Context, chatID int64) error {
	var lines []string
	for _, g := range c.groups {
		link, err := c.chat.CreateInviteLink(ctx, g.ChatID, c.inviteTTL)
		if err != nil {
			c.log.Errorw("failed to create invite link",
				"chat_id", chatID, "group", g.Name, "error", err)
			continue
		}
		lines = append(lines, fmt.Sprintf("%s: %s", g.Name, link))
	}

	if len(lines) == 0 {
		c.notifyAdmin(ctx, fmt.Sprintf("⚠️ Payment received from %d but no invite links could be created.", chatID))
		return c.chat.SendMessage(ctx, chatID,
			"✅ Payment received! We could not generate your invite links automatically; an admin will contact you shortly.")
	}

	msg := "✅ Payment received! Your VIP access is active.\n\n" +
		"Join using these links (valid for " + formatTTL(c.inviteTTL) + ", single use):\n" +
		strings.Join(lines, "\n")
	return c.chat.SendMessage(ctx, chatID, msg)
}

// OnExpired removes the subscriber from every restricted group. Each group is
// attempted independently; one failure never blocks the rest.
func (c *Controller) OnExpired(ctx context.Context, chatID int64, reason types.ExpiryReason) error {
	removed := 0
	for _, g := range c.groups {
		if err := c.chat.RemoveMember(ctx, g.ChatID, chatID); err != nil {
			c.log.Warnw("failed to remove member from group",
				"chat_id", chatID, "group", g.Name, "error", err)
			continue
		}
		removed++
	}

	if err := c.chat.SendMessage(ctx, chatID,
		fmt.Sprintf("Your VIP access has ended (%s). Use /start to subscribe again.", reason)); err != nil {
		c.log.Warnw("failed to notify subscriber about expiry", "chat_id", chatID, "error", err)
	}

	c.notifyAdmin(ctx, fmt.Sprintf("Subscription expired: %s\nReason: %s\nRemoved from %d/%d groups.",
		c.identityLine(ctx, chatID), reason, removed, len(c.groups)))
	return nil
}

// NotifyAlreadyActive tells a subscriber their duplicate purchase changed
// nothing.
func (c *Controller) NotifyAlreadyActive(ctx context.Context, chatID int64) error {
	return c.chat.SendMessage(ctx, chatID,
		"You already have an active VIP subscription; this payment did not start a new one. Contact support if that looks wrong.")
}

func (c *Controller) identityLine(ctx context.Context, chatID int64) string {
	u, err := c.store.GetUser(ctx, chatID)
	if err != nil || u == nil {
		return fmt.Sprintf("chat_id %d", chatID)
	}
	return fmt.Sprintf("%s (chat_id %d)", u.DisplayName(), chatID)
}

func (c *Controller) notifyAdmin(ctx context.Context, text string) {
	if c.adminChatID == 0 {
		return
	}
	if err := c.chat.SendMessage(ctx, c.adminChatID, text); err != nil {
		c.log.Warnw("failed to notify admin channel", "error", err)
	}
}

func formatTTL(ttl time.Duration) string {
	if h := int(ttl.Hours()); h >= 1 {
		return fmt.Sprintf("%dh", h)
	}
	return fmt.Sprintf("%dm", int(ttl.Minutes()))
}
