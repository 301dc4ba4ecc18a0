package access

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ambetz/vipgate/internal/app/service/store"
	"github.com/ambetz/vipgate/internal/models"
	"github.com/ambetz/vipgate/internal/testutil"
	"github.com/ambetz/vipgate/pkg/config"
	"github.com/ambetz/vipgate/pkg/types"
)

type sentMessage struct {
	chatID int64
	text   string
}

type fakeChatAPI struct {
	inviteErr  map[int64]error
	removeErr  map[int64]error
	invites    []int64
	removed    [][2]int64
	messages   []sentMessage
	nextInvite int
}

func (f *fakeChatAPI) CreateInviteLink(_ context.Context, groupChatID int64, _ time.Duration) (string, error) {
	if err := f.inviteErr[groupChatID]; err != nil {
		return "", err
	}
	f.invites = append(f.invites, groupChatID)
	f.nextInvite++
	return fmt.Sprintf("https://t.me/+invite%d", f.nextInvite), nil
}

func (f *fakeChatAPI) RemoveMember(_ context.Context, groupChatID, userID int64) error {
	if err := f.removeErr[groupChatID]; err != nil {
		return err
	}
	f.removed = append(f.removed, [2]int64{groupChatID, userID})
	return nil
}

func (f *fakeChatAPI) SendMessage(_ context.Context, chatID int64, text string) error {
	f.messages = append(f.messages, sentMessage{chatID, text})
	return nil
}

func (f *fakeChatAPI) messagesTo(chatID int64) []string {
	var out []string
	for _, m := range f.messages {
		if m.chatID == chatID {
			out = append(out, m.text)
		}
	}
	return out
}

const adminChat = int64(-100999)

func newTestController(t *testing.T, chat *fakeChatAPI) (*Controller, *store.Service) {
	t.Helper()
	log := zap.NewNop().Sugar()
	st := store.New(testutil.SetupTestDB(t), log)
	cfg := &config.Config{
		Telegram: config.TelegramConfig{
			VIPGroups: []config.VIPGroup{
				{Name: "VIP Signals", ChatID: -100111},
				{Name: "VIP Chat", ChatID: -100222},
			},
			AdminChatID: adminChat,
		},
		Subscription: config.SubscriptionConfig{InviteTTLHours: 24},
	}
	return New(chat, st, cfg, log), st
}

func TestOnActivated_DeliversInvitePerGroup(t *testing.T) {
	chat := &fakeChatAPI{}
	ctrl, _ := newTestController(t, chat)

	require.NoError(t, ctrl.OnActivated(context.Background(), 42))

	assert.Equal(t, []int64{-100111, -100222}, chat.invites)
	msgs := chat.messagesTo(42)
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0], "VIP Signals")
	assert.Contains(t, msgs[0], "VIP Chat")
	assert.Contains(t, msgs[0], "https://t.me/+invite")
}

func TestOnActivated_PartialLinkFailure(t *testing.T) {
	chat := &fakeChatAPI{inviteErr: map[int64]error{-100111: errors.New("bot is not admin")}}
	ctrl, _ := newTestController(t, chat)

	require.NoError(t, ctrl.OnActivated(context.Background(), 42))

	msgs := chat.messagesTo(42)
	require.Len(t, msgs, 1)
	assert.NotContains(t, msgs[0], "VIP Signals")
	assert.Contains(t, msgs[0], "VIP Chat")
}

func TestOnActivated_AllLinksFailFallsBack(t *testing.T) {
	chat := &fakeChatAPI{inviteErr: map[int64]error{
		-100111: errors.New("nope"),
		-100222: errors.New("nope"),
	}}
	ctrl, _ := newTestController(t, chat)

	require.NoError(t, ctrl.OnActivated(context.Background(), 42))

	msgs := chat.messagesTo(42)
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0], "admin will contact you")

	adminMsgs := chat.messagesTo(adminChat)
	require.Len(t, adminMsgs, 1)
}

func TestOnExpired_RemovesFromEveryGroup(t *testing.T) {
	chat := &fakeChatAPI{}
	ctrl, st := newTestController(t, chat)
	require.NoError(t, st.UpsertUser(context.Background(), &models.Subscriber{ChatID: 42, Username: "alice"}))

	require.NoError(t, ctrl.OnExpired(context.Background(), 42, types.ExpiryReasonLapsed))

	assert.Equal(t, [][2]int64{{-100111, 42}, {-100222, 42}}, chat.removed)

	msgs := chat.messagesTo(42)
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0], "ended")

	adminMsgs := chat.messagesTo(adminChat)
	require.Len(t, adminMsgs, 1)
	assert.Contains(t, adminMsgs[0], "@alice")
	assert.Contains(t, adminMsgs[0], string(types.ExpiryReasonLapsed))
	assert.Contains(t, adminMsgs[0], "2/2")
}

func TestOnExpired_GroupFailuresAreIndependent(t *testing.T) {
	chat := &fakeChatAPI{removeErr: map[int64]error{-100111: errors.New("not a supergroup")}}
	ctrl, _ := newTestController(t, chat)

	require.NoError(t, ctrl.OnExpired(context.Background(), 42, types.ExpiryReasonCancelled))

	assert.Equal(t, [][2]int64{{-100222, 42}}, chat.removed)
	adminMsgs := chat.messagesTo(adminChat)
	require.Len(t, adminMsgs, 1)
	assert.Contains(t, adminMsgs[0], "1/2")
}

func TestNotifyAlreadyActive(t *testing.T) {
	chat := &fakeChatAPI{}
	ctrl, _ := newTestController(t, chat)

	require.NoError(t, ctrl.NotifyAlreadyActive(context.Background(), 42))

	msgs := chat.messagesTo(42)
	require.Len(t, msgs, 1)
	assert.True(t, strings.Contains(msgs[0], "already have an active"))
}
