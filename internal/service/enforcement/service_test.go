package enforcement

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nezuko-bot/nezuko-core/internal/domain/platform"
	"github.com/nezuko-bot/nezuko-core/internal/domain/verification"
	tgfacade "github.com/nezuko-bot/nezuko-core/internal/infrastructure/telegram"
)

// ══════════════════════════════════════════════════════════════════════════════
// FAKES
// ══════════════════════════════════════════════════════════════════════════════

type sentMessage struct {
	chatID platform.ChatID
	text   string
	markup *gotgbot.InlineKeyboardMarkup
}

type fakeActions struct {
	mu sync.Mutex

	muted     []platform.UserID
	unmuted   []platform.UserID
	deleted   []int64
	sent      []sentMessage
	sendErr   error
	muteErr   error
	nextMsgID int64
}

func newFakeActions() *fakeActions {
	return &fakeActions{nextMsgID: 500}
}

func (f *fakeActions) Mute(_ context.Context, _ platform.ChatID, userID platform.UserID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.muteErr != nil {
		return f.muteErr
	}
	f.muted = append(f.muted, userID)
	return nil
}

func (f *fakeActions) Unmute(_ context.Context, _ platform.ChatID, userID platform.UserID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unmuted = append(f.unmuted, userID)
	return nil
}

func (f *fakeActions) DeleteMessage(_ context.Context, _ platform.ChatID, messageID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, messageID)
	return nil
}

func (f *fakeActions) SendMessage(_ context.Context, chatID platform.ChatID, text string, markup *gotgbot.InlineKeyboardMarkup) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return 0, f.sendErr
	}
	f.nextMsgID++
	f.sent = append(f.sent, sentMessage{chatID: chatID, text: text, markup: markup})
	return f.nextMsgID, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Fixtures
// ──────────────────────────────────────────────────────────────────────────────

const (
	testGroupID = platform.ChatID(-1001234)
	testUserID  = platform.UserID(42)
)

func testGroup(params map[string]string) platform.ProtectedGroup {
	return platform.ProtectedGroup{
		ID:      1,
		GroupID: testGroupID,
		Title:   "Test Group",
		Enabled: true,
		Params:  params,
	}
}

func testChannel() platform.EnforcedChannel {
	return platform.EnforcedChannel{
		ID:        7,
		ChannelID: platform.ChatID(-1009876),
		Title:     "News Channel",
		Username:  "newschannel",
	}
}

func newService(actions Actions) *Service {
	return New(actions, slog.New(slog.NewTextHandler(testWriter{}, nil)))
}

type testWriter struct{}

func (testWriter) Write(p []byte) (int, error) { return len(p), nil }

// ══════════════════════════════════════════════════════════════════════════════
// TESTS
// ══════════════════════════════════════════════════════════════════════════════

func TestApplyRestrictedMutesDeletesAndChallenges(t *testing.T) {
	actions := newFakeActions()
	svc := newService(actions)
	verdict := verification.Restricted(testChannel(), false)

	err := svc.Apply(context.Background(), testGroup(nil), testUserID, "Alice", verdict, 321)
	require.NoError(t, err)

	assert.Equal(t, []platform.UserID{testUserID}, actions.muted)
	assert.Equal(t, []int64{321}, actions.deleted)
	require.Len(t, actions.sent, 1)

	msg := actions.sent[0]
	assert.Equal(t, testGroupID, msg.chatID)
	assert.Contains(t, msg.text, "@newschannel")
	assert.Contains(t, msg.text, `tg://user?id=42`)

	require.NotNil(t, msg.markup)
	require.Len(t, msg.markup.InlineKeyboard, 1)
	require.Len(t, msg.markup.InlineKeyboard[0], 1)
	assert.Equal(t, "verify:42:-1009876", msg.markup.InlineKeyboard[0][0].CallbackData)
}

func TestApplyRestrictedWithoutOffendingMessage(t *testing.T) {
	actions := newFakeActions()
	svc := newService(actions)
	verdict := verification.Restricted(testChannel(), false)

	err := svc.Apply(context.Background(), testGroup(nil), testUserID, "Alice", verdict, 0)
	require.NoError(t, err)

	assert.Empty(t, actions.deleted)
	assert.Len(t, actions.sent, 1)
}

func TestApplyRestrictedRollsBackMuteWhenChallengeFails(t *testing.T) {
	actions := newFakeActions()
	actions.sendErr = errors.New("forbidden: not enough rights")
	svc := newService(actions)
	verdict := verification.Restricted(testChannel(), false)

	err := svc.Apply(context.Background(), testGroup(nil), testUserID, "Alice", verdict, 0)
	require.Error(t, err)

	// The user must not be left silently muted.
	assert.Equal(t, []platform.UserID{testUserID}, actions.muted)
	assert.Equal(t, []platform.UserID{testUserID}, actions.unmuted)
	assert.False(t, svc.challenges.peek(testGroupID, testUserID))
}

func TestApplyRestrictedMuteFailureStopsShort(t *testing.T) {
	actions := newFakeActions()
	actions.muteErr = &tgfacade.APIError{Method: "restrictChatMember", Category: tgfacade.CategoryPermissionDenied, Code: 403}
	svc := newService(actions)
	verdict := verification.Restricted(testChannel(), false)

	err := svc.Apply(context.Background(), testGroup(nil), testUserID, "Alice", verdict, 321)
	require.Error(t, err)
	assert.Empty(t, actions.deleted)
	assert.Empty(t, actions.sent)
}

func TestApplyVerifiedWithoutChallengeIsNoOp(t *testing.T) {
	actions := newFakeActions()
	svc := newService(actions)
	verdict := verification.Verified(false)

	err := svc.Apply(context.Background(), testGroup(nil), testUserID, "Alice", verdict, 0)
	require.NoError(t, err)

	assert.Empty(t, actions.unmuted)
	assert.Empty(t, actions.deleted)
	assert.Empty(t, actions.sent)
}

func TestApplyVerifiedAfterRestrictedLiftsAndCleansUp(t *testing.T) {
	actions := newFakeActions()
	svc := newService(actions)

	err := svc.Apply(context.Background(), testGroup(nil), testUserID, "Alice", verification.Restricted(testChannel(), false), 0)
	require.NoError(t, err)
	challengeID := actions.nextMsgID

	err = svc.Apply(context.Background(), testGroup(nil), testUserID, "Alice", verification.Verified(false), 0)
	require.NoError(t, err)

	assert.Equal(t, []platform.UserID{testUserID}, actions.unmuted)
	assert.Equal(t, []int64{challengeID}, actions.deleted)
	assert.False(t, svc.challenges.peek(testGroupID, testUserID))
}

func TestApplyVerifiedToastWhenEnabled(t *testing.T) {
	actions := newFakeActions()
	svc := newService(actions)
	group := testGroup(map[string]string{"verified_toast": "true"})

	require.NoError(t, svc.Apply(context.Background(), group, testUserID, "Alice", verification.Restricted(testChannel(), false), 0))
	require.NoError(t, svc.Apply(context.Background(), group, testUserID, "Alice", verification.Verified(false), 0))

	require.Len(t, actions.sent, 2)
	toast := actions.sent[1]
	assert.Contains(t, toast.text, "verified")
	assert.Nil(t, toast.markup)
}

func TestLiftUnmutesWithoutTrackedChallenge(t *testing.T) {
	actions := newFakeActions()
	svc := newService(actions)

	// Simulates a restart losing the tracker while a challenge button
	// still exists in the group.
	err := svc.Lift(context.Background(), testGroup(nil), testUserID, "Alice")
	require.NoError(t, err)

	assert.Equal(t, []platform.UserID{testUserID}, actions.unmuted)
	assert.Empty(t, actions.deleted)
}

func TestApplyErrorVerdictTouchesNothing(t *testing.T) {
	actions := newFakeActions()
	svc := newService(actions)
	verdict := verification.Failed(verification.ErrorKindTelegram, errors.New("boom"))

	err := svc.Apply(context.Background(), testGroup(nil), testUserID, "Alice", verdict, 321)
	require.Error(t, err)

	assert.Empty(t, actions.muted)
	assert.Empty(t, actions.unmuted)
	assert.Empty(t, actions.deleted)
	assert.Empty(t, actions.sent)
}

func TestChallengeMentionEscapesDisplayName(t *testing.T) {
	actions := newFakeActions()
	svc := newService(actions)

	err := svc.Apply(context.Background(), testGroup(nil), testUserID, `<b>Eve</b>`, verification.Restricted(testChannel(), false), 0)
	require.NoError(t, err)

	require.Len(t, actions.sent, 1)
	assert.False(t, strings.Contains(actions.sent[0].text, "<b>Eve</b>"))
	assert.Contains(t, actions.sent[0].text, "&lt;b&gt;Eve&lt;/b&gt;")
}
