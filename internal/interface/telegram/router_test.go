package telegram

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nezuko-bot/nezuko-core/internal/domain/platform"
	"github.com/nezuko-bot/nezuko-core/internal/domain/verification"
)

// ══════════════════════════════════════════════════════════════════════════════
// FAKES
// ══════════════════════════════════════════════════════════════════════════════

type verifyCall struct {
	groupID platform.ChatID
	userID  platform.UserID
}

type fakeVerifier struct {
	verdicts map[platform.UserID]verification.Verdict
	err      error
	calls    []verifyCall
}

func (f *fakeVerifier) Verify(_ context.Context, groupID platform.ChatID, userID platform.UserID) (verification.Verdict, error) {
	f.calls = append(f.calls, verifyCall{groupID: groupID, userID: userID})
	if f.err != nil {
		return verification.Verdict{}, f.err
	}
	if v, ok := f.verdicts[userID]; ok {
		return v, nil
	}
	return verification.Verified(false), nil
}

type applyCall struct {
	groupID            platform.ChatID
	userID             platform.UserID
	status             verification.Status
	offendingMessageID int64
}

type fakeEnforcer struct {
	applies []applyCall
	lifts   []platform.UserID
}

func (f *fakeEnforcer) Apply(_ context.Context, group platform.ProtectedGroup, userID platform.UserID, _ string, verdict verification.Verdict, offendingMessageID int64) error {
	f.applies = append(f.applies, applyCall{
		groupID:            group.GroupID,
		userID:             userID,
		status:             verdict.Status,
		offendingMessageID: offendingMessageID,
	})
	return nil
}

func (f *fakeEnforcer) Lift(_ context.Context, _ platform.ProtectedGroup, userID platform.UserID, _ string) error {
	f.lifts = append(f.lifts, userID)
	return nil
}

type answeredCallback struct {
	id        string
	text      string
	showAlert bool
}

type fakeAPI struct {
	sent      []string
	answered  []answeredCallback
	chats     map[platform.ChatID]*gotgbot.ChatFullInfo
	chatNames map[string]*gotgbot.ChatFullInfo
}

func (f *fakeAPI) SendMessage(_ context.Context, _ platform.ChatID, text string, _ *gotgbot.InlineKeyboardMarkup) (int64, error) {
	f.sent = append(f.sent, text)
	return int64(len(f.sent)), nil
}

func (f *fakeAPI) AnswerCallbackQuery(_ context.Context, id, text string, showAlert bool) error {
	f.answered = append(f.answered, answeredCallback{id: id, text: text, showAlert: showAlert})
	return nil
}

func (f *fakeAPI) GetChat(_ context.Context, chatID platform.ChatID) (*gotgbot.ChatFullInfo, error) {
	if c, ok := f.chats[chatID]; ok {
		return c, nil
	}
	return nil, platform.ErrNotFound
}

func (f *fakeAPI) GetChatByUsername(_ context.Context, username string) (*gotgbot.ChatFullInfo, error) {
	if c, ok := f.chatNames[username]; ok {
		return c, nil
	}
	return nil, platform.ErrNotFound
}

// fakeGroupStore implements platform.GroupStore over in-memory maps.
type fakeGroupStore struct {
	groups    map[platform.ChatID]platform.ProtectedGroup
	channels  map[platform.ChatID][]platform.EnforcedChannel
	dependent map[platform.ChatID][]platform.ProtectedGroup

	upsertedGroups   []platform.ProtectedGroup
	upsertedChannels []platform.EnforcedChannel
	links            [][2]int64
	disabled         []platform.ChatID
}

func newFakeGroupStore() *fakeGroupStore {
	return &fakeGroupStore{
		groups:    make(map[platform.ChatID]platform.ProtectedGroup),
		channels:  make(map[platform.ChatID][]platform.EnforcedChannel),
		dependent: make(map[platform.ChatID][]platform.ProtectedGroup),
	}
}

func (f *fakeGroupStore) GetGroupWithChannels(_ context.Context, _ int64, groupID platform.ChatID) (platform.ProtectedGroup, []platform.EnforcedChannel, error) {
	g, ok := f.groups[groupID]
	if !ok {
		return platform.ProtectedGroup{}, nil, platform.ErrNotFound
	}
	return g, f.channels[groupID], nil
}

func (f *fakeGroupStore) GroupsRequiringChannel(_ context.Context, _ int64, channelID platform.ChatID) ([]platform.ProtectedGroup, error) {
	return f.dependent[channelID], nil
}

func (f *fakeGroupStore) UpsertGroup(_ context.Context, group platform.ProtectedGroup) (platform.ProtectedGroup, error) {
	group.ID = int64(len(f.upsertedGroups) + 1)
	f.upsertedGroups = append(f.upsertedGroups, group)
	f.groups[group.GroupID] = group
	return group, nil
}

func (f *fakeGroupStore) SetGroupEnabled(_ context.Context, _ int64, groupID platform.ChatID, enabled bool) error {
	g, ok := f.groups[groupID]
	if !ok {
		return platform.ErrNotFound
	}
	g.Enabled = enabled
	f.groups[groupID] = g
	if !enabled {
		f.disabled = append(f.disabled, groupID)
	}
	return nil
}

func (f *fakeGroupStore) DeleteGroup(_ context.Context, _ int64, groupID platform.ChatID) error {
	delete(f.groups, groupID)
	return nil
}

func (f *fakeGroupStore) UpsertChannel(_ context.Context, channel platform.EnforcedChannel) (platform.EnforcedChannel, error) {
	channel.ID = int64(len(f.upsertedChannels) + 1)
	f.upsertedChannels = append(f.upsertedChannels, channel)
	return channel, nil
}

func (f *fakeGroupStore) LinkChannel(_ context.Context, groupRowID, channelRowID int64) error {
	f.links = append(f.links, [2]int64{groupRowID, channelRowID})
	return nil
}

func (f *fakeGroupStore) UnlinkChannel(_ context.Context, _, _ int64) error { return nil }

func (f *fakeGroupStore) RecentGroupUsers(_ context.Context, _ platform.ChatID, _ time.Duration, _ int) ([]platform.UserID, error) {
	return nil, nil
}

type fakeBotStore struct {
	owners []platform.Owner
}

func (f *fakeBotStore) LoadActiveBots(context.Context) ([]platform.BotInstance, error) {
	return nil, nil
}

func (f *fakeBotStore) GetBotByID(context.Context, int64) (platform.BotInstance, error) {
	return platform.BotInstance{}, platform.ErrNotFound
}

func (f *fakeBotStore) UpsertOwner(_ context.Context, owner platform.Owner) error {
	f.owners = append(f.owners, owner)
	return nil
}

type invalidation struct {
	channelID platform.ChatID
	userID    platform.UserID
}

type fakeCache struct {
	invalidated []invalidation
}

func (f *fakeCache) Get(context.Context, int64, platform.ChatID, platform.UserID) (verification.MembershipState, bool) {
	return "", false
}

func (f *fakeCache) Set(context.Context, int64, platform.ChatID, platform.UserID, verification.MembershipState) {
}

func (f *fakeCache) Invalidate(_ context.Context, _ int64, channelID platform.ChatID, userID platform.UserID) error {
	f.invalidated = append(f.invalidated, invalidation{channelID: channelID, userID: userID})
	return nil
}

func (f *fakeCache) InvalidateChannel(context.Context, int64, platform.ChatID) error { return nil }

// ──────────────────────────────────────────────────────────────────────────────
// Fixtures
// ──────────────────────────────────────────────────────────────────────────────

const (
	groupChatID   = platform.ChatID(-1001234)
	channelChatID = platform.ChatID(-1009876)
	memberUserID  = int64(42)
	ownerUserID   = int64(7)
)

type routerEnv struct {
	router   *Router
	verifier *fakeVerifier
	enforcer *fakeEnforcer
	api      *fakeAPI
	groups   *fakeGroupStore
	bots     *fakeBotStore
	cache    *fakeCache
}

func newRouterEnv() *routerEnv {
	env := &routerEnv{
		verifier: &fakeVerifier{verdicts: make(map[platform.UserID]verification.Verdict)},
		enforcer: &fakeEnforcer{},
		api: &fakeAPI{
			chats:     make(map[platform.ChatID]*gotgbot.ChatFullInfo),
			chatNames: make(map[string]*gotgbot.ChatFullInfo),
		},
		groups: newFakeGroupStore(),
		bots:   &fakeBotStore{},
		cache:  &fakeCache{},
	}
	env.groups.groups[groupChatID] = platform.ProtectedGroup{
		ID:      1,
		GroupID: groupChatID,
		Enabled: true,
	}

	bot := platform.BotInstance{
		ID:          11,
		OwnerUserID: platform.UserID(ownerUserID),
		BotUsername: "nezuko_bot",
		IsActive:    true,
	}
	logger := slog.New(slog.NewTextHandler(discardWriter{}, nil))
	env.router = NewRouter(bot, env.api, env.verifier, env.enforcer, env.groups, env.bots, env.cache, logger)
	return env
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func groupMessage(from int64, text string, messageID int64) gotgbot.Update {
	return gotgbot.Update{
		UpdateId: 1,
		Message: &gotgbot.Message{
			MessageId: messageID,
			Chat:      gotgbot.Chat{Id: int64(groupChatID), Type: "supergroup", Title: "Test Group"},
			From:      &gotgbot.User{Id: from, FirstName: "Alice"},
			Text:      text,
		},
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// TESTS
// ══════════════════════════════════════════════════════════════════════════════

func TestDispatchGroupMessageRestrictedReachesEnforcement(t *testing.T) {
	env := newRouterEnv()
	ch := platform.EnforcedChannel{ID: 5, ChannelID: channelChatID, Username: "news"}
	env.verifier.verdicts[platform.UserID(memberUserID)] = verification.Restricted(ch, false)

	env.router.Dispatch(context.Background(), groupMessage(memberUserID, "hello", 555))

	require.Len(t, env.enforcer.applies, 1)
	call := env.enforcer.applies[0]
	assert.Equal(t, groupChatID, call.groupID)
	assert.Equal(t, platform.UserID(memberUserID), call.userID)
	assert.Equal(t, verification.StatusRestricted, call.status)
	assert.Equal(t, int64(555), call.offendingMessageID)
}

func TestDispatchGroupMessageVerifiedStillAppliesForLift(t *testing.T) {
	env := newRouterEnv()

	env.router.Dispatch(context.Background(), groupMessage(memberUserID, "hello", 556))

	require.Len(t, env.enforcer.applies, 1)
	assert.Equal(t, verification.StatusVerified, env.enforcer.applies[0].status)
}

func TestDispatchUnprotectedGroupIsSilent(t *testing.T) {
	env := newRouterEnv()
	env.verifier.err = verification.ErrNoVerdict

	env.router.Dispatch(context.Background(), groupMessage(memberUserID, "hello", 1))

	assert.Empty(t, env.enforcer.applies)
	assert.Empty(t, env.api.sent)
}

func TestDispatchNewMembersVerifiesEachHuman(t *testing.T) {
	env := newRouterEnv()
	upd := gotgbot.Update{
		Message: &gotgbot.Message{
			Chat: gotgbot.Chat{Id: int64(groupChatID), Type: "supergroup"},
			From: &gotgbot.User{Id: 99},
			NewChatMembers: []gotgbot.User{
				{Id: 100, FirstName: "Bob"},
				{Id: 101, FirstName: "Spam", IsBot: true},
				{Id: 102, FirstName: "Carol"},
			},
		},
	}

	env.router.Dispatch(context.Background(), upd)

	require.Len(t, env.verifier.calls, 2)
	assert.Equal(t, platform.UserID(100), env.verifier.calls[0].userID)
	assert.Equal(t, platform.UserID(102), env.verifier.calls[1].userID)
}

func TestDispatchChannelLeaveInvalidatesAndReverifies(t *testing.T) {
	env := newRouterEnv()
	env.groups.dependent[channelChatID] = []platform.ProtectedGroup{env.groups.groups[groupChatID]}
	ch := platform.EnforcedChannel{ID: 5, ChannelID: channelChatID}
	env.verifier.verdicts[platform.UserID(memberUserID)] = verification.Restricted(ch, false)

	upd := gotgbot.Update{
		ChatMember: &gotgbot.ChatMemberUpdated{
			Chat: gotgbot.Chat{Id: int64(channelChatID), Type: "channel"},
			NewChatMember: gotgbot.ChatMemberLeft{
				User: gotgbot.User{Id: memberUserID, FirstName: "Alice"},
			},
		},
	}

	env.router.Dispatch(context.Background(), upd)

	require.Len(t, env.cache.invalidated, 1)
	assert.Equal(t, channelChatID, env.cache.invalidated[0].channelID)

	require.Len(t, env.enforcer.applies, 1)
	assert.Equal(t, verification.StatusRestricted, env.enforcer.applies[0].status)
}

func TestDispatchChannelJoinInvalidatesWithoutReverify(t *testing.T) {
	env := newRouterEnv()
	env.groups.dependent[channelChatID] = []platform.ProtectedGroup{env.groups.groups[groupChatID]}

	upd := gotgbot.Update{
		ChatMember: &gotgbot.ChatMemberUpdated{
			Chat: gotgbot.Chat{Id: int64(channelChatID), Type: "channel"},
			NewChatMember: gotgbot.ChatMemberMember{
				User: gotgbot.User{Id: memberUserID},
			},
		},
	}

	env.router.Dispatch(context.Background(), upd)

	assert.Len(t, env.cache.invalidated, 1)
	assert.Empty(t, env.verifier.calls)
}

func TestCallbackVerifiedLiftsAndAnswers(t *testing.T) {
	env := newRouterEnv()

	upd := gotgbot.Update{
		CallbackQuery: &gotgbot.CallbackQuery{
			Id:   "cb1",
			From: gotgbot.User{Id: memberUserID, FirstName: "Alice"},
			Data: "verify:42:-1009876",
			Message: &gotgbot.Message{
				MessageId: 77,
				Chat:      gotgbot.Chat{Id: int64(groupChatID), Type: "supergroup"},
			},
		},
	}

	env.router.Dispatch(context.Background(), upd)

	assert.Equal(t, []platform.UserID{platform.UserID(memberUserID)}, env.enforcer.lifts)
	require.Len(t, env.api.answered, 1)
	assert.Contains(t, env.api.answered[0].text, "Verified")
	assert.False(t, env.api.answered[0].showAlert)
}

func TestCallbackStillRestrictedNamesChannel(t *testing.T) {
	env := newRouterEnv()
	ch := platform.EnforcedChannel{ID: 5, ChannelID: channelChatID, Username: "news"}
	env.verifier.verdicts[platform.UserID(memberUserID)] = verification.Restricted(ch, false)

	upd := gotgbot.Update{
		CallbackQuery: &gotgbot.CallbackQuery{
			Id:   "cb2",
			From: gotgbot.User{Id: memberUserID},
			Data: "verify:42:-1009876",
			Message: &gotgbot.Message{
				Chat: gotgbot.Chat{Id: int64(groupChatID), Type: "supergroup"},
			},
		},
	}

	env.router.Dispatch(context.Background(), upd)

	assert.Empty(t, env.enforcer.lifts)
	require.Len(t, env.api.answered, 1)
	assert.Contains(t, env.api.answered[0].text, "@news")
	assert.True(t, env.api.answered[0].showAlert)
}

func TestCallbackFromWrongUserIsRefused(t *testing.T) {
	env := newRouterEnv()

	upd := gotgbot.Update{
		CallbackQuery: &gotgbot.CallbackQuery{
			Id:   "cb3",
			From: gotgbot.User{Id: 9999},
			Data: "verify:42:-1009876",
			Message: &gotgbot.Message{
				Chat: gotgbot.Chat{Id: int64(groupChatID), Type: "supergroup"},
			},
		},
	}

	env.router.Dispatch(context.Background(), upd)

	assert.Empty(t, env.verifier.calls)
	require.Len(t, env.api.answered, 1)
	assert.Contains(t, env.api.answered[0].text, "not for you")
}

func TestParseCallbackData(t *testing.T) {
	userID, channelID, ok := parseCallbackData("verify:42:-1009876")
	require.True(t, ok)
	assert.Equal(t, platform.UserID(42), userID)
	assert.Equal(t, platform.ChatID(-1009876), channelID)

	for _, bad := range []string{"", "verify:", "verify:a:b", "other:1:2", "verify:1:2:3"} {
		_, _, ok := parseCallbackData(bad)
		assert.False(t, ok, bad)
	}
}
