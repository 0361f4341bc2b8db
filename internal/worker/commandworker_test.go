package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nezuko-bot/nezuko-core/internal/domain/platform"
	"github.com/nezuko-bot/nezuko-core/internal/domain/verification"
	"github.com/nezuko-bot/nezuko-core/internal/infrastructure/metrics"
)

// ══════════════════════════════════════════════════════════════════════════════
// FAKES
// ══════════════════════════════════════════════════════════════════════════════

type fakeQueue struct {
	mu        sync.Mutex
	pending   []platform.AdminCommand
	completed []uuid.UUID
	failed    map[uuid.UUID]string
	reaped    int
}

func newFakeQueue(commands ...platform.AdminCommand) *fakeQueue {
	return &fakeQueue{pending: commands, failed: make(map[uuid.UUID]string)}
}

func (q *fakeQueue) ClaimNextPendingCommands(_ context.Context, _ int64, limit int) ([]platform.AdminCommand, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := min(limit, len(q.pending))
	claimed := q.pending[:n]
	q.pending = q.pending[n:]
	return claimed, nil
}

func (q *fakeQueue) CompleteCommand(_ context.Context, id uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.completed = append(q.completed, id)
	return nil
}

func (q *fakeQueue) FailCommand(_ context.Context, id uuid.UUID, errText string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.failed[id] = errText
	return nil
}

func (q *fakeQueue) ReapStaleProcessingCommands(_ context.Context, _ time.Duration) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.reaped, nil
}

type banCall struct {
	chatID platform.ChatID
	userID platform.UserID
}

type fakeModAPI struct {
	banned   []banCall
	unbanned []banCall
	sent     []string
	banErr   error
}

func (f *fakeModAPI) BanUser(_ context.Context, chatID platform.ChatID, userID platform.UserID) error {
	if f.banErr != nil {
		return f.banErr
	}
	f.banned = append(f.banned, banCall{chatID, userID})
	return nil
}

func (f *fakeModAPI) UnbanUser(_ context.Context, chatID platform.ChatID, userID platform.UserID) error {
	f.unbanned = append(f.unbanned, banCall{chatID, userID})
	return nil
}

func (f *fakeModAPI) SendMessage(_ context.Context, _ platform.ChatID, text string, _ *gotgbot.InlineKeyboardMarkup) (int64, error) {
	f.sent = append(f.sent, text)
	return int64(len(f.sent)), nil
}

type fakeGroupReader struct {
	group    platform.ProtectedGroup
	channels []platform.EnforcedChannel
	recent   []platform.UserID
}

func (f *fakeGroupReader) GetGroupWithChannels(context.Context, int64, platform.ChatID) (platform.ProtectedGroup, []platform.EnforcedChannel, error) {
	return f.group, f.channels, nil
}

func (f *fakeGroupReader) GroupsRequiringChannel(context.Context, int64, platform.ChatID) ([]platform.ProtectedGroup, error) {
	return nil, nil
}

func (f *fakeGroupReader) UpsertGroup(_ context.Context, g platform.ProtectedGroup) (platform.ProtectedGroup, error) {
	return g, nil
}

func (f *fakeGroupReader) SetGroupEnabled(context.Context, int64, platform.ChatID, bool) error {
	return nil
}

func (f *fakeGroupReader) DeleteGroup(context.Context, int64, platform.ChatID) error { return nil }

func (f *fakeGroupReader) UpsertChannel(_ context.Context, c platform.EnforcedChannel) (platform.EnforcedChannel, error) {
	return c, nil
}

func (f *fakeGroupReader) LinkChannel(context.Context, int64, int64) error   { return nil }
func (f *fakeGroupReader) UnlinkChannel(context.Context, int64, int64) error { return nil }

func (f *fakeGroupReader) RecentGroupUsers(context.Context, platform.ChatID, time.Duration, int) ([]platform.UserID, error) {
	return f.recent, nil
}

type fakeAuditLog struct {
	entries []string
}

func (f *fakeAuditLog) RecordAdminLog(_ context.Context, _ int64, action, detail string) error {
	f.entries = append(f.entries, action+": "+detail)
	return nil
}

type fakeCache struct {
	invalidatedChannels []platform.ChatID
}

func (f *fakeCache) Get(context.Context, int64, platform.ChatID, platform.UserID) (verification.MembershipState, bool) {
	return "", false
}

func (f *fakeCache) Set(context.Context, int64, platform.ChatID, platform.UserID, verification.MembershipState) {
}

func (f *fakeCache) Invalidate(context.Context, int64, platform.ChatID, platform.UserID) error {
	return nil
}

func (f *fakeCache) InvalidateChannel(_ context.Context, _ int64, channelID platform.ChatID) error {
	f.invalidatedChannels = append(f.invalidatedChannels, channelID)
	return nil
}

type fakeVerifier struct {
	verdicts map[platform.UserID]verification.Verdict
	calls    []platform.UserID
}

func (f *fakeVerifier) Verify(_ context.Context, _ platform.ChatID, userID platform.UserID) (verification.Verdict, error) {
	f.calls = append(f.calls, userID)
	if v, ok := f.verdicts[userID]; ok {
		return v, nil
	}
	return verification.Verified(false), nil
}

type fakeEnforcer struct {
	applied []platform.UserID
}

func (f *fakeEnforcer) Apply(_ context.Context, _ platform.ProtectedGroup, userID platform.UserID, _ string, _ verification.Verdict, _ int64) error {
	f.applied = append(f.applied, userID)
	return nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Fixtures
// ──────────────────────────────────────────────────────────────────────────────

func command(t *testing.T, cmdType platform.CommandType, payload any) platform.AdminCommand {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return platform.AdminCommand{
		ID:        uuid.New(),
		Type:      cmdType,
		Payload:   raw,
		Status:    platform.CommandProcessing,
		Attempts:  1,
		CreatedBy: "dashboard",
	}
}

type workerEnv struct {
	worker   *CommandWorker
	queue    *fakeQueue
	api      *fakeModAPI
	groups   *fakeGroupReader
	audit    *fakeAuditLog
	cache    *fakeCache
	verifier *fakeVerifier
	enforcer *fakeEnforcer
}

func newWorkerEnv(queue *fakeQueue) *workerEnv {
	env := &workerEnv{
		queue:    queue,
		api:      &fakeModAPI{},
		groups:   &fakeGroupReader{group: platform.ProtectedGroup{ID: 1, GroupID: -1001, Enabled: true}},
		audit:    &fakeAuditLog{},
		cache:    &fakeCache{},
		verifier: &fakeVerifier{verdicts: make(map[platform.UserID]verification.Verdict)},
		enforcer: &fakeEnforcer{},
	}
	logger := slog.New(slog.NewTextHandler(nullWriter{}, nil))
	env.worker = NewCommandWorker(11, queue, env.groups, env.audit, env.cache, env.api, env.verifier, env.enforcer, nil, metrics.NewNop(), logger)
	return env
}

type nullWriter struct{}

func (nullWriter) Write(p []byte) (int, error) { return len(p), nil }

// ══════════════════════════════════════════════════════════════════════════════
// TESTS
// ══════════════════════════════════════════════════════════════════════════════

func TestDrainExecutesBanAndCompletes(t *testing.T) {
	cmd := command(t, platform.CommandBanUser, platform.BanUserPayload{ChatID: -1001, UserID: 42})
	env := newWorkerEnv(newFakeQueue(cmd))

	env.worker.drain(context.Background())

	require.Len(t, env.api.banned, 1)
	assert.Equal(t, platform.ChatID(-1001), env.api.banned[0].chatID)
	assert.Equal(t, platform.UserID(42), env.api.banned[0].userID)
	assert.Equal(t, []uuid.UUID{cmd.ID}, env.queue.completed)
	require.Len(t, env.audit.entries, 1)
	assert.Contains(t, env.audit.entries[0], "ban_user")
}

func TestDrainUnbanAndSendMessage(t *testing.T) {
	unban := command(t, platform.CommandUnbanUser, platform.BanUserPayload{ChatID: -1001, UserID: 42})
	send := command(t, platform.CommandSendMessage, platform.SendMessagePayload{ChatID: -1001, Text: "maintenance at noon"})
	env := newWorkerEnv(newFakeQueue(unban, send))

	env.worker.drain(context.Background())

	assert.Len(t, env.api.unbanned, 1)
	assert.Equal(t, []string{"maintenance at noon"}, env.api.sent)
	assert.Len(t, env.queue.completed, 2)
}

func TestDrainFailedCommandIsRecorded(t *testing.T) {
	cmd := command(t, platform.CommandBanUser, platform.BanUserPayload{ChatID: -1001, UserID: 42})
	env := newWorkerEnv(newFakeQueue(cmd))
	env.api.banErr = errors.New("forbidden: bot is not an administrator")

	env.worker.drain(context.Background())

	assert.Empty(t, env.queue.completed)
	assert.Contains(t, env.queue.failed[cmd.ID], "forbidden")
	assert.Empty(t, env.audit.entries)
}

func TestDrainUnknownTypeFails(t *testing.T) {
	cmd := platform.AdminCommand{ID: uuid.New(), Type: "explode", Payload: json.RawMessage(`{}`)}
	env := newWorkerEnv(newFakeQueue(cmd))

	env.worker.drain(context.Background())

	assert.Contains(t, env.queue.failed[cmd.ID], "unknown command type")
}

func TestDrainBadPayloadFails(t *testing.T) {
	cmd := platform.AdminCommand{ID: uuid.New(), Type: platform.CommandBanUser, Payload: json.RawMessage(`{`)}
	env := newWorkerEnv(newFakeQueue(cmd))

	env.worker.drain(context.Background())

	assert.Contains(t, env.queue.failed[cmd.ID], "payload")
}

func TestResyncChannelInvalidatesCache(t *testing.T) {
	cmd := command(t, platform.CommandResyncChannel, platform.ResyncChannelPayload{ChannelID: -1009876})
	env := newWorkerEnv(newFakeQueue(cmd))

	env.worker.drain(context.Background())

	assert.Equal(t, []platform.ChatID{platform.ChatID(-1009876)}, env.cache.invalidatedChannels)
	assert.Len(t, env.queue.completed, 1)
}

func TestResyncGroupInvalidatesAndReverifiesRecentUsers(t *testing.T) {
	cmd := command(t, platform.CommandResyncGroup, platform.ResyncGroupPayload{GroupID: -1001})
	env := newWorkerEnv(newFakeQueue(cmd))
	env.groups.channels = []platform.EnforcedChannel{{ID: 5, ChannelID: -1009876}}
	env.groups.recent = []platform.UserID{42, 43}
	env.verifier.verdicts[43] = verification.Restricted(platform.EnforcedChannel{ChannelID: -1009876}, false)

	env.worker.drain(context.Background())

	assert.Equal(t, []platform.ChatID{platform.ChatID(-1009876)}, env.cache.invalidatedChannels)
	assert.Equal(t, []platform.UserID{42, 43}, env.verifier.calls)
	assert.Equal(t, []platform.UserID{42, 43}, env.enforcer.applied)
	assert.Len(t, env.queue.completed, 1)
}

func TestRunWakesOnSignal(t *testing.T) {
	cmd := command(t, platform.CommandSendMessage, platform.SendMessagePayload{ChatID: -1001, Text: "hi"})
	queue := newFakeQueue()
	env := newWorkerEnv(queue)

	wake := make(chan struct{}, 1)
	env.worker.wake = wake

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = env.worker.Run(ctx)
		close(done)
	}()

	queue.mu.Lock()
	queue.pending = append(queue.pending, cmd)
	queue.mu.Unlock()
	wake <- struct{}{}

	require.Eventually(t, func() bool {
		queue.mu.Lock()
		defer queue.mu.Unlock()
		return len(queue.completed) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestFailedCommandErrorStaysShort(t *testing.T) {
	cmd := command(t, platform.CommandBanUser, platform.BanUserPayload{ChatID: -1001, UserID: 42})
	env := newWorkerEnv(newFakeQueue(cmd))
	env.api.banErr = errors.New(strings.Repeat("x", 2*platform.MaxCommandErrorLen))

	env.worker.drain(context.Background())

	// Truncation to MaxCommandErrorLen happens in the repository; the worker
	// passes the raw text through.
	assert.NotEmpty(t, env.queue.failed[cmd.ID])
}
