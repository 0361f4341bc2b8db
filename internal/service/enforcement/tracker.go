// Package enforcement applies membership verdicts to Telegram groups:
// muting, unmuting, deleting offending messages and managing challenge
// messages.
package enforcement

import (
	"sync"
	"time"

	"github.com/nezuko-bot/nezuko-core/internal/domain/platform"
)

// ══════════════════════════════════════════════════════════════════════════════
// CHALLENGE TRACKER
// Ephemeral map (group, user) -> challenge message id, so the verified
// transition knows which message to delete. Entries expire after an hour;
// losing the map over a crash only orphans challenge messages, never
// correctness.
// ══════════════════════════════════════════════════════════════════════════════

// challengeTTL is how long a tracked challenge survives.
const challengeTTL = time.Hour

// challengeKey identifies one pending challenge.
type challengeKey struct {
	groupID platform.ChatID
	userID  platform.UserID
}

// challenge is one tracked challenge message.
type challenge struct {
	messageID int64
	createdAt time.Time
}

// challengeTracker is a TTL map of pending challenges.
type challengeTracker struct {
	mu      sync.Mutex
	entries map[challengeKey]challenge
}

func newChallengeTracker() *challengeTracker {
	return &challengeTracker{entries: make(map[challengeKey]challenge)}
}

// remember stores the challenge message for (group, user), replacing any
// previous one.
func (t *challengeTracker) remember(groupID platform.ChatID, userID platform.UserID, messageID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[challengeKey{groupID, userID}] = challenge{messageID: messageID, createdAt: time.Now()}
}

// take removes and returns the tracked challenge message id, if any live
// entry exists.
func (t *challengeTracker) take(groupID platform.ChatID, userID platform.UserID) (int64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := challengeKey{groupID, userID}
	c, ok := t.entries[key]
	if !ok {
		return 0, false
	}
	delete(t.entries, key)

	if time.Since(c.createdAt) > challengeTTL {
		return 0, false
	}
	return c.messageID, true
}

// peek reports whether a live challenge is tracked without removing it.
func (t *challengeTracker) peek(groupID platform.ChatID, userID platform.UserID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.entries[challengeKey{groupID, userID}]
	return ok && time.Since(c.createdAt) <= challengeTTL
}

// prune drops expired entries. Called opportunistically by the service.
func (t *challengeTracker) prune() {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	for key, c := range t.entries {
		if now.Sub(c.createdAt) > challengeTTL {
			delete(t.entries, key)
		}
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// KEYED MUTEX
// Serializes enforcement per (group, user) so two concurrent verdicts for
// the same user cannot interleave a mute and an unmute.
// ══════════════════════════════════════════════════════════════════════════════

// keyedMutex hands out one mutex per key, dropping it when unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[challengeKey]*keyedLock
}

type keyedLock struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[challengeKey]*keyedLock)}
}

// lock acquires the mutex for (group, user) and returns its unlock func.
func (m *keyedMutex) lock(groupID platform.ChatID, userID platform.UserID) func() {
	key := challengeKey{groupID, userID}

	m.mu.Lock()
	l, ok := m.locks[key]
	if !ok {
		l = &keyedLock{}
		m.locks[key] = l
	}
	l.refs++
	m.mu.Unlock()

	l.Lock()

	return func() {
		l.Unlock()

		m.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(m.locks, key)
		}
		m.mu.Unlock()
	}
}
