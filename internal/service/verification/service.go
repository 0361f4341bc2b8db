// Package verification implements the verdict engine: given (bot, group,
// user), decide whether the user is authorized by checking membership in
// every channel the group requires.
package verification

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/nezuko-bot/nezuko-core/internal/domain/platform"
	"github.com/nezuko-bot/nezuko-core/internal/domain/verification"
	"github.com/nezuko-bot/nezuko-core/internal/infrastructure/metrics"
)

// ══════════════════════════════════════════════════════════════════════════════
// VERIFICATION SERVICE
// ══════════════════════════════════════════════════════════════════════════════

// GroupResolver is the slice of the persistence gateway the service needs.
type GroupResolver interface {
	GetGroupWithChannels(ctx context.Context, botInstanceID int64, groupID platform.ChatID) (platform.ProtectedGroup, []platform.EnforcedChannel, error)
}

// Service decides membership verdicts. Safe for concurrent use.
type Service struct {
	botInstanceID int64
	groups        GroupResolver
	checker       verification.ChannelChecker
	cache         verification.MembershipCache
	sink          verification.LogSink
	metrics       *metrics.Metrics
	logger        *slog.Logger
}

// New creates a verification service for one bot.
func New(botInstanceID int64, groups GroupResolver, checker verification.ChannelChecker, cache verification.MembershipCache, sink verification.LogSink, m *metrics.Metrics, logger *slog.Logger) *Service {
	return &Service{
		botInstanceID: botInstanceID,
		groups:        groups,
		checker:       checker,
		cache:         cache,
		sink:          sink,
		metrics:       m,
		logger:        logger.With("component", "verification", "bot_instance_id", botInstanceID),
	}
}

// Verify decides whether the user may participate in the group. The ALL
// policy applies: the user must be a member of every linked channel.
// Returns verification.ErrNoVerdict when the group is not protected under
// this bot.
func (s *Service) Verify(ctx context.Context, groupID platform.ChatID, userID platform.UserID) (verification.Verdict, error) {
	start := time.Now()

	group, channels, err := s.groups.GetGroupWithChannels(ctx, s.botInstanceID, groupID)
	if err != nil {
		if errors.Is(err, platform.ErrNotFound) {
			return verification.Verdict{}, verification.ErrNoVerdict
		}
		verdict := verification.Failed(verification.ErrorKindStorage, err)
		s.finish(verdict, groupID, userID, start)
		return verdict, nil
	}

	// A disabled group or one with nothing to enforce admits everyone.
	if !group.Enabled || len(channels) == 0 {
		verdict := verification.Verified(false)
		s.finish(verdict, groupID, userID, start)
		return verdict, nil
	}

	verdict := s.checkChannels(ctx, channels, userID)
	s.finish(verdict, groupID, userID, start)
	return verdict, nil
}

// checkChannels applies the ALL policy across the required channels,
// short-circuiting on the first non-member.
func (s *Service) checkChannels(ctx context.Context, channels []platform.EnforcedChannel, userID platform.UserID) verification.Verdict {
	allCached := true
	var firstErr error
	errKind := verification.ErrorKindTelegram
	checkedAny := false

	for _, ch := range channels {
		state, cached, err := s.checkOne(ctx, ch, userID)
		if err != nil {
			if errors.Is(err, verification.ErrChannelGone) {
				// The channel no longer exists; requiring it would restrict
				// everyone forever. Treat as not linked.
				s.logger.Error("enforced channel no longer exists, skipping",
					"channel_id", int64(ch.ChannelID), "error", err)
				continue
			}
			if firstErr == nil {
				firstErr = err
				if errors.Is(err, context.DeadlineExceeded) {
					errKind = verification.ErrorKindTimeout
				}
			}
			// Keep checking other channels; a definite non-member elsewhere
			// still beats an error verdict.
			continue
		}

		checkedAny = true
		if !cached {
			allCached = false
		}
		if state == verification.StateNonMember {
			return verification.Restricted(ch, cached)
		}
	}

	if firstErr != nil {
		return verification.Failed(errKind, firstErr)
	}
	if !checkedAny {
		// Every linked channel was gone.
		return verification.Verified(false)
	}
	return verification.Verified(allCached)
}

// checkOne resolves one channel membership, cache first.
func (s *Service) checkOne(ctx context.Context, ch platform.EnforcedChannel, userID platform.UserID) (verification.MembershipState, bool, error) {
	if state, hit := s.cache.Get(ctx, s.botInstanceID, ch.ChannelID, userID); hit {
		s.metrics.CacheLookups.WithLabelValues("hit").Inc()
		// Cached errors act as misses so the user is not stuck behind a
		// stale failure.
		if state != verification.StateUnknownError {
			return state, true, nil
		}
	} else {
		s.metrics.CacheLookups.WithLabelValues("miss").Inc()
	}

	state, err := s.checker.CheckMembership(ctx, ch.ChannelID, userID)
	if err != nil {
		if !errors.Is(err, verification.ErrChannelGone) {
			s.cache.Set(ctx, s.botInstanceID, ch.ChannelID, userID, verification.StateUnknownError)
		}
		return "", false, err
	}

	s.cache.Set(ctx, s.botInstanceID, ch.ChannelID, userID, state)
	return state, false, nil
}

// finish records the metrics sample and the verification log row.
func (s *Service) finish(verdict verification.Verdict, groupID platform.ChatID, userID platform.UserID, start time.Time) {
	elapsed := time.Since(start)

	s.metrics.Verifications.WithLabelValues(string(verdict.Status)).Inc()
	s.metrics.VerificationDuration.Observe(elapsed.Seconds())

	log := verification.VerificationLog{
		UserID:        userID,
		GroupID:       groupID,
		BotInstanceID: s.botInstanceID,
		Status:        verdict.Status,
		LatencyMS:     elapsed.Milliseconds(),
		Cached:        verdict.Cached,
		Timestamp:     time.Now().UTC(),
	}
	if verdict.MissingChannel != nil {
		log.ChannelID = verdict.MissingChannel.ChannelID
	}
	if verdict.Status == verification.StatusError {
		log.ErrorType = string(verdict.ErrKind)
	}

	s.sink.RecordVerification(log)
}
