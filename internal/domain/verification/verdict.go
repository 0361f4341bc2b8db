// Package verification defines the membership verdict model and the ports the
// verification service depends on: channel membership lookups, the membership
// cache and the log sink. Concrete implementations live in infrastructure.
package verification

import (
	"errors"
	"fmt"

	"github.com/nezuko-bot/nezuko-core/internal/domain/platform"
)

// ══════════════════════════════════════════════════════════════════════════════
// MEMBERSHIP STATE
// ══════════════════════════════════════════════════════════════════════════════

// MembershipState is the cached per-(bot, channel, user) membership verdict.
type MembershipState string

const (
	// StateMember means the user currently subscribes to the channel.
	StateMember MembershipState = "member"

	// StateNonMember means the user left, was kicked, or never joined.
	StateNonMember MembershipState = "non_member"

	// StateUnknownError means the last lookup failed; cached briefly to damp
	// retry storms.
	StateUnknownError MembershipState = "unknown_error"
)

// IsValid reports whether the state is a known marker.
func (s MembershipState) IsValid() bool {
	switch s {
	case StateMember, StateNonMember, StateUnknownError:
		return true
	default:
		return false
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// VERDICT
// ══════════════════════════════════════════════════════════════════════════════

// Status is the outcome class of one verification.
type Status string

const (
	StatusVerified   Status = "verified"
	StatusRestricted Status = "restricted"
	StatusError      Status = "error"
)

// ErrorKind classifies a verification error for logging.
type ErrorKind string

const (
	ErrorKindTelegram ErrorKind = "telegram_api"
	ErrorKindStorage  ErrorKind = "storage"
	ErrorKindTimeout  ErrorKind = "timeout"
)

// Verdict is the output of one verification: Verified, Restricted with the
// first failing channel, or Error with a kind.
type Verdict struct {
	Status Status

	// MissingChannel is set when Status is Restricted: the first required
	// channel the user is not a member of.
	MissingChannel *platform.EnforcedChannel

	// ErrKind and Err are set when Status is Error.
	ErrKind ErrorKind
	Err     error

	// Cached is true iff every channel check was served from the cache.
	Cached bool
}

// Verified builds a verified verdict.
func Verified(cached bool) Verdict {
	return Verdict{Status: StatusVerified, Cached: cached}
}

// Restricted builds a restricted verdict naming the failing channel.
func Restricted(ch platform.EnforcedChannel, cached bool) Verdict {
	return Verdict{Status: StatusRestricted, MissingChannel: &ch, Cached: cached}
}

// Failed builds an error verdict.
func Failed(kind ErrorKind, err error) Verdict {
	return Verdict{Status: StatusError, ErrKind: kind, Err: err}
}

// String renders the verdict for logs.
func (v Verdict) String() string {
	switch v.Status {
	case StatusRestricted:
		if v.MissingChannel != nil {
			return fmt.Sprintf("restricted(channel=%d)", v.MissingChannel.ChannelID)
		}
		return "restricted"
	case StatusError:
		return fmt.Sprintf("error(%s)", v.ErrKind)
	default:
		return string(v.Status)
	}
}

// ErrNoVerdict is returned when a verdict is requested for a bot/group pair
// the engine does not manage.
var ErrNoVerdict = errors.New("verification: no verdict available")
