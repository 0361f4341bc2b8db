package platform

import "time"

// ══════════════════════════════════════════════════════════════════════════════
// BOT STATUS
// Singleton-per-bot liveness record written by the status writer and the
// supervisor; dashboards combine it with a staleness check on LastHeartbeat
// to render liveness without any push channel.
// ══════════════════════════════════════════════════════════════════════════════

// LifecycleState is the supervisor-visible state of a bot worker.
type LifecycleState string

const (
	StateStarting   LifecycleState = "starting"
	StateRunning    LifecycleState = "running"
	StateStopping   LifecycleState = "stopping"
	StateStopped    LifecycleState = "stopped"
	StateCrashed    LifecycleState = "crashed"
	StateRestarting LifecycleState = "restarting"
)

// IsValid reports whether the state is a known lifecycle state.
func (s LifecycleState) IsValid() bool {
	switch s {
	case StateStarting, StateRunning, StateStopping, StateStopped, StateCrashed, StateRestarting:
		return true
	default:
		return false
	}
}

// Live reports whether the state means the worker should be making progress.
func (s LifecycleState) Live() bool {
	return s == StateStarting || s == StateRunning || s == StateRestarting
}

// HeartbeatStaleAfter is how old a heartbeat may be before external readers
// should consider the bot dead regardless of its recorded state.
const HeartbeatStaleAfter = 60 * time.Second

// BotStatus is the singleton liveness row for one bot instance.
type BotStatus struct {
	BotInstanceID int64
	Status        LifecycleState
	StartedAt     time.Time
	LastHeartbeat time.Time
	UptimeSeconds int64
	LastError     string
}

// Stale reports whether the heartbeat is older than the staleness threshold
// at the given instant.
func (b BotStatus) Stale(now time.Time) bool {
	return now.Sub(b.LastHeartbeat) >= HeartbeatStaleAfter
}
