package position

import (
	"queue-callback/internal/asterisk"
)

// Estimate is the computed standing of one callback request against a
// queue snapshot.
type Estimate struct {
	// Position is the request's estimated rank: live callers ahead, plus
	// earlier pending callbacks, plus one.
	Position int
	// AgentsReady reports whether at least one agent can take a call.
	AgentsReady bool
	// Turn is true only when no live caller waits and the request is
	// first in line. Live callers are never preempted by callbacks.
	Turn bool
}

// Compute derives the estimate from a probe snapshot and the number of
// pending requests ahead on the same queue. Pure: same inputs, same
// output.
func Compute(snapshot *asterisk.Snapshot, pendingAhead int) Estimate {
	pos := snapshot.WaitingCalls + pendingAhead + 1

	return Estimate{
		Position:    pos,
		AgentsReady: Ready(snapshot.Agents),
		Turn:        snapshot.WaitingCalls == 0 && pos == 1,
	}
}

// Ready counts only tags that mean an agent can actually take a call. An
// empty list is never ready: availability is not inferred from the
// absence of data.
func Ready(agents []string) bool {
	for _, tag := range agents {
		if tag == asterisk.AgentAvailable || tag == asterisk.AgentNotInUse {
			return true
		}
	}
	return false
}
