package asterisk

import (
	"context"
	"log/slog"

	"github.com/pkg/errors"
)

// Agent readiness tags as the engine reports them.
const (
	AgentAvailable   = "Available"
	AgentNotInUse    = "Not in use"
	AgentInUse       = "In use"
	AgentBusy        = "Busy"
	AgentUnavailable = "Unavailable"
	AgentUnknown     = "Unknown"
)

// ErrUnavailable signals that no source could produce a usable snapshot.
// Callers must treat it as "do not dispatch, retry next pass", never as a
// fatal condition.
var ErrUnavailable = errors.New("queue status unavailable")

// Snapshot is the observed state of one queue at the instant of a probe.
// Never cached across scheduler passes.
type Snapshot struct {
	WaitingCalls int
	Agents       []string
}

// Prober answers "what does this queue look like right now". The parsing
// strategy behind it is swappable: live CLI scrape, manager-interface
// client, or the conservative database fallback.
type Prober interface {
	QueueStatus(ctx context.Context, queueID string) (*Snapshot, error)
}

// ChainProber tries each prober in order and returns the first usable
// snapshot. Probe failures are absorbed and logged at warning level; only
// when every source fails does the chain report ErrUnavailable.
type ChainProber struct {
	probers []Prober
	logger  *slog.Logger
}

func NewChainProber(logger *slog.Logger, probers ...Prober) *ChainProber {
	return &ChainProber{probers: probers, logger: logger}
}

func (c *ChainProber) QueueStatus(ctx context.Context, queueID string) (*Snapshot, error) {
	for _, prober := range c.probers {
		snapshot, err := prober.QueueStatus(ctx, queueID)
		if err != nil {
			c.logger.WarnContext(ctx, "Queue status source failed, trying next",
				"queue", queueID, "error", err)
			continue
		}
		return snapshot, nil
	}
	return nil, ErrUnavailable
}
