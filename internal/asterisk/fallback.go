package asterisk

import (
	"context"
)

// MemberSource lists the statically configured members of a queue.
type MemberSource interface {
	QueueMembers(ctx context.Context, queueID string) ([]string, error)
}

// FallbackProber derives a snapshot from static queue-membership
// configuration when no live source answers. No real-time readiness is
// knowable from static data, so every member is reported unavailable and
// the waiting count is zero: the conservative branch must never trigger a
// dispatch on its own.
type FallbackProber struct {
	members MemberSource
}

func NewFallbackProber(members MemberSource) *FallbackProber {
	return &FallbackProber{members: members}
}

func (p *FallbackProber) QueueStatus(ctx context.Context, queueID string) (*Snapshot, error) {
	members, err := p.members.QueueMembers(ctx, queueID)
	if err != nil {
		return nil, err
	}

	snapshot := &Snapshot{WaitingCalls: 0}
	for range members {
		snapshot.Agents = append(snapshot.Agents, AgentUnavailable)
	}
	return snapshot, nil
}
