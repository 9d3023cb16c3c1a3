package settlement

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// PollState is the finality poller's state machine.
type PollState int

const (
	Polling PollState = iota
	Finalized
	Expired
	TimedOut
)

func (s PollState) String() string {
	switch s {
	case Polling:
		return "polling"
	case Finalized:
		return "finalized"
	case Expired:
		return "expired"
	case TimedOut:
		return "timed_out"
	}
	return "unknown"
}

// EscrowReader is the read-only chain surface the poller needs.
type EscrowReader interface {
	IsFinalized(ctx context.Context, idHash common.Hash) (bool, error)
	IsEscrowExpired(ctx context.Context, idHash common.Hash) (bool, error)
}

const (
	defaultPollInterval = 5 * time.Second
	defaultMaxAttempts  = 60
)

// Poller watches an escrow until it finalizes, expires, or the attempt
// ceiling is reached. Ticks are non-overlapping: the next one is scheduled
// only after the current queries resolve.
type Poller struct {
	Reader      EscrowReader
	Interval    time.Duration
	MaxAttempts int

	// OnTick, if set, observes each completed attempt.
	OnTick func(attempt int)
}

// Run drives the state machine to a terminal state. The first check runs
// immediately; query errors within a tick are swallowed and retried on the
// next scheduled tick, since a transient RPC failure must not kill a
// long-running poll. Cancelling the context stops the poll mid-flight and
// returns the context error with state Polling.
func (p *Poller) Run(ctx context.Context, idHash common.Hash) (PollState, error) {
	interval := p.Interval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}

	for attempt := 1; ; attempt++ {
		finalized, err := p.Reader.IsFinalized(ctx, idHash)
		if err == nil && finalized {
			p.tick(attempt)
			return Finalized, nil
		}
		if err == nil {
			expired, expErr := p.Reader.IsEscrowExpired(ctx, idHash)
			if expErr == nil && expired {
				p.tick(attempt)
				return Expired, nil
			}
		}
		p.tick(attempt)

		if attempt >= maxAttempts {
			return TimedOut, nil
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Polling, ctx.Err()
		case <-timer.C:
		}
	}
}

func (p *Poller) tick(attempt int) {
	if p.OnTick != nil {
		p.OnTick(attempt)
	}
}
