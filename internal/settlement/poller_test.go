package settlement

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// scriptedReader reports finality flags from a fixed schedule of ticks.
type scriptedReader struct {
	finalizedOn int
	expiredOn   int
	errOnTicks  map[int]error
	ticks       int
}

func (r *scriptedReader) IsFinalized(_ context.Context, _ common.Hash) (bool, error) {
	r.ticks++
	if err := r.errOnTicks[r.ticks]; err != nil {
		return false, err
	}
	return r.finalizedOn > 0 && r.ticks >= r.finalizedOn, nil
}

func (r *scriptedReader) IsEscrowExpired(_ context.Context, _ common.Hash) (bool, error) {
	if err := r.errOnTicks[r.ticks]; err != nil {
		return false, err
	}
	return r.expiredOn > 0 && r.ticks >= r.expiredOn, nil
}

func runPoller(t *testing.T, reader *scriptedReader, maxAttempts int) PollState {
	t.Helper()
	p := &Poller{
		Reader:      reader,
		Interval:    time.Millisecond,
		MaxAttempts: maxAttempts,
	}
	state, err := p.Run(context.Background(), common.HexToHash("0xabc"))
	if err != nil {
		t.Fatalf("poller run: %v", err)
	}
	return state
}

func TestPollerFinalized(t *testing.T) {
	reader := &scriptedReader{finalizedOn: 3}
	state := runPoller(t, reader, 60)

	if state != Finalized {
		t.Fatalf("state = %v, want Finalized", state)
	}
	if reader.ticks != 3 {
		t.Fatalf("ticks = %d, want 3", reader.ticks)
	}
}

func TestPollerExpiredStopsImmediately(t *testing.T) {
	reader := &scriptedReader{expiredOn: 1}
	state := runPoller(t, reader, 60)

	if state != Expired {
		t.Fatalf("state = %v, want Expired", state)
	}
	if reader.ticks != 1 {
		t.Fatalf("ticks = %d, want 1", reader.ticks)
	}
}

func TestPollerTimesOutAfterCeiling(t *testing.T) {
	reader := &scriptedReader{}
	state := runPoller(t, reader, 60)

	if state != TimedOut {
		t.Fatalf("state = %v, want TimedOut", state)
	}
	if reader.ticks != 60 {
		t.Fatalf("ticks = %d, want exactly 60", reader.ticks)
	}
}

func TestPollerFinalizedWinsOverExpired(t *testing.T) {
	// Both flags set on the same tick: finalized is checked first.
	reader := &scriptedReader{finalizedOn: 2, expiredOn: 2}
	if state := runPoller(t, reader, 60); state != Finalized {
		t.Fatalf("state = %v, want Finalized", state)
	}
}

func TestPollerSwallowsTransientErrors(t *testing.T) {
	reader := &scriptedReader{
		finalizedOn: 3,
		errOnTicks: map[int]error{
			1: errors.New("rpc timeout"),
			2: errors.New("connection reset"),
		},
	}
	state := runPoller(t, reader, 60)

	if state != Finalized {
		t.Fatalf("state = %v, want Finalized", state)
	}
	if reader.ticks != 3 {
		t.Fatalf("ticks = %d, want 3", reader.ticks)
	}
}

func TestPollerCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	reader := &scriptedReader{}

	p := &Poller{
		Reader:      reader,
		Interval:    time.Hour, // cancellation must not wait out the interval
		MaxAttempts: 60,
		OnTick: func(attempt int) {
			if attempt == 1 {
				cancel()
			}
		},
	}

	done := make(chan struct{})
	var state PollState
	var err error
	go func() {
		state, err = p.Run(ctx, common.HexToHash("0xabc"))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("poller did not stop on cancellation")
	}

	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if state != Polling {
		t.Fatalf("state = %v, want Polling", state)
	}
}
