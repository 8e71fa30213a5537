package loop

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agent_consensus/internal/domain"
)

type recordingObserver struct {
	snapshots   chan domain.Snapshot
	transitions chan domain.Transition
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{
		snapshots:   make(chan domain.Snapshot, RoundSeconds*2),
		transitions: make(chan domain.Transition, 64),
	}
}

func (o *recordingObserver) OnSnapshot(s domain.Snapshot)     { o.snapshots <- s }
func (o *recordingObserver) OnTransition(t domain.Transition) { o.transitions <- t }

func (o *recordingObserver) nextSnapshot(t *testing.T) domain.Snapshot {
	t.Helper()
	select {
	case s := <-o.snapshots:
		return s
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for snapshot")
		return domain.Snapshot{}
	}
}

func startTestRunner(t *testing.T) (*Runner, *clockwork.FakeClock, *recordingObserver) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	r := NewRunner(Config{TickInterval: time.Second, Clock: clock}, zerolog.Nop())
	obs := newRecordingObserver()
	r.AddObserver(obs)
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(r.Stop)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	return r, clock, obs
}

func advance(t *testing.T, clock *clockwork.FakeClock, obs *recordingObserver, n int) domain.Snapshot {
	t.Helper()
	var last domain.Snapshot
	for i := 0; i < n; i++ {
		clock.Advance(time.Second)
		last = obs.nextSnapshot(t)
	}
	return last
}

func TestRunnerAnnouncesFirstRound(t *testing.T) {
	_, _, obs := startTestRunner(t)

	tr := <-obs.transitions
	assert.True(t, tr.RoundStarted)
	assert.Equal(t, 1, tr.Round)
	assert.Equal(t, domain.LoopPhaseSensing, tr.To)

	snap := obs.nextSnapshot(t)
	assert.Equal(t, 0, snap.ElapsedSeconds)
	assert.Equal(t, 2400, snap.RemainingSeconds)
}

func TestRunnerTicksOncePerInterval(t *testing.T) {
	r, clock, obs := startTestRunner(t)
	obs.nextSnapshot(t)

	snap := advance(t, clock, obs, 3)
	assert.Equal(t, 3, snap.ElapsedSeconds)
	assert.Equal(t, 3, r.State().ElapsedSeconds)
	assert.Equal(t, snap, r.Snapshot())
}

func TestRunnerEmitsPhaseTransition(t *testing.T) {
	_, clock, obs := startTestRunner(t)
	<-obs.transitions
	obs.nextSnapshot(t)

	snap := advance(t, clock, obs, 120)
	assert.Equal(t, domain.LoopPhaseDebating, snap.Phase)

	select {
	case tr := <-obs.transitions:
		assert.Equal(t, domain.LoopPhaseSensing, tr.From)
		assert.Equal(t, domain.LoopPhaseDebating, tr.To)
		assert.False(t, tr.At.IsZero())
	default:
		t.Fatalf("expected a sensing->debating transition")
	}
}

func TestRunnerStopHaltsTicks(t *testing.T) {
	r, clock, obs := startTestRunner(t)
	obs.nextSnapshot(t)
	advance(t, clock, obs, 2)

	r.Stop()
	r.Stop()
	<-r.Done()

	clock.Advance(5 * time.Second)
	select {
	case s := <-obs.snapshots:
		t.Fatalf("unexpected snapshot after stop: %+v", s)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, 2, r.State().ElapsedSeconds)
}

func TestRunnerStartTwice(t *testing.T) {
	r, _, _ := startTestRunner(t)
	assert.ErrorIs(t, r.Start(context.Background()), ErrRunnerStarted)
}

func TestRunnerStopsWithParentContext(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r := NewRunner(Config{Clock: clock}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, r.Start(ctx))
	cancel()

	select {
	case <-r.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("runner did not exit after context cancel")
	}
	r.Stop()
}

func TestRunnerDoneBeforeStartIsClosed(t *testing.T) {
	r := NewRunner(Config{Clock: clockwork.NewFakeClock()}, zerolog.Nop())
	select {
	case <-r.Done():
	case <-time.After(time.Second):
		t.Fatalf("Done blocked before Start")
	}
}
