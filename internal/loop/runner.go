package loop

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"agent_consensus/internal/domain"
)

var ErrRunnerStarted = errors.New("loop runner already started")

// Observer receives read-only projections of the timer. Callbacks run on the
// runner goroutine and must not block or call Runner.Stop.
type Observer interface {
	OnSnapshot(snapshot domain.Snapshot)
	OnTransition(transition domain.Transition)
}

type Config struct {
	TickInterval time.Duration
	Clock        clockwork.Clock
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = time.Second
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return c
}

// Runner owns the single TimerState and advances it once per tick interval.
type Runner struct {
	cfg    Config
	logger zerolog.Logger

	mu        sync.RWMutex
	state     TimerState
	observers []Observer

	lifeMu  sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewRunner(cfg Config, logger zerolog.Logger) *Runner {
	return &Runner{
		cfg:    cfg.withDefaults(),
		logger: logger.With().Str("component", "loop").Logger(),
		state:  NewTimerState(),
	}
}

func (r *Runner) AddObserver(o Observer) {
	if o == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, o)
}

// Snapshot returns the current projection. Safe for concurrent use.
func (r *Runner) Snapshot() domain.Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Project(r.state)
}

func (r *Runner) State() TimerState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

func (r *Runner) Start(ctx context.Context) error {
	r.lifeMu.Lock()
	defer r.lifeMu.Unlock()
	if r.started {
		return ErrRunnerStarted
	}
	r.started = true

	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	ticker := r.cfg.Clock.NewTicker(r.cfg.TickInterval)

	go r.run(loopCtx, ticker, r.done)
	r.logger.Info().Dur("tick_interval", r.cfg.TickInterval).Msg("loop runner started")
	return nil
}

// Stop cancels the loop and blocks until the runner goroutine has exited.
// No tick is applied after Stop returns.
func (r *Runner) Stop() {
	r.lifeMu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel = nil
	r.lifeMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	r.logger.Info().Msg("loop runner stopped")
}

// Done is closed once the runner goroutine exits. Before Start it returns an
// already closed channel.
func (r *Runner) Done() <-chan struct{} {
	r.lifeMu.Lock()
	defer r.lifeMu.Unlock()
	if r.done == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return r.done
}

func (r *Runner) run(ctx context.Context, ticker clockwork.Ticker, done chan struct{}) {
	defer close(done)
	defer ticker.Stop()

	r.announceRound()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if ctx.Err() != nil {
				return
			}
			r.step()
		}
	}
}

func (r *Runner) announceRound() {
	r.mu.RLock()
	state := r.state
	observers := r.observers
	r.mu.RUnlock()

	tr := domain.Transition{
		To:           state.Phase(),
		Round:        state.Round,
		RoundStarted: true,
		At:           r.cfg.Clock.Now().UTC(),
	}
	snap := Project(state)
	for _, o := range observers {
		o.OnTransition(tr)
		o.OnSnapshot(snap)
	}
}

func (r *Runner) step() {
	r.mu.Lock()
	next, tr := Tick(r.state)
	r.state = next
	observers := r.observers
	r.mu.Unlock()

	snap := Project(next)
	if tr.To != "" {
		tr.At = r.cfg.Clock.Now().UTC()
		if tr.RoundCompleted {
			r.logger.Info().Int("completed_round", tr.CompletedRound).Int("round", tr.Round).Msg("round completed")
		} else {
			r.logger.Debug().Str("from", string(tr.From)).Str("to", string(tr.To)).Int("round", tr.Round).Msg("phase changed")
		}
		for _, o := range observers {
			o.OnTransition(tr)
		}
	}
	for _, o := range observers {
		o.OnSnapshot(snap)
	}
}
