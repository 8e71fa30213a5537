package debate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"agent_consensus/internal/agent"
	"agent_consensus/internal/domain"
	"agent_consensus/internal/store/sqlite"
)

// ActorID is the bus subscriber id of the engine and the actor of its decisions.
const ActorID = "engine"

type Store interface {
	CreateRound(ctx context.Context, idempotencyKey string, createdBy string) (domain.Debate, bool, error)
	AppendArgument(ctx context.Context, arg domain.Argument, idempotencyKey string) (domain.Argument, bool, error)
	ListArgumentsForRound(ctx context.Context, debateID string) ([]domain.Argument, error)
	UpdateRoundStatus(ctx context.Context, debateID string, status domain.DebateStatus) error
	ListAgents(ctx context.Context) ([]domain.Agent, error)
	RecordVote(ctx context.Context, vote domain.Vote) (domain.Vote, error)
	SetTargetStock(ctx context.Context, debateID string, stock string) error
	LogDecision(ctx context.Context, entry domain.Decision) error
}

type Policy interface {
	CanAppendArgument(ctx context.Context, debateID, agentID string) (bool, string, error)
}

type Bus interface {
	Register(id string, types ...domain.EventType) <-chan domain.Event
	Unregister(id string)
	PublishArgument(arg domain.Argument) error
}

// Recorder receives engine outcomes for metrics. A nil Recorder is allowed.
type Recorder interface {
	RoundCreated()
	ArgumentAppended(source domain.AgentSource)
	ArgumentSkipped(source domain.AgentSource, class string)
}

// Skip classes reported to the Recorder.
const (
	SkipDenied  = "denied"
	SkipSpeaker = "speaker_error"
	SkipStore   = "store_error"
)

type Config struct {
	SessionID     string
	SpeakInterval time.Duration
	BusyRetries   int
	Clock         clockwork.Clock
	Recorder      Recorder
}

func (c Config) withDefaults() Config {
	if c.SessionID == "" {
		c.SessionID = uuid.NewString()
	}
	if c.SpeakInterval <= 0 {
		c.SpeakInterval = time.Second
	}
	if c.BusyRetries <= 0 {
		c.BusyRetries = 5
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Recorder == nil {
		c.Recorder = nopRecorder{}
	}
	return c
}

// Engine drives one debate record per loop round from the loop's transitions.
type Engine struct {
	store   Store
	policy  Policy
	bus     Bus
	speaker agent.Speaker
	cfg     Config
	logger  zerolog.Logger

	wg sync.WaitGroup

	mu        sync.RWMutex
	rounds    map[int]string
	loopRound int
	loopPhase domain.LoopPhase
	pending   string
}

func New(store Store, policy Policy, bus Bus, speaker agent.Speaker, cfg Config, logger zerolog.Logger) *Engine {
	return &Engine{
		store:   store,
		policy:  policy,
		bus:     bus,
		speaker: speaker,
		cfg:     cfg.withDefaults(),
		logger:  logger.With().Str("component", "debate").Logger(),
		rounds:  make(map[int]string),
	}
}

// Start subscribes to loop transitions before returning, so no transition
// published afterwards is missed.
func (e *Engine) Start(ctx context.Context) {
	ch := e.bus.Register(ActorID, domain.EventLoopTransition, domain.EventDebateCreated)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.bus.Unregister(ActorID)
		e.inboxLoop(ctx, ch)
	}()
}

func (e *Engine) Wait() {
	e.wg.Wait()
}

// DebateID returns the debate created for a loop round.
func (e *Engine) DebateID(round int) (string, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	id, ok := e.rounds[round]
	return id, ok
}

func (e *Engine) inboxLoop(ctx context.Context, ch <-chan domain.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			switch {
			case evt.Type == domain.EventDebateCreated && evt.Debate != nil:
				if err := e.Adopt(ctx, evt.Debate.ID); err != nil && ctx.Err() == nil {
					e.logger.Error().Err(err).Str("debate_id", evt.Debate.ID).Msg("adopt debate failed")
				}
			case evt.Transition != nil:
				if err := e.HandleTransition(ctx, *evt.Transition); err != nil && ctx.Err() == nil {
					e.logger.Error().Err(err).Int("round", evt.Transition.Round).Str("to", string(evt.Transition.To)).Msg("handle transition failed")
				}
			}
		}
	}
}

// HandleTransition applies one loop transition to the debate records.
func (e *Engine) HandleTransition(ctx context.Context, tr domain.Transition) error {
	e.mu.Lock()
	e.loopRound, e.loopPhase = tr.Round, tr.To
	e.mu.Unlock()

	if tr.RoundCompleted {
		if err := e.closeRound(ctx, tr.CompletedRound); err != nil {
			return err
		}
	}
	if tr.RoundStarted {
		if _, err := e.ensureRound(ctx, tr.Round); err != nil {
			return err
		}
		return nil
	}

	switch tr.To {
	case domain.LoopPhaseDebating:
		debateID, err := e.ensureRound(ctx, tr.Round)
		if err != nil {
			return err
		}
		if err := e.updateStatus(ctx, debateID, domain.DebateStatusDebating); err != nil {
			return err
		}
		return e.runDebate(ctx, debateID, tr.Round)
	case domain.LoopPhaseTrading:
		debateID, err := e.ensureRound(ctx, tr.Round)
		if err != nil {
			return err
		}
		if err := e.updateStatus(ctx, debateID, domain.DebateStatusTrading); err != nil {
			return err
		}
		return e.tally(ctx, debateID)
	case domain.LoopPhaseReviewing:
		return e.closeRound(ctx, tr.Round)
	}
	return nil
}

// Adopt makes an externally created debate the debate of the current loop
// round and catches it up to the loop's phase. The debate it replaces is
// closed. Before the loop starts, or while it is reviewing, the debate is
// kept for the next round instead.
func (e *Engine) Adopt(ctx context.Context, debateID string) error {
	e.mu.Lock()
	round, phase := e.loopRound, e.loopPhase
	if round == 0 || phase == domain.LoopPhaseReviewing {
		e.pending = debateID
		e.mu.Unlock()
		e.logger.Info().Str("debate_id", debateID).Msg("debate queued for next round")
		return nil
	}
	prev, hadPrev := e.rounds[round]
	if prev == debateID {
		e.mu.Unlock()
		return nil
	}
	e.rounds[round] = debateID
	e.mu.Unlock()

	if hadPrev {
		if err := e.updateStatus(ctx, prev, domain.DebateStatusReviewing); err != nil {
			return err
		}
		e.logDecision(ctx, prev, ActorID, "debate_superseded", debateID)
	}
	e.logger.Info().Int("round", round).Str("phase", string(phase)).Str("debate_id", debateID).Msg("debate adopted")

	if phase == domain.LoopPhaseSensing {
		return nil
	}
	if err := e.updateStatus(ctx, debateID, domain.DebateStatusDebating); err != nil {
		return err
	}
	if err := e.runDebate(ctx, debateID, round); err != nil {
		return err
	}
	if phase != domain.LoopPhaseTrading {
		return nil
	}
	if err := e.updateStatus(ctx, debateID, domain.DebateStatusTrading); err != nil {
		return err
	}
	return e.tally(ctx, debateID)
}

func (e *Engine) ensureRound(ctx context.Context, round int) (string, error) {
	e.mu.Lock()
	if id, ok := e.rounds[round]; ok {
		e.mu.Unlock()
		return id, nil
	}
	if e.pending != "" {
		id := e.pending
		e.pending = ""
		e.rounds[round] = id
		e.mu.Unlock()
		e.logger.Info().Int("round", round).Str("debate_id", id).Msg("queued debate adopted")
		return id, nil
	}
	e.mu.Unlock()

	key := fmt.Sprintf("%s-round-%d", e.cfg.SessionID, round)
	var debate domain.Debate
	var created bool
	err := e.withBusyRetry(ctx, func() error {
		var err error
		debate, created, err = e.store.CreateRound(ctx, key, "")
		return err
	})
	if err != nil {
		return "", fmt.Errorf("create round %d: %w", round, err)
	}

	e.mu.Lock()
	e.rounds[round] = debate.ID
	e.mu.Unlock()

	if created {
		e.cfg.Recorder.RoundCreated()
		e.logger.Info().Int("round", round).Int("debate_round", debate.Round).Str("debate_id", debate.ID).Msg("debate created")
	}
	return debate.ID, nil
}

func (e *Engine) closeRound(ctx context.Context, round int) error {
	debateID, ok := e.DebateID(round)
	if !ok {
		return nil
	}
	if err := e.updateStatus(ctx, debateID, domain.DebateStatusReviewing); err != nil {
		return err
	}
	e.mu.Lock()
	delete(e.rounds, round)
	e.mu.Unlock()
	return nil
}

func (e *Engine) updateStatus(ctx context.Context, debateID string, status domain.DebateStatus) error {
	err := e.withBusyRetry(ctx, func() error {
		return e.store.UpdateRoundStatus(ctx, debateID, status)
	})
	if errors.Is(err, sqlite.ErrInvalidTransition) {
		e.logger.Warn().Err(err).Str("debate_id", debateID).Msg("status transition ignored")
		return nil
	}
	if err != nil {
		return fmt.Errorf("update debate %s to %s: %w", debateID, status, err)
	}
	return nil
}

// runDebate lets every registered agent speak once, in roster order.
func (e *Engine) runDebate(ctx context.Context, debateID string, round int) error {
	agents, err := e.store.ListAgents(ctx)
	if err != nil {
		return fmt.Errorf("list agents: %w", err)
	}

	prompt := agent.Prompt{DebateID: debateID, Round: round, Phase: domain.LoopPhaseDebating}
	for i, a := range agents {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-e.cfg.Clock.After(e.cfg.SpeakInterval):
			}
		}
		e.speak(ctx, debateID, a, prompt)
	}
	return nil
}

func (e *Engine) speak(ctx context.Context, debateID string, a domain.Agent, prompt agent.Prompt) {
	allowed, reason, err := e.policy.CanAppendArgument(ctx, debateID, a.ID)
	if err != nil {
		e.skip(ctx, debateID, a, SkipDenied, "policy check failed: "+err.Error())
		return
	}
	if !allowed {
		e.skip(ctx, debateID, a, SkipDenied, "argument denied: "+reason)
		return
	}

	draft, err := e.speaker.Speak(ctx, a, prompt)
	if err != nil {
		e.skip(ctx, debateID, a, SkipSpeaker, err.Error())
		return
	}

	var stored domain.Argument
	var created bool
	err = e.withBusyRetry(ctx, func() error {
		var err error
		stored, created, err = e.store.AppendArgument(ctx, domain.Argument{
			DebateID:   debateID,
			AgentID:    a.ID,
			Content:    draft.Content,
			Sentiment:  draft.Sentiment,
			Stock:      draft.Stock,
			Confidence: draft.Confidence,
			CreatedAt:  e.cfg.Clock.Now().UTC(),
		}, debateID+"-"+a.ID)
		return err
	})
	if err != nil {
		e.skip(ctx, debateID, a, SkipStore, "append argument: "+err.Error())
		return
	}
	if !created {
		return
	}

	e.cfg.Recorder.ArgumentAppended(a.Source)
	agentCopy := a
	stored.Agent = &agentCopy
	if err := e.bus.PublishArgument(stored); err != nil {
		e.logger.Warn().Err(err).Str("argument_id", stored.ID).Msg("publish argument dropped")
	}
	e.logger.Debug().Str("debate_id", debateID).Str("agent_id", a.ID).Int("seq", stored.Seq).Msg("argument appended")
}

func (e *Engine) skip(ctx context.Context, debateID string, a domain.Agent, class string, reason string) {
	e.cfg.Recorder.ArgumentSkipped(a.Source, class)
	e.logger.Warn().Str("debate_id", debateID).Str("agent_id", a.ID).Str("reason", reason).Msg("argument skipped")
	e.logDecision(ctx, debateID, a.ID, "argument_skipped", reason)
}

func (e *Engine) logDecision(ctx context.Context, debateID string, actor string, action string, reason string) {
	if err := e.store.LogDecision(ctx, domain.Decision{
		DebateID: debateID,
		Actor:    actor,
		Action:   action,
		Reason:   reason,
	}); err != nil {
		e.logger.Error().Err(err).Str("debate_id", debateID).Str("action", action).Msg("log decision failed")
	}
}

func (e *Engine) tally(ctx context.Context, debateID string) error {
	args, err := e.store.ListArgumentsForRound(ctx, debateID)
	if err != nil {
		return fmt.Errorf("list arguments: %w", err)
	}
	agents, err := e.store.ListAgents(ctx)
	if err != nil {
		return fmt.Errorf("list agents: %w", err)
	}
	weights := make(map[string]float64, len(agents))
	for _, a := range agents {
		weights[a.ID] = a.Weight
	}

	votes, target, ok := Tally(args, weights)
	for _, v := range votes {
		v.DebateID = debateID
		if _, err := e.store.RecordVote(ctx, v); err != nil {
			return fmt.Errorf("record vote for %s: %w", v.AgentID, err)
		}
	}
	if !ok {
		e.logDecision(ctx, debateID, ActorID, "no_target", fmt.Sprintf("no stock with positive net weight among %d votes", len(votes)))
		e.logger.Info().Str("debate_id", debateID).Int("votes", len(votes)).Msg("no target stock")
		return nil
	}
	if err := e.store.SetTargetStock(ctx, debateID, target); err != nil {
		return fmt.Errorf("set target stock: %w", err)
	}
	e.logDecision(ctx, debateID, ActorID, "target_selected", target)
	e.logger.Info().Str("debate_id", debateID).Str("target", target).Int("votes", len(votes)).Msg("target stock selected")
	return nil
}

// Tally turns each agent's latest argument into a vote weighted by agent
// weight times confidence. The target is the stock with the highest positive
// net weight, counting bullish votes for and bearish votes against. Ties go to
// the lexically smaller stock, and placeholder stocks are never targets.
func Tally(args []domain.Argument, agentWeights map[string]float64) ([]domain.Vote, string, bool) {
	latest := make(map[string]domain.Argument, len(args))
	for _, arg := range args {
		if prev, ok := latest[arg.AgentID]; !ok || arg.Seq > prev.Seq {
			latest[arg.AgentID] = arg
		}
	}
	agentIDs := make([]string, 0, len(latest))
	for id := range latest {
		agentIDs = append(agentIDs, id)
	}
	sort.Strings(agentIDs)

	votes := make([]domain.Vote, 0, len(agentIDs))
	net := make(map[string]float64)
	for _, id := range agentIDs {
		arg := latest[id]
		w, ok := agentWeights[id]
		if !ok || w <= 0 {
			w = 1.0
		}
		weight := w * arg.Confidence
		reason := string(arg.Sentiment)
		votes = append(votes, domain.Vote{
			DebateID: arg.DebateID,
			AgentID:  id,
			Stock:    arg.Stock,
			Weight:   weight,
			Reason:   &reason,
		})
		if !isTargetable(arg.Stock) {
			continue
		}
		switch arg.Sentiment {
		case domain.SentimentBullish:
			net[arg.Stock] += weight
		case domain.SentimentBearish:
			net[arg.Stock] -= weight
		}
	}

	var target string
	var best float64
	for stock, score := range net {
		if score <= 0 {
			continue
		}
		if target == "" || score > best || (score == best && stock < target) {
			target, best = stock, score
		}
	}
	return votes, target, target != ""
}

func isTargetable(stock string) bool {
	return stock != "" && stock != "TBD"
}

func (e *Engine) withBusyRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < e.cfg.BusyRetries; attempt++ {
		err = fn()
		if err == nil || !sqlite.IsBusy(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.cfg.Clock.After(time.Duration(30*(attempt+1)) * time.Millisecond):
		}
	}
	return err
}

type nopRecorder struct{}

func (nopRecorder) RoundCreated() {}

func (nopRecorder) ArgumentAppended(domain.AgentSource) {}

func (nopRecorder) ArgumentSkipped(domain.AgentSource, string) {}
