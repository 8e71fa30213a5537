package debate

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agent_consensus/internal/agent"
	"agent_consensus/internal/domain"
	"agent_consensus/internal/messaging/inproc"
	"agent_consensus/internal/policy"
	"agent_consensus/internal/store/sqlite"
)

type stubChatter struct {
	reply string
	err   error
}

func (s stubChatter) Chat(context.Context, string, string, string, map[string]any) (string, error) {
	return s.reply, s.err
}

type countingRecorder struct {
	mu       sync.Mutex
	rounds   int
	appended map[domain.AgentSource]int
	skipped  map[string]int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{appended: map[domain.AgentSource]int{}, skipped: map[string]int{}}
}

func (r *countingRecorder) RoundCreated() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rounds++
}

func (r *countingRecorder) ArgumentAppended(source domain.AgentSource) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.appended[source]++
}

func (r *countingRecorder) ArgumentSkipped(_ domain.AgentSource, class string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.skipped[class]++
}

type testEnv struct {
	store    *sqlite.Store
	bus      *inproc.Bus
	engine   *Engine
	recorder *countingRecorder
}

func newTestEnv(t *testing.T, chat stubChatter) *testEnv {
	t.Helper()
	ctx := context.Background()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Migrate(ctx))
	require.NoError(t, store.UpsertAgents(ctx, agent.DefaultAgents()))

	bus := inproc.New(64)
	speaker := agent.Router{
		Local:  agent.NewLocalSpeaker(rand.New(rand.NewSource(3))),
		Remote: agent.NewRemoteSpeaker(chat, "mock-access-token", "demo-user-123"),
	}
	rec := newCountingRecorder()
	engine := New(store, policy.New(store), bus, speaker, Config{
		SessionID:     "test",
		SpeakInterval: time.Millisecond,
		Recorder:      rec,
	}, zerolog.Nop())
	return &testEnv{store: store, bus: bus, engine: engine, recorder: rec}
}

func TestEngineRunsFullRound(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, stubChatter{reply: "推荐 STOCK8"})
	feed := env.bus.Register("feed", domain.EventDebateArgument)

	require.NoError(t, env.engine.HandleTransition(ctx, domain.Transition{To: domain.LoopPhaseSensing, Round: 1, RoundStarted: true}))
	debateID, ok := env.engine.DebateID(1)
	require.True(t, ok)

	require.NoError(t, env.engine.HandleTransition(ctx, domain.Transition{From: domain.LoopPhaseSensing, To: domain.LoopPhaseDebating, Round: 1}))
	args, err := env.store.ListArgumentsForRound(ctx, debateID)
	require.NoError(t, err)
	require.Len(t, args, 5)
	for i, arg := range args {
		assert.Equal(t, i+1, arg.Seq)
	}
	assert.Equal(t, domain.SentimentBearish, args[2].Sentiment)
	assert.Equal(t, "TBD", args[3].Stock)
	assert.Len(t, feed, 5)
	assert.Equal(t, 1, env.recorder.rounds)
	assert.Equal(t, 3, env.recorder.appended[domain.AgentSourceLocal])
	assert.Equal(t, 2, env.recorder.appended[domain.AgentSourceSecondMe])

	require.NoError(t, env.engine.HandleTransition(ctx, domain.Transition{From: domain.LoopPhaseDebating, To: domain.LoopPhaseTrading, Round: 1}))
	debate, err := env.store.GetDebate(ctx, debateID)
	require.NoError(t, err)
	assert.Equal(t, domain.DebateStatusTrading, debate.Status)
	assert.Len(t, debate.Votes, 5)
	require.NotNil(t, debate.TargetStock)
	assert.NotEqual(t, "TBD", *debate.TargetStock)

	require.NoError(t, env.engine.HandleTransition(ctx, domain.Transition{From: domain.LoopPhaseTrading, To: domain.LoopPhaseReviewing, Round: 1}))
	debate, err = env.store.GetDebate(ctx, debateID)
	require.NoError(t, err)
	assert.Equal(t, domain.DebateStatusReviewing, debate.Status)
	assert.NotNil(t, debate.CompletedAt)
}

func TestEngineSkipsFailingRemoteAgents(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, stubChatter{err: errors.New("upstream 503")})

	require.NoError(t, env.engine.HandleTransition(ctx, domain.Transition{To: domain.LoopPhaseSensing, Round: 1, RoundStarted: true}))
	require.NoError(t, env.engine.HandleTransition(ctx, domain.Transition{To: domain.LoopPhaseDebating, Round: 1}))

	debateID, _ := env.engine.DebateID(1)
	args, err := env.store.ListArgumentsForRound(ctx, debateID)
	require.NoError(t, err)
	assert.Len(t, args, 3)

	decisions, err := env.store.ListDecisions(ctx, debateID, 10)
	require.NoError(t, err)
	require.Len(t, decisions, 2)
	assert.Equal(t, "argument_skipped", decisions[0].Action)
	assert.Equal(t, "agent-4", decisions[0].Actor)
	assert.Equal(t, 2, env.recorder.skipped[SkipSpeaker])
}

func TestEngineRepeatedDebatingIsIdempotent(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, stubChatter{reply: "ok"})

	require.NoError(t, env.engine.HandleTransition(ctx, domain.Transition{To: domain.LoopPhaseDebating, Round: 1}))
	require.NoError(t, env.engine.HandleTransition(ctx, domain.Transition{To: domain.LoopPhaseDebating, Round: 1}))

	debateID, ok := env.engine.DebateID(1)
	require.True(t, ok)
	args, err := env.store.ListArgumentsForRound(ctx, debateID)
	require.NoError(t, err)
	assert.Len(t, args, 5)
}

func TestEngineRolloverClosesAndOpens(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, stubChatter{reply: "ok"})

	require.NoError(t, env.engine.HandleTransition(ctx, domain.Transition{To: domain.LoopPhaseSensing, Round: 1, RoundStarted: true}))
	first, _ := env.engine.DebateID(1)

	require.NoError(t, env.engine.HandleTransition(ctx, domain.Transition{
		From:           domain.LoopPhaseReviewing,
		To:             domain.LoopPhaseSensing,
		Round:          2,
		RoundStarted:   true,
		RoundCompleted: true,
		CompletedRound: 1,
	}))

	closed, err := env.store.GetDebate(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, domain.DebateStatusReviewing, closed.Status)

	_, ok := env.engine.DebateID(1)
	assert.False(t, ok)
	second, ok := env.engine.DebateID(2)
	require.True(t, ok)

	active, err := env.store.GetActiveDebate(ctx)
	require.NoError(t, err)
	assert.Equal(t, second, active.ID)
	assert.Equal(t, 2, active.Round)
}

func TestEngineConsumesBusTransitions(t *testing.T) {
	env := newTestEnv(t, stubChatter{reply: "ok"})
	ctx, cancel := context.WithCancel(context.Background())
	env.engine.Start(ctx)
	t.Cleanup(func() {
		cancel()
		env.engine.Wait()
	})

	env.bus.OnTransition(domain.Transition{To: domain.LoopPhaseSensing, Round: 1, RoundStarted: true})
	env.bus.OnTransition(domain.Transition{From: domain.LoopPhaseSensing, To: domain.LoopPhaseDebating, Round: 1})

	require.Eventually(t, func() bool {
		debate, err := env.store.GetActiveDebate(context.Background())
		return err == nil && debate.Status == domain.DebateStatusDebating && len(debate.Arguments) == 5
	}, 5*time.Second, 10*time.Millisecond)
}

func decisionActions(t *testing.T, store *sqlite.Store, debateID string) []string {
	t.Helper()
	decisions, err := store.ListDecisions(context.Background(), debateID, 50)
	require.NoError(t, err)
	actions := make([]string, 0, len(decisions))
	for _, d := range decisions {
		actions = append(actions, d.Action)
	}
	return actions
}

func TestEngineAdoptsManualDebateMidRound(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, stubChatter{reply: "推荐 STOCK8"})

	require.NoError(t, env.engine.HandleTransition(ctx, domain.Transition{To: domain.LoopPhaseSensing, Round: 1, RoundStarted: true}))
	require.NoError(t, env.engine.HandleTransition(ctx, domain.Transition{From: domain.LoopPhaseSensing, To: domain.LoopPhaseDebating, Round: 1}))
	loopDebate, ok := env.engine.DebateID(1)
	require.True(t, ok)

	manual, created, err := env.store.CreateRound(ctx, "manual-abc", "demo-user-123")
	require.NoError(t, err)
	require.True(t, created)
	require.NoError(t, env.engine.Adopt(ctx, manual.ID))

	current, ok := env.engine.DebateID(1)
	require.True(t, ok)
	assert.Equal(t, manual.ID, current)

	got, err := env.store.GetDebate(ctx, manual.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DebateStatusDebating, got.Status)
	assert.Len(t, got.Arguments, 5)

	old, err := env.store.GetDebate(ctx, loopDebate)
	require.NoError(t, err)
	assert.Equal(t, domain.DebateStatusReviewing, old.Status)
	assert.Contains(t, decisionActions(t, env.store, loopDebate), "debate_superseded")

	active, err := env.store.GetActiveDebate(ctx)
	require.NoError(t, err)
	assert.Equal(t, manual.ID, active.ID)

	// the same hand-off twice is a no-op
	require.NoError(t, env.engine.Adopt(ctx, manual.ID))
	args, err := env.store.ListArgumentsForRound(ctx, manual.ID)
	require.NoError(t, err)
	assert.Len(t, args, 5)

	require.NoError(t, env.engine.HandleTransition(ctx, domain.Transition{From: domain.LoopPhaseDebating, To: domain.LoopPhaseTrading, Round: 1}))
	got, err = env.store.GetDebate(ctx, manual.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DebateStatusTrading, got.Status)
	assert.Len(t, got.Votes, 5)

	require.NoError(t, env.engine.HandleTransition(ctx, domain.Transition{From: domain.LoopPhaseTrading, To: domain.LoopPhaseReviewing, Round: 1}))
	got, err = env.store.GetDebate(ctx, manual.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DebateStatusReviewing, got.Status)
}

func TestEngineAdoptDuringTradingCatchesUp(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, stubChatter{reply: "推荐 STOCK8"})

	require.NoError(t, env.engine.HandleTransition(ctx, domain.Transition{To: domain.LoopPhaseSensing, Round: 1, RoundStarted: true}))
	require.NoError(t, env.engine.HandleTransition(ctx, domain.Transition{To: domain.LoopPhaseDebating, Round: 1}))
	require.NoError(t, env.engine.HandleTransition(ctx, domain.Transition{To: domain.LoopPhaseTrading, Round: 1}))

	manual, _, err := env.store.CreateRound(ctx, "manual-trading", "demo-user-123")
	require.NoError(t, err)
	require.NoError(t, env.engine.Adopt(ctx, manual.ID))

	got, err := env.store.GetDebate(ctx, manual.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DebateStatusTrading, got.Status)
	assert.Len(t, got.Arguments, 5)
	assert.Len(t, got.Votes, 5)
	actions := decisionActions(t, env.store, manual.ID)
	assert.True(t, slices.Contains(actions, "target_selected") || slices.Contains(actions, "no_target"), "actions: %v", actions)
}

func TestEngineQueuesDebateBeforeLoopStarts(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, stubChatter{reply: "ok"})

	manual, _, err := env.store.CreateRound(ctx, "manual-early", "demo-user-123")
	require.NoError(t, err)
	require.NoError(t, env.engine.Adopt(ctx, manual.ID))
	_, ok := env.engine.DebateID(0)
	assert.False(t, ok)

	require.NoError(t, env.engine.HandleTransition(ctx, domain.Transition{To: domain.LoopPhaseSensing, Round: 1, RoundStarted: true}))
	current, ok := env.engine.DebateID(1)
	require.True(t, ok)
	assert.Equal(t, manual.ID, current)
	assert.Equal(t, 0, env.recorder.rounds)
}

func TestEngineQueuesDebateWhileReviewing(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, stubChatter{reply: "ok"})

	require.NoError(t, env.engine.HandleTransition(ctx, domain.Transition{To: domain.LoopPhaseSensing, Round: 1, RoundStarted: true}))
	require.NoError(t, env.engine.HandleTransition(ctx, domain.Transition{To: domain.LoopPhaseReviewing, Round: 1}))

	manual, _, err := env.store.CreateRound(ctx, "manual-review", "demo-user-123")
	require.NoError(t, err)
	require.NoError(t, env.engine.Adopt(ctx, manual.ID))

	got, err := env.store.GetDebate(ctx, manual.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DebateStatusSensing, got.Status)

	require.NoError(t, env.engine.HandleTransition(ctx, domain.Transition{
		From:           domain.LoopPhaseReviewing,
		To:             domain.LoopPhaseSensing,
		Round:          2,
		RoundStarted:   true,
		RoundCompleted: true,
		CompletedRound: 1,
	}))
	current, ok := env.engine.DebateID(2)
	require.True(t, ok)
	assert.Equal(t, manual.ID, current)
}

func TestEngineAdoptsDebateFromBus(t *testing.T) {
	env := newTestEnv(t, stubChatter{reply: "ok"})
	ctx, cancel := context.WithCancel(context.Background())
	env.engine.Start(ctx)
	t.Cleanup(func() {
		cancel()
		env.engine.Wait()
	})

	env.bus.OnTransition(domain.Transition{To: domain.LoopPhaseSensing, Round: 1, RoundStarted: true})
	env.bus.OnTransition(domain.Transition{From: domain.LoopPhaseSensing, To: domain.LoopPhaseDebating, Round: 1})
	require.Eventually(t, func() bool {
		debate, err := env.store.GetActiveDebate(context.Background())
		return err == nil && len(debate.Arguments) == 5
	}, 5*time.Second, 10*time.Millisecond)

	manual, _, err := env.store.CreateRound(context.Background(), "manual-bus", "demo-user-123")
	require.NoError(t, err)
	require.NoError(t, env.bus.Send(ActorID, domain.Event{Type: domain.EventDebateCreated, Debate: &manual}))

	require.Eventually(t, func() bool {
		debate, err := env.store.GetActiveDebate(context.Background())
		return err == nil && debate.ID == manual.ID &&
			debate.Status == domain.DebateStatusDebating && len(debate.Arguments) == 5
	}, 5*time.Second, 10*time.Millisecond)
}

type failingDecisionStore struct {
	*sqlite.Store
}

func (failingDecisionStore) LogDecision(context.Context, domain.Decision) error {
	return errors.New("disk I/O error")
}

func TestEngineLogsDecisionFailures(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, stubChatter{reply: "推荐 STOCK8"})
	var buf bytes.Buffer
	engine := New(failingDecisionStore{env.store}, policy.New(env.store), env.bus, agent.Router{
		Local:  agent.NewLocalSpeaker(rand.New(rand.NewSource(3))),
		Remote: agent.NewRemoteSpeaker(stubChatter{reply: "推荐 STOCK8"}, "mock-access-token", "demo-user-123"),
	}, Config{SessionID: "decisions", SpeakInterval: time.Millisecond}, zerolog.New(zerolog.SyncWriter(&buf)))

	require.NoError(t, engine.HandleTransition(ctx, domain.Transition{To: domain.LoopPhaseDebating, Round: 1}))
	require.NoError(t, engine.HandleTransition(ctx, domain.Transition{To: domain.LoopPhaseTrading, Round: 1}))

	debateID, ok := engine.DebateID(1)
	require.True(t, ok)
	debate, err := env.store.GetDebate(ctx, debateID)
	require.NoError(t, err)
	require.NotNil(t, debate.TargetStock)

	out := buf.String()
	assert.Contains(t, out, `"level":"error"`)
	assert.Contains(t, out, `"action":"target_selected"`)
	assert.Contains(t, out, "log decision failed")
}

func TestTally(t *testing.T) {
	args := []domain.Argument{
		{AgentID: "a", Stock: "STOCK1", Sentiment: domain.SentimentBullish, Confidence: 0.5, Seq: 1},
		{AgentID: "b", Stock: "STOCK2", Sentiment: domain.SentimentBullish, Confidence: 0.9, Seq: 2},
		{AgentID: "c", Stock: "STOCK2", Sentiment: domain.SentimentBearish, Confidence: 0.6, Seq: 3},
		{AgentID: "d", Stock: "TBD", Sentiment: domain.SentimentBullish, Confidence: 0.7, Seq: 4},
		{AgentID: "a", Stock: "STOCK3", Sentiment: domain.SentimentBullish, Confidence: 0.8, Seq: 5},
	}
	votes, target, ok := Tally(args, map[string]float64{"a": 1, "b": 1, "c": 2, "d": 1})
	require.Len(t, votes, 4)
	assert.Equal(t, "STOCK3", votes[0].Stock)
	assert.InDelta(t, 0.8, votes[0].Weight, 1e-9)
	assert.InDelta(t, 1.2, votes[2].Weight, 1e-9)
	require.NotNil(t, votes[2].Reason)
	assert.Equal(t, "bearish", *votes[2].Reason)

	// STOCK3 +0.8, STOCK2 0.9-1.2 < 0, TBD ignored
	require.True(t, ok)
	assert.Equal(t, "STOCK3", target)
}

func TestTallyNoPositiveTarget(t *testing.T) {
	_, target, ok := Tally([]domain.Argument{
		{AgentID: "a", Stock: "STOCK1", Sentiment: domain.SentimentBearish, Confidence: 0.9, Seq: 1},
		{AgentID: "b", Stock: "TBD", Sentiment: domain.SentimentBullish, Confidence: 0.7, Seq: 2},
	}, nil)
	assert.False(t, ok)
	assert.Empty(t, target)

	_, target, ok = Tally([]domain.Argument{
		{AgentID: "a", Stock: "STOCK9", Sentiment: domain.SentimentBullish, Confidence: 0.5, Seq: 1},
		{AgentID: "b", Stock: "STOCK1", Sentiment: domain.SentimentBullish, Confidence: 0.5, Seq: 2},
	}, nil)
	assert.True(t, ok)
	assert.Equal(t, "STOCK1", target)
}
