package agent

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"agent_consensus/internal/domain"
)

const (
	sentinelRole = "哨兵"

	remoteStock      = "TBD"
	remoteConfidence = 0.7
)

var ErrEmptyReply = errors.New("remote agent returned an empty reply")

// Prompt carries the round context an agent speaks into.
type Prompt struct {
	DebateID string
	Round    int
	Phase    domain.LoopPhase
}

// Draft is an argument before it is stored.
type Draft struct {
	Content    string
	Sentiment  domain.Sentiment
	Stock      string
	Confidence float64
}

type Speaker interface {
	Speak(ctx context.Context, agent domain.Agent, prompt Prompt) (Draft, error)
}

// LocalSpeaker produces scripted arguments. The sentinel is always bearish.
type LocalSpeaker struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func NewLocalSpeaker(rng *rand.Rand) *LocalSpeaker {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &LocalSpeaker{rng: rng}
}

func (s *LocalSpeaker) Speak(_ context.Context, agent domain.Agent, _ Prompt) (Draft, error) {
	s.mu.Lock()
	stock := s.rng.Intn(1000)
	confidence := s.rng.Float64()*0.5 + 0.5
	s.mu.Unlock()

	view, sentiment := "有机会", domain.SentimentBullish
	if agent.Role == sentinelRole {
		view, sentiment = "存在较大风险", domain.SentimentBearish
	}
	return Draft{
		Content:    fmt.Sprintf("作为%s，我认为当前市场%s...", agent.Role, view),
		Sentiment:  sentiment,
		Stock:      fmt.Sprintf("STOCK%d", stock),
		Confidence: confidence,
	}, nil
}

type Chatter interface {
	Chat(ctx context.Context, token string, userID string, text string, chatContext map[string]any) (string, error)
}

// RemoteSpeaker forwards the prompt to a SecondMe chat endpoint.
type RemoteSpeaker struct {
	client Chatter
	token  string
	userID string
}

func NewRemoteSpeaker(client Chatter, token string, userID string) *RemoteSpeaker {
	return &RemoteSpeaker{client: client, token: token, userID: userID}
}

func (s *RemoteSpeaker) Speak(ctx context.Context, agent domain.Agent, prompt Prompt) (Draft, error) {
	userID := s.userID
	if agent.SecondMeID != nil && *agent.SecondMeID != "" {
		userID = *agent.SecondMeID
	}
	reply, err := s.client.Chat(ctx, s.token, userID, BuildRemotePrompt(agent), map[string]any{
		"debateId": prompt.DebateID,
		"agentId":  agent.ID,
		"round":    prompt.Round,
	})
	if err != nil {
		return Draft{}, fmt.Errorf("remote agent %s: %w", agent.ID, err)
	}
	if strings.TrimSpace(reply) == "" {
		return Draft{}, fmt.Errorf("remote agent %s: %w", agent.ID, ErrEmptyReply)
	}
	return Draft{
		Content:    reply,
		Sentiment:  domain.SentimentBullish,
		Stock:      remoteStock,
		Confidence: remoteConfidence,
	}, nil
}

func BuildRemotePrompt(agent domain.Agent) string {
	return fmt.Sprintf("作为%s(%s)，请分析当前市场并推荐一只30分钟内有爆发力的股票。", agent.Role, agent.Style)
}

// Router picks the speaker matching an agent's source.
type Router struct {
	Local  Speaker
	Remote Speaker
}

func (r Router) Speak(ctx context.Context, agent domain.Agent, prompt Prompt) (Draft, error) {
	switch agent.Source {
	case domain.AgentSourceSecondMe:
		if r.Remote == nil {
			return Draft{}, fmt.Errorf("remote agent %s: no secondme client configured", agent.ID)
		}
		return r.Remote.Speak(ctx, agent, prompt)
	default:
		if r.Local == nil {
			return Draft{}, fmt.Errorf("local agent %s: no local speaker configured", agent.ID)
		}
		return r.Local.Speak(ctx, agent, prompt)
	}
}

// DefaultAgents returns the seed roster: three scripted local agents and two
// SecondMe-backed agents, all with equal weight.
func DefaultAgents() []domain.Agent {
	return []domain.Agent{
		{ID: "agent-1", Name: "激进派", Role: "激进派", Style: "追逐妖股", Source: domain.AgentSourceLocal, Weight: 1.0},
		{ID: "agent-2", Name: "稳健派", Role: "稳健派", Style: "风险厌恶", Source: domain.AgentSourceLocal, Weight: 1.0},
		{ID: "agent-3", Name: "哨兵", Role: sentinelRole, Style: "质疑一切", Source: domain.AgentSourceLocal, Weight: 1.0},
		{ID: "agent-4", Name: "SecondMe AI-1", Role: "SecondMe AI-1", Style: "自主决策", Source: domain.AgentSourceSecondMe, Weight: 1.0},
		{ID: "agent-5", Name: "SecondMe AI-2", Role: "SecondMe AI-2", Style: "自主决策", Source: domain.AgentSourceSecondMe, Weight: 1.0},
	}
}
