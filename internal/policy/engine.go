package policy

import (
	"context"
	"errors"
	"fmt"

	"agent_consensus/internal/domain"
	"agent_consensus/internal/store/sqlite"
)

type Store interface {
	GetDebate(ctx context.Context, debateID string) (domain.Debate, error)
	GetAgent(ctx context.Context, agentID string) (domain.Agent, error)
}

type Engine struct {
	store Store
}

func New(store Store) *Engine {
	return &Engine{store: store}
}

// CanAppendArgument admits an argument only while the debate is in its
// debating phase and the speaker is a registered agent.
func (e *Engine) CanAppendArgument(ctx context.Context, debateID string, agentID string) (bool, string, error) {
	debate, err := e.store.GetDebate(ctx, debateID)
	if err != nil {
		if errors.Is(err, sqlite.ErrNotFound) {
			return false, "debate not found", nil
		}
		return false, "", fmt.Errorf("policy load debate: %w", err)
	}
	if debate.Status != domain.DebateStatusDebating {
		return false, fmt.Sprintf("debate is %s", debate.Status), nil
	}
	if _, err := e.store.GetAgent(ctx, agentID); err != nil {
		if errors.Is(err, sqlite.ErrNotFound) {
			return false, "agent not registered", nil
		}
		return false, "", fmt.Errorf("policy load agent: %w", err)
	}
	return true, "allowed", nil
}
