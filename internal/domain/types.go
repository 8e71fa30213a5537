package domain

import (
	"fmt"
	"time"
)

type LoopPhase string

const (
	LoopPhaseSensing   LoopPhase = "sensing"
	LoopPhaseDebating  LoopPhase = "debating"
	LoopPhaseTrading   LoopPhase = "trading"
	LoopPhaseReviewing LoopPhase = "reviewing"
)

// Order returns the position of the phase within a round, or -1 when unknown.
func (p LoopPhase) Order() int {
	switch p {
	case LoopPhaseSensing:
		return 0
	case LoopPhaseDebating:
		return 1
	case LoopPhaseTrading:
		return 2
	case LoopPhaseReviewing:
		return 3
	default:
		return -1
	}
}

func (p LoopPhase) Valid() bool {
	return p.Order() >= 0
}

type Sentiment string

const (
	SentimentBullish Sentiment = "bullish"
	SentimentBearish Sentiment = "bearish"
	SentimentNeutral Sentiment = "neutral"
)

func (s Sentiment) Valid() bool {
	switch s {
	case SentimentBullish, SentimentBearish, SentimentNeutral:
		return true
	default:
		return false
	}
}

// DebateStatus mirrors the loop phase a debate record has reached.
type DebateStatus = LoopPhase

const (
	DebateStatusSensing   = LoopPhaseSensing
	DebateStatusDebating  = LoopPhaseDebating
	DebateStatusTrading   = LoopPhaseTrading
	DebateStatusReviewing = LoopPhaseReviewing
)

func ParseLoopPhase(raw string) (LoopPhase, error) {
	p := LoopPhase(raw)
	if !p.Valid() {
		return "", fmt.Errorf("unknown loop phase %q", raw)
	}
	return p, nil
}

type AgentSource string

const (
	AgentSourceLocal    AgentSource = "local"
	AgentSourceSecondMe AgentSource = "secondme"
)

type Agent struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	Role       string      `json:"role"`
	Style      string      `json:"style"`
	Source     AgentSource `json:"source"`
	SecondMeID *string     `json:"second_me_id,omitempty"`
	Weight     float64     `json:"weight"`
}

type Debate struct {
	ID           string       `json:"id"`
	Round        int          `json:"round"`
	Status       DebateStatus `json:"status"`
	StartedAt    time.Time    `json:"started_at"`
	CompletedAt  *time.Time   `json:"completed_at,omitempty"`
	TargetStock  *string      `json:"target_stock,omitempty"`
	EntryPrice   *float64     `json:"entry_price,omitempty"`
	TargetPrice  *float64     `json:"target_price,omitempty"`
	StopLoss     *float64     `json:"stop_loss,omitempty"`
	ActualReturn *float64     `json:"actual_return,omitempty"`
	CreatedBy    *string      `json:"created_by,omitempty"`
	Arguments    []Argument   `json:"arguments,omitempty"`
	Votes        []Vote       `json:"votes,omitempty"`
}

type Argument struct {
	ID         string    `json:"id"`
	DebateID   string    `json:"debate_id"`
	AgentID    string    `json:"agent_id"`
	Content    string    `json:"content"`
	Sentiment  Sentiment `json:"sentiment"`
	Stock      string    `json:"stock"`
	Confidence float64   `json:"confidence"`
	Seq        int       `json:"seq"`
	CreatedAt  time.Time `json:"created_at"`
	Agent      *Agent    `json:"agent,omitempty"`
}

type Vote struct {
	ID       string  `json:"id"`
	DebateID string  `json:"debate_id"`
	AgentID  string  `json:"agent_id"`
	Stock    string  `json:"stock"`
	Weight   float64 `json:"weight"`
	Reason   *string `json:"reason,omitempty"`
	Agent    *Agent  `json:"agent,omitempty"`
}

// Snapshot is the read-only projection of the loop timer handed to displays.
type Snapshot struct {
	Phase                LoopPhase `json:"phase"`
	Round                int       `json:"round"`
	ElapsedSeconds       int       `json:"elapsed_seconds"`
	CurrentMinute        int       `json:"current_minute"`
	TotalMinutes         int       `json:"total_minutes"`
	PhaseProgressPercent float64   `json:"phase_progress_percent"`
	TotalProgressPercent float64   `json:"total_progress_percent"`
	RemainingSeconds     int       `json:"remaining_seconds"`
}

// Transition is emitted by the loop when the phase changes or a round rolls over.
type Transition struct {
	From           LoopPhase `json:"from,omitempty"`
	To             LoopPhase `json:"to"`
	Round          int       `json:"round"`
	RoundStarted   bool      `json:"round_started,omitempty"`
	RoundCompleted bool      `json:"round_completed,omitempty"`
	CompletedRound int       `json:"completed_round,omitempty"`
	At             time.Time `json:"at"`
}

type EventType string

const (
	EventLoopSnapshot   EventType = "loop.snapshot"
	EventLoopTransition EventType = "loop.transition"
	EventDebateArgument EventType = "debate.argument"
	EventDebateCreated  EventType = "debate.created"
)

// Event is the envelope carried by the in-process bus and the display feed.
type Event struct {
	Type       EventType   `json:"type"`
	Snapshot   *Snapshot   `json:"snapshot,omitempty"`
	Transition *Transition `json:"transition,omitempty"`
	Argument   *Argument   `json:"argument,omitempty"`
	Debate     *Debate     `json:"debate,omitempty"`
	At         time.Time   `json:"at"`
}

// Decision is an audit entry written by the debate engine.
type Decision struct {
	ID        int64     `json:"id"`
	DebateID  string    `json:"debate_id"`
	Actor     string    `json:"actor"`
	Action    string    `json:"action"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}
