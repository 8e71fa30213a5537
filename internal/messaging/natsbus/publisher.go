package natsbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"agent_consensus/internal/domain"
)

const (
	SubjectTransition = "consensus.loop.transition"
	SubjectArgument   = "consensus.debate.argument"
)

// Publisher mirrors loop transitions and debate arguments onto NATS subjects.
type Publisher struct {
	nc     *nats.Conn
	logger zerolog.Logger
	owned  bool
}

func Connect(url string, logger zerolog.Logger) (*Publisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("agent-consensus"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	p := New(nc, logger)
	p.owned = true
	return p, nil
}

func New(nc *nats.Conn, logger zerolog.Logger) *Publisher {
	return &Publisher{nc: nc, logger: logger.With().Str("component", "natsbus").Logger()}
}

// Subject maps an event type to its subject. Snapshots are not mirrored.
func Subject(t domain.EventType) (string, bool) {
	switch t {
	case domain.EventLoopTransition:
		return SubjectTransition, true
	case domain.EventDebateArgument:
		return SubjectArgument, true
	default:
		return "", false
	}
}

func (p *Publisher) Publish(evt domain.Event) error {
	subject, ok := Subject(evt.Type)
	if !ok {
		return nil
	}
	var payload any
	switch evt.Type {
	case domain.EventLoopTransition:
		payload = evt.Transition
	case domain.EventDebateArgument:
		payload = evt.Argument
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", evt.Type, err)
	}
	if err := p.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Forward publishes every event from events until ctx ends or events closes.
func (p *Publisher) Forward(ctx context.Context, events <-chan domain.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			if err := p.Publish(evt); err != nil {
				p.logger.Warn().Err(err).Str("event_type", string(evt.Type)).Msg("nats publish failed")
			}
		}
	}
}

func (p *Publisher) Close() error {
	if !p.owned {
		return nil
	}
	if err := p.nc.Drain(); err != nil {
		return fmt.Errorf("drain nats: %w", err)
	}
	return nil
}
