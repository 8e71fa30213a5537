package inproc

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"agent_consensus/internal/domain"
)

var (
	ErrSubscriberNotRegistered = errors.New("subscriber is not registered in bus")
	ErrSubscriberQueueFull     = errors.New("subscriber queue is full")
)

type subscription struct {
	ch    chan domain.Event
	types map[domain.EventType]struct{}
}

func (s subscription) wants(t domain.EventType) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[t]
	return ok
}

// Bus fans events out to named subscribers. Publishing never blocks: a
// subscriber whose queue is full misses the event.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]subscription
	buffer int
	now    func() time.Time
}

func New(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{
		subs:   make(map[string]subscription),
		buffer: buffer,
		now:    time.Now,
	}
}

// Register subscribes id to the given event types, or to every type when none
// are given. Registering an existing id returns its channel unchanged.
func (b *Bus) Register(id string, types ...domain.EventType) <-chan domain.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, ok := b.subs[id]; ok {
		return sub.ch
	}
	sub := subscription{
		ch:    make(chan domain.Event, b.buffer),
		types: make(map[domain.EventType]struct{}, len(types)),
	}
	for _, t := range types {
		sub.types[t] = struct{}{}
	}
	b.subs[id] = sub
	return sub.ch
}

func (b *Bus) Unregister(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subs[id]
	if !ok {
		return
	}
	delete(b.subs, id)
	close(sub.ch)
}

func (b *Bus) Publish(evt domain.Event) error {
	if evt.At.IsZero() {
		evt.At = b.now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	var errs []error
	for id, sub := range b.subs {
		if !sub.wants(evt.Type) {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			errs = append(errs, fmt.Errorf("%w: %s", ErrSubscriberQueueFull, id))
		}
	}
	return errors.Join(errs...)
}

// Send delivers to a single subscriber.
func (b *Bus) Send(id string, evt domain.Event) error {
	if evt.At.IsZero() {
		evt.At = b.now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	sub, ok := b.subs[id]
	if !ok {
		return ErrSubscriberNotRegistered
	}
	select {
	case sub.ch <- evt:
		return nil
	default:
		return ErrSubscriberQueueFull
	}
}

func (b *Bus) OnSnapshot(s domain.Snapshot) {
	_ = b.Publish(domain.Event{Type: domain.EventLoopSnapshot, Snapshot: &s})
}

func (b *Bus) OnTransition(t domain.Transition) {
	_ = b.Publish(domain.Event{Type: domain.EventLoopTransition, Transition: &t, At: t.At})
}

func (b *Bus) PublishArgument(arg domain.Argument) error {
	return b.Publish(domain.Event{Type: domain.EventDebateArgument, Argument: &arg, At: arg.CreatedAt})
}
