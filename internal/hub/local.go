package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"teleconsult/native/internal/domain"
)

// LocalBroker implements domain.Broker against an in-process Hub. Each
// Channel call yields a distinct subscriber.
type LocalBroker struct {
	hub *Hub
}

// NewLocalBroker wraps h.
func NewLocalBroker(h *Hub) *LocalBroker {
	return &LocalBroker{hub: h}
}

// Channel implements domain.Broker.
func (b *LocalBroker) Channel(name string) domain.Topic {
	return &localTopic{
		hub:      b.hub,
		name:     name,
		id:       uuid.NewString(),
		handlers: make(map[string]func(json.RawMessage)),
	}
}

type localTopic struct {
	hub  *Hub
	name string
	id   string

	mu       sync.RWMutex
	handlers map[string]func(json.RawMessage)
	status   func(domain.SubscribeStatus, error)
}

func (t *localTopic) ID() string   { return t.id }
func (t *localTopic) Name() string { return t.name }

func (t *localTopic) Deliver(f Frame) error {
	t.mu.RLock()
	fn, ok := t.handlers[f.Event]
	t.mu.RUnlock()
	if ok {
		fn(f.Payload)
	}
	return nil
}

func (t *localTopic) On(event string, handler func(payload json.RawMessage)) {
	t.mu.Lock()
	t.handlers[event] = handler
	t.mu.Unlock()
}

func (t *localTopic) Subscribe(fn func(status domain.SubscribeStatus, err error)) {
	t.mu.Lock()
	t.status = fn
	t.mu.Unlock()

	t.hub.Join(t.name, t)
	if fn != nil {
		fn(domain.Subscribed, nil)
	}
}

func (t *localTopic) Send(ctx context.Context, event string, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	t.hub.Publish(t.name, t.id, event, raw)
	return nil
}

func (t *localTopic) Unsubscribe() error {
	t.hub.Leave(t.name, t)

	t.mu.Lock()
	fn := t.status
	t.status = nil
	t.mu.Unlock()

	if fn != nil {
		fn(domain.Closed, nil)
	}
	return nil
}
