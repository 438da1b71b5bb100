// Package hub is a topic-based broadcast relay. Messages published to a
// topic reach every other subscriber of that topic; nothing is stored, so a
// message published while nobody else is subscribed is lost.
package hub

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// Subscriber receives frames for the topics it joined.
type Subscriber interface {
	ID() string
	Deliver(f Frame) error
}

// Hub tracks topic membership and fans broadcasts out.
type Hub struct {
	mu     sync.RWMutex
	topics map[string]map[string]Subscriber
	log    zerolog.Logger
}

// New creates an empty hub.
func New(l zerolog.Logger) *Hub {
	return &Hub{
		topics: make(map[string]map[string]Subscriber),
		log:    l.With().Str("component", "hub").Logger(),
	}
}

// Join adds s to topic. Joining twice is a no-op.
func (h *Hub) Join(topic string, s Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.topics[topic]
	if !ok {
		subs = make(map[string]Subscriber)
		h.topics[topic] = subs
	}
	subs[s.ID()] = s
	h.log.Debug().Str("topic", topic).Str("subscriber", s.ID()).Int("members", len(subs)).Msg("joined")
}

// Leave removes s from topic.
func (h *Hub) Leave(topic string, s Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(topic, s.ID())
}

// LeaveAll removes s from every topic.
func (h *Hub) LeaveAll(s Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for topic := range h.topics {
		h.leaveLocked(topic, s.ID())
	}
}

func (h *Hub) leaveLocked(topic, id string) {
	subs, ok := h.topics[topic]
	if !ok {
		return
	}
	if _, ok := subs[id]; !ok {
		return
	}
	delete(subs, id)
	if len(subs) == 0 {
		delete(h.topics, topic)
	}
	h.log.Debug().Str("topic", topic).Str("subscriber", id).Msg("left")
}

// Publish delivers a broadcast to every subscriber of topic except fromID
// and returns how many subscribers accepted it.
func (h *Hub) Publish(topic, fromID, event string, payload json.RawMessage) int {
	h.mu.RLock()
	targets := make([]Subscriber, 0, len(h.topics[topic]))
	for id, s := range h.topics[topic] {
		if id != fromID {
			targets = append(targets, s)
		}
	}
	h.mu.RUnlock()

	f := Frame{Op: OpBroadcast, Topic: topic, Event: event, Payload: payload}
	delivered := 0
	for _, s := range targets {
		if err := s.Deliver(f); err != nil {
			h.log.Warn().Err(err).Str("topic", topic).Str("subscriber", s.ID()).Msg("deliver failed")
			continue
		}
		delivered++
	}
	return delivered
}

// TopicStats is a membership count for one topic.
type TopicStats struct {
	Topic       string `json:"topic"`
	Subscribers int    `json:"subscribers"`
}

// Stats lists topics sorted by name.
func (h *Hub) Stats() []TopicStats {
	h.mu.RLock()
	out := make([]TopicStats, 0, len(h.topics))
	for topic, subs := range h.topics {
		out = append(out, TopicStats{Topic: topic, Subscribers: len(subs)})
	}
	h.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Topic < out[j].Topic })
	return out
}
