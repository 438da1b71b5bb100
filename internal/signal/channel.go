// Package signal carries call signals over a best-effort publish/subscribe
// broker.
package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"teleconsult/native/internal/domain"
)

const (
	// SignalEvent is the broadcast event name for conversation signals.
	SignalEvent = "call-signal"
	// WakeEvent is the broadcast event name on a user's wake topic.
	WakeEvent = "incoming-call"

	inboxSize = 64
)

// TopicName returns the conversation topic for conversationID.
func TopicName(conversationID string) string {
	return "call:" + conversationID
}

// WakeTopicName returns the per-user topic that cold-start offers go to.
func WakeTopicName(userID string) string {
	return "user:" + userID
}

// Options tunes a Channel.
type Options struct {
	// ResubscribeDelay is the wait before the single automatic retry after
	// CHANNEL_ERROR or TIMED_OUT.
	ResubscribeDelay time.Duration
	Logger           zerolog.Logger
}

// Channel is the signaling channel of one conversation. Inbound signals are
// delivered to the handler on a single goroutine in arrival order. Signals
// sent before the subscription is ready are queued and flushed in order once
// it is.
type Channel struct {
	topic          domain.Topic
	conversationID string
	selfID         string
	handler        func(domain.Signal)
	retryDelay     time.Duration
	log            zerolog.Logger

	// sendMu serialises transport sends so a flush cannot interleave with
	// a later Send.
	sendMu sync.Mutex

	mu         sync.Mutex
	ready      bool
	retried    bool
	closed     bool
	pending    []domain.Signal
	retryTimer *time.Timer

	inbox chan domain.Signal
	done  chan struct{}
}

// Open subscribes to the conversation topic on b. handler receives every
// valid signal not sent by selfID.
func Open(b domain.Broker, conversationID, selfID string, handler func(domain.Signal), opts Options) *Channel {
	c := &Channel{
		topic:          b.Channel(TopicName(conversationID)),
		conversationID: conversationID,
		selfID:         selfID,
		handler:        handler,
		retryDelay:     opts.ResubscribeDelay,
		log: opts.Logger.With().
			Str("component", "signal").
			Str("conversation", conversationID).
			Logger(),
		inbox: make(chan domain.Signal, inboxSize),
		done:  make(chan struct{}),
	}

	c.topic.On(SignalEvent, c.receive)
	go c.run()
	c.subscribe()
	return c
}

// Send publishes sig, or queues it when the subscription is not ready yet.
// A queued signal is not an error.
func (c *Channel) Send(ctx context.Context, sig domain.Signal) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return domain.ErrChannelClosed
	}
	if !c.ready {
		c.pending = append(c.pending, sig)
		n := len(c.pending)
		c.mu.Unlock()
		c.log.Debug().Str("type", string(sig.Type)).Int("pending", n).Msg("channel not ready, queued signal")
		return nil
	}
	c.mu.Unlock()

	if err := c.topic.Send(ctx, SignalEvent, sig); err != nil {
		return fmt.Errorf("%w: send %s: %v", domain.ErrSignaling, sig.Type, err)
	}
	c.log.Debug().Str("type", string(sig.Type)).Msg(">>> signal")
	return nil
}

// Ready reports whether the subscription is established.
func (c *Channel) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// Pending returns the number of queued outbound signals.
func (c *Channel) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close unsubscribes and stops delivery. Queued signals are dropped.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.ready = false
	if c.retryTimer != nil {
		c.retryTimer.Stop()
	}
	dropped := len(c.pending)
	c.pending = nil
	c.mu.Unlock()

	if err := c.topic.Unsubscribe(); err != nil {
		c.log.Warn().Err(err).Msg("unsubscribe failed")
	}
	close(c.done)
	c.log.Debug().Int("dropped", dropped).Msg("channel closed")
}

func (c *Channel) subscribe() {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	c.topic.Subscribe(c.onStatus)
}

func (c *Channel) onStatus(status domain.SubscribeStatus, err error) {
	switch status {
	case domain.Subscribed:
		c.flush()

	case domain.ChannelError, domain.TimedOut:
		c.mu.Lock()
		c.ready = false
		if c.closed {
			c.mu.Unlock()
			return
		}
		if c.retried {
			n := len(c.pending)
			c.mu.Unlock()
			c.log.Error().Err(err).Str("status", string(status)).Int("pending", n).
				Msg("subscription failed after retry, signals will stay queued")
			return
		}
		c.retried = true
		c.retryTimer = time.AfterFunc(c.retryDelay, c.subscribe)
		c.mu.Unlock()
		c.log.Warn().Err(err).Str("status", string(status)).Dur("delay", c.retryDelay).Msg("subscription failed, retrying once")

	case domain.Closed:
		c.mu.Lock()
		c.ready = false
		c.mu.Unlock()
	}
}

// flush marks the channel ready and sends every queued signal exactly once,
// in enqueue order.
func (c *Channel) flush() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.ready = true
	queued := c.pending
	c.pending = nil
	c.mu.Unlock()

	c.log.Info().Int("flushing", len(queued)).Msg("subscribed")
	for _, sig := range queued {
		if err := c.topic.Send(context.Background(), SignalEvent, sig); err != nil {
			c.log.Warn().Err(err).Str("type", string(sig.Type)).Msg("flush send failed")
		}
	}
}

func (c *Channel) receive(payload json.RawMessage) {
	var sig domain.Signal
	if err := json.Unmarshal(payload, &sig); err != nil {
		c.log.Warn().Err(err).Msg("unmarshal signal")
		return
	}
	if err := sig.Validate(); err != nil {
		c.log.Warn().Err(err).Msg("invalid signal")
		return
	}
	if sig.CallerID == c.selfID {
		return
	}
	if sig.ConversationID != "" && sig.ConversationID != c.conversationID {
		c.log.Warn().Str("for", sig.ConversationID).Msg("signal for another conversation")
		return
	}

	c.log.Debug().Str("type", string(sig.Type)).Str("from", sig.CallerID).Msg("<<< signal")
	select {
	case c.inbox <- sig:
	case <-c.done:
	}
}

func (c *Channel) run() {
	for {
		select {
		case <-c.done:
			return
		case sig := <-c.inbox:
			c.handler(sig)
		}
	}
}

// Waker sends offers to a user's wake topic so a listener that has not
// opened the conversation yet still learns about the call.
type Waker struct {
	broker domain.Broker
}

// NewWaker creates a Waker on b.
func NewWaker(b domain.Broker) *Waker {
	return &Waker{broker: b}
}

// Wake broadcasts sig on the wake topic of userID.
func (w *Waker) Wake(ctx context.Context, userID string, sig domain.Signal) error {
	if err := w.broker.Channel(WakeTopicName(userID)).Send(ctx, WakeEvent, sig); err != nil {
		return fmt.Errorf("%w: wake %s: %v", domain.ErrSignaling, userID, err)
	}
	return nil
}
