// Package listener watches the local user's wake topic for offers to
// conversations that are not open yet and parks them in the handoff store.
package listener

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"teleconsult/native/internal/domain"
	"teleconsult/native/internal/handoff"
	"teleconsult/native/internal/signal"
)

const inboxSize = 16

// Options tunes a Listener.
type Options struct {
	SelfID           string
	ResubscribeDelay time.Duration
	// Mounted reports whether a controller already serves conversationID.
	// Offers for mounted conversations are left to that controller.
	Mounted func(conversationID string) bool
	Logger  zerolog.Logger
}

// Listener feeds the handoff store from the wake topic. notify runs on a
// single goroutine after the call is stored, in arrival order.
type Listener struct {
	topic     domain.Topic
	store     *handoff.Store
	notify    func(domain.PendingIncomingCall)
	opts      Options
	log       zerolog.Logger
	inbox     chan domain.PendingIncomingCall
	done      chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	retried bool
	closed  bool
	timer   *time.Timer
}

// Start subscribes to the wake topic of opts.SelfID.
func Start(b domain.Broker, store *handoff.Store, notify func(domain.PendingIncomingCall), opts Options) (*Listener, error) {
	if opts.SelfID == "" {
		return nil, errors.New("listener: self id is required")
	}
	if store == nil {
		return nil, errors.New("listener: handoff store is required")
	}
	if notify == nil {
		notify = func(domain.PendingIncomingCall) {}
	}

	l := &Listener{
		topic:  b.Channel(signal.WakeTopicName(opts.SelfID)),
		store:  store,
		notify: notify,
		opts:   opts,
		log:    opts.Logger.With().Str("component", "listener").Logger(),
		inbox:  make(chan domain.PendingIncomingCall, inboxSize),
		done:   make(chan struct{}),
	}
	l.topic.On(signal.WakeEvent, l.receive)
	go l.run()
	l.topic.Subscribe(l.onStatus)
	return l, nil
}

// Close unsubscribes. Calls already stored stay in the handoff store.
func (l *Listener) Close() {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.closed = true
		if l.timer != nil {
			l.timer.Stop()
		}
		l.mu.Unlock()

		if err := l.topic.Unsubscribe(); err != nil {
			l.log.Warn().Err(err).Msg("unsubscribe failed")
		}
		close(l.done)
	})
}

func (l *Listener) onStatus(status domain.SubscribeStatus, err error) {
	switch status {
	case domain.Subscribed:
		l.log.Info().Str("topic", l.topic.Name()).Msg("listening for calls")

	case domain.ChannelError, domain.TimedOut:
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.closed {
			return
		}
		if l.retried {
			l.log.Error().Err(err).Str("status", string(status)).Msg("wake subscription failed after retry")
			return
		}
		l.retried = true
		l.timer = time.AfterFunc(l.opts.ResubscribeDelay, l.resubscribe)
		l.log.Warn().Err(err).Str("status", string(status)).Msg("wake subscription failed, retrying once")
	}
}

func (l *Listener) resubscribe() {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if !closed {
		l.topic.Subscribe(l.onStatus)
	}
}

func (l *Listener) receive(payload json.RawMessage) {
	var sig domain.Signal
	if err := json.Unmarshal(payload, &sig); err != nil {
		l.log.Warn().Err(err).Msg("unmarshal wake signal")
		return
	}
	if err := sig.Validate(); err != nil {
		l.log.Warn().Err(err).Msg("invalid wake signal")
		return
	}
	if sig.Type != domain.SignalOffer || sig.CallerID == l.opts.SelfID || sig.ConversationID == "" {
		return
	}
	if l.opts.Mounted != nil && l.opts.Mounted(sig.ConversationID) {
		l.log.Debug().Str("conversation", sig.ConversationID).Msg("conversation open, leaving offer to it")
		return
	}

	call, err := domain.IncomingFromSignal(sig)
	if err != nil {
		return
	}
	l.store.Set(call)
	l.log.Info().
		Str("conversation", call.ConversationID).
		Str("from", call.CallerID).
		Str("type", string(call.CallType)).
		Msg("incoming call")

	select {
	case l.inbox <- call:
	case <-l.done:
	}
}

func (l *Listener) run() {
	for {
		select {
		case <-l.done:
			return
		case call := <-l.inbox:
			l.notify(call)
		}
	}
}
