package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"teleconsult/native/internal/domain"
	"teleconsult/native/internal/hub"
)

const (
	defaultReplyTimeout = 5 * time.Second
	clientPingInterval  = 25 * time.Second
)

var errReplyTimeout = errors.New("timed out waiting for hub reply")

// Broker is a domain.Broker that speaks the signalhub websocket protocol.
// The connection is dialled lazily and re-dialled after it drops.
type Broker struct {
	url          string
	replyTimeout time.Duration
	log          zerolog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	topics  map[string]*wsTopic
	replies map[string]chan hub.Frame

	writeMu sync.Mutex
	closed  chan struct{}
}

// NewBroker creates a broker client for the hub at url (ws:// or wss://).
func NewBroker(url string, l zerolog.Logger) *Broker {
	return &Broker{
		url:          url,
		replyTimeout: defaultReplyTimeout,
		log:          l.With().Str("component", "broker").Logger(),
		topics:       make(map[string]*wsTopic),
		replies:      make(map[string]chan hub.Frame),
		closed:       make(chan struct{}),
	}
}

// Connect dials the hub if not already connected.
func (b *Broker) Connect(ctx context.Context) error {
	_, err := b.ensureConn(ctx)
	return err
}

// Close shuts down the websocket connection.
func (b *Broker) Close() {
	select {
	case <-b.closed:
		return
	default:
		close(b.closed)
	}

	b.mu.Lock()
	conn := b.conn
	b.conn = nil
	b.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// Channel implements domain.Broker. Repeated calls with the same name
// return the same topic.
func (b *Broker) Channel(name string) domain.Topic {
	b.mu.Lock()
	defer b.mu.Unlock()

	if t, ok := b.topics[name]; ok {
		return t
	}
	t := &wsTopic{b: b, name: name, handlers: make(map[string]func(json.RawMessage))}
	b.topics[name] = t
	return t
}

func (b *Broker) ensureConn(ctx context.Context) (*websocket.Conn, error) {
	select {
	case <-b.closed:
		return nil, domain.ErrChannelClosed
	default:
	}

	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn != nil {
		return conn, nil
	}

	b.log.Info().Str("url", b.url).Msg("connecting")
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, b.url, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	b.mu.Lock()
	if b.conn != nil {
		// Lost a dial race; keep the established connection.
		existing := b.conn
		b.mu.Unlock()
		conn.Close()
		return existing, nil
	}
	b.conn = conn
	b.mu.Unlock()

	go b.readLoop(conn)
	go b.pingLoop(conn)
	return conn, nil
}

// request writes f with a fresh ref and waits for the matching reply.
func (b *Broker) request(ctx context.Context, f hub.Frame) (hub.Frame, error) {
	ctx, cancel := context.WithTimeout(ctx, b.replyTimeout)
	defer cancel()

	conn, err := b.ensureConn(ctx)
	if err != nil {
		return hub.Frame{}, err
	}

	f.Ref = uuid.NewString()
	ch := make(chan hub.Frame, 1)
	b.mu.Lock()
	b.replies[f.Ref] = ch
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.replies, f.Ref)
		b.mu.Unlock()
	}()

	b.writeMu.Lock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	}
	err = conn.WriteJSON(f)
	b.writeMu.Unlock()
	if err != nil {
		return hub.Frame{}, fmt.Errorf("write %s: %w", f.Op, err)
	}

	select {
	case reply := <-ch:
		if reply.Status != hub.StatusOK {
			return reply, fmt.Errorf("hub rejected %s: %s", f.Op, reply.Message)
		}
		return reply, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return hub.Frame{}, errReplyTimeout
		}
		return hub.Frame{}, ctx.Err()
	}
}

func (b *Broker) readLoop(conn *websocket.Conn) {
	for {
		var f hub.Frame
		if err := conn.ReadJSON(&f); err != nil {
			b.dropConn(conn, err)
			return
		}

		switch f.Op {
		case hub.OpReply:
			b.mu.Lock()
			ch, ok := b.replies[f.Ref]
			b.mu.Unlock()
			if ok {
				ch <- f
			}
		case hub.OpBroadcast:
			b.mu.Lock()
			t, ok := b.topics[f.Topic]
			b.mu.Unlock()
			if ok {
				t.deliver(f)
			}
		default:
			b.log.Warn().Str("op", f.Op).Msg("unhandled frame")
		}
	}
}

// dropConn forgets a dead connection and reports CHANNEL_ERROR to every
// subscribed topic.
func (b *Broker) dropConn(conn *websocket.Conn, err error) {
	conn.Close()

	b.mu.Lock()
	if b.conn == conn {
		b.conn = nil
	}
	var affected []*wsTopic
	for _, t := range b.topics {
		affected = append(affected, t)
	}
	b.mu.Unlock()

	select {
	case <-b.closed:
		return
	default:
	}
	b.log.Warn().Err(err).Msg("connection lost")

	for _, t := range affected {
		t.lost(err)
	}
}

func (b *Broker) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(clientPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.closed:
			return
		case <-ticker.C:
			b.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			b.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

type wsTopic struct {
	b    *Broker
	name string

	mu         sync.RWMutex
	handlers   map[string]func(json.RawMessage)
	status     func(domain.SubscribeStatus, error)
	subscribed bool
}

func (t *wsTopic) Name() string { return t.name }

func (t *wsTopic) On(event string, handler func(payload json.RawMessage)) {
	t.mu.Lock()
	t.handlers[event] = handler
	t.mu.Unlock()
}

func (t *wsTopic) Subscribe(fn func(status domain.SubscribeStatus, err error)) {
	t.mu.Lock()
	t.status = fn
	t.mu.Unlock()

	go func() {
		_, err := t.b.request(context.Background(), hub.Frame{Op: hub.OpSubscribe, Topic: t.name})

		t.mu.Lock()
		t.subscribed = err == nil
		fn := t.status
		t.mu.Unlock()
		if fn == nil {
			return
		}

		switch {
		case err == nil:
			fn(domain.Subscribed, nil)
		case errors.Is(err, errReplyTimeout):
			fn(domain.TimedOut, err)
		default:
			fn(domain.ChannelError, err)
		}
	}()
}

func (t *wsTopic) Send(ctx context.Context, event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	_, err = t.b.request(ctx, hub.Frame{Op: hub.OpBroadcast, Topic: t.name, Event: event, Payload: raw})
	return err
}

func (t *wsTopic) Unsubscribe() error {
	t.mu.Lock()
	wasSubscribed := t.subscribed
	t.subscribed = false
	fn := t.status
	t.status = nil
	t.mu.Unlock()

	t.b.mu.Lock()
	delete(t.b.topics, t.name)
	t.b.mu.Unlock()

	var err error
	if wasSubscribed {
		_, err = t.b.request(context.Background(), hub.Frame{Op: hub.OpUnsubscribe, Topic: t.name})
	}
	if fn != nil {
		fn(domain.Closed, nil)
	}
	return err
}

func (t *wsTopic) deliver(f hub.Frame) {
	t.mu.RLock()
	fn, ok := t.handlers[f.Event]
	t.mu.RUnlock()
	if ok {
		fn(f.Payload)
	}
}

func (t *wsTopic) lost(err error) {
	t.mu.Lock()
	wasSubscribed := t.subscribed
	t.subscribed = false
	fn := t.status
	t.mu.Unlock()

	if wasSubscribed && fn != nil {
		fn(domain.ChannelError, err)
	}
}
