package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"teleconsult/native/internal/domain"
	"teleconsult/native/internal/signal"
)

const (
	DefaultEndedResetDelay  = 2 * time.Second
	DefaultResubscribeDelay = 2 * time.Second

	defaultTickInterval = time.Second
	defaultSendTimeout  = 5 * time.Second
)

// Options configures a Controller.
type Options struct {
	ConversationID string
	SelfID         string
	SelfName       string
	// RemoteUserID is woken on its wake topic when a call starts. Empty
	// disables waking.
	RemoteUserID string

	ResubscribeDelay time.Duration
	EndedResetDelay  time.Duration
	// RingTimeout ends an unanswered outgoing call. Zero disables it.
	RingTimeout  time.Duration
	TickInterval time.Duration
	SendTimeout  time.Duration

	Logger zerolog.Logger
}

// Waker delivers an offer to a user who may not have the conversation open.
type Waker interface {
	Wake(ctx context.Context, userID string, sig domain.Signal) error
}

// HandoffSource yields an offer detected before the controller existed.
type HandoffSource interface {
	Take(conversationID string) (domain.PendingIncomingCall, bool)
}

// Deps are the collaborators of a Controller. Broker, Media and Peers are
// required; the rest are optional.
type Deps struct {
	Broker   domain.Broker
	Media    domain.MediaSource
	Peers    domain.PeerFactory
	History  domain.HistorySink
	Waker    Waker
	Handoff  HandoffSource
	Observer Observer
}

// Snapshot is an immutable copy of the UI-visible call state.
type Snapshot struct {
	Status          domain.CallStatus
	CallType        domain.CallType
	ConnectionState domain.ConnectionState
	Duration        int
	Muted           bool
	VideoOff        bool
	Incoming        *domain.PendingIncomingCall
	HasLocalStream  bool
	HasRemoteStream bool
	RemoteTracks    []domain.RemoteTrack
}

type role int

const (
	roleCaller role = iota
	roleCallee
)

// session holds the resources of one call attempt. A Controller has at most
// one current session; a session that is no longer current has been torn
// down and anything still attached to it must be released.
type session struct {
	role      role
	callType  domain.CallType
	startedAt time.Time

	// Guarded by Controller.mu.
	local          domain.LocalStream
	peer           domain.Peer
	remote         []domain.RemoteTrack
	queue          iceQueue
	remoteSet      bool
	applyingAnswer bool
	descSent       bool
	outbound       []domain.ICECandidatePayload
	connectedAt    time.Time
	recordID       string
	finished       bool
	recorded       bool
	outcome        domain.RecordStatus
	duration       int
	endedAt        time.Time

	// outMu orders local candidate sends behind the offer or answer.
	outMu   sync.Mutex
	release sync.Once
}

// Controller runs the call lifecycle of one conversation.
type Controller struct {
	opts    Options
	deps    Deps
	obs     Observer
	channel *signal.Channel
	started chan struct{}

	mu         sync.Mutex
	state      State
	sess       *session
	pending    iceQueue
	resetTimer *time.Timer
	ringTimer  *time.Timer
	tickStop   chan struct{}
	closed     bool
}

// New creates a Controller and subscribes to the conversation topic. An
// incoming call left in deps.Handoff for this conversation is taken over.
func New(opts Options, deps Deps) (*Controller, error) {
	if opts.ConversationID == "" || opts.SelfID == "" {
		return nil, errors.New("conversation id and self id are required")
	}
	if deps.Broker == nil || deps.Media == nil || deps.Peers == nil {
		return nil, errors.New("broker, media source and peer factory are required")
	}
	if opts.EndedResetDelay <= 0 {
		opts.EndedResetDelay = DefaultEndedResetDelay
	}
	if opts.ResubscribeDelay <= 0 {
		opts.ResubscribeDelay = DefaultResubscribeDelay
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = defaultTickInterval
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = defaultSendTimeout
	}
	if opts.SelfName == "" {
		opts.SelfName = opts.SelfID
	}

	c := &Controller{
		opts:    opts,
		deps:    deps,
		obs:     deps.Observer,
		state:   Idle(),
		started: make(chan struct{}),
	}
	if c.obs == nil {
		c.obs = ObserverFunc(func(Notice) {})
	}

	if deps.Handoff != nil {
		if inc, ok := deps.Handoff.Take(opts.ConversationID); ok {
			c.state = Reduce(c.state, Event{Kind: EvOfferReceived, Incoming: &inc})
		}
	}

	c.channel = signal.Open(deps.Broker, opts.ConversationID, opts.SelfID, func(sig domain.Signal) {
		<-c.started
		c.onSignal(sig)
	}, signal.Options{ResubscribeDelay: opts.ResubscribeDelay, Logger: opts.Logger})
	close(c.started)

	c.notifyState("mounted")
	return c, nil
}

// ConversationID returns the conversation this controller serves.
func (c *Controller) ConversationID() string {
	return c.opts.ConversationID
}

// Snapshot returns the current UI-visible state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() Snapshot {
	snap := Snapshot{
		Status:          c.state.Status,
		CallType:        c.state.CallType,
		ConnectionState: c.state.ConnectionState,
		Duration:        c.state.Duration,
		Muted:           c.state.Muted,
		VideoOff:        c.state.VideoOff,
	}
	if c.state.Incoming != nil {
		inc := *c.state.Incoming
		snap.Incoming = &inc
	}
	if s := c.sess; s != nil {
		snap.HasLocalStream = s.local != nil
		snap.HasRemoteStream = len(s.remote) > 0
		snap.RemoteTracks = append([]domain.RemoteTrack(nil), s.remote...)
	}
	return snap
}

// StartCall places an outgoing call.
func (c *Controller) StartCall(ctx context.Context, callType domain.CallType) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return domain.ErrChannelClosed
	}
	if c.sess != nil || c.state.Status != domain.StatusIdle || c.state.Incoming != nil {
		c.mu.Unlock()
		return domain.ErrCallActive
	}
	s := &session{role: roleCaller, callType: callType, startedAt: time.Now()}
	c.sess = s
	c.state = Reduce(c.state, Event{Kind: EvStart, CallType: callType})
	c.mu.Unlock()
	c.notifyState("start")

	local, err := c.deps.Media.GetUserMedia(ctx, domain.ConstraintsFor(callType))
	if err != nil {
		return c.abort(s, fmt.Errorf("%w: %v", domain.ErrMediaAcquisition, err), false)
	}
	if !c.attachLocal(s, local) {
		return domain.ErrCallSuperseded
	}

	peer, err := c.openPeer(s)
	if err != nil {
		return c.abort(s, err, false)
	}

	offer, err := peer.CreateOffer(ctx)
	if err != nil {
		return c.abort(s, fmt.Errorf("%w: create offer: %v", domain.ErrNegotiation, err), false)
	}
	if !c.current(s) {
		return c.abort(s, domain.ErrCallSuperseded, false)
	}

	sig := c.envelope(domain.SignalOffer, callType)
	sig.Offer = &offer
	if err := c.send(ctx, sig); err != nil {
		return c.abort(s, err, false)
	}
	c.descriptionSent(s)

	if c.opts.RemoteUserID != "" && c.deps.Waker != nil {
		if err := c.deps.Waker.Wake(ctx, c.opts.RemoteUserID, sig); err != nil {
			c.notice(Notice{Kind: NoticeError, Err: err, Detail: "wake failed"})
		}
	}

	c.recordStarted(ctx, s)
	c.armRingTimer(s)
	return nil
}

// AcceptCall answers the pending incoming call.
func (c *Controller) AcceptCall(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return domain.ErrChannelClosed
	}
	if c.state.Incoming == nil {
		c.mu.Unlock()
		return domain.ErrNoIncomingCall
	}
	if c.sess != nil {
		c.mu.Unlock()
		return domain.ErrCallActive
	}
	if c.state.Status == domain.StatusEnded {
		c.stopResetLocked()
		c.state = Reduce(c.state, Event{Kind: EvReset})
	}
	inc := *c.state.Incoming
	s := &session{role: roleCallee, callType: inc.CallType, startedAt: time.Now()}
	s.queue = c.pending
	c.pending = iceQueue{}
	c.sess = s
	c.mu.Unlock()

	local, err := c.deps.Media.GetUserMedia(ctx, domain.ConstraintsFor(inc.CallType))
	if err != nil {
		return c.abort(s, fmt.Errorf("%w: %v", domain.ErrMediaAcquisition, err), false)
	}
	if !c.attachLocal(s, local) {
		return domain.ErrCallSuperseded
	}

	peer, err := c.openPeer(s)
	if err != nil {
		return c.abort(s, err, false)
	}

	if err := peer.SetRemoteDescription(inc.Offer); err != nil {
		return c.abort(s, fmt.Errorf("%w: set remote offer: %v", domain.ErrNegotiation, err), true)
	}
	c.mu.Lock()
	if c.sess != s {
		c.mu.Unlock()
		return c.abort(s, domain.ErrCallSuperseded, false)
	}
	flushed, errs := c.flushLocked(s)
	c.mu.Unlock()
	c.reportFlush(flushed, errs)

	answer, err := peer.CreateAnswer(ctx)
	if err != nil {
		return c.abort(s, fmt.Errorf("%w: create answer: %v", domain.ErrNegotiation, err), true)
	}
	if !c.current(s) {
		return c.abort(s, domain.ErrCallSuperseded, false)
	}

	sig := c.envelope(domain.SignalAnswer, inc.CallType)
	sig.Answer = &answer
	if err := c.send(ctx, sig); err != nil {
		return c.abort(s, err, false)
	}
	c.descriptionSent(s)

	c.mu.Lock()
	if c.sess != s {
		c.mu.Unlock()
		return domain.ErrCallSuperseded
	}
	c.state = Reduce(c.state, Event{Kind: EvAccepted})
	s.connectedAt = time.Now()
	c.startTickerLocked(s)
	c.mu.Unlock()
	c.notifyState("accepted")
	return nil
}

// RejectCall declines the pending incoming call. No media is acquired and
// no peer connection is created.
func (c *Controller) RejectCall(ctx context.Context) error {
	c.mu.Lock()
	if c.state.Incoming == nil {
		c.mu.Unlock()
		return domain.ErrNoIncomingCall
	}
	if c.sess != nil {
		c.mu.Unlock()
		return domain.ErrCallActive
	}
	callType := c.state.Incoming.CallType
	c.pending = iceQueue{}
	c.stopResetLocked()
	c.state = Reduce(c.state, Event{Kind: EvLocalReject})
	c.mu.Unlock()
	c.notifyState("rejected")

	return c.send(ctx, c.envelope(domain.SignalCallReject, callType))
}

// EndCall hangs up the current call and notifies the peer.
func (c *Controller) EndCall(ctx context.Context) error {
	c.mu.Lock()
	s := c.sess
	if s == nil {
		c.mu.Unlock()
		return domain.ErrNoActiveCall
	}
	callType := s.callType
	c.teardownLocked(Event{Kind: EvLocalEnd})
	c.mu.Unlock()
	c.afterTeardown(s, "local-end")

	return c.send(ctx, c.envelope(domain.SignalCallEnd, callType))
}

// ToggleMute flips the enabled flag of the local audio tracks and returns
// whether audio is now muted.
func (c *Controller) ToggleMute() (bool, error) {
	return c.toggle(domain.TrackAudio, EvMuteToggled)
}

// ToggleVideo flips the enabled flag of the local video tracks and returns
// whether video is now off.
func (c *Controller) ToggleVideo() (bool, error) {
	return c.toggle(domain.TrackVideo, EvVideoToggled)
}

func (c *Controller) toggle(kind domain.TrackKind, ev EventKind) (bool, error) {
	c.mu.Lock()
	off := func() bool {
		if kind == domain.TrackAudio {
			return c.state.Muted
		}
		return c.state.VideoOff
	}

	s := c.sess
	if s == nil || s.local == nil {
		defer c.mu.Unlock()
		return off(), domain.ErrNoActiveCall
	}
	var tracks []domain.LocalTrack
	for _, t := range s.local.Tracks() {
		if t.Kind() == kind {
			tracks = append(tracks, t)
		}
	}
	if len(tracks) == 0 {
		defer c.mu.Unlock()
		return off(), domain.ErrNoTrack
	}

	c.state = Reduce(c.state, Event{Kind: ev})
	now := off()
	for _, t := range tracks {
		t.SetEnabled(!now)
	}
	c.mu.Unlock()
	c.notifyState(ev.String())
	return now, nil
}

// Close tears down any call, notifying the peer, and unsubscribes. The
// controller cannot be used afterwards.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	s := c.sess
	var callType domain.CallType
	if s != nil {
		callType = s.callType
	}
	c.teardownLocked(Event{Kind: EvAborted})
	c.stopResetLocked()
	c.mu.Unlock()

	if s != nil {
		c.afterTeardown(s, "closed")
		c.sendAsync(c.envelope(domain.SignalCallEnd, callType))
	}
	c.channel.Close()
}

func (c *Controller) onSignal(sig domain.Signal) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	c.notice(Notice{Kind: NoticeSignalReceived, Signal: sig.Type, Detail: sig.CallerID})

	switch sig.Type {
	case domain.SignalOffer:
		c.handleOffer(sig)
	case domain.SignalAnswer:
		c.handleAnswer(sig)
	case domain.SignalICECandidate:
		c.handleCandidate(*sig.Candidate)
	case domain.SignalCallEnd:
		c.handleRemoteTerminal(EvRemoteEnd, "remote-end")
	case domain.SignalCallReject:
		c.handleRemoteTerminal(EvRemoteReject, "remote-reject")
	}
}

func (c *Controller) handleOffer(sig domain.Signal) {
	inc, err := domain.IncomingFromSignal(sig)
	if err != nil {
		c.notice(Notice{Kind: NoticeSignalIgnored, Signal: sig.Type, Err: err, Detail: "malformed offer"})
		return
	}

	c.mu.Lock()
	if prev := c.state.Incoming; prev != nil && prev.CallerID == inc.CallerID && prev.Offer.SDP == inc.Offer.SDP {
		c.mu.Unlock()
		c.notice(Notice{Kind: NoticeSignalIgnored, Signal: sig.Type, Detail: "duplicate offer"})
		return
	}
	busy := c.sess != nil ||
		c.state.Status == domain.StatusCalling ||
		c.state.Status == domain.StatusConnected
	if busy {
		c.mu.Unlock()
		c.notice(Notice{Kind: NoticeSignalIgnored, Signal: sig.Type, Detail: "busy, rejecting offer"})
		c.sendAsync(c.envelope(domain.SignalCallReject, inc.CallType))
		return
	}
	if c.state.Incoming != nil {
		c.pending = iceQueue{}
	}
	c.state = Reduce(c.state, Event{Kind: EvOfferReceived, Incoming: &inc})
	c.mu.Unlock()
	c.notifyState("incoming")
}

func (c *Controller) handleAnswer(sig domain.Signal) {
	c.mu.Lock()
	s := c.sess
	if s == nil || s.role != roleCaller || s.peer == nil || s.remoteSet || s.applyingAnswer ||
		c.state.Status != domain.StatusCalling {
		c.mu.Unlock()
		c.notice(Notice{Kind: NoticeSignalIgnored, Signal: sig.Type, Detail: "no call awaiting an answer"})
		return
	}
	s.applyingAnswer = true
	peer := s.peer
	c.mu.Unlock()

	if err := peer.SetRemoteDescription(*sig.Answer); err != nil {
		_ = c.abort(s, fmt.Errorf("%w: set remote answer: %v", domain.ErrNegotiation, err), true)
		return
	}

	c.mu.Lock()
	if c.sess != s {
		c.mu.Unlock()
		return
	}
	flushed, errs := c.flushLocked(s)
	c.state = Reduce(c.state, Event{Kind: EvAnswerReceived})
	s.connectedAt = time.Now()
	c.stopRingLocked()
	c.startTickerLocked(s)
	c.mu.Unlock()

	c.reportFlush(flushed, errs)
	c.notifyState("answered")
}

func (c *Controller) handleCandidate(cand domain.ICECandidatePayload) {
	c.mu.Lock()
	s := c.sess
	switch {
	case s == nil && c.state.Incoming != nil:
		c.pending.push(cand)
		n := c.pending.len()
		c.mu.Unlock()
		c.notice(Notice{Kind: NoticeCandidateQueue, Count: n, Detail: "before accept"})

	case s == nil:
		c.mu.Unlock()
		c.notice(Notice{Kind: NoticeSignalIgnored, Signal: domain.SignalICECandidate, Detail: "no call in progress"})

	case !s.remoteSet:
		s.queue.push(cand)
		n := s.queue.len()
		c.mu.Unlock()
		c.notice(Notice{Kind: NoticeCandidateQueue, Count: n, Detail: "before remote description"})

	default:
		err := s.peer.AddRemoteICECandidate(cand)
		c.mu.Unlock()
		if err != nil {
			c.notice(Notice{Kind: NoticeError, Err: err, Detail: "add remote candidate"})
		}
	}
}

func (c *Controller) handleRemoteTerminal(ev EventKind, detail string) {
	c.mu.Lock()
	s := c.sess
	if s == nil && c.state.Incoming == nil &&
		(c.state.Status == domain.StatusIdle || c.state.Status == domain.StatusEnded) {
		c.mu.Unlock()
		return
	}
	c.teardownLocked(Event{Kind: ev})
	c.mu.Unlock()
	c.afterTeardown(s, detail)
}

func (c *Controller) onLocalCandidate(s *session, cand domain.ICECandidatePayload) {
	s.outMu.Lock()
	defer s.outMu.Unlock()

	c.mu.Lock()
	if c.sess != s {
		c.mu.Unlock()
		return
	}
	if !s.descSent {
		s.outbound = append(s.outbound, cand)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.sendCandidate(s, cand)
}

// descriptionSent releases local candidates held back until the offer or
// answer was handed to the channel.
func (c *Controller) descriptionSent(s *session) {
	s.outMu.Lock()
	defer s.outMu.Unlock()

	c.mu.Lock()
	s.descSent = true
	queued := s.outbound
	s.outbound = nil
	current := c.sess == s
	c.mu.Unlock()

	if !current {
		return
	}
	for _, cand := range queued {
		c.sendCandidate(s, cand)
	}
}

func (c *Controller) sendCandidate(s *session, cand domain.ICECandidatePayload) {
	sig := c.envelope(domain.SignalICECandidate, s.callType)
	sig.Candidate = &cand
	c.sendAsync(sig)
}

func (c *Controller) onRemoteTrack(s *session, t domain.RemoteTrack) {
	c.mu.Lock()
	if c.sess != s {
		c.mu.Unlock()
		return
	}
	s.remote = append(s.remote, t)
	c.mu.Unlock()
	c.notice(Notice{Kind: NoticeRemoteTrack, Detail: string(t.Kind) + " " + t.Codec})
	c.notifyState("remote-track")
}

func (c *Controller) onConnectionState(s *session, st domain.ConnectionState) {
	c.mu.Lock()
	if c.sess != s {
		c.mu.Unlock()
		return
	}
	c.state = Reduce(c.state, Event{Kind: EvConnectionState, Connection: st})
	if st != domain.ConnectionFailed {
		c.mu.Unlock()
		c.notifyState("ice " + string(st))
		return
	}
	callType := s.callType
	c.teardownLocked(Event{Kind: EvICEFailed})
	c.mu.Unlock()

	c.notice(Notice{Kind: NoticeError, Err: errors.New("ice connection failed"), Detail: "ending call"})
	// Closing the peer connection from inside its own state callback is not
	// allowed.
	go func() {
		c.afterTeardown(s, "ice-failed")
		c.sendAsync(c.envelope(domain.SignalCallEnd, callType))
	}()
}

func (c *Controller) current(s *session) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess == s
}

func (c *Controller) attachLocal(s *session, local domain.LocalStream) bool {
	c.mu.Lock()
	ok := c.sess == s
	if ok {
		s.local = local
	}
	c.mu.Unlock()

	if !ok {
		local.Stop()
		c.notice(Notice{Kind: NoticeMediaReleased, Detail: "call superseded during acquisition"})
		return false
	}
	c.notice(Notice{Kind: NoticeMediaAcquired, Count: len(local.Tracks())})
	return true
}

func (c *Controller) openPeer(s *session) (domain.Peer, error) {
	peer, err := c.deps.Peers.NewPeer()
	if err != nil {
		return nil, fmt.Errorf("%w: new peer connection: %v", domain.ErrNegotiation, err)
	}
	peer.SetOnICECandidate(func(cand domain.ICECandidatePayload) { c.onLocalCandidate(s, cand) })
	peer.SetOnTrack(func(t domain.RemoteTrack) { c.onRemoteTrack(s, t) })
	peer.SetOnICEConnectionStateChange(func(st domain.ConnectionState) { c.onConnectionState(s, st) })

	c.mu.Lock()
	ok := c.sess == s
	var local domain.LocalStream
	if ok {
		s.peer = peer
		local = s.local
	}
	c.mu.Unlock()
	if !ok {
		_ = peer.Close()
		return nil, domain.ErrCallSuperseded
	}

	if err := peer.AddLocalStream(local); err != nil {
		return nil, fmt.Errorf("%w: add local stream: %v", domain.ErrNegotiation, err)
	}
	return peer, nil
}

// flushLocked marks the remote description as set and applies queued
// candidates in arrival order.
func (c *Controller) flushLocked(s *session) (int, []error) {
	s.remoteSet = true
	queued := s.queue.drain()
	var errs []error
	for _, cand := range queued {
		if err := s.peer.AddRemoteICECandidate(cand); err != nil {
			errs = append(errs, err)
		}
	}
	return len(queued), errs
}

func (c *Controller) reportFlush(n int, errs []error) {
	if n > 0 {
		c.notice(Notice{Kind: NoticeCandidateFlush, Count: n})
	}
	for _, err := range errs {
		c.notice(Notice{Kind: NoticeError, Err: err, Detail: "add queued candidate"})
	}
}

// abort tears s down to idle after a failure. If s was already superseded
// its resources are released and ErrCallSuperseded is returned instead of
// cause.
func (c *Controller) abort(s *session, cause error, notifyPeer bool) error {
	c.mu.Lock()
	if c.sess != s {
		c.mu.Unlock()
		c.release(s)
		return domain.ErrCallSuperseded
	}
	callType := s.callType
	c.teardownLocked(Event{Kind: EvAborted})
	c.mu.Unlock()

	c.notice(Notice{Kind: NoticeError, Err: cause, Detail: "call aborted"})
	c.afterTeardown(s, "aborted")
	if notifyPeer {
		c.sendAsync(c.envelope(domain.SignalCallEnd, callType))
	}
	return cause
}

// teardownLocked detaches the current session and applies e. The caller
// must run afterTeardown on the returned session once the lock is released.
func (c *Controller) teardownLocked(e Event) *session {
	s := c.sess
	c.sess = nil
	c.pending = iceQueue{}
	c.stopRingLocked()
	c.stopTickerLocked()

	if s != nil {
		s.finished = true
		s.endedAt = time.Now()
		if s.connectedAt.IsZero() {
			s.outcome = domain.RecordMissed
		} else {
			s.outcome = domain.RecordCompleted
			s.duration = int(s.endedAt.Sub(s.connectedAt).Seconds())
		}
	}

	c.state = Reduce(c.state, e)
	if c.state.Status == domain.StatusEnded {
		c.scheduleResetLocked()
	}
	return s
}

func (c *Controller) afterTeardown(s *session, detail string) {
	c.release(s)
	c.finishHistory(s)
	c.notifyState(detail)
}

// release stops local media and closes the peer connection, once per session.
func (c *Controller) release(s *session) {
	if s == nil {
		return
	}
	s.release.Do(func() {
		c.mu.Lock()
		local, peer := s.local, s.peer
		c.mu.Unlock()

		if local != nil {
			local.Stop()
			c.notice(Notice{Kind: NoticeMediaReleased})
		}
		if peer != nil {
			if err := peer.Close(); err != nil {
				c.notice(Notice{Kind: NoticeError, Err: err, Detail: "close peer connection"})
			}
		}
	})
}

func (c *Controller) recordStarted(ctx context.Context, s *session) {
	if c.deps.History == nil {
		return
	}
	id, err := c.deps.History.RecordStarted(ctx, domain.CallRecord{
		ConversationID: c.opts.ConversationID,
		CallerID:       c.opts.SelfID,
		CallType:       s.callType,
		Status:         domain.RecordRinging,
		StartedAt:      s.startedAt,
	})
	if err != nil {
		c.notice(Notice{Kind: NoticeError, Err: err, Detail: "record call start"})
		return
	}

	c.mu.Lock()
	s.recordID = id
	done := s.finished
	c.mu.Unlock()
	if done {
		c.finishHistory(s)
	}
}

// finishHistory closes the history row of an outgoing call. Only the caller
// owns the row.
func (c *Controller) finishHistory(s *session) {
	if s == nil || c.deps.History == nil || s.role != roleCaller {
		return
	}
	c.mu.Lock()
	ready := s.finished && s.recordID != "" && !s.recorded
	if ready {
		s.recorded = true
	}
	id, status, dur, at := s.recordID, s.outcome, s.duration, s.endedAt
	c.mu.Unlock()
	if !ready {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.SendTimeout)
	defer cancel()
	if err := c.deps.History.RecordFinished(ctx, id, status, dur, at); err != nil {
		c.notice(Notice{Kind: NoticeError, Err: err, Detail: "record call end"})
	}
}

func (c *Controller) armRingTimer(s *session) {
	if c.opts.RingTimeout <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess != s || c.state.Status != domain.StatusCalling {
		return
	}
	c.ringTimer = time.AfterFunc(c.opts.RingTimeout, func() { c.ringExpired(s) })
}

func (c *Controller) ringExpired(s *session) {
	c.mu.Lock()
	if c.sess != s || c.state.Status != domain.StatusCalling {
		c.mu.Unlock()
		return
	}
	callType := s.callType
	c.teardownLocked(Event{Kind: EvLocalEnd})
	c.mu.Unlock()

	c.afterTeardown(s, "ring-timeout")
	c.sendAsync(c.envelope(domain.SignalCallEnd, callType))
}

func (c *Controller) stopRingLocked() {
	if c.ringTimer != nil {
		c.ringTimer.Stop()
		c.ringTimer = nil
	}
}

func (c *Controller) scheduleResetLocked() {
	c.stopResetLocked()
	var t *time.Timer
	t = time.AfterFunc(c.opts.EndedResetDelay, func() {
		c.mu.Lock()
		if c.resetTimer != t || c.state.Status != domain.StatusEnded {
			c.mu.Unlock()
			return
		}
		c.resetTimer = nil
		c.state = Reduce(c.state, Event{Kind: EvReset})
		c.mu.Unlock()
		c.notifyState("reset")
	})
	c.resetTimer = t
}

func (c *Controller) stopResetLocked() {
	if c.resetTimer != nil {
		c.resetTimer.Stop()
		c.resetTimer = nil
	}
}

func (c *Controller) startTickerLocked(s *session) {
	c.stopTickerLocked()
	stop := make(chan struct{})
	c.tickStop = stop

	go func() {
		t := time.NewTicker(c.opts.TickInterval)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				c.mu.Lock()
				if c.sess != s {
					c.mu.Unlock()
					return
				}
				c.state = Reduce(c.state, Event{Kind: EvTick})
				snap := c.snapshotLocked()
				c.mu.Unlock()
				c.notice(Notice{Kind: NoticeDuration, Snapshot: snap})
			}
		}
	}()
}

func (c *Controller) stopTickerLocked() {
	if c.tickStop != nil {
		close(c.tickStop)
		c.tickStop = nil
	}
}

func (c *Controller) envelope(t domain.SignalType, callType domain.CallType) domain.Signal {
	return domain.Signal{
		Type:           t,
		CallerID:       c.opts.SelfID,
		CallerName:     c.opts.SelfName,
		CallType:       callType,
		ConversationID: c.opts.ConversationID,
	}
}

func (c *Controller) send(ctx context.Context, sig domain.Signal) error {
	if err := c.channel.Send(ctx, sig); err != nil {
		c.notice(Notice{Kind: NoticeError, Signal: sig.Type, Err: err, Detail: "send failed"})
		return err
	}
	c.notice(Notice{Kind: NoticeSignalSent, Signal: sig.Type})
	return nil
}

// sendAsync sends from a callback, where there is no caller context.
func (c *Controller) sendAsync(sig domain.Signal) {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.SendTimeout)
	defer cancel()
	_ = c.send(ctx, sig)
}

func (c *Controller) notice(n Notice) {
	n.ConversationID = c.opts.ConversationID
	c.obs.Notify(n)
}

func (c *Controller) notifyState(detail string) {
	c.notice(Notice{Kind: NoticeState, Snapshot: c.Snapshot(), Detail: detail})
}
