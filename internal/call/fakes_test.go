package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"teleconsult/native/internal/domain"
	"teleconsult/native/internal/hub"
	"teleconsult/native/internal/signal"
)

type fakeTrack struct {
	id   string
	kind domain.TrackKind

	mu      sync.Mutex
	enabled bool
	stopped int
}

func (t *fakeTrack) ID() string             { return t.id }
func (t *fakeTrack) Kind() domain.TrackKind { return t.kind }

func (t *fakeTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *fakeTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	t.enabled = enabled
	t.mu.Unlock()
}

func (t *fakeTrack) Stop() {
	t.mu.Lock()
	t.stopped++
	t.mu.Unlock()
}

type fakeStream struct {
	tracks []*fakeTrack

	mu    sync.Mutex
	stops int
}

func (s *fakeStream) Tracks() []domain.LocalTrack {
	out := make([]domain.LocalTrack, len(s.tracks))
	for i, t := range s.tracks {
		out[i] = t
	}
	return out
}

func (s *fakeStream) Stop() {
	s.mu.Lock()
	s.stops++
	s.mu.Unlock()
	for _, t := range s.tracks {
		t.Stop()
	}
}

func (s *fakeStream) stopCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stops
}

// fakeMedia hands out fake streams; gate, when set, blocks acquisition
// until it is closed.
type fakeMedia struct {
	mu      sync.Mutex
	calls   int
	err     error
	gate    chan struct{}
	streams []*fakeStream
}

func (m *fakeMedia) GetUserMedia(ctx context.Context, c domain.MediaConstraints) (domain.LocalStream, error) {
	m.mu.Lock()
	m.calls++
	gate, err := m.gate, m.err
	m.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	s := &fakeStream{}
	if c.Audio {
		s.tracks = append(s.tracks, &fakeTrack{id: "mic", kind: domain.TrackAudio, enabled: true})
	}
	if c.Video {
		s.tracks = append(s.tracks, &fakeTrack{id: "cam", kind: domain.TrackVideo, enabled: true})
	}
	m.mu.Lock()
	m.streams = append(m.streams, s)
	m.mu.Unlock()
	return s, nil
}

func (m *fakeMedia) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *fakeMedia) stream(i int) *fakeStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i >= len(m.streams) {
		return nil
	}
	return m.streams[i]
}

type fakePeer struct {
	remoteGate chan struct{}

	mu          sync.Mutex
	local       domain.LocalStream
	onCandidate func(domain.ICECandidatePayload)
	onTrack     func(domain.RemoteTrack)
	onState     func(domain.ConnectionState)
	remote      *domain.SDPPayload
	applied     []string
	early       int
	closed      int
}

func (p *fakePeer) AddLocalStream(s domain.LocalStream) error {
	p.mu.Lock()
	p.local = s
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) SetOnICECandidate(fn func(domain.ICECandidatePayload)) {
	p.mu.Lock()
	p.onCandidate = fn
	p.mu.Unlock()
}

func (p *fakePeer) SetOnTrack(fn func(domain.RemoteTrack)) {
	p.mu.Lock()
	p.onTrack = fn
	p.mu.Unlock()
}

func (p *fakePeer) SetOnICEConnectionStateChange(fn func(domain.ConnectionState)) {
	p.mu.Lock()
	p.onState = fn
	p.mu.Unlock()
}

func (p *fakePeer) CreateOffer(context.Context) (domain.SDPPayload, error) {
	return domain.SDPPayload{Type: "offer", SDP: "v=0\r\no=offer"}, nil
}

func (p *fakePeer) CreateAnswer(context.Context) (domain.SDPPayload, error) {
	return domain.SDPPayload{Type: "answer", SDP: "v=0\r\no=answer"}, nil
}

func (p *fakePeer) SetRemoteDescription(sdp domain.SDPPayload) error {
	if p.remoteGate != nil {
		<-p.remoteGate
	}
	p.mu.Lock()
	p.remote = &sdp
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) AddRemoteICECandidate(c domain.ICECandidatePayload) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		p.early++
	}
	p.applied = append(p.applied, c.Candidate)
	return nil
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	p.closed++
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) emitCandidate(c string) {
	p.mu.Lock()
	fn := p.onCandidate
	p.mu.Unlock()
	fn(domain.ICECandidatePayload{Candidate: c})
}

func (p *fakePeer) emitState(s domain.ConnectionState) {
	p.mu.Lock()
	fn := p.onState
	p.mu.Unlock()
	fn(s)
}

func (p *fakePeer) appliedCandidates() ([]string, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.applied...), p.early
}

func (p *fakePeer) remoteSDP() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		return ""
	}
	return p.remote.SDP
}

func (p *fakePeer) closeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

type fakePeers struct {
	remoteGate chan struct{}

	mu    sync.Mutex
	peers []*fakePeer
}

func (f *fakePeers) NewPeer() (domain.Peer, error) {
	p := &fakePeer{remoteGate: f.remoteGate}
	f.mu.Lock()
	f.peers = append(f.peers, p)
	f.mu.Unlock()
	return p, nil
}

func (f *fakePeers) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.peers)
}

func (f *fakePeers) last() *fakePeer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peers[len(f.peers)-1]
}

type fakeHistory struct {
	mu       sync.Mutex
	started  []domain.CallRecord
	finished map[string]domain.RecordStatus
}

func (h *fakeHistory) RecordStarted(_ context.Context, rec domain.CallRecord) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.started = append(h.started, rec)
	return fmt.Sprintf("rec-%d", len(h.started)), nil
}

func (h *fakeHistory) RecordFinished(_ context.Context, id string, status domain.RecordStatus, _ int, _ time.Time) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.finished == nil {
		h.finished = make(map[string]domain.RecordStatus)
	}
	h.finished[id] = status
	return nil
}

func (h *fakeHistory) status(id string) domain.RecordStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.finished[id]
}

// flakyBroker fails the first n subscriptions with CHANNEL_ERROR.
type flakyBroker struct {
	inner *hub.LocalBroker

	mu       sync.Mutex
	failures int
}

func (b *flakyBroker) Channel(name string) domain.Topic {
	return &flakyTopic{Topic: b.inner.Channel(name), b: b}
}

type flakyTopic struct {
	domain.Topic
	b *flakyBroker
}

func (t *flakyTopic) Subscribe(fn func(domain.SubscribeStatus, error)) {
	t.b.mu.Lock()
	fail := t.b.failures > 0
	if fail {
		t.b.failures--
	}
	t.b.mu.Unlock()

	if fail {
		go fn(domain.ChannelError, errors.New("socket closed"))
		return
	}
	t.Topic.Subscribe(fn)
}

// tap is a bare subscriber on the conversation topic that records what
// the controllers send and can inject signals as another participant.
type tap struct {
	topic domain.Topic

	mu  sync.Mutex
	got []domain.Signal
}

func newTap(b domain.Broker, conversationID string) *tap {
	p := &tap{topic: b.Channel(signal.TopicName(conversationID))}
	p.topic.On(signal.SignalEvent, func(raw json.RawMessage) {
		var s domain.Signal
		if err := json.Unmarshal(raw, &s); err != nil {
			return
		}
		p.mu.Lock()
		p.got = append(p.got, s)
		p.mu.Unlock()
	})
	p.topic.Subscribe(nil)
	return p
}

func (p *tap) types() []domain.SignalType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.SignalType, len(p.got))
	for i, s := range p.got {
		out[i] = s.Type
	}
	return out
}

func (p *tap) has(t domain.SignalType) bool {
	for _, got := range p.types() {
		if got == t {
			return true
		}
	}
	return false
}

func (p *tap) inject(t *testing.T, sig domain.Signal) {
	t.Helper()
	if err := p.topic.Send(context.Background(), signal.SignalEvent, sig); err != nil {
		t.Fatalf("inject %s: %v", sig.Type, err)
	}
}

func from(user string, typ domain.SignalType) domain.Signal {
	s := domain.Signal{
		Type:           typ,
		CallerID:       user,
		CallerName:     user,
		CallType:       domain.CallVideo,
		ConversationID: "c1",
	}
	switch typ {
	case domain.SignalOffer:
		s.Offer = &domain.SDPPayload{Type: "offer", SDP: "v=0\r\no=" + user}
	case domain.SignalAnswer:
		s.Answer = &domain.SDPPayload{Type: "answer", SDP: "v=0\r\no=" + user}
	}
	return s
}

func candidateFrom(user, c string) domain.Signal {
	s := from(user, domain.SignalICECandidate)
	s.Candidate = &domain.ICECandidatePayload{Candidate: c}
	return s
}

type party struct {
	c       *Controller
	media   *fakeMedia
	peers   *fakePeers
	history *fakeHistory
	rec     *Recorder
}

func newParty(t *testing.T, b domain.Broker, self, remote string, tweak func(*Options, *Deps)) *party {
	t.Helper()
	p := &party{
		media:   &fakeMedia{},
		peers:   &fakePeers{},
		history: &fakeHistory{},
		rec:     &Recorder{},
	}
	opts := Options{
		ConversationID:   "c1",
		SelfID:           self,
		RemoteUserID:     remote,
		ResubscribeDelay: 20 * time.Millisecond,
		EndedResetDelay:  50 * time.Millisecond,
		TickInterval:     20 * time.Millisecond,
		Logger:           zerolog.Nop(),
	}
	deps := Deps{
		Broker:   b,
		Media:    p.media,
		Peers:    p.peers,
		History:  p.history,
		Observer: p.rec,
	}
	if tweak != nil {
		tweak(&opts, &deps)
	}

	c, err := New(opts, deps)
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	t.Cleanup(c.Close)
	p.c = c
	return p
}

func (p *party) status() domain.CallStatus {
	return p.c.Snapshot().Status
}

func (r *Recorder) count(kind NoticeKind, detail string) int {
	n := 0
	for _, x := range r.Notices() {
		if x.Kind == kind && (detail == "" || x.Detail == detail) {
			n++
		}
	}
	return n
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func localBroker() *hub.LocalBroker {
	return hub.NewLocalBroker(hub.New(zerolog.Nop()))
}
