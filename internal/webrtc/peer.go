package webrtc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/nack"
	"github.com/pion/rtcp"
	pion "github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"teleconsult/native/internal/domain"
	"teleconsult/native/internal/logging"
)

const (
	defaultGatherTimeout = 2 * time.Second
	pliInterval          = 3 * time.Second
)

// Factory creates peer connections sharing one pion API and ICE
// configuration. It implements domain.PeerFactory.
type Factory struct {
	api           *pion.API
	config        pion.Configuration
	log           zerolog.Logger
	gatherTimeout time.Duration
}

// NewFactory registers Opus and VP8, installs NACK and RTCP report
// interceptors and routes pion's logging through l.
func NewFactory(iceServers []domain.ICEServer, l zerolog.Logger) (*Factory, error) {
	m := &pion.MediaEngine{}

	opus := pion.RTPCodecParameters{
		RTPCodecCapability: pion.RTPCodecCapability{
			MimeType:    pion.MimeTypeOpus,
			ClockRate:   48000,
			Channels:    2,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		},
		PayloadType: 111,
	}
	if err := m.RegisterCodec(opus, pion.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("register Opus: %w", err)
	}

	vp8 := pion.RTPCodecParameters{
		RTPCodecCapability: pion.RTPCodecCapability{
			MimeType:     pion.MimeTypeVP8,
			ClockRate:    90000,
			RTCPFeedback: []pion.RTCPFeedback{{Type: "nack"}, {Type: "nack", Parameter: "pli"}},
		},
		PayloadType: 96,
	}
	if err := m.RegisterCodec(vp8, pion.RTPCodecTypeVideo); err != nil {
		return nil, fmt.Errorf("register VP8: %w", err)
	}

	i := &interceptor.Registry{}
	responder, err := nack.NewResponderInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create nack responder: %w", err)
	}
	i.Add(responder)
	generator, err := nack.NewGeneratorInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create nack generator: %w", err)
	}
	i.Add(generator)
	if err := pion.ConfigureRTCPReports(i); err != nil {
		return nil, fmt.Errorf("configure rtcp reports: %w", err)
	}

	se := pion.SettingEngine{LoggerFactory: logging.PionFactory{Logger: l}}

	api := pion.NewAPI(
		pion.WithMediaEngine(m),
		pion.WithInterceptorRegistry(i),
		pion.WithSettingEngine(se),
	)

	return &Factory{
		api:           api,
		config:        pion.Configuration{ICEServers: toPionServers(iceServers), BundlePolicy: pion.BundlePolicyMaxBundle},
		log:           l.With().Str("component", "webrtc").Logger(),
		gatherTimeout: defaultGatherTimeout,
	}, nil
}

func toPionServers(servers []domain.ICEServer) []pion.ICEServer {
	out := make([]pion.ICEServer, 0, len(servers))
	for _, s := range servers {
		out = append(out, pion.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return out
}

// NewPeer implements domain.PeerFactory.
func (f *Factory) NewPeer() (domain.Peer, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	p := &Peer{
		pc:            pc,
		log:           f.log,
		gatherTimeout: f.gatherTimeout,
		done:          make(chan struct{}),
	}
	pc.OnICECandidate(p.handleICECandidate)
	pc.OnTrack(p.handleTrack)
	pc.OnICEConnectionStateChange(p.handleICEState)
	pc.OnConnectionStateChange(func(state pion.PeerConnectionState) {
		p.log.Debug().Str("state", state.String()).Msg("peer connection state")
	})
	return p, nil
}

// Peer wraps a pion PeerConnection. It implements domain.Peer.
type Peer struct {
	pc            *pion.PeerConnection
	log           zerolog.Logger
	gatherTimeout time.Duration

	mu          sync.Mutex
	onCandidate func(domain.ICECandidatePayload)
	onTrack     func(domain.RemoteTrack)
	onState     func(domain.ConnectionState)

	done      chan struct{}
	closeOnce sync.Once
}

// pionTrack is implemented by local tracks backed by a pion TrackLocal.
type pionTrack interface {
	TrackLocal() pion.TrackLocal
}

// AddLocalStream adds every track of stream to the connection.
func (p *Peer) AddLocalStream(stream domain.LocalStream) error {
	for _, t := range stream.Tracks() {
		pt, ok := t.(pionTrack)
		if !ok {
			return fmt.Errorf("track %s is not backed by a pion track", t.ID())
		}
		sender, err := p.pc.AddTrack(pt.TrackLocal())
		if err != nil {
			return fmt.Errorf("add %s track: %w", t.Kind(), err)
		}
		go drainRTCP(sender)
	}
	return nil
}

// drainRTCP reads RTCP for a sender so interceptors (NACK) keep running.
func drainRTCP(sender *pion.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (p *Peer) SetOnICECandidate(fn func(domain.ICECandidatePayload)) {
	p.mu.Lock()
	p.onCandidate = fn
	p.mu.Unlock()
}

func (p *Peer) SetOnTrack(fn func(domain.RemoteTrack)) {
	p.mu.Lock()
	p.onTrack = fn
	p.mu.Unlock()
}

func (p *Peer) SetOnICEConnectionStateChange(fn func(domain.ConnectionState)) {
	p.mu.Lock()
	p.onState = fn
	p.mu.Unlock()
}

func (p *Peer) handleICECandidate(c *pion.ICECandidate) {
	if c == nil {
		p.log.Debug().Msg("ICE gathering complete")
		return
	}
	init := c.ToJSON()
	if isLoopback(init.Candidate) {
		p.log.Debug().Msg("filtering loopback ICE candidate")
		return
	}

	p.mu.Lock()
	fn := p.onCandidate
	p.mu.Unlock()
	if fn == nil {
		return
	}
	fn(domain.ICECandidatePayload{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	})
}

func (p *Peer) handleTrack(track *pion.TrackRemote, _ *pion.RTPReceiver) {
	codec := track.Codec()
	p.log.Info().
		Str("kind", track.Kind().String()).
		Str("codec", codec.MimeType).
		Uint8("pt", uint8(codec.PayloadType)).
		Msg("got remote track")

	p.mu.Lock()
	fn := p.onTrack
	p.mu.Unlock()
	if fn != nil {
		fn(domain.RemoteTrack{
			ID:       track.ID(),
			StreamID: track.StreamID(),
			Kind:     domain.TrackKind(track.Kind().String()),
			Codec:    codec.MimeType,
		})
	}

	if track.Kind() == pion.RTPCodecTypeVideo {
		go p.requestKeyframes(track)
	}
	go p.readRemote(track)
}

// readRemote consumes a remote track until it ends and logs its statistics.
func (p *Peer) readRemote(track *pion.TrackRemote) {
	var st trackStats
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			p.log.Debug().
				Str("kind", track.Kind().String()).
				Uint64("packets", st.packets).
				Uint64("bytes", st.bytes).
				Uint64("lost", st.lost).
				Msg("remote track ended")
			return
		}
		st.observe(pkt)
	}
}

func (p *Peer) requestKeyframes(track *pion.TrackRemote) {
	ticker := time.NewTicker(pliInterval)
	defer ticker.Stop()

	for {
		err := p.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())}})
		if err != nil {
			return
		}
		select {
		case <-p.done:
			return
		case <-ticker.C:
		}
	}
}

func (p *Peer) handleICEState(state pion.ICEConnectionState) {
	p.log.Info().Str("state", state.String()).Msg("ICE connection state")

	p.mu.Lock()
	fn := p.onState
	p.mu.Unlock()
	if fn != nil {
		fn(connectionState(state))
	}
}

func connectionState(s pion.ICEConnectionState) domain.ConnectionState {
	switch s {
	case pion.ICEConnectionStateNew:
		return domain.ConnectionNew
	case pion.ICEConnectionStateChecking:
		return domain.ConnectionChecking
	case pion.ICEConnectionStateConnected:
		return domain.ConnectionConnected
	case pion.ICEConnectionStateCompleted:
		return domain.ConnectionCompleted
	case pion.ICEConnectionStateDisconnected:
		return domain.ConnectionDisconnected
	case pion.ICEConnectionStateFailed:
		return domain.ConnectionFailed
	case pion.ICEConnectionStateClosed:
		return domain.ConnectionClosed
	default:
		return domain.ConnectionNew
	}
}

// CreateOffer creates an SDP offer and sets it as the local description.
func (p *Peer) CreateOffer(ctx context.Context) (domain.SDPPayload, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return domain.SDPPayload{}, fmt.Errorf("create offer: %w", err)
	}
	return p.setLocal(ctx, offer)
}

// CreateAnswer creates an SDP answer and sets it as the local description.
func (p *Peer) CreateAnswer(ctx context.Context) (domain.SDPPayload, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return domain.SDPPayload{}, fmt.Errorf("create answer: %w", err)
	}
	return p.setLocal(ctx, answer)
}

// setLocal applies desc and waits briefly for gathering so the returned SDP
// already carries host candidates. Trickled candidates still follow.
func (p *Peer) setLocal(ctx context.Context, desc pion.SessionDescription) (domain.SDPPayload, error) {
	gathered := pion.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(desc); err != nil {
		return domain.SDPPayload{}, fmt.Errorf("set local description: %w", err)
	}

	timer := time.NewTimer(p.gatherTimeout)
	defer timer.Stop()
	select {
	case <-gathered:
	case <-timer.C:
		p.log.Debug().Msg("gathering still running, sending partial description")
	case <-ctx.Done():
		return domain.SDPPayload{}, ctx.Err()
	}

	local := p.pc.LocalDescription()
	if local == nil {
		return domain.SDPPayload{}, errors.New("no local description")
	}
	p.log.Debug().Str("type", local.Type.String()).Msg("local description set")
	return domain.SDPPayload{Type: local.Type.String(), SDP: local.SDP}, nil
}

// SetRemoteDescription applies an offer or answer received from the peer.
func (p *Peer) SetRemoteDescription(sdp domain.SDPPayload) error {
	desc := pion.SessionDescription{Type: pion.NewSDPType(sdp.Type), SDP: sdp.SDP}
	if err := p.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	p.log.Debug().Str("type", sdp.Type).Msg("remote description set")
	return nil
}

// AddRemoteICECandidate adds a candidate. The caller must have set the
// remote description first.
func (p *Peer) AddRemoteICECandidate(c domain.ICECandidatePayload) error {
	init := pion.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
	if err := p.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

// Close shuts down the PeerConnection. Calling it twice is a no-op.
func (p *Peer) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.done)
		err = p.pc.Close()
	})
	return err
}

func isLoopback(candidate string) bool {
	return strings.Contains(candidate, "127.0.0.1") || strings.Contains(candidate, "::1 ")
}
