package domain

import (
	"context"
	"encoding/json"
	"time"
)

// ICEServerFetcher retrieves STUN/TURN configuration from an API.
type ICEServerFetcher interface {
	FetchICEServers(ctx context.Context) ([]ICEServer, error)
}

// SubscribeStatus is reported by a Topic while it subscribes.
type SubscribeStatus string

const (
	Subscribed   SubscribeStatus = "SUBSCRIBED"
	ChannelError SubscribeStatus = "CHANNEL_ERROR"
	TimedOut     SubscribeStatus = "TIMED_OUT"
	Closed       SubscribeStatus = "CLOSED"
)

// Broker is the publish/subscribe primitive signaling rides on.
type Broker interface {
	Channel(name string) Topic
}

// Topic is one named broadcast channel of a Broker.
type Topic interface {
	Name() string
	// On registers the handler for broadcasts with the given event name.
	On(event string, handler func(payload json.RawMessage))
	// Subscribe starts (or restarts) the subscription; status changes are
	// reported to fn from any goroutine.
	Subscribe(fn func(status SubscribeStatus, err error))
	Send(ctx context.Context, event string, payload any) error
	Unsubscribe() error
}

// LocalTrack is one captured media track.
type LocalTrack interface {
	ID() string
	Kind() TrackKind
	Enabled() bool
	SetEnabled(enabled bool)
	Stop()
}

// LocalStream is the result of a getUserMedia call.
type LocalStream interface {
	Tracks() []LocalTrack
	// Stop stops every track; calling it more than once is a no-op.
	Stop()
}

// MediaSource acquires local media.
type MediaSource interface {
	GetUserMedia(ctx context.Context, c MediaConstraints) (LocalStream, error)
}

// RemoteTrack describes a track received from the peer.
type RemoteTrack struct {
	ID       string
	StreamID string
	Kind     TrackKind
	Codec    string
}

// Peer manages one WebRTC peer connection.
type Peer interface {
	AddLocalStream(stream LocalStream) error
	SetOnICECandidate(fn func(candidate ICECandidatePayload))
	SetOnTrack(fn func(track RemoteTrack))
	SetOnICEConnectionStateChange(fn func(state ConnectionState))
	// CreateOffer creates an SDP offer and sets it as the local description.
	CreateOffer(ctx context.Context) (SDPPayload, error)
	// CreateAnswer creates an SDP answer and sets it as the local description.
	CreateAnswer(ctx context.Context) (SDPPayload, error)
	SetRemoteDescription(sdp SDPPayload) error
	AddRemoteICECandidate(candidate ICECandidatePayload) error
	Close() error
}

// PeerFactory creates peer connections configured with the ICE servers.
type PeerFactory interface {
	NewPeer() (Peer, error)
}

// HistorySink receives call metadata. The call core never reads from it.
type HistorySink interface {
	RecordStarted(ctx context.Context, rec CallRecord) (string, error)
	RecordFinished(ctx context.Context, id string, status RecordStatus, durationSeconds int, endedAt time.Time) error
}
