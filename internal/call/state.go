// Package call implements the per-conversation call session controller.
//
// Status transitions are computed by Reduce, a pure function of the current
// State and an Event, so the lifecycle can be tested without media or
// network. Controller performs the side effects (media, peer connection,
// signaling, timers) around it.
package call

import "teleconsult/native/internal/domain"

// EventKind enumerates the inputs of Reduce.
type EventKind int

const (
	EvStart EventKind = iota + 1
	EvOfferReceived
	EvAccepted
	EvAnswerReceived
	EvLocalReject
	EvRemoteReject
	EvLocalEnd
	EvRemoteEnd
	EvICEFailed
	EvAborted
	EvReset
	EvTick
	EvConnectionState
	EvMuteToggled
	EvVideoToggled
)

var eventNames = map[EventKind]string{
	EvStart:           "start",
	EvOfferReceived:   "offer-received",
	EvAccepted:        "accepted",
	EvAnswerReceived:  "answer-received",
	EvLocalReject:     "local-reject",
	EvRemoteReject:    "remote-reject",
	EvLocalEnd:        "local-end",
	EvRemoteEnd:       "remote-end",
	EvICEFailed:       "ice-failed",
	EvAborted:         "aborted",
	EvReset:           "reset",
	EvTick:            "tick",
	EvConnectionState: "connection-state",
	EvMuteToggled:     "mute-toggled",
	EvVideoToggled:    "video-toggled",
}

func (k EventKind) String() string {
	if s, ok := eventNames[k]; ok {
		return s
	}
	return "unknown"
}

// Event is one input to Reduce.
type Event struct {
	Kind       EventKind
	CallType   domain.CallType
	Incoming   *domain.PendingIncomingCall
	Connection domain.ConnectionState
}

// State is the UI-visible call state of one conversation.
type State struct {
	Status          domain.CallStatus
	CallType        domain.CallType
	Incoming        *domain.PendingIncomingCall
	ConnectionState domain.ConnectionState
	Duration        int
	Muted           bool
	VideoOff        bool
}

// Idle is the initial state.
func Idle() State {
	return State{Status: domain.StatusIdle}
}

// Reduce returns the state after e. Events that do not apply to the current
// state return it unchanged.
func Reduce(s State, e Event) State {
	switch e.Kind {
	case EvStart:
		if s.Status != domain.StatusIdle || s.Incoming != nil {
			return s
		}
		return State{Status: domain.StatusCalling, CallType: e.CallType, ConnectionState: domain.ConnectionNew}

	case EvOfferReceived:
		if e.Incoming == nil {
			return s
		}
		if s.Status != domain.StatusIdle && s.Status != domain.StatusEnded {
			return s
		}
		inc := *e.Incoming
		s.Incoming = &inc
		return s

	case EvAccepted:
		if s.Incoming == nil || s.Status != domain.StatusIdle {
			return s
		}
		return State{
			Status:          domain.StatusConnected,
			CallType:        s.Incoming.CallType,
			ConnectionState: s.ConnectionState,
		}

	case EvAnswerReceived:
		if s.Status != domain.StatusCalling {
			return s
		}
		s.Status = domain.StatusConnected
		s.Duration = 0
		return s

	case EvLocalReject, EvRemoteReject, EvAborted:
		return Idle()

	case EvLocalEnd, EvRemoteEnd, EvICEFailed:
		switch s.Status {
		case domain.StatusCalling, domain.StatusConnected:
			return State{Status: domain.StatusEnded, CallType: s.CallType, ConnectionState: s.ConnectionState}
		case domain.StatusEnded:
			// An offer taken during the ended window is withdrawn too.
			s.Incoming = nil
			return s
		default:
			return Idle()
		}

	case EvReset:
		if s.Status != domain.StatusEnded {
			return s
		}
		next := Idle()
		next.Incoming = s.Incoming
		return next

	case EvTick:
		if s.Status == domain.StatusConnected {
			s.Duration++
		}
		return s

	case EvConnectionState:
		s.ConnectionState = e.Connection
		return s

	case EvMuteToggled:
		s.Muted = !s.Muted
		return s

	case EvVideoToggled:
		s.VideoOff = !s.VideoOff
		return s
	}
	return s
}
