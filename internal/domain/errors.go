package domain

import "errors"

var (
	// ErrMediaAcquisition means permission was denied or no device was available.
	ErrMediaAcquisition = errors.New("media acquisition failed")
	// ErrNegotiation covers offer/answer creation and description failures.
	ErrNegotiation = errors.New("session negotiation failed")
	// ErrSignaling means a signal could not be handed to the transport.
	ErrSignaling = errors.New("signaling failed")

	ErrCallActive     = errors.New("a call is already active")
	ErrNoIncomingCall = errors.New("no incoming call")
	ErrNoActiveCall   = errors.New("no active call")
	ErrNoTrack        = errors.New("no local track of that kind")
	// ErrCallSuperseded is returned when the call was ended or rejected while
	// the operation was waiting on media or negotiation.
	ErrCallSuperseded = errors.New("call superseded")
	ErrChannelClosed  = errors.New("channel closed")
	ErrNotFound       = errors.New("not found")
)
