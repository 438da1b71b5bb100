package domain

import "fmt"

// SignalType tags the variant carried by a Signal.
type SignalType string

const (
	SignalOffer        SignalType = "offer"
	SignalAnswer       SignalType = "answer"
	SignalICECandidate SignalType = "ice-candidate"
	SignalCallEnd      SignalType = "call-end"
	SignalCallReject   SignalType = "call-reject"
)

// CallType selects which media a call carries.
type CallType string

const (
	CallAudio CallType = "audio"
	CallVideo CallType = "video"
)

// ParseCallType accepts "audio" or "video".
func ParseCallType(s string) (CallType, error) {
	switch CallType(s) {
	case CallAudio, CallVideo:
		return CallType(s), nil
	default:
		return "", fmt.Errorf("unknown call type %q", s)
	}
}

// SDPPayload is the JSON structure for SDP offer/answer messages.
type SDPPayload struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidatePayload is the JSON structure for ICE candidate messages.
type ICECandidatePayload struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// Signal is the envelope relayed over a conversation topic.
type Signal struct {
	Type           SignalType           `json:"type"`
	CallerID       string               `json:"callerId"`
	CallerName     string               `json:"callerName"`
	CallType       CallType             `json:"callType"`
	ConversationID string               `json:"conversationId"`
	Offer          *SDPPayload          `json:"offer,omitempty"`
	Answer         *SDPPayload          `json:"answer,omitempty"`
	Candidate      *ICECandidatePayload `json:"candidate,omitempty"`
}

// Validate checks that the variant fields match the signal type.
func (s Signal) Validate() error {
	if s.CallerID == "" {
		return fmt.Errorf("signal %q missing callerId", s.Type)
	}
	switch s.Type {
	case SignalOffer:
		if s.Offer == nil || s.Offer.SDP == "" {
			return fmt.Errorf("offer signal missing sdp")
		}
		if _, err := ParseCallType(string(s.CallType)); err != nil {
			return fmt.Errorf("offer signal: %w", err)
		}
	case SignalAnswer:
		if s.Answer == nil || s.Answer.SDP == "" {
			return fmt.Errorf("answer signal missing sdp")
		}
	case SignalICECandidate:
		if s.Candidate == nil {
			return fmt.Errorf("ice-candidate signal missing candidate")
		}
	case SignalCallEnd, SignalCallReject:
	default:
		return fmt.Errorf("unsupported signal type %q", s.Type)
	}
	return nil
}

// PendingIncomingCall is an offer waiting for the local user to accept or reject it.
type PendingIncomingCall struct {
	CallerID       string     `json:"callerId"`
	CallerName     string     `json:"callerName"`
	CallType       CallType   `json:"callType"`
	ConversationID string     `json:"conversationId"`
	Offer          SDPPayload `json:"offer"`
}

// IncomingFromSignal builds the pending call carried by an offer signal.
func IncomingFromSignal(s Signal) (PendingIncomingCall, error) {
	if s.Type != SignalOffer || s.Offer == nil {
		return PendingIncomingCall{}, fmt.Errorf("signal %q is not an offer", s.Type)
	}
	return PendingIncomingCall{
		CallerID:       s.CallerID,
		CallerName:     s.CallerName,
		CallType:       s.CallType,
		ConversationID: s.ConversationID,
		Offer:          *s.Offer,
	}, nil
}
