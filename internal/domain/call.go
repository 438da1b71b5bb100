package domain

import "time"

// CallStatus is the lifecycle state of the local side of a call.
type CallStatus string

const (
	StatusIdle      CallStatus = "idle"
	StatusCalling   CallStatus = "calling"
	StatusConnected CallStatus = "connected"
	StatusEnded     CallStatus = "ended"
)

// RecordStatus is the status stored in the call history.
type RecordStatus string

const (
	RecordRinging   RecordStatus = "ringing"
	RecordCompleted RecordStatus = "completed"
	RecordMissed    RecordStatus = "missed"
)

// CallRecord is one row of call history.
type CallRecord struct {
	ID              string       `json:"id"`
	ConversationID  string       `json:"conversation_id"`
	CallerID        string       `json:"caller_id"`
	CallType        CallType     `json:"call_type"`
	Status          RecordStatus `json:"status"`
	DurationSeconds int          `json:"duration_seconds"`
	StartedAt       time.Time    `json:"started_at"`
	EndedAt         *time.Time   `json:"ended_at,omitempty"`
}

// MediaConstraints is the getUserMedia constraint surface.
type MediaConstraints struct {
	Audio bool
	Video bool
}

// ConstraintsFor returns the constraints a call of the given type needs.
func ConstraintsFor(t CallType) MediaConstraints {
	return MediaConstraints{Audio: true, Video: t == CallVideo}
}

// TrackKind distinguishes audio and video tracks.
type TrackKind string

const (
	TrackAudio TrackKind = "audio"
	TrackVideo TrackKind = "video"
)
