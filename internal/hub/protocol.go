package hub

import "encoding/json"

// Frame operations exchanged between broker clients and the hub.
const (
	OpSubscribe   = "subscribe"
	OpUnsubscribe = "unsubscribe"
	OpBroadcast   = "broadcast"
	OpReply       = "reply"
)

// Reply statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Frame is the JSON message carried over the hub websocket. Requests carry a
// Ref that the hub echoes back in the matching reply.
type Frame struct {
	Op      string          `json:"op"`
	Topic   string          `json:"topic,omitempty"`
	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Ref     string          `json:"ref,omitempty"`
	Status  string          `json:"status,omitempty"`
	Message string          `json:"message,omitempty"`
}
