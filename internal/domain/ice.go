package domain

// ICEServer holds STUN/TURN server configuration.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// ConnectionState mirrors the ICE connection state of a peer connection.
type ConnectionState string

const (
	ConnectionNew          ConnectionState = "new"
	ConnectionChecking     ConnectionState = "checking"
	ConnectionConnected    ConnectionState = "connected"
	ConnectionCompleted    ConnectionState = "completed"
	ConnectionDisconnected ConnectionState = "disconnected"
	ConnectionFailed       ConnectionState = "failed"
	ConnectionClosed       ConnectionState = "closed"
)
