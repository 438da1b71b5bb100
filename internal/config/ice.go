package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"teleconsult/native/internal/domain"
)

const (
	envICEServersJSON = "CONSULT_ICE_SERVERS_JSON"

	envStunURLs       = "CONSULT_STUN_URLS"
	envTurnURLs       = "CONSULT_TURN_URLS"
	envTurnUsername   = "CONSULT_TURN_USERNAME"
	envTurnCredential = "CONSULT_TURN_CREDENTIAL"
)

func parseICEServersFromValues(iceServersJSON, stunURLs, turnURLs, turnUsername, turnCredential string) ([]domain.ICEServer, error) {
	if raw := strings.TrimSpace(iceServersJSON); raw != "" {
		servers, err := ParseICEServersJSON(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envICEServersJSON, err)
		}
		return servers, nil
	}
	return ParseICEServersFromConvenienceEnv(stunURLs, turnURLs, turnUsername, turnCredential)
}

type iceServerJSON struct {
	URLs       stringOrStringSlice `json:"urls"`
	Username   string              `json:"username,omitempty"`
	Credential string              `json:"credential,omitempty"`
}

type stringOrStringSlice []string

func (s *stringOrStringSlice) UnmarshalJSON(b []byte) error {
	var single string
	if err := json.Unmarshal(b, &single); err == nil {
		*s = []string{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*s = many
	return nil
}

// ParseICEServersJSON parses an RTCIceServer-style list. Order is kept, so
// STUN entries listed first are tried before TURN fallbacks.
func ParseICEServersJSON(raw string) ([]domain.ICEServer, error) {
	var servers []iceServerJSON
	if err := json.Unmarshal([]byte(raw), &servers); err != nil {
		return nil, err
	}

	out := make([]domain.ICEServer, 0, len(servers))
	for i, s := range servers {
		server := domain.ICEServer{
			URLs:       splitURLs(s.URLs),
			Username:   strings.TrimSpace(s.Username),
			Credential: strings.TrimSpace(s.Credential),
		}
		if err := validateICEServer(server); err != nil {
			return nil, fmt.Errorf("iceServers[%d]: %w", i, err)
		}
		out = append(out, server)
	}
	return out, nil
}

// ParseICEServersFromConvenienceEnv builds a STUN-then-TURN list from
// comma-separated URL lists.
func ParseICEServersFromConvenienceEnv(stunURLs, turnURLs, turnUsername, turnCredential string) ([]domain.ICEServer, error) {
	stunList := splitURLs(strings.Split(stunURLs, ","))
	turnList := splitURLs(strings.Split(turnURLs, ","))

	var servers []domain.ICEServer
	if len(stunList) > 0 {
		server := domain.ICEServer{URLs: stunList}
		if err := validateICEServer(server); err != nil {
			return nil, fmt.Errorf("%s: %w", envStunURLs, err)
		}
		servers = append(servers, server)
	}

	if len(turnList) > 0 {
		server := domain.ICEServer{
			URLs:       turnList,
			Username:   strings.TrimSpace(turnUsername),
			Credential: strings.TrimSpace(turnCredential),
		}
		if server.Username == "" || server.Credential == "" {
			return nil, fmt.Errorf("%s/%s: both must be set when %s is set", envTurnUsername, envTurnCredential, envTurnURLs)
		}
		if err := validateICEServer(server); err != nil {
			return nil, fmt.Errorf("%s: %w", envTurnURLs, err)
		}
		servers = append(servers, server)
	}

	return servers, nil
}

func splitURLs(in []string) []string {
	out := make([]string, 0, len(in))
	for _, u := range in {
		if u = strings.TrimSpace(u); u != "" {
			out = append(out, u)
		}
	}
	return out
}

func validateICEServer(server domain.ICEServer) error {
	if len(server.URLs) == 0 {
		return errors.New("missing urls")
	}

	requiresTurnCreds := false
	for _, url := range server.URLs {
		switch {
		case strings.HasPrefix(url, "stun:"), strings.HasPrefix(url, "stuns:"):
		case strings.HasPrefix(url, "turn:"), strings.HasPrefix(url, "turns:"):
			requiresTurnCreds = true
		default:
			return fmt.Errorf("unsupported url scheme: %q", url)
		}
	}

	if requiresTurnCreds && (server.Username == "" || server.Credential == "") {
		return errors.New("turn urls require username and credential")
	}
	return nil
}
