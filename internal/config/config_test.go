package config

import (
	"testing"
	"time"
)

func TestParseICEServersJSON(t *testing.T) {
	raw := `[
	  {"urls": ["stun:stun.example.com:3478"]},
	  {"urls": "turn:turn.example.com:3478?transport=udp", "username": "user", "credential": "pass"}
	]`

	servers, err := ParseICEServersJSON(raw)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("expected 2 servers, got %d", len(servers))
	}
	if got := servers[0].URLs; len(got) != 1 || got[0] != "stun:stun.example.com:3478" {
		t.Fatalf("unexpected stun urls: %#v", got)
	}
	if servers[1].Username != "user" || servers[1].Credential != "pass" {
		t.Fatalf("unexpected turn credentials: %#v", servers[1])
	}
}

func TestParseICEServersJSON_RejectsTURNWithoutCreds(t *testing.T) {
	_, err := ParseICEServersJSON(`[{"urls": ["turn:turn.example.com:3478"]}]`)
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestParseICEServersJSON_RejectsUnknownScheme(t *testing.T) {
	_, err := ParseICEServersJSON(`[{"urls": ["http://example.com"]}]`)
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestParseICEServersFromConvenienceEnv_STUNFirst(t *testing.T) {
	servers, err := ParseICEServersFromConvenienceEnv(
		"stun:a.example.com:3478, stun:b.example.com:3478",
		"turn:t.example.com:3478",
		"u", "p",
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("expected 2 servers, got %d", len(servers))
	}
	if len(servers[0].URLs) != 2 || servers[0].Username != "" {
		t.Fatalf("expected stun entry first, got %#v", servers[0])
	}
	if servers[1].URLs[0] != "turn:t.example.com:3478" {
		t.Fatalf("expected turn entry second, got %#v", servers[1])
	}
}

func TestParseICEServersFromConvenienceEnv_TURNNeedsCreds(t *testing.T) {
	if _, err := ParseICEServersFromConvenienceEnv("", "turn:t.example.com", "", ""); err == nil {
		t.Fatal("expected error")
	}
}

func TestLoad_RequiresUserID(t *testing.T) {
	t.Setenv("CONSULT_USER_ID", "")
	if _, err := Load(); err == nil {
		t.Fatal("expected error when CONSULT_USER_ID is empty")
	}
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("CONSULT_USER_ID", "dr-house")
	t.Setenv("CONSULT_USER_NAME", "")
	t.Setenv("CONSULT_ICE_SERVERS_JSON", "")
	t.Setenv("CONSULT_STUN_URLS", "")
	t.Setenv("CONSULT_TURN_URLS", "")
	t.Setenv("CONSULT_RESUBSCRIBE_DELAY", "")
	t.Setenv("CONSULT_ENDED_RESET_DELAY", "500ms")
	t.Setenv("CONSULT_RING_TIMEOUT", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.UserName != "dr-house" {
		t.Errorf("expected user name to default to id, got %q", cfg.UserName)
	}
	if len(cfg.ICEServers) != 1 || cfg.ICEServers[0].URLs[0] != defaultSTUN {
		t.Errorf("expected default stun server, got %#v", cfg.ICEServers)
	}
	if cfg.ResubscribeDelay != 2*time.Second {
		t.Errorf("expected 2s resubscribe delay, got %s", cfg.ResubscribeDelay)
	}
	if cfg.EndedResetDelay != 500*time.Millisecond {
		t.Errorf("expected 500ms reset delay, got %s", cfg.EndedResetDelay)
	}
	if cfg.RingTimeout != 0 {
		t.Errorf("expected ring timeout disabled, got %s", cfg.RingTimeout)
	}
}

func TestLoad_RejectsBadDuration(t *testing.T) {
	t.Setenv("CONSULT_USER_ID", "patient-1")
	t.Setenv("CONSULT_RING_TIMEOUT", "soon")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for invalid duration")
	}
}

func TestLoadHub_Origins(t *testing.T) {
	t.Setenv("HUB_ADDR", "")
	t.Setenv("HUB_ALLOWED_ORIGINS", " https://a.example, ,https://b.example ")

	cfg := LoadHub()
	if cfg.Addr != ":8080" {
		t.Errorf("expected default addr, got %q", cfg.Addr)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[0] != "https://a.example" || cfg.AllowedOrigins[1] != "https://b.example" {
		t.Errorf("unexpected origins %#v", cfg.AllowedOrigins)
	}

	t.Setenv("HUB_ALLOWED_ORIGINS", "")
	if got := LoadHub().AllowedOrigins; len(got) != 0 {
		t.Errorf("expected no origins, got %#v", got)
	}
}
