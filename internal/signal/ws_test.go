package signal

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"teleconsult/native/internal/domain"
	"teleconsult/native/internal/hub"
)

func startHub(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(hub.NewServer(hub.New(zerolog.Nop()), zerolog.Nop()).Router())
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func TestBroker_ChannelsRelayThroughHub(t *testing.T) {
	url := startHub(t)

	alice := NewBroker(url, zerolog.Nop())
	bob := NewBroker(url, zerolog.Nop())
	defer alice.Close()
	defer bob.Close()

	var mu sync.Mutex
	var got []domain.Signal
	bobCh := Open(bob, "c1", "bob", func(s domain.Signal) {
		mu.Lock()
		got = append(got, s)
		mu.Unlock()
	}, Options{Logger: zerolog.Nop()})
	defer bobCh.Close()

	aliceCh := Open(alice, "c1", "alice", func(domain.Signal) {}, Options{Logger: zerolog.Nop()})
	defer aliceCh.Close()

	// Sent before either subscription is confirmed; must still arrive in order
	// once both are ready.
	waitFor(t, "bob subscribed", bobCh.Ready)
	for i := 0; i < 3; i++ {
		if err := aliceCh.Send(context.Background(), candidate(i)); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	waitFor(t, "alice subscribed", aliceCh.Ready)

	waitFor(t, "three signals", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	})
	mu.Lock()
	defer mu.Unlock()
	for i, s := range got {
		if want := candidate(i).Candidate.Candidate; s.Candidate.Candidate != want {
			t.Errorf("signal %d: expected %s, got %s", i, want, s.Candidate.Candidate)
		}
	}
}

func TestBroker_UnreachableHubReportsChannelError(t *testing.T) {
	b := NewBroker("ws://127.0.0.1:1/ws", zerolog.Nop())
	defer b.Close()

	statuses := make(chan domain.SubscribeStatus, 4)
	b.Channel("call:c1").Subscribe(func(s domain.SubscribeStatus, err error) { statuses <- s })

	select {
	case s := <-statuses:
		if s != domain.ChannelError {
			t.Fatalf("expected CHANNEL_ERROR, got %s", s)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no status reported")
	}
}

func TestWaker_ReachesWakeTopic(t *testing.T) {
	h := hub.New(zerolog.Nop())
	b := hub.NewLocalBroker(h)

	got := make(chan domain.Signal, 1)
	topic := b.Channel(WakeTopicName("dr-who"))
	topic.On(WakeEvent, func(p json.RawMessage) {
		var s domain.Signal
		if err := json.Unmarshal(p, &s); err == nil {
			got <- s
		}
	})
	topic.Subscribe(nil)

	offer := domain.Signal{
		Type:           domain.SignalOffer,
		CallerID:       "patient-1",
		CallType:       domain.CallAudio,
		ConversationID: "c1",
		Offer:          &domain.SDPPayload{Type: "offer", SDP: "v=0"},
	}
	if err := NewWaker(b).Wake(context.Background(), "dr-who", offer); err != nil {
		t.Fatalf("wake: %v", err)
	}

	select {
	case s := <-got:
		if s.ConversationID != "c1" || s.Offer == nil {
			t.Fatalf("unexpected wake signal %#v", s)
		}
	case <-time.After(time.Second):
		t.Fatal("wake signal not delivered")
	}
}
