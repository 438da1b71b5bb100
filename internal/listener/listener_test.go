package listener

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"teleconsult/native/internal/domain"
	"teleconsult/native/internal/handoff"
	"teleconsult/native/internal/hub"
	"teleconsult/native/internal/signal"
)

func offer(from, conv string) domain.Signal {
	return domain.Signal{
		Type:           domain.SignalOffer,
		CallerID:       from,
		CallerName:     "Dr. " + from,
		CallType:       domain.CallAudio,
		ConversationID: conv,
		Offer:          &domain.SDPPayload{Type: "offer", SDP: "v=0"},
	}
}

func start(t *testing.T, mounted func(string) bool) (*hub.LocalBroker, *handoff.Store, chan domain.PendingIncomingCall) {
	t.Helper()
	b := hub.NewLocalBroker(hub.New(zerolog.Nop()))
	store := handoff.New()
	got := make(chan domain.PendingIncomingCall, 4)

	l, err := Start(b, store, func(c domain.PendingIncomingCall) { got <- c }, Options{
		SelfID:  "patient-1",
		Mounted: mounted,
		Logger:  zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(l.Close)
	return b, store, got
}

func wake(t *testing.T, b domain.Broker, sig domain.Signal) {
	t.Helper()
	if err := signal.NewWaker(b).Wake(context.Background(), "patient-1", sig); err != nil {
		t.Fatalf("wake: %v", err)
	}
}

func TestOffer_StoredThenNotified(t *testing.T) {
	b, store, got := start(t, nil)

	wake(t, b, offer("doctor-1", "conv-1"))

	select {
	case call := <-got:
		if call.CallerID != "doctor-1" || call.ConversationID != "conv-1" || call.Offer.SDP != "v=0" {
			t.Errorf("unexpected call: %#v", call)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for notification")
	}

	call, ok := store.Take("conv-1")
	if !ok {
		t.Fatal("expected call in handoff store")
	}
	if call.CallerName != "Dr. doctor-1" {
		t.Errorf("unexpected caller name %q", call.CallerName)
	}
}

func TestIgnoresNonOffersAndSelf(t *testing.T) {
	b, store, got := start(t, nil)

	end := offer("doctor-1", "conv-1")
	end.Type = domain.SignalCallEnd
	end.Offer = nil
	wake(t, b, end)
	wake(t, b, offer("patient-1", "conv-1"))
	wake(t, b, offer("doctor-1", ""))
	untyped := offer("doctor-1", "conv-1")
	untyped.CallType = ""
	wake(t, b, untyped)

	select {
	case call := <-got:
		t.Fatalf("unexpected notification: %#v", call)
	case <-time.After(50 * time.Millisecond):
	}
	if _, ok := store.Peek(); ok {
		t.Error("expected empty handoff store")
	}
}

func TestMountedConversationIsLeftAlone(t *testing.T) {
	b, store, got := start(t, func(conv string) bool { return conv == "conv-1" })

	wake(t, b, offer("doctor-1", "conv-1"))
	wake(t, b, offer("doctor-2", "conv-2"))

	select {
	case call := <-got:
		if call.ConversationID != "conv-2" {
			t.Fatalf("expected conv-2, got %s", call.ConversationID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for notification")
	}
	if _, ok := store.Take("conv-1"); ok {
		t.Error("mounted conversation must not be handed off")
	}
}

func TestStart_RequiresSelfAndStore(t *testing.T) {
	b := hub.NewLocalBroker(hub.New(zerolog.Nop()))
	if _, err := Start(b, handoff.New(), nil, Options{}); err == nil {
		t.Error("expected error without self id")
	}
	if _, err := Start(b, nil, nil, Options{SelfID: "x"}); err == nil {
		t.Error("expected error without store")
	}
}
