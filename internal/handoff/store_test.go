package handoff

import (
	"sync"
	"sync/atomic"
	"testing"

	"teleconsult/native/internal/domain"
)

func pending(conv string) domain.PendingIncomingCall {
	return domain.PendingIncomingCall{
		CallerID:       "patient-1",
		CallerName:     "Pat",
		CallType:       domain.CallVideo,
		ConversationID: conv,
		Offer:          domain.SDPPayload{Type: "offer", SDP: "v=0"},
	}
}

func TestTake_ConsumesOnce(t *testing.T) {
	s := New()
	s.Set(pending("conv-1"))

	got, ok := s.Take("conv-1")
	if !ok {
		t.Fatal("expected call on first take")
	}
	if got.CallerID != "patient-1" || got.Offer.SDP != "v=0" {
		t.Errorf("unexpected call: %#v", got)
	}

	if _, ok := s.Take("conv-1"); ok {
		t.Error("expected second take to return nothing")
	}
}

func TestTake_OtherConversationLeavesSlot(t *testing.T) {
	s := New()
	s.Set(pending("conv-1"))

	if _, ok := s.Take("conv-2"); ok {
		t.Fatal("expected no call for a different conversation")
	}
	if _, ok := s.Peek(); !ok {
		t.Fatal("expected slot to be untouched")
	}
	if _, ok := s.Take("conv-1"); !ok {
		t.Fatal("expected call for the matching conversation")
	}
}

func TestSet_Overwrites(t *testing.T) {
	s := New()
	s.Set(pending("conv-1"))
	s.Set(pending("conv-2"))

	if _, ok := s.Take("conv-1"); ok {
		t.Error("expected first call to be overwritten")
	}
	if _, ok := s.Take("conv-2"); !ok {
		t.Error("expected latest call")
	}
}

func TestTake_ConcurrentSingleWinner(t *testing.T) {
	s := New()
	s.Set(pending("conv-1"))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := s.Take("conv-1"); ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins.Load())
	}
}

func TestClear(t *testing.T) {
	s := New()
	s.Set(pending("conv-1"))
	s.Clear()
	if _, ok := s.Peek(); ok {
		t.Fatal("expected empty slot after clear")
	}
}
