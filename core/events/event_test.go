package events

import (
	"math/big"
	"testing"

	"workchain/core/types"
)

func TestRecorderCollectsPayloadEvents(t *testing.T) {
	rec := &Recorder{}
	rec.Emit(Transfer{Asset: "work", From: [20]byte{1}, To: [20]byte{2}, Amount: big.NewInt(50), Reason: "escrow.fund"})
	rec.Emit(&types.Event{Type: "custom", Attributes: map[string]string{"k": "v"}})
	NoopEmitter{}.Emit(Transfer{})

	got := rec.Events()
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	if got[0].Type != TypeTransfer || got[0].Attributes["asset"] != "WORK" || got[0].Attributes["amount"] != "50" {
		t.Fatalf("unexpected transfer event %+v", got[0])
	}
	if got[1].Type != "custom" {
		t.Fatalf("unexpected second event %+v", got[1])
	}
	rec.Reset()
	if len(rec.Events()) != 0 {
		t.Fatalf("expected reset to clear events")
	}
}
