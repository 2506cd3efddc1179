package msgr

import (
	"testing"

	"github.com/cephmsgr/go-msgr/internal/wire"
)

func TestMessageSizeSumsRegions(t *testing.T) {
	m := &Message{Front: []byte("abc"), Middle: []byte("de"), Data: []byte("f")}
	if got := m.Size(); got != 6 {
		t.Fatalf("Size() = %d, want 6", got)
	}
}

func TestMessageAbortedReflectsFooterFlag(t *testing.T) {
	complete := &Message{Footer: wire.Footer{Flags: wire.FooterComplete}}
	if complete.Aborted() {
		t.Fatal("expected COMPLETE-flagged message to not be aborted")
	}

	aborted := &Message{Footer: wire.Footer{}}
	if !aborted.Aborted() {
		t.Fatal("expected message without COMPLETE flag to be aborted")
	}
}

func TestMessageSeqAndPriority(t *testing.T) {
	m := &Message{Header: wire.Header{Seq: 42, Priority: 7}}
	if m.Seq() != 42 {
		t.Fatalf("Seq() = %d, want 42", m.Seq())
	}
	if m.Priority() != 7 {
		t.Fatalf("Priority() = %d, want 7", m.Priority())
	}
}
