package ledger

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/petralabs/riskgate/internal/crypto"
)

func testClock() func() time.Time {
	base := time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC)
	n := 0
	return func() time.Time {
		n++
		return base.Add(time.Duration(n) * time.Second)
	}
}

func openTestLedger(t *testing.T, path string) *Ledger {
	t.Helper()
	l, err := Open(path, WithClock(testClock()))
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestAppendChainsContiguously(t *testing.T) {
	l := openTestLedger(t, filepath.Join(t.TempDir(), "ledger.jsonl"))

	var prev Entry
	for i := 0; i < 5; i++ {
		entry, err := l.Append(EventPolicyDecision, "engine", map[string]any{"n": i})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if entry.Sequence != uint64(i+1) {
			t.Fatalf("expected sequence %d, got %d", i+1, entry.Sequence)
		}
		if i == 0 {
			if entry.PrevHash != GenesisHash {
				t.Fatalf("genesis prev_hash mismatch: %s", entry.PrevHash)
			}
		} else if entry.PrevHash != prev.Hash {
			t.Fatalf("entry %d prev_hash does not match predecessor", entry.Sequence)
		}
		prev = entry
	}

	if err := l.Verify(0, 0); err != nil {
		t.Fatalf("verify full range: %v", err)
	}
}

func TestVerifyDetectsSingleByteTamper(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	l := openTestLedger(t, path)

	for i := 0; i < 4; i++ {
		if _, err := l.Append(EventActionExecuted, "scheduler", map[string]any{"step": "ingest", "n": i}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	// Flip one byte inside the second entry's details.
	tampered := bytes.Replace(raw, []byte(`"n":1,"step":"ingest"`), []byte(`"n":7,"step":"ingest"`), 1)
	if bytes.Equal(raw, tampered) {
		t.Fatal("tamper target not found")
	}
	if err := os.WriteFile(path, tampered, 0o600); err != nil {
		t.Fatalf("write tampered file: %v", err)
	}

	reopened := openTestLedger(t, path)
	err = reopened.Verify(0, 0)
	if err == nil {
		t.Fatal("expected integrity fault after tamper")
	}
	var integrity *IntegrityError
	if !errors.As(err, &integrity) {
		t.Fatalf("expected *IntegrityError, got %T: %v", err, err)
	}
	if integrity.Sequence != 2 {
		t.Fatalf("expected first divergence at sequence 2, got %d", integrity.Sequence)
	}
	if !errors.Is(err, ErrIntegrity) {
		t.Fatal("integrity error must wrap ErrIntegrity")
	}
}

func TestOpenTruncatesTrailingGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	l := openTestLedger(t, path)

	for i := 0; i < 3; i++ {
		if _, err := l.Append(EventPolicyDecision, "engine", map[string]any{"n": i}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Simulate a crash mid-append: partial JSON with no newline.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		t.Fatalf("open for garbage: %v", err)
	}
	if _, err := f.WriteString(`{"sequence":4,"timestamp":"2026-03-`); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	_ = f.Close()

	reopened := openTestLedger(t, path)
	headSeq, _ := reopened.Head()
	if headSeq != 3 {
		t.Fatalf("expected head 3 after recovery, got %d", headSeq)
	}
	if err := reopened.Verify(0, 0); err != nil {
		t.Fatalf("verify after recovery: %v", err)
	}

	// The chain continues from the recovered head.
	entry, err := reopened.Append(EventPolicyDecision, "engine", map[string]any{"n": 3})
	if err != nil {
		t.Fatalf("append after recovery: %v", err)
	}
	if entry.Sequence != 4 {
		t.Fatalf("expected sequence 4, got %d", entry.Sequence)
	}
	if err := reopened.Verify(0, 0); err != nil {
		t.Fatalf("verify after continued append: %v", err)
	}
}

func TestReopenContinuesChain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	l := openTestLedger(t, path)
	first, err := l.Append(EventPolicyDecision, "engine", nil)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened := openTestLedger(t, path)
	second, err := reopened.Append(EventPolicyDecision, "engine", nil)
	if err != nil {
		t.Fatalf("append after reopen: %v", err)
	}
	if second.PrevHash != first.Hash {
		t.Fatal("reopened ledger did not continue the chain")
	}
	if err := reopened.Verify(0, 0); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestReadRange(t *testing.T) {
	l := openTestLedger(t, filepath.Join(t.TempDir(), "ledger.jsonl"))
	for i := 0; i < 6; i++ {
		if _, err := l.Append(EventPolicyDecision, "engine", map[string]any{"n": i}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	entries, err := l.Read(2, 4)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(entries) != 3 || entries[0].Sequence != 2 || entries[2].Sequence != 4 {
		t.Fatalf("unexpected range result: %+v", entries)
	}

	if _, err := l.Read(5, 99); !errors.Is(err, ErrSequenceRange) {
		t.Fatalf("expected ErrSequenceRange, got %v", err)
	}

	// Partial verify anchored mid-chain.
	if err := l.Verify(3, 6); err != nil {
		t.Fatalf("verify partial range: %v", err)
	}
}

func TestCheckpointSignAndVerify(t *testing.T) {
	l := openTestLedger(t, filepath.Join(t.TempDir(), "ledger.jsonl"))
	if _, err := l.Append(EventPolicyDecision, "engine", nil); err != nil {
		t.Fatalf("append: %v", err)
	}

	priv, pub, err := crypto.KeyPairFromSeed(bytes.Repeat([]byte{9}, 32))
	if err != nil {
		t.Fatalf("keypair: %v", err)
	}
	signer := KeySigner{ID: "audit-1", Priv: priv}

	entry, err := l.Checkpoint("scheduler", signer)
	if err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	if entry.EventType != EventCheckpoint {
		t.Fatalf("unexpected event type %s", entry.EventType)
	}

	if err := VerifyCheckpoint(entry, pub); err != nil {
		t.Fatalf("verify checkpoint: %v", err)
	}

	// Round-trip through disk: details now hold json.Number values.
	read, err := l.Read(entry.Sequence, entry.Sequence)
	if err != nil {
		t.Fatalf("read checkpoint: %v", err)
	}
	if err := VerifyCheckpoint(read[0], pub); err != nil {
		t.Fatalf("verify checkpoint after reload: %v", err)
	}
}
