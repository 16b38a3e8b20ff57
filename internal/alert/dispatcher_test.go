package alert

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/petralabs/riskgate/internal/store"
	"github.com/petralabs/riskgate/pkg/types"
)

type fakePoster struct {
	failures int
	posted   []string
}

func (p *fakePoster) Post(_ context.Context, target string, alert types.Alert) error {
	if p.failures > 0 {
		p.failures--
		return errors.New("target unreachable")
	}
	p.posted = append(p.posted, target+":"+alert.ID)
	return nil
}

func openTestStore(t *testing.T, dir string) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(dir, "riskgate.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func readAlertLines(t *testing.T, path string) []types.Alert {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()

	var out []types.Alert
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var a types.Alert
		if err := json.Unmarshal(scanner.Bytes(), &a); err != nil {
			t.Fatalf("decode alert line: %v", err)
		}
		out = append(out, a)
	}
	return out
}

func TestDispatchWritesPerSeverityFiles(t *testing.T) {
	dir := t.TempDir()
	d := NewDispatcher(dir)
	t.Cleanup(func() { _ = d.Close() })

	if err := d.Dispatch(types.Alert{Level: types.AlertInfo, Message: "all quiet"}); err != nil {
		t.Fatalf("dispatch info: %v", err)
	}
	if err := d.Dispatch(types.Alert{Level: types.AlertCritical, Message: "kill switch engaged"}); err != nil {
		t.Fatalf("dispatch critical: %v", err)
	}

	infos := readAlertLines(t, filepath.Join(dir, "alerts-info.jsonl"))
	if len(infos) != 1 || infos[0].Message != "all quiet" {
		t.Fatalf("unexpected info alerts: %+v", infos)
	}
	if infos[0].ID == "" || infos[0].Timestamp == "" {
		t.Fatal("dispatch must assign id and timestamp")
	}

	crits := readAlertLines(t, filepath.Join(dir, "alerts-critical.jsonl"))
	if len(crits) != 1 || crits[0].Message != "kill switch engaged" {
		t.Fatalf("unexpected critical alerts: %+v", crits)
	}
}

func TestDispatchRejectsUnknownLevel(t *testing.T) {
	d := NewDispatcher(t.TempDir())
	t.Cleanup(func() { _ = d.Close() })

	if err := d.Dispatch(types.Alert{Level: "shrug", Message: "?"}); !errors.Is(err, types.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestWarningAndAboveEnterOutbox(t *testing.T) {
	dir := t.TempDir()
	db := openTestStore(t, dir)
	d := NewDispatcher(dir, WithOutbox(db, []string{"https://hooks.example/ops"}))
	t.Cleanup(func() { _ = d.Close() })

	if err := d.Dispatch(types.Alert{Level: types.AlertInfo, Message: "ignored"}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if err := d.Dispatch(types.Alert{Level: types.AlertError, Message: "position drift"}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	poster := &fakePoster{}
	n, err := ProcessOutboxDue(context.Background(), db, poster, time.Now(), 10)
	if err != nil {
		t.Fatalf("process outbox: %v", err)
	}
	if n != 1 || len(poster.posted) != 1 {
		t.Fatalf("expected one delivery, processed=%d posted=%v", n, poster.posted)
	}

	// Nothing left due.
	n, err = ProcessOutboxDue(context.Background(), db, poster, time.Now(), 10)
	if err != nil {
		t.Fatalf("process outbox: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected empty outbox, processed=%d", n)
	}
}

func TestOutboxBacksOffOnFailure(t *testing.T) {
	dir := t.TempDir()
	db := openTestStore(t, dir)
	d := NewDispatcher(dir, WithOutbox(db, []string{"https://hooks.example/ops"}))
	t.Cleanup(func() { _ = d.Close() })

	if err := d.Dispatch(types.Alert{Level: types.AlertWarning, Message: "stale data"}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	poster := &fakePoster{failures: 1}
	now := time.Now()

	if _, err := ProcessOutboxDue(context.Background(), db, poster, now, 10); err != nil {
		t.Fatalf("process outbox: %v", err)
	}
	if len(poster.posted) != 0 {
		t.Fatal("first attempt should have failed")
	}

	// Not due again yet.
	if n, _ := ProcessOutboxDue(context.Background(), db, poster, now.Add(time.Second), 10); n != 0 {
		t.Fatalf("expected backoff to defer retry, processed=%d", n)
	}

	// Due after the backoff interval.
	if _, err := ProcessOutboxDue(context.Background(), db, poster, now.Add(10*time.Second), 10); err != nil {
		t.Fatalf("process outbox: %v", err)
	}
	if len(poster.posted) != 1 {
		t.Fatalf("expected delivery after backoff, posted=%v", poster.posted)
	}
}

func TestDeliveryFailureNeverBlocksDurableWrite(t *testing.T) {
	dir := t.TempDir()
	db := openTestStore(t, dir)
	d := NewDispatcher(dir, WithOutbox(db, []string{"https://hooks.example/ops"}))
	t.Cleanup(func() { _ = d.Close() })
	_ = db.Close() // outbox inserts will fail

	if err := d.Dispatch(types.Alert{Level: types.AlertCritical, Message: "still recorded"}); err != nil {
		t.Fatalf("durable write must succeed despite enqueue failure: %v", err)
	}

	crits := readAlertLines(t, filepath.Join(dir, "alerts-critical.jsonl"))
	if len(crits) != 1 {
		t.Fatalf("expected durable record, got %+v", crits)
	}
}

func TestNextAttemptCaps(t *testing.T) {
	if nextAttempt(0) != 5*time.Second {
		t.Fatalf("unexpected base backoff: %v", nextAttempt(0))
	}
	if nextAttempt(1) != 10*time.Second {
		t.Fatalf("unexpected second backoff: %v", nextAttempt(1))
	}
	// The cap must hold for arbitrarily large attempt counts, including
	// shift widths that would overflow the duration.
	for _, attempts := range []int{12, 31, 63, 1000} {
		if d := nextAttempt(attempts); d != 5*time.Minute {
			t.Fatalf("backoff after %d attempts must cap at 5m, got %v", attempts, d)
		}
	}
}
