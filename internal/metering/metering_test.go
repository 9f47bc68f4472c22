package metering

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tokengate/tokengate/internal/cost"
	"github.com/tokengate/tokengate/internal/domain"
)

type mockStore struct {
	events []domain.UsageEvent
	err    error
}

func (m *mockStore) Insert(ctx context.Context, ev domain.UsageEvent) error {
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, ev)
	return nil
}

func testEvent() domain.UsageEvent {
	return domain.UsageEvent{
		TS:               time.Date(2026, 8, 29, 23, 45, 0, 0, time.UTC),
		Provider:         "openai",
		Model:            "gpt-4",
		OrgID:            "org1",
		UserID:           "user1",
		PromptTokens:     1000,
		CompletionTokens: 500,
		TotalTokens:      1500,
	}
}

func TestRecord_Persisted(t *testing.T) {
	store := &mockStore{}
	r := NewRecorder(store, cost.NewCalculator(), filepath.Join(t.TempDir(), "fallback.jsonl"))

	outcome := r.Record(context.Background(), testEvent())
	if outcome != OutcomePersisted {
		t.Fatalf("outcome = %v, want %v", outcome, OutcomePersisted)
	}
	if len(store.events) != 1 {
		t.Fatalf("stored %d events, want 1", len(store.events))
	}

	got := store.events[0]
	if got.ID == "" {
		t.Error("event id should be assigned")
	}
	if wantDay := time.Date(2026, 8, 29, 0, 0, 0, 0, time.UTC); !got.Day.Equal(wantDay) {
		t.Errorf("day = %v, want %v", got.Day, wantDay)
	}
	if wantCost := 1.0*0.03 + 0.5*0.06; got.CostUSD != wantCost {
		t.Errorf("cost = %v, want %v", got.CostUSD, wantCost)
	}
}

func TestRecord_DayIsDerivedNotCallerSupplied(t *testing.T) {
	store := &mockStore{}
	r := NewRecorder(store, cost.NewCalculator(), filepath.Join(t.TempDir(), "fallback.jsonl"))

	ev := testEvent()
	ev.Day = time.Date(1999, 1, 1, 0, 0, 0, 0, time.UTC)
	r.Record(context.Background(), ev)

	if got := store.events[0].Day; got.Year() != 2026 {
		t.Errorf("day = %v, caller-supplied value should be overwritten", got)
	}
}

func TestRecord_StoreFailureFallsBackToFile(t *testing.T) {
	fallback := filepath.Join(t.TempDir(), "nested", "dir", "fallback.jsonl")
	store := &mockStore{err: errors.New("store unavailable")}
	r := NewRecorder(store, cost.NewCalculator(), fallback)

	outcome := r.Record(context.Background(), testEvent())
	if outcome != OutcomeFellBack {
		t.Fatalf("outcome = %v, want %v", outcome, OutcomeFellBack)
	}

	data, err := os.ReadFile(fallback)
	if err != nil {
		t.Fatalf("fallback file not written: %v", err)
	}

	var got domain.UsageEvent
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("fallback line is not valid JSON: %v", err)
	}
	if got.OrgID != "org1" || got.TotalTokens != 1500 {
		t.Errorf("fallback event = %+v", got)
	}
	if got.CostUSD == 0 {
		t.Error("fallback line should include the computed cost")
	}
}

func TestRecord_FallbackAppends(t *testing.T) {
	fallback := filepath.Join(t.TempDir(), "fallback.jsonl")
	store := &mockStore{err: errors.New("down")}
	r := NewRecorder(store, cost.NewCalculator(), fallback)

	r.Record(context.Background(), testEvent())
	r.Record(context.Background(), testEvent())

	data, err := os.ReadFile(fallback)
	if err != nil {
		t.Fatal(err)
	}

	lines := 0
	for _, b := range data {
		if b == '\n' {
			lines++
		}
	}
	if lines != 2 {
		t.Errorf("fallback file has %d lines, want 2", lines)
	}
}

func TestRecord_FallbackFailureIsSwallowed(t *testing.T) {
	// Unwritable path: the parent exists as a file.
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	store := &mockStore{err: errors.New("down")}
	r := NewRecorder(store, cost.NewCalculator(), filepath.Join(blocker, "fallback.jsonl"))

	// Must not panic or propagate; the event is lost, the caller is fine.
	outcome := r.Record(context.Background(), testEvent())
	if outcome != OutcomeLost {
		t.Errorf("outcome = %v, want %v", outcome, OutcomeLost)
	}
}

func TestRecord_UnknownModelCostsZero(t *testing.T) {
	store := &mockStore{}
	r := NewRecorder(store, cost.NewCalculator(), filepath.Join(t.TempDir(), "fallback.jsonl"))

	ev := testEvent()
	ev.Provider = "openai"
	ev.Model = "unknown-model"
	r.Record(context.Background(), ev)

	if got := store.events[0].CostUSD; got != 0 {
		t.Errorf("cost = %v, want 0 for unpriced model", got)
	}
}
