// Package metering durably records one accounting event per completed or
// streamed request. The primary store is tried first; on failure the event
// is appended to a local JSONL file. Metering never fails the caller's
// request: the worst outcome is a logged, lost event.
package metering

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tokengate/tokengate/internal/cost"
	"github.com/tokengate/tokengate/internal/domain"
	"github.com/tokengate/tokengate/internal/metrics"
)

// Outcome tags where an event ended up, surfaced to callers and counted
// in prometheus instead of being a silent log line.
type Outcome string

const (
	OutcomePersisted Outcome = "persisted"
	OutcomeFellBack  Outcome = "fellback"
	OutcomeLost      Outcome = "lost"
)

// Store is the primary accounting sink, a single-row insert.
type Store interface {
	Insert(ctx context.Context, ev domain.UsageEvent) error
}

type Recorder struct {
	store        Store
	calc         *cost.Calculator
	fallbackPath string

	mu  sync.Mutex // serializes fallback file appends
	now func() time.Time
}

func NewRecorder(store Store, calc *cost.Calculator, fallbackPath string) *Recorder {
	return &Recorder{
		store:        store,
		calc:         calc,
		fallbackPath: fallbackPath,
		now:          time.Now,
	}
}

// Record finalizes and persists one usage event. Cost and Day are derived
// here; whatever the caller set on those fields is overwritten.
func (r *Recorder) Record(ctx context.Context, ev domain.UsageEvent) Outcome {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.TS.IsZero() {
		ev.TS = r.now().UTC()
	}
	ev.Day = domain.DayFloor(ev.TS)
	ev.CostUSD = r.calc.Estimate(ev.Provider, ev.Model, domain.Usage{
		PromptTokens:     ev.PromptTokens,
		CompletionTokens: ev.CompletionTokens,
		TotalTokens:      ev.TotalTokens,
	})

	outcome := r.persist(ctx, ev)
	metrics.RecordMeteringOutcome(string(outcome))
	if ev.CostUSD > 0 {
		metrics.RecordCost(ev.OrgID, ev.Provider, ev.Model, ev.CostUSD)
	}
	return outcome
}

func (r *Recorder) persist(ctx context.Context, ev domain.UsageEvent) Outcome {
	err := r.store.Insert(ctx, ev)
	if err == nil {
		return OutcomePersisted
	}

	slog.Warn("usage store insert failed, falling back to file",
		"error", err,
		"event_id", ev.ID,
		"org_id", ev.OrgID,
	)

	if err := r.appendFallback(ev); err != nil {
		slog.Error("usage fallback write failed, event lost",
			"error", err,
			"event_id", ev.ID,
			"org_id", ev.OrgID,
		)
		return OutcomeLost
	}

	return OutcomeFellBack
}

func (r *Recorder) appendFallback(ev domain.UsageEvent) error {
	line, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if dir := filepath.Dir(r.fallbackPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	f, err := os.OpenFile(r.fallbackPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return err
	}

	return nil
}
