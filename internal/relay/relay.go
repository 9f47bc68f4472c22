// Package relay adapts a provider's event stream to a server-sent-event
// channel: token frames for content fragments, periodic pings to defeat
// idle-connection timeouts, and a single terminal done or error frame.
// Usage numbers are accumulated internally, never pushed per fragment.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tokengate/tokengate/internal/domain"
	"github.com/tokengate/tokengate/internal/provider"
)

const DefaultPingInterval = 15 * time.Second

// FlushWriter is the outbound channel: an http.ResponseWriter that
// supports flushing, or a test double.
type FlushWriter interface {
	io.Writer
	http.Flusher
}

// Result carries whatever was observed by the time the stream ended, for
// the caller's accounting step. Usage may be nil on early failures.
type Result struct {
	Usage        *domain.Usage
	Err          error
	Disconnected bool
}

type Relay struct {
	pingInterval time.Duration
}

func New(pingInterval time.Duration) *Relay {
	if pingInterval <= 0 {
		pingInterval = DefaultPingInterval
	}
	return &Relay{pingInterval: pingInterval}
}

// Run drives the upstream channels onto w until the upstream completes,
// fails, or the client disconnects (ctx done). After a disconnect no
// further frames are written, pings included. Run always returns a Result
// so the caller can record usage exactly once on every exit path.
func (r *Relay) Run(ctx context.Context, w FlushWriter, events <-chan provider.Event, errs <-chan error) Result {
	ticker := time.NewTicker(r.pingInterval)
	defer ticker.Stop()

	var usage *domain.Usage

	for {
		select {
		case <-ctx.Done():
			return Result{Usage: usage, Err: ctx.Err(), Disconnected: true}

		case <-ticker.C:
			writeFrame(w, "ping", struct{}{})

		case ev, ok := <-events:
			if !ok {
				// Providers close events and errs together; a failure
				// may already be sitting in errs. Check before done so
				// the terminal frame is never wrong.
				if err := pendingError(errs); err != nil {
					writeFrame(w, "error", errorPayload{Message: err.Error()})
					return Result{Usage: usage, Err: err}
				}
				writeFrame(w, "done", "ok")
				return Result{Usage: usage}
			}
			if ev.Usage != nil {
				u := *ev.Usage
				usage = &u
			}
			if ev.Content != "" {
				writeFrame(w, "token", tokenPayload{Content: ev.Content})
			}

		case err, ok := <-errs:
			if !ok {
				// Closed without an error; keep draining events.
				errs = nil
				continue
			}
			if err != nil {
				writeFrame(w, "error", errorPayload{Message: err.Error()})
				return Result{Usage: usage, Err: err}
			}
		}
	}
}

// pendingError reports an error already queued on errs without blocking.
// A closed channel yields nil, same as an empty one.
func pendingError(errs <-chan error) error {
	if errs == nil {
		return nil
	}
	select {
	case err := <-errs:
		return err
	default:
		return nil
	}
}

type tokenPayload struct {
	Content string `json:"content"`
}

type errorPayload struct {
	Message string `json:"message"`
}

func writeFrame(w FlushWriter, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	w.Flush()
}
