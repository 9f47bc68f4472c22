package relay

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tokengate/tokengate/internal/domain"
	"github.com/tokengate/tokengate/internal/provider"
)

type frameRecorder struct {
	mu  sync.Mutex
	buf strings.Builder
}

func (f *frameRecorder) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.buf.Write(p)
}

func (f *frameRecorder) Flush() {}

func (f *frameRecorder) frames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw := strings.TrimSuffix(f.buf.String(), "\n\n")
	if raw == "" {
		return nil
	}
	return strings.Split(raw, "\n\n")
}

func (f *frameRecorder) events() []string {
	var names []string
	for _, frame := range f.frames() {
		for _, line := range strings.Split(frame, "\n") {
			if name, ok := strings.CutPrefix(line, "event: "); ok {
				names = append(names, name)
			}
		}
	}
	return names
}

func TestRun_TokensThenDone(t *testing.T) {
	events := make(chan provider.Event, 4)
	errs := make(chan error, 1)
	events <- provider.Event{Content: "Hel"}
	events <- provider.Event{Content: "lo"}
	events <- provider.Event{Content: "!"}
	close(events)
	close(errs)

	w := &frameRecorder{}
	res := New(time.Hour).Run(context.Background(), w, events, errs)

	if res.Err != nil {
		t.Fatalf("Run() err = %v", res.Err)
	}

	got := w.events()
	want := []string{"token", "token", "token", "done"}
	if len(got) != len(want) {
		t.Fatalf("frames = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("frame %d = %q, want %q", i, got[i], want[i])
		}
	}

	if !strings.Contains(w.buf.String(), `data: "ok"`) {
		t.Error("done frame should carry \"ok\"")
	}
}

func TestRun_UsageOnlyFramesAreAccumulatedNotPushed(t *testing.T) {
	events := make(chan provider.Event, 3)
	errs := make(chan error, 1)
	events <- provider.Event{Content: "hi"}
	events <- provider.Event{Usage: &domain.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}}
	close(events)
	close(errs)

	w := &frameRecorder{}
	res := New(time.Hour).Run(context.Background(), w, events, errs)

	got := w.events()
	if len(got) != 2 || got[0] != "token" || got[1] != "done" {
		t.Errorf("frames = %v, want [token done]", got)
	}
	if res.Usage == nil || res.Usage.TotalTokens != 15 {
		t.Errorf("result usage = %+v, want total 15", res.Usage)
	}
}

func TestRun_UpstreamErrorEmitsSingleErrorFrame(t *testing.T) {
	events := make(chan provider.Event)
	errs := make(chan error, 1)
	errs <- errors.New("upstream exploded")
	close(errs)

	w := &frameRecorder{}
	res := New(time.Hour).Run(context.Background(), w, events, errs)

	if res.Err == nil {
		t.Fatal("Run() should surface upstream error")
	}

	got := w.events()
	if len(got) != 1 || got[0] != "error" {
		t.Errorf("frames = %v, want [error]", got)
	}
	if !strings.Contains(w.buf.String(), "upstream exploded") {
		t.Error("error frame should carry the upstream message")
	}
}

func TestRun_ErrorQueuedBeforeCloseWinsOverDone(t *testing.T) {
	// Providers push the failure into errs and then close both channels,
	// so both cases are ready at once. The error frame must win every
	// time, never a spurious done.
	for i := 0; i < 200; i++ {
		events := make(chan provider.Event, 1)
		errs := make(chan error, 1)
		events <- provider.Event{Content: "partial"}
		errs <- errors.New("upstream exploded")
		close(errs)
		close(events)

		w := &frameRecorder{}
		res := New(time.Hour).Run(context.Background(), w, events, errs)

		if res.Err == nil {
			t.Fatalf("run %d: Run() should surface upstream error", i)
		}
		names := w.events()
		if len(names) == 0 || names[len(names)-1] != "error" {
			t.Fatalf("run %d: frames = %v, want terminal error", i, names)
		}
		for _, name := range names {
			if name == "done" {
				t.Fatalf("run %d: done emitted alongside error, frames = %v", i, names)
			}
		}
	}
}

func TestRun_ClientDisconnectSuppressesWrites(t *testing.T) {
	events := make(chan provider.Event)
	errs := make(chan error, 1)

	ctx, cancel := context.WithCancel(context.Background())
	w := &frameRecorder{}

	done := make(chan Result, 1)
	go func() {
		done <- New(time.Millisecond).Run(ctx, w, events, errs)
	}()

	events <- provider.Event{Content: "partial"}
	events <- provider.Event{Usage: &domain.Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5}}
	cancel()

	res := <-done
	if !res.Disconnected {
		t.Error("result should report disconnect")
	}
	if res.Usage == nil || res.Usage.TotalTokens != 5 {
		t.Errorf("usage observed before disconnect = %+v, want total 5", res.Usage)
	}

	written := w.buf.String()
	time.Sleep(10 * time.Millisecond)
	if got := w.buf.String(); got != written {
		t.Error("frames were written after disconnect")
	}
	for _, name := range w.events() {
		if name == "done" || name == "error" {
			t.Errorf("terminal %q frame written after disconnect", name)
		}
	}
}

func TestRun_PingsWhileIdleStopAfterDone(t *testing.T) {
	events := make(chan provider.Event)
	errs := make(chan error, 1)

	w := &frameRecorder{}
	done := make(chan Result, 1)
	go func() {
		done <- New(5 * time.Millisecond).Run(context.Background(), w, events, errs)
	}()

	time.Sleep(30 * time.Millisecond)
	close(events)
	close(errs)
	<-done

	pings := 0
	for _, name := range w.events() {
		if name == "ping" {
			pings++
		}
	}
	if pings == 0 {
		t.Fatal("expected ping frames while idle")
	}

	// No writes after the done frame: the ticker is stopped.
	final := w.buf.String()
	time.Sleep(20 * time.Millisecond)
	if got := w.buf.String(); got != final {
		t.Error("ping written after stream closed")
	}
	names := w.events()
	if names[len(names)-1] != "done" {
		t.Errorf("last frame = %q, want done", names[len(names)-1])
	}
}
