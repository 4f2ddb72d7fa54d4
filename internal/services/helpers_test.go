package services

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var testFormats = map[string]string{
	"mp3":  "audio/mpeg",
	"m4a":  "audio/mp4",
	"opus": "audio/opus",
	"wav":  "audio/wav",
	"flac": "audio/flac",
	"txt":  "text/plain; charset=utf-8",
}

// fakeConverter stands in for ffmpeg. It reports the configured progress,
// optionally waits on gate, then writes a small output file.
type fakeConverter struct {
	progress  []int
	err       error
	panicWith interface{}
	gate      chan struct{}
	noOutput  bool

	calls       atomic.Int32
	sawProgress atomic.Bool
}

func (f *fakeConverter) Convert(ctx context.Context, req ConvertRequest, onProgress func(int)) error {
	f.calls.Add(1)
	if onProgress != nil {
		f.sawProgress.Store(true)
		for _, p := range f.progress {
			onProgress(p)
		}
	}
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if f.panicWith != nil {
		panic(f.panicWith)
	}
	if f.err != nil {
		return f.err
	}
	if f.noOutput {
		return nil
	}
	return os.WriteFile(req.Output, []byte("converted"), 0644)
}

// recordingMirror captures every published event in order.
type recordingMirror struct {
	mu     sync.Mutex
	events map[string][]ProgressEvent
}

func newRecordingMirror() *recordingMirror {
	return &recordingMirror{events: make(map[string][]ProgressEvent)}
}

func (m *recordingMirror) Mirror(jobID string, ev ProgressEvent) {
	m.mu.Lock()
	m.events[jobID] = append(m.events[jobID], ev)
	m.mu.Unlock()
}

func (m *recordingMirror) For(jobID string) []ProgressEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ProgressEvent(nil), m.events[jobID]...)
}

func newTestRunner(t *testing.T, conv Converter, mirror Mirror, mutate func(*RunnerOptions)) *Runner {
	t.Helper()
	opts := RunnerOptions{
		OutputDir: filepath.Join(t.TempDir(), "convert"),
		MaxActive: 4,
		Formats:   testFormats,
		Converter: conv,
		Events:    NewBroadcaster(mirror),
	}
	if mutate != nil {
		mutate(&opts)
	}
	r, err := NewRunner(opts)
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		r.Shutdown(ctx)
	})
	return r
}

func writeInput(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte("input"), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func waitTerminal(t *testing.T, r *Runner, id string) Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := r.Get(id)
		if err != nil {
			t.Fatalf("Get(%s): %v", id, err)
		}
		if job.State.Terminal() {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s did not finish", id)
	return Job{}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func progressValues(events []ProgressEvent) []int {
	var out []int
	for _, ev := range events {
		if ev.Progress != nil {
			out = append(out, *ev.Progress)
		}
	}
	return out
}
