package services

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func permutations(n int) [][]int {
	if n == 1 {
		return [][]int{{0}}
	}
	var out [][]int
	for _, p := range permutations(n - 1) {
		for i := 0; i <= len(p); i++ {
			perm := make([]int, 0, n)
			perm = append(perm, p[:i]...)
			perm = append(perm, n-1)
			perm = append(perm, p[i:]...)
			out = append(out, perm)
		}
	}
	return out
}

func TestTrackerCompletesOnceForEveryOrder(t *testing.T) {
	const total = 4
	for _, order := range permutations(total) {
		tr := NewTracker(0, 0)
		completions := 0
		for i, idx := range order {
			status, err := tr.RegisterChunk("clip.mov", idx, total)
			if err != nil {
				t.Fatalf("order %v: %v", order, err)
			}
			if status == JustCompleted {
				completions++
				if i != total-1 {
					t.Fatalf("order %v: completed early at step %d", order, i)
				}
			}
		}
		if completions != 1 {
			t.Fatalf("order %v: %d completions", order, completions)
		}
		status, err := tr.RegisterChunk("clip.mov", order[0], total)
		if err != nil || status != AlreadyComplete {
			t.Fatalf("order %v: late duplicate got %v, %v", order, status, err)
		}
	}
}

func TestTrackerDuplicatesAreIdempotent(t *testing.T) {
	tr := NewTracker(0, 0)
	for i := 0; i < 3; i++ {
		status, err := tr.RegisterChunk("a.mp3", 0, 2)
		if err != nil || status != Incomplete {
			t.Fatalf("duplicate %d: %v, %v", i, status, err)
		}
	}
	if got := tr.Lookup("a.mp3").Snapshot().Received; got != 1 {
		t.Fatalf("received = %d, want 1", got)
	}
	status, err := tr.RegisterChunk("a.mp3", 1, 2)
	if err != nil || status != JustCompleted {
		t.Fatalf("final chunk: %v, %v", status, err)
	}
}

func TestTrackerRejectsBadCoordinates(t *testing.T) {
	tr := NewTracker(100, 0)
	tests := []struct {
		name  string
		file  string
		index int
		total int
		want  error
	}{
		{"negative index", "a.mp3", -1, 3, ErrInvalidChunkIndex},
		{"index equals total", "a.mp3", 3, 3, ErrInvalidChunkIndex},
		{"zero total", "a.mp3", 0, 0, ErrInvalidTotalChunks},
		{"total above limit", "a.mp3", 0, 101, ErrInvalidTotalChunks},
		{"dot name", "..", 0, 3, ErrInvalidFileName},
		{"empty name", "", 0, 3, ErrInvalidFileName},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tr.RegisterChunk(tt.file, tt.index, tt.total); !errors.Is(err, tt.want) {
				t.Fatalf("got %v, want %v", err, tt.want)
			}
		})
	}
	if tr.Count() != 0 {
		t.Fatalf("rejected chunks created %d sessions", tr.Count())
	}
}

func TestTrackerTotalChunksMismatchLeavesSessionAlone(t *testing.T) {
	tr := NewTracker(0, 0)
	if _, err := tr.RegisterChunk("clip.mov", 0, 3); err != nil {
		t.Fatal(err)
	}
	if _, err := tr.RegisterChunk("clip.mov", 1, 4); !errors.Is(err, ErrTotalChunksMismatch) {
		t.Fatalf("got %v, want ErrTotalChunksMismatch", err)
	}
	snap := tr.Lookup("clip.mov").Snapshot()
	if snap.TotalChunks != 3 || snap.Received != 1 || snap.Complete {
		t.Fatalf("session changed: %+v", snap)
	}
}

func TestTrackerConcurrentRegistration(t *testing.T) {
	const total = 64
	tr := NewTracker(0, 0)

	var wg sync.WaitGroup
	var mu sync.Mutex
	completions := 0
	for round := 0; round < 2; round++ {
		for i := 0; i < total; i++ {
			wg.Add(1)
			go func(idx int) {
				defer wg.Done()
				status, err := tr.RegisterChunk("big.mkv", idx, total)
				if err != nil {
					t.Errorf("chunk %d: %v", idx, err)
					return
				}
				if status == JustCompleted {
					mu.Lock()
					completions++
					mu.Unlock()
				}
			}(i)
		}
	}
	wg.Wait()

	if completions != 1 {
		t.Fatalf("completions = %d, want 1", completions)
	}
}

func TestTrackerExpireIdle(t *testing.T) {
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	tr := NewTracker(0, 10*time.Minute)
	tr.now = func() time.Time { return base }

	idle, err := tr.Acquire("idle.mp3", 0, 2)
	if err != nil {
		t.Fatal(err)
	}
	bound, err := tr.Acquire("bound.mp3", 0, 1)
	if err != nil {
		t.Fatal(err)
	}
	bound.jobID = "job-1"

	if got := tr.ExpireIdle(base.Add(5 * time.Minute)); len(got) != 0 {
		t.Fatalf("expired %d sessions before the timeout", len(got))
	}
	got := tr.ExpireIdle(base.Add(11 * time.Minute))
	if len(got) != 1 || got[0] != idle {
		t.Fatalf("expired %v, want only the idle session", got)
	}
	if tr.Lookup("bound.mp3") == nil {
		t.Fatal("session with a job was reclaimed")
	}

	if _, _, err := tr.MarkReceived(idle, 0, 10); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("in-flight chunk on expired session: %v", err)
	}

	// The next chunk for the same name starts a fresh session.
	fresh, err := tr.Acquire("idle.mp3", 0, 5)
	if err != nil {
		t.Fatal(err)
	}
	if fresh == idle || fresh.TotalChunks != 5 {
		t.Fatal("expected a new session")
	}
}

func TestBindJobStartsOnce(t *testing.T) {
	tr := NewTracker(0, 0)
	sess, _ := tr.Acquire("a.mp3", 0, 1)

	starts := 0
	start := func(string) (string, error) {
		starts++
		return "job-1", nil
	}

	if _, err := sess.bindJob(start); !errors.Is(err, ErrUploadIncomplete) {
		t.Fatalf("bind before completion: %v", err)
	}
	tr.MarkReceived(sess, 0, 1)
	sess.setInput("/tmp/in")

	for i := 0; i < 3; i++ {
		id, err := sess.bindJob(start)
		if err != nil || id != "job-1" {
			t.Fatalf("bind %d: %q, %v", i, id, err)
		}
	}
	if starts != 1 {
		t.Fatalf("start called %d times", starts)
	}
}
