package services

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestState(t *testing.T, conv Converter, mutate func(*Options)) *State {
	t.Helper()
	root := t.TempDir()
	opts := Options{
		UploadDir:     filepath.Join(root, "uploads"),
		OutputDir:     filepath.Join(root, "convert"),
		MaxActiveJobs: 4,
		JobRetention:  time.Hour,
		DeliverOnce:   true,
		Formats:       testFormats,
		Converter:     conv,
	}
	if mutate != nil {
		mutate(&opts)
	}
	st, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		st.Stop(ctx)
	})
	return st
}

func uploadAll(t *testing.T, st *State, name string, order []int, total int) ChunkReceipt {
	t.Helper()
	var last ChunkReceipt
	for _, idx := range order {
		receipt, err := st.PutChunk(name, idx, total, strings.NewReader("chunk"))
		if err != nil {
			t.Fatalf("chunk %d: %v", idx, err)
		}
		last = receipt
	}
	return last
}

func TestStateManualStartIsIdempotent(t *testing.T) {
	conv := &fakeConverter{}
	var finished atomic.Int32
	st := newTestState(t, conv, func(o *Options) {
		o.OnJobFinished = func(Job) { finished.Add(1) }
	})

	if _, err := st.StartProcessing("clip.mov", 3, ""); !errors.Is(err, ErrUploadIncomplete) {
		t.Fatalf("unknown upload: %v", err)
	}
	receipt := uploadAll(t, st, "clip.mov", []int{1, 0}, 3)
	if receipt.Status != Incomplete {
		t.Fatalf("status %v", receipt.Status)
	}
	if _, err := st.StartProcessing("clip.mov", 3, ""); !errors.Is(err, ErrUploadIncomplete) {
		t.Fatalf("partial upload: %v", err)
	}

	receipt = uploadAll(t, st, "clip.mov", []int{2}, 3)
	if receipt.Status != JustCompleted || receipt.JobID != "" {
		t.Fatalf("completing chunk: %+v", receipt)
	}
	if _, err := st.StartProcessing("clip.mov", 4, ""); !errors.Is(err, ErrUploadIncomplete) {
		t.Fatalf("wrong total: %v", err)
	}

	conv.gate = make(chan struct{})
	var wg sync.WaitGroup
	ids := make([]string, 10)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := st.StartProcessing("clip.mov", 3, "")
			if err != nil {
				t.Errorf("start %d: %v", i, err)
			}
			ids[i] = id
		}(i)
	}
	wg.Wait()
	for _, id := range ids {
		if id != ids[0] || id == "" {
			t.Fatalf("different job ids: %v", ids)
		}
	}
	dup, err := st.PutChunk("clip.mov", 2, 3, strings.NewReader("x"))
	if err != nil || dup.Status != AlreadyComplete || dup.JobID != ids[0] {
		t.Fatalf("resent chunk after start: %+v, %v", dup, err)
	}
	close(conv.gate)

	job := waitTerminal(t, st.Jobs, ids[0])
	if job.State != JobSucceeded || job.OutputRef != "clip.mp3" {
		t.Fatalf("unexpected job: %+v", job)
	}
	waitFor(t, "session release", func() bool { return finished.Load() == 1 && st.Uploads.Count() == 0 })
	if calls := conv.calls.Load(); calls != 1 {
		t.Fatalf("converter ran %d times", calls)
	}
	if entries, _ := os.ReadDir(st.opts.UploadDir); len(entries) != 0 {
		t.Fatalf("upload dir not cleaned: %d entries", len(entries))
	}
}

func TestStateAutoStart(t *testing.T) {
	gate := make(chan struct{})
	st := newTestState(t, &fakeConverter{gate: gate}, func(o *Options) {
		o.AutoStart = true
		o.DefaultFormat = "m4a"
	})

	receipt := uploadAll(t, st, "talk.mp4", []int{0, 1}, 2)
	if receipt.Status != JustCompleted || receipt.JobID == "" {
		t.Fatalf("receipt %+v", receipt)
	}
	again, err := st.StartProcessing("talk.mp4", 2, "")
	if err != nil || again != receipt.JobID {
		t.Fatalf("StartProcessing = %q, %v; want %q", again, err, receipt.JobID)
	}

	// A lost response to the completing chunk makes the client resend it.
	dup, err := st.PutChunk("talk.mp4", 1, 2, strings.NewReader("x"))
	if err != nil || dup.Status != AlreadyComplete || dup.JobID != receipt.JobID {
		t.Fatalf("resent completing chunk: %+v, %v", dup, err)
	}

	close(gate)
	job := waitTerminal(t, st.Jobs, receipt.JobID)
	if job.Format != "m4a" || job.OutputRef != "talk.m4a" {
		t.Fatalf("unexpected job: %+v", job)
	}
}

func TestStateAutoStartRetriesAfterOverload(t *testing.T) {
	gate := make(chan struct{})
	conv := &fakeConverter{gate: gate}
	st := newTestState(t, conv, func(o *Options) {
		o.AutoStart = true
		o.MaxActiveJobs = 1
	})

	first := uploadAll(t, st, "a.mov", []int{0}, 1)
	if first.JobID == "" {
		t.Fatalf("first upload did not start: %+v", first)
	}
	if _, err := st.PutChunk("b.mov", 0, 1, strings.NewReader("chunk")); !errors.Is(err, ErrOverloaded) {
		t.Fatalf("expected overloaded, got %v", err)
	}

	close(gate)
	waitTerminal(t, st.Jobs, first.JobID)
	waitFor(t, "slot release", func() bool { return st.Jobs.Active() == 0 })

	retry, err := st.PutChunk("b.mov", 0, 1, strings.NewReader("chunk"))
	if err != nil {
		t.Fatal(err)
	}
	if retry.Status != AlreadyComplete || retry.JobID == "" || retry.JobID == first.JobID {
		t.Fatalf("retry after capacity freed: %+v", retry)
	}
	job := waitTerminal(t, st.Jobs, retry.JobID)
	if job.State != JobSucceeded || job.OutputRef != "b.mp3" {
		t.Fatalf("unexpected job: %+v", job)
	}
	if calls := conv.calls.Load(); calls != 2 {
		t.Fatalf("converter ran %d times", calls)
	}
}

func TestStateOverloadedKeepsUploadForRetry(t *testing.T) {
	gate := make(chan struct{})
	st := newTestState(t, &fakeConverter{gate: gate}, func(o *Options) { o.MaxActiveJobs = 1 })

	uploadAll(t, st, "a.mov", []int{0}, 1)
	uploadAll(t, st, "b.mov", []int{0}, 1)

	first, err := st.StartProcessing("a.mov", 1, "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := st.StartProcessing("b.mov", 1, ""); !errors.Is(err, ErrOverloaded) {
		t.Fatalf("got %v", err)
	}

	close(gate)
	waitTerminal(t, st.Jobs, first)
	waitFor(t, "slot release", func() bool { return st.Jobs.Active() == 0 })

	second, err := st.StartProcessing("b.mov", 1, "")
	if err != nil || second == first {
		t.Fatalf("retry: %q, %v", second, err)
	}
}

func TestStateBackgroundReclaim(t *testing.T) {
	st := newTestState(t, &fakeConverter{}, func(o *Options) {
		o.IdleTimeout = time.Millisecond
		o.ReclaimInterval = 10 * time.Millisecond
		o.ExpiryInterval = 10 * time.Millisecond
		o.JobRetention = time.Millisecond
	})
	st.Start(context.Background())

	uploadAll(t, st, "abandoned.mov", []int{0}, 2)
	waitFor(t, "idle upload reclaim", func() bool { return st.Uploads.Count() == 0 })

	id, err := st.Jobs.Start(writeInput(t, "done.mov"), StartOptions{FileName: "done.mov", Format: "mp3"})
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "job expiry", func() bool {
		_, err := st.Jobs.Get(id)
		return errors.Is(err, ErrNotFound)
	})
}
