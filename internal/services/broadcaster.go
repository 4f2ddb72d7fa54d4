package services

import (
	"context"
	"sync"
)

// ProgressEvent is one record of a job's progress stream. Exactly one of the
// fields is set.
type ProgressEvent struct {
	Progress *int   `json:"progress,omitempty"`
	File     string `json:"file,omitempty"`
	Error    string `json:"error,omitempty"`
}

func ProgressUpdate(percent int) ProgressEvent {
	return ProgressEvent{Progress: &percent}
}

func FileEvent(ref string) ProgressEvent {
	return ProgressEvent{File: ref}
}

func ErrorEvent(msg string) ProgressEvent {
	return ProgressEvent{Error: msg}
}

func (e ProgressEvent) Terminal() bool {
	return e.Progress == nil
}

// Mirror receives a copy of every published event. Implementations must not
// block.
type Mirror interface {
	Mirror(jobID string, ev ProgressEvent)
}

type topic struct {
	progress *int
	terminal *ProgressEvent
	subs     map[*Subscription]struct{}
}

// Broadcaster fans job state transitions out to subscribers. It keeps the
// latest progress and the terminal event per job so late subscribers see the
// current state instead of waiting for events that already happened.
type Broadcaster struct {
	mu     sync.Mutex
	topics map[string]*topic
	mirror Mirror
}

func NewBroadcaster(mirror Mirror) *Broadcaster {
	return &Broadcaster{
		topics: make(map[string]*topic),
		mirror: mirror,
	}
}

// Open registers a job so it can be subscribed to.
func (b *Broadcaster) Open(jobID string) {
	b.mu.Lock()
	if _, ok := b.topics[jobID]; !ok {
		b.topics[jobID] = &topic{subs: make(map[*Subscription]struct{})}
	}
	b.mu.Unlock()
}

// Publish appends ev to every subscriber of the job. Nothing is accepted
// after the terminal event.
func (b *Broadcaster) Publish(jobID string, ev ProgressEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[jobID]
	if !ok || t.terminal != nil {
		return
	}
	if ev.Terminal() {
		t.terminal = &ev
	} else {
		p := *ev.Progress
		t.progress = &p
	}
	for sub := range t.subs {
		sub.push(ev)
	}
	if ev.Terminal() {
		t.subs = make(map[*Subscription]struct{})
	}
	if b.mirror != nil {
		b.mirror.Mirror(jobID, ev)
	}
}

func (b *Broadcaster) Subscribe(jobID string) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[jobID]
	if !ok {
		return nil, ErrNotFound
	}

	sub := &Subscription{
		b:      b,
		jobID:  jobID,
		notify: make(chan struct{}, 1),
	}
	if t.terminal != nil {
		ev := *t.terminal
		sub.terminal = &ev
		return sub, nil
	}
	if t.progress != nil {
		p := *t.progress
		sub.pending = &p
	}
	t.subs[sub] = struct{}{}
	return sub, nil
}

// Forget drops a job's history. Used when a finished job expires.
func (b *Broadcaster) Forget(jobID string) {
	b.mu.Lock()
	delete(b.topics, jobID)
	b.mu.Unlock()
}

func (b *Broadcaster) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	if t, ok := b.topics[sub.jobID]; ok {
		delete(t.subs, sub)
	}
	b.mu.Unlock()
}

// Subscription is one observer's ordered view of a job. Progress values that
// pile up while the reader is busy collapse into the latest one.
type Subscription struct {
	b     *Broadcaster
	jobID string

	mu       sync.Mutex
	pending  *int
	terminal *ProgressEvent
	done     bool
	closed   bool
	notify   chan struct{}
}

func (s *Subscription) push(ev ProgressEvent) {
	s.mu.Lock()
	if s.closed || s.done {
		s.mu.Unlock()
		return
	}
	if ev.Terminal() {
		s.terminal = &ev
	} else {
		p := *ev.Progress
		s.pending = &p
	}
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Next blocks until the next event. It returns false after the terminal
// event has been delivered, after Close, or when ctx ends.
func (s *Subscription) Next(ctx context.Context) (ProgressEvent, bool) {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return ProgressEvent{}, false
		}
		if s.pending != nil {
			p := *s.pending
			s.pending = nil
			s.mu.Unlock()
			return ProgressUpdate(p), true
		}
		if s.terminal != nil && !s.done {
			ev := *s.terminal
			s.done = true
			s.mu.Unlock()
			return ev, true
		}
		if s.done {
			s.mu.Unlock()
			return ProgressEvent{}, false
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-ctx.Done():
			return ProgressEvent{}, false
		}
	}
}

// Close releases the subscription. The job itself keeps running.
func (s *Subscription) Close() {
	s.b.unsubscribe(s)
	s.mu.Lock()
	s.closed = true
	s.pending = nil
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}
