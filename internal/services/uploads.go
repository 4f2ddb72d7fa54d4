package services

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coah80/stitch/internal/util"
)

type SessionStatus int

const (
	Incomplete SessionStatus = iota
	JustCompleted
	AlreadyComplete
)

func (s SessionStatus) String() string {
	switch s {
	case JustCompleted:
		return "just_completed"
	case AlreadyComplete:
		return "already_complete"
	default:
		return "incomplete"
	}
}

// UploadSession is one logical file being assembled from chunks.
//
// mu guards the bookkeeping. io is held shared by chunk writers and
// exclusively by assembly and discard, so files are never removed or
// concatenated underneath an in-flight write.
type UploadSession struct {
	mu sync.Mutex
	io sync.RWMutex

	ID          string
	FileName    string
	TotalChunks int

	received     map[int]int64
	sizeBytes    int64
	complete     bool
	expired      bool
	inputPath    string
	jobID        string
	createdAt    time.Time
	lastActivity time.Time
}

type SessionSnapshot struct {
	ID          string `json:"id"`
	FileName    string `json:"fileName"`
	TotalChunks int    `json:"totalChunks"`
	Received    int    `json:"received"`
	SizeBytes   int64  `json:"sizeBytes"`
	Complete    bool   `json:"complete"`
	JobID       string `json:"jobId,omitempty"`
}

func (u *UploadSession) Snapshot() SessionSnapshot {
	u.mu.Lock()
	defer u.mu.Unlock()
	return SessionSnapshot{
		ID:          u.ID,
		FileName:    u.FileName,
		TotalChunks: u.TotalChunks,
		Received:    len(u.received),
		SizeBytes:   u.sizeBytes,
		Complete:    u.complete,
		JobID:       u.jobID,
	}
}

// writable reports whether a chunk still needs to be written. A complete
// session acknowledges duplicates without touching disk.
func (u *UploadSession) writable() (bool, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.expired {
		return false, ErrSessionExpired
	}
	return !u.complete, nil
}

func (u *UploadSession) setInput(path string) {
	u.mu.Lock()
	u.inputPath = path
	u.mu.Unlock()
}

func (u *UploadSession) expire() {
	u.mu.Lock()
	u.expired = true
	u.mu.Unlock()
}

func (u *UploadSession) boundJob() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.jobID
}

// bindJob starts the session's job at most once. Later calls get the id of
// the job that was already started.
func (u *UploadSession) bindJob(start func(inputPath string) (string, error)) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.expired {
		return "", ErrSessionExpired
	}
	if u.jobID != "" {
		return u.jobID, nil
	}
	if !u.complete || u.inputPath == "" {
		return "", ErrUploadIncomplete
	}
	id, err := start(u.inputPath)
	if err != nil {
		return "", err
	}
	u.jobID = id
	u.lastActivity = time.Now()
	return id, nil
}

// Tracker is the registry of in-progress uploads keyed by sanitized file
// name. It alone decides when an upload is complete.
type Tracker struct {
	mu          sync.Mutex
	sessions    map[string]*UploadSession
	maxChunks   int
	idleTimeout time.Duration
	now         func() time.Time
}

func NewTracker(maxChunks int, idleTimeout time.Duration) *Tracker {
	return &Tracker{
		sessions:    make(map[string]*UploadSession),
		maxChunks:   maxChunks,
		idleTimeout: idleTimeout,
		now:         time.Now,
	}
}

// Acquire validates a chunk's coordinates and returns the session it belongs
// to, creating it on the first chunk for the name. A rejected chunk leaves
// any existing session untouched.
func (t *Tracker) Acquire(fileName string, chunkIndex, totalChunks int) (*UploadSession, error) {
	key := util.SanitizeFilename(fileName)
	if key == "" {
		return nil, ErrInvalidFileName
	}
	if totalChunks <= 0 || (t.maxChunks > 0 && totalChunks > t.maxChunks) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidTotalChunks, totalChunks)
	}
	if chunkIndex < 0 || chunkIndex >= totalChunks {
		return nil, fmt.Errorf("%w: %d not in [0, %d)", ErrInvalidChunkIndex, chunkIndex, totalChunks)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	sess, ok := t.sessions[key]
	if !ok {
		sess = &UploadSession{
			ID:           uuid.New().String(),
			FileName:     key,
			TotalChunks:  totalChunks,
			received:     make(map[int]int64),
			createdAt:    now,
			lastActivity: now,
		}
		t.sessions[key] = sess
		log.Printf("[Chunk] New upload %s for %q (%d chunks)", util.ShortID(sess.ID), key, totalChunks)
		return sess, nil
	}

	if sess.TotalChunks != totalChunks {
		return nil, fmt.Errorf("%w: session has %d, chunk says %d", ErrTotalChunksMismatch, sess.TotalChunks, totalChunks)
	}
	sess.mu.Lock()
	sess.lastActivity = now
	sess.mu.Unlock()
	return sess, nil
}

// MarkReceived records a stored chunk. JustCompleted is returned once per
// session, by the call whose insertion fills the set.
func (t *Tracker) MarkReceived(sess *UploadSession, chunkIndex int, size int64) (SessionStatus, int, error) {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.expired {
		return Incomplete, len(sess.received), ErrSessionExpired
	}
	if sess.complete {
		return AlreadyComplete, len(sess.received), nil
	}

	sess.sizeBytes += size - sess.received[chunkIndex]
	sess.received[chunkIndex] = size
	sess.lastActivity = t.now()

	if len(sess.received) == sess.TotalChunks {
		sess.complete = true
		return JustCompleted, len(sess.received), nil
	}
	return Incomplete, len(sess.received), nil
}

// RegisterChunk is Acquire followed by MarkReceived, for callers that keep
// the bytes elsewhere.
func (t *Tracker) RegisterChunk(fileName string, chunkIndex, totalChunks int) (SessionStatus, error) {
	sess, err := t.Acquire(fileName, chunkIndex, totalChunks)
	if err != nil {
		return Incomplete, err
	}
	status, _, err := t.MarkReceived(sess, chunkIndex, 0)
	return status, err
}

func (t *Tracker) Lookup(fileName string) *UploadSession {
	key := util.SanitizeFilename(fileName)
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessions[key]
}

// Release drops a session from the registry. Chunks still in flight for it
// fail with ErrSessionExpired.
func (t *Tracker) Release(sess *UploadSession) {
	t.mu.Lock()
	if cur, ok := t.sessions[sess.FileName]; ok && cur == sess {
		delete(t.sessions, sess.FileName)
	}
	t.mu.Unlock()
	sess.expire()
}

// ExpireIdle removes sessions without chunk activity for longer than the idle
// window. Sessions whose job has started are left to the job's completion.
func (t *Tracker) ExpireIdle(now time.Time) []*UploadSession {
	if t.idleTimeout <= 0 {
		return nil
	}

	var expired []*UploadSession
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, sess := range t.sessions {
		sess.mu.Lock()
		idle := now.Sub(sess.lastActivity) > t.idleTimeout && sess.jobID == ""
		if idle {
			sess.expired = true
		}
		sess.mu.Unlock()
		if idle {
			delete(t.sessions, key)
			expired = append(expired, sess)
		}
	}
	return expired
}

func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}
