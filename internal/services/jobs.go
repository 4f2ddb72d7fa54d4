package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coah80/stitch/internal/util"
)

type JobState string

const (
	JobPending   JobState = "pending"
	JobRunning   JobState = "running"
	JobSucceeded JobState = "succeeded"
	JobFailed    JobState = "failed"
)

func (s JobState) Terminal() bool {
	return s == JobSucceeded || s == JobFailed
}

const (
	ProgressTool      = "tool"
	ProgressSynthetic = "synthetic"
)

// Job is a snapshot of one conversion task.
type Job struct {
	ID         string    `json:"id"`
	State      JobState  `json:"state"`
	Progress   int       `json:"progress"`
	OutputRef  string    `json:"outputRef,omitempty"`
	Error      string    `json:"error,omitempty"`
	FileName   string    `json:"fileName"`
	Format     string    `json:"format"`
	CreatedAt  time.Time `json:"createdAt"`
	FinishedAt time.Time `json:"finishedAt,omitzero"`
}

type StartOptions struct {
	FileName string
	Format   string
	// OnFinish runs once, after the job reached its terminal state.
	OnFinish func(Job)
}

type jobRecord struct {
	id         string
	mu         sync.Mutex
	job        Job
	outputPath string
	mimeType   string
	claimed    bool
	consumed   bool
	lastLogged int
	onFinish   func(Job)
}

func (rec *jobRecord) snapshot() Job {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.job
}

type RunnerOptions struct {
	OutputDir    string
	MaxActive    int
	MinFreeBytes uint64
	ProgressMode string
	// Formats maps every accepted output format to its MIME type.
	Formats   map[string]string
	Converter Converter
	// Converters replaces Converter for the formats it names.
	Converters map[string]Converter
	Events     *Broadcaster
	DiskSpace  func(path string) (util.DiskSpaceInfo, error)
}

// Runner launches conversions and owns every Job record. All job mutations go
// through update, which also publishes the matching event.
type Runner struct {
	opts RunnerOptions

	mu     sync.RWMutex
	jobs   map[string]*jobRecord
	active int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.Converter == nil {
		return nil, errors.New("runner needs a converter")
	}
	if len(opts.Formats) == 0 {
		return nil, errors.New("runner needs at least one output format")
	}
	if opts.Events == nil {
		opts.Events = NewBroadcaster(nil)
	}
	if opts.MaxActive <= 0 {
		opts.MaxActive = 1
	}
	if opts.DiskSpace == nil {
		opts.DiskSpace = util.GetDiskSpace
	}
	if err := os.MkdirAll(opts.OutputDir, 0755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		opts:   opts,
		jobs:   make(map[string]*jobRecord),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Start records a pending job and launches its conversion in the background.
// It fails with ErrOverloaded instead of queueing when the runner is full.
func (r *Runner) Start(inputPath string, opts StartOptions) (string, error) {
	format := strings.ToLower(opts.Format)
	mimeType, ok := r.opts.Formats[format]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, opts.Format)
	}
	if err := r.admit(); err != nil {
		return "", err
	}

	id := uuid.New().String()
	rec := &jobRecord{
		id: id,
		job: Job{
			ID:        id,
			State:     JobPending,
			FileName:  opts.FileName,
			Format:    format,
			CreatedAt: time.Now(),
		},
		outputPath: filepath.Join(r.opts.OutputDir, id+"."+format),
		mimeType:   mimeType,
		onFinish:   opts.OnFinish,
	}

	r.mu.Lock()
	r.jobs[id] = rec
	r.mu.Unlock()
	r.opts.Events.Open(id)

	go r.run(rec, inputPath, format)

	log.Printf("[Job] %s queued: %q -> %s", util.ShortID(id), opts.FileName, format)
	return id, nil
}

// admit takes a slot and joins the wait group under r.mu. Shutdown cancels
// under the same lock.
func (r *Runner) admit() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ctx.Err() != nil {
		return fmt.Errorf("%w: server is shutting down", ErrOverloaded)
	}
	if r.active >= r.opts.MaxActive {
		return fmt.Errorf("%w (limit: %d)", ErrOverloaded, r.opts.MaxActive)
	}
	if r.opts.MinFreeBytes > 0 {
		if ds, err := r.opts.DiskSpace(r.opts.OutputDir); err == nil && ds.AvailBytes < r.opts.MinFreeBytes {
			return fmt.Errorf("%w (%.1fGB free)", ErrLowDiskSpace, ds.AvailGB())
		}
	}
	r.active++
	r.wg.Add(1)
	return nil
}

func (r *Runner) releaseSlot() {
	r.mu.Lock()
	if r.active > 0 {
		r.active--
	}
	r.mu.Unlock()
}

func (r *Runner) run(rec *jobRecord, inputPath, format string) {
	defer r.wg.Done()
	defer r.releaseSlot()
	defer func() {
		if p := recover(); p != nil {
			log.Printf("[Job] %s panicked: %v", util.ShortID(rec.id), p)
		}
		if !rec.snapshot().State.Terminal() {
			r.fail(rec, "Processing failed")
		}
		r.finish(rec)
	}()

	r.update(rec, func(j *Job) { j.State = JobRunning })

	var onProgress func(int)
	if r.opts.ProgressMode != ProgressSynthetic {
		onProgress = func(p int) {
			r.update(rec, func(j *Job) { j.Progress = p })
		}
	}

	conv := r.opts.Converter
	if c, ok := r.opts.Converters[format]; ok {
		conv = c
	}
	err := conv.Convert(r.ctx, ConvertRequest{
		Input:  inputPath,
		Output: rec.outputPath,
		Format: format,
	}, onProgress)
	if err != nil {
		os.Remove(rec.outputPath)
		r.fail(rec, r.describe(rec, err))
		return
	}
	if _, err := os.Stat(rec.outputPath); err != nil {
		log.Printf("[Job] %s: tool exited cleanly but left no output", util.ShortID(rec.id))
		r.fail(rec, "Conversion produced no output")
		return
	}

	os.Remove(inputPath)
	r.update(rec, func(j *Job) { j.Progress = 100 })
	r.update(rec, func(j *Job) {
		j.State = JobSucceeded
		j.OutputRef = outputRef(j.FileName, j.Format)
	})
}

// describe turns a conversion error into the client-facing message. Raw tool
// output stays in the server log.
func (r *Runner) describe(rec *jobRecord, err error) string {
	short := util.ShortID(rec.id)
	if r.ctx.Err() != nil {
		return "Server is shutting down"
	}
	var convErr *ConversionError
	if errors.As(err, &convErr) {
		log.Printf("[Job] %s failed (code %d). Last output:\n%s", short, convErr.ExitCode, convErr.Tail)
		return util.ToUserError(convErr.Tail)
	}
	log.Printf("[Job] %s failed: %v", short, err)
	return "Processing failed"
}

func (r *Runner) fail(rec *jobRecord, msg string) {
	r.update(rec, func(j *Job) {
		j.State = JobFailed
		j.Error = msg
	})
}

func (r *Runner) finish(rec *jobRecord) {
	job := rec.snapshot()
	if job.State == JobSucceeded {
		log.Printf("[Job] %s succeeded: %s", util.ShortID(job.ID), job.OutputRef)
	} else {
		log.Printf("[Job] %s failed: %s", util.ShortID(job.ID), job.Error)
	}
	if rec.onFinish != nil {
		rec.onFinish(job)
	}
}

// update is the only place a Job changes. Terminal states are absorbing and
// progress never moves backwards; a regressed value is dropped.
func (r *Runner) update(rec *jobRecord, mutate func(j *Job)) {
	rec.mu.Lock()
	defer rec.mu.Unlock()

	before := rec.job
	if before.State.Terminal() {
		return
	}
	next := before
	mutate(&next)

	if next.Progress < before.Progress {
		next.Progress = before.Progress
	}
	if next.Progress > 100 {
		next.Progress = 100
	}
	switch next.State {
	case JobSucceeded:
		next.Error = ""
		next.FinishedAt = time.Now()
	case JobFailed:
		next.OutputRef = ""
		if next.Error == "" {
			next.Error = "Processing failed"
		}
		next.FinishedAt = time.Now()
	}
	rec.job = next

	var ev ProgressEvent
	switch {
	case next.State == JobSucceeded:
		ev = FileEvent(next.OutputRef)
	case next.State == JobFailed:
		ev = ErrorEvent(next.Error)
	case next.Progress != before.Progress:
		ev = ProgressUpdate(next.Progress)
		if next.Progress >= 100 || next.Progress-rec.lastLogged >= 25 {
			log.Printf("[Job] %s: %d%%", util.ShortID(next.ID), next.Progress)
			rec.lastLogged = next.Progress
		}
	default:
		return
	}
	r.opts.Events.Publish(next.ID, ev)
}

func (r *Runner) record(id string) *jobRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.jobs[id]
}

func (r *Runner) Get(id string) (Job, error) {
	rec := r.record(id)
	if rec == nil {
		return Job{}, ErrNotFound
	}
	return rec.snapshot(), nil
}

func (r *Runner) Active() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

func (r *Runner) Limit() int {
	return r.opts.MaxActive
}

// ExpireFinished forgets terminal jobs older than retention and deletes
// their artifacts.
func (r *Runner) ExpireFinished(now time.Time, retention time.Duration) int {
	var expired []*jobRecord
	r.mu.Lock()
	for id, rec := range r.jobs {
		job := rec.snapshot()
		if job.State.Terminal() && now.Sub(job.FinishedAt) > retention {
			delete(r.jobs, id)
			expired = append(expired, rec)
		}
	}
	r.mu.Unlock()

	for _, rec := range expired {
		r.opts.Events.Forget(rec.id)
		os.Remove(rec.outputPath)
		log.Printf("[Job] %s expired", util.ShortID(rec.id))
	}
	return len(expired)
}

// Shutdown kills running conversions and waits for their jobs to settle.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.cancel()
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Formats lists the accepted output formats in a stable order.
func (r *Runner) Formats() []string {
	out := make([]string, 0, len(r.opts.Formats))
	for f := range r.opts.Formats {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

func outputRef(fileName, format string) string {
	base := strings.TrimSuffix(fileName, filepath.Ext(fileName))
	base = util.SanitizeFilename(base)
	if base == "" {
		base = "media"
	}
	if format == FormatTranscript {
		return base + "_transcript.txt"
	}
	return base + "." + format
}
