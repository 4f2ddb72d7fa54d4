package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/coah80/stitch/internal/util"
)

type Options struct {
	UploadDir     string
	OutputDir     string
	MaxChunks     int
	IdleTimeout   time.Duration
	JobRetention  time.Duration
	MaxActiveJobs int
	MinFreeBytes  uint64
	ProgressMode  string
	AutoStart     bool
	DefaultFormat string
	DeliverOnce   bool

	ReclaimInterval time.Duration
	ExpiryInterval  time.Duration

	// Formats maps each accepted output format to its MIME type.
	Formats    map[string]string
	Converter  Converter
	Converters map[string]Converter
	Mirror     Mirror
	// OnJobFinished is called once per job after it reached a terminal state.
	OnJobFinished func(Job)
}

// State owns every component of the upload and conversion pipeline.
type State struct {
	Uploads  *Tracker
	Store    *ChunkStore
	Jobs     *Runner
	Events   *Broadcaster
	Delivery *Delivery

	opts   Options
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(opts Options) (*State, error) {
	if opts.DefaultFormat == "" {
		opts.DefaultFormat = "mp3"
	}
	if _, ok := opts.Formats[opts.DefaultFormat]; !ok {
		return nil, fmt.Errorf("%w: default %q", ErrUnsupportedFormat, opts.DefaultFormat)
	}
	if opts.ReclaimInterval <= 0 {
		opts.ReclaimInterval = time.Minute
	}
	if opts.ExpiryInterval <= 0 {
		opts.ExpiryInterval = time.Minute
	}

	tracker := NewTracker(opts.MaxChunks, opts.IdleTimeout)
	store, err := NewChunkStore(opts.UploadDir, tracker)
	if err != nil {
		return nil, err
	}
	events := NewBroadcaster(opts.Mirror)
	runner, err := NewRunner(RunnerOptions{
		OutputDir:    opts.OutputDir,
		MaxActive:    opts.MaxActiveJobs,
		MinFreeBytes: opts.MinFreeBytes,
		ProgressMode: opts.ProgressMode,
		Formats:      opts.Formats,
		Converter:    opts.Converter,
		Converters:   opts.Converters,
		Events:       events,
	})
	if err != nil {
		return nil, err
	}

	return &State{
		Uploads:  tracker,
		Store:    store,
		Jobs:     runner,
		Events:   events,
		Delivery: NewDelivery(runner, opts.DeliverOnce),
		opts:     opts,
	}, nil
}

// Start launches the reclamation loops. They stop with ctx or Stop.
func (s *State) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(2)
	go s.loop(ctx, s.opts.ReclaimInterval, func(now time.Time) {
		if n := s.Store.ReclaimIdle(now); n > 0 {
			log.Printf("[Cleanup] Reclaimed %d idle upload(s)", n)
		}
	})
	go s.loop(ctx, s.opts.ExpiryInterval, func(now time.Time) {
		if n := s.Jobs.ExpireFinished(now, s.opts.JobRetention); n > 0 {
			log.Printf("[Cleanup] Expired %d finished job(s)", n)
		}
	})
}

func (s *State) loop(ctx context.Context, every time.Duration, tick func(time.Time)) {
	defer s.wg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			tick(now)
		}
	}
}

// Stop ends the background loops and kills running conversions.
func (s *State) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	return s.Jobs.Shutdown(ctx)
}

// PutChunk stores one chunk. With auto start on, the chunk that completes the
// upload also starts its job, and a resent chunk of a complete upload retries
// the start or reports the job already bound to it.
func (s *State) PutChunk(fileName string, chunkIndex, totalChunks int, body io.Reader) (ChunkReceipt, error) {
	receipt, err := s.Store.Put(fileName, chunkIndex, totalChunks, body)
	if err != nil {
		return receipt, err
	}
	if receipt.Status == Incomplete {
		return receipt, nil
	}
	if !s.opts.AutoStart {
		receipt.JobID = receipt.Session.boundJob()
		return receipt, nil
	}

	jobID, err := s.startSession(receipt.Session, "")
	switch {
	case err == nil:
		receipt.JobID = jobID
	case receipt.Status == AlreadyComplete && errors.Is(err, ErrUploadIncomplete):
		// The completing chunk is still being assembled; its request starts the job.
	default:
		log.Printf("[Queue] Auto start for upload %s failed: %v", util.ShortID(receipt.Session.ID), err)
		return receipt, err
	}
	return receipt, nil
}

// StartProcessing starts the job for a completed upload. Calling it again for
// the same upload returns the same job id.
func (s *State) StartProcessing(fileName string, totalChunks int, format string) (string, error) {
	sess := s.Uploads.Lookup(fileName)
	if sess == nil || sess.TotalChunks != totalChunks {
		return "", ErrUploadIncomplete
	}
	return s.startSession(sess, format)
}

func (s *State) startSession(sess *UploadSession, format string) (string, error) {
	if format == "" {
		format = s.opts.DefaultFormat
	}
	return sess.bindJob(func(inputPath string) (string, error) {
		id, err := s.Jobs.Start(inputPath, StartOptions{
			FileName: sess.FileName,
			Format:   format,
			OnFinish: func(job Job) {
				s.Uploads.Release(sess)
				s.Store.Discard(sess)
				if s.opts.OnJobFinished != nil {
					s.opts.OnJobFinished(job)
				}
			},
		})
		if err != nil {
			return "", fmt.Errorf("start job: %w", err)
		}
		return id, nil
	})
}
