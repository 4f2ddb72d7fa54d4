package services

import (
	"log"
	"os"
	"sync"

	"github.com/coah80/stitch/internal/util"
)

// Artifact is a claimed, finished output. Call Done when the transfer is over.
type Artifact struct {
	JobID    string
	Name     string
	MimeType string
	Path     string
	Size     int64

	rec         *jobRecord
	deliverOnce bool
	once        sync.Once
}

func (a *Artifact) Open() (*os.File, error) {
	return os.Open(a.Path)
}

// Done settles the claim. In deliver-once mode a completed transfer deletes
// the artifact and a failed one makes it fetchable again.
func (a *Artifact) Done(delivered bool) {
	a.once.Do(func() {
		if !a.deliverOnce {
			return
		}
		a.rec.mu.Lock()
		defer a.rec.mu.Unlock()
		if delivered {
			a.rec.consumed = true
			os.Remove(a.Path)
			log.Printf("[Job] %s output delivered and removed", util.ShortID(a.JobID))
			return
		}
		a.rec.claimed = false
	})
}

type Delivery struct {
	runner      *Runner
	deliverOnce bool
}

func NewDelivery(runner *Runner, deliverOnce bool) *Delivery {
	return &Delivery{runner: runner, deliverOnce: deliverOnce}
}

// Fetch returns ErrNotFound for unknown jobs and for artifacts already
// delivered, and ErrNotReady for jobs that have not succeeded, including
// failed ones.
func (d *Delivery) Fetch(jobID string) (*Artifact, error) {
	rec := d.runner.record(jobID)
	if rec == nil {
		return nil, ErrNotFound
	}
	return d.claim(rec)
}

// FetchByName finds the most recent succeeded job whose output reference is
// name.
func (d *Delivery) FetchByName(name string) (*Artifact, error) {
	var match *jobRecord
	var matchJob Job

	d.runner.mu.RLock()
	for _, rec := range d.runner.jobs {
		job := rec.snapshot()
		if job.State != JobSucceeded || job.OutputRef != name {
			continue
		}
		if match == nil || job.FinishedAt.After(matchJob.FinishedAt) {
			match, matchJob = rec, job
		}
	}
	d.runner.mu.RUnlock()

	if match == nil {
		return nil, ErrNotFound
	}
	return d.claim(match)
}

func (d *Delivery) claim(rec *jobRecord) (*Artifact, error) {
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.job.State != JobSucceeded {
		return nil, ErrNotReady
	}
	if rec.consumed || (d.deliverOnce && rec.claimed) {
		return nil, ErrNotFound
	}
	info, err := os.Stat(rec.outputPath)
	if err != nil {
		return nil, ErrNotFound
	}
	if d.deliverOnce {
		rec.claimed = true
	}
	return &Artifact{
		JobID:       rec.id,
		Name:        rec.job.OutputRef,
		MimeType:    rec.mimeType,
		Path:        rec.outputPath,
		Size:        info.Size(),
		rec:         rec,
		deliverOnce: d.deliverOnce,
	}, nil
}
