package services

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/coah80/stitch/internal/util"
)

type ChunkReceipt struct {
	Received int
	Total    int
	Status   SessionStatus
	Session  *UploadSession
	// JobID is the job bound to the upload, once one was started.
	JobID string
}

// ChunkStore stages chunks on disk and assembles them once the tracker
// declares the upload complete. Every file name is derived from the
// session id, never from the client's file name alone.
type ChunkStore struct {
	dir     string
	tracker *Tracker
}

func NewChunkStore(dir string, tracker *Tracker) (*ChunkStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	return &ChunkStore{dir: dir, tracker: tracker}, nil
}

func (s *ChunkStore) chunkPrefix(sess *UploadSession) string {
	return "chunk-" + sess.ID + "-"
}

func (s *ChunkStore) chunkPath(sess *UploadSession, index int) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s%05d", s.chunkPrefix(sess), index))
}

func (s *ChunkStore) assembledPrefix(sess *UploadSession) string {
	return "assembled-" + sess.ID + "-"
}

// Put stores one chunk and reports the session's completion status. The
// chunk that completes the set also assembles the file.
func (s *ChunkStore) Put(fileName string, chunkIndex, totalChunks int, body io.Reader) (ChunkReceipt, error) {
	sess, err := s.tracker.Acquire(fileName, chunkIndex, totalChunks)
	if err != nil {
		return ChunkReceipt{}, err
	}

	sess.io.RLock()
	needed, err := sess.writable()
	if err != nil {
		sess.io.RUnlock()
		return ChunkReceipt{}, err
	}
	if !needed {
		sess.io.RUnlock()
		return ChunkReceipt{Received: sess.TotalChunks, Total: sess.TotalChunks, Status: AlreadyComplete, Session: sess}, nil
	}

	n, err := s.writeChunk(sess, chunkIndex, body)
	if err != nil {
		sess.io.RUnlock()
		return ChunkReceipt{}, err
	}
	status, received, err := s.tracker.MarkReceived(sess, chunkIndex, n)
	sess.io.RUnlock()
	if err != nil {
		return ChunkReceipt{}, err
	}

	log.Printf("[Chunk] Upload %s: chunk %d/%d", util.ShortID(sess.ID), chunkIndex+1, sess.TotalChunks)
	receipt := ChunkReceipt{Received: received, Total: sess.TotalChunks, Status: status, Session: sess}

	if status == JustCompleted {
		if err := s.assemble(sess); err != nil {
			s.tracker.Release(sess)
			s.Discard(sess)
			return ChunkReceipt{}, err
		}
	}
	return receipt, nil
}

// writeChunk goes through a temp file and a rename so a retried index
// replaces the earlier copy whole.
func (s *ChunkStore) writeChunk(sess *UploadSession, index int, body io.Reader) (int64, error) {
	tmp, err := os.CreateTemp(s.dir, fmt.Sprintf("%s%05d-*.part", s.chunkPrefix(sess), index))
	if err != nil {
		return 0, fmt.Errorf("create chunk file: %w", err)
	}
	n, err := io.Copy(tmp, body)
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return 0, fmt.Errorf("write chunk: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.chunkPath(sess, index)); err != nil {
		os.Remove(tmp.Name())
		return 0, fmt.Errorf("store chunk: %w", err)
	}
	return n, nil
}

func (s *ChunkStore) assemble(sess *UploadSession) error {
	sess.io.Lock()
	defer sess.io.Unlock()

	if _, err := sess.writable(); errors.Is(err, ErrSessionExpired) {
		return err
	}

	assembledPath := filepath.Join(s.dir, s.assembledPrefix(sess)+sess.FileName)
	out, err := os.Create(assembledPath)
	if err != nil {
		return fmt.Errorf("create assembled file: %w", err)
	}

	var total int64
	for i := 0; i < sess.TotalChunks; i++ {
		chunk, err := os.Open(s.chunkPath(sess, i))
		if err != nil {
			out.Close()
			os.Remove(assembledPath)
			return fmt.Errorf("open chunk %d: %w", i, err)
		}
		n, err := io.Copy(out, chunk)
		chunk.Close()
		if err != nil {
			out.Close()
			os.Remove(assembledPath)
			return fmt.Errorf("append chunk %d: %w", i, err)
		}
		total += n
	}
	if err := out.Close(); err != nil {
		os.Remove(assembledPath)
		return fmt.Errorf("close assembled file: %w", err)
	}

	util.RemoveByPrefix(s.dir, s.chunkPrefix(sess))
	sess.setInput(assembledPath)
	log.Printf("[Chunk] Upload %s assembled (%.1fMB)", util.ShortID(sess.ID), float64(total)/(1024*1024))
	return nil
}

// Discard removes every file the session owns once in-flight writes have
// drained.
func (s *ChunkStore) Discard(sess *UploadSession) {
	sess.io.Lock()
	defer sess.io.Unlock()
	util.RemoveByPrefix(s.dir, s.chunkPrefix(sess))
	util.RemoveByPrefix(s.dir, s.assembledPrefix(sess))
}

// ReclaimIdle drops abandoned uploads and their partial data.
func (s *ChunkStore) ReclaimIdle(now time.Time) int {
	expired := s.tracker.ExpireIdle(now)
	for _, sess := range expired {
		log.Printf("[Chunk] Upload %s timed out, cleaning up", util.ShortID(sess.ID))
		s.Discard(sess)
	}
	return len(expired)
}
