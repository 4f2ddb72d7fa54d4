// Package relay mirrors job progress onto Redis pub/sub so other processes can
// watch conversions without talking to this server.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/coah80/stitch/internal/services"
)

const bufferSize = 256

func Channel(jobID string) string {
	return fmt.Sprintf("progress:%s", jobID)
}

type message struct {
	jobID string
	ev    services.ProgressEvent
}

// RedisMirror publishes every progress event to progress:<jobId>. Events are
// queued and sent by one goroutine; when the queue is full they are dropped.
type RedisMirror struct {
	rdb   *redis.Client
	queue chan message

	closeOnce sync.Once
	done      chan struct{}
}

// Connect parses a redis:// URL and verifies the connection.
func Connect(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return rdb, nil
}

func NewRedisMirror(rdb *redis.Client) *RedisMirror {
	m := &RedisMirror{
		rdb:   rdb,
		queue: make(chan message, bufferSize),
		done:  make(chan struct{}),
	}
	go m.publishLoop()
	return m
}

func (m *RedisMirror) Mirror(jobID string, ev services.ProgressEvent) {
	select {
	case m.queue <- message{jobID: jobID, ev: ev}:
	default:
		log.Printf("[Relay] Queue full, dropping event for %s", jobID)
	}
}

func (m *RedisMirror) publishLoop() {
	defer close(m.done)
	for msg := range m.queue {
		payload, err := json.Marshal(msg.ev)
		if err != nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := m.rdb.Publish(ctx, Channel(msg.jobID), payload).Err(); err != nil {
			log.Printf("[Relay] Publish failed for %s: %v", msg.jobID, err)
		}
		cancel()
	}
}

// Close flushes queued events and closes the client. Mirror must not be
// called afterwards.
func (m *RedisMirror) Close() error {
	m.closeOnce.Do(func() {
		close(m.queue)
	})
	<-m.done
	return m.rdb.Close()
}
