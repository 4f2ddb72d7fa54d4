package relay

import (
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/coah80/stitch/internal/services"
)

func TestChannel(t *testing.T) {
	if got := Channel("abc"); got != "progress:abc" {
		t.Fatalf("got %q", got)
	}
}

func TestMirrorNeverBlocks(t *testing.T) {
	// Nothing listens on port 1, so every publish fails.
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		MaxRetries:  -1,
		DialTimeout: 50 * time.Millisecond,
	})
	m := NewRedisMirror(rdb)

	done := make(chan struct{})
	go func() {
		for i := 0; i < bufferSize*2; i++ {
			m.Mirror("job", services.ProgressUpdate(i%100))
		}
		m.Mirror("job", services.FileEvent("clip.mp3"))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Mirror blocked on an unreachable Redis")
	}

	closed := make(chan struct{})
	go func() {
		m.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(30 * time.Second):
		t.Fatal("Close did not return")
	}
}

func TestConnectRejectsBadURL(t *testing.T) {
	if _, err := Connect("not a url"); err == nil {
		t.Fatal("expected an error")
	}
}
