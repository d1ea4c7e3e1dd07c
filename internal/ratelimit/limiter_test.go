package ratelimit

import (
	"testing"
	"time"

	"github.com/maruel/datasync/internal/datastore"
	"github.com/maruel/datasync/internal/socket"
	"github.com/maruel/datasync/internal/updater"
)

func TestNewLimiter(t *testing.T) {
	l := NewLimiter(60, time.Minute, 10)
	defer l.Close()
	if l.burst != 10 {
		t.Errorf("expected burst=10, got %d", l.burst)
	}
}

func TestLimiter_Allow(t *testing.T) {
	// 5 updates per minute, burst of 5
	l := NewLimiter(5, time.Minute, 5)
	defer l.Close()

	for i := range 5 {
		result := l.Allow("sock")
		if !result.Allowed {
			t.Errorf("update %d should be allowed", i+1)
		}
		if result.Limit != 5 {
			t.Errorf("expected Limit=5, got %d", result.Limit)
		}
	}
	result := l.Allow("sock")
	if result.Allowed {
		t.Error("6th update should be rate limited")
	}
	if result.RetryAfter < time.Second {
		t.Errorf("expected RetryAfter >= 1s, got %v", result.RetryAfter)
	}
}

func TestLimiter_DifferentKeys(t *testing.T) {
	l := NewLimiter(5, time.Minute, 5)
	defer l.Close()
	for range 5 {
		l.Allow("key1")
	}
	if l.Allow("key1").Allowed {
		t.Error("key1 should be rate limited")
	}
	for range 5 {
		if !l.Allow("key2").Allowed {
			t.Error("key2 should not be rate limited")
		}
	}
	l.Forget("key1")
	if !l.Allow("key1").Allowed {
		t.Error("forgotten key should start with a full bucket")
	}
}

func TestLimiter_Cleanup(t *testing.T) {
	l := NewLimiter(600, time.Minute, 10)
	defer l.Close()
	l.Allow("stale")
	l.cleanup(time.Now().Add(11 * time.Minute))
	l.mu.Lock()
	_, ok := l.buckets["stale"]
	l.mu.Unlock()
	if ok {
		t.Error("stale bucket not removed")
	}
	l.Close()
}

func TestLimiter_Validator(t *testing.T) {
	l := NewLimiter(2, time.Hour, 2)
	defer l.Close()
	u := updater.New()
	u.Subscribe(l.Validator())
	sock, _ := socket.NewPipe("peer")
	store := datastore.New("s", "u")
	rejected := 0
	onRejected := func() { rejected++ }
	for i, want := range []bool{true, true, false} {
		if got := u.UpdateStore(sock, store, "/a", float64(i), onRejected, false); got != want {
			t.Errorf("update %d = %v, want %v", i, got, want)
		}
	}
	if rejected != 1 || store.Value("/a") != 1.0 {
		t.Errorf("rejected=%d /a=%v", rejected, store.Value("/a"))
	}
}
