package main

import (
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/maruel/datasync/internal/auth"
	"github.com/maruel/datasync/internal/datasync"
	"github.com/maruel/datasync/internal/server"
)

func startServer(t *testing.T) (*datasync.Server, string) {
	t.Helper()
	srv := datasync.NewServer().ServeGlobal("chat")
	st, err := srv.Store("chat", "")
	if err != nil {
		t.Fatal(err)
	}
	st.Update("/motd", "hello")
	st.SetReadOnly("/motd", true)
	ts := httptest.NewServer(server.NewRouter(srv, nil))
	t.Cleanup(ts.Close)
	return srv, "--url=ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func ctl(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	err := run(t.Context(), append(args, "--settle=50ms"), &out)
	return out.String(), err
}

func TestGetSetRm(t *testing.T) {
	srv, url := startServer(t)
	if out, err := ctl(t, "get", url, "chat", "/motd"); err != nil || out != "/motd \"hello\"\n" {
		t.Fatalf("get = %q, %v", out, err)
	}
	if _, err := ctl(t, "set", url, "chat", "/rooms/a", `{"n": 1}`); err != nil {
		t.Fatal(err)
	}
	st, _ := srv.Store("chat", "")
	if got := st.Value("/rooms/a/n"); got != 1.0 {
		t.Errorf("/rooms/a/n = %v", got)
	}
	if _, err := ctl(t, "set", url, "chat", "/greeting", "hi there"); err != nil {
		t.Fatal(err)
	}
	if got := st.Value("/greeting"); got != "hi there" {
		t.Errorf("/greeting = %v", got)
	}
	if _, err := ctl(t, "rm", url, "chat", "/rooms/a"); err != nil {
		t.Fatal(err)
	}
	if _, ok := st.Lookup("/rooms/a"); ok {
		t.Error("/rooms/a still present")
	}
}

func TestSetRejected(t *testing.T) {
	srv, url := startServer(t)
	if _, err := ctl(t, "set", url, "chat", "/motd", "bye"); err == nil || !strings.Contains(err.Error(), "rejected") {
		t.Fatalf("err = %v", err)
	}
	st, _ := srv.Store("chat", "")
	if got := st.Value("/motd"); got != "hello" {
		t.Errorf("/motd = %v", got)
	}
}

func TestUnknownStore(t *testing.T) {
	_, url := startServer(t)
	err := run(t.Context(), []string{"get", url, "--timeout=300ms", "--settle=10ms", "nope"}, &bytes.Buffer{})
	if err == nil || !strings.Contains(err.Error(), "not granted") {
		t.Fatalf("err = %v", err)
	}
}

// syncBuffer is a bytes.Buffer safe for a concurrent writer and reader.
type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func TestWatch(t *testing.T) {
	srv, url := startServer(t)
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	var out syncBuffer
	done := make(chan error, 1)
	go func() {
		done <- run(ctx, []string{"watch", url, "--settle=20ms", "--kind=updateChild", "chat", "/news"}, &out)
	}()
	waitOutput := func(want string) {
		t.Helper()
		deadline := time.Now().Add(5 * time.Second)
		for !strings.Contains(out.String(), want) {
			if time.Now().After(deadline) {
				t.Fatalf("output %q lacks %q", out.String(), want)
			}
			time.Sleep(5 * time.Millisecond)
		}
	}
	waitOutput("/news null\n")

	st, _ := srv.Store("chat", "")
	// Writes at the watched path itself are not children.
	st.Update("/news", map[string]any{})
	st.Update("/news/today", "rain")
	waitOutput("/news/today \"rain\"\n")
	if strings.Contains(out.String(), "/news {}") {
		t.Errorf("updateChild printed a direct write: %q", out.String())
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("watch returned %v", err)
	}
}

func TestWatch_BadKind(t *testing.T) {
	err := run(t.Context(), []string{"watch", "--kind=sometimes", "chat"}, &bytes.Buffer{})
	if err == nil || !strings.Contains(err.Error(), "unknown event kind") {
		t.Errorf("err = %v", err)
	}
}

func TestToken(t *testing.T) {
	var out bytes.Buffer
	if err := run(t.Context(), []string{"token", "--secret=s3cret", "--ttl=1h", "alice"}, &out); err != nil {
		t.Fatal(err)
	}
	user, err := auth.ParseToken([]byte("s3cret"), strings.TrimSpace(out.String()))
	if err != nil || user != "alice" {
		t.Errorf("ParseToken() = %q, %v", user, err)
	}
}

func TestHashPassword(t *testing.T) {
	var out bytes.Buffer
	if err := run(t.Context(), []string{"hash-password", "hunter2"}, &out); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out.String(), "$2a$") {
		t.Errorf("hash = %q", out.String())
	}
}

func TestParseValue(t *testing.T) {
	tests := []struct {
		in   string
		want any
	}{
		{`1`, 1.0},
		{`true`, true},
		{`"quoted"`, "quoted"},
		{`plain text`, "plain text"},
		{`null`, nil},
	}
	for _, tt := range tests {
		if got := parseValue(tt.in); got != tt.want {
			t.Errorf("parseValue(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
