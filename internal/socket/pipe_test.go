package socket

import (
	"errors"
	"testing"
)

func TestPipe_Emit(t *testing.T) {
	a, b := NewPipe("")
	if a.ID() != b.ID() || a.ID() == "" {
		t.Fatalf("ids = %q %q", a.ID(), b.ID())
	}
	var got []string
	b.On("hello", func(args Args) {
		s, err := args.String(0)
		if err != nil {
			t.Errorf("String(0) failed: %v", err)
		}
		var n int
		if err := args.Decode(1, &n); err != nil {
			t.Errorf("Decode(1) failed: %v", err)
		}
		if !args.IsNull(2) || args.Len() != 3 {
			t.Errorf("args = %v", args)
		}
		got = append(got, s)
	})
	if a.HasListeners("hello") {
		t.Error("a should not have handlers")
	}
	if !b.HasListeners("hello") || !b.HasListeners("") {
		t.Error("b should have handlers")
	}
	if err := a.Emit("hello", "world", 3, nil); err != nil {
		t.Fatalf("Emit failed: %v", err)
	}
	if err := b.Emit("hello", "ignored", 0, nil); err != nil {
		t.Fatalf("Emit failed: %v", err)
	}
	if len(got) != 1 || got[0] != "world" {
		t.Errorf("got %v", got)
	}
	b.Off("hello")
	if err := a.Emit("hello", "again", 1, nil); err != nil {
		t.Fatalf("Emit failed: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("handler called after Off: %v", got)
	}
}

func TestPipe_Queued(t *testing.T) {
	a, b := NewQueuedPipe("q")
	var got []string
	b.On("msg", func(args Args) {
		s, _ := args.String(0)
		got = append(got, s)
	})
	for _, s := range []string{"one", "two"} {
		if err := a.Emit("msg", s); err != nil {
			t.Fatal(err)
		}
	}
	if len(got) != 0 || b.Pending() != 2 || a.Pending() != 0 {
		t.Fatalf("got %v, pending %d %d", got, a.Pending(), b.Pending())
	}
	if !b.Deliver() || len(got) != 1 || got[0] != "one" {
		t.Fatalf("got %v", got)
	}
	if !b.Deliver() || b.Deliver() {
		t.Fatal("expected exactly one more event")
	}
	if len(got) != 2 || got[1] != "two" {
		t.Errorf("got %v", got)
	}
	if err := a.Emit("msg", "lost"); err != nil {
		t.Fatal(err)
	}
	a.Disconnect()
	if b.Pending() != 0 || b.Deliver() {
		t.Error("disconnect should drop waiting events")
	}
}

func TestPipe_EmitInvalid(t *testing.T) {
	a, _ := NewPipe("x")
	if err := a.Emit("bad", make(chan int)); err == nil {
		t.Fatal("expected an encoding error")
	}
}

func TestPipe_Disconnect(t *testing.T) {
	a, b := NewPipe("x")
	var aDisc, bDisc int
	a.On(EventDisconnect, func(Args) { aDisc++ })
	b.On(EventDisconnect, func(Args) { bDisc++ })
	b.On("event", func(Args) { t.Error("delivered after disconnect") })
	a.Disconnect()
	if aDisc != 1 || bDisc != 1 {
		t.Errorf("disconnect counts = %d %d", aDisc, bDisc)
	}
	if a.HasListeners("") || b.HasListeners("") {
		t.Error("handlers should be dropped")
	}
	if err := a.Emit("event"); !errors.Is(err, ErrClosed) {
		t.Errorf("Emit after disconnect = %v", err)
	}
	b.Disconnect()
}

func TestArgs_Missing(t *testing.T) {
	var a Args
	if !a.IsNull(0) {
		t.Error("missing argument should be null")
	}
	if _, err := a.String(0); err == nil {
		t.Error("expected an error")
	}
}
