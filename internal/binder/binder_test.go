package binder

import (
	"encoding/json"
	"reflect"
	"testing"

	"github.com/maruel/datasync/internal/datastore"
	"github.com/maruel/datasync/internal/socket"
	"github.com/maruel/datasync/internal/updater"
)

// wire records the updates one end of a pipe receives for a binding.
type wire struct {
	updates []Update
}

func (w *wire) listen(t *testing.T, s socket.Socket, bindID string) {
	s.On(UpdateEvent(bindID), func(args socket.Args) {
		var up Update
		if err := args.Decode(0, &up); err != nil {
			t.Errorf("Decode failed: %v", err)
		}
		w.updates = append(w.updates, up)
	})
}

func (w *wire) values(t *testing.T) [][2]any {
	t.Helper()
	var out [][2]any
	for _, up := range w.updates {
		var v any
		if err := json.Unmarshal([]byte(up.Value), &v); err != nil {
			t.Fatalf("Unmarshal(%q) failed: %v", up.Value, err)
		}
		out = append(out, [2]any{up.Path, v})
	}
	return out
}

func TestBinder_ServerSide(t *testing.T) {
	client, server := socket.NewPipe("socket")
	b := New(updater.New(), "server", true)
	store := datastore.New("store", "first")
	store.Ref("/init").Update("val")

	bindID := b.NewBindID(server)
	if len(bindID) != BindIDLength {
		t.Fatalf("bind id %q", bindID)
	}
	b.Bind(server, store, bindID, false)
	var w wire
	w.listen(t, client, bindID)

	t.Run("fetch all", func(t *testing.T) {
		w.updates = nil
		if err := client.Emit(FetchAllEvent(bindID), ""); err != nil {
			t.Fatal(err)
		}
		want := [][2]any{{"/", map[string]any{"init": "val"}}}
		if got := w.values(t); !reflect.DeepEqual(got, want) {
			t.Errorf("got %v, want %v", got, want)
		}
	})

	t.Run("local write", func(t *testing.T) {
		w.updates = nil
		store.Ref("/update1").Update(map[string]any{"a": "lol"})
		want := [][2]any{{"/update1", map[string]any{"a": "lol"}}}
		if got := w.values(t); !reflect.DeepEqual(got, want) {
			t.Errorf("got %v, want %v", got, want)
		}
	})

	t.Run("peer write", func(t *testing.T) {
		w.updates = nil
		events := 0
		l := store.On(datastore.Update, "/update2", func(any, string, []string) { events++ }, false)
		defer store.Off(l)
		if err := client.Emit(UpdateEvent(bindID), Update{Path: "/update2", Value: `{"b":"olo"}`}); err != nil {
			t.Fatal(err)
		}
		if got := store.Value("/update2"); !reflect.DeepEqual(got, map[string]any{"b": "olo"}) {
			t.Errorf("value = %v", got)
		}
		// Only the confirmation goes back, not an echo of the write itself.
		want := [][2]any{{"/update2", map[string]any{"b": "olo"}}}
		if got := w.values(t); !reflect.DeepEqual(got, want) {
			t.Errorf("got %v, want %v", got, want)
		}
		if events != 1 {
			t.Errorf("events = %d", events)
		}

		// The same value again is a no-op.
		w.updates = nil
		if err := client.Emit(UpdateEvent(bindID), Update{Path: "/update2", Value: `{"b":"olo"}`}); err != nil {
			t.Fatal(err)
		}
		if len(w.updates) != 0 || events != 1 {
			t.Errorf("updates = %v, events = %d", w.updates, events)
		}
	})

	t.Run("peer remove", func(t *testing.T) {
		w.updates = nil
		if err := client.Emit(UpdateEvent(bindID), Update{Path: "/update2", Value: "null", Remove: true}); err != nil {
			t.Fatal(err)
		}
		if _, ok := store.Lookup("/update2"); ok {
			t.Error("/update2 should be removed")
		}
		if len(w.updates) != 1 || !w.updates[0].Remove {
			t.Errorf("updates = %v", w.updates)
		}
	})

	t.Run("local remove", func(t *testing.T) {
		w.updates = nil
		store.Remove("/init")
		want := []Update{{Path: "/init", Value: "null", Remove: true}}
		if !reflect.DeepEqual(w.updates, want) {
			t.Errorf("updates = %v", w.updates)
		}
	})

	t.Run("malformed", func(t *testing.T) {
		w.updates = nil
		if err := client.Emit(UpdateEvent(bindID), "garbage"); err != nil {
			t.Fatal(err)
		}
		if err := client.Emit(UpdateEvent(bindID), Update{Path: "/x", Value: "{"}); err != nil {
			t.Fatal(err)
		}
		if len(w.updates) != 0 {
			t.Errorf("updates = %v", w.updates)
		}
	})

	t.Run("unbind", func(t *testing.T) {
		b.Unbind(server, bindID)
		b.Unbind(server, bindID)
		if server.HasListeners(UpdateEvent(bindID)) || server.HasListeners(FetchAllEvent(bindID)) {
			t.Error("handlers should be removed")
		}
		if store.Listeners() != 0 {
			t.Errorf("store has %d listeners", store.Listeners())
		}
		w.updates = nil
		store.Ref("/after").Update(1)
		if len(w.updates) != 0 {
			t.Errorf("updates after unbind = %v", w.updates)
		}
	})
}

func TestBinder_EmitOnBind(t *testing.T) {
	client, server := socket.NewPipe("")
	b := New(updater.New(), "server", true)
	store := datastore.New("store", "user")
	store.Update("/a", 1)
	var w wire
	w.listen(t, client, "bind")
	b.Bind(server, store, "bind", true)
	want := [][2]any{{"/", map[string]any{"a": 1.0}}}
	if got := w.values(t); !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

// TestBinder_Pair binds two stores to the two ends of one pipe.
func TestBinder_Pair(t *testing.T) {
	a, b := socket.NewPipe("pair")
	ba := New(updater.New(), "a", true)
	bb := New(updater.New(), "b", false)
	sa := datastore.New("store", "user")
	sb := datastore.New("store", "user")
	ba.Bind(a, sa, "id", false)
	bb.Bind(b, sb, "id", false)

	var aEvents, bEvents int
	sa.On(datastore.Update, "/", func(any, string, []string) { aEvents++ }, false)
	sb.On(datastore.Update, "/", func(any, string, []string) { bEvents++ }, false)

	sa.Update("/x", 1)
	if sb.Value("/x") != 1.0 {
		t.Errorf("b /x = %v", sb.Value("/x"))
	}
	if aEvents != 1 || bEvents != 1 {
		t.Errorf("events = %d %d; the write must not bounce back", aEvents, bEvents)
	}
	sb.Update("/y", map[string]any{"z": true})
	if got := sa.Value("/y/z"); got != true {
		t.Errorf("a /y/z = %v", got)
	}
	if aEvents != 2 || bEvents != 2 {
		t.Errorf("events = %d %d", aEvents, bEvents)
	}
	sa.Remove("/x")
	if _, ok := sb.Lookup("/x"); ok {
		t.Error("remove should propagate")
	}

	ba.UnbindAll(a)
	bb.UnbindAll(b)
	if len(ba.Bindings(a)) != 0 || a.HasListeners("") || b.HasListeners("") {
		t.Error("UnbindAll left state behind")
	}
	sa.Update("/late", 1)
	if _, ok := sb.Lookup("/late"); ok {
		t.Error("write propagated after UnbindAll")
	}
}

func TestBinder_ReadOnly(t *testing.T) {
	client, server := socket.NewPipe("")
	b := New(updater.New(), "server", true)
	store := datastore.New("store", "user")
	store.Update("/hello", "world")
	store.SetReadOnly("/hello", true)
	b.Bind(server, store, "bind", false)
	var w wire
	w.listen(t, client, "bind")
	events := 0
	store.On(datastore.Update, "/", func(any, string, []string) { events++ }, false)

	if err := client.Emit(UpdateEvent("bind"), Update{Path: "/hello", Value: `"bad"`}); err != nil {
		t.Fatal(err)
	}
	if store.Value("/hello") != "world" || events != 0 {
		t.Errorf("value = %v, events = %d", store.Value("/hello"), events)
	}
	want := [][2]any{{"/hello", "world"}}
	if got := w.values(t); !reflect.DeepEqual(got, want) {
		t.Errorf("resync = %v, want %v", got, want)
	}
}

func TestBinder_NotAuthoritative(t *testing.T) {
	server, client := socket.NewPipe("")
	b := New(updater.New(), "client", false)
	store := datastore.New("store", "user")
	store.Update("/ro", "kept")
	store.SetReadOnly("/ro", true)
	b.Bind(client, store, "bind", false)
	var w wire
	w.listen(t, server, "bind")

	if err := server.Emit(UpdateEvent("bind"), Update{Path: "/x", Value: "1"}); err != nil {
		t.Fatal(err)
	}
	if got := store.Value("/x"); got != 1.0 {
		t.Errorf("/x = %v", got)
	}
	if len(w.updates) != 0 {
		t.Errorf("accepted write was confirmed: %v", w.updates)
	}
	if err := server.Emit(UpdateEvent("bind"), Update{Path: "/ro", Value: `"changed"`}); err != nil {
		t.Fatal(err)
	}
	want := [][2]any{{"/ro", "kept"}}
	if got := w.values(t); !reflect.DeepEqual(got, want) {
		t.Errorf("resync = %v, want %v", got, want)
	}
}

// settle delivers waiting events, one per end in turn, until none is left.
func settle(t *testing.T, ends ...*socket.Pipe) int {
	t.Helper()
	n := 0
	for {
		moved := false
		for _, e := range ends {
			if e.Deliver() {
				n++
				moved = true
			}
		}
		if !moved {
			return n
		}
		if n > 100 {
			t.Fatalf("still exchanging after %d events", n)
		}
	}
}

func TestBinder_ConcurrentWrites(t *testing.T) {
	tests := []struct {
		name        string
		serverFirst bool
	}{
		{"client delivers first", false},
		{"server delivers first", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cli, srv := socket.NewQueuedPipe("")
			ss := datastore.New("store", "user")
			cs := datastore.New("store", "user")
			New(updater.New(), "server", true).Bind(srv, ss, "id", false)
			New(updater.New(), "client", false).Bind(cli, cs, "id", false)
			ends := []*socket.Pipe{cli, srv}
			if tt.serverFirst {
				ends = []*socket.Pipe{srv, cli}
			}
			for i := range 5 {
				ss.Update("/x", map[string]any{"from": "server", "i": i})
				cs.Update("/x", map[string]any{"from": "client", "i": i})
				cs.Update("/y", i)
				settle(t, ends...)
				if a, b := ss.Value("/"), cs.Value("/"); !reflect.DeepEqual(a, b) {
					t.Fatalf("round %d diverged: server %v client %v", i, a, b)
				}
			}
			// The server applied the client write after its own.
			if got := ss.Value("/x/from"); got != "client" {
				t.Errorf("/x/from = %v", got)
			}
		})
	}
}

func TestBinder_BindIDUnique(t *testing.T) {
	_, server := socket.NewPipe("")
	b := New(updater.New(), "server", true)
	store := datastore.New("store", "user")
	seen := map[string]bool{}
	for range 20 {
		id := b.NewBindID(server)
		if seen[id] {
			t.Fatalf("duplicate bind id %q", id)
		}
		seen[id] = true
		b.Bind(server, store, id, false)
	}
	if len(b.Bindings(server)) != 20 || b.Store(server, b.Bindings(server)[0]) != store {
		t.Error("bindings mismatch")
	}
}
