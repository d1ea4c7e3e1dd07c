package updater

import (
	"reflect"
	"testing"

	"github.com/maruel/datasync/internal/datastore"
	"github.com/maruel/datasync/internal/socket"
)

func TestUpdateStore(t *testing.T) {
	sock, _ := socket.NewPipe("sock")
	store := datastore.New("store", "user")
	var flags []string
	store.On(datastore.Update, "/", func(_ any, _ string, f []string) { flags = f }, false)

	u := New()
	calls := 0
	u.Subscribe(func(s socket.Socket, st *datastore.Store, path string, value any) bool {
		calls++
		return path != "/blocked"
	})
	u.Subscribe(func(socket.Socket, *datastore.Store, string, any) bool {
		calls++
		return true
	})

	rejected := 0
	if !u.UpdateStore(sock, store, "/ok", "v", func() { rejected++ }, false) {
		t.Fatal("write should be accepted")
	}
	if store.Value("/ok") != "v" || !reflect.DeepEqual(flags, []string{"sock"}) {
		t.Errorf("value = %v, flags = %v", store.Value("/ok"), flags)
	}
	if u.UpdateStore(sock, store, "/blocked", "v", func() { rejected++ }, false) {
		t.Fatal("write should be rejected")
	}
	if _, ok := store.Lookup("/blocked"); ok || rejected != 1 {
		t.Errorf("rejected = %d", rejected)
	}
	if calls != 4 {
		t.Errorf("validators ran %d times, want 4", calls)
	}
	if !u.UpdateStore(sock, store, "/ok", nil, nil, true) {
		t.Fatal("remove should be accepted")
	}
	if _, ok := store.Lookup("/ok"); ok {
		t.Error("/ok should be removed")
	}
}

func TestUpdateStore_ReadOnly(t *testing.T) {
	sock, _ := socket.NewPipe("sock")
	store := datastore.New("store", "user")
	store.Update("/hello", "world")
	store.SetReadOnly("/hello", true)
	events := 0
	store.On(datastore.Update, "/", func(any, string, []string) { events++ }, false)

	u := New()
	rejected := 0
	for _, path := range []string{"/hello", "/hello/x", "/"} {
		if u.UpdateStore(sock, store, path, "bad", func() { rejected++ }, false) {
			t.Errorf("write at %s should be rejected", path)
		}
	}
	if store.Value("/hello") != "world" || events != 0 || rejected != 3 {
		t.Errorf("value = %v, events = %d, rejected = %d", store.Value("/hello"), events, rejected)
	}
	store.Update("/hello", "local")
	if store.Value("/hello") != "local" {
		t.Error("local writes should ignore read-only marks")
	}
}
