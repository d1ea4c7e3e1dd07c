package datasync

import (
	"testing"

	"github.com/maruel/datasync/internal/binder"
	"github.com/maruel/datasync/internal/socket"
	"github.com/maruel/datasync/internal/userroute"
)

func TestClient_SetSocket(t *testing.T) {
	cli, _ := socket.NewPipe("")
	c := NewClient()
	c.SetSocket(cli)
	if !cli.HasListeners(EventBindStore) {
		t.Error("bindstore handler missing")
	}
	c.ClearSocket()
	if cli.HasListeners("") {
		t.Error("handlers left after ClearSocket")
	}
}

func TestClient_ConnectStore(t *testing.T) {
	cli, srv := socket.NewPipe("")
	var r recorder
	r.listen(srv, EventBindRequest, EventUnbindStore, EventDisconnect)
	c := NewClient()
	c.SetSocket(cli)
	c.ConnectStore("store", "user", userroute.ConnInfo{"token": "abc"})

	req := r.last(t)
	reqID, _ := req.args.String(0)
	storeID, _ := req.args.String(1)
	var info userroute.ConnInfo
	if err := req.args.Decode(2, &info); err != nil {
		t.Fatal(err)
	}
	if req.event != EventBindRequest || len(reqID) != ReqIDLength || storeID != "store" || info.String("token") != "abc" {
		t.Fatalf("request = %s %s", req.event, req.args)
	}

	// Replies to unknown requests are ignored.
	_ = srv.Emit(EventBindStore, "other", "bindid0000")
	if c.BindID("store", "user") != "" {
		t.Fatal("unknown request bound")
	}

	var fetched bool
	srv.On(binder.FetchAllEvent("bindid0001"), func(socket.Args) { fetched = true })
	_ = srv.Emit(EventBindStore, reqID, "bindid0001")
	if !fetched {
		t.Error("no snapshot requested")
	}
	if c.BindID("store", "user") != "bindid0001" {
		t.Errorf("BindID() = %q", c.BindID("store", "user"))
	}
	if !cli.HasListeners(binder.UpdateEvent("bindid0001")) {
		t.Error("update handler missing")
	}

	// Server snapshot lands in the local store and is not confirmed back.
	var confirmed recorder
	confirmed.listen(srv, binder.UpdateEvent("bindid0001"))
	_ = srv.Emit(binder.UpdateEvent("bindid0001"), binder.Update{Path: "/", Value: `{"a":1}`})
	if got := c.Store("store", "user").Value("/a"); got != 1.0 {
		t.Errorf("/a = %v", got)
	}
	if len(confirmed.calls) != 0 {
		t.Errorf("client confirmed a server write: %v", confirmed.calls)
	}

	c.DisconnectStore("store", "user")
	last := r.last(t)
	if id, _ := last.args.String(0); last.event != EventUnbindStore || id != "bindid0001" {
		t.Errorf("got %s %s", last.event, last.args)
	}
	if cli.HasListeners(binder.UpdateEvent("bindid0001")) {
		t.Error("update handler left")
	}

	c.ClearSocket()
	if last := r.last(t); last.event != EventDisconnect {
		t.Errorf("got %s", last.event)
	}
	if cli.HasListeners("") {
		t.Error("handlers left")
	}
}

func TestClient_Refused(t *testing.T) {
	cli, srv := socket.NewPipe("")
	var r recorder
	r.listen(srv, EventBindRequest)
	c := NewClient()
	c.SetSocket(cli)
	c.ConnectStore("store", "user", nil)
	reqID, _ := r.last(t).args.String(0)
	_ = srv.Emit(EventBindStore, reqID, nil)
	if c.BindID("store", "user") != "" {
		t.Error("refused store bound")
	}
	// A refused store is not requested again on the next socket.
	cli2, srv2 := socket.NewPipe("")
	var r2 recorder
	r2.listen(srv2, EventBindRequest)
	c.SetSocket(cli2)
	if len(r2.calls) != 0 {
		t.Errorf("%d requests", len(r2.calls))
	}
}

func TestClient_Resubscribe(t *testing.T) {
	c := NewClient()
	c.ConnectStore("a", "u", nil).ConnectStore("b", "u", nil)
	cli, srv := socket.NewPipe("")
	var r recorder
	r.listen(srv, EventBindRequest)
	c.SetSocket(cli)
	if len(r.calls) != 2 {
		t.Fatalf("%d requests", len(r.calls))
	}
	for i, want := range []string{"a", "b"} {
		if got, _ := r.calls[i].args.String(1); got != want {
			t.Errorf("request %d for %q", i, got)
		}
	}
}
