package socket

import (
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
)

var lastPipeID atomic.Int64

// Pipe is one end of an in-process socket pair.
//
// Events emitted on one end are delivered synchronously to the handlers of
// the other end, unless the pair was created by NewQueuedPipe. Both ends
// share the same id.
type Pipe struct {
	id     string
	queued bool

	mu       sync.Mutex
	handlers map[string][]Handler
	peer     *Pipe
	inbox    []message
}

type message struct {
	event string
	args  Args
}

// NewPipe returns two linked ends. An empty id is replaced by a generated
// one.
func NewPipe(id string) (*Pipe, *Pipe) {
	if id == "" {
		id = "socket" + strconv.FormatInt(lastPipeID.Add(1), 10)
	}
	a := &Pipe{id: id, handlers: map[string][]Handler{}}
	b := &Pipe{id: id, handlers: map[string][]Handler{}}
	a.peer = b
	b.peer = a
	return a, b
}

// NewQueuedPipe returns two linked ends that hold received events until
// Deliver is called, like a network transport would.
func NewQueuedPipe(id string) (*Pipe, *Pipe) {
	a, b := NewPipe(id)
	a.queued = true
	b.queued = true
	return a, b
}

// Deliver dispatches the oldest event waiting on this end. It returns false
// when none is waiting.
func (p *Pipe) Deliver() bool {
	p.mu.Lock()
	if len(p.inbox) == 0 {
		p.mu.Unlock()
		return false
	}
	m := p.inbox[0]
	p.inbox = p.inbox[1:]
	p.mu.Unlock()
	p.dispatch(m.event, m.args)
	return true
}

// Pending returns the number of events waiting on this end.
func (p *Pipe) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inbox)
}

// ID implements Socket.
func (p *Pipe) ID() string {
	return p.id
}

// On implements Socket.
func (p *Pipe) On(event string, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[event] = append(p.handlers[event], h)
}

// Off implements Socket.
func (p *Pipe) Off(event string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.handlers, event)
}

// Emit implements Socket.
func (p *Pipe) Emit(event string, args ...any) error {
	a, err := EncodeArgs(args...)
	if err != nil {
		return err
	}
	p.mu.Lock()
	peer := p.peer
	p.mu.Unlock()
	if peer == nil {
		return ErrClosed
	}
	if peer.queued {
		peer.mu.Lock()
		peer.inbox = append(peer.inbox, message{event, a})
		peer.mu.Unlock()
		return nil
	}
	peer.dispatch(event, a)
	return nil
}

// HasListeners reports whether this end has handlers for event, or for any
// event when event is empty.
func (p *Pipe) HasListeners(event string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if event == "" {
		return len(p.handlers) != 0
	}
	return len(p.handlers[event]) != 0
}

// Disconnect delivers EventDisconnect to both ends, then unlinks them and
// drops every handler.
func (p *Pipe) Disconnect() {
	p.mu.Lock()
	peer := p.peer
	p.mu.Unlock()
	if peer == nil {
		return
	}
	// The single argument is the disconnect reason.
	args, _ := EncodeArgs("true")
	peer.dispatch(EventDisconnect, args)
	p.dispatch(EventDisconnect, args)
	for _, e := range []*Pipe{p, peer} {
		e.mu.Lock()
		e.peer = nil
		e.handlers = map[string][]Handler{}
		e.inbox = nil
		e.mu.Unlock()
	}
}

func (p *Pipe) dispatch(event string, args Args) {
	p.mu.Lock()
	hs := slices.Clone(p.handlers[event])
	p.mu.Unlock()
	for _, h := range hs {
		h(args)
	}
}
