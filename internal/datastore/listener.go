package datastore

import (
	"fmt"
	"slices"
	"sync/atomic"

	"github.com/maruel/datasync/internal/pathutil"
)

// EventKind selects which writes a listener is notified of.
type EventKind int

const (
	// Update fires for writes at the path, under it, or above it.
	Update EventKind = iota
	// UpdateChild fires for writes strictly under the path.
	UpdateChild
	// UpdateValue fires for writes at the path or above it.
	UpdateValue
	// UpdateDirect fires only for writes exactly at the path.
	UpdateDirect
)

var kindNames = [...]string{"update", "updateChild", "updateValue", "updateDirect"}

func (k EventKind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
	return kindNames[k]
}

// ParseEventKind returns the kind for its wire name.
func ParseEventKind(s string) (EventKind, error) {
	for i, n := range kindNames {
		if n == s {
			return EventKind(i), nil
		}
	}
	return 0, fmt.Errorf("unknown event kind %q", s)
}

// Callback receives the current value at the subscribed path, the written
// path relative to the subscribed path ("/" for writes at or above it) and
// the flags of the write.
type Callback func(value any, relPath string, flags []string)

// Listener is the handle returned by Store.On.
type Listener struct {
	kind    EventKind
	path    string
	cb      Callback
	removed atomic.Bool
}

// Path returns the subscribed path.
func (l *Listener) Path() string {
	return l.path
}

// Kind returns the subscribed event kind.
func (l *Listener) Kind() EventKind {
	return l.kind
}

// match returns the relative path to deliver for a write at path, if any.
func (l *Listener) match(path string) (string, bool) {
	exact := l.path == path
	switch {
	case pathutil.Contains(l.path, path):
		if l.kind == UpdateChild && exact {
			return "", false
		}
		if (l.kind == UpdateValue || l.kind == UpdateDirect) && !exact {
			return "", false
		}
		return pathutil.Relative(l.path, path), true
	case pathutil.Contains(path, l.path):
		if l.kind == UpdateChild || l.kind == UpdateDirect {
			return "", false
		}
		return pathutil.Root, true
	default:
		return "", false
	}
}

// On subscribes cb to writes relative to path.
//
// When emitOnBind is set, cb is called once with the current value before On
// returns.
func (s *Store) On(kind EventKind, path string, cb Callback, emitOnBind bool) *Listener {
	l := &Listener{kind: kind, path: pathutil.Format(path), cb: cb}
	s.lmu.Lock()
	s.listeners = append(s.listeners, l)
	s.lmu.Unlock()
	if emitOnBind {
		cb(s.Value(l.path), pathutil.Root, []string{})
	}
	return l
}

// Off unsubscribes l. It is a no-op when l is already unsubscribed.
func (s *Store) Off(l *Listener) {
	if l == nil || l.removed.Swap(true) {
		return
	}
	s.lmu.Lock()
	defer s.lmu.Unlock()
	s.listeners = slices.DeleteFunc(s.listeners, func(e *Listener) bool { return e == l })
}

// Listeners returns the number of active listeners.
func (s *Store) Listeners() int {
	s.lmu.Lock()
	defer s.lmu.Unlock()
	return len(s.listeners)
}

// emit delivers a write to the listeners registered when it started.
func (s *Store) emit(path string, flags []string) {
	if flags == nil {
		flags = []string{}
	}
	s.lmu.Lock()
	snapshot := slices.Clone(s.listeners)
	s.lmu.Unlock()
	for _, l := range snapshot {
		if l.removed.Load() {
			continue
		}
		rel, ok := l.match(path)
		if !ok {
			continue
		}
		l.cb(s.Value(l.path), rel, slices.Clone(flags))
	}
}
