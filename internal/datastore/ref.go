package datastore

import "github.com/maruel/datasync/internal/pathutil"

// Ref is a handle on one path of a store.
//
// It holds no state besides the store and the formatted path.
type Ref struct {
	store *Store
	path  string
}

// Store returns the store the ref points into.
func (r *Ref) Store() *Store {
	return r.store
}

// Path returns the formatted path.
func (r *Ref) Path() string {
	return r.path
}

// Name returns the last path segment, empty for the root.
func (r *Ref) Name() string {
	return pathutil.Name(r.path)
}

// Parent returns the ref of the parent node. The root is its own parent.
func (r *Ref) Parent() *Ref {
	return r.store.Ref(pathutil.Parent(r.path))
}

// Ref returns a ref on path relative to r.
func (r *Ref) Ref(path string) *Ref {
	return r.store.Ref(pathutil.Join(r.path, path))
}

// HasChild reports whether o is r or under r.
func (r *Ref) HasChild(o *Ref) bool {
	return pathutil.Contains(r.path, o.path)
}

// IsChildOf reports whether r is o or under o.
func (r *Ref) IsChildOf(o *Ref) bool {
	return o.HasChild(r)
}

// RelativeChildPath returns the path of child relative to r.
func (r *Ref) RelativeChildPath(child *Ref) string {
	return pathutil.Relative(r.path, child.path)
}

// Equals reports whether both refs point to the same path.
func (r *Ref) Equals(o *Ref) bool {
	return r.path == o.path
}

// Value returns a copy of the value, nil when absent.
func (r *Ref) Value() any {
	return r.store.Value(r.path)
}

// Lookup returns a copy of the value and whether it exists.
func (r *Ref) Lookup() (any, bool) {
	return r.store.Lookup(r.path)
}

// Update writes v at the ref path.
func (r *Ref) Update(v any, flags ...string) {
	r.store.Update(r.path, v, flags...)
}

// Remove deletes the ref path.
func (r *Ref) Remove(flags ...string) {
	r.store.Remove(r.path, flags...)
}

// On subscribes to writes relative to the ref path.
func (r *Ref) On(kind EventKind, cb Callback, emitOnBind bool) *Listener {
	return r.store.On(kind, r.path, cb, emitOnBind)
}

// Off unsubscribes l.
func (r *Ref) Off(l *Listener) {
	r.store.Off(l)
}

// SetReadOnly marks or unmarks the ref path as read-only for peers.
func (r *Ref) SetReadOnly(readOnly bool) {
	r.store.SetReadOnly(r.path, readOnly)
}

// ReadOnly reports whether the ref path is read-only for peers.
func (r *Ref) ReadOnly() bool {
	return r.store.ReadOnly(r.path)
}

func (r *Ref) String() string {
	return r.store.StoreID + ":" + r.path
}
