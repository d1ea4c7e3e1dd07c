// Package pathutil implements helpers for slash separated tree paths.
//
// A formatted path always starts with "/" and never ends with "/", except for
// the root which is exactly "/".
package pathutil

import (
	"math/rand/v2"
	"strings"
)

// Root is the formatted path of a tree root.
const Root = "/"

// Format normalizes raw into a formatted path.
//
// The empty string maps to the root.
func Format(raw string) string {
	if raw == "" || raw == Root {
		return Root
	}
	if raw[0] != '/' {
		raw = "/" + raw
	}
	for len(raw) > 1 && raw[len(raw)-1] == '/' {
		raw = raw[:len(raw)-1]
	}
	return raw
}

// Name returns the last segment of the path. It is empty for the root.
func Name(p string) string {
	p = Format(p)
	return p[strings.LastIndexByte(p, '/')+1:]
}

// Split returns the segments of the path. It returns nil for the root.
func Split(p string) []string {
	p = Format(p)
	if p == Root {
		return nil
	}
	return strings.Split(p[1:], "/")
}

// Parent returns the path of the parent node. The root is its own parent.
func Parent(p string) string {
	p = Format(p)
	i := strings.LastIndexByte(p, '/')
	if i <= 0 {
		return Root
	}
	return p[:i]
}

// Join appends child to base and formats the result.
func Join(base, child string) string {
	base = Format(base)
	child = Format(child)
	if base == Root {
		return child
	}
	if child == Root {
		return base
	}
	return base + child
}

// Contains reports whether child is parent or a node under it.
//
// The comparison is done per segment so "/ab" is not under "/a".
func Contains(parent, child string) bool {
	parent = Format(parent)
	child = Format(child)
	if parent == Root || parent == child {
		return true
	}
	return strings.HasPrefix(child, parent+"/")
}

// Relative returns child relative to parent, or the root if child is not
// strictly under parent.
func Relative(parent, child string) string {
	parent = Format(parent)
	child = Format(child)
	if !Contains(parent, child) || parent == child {
		return Root
	}
	if parent == Root {
		return child
	}
	return child[len(parent):]
}

// IsObject reports whether v is an object node that can be traversed.
func IsObject(v any) bool {
	_, ok := v.(map[string]any)
	return ok
}

// Traverse walks obj along p and returns the value found.
//
// It returns false when a segment is missing or an intermediate node is not
// an object. The root returns obj itself.
func Traverse(obj any, p string) (any, bool) {
	cur := obj
	for _, seg := range Split(p) {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[seg]; !ok {
			return nil, false
		}
	}
	return cur, cur != nil || Format(p) != Root
}

// TraverseForWrite returns the object holding the last segment of p, creating
// or replacing intermediate nodes that are not objects.
//
// It returns nil for the root, or when obj is not an object.
func TraverseForWrite(obj any, p string) map[string]any {
	segs := Split(p)
	if len(segs) == 0 {
		return nil
	}
	cur, ok := obj.(map[string]any)
	if !ok {
		return nil
	}
	for _, seg := range segs[:len(segs)-1] {
		next, ok := cur[seg].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[seg] = next
		}
		cur = next
	}
	return cur
}

const letters = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

// RandomToken returns n random letters.
//
// It is not suitable for secrets.
func RandomToken(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = letters[rand.IntN(len(letters))] //nolint:gosec // G404: identifiers, not secrets
	}
	return string(b)
}

// UniqueToken returns a random token of n letters for which taken returns
// false.
func UniqueToken(n int, taken func(string) bool) string {
	for {
		if t := RandomToken(n); !taken(t) {
			return t
		}
	}
}
