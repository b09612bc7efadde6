// Package trie is a substring search index over short display strings.
//
// Every suffix of a key is inserted, so a query matches anywhere in the key,
// not only at its start. Keys and queries are folded to lower case with
// diacritics stripped, so "Zoë" is found by "zoe".
package trie

import (
	"strings"
	"sync"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

type node[V comparable] struct {
	children map[rune]*node[V]
	values   map[V]struct{}
}

func newNode[V comparable]() *node[V] {
	return &node[V]{children: make(map[rune]*node[V])}
}

// Trie maps folded substrings to values. Safe for concurrent use: Find may
// run while another goroutine inserts.
type Trie[V comparable] struct {
	root *node[V]
	keys map[V][]string // folded keys per value, for Remove
	mu   sync.RWMutex
}

// New creates an empty trie.
func New[V comparable]() *Trie[V] {
	return &Trie[V]{
		root: newNode[V](),
		keys: make(map[V][]string),
	}
}

// Fold lower-cases s and strips combining marks.
func Fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	return strings.ToLower(strings.TrimSpace(folded))
}

// Insert indexes value under every substring of key.
func (t *Trie[V]) Insert(key string, value V) {
	folded := Fold(key)
	if folded == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.insertLocked(folded, value)
}

func (t *Trie[V]) insertLocked(folded string, value V) {
	for _, existing := range t.keys[value] {
		if existing == folded {
			return
		}
	}
	t.keys[value] = append(t.keys[value], folded)

	rs := []rune(folded)
	for i := range rs {
		t.insertSuffix(rs[i:], value)
	}
}

func (t *Trie[V]) insertSuffix(suffix []rune, value V) {
	n := t.root
	for _, r := range suffix {
		child, ok := n.children[r]
		if !ok {
			child = newNode[V]()
			n.children[r] = child
		}
		n = child
		if n.values == nil {
			n.values = make(map[V]struct{})
		}
		n.values[value] = struct{}{}
	}
}

// Remove drops every key inserted for value. Used when a name changes.
func (t *Trie[V]) Remove(value V) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removeLocked(value)
}

func (t *Trie[V]) removeLocked(value V) {
	for _, key := range t.keys[value] {
		rs := []rune(key)
		for i := range rs {
			t.removeSuffix(rs[i:], value)
		}
	}
	delete(t.keys, value)
}

func (t *Trie[V]) removeSuffix(suffix []rune, value V) {
	path := make([]*node[V], 0, len(suffix)+1)
	path = append(path, t.root)
	n := t.root
	for _, r := range suffix {
		child, ok := n.children[r]
		if !ok {
			return
		}
		delete(child.values, value)
		path = append(path, child)
		n = child
	}
	// prune empty leaves bottom-up
	for i := len(path) - 1; i > 0; i-- {
		if len(path[i].values) > 0 || len(path[i].children) > 0 {
			break
		}
		delete(path[i-1].children, suffix[i-1])
	}
}

// Replace re-indexes value under a new set of keys. A concurrent Find sees
// either the old keys or the new ones, never neither.
func (t *Trie[V]) Replace(value V, keys ...string) {
	folded := make([]string, 0, len(keys))
	for _, k := range keys {
		if f := Fold(k); f != "" {
			folded = append(folded, f)
		}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removeLocked(value)
	for _, f := range folded {
		t.insertLocked(f, value)
	}
}

// Find returns every value with a key containing query. Order is unspecified.
func (t *Trie[V]) Find(query string) []V {
	folded := Fold(query)
	if folded == "" {
		return nil
	}
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := t.root
	for _, r := range folded {
		child, ok := n.children[r]
		if !ok {
			return nil
		}
		n = child
	}
	out := make([]V, 0, len(n.values))
	for v := range n.values {
		out = append(out, v)
	}
	return out
}

// Len returns the number of indexed values.
func (t *Trie[V]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.keys)
}
