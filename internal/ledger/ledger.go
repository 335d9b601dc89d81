// Package ledger provides the per-super-peer table of protocol messages that
// have already been forwarded or processed.
//
// A Ledger is not safe for concurrent use. The owning super-peer guards it
// with the same lock that guards its file registry.
package ledger

import (
	"sort"

	"github.com/hashicorp/golang-lru/simplelru"
)

const (
	// DefaultCapacity bounds the number of live message ids.
	DefaultCapacity = 4096
	// DefaultRetired bounds the number of remembered cleaned-up ids.
	DefaultRetired = 4096
)

// Ledger maps message id → originating node id.
//
// Entries leave the ledger through Retire (the cleanup protocol) or, once
// capacity is reached, by least-recently-inserted eviction. Retired ids are
// remembered in a second bounded table so that a cleanup is applied once per
// node and a late duplicate of a cleaned-up event is still recognized.
type Ledger struct {
	entries *simplelru.LRU // msgID → origin
	retired *simplelru.LRU // msgID → processed bool
}

// New creates an empty Ledger. onEvict, if non-nil, is called with the id of
// every live entry dropped because the ledger is full.
func New(capacity, retired int, onEvict func(id string)) (*Ledger, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if retired <= 0 {
		retired = DefaultRetired
	}
	var cb simplelru.EvictCallback
	if onEvict != nil {
		cb = func(key, _ interface{}) { onEvict(key.(string)) }
	}
	entries, err := simplelru.NewLRU(capacity, cb)
	if err != nil {
		return nil, err
	}
	ret, err := simplelru.NewLRU(retired, nil)
	if err != nil {
		return nil, err
	}
	return &Ledger{entries: entries, retired: ret}, nil
}

// Insert records id → origin. It returns false, leaving the ledger unchanged,
// if id is already live. Inserting a retired id revives it.
func (l *Ledger) Insert(id, origin string) bool {
	if l.entries.Contains(id) {
		return false
	}
	l.retired.Remove(id)
	l.entries.Add(id, origin)
	return true
}

// Admit decides whether an event must be processed. It returns false for an
// id that is live or was processed and cleaned up already. An id whose
// cleanup overtook the event itself is admitted once without becoming live.
// Any other id is inserted and admitted.
func (l *Ledger) Admit(id, origin string) bool {
	if l.entries.Contains(id) {
		return false
	}
	if v, ok := l.retired.Peek(id); ok {
		if v.(bool) {
			return false
		}
		l.retired.Add(id, true)
		return true
	}
	l.entries.Add(id, origin)
	return true
}

// Contains reports whether id is a live entry.
func (l *Ledger) Contains(id string) bool {
	return l.entries.Contains(id)
}

// Seen reports whether id is live or was cleaned up after being processed.
func (l *Ledger) Seen(id string) bool {
	if l.entries.Contains(id) {
		return true
	}
	v, ok := l.retired.Peek(id)
	return ok && v.(bool)
}

// Origin returns the node that originated id.
func (l *Ledger) Origin(id string) (string, bool) {
	v, ok := l.entries.Peek(id)
	if !ok {
		return "", false
	}
	return v.(string), true
}

// Retire applies a cleanup for id. live reports whether id was a live entry;
// fresh reports whether this is the first cleanup of id seen here. A cleanup
// of an id never seen leaves a tombstone so that the event, if it arrives
// later, is processed without becoming live.
func (l *Ledger) Retire(id string) (live, fresh bool) {
	if l.entries.Remove(id) {
		l.retired.Add(id, true)
		return true, true
	}
	if l.retired.Contains(id) {
		return false, false
	}
	l.retired.Add(id, false)
	return false, true
}

// Len returns the number of live entries.
func (l *Ledger) Len() int {
	return l.entries.Len()
}

// Snapshot returns the live entries.
func (l *Ledger) Snapshot() map[string]string {
	snap := make(map[string]string, l.entries.Len())
	for _, k := range l.entries.Keys() {
		if v, ok := l.entries.Peek(k); ok {
			snap[k.(string)] = v.(string)
		}
	}
	return snap
}

// IDs returns the live message ids in sorted order.
func (l *Ledger) IDs() []string {
	ids := make([]string, 0, l.entries.Len())
	for _, k := range l.entries.Keys() {
		ids = append(ids, k.(string))
	}
	sort.Strings(ids)
	return ids
}
