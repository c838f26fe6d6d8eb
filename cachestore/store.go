/*
Package cachestore is the process-wide store of query results.

A Store is created by whoever wires the process and is handed to everything
that reads or writes results.  One mutex serializes all operations; change
listeners run after it is released.

Values are shared, not copied: treat anything read out of the store as
immutable and go through Set or Patch to change it.
*/
package cachestore

import (
	"log"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jonboulle/clockwork"

	"github.com/ts4z/feedsync/varz"
)

const (
	DefaultSize       = 512
	DefaultStaleAfter = 2 * time.Minute
)

var (
	cacheHits          = varz.NewInt("hits")
	cacheMisses        = varz.NewInt("misses")
	cacheInvalidations = varz.NewInt("invalidations")
	listenerPanics     = varz.NewInt("listenerPanics")
)

// Entry is what a reader gets back.
type Entry struct {
	Value     any
	FetchedAt time.Time
	IsStale   bool
}

type ChangeKind int

const (
	Updated ChangeKind = iota
	Invalidated
	Removed
)

func (k ChangeKind) String() string {
	switch k {
	case Updated:
		return "updated"
	case Invalidated:
		return "invalidated"
	case Removed:
		return "removed"
	}
	return "unknown"
}

// Change is delivered to subscribers.
type Change struct {
	Key  string
	Kind ChangeKind
}

type Listener func(Change)

type record struct {
	value     any
	fetchedAt time.Time
	stale     bool
}

type subscription struct {
	id     int
	prefix string
	fn     Listener
}

type Options struct {
	Size       int
	StaleAfter time.Duration
	Clock      clockwork.Clock
}

type Store struct {
	mu         sync.Mutex
	clock      clockwork.Clock
	staleAfter time.Duration
	entries    *lru.Cache[string, *record]
	subs       []*subscription
	nextSubID  int
	closed     bool
}

func New(opts Options) *Store {
	size := opts.Size
	if size <= 0 {
		size = DefaultSize
	}
	staleAfter := opts.StaleAfter
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	entries, err := lru.New[string, *record](size)
	if err != nil {
		log.Fatalf("can't create cache store: %v", err)
	}
	return &Store{
		clock:      clock,
		staleAfter: staleAfter,
		entries:    entries,
	}
}

// Close drops every entry and subscriber.  Later calls are no-ops.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries.Purge()
	s.subs = nil
	s.closed = true
}

func (s *Store) entryLocked(rec *record) Entry {
	return Entry{
		Value:     rec.value,
		FetchedAt: rec.fetchedAt,
		IsStale:   rec.stale || s.clock.Since(rec.fetchedAt) > s.staleAfter,
	}
}

// Get returns the entry at key.  IsStale is set if the entry was
// invalidated or is older than the staleness window.
func (s *Store) Get(key Key) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Entry{}, false
	}
	rec, ok := s.entries.Get(key.String())
	if !ok {
		cacheMisses.Add(1)
		return Entry{}, false
	}
	cacheHits.Add(1)
	return s.entryLocked(rec), true
}

// Set stores a freshly fetched value.
func (s *Store) Set(key Key, value any) {
	k := key.String()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.entries.Add(k, &record{value: value, fetchedAt: s.clock.Now()})
	subs := s.matchingLocked(k)
	s.mu.Unlock()
	notify(subs, Change{Key: k, Kind: Updated})
}

// Restore puts back an entry exactly as Get returned it, fetch time and
// staleness included.  Rollback uses this.
func (s *Store) Restore(key Key, e Entry) {
	k := key.String()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.entries.Add(k, &record{value: e.Value, fetchedAt: e.FetchedAt, stale: e.IsStale})
	subs := s.matchingLocked(k)
	s.mu.Unlock()
	notify(subs, Change{Key: k, Kind: Updated})
}

// Patch replaces the value at key with fn(value).  fn must not modify its
// argument.  Absent keys are left alone; the return says whether fn ran.
func (s *Store) Patch(key Key, fn func(any) any) bool {
	k := key.String()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	rec, ok := s.entries.Peek(k)
	if !ok {
		s.mu.Unlock()
		return false
	}
	next := &record{value: fn(rec.value), fetchedAt: rec.fetchedAt, stale: rec.stale}
	s.entries.Add(k, next)
	subs := s.matchingLocked(k)
	s.mu.Unlock()
	notify(subs, Change{Key: k, Kind: Updated})
	return true
}

// Invalidate marks every entry under prefix stale without dropping it, so
// readers can keep showing it while a refetch runs.  Returns how many
// entries it marked.
func (s *Store) Invalidate(prefix Key) int {
	return s.sweep(prefix, Invalidated)
}

// Delete drops the entry at exactly key, leaving anything under it.
func (s *Store) Delete(key Key) bool {
	k := key.String()
	s.mu.Lock()
	if s.closed || !s.entries.Remove(k) {
		s.mu.Unlock()
		return false
	}
	subs := s.matchingLocked(k)
	s.mu.Unlock()
	notify(subs, Change{Key: k, Kind: Removed})
	return true
}

// Remove drops every entry under prefix.
func (s *Store) Remove(prefix Key) int {
	return s.sweep(prefix, Removed)
}

func (s *Store) sweep(prefix Key, kind ChangeKind) int {
	p := prefix.String()
	type pending struct {
		change Change
		subs   []*subscription
	}
	var todo []pending

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0
	}
	for _, k := range s.entries.Keys() {
		if !hasPrefix(k, p) {
			continue
		}
		switch kind {
		case Invalidated:
			rec, ok := s.entries.Peek(k)
			if !ok {
				continue
			}
			s.entries.Add(k, &record{value: rec.value, fetchedAt: rec.fetchedAt, stale: true})
			cacheInvalidations.Add(1)
		case Removed:
			s.entries.Remove(k)
		}
		todo = append(todo, pending{Change{Key: k, Kind: kind}, s.matchingLocked(k)})
	}
	s.mu.Unlock()

	for _, t := range todo {
		notify(t.subs, t.change)
	}
	return len(todo)
}

// Keys lists the canonical keys under prefix, oldest first.
func (s *Store) Keys(prefix Key) []string {
	p := prefix.String()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	var out []string
	for _, k := range s.entries.Keys() {
		if hasPrefix(k, p) {
			out = append(out, k)
		}
	}
	return out
}

// Subscribe calls fn after any change to an entry under prefix.  The
// returned func unsubscribes.
func (s *Store) Subscribe(prefix Key, fn Listener) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSubID++
	id := s.nextSubID
	if !s.closed {
		s.subs = append(s.subs, &subscription{id: id, prefix: prefix.String(), fn: fn})
	}
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, sub := range s.subs {
			if sub.id == id {
				s.subs = append(s.subs[:i:i], s.subs[i+1:]...)
				return
			}
		}
	}
}

// matchingLocked returns the subscribers interested in key.  A subscriber
// prefix matches if it is a prefix of the key.
func (s *Store) matchingLocked(key string) []*subscription {
	var out []*subscription
	for _, sub := range s.subs {
		if hasPrefix(key, sub.prefix) {
			out = append(out, sub)
		}
	}
	return out
}

func notify(subs []*subscription, c Change) {
	for _, sub := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					listenerPanics.Add(1)
					log.Printf("cachestore: listener for %q panicked on %s %s: %v", sub.prefix, c.Kind, c.Key, r)
				}
			}()
			sub.fn(c)
		}()
	}
}

// GetAs is Get with a type assertion.  A value of the wrong type reads as
// a miss.
func GetAs[T any](s *Store, key Key) (T, Entry, bool) {
	var zero T
	e, ok := s.Get(key)
	if !ok {
		return zero, e, false
	}
	v, ok := e.Value.(T)
	if !ok {
		log.Printf("cachestore: %s holds %T, wanted %T", key, e.Value, zero)
		return zero, e, false
	}
	return v, e, true
}

// PatchAs is Patch with a type assertion.  A value of the wrong type is
// left in place.
func PatchAs[T any](s *Store, key Key, fn func(T) T) bool {
	return s.Patch(key, func(v any) any {
		t, ok := v.(T)
		if !ok {
			log.Printf("cachestore: can't patch %s: holds %T", key, v)
			return v
		}
		return fn(t)
	})
}
