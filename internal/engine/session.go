// ABOUTME: Chained unit-of-work sessions over a coordinator
// ABOUTME: Child saves push changes into the parent and save it, walking root-ward

package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MergePolicy decides which side wins when imported content touches a record
// that the session holds.
type MergePolicy int

const (
	// StoreTrumps drops in-memory state for imported records.
	StoreTrumps MergePolicy = iota
	// InMemoryTrumps keeps unsaved in-memory changes for imported records.
	InMemoryTrumps
)

// ParseMergePolicy maps a config value to a policy.
func ParseMergePolicy(s string) (MergePolicy, error) {
	switch s {
	case "", "store_trumps":
		return StoreTrumps, nil
	case "in_memory_trumps":
		return InMemoryTrumps, nil
	default:
		return StoreTrumps, fmt.Errorf("unknown merge policy %q", s)
	}
}

type changeSet struct {
	pending map[RecordKey]*Record
	deleted map[RecordKey]bool
}

func newChangeSet() changeSet {
	return changeSet{
		pending: make(map[RecordKey]*Record),
		deleted: make(map[RecordKey]bool),
	}
}

func (cs changeSet) empty() bool { return len(cs.pending) == 0 && len(cs.deleted) == 0 }

// Session is a unit of work. Access to a session is serialised by its own
// lock; a session never holds its lock while calling its parent.
type Session struct {
	mu      sync.Mutex
	parent  *Session
	coord   *Coordinator
	policy  MergePolicy
	changes changeSet
	cache   map[RecordKey]*Record
}

// NewRootSession creates a top-level session bound to c.
func NewRootSession(c *Coordinator, policy MergePolicy) *Session {
	return &Session{
		coord:   c,
		policy:  policy,
		changes: newChangeSet(),
		cache:   make(map[RecordKey]*Record),
	}
}

// NewChild creates a session whose saves go into s.
func (s *Session) NewChild() *Session {
	return &Session{
		parent:  s,
		policy:  s.policy,
		changes: newChangeSet(),
		cache:   make(map[RecordKey]*Record),
	}
}

// Parent returns the parent session, nil for a root.
func (s *Session) Parent() *Session { return s.parent }

// Create registers a new record with a generated ID. It is not saved.
func (s *Session) Create(entity string, fields map[string]any) *Record {
	rec := &Record{
		Entity:    entity,
		ID:        uuid.New().String(),
		Fields:    fields,
		UpdatedAt: time.Now().UTC(),
	}
	if rec.Fields == nil {
		rec.Fields = map[string]any{}
	}
	s.Update(rec)
	return rec.clone()
}

// Update registers a change to rec. It is not saved.
func (s *Session) Update(rec *Record) {
	c := rec.clone()
	c.UpdatedAt = time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.changes.deleted, c.Key())
	s.changes.pending[c.Key()] = c
	s.cache[c.Key()] = c
}

// Delete registers the removal of a record. It is not saved.
func (s *Session) Delete(entity, id string) {
	key := RecordKey{Entity: entity, ID: id}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.changes.pending, key)
	delete(s.cache, key)
	s.changes.deleted[key] = true
}

// HasChanges reports whether the session has unsaved changes.
func (s *Session) HasChanges() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.changes.empty()
}

// Get returns a record, looking at this session, then its ancestors, then
// the attached store.
func (s *Session) Get(ctx context.Context, entity, id string) (*Record, error) {
	key := RecordKey{Entity: entity, ID: id}

	s.mu.Lock()
	if s.changes.deleted[key] {
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	if rec, ok := s.cache[key]; ok {
		s.mu.Unlock()
		return rec.clone(), nil
	}
	s.mu.Unlock()

	var rec *Record
	var err error
	if s.parent != nil {
		rec, err = s.parent.Get(ctx, entity, id)
	} else {
		rec, err = s.coord.fetch(ctx, key)
	}
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.cache[key] = rec.clone()
	s.mu.Unlock()
	return rec, nil
}

// Query returns the records of q.Entity as seen by this session.
func (s *Session) Query(ctx context.Context, q Query) ([]*Record, error) {
	base, err := s.visible(ctx, q.Entity)
	if err != nil {
		return nil, err
	}
	return q.apply(base), nil
}

// visible returns every record of entity with this session's changes
// layered over its ancestors and the store.
func (s *Session) visible(ctx context.Context, entity string) ([]*Record, error) {
	var base []*Record
	var err error
	if s.parent != nil {
		base, err = s.parent.visible(ctx, entity)
	} else {
		base, err = s.coord.scan(ctx, entity)
		if errors.Is(err, ErrNoStore) {
			base, err = nil, nil
		}
	}
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	byKey := make(map[RecordKey]*Record, len(base))
	order := make([]RecordKey, 0, len(base))
	for _, rec := range base {
		byKey[rec.Key()] = rec
		order = append(order, rec.Key())
	}
	for key, rec := range s.changes.pending {
		if key.Entity != entity {
			continue
		}
		if _, ok := byKey[key]; !ok {
			order = append(order, key)
		}
		byKey[key] = rec.clone()
	}

	out := make([]*Record, 0, len(order))
	for _, key := range order {
		if s.changes.deleted[key] {
			continue
		}
		out = append(out, byKey[key])
	}
	return out, nil
}

// Save pushes the session's changes into its parent and saves the parent, or
// commits them to the attached store for a root session. A failed root
// commit keeps the changes pending.
func (s *Session) Save(ctx context.Context) error {
	s.mu.Lock()
	cs := s.changes
	s.changes = newChangeSet()
	s.mu.Unlock()

	if s.parent != nil {
		s.parent.absorb(cs)
		return s.parent.Save(ctx)
	}

	if cs.empty() {
		return nil
	}
	if err := s.coord.commit(ctx, cs); err != nil {
		s.absorbUnder(cs)
		return fmt.Errorf("saving session: %w", err)
	}
	return nil
}

// absorb layers a child's changes on top of this session's.
func (s *Session) absorb(cs changeSet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range cs.deleted {
		delete(s.changes.pending, key)
		delete(s.cache, key)
		s.changes.deleted[key] = true
	}
	for key, rec := range cs.pending {
		delete(s.changes.deleted, key)
		s.changes.pending[key] = rec
		s.cache[key] = rec.clone()
	}
}

// absorbUnder restores changes that failed to commit without overwriting
// anything registered since.
func (s *Session) absorbUnder(cs changeSet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range cs.deleted {
		if _, ok := s.changes.pending[key]; !ok {
			s.changes.deleted[key] = true
		}
	}
	for key, rec := range cs.pending {
		if _, ok := s.changes.pending[key]; ok || s.changes.deleted[key] {
			continue
		}
		s.changes.pending[key] = rec
	}
}

// Reset discards unsaved changes and cached records.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.changes = newChangeSet()
	s.cache = make(map[RecordKey]*Record)
}

// MergeImported refreshes the session after another writer changed the
// store. Cached copies of the changed records are dropped so they are
// re-read. Under StoreTrumps unsaved changes to those records are dropped
// too. A nil list means any record may have changed: the cache is cleared
// and unsaved changes are kept.
func (s *Session) MergeImported(changes []RecordKey) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if changes == nil {
		s.cache = make(map[RecordKey]*Record)
		for key, rec := range s.changes.pending {
			s.cache[key] = rec.clone()
		}
		return
	}

	for _, key := range changes {
		delete(s.cache, key)
		if s.policy == StoreTrumps {
			delete(s.changes.pending, key)
			delete(s.changes.deleted, key)
		}
	}
}
