// Package cache keeps in-memory record lists that apply updates
// optimistically and fall back to a full reload when a write fails.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/starford/verdant/internal/docmerge"
	"github.com/starford/verdant/internal/models"
)

// State is the phase of an optimistic update.
type State int

const (
	Pending State = iota
	Committed
	Reverted
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Committed:
		return "committed"
	case Reverted:
		return "reverted"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Source is the authoritative side of the cache.
type Source interface {
	List(ctx context.Context, kind models.Kind, q models.ListQuery) ([]models.Record, int, error)
	Update(ctx context.Context, kind models.Kind, id string, patch map[string]any) (*models.Record, error)
}

// Transition reports one state change of a cached entry. Record is the
// entry as the cache holds it after the change; it is nil when Reverted or
// when the entry is not cached.
type Transition struct {
	Kind   models.Kind
	ID     string
	State  State
	Record *models.Record
	Err    error
}

// Observer receives transitions. It runs on the updating goroutine and must
// not call back into the List.
type Observer func(Transition)

// List is the cached listing of one kind.
type List struct {
	src    Source
	kind   models.Kind
	query  models.ListQuery
	logger *slog.Logger

	mu        sync.Mutex
	items     []models.Record
	total     int
	loaded    bool
	observers []Observer
}

// NewList creates an empty list for kind. It loads on first use.
func NewList(src Source, kind models.Kind, q models.ListQuery, logger *slog.Logger) *List {
	if logger == nil {
		logger = slog.Default()
	}
	return &List{src: src, kind: kind, query: q, logger: logger}
}

// Subscribe registers o for every later transition.
func (l *List) Subscribe(o Observer) {
	l.mu.Lock()
	l.observers = append(l.observers, o)
	l.mu.Unlock()
}

// Items returns a copy of the cached records and the source's total,
// loading from the source if needed.
func (l *List) Items(ctx context.Context) ([]models.Record, int, error) {
	l.mu.Lock()
	loaded := l.loaded
	l.mu.Unlock()
	if !loaded {
		if err := l.Reload(ctx); err != nil {
			return nil, 0, err
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]models.Record, len(l.items))
	for i, rec := range l.items {
		out[i] = copyRecord(rec)
	}
	return out, l.total, nil
}

// Get returns a copy of the cached record id. A stale or unloaded list
// reports a miss.
func (l *List) Get(id string) (models.Record, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.loaded {
		return models.Record{}, false
	}
	if i := l.indexOf(id); i >= 0 {
		return copyRecord(l.items[i]), true
	}
	return models.Record{}, false
}

// Invalidate drops the cached contents; the next Items call reloads.
func (l *List) Invalidate() {
	l.mu.Lock()
	l.loaded = false
	l.mu.Unlock()
}

// Reload replaces the cached contents with the source's.
func (l *List) Reload(ctx context.Context) error {
	items, total, err := l.src.List(ctx, l.kind, l.query)
	if err != nil {
		return fmt.Errorf("cache: reload %s: %w", l.kind, err)
	}
	l.mu.Lock()
	l.items, l.total, l.loaded = items, total, true
	l.mu.Unlock()
	return nil
}

// Update applies patch to the cached entry at once (Pending), then sends it
// to the source. On success the entry becomes the source's result
// (Committed). On failure the speculative entry is thrown away and the whole
// list reloaded (Reverted); the source's error is returned.
func (l *List) Update(ctx context.Context, id string, patch map[string]any) (*models.Record, error) {
	l.mu.Lock()
	var pending *models.Record
	if i := l.indexOf(id); i >= 0 {
		next := applyPatch(l.items[i], patch)
		l.items[i] = next
		cp := copyRecord(next)
		pending = &cp
	}
	l.mu.Unlock()
	l.notify(Transition{Kind: l.kind, ID: id, State: Pending, Record: pending})

	rec, err := l.src.Update(ctx, l.kind, id, patch)
	if err != nil {
		l.mu.Lock()
		l.items, l.total, l.loaded = nil, 0, false
		l.mu.Unlock()
		if rerr := l.Reload(ctx); rerr != nil {
			l.logger.Warn("cache: reload after failed update",
				slog.String("kind", string(l.kind)),
				slog.String("id", id),
				slog.String("error", rerr.Error()))
		}
		l.notify(Transition{Kind: l.kind, ID: id, State: Reverted, Err: err})
		return nil, err
	}

	var committed *models.Record
	l.mu.Lock()
	if i := l.indexOf(id); i >= 0 {
		l.items[i] = copyRecord(*rec)
		cp := copyRecord(*rec)
		committed = &cp
	}
	l.mu.Unlock()
	l.notify(Transition{Kind: l.kind, ID: id, State: Committed, Record: committed})
	return rec, nil
}

func (l *List) indexOf(id string) int {
	for i := range l.items {
		if l.items[i].ID == id {
			return i
		}
	}
	return -1
}

func (l *List) notify(t Transition) {
	l.mu.Lock()
	obs := append([]Observer(nil), l.observers...)
	l.mu.Unlock()
	for _, o := range obs {
		o(t)
	}
}

// applyPatch merges patch into a copy of rec. Keys that name one of the
// record's fields update that field; everything else merges into the
// document.
func applyPatch(rec models.Record, patch map[string]any) models.Record {
	out := copyRecord(rec)
	doc := make(map[string]any)
	for k, v := range patch {
		if _, ok := out.Fields[k]; ok {
			out.Fields[k] = docmerge.CloneValue(v)
			continue
		}
		doc[k] = v
	}
	if len(doc) > 0 {
		out.Document = docmerge.Merge(out.Document, doc)
	}
	return out
}

func copyRecord(rec models.Record) models.Record {
	rec.Fields = docmerge.Clone(rec.Fields)
	rec.Document = docmerge.Clone(rec.Document)
	return rec
}

// Set holds one List per kind over a shared source.
type Set struct {
	src    Source
	query  models.ListQuery
	logger *slog.Logger

	mu        sync.Mutex
	lists     map[models.Kind]*List
	observers []Observer
}

// NewSet creates a Set whose lists all use q.
func NewSet(src Source, q models.ListQuery, logger *slog.Logger) *Set {
	return &Set{src: src, query: q, logger: logger, lists: make(map[models.Kind]*List)}
}

// For returns the list of kind, creating it on first use.
func (s *Set) For(kind models.Kind) *List {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.lists[kind]
	if !ok {
		l = NewList(s.src, kind, s.query, s.logger)
		l.observers = append(l.observers, s.observers...)
		s.lists[kind] = l
	}
	return l
}

// Subscribe registers o on every list of the set, including lists created
// later.
func (s *Set) Subscribe(o Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, o)
	for _, l := range s.lists {
		l.Subscribe(o)
	}
}

// Invalidate marks the list of kind stale if it exists.
func (s *Set) Invalidate(kind models.Kind) {
	s.mu.Lock()
	l := s.lists[kind]
	s.mu.Unlock()
	if l != nil {
		l.Invalidate()
	}
}
