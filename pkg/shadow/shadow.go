// Package shadow implements the Shadow Twin: an in-memory projection of
// AAS submodel values, seeded by an HTTP snapshot and kept live by MQTT
// updates, answering point-in-time reads for interlock evaluation.
package shadow

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrNotFound is returned when a (submodel, path) has never been seen.
var ErrNotFound = errors.New("shadow: not found")

// Source distinguishes how a value arrived.
type Source string

const (
	SourceSnapshot Source = "snapshot"
	SourceMQTT     Source = "mqtt"
)

// Entry is one (submodel, path) value with its provenance.
type Entry struct {
	Value       any
	LastUpdated time.Time
	Source      Source
	seq         uint64
}

// Snapshotter fetches a full submodel snapshot over HTTP, used when the
// MQTT subscriber first connects; automatic reconnects take no new snapshot.
type Snapshotter interface {
	ReadSubmodel(ctx context.Context, submodelID string) (map[string]any, error)
}

// submodelState is one submodel's value map guarded by its own lock, so an
// interlock decision touching one submodel never blocks updates to
// another.
type submodelState struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// Twin is the Shadow Twin.
type Twin struct {
	snapshotter Snapshotter

	mu        sync.RWMutex
	submodels map[string]*submodelState

	counter atomic.Uint64
}

// New constructs an empty Shadow Twin. Call Refresh to seed it.
func New(snapshotter Snapshotter) *Twin {
	return &Twin{
		snapshotter: snapshotter,
		submodels:   make(map[string]*submodelState),
	}
}

func (t *Twin) stateFor(submodelID string) *submodelState {
	t.mu.RLock()
	s, ok := t.submodels[submodelID]
	t.mu.RUnlock()
	if ok {
		return s
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok = t.submodels[submodelID]; ok {
		return s
	}
	s = &submodelState{entries: make(map[string]*Entry)}
	t.submodels[submodelID] = s
	return s
}

// Get returns the current value at (submodelID, path).
func (t *Twin) Get(submodelID, path string) (any, time.Time, error) {
	s := t.stateFor(submodelID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[path]
	if !ok {
		return nil, time.Time{}, ErrNotFound
	}
	return e.Value, e.LastUpdated, nil
}

// Snapshot holds a per-submodel read lock for the duration of fn. Reads of
// multiple paths within one submodel during fn observe one consistent
// view, since no MQTT writer can interleave.
func (t *Twin) Snapshot(submodelID string, fn func(get func(path string) (any, time.Time, bool))) {
	s := t.stateFor(submodelID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn(func(path string) (any, time.Time, bool) {
		e, ok := s.entries[path]
		if !ok {
			return nil, time.Time{}, false
		}
		return e.Value, e.LastUpdated, true
	})
}

// Refresh reseeds submodelID from an HTTP snapshot, stamping every entry
// with the current time as its last_updated.
func (t *Twin) Refresh(ctx context.Context, submodelID string) error {
	values, err := t.snapshotter.ReadSubmodel(ctx, submodelID)
	if err != nil {
		return err
	}

	s := t.stateFor(submodelID)
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	for path, v := range values {
		seq := t.counter.Add(1)
		s.entries[path] = &Entry{Value: v, LastUpdated: now, Source: SourceSnapshot, seq: seq}
	}
	return nil
}

// ApplyMQTT applies an MQTT-delivered update. brokerTS, if non-zero, is
// used to discard out-of-order deliveries detected via embedded
// timestamps. Entries are never deleted, only ever replaced or added.
func (t *Twin) ApplyMQTT(submodelID, path string, value any, brokerTS time.Time) {
	s := t.stateFor(submodelID)

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.entries[path]; ok && !brokerTS.IsZero() && !existing.LastUpdated.IsZero() {
		if brokerTS.Before(existing.LastUpdated) {
			return
		}
	}

	seq := t.counter.Add(1)
	ts := brokerTS
	if ts.IsZero() {
		ts = time.Now()
	}
	s.entries[path] = &Entry{Value: value, LastUpdated: ts, Source: SourceMQTT, seq: seq}
}
