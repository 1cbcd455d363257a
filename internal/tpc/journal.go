package tpc

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Pending is the work left for a prepared in-memory transaction.
type Pending struct {
	Commit   func()
	Rollback func()
}

// Journal is an in-memory prepared-transaction registry with the same
// semantics as Postgres: ids are unique while pending and resolving an
// unknown id succeeds.
type Journal struct {
	mu      sync.Mutex
	pending map[string]Pending
}

// NewJournal constructs an empty Journal.
func NewJournal() *Journal {
	return &Journal{pending: make(map[string]Pending)}
}

// Prepare registers pending work under id.
func (j *Journal) Prepare(id string, p Pending) error {
	if id == "" {
		return &PrepareError{ID: id, Err: fmt.Errorf("empty transaction id")}
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, ok := j.pending[id]; ok {
		return &PrepareError{ID: id, Err: fmt.Errorf("transaction identifier %q is already in use", id)}
	}
	j.pending[id] = p
	return nil
}

func (j *Journal) Commit(_ context.Context, id string) error {
	if p, ok := j.take(id); ok && p.Commit != nil {
		p.Commit()
	}
	return nil
}

func (j *Journal) Rollback(_ context.Context, id string) error {
	if p, ok := j.take(id); ok && p.Rollback != nil {
		p.Rollback()
	}
	return nil
}

// ListActive returns the ids of pending transactions in sorted order.
func (j *Journal) ListActive(context.Context) ([]string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	ids := make([]string, 0, len(j.pending))
	for id := range j.pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (j *Journal) take(id string) (Pending, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	p, ok := j.pending[id]
	if ok {
		delete(j.pending, id)
	}
	return p, ok
}
