// Package store holds live executions in memory. State here is intentionally
// volatile: executions do not survive a restart, only the event journal does.
package store

import (
	"context"
	"errors"
	"sort"
	"sync"

	"aegis/internal/domain"
)

var (
	ErrNotFound    = errors.New("execution not found")
	ErrDuplicate   = errors.New("execution already exists")
	ErrAlertActive = errors.New("alert already has an active execution")
)

// Store is the only shared mutable resource of the engine. Every mutation of
// an execution goes through Update, which serializes writers per execution id;
// reads hand out deep copies so callers never observe a half-applied change.
type Store struct {
	mu      sync.RWMutex
	byID    map[string]*entry
	byAlert map[string]string
}

type entry struct {
	mu     sync.Mutex
	exec   *domain.Execution
	ctx    context.Context
	cancel context.CancelFunc
}

func (e *entry) status() domain.ExecutionStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.exec.Status
}

func New() *Store {
	return &Store{
		byID:    make(map[string]*entry),
		byAlert: make(map[string]string),
	}
}

// Create registers a new execution and allocates its runtime context. The
// context is cancelled on Abort (or Close) so in-flight auto-execution timers
// die with the execution. One alert is handled by at most one live execution
// at a time: while a prior execution for the same alert is still active,
// Create fails with ErrAlertActive. The check and the registration happen
// under one lock, so concurrent Creates for the same alert admit exactly one.
func (s *Store) Create(exec domain.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[exec.ID]; ok {
		return ErrDuplicate
	}
	if prev, ok := s.byAlert[exec.AlertID]; ok {
		if p := s.byID[prev]; p != nil && p.status() == domain.ExecutionActive {
			return ErrAlertActive
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	clone := exec.Clone()
	s.byID[exec.ID] = &entry{exec: &clone, ctx: ctx, cancel: cancel}
	s.byAlert[exec.AlertID] = exec.ID
	return nil
}

func (s *Store) entryFor(id string) (*entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byID[id]
	return e, ok
}

// Get returns a snapshot of the execution.
func (s *Store) Get(id string) (domain.Execution, error) {
	e, ok := s.entryFor(id)
	if !ok {
		return domain.Execution{}, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.exec.Clone(), nil
}

// GetByAlert returns a snapshot of the execution handling the given alert.
func (s *Store) GetByAlert(alertID string) (domain.Execution, error) {
	s.mu.RLock()
	id, ok := s.byAlert[alertID]
	s.mu.RUnlock()
	if !ok {
		return domain.Execution{}, ErrNotFound
	}
	return s.Get(id)
}

// ListActive returns snapshots of all executions still in the active status,
// ordered by start time.
func (s *Store) ListActive() []domain.Execution {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.byID))
	for _, e := range s.byID {
		entries = append(entries, e)
	}
	s.mu.RUnlock()
	var res []domain.Execution
	for _, e := range entries {
		e.mu.Lock()
		if e.exec.Status == domain.ExecutionActive {
			res = append(res, e.exec.Clone())
		}
		e.mu.Unlock()
	}
	sort.Slice(res, func(i, j int) bool { return res[i].StartedAt.Before(res[j].StartedAt) })
	return res
}

// Update runs fn against the live execution under its lock and returns a
// snapshot of the result. fn sees the one true copy; returning an error
// abandons nothing (mutations made before the error still stand, callers
// treat fn as the whole transaction).
func (s *Store) Update(id string, fn func(*domain.Execution) error) (domain.Execution, error) {
	e, ok := s.entryFor(id)
	if !ok {
		return domain.Execution{}, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := fn(e.exec); err != nil {
		return e.exec.Clone(), err
	}
	return e.exec.Clone(), nil
}

// Context returns the runtime context for an execution. Timers tied to the
// execution select on it so abort cancels them.
func (s *Store) Context(id string) (context.Context, bool) {
	e, ok := s.entryFor(id)
	if !ok {
		return nil, false
	}
	return e.ctx, true
}

// CancelRuntime cancels the execution's runtime context.
func (s *Store) CancelRuntime(id string) {
	if e, ok := s.entryFor(id); ok {
		e.cancel()
	}
}

// Close cancels every execution's runtime context.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.byID {
		e.cancel()
	}
}
