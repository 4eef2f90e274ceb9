package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"aegis/internal/catalog"
	"aegis/internal/config"
	"aegis/internal/domain"
	"aegis/internal/events"
	"aegis/internal/repo"
	"aegis/internal/store"
)

var (
	// ErrNotFound covers unknown execution and step ids.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyActive means the alert already has an execution in flight.
	ErrAlreadyActive = errors.New("alert already has an active execution")
	// ErrInvalidTransition means the requested step status is not a legal
	// successor of the current one.
	ErrInvalidTransition = errors.New("invalid step status transition")
	// ErrExecutionClosed means the execution no longer accepts step updates.
	ErrExecutionClosed = errors.New("execution is closed")
	// ErrClearance means the operator's clearance is below the step's minimum.
	ErrClearance = errors.New("insufficient clearance")
	// ErrDependenciesNotMet means the step cannot begin because a dependency
	// has not completed.
	ErrDependenciesNotMet = errors.New("dependencies not completed")
)

// ClearanceFunc is the opaque authorization predicate: does this operator
// meet the given clearance level. Authorization itself lives outside the
// engine; a nil func allows everyone.
type ClearanceFunc func(operatorID string, level int) bool

// Engine drives executions of response protocols. Construct with New, then
// Close when done; each Engine owns its scheduler goroutine and its store, so
// multiple engines can coexist (one per test, for instance).
type Engine struct {
	Store   *store.Store
	Catalog catalog.Catalog
	Repo    repo.Repo
	Events  events.Writer
	Config  *config.Config
	Logger  *log.Logger

	// Now and StepDelay exist for tests: fake the clock, collapse the
	// simulated duration of auto-executed steps.
	Now       func() time.Time
	StepDelay func(step domain.Step) time.Duration
	Clearance ClearanceFunc

	queue   chan string
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	closed  sync.Once
	closeMu sync.RWMutex
	closing bool
}

// New builds an Engine and starts its scheduler loop.
func New(db *sql.DB, cfg *config.Config) *Engine {
	r := repo.Repo{DB: db}
	e := &Engine{
		Store:   store.New(),
		Catalog: catalog.Catalog{Repo: r},
		Repo:    r,
		Events:  events.Writer{DB: db},
		Config:  cfg,
		Now:     time.Now,
		queue:   make(chan string, 256),
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())
	go e.run()
	return e
}

// Close stops the scheduler and cancels all in-flight auto-execution timers.
func (e *Engine) Close() {
	e.closed.Do(func() {
		e.closeMu.Lock()
		e.closing = true
		e.closeMu.Unlock()
		e.cancel()
		e.Store.Close()
	})
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) stepDelay(s domain.Step) time.Duration {
	if e.StepDelay != nil {
		return e.StepDelay(s)
	}
	return e.Config.AutoStepDelay()
}

func (e *Engine) clearanceOK(operatorID string, level int) bool {
	if e.Clearance == nil {
		return true
	}
	return e.Clearance(operatorID, level)
}

func (e *Engine) logger() *log.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return log.Default()
}

func (e *Engine) siteID() string {
	if e.Config == nil {
		return ""
	}
	return e.Config.Site.ID
}

func (e *Engine) appendEvent(ctx context.Context, evtType, entityKind, entityID, actorID string, payload events.EventPayload) {
	if err := e.Events.Append(ctx, evtType, e.siteID(), entityKind, entityID, actorID, payload); err != nil {
		e.logger().Printf("event journal: append %s failed: %v", evtType, err)
	}
}

// SelectProtocol resolves the best-fit active protocol for an alert shape.
func (e *Engine) SelectProtocol(ctx context.Context, alertType, alertPriority string) (domain.Protocol, error) {
	return e.Catalog.Select(ctx, alertType, alertPriority)
}

// Initiate creates an execution for the alert: select a protocol, deep-copy
// its steps, register the execution, and seed auto-execution. Returns
// catalog.ErrNoProtocol when nothing applies (and performs no side effect),
// ErrAlreadyActive when the alert is already being handled.
func (e *Engine) Initiate(ctx context.Context, alert domain.Alert) (domain.Execution, error) {
	if alert.ID == "" {
		return domain.Execution{}, errors.New("alert id is required")
	}
	if alert.Type == "" {
		return domain.Execution{}, errors.New("alert type is required")
	}
	p, err := e.Catalog.Select(ctx, alert.Type, alert.Priority)
	if err != nil {
		return domain.Execution{}, err
	}
	exec := domain.Execution{
		ID:              uuid.New().String(),
		ProtocolID:      p.ID,
		AlertID:         alert.ID,
		Status:          domain.ExecutionActive,
		StartedAt:       e.now(),
		Steps:           p.CloneSteps(),
		EscalationLevel: 1,
	}
	// Uniqueness per alert is decided inside Create, under the store lock, so
	// racing Initiate calls for one alert admit exactly one execution.
	if err := e.Store.Create(exec); err != nil {
		if errors.Is(err, store.ErrAlertActive) {
			return domain.Execution{}, fmt.Errorf("%w: alert %s", ErrAlreadyActive, alert.ID)
		}
		return domain.Execution{}, err
	}
	e.appendEvent(ctx, "execution.initiated", "execution", exec.ID, alert.Source, events.EventPayload{
		"protocol_id":    p.ID,
		"alert_id":       alert.ID,
		"alert_type":     alert.Type,
		"alert_priority": alert.Priority,
		"steps":          len(exec.Steps),
	})
	e.enqueue(exec.ID)
	return exec, nil
}

// GetExecution returns a snapshot of one execution.
func (e *Engine) GetExecution(id string) (domain.Execution, error) {
	exec, err := e.Store.Get(id)
	if errors.Is(err, store.ErrNotFound) {
		return domain.Execution{}, fmt.Errorf("execution %s: %w", id, ErrNotFound)
	}
	return exec, err
}

// ListActive returns snapshots of all executions still active.
func (e *Engine) ListActive() []domain.Execution {
	return e.Store.ListActive()
}

// StepUpdateOptions carries a human-driven step status change.
type StepUpdateOptions struct {
	ExecutionID string
	StepID      string
	Status      domain.StepStatus
	Notes       string
	Evidence    string
	ActorID     string
}

func ensureStepTransition(from, to domain.StepStatus) error {
	switch from {
	case domain.StepPending:
		// Skipping a step that never started is the one allowed shortcut.
		if to == domain.StepInProgress || to == domain.StepSkipped {
			return nil
		}
	case domain.StepInProgress:
		if to == domain.StepCompleted || to == domain.StepFailed || to == domain.StepSkipped {
			return nil
		}
	case domain.StepCompleted:
		// Re-completing is allowed so evidence can arrive after the fact;
		// timestamps are already set and stay put.
		if to == domain.StepCompleted {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// UpdateStepStatus applies an operator's status change to one step, then
// recomputes progress and re-triggers auto-execution so downstream auto steps
// unblock promptly.
func (e *Engine) UpdateStepStatus(ctx context.Context, opts StepUpdateOptions) (domain.Execution, error) {
	if !opts.Status.Valid() {
		return domain.Execution{}, fmt.Errorf("unknown step status %q", opts.Status)
	}
	var from domain.StepStatus
	exec, err := e.Store.Update(opts.ExecutionID, func(x *domain.Execution) error {
		if x.Status == domain.ExecutionAborted || x.Status == domain.ExecutionCompleted {
			return fmt.Errorf("%w: execution %s is %s", ErrExecutionClosed, x.ID, x.Status)
		}
		s := x.Step(opts.StepID)
		if s == nil {
			return fmt.Errorf("step %s: %w", opts.StepID, ErrNotFound)
		}
		from = s.Status
		if err := ensureStepTransition(s.Status, opts.Status); err != nil {
			return err
		}
		if opts.Status == domain.StepInProgress && !dependenciesSatisfied(x, s) {
			return fmt.Errorf("%w: step %s", ErrDependenciesNotMet, s.ID)
		}
		if opts.ActorID != "" && !e.clearanceOK(opts.ActorID, s.MinClearance) {
			return fmt.Errorf("%w: step %s requires level %d", ErrClearance, s.ID, s.MinClearance)
		}
		now := e.now()
		s.Status = opts.Status
		switch opts.Status {
		case domain.StepInProgress:
			if s.StartedAt == nil {
				s.StartedAt = &now
			}
		case domain.StepCompleted, domain.StepSkipped:
			if s.CompletedAt == nil {
				s.CompletedAt = &now
			}
		}
		if opts.Status == domain.StepCompleted && s.Verification != nil {
			if opts.Evidence != "" {
				s.Verification.Evidence = opts.Evidence
				s.Verification.Completed = true
			} else if !s.Verification.Required {
				s.Verification.Completed = true
			}
		}
		if opts.Notes != "" {
			if s.Notes != "" {
				s.Notes += "\n"
			}
			s.Notes += opts.Notes
		}
		e.recomputeProgress(x)
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.Execution{}, fmt.Errorf("execution %s: %w", opts.ExecutionID, ErrNotFound)
		}
		return domain.Execution{}, err
	}
	e.appendEvent(ctx, "step.updated", "step", opts.StepID, opts.ActorID, events.EventPayload{
		"execution_id": opts.ExecutionID,
		"from_status":  from,
		"to_status":    opts.Status,
		"evidence":     opts.Evidence != "",
	})
	if exec.Status == domain.ExecutionCompleted {
		e.appendEvent(ctx, "execution.completed", "execution", exec.ID, opts.ActorID, events.EventPayload{
			"alert_id": exec.AlertID,
		})
	}
	e.enqueue(opts.ExecutionID)
	return exec, nil
}

// AssignOperator sets a step's assignee and records the operator on the
// execution's personnel set. Assigning the same operator twice is a no-op on
// the set.
func (e *Engine) AssignOperator(ctx context.Context, executionID, stepID, operatorID string) (domain.Execution, error) {
	if operatorID == "" {
		return domain.Execution{}, errors.New("operator id is required")
	}
	exec, err := e.Store.Update(executionID, func(x *domain.Execution) error {
		if x.Status == domain.ExecutionAborted || x.Status == domain.ExecutionCompleted {
			return fmt.Errorf("%w: execution %s is %s", ErrExecutionClosed, x.ID, x.Status)
		}
		s := x.Step(stepID)
		if s == nil {
			return fmt.Errorf("step %s: %w", stepID, ErrNotFound)
		}
		s.AssignedTo = operatorID
		x.AddPersonnel(operatorID)
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.Execution{}, fmt.Errorf("execution %s: %w", executionID, ErrNotFound)
		}
		return domain.Execution{}, err
	}
	e.appendEvent(ctx, "step.assigned", "step", stepID, operatorID, events.EventPayload{
		"execution_id": executionID,
		"operator_id":  operatorID,
	})
	return exec, nil
}

// Escalate bumps the escalation level and records the reason. Reaching the
// configured threshold moves the execution to escalated; the level keeps
// rising monotonically on further calls.
func (e *Engine) Escalate(ctx context.Context, executionID, reason, actorID string) (domain.Execution, error) {
	threshold := e.Config.EscalationThreshold()
	var escalatedNow bool
	exec, err := e.Store.Update(executionID, func(x *domain.Execution) error {
		if x.Status == domain.ExecutionAborted || x.Status == domain.ExecutionCompleted {
			return fmt.Errorf("%w: execution %s is %s", ErrExecutionClosed, x.ID, x.Status)
		}
		x.EscalationLevel++
		x.Notes = append(x.Notes, fmt.Sprintf("escalated to level %d: %s", x.EscalationLevel, reason))
		if x.EscalationLevel >= threshold && x.Status == domain.ExecutionActive {
			x.Status = domain.ExecutionEscalated
			if x.CompletedAt == nil {
				now := e.now()
				x.CompletedAt = &now
			}
			escalatedNow = true
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.Execution{}, fmt.Errorf("execution %s: %w", executionID, ErrNotFound)
		}
		return domain.Execution{}, err
	}
	e.appendEvent(ctx, "execution.escalated", "execution", executionID, actorID, events.EventPayload{
		"level":       exec.EscalationLevel,
		"reason":      reason,
		"status_flip": escalatedNow,
	})
	return exec, nil
}

// Abort terminates the execution unconditionally and cancels any in-flight
// auto-execution. Aborting is irreversible; later step updates are rejected.
func (e *Engine) Abort(ctx context.Context, executionID, reason, actorID string) (domain.Execution, error) {
	exec, err := e.Store.Update(executionID, func(x *domain.Execution) error {
		x.Status = domain.ExecutionAborted
		if x.CompletedAt == nil {
			now := e.now()
			x.CompletedAt = &now
		}
		x.Notes = append(x.Notes, fmt.Sprintf("aborted: %s", reason))
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.Execution{}, fmt.Errorf("execution %s: %w", executionID, ErrNotFound)
		}
		return domain.Execution{}, err
	}
	e.Store.CancelRuntime(executionID)
	e.appendEvent(ctx, "execution.aborted", "execution", executionID, actorID, events.EventPayload{
		"reason": reason,
	})
	return exec, nil
}

// recomputeProgress refreshes the completion percentage and flips an active
// execution to completed when every step is done. Runs under the execution's
// lock so readers never see the percentage out of step with step statuses.
func (e *Engine) recomputeProgress(x *domain.Execution) {
	if len(x.Steps) == 0 {
		x.CompletionPercentage = 0
		return
	}
	completed := 0
	for _, s := range x.Steps {
		if s.Status == domain.StepCompleted {
			completed++
		}
	}
	x.CompletionPercentage = 100 * float64(completed) / float64(len(x.Steps))
	if completed == len(x.Steps) && x.Status == domain.ExecutionActive {
		x.Status = domain.ExecutionCompleted
		if x.CompletedAt == nil {
			now := e.now()
			x.CompletedAt = &now
		}
	}
}
