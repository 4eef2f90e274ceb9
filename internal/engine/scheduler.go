package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"aegis/internal/domain"
	"aegis/internal/events"
	"aegis/internal/store"
)

// The scheduler is a single loop fed by a queue of execution ids. Every step
// status change enqueues its execution; the loop re-evaluates which steps are
// eligible and drives auto-executable ones through in_progress to completed.
// The queue replaces a recurse-on-timer pattern so the whole thing can be
// driven deterministically in tests (zero StepDelay plus Quiesce).

func (e *Engine) run() {
	for {
		select {
		case <-e.ctx.Done():
			// Shutdown: release whatever is still queued so a Quiesce issued
			// after Close returns instead of waiting on unserviced ids.
			for {
				select {
				case <-e.queue:
					e.wg.Done()
				default:
					return
				}
			}
		case id := <-e.queue:
			e.runAuto(id)
			e.wg.Done()
		}
	}
}

// enqueue schedules a re-evaluation of the execution's eligible steps. The
// closing flag is ordered against Close: a send that got past the flag lands
// in the queue before Close cancels the run loop, so the drain above sees it.
func (e *Engine) enqueue(executionID string) {
	e.closeMu.RLock()
	defer e.closeMu.RUnlock()
	if e.closing {
		return
	}
	e.wg.Add(1)
	e.queue <- executionID
}

// Quiesce blocks until the scheduler has no queued or in-flight work across
// all executions. Intended for tests and shutdown.
func (e *Engine) Quiesce() {
	e.wg.Wait()
}

// dependenciesSatisfied reports whether every dependency of the step is
// completed. A failed or skipped dependency keeps blocking the dependent;
// stalled executions are expected to be escalated, not silently unblocked.
func dependenciesSatisfied(x *domain.Execution, s *domain.Step) bool {
	for _, dep := range s.DependsOn {
		d := x.Step(dep)
		if d == nil || d.Status != domain.StepCompleted {
			return false
		}
	}
	return true
}

// AvailableSteps returns the steps that may begin now: pending, with every
// dependency completed. Auto-executable or not.
func (e *Engine) AvailableSteps(executionID string) ([]domain.Step, error) {
	exec, err := e.Store.Get(executionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("execution %s: %w", executionID, ErrNotFound)
		}
		return nil, err
	}
	var res []domain.Step
	for i := range exec.Steps {
		s := &exec.Steps[i]
		if s.Status == domain.StepPending && dependenciesSatisfied(&exec, s) {
			res = append(res, s.Clone())
		}
	}
	return res, nil
}

// runAuto starts every eligible auto-executable step and hands each one to a
// timer goroutine that completes it after the simulated action delay.
// Re-invoking with no newly eligible steps is a no-op.
func (e *Engine) runAuto(executionID string) {
	rctx, ok := e.Store.Context(executionID)
	if !ok {
		return
	}
	var started []domain.Step
	_, err := e.Store.Update(executionID, func(x *domain.Execution) error {
		if x.Status != domain.ExecutionActive && x.Status != domain.ExecutionEscalated {
			return nil
		}
		for i := range x.Steps {
			s := &x.Steps[i]
			if s.Status != domain.StepPending || !s.AutoExecutable {
				continue
			}
			if !dependenciesSatisfied(x, s) {
				continue
			}
			now := e.now()
			s.Status = domain.StepInProgress
			s.StartedAt = &now
			started = append(started, s.Clone())
		}
		return nil
	})
	if err != nil {
		return
	}
	for _, s := range started {
		e.appendEvent(context.Background(), "step.started", "step", s.ID, "scheduler", events.EventPayload{
			"execution_id": executionID,
			"auto":         true,
		})
		e.wg.Add(1)
		go e.completeAfterDelay(rctx, executionID, s)
	}
}

// completeAfterDelay waits out the simulated external action, then completes
// the step unless the execution was aborted in the meantime. Completion
// recomputes progress under the execution's lock and re-enqueues the
// execution, since finishing one step may unblock siblings.
func (e *Engine) completeAfterDelay(rctx context.Context, executionID string, s domain.Step) {
	defer e.wg.Done()
	if d := e.stepDelay(s); d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-rctx.Done():
			return
		case <-timer.C:
		}
	} else if rctx.Err() != nil {
		return
	}
	completed := false
	exec, err := e.Store.Update(executionID, func(x *domain.Execution) error {
		if x.Status == domain.ExecutionAborted || x.Status == domain.ExecutionCompleted {
			return nil
		}
		live := x.Step(s.ID)
		if live == nil || live.Status != domain.StepInProgress {
			return nil
		}
		now := e.now()
		live.Status = domain.StepCompleted
		live.CompletedAt = &now
		// Required verification stays pending until evidence arrives via an
		// explicit status update; only optional verification self-completes.
		if live.Verification != nil && !live.Verification.Required {
			live.Verification.Completed = true
		}
		completed = true
		e.recomputeProgress(x)
		return nil
	})
	if err != nil || !completed {
		return
	}
	e.appendEvent(context.Background(), "step.completed", "step", s.ID, "scheduler", events.EventPayload{
		"execution_id": executionID,
		"auto":         true,
	})
	if exec.Status == domain.ExecutionCompleted {
		e.appendEvent(context.Background(), "execution.completed", "execution", executionID, "scheduler", events.EventPayload{
			"alert_id": exec.AlertID,
		})
	}
	e.enqueue(executionID)
}
