package engine_test

import (
	"errors"
	"testing"
	"time"

	"aegis/internal/domain"
	"aegis/internal/engine"
)

func timedProtocol() domain.Protocol {
	return domain.Protocol{
		ID: "timed-v1", Name: "Timed Response", AlertType: "timed", Active: true,
		Steps: []domain.Step{
			{ID: "fast", Title: "Fast", EstimatedDuration: 10 * time.Minute, Status: domain.StepPending},
			{ID: "slow", Title: "Slow", EstimatedDuration: 5 * time.Minute, Status: domain.StepPending},
		},
	}
}

func TestReportTimelyExecution(t *testing.T) {
	env := newTestEnv(t)
	seedProtocol(t, env, timedProtocol())

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	env.Engine.Now = func() time.Time { return now }

	exec, err := env.Engine.Initiate(env.Ctx, domain.Alert{ID: "alert-1", Type: "timed"})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}

	// fast: 8 minutes against a 10 minute estimate.
	if _, err := env.Engine.UpdateStepStatus(env.Ctx, engine.StepUpdateOptions{
		ExecutionID: exec.ID, StepID: "fast", Status: domain.StepInProgress, ActorID: "op-1",
	}); err != nil {
		t.Fatalf("start fast: %v", err)
	}
	now = now.Add(8 * time.Minute)
	if _, err := env.Engine.UpdateStepStatus(env.Ctx, engine.StepUpdateOptions{
		ExecutionID: exec.ID, StepID: "fast", Status: domain.StepCompleted, ActorID: "op-1",
	}); err != nil {
		t.Fatalf("complete fast: %v", err)
	}

	report, err := env.Engine.Report(env.Ctx, exec.ID)
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if !report.Factors.TimelyExecution {
		t.Fatalf("within estimate should stay timely")
	}
	if report.Factors.AllStepsCompleted {
		t.Fatalf("slow is still pending")
	}

	// slow: 20 minutes against a 5 minute estimate.
	if _, err := env.Engine.UpdateStepStatus(env.Ctx, engine.StepUpdateOptions{
		ExecutionID: exec.ID, StepID: "slow", Status: domain.StepInProgress, ActorID: "op-1",
	}); err != nil {
		t.Fatalf("start slow: %v", err)
	}
	now = now.Add(20 * time.Minute)
	if _, err := env.Engine.UpdateStepStatus(env.Ctx, engine.StepUpdateOptions{
		ExecutionID: exec.ID, StepID: "slow", Status: domain.StepCompleted, ActorID: "op-1",
	}); err != nil {
		t.Fatalf("complete slow: %v", err)
	}

	report, err = env.Engine.Report(env.Ctx, exec.ID)
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if report.Factors.TimelyExecution {
		t.Fatalf("overrunning the estimate should fail the timely factor")
	}
	if !report.Factors.AllStepsCompleted {
		t.Fatalf("expected all steps completed")
	}
}

func TestReportSnapshotFields(t *testing.T) {
	env := newTestEnv(t)
	seedProtocol(t, env, timedProtocol())

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	env.Engine.Now = func() time.Time { return now }
	exec, err := env.Engine.Initiate(env.Ctx, domain.Alert{ID: "alert-1", Type: "timed"})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if _, err := env.Engine.AssignOperator(env.Ctx, exec.ID, "fast", "op-7"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	now = now.Add(15 * time.Minute)
	if _, err := env.Engine.Abort(env.Ctx, exec.ID, "handled offline", "op-7"); err != nil {
		t.Fatalf("abort: %v", err)
	}

	report, err := env.Engine.Report(env.Ctx, exec.ID)
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if report.ExecutionID != exec.ID || report.AlertID != "alert-1" {
		t.Fatalf("identifiers: %+v", report)
	}
	if report.ProtocolID != "timed-v1" || report.ProtocolName != "Timed Response" {
		t.Fatalf("protocol fields: %s %s", report.ProtocolID, report.ProtocolName)
	}
	if report.Status != domain.ExecutionAborted {
		t.Fatalf("expected aborted, got %s", report.Status)
	}
	if report.Duration == nil || *report.Duration != 15*time.Minute {
		t.Fatalf("expected 15m duration, got %v", report.Duration)
	}
	if len(report.Personnel) != 1 || report.Personnel[0] != "op-7" {
		t.Fatalf("personnel: %v", report.Personnel)
	}
	if len(report.Steps) != 2 {
		t.Fatalf("expected 2 step summaries, got %d", len(report.Steps))
	}
	if report.Steps[0].AssignedTo != "op-7" {
		t.Fatalf("summary assignment: %+v", report.Steps[0])
	}
	if report.GeneratedAt != now {
		t.Fatalf("generated_at should use the engine clock")
	}
}

func TestReportUnknownExecution(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.Report(env.Ctx, "missing"); !errors.Is(err, engine.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
