package engine_test

import (
	"context"
	"errors"
	"math"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"aegis/internal/catalog"
	"aegis/internal/config"
	"aegis/internal/db"
	"aegis/internal/domain"
	"aegis/internal/engine"
	"aegis/internal/migrate"
)

type testEnv struct {
	Engine *engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("site-1")
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC) }
	eng.StepDelay = func(domain.Step) time.Duration { return 0 }
	ctx := context.Background()
	if _, err := eng.Catalog.Import(ctx, cfg); err != nil {
		t.Fatalf("seed catalog: %v", err)
	}
	t.Cleanup(func() {
		eng.Close()
		conn.Close()
	})
	return testEnv{Engine: eng, Ctx: ctx}
}

// drillProtocol is a small mixed graph: A runs itself, then B (manual) and C
// (auto) both wait on A.
func drillProtocol() domain.Protocol {
	return domain.Protocol{
		ID:        "drill-v1",
		Name:      "Drill",
		AlertType: "drill",
		Active:    true,
		Steps: []domain.Step{
			{ID: "a", Title: "A", Priority: "high", AutoExecutable: true, Status: domain.StepPending},
			{ID: "b", Title: "B", Priority: "high", DependsOn: []string{"a"}, Status: domain.StepPending},
			{ID: "c", Title: "C", Priority: "medium", AutoExecutable: true, DependsOn: []string{"a"}, Status: domain.StepPending},
		},
	}
}

func seedProtocol(t *testing.T, env testEnv, p domain.Protocol) {
	t.Helper()
	if err := env.Engine.Repo.UpsertProtocol(env.Ctx, p); err != nil {
		t.Fatalf("seed protocol %s: %v", p.ID, err)
	}
}

func initiateDrill(t *testing.T, env testEnv, alertID string) domain.Execution {
	t.Helper()
	exec, err := env.Engine.Initiate(env.Ctx, domain.Alert{ID: alertID, Type: "drill", Priority: "high", Source: "sensor-7"})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	return exec
}

func TestInitiateRunsAutoChain(t *testing.T) {
	env := newTestEnv(t)
	seedProtocol(t, env, drillProtocol())

	exec := initiateDrill(t, env, "alert-1")
	if exec.Status != domain.ExecutionActive {
		t.Fatalf("expected active, got %s", exec.Status)
	}
	if exec.EscalationLevel != 1 {
		t.Fatalf("expected escalation level 1, got %d", exec.EscalationLevel)
	}
	env.Engine.Quiesce()

	cur, err := env.Engine.GetExecution(exec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got := cur.Step("a").Status; got != domain.StepCompleted {
		t.Fatalf("step a: expected completed, got %s", got)
	}
	if got := cur.Step("c").Status; got != domain.StepCompleted {
		t.Fatalf("step c: expected completed after a unblocked it, got %s", got)
	}
	if got := cur.Step("b").Status; got != domain.StepPending {
		t.Fatalf("step b is manual, expected pending, got %s", got)
	}
	want := 100 * 2.0 / 3.0
	if math.Abs(cur.CompletionPercentage-want) > 1e-9 {
		t.Fatalf("progress: expected %.6f, got %.6f", want, cur.CompletionPercentage)
	}

	for _, status := range []domain.StepStatus{domain.StepInProgress, domain.StepCompleted} {
		if _, err := env.Engine.UpdateStepStatus(env.Ctx, engine.StepUpdateOptions{
			ExecutionID: exec.ID, StepID: "b", Status: status, ActorID: "op-1",
		}); err != nil {
			t.Fatalf("update b to %s: %v", status, err)
		}
	}
	env.Engine.Quiesce()

	cur, _ = env.Engine.GetExecution(exec.ID)
	if cur.Status != domain.ExecutionCompleted {
		t.Fatalf("expected completed, got %s", cur.Status)
	}
	if cur.CompletedAt == nil {
		t.Fatalf("expected completed_at to be set")
	}
	if cur.CompletionPercentage != 100 {
		t.Fatalf("expected 100%%, got %f", cur.CompletionPercentage)
	}
}

func TestSchedulerPassWithoutEligibleStepsIsNoOp(t *testing.T) {
	env := newTestEnv(t)
	seedProtocol(t, env, drillProtocol())

	exec := initiateDrill(t, env, "alert-1")
	env.Engine.Quiesce()

	before, err := env.Engine.GetExecution(exec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	// Re-completing a finished step schedules another pass; with nothing
	// newly eligible the execution must come out unchanged.
	if _, err := env.Engine.UpdateStepStatus(env.Ctx, engine.StepUpdateOptions{
		ExecutionID: exec.ID, StepID: "a", Status: domain.StepCompleted, ActorID: "op-1",
	}); err != nil {
		t.Fatalf("re-complete a: %v", err)
	}
	env.Engine.Quiesce()

	after, err := env.Engine.GetExecution(exec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !reflect.DeepEqual(before, after) {
		t.Fatalf("settled execution changed:\nbefore: %+v\nafter:  %+v", before, after)
	}
}

func TestInitiateWithoutProtocolHasNoSideEffect(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.Engine.Initiate(env.Ctx, domain.Alert{ID: "alert-1", Type: "alien_invasion", Priority: "critical"})
	if !errors.Is(err, catalog.ErrNoProtocol) {
		t.Fatalf("expected ErrNoProtocol, got %v", err)
	}
	if n := len(env.Engine.ListActive()); n != 0 {
		t.Fatalf("expected no executions, got %d", n)
	}
}

func TestInitiateDuplicateAlertRejected(t *testing.T) {
	env := newTestEnv(t)
	seedProtocol(t, env, drillProtocol())

	initiateDrill(t, env, "alert-1")
	_, err := env.Engine.Initiate(env.Ctx, domain.Alert{ID: "alert-1", Type: "drill", Priority: "high"})
	if !errors.Is(err, engine.ErrAlreadyActive) {
		t.Fatalf("expected ErrAlreadyActive, got %v", err)
	}
}

func TestConcurrentInitiateAdmitsOneExecution(t *testing.T) {
	env := newTestEnv(t)
	seedProtocol(t, env, drillProtocol())

	const n = 8
	start := make(chan struct{})
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = env.Engine.Initiate(env.Ctx, domain.Alert{ID: "alert-1", Type: "drill", Priority: "high", Source: "op-1"})
		}(i)
	}
	close(start)
	wg.Wait()

	winners := 0
	for _, err := range errs {
		switch {
		case err == nil:
			winners++
		case errors.Is(err, engine.ErrAlreadyActive):
		default:
			t.Fatalf("unexpected initiate error: %v", err)
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly one execution for the alert, got %d", winners)
	}
	env.Engine.Quiesce()
	if active := env.Engine.ListActive(); len(active) != 1 {
		t.Fatalf("expected 1 active execution, got %d", len(active))
	}
}

func TestProtocolSelectionFallsBackToType(t *testing.T) {
	env := newTestEnv(t)
	p := drillProtocol()
	p.AlertPriority = "critical"
	seedProtocol(t, env, p)

	// Exact priority match when available.
	got, err := env.Engine.SelectProtocol(env.Ctx, "drill", "critical")
	if err != nil || got.ID != "drill-v1" {
		t.Fatalf("exact match: %v %s", err, got.ID)
	}
	// Type-only fallback otherwise.
	got, err = env.Engine.SelectProtocol(env.Ctx, "drill", "low")
	if err != nil || got.ID != "drill-v1" {
		t.Fatalf("fallback: %v %s", err, got.ID)
	}

	// Inactive protocols never match.
	if err := env.Engine.Repo.SetProtocolActive(env.Ctx, "drill-v1", false); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if _, err := env.Engine.SelectProtocol(env.Ctx, "drill", "critical"); !errors.Is(err, catalog.ErrNoProtocol) {
		t.Fatalf("expected ErrNoProtocol for inactive, got %v", err)
	}
}

func TestStepTransitionRules(t *testing.T) {
	env := newTestEnv(t)
	seedProtocol(t, env, drillProtocol())
	exec := initiateDrill(t, env, "alert-1")
	env.Engine.Quiesce()

	// pending cannot jump straight to completed.
	_, err := env.Engine.UpdateStepStatus(env.Ctx, engine.StepUpdateOptions{
		ExecutionID: exec.ID, StepID: "b", Status: domain.StepCompleted, ActorID: "op-1",
	})
	if !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	// pending may be skipped directly.
	cur, err := env.Engine.UpdateStepStatus(env.Ctx, engine.StepUpdateOptions{
		ExecutionID: exec.ID, StepID: "b", Status: domain.StepSkipped, ActorID: "op-1",
	})
	if err != nil {
		t.Fatalf("skip: %v", err)
	}
	if cur.Step("b").CompletedAt == nil {
		t.Fatalf("skipped step should carry completed_at")
	}

	// skipped is a sink.
	_, err = env.Engine.UpdateStepStatus(env.Ctx, engine.StepUpdateOptions{
		ExecutionID: exec.ID, StepID: "b", Status: domain.StepInProgress, ActorID: "op-1",
	})
	if !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("expected sink to reject restart, got %v", err)
	}
}

func TestAvailableStepsUnknownExecution(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.AvailableSteps("ghost")
	if !errors.Is(err, engine.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if !strings.Contains(err.Error(), "ghost") {
		t.Fatalf("error should name the execution: %v", err)
	}
}

func TestManualStartBlockedByDependencies(t *testing.T) {
	env := newTestEnv(t)
	p := domain.Protocol{
		ID: "seq-v1", Name: "Sequential", AlertType: "seq", Active: true,
		Steps: []domain.Step{
			{ID: "first", Title: "First", Status: domain.StepPending},
			{ID: "second", Title: "Second", DependsOn: []string{"first"}, Status: domain.StepPending},
		},
	}
	seedProtocol(t, env, p)
	exec, err := env.Engine.Initiate(env.Ctx, domain.Alert{ID: "alert-1", Type: "seq"})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	env.Engine.Quiesce()

	_, err = env.Engine.UpdateStepStatus(env.Ctx, engine.StepUpdateOptions{
		ExecutionID: exec.ID, StepID: "second", Status: domain.StepInProgress, ActorID: "op-1",
	})
	if !errors.Is(err, engine.ErrDependenciesNotMet) {
		t.Fatalf("expected ErrDependenciesNotMet, got %v", err)
	}

	available, err := env.Engine.AvailableSteps(exec.ID)
	if err != nil {
		t.Fatalf("available: %v", err)
	}
	if len(available) != 1 || available[0].ID != "first" {
		t.Fatalf("expected only first to be available, got %v", available)
	}
}

func TestFailedDependencyKeepsBlocking(t *testing.T) {
	env := newTestEnv(t)
	p := domain.Protocol{
		ID: "gate-v1", Name: "Gate", AlertType: "gate", Active: true,
		Steps: []domain.Step{
			{ID: "gate", Title: "Gate", Status: domain.StepPending},
			{ID: "after", Title: "After", DependsOn: []string{"gate"}, Status: domain.StepPending},
		},
	}
	seedProtocol(t, env, p)
	exec, err := env.Engine.Initiate(env.Ctx, domain.Alert{ID: "alert-1", Type: "gate"})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	for _, status := range []domain.StepStatus{domain.StepInProgress, domain.StepFailed} {
		if _, err := env.Engine.UpdateStepStatus(env.Ctx, engine.StepUpdateOptions{
			ExecutionID: exec.ID, StepID: "gate", Status: status, ActorID: "op-1",
		}); err != nil {
			t.Fatalf("gate to %s: %v", status, err)
		}
	}
	env.Engine.Quiesce()

	available, _ := env.Engine.AvailableSteps(exec.ID)
	if len(available) != 0 {
		t.Fatalf("failed dependency should keep blocking, got %v", available)
	}
	_, err = env.Engine.UpdateStepStatus(env.Ctx, engine.StepUpdateOptions{
		ExecutionID: exec.ID, StepID: "after", Status: domain.StepInProgress, ActorID: "op-1",
	})
	if !errors.Is(err, engine.ErrDependenciesNotMet) {
		t.Fatalf("expected ErrDependenciesNotMet, got %v", err)
	}
}

func TestProgressFraction(t *testing.T) {
	env := newTestEnv(t)
	p := domain.Protocol{ID: "wide-v1", Name: "Wide", AlertType: "wide", Active: true}
	for _, id := range []string{"s1", "s2", "s3", "s4", "s5", "s6", "s7"} {
		p.Steps = append(p.Steps, domain.Step{ID: id, Title: id, Status: domain.StepPending})
	}
	seedProtocol(t, env, p)
	exec, err := env.Engine.Initiate(env.Ctx, domain.Alert{ID: "alert-1", Type: "wide"})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	var cur domain.Execution
	for _, id := range []string{"s1", "s2", "s3"} {
		for _, status := range []domain.StepStatus{domain.StepInProgress, domain.StepCompleted} {
			cur, err = env.Engine.UpdateStepStatus(env.Ctx, engine.StepUpdateOptions{
				ExecutionID: exec.ID, StepID: id, Status: status, ActorID: "op-1",
			})
			if err != nil {
				t.Fatalf("%s to %s: %v", id, status, err)
			}
		}
	}
	want := 100 * 3.0 / 7.0
	if math.Abs(cur.CompletionPercentage-want) > 1e-9 {
		t.Fatalf("expected %.6f, got %.6f", want, cur.CompletionPercentage)
	}
	// Skipped steps do not count toward completion.
	cur, err = env.Engine.UpdateStepStatus(env.Ctx, engine.StepUpdateOptions{
		ExecutionID: exec.ID, StepID: "s4", Status: domain.StepSkipped, ActorID: "op-1",
	})
	if err != nil {
		t.Fatalf("skip s4: %v", err)
	}
	if math.Abs(cur.CompletionPercentage-want) > 1e-9 {
		t.Fatalf("skipped step changed progress: got %.6f", cur.CompletionPercentage)
	}
}

func TestEscalationThreshold(t *testing.T) {
	env := newTestEnv(t)
	seedProtocol(t, env, drillProtocol())
	exec := initiateDrill(t, env, "alert-1")

	cur, err := env.Engine.Escalate(env.Ctx, exec.ID, "no response from guards", "op-1")
	if err != nil {
		t.Fatalf("escalate: %v", err)
	}
	if cur.EscalationLevel != 2 || cur.Status != domain.ExecutionActive {
		t.Fatalf("after first escalate: level=%d status=%s", cur.EscalationLevel, cur.Status)
	}

	cur, err = env.Engine.Escalate(env.Ctx, exec.ID, "still no response", "op-1")
	if err != nil {
		t.Fatalf("escalate: %v", err)
	}
	if cur.EscalationLevel != 3 || cur.Status != domain.ExecutionEscalated {
		t.Fatalf("threshold should flip status: level=%d status=%s", cur.EscalationLevel, cur.Status)
	}
	if cur.CompletedAt == nil {
		t.Fatalf("escalated execution should carry completed_at")
	}

	// Level keeps rising; status stays escalated.
	cur, err = env.Engine.Escalate(env.Ctx, exec.ID, "calling regional", "op-1")
	if err != nil {
		t.Fatalf("escalate past threshold: %v", err)
	}
	if cur.EscalationLevel != 4 || cur.Status != domain.ExecutionEscalated {
		t.Fatalf("after fourth level: level=%d status=%s", cur.EscalationLevel, cur.Status)
	}
	if len(cur.Notes) != 3 {
		t.Fatalf("expected 3 escalation notes, got %d", len(cur.Notes))
	}
}

func TestEscalatedExecutionStillAcceptsStepWork(t *testing.T) {
	env := newTestEnv(t)
	seedProtocol(t, env, drillProtocol())
	exec := initiateDrill(t, env, "alert-1")
	env.Engine.Quiesce()
	for i := 0; i < 2; i++ {
		if _, err := env.Engine.Escalate(env.Ctx, exec.ID, "unresponsive", "op-1"); err != nil {
			t.Fatalf("escalate: %v", err)
		}
	}

	for _, status := range []domain.StepStatus{domain.StepInProgress, domain.StepCompleted} {
		if _, err := env.Engine.UpdateStepStatus(env.Ctx, engine.StepUpdateOptions{
			ExecutionID: exec.ID, StepID: "b", Status: status, ActorID: "op-1",
		}); err != nil {
			t.Fatalf("update escalated execution: %v", err)
		}
	}
	cur, _ := env.Engine.GetExecution(exec.ID)
	// Full completion does not override the escalated outcome.
	if cur.Status != domain.ExecutionEscalated {
		t.Fatalf("expected escalated, got %s", cur.Status)
	}
	if cur.CompletionPercentage != 100 {
		t.Fatalf("expected 100%%, got %f", cur.CompletionPercentage)
	}
}

func TestAbortIsTerminal(t *testing.T) {
	env := newTestEnv(t)
	seedProtocol(t, env, drillProtocol())
	// Auto steps take an hour; abort must cancel them instead of waiting.
	env.Engine.StepDelay = func(domain.Step) time.Duration { return time.Hour }
	exec := initiateDrill(t, env, "alert-1")

	cur, err := env.Engine.Abort(env.Ctx, exec.ID, "false alarm", "op-1")
	if err != nil {
		t.Fatalf("abort: %v", err)
	}
	if cur.Status != domain.ExecutionAborted || cur.CompletedAt == nil {
		t.Fatalf("abort: status=%s completed_at=%v", cur.Status, cur.CompletedAt)
	}
	env.Engine.Quiesce()

	_, err = env.Engine.UpdateStepStatus(env.Ctx, engine.StepUpdateOptions{
		ExecutionID: exec.ID, StepID: "b", Status: domain.StepInProgress, ActorID: "op-1",
	})
	if !errors.Is(err, engine.ErrExecutionClosed) {
		t.Fatalf("expected ErrExecutionClosed, got %v", err)
	}
	if _, err := env.Engine.Escalate(env.Ctx, exec.ID, "too late", "op-1"); !errors.Is(err, engine.ErrExecutionClosed) {
		t.Fatalf("expected ErrExecutionClosed on escalate, got %v", err)
	}
	cur, _ = env.Engine.GetExecution(exec.ID)
	if cur.Status != domain.ExecutionAborted {
		t.Fatalf("aborted execution changed status to %s", cur.Status)
	}
}

func TestQuiesceAfterCloseReturns(t *testing.T) {
	env := newTestEnv(t)
	seedProtocol(t, env, drillProtocol())
	env.Engine.StepDelay = func(domain.Step) time.Duration { return time.Hour }
	initiateDrill(t, env, "alert-1")
	env.Engine.Close()

	done := make(chan struct{})
	go func() {
		env.Engine.Quiesce()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("quiesce hung after close")
	}
}

func TestEvidenceCompletesVerification(t *testing.T) {
	env := newTestEnv(t)
	p := domain.Protocol{
		ID: "sig-v1", Name: "Signed", AlertType: "sig", Active: true,
		Steps: []domain.Step{
			{
				ID: "sign-off", Title: "Sign off", Status: domain.StepPending,
				Verification: &domain.Verification{Required: true, Method: domain.VerifySignature},
			},
			{ID: "debrief", Title: "Debrief", Status: domain.StepPending},
		},
	}
	seedProtocol(t, env, p)
	exec, err := env.Engine.Initiate(env.Ctx, domain.Alert{ID: "alert-1", Type: "sig"})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if _, err := env.Engine.UpdateStepStatus(env.Ctx, engine.StepUpdateOptions{
		ExecutionID: exec.ID, StepID: "sign-off", Status: domain.StepInProgress, ActorID: "op-1",
	}); err != nil {
		t.Fatalf("start: %v", err)
	}

	// Completed without evidence: the step completes but verification stays
	// open and the report flags it.
	cur, err := env.Engine.UpdateStepStatus(env.Ctx, engine.StepUpdateOptions{
		ExecutionID: exec.ID, StepID: "sign-off", Status: domain.StepCompleted, ActorID: "op-1",
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if cur.Step("sign-off").Verification.Completed {
		t.Fatalf("verification should require evidence")
	}
	report, err := env.Engine.Report(env.Ctx, exec.ID)
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if report.Factors.VerificationSatisfied || report.Factors.ProperDocumentation {
		t.Fatalf("unverified signature should fail compliance: %+v", report.Factors)
	}

	// Evidence may arrive after the fact via re-completion.
	cur, err = env.Engine.UpdateStepStatus(env.Ctx, engine.StepUpdateOptions{
		ExecutionID: exec.ID, StepID: "sign-off", Status: domain.StepCompleted,
		Evidence: "s3://evidence/sign-off.pdf", ActorID: "op-1",
	})
	if err != nil {
		t.Fatalf("re-complete with evidence: %v", err)
	}
	v := cur.Step("sign-off").Verification
	if !v.Completed || v.Evidence == "" {
		t.Fatalf("evidence should complete verification: %+v", v)
	}
	report, _ = env.Engine.Report(env.Ctx, exec.ID)
	if !report.Factors.VerificationSatisfied || !report.Factors.ProperDocumentation {
		t.Fatalf("expected compliance factors to pass: %+v", report.Factors)
	}
}

func TestClearanceEnforced(t *testing.T) {
	env := newTestEnv(t)
	p := domain.Protocol{
		ID: "clr-v1", Name: "Cleared", AlertType: "clr", Active: true,
		Steps: []domain.Step{{ID: "vault", Title: "Open vault", MinClearance: 3, Status: domain.StepPending}},
	}
	seedProtocol(t, env, p)
	env.Engine.Clearance = func(operatorID string, level int) bool {
		return operatorID == "chief" || level <= 1
	}
	exec, err := env.Engine.Initiate(env.Ctx, domain.Alert{ID: "alert-1", Type: "clr"})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}

	_, err = env.Engine.UpdateStepStatus(env.Ctx, engine.StepUpdateOptions{
		ExecutionID: exec.ID, StepID: "vault", Status: domain.StepInProgress, ActorID: "guard",
	})
	if !errors.Is(err, engine.ErrClearance) {
		t.Fatalf("expected ErrClearance, got %v", err)
	}
	if _, err := env.Engine.UpdateStepStatus(env.Ctx, engine.StepUpdateOptions{
		ExecutionID: exec.ID, StepID: "vault", Status: domain.StepInProgress, ActorID: "chief",
	}); err != nil {
		t.Fatalf("chief should pass: %v", err)
	}
}

func TestAssignOperator(t *testing.T) {
	env := newTestEnv(t)
	seedProtocol(t, env, drillProtocol())
	exec := initiateDrill(t, env, "alert-1")

	cur, err := env.Engine.AssignOperator(env.Ctx, exec.ID, "b", "op-9")
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if cur.Step("b").AssignedTo != "op-9" {
		t.Fatalf("expected assignment, got %q", cur.Step("b").AssignedTo)
	}
	cur, err = env.Engine.AssignOperator(env.Ctx, exec.ID, "b", "op-9")
	if err != nil {
		t.Fatalf("re-assign: %v", err)
	}
	if len(cur.Personnel) != 1 {
		t.Fatalf("personnel set should dedupe, got %v", cur.Personnel)
	}
	if _, err := env.Engine.AssignOperator(env.Ctx, exec.ID, "nope", "op-9"); !errors.Is(err, engine.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown step, got %v", err)
	}
}

func TestSnapshotsAreIsolated(t *testing.T) {
	env := newTestEnv(t)
	seedProtocol(t, env, drillProtocol())
	exec := initiateDrill(t, env, "alert-1")
	env.Engine.Quiesce()

	snap, _ := env.Engine.GetExecution(exec.ID)
	snap.Steps[0].Status = domain.StepFailed
	snap.Steps[0].Notes = "tampered"
	snap.Personnel = append(snap.Personnel, "ghost")

	cur, _ := env.Engine.GetExecution(exec.ID)
	if cur.Step("a").Status == domain.StepFailed || cur.Step("a").Notes == "tampered" {
		t.Fatalf("mutating a snapshot leaked into the store")
	}
	if len(cur.Personnel) != 0 {
		t.Fatalf("personnel leaked: %v", cur.Personnel)
	}

	// The protocol template is equally untouched by runs against it.
	p, err := env.Engine.Catalog.Get(env.Ctx, "drill-v1")
	if err != nil {
		t.Fatalf("get protocol: %v", err)
	}
	for _, s := range p.Steps {
		if s.Status != domain.StepPending {
			t.Fatalf("template step %s mutated to %s", s.ID, s.Status)
		}
	}
}

func TestListActiveOrdersByStart(t *testing.T) {
	env := newTestEnv(t)
	seedProtocol(t, env, drillProtocol())

	// The scheduler reads the clock concurrently, so guard the counter.
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	tick := 0
	env.Engine.Now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	first := initiateDrill(t, env, "alert-1")
	second := initiateDrill(t, env, "alert-2")

	active := env.Engine.ListActive()
	if len(active) != 2 {
		t.Fatalf("expected 2 active, got %d", len(active))
	}
	if active[0].ID != first.ID || active[1].ID != second.ID {
		t.Fatalf("expected start-time order, got %s then %s", active[0].ID, active[1].ID)
	}

	if _, err := env.Engine.Abort(env.Ctx, first.ID, "drill over", "op-1"); err != nil {
		t.Fatalf("abort: %v", err)
	}
	active = env.Engine.ListActive()
	if len(active) != 1 || active[0].ID != second.ID {
		t.Fatalf("aborted execution should leave the active list")
	}
}

func TestJournalRecordsLifecycle(t *testing.T) {
	env := newTestEnv(t)
	seedProtocol(t, env, drillProtocol())
	exec := initiateDrill(t, env, "alert-1")
	env.Engine.Quiesce()
	if _, err := env.Engine.Abort(env.Ctx, exec.ID, "drill over", "op-1"); err != nil {
		t.Fatalf("abort: %v", err)
	}

	events, err := env.Engine.Repo.LatestEvents(env.Ctx, 50, "site-1", "", "", "")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	seen := map[string]bool{}
	for _, evt := range events {
		seen[evt.Type] = true
	}
	for _, want := range []string{"execution.initiated", "step.started", "step.completed", "execution.aborted"} {
		if !seen[want] {
			t.Fatalf("journal missing %s (have %v)", want, seen)
		}
	}
}
