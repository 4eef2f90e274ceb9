package engine

import (
	"context"
	"errors"
	"fmt"

	"aegis/internal/domain"
	"aegis/internal/repo"
	"aegis/internal/store"
)

// Report derives an audit snapshot of the execution: identifiers, timing,
// personnel, escalation, the four compliance factors, and per-step summaries.
// Works on in-flight executions as well as finished ones.
func (e *Engine) Report(ctx context.Context, executionID string) (domain.ComplianceReport, error) {
	exec, err := e.Store.Get(executionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.ComplianceReport{}, fmt.Errorf("execution %s: %w", executionID, ErrNotFound)
		}
		return domain.ComplianceReport{}, err
	}
	p, err := e.Repo.GetProtocol(ctx, exec.ProtocolID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.ComplianceReport{}, fmt.Errorf("protocol %s: %w", exec.ProtocolID, ErrNotFound)
		}
		return domain.ComplianceReport{}, err
	}

	report := domain.ComplianceReport{
		ExecutionID:          exec.ID,
		ProtocolID:           p.ID,
		ProtocolName:         p.Name,
		AlertID:              exec.AlertID,
		Status:               exec.Status,
		StartedAt:            exec.StartedAt,
		CompletedAt:          exec.CompletedAt,
		CompletionPercentage: exec.CompletionPercentage,
		Personnel:            exec.Personnel,
		EscalationLevel:      exec.EscalationLevel,
		GeneratedAt:          e.now(),
	}
	if exec.CompletedAt != nil {
		d := exec.CompletedAt.Sub(exec.StartedAt)
		report.Duration = &d
	}
	report.Factors = complianceFactors(exec.Steps)
	for _, s := range exec.Steps {
		summary := domain.StepSummary{
			ID:          s.ID,
			Title:       s.Title,
			Status:      s.Status,
			AssignedTo:  s.AssignedTo,
			StartedAt:   s.StartedAt,
			CompletedAt: s.CompletedAt,
			Notes:       s.Notes,
		}
		if s.Verification != nil {
			summary.VerificationCompleted = s.Verification.Completed
		}
		report.Steps = append(report.Steps, summary)
	}
	return report, nil
}

func complianceFactors(steps []domain.Step) domain.ComplianceFactors {
	f := domain.ComplianceFactors{
		AllStepsCompleted:     true,
		VerificationSatisfied: true,
		TimelyExecution:       true,
		ProperDocumentation:   true,
	}
	for _, s := range steps {
		if s.Status != domain.StepCompleted {
			f.AllStepsCompleted = false
		}
		if s.Verification != nil {
			if s.Verification.Required && !s.Verification.Completed {
				f.VerificationSatisfied = false
			}
			if s.Verification.Method == domain.VerifySignature && !s.Verification.Completed {
				f.ProperDocumentation = false
			}
		}
		// A completed step counts as timely only when it beat its estimate;
		// steps without timestamps or an estimate don't weigh in.
		if s.Status == domain.StepCompleted &&
			s.StartedAt != nil && s.CompletedAt != nil && s.EstimatedDuration > 0 {
			if s.CompletedAt.Sub(*s.StartedAt) > s.EstimatedDuration {
				f.TimelyExecution = false
			}
		}
	}
	return f
}
