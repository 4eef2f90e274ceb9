package domain

import "time"

// Alert is the triggering event handed to the engine by the detection
// pipeline. The engine reads it once at initiation and never mutates it.
type Alert struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Priority string `json:"priority" enum:"critical,high,medium,low"`
	Location string `json:"location,omitempty"`
	Source   string `json:"source,omitempty"`
	RaisedAt string `json:"raised_at,omitempty" format:"date-time"`
}

// StepStatus is the closed set of step states. pending is the only legal
// start state; completed, failed and skipped are sinks.
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in_progress"
	StepCompleted  StepStatus = "completed"
	StepFailed     StepStatus = "failed"
	StepSkipped    StepStatus = "skipped"
)

// Terminal reports whether the status is a sink.
func (s StepStatus) Terminal() bool {
	return s == StepCompleted || s == StepFailed || s == StepSkipped
}

// Valid reports whether s names a known step status.
func (s StepStatus) Valid() bool {
	switch s {
	case StepPending, StepInProgress, StepCompleted, StepFailed, StepSkipped:
		return true
	}
	return false
}

// ExecutionStatus is the closed set of execution states. active is the start
// state; the other three are terminal.
type ExecutionStatus string

const (
	ExecutionActive    ExecutionStatus = "active"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionEscalated ExecutionStatus = "escalated"
	ExecutionAborted   ExecutionStatus = "aborted"
)

// Terminal reports whether the execution has left the active state.
func (s ExecutionStatus) Terminal() bool {
	return s != ExecutionActive
}

// VerificationMethod is the evidentiary channel a step verification uses.
type VerificationMethod string

const (
	VerifyPhoto     VerificationMethod = "photo"
	VerifySignature VerificationMethod = "signature"
	VerifyWitness   VerificationMethod = "witness"
	VerifySensor    VerificationMethod = "sensor"
)

// Valid reports whether m names a known verification method.
func (m VerificationMethod) Valid() bool {
	switch m {
	case VerifyPhoto, VerifySignature, VerifyWitness, VerifySensor:
		return true
	}
	return false
}

// Verification is the evidentiary contract attached to a step. When Required,
// Completed flips true only when evidence arrives alongside a completed
// transition.
type Verification struct {
	Required  bool               `json:"required"`
	Method    VerificationMethod `json:"method" enum:"photo,signature,witness,sensor"`
	Completed bool               `json:"completed"`
	Evidence  string             `json:"evidence,omitempty"`
}

// Step is one unit of work. As part of a Protocol it is a template; inside an
// Execution it is a live, independently mutable copy.
type Step struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`

	EstimatedDuration time.Duration `json:"estimated_duration,omitempty"`
	Priority          string        `json:"priority" enum:"critical,high,medium,low"`
	MinClearance      int           `json:"min_clearance"`
	AutoExecutable    bool          `json:"auto_executable"`
	DependsOn         []string      `json:"depends_on,omitempty"`

	Status       StepStatus    `json:"status" enum:"pending,in_progress,completed,failed,skipped"`
	AssignedTo   string        `json:"assigned_to,omitempty"`
	StartedAt    *time.Time    `json:"started_at,omitempty" format:"date-time"`
	CompletedAt  *time.Time    `json:"completed_at,omitempty" format:"date-time"`
	Notes        string        `json:"notes,omitempty"`
	Verification *Verification `json:"verification,omitempty"`
}

// Clone returns an independent copy of the step. Mutating the clone never
// touches the original's dependency slice or verification contract.
func (s Step) Clone() Step {
	out := s
	if len(s.DependsOn) > 0 {
		out.DependsOn = append([]string(nil), s.DependsOn...)
	}
	if s.StartedAt != nil {
		t := *s.StartedAt
		out.StartedAt = &t
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		out.CompletedAt = &t
	}
	if s.Verification != nil {
		v := *s.Verification
		out.Verification = &v
	}
	return out
}

// Compliance is the audit metadata attached to a protocol.
type Compliance struct {
	Industries    []string `json:"industries,omitempty"`
	Regulations   []string `json:"regulations,omitempty"`
	AuditRequired bool     `json:"audit_required"`
}

// Protocol is a response template: the steps to run when an alert of the
// targeted type (and ideally priority) fires.
type Protocol struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	AlertType     string     `json:"alert_type"`
	AlertPriority string     `json:"alert_priority" enum:"critical,high,medium,low"`
	Active        bool       `json:"active"`
	Steps         []Step     `json:"steps"`
	Compliance    Compliance `json:"compliance"`
	CreatedAt     string     `json:"created_at,omitempty" format:"date-time"`
	UpdatedAt     string     `json:"updated_at,omitempty" format:"date-time"`
}

// CloneSteps returns deep copies of the protocol's step templates in pending
// state, ready to seed a new execution.
func (p Protocol) CloneSteps() []Step {
	steps := make([]Step, 0, len(p.Steps))
	for _, s := range p.Steps {
		c := s.Clone()
		c.Status = StepPending
		steps = append(steps, c)
	}
	return steps
}

// Step returns the protocol step template with the given id.
func (p Protocol) Step(id string) (Step, bool) {
	for _, s := range p.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return Step{}, false
}

// Execution is one live instantiation of a protocol against one alert.
type Execution struct {
	ID         string `json:"id"`
	ProtocolID string `json:"protocol_id"`
	AlertID    string `json:"alert_id"`

	Status      ExecutionStatus `json:"status" enum:"active,completed,escalated,aborted"`
	StartedAt   time.Time       `json:"started_at" format:"date-time"`
	CompletedAt *time.Time      `json:"completed_at,omitempty" format:"date-time"`

	Steps []Step `json:"steps"`

	Personnel            []string `json:"personnel,omitempty"`
	EscalationLevel      int      `json:"escalation_level"`
	Notes                []string `json:"notes,omitempty"`
	CompletionPercentage float64  `json:"completion_percentage"`
}

// Clone returns an independent deep copy of the execution.
func (e Execution) Clone() Execution {
	out := e
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		out.CompletedAt = &t
	}
	out.Steps = make([]Step, 0, len(e.Steps))
	for _, s := range e.Steps {
		out.Steps = append(out.Steps, s.Clone())
	}
	if len(e.Personnel) > 0 {
		out.Personnel = append([]string(nil), e.Personnel...)
	}
	if len(e.Notes) > 0 {
		out.Notes = append([]string(nil), e.Notes...)
	}
	return out
}

// Step returns a pointer to the live step with the given id, or nil.
func (e *Execution) Step(id string) *Step {
	for i := range e.Steps {
		if e.Steps[i].ID == id {
			return &e.Steps[i]
		}
	}
	return nil
}

// AddPersonnel records an operator on the execution. Adding the same operator
// twice is a no-op.
func (e *Execution) AddPersonnel(operatorID string) {
	for _, p := range e.Personnel {
		if p == operatorID {
			return
		}
	}
	e.Personnel = append(e.Personnel, operatorID)
}

// StepSummary is the per-step slice of a compliance report.
type StepSummary struct {
	ID                    string     `json:"id"`
	Title                 string     `json:"title"`
	Status                StepStatus `json:"status" enum:"pending,in_progress,completed,failed,skipped"`
	AssignedTo            string     `json:"assigned_to,omitempty"`
	StartedAt             *time.Time `json:"started_at,omitempty" format:"date-time"`
	CompletedAt           *time.Time `json:"completed_at,omitempty" format:"date-time"`
	VerificationCompleted bool       `json:"verification_completed"`
	Notes                 string     `json:"notes,omitempty"`
}

// ComplianceFactors are the boolean findings of a compliance report.
type ComplianceFactors struct {
	// AllStepsCompleted: every step reached completed.
	AllStepsCompleted bool `json:"all_steps_completed"`
	// VerificationSatisfied: every step requiring verification has it completed.
	VerificationSatisfied bool `json:"verification_satisfied"`
	// TimelyExecution: completed steps finished within their estimates.
	TimelyExecution bool `json:"timely_execution"`
	// ProperDocumentation: all signature-method verifications are completed.
	ProperDocumentation bool `json:"proper_documentation"`
}

// ComplianceReport is a point-in-time audit snapshot of an execution.
type ComplianceReport struct {
	ExecutionID          string            `json:"execution_id"`
	ProtocolID           string            `json:"protocol_id"`
	ProtocolName         string            `json:"protocol_name"`
	AlertID              string            `json:"alert_id"`
	Status               ExecutionStatus   `json:"status" enum:"active,completed,escalated,aborted"`
	StartedAt            time.Time         `json:"started_at" format:"date-time"`
	CompletedAt          *time.Time        `json:"completed_at,omitempty" format:"date-time"`
	Duration             *time.Duration    `json:"duration,omitempty"`
	CompletionPercentage float64           `json:"completion_percentage"`
	Personnel            []string          `json:"personnel,omitempty"`
	EscalationLevel      int               `json:"escalation_level"`
	Factors              ComplianceFactors `json:"factors"`
	Steps                []StepSummary     `json:"steps"`
	GeneratedAt          time.Time         `json:"generated_at" format:"date-time"`
}

// Event is one row of the audit journal.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	SiteID     string `json:"site_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// APIKey identifies a caller of the HTTP API. KeyHash is a SHA-256 hex
// digest; Clearance is the level granted to step updates made with the key.
type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	Clearance int    `json:"clearance"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
