package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"aegis/internal/domain"
)

// Config models aegis.yml: site identity, engine tuning, the protocol
// catalog, and webhook targets for the event journal.
type Config struct {
	Site struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"site"`
	// Pointer fields distinguish an explicit 0 (legal for the delay, e.g.
	// drills) from an absent key, which falls back to the defaults.
	Engine struct {
		AutoStepDelaySeconds *int `yaml:"auto_step_delay_seconds,omitempty"`
		EscalationThreshold  *int `yaml:"escalation_threshold,omitempty"`
	} `yaml:"engine"`
	Protocols []ProtocolConfig `yaml:"protocols"`
	Webhooks  []WebhookConfig  `yaml:"webhooks,omitempty"`
}

type ProtocolConfig struct {
	ID            string       `yaml:"id"`
	Name          string       `yaml:"name"`
	AlertType     string       `yaml:"alert_type"`
	AlertPriority string       `yaml:"alert_priority"`
	Active        *bool        `yaml:"active,omitempty"`
	Compliance    struct {
		Industries    []string `yaml:"industries,omitempty"`
		Regulations   []string `yaml:"regulations,omitempty"`
		AuditRequired bool     `yaml:"audit_required"`
	} `yaml:"compliance"`
	Steps []StepConfig `yaml:"steps"`
}

type StepConfig struct {
	ID           string   `yaml:"id"`
	Title        string   `yaml:"title"`
	Description  string   `yaml:"description,omitempty"`
	Estimated    string   `yaml:"estimated,omitempty"`
	Priority     string   `yaml:"priority,omitempty"`
	Clearance    int      `yaml:"clearance,omitempty"`
	Auto         bool     `yaml:"auto,omitempty"`
	DependsOn    []string `yaml:"depends_on,omitempty"`
	Verification *struct {
		Required bool   `yaml:"required"`
		Method   string `yaml:"method"`
	} `yaml:"verification,omitempty"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events,omitempty"`
	Secret         string   `yaml:"secret,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
}

const (
	defaultAutoStepDelaySeconds = 2
	defaultEscalationThreshold  = 3
)

var validPriorities = map[string]bool{"critical": true, "high": true, "medium": true, "low": true}

// Load reads and validates config from a workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with aegis config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "aegis.yml")
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure: a site id, sane
// engine tuning, and protocols whose step graphs are well formed (unique ids,
// known dependencies, no cycles, known verification methods).
func (c *Config) Validate() error {
	if c.Site.ID == "" {
		return fmt.Errorf("config.site.id is required")
	}
	if v := c.Engine.AutoStepDelaySeconds; v != nil && *v < 0 {
		return fmt.Errorf("config.engine.auto_step_delay_seconds must not be negative")
	}
	if v := c.Engine.EscalationThreshold; v != nil && *v < 1 {
		return fmt.Errorf("config.engine.escalation_threshold must be at least 1")
	}
	seen := map[string]bool{}
	for _, p := range c.Protocols {
		if p.ID == "" {
			return fmt.Errorf("protocol without id")
		}
		if seen[p.ID] {
			return fmt.Errorf("duplicate protocol id %s", p.ID)
		}
		seen[p.ID] = true
		if p.AlertType == "" {
			return fmt.Errorf("protocol %s: alert_type is required", p.ID)
		}
		if p.AlertPriority != "" && !validPriorities[p.AlertPriority] {
			return fmt.Errorf("protocol %s: unknown alert_priority %s", p.ID, p.AlertPriority)
		}
		if len(p.Steps) == 0 {
			return fmt.Errorf("protocol %s: at least one step is required", p.ID)
		}
		if err := p.validateSteps(); err != nil {
			return fmt.Errorf("protocol %s: %w", p.ID, err)
		}
	}
	return nil
}

func (p ProtocolConfig) validateSteps() error {
	ids := map[string]bool{}
	for _, s := range p.Steps {
		if s.ID == "" {
			return fmt.Errorf("step without id")
		}
		if ids[s.ID] {
			return fmt.Errorf("duplicate step id %s", s.ID)
		}
		ids[s.ID] = true
		if s.Title == "" {
			return fmt.Errorf("step %s: title is required", s.ID)
		}
		if s.Priority != "" && !validPriorities[s.Priority] {
			return fmt.Errorf("step %s: unknown priority %s", s.ID, s.Priority)
		}
		if s.Clearance < 0 {
			return fmt.Errorf("step %s: clearance must not be negative", s.ID)
		}
		if s.Estimated != "" {
			if _, err := time.ParseDuration(s.Estimated); err != nil {
				return fmt.Errorf("step %s: invalid estimated duration: %w", s.ID, err)
			}
		}
		if s.Verification != nil && !domain.VerificationMethod(s.Verification.Method).Valid() {
			return fmt.Errorf("step %s: unknown verification method %s", s.ID, s.Verification.Method)
		}
	}
	for _, s := range p.Steps {
		for _, dep := range s.DependsOn {
			if !ids[dep] {
				return fmt.Errorf("step %s depends on unknown step %s", s.ID, dep)
			}
		}
	}
	return ensureNoDependencyCycle(p.Steps)
}

// ensureNoDependencyCycle walks the dependency edges depth-first; a step seen
// twice on one path is a cycle.
func ensureNoDependencyCycle(steps []StepConfig) error {
	deps := make(map[string][]string, len(steps))
	for _, s := range steps {
		deps[s.ID] = s.DependsOn
	}
	const (
		visiting = 1
		done     = 2
	)
	state := map[string]int{}
	var visit func(id string) error
	visit = func(id string) error {
		switch state[id] {
		case visiting:
			return fmt.Errorf("dependency cycle through step %s", id)
		case done:
			return nil
		}
		state[id] = visiting
		for _, d := range deps[id] {
			if err := visit(d); err != nil {
				return err
			}
		}
		state[id] = done
		return nil
	}
	for _, s := range steps {
		if err := visit(s.ID); err != nil {
			return err
		}
	}
	return nil
}

// AutoStepDelay returns the simulated duration of an auto-executed step.
// An explicit 0 means no delay; only an absent key falls back to the default.
func (c *Config) AutoStepDelay() time.Duration {
	if c == nil || c.Engine.AutoStepDelaySeconds == nil {
		return defaultAutoStepDelaySeconds * time.Second
	}
	return time.Duration(*c.Engine.AutoStepDelaySeconds) * time.Second
}

// EscalationThreshold returns the level at which an execution escalates.
func (c *Config) EscalationThreshold() int {
	if c == nil || c.Engine.EscalationThreshold == nil {
		return defaultEscalationThreshold
	}
	return *c.Engine.EscalationThreshold
}

// ToDomain converts a validated protocol definition into the domain model.
func (p ProtocolConfig) ToDomain() domain.Protocol {
	active := true
	if p.Active != nil {
		active = *p.Active
	}
	out := domain.Protocol{
		ID:            p.ID,
		Name:          p.Name,
		AlertType:     p.AlertType,
		AlertPriority: p.AlertPriority,
		Active:        active,
	}
	out.Compliance = domain.Compliance{
		Industries:    append([]string(nil), p.Compliance.Industries...),
		Regulations:   append([]string(nil), p.Compliance.Regulations...),
		AuditRequired: p.Compliance.AuditRequired,
	}
	for _, s := range p.Steps {
		step := domain.Step{
			ID:             s.ID,
			Title:          s.Title,
			Description:    s.Description,
			Priority:       s.Priority,
			MinClearance:   s.Clearance,
			AutoExecutable: s.Auto,
			DependsOn:      append([]string(nil), s.DependsOn...),
			Status:         domain.StepPending,
		}
		if step.Priority == "" {
			step.Priority = "medium"
		}
		if s.Estimated != "" {
			d, _ := time.ParseDuration(s.Estimated)
			step.EstimatedDuration = d
		}
		if s.Verification != nil {
			step.Verification = &domain.Verification{
				Required: s.Verification.Required,
				Method:   domain.VerificationMethod(s.Verification.Method),
			}
		}
		out.Steps = append(out.Steps, step)
	}
	return out
}

// DomainProtocols converts every protocol definition in the config.
func (c *Config) DomainProtocols() []domain.Protocol {
	out := make([]domain.Protocol, 0, len(c.Protocols))
	for _, p := range c.Protocols {
		out = append(out, p.ToDomain())
	}
	return out
}

// Default returns the default Config struct for a site.
func Default(siteID string) *Config {
	var cfg Config
	cfg.Site.ID = siteID
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, siteID))).Decode(&cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault(siteID string) string {
	return fmt.Sprintf(defaultTemplate, siteID)
}

const defaultTemplate = `site:
  id: %s
  name: Primary Site

engine:
  auto_step_delay_seconds: 2
  escalation_threshold: 3

protocols:
  - id: armed-intruder-v1
    name: Armed Intruder Response
    alert_type: weapon_detected
    alert_priority: critical
    active: true
    compliance:
      industries: [education, corporate, healthcare]
      regulations: [OSHA-1910.38, NFPA-730]
      audit_required: true
    steps:
      - id: lockdown
        title: Initiate facility lockdown
        description: Trigger access-control lockdown on all exterior doors.
        estimated: 1m
        priority: critical
        clearance: 2
        auto: true
      - id: notify-police
        title: Notify law enforcement
        description: Dispatch automated alert to the police liaison line.
        estimated: 2m
        priority: critical
        clearance: 3
        auto: true
        depends_on: [lockdown]
      - id: announce
        title: Make PA announcement
        description: Read the lockdown script over the public address system.
        estimated: 2m
        priority: high
        clearance: 2
        depends_on: [lockdown]
        verification:
          required: true
          method: witness
      - id: sweep
        title: Sweep and secure floors
        description: Guards clear each floor and report occupancy.
        estimated: 15m
        priority: high
        clearance: 3
        depends_on: [notify-police, announce]
        verification:
          required: true
          method: signature
      - id: all-clear
        title: Issue all-clear
        estimated: 5m
        priority: medium
        clearance: 3
        depends_on: [sweep]
        verification:
          required: true
          method: signature

  - id: perimeter-breach-v1
    name: Perimeter Breach Response
    alert_type: door_forced
    alert_priority: high
    active: true
    compliance:
      industries: [corporate, logistics]
      regulations: [NFPA-730]
      audit_required: true
    steps:
      - id: camera-review
        title: Pull nearest camera feeds
        estimated: 1m
        priority: high
        clearance: 1
        auto: true
        verification:
          required: true
          method: sensor
      - id: dispatch-guard
        title: Dispatch guard to breach point
        estimated: 5m
        priority: high
        clearance: 2
        depends_on: [camera-review]
      - id: incident-log
        title: File incident log entry
        estimated: 10m
        priority: low
        clearance: 1
        depends_on: [dispatch-guard]
        verification:
          required: true
          method: signature

  - id: medical-response-v1
    name: Medical Emergency Response
    alert_type: medical_emergency
    alert_priority: high
    active: true
    compliance:
      industries: [corporate]
      regulations: [OSHA-1910.151]
      audit_required: false
    steps:
      - id: call-ems
        title: Call emergency medical services
        estimated: 1m
        priority: critical
        clearance: 1
        auto: true
      - id: first-aider
        title: Send nearest first aider
        estimated: 3m
        priority: critical
        clearance: 1
        depends_on: [call-ems]
        verification:
          required: true
          method: photo
      - id: clear-route
        title: Clear access route for EMS
        estimated: 5m
        priority: high
        clearance: 1
        auto: true
        depends_on: [call-ems]
`
