package server

import (
	"aegis/internal/domain"
)

type TriggerAlertRequest struct {
	ID       string `json:"id,omitempty"`
	Type     string `json:"type"`
	Priority string `json:"priority,omitempty" enum:"critical,high,medium,low,"`
	Location string `json:"location,omitempty"`
	Source   string `json:"source,omitempty"`
}

type UpdateStepRequest struct {
	Status   string `json:"status" enum:"pending,in_progress,completed,failed,skipped"`
	Notes    string `json:"notes,omitempty"`
	Evidence string `json:"evidence,omitempty"`
}

type AssignStepRequest struct {
	OperatorID string `json:"operator_id"`
}

type EscalateRequest struct {
	Reason string `json:"reason"`
}

type AbortRequest struct {
	Reason string `json:"reason"`
}

type ImportConfigRequest struct {
	YAML string `json:"yaml"`
}

type ImportConfigResponse struct {
	SiteID    string `json:"site_id"`
	Protocols int    `json:"protocols"`
}

type SetProtocolActiveRequest struct {
	Active bool `json:"active"`
}

// ProtocolSummary is the list view of a protocol: everything but the step
// templates.
type ProtocolSummary struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	AlertType     string            `json:"alert_type"`
	AlertPriority string            `json:"alert_priority,omitempty" enum:"critical,high,medium,low,"`
	Active        bool              `json:"active"`
	Steps         int               `json:"steps"`
	Compliance    domain.Compliance `json:"compliance"`
}

func protocolSummary(p domain.Protocol) ProtocolSummary {
	return ProtocolSummary{
		ID:            p.ID,
		Name:          p.Name,
		AlertType:     p.AlertType,
		AlertPriority: p.AlertPriority,
		Active:        p.Active,
		Steps:         len(p.Steps),
		Compliance:    p.Compliance,
	}
}

func mapProtocolSummaries(items []domain.Protocol) []ProtocolSummary {
	res := make([]ProtocolSummary, 0, len(items))
	for _, p := range items {
		res = append(res, protocolSummary(p))
	}
	return res
}
