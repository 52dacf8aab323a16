// Package triage classifies an intake narrative into case category, urgency
// and recommended handling.
package triage

import (
	"context"
	"strings"
)

type Urgency string

const (
	UrgencyLow      Urgency = "low"
	UrgencyMedium   Urgency = "medium"
	UrgencyHigh     Urgency = "high"
	UrgencyCritical Urgency = "critical"
)

type Analysis struct {
	Category          string   `json:"category"`
	Urgency           Urgency  `json:"urgency"`
	Description       string   `json:"description"`
	Documents         []string `json:"documents"`
	Confidence        float64  `json:"confidence"`
	Escalate          bool     `json:"escalate"`
	RecommendedAction string   `json:"recommended_action"`
	Flags             []string `json:"flags,omitempty"`
}

// Analyzer produces a triage analysis for one conversation turn. phone is the
// client identity, text the accumulated narrative.
type Analyzer interface {
	Analyze(ctx context.Context, text, phone string) (Analysis, error)
}

func normalizeUrgency(raw string) Urgency {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(UrgencyCritical), "urgente":
		return UrgencyCritical
	case string(UrgencyHigh), "alta":
		return UrgencyHigh
	case string(UrgencyLow), "baixa":
		return UrgencyLow
	default:
		return UrgencyMedium
	}
}
