// Package intake drives one client conversation from first contact through
// data collection, case analysis and completion.
package intake

import "time"

// State is the conversation position. Transitions are produced only by the
// engine's step function so every reachable edge is unit-testable.
type State string

const (
	StateGreeting            State = "greeting"
	StateCollectingName      State = "collecting_name"
	StateCollectingEmail     State = "collecting_email"
	StateAnalyzingCase       State = "analyzing_case"
	StateCollectingDetails   State = "collecting_details"
	StateCollectingDocuments State = "collecting_documents"
	StateAwaitingDecision    State = "awaiting_preanalysis_decision"
	StateGeneratingPre       State = "generating_preanalysis"
	StateAwaitingLawyer      State = "awaiting_lawyer"
	StateCompleted           State = "completed"
)

// Terminal reports whether the conversation can no longer advance.
func (s State) Terminal() bool {
	return s == StateCompleted
}

type Direction string

const (
	DirectionIn       Direction = "in"
	DirectionOut      Direction = "out"
	DirectionAnalysis Direction = "analysis"
)

// Client is one person keyed by phone number. Created lazily on first
// contact and never deleted; fields fill in as the flow collects them.
type Client struct {
	Phone       string `json:"phone"`
	DisplayName string `json:"display_name,omitempty"`
	Name        string `json:"name,omitempty"`
	Email       string `json:"email,omitempty"`
}

// Message is one entry of a conversation's append-only log.
type Message struct {
	ID        string    `json:"id"`
	Direction Direction `json:"direction"`
	Body      string    `json:"body"`
	Timestamp time.Time `json:"timestamp"`
}

// Conversation is the FSM instance for one client. At most one non-terminal
// conversation exists per phone; a completed one is superseded by a fresh
// conversation on the next contact.
type Conversation struct {
	ID                string       `json:"id"`
	Phone             string       `json:"phone"`
	State             State        `json:"state"`
	StartedAt         time.Time    `json:"started_at"`
	LastActivity      time.Time    `json:"last_activity"`
	History           []Message    `json:"history,omitempty"`
	AnalysisTurns     int          `json:"analysis_turns"`
	LatestAnalysis    *AnalysisRef `json:"latest_analysis,omitempty"`
	CompletionMessage string       `json:"completion_message,omitempty"`
	PreAnalysis       string       `json:"pre_analysis,omitempty"`
}

// AnalysisRef is the stored shape of the latest triage result.
type AnalysisRef struct {
	Category          string   `json:"category"`
	Urgency           string   `json:"urgency"`
	Description       string   `json:"description"`
	Documents         []string `json:"documents,omitempty"`
	Confidence        float64  `json:"confidence"`
	Escalate          bool     `json:"escalate"`
	RecommendedAction string   `json:"recommended_action,omitempty"`
	Flags             []string `json:"flags,omitempty"`
}
