// Package suggest models AI-proposed outline edits awaiting reviewer
// decision, matches them to outline nodes, and classifies them for batch
// accept/reject.
package suggest

import "fmt"

type Action string

const (
	ActionDelete       Action = "DELETE"
	ActionAdd          Action = "ADD"
	ActionModifyFormat Action = "MODIFY_FORMAT"
	ActionModifyPage   Action = "MODIFY_PAGE"
	ActionExpand       Action = "EXPAND"
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusAccepted Status = "accepted"
	StatusRejected Status = "rejected"
	StatusApplied  Status = "applied"
)

type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// Placement locates where an ADD suggestion wants its new node. All fields
// are optional; an absent placement falls back to the root.
type Placement struct {
	ParentID    string `json:"parentId,omitempty"`
	AfterNodeID string `json:"afterNodeId,omitempty"`
	PageRange   []int  `json:"pageRange,omitempty"`
	TargetDepth int    `json:"targetDepth,omitempty"`
}

// Empty reports whether the placement carries no location information.
func (p *Placement) Empty() bool {
	return p == nil || (p.ParentID == "" && p.AfterNodeID == "" && len(p.PageRange) == 0)
}

// Suggestion is a proposed edit produced by the external analysis pipeline.
// NodeID may be a stable node id or, when the producer lacked one, the
// target's title.
type Suggestion struct {
	ID             string     `json:"suggestionId"`
	Action         Action     `json:"action"`
	NodeID         string     `json:"nodeId,omitempty"`
	Status         Status     `json:"status"`
	Confidence     Confidence `json:"confidence,omitempty"`
	Reason         string     `json:"reason,omitempty"`
	CurrentTitle   string     `json:"currentTitle,omitempty"`
	SuggestedTitle string     `json:"suggestedTitle,omitempty"`
	Placement      *Placement `json:"placement,omitempty"`
}

// NodeTargeted reports whether the action names an existing node via NodeID.
func (a Action) NodeTargeted() bool {
	switch a {
	case ActionDelete, ActionModifyFormat, ActionModifyPage, ActionExpand:
		return true
	}
	return false
}

func (a Action) Valid() bool {
	switch a {
	case ActionDelete, ActionAdd, ActionModifyFormat, ActionModifyPage, ActionExpand:
		return true
	}
	return false
}

// CanTransition enforces the status state machine: pending may become
// accepted or rejected, accepted may become applied, applied is terminal.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusAccepted || to == StatusRejected
	case StatusAccepted:
		return to == StatusApplied
	}
	return false
}

// Normalize fills defaults and validates enum fields on an ingested
// suggestion record.
func Normalize(s *Suggestion) error {
	if s.ID == "" {
		return fmt.Errorf("suggestion missing id")
	}
	if !s.Action.Valid() {
		return fmt.Errorf("suggestion %s: unknown action %q", s.ID, s.Action)
	}
	if s.Status == "" {
		s.Status = StatusPending
	}
	switch s.Status {
	case StatusPending, StatusAccepted, StatusRejected, StatusApplied:
	default:
		return fmt.Errorf("suggestion %s: unknown status %q", s.ID, s.Status)
	}
	switch s.Confidence {
	case "", ConfidenceHigh, ConfidenceMedium, ConfidenceLow:
	default:
		return fmt.Errorf("suggestion %s: unknown confidence %q", s.ID, s.Confidence)
	}
	return nil
}
