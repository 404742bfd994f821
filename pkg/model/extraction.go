package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

type (
	DecisionID   string
	ActionID     string
	CommitmentID string
	UnresolvedID string
)

func NewDecisionID() DecisionID     { return DecisionID(uuid.New().String()) }
func NewActionID() ActionID         { return ActionID(uuid.New().String()) }
func NewCommitmentID() CommitmentID { return CommitmentID(uuid.New().String()) }
func NewUnresolvedID() UnresolvedID { return UnresolvedID(uuid.New().String()) }

type Decision struct {
	ID         DecisionID
	NoteID     NoteID
	Content    string
	Confidence float64
	CreatedAt  time.Time
}

type Action struct {
	ID          ActionID
	NoteID      NoteID
	Content     string
	Owner       string
	Deadline    string
	DueAt       *time.Time
	Completed   bool
	CompletedAt *time.Time
	CreatedAt   time.Time
}

// LastActivity is the latest time the action was touched
func (x *Action) LastActivity() time.Time {
	if x.CompletedAt != nil && x.CompletedAt.After(x.CreatedAt) {
		return *x.CompletedAt
	}
	return x.CreatedAt
}

// Commitment is a promise made by Owner, optionally to Counterparty
type Commitment struct {
	ID           CommitmentID
	NoteID       NoteID
	Content      string
	Owner        string
	Counterparty string
	Deadline     string
	Completed    bool
	CompletedAt  *time.Time
	CreatedAt    time.Time
}

// Involves reports whether the commitment points at the person with the given
// normalized name, either as owner or counterparty.
func (x *Commitment) Involves(normalizedName string) bool {
	if normalizedName == "" {
		return false
	}
	return NormalizeName(x.Owner) == normalizedName || NormalizeName(x.Counterparty) == normalizedName
}

type UnresolvedReason string

const (
	UnresolvedMissingInfo   UnresolvedReason = "missing_info"
	UnresolvedBlocked       UnresolvedReason = "blocked"
	UnresolvedNeedsDecision UnresolvedReason = "needs_decision"
	UnresolvedOpenQuestion  UnresolvedReason = "open_question"
	UnresolvedOther         UnresolvedReason = "other"
)

// ParseUnresolvedReason maps an inferred reason code, defaulting to other
func ParseUnresolvedReason(code string) UnresolvedReason {
	switch x := UnresolvedReason(strings.ToLower(strings.TrimSpace(code))); x {
	case UnresolvedMissingInfo, UnresolvedBlocked, UnresolvedNeedsDecision, UnresolvedOpenQuestion:
		return x
	default:
		return UnresolvedOther
	}
}

type UnresolvedItem struct {
	ID         UnresolvedID
	NoteID     NoteID
	Content    string
	Reason     UnresolvedReason
	Resolved   bool
	ResolvedAt *time.Time
	CreatedAt  time.Time
}
