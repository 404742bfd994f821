package model

import "time"

type Momentum string

const (
	MomentumIdle    Momentum = "idle"
	MomentumSlowing Momentum = "slowing"
	MomentumSteady  Momentum = "steady"
	MomentumRising  Momentum = "rising"
)

type WarningKind string

const (
	WarningStalled         WarningKind = "stalled"
	WarningOverdue         WarningKind = "overdue"
	WarningUnresolved      WarningKind = "unresolved_backlog"
	WarningOpenCommitments WarningKind = "open_commitments"
	WarningPolicy          WarningKind = "policy"
)

type AttentionWarning struct {
	Kind    WarningKind `json:"kind"`
	Message string      `json:"message"`
	Count   int         `json:"count"`
}

// SessionSnapshot is a cheap local rollup. It is never persisted.
type SessionSnapshot struct {
	NotesToday      int                `json:"notes_today"`
	OpenActions     int                `json:"open_actions"`
	OpenCommitments int                `json:"open_commitments"`
	OpenUnresolved  int                `json:"open_unresolved"`
	StalledItems    int                `json:"stalled_items"`
	CurrentWindow   int                `json:"current_window"`
	PriorWindow     int                `json:"prior_window"`
	Momentum        Momentum           `json:"momentum"`
	Warnings        []AttentionWarning `json:"warnings"`
	GeneratedAt     time.Time          `json:"generated_at"`
	Stale           bool               `json:"stale"`
}

// Clone copies the snapshot including its warnings
func (x SessionSnapshot) Clone() SessionSnapshot {
	if x.Warnings != nil {
		x.Warnings = append([]AttentionWarning(nil), x.Warnings...)
	}
	return x
}
