package mcp

import (
	"time"

	"github.com/m-mizutani/jotter/pkg/model"
)

// Tool outputs are validated against schemas inferred from these types, so
// every slice is omitempty: a nil slice would encode as null.

type noteView struct {
	ID               string     `json:"id"`
	Title            string     `json:"title"`
	Text             string     `json:"text"`
	Source           string     `json:"source"`
	Intent           string     `json:"intent,omitempty"`
	IntentConfidence float64    `json:"intent_confidence,omitempty"`
	ProjectID        string     `json:"project_id,omitempty"`
	InferredProject  string     `json:"inferred_project,omitempty"`
	NextStep         string     `json:"next_step,omitempty"`
	NextStepType     string     `json:"next_step_type,omitempty"`
	Extraction       string     `json:"extraction,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	ExtractedAt      *time.Time `json:"extracted_at,omitempty"`
}

func newNoteView(n *model.Note) *noteView {
	v := &noteView{
		ID:               string(n.ID),
		Title:            n.DisplayTitle(),
		Text:             n.Text(),
		Source:           string(n.Source),
		Intent:           string(n.Intent),
		IntentConfidence: n.IntentConfidence,
		ProjectID:        string(n.ProjectID),
		InferredProject:  n.InferredProject,
		Extraction:       string(n.Extraction.Status),
		CreatedAt:        n.CreatedAt,
		ExtractedAt:      n.Extraction.AttemptedAt,
	}
	if n.NextStep != nil {
		v.NextStep = n.NextStep.Text
		v.NextStepType = string(n.NextStep.Type)
	}
	return v
}

type linkView struct {
	URL         string `json:"url"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	SiteName    string `json:"site_name,omitempty"`
	Error       string `json:"error,omitempty"`
}

func newLinkView(l *model.Link) linkView {
	return linkView{
		URL:         l.URL,
		Title:       l.Title,
		Description: l.Description,
		SiteName:    l.SiteName,
		Error:       l.Error,
	}
}

type warningView struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Count   int    `json:"count"`
}

type sessionView struct {
	NotesToday      int           `json:"notes_today"`
	OpenActions     int           `json:"open_actions"`
	OpenCommitments int           `json:"open_commitments"`
	OpenUnresolved  int           `json:"open_unresolved"`
	StalledItems    int           `json:"stalled_items"`
	Momentum        string        `json:"momentum"`
	Warnings        []warningView `json:"warnings,omitempty"`
	GeneratedAt     time.Time     `json:"generated_at"`
	Stale           bool          `json:"stale"`
}

func newSessionView(s model.SessionSnapshot) sessionView {
	v := sessionView{
		NotesToday:      s.NotesToday,
		OpenActions:     s.OpenActions,
		OpenCommitments: s.OpenCommitments,
		OpenUnresolved:  s.OpenUnresolved,
		StalledItems:    s.StalledItems,
		Momentum:        string(s.Momentum),
		GeneratedAt:     s.GeneratedAt,
		Stale:           s.Stale,
	}
	for _, w := range s.Warnings {
		v.Warnings = append(v.Warnings, warningView{Kind: string(w.Kind), Message: w.Message, Count: w.Count})
	}
	return v
}

type highlightView struct {
	Title  string `json:"title"`
	Detail string `json:"detail,omitempty"`
}

type digestWarningView struct {
	Title    string `json:"title"`
	Detail   string `json:"detail,omitempty"`
	Severity string `json:"severity,omitempty"`
}

type suggestionView struct {
	Text     string `json:"text"`
	Reason   string `json:"reason,omitempty"`
	Priority string `json:"priority,omitempty"`
}

type digestView struct {
	Date             string              `json:"date"`
	Narrative        string              `json:"narrative"`
	Highlights       []highlightView     `json:"highlights,omitempty"`
	Warnings         []digestWarningView `json:"warnings,omitempty"`
	SuggestedActions []suggestionView    `json:"suggested_actions,omitempty"`
	NoteCount        int                 `json:"note_count"`
	Revision         int                 `json:"revision"`
	GeneratedAt      time.Time           `json:"generated_at"`
}

func newDigestView(d *model.DailyDigest) *digestView {
	v := &digestView{
		Date:        d.DateKey,
		Narrative:   d.Narrative,
		NoteCount:   d.NoteCount,
		Revision:    d.Revision,
		GeneratedAt: d.GeneratedAt,
	}
	for _, h := range d.Highlights {
		v.Highlights = append(v.Highlights, highlightView(h))
	}
	for _, w := range d.Warnings {
		v.Warnings = append(v.Warnings, digestWarningView(w))
	}
	for _, a := range d.SuggestedActions {
		v.SuggestedActions = append(v.SuggestedActions, suggestionView(a))
	}
	return v
}

type counterView struct {
	Category      string `json:"category"`
	Remaining     int    `json:"remaining"`
	Max           int    `json:"max"`
	Reset         string `json:"reset"`
	FreeGrantUsed bool   `json:"free_grant_used"`
}
