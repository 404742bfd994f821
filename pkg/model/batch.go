package model

import "time"

// ExtractionBatch is everything one extraction run writes. Repositories apply it
// atomically: either the whole batch lands or nothing does.
type ExtractionBatch struct {
	// Note carries the derived fields to store: title, intent, next step,
	// inferred project and extraction state. The repository copies them onto
	// the note as stored when the batch is applied, so edits made while
	// inference ran are kept. It rejects the batch with ErrNotFound when the
	// note no longer exists. On success Note holds the note as written.
	Note *Note

	// TagNames are resolved case-insensitively against existing tags and linked to
	// the note. Existing links are kept.
	TagNames []string

	// Extracted entities replace whatever a previous run stored for the note.
	Decisions   []*Decision
	Actions     []*Action
	Commitments []*Commitment
	Unresolved  []*UnresolvedItem

	// PeopleNames are upserted by normalized name. A person is counted at most
	// once per note, so re-running extraction never inflates mention counts.
	PeopleNames []string

	// MatchedProject is assigned to the note unless the stored note has a
	// project the user chose. When the note ends up in it, the project is
	// marked active at ProcessedAt.
	MatchedProject ProjectID

	ProcessedAt time.Time
}
