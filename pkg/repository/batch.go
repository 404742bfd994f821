package repository

import (
	"strings"
	"time"

	"github.com/m-mizutani/jotter/pkg/model"
)

// resolveTags matches names against existing tags ignoring case. It returns the
// tags to link (existing or new) and the subset that has to be created.
func resolveTags(existing []*model.Tag, names []string, now time.Time) (linked, created []*model.Tag) {
	byKey := make(map[string]*model.Tag, len(existing))
	for _, t := range existing {
		byKey[model.TagKey(t.Name)] = t
	}

	seen := make(map[string]bool, len(names))
	for _, name := range names {
		key := model.TagKey(name)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true

		if t, ok := byKey[key]; ok {
			linked = append(linked, t)
			continue
		}
		t := &model.Tag{
			ID:        model.NewTagID(),
			Name:      strings.TrimPrefix(strings.TrimSpace(name), "#"),
			CreatedAt: now,
		}
		byKey[key] = t
		linked = append(linked, t)
		created = append(created, t)
	}
	return linked, created
}

type personMention struct {
	Name           string
	NormalizedName string
}

// uniqueMentions dedupes names by normalized form, keeping the first spelling
func uniqueMentions(names []string) []personMention {
	seen := make(map[string]bool, len(names))
	var out []personMention
	for _, name := range names {
		norm := model.NormalizeName(name)
		if norm == "" || seen[norm] {
			continue
		}
		seen[norm] = true
		out = append(out, personMention{
			Name:           strings.Join(strings.Fields(name), " "),
			NormalizedName: norm,
		})
	}
	return out
}

// mergeExtraction copies the derived fields of batch.Note onto the stored
// note and returns the note to write together with the project to mark
// active, if any. Everything the user owns on the note is taken from stored.
func mergeExtraction(stored *model.Note, batch *model.ExtractionBatch) (*model.Note, model.ProjectID) {
	derived := batch.Note
	merged := *stored

	merged.Title = derived.Title
	merged.Intent = derived.Intent
	merged.IntentConfidence = derived.IntentConfidence
	merged.InferredProject = derived.InferredProject
	merged.Extraction = derived.Extraction
	merged.UpdatedAt = derived.UpdatedAt

	merged.NextStep = nil
	if derived.NextStep != nil {
		step := *derived.NextStep
		// the same step resolved meanwhile stays resolved
		if prev := stored.NextStep; prev != nil && prev.Resolved && prev.Text == step.Text {
			step.Resolved = true
			step.ResolvedAt = prev.ResolvedAt
		}
		merged.NextStep = &step
	}

	if matched := batch.MatchedProject; matched != "" {
		if stored.ProjectID == "" || stored.ProjectAutoAssigned {
			merged.ProjectID = matched
			merged.ProjectAutoAssigned = true
		}
		if merged.ProjectID == matched {
			return &merged, matched
		}
	}
	return &merged, ""
}

// stampEntities fills the note ID and creation time of extracted entities
func stampEntities(batch *model.ExtractionBatch) {
	id := batch.Note.ID
	for _, d := range batch.Decisions {
		d.NoteID = id
		if d.CreatedAt.IsZero() {
			d.CreatedAt = batch.ProcessedAt
		}
	}
	for _, a := range batch.Actions {
		a.NoteID = id
		if a.CreatedAt.IsZero() {
			a.CreatedAt = batch.ProcessedAt
		}
	}
	for _, c := range batch.Commitments {
		c.NoteID = id
		if c.CreatedAt.IsZero() {
			c.CreatedAt = batch.ProcessedAt
		}
	}
	for _, u := range batch.Unresolved {
		u.NoteID = id
		if u.CreatedAt.IsZero() {
			u.CreatedAt = batch.ProcessedAt
		}
	}
}
