package pipeline

import (
	"context"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/jotter/pkg/model"
	"github.com/m-mizutani/jotter/pkg/repository"
)

// NoteDetail is a note with everything derived from it
type NoteDetail struct {
	Note        *model.Note
	Project     *model.Project
	Tags        []*model.Tag
	Decisions   []*model.Decision
	Actions     []*model.Action
	Commitments []*model.Commitment
	Unresolved  []*model.UnresolvedItem
	Links       []*model.Link
}

// ListNotes returns notes, newest first
func (s *Service) ListNotes(ctx context.Context, input repository.ListNotesInput) ([]*model.Note, error) {
	return s.repo.ListNotes(ctx, input)
}

// FindNote resolves a full note ID or a unique prefix of one
func (s *Service) FindNote(ctx context.Context, ref string) (*model.Note, error) {
	ref = strings.TrimSpace(ref)
	if note, err := s.repo.GetNote(ctx, model.NoteID(ref)); err == nil {
		return note, nil
	}
	notes, err := s.repo.ListNotes(ctx, repository.ListNotesInput{})
	if err != nil {
		return nil, err
	}
	return findByID(notes, ref, func(n *model.Note) string { return string(n.ID) }, "note")
}

// GetNoteDetail loads a note with its project, tags, extracted entities and links
func (s *Service) GetNoteDetail(ctx context.Context, id model.NoteID) (*NoteDetail, error) {
	note, err := s.repo.GetNote(ctx, id)
	if err != nil {
		return nil, err
	}
	d := &NoteDetail{Note: note}

	if note.ProjectID != "" {
		if p, err := s.repo.GetProject(ctx, note.ProjectID); err == nil {
			d.Project = p
		}
	}
	if d.Tags, err = s.repo.ListNoteTags(ctx, id); err != nil {
		return nil, err
	}
	if d.Decisions, err = s.repo.ListDecisions(ctx, id); err != nil {
		return nil, err
	}
	if d.Actions, err = s.repo.ListActions(ctx, id); err != nil {
		return nil, err
	}
	if d.Commitments, err = s.repo.ListCommitments(ctx, id); err != nil {
		return nil, err
	}
	if d.Unresolved, err = s.repo.ListUnresolved(ctx, id); err != nil {
		return nil, err
	}
	if d.Links, err = s.repo.ListLinks(ctx, id); err != nil {
		return nil, err
	}
	return d, nil
}

// DeleteNote removes a note with everything derived from it
func (s *Service) DeleteNote(ctx context.Context, id model.NoteID) error {
	if err := s.repo.DeleteNote(ctx, id); err != nil {
		return err
	}
	s.session.MarkStale()
	return nil
}

// ResolveNextStep marks the note's suggested next step as done. It takes one
// unit of the resolution allowance unless the step is already resolved.
func (s *Service) ResolveNextStep(ctx context.Context, id model.NoteID) (*model.Note, error) {
	note, err := s.repo.GetNote(ctx, id)
	if err != nil {
		return nil, err
	}
	if note.NextStep == nil {
		return nil, goerr.Wrap(model.ErrNotFound, "note has no next step", goerr.V("note_id", id))
	}
	if note.NextStep.Resolved {
		return note, nil
	}

	reservation, err := s.ledger.Reserve(ctx, model.QuotaResolution)
	if err != nil {
		return nil, err
	}

	now := s.now()
	note.NextStep.Resolved = true
	note.NextStep.ResolvedAt = &now
	note.UpdatedAt = now
	if err := s.repo.PutNote(ctx, note); err != nil {
		reservation.Release(ctx)
		return nil, err
	}
	reservation.Commit()
	s.session.MarkStale()
	return note, nil
}

// CompleteAction sets the completion flag of an action found by ID or unique prefix
func (s *Service) CompleteAction(ctx context.Context, ref string, completed bool) (*model.Action, error) {
	actions, err := s.repo.ListActions(ctx, "")
	if err != nil {
		return nil, err
	}
	action, err := findByID(actions, ref, func(a *model.Action) string { return string(a.ID) }, "action")
	if err != nil {
		return nil, err
	}

	action.Completed = completed
	action.CompletedAt = s.completedAt(completed)
	if err := s.repo.PutAction(ctx, action); err != nil {
		return nil, err
	}
	s.session.MarkStale()
	return action, nil
}

// CompleteCommitment sets the completion flag of a commitment found by ID or unique prefix
func (s *Service) CompleteCommitment(ctx context.Context, ref string, completed bool) (*model.Commitment, error) {
	commitments, err := s.repo.ListCommitments(ctx, "")
	if err != nil {
		return nil, err
	}
	c, err := findByID(commitments, ref, func(c *model.Commitment) string { return string(c.ID) }, "commitment")
	if err != nil {
		return nil, err
	}

	c.Completed = completed
	c.CompletedAt = s.completedAt(completed)
	if err := s.repo.PutCommitment(ctx, c); err != nil {
		return nil, err
	}
	s.session.MarkStale()
	return c, nil
}

// ResolveUnresolved sets the resolution flag of an open item found by ID or unique prefix
func (s *Service) ResolveUnresolved(ctx context.Context, ref string, resolved bool) (*model.UnresolvedItem, error) {
	items, err := s.repo.ListUnresolved(ctx, "")
	if err != nil {
		return nil, err
	}
	item, err := findByID(items, ref, func(u *model.UnresolvedItem) string { return string(u.ID) }, "unresolved item")
	if err != nil {
		return nil, err
	}

	item.Resolved = resolved
	item.ResolvedAt = s.completedAt(resolved)
	if err := s.repo.PutUnresolved(ctx, item); err != nil {
		return nil, err
	}
	s.session.MarkStale()
	return item, nil
}

func (s *Service) completedAt(done bool) *time.Time {
	if !done {
		return nil
	}
	now := s.now()
	return &now
}

// findByID matches a full ID first, then a unique prefix
func findByID[T any](items []T, ref string, id func(T) string, kind string) (T, error) {
	var zero T
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return zero, goerr.Wrap(model.ErrNotFound, "empty reference", goerr.V("kind", kind))
	}

	var matches []T
	for _, item := range items {
		if id(item) == ref {
			return item, nil
		}
		if strings.HasPrefix(id(item), ref) {
			matches = append(matches, item)
		}
	}

	switch len(matches) {
	case 1:
		return matches[0], nil
	case 0:
		return zero, goerr.Wrap(model.ErrNotFound, kind+" not found", goerr.V("ref", ref))
	default:
		return zero, goerr.New("ambiguous reference", goerr.V("kind", kind), goerr.V("ref", ref), goerr.V("matches", len(matches)))
	}
}

// Items are the trackable entities extracted across all notes
type Items struct {
	Actions     []*model.Action
	Commitments []*model.Commitment
	Unresolved  []*model.UnresolvedItem
}

// ListItems returns actions, commitments and unresolved items of all notes.
// Finished ones are dropped unless includeDone.
func (s *Service) ListItems(ctx context.Context, includeDone bool) (*Items, error) {
	actions, err := s.repo.ListActions(ctx, "")
	if err != nil {
		return nil, err
	}
	commitments, err := s.repo.ListCommitments(ctx, "")
	if err != nil {
		return nil, err
	}
	unresolved, err := s.repo.ListUnresolved(ctx, "")
	if err != nil {
		return nil, err
	}

	if includeDone {
		return &Items{Actions: actions, Commitments: commitments, Unresolved: unresolved}, nil
	}
	return &Items{
		Actions:     filterOpen(actions, func(a *model.Action) bool { return !a.Completed }),
		Commitments: filterOpen(commitments, func(c *model.Commitment) bool { return !c.Completed }),
		Unresolved:  filterOpen(unresolved, func(u *model.UnresolvedItem) bool { return !u.Resolved }),
	}, nil
}

func filterOpen[T any](items []T, open func(T) bool) []T {
	out := make([]T, 0, len(items))
	for _, item := range items {
		if open(item) {
			out = append(out, item)
		}
	}
	return out
}
