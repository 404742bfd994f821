package project_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/jotter/pkg/model"
	"github.com/m-mizutani/jotter/pkg/repository"
	"github.com/m-mizutani/jotter/pkg/usecase/project"
)

func TestUseCaseCreateAndResolve(t *testing.T) {
	ctx := context.Background()
	uc := project.New(repository.NewMemory(), nil)

	p, err := uc.Create(ctx, " Apollo ", []string{"moon", "MOON", "", "apollo"})
	gt.NoError(t, err)
	gt.Equal(t, p.Name, "Apollo")
	gt.Equal(t, p.Aliases, []string{"moon"})

	_, err = uc.Create(ctx, "apollo", nil)
	gt.True(t, errors.Is(err, model.ErrProjectExists))
	_, err = uc.Create(ctx, "  ", nil)
	gt.True(t, errors.Is(err, model.ErrInvalidProject))

	byName, err := uc.Resolve(ctx, "APOLLO")
	gt.NoError(t, err)
	gt.Equal(t, byName.ID, p.ID)
	byID, err := uc.Resolve(ctx, string(p.ID))
	gt.NoError(t, err)
	gt.Equal(t, byID.ID, p.ID)
	_, err = uc.Resolve(ctx, "nope")
	gt.True(t, errors.Is(err, model.ErrNotFound))
}

func TestUseCaseArchive(t *testing.T) {
	ctx := context.Background()
	uc := project.New(repository.NewMemory(), nil)

	p, err := uc.Create(ctx, "Apollo", nil)
	gt.NoError(t, err)
	_, err = uc.Archive(ctx, p.ID, true)
	gt.NoError(t, err)

	active, err := uc.List(ctx, false)
	gt.NoError(t, err)
	gt.A(t, active).Length(0)
	all, err := uc.List(ctx, true)
	gt.NoError(t, err)
	gt.A(t, all).Length(1)

	match, err := uc.Match(ctx, "apollo sync")
	gt.NoError(t, err)
	gt.V(t, match).Nil()
}

func TestCorrectNoteProjectLearnsAlias(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory()
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	uc := project.New(repo, nil, project.WithClock(func() time.Time { return now }))

	wrong, err := uc.Create(ctx, "Moonshot", nil)
	gt.NoError(t, err)
	right, err := uc.Create(ctx, "Apollo", nil)
	gt.NoError(t, err)

	note := &model.Note{
		ID:                  model.NewNoteID(),
		Content:             "lunar program budget review",
		ProjectID:           wrong.ID,
		ProjectAutoAssigned: true,
		InferredProject:     "Lunar Program",
		CreatedAt:           now,
	}
	gt.NoError(t, repo.PutNote(ctx, note))

	result, err := uc.CorrectNoteProject(ctx, note.ID, right.ID)
	gt.NoError(t, err)
	gt.True(t, result.LearnedAlias)

	stored, err := repo.GetProject(ctx, right.ID)
	gt.NoError(t, err)
	gt.Equal(t, stored.Aliases, []string{"Lunar Program"})

	got, err := repo.GetNote(ctx, note.ID)
	gt.NoError(t, err)
	gt.Equal(t, got.ProjectID, right.ID)
	gt.False(t, got.ProjectAutoAssigned)

	// the next note with the same wording now lands on the corrected project
	match, err := uc.Match(ctx, "Lunar Program: Lunar Program weekly")
	gt.NoError(t, err)
	gt.V(t, match).NotNil()
	gt.Equal(t, match.Project.ID, right.ID)

	// a second correction by hand does not learn again
	result, err = uc.CorrectNoteProject(ctx, note.ID, right.ID)
	gt.NoError(t, err)
	gt.False(t, result.LearnedAlias)
}

func TestCorrectNoteProjectManualAssignmentDoesNotLearn(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory()
	uc := project.New(repo, nil)

	a, err := uc.Create(ctx, "Apollo", nil)
	gt.NoError(t, err)
	b, err := uc.Create(ctx, "Gemini", nil)
	gt.NoError(t, err)

	note := &model.Note{ID: model.NewNoteID(), Content: "x", ProjectID: a.ID, InferredProject: "Space"}
	gt.NoError(t, repo.PutNote(ctx, note))

	result, err := uc.CorrectNoteProject(ctx, note.ID, b.ID)
	gt.NoError(t, err)
	gt.False(t, result.LearnedAlias)

	result, err = uc.CorrectNoteProject(ctx, note.ID, "")
	gt.NoError(t, err)
	gt.Equal(t, result.Note.ProjectID, model.ProjectID(""))

	_, err = uc.CorrectNoteProject(ctx, model.NewNoteID(), b.ID)
	gt.True(t, errors.Is(err, model.ErrNotFound))
}
