package project

import (
	"context"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/jotter/pkg/model"
	"github.com/m-mizutani/jotter/pkg/repository"
	"github.com/m-mizutani/jotter/pkg/utils/logging"
)

// UseCase manages projects and applies the matcher to stored data
type UseCase struct {
	repo    repository.Repository
	matcher *Matcher
	now     func() time.Time
}

type Option func(*UseCase)

func WithClock(now func() time.Time) Option {
	return func(uc *UseCase) {
		uc.now = now
	}
}

func New(repo repository.Repository, matcher *Matcher, opts ...Option) *UseCase {
	if matcher == nil {
		matcher = NewMatcher()
	}
	uc := &UseCase{
		repo:    repo,
		matcher: matcher,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(uc)
	}
	return uc
}

// Matcher returns the matcher used by the use case
func (uc *UseCase) Matcher() *Matcher {
	return uc.matcher
}

// Create adds a project. Names are unique ignoring case.
func (uc *UseCase) Create(ctx context.Context, name string, aliases []string) (*model.Project, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, goerr.Wrap(model.ErrInvalidProject, "project name is empty")
	}

	projects, err := uc.repo.ListProjects(ctx)
	if err != nil {
		return nil, err
	}
	for _, p := range projects {
		if strings.EqualFold(p.Name, name) {
			return nil, goerr.Wrap(model.ErrProjectExists, "duplicate project name", goerr.V("name", name))
		}
	}

	now := uc.now()
	p := &model.Project{
		ID:        model.NewProjectID(),
		Name:      name,
		CreatedAt: now,
	}
	for _, alias := range aliases {
		alias = strings.TrimSpace(alias)
		if alias != "" && !p.HasAlias(alias) {
			p.Aliases = append(p.Aliases, alias)
		}
	}

	if err := uc.repo.PutProject(ctx, p); err != nil {
		return nil, err
	}
	logging.From(ctx).Info("project created", "project_id", p.ID, "name", p.Name)
	return p, nil
}

// List returns projects, skipping archived ones unless includeArchived
func (uc *UseCase) List(ctx context.Context, includeArchived bool) ([]*model.Project, error) {
	projects, err := uc.repo.ListProjects(ctx)
	if err != nil {
		return nil, err
	}
	if includeArchived {
		return projects, nil
	}
	active := projects[:0]
	for _, p := range projects {
		if !p.Archived {
			active = append(active, p)
		}
	}
	return active, nil
}

// Resolve finds a project by ID or by case-insensitive name
func (uc *UseCase) Resolve(ctx context.Context, ref string) (*model.Project, error) {
	ref = strings.TrimSpace(ref)
	if p, err := uc.repo.GetProject(ctx, model.ProjectID(ref)); err == nil {
		return p, nil
	}

	projects, err := uc.repo.ListProjects(ctx)
	if err != nil {
		return nil, err
	}
	for _, p := range projects {
		if strings.EqualFold(p.Name, ref) {
			return p, nil
		}
	}
	return nil, goerr.Wrap(model.ErrNotFound, "project not found", goerr.V("ref", ref))
}

// AddAlias appends an alias by hand, with the same rules as learning
func (uc *UseCase) AddAlias(ctx context.Context, id model.ProjectID, alias string) (*model.Project, error) {
	p, err := uc.repo.GetProject(ctx, id)
	if err != nil {
		return nil, err
	}
	if !uc.matcher.LearnFromCorrection(alias, p) {
		return p, nil
	}
	if err := uc.repo.PutProject(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// Archive hides a project from matching, or restores it
func (uc *UseCase) Archive(ctx context.Context, id model.ProjectID, archived bool) (*model.Project, error) {
	p, err := uc.repo.GetProject(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Archived == archived {
		return p, nil
	}
	p.Archived = archived
	if err := uc.repo.PutProject(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// Match runs the matcher over all stored projects
func (uc *UseCase) Match(ctx context.Context, text string) (*Match, error) {
	projects, err := uc.repo.ListProjects(ctx)
	if err != nil {
		return nil, err
	}
	return uc.matcher.FindMatch(text, projects), nil
}

// CorrectionResult describes what CorrectNoteProject changed
type CorrectionResult struct {
	Note         *model.Note
	Project      *model.Project
	LearnedAlias bool
}

// CorrectNoteProject moves a note to projectID, set by the user. When the
// previous assignment came from inference, the inferred project text is
// learned as an alias of the chosen project so the next match goes right.
// An empty projectID clears the assignment.
func (uc *UseCase) CorrectNoteProject(ctx context.Context, noteID model.NoteID, projectID model.ProjectID) (*CorrectionResult, error) {
	note, err := uc.repo.GetNote(ctx, noteID)
	if err != nil {
		return nil, err
	}

	result := &CorrectionResult{Note: note}
	wasInferred := note.ProjectAutoAssigned || (note.ProjectID == "" && note.InferredProject != "")

	if projectID != "" {
		p, err := uc.repo.GetProject(ctx, projectID)
		if err != nil {
			return nil, err
		}
		result.Project = p

		if wasInferred && note.ProjectID != projectID && note.InferredProject != "" {
			if uc.matcher.LearnFromCorrection(note.InferredProject, p) {
				if err := uc.repo.PutProject(ctx, p); err != nil {
					return nil, err
				}
				result.LearnedAlias = true
				logging.From(ctx).Info("learned project alias",
					"project_id", p.ID,
					"alias", p.Aliases[len(p.Aliases)-1])
			}
		}
	}

	note.ProjectID = projectID
	note.ProjectAutoAssigned = false
	note.UpdatedAt = uc.now()
	if err := uc.repo.PutNote(ctx, note); err != nil {
		return nil, err
	}
	return result, nil
}
