package repository_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/jotter/pkg/model"
	"github.com/m-mizutani/jotter/pkg/repository"
)

func newNote(content string, createdAt time.Time) *model.Note {
	return &model.Note{
		ID:        model.NewNoteID(),
		Content:   content,
		Source:    model.NoteSourceTyped,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
}

func testRepository(t *testing.T, newRepo func(t *testing.T) repository.Repository) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	t.Run("note round trip", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()

		note := newNote("Call Priya about the Q3 budget", now)
		note.NextStep = &model.NextStep{Text: "Call Priya", Type: model.NextStepContact}
		gt.NoError(t, repo.PutNote(ctx, note))

		got, err := repo.GetNote(ctx, note.ID)
		gt.NoError(t, err)
		gt.Equal(t, got.Content, note.Content)
		gt.V(t, got.NextStep).NotNil()
		gt.Equal(t, got.NextStep.Type, model.NextStepContact)
		gt.True(t, got.CreatedAt.Equal(now))
	})

	t.Run("missing note is not found", func(t *testing.T) {
		repo := newRepo(t)
		_, err := repo.GetNote(context.Background(), model.NewNoteID())
		gt.True(t, errors.Is(err, model.ErrNotFound))
	})

	t.Run("list notes newest first with since and limit", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()

		for i := 0; i < 5; i++ {
			gt.NoError(t, repo.PutNote(ctx, newNote("note", now.Add(time.Duration(i)*time.Hour))))
		}

		notes, err := repo.ListNotes(ctx, repository.ListNotesInput{})
		gt.NoError(t, err)
		gt.A(t, notes).Length(5)
		gt.True(t, notes[0].CreatedAt.After(notes[1].CreatedAt))

		notes, err = repo.ListNotes(ctx, repository.ListNotesInput{Since: now.Add(3 * time.Hour)})
		gt.NoError(t, err)
		gt.A(t, notes).Length(2)

		notes, err = repo.ListNotes(ctx, repository.ListNotesInput{Limit: 3})
		gt.NoError(t, err)
		gt.A(t, notes).Length(3)

		// the limit applies after the upper bound
		notes, err = repo.ListNotes(ctx, repository.ListNotesInput{Until: now.Add(2 * time.Hour), Limit: 3})
		gt.NoError(t, err)
		gt.A(t, notes).Length(2)
		gt.True(t, notes[0].CreatedAt.Equal(now.Add(time.Hour)))
		gt.True(t, notes[1].CreatedAt.Equal(now))

		notes, err = repo.ListNotes(ctx, repository.ListNotesInput{Since: now.Add(time.Hour), Until: now.Add(3 * time.Hour)})
		gt.NoError(t, err)
		gt.A(t, notes).Length(2)
	})

	t.Run("list notes orders sub-second times", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()

		whole := newNote("whole second", now)
		later := newNote("half a second later", now.Add(500*time.Millisecond))
		gt.NoError(t, repo.PutNote(ctx, whole))
		gt.NoError(t, repo.PutNote(ctx, later))

		notes, err := repo.ListNotes(ctx, repository.ListNotesInput{})
		gt.NoError(t, err)
		gt.A(t, notes).Length(2)
		gt.Equal(t, notes[0].ID, later.ID)

		notes, err = repo.ListNotes(ctx, repository.ListNotesInput{Since: now.Add(100 * time.Millisecond)})
		gt.NoError(t, err)
		gt.A(t, notes).Length(1)
		gt.Equal(t, notes[0].ID, later.ID)
	})

	t.Run("apply extraction merges onto the stored note", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()

		inferred := &model.Project{ID: model.NewProjectID(), Name: "Apollo", CreatedAt: now}
		chosen := &model.Project{ID: model.NewProjectID(), Name: "Gemini", CreatedAt: now}
		gt.NoError(t, repo.PutProject(ctx, inferred))
		gt.NoError(t, repo.PutProject(ctx, chosen))

		note := newNote("apollo status", now)
		gt.NoError(t, repo.PutNote(ctx, note))

		// derived fields computed from the note as it was read
		derived := *note
		derived.Title = "Apollo status"
		derived.Intent = model.IntentReference
		derived.NextStep = &model.NextStep{Text: "Send status", Type: model.NextStepSimple}
		derived.Extraction = model.ExtractionState{Status: model.ExtractionSucceeded}

		// meanwhile the user edits the note and picks a project
		edited := *note
		edited.Content = "apollo status, edited"
		edited.ProjectID = chosen.ID
		gt.NoError(t, repo.PutNote(ctx, &edited))

		batch := &model.ExtractionBatch{
			Note:           &derived,
			MatchedProject: inferred.ID,
			ProcessedAt:    now.Add(time.Hour),
		}
		gt.NoError(t, repo.ApplyExtraction(ctx, batch))

		got, err := repo.GetNote(ctx, note.ID)
		gt.NoError(t, err)
		gt.Equal(t, got.Content, "apollo status, edited")
		gt.Equal(t, got.ProjectID, chosen.ID)
		gt.False(t, got.ProjectAutoAssigned)
		gt.Equal(t, got.Title, "Apollo status")
		gt.Equal(t, got.Intent, model.IntentReference)
		gt.Equal(t, got.NextStep.Text, "Send status")
		gt.Equal(t, got.Extraction.Status, model.ExtractionSucceeded)
		gt.Equal(t, batch.Note.ProjectID, chosen.ID)

		p, err := repo.GetProject(ctx, inferred.ID)
		gt.NoError(t, err)
		gt.True(t, p.LastActiveAt.IsZero())
	})

	t.Run("apply extraction replaces entities and keeps tag links", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()

		note := newNote("Met with Priya and Sam. We decided to ship Friday. #Launch", now)
		gt.NoError(t, repo.PutNote(ctx, note))

		first := &model.ExtractionBatch{
			Note:        note,
			TagNames:    []string{"launch", "#Planning"},
			Decisions:   []*model.Decision{{ID: model.NewDecisionID(), Content: "Ship Friday", Confidence: 0.9}},
			Actions:     []*model.Action{{ID: model.NewActionID(), Content: "Draft release notes"}},
			PeopleNames: []string{"Priya", "Sam", "priya"},
			ProcessedAt: now,
		}
		gt.NoError(t, repo.ApplyExtraction(ctx, first))

		second := &model.ExtractionBatch{
			Note:        note,
			TagNames:    []string{"LAUNCH", "release"},
			Decisions:   []*model.Decision{{ID: model.NewDecisionID(), Content: "Ship Friday after QA"}},
			PeopleNames: []string{"Priya"},
			ProcessedAt: now.Add(time.Minute),
		}
		gt.NoError(t, repo.ApplyExtraction(ctx, second))

		decisions, err := repo.ListDecisions(ctx, note.ID)
		gt.NoError(t, err)
		gt.A(t, decisions).Length(1)
		gt.Equal(t, decisions[0].Content, "Ship Friday after QA")
		gt.Equal(t, decisions[0].NoteID, note.ID)

		actions, err := repo.ListActions(ctx, note.ID)
		gt.NoError(t, err)
		gt.A(t, actions).Length(0)

		tags, err := repo.ListTags(ctx)
		gt.NoError(t, err)
		gt.A(t, tags).Length(3)

		noteTags, err := repo.ListNoteTags(ctx, note.ID)
		gt.NoError(t, err)
		gt.A(t, noteTags).Length(3)

		priya, err := repo.GetPersonByName(ctx, "  PRIYA ")
		gt.NoError(t, err)
		gt.Equal(t, priya.MentionCount, 1)
		gt.True(t, priya.LastSeenAt.Equal(now.Add(time.Minute)))
	})

	t.Run("apply extraction on deleted note is rejected", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()

		note := newNote("gone soon", now)
		gt.NoError(t, repo.PutNote(ctx, note))
		gt.NoError(t, repo.DeleteNote(ctx, note.ID))

		err := repo.ApplyExtraction(ctx, &model.ExtractionBatch{
			Note:        note,
			TagNames:    []string{"orphan"},
			Actions:     []*model.Action{{ID: model.NewActionID(), Content: "never stored"}},
			ProcessedAt: now,
		})
		gt.True(t, errors.Is(err, model.ErrNotFound))

		actions, err := repo.ListActions(ctx, "")
		gt.NoError(t, err)
		gt.A(t, actions).Length(0)
		tags, err := repo.ListTags(ctx)
		gt.NoError(t, err)
		gt.A(t, tags).Length(0)
	})

	t.Run("delete note cascades", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()

		note := newNote("see https://example.com", now)
		gt.NoError(t, repo.PutNote(ctx, note))
		gt.NoError(t, repo.ApplyExtraction(ctx, &model.ExtractionBatch{
			Note:        note,
			Commitments: []*model.Commitment{{ID: model.NewCommitmentID(), Content: "Send deck", Owner: "me", Counterparty: "Dana"}},
			PeopleNames: []string{"Dana"},
			ProcessedAt: now,
		}))
		gt.NoError(t, repo.PutLink(ctx, &model.Link{ID: model.NewLinkID(), NoteID: note.ID, URL: "https://example.com", FetchedAt: now}))

		dana, err := repo.GetPersonByName(ctx, "dana")
		gt.NoError(t, err)
		gt.Equal(t, dana.OpenCommitments, 1)

		gt.NoError(t, repo.DeleteNote(ctx, note.ID))

		commitments, err := repo.ListCommitments(ctx, note.ID)
		gt.NoError(t, err)
		gt.A(t, commitments).Length(0)
		links, err := repo.ListLinks(ctx, note.ID)
		gt.NoError(t, err)
		gt.A(t, links).Length(0)

		dana, err = repo.GetPersonByName(ctx, "dana")
		gt.NoError(t, err)
		gt.Equal(t, dana.OpenCommitments, 0)

		gt.True(t, errors.Is(repo.DeleteNote(ctx, note.ID), model.ErrNotFound))
	})

	t.Run("completing a commitment updates open count", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()

		note := newNote("Promised Lee the contract", now)
		gt.NoError(t, repo.PutNote(ctx, note))
		c := &model.Commitment{ID: model.NewCommitmentID(), Content: "Send contract", Owner: "me", Counterparty: "Lee"}
		gt.NoError(t, repo.ApplyExtraction(ctx, &model.ExtractionBatch{
			Note:        note,
			Commitments: []*model.Commitment{c},
			PeopleNames: []string{"Lee"},
			ProcessedAt: now,
		}))

		doneAt := now.Add(time.Hour)
		c.Completed = true
		c.CompletedAt = &doneAt
		gt.NoError(t, repo.PutCommitment(ctx, c))

		lee, err := repo.GetPersonByName(ctx, "Lee")
		gt.NoError(t, err)
		gt.Equal(t, lee.OpenCommitments, 0)

		missing := &model.Action{ID: model.NewActionID()}
		gt.True(t, errors.Is(repo.PutAction(ctx, missing), model.ErrNotFound))
	})

	t.Run("project aliases and activity", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()

		p := &model.Project{ID: model.NewProjectID(), Name: "Apollo", Aliases: []string{"moon", "apollo launch"}, CreatedAt: now}
		gt.NoError(t, repo.PutProject(ctx, p))

		note := newNote("apollo status", now)
		gt.NoError(t, repo.PutNote(ctx, note))
		gt.NoError(t, repo.ApplyExtraction(ctx, &model.ExtractionBatch{
			Note:           note,
			MatchedProject: p.ID,
			ProcessedAt:    now.Add(2 * time.Hour),
		}))

		stored, err := repo.GetNote(ctx, note.ID)
		gt.NoError(t, err)
		gt.Equal(t, stored.ProjectID, p.ID)
		gt.True(t, stored.ProjectAutoAssigned)

		got, err := repo.GetProject(ctx, p.ID)
		gt.NoError(t, err)
		gt.A(t, got.Aliases).Length(2)
		gt.Equal(t, got.Aliases[1], "apollo launch")
		gt.True(t, got.LastActiveAt.Equal(now.Add(2*time.Hour)))

		projects, err := repo.ListProjects(ctx)
		gt.NoError(t, err)
		gt.A(t, projects).Length(1)
	})

	t.Run("digest create is exclusive per date", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()

		d := &model.DailyDigest{
			ID:            model.NewDigestID(),
			DateKey:       "2026-03-10",
			Date:          now,
			GeneratedAt:   now,
			Narrative:     "A focused day.",
			Highlights:    []model.DigestHighlight{{Title: "Shipped", Detail: "v1 is out"}},
			Warnings:      []model.DigestWarning{{Title: "Overdue", Detail: "two actions", Severity: "high"}},
			NoteCount:     4,
			Revision:      1,
			SchemaVersion: model.DigestSchemaVersion,
		}
		gt.NoError(t, repo.CreateDigest(ctx, d))

		dup := *d
		dup.ID = model.NewDigestID()
		gt.True(t, errors.Is(repo.CreateDigest(ctx, &dup), model.ErrDigestExists))

		replaced := *d
		replaced.Narrative = "Revised."
		replaced.Highlights = nil
		replaced.Revision = 2
		gt.NoError(t, repo.ReplaceDigest(ctx, &replaced))

		got, err := repo.GetDigest(ctx, "2026-03-10")
		gt.NoError(t, err)
		gt.Equal(t, got.Narrative, "Revised.")
		gt.Equal(t, got.Revision, 2)
		gt.A(t, got.Highlights).Length(0)
		gt.A(t, got.Warnings).Length(1)
		gt.Equal(t, got.Warnings[0].Severity, "high")

		_, err = repo.GetDigest(ctx, "2026-03-11")
		gt.True(t, errors.Is(err, model.ErrNotFound))

		list, err := repo.ListDigests(ctx, 10)
		gt.NoError(t, err)
		gt.A(t, list).Length(1)
	})

	t.Run("concurrent digest creation stores one", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()

		var wg sync.WaitGroup
		var mu sync.Mutex
		created := 0
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := repo.CreateDigest(ctx, &model.DailyDigest{
					ID:          model.NewDigestID(),
					DateKey:     "2026-03-12",
					Date:        now,
					GeneratedAt: now,
					Revision:    1,
				})
				if err == nil {
					mu.Lock()
					created++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		gt.Equal(t, created, 1)
	})

	t.Run("quota state", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()

		state, err := repo.GetQuotaState(ctx)
		gt.NoError(t, err)
		gt.V(t, state).Nil()

		gt.NoError(t, repo.PutQuotaState(ctx, &model.QuotaState{
			Counters: map[model.QuotaCategory]*model.QuotaCounter{
				model.QuotaExtraction: {Remaining: 3, Max: 30, Reset: model.ResetMonthly, FreeGrantUsed: true, PeriodStart: now},
			},
			UpdatedAt: now,
		}))

		state, err = repo.GetQuotaState(ctx)
		gt.NoError(t, err)
		gt.V(t, state).NotNil()
		c := state.Counters[model.QuotaExtraction]
		gt.V(t, c).NotNil()
		gt.Equal(t, c.Remaining, 3)
		gt.True(t, c.FreeGrantUsed)
		gt.True(t, c.PeriodStart.Equal(now))
	})
}

func TestMemory(t *testing.T) {
	testRepository(t, func(t *testing.T) repository.Repository {
		return repository.NewMemory()
	})
}

func TestSQLite(t *testing.T) {
	testRepository(t, func(t *testing.T) repository.Repository {
		repo, err := repository.NewSQLite(filepath.Join(t.TempDir(), "jotter.db"))
		gt.NoError(t, err)
		t.Cleanup(func() { repo.Close() })
		return repo
	})
}

func TestSQLiteReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "jotter.db")

	repo, err := repository.NewSQLite(path)
	gt.NoError(t, err)
	note := newNote("persisted", time.Now())
	gt.NoError(t, repo.PutNote(ctx, note))
	gt.NoError(t, repo.Close())

	repo, err = repository.NewSQLite(path)
	gt.NoError(t, err)
	defer repo.Close()

	got, err := repo.GetNote(ctx, note.ID)
	gt.NoError(t, err)
	gt.Equal(t, got.Content, "persisted")
}
