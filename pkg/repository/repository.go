package repository

import (
	"context"
	"time"

	"github.com/m-mizutani/jotter/pkg/model"
)

// ListNotesInput filters ListNotes. Results are ordered by CreatedAt descending.
type ListNotesInput struct {
	Since time.Time // zero means no lower bound
	Until time.Time // exclusive; zero means no upper bound
	Limit int       // zero means no limit
}

// Repository defines the interface for note and intelligence data persistence
type Repository interface {
	// PutNote creates or overwrites a note
	PutNote(ctx context.Context, note *model.Note) error

	// GetNote retrieves a note by ID. Returns model.ErrNotFound if missing.
	GetNote(ctx context.Context, id model.NoteID) (*model.Note, error)

	// ListNotes retrieves notes, newest first
	ListNotes(ctx context.Context, input ListNotesInput) ([]*model.Note, error)

	// DeleteNote removes a note with its extracted entities, tag links and links
	DeleteNote(ctx context.Context, id model.NoteID) error

	// ApplyExtraction writes an extraction batch atomically
	ApplyExtraction(ctx context.Context, batch *model.ExtractionBatch) error

	ListTags(ctx context.Context) ([]*model.Tag, error)
	ListNoteTags(ctx context.Context, noteID model.NoteID) ([]*model.Tag, error)

	PutProject(ctx context.Context, project *model.Project) error
	GetProject(ctx context.Context, id model.ProjectID) (*model.Project, error)
	ListProjects(ctx context.Context) ([]*model.Project, error)

	// List* of extracted entities filter by note when noteID is not empty
	ListDecisions(ctx context.Context, noteID model.NoteID) ([]*model.Decision, error)
	ListActions(ctx context.Context, noteID model.NoteID) ([]*model.Action, error)
	ListCommitments(ctx context.Context, noteID model.NoteID) ([]*model.Commitment, error)
	ListUnresolved(ctx context.Context, noteID model.NoteID) ([]*model.UnresolvedItem, error)

	// Put* of extracted entities only update existing records (completion flags)
	PutAction(ctx context.Context, action *model.Action) error
	PutCommitment(ctx context.Context, commitment *model.Commitment) error
	PutUnresolved(ctx context.Context, item *model.UnresolvedItem) error

	ListPeople(ctx context.Context) ([]*model.Person, error)
	GetPersonByName(ctx context.Context, name string) (*model.Person, error)

	PutLink(ctx context.Context, link *model.Link) error
	ListLinks(ctx context.Context, noteID model.NoteID) ([]*model.Link, error)

	// GetDigest retrieves the digest for a date key. Returns model.ErrNotFound if missing.
	GetDigest(ctx context.Context, dateKey string) (*model.DailyDigest, error)

	// CreateDigest stores a digest only if none exists for its date key,
	// otherwise returns model.ErrDigestExists.
	CreateDigest(ctx context.Context, digest *model.DailyDigest) error

	// ReplaceDigest overwrites the digest for its date key
	ReplaceDigest(ctx context.Context, digest *model.DailyDigest) error

	// ListDigests returns digests newest first
	ListDigests(ctx context.Context, limit int) ([]*model.DailyDigest, error)

	// GetQuotaState returns nil without error when no state was stored yet
	GetQuotaState(ctx context.Context) (*model.QuotaState, error)
	PutQuotaState(ctx context.Context, state *model.QuotaState) error

	Close() error
}
