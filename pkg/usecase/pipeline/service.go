package pipeline

import (
	"context"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/jotter/pkg/adapter"
	"github.com/m-mizutani/jotter/pkg/model"
	"github.com/m-mizutani/jotter/pkg/repository"
	"github.com/m-mizutani/jotter/pkg/usecase/digest"
	"github.com/m-mizutani/jotter/pkg/usecase/extraction"
	"github.com/m-mizutani/jotter/pkg/usecase/project"
	"github.com/m-mizutani/jotter/pkg/usecase/quota"
	"github.com/m-mizutani/jotter/pkg/usecase/session"
	"github.com/m-mizutani/jotter/pkg/utils/logging"
	"golang.org/x/sync/errgroup"
)

// Service wires the note pipeline together. Construct one per process and
// share it.
type Service struct {
	repo   repository.Repository
	ledger *quota.Ledger

	extractor *extraction.Orchestrator
	session   *session.Aggregator
	digests   *digest.Scheduler
	projects  *project.UseCase
	links     adapter.LinkFetcher

	momentum time.Duration
	now      func() time.Time
}

type config struct {
	links             adapter.LinkFetcher
	matcher           *project.Matcher
	policy            session.WarningPolicy
	now               func() time.Time
	extractionTimeout time.Duration
	digestTimeout     time.Duration
	freshness         time.Duration
	stall             time.Duration
	momentum          time.Duration
	recentWindow      time.Duration
	maxNotes          int
}

type Option func(*config)

// WithLinkFetcher enables URL metadata lookup for saved notes
func WithLinkFetcher(f adapter.LinkFetcher) Option {
	return func(c *config) {
		c.links = f
	}
}

func WithMatcher(m *project.Matcher) Option {
	return func(c *config) {
		c.matcher = m
	}
}

func WithWarningPolicy(p session.WarningPolicy) Option {
	return func(c *config) {
		c.policy = p
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *config) {
		c.now = now
	}
}

func WithExtractionTimeout(d time.Duration) Option {
	return func(c *config) {
		c.extractionTimeout = d
	}
}

func WithDigestTimeout(d time.Duration) Option {
	return func(c *config) {
		c.digestTimeout = d
	}
}

func WithFreshnessWindow(d time.Duration) Option {
	return func(c *config) {
		c.freshness = d
	}
}

func WithStallThreshold(d time.Duration) Option {
	return func(c *config) {
		c.stall = d
	}
}

func WithMomentumWindow(d time.Duration) Option {
	return func(c *config) {
		c.momentum = d
	}
}

// WithDigestNotes bounds the notes a digest summarizes to those saved within
// window before the digest day ends, at most max of them.
func WithDigestNotes(window time.Duration, max int) Option {
	return func(c *config) {
		c.recentWindow = window
		c.maxNotes = max
	}
}

func New(repo repository.Repository, gemini adapter.Gemini, ledger *quota.Ledger, opts ...Option) *Service {
	cfg := &config{
		matcher:           project.NewMatcher(),
		now:               time.Now,
		extractionTimeout: extraction.DefaultTimeout,
		digestTimeout:     digest.DefaultTimeout,
		freshness:         session.DefaultFreshnessWindow,
		stall:             session.DefaultStallThreshold,
		momentum:          session.DefaultMomentumWindow,
		recentWindow:      digest.DefaultRecentWindow,
		maxNotes:          digest.DefaultMaxNotes,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	sessionOpts := []session.Option{
		session.WithClock(cfg.now),
		session.WithFreshnessWindow(cfg.freshness),
		session.WithStallThreshold(cfg.stall),
		session.WithMomentumWindow(cfg.momentum),
	}
	if cfg.policy != nil {
		sessionOpts = append(sessionOpts, session.WithWarningPolicy(cfg.policy))
	}

	return &Service{
		repo:   repo,
		ledger: ledger,
		extractor: extraction.New(repo, gemini, ledger, cfg.matcher,
			extraction.WithTimeout(cfg.extractionTimeout),
			extraction.WithClock(cfg.now),
		),
		session: session.New(sessionOpts...),
		digests: digest.New(repo, gemini, ledger,
			digest.WithTimeout(cfg.digestTimeout),
			digest.WithClock(cfg.now),
			digest.WithRecentWindow(cfg.recentWindow),
			digest.WithMaxNotes(cfg.maxNotes),
		),
		projects: project.New(repo, cfg.matcher, project.WithClock(cfg.now)),
		links:    cfg.links,
		momentum: cfg.momentum,
		now:      cfg.now,
	}
}

// Projects exposes project management
func (s *Service) Projects() *project.UseCase {
	return s.projects
}

// Quota returns a copy of the current quota state
func (s *Service) Quota(ctx context.Context) *model.QuotaState {
	s.ledger.ResetIfPeriodElapsed(ctx)
	return s.ledger.Snapshot()
}

// SaveNoteInput is a captured note. Transcript holds speech-to-text or OCR output.
type SaveNoteInput struct {
	Content    string
	Transcript string
	Source     model.NoteSource
	ProjectID  model.ProjectID
}

// SaveNoteResult reports the stored note with what happened after saving it
type SaveNoteResult struct {
	Note       *model.Note
	Extraction *extraction.Outcome
	Links      []*model.Link
}

// SaveNote stores a note and runs extraction and URL lookups for it in
// parallel. Returns model.ErrQuotaExceeded when the note allowance is used
// up, and model.ErrEmptyNote when there is no text.
func (s *Service) SaveNote(ctx context.Context, input SaveNoteInput) (*SaveNoteResult, error) {
	content := strings.TrimSpace(input.Content)
	transcript := strings.TrimSpace(input.Transcript)
	if content == "" && transcript == "" {
		return nil, goerr.Wrap(model.ErrEmptyNote, "nothing to save")
	}
	if input.Source == "" {
		input.Source = model.NoteSourceTyped
	}

	if input.ProjectID != "" {
		if _, err := s.repo.GetProject(ctx, input.ProjectID); err != nil {
			return nil, err
		}
	}

	if err := s.ledger.Consume(ctx, model.QuotaNote); err != nil {
		return nil, err
	}

	now := s.now()
	note := &model.Note{
		ID:         model.NewNoteID(),
		Content:    content,
		Transcript: transcript,
		Source:     input.Source,
		ProjectID:  input.ProjectID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.repo.PutNote(ctx, note); err != nil {
		return nil, err
	}
	s.session.MarkStale()

	ctx = logging.With(ctx, logging.From(ctx).With("note_id", note.ID))
	result := &SaveNoteResult{Note: note}

	var eg errgroup.Group
	eg.Go(func() error {
		result.Extraction = s.extractor.ProcessNoteSave(ctx, extraction.Input{NoteID: note.ID})
		return nil
	})
	eg.Go(func() error {
		result.Links = s.fetchLinks(ctx, note)
		return nil
	})
	_ = eg.Wait()

	if result.Extraction.Applied() {
		result.Note = result.Extraction.Note
	}
	s.session.MarkStale()

	return result, nil
}

// RetryExtraction runs extraction again for a stored note
func (s *Service) RetryExtraction(ctx context.Context, noteID model.NoteID) *extraction.Outcome {
	outcome := s.extractor.ProcessNoteSave(ctx, extraction.Input{NoteID: noteID})
	if outcome.Applied() {
		s.session.MarkStale()
	}
	return outcome
}

// ActivateResult is the state shown when the app comes to the foreground
type ActivateResult struct {
	Snapshot model.SessionSnapshot
	Digest   *digest.Outcome
}

// Activate refreshes the session when stale and then makes sure today's
// digest exists.
func (s *Service) Activate(ctx context.Context) *ActivateResult {
	s.ledger.ResetIfPeriodElapsed(ctx)
	snapshot := s.RefreshSession(ctx)

	input := digest.Input{Today: s.now(), Snapshot: snapshot}
	if actions, err := s.repo.ListActions(ctx, ""); err == nil {
		input.OpenActions = actions
	} else {
		logging.From(ctx).Warn("failed to load actions for digest", "error", err)
	}

	return &ActivateResult{
		Snapshot: snapshot,
		Digest:   s.digests.CheckAndGenerate(ctx, input),
	}
}

// RefreshSession returns the session snapshot, recomputing it when stale
func (s *Service) RefreshSession(ctx context.Context) model.SessionSnapshot {
	return s.session.RefreshWith(ctx, s.loadSessionInputs)
}

// MarkSessionStale forces the next refresh to recompute
func (s *Service) MarkSessionStale() {
	s.session.MarkStale()
}

func (s *Service) loadSessionInputs(ctx context.Context) (*session.Inputs, error) {
	var in session.Inputs
	var eg errgroup.Group
	eg.Go(func() (err error) {
		// momentum compares two windows, nothing older is counted
		since := s.now().Add(-2 * s.momentum)
		in.Notes, err = s.repo.ListNotes(ctx, repository.ListNotesInput{Since: since})
		return err
	})
	eg.Go(func() (err error) {
		in.Actions, err = s.repo.ListActions(ctx, "")
		return err
	})
	eg.Go(func() (err error) {
		in.Commitments, err = s.repo.ListCommitments(ctx, "")
		return err
	})
	eg.Go(func() (err error) {
		in.Unresolved, err = s.repo.ListUnresolved(ctx, "")
		return err
	})
	if err := eg.Wait(); err != nil {
		return nil, goerr.Wrap(err, "failed to load session inputs")
	}
	return &in, nil
}

// GetDigest returns the stored digest for the day of date
func (s *Service) GetDigest(ctx context.Context, date time.Time) (*model.DailyDigest, error) {
	return s.digests.Get(ctx, date)
}

// ListDigests returns stored digests, newest first
func (s *Service) ListDigests(ctx context.Context, limit int) ([]*model.DailyDigest, error) {
	return s.digests.List(ctx, limit)
}

// GenerateDigest makes sure the digest for the day of date exists
func (s *Service) GenerateDigest(ctx context.Context, date time.Time) *digest.Outcome {
	return s.digests.CheckAndGenerate(ctx, s.digestInput(ctx, date))
}

// RegenerateDigest replaces the digest for the day of date
func (s *Service) RegenerateDigest(ctx context.Context, date time.Time) *digest.Outcome {
	return s.digests.Regenerate(ctx, s.digestInput(ctx, date))
}

func (s *Service) digestInput(ctx context.Context, date time.Time) digest.Input {
	if date.IsZero() {
		date = s.now()
	}
	input := digest.Input{Today: date}
	if model.DateKey(date) == model.DateKey(s.now()) {
		input.Snapshot = s.RefreshSession(ctx)
	}
	if actions, err := s.repo.ListActions(ctx, ""); err == nil {
		input.OpenActions = actions
	}
	return input
}
