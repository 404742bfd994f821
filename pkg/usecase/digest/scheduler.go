package digest

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"strings"
	"text/template"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/jotter/pkg/adapter"
	"github.com/m-mizutani/jotter/pkg/model"
	"github.com/m-mizutani/jotter/pkg/repository"
	"github.com/m-mizutani/jotter/pkg/usecase/quota"
	"github.com/m-mizutani/jotter/pkg/utils/logging"
	"golang.org/x/sync/singleflight"
	"google.golang.org/genai"
)

//go:embed prompt/digest.md
var digestPromptRaw string

var digestPromptTmpl = template.Must(template.New("digest").Parse(digestPromptRaw))

const (
	DefaultTimeout      = 60 * time.Second
	DefaultRecentWindow = 24 * time.Hour
	DefaultMaxNotes     = 50

	maxNoteBody = 600
)

type Status string

const (
	StatusGenerated       Status = "generated"
	StatusExisting        Status = "existing"
	StatusRegenerated     Status = "regenerated"
	StatusPartial         Status = "partial"
	StatusQuotaExceeded   Status = "quota_exceeded"
	StatusInferenceFailed Status = "inference_failed"
	StatusFailed          Status = "failed"
)

// Input carries what a digest is written from. Notes are loaded from the
// repository when nil; OpenActions are optional.
type Input struct {
	Today       time.Time
	Snapshot    model.SessionSnapshot
	Notes       []*model.Note
	OpenActions []*model.Action
}

// Outcome of a digest request. Callers collapsed into one generation share
// the same Outcome and must not modify Digest.
type Outcome struct {
	Status Status
	Digest *model.DailyDigest
	Err    error
}

// HasDigest reports whether the outcome carries a stored digest
func (x *Outcome) HasDigest() bool {
	return x.Digest != nil
}

// Scheduler produces at most one digest per calendar day
type Scheduler struct {
	repo         repository.Repository
	gemini       adapter.Gemini
	ledger       *quota.Ledger
	timeout      time.Duration
	recentWindow time.Duration
	maxNotes     int
	now          func() time.Time

	group singleflight.Group
}

type Option func(*Scheduler)

func WithTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		s.timeout = d
	}
}

func WithRecentWindow(d time.Duration) Option {
	return func(s *Scheduler) {
		s.recentWindow = d
	}
}

func WithMaxNotes(n int) Option {
	return func(s *Scheduler) {
		s.maxNotes = n
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

func New(repo repository.Repository, gemini adapter.Gemini, ledger *quota.Ledger, opts ...Option) *Scheduler {
	s := &Scheduler{
		repo:         repo,
		gemini:       gemini,
		ledger:       ledger,
		timeout:      DefaultTimeout,
		recentWindow: DefaultRecentWindow,
		maxNotes:     DefaultMaxNotes,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CheckAndGenerate returns the stored digest for the day of input.Today, or
// generates it with one inference call when there is none.
func (s *Scheduler) CheckAndGenerate(ctx context.Context, input Input) *Outcome {
	return s.do(ctx, input, false)
}

// Regenerate replaces the digest for the day of input.Today, or creates it
func (s *Scheduler) Regenerate(ctx context.Context, input Input) *Outcome {
	return s.do(ctx, input, true)
}

// do runs one generation per date at a time. Concurrent callers for the same
// date wait for the running one and receive its outcome.
func (s *Scheduler) do(ctx context.Context, input Input, replace bool) *Outcome {
	if input.Today.IsZero() {
		input.Today = s.now()
	}
	key := model.DateKey(input.Today)

	// the flight outlives any single caller's cancellation
	flightCtx := context.WithoutCancel(ctx)
	ch := s.group.DoChan(key, func() (any, error) {
		if replace {
			return s.regenerate(flightCtx, key, input), nil
		}
		return s.checkAndGenerate(flightCtx, key, input), nil
	})

	select {
	case res := <-ch:
		return res.Val.(*Outcome)
	case <-ctx.Done():
		return &Outcome{Status: StatusFailed, Err: goerr.Wrap(ctx.Err(), "gave up waiting for digest", goerr.V("date", key))}
	}
}

func (s *Scheduler) checkAndGenerate(ctx context.Context, key string, input Input) *Outcome {
	existing, err := s.repo.GetDigest(ctx, key)
	if err == nil {
		return &Outcome{Status: StatusExisting, Digest: existing}
	}
	if !errors.Is(err, model.ErrNotFound) {
		return &Outcome{Status: StatusFailed, Err: err}
	}

	g, outcome := s.generate(ctx, key, input)
	if outcome != nil {
		return outcome
	}
	d := g.digest
	d.ID = model.NewDigestID()
	d.Revision = 1

	if err := s.repo.CreateDigest(ctx, d); err != nil {
		g.reservation.Release(ctx)
		if errors.Is(err, model.ErrDigestExists) {
			// another process stored one first
			if stored, getErr := s.repo.GetDigest(ctx, key); getErr == nil {
				return &Outcome{Status: StatusExisting, Digest: stored}
			}
		}
		return &Outcome{Status: StatusFailed, Err: err}
	}
	g.reservation.Commit()

	return g.outcome(ctx, StatusGenerated)
}

func (s *Scheduler) regenerate(ctx context.Context, key string, input Input) *Outcome {
	previous, err := s.repo.GetDigest(ctx, key)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return &Outcome{Status: StatusFailed, Err: err}
	}

	g, outcome := s.generate(ctx, key, input)
	if outcome != nil {
		if previous != nil {
			outcome.Digest = previous
		}
		return outcome
	}

	d := g.digest
	d.ID = model.NewDigestID()
	d.Revision = 1
	if previous != nil {
		d.ID = previous.ID
		d.Revision = previous.Revision + 1
	}

	if err := s.repo.ReplaceDigest(ctx, d); err != nil {
		g.reservation.Release(ctx)
		return &Outcome{Status: StatusFailed, Digest: previous, Err: err}
	}
	g.reservation.Commit()

	return g.outcome(ctx, StatusRegenerated)
}

type generated struct {
	digest      *model.DailyDigest
	reservation *quota.Reservation
	complete    bool
}

// outcome reports a stored digest whose response lost fields as partial
func (g *generated) outcome(ctx context.Context, status Status) *Outcome {
	if !g.complete {
		logging.From(ctx).Warn("digest response was only partly parsed", "date", g.digest.DateKey)
		return &Outcome{
			Status: StatusPartial,
			Digest: g.digest,
			Err:    goerr.New("digest response could not be fully parsed", goerr.V("date", g.digest.DateKey)),
		}
	}
	return &Outcome{Status: status, Digest: g.digest}
}

// generate reserves quota and makes the inference call. On failure it returns
// a non-nil outcome and has already released the reservation.
func (s *Scheduler) generate(ctx context.Context, key string, input Input) (*generated, *Outcome) {
	logger := logging.From(ctx).With("date", key)

	reservation, err := s.ledger.Reserve(ctx, model.QuotaDailyDigest)
	if err != nil {
		logger.Info("digest skipped by quota", "error", err)
		return nil, &Outcome{Status: StatusQuotaExceeded, Err: err}
	}

	notes, err := s.recentNotes(ctx, input)
	if err != nil {
		reservation.Release(ctx)
		return nil, &Outcome{Status: StatusFailed, Err: err}
	}

	raw, err := s.infer(ctx, key, input, notes)
	if err != nil {
		reservation.Release(ctx)
		logger.Warn("digest inference failed", "error", err)
		return nil, &Outcome{Status: StatusInferenceFailed, Err: err}
	}

	r, ok, complete := parseResult(raw)
	if !ok {
		reservation.Release(ctx)
		err := goerr.New("digest response is not a JSON object", goerr.V("response", raw))
		logger.Warn("digest response unusable", "error", err)
		return nil, &Outcome{Status: StatusInferenceFailed, Err: err}
	}

	date, err := model.ParseDateKey(key, input.Today.Location())
	if err != nil {
		reservation.Release(ctx)
		return nil, &Outcome{Status: StatusFailed, Err: goerr.Wrap(err, "invalid date key")}
	}

	d := &model.DailyDigest{
		DateKey:          key,
		Date:             date,
		GeneratedAt:      s.now(),
		Narrative:        r.Narrative,
		Highlights:       r.Highlights,
		Warnings:         r.Warnings,
		SuggestedActions: r.SuggestedActions,
		NoteCount:        len(notes),
		SchemaVersion:    model.DigestSchemaVersion,
	}
	return &generated{digest: d, reservation: reservation, complete: complete}, nil
}

func (s *Scheduler) recentNotes(ctx context.Context, input Input) ([]*model.Note, error) {
	// notes written after the digest's day belong to a later digest
	end := model.StartOfDay(input.Today).AddDate(0, 0, 1)

	notes := input.Notes
	if notes == nil {
		var err error
		notes, err = s.repo.ListNotes(ctx, repository.ListNotesInput{
			Since: model.StartOfDay(input.Today).Add(-s.recentWindow),
			Until: end,
			Limit: s.maxNotes,
		})
		if err != nil {
			return nil, err
		}
	}

	out := make([]*model.Note, 0, len(notes))
	for _, n := range notes {
		if n.CreatedAt.Before(end) {
			out = append(out, n)
		}
		if len(out) == s.maxNotes {
			break
		}
	}
	return out, nil
}

type promptNote struct {
	Title string
	Body  string
}

func (s *Scheduler) infer(ctx context.Context, key string, input Input, notes []*model.Note) (string, error) {
	items := make([]promptNote, 0, len(notes))
	for _, n := range notes {
		body := strings.TrimSpace(n.Text())
		if r := []rune(body); len(r) > maxNoteBody {
			body = string(r[:maxNoteBody]) + "…"
		}
		items = append(items, promptNote{Title: n.DisplayTitle(), Body: body})
	}
	var actions []string
	for _, a := range input.OpenActions {
		if a.Completed {
			continue
		}
		line := a.Content
		if a.Owner != "" {
			line += " (" + a.Owner + ")"
		}
		if a.Deadline != "" {
			line += " due " + a.Deadline
		}
		actions = append(actions, line)
	}

	var buf bytes.Buffer
	if err := digestPromptTmpl.Execute(&buf, map[string]any{
		"Date":        key,
		"Snapshot":    input.Snapshot,
		"Notes":       items,
		"OpenActions": actions,
	}); err != nil {
		return "", goerr.Wrap(err, "failed to execute digest prompt template")
	}

	schema, err := adapter.JSONSchemaToGenai(resultSchema())
	if err != nil {
		return "", goerr.Wrap(err, "failed to convert digest schema")
	}

	thinkingBudget := int32(0)
	config := &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		ResponseSchema:   schema,
		ThinkingConfig: &genai.ThinkingConfig{
			IncludeThoughts: false,
			ThinkingBudget:  &thinkingBudget,
		},
	}
	contents := []*genai.Content{genai.NewContentFromText(buf.String(), genai.RoleUser)}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	resp, err := s.gemini.GenerateContent(ctx, contents, config)
	if err != nil {
		return "", goerr.Wrap(err, "digest inference failed")
	}
	return adapter.ResponseText(resp), nil
}

// Get returns the digest stored for the day of date
func (s *Scheduler) Get(ctx context.Context, date time.Time) (*model.DailyDigest, error) {
	return s.repo.GetDigest(ctx, model.DateKey(date))
}

// List returns stored digests, newest first
func (s *Scheduler) List(ctx context.Context, limit int) ([]*model.DailyDigest, error) {
	return s.repo.ListDigests(ctx, limit)
}
