package extraction

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/jotter/pkg/adapter"
	"github.com/m-mizutani/jotter/pkg/model"
	"github.com/m-mizutani/jotter/pkg/repository"
	"github.com/m-mizutani/jotter/pkg/usecase/project"
	"github.com/m-mizutani/jotter/pkg/usecase/quota"
	"github.com/m-mizutani/jotter/pkg/utils/logging"
	"google.golang.org/genai"
)

//go:embed prompt/extract.md
var extractPromptRaw string

var extractPromptTmpl = template.Must(template.New("extract").Funcs(template.FuncMap{
	"join": strings.Join,
}).Parse(extractPromptRaw))

// DefaultTimeout bounds one inference call
const DefaultTimeout = 30 * time.Second

type Status string

const (
	StatusSucceeded       Status = "succeeded"
	StatusPartial         Status = "partial"
	StatusQuotaExceeded   Status = "quota_exceeded"
	StatusInferenceFailed Status = "inference_failed"
	StatusNotFound        Status = "not_found"
	StatusInProgress      Status = "in_progress"
	StatusSkipped         Status = "skipped"
	StatusFailed          Status = "failed"
)

// Input is one extraction request. Projects and Tags are loaded from the
// repository when nil. Text overrides the note's own text when set.
type Input struct {
	NoteID   model.NoteID
	Text     string
	Projects []*model.Project
	Tags     []*model.Tag
}

// Outcome reports what happened to one extraction request. Err is set for
// every status except succeeded and skipped.
type Outcome struct {
	Status Status
	Note   *model.Note
	Result *Result
	Match  *project.Match
	Err    error
}

// Applied reports whether extracted fields were written to the note
func (x *Outcome) Applied() bool {
	return x.Status == StatusSucceeded || x.Status == StatusPartial
}

// Orchestrator runs the per-note inference call and stores its result
type Orchestrator struct {
	repo    repository.Repository
	gemini  adapter.Gemini
	ledger  *quota.Ledger
	matcher *project.Matcher
	timeout time.Duration
	now     func() time.Time

	mu       sync.Mutex
	inFlight map[model.NoteID]struct{}
}

type Option func(*Orchestrator)

func WithTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.timeout = d
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

func New(repo repository.Repository, gemini adapter.Gemini, ledger *quota.Ledger, matcher *project.Matcher, opts ...Option) *Orchestrator {
	if matcher == nil {
		matcher = project.NewMatcher()
	}
	o := &Orchestrator{
		repo:     repo,
		gemini:   gemini,
		ledger:   ledger,
		matcher:  matcher,
		timeout:  DefaultTimeout,
		now:      time.Now,
		inFlight: make(map[model.NoteID]struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) lock(id model.NoteID) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.inFlight[id]; ok {
		return false
	}
	o.inFlight[id] = struct{}{}
	return true
}

func (o *Orchestrator) unlock(id model.NoteID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.inFlight, id)
}

// InFlight reports whether an extraction for the note is running
func (o *Orchestrator) InFlight(id model.NoteID) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.inFlight[id]
	return ok
}

// ProcessNoteSave makes at most one inference call for the note and writes the
// extracted fields in one transaction. A second call for the same note while
// one is running returns StatusInProgress without doing anything.
func (o *Orchestrator) ProcessNoteSave(ctx context.Context, input Input) *Outcome {
	logger := logging.From(ctx).With("note_id", input.NoteID)

	if !o.lock(input.NoteID) {
		return &Outcome{
			Status: StatusInProgress,
			Err:    goerr.Wrap(model.ErrExtractionInFlight, "extraction is running", goerr.V("note_id", input.NoteID)),
		}
	}
	defer o.unlock(input.NoteID)

	note, err := o.repo.GetNote(ctx, input.NoteID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return &Outcome{Status: StatusNotFound, Err: err}
		}
		return &Outcome{Status: StatusFailed, Err: err}
	}

	text := input.Text
	if strings.TrimSpace(text) == "" {
		text = note.Text()
	}
	if strings.TrimSpace(text) == "" {
		return &Outcome{Status: StatusSkipped, Note: note}
	}

	reservation, err := o.ledger.Reserve(ctx, model.QuotaExtraction)
	if err != nil {
		logger.Info("extraction skipped by quota", "error", err)
		return &Outcome{Status: StatusQuotaExceeded, Note: note, Err: err}
	}

	projects, tags, err := o.loadContext(ctx, input)
	if err != nil {
		reservation.Release(ctx)
		return &Outcome{Status: StatusFailed, Note: note, Err: err}
	}

	raw, err := o.infer(ctx, text, projects, tags)
	if err != nil {
		reservation.Release(ctx)
		logger.Warn("extraction inference failed", "error", err)
		o.markFailed(ctx, note, err)
		return &Outcome{Status: StatusInferenceFailed, Note: note, Err: err}
	}

	result, complete, ok := parseResult(raw)
	if !ok {
		// nothing usable came back, so what earlier runs stored is kept
		reservation.Release(ctx)
		err := goerr.New("extraction response is not a JSON object", goerr.V("note_id", note.ID), goerr.V("response", raw))
		logger.Warn("extraction response unusable", "error", err)
		o.markFailed(ctx, note, err)
		return &Outcome{Status: StatusInferenceFailed, Note: note, Err: err}
	}
	if !complete {
		logger.Warn("extraction response was only partly parsed", "response", raw)
	}

	batch, match := o.buildBatch(note, text, result, complete, projects)
	if err := o.repo.ApplyExtraction(ctx, batch); err != nil {
		reservation.Release(ctx)
		if errors.Is(err, model.ErrNotFound) {
			logger.Info("note was deleted during extraction")
			return &Outcome{Status: StatusNotFound, Err: err}
		}
		logger.Error("failed to store extraction", "error", err)
		return &Outcome{Status: StatusFailed, Note: note, Err: err}
	}
	reservation.Commit()

	outcome := &Outcome{
		Status: StatusSucceeded,
		Note:   batch.Note,
		Result: result,
	}
	if match != nil && batch.Note.ProjectID == match.Project.ID {
		outcome.Match = match
	}
	if !complete {
		outcome.Status = StatusPartial
		outcome.Err = goerr.New("extraction response could not be fully parsed", goerr.V("note_id", note.ID))
	}
	return outcome
}

func (o *Orchestrator) loadContext(ctx context.Context, input Input) ([]*model.Project, []*model.Tag, error) {
	projects := input.Projects
	if projects == nil {
		var err error
		if projects, err = o.repo.ListProjects(ctx); err != nil {
			return nil, nil, err
		}
	}
	tags := input.Tags
	if tags == nil {
		var err error
		if tags, err = o.repo.ListTags(ctx); err != nil {
			return nil, nil, err
		}
	}
	return projects, tags, nil
}

func (o *Orchestrator) infer(ctx context.Context, text string, projects []*model.Project, tags []*model.Tag) (string, error) {
	var active []*model.Project
	for _, p := range projects {
		if !p.Archived {
			active = append(active, p)
		}
	}
	tagNames := make([]string, 0, len(tags))
	for _, t := range tags {
		tagNames = append(tagNames, t.Name)
	}

	var buf bytes.Buffer
	if err := extractPromptTmpl.Execute(&buf, map[string]any{
		"Today":    model.DateKey(o.now()),
		"Text":     text,
		"Projects": active,
		"Tags":     tagNames,
	}); err != nil {
		return "", goerr.Wrap(err, "failed to execute extract prompt template")
	}

	schema, err := adapter.JSONSchemaToGenai(resultSchema())
	if err != nil {
		return "", goerr.Wrap(err, "failed to convert extraction schema")
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

	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	resp, err := o.gemini.GenerateContent(ctx, contents, config)
	if err != nil {
		return "", goerr.Wrap(err, "extraction inference failed")
	}
	raw := adapter.ResponseText(resp)
	if strings.TrimSpace(raw) == "" {
		return "", goerr.New("extraction inference returned no text")
	}
	return raw, nil
}

// markFailed records the failed attempt on the note. The note keeps its raw content.
func (o *Orchestrator) markFailed(ctx context.Context, note *model.Note, cause error) {
	current, err := o.repo.GetNote(ctx, note.ID)
	if err != nil {
		return
	}
	now := o.now()
	current.Extraction = model.ExtractionState{
		Status:      model.ExtractionFailed,
		AttemptedAt: &now,
		Error:       cause.Error(),
	}
	current.UpdatedAt = now
	if err := o.repo.PutNote(ctx, current); err != nil {
		logging.From(ctx).Error("failed to record extraction failure", "error", err, "note_id", note.ID)
		return
	}
	*note = *current
}

func (o *Orchestrator) buildBatch(note *model.Note, text string, result *Result, complete bool, projects []*model.Project) (*model.ExtractionBatch, *project.Match) {
	now := o.now()
	updated := *note

	updated.Title = strings.TrimSpace(result.Title)
	updated.Intent = model.ParseIntent(result.Intent)
	updated.IntentConfidence = clamp01(result.IntentConfidence)
	updated.InferredProject = strings.TrimSpace(result.InferredProject)
	updated.NextStep = nil
	if step := strings.TrimSpace(result.NextStep); step != "" {
		updated.NextStep = &model.NextStep{
			Text: step,
			Type: model.ParseNextStepType(result.NextStepType),
		}
	}

	status := model.ExtractionSucceeded
	if !complete {
		status = model.ExtractionPartial
	}
	updated.Extraction = model.ExtractionState{Status: status, AttemptedAt: &now}
	updated.UpdatedAt = now

	batch := &model.ExtractionBatch{
		Note:        &updated,
		TagNames:    result.Tags,
		PeopleNames: result.MentionedPeople,
		ProcessedAt: now,
	}

	// the repository decides against the stored note whether the match is
	// assigned; a project chosen by the user is never overridden
	match := o.matcher.FindMatch(strings.TrimSpace(updated.InferredProject+" "+text), projects)
	if match != nil {
		batch.MatchedProject = match.Project.ID
	}

	for _, d := range result.Decisions {
		if content := strings.TrimSpace(d.Content); content != "" {
			batch.Decisions = append(batch.Decisions, &model.Decision{
				ID:         model.NewDecisionID(),
				Content:    content,
				Confidence: clamp01(d.Confidence),
			})
		}
	}
	for _, a := range result.Actions {
		if content := strings.TrimSpace(a.Content); content != "" {
			batch.Actions = append(batch.Actions, &model.Action{
				ID:       model.NewActionID(),
				Content:  content,
				Owner:    strings.TrimSpace(a.Owner),
				Deadline: strings.TrimSpace(a.Deadline),
				DueAt:    parseDueDate(a.Deadline, now.Location()),
			})
		}
	}
	for _, c := range result.Commitments {
		if content := strings.TrimSpace(c.Content); content != "" {
			batch.Commitments = append(batch.Commitments, &model.Commitment{
				ID:           model.NewCommitmentID(),
				Content:      content,
				Owner:        strings.TrimSpace(c.Owner),
				Counterparty: strings.TrimSpace(c.Counterparty),
				Deadline:     strings.TrimSpace(c.Deadline),
			})
		}
	}
	for _, u := range result.Unresolved {
		if content := strings.TrimSpace(u.Content); content != "" {
			batch.Unresolved = append(batch.Unresolved, &model.UnresolvedItem{
				ID:      model.NewUnresolvedID(),
				Content: content,
				Reason:  model.ParseUnresolvedReason(u.Reason),
			})
		}
	}

	return batch, match
}

func parseDueDate(deadline string, loc *time.Location) *time.Time {
	t, err := model.ParseDateKey(strings.TrimSpace(deadline), loc)
	if err != nil {
		return nil
	}
	return &t
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
