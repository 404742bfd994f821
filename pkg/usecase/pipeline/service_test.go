package pipeline_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/jotter/pkg/adapter"
	"github.com/m-mizutani/jotter/pkg/model"
	"github.com/m-mizutani/jotter/pkg/repository"
	"github.com/m-mizutani/jotter/pkg/usecase/digest"
	"github.com/m-mizutani/jotter/pkg/usecase/extraction"
	"github.com/m-mizutani/jotter/pkg/usecase/pipeline"
	"github.com/m-mizutani/jotter/pkg/usecase/quota"
	"google.golang.org/genai"
)

const extractResponse = `{
  "title": "Release plan",
  "tags": ["release"],
  "intent": "action",
  "intent_confidence": 0.8,
  "decisions": [{"content": "Ship on Friday", "confidence": 0.7}],
  "actions": [{"content": "Ship by Friday", "owner": "John", "deadline": ""}],
  "commitments": [],
  "unresolved": [],
  "mentioned_people": ["John"],
  "inferred_project": "",
  "next_step": "Book the release slot",
  "next_step_type": "simple"
}`

const digestResponse = `{"narrative":"Release day.","highlights":[],"warnings":[],"suggested_actions":[]}`

// mockGemini answers extraction and digest requests by their response schema
type mockGemini struct {
	extractCalls atomic.Int32
	digestCalls  atomic.Int32
	fail         atomic.Bool
}

func (m *mockGemini) GenerateContent(ctx context.Context, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	if m.fail.Load() {
		return nil, errors.New("unavailable")
	}
	if _, ok := config.ResponseSchema.Properties["narrative"]; ok {
		m.digestCalls.Add(1)
		return adapter.TextResponse(digestResponse), nil
	}
	m.extractCalls.Add(1)
	return adapter.TextResponse(extractResponse), nil
}

type mockLinkFetcher struct {
	mu   sync.Mutex
	seen []string
}

func (m *mockLinkFetcher) Fetch(ctx context.Context, rawURL string) (*model.LinkMetadata, error) {
	m.mu.Lock()
	m.seen = append(m.seen, rawURL)
	m.mu.Unlock()
	if rawURL == "https://broken.example.com" {
		return nil, errors.New("connection refused")
	}
	return &model.LinkMetadata{Title: "Example", SiteName: "example.com"}, nil
}

var now = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	repo   *repository.Memory
	ledger *quota.Ledger
	gemini *mockGemini
	links  *mockLinkFetcher
	svc    *pipeline.Service
}

func setup(t *testing.T, limits quota.Limits) *fixture {
	t.Helper()
	repo := repository.NewMemory()
	clock := func() time.Time { return now }
	ledger, err := quota.New(context.Background(), repo, limits, quota.WithClock(clock))
	gt.NoError(t, err)

	f := &fixture{repo: repo, ledger: ledger, gemini: &mockGemini{}, links: &mockLinkFetcher{}}
	f.svc = pipeline.New(repo, f.gemini, ledger,
		pipeline.WithClock(clock),
		pipeline.WithLinkFetcher(f.links),
	)
	return f
}

func TestSaveNote(t *testing.T) {
	ctx := context.Background()
	f := setup(t, nil)

	result, err := f.svc.SaveNote(ctx, pipeline.SaveNoteInput{
		Content: "Ship by Friday, John owns QA. Spec at https://example.com/spec. Old one https://broken.example.com",
	})
	gt.NoError(t, err)
	gt.Equal(t, result.Extraction.Status, extraction.StatusSucceeded)
	gt.Equal(t, result.Note.Title, "Release plan")
	gt.Equal(t, result.Note.Source, model.NoteSourceTyped)
	gt.Equal(t, f.gemini.extractCalls.Load(), int32(1))

	gt.A(t, result.Links).Length(2)
	byURL := map[string]*model.Link{}
	for _, l := range result.Links {
		byURL[l.URL] = l
	}
	gt.Equal(t, byURL["https://example.com/spec"].Title, "Example")
	gt.Equal(t, byURL["https://broken.example.com"].Error, "connection refused")

	detail, err := f.svc.GetNoteDetail(ctx, result.Note.ID)
	gt.NoError(t, err)
	gt.A(t, detail.Actions).Length(1)
	gt.A(t, detail.Decisions).Length(1)
	gt.A(t, detail.Links).Length(2)
	gt.A(t, detail.Tags).Length(1)
}

func TestSaveNoteTranscript(t *testing.T) {
	ctx := context.Background()
	f := setup(t, nil)

	result, err := f.svc.SaveNote(ctx, pipeline.SaveNoteInput{Transcript: "call John about the launch", Source: model.NoteSourceAudio})
	gt.NoError(t, err)
	gt.Equal(t, result.Note.Source, model.NoteSourceAudio)
	gt.Equal(t, result.Extraction.Status, extraction.StatusSucceeded)
}

func TestSaveNoteRejected(t *testing.T) {
	ctx := context.Background()

	t.Run("empty", func(t *testing.T) {
		f := setup(t, nil)
		_, err := f.svc.SaveNote(ctx, pipeline.SaveNoteInput{Content: "  "})
		gt.True(t, errors.Is(err, model.ErrEmptyNote))
	})

	t.Run("note allowance used up", func(t *testing.T) {
		f := setup(t, quota.Limits{
			model.QuotaNote:       {Max: 1, Reset: model.ResetNever},
			model.QuotaExtraction: {Max: 10, Reset: model.ResetMonthly},
		})
		for i := 0; i < 2; i++ {
			_, err := f.svc.SaveNote(ctx, pipeline.SaveNoteInput{Content: "hello"})
			gt.NoError(t, err)
		}
		_, err := f.svc.SaveNote(ctx, pipeline.SaveNoteInput{Content: "hello"})
		gt.True(t, errors.Is(err, model.ErrQuotaExceeded))

		notes, err := f.svc.ListNotes(ctx, repository.ListNotesInput{})
		gt.NoError(t, err)
		gt.A(t, notes).Length(2)
	})

	t.Run("unknown project", func(t *testing.T) {
		f := setup(t, nil)
		_, err := f.svc.SaveNote(ctx, pipeline.SaveNoteInput{Content: "hello", ProjectID: model.NewProjectID()})
		gt.True(t, errors.Is(err, model.ErrNotFound))
	})
}

func TestSaveNoteKeepsNoteWhenInferenceFails(t *testing.T) {
	ctx := context.Background()
	f := setup(t, nil)
	f.gemini.fail.Store(true)

	result, err := f.svc.SaveNote(ctx, pipeline.SaveNoteInput{Content: "Ship by Friday"})
	gt.NoError(t, err)
	gt.Equal(t, result.Extraction.Status, extraction.StatusInferenceFailed)

	f.gemini.fail.Store(false)
	outcome := f.svc.RetryExtraction(ctx, result.Note.ID)
	gt.Equal(t, outcome.Status, extraction.StatusSucceeded)
	gt.Equal(t, outcome.Note.Title, "Release plan")
}

func TestActivate(t *testing.T) {
	ctx := context.Background()
	f := setup(t, nil)

	_, err := f.svc.SaveNote(ctx, pipeline.SaveNoteInput{Content: "Ship by Friday, John owns QA."})
	gt.NoError(t, err)

	first := f.svc.Activate(ctx)
	gt.Equal(t, first.Snapshot.NotesToday, 1)
	gt.Equal(t, first.Snapshot.OpenActions, 1)
	gt.Equal(t, first.Digest.Status, digest.StatusGenerated)
	gt.Equal(t, first.Digest.Digest.NoteCount, 1)

	second := f.svc.Activate(ctx)
	gt.Equal(t, second.Digest.Status, digest.StatusExisting)
	gt.Equal(t, second.Snapshot, first.Snapshot)
	gt.Equal(t, f.gemini.digestCalls.Load(), int32(1))

	regenerated := f.svc.RegenerateDigest(ctx, now)
	gt.Equal(t, regenerated.Status, digest.StatusRegenerated)
	gt.Equal(t, regenerated.Digest.Revision, 2)
	gt.Equal(t, f.gemini.digestCalls.Load(), int32(2))

	stored, err := f.svc.GetDigest(ctx, now)
	gt.NoError(t, err)
	gt.Equal(t, stored.Revision, 2)
}

func TestSessionFollowsUserChanges(t *testing.T) {
	ctx := context.Background()
	f := setup(t, nil)

	result, err := f.svc.SaveNote(ctx, pipeline.SaveNoteInput{Content: "Ship by Friday, John owns QA."})
	gt.NoError(t, err)
	gt.Equal(t, f.svc.RefreshSession(ctx).OpenActions, 1)

	detail, err := f.svc.GetNoteDetail(ctx, result.Note.ID)
	gt.NoError(t, err)
	action, err := f.svc.CompleteAction(ctx, string(detail.Actions[0].ID)[:8], true)
	gt.NoError(t, err)
	gt.True(t, action.Completed)
	gt.Equal(t, *action.CompletedAt, now)
	gt.Equal(t, f.svc.RefreshSession(ctx).OpenActions, 0)

	gt.NoError(t, f.svc.DeleteNote(ctx, result.Note.ID))
	snap := f.svc.RefreshSession(ctx)
	gt.Equal(t, snap.NotesToday, 0)
	_, err = f.svc.CompleteAction(ctx, string(detail.Actions[0].ID), false)
	gt.True(t, errors.Is(err, model.ErrNotFound))
}

func TestResolveNextStep(t *testing.T) {
	ctx := context.Background()
	f := setup(t, quota.Limits{
		model.QuotaNote:       {Max: 10, Reset: model.ResetNever},
		model.QuotaExtraction: {Max: 10, Reset: model.ResetMonthly},
		model.QuotaResolution: {Max: 0, Reset: model.ResetMonthly},
	})

	first, err := f.svc.SaveNote(ctx, pipeline.SaveNoteInput{Content: "Ship by Friday"})
	gt.NoError(t, err)
	second, err := f.svc.SaveNote(ctx, pipeline.SaveNoteInput{Content: "Ship by Monday"})
	gt.NoError(t, err)

	// the free grant covers the first resolution
	note, err := f.svc.ResolveNextStep(ctx, first.Note.ID)
	gt.NoError(t, err)
	gt.True(t, note.NextStep.Resolved)

	// already resolved steps cost nothing
	_, err = f.svc.ResolveNextStep(ctx, first.Note.ID)
	gt.NoError(t, err)

	_, err = f.svc.ResolveNextStep(ctx, second.Note.ID)
	gt.True(t, errors.Is(err, model.ErrQuotaExceeded))
	stored, err := f.repo.GetNote(ctx, second.Note.ID)
	gt.NoError(t, err)
	gt.False(t, stored.NextStep.Resolved)
}

func TestFindNote(t *testing.T) {
	ctx := context.Background()
	f := setup(t, nil)

	result, err := f.svc.SaveNote(ctx, pipeline.SaveNoteInput{Content: "hello"})
	gt.NoError(t, err)

	got, err := f.svc.FindNote(ctx, string(result.Note.ID)[:6])
	gt.NoError(t, err)
	gt.Equal(t, got.ID, result.Note.ID)

	_, err = f.svc.FindNote(ctx, "zzzz")
	gt.True(t, errors.Is(err, model.ErrNotFound))
}

func TestDetectURLs(t *testing.T) {
	testCases := []struct {
		name string
		text string
		want []string
	}{
		{"none", "nothing here", nil},
		{"trailing punctuation", "see https://example.com/a.", []string{"https://example.com/a"}},
		{"parenthesized", "(https://example.com/b) and http://x.io/c?d=1,", []string{"https://example.com/b", "http://x.io/c?d=1"}},
		{"balanced parens kept", "https://en.wikipedia.org/wiki/Go_(language)", []string{"https://en.wikipedia.org/wiki/Go_(language)"}},
		{"deduplicated", "https://a.io https://a.io https://b.io", []string{"https://a.io", "https://b.io"}},
		{"bounded", "https://1.io https://2.io https://3.io https://4.io https://5.io https://6.io",
			[]string{"https://1.io", "https://2.io", "https://3.io", "https://4.io", "https://5.io"}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			gt.Equal(t, pipeline.DetectURLs(tc.text), tc.want)
		})
	}
}
