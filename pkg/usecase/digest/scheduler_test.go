package digest_test

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
	"github.com/m-mizutani/jotter/pkg/usecase/quota"
	"google.golang.org/genai"
)

// mockGemini is a mock implementation of adapter.Gemini for testing
type mockGemini struct {
	calls        atomic.Int32
	generateFunc func(ctx context.Context, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

func (m *mockGemini) GenerateContent(ctx context.Context, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	m.calls.Add(1)
	if m.generateFunc != nil {
		return m.generateFunc(ctx, contents, config)
	}
	return nil, errors.New("not implemented")
}

func respond(text string) func(context.Context, []*genai.Content, *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	return func(context.Context, []*genai.Content, *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
		return adapter.TextResponse(text), nil
	}
}

const digestResponse = `{
  "narrative": "A release-focused day.",
  "highlights": [{"title": "Release plan", "detail": "Ship by Friday"}],
  "warnings": [{"title": "QA owner overloaded", "detail": "", "severity": "medium"}],
  "suggested_actions": [{"text": "Confirm the release date", "reason": "unblocks QA", "priority": "high"}]
}`

var today = time.Date(2024, 6, 1, 18, 30, 0, 0, time.UTC)

type fixture struct {
	repo      *repository.Memory
	ledger    *quota.Ledger
	gemini    *mockGemini
	scheduler *digest.Scheduler
}

func setup(t *testing.T, limits quota.Limits, opts ...digest.Option) *fixture {
	t.Helper()
	ctx := context.Background()
	repo := repository.NewMemory()
	if limits == nil {
		limits = quota.Limits{model.QuotaDailyDigest: {Max: 31, Reset: model.ResetMonthly}}
	}
	clock := func() time.Time { return today }
	ledger, err := quota.New(ctx, repo, limits, quota.WithClock(clock))
	gt.NoError(t, err)

	gemini := &mockGemini{}
	opts = append([]digest.Option{digest.WithClock(clock)}, opts...)
	return &fixture{
		repo:      repo,
		ledger:    ledger,
		gemini:    gemini,
		scheduler: digest.New(repo, gemini, ledger, opts...),
	}
}

func TestCheckAndGenerateOncePerDay(t *testing.T) {
	ctx := context.Background()
	f := setup(t, nil)
	f.gemini.generateFunc = respond(digestResponse)

	gt.NoError(t, f.repo.PutNote(ctx, &model.Note{ID: model.NewNoteID(), Content: "Ship by Friday", CreatedAt: today.Add(-time.Hour)}))

	first := f.scheduler.CheckAndGenerate(ctx, digest.Input{Today: today})
	gt.Equal(t, first.Status, digest.StatusGenerated)
	gt.NoError(t, first.Err)
	gt.Equal(t, first.Digest.DateKey, "2024-06-01")
	gt.Equal(t, first.Digest.Date, time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))
	gt.Equal(t, first.Digest.Narrative, "A release-focused day.")
	gt.Equal(t, first.Digest.NoteCount, 1)
	gt.Equal(t, first.Digest.Revision, 1)
	gt.Equal(t, first.Digest.SuggestedActions[0].Priority, "high")

	// later the same day
	second := f.scheduler.CheckAndGenerate(ctx, digest.Input{Today: today.Add(5 * time.Hour)})
	gt.Equal(t, second.Status, digest.StatusExisting)
	gt.Equal(t, second.Digest.ID, first.Digest.ID)
	gt.Equal(t, second.Digest.Narrative, first.Digest.Narrative)
	gt.Equal(t, f.gemini.calls.Load(), int32(1))
}

func TestCheckAndGenerateConcurrent(t *testing.T) {
	ctx := context.Background()
	f := setup(t, nil)

	release := make(chan struct{})
	f.gemini.generateFunc = func(context.Context, []*genai.Content, *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
		<-release
		return adapter.TextResponse(digestResponse), nil
	}

	const n = 8
	outcomes := make([]*digest.Outcome, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				outcomes[i] = f.scheduler.CheckAndGenerate(ctx, digest.Input{Today: today})
			} else {
				outcomes[i] = f.scheduler.Regenerate(ctx, digest.Input{Today: today})
			}
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	stored, err := f.repo.ListDigests(ctx, 0)
	gt.NoError(t, err)
	gt.A(t, stored).Length(1)
	for _, o := range outcomes {
		gt.True(t, o.HasDigest())
		gt.Equal(t, o.Digest.ID, stored[0].ID)
	}
	gt.True(t, f.gemini.calls.Load() <= int32(n))
}

func TestRegenerate(t *testing.T) {
	ctx := context.Background()
	f := setup(t, nil)
	f.gemini.generateFunc = respond(digestResponse)

	first := f.scheduler.CheckAndGenerate(ctx, digest.Input{Today: today})
	gt.Equal(t, first.Status, digest.StatusGenerated)

	f.gemini.generateFunc = respond(`{"narrative":"Second take.","highlights":[],"warnings":[],"suggested_actions":[]}`)
	again := f.scheduler.Regenerate(ctx, digest.Input{Today: today})
	gt.Equal(t, again.Status, digest.StatusRegenerated)
	gt.Equal(t, again.Digest.ID, first.Digest.ID)
	gt.Equal(t, again.Digest.Revision, 2)

	stored, err := f.scheduler.Get(ctx, today)
	gt.NoError(t, err)
	gt.Equal(t, stored.Narrative, "Second take.")

	all, err := f.scheduler.List(ctx, 10)
	gt.NoError(t, err)
	gt.A(t, all).Length(1)
	gt.Equal(t, f.gemini.calls.Load(), int32(2))
}

func TestRegenerateFailureKeepsPrevious(t *testing.T) {
	ctx := context.Background()
	f := setup(t, nil)
	f.gemini.generateFunc = respond(digestResponse)
	first := f.scheduler.CheckAndGenerate(ctx, digest.Input{Today: today})
	gt.Equal(t, first.Status, digest.StatusGenerated)

	f.gemini.generateFunc = func(context.Context, []*genai.Content, *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
		return nil, errors.New("unavailable")
	}
	again := f.scheduler.Regenerate(ctx, digest.Input{Today: today})
	gt.Equal(t, again.Status, digest.StatusInferenceFailed)
	gt.Equal(t, again.Digest.ID, first.Digest.ID)

	stored, err := f.scheduler.Get(ctx, today)
	gt.NoError(t, err)
	gt.Equal(t, stored.Narrative, "A release-focused day.")
	gt.Equal(t, stored.Revision, 1)
}

func TestCheckAndGenerateInferenceFailed(t *testing.T) {
	ctx := context.Background()
	f := setup(t, nil)

	// spend the free grant so that a refund is visible on the counter
	gt.NoError(t, f.ledger.Consume(ctx, model.QuotaDailyDigest))

	f.gemini.generateFunc = func(context.Context, []*genai.Content, *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
		return nil, errors.New("unavailable")
	}
	out := f.scheduler.CheckAndGenerate(ctx, digest.Input{Today: today})
	gt.Equal(t, out.Status, digest.StatusInferenceFailed)
	gt.False(t, out.HasDigest())
	gt.Equal(t, f.ledger.Snapshot().Counters[model.QuotaDailyDigest].Remaining, 31)

	_, err := f.scheduler.Get(ctx, today)
	gt.True(t, errors.Is(err, model.ErrNotFound))

	// a later check retries
	f.gemini.generateFunc = respond(digestResponse)
	out = f.scheduler.CheckAndGenerate(ctx, digest.Input{Today: today})
	gt.Equal(t, out.Status, digest.StatusGenerated)
	gt.Equal(t, f.ledger.Snapshot().Counters[model.QuotaDailyDigest].Remaining, 30)
}

func TestCheckAndGenerateNotJSON(t *testing.T) {
	ctx := context.Background()
	f := setup(t, nil)
	f.gemini.generateFunc = respond("Sorry, I can't do that.")

	out := f.scheduler.CheckAndGenerate(ctx, digest.Input{Today: today})
	gt.Equal(t, out.Status, digest.StatusInferenceFailed)
	gt.False(t, f.ledger.Snapshot().Counters[model.QuotaDailyDigest].FreeGrantUsed)

	digests, err := f.repo.ListDigests(ctx, 0)
	gt.NoError(t, err)
	gt.A(t, digests).Length(0)
}

func TestCheckAndGeneratePartial(t *testing.T) {
	ctx := context.Background()
	f := setup(t, nil)
	f.gemini.generateFunc = respond(`{"narrative":"Quiet day.","highlights":[{"title":"ok"},{"title":3}],"warnings":"none"}`)

	out := f.scheduler.CheckAndGenerate(ctx, digest.Input{Today: today})
	gt.Equal(t, out.Status, digest.StatusPartial)
	gt.Error(t, out.Err)
	gt.A(t, out.Digest.Highlights).Length(1)
	gt.A(t, out.Digest.Warnings).Length(0)
	gt.Equal(t, out.Digest.SchemaVersion, model.DigestSchemaVersion)

	// a partial digest is still the digest of the day
	again := f.scheduler.CheckAndGenerate(ctx, digest.Input{Today: today})
	gt.Equal(t, again.Status, digest.StatusExisting)
	gt.Equal(t, f.gemini.calls.Load(), int32(1))
}

func TestCheckAndGenerateQuotaExceeded(t *testing.T) {
	ctx := context.Background()
	f := setup(t, quota.Limits{model.QuotaDailyDigest: {Max: 0, Reset: model.ResetMonthly}})
	gt.NoError(t, f.ledger.Consume(ctx, model.QuotaDailyDigest))
	f.gemini.generateFunc = respond(digestResponse)

	out := f.scheduler.CheckAndGenerate(ctx, digest.Input{Today: today})
	gt.Equal(t, out.Status, digest.StatusQuotaExceeded)
	gt.True(t, errors.Is(out.Err, model.ErrQuotaExceeded))
	gt.Equal(t, f.gemini.calls.Load(), int32(0))
}

func TestExistingDigestNeedsNoQuota(t *testing.T) {
	ctx := context.Background()
	f := setup(t, quota.Limits{model.QuotaDailyDigest: {Max: 0, Reset: model.ResetMonthly}})
	f.gemini.generateFunc = respond(digestResponse)

	gt.Equal(t, f.scheduler.CheckAndGenerate(ctx, digest.Input{Today: today}).Status, digest.StatusGenerated)
	gt.Equal(t, f.scheduler.CheckAndGenerate(ctx, digest.Input{Today: today}).Status, digest.StatusExisting)
}

func TestDigestPrompt(t *testing.T) {
	ctx := context.Background()
	f := setup(t, nil)

	var prompt string
	f.gemini.generateFunc = func(_ context.Context, contents []*genai.Content, _ *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
		prompt = contents[0].Parts[0].Text
		return adapter.TextResponse(digestResponse), nil
	}

	out := f.scheduler.CheckAndGenerate(ctx, digest.Input{
		Today: today,
		Snapshot: model.SessionSnapshot{
			NotesToday: 2,
			Momentum:   model.MomentumRising,
			Warnings:   []model.AttentionWarning{{Kind: model.WarningOverdue, Message: "actions past their due date", Count: 1}},
		},
		Notes: []*model.Note{
			{ID: model.NewNoteID(), Title: "Release plan", Content: "Ship by Friday", CreatedAt: today},
			{ID: model.NewNoteID(), Content: "written tomorrow", CreatedAt: today.Add(24 * time.Hour)},
		},
		OpenActions: []*model.Action{{Content: "Ship", Owner: "John", Deadline: "Friday"}},
	})
	gt.Equal(t, out.Status, digest.StatusGenerated)
	gt.Equal(t, out.Digest.NoteCount, 1)

	gt.S(t, prompt).Contains("2024-06-01")
	gt.S(t, prompt).Contains("### Release plan")
	gt.S(t, prompt).Contains("Ship by Friday")
	gt.S(t, prompt).NotContains("written tomorrow")
	gt.S(t, prompt).Contains("Momentum: rising")
	gt.S(t, prompt).Contains("actions past their due date (1)")
	gt.S(t, prompt).Contains("Ship (John) due Friday")
}

func TestPastDigestIgnoresLaterNotes(t *testing.T) {
	ctx := context.Background()
	f := setup(t, nil, digest.WithMaxNotes(2))

	var prompt string
	f.gemini.generateFunc = func(_ context.Context, contents []*genai.Content, _ *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
		prompt = contents[0].Parts[0].Text
		return adapter.TextResponse(digestResponse), nil
	}

	yesterday := today.AddDate(0, 0, -1)
	for _, content := range []string{"yesterday morning", "yesterday evening"} {
		gt.NoError(t, f.repo.PutNote(ctx, &model.Note{ID: model.NewNoteID(), Content: content, CreatedAt: yesterday}))
		yesterday = yesterday.Add(time.Hour)
	}
	// newer notes would fill the limit if they were listed first
	for i := 0; i < 3; i++ {
		gt.NoError(t, f.repo.PutNote(ctx, &model.Note{ID: model.NewNoteID(), Content: "written today", CreatedAt: today.Add(-time.Duration(i) * time.Minute)}))
	}

	out := f.scheduler.CheckAndGenerate(ctx, digest.Input{Today: today.AddDate(0, 0, -1)})
	gt.Equal(t, out.Status, digest.StatusGenerated)
	gt.Equal(t, out.Digest.DateKey, "2024-05-31")
	gt.Equal(t, out.Digest.NoteCount, 2)
	gt.S(t, prompt).Contains("yesterday morning")
	gt.S(t, prompt).Contains("yesterday evening")
	gt.S(t, prompt).NotContains("written today")
}
