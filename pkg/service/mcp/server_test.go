package mcp_test

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/jotter/pkg/adapter"
	"github.com/m-mizutani/jotter/pkg/model"
	"github.com/m-mizutani/jotter/pkg/repository"
	"github.com/m-mizutani/jotter/pkg/service/mcp"
	"github.com/m-mizutani/jotter/pkg/usecase/pipeline"
	"github.com/m-mizutani/jotter/pkg/usecase/quota"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"google.golang.org/genai"
)

const extractResponse = `{
  "title": "StockAlarm pricing",
  "tags": ["pricing"],
  "intent": "action",
  "intent_confidence": 0.9,
  "decisions": [],
  "actions": [{"content": "Update the pricing page", "owner": "", "deadline": ""}],
  "commitments": [],
  "unresolved": [],
  "mentioned_people": [],
  "inferred_project": "StockAlarm",
  "next_step": "Draft new tiers",
  "next_step_type": "simple"
}`

const digestResponse = `{"narrative":"Pricing work moved forward.","highlights":[{"title":"Pricing","detail":"page update planned"}],"warnings":[],"suggested_actions":[]}`

type mockGemini struct {
	calls atomic.Int32
}

func (m *mockGemini) GenerateContent(ctx context.Context, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	m.calls.Add(1)
	if _, ok := config.ResponseSchema.Properties["narrative"]; ok {
		return adapter.TextResponse(digestResponse), nil
	}
	return adapter.TextResponse(extractResponse), nil
}

var now = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

func newService(t *testing.T, limits quota.Limits) (*pipeline.Service, *mockGemini) {
	t.Helper()
	ctx := context.Background()
	repo := repository.NewMemory()
	clock := func() time.Time { return now }

	ledger, err := quota.New(ctx, repo, limits, quota.WithClock(clock))
	gt.NoError(t, err)

	gemini := &mockGemini{}
	svc := pipeline.New(repo, gemini, ledger, pipeline.WithClock(clock))
	_, err = svc.Projects().Create(ctx, "StockAlarm", []string{"stock alarm", "SA"})
	gt.NoError(t, err)
	return svc, gemini
}

func connect(t *testing.T, svc *pipeline.Service) *mcpsdk.ClientSession {
	t.Helper()
	ctx := context.Background()

	clientTransport, serverTransport := mcpsdk.NewInMemoryTransports()
	server := mcp.NewServer(svc, mcp.WithClock(func() time.Time { return now }))
	_, err := server.Connect(ctx, serverTransport)
	gt.NoError(t, err)

	client := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "test-client", Version: "1.0.0"}, nil)
	session, err := client.Connect(ctx, clientTransport, nil)
	gt.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })
	return session
}

func callTool[T any](t *testing.T, session *mcpsdk.ClientSession, name string, args map[string]any) T {
	t.Helper()
	if args == nil {
		args = map[string]any{}
	}
	result, err := session.CallTool(context.Background(), &mcpsdk.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	gt.NoError(t, err)
	gt.False(t, result.IsError)
	gt.A(t, result.Content).Length(1)

	text, ok := result.Content[0].(*mcpsdk.TextContent)
	gt.True(t, ok)

	var out T
	gt.NoError(t, json.Unmarshal([]byte(text.Text), &out))
	return out
}

func TestListTools(t *testing.T) {
	svc, _ := newService(t, nil)
	session := connect(t, svc)

	result, err := session.ListTools(context.Background(), nil)
	gt.NoError(t, err)

	names := make([]string, 0, len(result.Tools))
	for _, tool := range result.Tools {
		names = append(names, tool.Name)
	}
	gt.A(t, names).Length(5)
	for _, name := range []string{"save_note", "find_project", "refresh_session", "daily_digest", "quota_status"} {
		gt.A(t, names).Has(name)
	}
}

func TestSaveNoteTool(t *testing.T) {
	svc, gemini := newService(t, nil)
	session := connect(t, svc)

	type output struct {
		Status     string `json:"status"`
		Extraction string `json:"extraction"`
		Note       struct {
			ID        string `json:"id"`
			Title     string `json:"title"`
			ProjectID string `json:"project_id"`
			NextStep  string `json:"next_step"`
		} `json:"note"`
	}

	out := callTool[output](t, session, "save_note", map[string]any{
		"content": "update StockAlarm pricing page",
	})
	gt.Equal(t, out.Status, "saved")
	gt.Equal(t, out.Extraction, "succeeded")
	gt.Equal(t, out.Note.Title, "StockAlarm pricing")
	gt.Equal(t, out.Note.NextStep, "Draft new tiers")
	gt.True(t, out.Note.ProjectID != "")
	gt.Equal(t, gemini.calls.Load(), int32(1))

	session2 := callTool[struct {
		NotesToday  int `json:"notes_today"`
		OpenActions int `json:"open_actions"`
	}](t, session, "refresh_session", nil)
	gt.Equal(t, session2.NotesToday, 1)
	gt.Equal(t, session2.OpenActions, 1)
}

func TestSaveNoteToolRejected(t *testing.T) {
	limits := quota.DefaultLimits()
	limits[model.QuotaNote] = model.QuotaLimit{Max: 0, Reset: model.ResetNever}
	svc, _ := newService(t, limits)
	session := connect(t, svc)

	type output struct {
		Status string `json:"status"`
		Error  string `json:"error"`
	}

	out := callTool[output](t, session, "save_note", map[string]any{"content": "   "})
	gt.Equal(t, out.Status, "rejected")

	// first note uses the free grant
	out = callTool[output](t, session, "save_note", map[string]any{"content": "first"})
	gt.Equal(t, out.Status, "saved")

	out = callTool[output](t, session, "save_note", map[string]any{"content": "second"})
	gt.Equal(t, out.Status, "quota_exceeded")
	gt.True(t, out.Error != "")
}

func TestSaveNoteToolInvalidSource(t *testing.T) {
	svc, _ := newService(t, nil)
	session := connect(t, svc)

	result, err := session.CallTool(context.Background(), &mcpsdk.CallToolParams{
		Name:      "save_note",
		Arguments: map[string]any{"content": "hello", "source": "fax"},
	})
	gt.NoError(t, err)
	gt.True(t, result.IsError)
}

func TestFindProjectTool(t *testing.T) {
	svc, gemini := newService(t, nil)
	session := connect(t, svc)

	type output struct {
		Matched bool    `json:"matched"`
		Name    string  `json:"name"`
		Score   float64 `json:"score"`
	}

	out := callTool[output](t, session, "find_project", map[string]any{"text": "update StockAlarm pricing page"})
	gt.True(t, out.Matched)
	gt.Equal(t, out.Name, "StockAlarm")
	gt.True(t, out.Score > 0)

	out = callTool[output](t, session, "find_project", map[string]any{"text": "buy groceries"})
	gt.False(t, out.Matched)
	gt.Equal(t, gemini.calls.Load(), int32(0))
}

func TestDailyDigestTool(t *testing.T) {
	svc, gemini := newService(t, nil)
	session := connect(t, svc)

	type output struct {
		Status string `json:"status"`
		Digest struct {
			Date       string `json:"date"`
			Narrative  string `json:"narrative"`
			Revision   int    `json:"revision"`
			Highlights []struct {
				Title string `json:"title"`
			} `json:"highlights"`
		} `json:"digest"`
	}

	out := callTool[output](t, session, "daily_digest", nil)
	gt.Equal(t, out.Status, "generated")
	gt.Equal(t, out.Digest.Date, "2024-06-01")
	gt.Equal(t, out.Digest.Narrative, "Pricing work moved forward.")
	gt.A(t, out.Digest.Highlights).Length(1)

	out = callTool[output](t, session, "daily_digest", map[string]any{"date": "2024-06-01"})
	gt.Equal(t, out.Status, "existing")
	gt.Equal(t, gemini.calls.Load(), int32(1))

	out = callTool[output](t, session, "daily_digest", map[string]any{"regenerate": true})
	gt.Equal(t, out.Status, "regenerated")
	gt.Equal(t, out.Digest.Revision, 2)
	gt.Equal(t, gemini.calls.Load(), int32(2))

	result, err := session.CallTool(context.Background(), &mcpsdk.CallToolParams{
		Name:      "daily_digest",
		Arguments: map[string]any{"date": "June 1st"},
	})
	gt.NoError(t, err)
	gt.True(t, result.IsError)
}

func TestQuotaStatusTool(t *testing.T) {
	svc, _ := newService(t, nil)
	session := connect(t, svc)

	type output struct {
		Unlimited bool `json:"unlimited"`
		Counters  []struct {
			Category  string `json:"category"`
			Remaining int    `json:"remaining"`
			Max       int    `json:"max"`
		} `json:"counters"`
	}

	out := callTool[output](t, session, "quota_status", nil)
	gt.False(t, out.Unlimited)
	gt.A(t, out.Counters).Length(len(model.QuotaCategories))
	gt.Equal(t, out.Counters[0].Category, string(model.QuotaNote))
	gt.Equal(t, out.Counters[0].Remaining, out.Counters[0].Max)
}

func TestHTTPStreamableTransport(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t, nil)

	server := mcp.NewServer(svc)
	testServer := httptest.NewServer(server.Handler())
	defer testServer.Close()

	client := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "test-http-client", Version: "1.0.0"}, nil)
	session, err := client.Connect(ctx, &mcpsdk.StreamableClientTransport{Endpoint: testServer.URL}, nil)
	gt.NoError(t, err)
	defer session.Close()

	out := callTool[struct {
		Matched bool `json:"matched"`
	}](t, session, "find_project", map[string]any{"text": "stock alarm launch"})
	gt.True(t, out.Matched)
}
