package mcp

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/jotter/pkg/model"
	"github.com/m-mizutani/jotter/pkg/usecase/digest"
	"github.com/m-mizutani/jotter/pkg/usecase/pipeline"
	"github.com/m-mizutani/jotter/pkg/utils/logging"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const (
	serverName    = "jotter"
	serverVersion = "0.1.0"
)

// Server exposes the note pipeline to MCP clients
type Server struct {
	svc    *pipeline.Service
	server *mcp.Server
	now    func() time.Time
}

type Option func(*Server)

// WithClock replaces time.Now for resolving the default digest date
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		s.now = now
	}
}

// NewServer registers one tool per pipeline operation
func NewServer(svc *pipeline.Service, opts ...Option) *Server {
	s := &Server{
		svc: svc,
		server: mcp.NewServer(&mcp.Implementation{
			Name:    serverName,
			Version: serverVersion,
		}, nil),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "save_note",
		Description: "Save a short note. Decisions, actions, commitments, open questions, people and the project are extracted from it.",
	}, s.saveNote)
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "find_project",
		Description: "Find the known project that best matches a piece of text",
	}, s.findProject)
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "refresh_session",
		Description: "Get the rollup of today's notes, open items, momentum and attention warnings",
	}, s.refreshSession)
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "daily_digest",
		Description: "Get the digest of a day, generating it when it does not exist yet. At most one digest is generated per day.",
	}, s.dailyDigest)
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "quota_status",
		Description: "Show remaining allowances of notes, extractions, resolutions and digests",
	}, s.quotaStatus)

	return s
}

// Run serves MCP over t until the client disconnects or ctx is canceled
func (s *Server) Run(ctx context.Context, t mcp.Transport) error {
	if err := s.server.Run(ctx, t); err != nil {
		return goerr.Wrap(err, "mcp server stopped")
	}
	return nil
}

// ServeStdio serves MCP over stdin/stdout
func (s *Server) ServeStdio(ctx context.Context) error {
	return s.Run(ctx, &mcp.StdioTransport{})
}

// Handler serves MCP over streamable HTTP
func (s *Server) Handler() http.Handler {
	return mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return s.server
	}, nil)
}

// Connect starts one session over t. Used with in-memory transports.
func (s *Server) Connect(ctx context.Context, t mcp.Transport) (*mcp.ServerSession, error) {
	session, err := s.server.Connect(ctx, t, nil)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to connect mcp session")
	}
	return session, nil
}

type saveNoteInput struct {
	Content    string `json:"content,omitempty" jsonschema:"Note text as typed by the user"`
	Transcript string `json:"transcript,omitempty" jsonschema:"Speech-to-text or OCR output when the note was captured by voice or camera"`
	Source     string `json:"source,omitempty" jsonschema:"typed, audio or image. Defaults to typed"`
	ProjectID  string `json:"project_id,omitempty" jsonschema:"Project to file the note under. Inferred when omitted"`
}

type saveNoteOutput struct {
	Status     string     `json:"status" jsonschema:"saved, quota_exceeded or rejected"`
	Error      string     `json:"error,omitempty"`
	Note       *noteView  `json:"note,omitempty"`
	Extraction string     `json:"extraction,omitempty" jsonschema:"Result of the extraction run for the note"`
	Links      []linkView `json:"links,omitempty"`
}

func (s *Server) saveNote(ctx context.Context, _ *mcp.CallToolRequest, in saveNoteInput) (*mcp.CallToolResult, saveNoteOutput, error) {
	source := model.NoteSource(strings.TrimSpace(in.Source))
	if source != "" {
		if err := source.Validate(); err != nil {
			return nil, saveNoteOutput{}, err
		}
	}

	result, err := s.svc.SaveNote(ctx, pipeline.SaveNoteInput{
		Content:    in.Content,
		Transcript: in.Transcript,
		Source:     source,
		ProjectID:  model.ProjectID(strings.TrimSpace(in.ProjectID)),
	})
	switch {
	case errors.Is(err, model.ErrQuotaExceeded):
		return nil, saveNoteOutput{Status: "quota_exceeded", Error: err.Error()}, nil
	case errors.Is(err, model.ErrEmptyNote), errors.Is(err, model.ErrNotFound):
		return nil, saveNoteOutput{Status: "rejected", Error: err.Error()}, nil
	case err != nil:
		return nil, saveNoteOutput{}, err
	}

	out := saveNoteOutput{
		Status: "saved",
		Note:   newNoteView(result.Note),
	}
	if result.Extraction != nil {
		out.Extraction = string(result.Extraction.Status)
	}
	for _, link := range result.Links {
		out.Links = append(out.Links, newLinkView(link))
	}
	return nil, out, nil
}

type findProjectInput struct {
	Text string `json:"text" jsonschema:"Text to match against project names and aliases"`
}

type findProjectOutput struct {
	Matched   bool    `json:"matched"`
	ProjectID string  `json:"project_id,omitempty"`
	Name      string  `json:"name,omitempty"`
	Score     float64 `json:"score,omitempty"`
	Term      string  `json:"term,omitempty" jsonschema:"Name or alias that matched"`
}

func (s *Server) findProject(ctx context.Context, _ *mcp.CallToolRequest, in findProjectInput) (*mcp.CallToolResult, findProjectOutput, error) {
	match, err := s.svc.Projects().Match(ctx, in.Text)
	if err != nil {
		return nil, findProjectOutput{}, err
	}
	if match == nil {
		return nil, findProjectOutput{}, nil
	}
	return nil, findProjectOutput{
		Matched:   true,
		ProjectID: string(match.Project.ID),
		Name:      match.Project.Name,
		Score:     match.Score,
		Term:      match.Term,
	}, nil
}

type refreshSessionInput struct {
	Force bool `json:"force,omitempty" jsonschema:"Recompute even when the cached rollup is fresh"`
}

func (s *Server) refreshSession(ctx context.Context, _ *mcp.CallToolRequest, in refreshSessionInput) (*mcp.CallToolResult, sessionView, error) {
	if in.Force {
		s.svc.MarkSessionStale()
	}
	return nil, newSessionView(s.svc.RefreshSession(ctx)), nil
}

type dailyDigestInput struct {
	Date       string `json:"date,omitempty" jsonschema:"Day in YYYY-MM-DD. Defaults to today"`
	Regenerate bool   `json:"regenerate,omitempty" jsonschema:"Replace the stored digest of the day"`
}

type dailyDigestOutput struct {
	Status string      `json:"status"`
	Error  string      `json:"error,omitempty"`
	Digest *digestView `json:"digest,omitempty"`
}

func (s *Server) dailyDigest(ctx context.Context, _ *mcp.CallToolRequest, in dailyDigestInput) (*mcp.CallToolResult, dailyDigestOutput, error) {
	date := s.now()
	if in.Date != "" {
		parsed, err := model.ParseDateKey(in.Date, date.Location())
		if err != nil {
			return nil, dailyDigestOutput{}, goerr.Wrap(err, "invalid date", goerr.V("date", in.Date))
		}
		date = parsed
	}

	var outcome *digest.Outcome
	if in.Regenerate {
		outcome = s.svc.RegenerateDigest(ctx, date)
	} else {
		outcome = s.svc.GenerateDigest(ctx, date)
	}

	out := dailyDigestOutput{Status: string(outcome.Status)}
	if outcome.Err != nil {
		out.Error = outcome.Err.Error()
		logging.From(ctx).Info("digest request did not generate", "status", outcome.Status, "error", outcome.Err)
	}
	if outcome.HasDigest() {
		out.Digest = newDigestView(outcome.Digest)
	}
	return nil, out, nil
}

type quotaStatusOutput struct {
	Unlimited bool          `json:"unlimited"`
	Counters  []counterView `json:"counters,omitempty"`
}

func (s *Server) quotaStatus(ctx context.Context, _ *mcp.CallToolRequest, _ struct{}) (*mcp.CallToolResult, quotaStatusOutput, error) {
	state := s.svc.Quota(ctx)
	out := quotaStatusOutput{Unlimited: state.Unlimited}
	for _, category := range model.QuotaCategories {
		c, ok := state.Counters[category]
		if !ok {
			continue
		}
		out.Counters = append(out.Counters, counterView{
			Category:      string(category),
			Remaining:     c.Remaining,
			Max:           c.Max,
			Reset:         string(c.Reset),
			FreeGrantUsed: c.FreeGrantUsed,
		})
	}
	return nil, out, nil
}
