package cli

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/jotter/pkg/adapter"
	"github.com/m-mizutani/jotter/pkg/model"
	"github.com/m-mizutani/jotter/pkg/policy"
	"github.com/m-mizutani/jotter/pkg/repository"
	"github.com/m-mizutani/jotter/pkg/usecase/export"
	"github.com/m-mizutani/jotter/pkg/usecase/pipeline"
	"github.com/m-mizutani/jotter/pkg/usecase/project"
	"github.com/m-mizutani/jotter/pkg/usecase/quota"
	"github.com/m-mizutani/jotter/pkg/utils/logging"
	"github.com/urfave/cli/v3"
	"google.golang.org/genai"
)

// config holds configuration values
type config struct {
	configPath string

	// Repository
	backend    string
	sqlitePath string
	project    string
	database   string

	// Adapters
	geminiProject  string
	geminiLocation string
	geminiModel    string

	settings *settings
	repo     repository.Repository
}

// globalFlags returns common flags used across commands with destination config
func globalFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Aliases:     []string{"c"},
			Usage:       "Path to YAML config file",
			Sources:     cli.EnvVars("JOTTER_CONFIG"),
			Destination: &cfg.configPath,
			TakesFile:   true,
		},
		&cli.StringFlag{
			Name:        "backend",
			Aliases:     []string{"b"},
			Usage:       "Storage backend (memory, sqlite, firestore)",
			Sources:     cli.EnvVars("JOTTER_BACKEND"),
			Destination: &cfg.backend,
		},
		&cli.StringFlag{
			Name:        "db",
			Usage:       "SQLite database path",
			Sources:     cli.EnvVars("JOTTER_DB"),
			Destination: &cfg.sqlitePath,
			TakesFile:   true,
		},
		&cli.StringFlag{
			Name:        "project",
			Aliases:     []string{"p"},
			Usage:       "Google Cloud project ID for Firestore",
			Sources:     cli.EnvVars("GOOGLE_CLOUD_PROJECT"),
			Destination: &cfg.project,
		},
		&cli.StringFlag{
			Name:        "database",
			Aliases:     []string{"d"},
			Usage:       "Firestore database ID",
			Sources:     cli.EnvVars("FIRESTORE_DATABASE_ID"),
			Destination: &cfg.database,
		},
	}
}

// llmFlags returns flags for LLM-related configuration with destination config
func llmFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "gemini-project",
			Usage:       "Google Cloud project ID for Gemini",
			Sources:     cli.EnvVars("GEMINI_PROJECT_ID"),
			Destination: &cfg.geminiProject,
		},
		&cli.StringFlag{
			Name:        "gemini-location",
			Usage:       "Google Cloud location for Gemini",
			Sources:     cli.EnvVars("GEMINI_LOCATION"),
			Destination: &cfg.geminiLocation,
		},
		&cli.StringFlag{
			Name:        "gemini-model",
			Usage:       "Gemini model name",
			Sources:     cli.EnvVars("GEMINI_MODEL"),
			Destination: &cfg.geminiModel,
		},
	}
}

// commandFlags appends the shared flags to flags specific to a command
func commandFlags(cfg *config, flags ...cli.Flag) []cli.Flag {
	flags = append(flags, globalFlags(cfg)...)
	flags = append(flags, llmFlags(cfg)...)
	return flags
}

// load reads the config file once and lets flags and env vars override it
func (cfg *config) load() (*settings, error) {
	if cfg.settings != nil {
		return cfg.settings, nil
	}

	s, err := loadSettings(cfg.configPath)
	if err != nil {
		return nil, err
	}
	override(&s.Backend, cfg.backend)
	override(&s.SQLitePath, cfg.sqlitePath)
	override(&s.Firestore.Project, cfg.project)
	override(&s.Firestore.Database, cfg.database)
	override(&s.Gemini.Project, cfg.geminiProject)
	override(&s.Gemini.Location, cfg.geminiLocation)
	override(&s.Gemini.Model, cfg.geminiModel)

	cfg.settings = s
	return s, nil
}

func override(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// clock returns time.Now in the configured time zone
func (cfg *config) clock() (func() time.Time, error) {
	s, err := cfg.load()
	if err != nil {
		return nil, err
	}
	loc, err := s.location()
	if err != nil {
		return nil, err
	}
	return func() time.Time { return time.Now().In(loc) }, nil
}

// newRepository creates the repository of the configured backend. The
// repository is shared by every component built from cfg.
func (cfg *config) newRepository(ctx context.Context) (repository.Repository, error) {
	if cfg.repo != nil {
		return cfg.repo, nil
	}
	s, err := cfg.load()
	if err != nil {
		return nil, err
	}

	var repo repository.Repository
	switch s.Backend {
	case "memory":
		repo = repository.NewMemory()

	case "sqlite", "":
		path := s.SQLitePath
		if path == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return nil, goerr.Wrap(err, "failed to resolve home directory")
			}
			path = filepath.Join(home, ".jotter", "jotter.db")
		}
		if repo, err = repository.NewSQLite(path); err != nil {
			return nil, goerr.Wrap(err, "failed to create repository")
		}

	case "firestore":
		if s.Firestore.Project == "" {
			return nil, goerr.New("project is required for firestore backend")
		}
		if s.Firestore.Database == "" {
			return nil, goerr.New("database is required for firestore backend")
		}
		if repo, err = repository.NewFirestore(ctx, s.Firestore.Project, s.Firestore.Database); err != nil {
			return nil, goerr.Wrap(err, "failed to create repository")
		}

	default:
		return nil, goerr.New("unknown backend", goerr.V("backend", s.Backend))
	}

	cfg.repo = repo
	return repo, nil
}

// close releases the repository when one was created
func (cfg *config) close(ctx context.Context) {
	if cfg.repo == nil {
		return
	}
	if err := cfg.repo.Close(); err != nil {
		logging.From(ctx).Warn("failed to close repository", "error", err)
	}
	cfg.repo = nil
}

// offlineGemini stands in when no Gemini project is configured. Every call
// fails, so extraction and digests report inference_failed and can be
// retried once Gemini is set up.
type offlineGemini struct{}

var errGeminiNotConfigured = errors.New("gemini is not configured, set --gemini-project or GEMINI_PROJECT_ID")

func (offlineGemini) GenerateContent(context.Context, []*genai.Content, *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	return nil, errGeminiNotConfigured
}

// newGemini creates a new Gemini adapter instance
func (cfg *config) newGemini(ctx context.Context) (adapter.Gemini, error) {
	s, err := cfg.load()
	if err != nil {
		return nil, err
	}
	if s.Gemini.Project == "" {
		logging.From(ctx).Debug("gemini is not configured, inference is disabled")
		return offlineGemini{}, nil
	}
	if s.Gemini.Location == "" {
		return nil, goerr.New("gemini-location is required")
	}

	var opts []adapter.GeminiOption
	if s.Gemini.Model != "" {
		opts = append(opts, adapter.WithGenerativeModel(s.Gemini.Model))
	}
	return adapter.NewGemini(ctx, s.Gemini.Project, s.Gemini.Location, opts...)
}

// newLedger loads the quota ledger from the repository
func (cfg *config) newLedger(ctx context.Context) (*quota.Ledger, error) {
	s, err := cfg.load()
	if err != nil {
		return nil, err
	}
	repo, err := cfg.newRepository(ctx)
	if err != nil {
		return nil, err
	}
	now, err := cfg.clock()
	if err != nil {
		return nil, err
	}

	ledger, err := quota.New(ctx, repo, s.Quota.Limits, quota.WithClock(now))
	if err != nil {
		return nil, goerr.Wrap(err, "failed to load quota ledger")
	}
	if s.Quota.Unlimited != ledger.Snapshot().Unlimited {
		ledger.SetUnlimited(ctx, s.Quota.Unlimited)
	}
	return ledger, nil
}

// newService builds the note pipeline from the configuration
func (cfg *config) newService(ctx context.Context) (*pipeline.Service, error) {
	s, err := cfg.load()
	if err != nil {
		return nil, err
	}
	repo, err := cfg.newRepository(ctx)
	if err != nil {
		return nil, err
	}
	gemini, err := cfg.newGemini(ctx)
	if err != nil {
		return nil, err
	}
	ledger, err := cfg.newLedger(ctx)
	if err != nil {
		return nil, err
	}
	now, err := cfg.clock()
	if err != nil {
		return nil, err
	}

	opts := []pipeline.Option{
		pipeline.WithClock(now),
		pipeline.WithMatcher(project.NewMatcher(
			project.WithThreshold(s.Matcher.Threshold),
			project.WithMaxAliases(s.Matcher.MaxAliases),
		)),
		pipeline.WithExtractionTimeout(s.Timeouts.Extraction),
		pipeline.WithDigestTimeout(s.Timeouts.Digest),
		pipeline.WithFreshnessWindow(s.Session.Freshness),
		pipeline.WithStallThreshold(s.Session.Stall),
		pipeline.WithMomentumWindow(s.Session.Momentum),
		pipeline.WithDigestNotes(s.Digest.RecentWindow, s.Digest.MaxNotes),
	}
	if s.linkPreview() {
		opts = append(opts, pipeline.WithLinkFetcher(adapter.NewHTTPLinkFetcher(nil, s.Timeouts.Link)))
	}
	if s.PolicyDir != "" {
		engine, err := policy.New(ctx, s.PolicyDir)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to load attention policy")
		}
		if engine.Enabled() {
			opts = append(opts, pipeline.WithWarningPolicy(engine))
		}
	}

	svc := pipeline.New(repo, gemini, ledger, opts...)
	if err := seedProjects(ctx, svc, s.Projects); err != nil {
		return nil, err
	}
	return svc, nil
}

// seedProjects creates configured projects that do not exist yet
func seedProjects(ctx context.Context, svc *pipeline.Service, seeds []seedProject) error {
	for _, seed := range seeds {
		_, err := svc.Projects().Create(ctx, seed.Name, seed.Aliases)
		if err != nil && !errors.Is(err, model.ErrProjectExists) {
			return goerr.Wrap(err, "failed to create configured project", goerr.V("name", seed.Name))
		}
	}
	return nil
}

// newExporter creates the digest exporter for the configured destinations
func (cfg *config) newExporter(ctx context.Context) (*export.UseCase, error) {
	s, err := cfg.load()
	if err != nil {
		return nil, err
	}
	repo, err := cfg.newRepository(ctx)
	if err != nil {
		return nil, err
	}

	var opts []export.Option
	if s.Export.Bucket != "" {
		storage, err := adapter.NewStorage(ctx, s.Export.Bucket)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to create storage")
		}
		opts = append(opts, export.WithStorage(storage))
	}
	if s.Export.Dataset != "" {
		projectID := s.Export.Project
		if projectID == "" {
			projectID = s.Firestore.Project
		}
		if projectID == "" {
			return nil, goerr.New("export project is required for BigQuery")
		}
		bq, err := adapter.NewBigQuery(ctx, projectID)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to create BigQuery client")
		}
		opts = append(opts, export.WithBigQuery(bq, s.Export.Dataset, s.Export.Table))
	}
	return export.New(repo, opts...), nil
}
