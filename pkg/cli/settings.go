package cli

import (
	"os"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/jotter/pkg/model"
	"github.com/m-mizutani/jotter/pkg/usecase/digest"
	"github.com/m-mizutani/jotter/pkg/usecase/extraction"
	"github.com/m-mizutani/jotter/pkg/usecase/project"
	"github.com/m-mizutani/jotter/pkg/usecase/quota"
	"github.com/m-mizutani/jotter/pkg/usecase/session"
	"gopkg.in/yaml.v3"
)

// settings is the optional YAML config file. Flags and env vars take
// precedence over it; zero values fall back to defaultSettings.
type settings struct {
	Backend    string `yaml:"backend"`
	SQLitePath string `yaml:"sqlite_path"`
	TimeZone   string `yaml:"time_zone"`
	PolicyDir  string `yaml:"policy_dir"`

	Firestore struct {
		Project  string `yaml:"project"`
		Database string `yaml:"database"`
	} `yaml:"firestore"`

	Gemini struct {
		Project  string `yaml:"project"`
		Location string `yaml:"location"`
		Model    string `yaml:"model"`
	} `yaml:"gemini"`

	Quota struct {
		Unlimited bool         `yaml:"unlimited"`
		Limits    quota.Limits `yaml:"limits"`
	} `yaml:"quota"`

	Timeouts struct {
		Extraction time.Duration `yaml:"extraction"`
		Digest     time.Duration `yaml:"digest"`
		Link       time.Duration `yaml:"link"`
	} `yaml:"timeouts"`

	Session struct {
		Freshness time.Duration `yaml:"freshness"`
		Stall     time.Duration `yaml:"stall"`
		Momentum  time.Duration `yaml:"momentum"`
	} `yaml:"session"`

	Digest struct {
		RecentWindow time.Duration `yaml:"recent_window"`
		MaxNotes     int           `yaml:"max_notes"`
	} `yaml:"digest"`

	Matcher struct {
		Threshold  float64 `yaml:"threshold"`
		MaxAliases int     `yaml:"max_aliases"`
	} `yaml:"matcher"`

	LinkPreview *bool `yaml:"link_preview"`

	Projects []seedProject `yaml:"projects"`

	Export struct {
		Bucket  string `yaml:"bucket"`
		Project string `yaml:"project"`
		Dataset string `yaml:"dataset"`
		Table   string `yaml:"table"`
	} `yaml:"export"`
}

// seedProject is created at startup when no project has the same name
type seedProject struct {
	Name    string   `yaml:"name"`
	Aliases []string `yaml:"aliases"`
}

func defaultSettings() *settings {
	s := &settings{
		Backend: "sqlite",
	}
	s.Firestore.Database = "(default)"
	s.Gemini.Location = "us-central1"
	s.Quota.Limits = quota.DefaultLimits()
	s.Timeouts.Extraction = extraction.DefaultTimeout
	s.Timeouts.Digest = digest.DefaultTimeout
	s.Timeouts.Link = 5 * time.Second
	s.Session.Freshness = session.DefaultFreshnessWindow
	s.Session.Stall = session.DefaultStallThreshold
	s.Session.Momentum = session.DefaultMomentumWindow
	s.Digest.RecentWindow = digest.DefaultRecentWindow
	s.Digest.MaxNotes = digest.DefaultMaxNotes
	s.Matcher.Threshold = project.DefaultThreshold
	s.Matcher.MaxAliases = project.DefaultMaxAliases
	return s
}

// loadSettings reads path over the defaults. An empty path yields the defaults.
func loadSettings(path string) (*settings, error) {
	s := defaultSettings()
	if path == "" {
		return s, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to read config file", goerr.V("path", path))
	}

	// limits in the file override per category, not as a whole
	defaults := s.Quota.Limits
	s.Quota.Limits = nil
	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, goerr.Wrap(err, "failed to parse config file", goerr.V("path", path))
	}
	for category, limit := range s.Quota.Limits {
		if err := category.Validate(); err != nil {
			return nil, goerr.Wrap(err, "invalid quota limit in config file", goerr.V("path", path))
		}
		if limit.Reset == "" {
			limit.Reset = defaults[category].Reset
		}
		defaults[category] = limit
	}
	s.Quota.Limits = defaults

	if err := s.validate(); err != nil {
		return nil, goerr.Wrap(err, "invalid config file", goerr.V("path", path))
	}
	return s, nil
}

func (s *settings) validate() error {
	for category, limit := range s.Quota.Limits {
		if limit.Max < 0 {
			return goerr.New("quota max must not be negative", goerr.V("category", category))
		}
		switch limit.Reset {
		case model.ResetMonthly, model.ResetNever:
		default:
			return goerr.New("unknown quota reset policy", goerr.V("category", category), goerr.V("reset", limit.Reset))
		}
	}
	if s.Matcher.Threshold < 0 || s.Matcher.Threshold > 1 {
		return goerr.New("matcher threshold must be between 0 and 1", goerr.V("threshold", s.Matcher.Threshold))
	}
	if _, err := s.location(); err != nil {
		return err
	}
	return nil
}

func (s *settings) location() (*time.Location, error) {
	if s.TimeZone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(s.TimeZone)
	if err != nil {
		return nil, goerr.Wrap(err, "unknown time zone", goerr.V("time_zone", s.TimeZone))
	}
	return loc, nil
}

func (s *settings) linkPreview() bool {
	return s.LinkPreview == nil || *s.LinkPreview
}
