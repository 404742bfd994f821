package cli_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/jotter/pkg/cli"
)

type runner struct {
	t    *testing.T
	args []string
}

// newRunner runs commands against one SQLite file so state carries over
func newRunner(t *testing.T, extra ...string) *runner {
	dbPath := filepath.Join(t.TempDir(), "jotter.db")
	t.Setenv("GEMINI_PROJECT_ID", "")
	return &runner{t: t, args: append([]string{"--backend", "sqlite", "--db", dbPath}, extra...)}
}

func (r *runner) run(args ...string) (string, error) {
	r.t.Helper()
	var buf bytes.Buffer

	// flags of the leaf command go right after its name
	var argv []string
	i := 0
	for i < len(args) && !strings.HasPrefix(args[i], "-") && isCommand(args[:i+1]) {
		i++
	}
	argv = append([]string{"jotter", "--log-level", "error"}, args[:i]...)
	argv = append(argv, r.args...)
	argv = append(argv, args[i:]...)

	err := cli.Command(&buf).Run(context.Background(), argv)
	return buf.String(), err
}

var commands = map[string]bool{
	"note": true, "note add": true, "note list": true, "note show": true, "note retry": true,
	"note resolve": true, "note delete": true,
	"project": true, "project add": true, "project list": true, "project alias": true,
	"project archive": true, "project match": true, "project assign": true,
	"action": true, "action list": true, "action done": true,
	"session": true, "today": true, "digest": true, "digest show": true, "digest list": true,
	"quota": true, "export": true,
}

func isCommand(path []string) bool {
	return commands[strings.Join(path, " ")]
}

func (r *runner) mustRun(args ...string) string {
	r.t.Helper()
	out, err := r.run(args...)
	gt.NoError(r.t, err)
	return out
}

func TestProjectCommands(t *testing.T) {
	r := newRunner(t)

	out := r.mustRun("project", "add", "--alias", "stock alarm", "--alias", "SA", "StockAlarm")
	gt.S(t, out).Contains("StockAlarm (stock alarm, SA)")

	_, err := r.run("project", "add", "stockalarm")
	gt.Error(t, err)

	out = r.mustRun("project", "match", "update StockAlarm pricing page")
	gt.S(t, out).Contains("StockAlarm (score")

	out = r.mustRun("project", "match", "buy groceries")
	gt.S(t, out).Contains("No matching project")

	out = r.mustRun("project", "alias", "StockAlarm", "alarm app")
	gt.S(t, out).Contains("alarm app")

	r.mustRun("project", "archive", "StockAlarm")
	out = r.mustRun("project", "list")
	gt.S(t, out).NotContains("StockAlarm")
	out = r.mustRun("project", "list", "--all")
	gt.S(t, out).Contains("[archived]")
}

func TestNoteCommandsWithoutGemini(t *testing.T) {
	r := newRunner(t)

	out := r.mustRun("note", "add", "call Sarah about the invoices")
	gt.S(t, out).Contains("Saved")
	gt.S(t, out).Contains("extraction failed")

	out = r.mustRun("note", "list")
	gt.S(t, out).Contains("call Sarah about the invoices")
	gt.S(t, out).Contains("(extraction failed)")

	id := strings.Fields(out)[0]
	out = r.mustRun("note", "show", id)
	gt.S(t, out).Contains("Extract:  failed")

	out = r.mustRun("note", "retry", id)
	gt.S(t, out).Contains("inference_failed")

	// no extraction ran, so there is no next step to resolve
	_, err := r.run("note", "resolve", id)
	gt.Error(t, err)

	out = r.mustRun("session")
	gt.S(t, out).Contains("Notes today:      1")

	out = r.mustRun("note", "delete", id)
	gt.S(t, out).Contains("Deleted")

	out = r.mustRun("note", "list")
	gt.Equal(t, out, "")
}

func TestNoteAddRejectsEmpty(t *testing.T) {
	r := newRunner(t)
	_, err := r.run("note", "add", "   ")
	gt.Error(t, err)

	_, err = r.run("note", "add", "--source", "fax", "hello")
	gt.Error(t, err)
}

func TestDigestWithoutGemini(t *testing.T) {
	r := newRunner(t)

	out := r.mustRun("digest")
	gt.S(t, out).Contains("Digest generation failed")

	_, err := r.run("digest", "show")
	gt.Error(t, err)

	out = r.mustRun("digest", "list")
	gt.Equal(t, out, "")

	_, err = r.run("digest", "--date", "yesterday")
	gt.Error(t, err)
}

func TestConfigFile(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "jotter.yaml")
	gt.NoError(t, os.WriteFile(configPath, []byte(`
backend: sqlite
sqlite_path: `+filepath.Join(dir, "from-config.db")+`
link_preview: false
quota:
  limits:
    note:
      max: 1
projects:
  - name: StockAlarm
    aliases: ["stock alarm"]
`), 0o644))

	t.Setenv("GEMINI_PROJECT_ID", "")
	r := &runner{t: t, args: []string{"--config", configPath}}

	out := r.mustRun("quota")
	gt.S(t, out).Contains("1 / 1")
	gt.S(t, out).Contains("first use free")

	out = r.mustRun("project", "list")
	gt.S(t, out).Contains("StockAlarm (stock alarm)")

	// seeding twice does not duplicate
	out = r.mustRun("project", "list")
	gt.Equal(t, strings.Count(out, "StockAlarm"), 1)

	_, err := os.Stat(filepath.Join(dir, "from-config.db"))
	gt.NoError(t, err)
}

func TestNoteQuota(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "jotter.yaml")
	gt.NoError(t, os.WriteFile(configPath, []byte(`
quota:
  limits:
    note:
      max: 0
      reset: never
`), 0o644))
	r := newRunner(t, "--config", configPath)

	// the first note is granted even with no allowance
	r.mustRun("note", "add", "first")
	_, err := r.run("note", "add", "second")
	gt.Error(t, err)
}

func TestInvalidConfig(t *testing.T) {
	dir := t.TempDir()

	t.Run("unknown backend", func(t *testing.T) {
		r := &runner{t: t, args: []string{"--backend", "postgres"}}
		_, err := r.run("quota")
		gt.Error(t, err)
	})

	t.Run("bad reset policy", func(t *testing.T) {
		configPath := filepath.Join(dir, "bad.yaml")
		gt.NoError(t, os.WriteFile(configPath, []byte("quota:\n  limits:\n    note:\n      max: 3\n      reset: weekly\n"), 0o644))
		r := newRunner(t, "--config", configPath)
		_, err := r.run("quota")
		gt.Error(t, err)
	})

	t.Run("unknown category", func(t *testing.T) {
		configPath := filepath.Join(dir, "category.yaml")
		gt.NoError(t, os.WriteFile(configPath, []byte("quota:\n  limits:\n    images:\n      max: 3\n"), 0o644))
		r := newRunner(t, "--config", configPath)
		_, err := r.run("quota")
		gt.Error(t, err)
	})

	t.Run("unknown time zone", func(t *testing.T) {
		configPath := filepath.Join(dir, "tz.yaml")
		gt.NoError(t, os.WriteFile(configPath, []byte("time_zone: Mars/Olympus\n"), 0o644))
		r := newRunner(t, "--config", configPath)
		_, err := r.run("quota")
		gt.Error(t, err)
	})

	t.Run("missing file", func(t *testing.T) {
		r := newRunner(t, "--config", filepath.Join(dir, "missing.yaml"))
		_, err := r.run("quota")
		gt.Error(t, err)
	})
}
