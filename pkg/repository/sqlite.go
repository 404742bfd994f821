package repository

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/jotter/pkg/model"
	_ "modernc.org/sqlite"
)

// SQLite is a Repository on a local SQLite database file
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens or creates a SQLite database at the given path
func NewSQLite(dbPath string) (*SQLite, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, goerr.Wrap(err, "failed to create db dir", goerr.V("path", dbPath))
		}
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, goerr.Wrap(err, "failed to open db", goerr.V("path", dbPath))
	}
	// a single writer connection keeps transactions serialized
	db.SetMaxOpenConns(1)

	r := &SQLite{db: db}
	if err := r.migrate(); err != nil {
		db.Close()
		return nil, goerr.Wrap(err, "failed to migrate db")
	}
	return r, nil
}

func (r *SQLite) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS notes (
		id                      TEXT PRIMARY KEY,
		content                 TEXT NOT NULL DEFAULT '',
		transcript              TEXT NOT NULL DEFAULT '',
		source                  TEXT NOT NULL DEFAULT 'typed',
		title                   TEXT NOT NULL DEFAULT '',
		intent                  TEXT NOT NULL DEFAULT '',
		intent_confidence       REAL NOT NULL DEFAULT 0,
		next_step_text          TEXT,
		next_step_type          TEXT,
		next_step_resolved      INTEGER NOT NULL DEFAULT 0,
		next_step_resolved_at   TEXT,
		project_id              TEXT NOT NULL DEFAULT '',
		project_auto            INTEGER NOT NULL DEFAULT 0,
		inferred_project        TEXT NOT NULL DEFAULT '',
		extraction_status       TEXT NOT NULL DEFAULT '',
		extraction_attempted_at TEXT,
		extraction_error        TEXT NOT NULL DEFAULT '',
		created_at              TEXT NOT NULL,
		updated_at              TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_notes_created ON notes(created_at DESC);

	CREATE TABLE IF NOT EXISTS tags (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL,
		name_key   TEXT NOT NULL UNIQUE,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS note_tags (
		note_id TEXT NOT NULL REFERENCES notes(id) ON DELETE CASCADE,
		tag_id  TEXT NOT NULL REFERENCES tags(id) ON DELETE CASCADE,
		PRIMARY KEY (note_id, tag_id)
	);

	CREATE TABLE IF NOT EXISTS projects (
		id             TEXT PRIMARY KEY,
		name           TEXT NOT NULL,
		archived       INTEGER NOT NULL DEFAULT 0,
		last_active_at TEXT,
		created_at     TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS project_aliases (
		project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		pos        INTEGER NOT NULL,
		alias      TEXT NOT NULL,
		PRIMARY KEY (project_id, pos)
	);

	CREATE TABLE IF NOT EXISTS decisions (
		id         TEXT PRIMARY KEY,
		note_id    TEXT NOT NULL REFERENCES notes(id) ON DELETE CASCADE,
		content    TEXT NOT NULL,
		confidence REAL NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_decisions_note ON decisions(note_id);

	CREATE TABLE IF NOT EXISTS actions (
		id           TEXT PRIMARY KEY,
		note_id      TEXT NOT NULL REFERENCES notes(id) ON DELETE CASCADE,
		content      TEXT NOT NULL,
		owner        TEXT NOT NULL DEFAULT '',
		deadline     TEXT NOT NULL DEFAULT '',
		due_at       TEXT,
		completed    INTEGER NOT NULL DEFAULT 0,
		completed_at TEXT,
		created_at   TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_actions_note ON actions(note_id);

	CREATE TABLE IF NOT EXISTS commitments (
		id           TEXT PRIMARY KEY,
		note_id      TEXT NOT NULL REFERENCES notes(id) ON DELETE CASCADE,
		content      TEXT NOT NULL,
		owner        TEXT NOT NULL DEFAULT '',
		counterparty TEXT NOT NULL DEFAULT '',
		deadline     TEXT NOT NULL DEFAULT '',
		completed    INTEGER NOT NULL DEFAULT 0,
		completed_at TEXT,
		created_at   TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_commitments_note ON commitments(note_id);

	CREATE TABLE IF NOT EXISTS unresolved (
		id          TEXT PRIMARY KEY,
		note_id     TEXT NOT NULL REFERENCES notes(id) ON DELETE CASCADE,
		content     TEXT NOT NULL,
		reason      TEXT NOT NULL DEFAULT 'other',
		resolved    INTEGER NOT NULL DEFAULT 0,
		resolved_at TEXT,
		created_at  TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_unresolved_note ON unresolved(note_id);

	CREATE TABLE IF NOT EXISTS people (
		id              TEXT PRIMARY KEY,
		name            TEXT NOT NULL,
		normalized_name TEXT NOT NULL UNIQUE,
		mention_count   INTEGER NOT NULL DEFAULT 0,
		first_seen_at   TEXT NOT NULL,
		last_seen_at    TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS person_mentions (
		person_id TEXT NOT NULL REFERENCES people(id) ON DELETE CASCADE,
		note_id   TEXT NOT NULL,
		PRIMARY KEY (person_id, note_id)
	);

	CREATE TABLE IF NOT EXISTS links (
		id          TEXT PRIMARY KEY,
		note_id     TEXT NOT NULL REFERENCES notes(id) ON DELETE CASCADE,
		url         TEXT NOT NULL,
		title       TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		site_name   TEXT NOT NULL DEFAULT '',
		image_url   TEXT NOT NULL DEFAULT '',
		favicon_url TEXT NOT NULL DEFAULT '',
		fetched_at  TEXT NOT NULL,
		error       TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_links_note ON links(note_id);

	CREATE TABLE IF NOT EXISTS digests (
		date_key       TEXT PRIMARY KEY,
		id             TEXT NOT NULL,
		date           TEXT NOT NULL,
		generated_at   TEXT NOT NULL,
		narrative      TEXT NOT NULL DEFAULT '',
		note_count     INTEGER NOT NULL DEFAULT 0,
		revision       INTEGER NOT NULL DEFAULT 0,
		schema_version INTEGER NOT NULL DEFAULT 1
	);

	CREATE TABLE IF NOT EXISTS digest_items (
		date_key TEXT NOT NULL REFERENCES digests(date_key) ON DELETE CASCADE,
		kind     TEXT NOT NULL,
		pos      INTEGER NOT NULL,
		title    TEXT NOT NULL DEFAULT '',
		detail   TEXT NOT NULL DEFAULT '',
		extra    TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (date_key, kind, pos)
	);

	CREATE TABLE IF NOT EXISTS quota_counters (
		category        TEXT PRIMARY KEY,
		remaining       INTEGER NOT NULL,
		max             INTEGER NOT NULL,
		reset           TEXT NOT NULL,
		free_grant_used INTEGER NOT NULL DEFAULT 0,
		period_start    TEXT
	);

	CREATE TABLE IF NOT EXISTS quota_meta (
		id         INTEGER PRIMARY KEY CHECK (id = 1),
		unlimited  INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL
	);
	`
	_, err := r.db.Exec(schema)
	return err
}

// timeLayout is fixed width so stored times compare correctly as text
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func fmtTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func fmtTimePtr(t *time.Time) sql.NullString {
	if t == nil || t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: fmtTime(*t), Valid: true}
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	if t.IsZero() {
		return nil
	}
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

type scanner interface {
	Scan(dest ...any) error
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

const noteColumns = `id, content, transcript, source, title, intent, intent_confidence,
	next_step_text, next_step_type, next_step_resolved, next_step_resolved_at,
	project_id, project_auto, inferred_project,
	extraction_status, extraction_attempted_at, extraction_error, created_at, updated_at`

func scanNote(s scanner) (*model.Note, error) {
	var (
		n                                  model.Note
		nsText, nsType, nsResolvedAt       sql.NullString
		attemptedAt                        sql.NullString
		nsResolved, projectAuto            int
		createdAt, updatedAt, source, intt string
		status                             string
	)
	if err := s.Scan(&n.ID, &n.Content, &n.Transcript, &source, &n.Title, &intt, &n.IntentConfidence,
		&nsText, &nsType, &nsResolved, &nsResolvedAt,
		&n.ProjectID, &projectAuto, &n.InferredProject,
		&status, &attemptedAt, &n.Extraction.Error, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	n.Source = model.NoteSource(source)
	n.Intent = model.Intent(intt)
	if nsText.Valid {
		n.NextStep = &model.NextStep{
			Text:       nsText.String,
			Type:       model.NextStepType(nsType.String),
			Resolved:   nsResolved == 1,
			ResolvedAt: parseTimePtr(nsResolvedAt),
		}
	}
	n.ProjectAutoAssigned = projectAuto == 1
	n.Extraction.Status = model.ExtractionStatus(status)
	n.Extraction.AttemptedAt = parseTimePtr(attemptedAt)
	n.CreatedAt = parseTime(createdAt)
	n.UpdatedAt = parseTime(updatedAt)
	return &n, nil
}

func putNote(ctx context.Context, ex execer, n *model.Note) error {
	var nsText, nsType sql.NullString
	var nsResolved int
	var nsResolvedAt sql.NullString
	if n.NextStep != nil {
		nsText = sql.NullString{String: n.NextStep.Text, Valid: true}
		nsType = sql.NullString{String: string(n.NextStep.Type), Valid: true}
		nsResolved = boolInt(n.NextStep.Resolved)
		nsResolvedAt = fmtTimePtr(n.NextStep.ResolvedAt)
	}

	_, err := ex.ExecContext(ctx, `INSERT OR REPLACE INTO notes (`+noteColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.Content, n.Transcript, string(n.Source), n.Title, string(n.Intent), n.IntentConfidence,
		nsText, nsType, nsResolved, nsResolvedAt,
		n.ProjectID, boolInt(n.ProjectAutoAssigned), n.InferredProject,
		string(n.Extraction.Status), fmtTimePtr(n.Extraction.AttemptedAt), n.Extraction.Error,
		fmtTime(n.CreatedAt), fmtTime(n.UpdatedAt))
	if err != nil {
		return goerr.Wrap(err, "failed to put note", goerr.V("note_id", n.ID))
	}
	return nil
}

func (r *SQLite) PutNote(ctx context.Context, note *model.Note) error {
	// INSERT OR REPLACE would cascade-delete children, so update in place when present
	var exists int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM notes WHERE id = ?`, note.ID).Scan(&exists)
	if err != nil {
		return goerr.Wrap(err, "failed to check note", goerr.V("note_id", note.ID))
	}
	if exists == 0 {
		return putNote(ctx, r.db, note)
	}
	return updateNote(ctx, r.db, note)
}

func updateNote(ctx context.Context, ex execer, n *model.Note) error {
	var nsText, nsType sql.NullString
	var nsResolved int
	var nsResolvedAt sql.NullString
	if n.NextStep != nil {
		nsText = sql.NullString{String: n.NextStep.Text, Valid: true}
		nsType = sql.NullString{String: string(n.NextStep.Type), Valid: true}
		nsResolved = boolInt(n.NextStep.Resolved)
		nsResolvedAt = fmtTimePtr(n.NextStep.ResolvedAt)
	}

	res, err := ex.ExecContext(ctx, `UPDATE notes SET
		content = ?, transcript = ?, source = ?, title = ?, intent = ?, intent_confidence = ?,
		next_step_text = ?, next_step_type = ?, next_step_resolved = ?, next_step_resolved_at = ?,
		project_id = ?, project_auto = ?, inferred_project = ?,
		extraction_status = ?, extraction_attempted_at = ?, extraction_error = ?, updated_at = ?
		WHERE id = ?`,
		n.Content, n.Transcript, string(n.Source), n.Title, string(n.Intent), n.IntentConfidence,
		nsText, nsType, nsResolved, nsResolvedAt,
		n.ProjectID, boolInt(n.ProjectAutoAssigned), n.InferredProject,
		string(n.Extraction.Status), fmtTimePtr(n.Extraction.AttemptedAt), n.Extraction.Error,
		fmtTime(n.UpdatedAt), n.ID)
	if err != nil {
		return goerr.Wrap(err, "failed to update note", goerr.V("note_id", n.ID))
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return goerr.Wrap(model.ErrNotFound, "note not found", goerr.V("note_id", n.ID))
	}
	return nil
}

func (r *SQLite) GetNote(ctx context.Context, id model.NoteID) (*model.Note, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+noteColumns+` FROM notes WHERE id = ?`, id)
	n, err := scanNote(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, goerr.Wrap(model.ErrNotFound, "note not found", goerr.V("note_id", id))
	}
	if err != nil {
		return nil, goerr.Wrap(err, "failed to get note", goerr.V("note_id", id))
	}
	return n, nil
}

func (r *SQLite) ListNotes(ctx context.Context, input ListNotesInput) ([]*model.Note, error) {
	query := `SELECT ` + noteColumns + ` FROM notes`
	var (
		where []string
		args  []any
	)
	if !input.Since.IsZero() {
		where = append(where, `created_at >= ?`)
		args = append(args, fmtTime(input.Since))
	}
	if !input.Until.IsZero() {
		where = append(where, `created_at < ?`)
		args = append(args, fmtTime(input.Until))
	}
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, ` AND `)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if input.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, input.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to list notes")
	}
	defer rows.Close()

	var notes []*model.Note
	for rows.Next() {
		n, err := scanNote(rows)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to scan note")
		}
		notes = append(notes, n)
	}
	return notes, rows.Err()
}

func (r *SQLite) DeleteNote(ctx context.Context, id model.NoteID) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM notes WHERE id = ?`, id)
	if err != nil {
		return goerr.Wrap(err, "failed to delete note", goerr.V("note_id", id))
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return goerr.Wrap(model.ErrNotFound, "note not found", goerr.V("note_id", id))
	}
	return nil
}

func (r *SQLite) ApplyExtraction(ctx context.Context, batch *model.ExtractionBatch) (err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return goerr.Wrap(err, "failed to begin transaction")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	noteID := batch.Note.ID
	stored, err := scanNote(tx.QueryRowContext(ctx, `SELECT `+noteColumns+` FROM notes WHERE id = ?`, noteID))
	if errors.Is(err, sql.ErrNoRows) {
		return goerr.Wrap(model.ErrNotFound, "note disappeared before extraction was stored", goerr.V("note_id", noteID))
	}
	if err != nil {
		return goerr.Wrap(err, "failed to get note", goerr.V("note_id", noteID))
	}

	merged, touch := mergeExtraction(stored, batch)
	if err := updateNote(ctx, tx, merged); err != nil {
		return err
	}
	stampEntities(batch)

	if err := applyTags(ctx, tx, noteID, batch); err != nil {
		return err
	}
	if err := replaceExtracted(ctx, tx, batch); err != nil {
		return err
	}
	if err := upsertPeople(ctx, tx, noteID, batch); err != nil {
		return err
	}

	if touch != "" {
		if _, err := tx.ExecContext(ctx, `UPDATE projects SET last_active_at = ? WHERE id = ?`,
			fmtTime(batch.ProcessedAt), touch); err != nil {
			return goerr.Wrap(err, "failed to touch project", goerr.V("project_id", touch))
		}
	}

	if err := tx.Commit(); err != nil {
		return goerr.Wrap(err, "failed to commit extraction", goerr.V("note_id", noteID))
	}
	batch.Note = merged
	return nil
}

func applyTags(ctx context.Context, tx *sql.Tx, noteID model.NoteID, batch *model.ExtractionBatch) error {
	existing, err := listTags(ctx, tx)
	if err != nil {
		return err
	}
	linked, created := resolveTags(existing, batch.TagNames, batch.ProcessedAt)
	for _, t := range created {
		if _, err := tx.ExecContext(ctx, `INSERT INTO tags (id, name, name_key, created_at) VALUES (?, ?, ?, ?)`,
			t.ID, t.Name, model.TagKey(t.Name), fmtTime(t.CreatedAt)); err != nil {
			return goerr.Wrap(err, "failed to insert tag", goerr.V("tag", t.Name))
		}
	}
	for _, t := range linked {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO note_tags (note_id, tag_id) VALUES (?, ?)`,
			noteID, t.ID); err != nil {
			return goerr.Wrap(err, "failed to link tag", goerr.V("tag", t.Name))
		}
	}
	return nil
}

func replaceExtracted(ctx context.Context, tx *sql.Tx, batch *model.ExtractionBatch) error {
	noteID := batch.Note.ID
	for _, table := range []string{"decisions", "actions", "commitments", "unresolved"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE note_id = ?`, noteID); err != nil {
			return goerr.Wrap(err, "failed to clear extracted entities", goerr.V("table", table))
		}
	}

	for _, d := range batch.Decisions {
		if _, err := tx.ExecContext(ctx, `INSERT INTO decisions (id, note_id, content, confidence, created_at) VALUES (?, ?, ?, ?, ?)`,
			d.ID, d.NoteID, d.Content, d.Confidence, fmtTime(d.CreatedAt)); err != nil {
			return goerr.Wrap(err, "failed to insert decision")
		}
	}
	for _, a := range batch.Actions {
		if _, err := tx.ExecContext(ctx, `INSERT INTO actions (id, note_id, content, owner, deadline, due_at, completed, completed_at, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			a.ID, a.NoteID, a.Content, a.Owner, a.Deadline, fmtTimePtr(a.DueAt),
			boolInt(a.Completed), fmtTimePtr(a.CompletedAt), fmtTime(a.CreatedAt)); err != nil {
			return goerr.Wrap(err, "failed to insert action")
		}
	}
	for _, c := range batch.Commitments {
		if _, err := tx.ExecContext(ctx, `INSERT INTO commitments (id, note_id, content, owner, counterparty, deadline, completed, completed_at, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ID, c.NoteID, c.Content, c.Owner, c.Counterparty, c.Deadline,
			boolInt(c.Completed), fmtTimePtr(c.CompletedAt), fmtTime(c.CreatedAt)); err != nil {
			return goerr.Wrap(err, "failed to insert commitment")
		}
	}
	for _, u := range batch.Unresolved {
		if _, err := tx.ExecContext(ctx, `INSERT INTO unresolved (id, note_id, content, reason, resolved, resolved_at, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			u.ID, u.NoteID, u.Content, string(u.Reason), boolInt(u.Resolved), fmtTimePtr(u.ResolvedAt), fmtTime(u.CreatedAt)); err != nil {
			return goerr.Wrap(err, "failed to insert unresolved item")
		}
	}
	return nil
}

func upsertPeople(ctx context.Context, tx *sql.Tx, noteID model.NoteID, batch *model.ExtractionBatch) error {
	now := fmtTime(batch.ProcessedAt)
	for _, m := range uniqueMentions(batch.PeopleNames) {
		var id string
		err := tx.QueryRowContext(ctx, `SELECT id FROM people WHERE normalized_name = ?`, m.NormalizedName).Scan(&id)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			id = string(model.NewPersonID())
			if _, err := tx.ExecContext(ctx, `INSERT INTO people (id, name, normalized_name, mention_count, first_seen_at, last_seen_at)
				VALUES (?, ?, ?, 0, ?, ?)`, id, m.Name, m.NormalizedName, now, now); err != nil {
				return goerr.Wrap(err, "failed to insert person", goerr.V("name", m.Name))
			}
		case err != nil:
			return goerr.Wrap(err, "failed to look up person", goerr.V("name", m.Name))
		}

		res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO person_mentions (person_id, note_id) VALUES (?, ?)`, id, noteID)
		if err != nil {
			return goerr.Wrap(err, "failed to record mention", goerr.V("name", m.Name))
		}
		inc := int64(0)
		if affected, _ := res.RowsAffected(); affected > 0 {
			inc = 1
		}
		if _, err := tx.ExecContext(ctx, `UPDATE people SET mention_count = mention_count + ?, last_seen_at = ? WHERE id = ?`,
			inc, now, id); err != nil {
			return goerr.Wrap(err, "failed to update person", goerr.V("name", m.Name))
		}
	}
	return nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func listTags(ctx context.Context, q querier) ([]*model.Tag, error) {
	rows, err := q.QueryContext(ctx, `SELECT id, name, created_at FROM tags ORDER BY name`)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to list tags")
	}
	defer rows.Close()
	return scanTags(rows)
}

func scanTags(rows *sql.Rows) ([]*model.Tag, error) {
	var tags []*model.Tag
	for rows.Next() {
		var t model.Tag
		var createdAt string
		if err := rows.Scan(&t.ID, &t.Name, &createdAt); err != nil {
			return nil, goerr.Wrap(err, "failed to scan tag")
		}
		t.CreatedAt = parseTime(createdAt)
		tags = append(tags, &t)
	}
	return tags, rows.Err()
}

func (r *SQLite) ListTags(ctx context.Context) ([]*model.Tag, error) {
	return listTags(ctx, r.db)
}

func (r *SQLite) ListNoteTags(ctx context.Context, noteID model.NoteID) ([]*model.Tag, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT t.id, t.name, t.created_at FROM tags t
		JOIN note_tags nt ON nt.tag_id = t.id WHERE nt.note_id = ? ORDER BY t.name`, noteID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to list note tags", goerr.V("note_id", noteID))
	}
	defer rows.Close()
	return scanTags(rows)
}

func (r *SQLite) PutProject(ctx context.Context, project *model.Project) (err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return goerr.Wrap(err, "failed to begin transaction")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err := tx.ExecContext(ctx, `INSERT INTO projects (id, name, archived, last_active_at, created_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, archived = excluded.archived, last_active_at = excluded.last_active_at`,
		project.ID, project.Name, boolInt(project.Archived), fmtTimePtr(&project.LastActiveAt), fmtTime(project.CreatedAt)); err != nil {
		return goerr.Wrap(err, "failed to put project", goerr.V("project_id", project.ID))
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM project_aliases WHERE project_id = ?`, project.ID); err != nil {
		return goerr.Wrap(err, "failed to clear aliases", goerr.V("project_id", project.ID))
	}
	for i, alias := range project.Aliases {
		if _, err := tx.ExecContext(ctx, `INSERT INTO project_aliases (project_id, pos, alias) VALUES (?, ?, ?)`,
			project.ID, i, alias); err != nil {
			return goerr.Wrap(err, "failed to insert alias", goerr.V("alias", alias))
		}
	}

	if err := tx.Commit(); err != nil {
		return goerr.Wrap(err, "failed to commit project", goerr.V("project_id", project.ID))
	}
	return nil
}

func (r *SQLite) GetProject(ctx context.Context, id model.ProjectID) (*model.Project, error) {
	projects, err := r.queryProjects(ctx, `WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(projects) == 0 {
		return nil, goerr.Wrap(model.ErrNotFound, "project not found", goerr.V("project_id", id))
	}
	return projects[0], nil
}

func (r *SQLite) ListProjects(ctx context.Context) ([]*model.Project, error) {
	return r.queryProjects(ctx, ``)
}

func (r *SQLite) queryProjects(ctx context.Context, where string, args ...any) ([]*model.Project, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, name, archived, last_active_at, created_at FROM projects `+where+` ORDER BY created_at`, args...)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to query projects")
	}
	defer rows.Close()

	var projects []*model.Project
	byID := make(map[model.ProjectID]*model.Project)
	for rows.Next() {
		var p model.Project
		var archived int
		var lastActive sql.NullString
		var createdAt string
		if err := rows.Scan(&p.ID, &p.Name, &archived, &lastActive, &createdAt); err != nil {
			return nil, goerr.Wrap(err, "failed to scan project")
		}
		p.Archived = archived == 1
		if t := parseTimePtr(lastActive); t != nil {
			p.LastActiveAt = *t
		}
		p.CreatedAt = parseTime(createdAt)
		projects = append(projects, &p)
		byID[p.ID] = &p
	}
	if err := rows.Err(); err != nil {
		return nil, goerr.Wrap(err, "failed to iterate projects")
	}
	rows.Close()

	aliasRows, err := r.db.QueryContext(ctx, `SELECT project_id, alias FROM project_aliases ORDER BY project_id, pos`)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to query aliases")
	}
	defer aliasRows.Close()
	for aliasRows.Next() {
		var id model.ProjectID
		var alias string
		if err := aliasRows.Scan(&id, &alias); err != nil {
			return nil, goerr.Wrap(err, "failed to scan alias")
		}
		if p, ok := byID[id]; ok {
			p.Aliases = append(p.Aliases, alias)
		}
	}
	return projects, aliasRows.Err()
}

func noteFilter(noteID model.NoteID) (string, []any) {
	if noteID == "" {
		return ``, nil
	}
	return ` WHERE note_id = ?`, []any{noteID}
}

func (r *SQLite) ListDecisions(ctx context.Context, noteID model.NoteID) ([]*model.Decision, error) {
	where, args := noteFilter(noteID)
	rows, err := r.db.QueryContext(ctx, `SELECT id, note_id, content, confidence, created_at FROM decisions`+where+` ORDER BY created_at`, args...)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to list decisions")
	}
	defer rows.Close()

	var out []*model.Decision
	for rows.Next() {
		var d model.Decision
		var createdAt string
		if err := rows.Scan(&d.ID, &d.NoteID, &d.Content, &d.Confidence, &createdAt); err != nil {
			return nil, goerr.Wrap(err, "failed to scan decision")
		}
		d.CreatedAt = parseTime(createdAt)
		out = append(out, &d)
	}
	return out, rows.Err()
}

func (r *SQLite) ListActions(ctx context.Context, noteID model.NoteID) ([]*model.Action, error) {
	where, args := noteFilter(noteID)
	rows, err := r.db.QueryContext(ctx, `SELECT id, note_id, content, owner, deadline, due_at, completed, completed_at, created_at
		FROM actions`+where+` ORDER BY created_at`, args...)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to list actions")
	}
	defer rows.Close()

	var out []*model.Action
	for rows.Next() {
		var a model.Action
		var dueAt, completedAt sql.NullString
		var completed int
		var createdAt string
		if err := rows.Scan(&a.ID, &a.NoteID, &a.Content, &a.Owner, &a.Deadline, &dueAt, &completed, &completedAt, &createdAt); err != nil {
			return nil, goerr.Wrap(err, "failed to scan action")
		}
		a.DueAt = parseTimePtr(dueAt)
		a.Completed = completed == 1
		a.CompletedAt = parseTimePtr(completedAt)
		a.CreatedAt = parseTime(createdAt)
		out = append(out, &a)
	}
	return out, rows.Err()
}

func (r *SQLite) ListCommitments(ctx context.Context, noteID model.NoteID) ([]*model.Commitment, error) {
	where, args := noteFilter(noteID)
	rows, err := r.db.QueryContext(ctx, `SELECT id, note_id, content, owner, counterparty, deadline, completed, completed_at, created_at
		FROM commitments`+where+` ORDER BY created_at`, args...)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to list commitments")
	}
	defer rows.Close()

	var out []*model.Commitment
	for rows.Next() {
		var c model.Commitment
		var completedAt sql.NullString
		var completed int
		var createdAt string
		if err := rows.Scan(&c.ID, &c.NoteID, &c.Content, &c.Owner, &c.Counterparty, &c.Deadline, &completed, &completedAt, &createdAt); err != nil {
			return nil, goerr.Wrap(err, "failed to scan commitment")
		}
		c.Completed = completed == 1
		c.CompletedAt = parseTimePtr(completedAt)
		c.CreatedAt = parseTime(createdAt)
		out = append(out, &c)
	}
	return out, rows.Err()
}

func (r *SQLite) ListUnresolved(ctx context.Context, noteID model.NoteID) ([]*model.UnresolvedItem, error) {
	where, args := noteFilter(noteID)
	rows, err := r.db.QueryContext(ctx, `SELECT id, note_id, content, reason, resolved, resolved_at, created_at
		FROM unresolved`+where+` ORDER BY created_at`, args...)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to list unresolved items")
	}
	defer rows.Close()

	var out []*model.UnresolvedItem
	for rows.Next() {
		var u model.UnresolvedItem
		var resolvedAt sql.NullString
		var resolved int
		var reason, createdAt string
		if err := rows.Scan(&u.ID, &u.NoteID, &u.Content, &reason, &resolved, &resolvedAt, &createdAt); err != nil {
			return nil, goerr.Wrap(err, "failed to scan unresolved item")
		}
		u.Reason = model.UnresolvedReason(reason)
		u.Resolved = resolved == 1
		u.ResolvedAt = parseTimePtr(resolvedAt)
		u.CreatedAt = parseTime(createdAt)
		out = append(out, &u)
	}
	return out, rows.Err()
}

func expectUpdated(res sql.Result, err error, what string, id any) error {
	if err != nil {
		return goerr.Wrap(err, "failed to update "+what, goerr.V("id", id))
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return goerr.Wrap(model.ErrNotFound, what+" not found", goerr.V("id", id))
	}
	return nil
}

func (r *SQLite) PutAction(ctx context.Context, a *model.Action) error {
	res, err := r.db.ExecContext(ctx, `UPDATE actions SET content = ?, owner = ?, deadline = ?, due_at = ?, completed = ?, completed_at = ? WHERE id = ?`,
		a.Content, a.Owner, a.Deadline, fmtTimePtr(a.DueAt), boolInt(a.Completed), fmtTimePtr(a.CompletedAt), a.ID)
	return expectUpdated(res, err, "action", a.ID)
}

func (r *SQLite) PutCommitment(ctx context.Context, c *model.Commitment) error {
	res, err := r.db.ExecContext(ctx, `UPDATE commitments SET content = ?, owner = ?, counterparty = ?, deadline = ?, completed = ?, completed_at = ? WHERE id = ?`,
		c.Content, c.Owner, c.Counterparty, c.Deadline, boolInt(c.Completed), fmtTimePtr(c.CompletedAt), c.ID)
	return expectUpdated(res, err, "commitment", c.ID)
}

func (r *SQLite) PutUnresolved(ctx context.Context, u *model.UnresolvedItem) error {
	res, err := r.db.ExecContext(ctx, `UPDATE unresolved SET content = ?, reason = ?, resolved = ?, resolved_at = ? WHERE id = ?`,
		u.Content, string(u.Reason), boolInt(u.Resolved), fmtTimePtr(u.ResolvedAt), u.ID)
	return expectUpdated(res, err, "unresolved item", u.ID)
}

func (r *SQLite) queryPeople(ctx context.Context, where string, args ...any) ([]*model.Person, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, name, normalized_name, mention_count, first_seen_at, last_seen_at FROM people `+where+`
		ORDER BY mention_count DESC, normalized_name`, args...)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to query people")
	}
	defer rows.Close()

	var people []*model.Person
	for rows.Next() {
		var p model.Person
		var first, last string
		if err := rows.Scan(&p.ID, &p.Name, &p.NormalizedName, &p.MentionCount, &first, &last); err != nil {
			return nil, goerr.Wrap(err, "failed to scan person")
		}
		p.FirstSeenAt = parseTime(first)
		p.LastSeenAt = parseTime(last)
		people = append(people, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, goerr.Wrap(err, "failed to iterate people")
	}
	rows.Close()

	if len(people) == 0 {
		return people, nil
	}
	commitments, err := r.ListCommitments(ctx, "")
	if err != nil {
		return nil, err
	}
	for _, p := range people {
		p.OpenCommitments = model.CountOpenCommitments(p.NormalizedName, commitments)
	}
	return people, nil
}

func (r *SQLite) ListPeople(ctx context.Context) ([]*model.Person, error) {
	return r.queryPeople(ctx, ``)
}

func (r *SQLite) GetPersonByName(ctx context.Context, name string) (*model.Person, error) {
	people, err := r.queryPeople(ctx, `WHERE normalized_name = ?`, model.NormalizeName(name))
	if err != nil {
		return nil, err
	}
	if len(people) == 0 {
		return nil, goerr.Wrap(model.ErrNotFound, "person not found", goerr.V("name", name))
	}
	return people[0], nil
}

func (r *SQLite) PutLink(ctx context.Context, l *model.Link) error {
	var exists int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM notes WHERE id = ?`, l.NoteID).Scan(&exists); err != nil {
		return goerr.Wrap(err, "failed to check note", goerr.V("note_id", l.NoteID))
	}
	if exists == 0 {
		return goerr.Wrap(model.ErrNotFound, "note not found", goerr.V("note_id", l.NoteID))
	}

	_, err := r.db.ExecContext(ctx, `INSERT OR REPLACE INTO links (id, note_id, url, title, description, site_name, image_url, favicon_url, fetched_at, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.NoteID, l.URL, l.Title, l.Description, l.SiteName, l.ImageURL, l.FaviconURL, fmtTime(l.FetchedAt), l.Error)
	if err != nil {
		return goerr.Wrap(err, "failed to put link", goerr.V("note_id", l.NoteID))
	}
	return nil
}

func (r *SQLite) ListLinks(ctx context.Context, noteID model.NoteID) ([]*model.Link, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, note_id, url, title, description, site_name, image_url, favicon_url, fetched_at, error
		FROM links WHERE note_id = ? ORDER BY url`, noteID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to list links", goerr.V("note_id", noteID))
	}
	defer rows.Close()

	var out []*model.Link
	for rows.Next() {
		var l model.Link
		var fetchedAt string
		if err := rows.Scan(&l.ID, &l.NoteID, &l.URL, &l.Title, &l.Description, &l.SiteName, &l.ImageURL, &l.FaviconURL, &fetchedAt, &l.Error); err != nil {
			return nil, goerr.Wrap(err, "failed to scan link")
		}
		l.FetchedAt = parseTime(fetchedAt)
		out = append(out, &l)
	}
	return out, rows.Err()
}

const (
	digestItemHighlight = "highlight"
	digestItemWarning   = "warning"
	digestItemAction    = "action"
)

func (r *SQLite) GetDigest(ctx context.Context, dateKey string) (*model.DailyDigest, error) {
	digests, err := r.queryDigests(ctx, `WHERE date_key = ?`, dateKey)
	if err != nil {
		return nil, err
	}
	if len(digests) == 0 {
		return nil, goerr.Wrap(model.ErrNotFound, "digest not found", goerr.V("date", dateKey))
	}
	return digests[0], nil
}

func (r *SQLite) ListDigests(ctx context.Context, limit int) ([]*model.DailyDigest, error) {
	if limit > 0 {
		return r.queryDigests(ctx, `ORDER BY date_key DESC LIMIT ?`, limit)
	}
	return r.queryDigests(ctx, `ORDER BY date_key DESC`)
}

func (r *SQLite) queryDigests(ctx context.Context, tail string, args ...any) ([]*model.DailyDigest, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT date_key, id, date, generated_at, narrative, note_count, revision, schema_version
		FROM digests `+tail, args...)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to query digests")
	}
	defer rows.Close()

	var digests []*model.DailyDigest
	byKey := make(map[string]*model.DailyDigest)
	for rows.Next() {
		var d model.DailyDigest
		var date, generatedAt string
		if err := rows.Scan(&d.DateKey, &d.ID, &date, &generatedAt, &d.Narrative, &d.NoteCount, &d.Revision, &d.SchemaVersion); err != nil {
			return nil, goerr.Wrap(err, "failed to scan digest")
		}
		d.Date = parseTime(date)
		d.GeneratedAt = parseTime(generatedAt)
		digests = append(digests, &d)
		byKey[d.DateKey] = &d
	}
	if err := rows.Err(); err != nil {
		return nil, goerr.Wrap(err, "failed to iterate digests")
	}
	rows.Close()

	for key, d := range byKey {
		if err := r.loadDigestItems(ctx, key, d); err != nil {
			return nil, err
		}
	}
	return digests, nil
}

func (r *SQLite) loadDigestItems(ctx context.Context, dateKey string, d *model.DailyDigest) error {
	rows, err := r.db.QueryContext(ctx, `SELECT kind, title, detail, extra FROM digest_items WHERE date_key = ? ORDER BY kind, pos`, dateKey)
	if err != nil {
		return goerr.Wrap(err, "failed to query digest items", goerr.V("date", dateKey))
	}
	defer rows.Close()

	for rows.Next() {
		var kind, title, detail, extra string
		if err := rows.Scan(&kind, &title, &detail, &extra); err != nil {
			return goerr.Wrap(err, "failed to scan digest item")
		}
		switch kind {
		case digestItemHighlight:
			d.Highlights = append(d.Highlights, model.DigestHighlight{Title: title, Detail: detail})
		case digestItemWarning:
			d.Warnings = append(d.Warnings, model.DigestWarning{Title: title, Detail: detail, Severity: extra})
		case digestItemAction:
			d.SuggestedActions = append(d.SuggestedActions, model.DigestSuggestedAction{Text: title, Reason: detail, Priority: extra})
		}
	}
	return rows.Err()
}

func writeDigest(ctx context.Context, tx *sql.Tx, d *model.DailyDigest) error {
	if _, err := tx.ExecContext(ctx, `INSERT INTO digests (date_key, id, date, generated_at, narrative, note_count, revision, schema_version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		d.DateKey, d.ID, fmtTime(d.Date), fmtTime(d.GeneratedAt), d.Narrative, d.NoteCount, d.Revision, d.SchemaVersion); err != nil {
		return goerr.Wrap(err, "failed to insert digest", goerr.V("date", d.DateKey))
	}

	insert := func(kind string, pos int, title, detail, extra string) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO digest_items (date_key, kind, pos, title, detail, extra) VALUES (?, ?, ?, ?, ?, ?)`,
			d.DateKey, kind, pos, title, detail, extra)
		if err != nil {
			return goerr.Wrap(err, "failed to insert digest item", goerr.V("kind", kind))
		}
		return nil
	}
	for i, h := range d.Highlights {
		if err := insert(digestItemHighlight, i, h.Title, h.Detail, ""); err != nil {
			return err
		}
	}
	for i, w := range d.Warnings {
		if err := insert(digestItemWarning, i, w.Title, w.Detail, w.Severity); err != nil {
			return err
		}
	}
	for i, a := range d.SuggestedActions {
		if err := insert(digestItemAction, i, a.Text, a.Reason, a.Priority); err != nil {
			return err
		}
	}
	return nil
}

func (r *SQLite) CreateDigest(ctx context.Context, digest *model.DailyDigest) (err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return goerr.Wrap(err, "failed to begin transaction")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM digests WHERE date_key = ?`, digest.DateKey).Scan(&exists); err != nil {
		return goerr.Wrap(err, "failed to check digest", goerr.V("date", digest.DateKey))
	}
	if exists > 0 {
		return goerr.Wrap(model.ErrDigestExists, "digest already stored", goerr.V("date", digest.DateKey))
	}
	if err := writeDigest(ctx, tx, digest); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return goerr.Wrap(err, "failed to commit digest", goerr.V("date", digest.DateKey))
	}
	return nil
}

func (r *SQLite) ReplaceDigest(ctx context.Context, digest *model.DailyDigest) (err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return goerr.Wrap(err, "failed to begin transaction")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err := tx.ExecContext(ctx, `DELETE FROM digests WHERE date_key = ?`, digest.DateKey); err != nil {
		return goerr.Wrap(err, "failed to delete digest", goerr.V("date", digest.DateKey))
	}
	if err := writeDigest(ctx, tx, digest); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return goerr.Wrap(err, "failed to commit digest", goerr.V("date", digest.DateKey))
	}
	return nil
}

func (r *SQLite) GetQuotaState(ctx context.Context) (*model.QuotaState, error) {
	state := &model.QuotaState{Counters: make(map[model.QuotaCategory]*model.QuotaCounter)}

	var unlimited int
	var updatedAt string
	err := r.db.QueryRowContext(ctx, `SELECT unlimited, updated_at FROM quota_meta WHERE id = 1`).Scan(&unlimited, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, goerr.Wrap(err, "failed to get quota meta")
	}
	state.Unlimited = unlimited == 1
	state.UpdatedAt = parseTime(updatedAt)

	rows, err := r.db.QueryContext(ctx, `SELECT category, remaining, max, reset, free_grant_used, period_start FROM quota_counters`)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to get quota counters")
	}
	defer rows.Close()
	for rows.Next() {
		var c model.QuotaCounter
		var category, reset string
		var used int
		var periodStart sql.NullString
		if err := rows.Scan(&category, &c.Remaining, &c.Max, &reset, &used, &periodStart); err != nil {
			return nil, goerr.Wrap(err, "failed to scan quota counter")
		}
		c.Reset = model.ResetPolicy(reset)
		c.FreeGrantUsed = used == 1
		if t := parseTimePtr(periodStart); t != nil {
			c.PeriodStart = *t
		}
		state.Counters[model.QuotaCategory(category)] = &c
	}
	return state, rows.Err()
}

func (r *SQLite) PutQuotaState(ctx context.Context, state *model.QuotaState) (err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return goerr.Wrap(err, "failed to begin transaction")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err := tx.ExecContext(ctx, `INSERT INTO quota_meta (id, unlimited, updated_at) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET unlimited = excluded.unlimited, updated_at = excluded.updated_at`,
		boolInt(state.Unlimited), fmtTime(state.UpdatedAt)); err != nil {
		return goerr.Wrap(err, "failed to put quota meta")
	}
	for category, c := range state.Counters {
		if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO quota_counters (category, remaining, max, reset, free_grant_used, period_start)
			VALUES (?, ?, ?, ?, ?, ?)`,
			string(category), c.Remaining, c.Max, string(c.Reset), boolInt(c.FreeGrantUsed), fmtTimePtr(&c.PeriodStart)); err != nil {
			return goerr.Wrap(err, "failed to put quota counter", goerr.V("category", category))
		}
	}
	if err := tx.Commit(); err != nil {
		return goerr.Wrap(err, "failed to commit quota state")
	}
	return nil
}

func (r *SQLite) Close() error {
	return r.db.Close()
}
