package export

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/jotter/pkg/adapter"
	"github.com/m-mizutani/jotter/pkg/model"
	"github.com/m-mizutani/jotter/pkg/repository"
	"github.com/m-mizutani/jotter/pkg/utils/logging"
)

const (
	DefaultTable = "daily_digests"
	objectPrefix = "digests/"
)

// DigestRow is one digest in the analytics table
type DigestRow struct {
	DateKey              string
	Date                 time.Time
	GeneratedAt          time.Time
	Narrative            string
	HighlightCount       int
	WarningCount         int
	SuggestedActionCount int
	NoteCount            int
	Revision             int
	SchemaVersion        int
}

// Save implements bigquery.ValueSaver. The insert ID makes a re-export of the
// same revision a no-op.
func (x *DigestRow) Save() (map[string]bigquery.Value, string, error) {
	return map[string]bigquery.Value{
		"date_key":               x.DateKey,
		"date":                   x.Date.Format("2006-01-02"),
		"generated_at":           x.GeneratedAt,
		"narrative":              x.Narrative,
		"highlight_count":        x.HighlightCount,
		"warning_count":          x.WarningCount,
		"suggested_action_count": x.SuggestedActionCount,
		"note_count":             x.NoteCount,
		"revision":               x.Revision,
		"schema_version":         x.SchemaVersion,
	}, fmt.Sprintf("%s-r%d", x.DateKey, x.Revision), nil
}

func newDigestRow(d *model.DailyDigest) *DigestRow {
	return &DigestRow{
		DateKey:              d.DateKey,
		Date:                 d.Date,
		GeneratedAt:          d.GeneratedAt,
		Narrative:            d.Narrative,
		HighlightCount:       len(d.Highlights),
		WarningCount:         len(d.Warnings),
		SuggestedActionCount: len(d.SuggestedActions),
		NoteCount:            d.NoteCount,
		Revision:             d.Revision,
		SchemaVersion:        d.SchemaVersion,
	}
}

// UseCase copies stored digests to Cloud Storage and BigQuery
type UseCase struct {
	repo    repository.Repository
	storage adapter.Storage
	bq      adapter.BigQuery
	dataset string
	table   string
}

type Option func(*UseCase)

// WithStorage writes each digest as digests/<date>.json
func WithStorage(s adapter.Storage) Option {
	return func(uc *UseCase) {
		uc.storage = s
	}
}

// WithBigQuery inserts one row per digest into dataset.table
func WithBigQuery(bq adapter.BigQuery, dataset, table string) Option {
	return func(uc *UseCase) {
		uc.bq = bq
		uc.dataset = dataset
		uc.table = table
		if uc.table == "" {
			uc.table = DefaultTable
		}
	}
}

func New(repo repository.Repository, opts ...Option) *UseCase {
	uc := &UseCase{repo: repo}
	for _, opt := range opts {
		opt(uc)
	}
	return uc
}

// Result lists what an export wrote
type Result struct {
	Digests []string
	Objects []string
	Rows    int
}

// ObjectKey is the storage key of a digest
func ObjectKey(dateKey string) string {
	return objectPrefix + dateKey + ".json"
}

// Digests exports the digests dated from..to inclusive. Zero bounds are open.
func (uc *UseCase) Digests(ctx context.Context, from, to time.Time) (*Result, error) {
	if uc.storage == nil && uc.bq == nil {
		return nil, goerr.New("no export destination configured")
	}

	all, err := uc.repo.ListDigests(ctx, 0)
	if err != nil {
		return nil, err
	}

	var fromKey, toKey string
	if !from.IsZero() {
		fromKey = model.DateKey(from)
	}
	if !to.IsZero() {
		toKey = model.DateKey(to)
	}

	result := &Result{}
	var rows []*DigestRow
	for _, d := range all {
		if (fromKey != "" && d.DateKey < fromKey) || (toKey != "" && d.DateKey > toKey) {
			continue
		}
		result.Digests = append(result.Digests, d.DateKey)

		if uc.storage != nil {
			key := ObjectKey(d.DateKey)
			if err := uc.writeObject(ctx, key, d); err != nil {
				return result, err
			}
			result.Objects = append(result.Objects, key)
		}
		rows = append(rows, newDigestRow(d))
	}

	if uc.bq != nil && len(rows) > 0 {
		if err := uc.bq.Insert(ctx, uc.dataset, uc.table, rows); err != nil {
			return result, err
		}
		result.Rows = len(rows)
	}

	logging.From(ctx).Info("digests exported",
		"digests", len(result.Digests),
		"objects", len(result.Objects),
		"rows", result.Rows)
	return result, nil
}

func (uc *UseCase) writeObject(ctx context.Context, key string, d *model.DailyDigest) error {
	w, err := uc.storage.Put(ctx, key)
	if err != nil {
		return goerr.Wrap(err, "failed to open object", goerr.V("key", key))
	}

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(d); err != nil {
		_ = w.Close()
		return goerr.Wrap(err, "failed to encode digest", goerr.V("key", key))
	}
	if err := w.Close(); err != nil {
		return goerr.Wrap(err, "failed to write object", goerr.V("key", key))
	}
	return nil
}
