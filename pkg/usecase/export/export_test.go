package export_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/jotter/pkg/model"
	"github.com/m-mizutani/jotter/pkg/repository"
	"github.com/m-mizutani/jotter/pkg/usecase/export"
)

var _ bigquery.ValueSaver = (*export.DigestRow)(nil)

type object struct {
	bytes.Buffer
	closed bool
}

func (o *object) Close() error {
	o.closed = true
	return nil
}

type mockStorage struct {
	objects map[string]*object
}

func (m *mockStorage) Put(ctx context.Context, key string) (io.WriteCloser, error) {
	o := &object{}
	m.objects[key] = o
	return o, nil
}

func (m *mockStorage) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	o, ok := m.objects[key]
	if !ok {
		return nil, errors.New("not found")
	}
	return io.NopCloser(bytes.NewReader(o.Bytes())), nil
}

type mockBigQuery struct {
	dataset string
	table   string
	rows    []*export.DigestRow
	err     error
}

func (m *mockBigQuery) Insert(ctx context.Context, datasetID, table string, rows any) error {
	m.dataset = datasetID
	m.table = table
	m.rows = append(m.rows, rows.([]*export.DigestRow)...)
	return m.err
}

func seed(t *testing.T) *repository.Memory {
	t.Helper()
	repo := repository.NewMemory()
	for _, day := range []int{1, 2, 3} {
		date := time.Date(2024, 6, day, 0, 0, 0, 0, time.UTC)
		gt.NoError(t, repo.CreateDigest(context.Background(), &model.DailyDigest{
			ID:            model.NewDigestID(),
			DateKey:       model.DateKey(date),
			Date:          date,
			GeneratedAt:   date.Add(20 * time.Hour),
			Narrative:     "day " + model.DateKey(date),
			Highlights:    []model.DigestHighlight{{Title: "h"}},
			NoteCount:     day,
			Revision:      1,
			SchemaVersion: model.DigestSchemaVersion,
		}))
	}
	return repo
}

func TestDigests(t *testing.T) {
	ctx := context.Background()
	repo := seed(t)
	storage := &mockStorage{objects: map[string]*object{}}
	bq := &mockBigQuery{}

	uc := export.New(repo,
		export.WithStorage(storage),
		export.WithBigQuery(bq, "jotter", ""),
	)

	result, err := uc.Digests(ctx,
		time.Date(2024, 6, 2, 12, 0, 0, 0, time.UTC),
		time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC))
	gt.NoError(t, err)
	gt.A(t, result.Digests).Length(2)
	gt.Equal(t, result.Rows, 2)

	gt.Equal(t, len(storage.objects), 2)
	obj := storage.objects["digests/2024-06-02.json"]
	gt.V(t, obj).NotNil()
	gt.True(t, obj.closed)

	var stored model.DailyDigest
	gt.NoError(t, json.Unmarshal(obj.Bytes(), &stored))
	gt.Equal(t, stored.Narrative, "day 2024-06-02")
	gt.Equal(t, stored.DateKey, "2024-06-02")

	gt.Equal(t, bq.dataset, "jotter")
	gt.Equal(t, bq.table, export.DefaultTable)
	gt.A(t, bq.rows).Length(2)

	values, insertID, err := bq.rows[0].Save()
	gt.NoError(t, err)
	gt.Equal(t, insertID, bq.rows[0].DateKey+"-r1")
	gt.Equal(t, values["highlight_count"], bigquery.Value(1))
}

func TestDigestsOpenRange(t *testing.T) {
	storage := &mockStorage{objects: map[string]*object{}}
	uc := export.New(seed(t), export.WithStorage(storage))

	result, err := uc.Digests(context.Background(), time.Time{}, time.Time{})
	gt.NoError(t, err)
	gt.A(t, result.Objects).Length(3)
	gt.Equal(t, result.Rows, 0)
}

func TestDigestsErrors(t *testing.T) {
	ctx := context.Background()

	_, err := export.New(seed(t)).Digests(ctx, time.Time{}, time.Time{})
	gt.Error(t, err)

	bq := &mockBigQuery{err: errors.New("quota")}
	_, err = export.New(seed(t), export.WithBigQuery(bq, "ds", "t")).Digests(ctx, time.Time{}, time.Time{})
	gt.Error(t, err)
}
