package operator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuongbtq/dataset-export/internal/blobstore"
	"github.com/cuongbtq/dataset-export/internal/dataset"
	"github.com/cuongbtq/dataset-export/internal/domain"
	"github.com/cuongbtq/dataset-export/internal/exporter"
	"github.com/cuongbtq/dataset-export/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2024, 3, 1, 10, 30, 0, 0, time.UTC)

const ttl = 7 * 24 * time.Hour

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeMetadata struct {
	batch    *dataset.Batch
	fetchErr error
	calls    atomic.Int32
}

func (f *fakeMetadata) FetchAll(_ context.Context, _ []byte) (*dataset.Batch, error) {
	f.calls.Add(1)
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return f.batch, nil
}

func (f *fakeMetadata) FetchSnapshots(_ context.Context, images []dataset.ImageRecord) ([]dataset.Snapshots, error) {
	return make([]dataset.Snapshots, len(images)), nil
}

type fakeUsers struct{}

func (fakeUsers) Resolve(_ context.Context, id int64) (*domain.User, error) {
	if id == 0 {
		return nil, nil
	}
	return &domain.User{ID: id, Username: "user", DisplayName: "User"}, nil
}

// countingBuilder writes an empty file and counts calls
type countingBuilder struct {
	calls atomic.Int32
	delay time.Duration
	err   error
}

func (b *countingBuilder) Build(_ context.Context, dir string, entries []domain.ImageEntry) (string, error) {
	b.calls.Add(1)
	time.Sleep(b.delay)
	if b.err != nil {
		if err := os.WriteFile(dir+"/partial.zip", []byte("x"), 0o600); err != nil {
			return "", err
		}
		return "", b.err
	}
	if err := os.WriteFile(dir+"/out.zip", []byte("data"), 0o600); err != nil {
		return "", err
	}
	return "out.zip", nil
}

func threeImageBatch() *dataset.Batch {
	batch := &dataset.Batch{}
	for id := int64(1); id <= 3; id++ {
		batch.Images = append(batch.Images, dataset.ImageRecord{
			ID:                    id,
			UploadedByUserID:      7,
			UploadTime:            fixedNow.UnixMilli(),
			OriginalFileName:      "img.png",
			OriginalImageFilename: "orig-" + string(rune('0'+id)),
			Status:                dataset.StatusVerified,
		})
		batch.Tags = append(batch.Tags, []dataset.TagRecord{})
		batch.Regions = append(batch.Regions, []dataset.RegionRecord{})
	}
	return batch
}

type fixture struct {
	store    *storage.MemoryStore
	metadata *fakeMetadata
	builder  *countingBuilder
	exports  *blobstore.MemoryBucket
	scratch  string
	operator *Operator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		store:    storage.NewMemoryStore(),
		metadata: &fakeMetadata{batch: threeImageBatch()},
		builder:  &countingBuilder{},
		exports:  blobstore.NewMemoryBucket(),
		scratch:  t.TempDir(),
	}
	f.operator = New(
		f.store,
		f.metadata,
		exporter.NewProjector(fakeUsers{}),
		map[domain.ExportType]Builder{
			domain.ExportTypeDataset: f.builder,
			domain.ExportTypeExcel:   f.builder,
		},
		f.exports,
		Options{ScratchDir: f.scratch, TTL: ttl, Now: func() time.Time { return fixedNow }},
		testLogger(),
	)
	return f
}

func (f *fixture) export(t *testing.T, id int64) *domain.Export {
	t.Helper()
	export, err := f.store.GetExport(context.Background(), id)
	require.NoError(t, err)
	return export
}

func assertScratchEmpty(t *testing.T, dir string) {
	t.Helper()
	leftovers, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestOperator_ProcessExportThreeImages(t *testing.T) {
	store := storage.NewMemoryStore()
	store.Put(domain.Export{ID: 1, RequestedByUserID: 7, Type: domain.ExportTypeDataset, FilterOptions: []byte("{}")})

	originals := blobstore.NewMemoryBucket()
	for _, image := range threeImageBatch().Images {
		originals.Put(image.OriginalImageFilename, []byte("jpeg"))
	}
	exports := blobstore.NewMemoryBucket()
	scratch := t.TempDir()
	now := func() time.Time { return fixedNow }

	op := New(
		store,
		&fakeMetadata{batch: threeImageBatch()},
		exporter.NewProjector(fakeUsers{}),
		map[domain.ExportType]Builder{
			domain.ExportTypeDataset: exporter.NewArchiveBuilder(originals, now, testLogger()),
			domain.ExportTypeExcel:   exporter.NewSpreadsheetBuilder(time.DateTime, time.UTC, now, testLogger()),
		},
		exports,
		Options{ScratchDir: scratch, TTL: ttl, Now: now},
		testLogger(),
	)

	require.NoError(t, op.ProcessExport(context.Background(), 1))

	export, err := store.GetExport(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, domain.ExportStatusDone, export.Status)
	assert.NotEmpty(t, export.ExportedFileFilename)
	assert.Equal(t, fixedNow.Add(ttl).UnixMilli(), export.ExpireTime)

	exists, err := exports.Exists(context.Background(), export.ExportedFileFilename)
	require.NoError(t, err)
	assert.True(t, exists)
	assertScratchEmpty(t, scratch)
}

func TestOperator_ProcessExportConcurrentCallsClaimOnce(t *testing.T) {
	f := newFixture(t)
	f.builder.delay = 20 * time.Millisecond
	f.store.Put(domain.Export{ID: 1, Type: domain.ExportTypeExcel})

	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- f.operator.ProcessExport(context.Background(), 1)
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	assert.Equal(t, int32(1), f.builder.calls.Load())
	assert.Equal(t, 2, f.store.UpdateCount(), "one claim and one finalize")
	assert.Equal(t, []string{"out.zip"}, f.exports.Names())
	assert.Equal(t, domain.ExportStatusDone, f.export(t, 1).Status)
}

func TestOperator_ProcessExportSkips(t *testing.T) {
	tests := []struct {
		name   string
		export *domain.Export
	}{
		{name: "absent export"},
		{
			name: "done export",
			export: &domain.Export{
				ID:                   1,
				Status:               domain.ExportStatusDone,
				ExportedFileFilename: "old.zip",
				ExpireTime:           123,
			},
		},
		{
			name:   "processing export",
			export: &domain.Export{ID: 1, Status: domain.ExportStatusProcessing},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			if tt.export != nil {
				f.store.Put(*tt.export)
			}

			require.NoError(t, f.operator.ProcessExport(context.Background(), 1))

			assert.Equal(t, 0, f.store.UpdateCount())
			assert.Equal(t, int32(0), f.metadata.calls.Load())
			assert.Equal(t, int32(0), f.builder.calls.Load())
			assert.Empty(t, f.exports.Names())
			if tt.export != nil {
				assert.Equal(t, tt.export, f.export(t, 1))
			}
		})
	}
}

func TestOperator_ProcessExportFailuresAfterClaim(t *testing.T) {
	tests := []struct {
		name  string
		setup func(f *fixture)
	}{
		{
			name:  "metadata fetch fails",
			setup: func(f *fixture) { f.metadata.fetchErr = errors.New("dataset service down") },
		},
		{
			name:  "projection fails",
			setup: func(f *fixture) { f.metadata.batch.Images[1].Status = "BOGUS" },
		},
		{
			name:  "build fails",
			setup: func(f *fixture) { f.builder.err = errors.New("disk full") },
		},
		{
			name:  "upload fails",
			setup: func(f *fixture) { f.exports.FailUploads = true },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.store.Put(domain.Export{ID: 1, Type: domain.ExportTypeDataset})
			tt.setup(f)

			err := f.operator.ProcessExport(context.Background(), 1)
			require.Error(t, err)

			var retryable *domain.RetryableError
			assert.False(t, errors.As(err, &retryable))

			export := f.export(t, 1)
			assert.Equal(t, domain.ExportStatusProcessing, export.Status)
			assert.Empty(t, export.ExportedFileFilename)
			assert.Zero(t, export.ExpireTime)
			assert.Empty(t, f.exports.Names())
			assertScratchEmpty(t, f.scratch)
		})
	}
}

type failingStore struct {
	*storage.MemoryStore
}

func (failingStore) WithTransaction(context.Context, func(tx storage.Accessor) error) error {
	return domain.Internal(errors.New("connection refused"))
}

func TestOperator_ProcessExportClaimFailureIsRetryable(t *testing.T) {
	f := newFixture(t)
	f.store.Put(domain.Export{ID: 1})
	f.operator.store = failingStore{f.store}

	err := f.operator.ProcessExport(context.Background(), 1)

	var retryable *domain.RetryableError
	require.True(t, errors.As(err, &retryable))
	assert.ErrorIs(t, err, domain.ErrInternal)
	assert.Equal(t, domain.ExportStatusRequested, f.export(t, 1).Status)
}

func TestOperator_ProcessExportUnknownType(t *testing.T) {
	f := newFixture(t)
	f.store.Put(domain.Export{ID: 1, Type: domain.ExportType(9)})

	err := f.operator.ProcessExport(context.Background(), 1)

	require.ErrorIs(t, err, domain.ErrInvalidArgument)
	var retryable *domain.RetryableError
	assert.False(t, errors.As(err, &retryable))
	assert.Equal(t, domain.ExportStatusRequested, f.export(t, 1).Status)
}

type deletingUploader struct {
	*blobstore.MemoryBucket
	store *storage.MemoryStore
}

func (u deletingUploader) UploadFile(ctx context.Context, name, path string) error {
	if err := u.store.DeleteExport(ctx, 1); err != nil {
		return err
	}
	return u.MemoryBucket.UploadFile(ctx, name, path)
}

func TestOperator_ProcessExportDeletedWhileProcessing(t *testing.T) {
	f := newFixture(t)
	f.store.Put(domain.Export{ID: 1})
	f.operator.uploader = deletingUploader{MemoryBucket: f.exports, store: f.store}

	require.NoError(t, f.operator.ProcessExport(context.Background(), 1))

	assert.Nil(t, f.export(t, 1))
	assert.Equal(t, 1, f.store.UpdateCount(), "finalize writes nothing")
}
