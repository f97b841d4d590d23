package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cuongbtq/dataset-export/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_DeleteExpiredExports(t *testing.T) {
	store := NewMemoryStore()
	now := int64(10_000)

	store.Put(domain.Export{ID: 1, ExpireTime: 0, RequestTime: 1})
	store.Put(domain.Export{ID: 2, ExpireTime: now - 1})
	store.Put(domain.Export{ID: 3, ExpireTime: now})
	store.Put(domain.Export{ID: 4, ExpireTime: now + 1})
	store.Put(domain.Export{ID: 5, ExpireTime: 1})

	removed, err := store.DeleteExpiredExports(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	for _, id := range []int64{1, 3, 4} {
		export, err := store.GetExport(context.Background(), id)
		require.NoError(t, err)
		assert.NotNil(t, export, "export %d should be kept", id)
	}
	for _, id := range []int64{2, 5} {
		export, err := store.GetExport(context.Background(), id)
		require.NoError(t, err)
		assert.Nil(t, export, "export %d should be removed", id)
	}
}

func TestMemoryStore_ListExports(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := int64(5000)

	store.Put(domain.Export{ID: 1, RequestedByUserID: 7, RequestTime: 100})
	store.Put(domain.Export{ID: 2, RequestedByUserID: 7, RequestTime: 300, ExpireTime: now + 10})
	store.Put(domain.Export{ID: 3, RequestedByUserID: 7, RequestTime: 200, ExpireTime: now - 10})
	store.Put(domain.Export{ID: 4, RequestedByUserID: 8, RequestTime: 400})

	count, err := store.CountExports(ctx, 7, now)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	page, err := store.ListExports(ctx, 7, now, 0, 10)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, int64(2), page[0].ID)
	assert.Equal(t, int64(1), page[1].ID)

	page, err = store.ListExports(ctx, 7, now, 1, 10)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, int64(1), page[0].ID)
}

func TestMemoryStore_TransactionRollback(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	wantErr := errors.New("abort")
	var createdID int64
	err := store.WithTransaction(ctx, func(tx Accessor) error {
		id, err := tx.CreateExport(ctx, domain.CreateExportArgs{RequestedByUserID: 7})
		if err != nil {
			return err
		}
		createdID = id
		if err := tx.EnqueueExportCreated(ctx, id); err != nil {
			return err
		}
		return wantErr
	})

	require.ErrorIs(t, err, wantErr)
	export, err := store.GetExport(ctx, createdID)
	require.NoError(t, err)
	assert.Nil(t, export)
	assert.Empty(t, store.PendingEvents())
}

func TestMemoryStore_RowLockSerializesTransactions(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	store.Put(domain.Export{ID: 1})

	locked := make(chan struct{})
	release := make(chan struct{})
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = store.WithTransaction(ctx, func(tx Accessor) error {
			export, err := tx.GetExportForUpdate(ctx, 1)
			if err != nil {
				return err
			}
			close(locked)
			<-release
			export.Status = domain.ExportStatusProcessing
			return tx.UpdateExport(ctx, export)
		})
	}()

	<-locked
	observed := make(chan domain.ExportStatus, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = store.WithTransaction(ctx, func(tx Accessor) error {
			export, err := tx.GetExportForUpdate(ctx, 1)
			if err != nil {
				return err
			}
			observed <- export.Status
			return nil
		})
	}()

	select {
	case <-observed:
		t.Fatal("second transaction acquired the row lock while it was held")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	wg.Wait()
	assert.Equal(t, domain.ExportStatusProcessing, <-observed)
}

func TestMemoryStore_DeleteExport(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	store.Put(domain.Export{ID: 1})

	require.NoError(t, store.DeleteExport(ctx, 1))
	assert.ErrorIs(t, store.DeleteExport(ctx, 1), domain.ErrNotFound)
}
