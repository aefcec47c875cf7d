package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleFile(name string, size int64) *StagedFile {
	return &StagedFile{
		Name:              name,
		Category:          CategoryDocument,
		ContentType:       "application/pdf",
		Payload:           make([]byte, size),
		Size:              "1 KiB",
		ByteSize:          size,
		CreatedDate:       "2026-03-14",
		CreatedTime:       "09:26:53",
		Tx:                PendingTx,
		PermanentlyStored: true,
		UploadedBy:        "anonymous",
		Status:            StatusPending,
	}
}

func TestSQLiteStore(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	t.Run("InsertAndGet", func(t *testing.T) {
		id, err := store.Insert(ctx, sampleFile("report.pdf", 1024))
		require.NoError(t, err)

		got, err := store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, id, got.ID)
		assert.Equal(t, "report.pdf", got.Name)
		assert.Equal(t, CategoryDocument, got.Category)
		assert.Equal(t, StatusPending, got.Status)
		assert.True(t, got.Tx.Pending())
		assert.True(t, got.PermanentlyStored)
		assert.Len(t, got.Payload, 1024)
	})

	t.Run("GetNotFound", func(t *testing.T) {
		_, err := store.Get(ctx, 99999)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("DeleteNotFound", func(t *testing.T) {
		assert.ErrorIs(t, store.Delete(ctx, 99999), ErrNotFound)
	})

	t.Run("IdsNotReusedAfterDelete", func(t *testing.T) {
		first, err := store.Insert(ctx, sampleFile("a.txt", 1))
		require.NoError(t, err)
		require.NoError(t, store.Delete(ctx, first))

		second, err := store.Insert(ctx, sampleFile("b.txt", 1))
		require.NoError(t, err)
		assert.Greater(t, second, first)
	})
}

func TestListNewestFirst(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	var ids []int64
	for _, name := range []string{"one", "two", "three"} {
		id, err := store.Insert(ctx, sampleFile(name, 10))
		require.NoError(t, err)
		ids = append(ids, id)
	}

	files, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, files, 3)
	assert.Equal(t, ids[2], files[0].ID)
	assert.Equal(t, ids[0], files[2].ID)
}

func TestUpdateStatusTransitions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id, err := store.Insert(ctx, sampleFile("photo.png", 10))
	require.NoError(t, err)

	t.Run("PendingToUploadedRejected", func(t *testing.T) {
		err := store.UpdateStatus(ctx, id, StatusUploaded, ResolvedTx("tx-1"))
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})

	t.Run("SameStateRejected", func(t *testing.T) {
		err := store.UpdateStatus(ctx, id, StatusPending, PendingTx)
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})

	t.Run("PendingToUploading", func(t *testing.T) {
		require.NoError(t, store.UpdateStatus(ctx, id, StatusUploading, PendingTx))
	})

	t.Run("SingleRollbackRejected", func(t *testing.T) {
		err := store.UpdateStatus(ctx, id, StatusPending, PendingTx)
		assert.ErrorIs(t, err, ErrInvalidTransition)
		got, err := store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, StatusUploading, got.Status)
	})

	t.Run("UploadedRequiresTx", func(t *testing.T) {
		err := store.UpdateStatus(ctx, id, StatusUploaded, PendingTx)
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})

	t.Run("TxOnlyWithUploaded", func(t *testing.T) {
		err := store.UpdateStatus(ctx, id, StatusPending, ResolvedTx("tx-1"))
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})

	t.Run("UploadingToUploaded", func(t *testing.T) {
		require.NoError(t, store.UpdateStatus(ctx, id, StatusUploaded, ResolvedTx("tx-1")))
		got, err := store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, StatusUploaded, got.Status)
		assert.Equal(t, "tx-1", got.Tx.ID())
	})

	t.Run("UploadedIsTerminal", func(t *testing.T) {
		for _, to := range []Status{StatusPending, StatusUploading} {
			err := store.UpdateStatus(ctx, id, to, PendingTx)
			assert.ErrorIs(t, err, ErrInvalidTransition, "to %s", to)
		}
		got, err := store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "tx-1", got.Tx.ID())
	})

	t.Run("UnknownStatus", func(t *testing.T) {
		err := store.UpdateStatus(ctx, id, Status("archived"), PendingTx)
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})

	t.Run("MissingRecord", func(t *testing.T) {
		err := store.UpdateStatus(ctx, 99999, StatusUploading, PendingTx)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestBatchTransitions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a, _ := store.Insert(ctx, sampleFile("a", 1))
	b, _ := store.Insert(ctx, sampleFile("b", 1))
	c, _ := store.Insert(ctx, sampleFile("c", 1))

	require.NoError(t, store.UpdateStatus(ctx, c, StatusUploading, PendingTx))
	require.NoError(t, store.UpdateStatus(ctx, c, StatusUploaded, ResolvedTx("done")))

	ids, err := store.MarkBatchUploading(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{b, a}, ids)

	again, err := store.MarkBatchUploading(ctx)
	require.NoError(t, err)
	assert.Empty(t, again)

	n, err := store.RollbackUploading(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	for _, id := range []int64{a, b} {
		got, err := store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, StatusPending, got.Status)
	}
	got, err := store.Get(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, StatusUploaded, got.Status)
}

func TestGetStats(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	stats, err := store.GetStats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.TotalFiles)
	assert.True(t, stats.OldestFile.IsZero())

	first := sampleFile("old.pdf", 100)
	first.CreatedDate = "2025-01-01"
	_, err = store.Insert(ctx, first)
	require.NoError(t, err)

	img := sampleFile("pic.png", 50)
	img.Category = CategoryImage
	id, err := store.Insert(ctx, img)
	require.NoError(t, err)
	require.NoError(t, store.UpdateStatus(ctx, id, StatusUploading, PendingTx))
	require.NoError(t, store.UpdateStatus(ctx, id, StatusUploaded, ResolvedTx("tx")))

	stats, err = store.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalFiles)
	assert.Equal(t, 1, stats.PendingFiles)
	assert.Equal(t, 1, stats.UploadedFiles)
	assert.EqualValues(t, 150, stats.TotalBytes)
	assert.EqualValues(t, 100, stats.PendingBytes)
	assert.EqualValues(t, 50, stats.UploadedBytes)
	assert.Equal(t, 2025, stats.OldestFile.Year())
	assert.Equal(t, 2026, stats.NewestFile.Year())
	assert.Equal(t, 1, stats.ByCategory[CategoryImage])
	assert.Equal(t, 1, stats.ByCategory[CategoryDocument])
}

func TestTxRefJSON(t *testing.T) {
	f := sampleFile("x", 1)
	f.Tx = ResolvedTx("pending")
	assert.True(t, f.Tx.Pending())
	assert.Equal(t, "pending", f.Tx.String())
	assert.Equal(t, "abc", ResolvedTx("abc").String())
}
