package database

import (
	"context"
	"testing"
	"time"

	"erpsync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncLog_ClaimLifecycle(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	ctx := context.Background()
	now := time.Now()

	rec, err := db.GetSyncRecord(ctx, 100)
	require.NoError(t, err)
	assert.Nil(t, rec)

	ok, err := db.ClaimSyncAttempt(ctx, 100, nil, "t1", now)
	require.NoError(t, err)
	require.True(t, ok)

	// A second "fresh" claim loses.
	ok, err = db.ClaimSyncAttempt(ctx, 100, nil, "t2", now)
	require.NoError(t, err)
	assert.False(t, ok)

	rec, err = db.GetSyncRecord(ctx, 100)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, models.SyncInProgress, rec.Status)
	assert.Equal(t, 1, rec.AttemptNumber)
	assert.Equal(t, "t1", rec.AttemptToken)

	// in_progress cannot be claimed even with a matching snapshot.
	ok, err = db.ClaimSyncAttempt(ctx, 100, rec, "t3", now)
	require.NoError(t, err)
	assert.False(t, ok)

	next := now.Add(5 * time.Minute)
	ok, err = db.MarkSyncRetry(ctx, 100, "t1", "erp 503", `{"error":"unavailable"}`, next, now)
	require.NoError(t, err)
	require.True(t, ok)

	rec, err = db.GetSyncRecord(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, models.SyncRetryPending, rec.Status)
	require.NotNil(t, rec.NextRetryTime)
	assert.WithinDuration(t, next, *rec.NextRetryTime, time.Second)
	require.NotNil(t, rec.ErrorMessage)
	assert.Equal(t, "erp 503", *rec.ErrorMessage)

	ok, err = db.ClaimSyncAttempt(ctx, 100, rec, "t4", next)
	require.NoError(t, err)
	require.True(t, ok)

	// Stale snapshot no longer matches.
	ok, err = db.ClaimSyncAttempt(ctx, 100, rec, "t5", next)
	require.NoError(t, err)
	assert.False(t, ok)

	refs := models.DocReferences{CustomerID: "C-1", OrderID: "SO-1"}
	ok, err = db.CompleteSyncAttempt(ctx, 100, "t4", `{"ok":true}`, refs, next)
	require.NoError(t, err)
	require.True(t, ok)

	rec, err = db.GetSyncRecord(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, models.SyncSuccess, rec.Status)
	assert.Equal(t, 2, rec.AttemptNumber)
	assert.Nil(t, rec.ErrorMessage)
	assert.Nil(t, rec.NextRetryTime)
	assert.Equal(t, refs, rec.DocRefs)
}

func TestSyncLog_StaleTokenIsIgnored(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	ctx := context.Background()
	now := time.Now()

	ok, err := db.ClaimSyncAttempt(ctx, 5, nil, "old", now)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = db.CompleteSyncAttempt(ctx, 5, "other", "", models.DocReferences{}, now)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = db.MarkSyncFailed(ctx, 5, "other", "nope", "", now)
	require.NoError(t, err)
	assert.False(t, ok)

	rec, err := db.GetSyncRecord(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, models.SyncInProgress, rec.Status)

	ok, err = db.MarkSyncFailed(ctx, 5, "old", "bad request", `{"code":400}`, now)
	require.NoError(t, err)
	assert.True(t, ok)

	rec, err = db.GetSyncRecord(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, models.SyncPermanentlyFailed, rec.Status)
	require.NotNil(t, rec.LastResponse)
	assert.Equal(t, `{"code":400}`, *rec.LastResponse)
}

func TestSyncLog_RefsMergeOnResync(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	ctx := context.Background()
	now := time.Now()

	_, err := db.ClaimSyncAttempt(ctx, 8, nil, "a", now)
	require.NoError(t, err)
	_, err = db.CompleteSyncAttempt(ctx, 8, "a", "", models.DocReferences{CustomerID: "C-8", OrderID: "SO-8"}, now)
	require.NoError(t, err)

	rec, err := db.GetSyncRecord(ctx, 8)
	require.NoError(t, err)
	ok, err := db.ClaimSyncAttempt(ctx, 8, rec, "b", now)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = db.CompleteSyncAttempt(ctx, 8, "b", "", models.DocReferences{InvoiceID: "INV-8"}, now)
	require.NoError(t, err)

	rec, err = db.GetSyncRecord(ctx, 8)
	require.NoError(t, err)
	assert.Equal(t, models.DocReferences{CustomerID: "C-8", OrderID: "SO-8", InvoiceID: "INV-8"}, rec.DocRefs)
}

func TestSyncLog_BlockAndReset(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, db.BlockSync(ctx, 11, "payment proof missing", now))

	rec, err := db.GetSyncRecord(ctx, 11)
	require.NoError(t, err)
	assert.Equal(t, models.SyncBlocked, rec.Status)
	assert.Zero(t, rec.AttemptNumber)
	require.NotNil(t, rec.ErrorMessage)
	assert.Equal(t, "payment proof missing", *rec.ErrorMessage)

	// Blocking an in-flight attempt revokes its token.
	_, err = db.ClaimSyncAttempt(ctx, 12, nil, "live", now)
	require.NoError(t, err)
	require.NoError(t, db.BlockSync(ctx, 12, "order cancelled", now))
	ok, err := db.CompleteSyncAttempt(ctx, 12, "live", "", models.DocReferences{}, now)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = db.ResetSync(ctx, 11, rec, now)
	require.NoError(t, err)
	require.True(t, ok)

	reset, err := db.GetSyncRecord(ctx, 11)
	require.NoError(t, err)
	assert.Equal(t, models.SyncPending, reset.Status)
	assert.Zero(t, reset.AttemptNumber)
	assert.Nil(t, reset.ErrorMessage)

	// Second reset with the old snapshot loses.
	ok, err = db.ResetSync(ctx, 11, rec, now)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSyncLog_StartSyncAttempt(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	ctx := context.Background()

	rec, err := db.StartSyncAttempt(ctx, 3, "x", time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, rec.AttemptNumber)

	rec, err = db.StartSyncAttempt(ctx, 3, "y", time.Now())
	require.NoError(t, err)
	assert.Equal(t, 2, rec.AttemptNumber)
	assert.Equal(t, "y", rec.AttemptToken)
	assert.Equal(t, models.SyncInProgress, rec.Status)
}

func TestSyncLog_Listing(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	ctx := context.Background()
	now := time.Now()

	for id, tok := range map[int64]string{1: "a", 2: "b", 3: "c"} {
		_, err := db.ClaimSyncAttempt(ctx, id, nil, tok, now)
		require.NoError(t, err)
	}
	_, err := db.MarkSyncRetry(ctx, 1, "a", "e", "", now.Add(-time.Minute), now)
	require.NoError(t, err)
	_, err = db.MarkSyncRetry(ctx, 2, "b", "e", "", now.Add(time.Hour), now)
	require.NoError(t, err)

	due, err := db.ListDueRetries(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, int64(1), due[0].OrderID)

	all, err := db.ListSyncRecords(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	retrying, err := db.ListSyncRecords(ctx, models.SyncRetryPending, 10)
	require.NoError(t, err)
	assert.Len(t, retrying, 2)
}
