// ABOUTME: Tests for the SQLite audit ledger
// ABOUTME: Covers schema creation, task result round trips and webhook failure listing

package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "audit.db")
	s, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(path)
	assert.NoError(t, err)
	assert.NoError(t, s.Ping(context.Background()))
}

func TestNewSQLiteStore_Memory(t *testing.T) {
	s, err := NewSQLiteStore(MemoryPath)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.RecordWebhookFailure(context.Background(), "account:message", 4, "timeout"))
	got, err := s.RecentWebhookFailures(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestRecordTaskResult_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.RecordTaskResult(ctx, TaskRecord{
		TaskID:         "t1",
		Type:           "post_to_groups",
		Success:        false,
		Error:          "1 of 3 group posts failed",
		StartedAt:      started,
		CompletedAt:    started.Add(90 * time.Second),
		CallbackStatus: 200,
	}))

	got, err := s.RecentTaskResults(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	rec := got[0]
	assert.Equal(t, "t1", rec.TaskID)
	assert.False(t, rec.Success)
	assert.Equal(t, "1 of 3 group posts failed", rec.Error)
	assert.True(t, rec.StartedAt.Equal(started))
	assert.Equal(t, 90*time.Second, rec.CompletedAt.Sub(rec.StartedAt))
	assert.Equal(t, 200, rec.CallbackStatus)
	assert.False(t, rec.RecordedAt.IsZero())
}

func TestRecentTaskResults_NewestFirstWithLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for i := range 5 {
		require.NoError(t, s.RecordTaskResult(ctx, TaskRecord{
			TaskID:  fmt.Sprintf("t%d", i),
			Type:    "noop",
			Success: true,
		}))
	}

	got, err := s.RecentTaskResults(ctx, 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "t4", got[0].TaskID)
	assert.Equal(t, "t2", got[2].TaskID)
}

func TestRecentWebhookFailures(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	s.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	require.NoError(t, s.RecordWebhookFailure(ctx, "account:message", 4, "status 500"))
	require.NoError(t, s.RecordWebhookFailure(ctx, "account:closed", 1, "status 400"))

	got, err := s.RecentWebhookFailures(ctx, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "account:closed", got[0].Event)
	assert.Equal(t, 1, got[0].Attempts)
	assert.Equal(t, "status 500", got[1].LastError)
	assert.NotEmpty(t, got[0].ID)
}

func TestClampLimit(t *testing.T) {
	assert.Equal(t, DefaultListLimit, clampLimit(0))
	assert.Equal(t, 7, clampLimit(7))
	assert.Equal(t, MaxListLimit, clampLimit(10_000))
}
