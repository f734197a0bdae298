package state

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "data", "sync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestLastOnEmptyStore(t *testing.T) {
	s := openStore(t)
	rec, err := s.Last()
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestPutAndLast(t *testing.T) {
	s := openStore(t)
	base := time.Now().UnixNano()

	require.NoError(t, s.Put(&SyncRecord{
		RunID:     "aaaa1111",
		Status:    StatusFailed,
		Cause:     "fetch: http status 502",
		StartedAt: base,
	}))
	require.NoError(t, s.Put(&SyncRecord{
		RunID:         "bbbb2222",
		Status:        StatusCompleted,
		ArchiveDigest: "deadbeef",
		Entries:       4,
		StartedAt:     base + 1,
	}))

	last, err := s.Last()
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, "bbbb2222", last.RunID)
	assert.Equal(t, StatusCompleted, last.Status)
	assert.Equal(t, 4, last.Entries)
}

func TestRecentNewestFirst(t *testing.T) {
	s := openStore(t)
	base := time.Now().UnixNano()
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Put(&SyncRecord{
			RunID:     string(rune('a' + i)),
			Status:    StatusCompleted,
			StartedAt: base + int64(i),
		}))
	}

	records, err := s.Recent(3)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "e", records[0].RunID)
	assert.Equal(t, "c", records[2].RunID)
}
