package audit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func record(taskID, state, skillName string, ts time.Time) *Record {
	return &Record{
		ID:        ulid.Make().String(),
		TaskID:    taskID,
		Timestamp: ts,
		State:     state,
		Skill:     skillName,
		Action:    "list",
	}
}

func collect(t *testing.T, s *Store, f Filter) []*Record {
	t.Helper()
	var out []*Record
	for r, err := range s.Query(context.Background(), f) {
		require.NoError(t, err)
		out = append(out, r)
	}
	return out
}

func TestAppendAndQuery(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	base := time.Now().Add(-time.Minute)
	require.NoError(t, s.Append(ctx, record("T1", "CREATED", "files", base)))
	require.NoError(t, s.Append(ctx, record("T1", "CLASSIFIED", "files", base.Add(time.Second))))
	require.NoError(t, s.Append(ctx, record("T2", "CREATED", "mail", base.Add(2*time.Second))))

	all := collect(t, s, Filter{})
	require.Len(t, all, 3)
	// Timestamp ascending.
	assert.Equal(t, "CREATED", all[0].State)
	assert.Equal(t, "T1", all[0].TaskID)
	assert.Equal(t, "T2", all[2].TaskID)

	byTask := collect(t, s, Filter{TaskID: "T1"})
	require.Len(t, byTask, 2)

	bySkill := collect(t, s, Filter{Skill: "mail"})
	require.Len(t, bySkill, 1)
	assert.Equal(t, "T2", bySkill[0].TaskID)

	byState := collect(t, s, Filter{State: "CLASSIFIED"})
	require.Len(t, byState, 1)

	since := collect(t, s, Filter{Since: base.Add(1500 * time.Millisecond)})
	require.Len(t, since, 1)
	assert.Equal(t, "T2", since[0].TaskID)

	until := collect(t, s, Filter{Until: base.Add(500 * time.Millisecond)})
	require.Len(t, until, 1)
	assert.Equal(t, "T1", until[0].TaskID)

	limited := collect(t, s, Filter{Limit: 2})
	require.Len(t, limited, 2)
}

func TestQueryRestartable(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	now := time.Now()
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Append(ctx, record("T1", "CREATED", "files", now.Add(time.Duration(i)*time.Second))))
	}

	seq := s.Query(ctx, Filter{TaskID: "T1"})

	count := 0
	for _, err := range seq {
		require.NoError(t, err)
		count++
		if count == 2 {
			break
		}
	}
	require.Equal(t, 2, count)

	// Ranging again re-runs the query from the start.
	count = 0
	for _, err := range seq {
		require.NoError(t, err)
		count++
	}
	require.Equal(t, 5, count)
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	now := time.Now()
	// Two files tasks: one succeeded, one failed. One mail task blocked.
	require.NoError(t, s.Append(ctx, record("T1", "CREATED", "files", now)))
	require.NoError(t, s.Append(ctx, record("T1", "SUCCEEDED", "files", now.Add(time.Second))))
	require.NoError(t, s.Append(ctx, record("T2", "CREATED", "files", now)))
	require.NoError(t, s.Append(ctx, record("T2", "FAILED", "files", now.Add(time.Second))))
	require.NoError(t, s.Append(ctx, record("T3", "CREATED", "mail", now)))
	require.NoError(t, s.Append(ctx, record("T3", "BLOCKED", "mail", now.Add(time.Second))))

	snap, err := s.Stats(ctx, time.Hour)
	require.NoError(t, err)

	assert.Equal(t, 3, snap.Tasks)
	assert.Equal(t, 2, snap.BySkill["files"])
	assert.Equal(t, 1, snap.BySkill["mail"])
	assert.Equal(t, 1, snap.Succeeded)
	assert.Equal(t, 1, snap.Failed)
	assert.Equal(t, 1, snap.Blocked)
	assert.InDelta(t, 1.0/3.0, snap.SuccessRate, 1e-9)
}

func TestStatsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	now := time.Now()
	require.NoError(t, s.Append(ctx, record("T1", "CREATED", "files", now)))
	require.NoError(t, s.Append(ctx, record("T1", "SUCCEEDED", "files", now)))

	first, err := s.Stats(ctx, time.Hour)
	require.NoError(t, err)
	second, err := s.Stats(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestStatsWholeLog(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, s.Append(ctx, record("T1", "CREATED", "files", old)))

	windowed, err := s.Stats(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 0, windowed.Tasks)

	whole, err := s.Stats(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, whole.Tasks)
}

func TestPrune(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	now := time.Now()
	require.NoError(t, s.Append(ctx, record("T1", "CREATED", "files", now.Add(-48*time.Hour))))
	require.NoError(t, s.Append(ctx, record("T2", "CREATED", "files", now)))

	n, err := s.Prune(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	remaining := collect(t, s, Filter{})
	require.Len(t, remaining, 1)
	assert.Equal(t, "T2", remaining[0].TaskID)
}

func TestOpenCreatesParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "deeper", "audit.db")
	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Append(context.Background(), record("T1", "CREATED", "files", time.Now())))
}
