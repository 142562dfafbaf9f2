package ledger

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStoreRecordAndList(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "ledger.jsonl")
	s, err := NewFileStore(path)
	require.NoError(t, err)

	require.NoError(t, s.Record(ctx, Entry{RunID: "r1", Stage: "body_parts", Identity: "a", Status: StatusStarted}))
	require.NoError(t, s.Record(ctx, Entry{RunID: "r1", Stage: "body_parts", Identity: "a", Status: StatusCompleted, Args: []byte(`{"mode":"train"}`)}))
	require.NoError(t, s.Record(ctx, Entry{RunID: "r1", Stage: "local_model", Identity: "b", Status: StatusHit}))

	all, err := s.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.False(t, all[0].At.IsZero())
	assert.JSONEq(t, `{"mode":"train"}`, string(all[1].Args))

	parts, err := s.List(ctx, "body_parts")
	require.NoError(t, err)
	require.Len(t, parts, 2)
	assert.Equal(t, StatusCompleted, parts[1].Status)
}

func TestFileStoreSkipsTornLines(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	s, err := NewFileStore(path)
	require.NoError(t, err)
	require.NoError(t, s.Record(ctx, Entry{Stage: "x", Status: StatusHit}))

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"stage":"x","sta`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	got, err := s.List(ctx, "x")
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestFileStoreListMissingFile(t *testing.T) {
	s, err := NewFileStore(filepath.Join(t.TempDir(), "none.jsonl"))
	require.NoError(t, err)
	got, err := s.List(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestOpenFallsBackToFile(t *testing.T) {
	r, err := Open(filepath.Join(t.TempDir(), "ledger.jsonl"), "")
	require.NoError(t, err)
	_, ok := r.(*FileStore)
	assert.True(t, ok)
}
