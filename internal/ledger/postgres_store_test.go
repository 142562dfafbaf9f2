package ledger

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresStoreRecordAndList(t *testing.T) {
	dsn := strings.TrimSpace(os.Getenv("THREATSCAN_LEDGER_DSN"))
	if dsn == "" {
		t.Skip("THREATSCAN_LEDGER_DSN is not set")
	}
	ctx := context.Background()
	s, err := NewPostgresStore(dsn)
	require.NoError(t, err)
	defer s.Close()

	// The table is shared, so scope rows to a stage nobody else writes.
	stage := "body_parts_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	runID := uuid.NewString()
	at := time.Now().UTC().Truncate(time.Microsecond)

	require.NoError(t, s.Record(ctx, Entry{RunID: runID, Stage: stage, Version: 1, Identity: "a", Fingerprint: "fp", Status: StatusStarted, At: at}))
	require.NoError(t, s.Record(ctx, Entry{
		RunID:    runID,
		Stage:    stage,
		Version:  1,
		Identity: "a",
		Args:     []byte(`{"mode":"train"}`),
		Status:   StatusFailed,
		Error:    "boom",
		Duration: 1500 * time.Millisecond,
		At:       at.Add(time.Second),
	}))

	got, err := s.List(ctx, stage)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, StatusStarted, got[0].Status)
	assert.Nil(t, got[0].Args)
	assert.Equal(t, "fp", got[0].Fingerprint)
	assert.True(t, got[0].At.Equal(at))

	assert.Equal(t, StatusFailed, got[1].Status)
	assert.JSONEq(t, `{"mode":"train"}`, string(got[1].Args))
	assert.Equal(t, "boom", got[1].Error)
	assert.Equal(t, 1500*time.Millisecond, got[1].Duration)
	assert.Equal(t, runID, got[1].RunID)

	all, err := s.List(ctx, "")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(all), 2)
}
