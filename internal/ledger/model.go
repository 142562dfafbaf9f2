// Package ledger keeps the history of cached calls: which stage ran with which
// identity, when, and whether it was served from cache, executed or failed.
package ledger

import (
	"context"
	"encoding/json"
	"time"
)

type Status string

const (
	StatusHit       Status = "hit"
	StatusStarted   Status = "started"
	StatusCompleted Status = "completed"
	StatusRecovered Status = "recovered"
	StatusFailed    Status = "failed"
)

type Entry struct {
	RunID       string          `json:"run_id"`
	Stage       string          `json:"stage"`
	Version     int             `json:"version"`
	Identity    string          `json:"identity"`
	Fingerprint string          `json:"fingerprint"`
	Args        json.RawMessage `json:"args,omitempty"`
	Status      Status          `json:"status"`
	Error       string          `json:"error,omitempty"`
	Duration    time.Duration   `json:"duration_ns"`
	At          time.Time       `json:"at"`
}

// Recorder persists ledger entries.
type Recorder interface {
	Record(ctx context.Context, e Entry) error
	// List returns entries oldest first. An empty stage lists everything.
	List(ctx context.Context, stage string) ([]Entry, error)
	Close() error
}

// Nop discards everything.
type Nop struct{}

func (Nop) Record(context.Context, Entry) error             { return nil }
func (Nop) List(context.Context, string) ([]Entry, error) { return nil, nil }
func (Nop) Close() error                                    { return nil }
