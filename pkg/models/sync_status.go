package models

import "time"

// RunState is the lifecycle of one executor run
type RunState string

const (
	StateIdle        RunState = "idle"
	StateRunning     RunState = "running"
	StateCompleted   RunState = "completed"
	StateInterrupted RunState = "interrupted"
)

// SyncSummary describes the outcome of a cycle or a replay
type SyncSummary struct {
	RunID     string        `json:"run_id"`
	Source    string        `json:"source"`
	Kind      DataKind      `json:"kind"`
	State     RunState      `json:"state"`
	Gaps      int           `json:"gaps"`
	Planned   int           `json:"planned"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	TimedOut  int           `json:"timed_out"`
	Ledger    string        `json:"ledger,omitempty"`
	Replayed  string        `json:"replayed,omitempty"`
	Duration  time.Duration `json:"duration"`
}
