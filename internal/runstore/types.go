package runstore

import (
	"fmt"
	"time"
)

// #region status
// Status is the lifecycle state of a run.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// next lists the allowed transitions out of each status.
var next = map[Status][]Status{
	StatusIdle:    {StatusRunning, StatusFailed},
	StatusRunning: {StatusCompleted, StatusFailed},
}

func checkTransition(from, to Status) error {
	for _, s := range next[from] {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("invalid run transition %s -> %s", from, to)
}
// #endregion status

// #region run-record
// Run is one driver invocation, shared by all of its ranks.
type Run struct {
	RunID          string
	Train          bool
	WorldSize      int
	ConfigJSON     string
	Status         Status
	StartIteration int64
	LastIteration  int64
	Error          string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Mode returns "train" or "inference".
func (r Run) Mode() string {
	if r.Train {
		return "train"
	}
	return "inference"
}
// #endregion run-record

// #region checkpoint-record
// CheckpointRecord catalogs one saved checkpoint file.
type CheckpointRecord struct {
	ID          string
	RunID       string
	Iteration   int64
	Path        string
	Digest      string
	Size        int64
	Compression string
	CreatedAt   time.Time
}
// #endregion checkpoint-record
