// Package model defines the core domain types for folio.
//
// Versions are the only persisted entity. Runs are ephemeral and exist only
// for the duration of one pipeline traversal; a RunReport is what callers
// see once the run has ended.
package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage is one state of the pipeline state machine.
type Stage string

const (
	StageAcquiring       Stage = "acquiring"
	StageDrafting        Stage = "drafting"
	StageReviewing       Stage = "reviewing"
	StageHumanCheckpoint Stage = "human_checkpoint"
	StageCommitting      Stage = "committing"
	StageIndexing        Stage = "indexing"
	StageCompleted       Stage = "completed"
	StageFailed          Stage = "failed"
)

// Stages lists the non-terminal stages in execution order.
var Stages = []Stage{
	StageAcquiring,
	StageDrafting,
	StageReviewing,
	StageHumanCheckpoint,
	StageCommitting,
	StageIndexing,
}

// RunStatus is the terminal outcome of a pipeline run.
type RunStatus string

const (
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// StageError reports which stage a run failed in and why.
type StageError struct {
	Stage Stage
	Kind  ErrorKind
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s failed (%s): %v", e.Stage, e.Kind, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// NewStageError builds a StageError, deriving Kind from err.
func NewStageError(stage Stage, err error) *StageError {
	return &StageError{Stage: stage, Kind: KindOf(err), Err: err}
}

// RunReport is the user-visible result of a pipeline run. A completed run
// carries the committed Version; a failed run carries the failing stage and
// error kind.
type RunReport struct {
	RunID        uuid.UUID `json:"run_id"`
	DocumentID   string    `json:"document_id"`
	Status       RunStatus `json:"status"`
	Version      *Version  `json:"version,omitempty"`
	FailedStage  Stage     `json:"failed_stage,omitempty"`
	ErrorKind    ErrorKind `json:"error_kind,omitempty"`
	Error        string    `json:"error,omitempty"`
	ArtifactPath string    `json:"artifact_path,omitempty"`
	IndexError   string    `json:"index_error,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	CompletedAt  time.Time `json:"completed_at"`
}

// Err returns the run's failure as a *StageError, or nil when it completed.
func (r RunReport) Err() error {
	if r.Status != RunStatusFailed {
		return nil
	}
	return &StageError{Stage: r.FailedStage, Kind: r.ErrorKind, Err: fmt.Errorf("%s", r.Error)}
}
