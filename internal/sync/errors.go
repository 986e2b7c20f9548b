package sync

import (
	"errors"
	"fmt"
)

// ErrSyncRefused is returned when the staleness gate refuses a run. No
// network call has been made when it is returned.
var ErrSyncRefused = errors.New("sync: refused by staleness gate")

// StageError is a stage-level failure. It aborts the remaining stages of a
// run; writes committed by earlier stages are kept.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("sync: stage %s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// RecordError is a single record that could not be mapped or stored. It is
// logged and counted by the stage and never escapes it.
type RecordError struct {
	Entity string
	ID     int64
	Err    error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("%s %d: %v", e.Entity, e.ID, e.Err)
}

func (e *RecordError) Unwrap() error {
	return e.Err
}
