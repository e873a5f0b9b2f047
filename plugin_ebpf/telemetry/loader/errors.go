/*
 * @Author: CALM.WU
 * @Date: 2024-03-11 10:05:37
 * @Last Modified by: CALM.WU
 * @Last Modified time: 2024-03-13 16:22:41
 */

package loader

import (
	"fmt"

	"github.com/pkg/errors"
)

// Stage names the step of a run that failed.
type Stage int

const (
	StageKernelRelease Stage = iota + 1
	StageUnparseableVersion
	StageUnsupported
	StageObjectOpen
	StageEntryPointNotFound
	StageLoadRejected
	StageMapNotFound
	StageConfigWrite
	StageEventChannel
	StageAttach
	StagePoll
)

var stageNames = map[Stage]string{
	StageKernelRelease:      "kernel_release",
	StageUnparseableVersion: "unparseable_version",
	StageUnsupported:        "unsupported_kernel",
	StageObjectOpen:         "object_open",
	StageEntryPointNotFound: "entry_point_not_found",
	StageLoadRejected:       "load_rejected",
	StageMapNotFound:        "map_not_found",
	StageConfigWrite:        "config_write",
	StageEventChannel:       "event_channel",
	StageAttach:             "attach",
	StagePoll:               "poll",
}

func (s Stage) String() string {
	if name, ok := stageNames[s]; ok {
		return name
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

// Status is the process level outcome of Start.
type Status int

const (
	StatusOK           Status = 0
	StatusSetupFailed  Status = 1
	StatusAttachFailed Status = 2
)

var ErrUnsupportedKernel = errors.New("kernel does not support tracepoint or raw tracepoint programs")

// StageError carries the failing stage and its cause.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Cause() error  { return e.Err }
func (e *StageError) Unwrap() error { return e.Err }

func stageErrorf(stage Stage, cause error, format string, args ...interface{}) *StageError {
	if cause == nil {
		return &StageError{Stage: stage, Err: errors.Errorf(format, args...)}
	}
	return &StageError{Stage: stage, Err: errors.Wrapf(cause, format, args...)}
}

// StageOf returns the stage of err, or 0 when err carries none.
func StageOf(err error) Stage {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return 0
}

// StatusOf maps a Run result to the status Start reports. Poll failures happen
// after capture was reached and count as success.
func StatusOf(err error) Status {
	if err == nil {
		return StatusOK
	}
	switch StageOf(err) {
	case StageAttach:
		return StatusAttachFailed
	case StagePoll:
		return StatusOK
	default:
		return StatusSetupFailed
	}
}
