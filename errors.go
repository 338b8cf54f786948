package contour

import (
	"errors"
	"fmt"
)

var (
	ErrNoBand          = errors.New("raster has no band")
	ErrInvalidInterval = errors.New("contour interval must be positive")
	ErrInvalidStep     = errors.New("sample step must be positive")
	ErrTooManyLevels   = errors.New("too many contour levels")
	ErrTooManySamples  = errors.New("too many samples")
	ErrNonFiniteLine   = errors.New("line has non-finite coordinates")
	ErrNoLevels        = errors.New("no contour levels in range")
	ErrPartialWrite    = errors.New("some features were not written")
)

// A Stage identifies the part of a run in which an error occurred.
type Stage int

const (
	StageUnknown Stage = iota
	StageInput
	StageSetup
	StageGeneration
	StageWrite
)

func (s Stage) String() string {
	switch s {
	case StageInput:
		return "input"
	case StageSetup:
		return "setup"
	case StageGeneration:
		return "generation"
	case StageWrite:
		return "write"
	default:
		return "unknown"
	}
}

// An Error is an error from a stage of a run.
type Error struct {
	Stage Stage
	Op    string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Stage, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// StageOf returns the stage of the first *Error in err's chain.
func StageOf(err error) Stage {
	var contourErr *Error
	if errors.As(err, &contourErr) {
		return contourErr.Stage
	}
	return StageUnknown
}

func stageError(stage Stage, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{
		Stage: stage,
		Op:    op,
		Err:   err,
	}
}

// A WriteError reports features that could not be written.
type WriteError struct {
	Layer  string
	Failed int
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("%s: %d features not written", e.Layer, e.Failed)
}

func (e *WriteError) Unwrap() error {
	return ErrPartialWrite
}
