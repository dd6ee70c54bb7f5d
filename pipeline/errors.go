package pipeline

import (
	"errors"
	"fmt"
)

// FailureKind classifies fatal pipeline errors. Advisory conditions never
// become a FailureKind; they are folded into the manifest as warnings.
type FailureKind string

const (
	// KindBadInput: missing/unreadable source image or unwritable output
	// directory. Nothing ran.
	KindBadInput FailureKind = "bad_input"

	// KindClassification: no distribution signature matched. Extraction
	// never started.
	KindClassification FailureKind = "classification"

	// KindStage: extraction or packaging failed fatally.
	KindStage FailureKind = "stage"
)

// Error is the fatal error a conversion run unwinds with. The workspace is
// already torn down by the time a caller sees one.
type Error struct {
	Stage string
	Kind  FailureKind
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func stageError(stage string, kind FailureKind, err error) error {
	return &Error{Stage: stage, Kind: kind, Err: err}
}

// Exit status contract for CLI wrappers: 0 success, 2 bad input, 3
// unrecognized distribution, 4 fatal stage failure.
const (
	ExitOK             = 0
	ExitFailure        = 1
	ExitBadInput       = 2
	ExitClassification = 3
	ExitStageFailure   = 4
)

// ExitCode maps a Convert error onto the exit status contract.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}

	var pErr *Error
	if !errors.As(err, &pErr) {
		return ExitFailure
	}

	switch pErr.Kind {
	case KindBadInput:
		return ExitBadInput
	case KindClassification:
		return ExitClassification
	case KindStage:
		return ExitStageFailure
	default:
		return ExitFailure
	}
}
