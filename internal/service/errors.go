package service

import (
	"errors"
	"fmt"

	"github.com/noah-isme/gema-lab-api/internal/runner"
)

var (
	// ErrNotFound indicates a referenced lab, challenge, target code, class or assignment does not exist.
	ErrNotFound = errors.New("not found")
	// ErrForbidden indicates the actor may not perform the operation.
	ErrForbidden = errors.New("forbidden")
	// ErrValidation wraps rule violations detected by the services themselves.
	ErrValidation = errors.New("validation failed")
	// ErrSubmissionWindowClosed indicates the assignment expired and no exception applies.
	ErrSubmissionWindowClosed = errors.New("submission window closed")
	// ErrRunnerUnavailable indicates the code execution service could not run the submission.
	ErrRunnerUnavailable = errors.New("code runner unavailable")
	// ErrLateRequestNotAllowed indicates a late request is not applicable.
	ErrLateRequestNotAllowed = errors.New("late request not allowed")
	// ErrLateRequestDenied indicates a previous late request was denied.
	ErrLateRequestDenied = errors.New("late request was denied")
	// ErrLateRequestMissing indicates approval or denial without a pending request.
	ErrLateRequestMissing = errors.New("no late request to decide")
	// ErrLabInUse indicates a lab or challenge is still assigned to a class.
	ErrLabInUse = errors.New("lab is assigned to a class")
)

// TargetExecutionError reports that the instructor's reference program did
// not produce a usable output. It is a fault in the challenge, not the student.
type TargetExecutionError struct {
	TargetCodeID uint
	Input        string
	Result       runner.Result
	Err          error
}

func (e *TargetExecutionError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("target code %d failed: %v", e.TargetCodeID, e.Err)
	case e.Result.TimedOut:
		return fmt.Sprintf("target code %d timed out", e.TargetCodeID)
	default:
		return fmt.Sprintf("target code %d exited with status %d", e.TargetCodeID, e.Result.ExitCode)
	}
}

func (e *TargetExecutionError) Unwrap() error {
	return e.Err
}

func validationError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
