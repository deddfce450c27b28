package ports

import (
	"errors"
	"fmt"
)

var (
	// ErrClassification marks a failed classification port call
	ErrClassification = errors.New("classification failure")

	// ErrRetrieval marks a failed retrieval port call
	ErrRetrieval = errors.New("retrieval failure")

	// ErrEvaluation marks a failed evaluation port call
	ErrEvaluation = errors.New("evaluation failure")
)

// Error describes a failed port operation. It matches its Kind with errors.Is
// and unwraps to the underlying cause.
type Error struct {
	Kind error
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// Classification wraps err as a classification failure of op
func Classification(op string, err error) error {
	return wrap(ErrClassification, op, err)
}

// RetrievalFailure wraps err as a retrieval failure of op
func RetrievalFailure(op string, err error) error {
	return wrap(ErrRetrieval, op, err)
}

// Evaluation wraps err as an evaluation failure of op
func Evaluation(op string, err error) error {
	return wrap(ErrEvaluation, op, err)
}

// Kind returns the port name for a wrapped failure, or "unknown"
func Kind(err error) string {
	switch {
	case errors.Is(err, ErrClassification):
		return "classification"
	case errors.Is(err, ErrRetrieval):
		return "retrieval"
	case errors.Is(err, ErrEvaluation):
		return "evaluation"
	default:
		return "unknown"
	}
}

func wrap(kind error, op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) && pe.Kind == kind {
		return err
	}
	return &Error{Kind: kind, Op: op, Err: err}
}
