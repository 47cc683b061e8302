package cache

import (
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"branchorigin/internal/copypoint"
	"branchorigin/internal/origin"
)

// Result is what a retrieval delivers: either a (possibly nil) value or an error.
type Result struct {
	Value *copypoint.Inversion
	Err   error
}

// Failed reports whether the retrieval failed.
func (r Result) Failed() bool {
	return r.Err != nil
}

// UnexpectedError wraps any failure that is not an *origin.Error, including
// store errors and recovered panics.
type UnexpectedError struct {
	Err error
}

func (e *UnexpectedError) Error() string {
	return fmt.Sprintf("unexpected failure: %v", e.Err)
}

func (e *UnexpectedError) Unwrap() error {
	return e.Err
}

// classify keeps origin errors as they are and wraps everything else.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if origin.IsOriginError(err) {
		return err
	}
	var ue *UnexpectedError
	if errors.As(err, &ue) {
		return err
	}
	log.Infof("[BranchPoints] unexpected failure: %v", err)
	return &UnexpectedError{Err: err}
}
