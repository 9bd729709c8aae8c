package evegateway

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned for upstream 404 responses. Callers treat it as
// "entity does not exist" and fail soft.
var ErrNotFound = errors.New("upstream resource not found")

// TransientError covers 5xx responses, timeouts, and connection resets.
// Jobs that see it are rescheduled by the worker retry policy.
type TransientError struct {
	StatusCode int
	Err        error
}

func (e *TransientError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transient upstream error: %v", e.Err)
	}
	return fmt.Sprintf("transient upstream error: status %d", e.StatusCode)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// ContractError marks an unexpected response shape. Jobs fail permanently
// on it so a broken upstream cannot poison retry budgets.
type ContractError struct {
	Endpoint string
	Err      error
}

func (e *ContractError) Error() string {
	return fmt.Sprintf("unexpected response from %s: %v", e.Endpoint, e.Err)
}

func (e *ContractError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether an error should be retried by the queue
func IsRetryable(err error) bool {
	var transient *TransientError
	return errors.As(err, &transient)
}

// IsPermanent reports whether an error must fail the job without retry
func IsPermanent(err error) bool {
	var contract *ContractError
	return errors.As(err, &contract)
}
