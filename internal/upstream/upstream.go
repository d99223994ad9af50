// Package upstream classifies failures of external collaborators
// (document store, identity provider, language model) as retryable.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrUnavailable is matched by every error produced by Wrap.
var ErrUnavailable = errors.New("upstream unavailable")

// Error records which collaborator failed and why.
type Error struct {
	Service string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s unavailable: %v", e.Service, e.Err)
}

func (e *Error) Unwrap() []error {
	return []error{ErrUnavailable, e.Err}
}

// Wrap marks err as an upstream failure of service. A nil err stays nil.
func Wrap(service string, err error) error {
	if err == nil {
		return nil
	}
	var ue *Error
	if errors.As(err, &ue) {
		return err
	}
	return &Error{Service: service, Err: err}
}

// IsTransient reports whether err looks like a network or timeout failure
// rather than a response from the collaborator.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
