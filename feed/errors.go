package feed

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionClosed is returned by every operation on a subscription whose
	// session has been torn down
	ErrSessionClosed = errors.New("feed session is closed")

	// ErrNoMorePages is returned by FetchNextPage when the feed has no next cursor
	ErrNoMorePages = errors.New("no more pages")

	// ErrInvalidEvent rejects push events that cannot be applied
	ErrInvalidEvent = errors.New("invalid push event")
)

// NetworkError wraps a failed call to the feed backend. It is transient, the
// caller decides whether to retry.
type NetworkError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *NetworkError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// asNetworkError keeps an existing NetworkError and wraps anything else
func asNetworkError(op string, err error) error {
	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return err
	}
	return &NetworkError{Op: op, Err: err}
}
