package toc

import (
	"errors"
	"fmt"
)

var (
	ErrNotConnected     = errors.New("toc: not connected")
	ErrAlreadyConnected = errors.New("toc: already connected")

	// ErrRosterConflict is returned for a duplicate Add, or when the server
	// side of an add or remove refers to a buddy the roster does not hold.
	ErrRosterConflict = errors.New("toc: roster conflict")
)

// ErrorRecord is a recoverable server warning (codes 901, 902 and 903).
// It is delivered through Handlers.Error while listening; during signon it
// is returned as the error that failed the handshake.
type ErrorRecord struct {
	Code    int
	Message string
	Arg     string
}

func (e *ErrorRecord) Error() string {
	return fmt.Sprintf("toc: error %d: %s", e.Code, e.Message)
}

// SignonError is a fatal signon-phase failure reported by the server.
type SignonError struct {
	Code    int
	Message string
	Arg     string
}

func (e *SignonError) Error() string {
	return fmt.Sprintf("toc: signon failed (%d): %s", e.Code, e.Message)
}

// ProtocolError carries a server payload the client could not make sense of.
type ProtocolError struct {
	Frame string
	Err   error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("toc: protocol error: %v: %q", e.Err, e.Frame)
	}
	return fmt.Sprintf("toc: protocol error: %q", e.Frame)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}
