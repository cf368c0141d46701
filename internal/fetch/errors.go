package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"

	dfpphttp "github.com/undp-data/dfpp/internal/http"
)

// Kind classifies a download failure. The string values appear in the
// error report.
type Kind string

const (
	KindTimeout    Kind = "Timeout"
	KindConnection Kind = "ConnectionError"
	KindStatus     Kind = "StatusError"
	KindNoData     Kind = "NoData"
	KindConfig     Kind = "ConfigError"
	KindPersist    Kind = "PersistError"
	KindCanceled   Kind = "Canceled"
	KindPanic      Kind = "Panic"
	KindUnknown    Kind = "Error"
)

// Error is a classified download error.
type Error struct {
	Kind     Kind
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether another attempt may succeed. Only timeouts
// and connection-class failures are retried.
func (e *Error) Retryable() bool {
	return e.Kind == KindTimeout || e.Kind == KindConnection
}

// Classify maps err onto a Kind. A nil err yields nil.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	return &Error{Kind: kindOf(err), Err: err}
}

func kindOf(err error) Kind {
	var statusErr *dfpphttp.StatusError
	var netErr net.Error
	var opErr *net.OpError
	var dnsErr *net.DNSError

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCanceled
	case errors.As(err, &statusErr):
		return KindStatus
	case errors.As(err, &netErr) && netErr.Timeout():
		return KindTimeout
	case errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNABORTED),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.As(err, &opErr),
		errors.As(err, &dnsErr):
		return KindConnection
	default:
		return KindUnknown
	}
}
