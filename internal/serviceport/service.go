// Package serviceport implements the remote-service adapter contract of
// §4.5: three idempotent operations (next_nonce, propose, confirm) plus
// fetch_status, each retried with bounded exponential backoff and jitter
// for the retryable failure subset only.
package serviceport

import (
	"context"
	"fmt"

	"github.com/vaultco/cosigncore/internal/domain"
)

// OperationKind is the service port's operation surface (§4.5).
type OperationKind string

const (
	OpNextNonce    OperationKind = "next_nonce"
	OpPropose      OperationKind = "propose"
	OpConfirm      OperationKind = "confirm"
	OpFetchStatus  OperationKind = "fetch_status"
)

// Call is the envelope every service-port operation carries (§4.5).
type Call struct {
	IdempotencyKey string
	CorrelationID  string
	Attempt        int
	DeadlineMs     int64
	Params         map[string]any
}

// Result is the outcome of one service-port call.
type Result struct {
	Data     map[string]any
	Conflict bool // already-exists: collapses to success (§4.5)
	Error    *domain.CoreError
}

// Transport is the minimal HTTP-shaped contract a concrete remote-service
// client implements; RetryingClient wraps it with backoff.
type Transport interface {
	Do(ctx context.Context, op OperationKind, call Call) (Result, error)
}

// IsRetryableTransportError reports whether err represents a retryable
// transport condition (timeout, rate-limit, 5xx), as opposed to an
// application-level rejection that should surface immediately.
func IsRetryableTransportError(err error) bool {
	var classified *TransportError
	if te, ok := err.(*TransportError); ok {
		classified = te
	}
	if classified == nil {
		return false
	}
	switch classified.Class {
	case ClassTimeout, ClassRateLimit, ClassServerError:
		return true
	default:
		return false
	}
}

// TransportClass classifies a raw transport failure for the retry policy.
type TransportClass string

const (
	ClassTimeout     TransportClass = "timeout"
	ClassRateLimit   TransportClass = "rate_limit"
	ClassServerError TransportClass = "server_error"
	ClassClientError TransportClass = "client_error"
	ClassConflict    TransportClass = "conflict"
)

// TransportError is the typed error a Transport implementation returns so
// the retry policy can classify it without string matching.
type TransportError struct {
	Class   TransportClass
	Message string
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("serviceport: %s: %s", e.Class, e.Message)
}
