// Package apperr defines the error kinds the core reports to its callers.
// Callers branch on Kind, never on message text.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind uint8

const (
	Internal Kind = iota
	Unauthorized
	Forbidden
	NotFound
	Invalid
	InvalidRating
	CapacityExceeded
	DuplicateEvaluation
	DuplicatePayment
	BadReference
	GatewayError
	RateLimited
)

var kindNames = map[Kind]string{
	Internal:            "internal",
	Unauthorized:        "unauthorized",
	Forbidden:           "forbidden",
	NotFound:            "not_found",
	Invalid:             "invalid",
	InvalidRating:       "invalid_rating",
	CapacityExceeded:    "capacity_exceeded",
	DuplicateEvaluation: "duplicate_evaluation",
	DuplicatePayment:    "duplicate_payment",
	BadReference:        "bad_reference",
	GatewayError:        "gateway_error",
	RateLimited:         "rate_limited",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// HTTPStatus maps a kind onto the status code returned to HTTP callers.
func (k Kind) HTTPStatus() int {
	switch k {
	case Unauthorized:
		return http.StatusUnauthorized
	case Forbidden:
		return http.StatusForbidden
	case NotFound:
		return http.StatusNotFound
	case Invalid, InvalidRating, BadReference:
		return http.StatusBadRequest
	case CapacityExceeded, DuplicateEvaluation, DuplicatePayment:
		return http.StatusConflict
	case GatewayError:
		return http.StatusBadGateway
	case RateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// Error is a classified failure. Op names the operation that raised it.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Op != "" {
		return e.Op + ": " + msg
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a classified error with a message.
func E(kind Kind, op, msg string) error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Wrap classifies err. A nil err stays nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the outermost classified error in err's chain.
// Unclassified errors are Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Label is a metric label for err: "ok" on success, the kind name otherwise.
func Label(err error) string {
	if err == nil {
		return "ok"
	}
	return KindOf(err).String()
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Message returns the text safe to show an external caller. Internal faults are opaque.
func Message(err error) string {
	var e *Error
	if !errors.As(err, &e) || e.Kind == Internal {
		return "internal error"
	}
	if e.Msg != "" {
		return e.Msg
	}
	return e.Kind.String()
}
