package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrEmailTaken         = errors.New("email has already been taken")
	ErrNoCarrierID        = errors.New("message has no carrier id")
	ErrDuplicateCarrierID = errors.New("carrier message id already assigned")
)

// ValidationError lists every failed field check on a request.
type ValidationError struct {
	Details []string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Details, "; ")
}

func NewValidationError(details ...string) *ValidationError {
	return &ValidationError{Details: details}
}

// CarrierErrorKind is the closed set of carrier outcomes a caller has to
// distinguish.
type CarrierErrorKind int

const (
	// CarrierConfiguration: credentials or sender number missing. Operator error.
	CarrierConfiguration CarrierErrorKind = iota + 1
	// CarrierArgument: the request was rejected locally before reaching the carrier.
	CarrierArgument
	// CarrierSend: the carrier refused the message, or the call itself failed.
	CarrierSend
)

func (k CarrierErrorKind) String() string {
	switch k {
	case CarrierConfiguration:
		return "configuration"
	case CarrierArgument:
		return "argument"
	case CarrierSend:
		return "send"
	default:
		return "unknown"
	}
}

type CarrierError struct {
	Kind CarrierErrorKind
	// Code is the carrier's numeric error code, zero when none was returned.
	Code int
	// HTTPStatus is the status of the carrier's response, zero for local or
	// transport failures.
	HTTPStatus int
	Message    string
	Err        error
}

func (e *CarrierError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("carrier %s error (%d): %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("carrier %s error: %s", e.Kind, e.Message)
}

func (e *CarrierError) Unwrap() error { return e.Err }

// CarrierErrorOf returns the carrier error in err's chain, if any.
func CarrierErrorOf(err error) (*CarrierError, bool) {
	var ce *CarrierError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

func IsCarrierKind(err error, kind CarrierErrorKind) bool {
	ce, ok := CarrierErrorOf(err)
	return ok && ce.Kind == kind
}
