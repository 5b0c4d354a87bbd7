package model

import (
	"errors"
	"fmt"
)

// Kind classifies a domain error for transport mapping and logging.
type Kind int

const (
	KindUnknown    Kind = iota
	KindValidation      // bad input shape
	KindNotFound        // product/license/type absent
	KindPolicy          // expired, revoked, version not allowed, seat limit, not recurring
	KindConflict        // duplicate transaction id, concurrent seat race
	KindCrypto          // signing/verification failure, key decode failure
	KindTransient       // storage unavailable
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindPolicy:
		return "policy"
	case KindConflict:
		return "conflict"
	case KindCrypto:
		return "crypto"
	case KindTransient:
		return "transient"
	default:
		return "unknown"
	}
}

// Error is the domain error carried across package boundaries. Policy and
// validation errors are recoverable and reported to the caller with their
// message; crypto and transient errors are fatal for the request but never
// crash the process.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the Kind from err, or KindUnknown for foreign errors.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindUnknown
}

func Validationf(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func NotFoundf(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

func Policyf(format string, args ...any) *Error {
	return &Error{Kind: KindPolicy, Message: fmt.Sprintf(format, args...)}
}

func Conflictf(format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

// CryptoErr wraps a signing-path failure. These are logged at high severity
// since they usually indicate key-management problems outside this service.
func CryptoErr(msg string, err error) *Error {
	return &Error{Kind: KindCrypto, Message: msg, Err: err}
}

// TransientErr wraps a storage failure that may succeed on retry.
func TransientErr(msg string, err error) *Error {
	return &Error{Kind: KindTransient, Message: msg, Err: err}
}
