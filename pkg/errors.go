package gate

import (
	"errors"
	"fmt"
)

type ErrorCode string

const (
	// Engine errors.
	InvalidKey         ErrorCode = "invalid-key"         // bad key material, fatal at startup
	RpcError           ErrorCode = "rpc-error"           // daemon call failed, retried next cycle
	ChainDiscontinuity ErrorCode = "chain-discontinuity" // stored cursor no longer on the daemon's chain
	MalformedOutput    ErrorCode = "malformed-output"    // one output could not be decoded, skipped
	StoreIoError       ErrorCode = "store-io-error"      // the store could not read or flush

	// API errors.
	BadRequest    ErrorCode = "bad-request"
	NotAvailable  ErrorCode = "not-available"
	NotFound      ErrorCode = "not-found"
	AlreadyExists ErrorCode = "already-exists"
	DBConflict    ErrorCode = "db-conflict"
	Unauthorized  ErrorCode = "unauthorized"
	UnknownError  ErrorCode = "unknown-error"
)

type ErrorInfo struct {
	Code    ErrorCode // machine-readble ErrorCode enumeration
	Message string    // human-readable debug message (in production, logged on the server only)
}

func (e *ErrorInfo) Error() string {
	return string(e.Message)
}

func NewErr(code ErrorCode, format string, args ...any) error {
	return &ErrorInfo{Code: code, Message: fmt.Sprintf(format, args...)}
}

func IsNotFoundError(err error) bool {
	return IsError(err, NotFound)
}

func IsAlreadyExistsError(err error) bool {
	return IsError(err, AlreadyExists)
}

func IsDBConflictError(err error) bool {
	return IsError(err, DBConflict)
}

// IsError reports whether err (or anything it wraps) is an ErrorInfo with the given code.
func IsError(err error, ofType ErrorCode) bool {
	var e *ErrorInfo
	if errors.As(err, &e) {
		return e.Code == ofType
	}
	return false
}

// ErrorCodeOf returns the code of an ErrorInfo, or UnknownError.
func ErrorCodeOf(err error) ErrorCode {
	var e *ErrorInfo
	if errors.As(err, &e) {
		return e.Code
	}
	return UnknownError
}
