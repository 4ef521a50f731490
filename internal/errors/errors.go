package errors

import (
	"errors"
	"fmt"
)

// Code is a stable, machine-readable error kind. It doubles as the process
// exit code for the CLI.
type Code int

const (
	CodeSuccess  Code = 0
	CodeInternal Code = 1
	CodeUsage    Code = 2

	CodeChainNotFound   Code = 10
	CodeChainMismatch   Code = 11
	CodeTxHashMissing   Code = 12
	CodeTxReverted      Code = 13
	CodeTxCancelled     Code = 14
	CodeStatusTimeout   Code = 15
	CodeBackendRejected Code = 16
	CodeWalletRejected  Code = 17
	CodeUnavailable     Code = 18
	CodeRateLimited     Code = 19
	CodeAuth            Code = 20
)

// Error is a typed engine error that carries a stable code and an optional
// structured detail payload (receipt, attempt counts, backend details).
type Error struct {
	Code    Code
	Message string
	Cause   error
	Details any
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

func WithDetails(code Code, message string, details any) *Error {
	return &Error{Code: code, Message: message, Details: details}
}

func As(err error) (*Error, bool) {
	var target *Error
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// Is reports whether err (or anything it wraps) carries the given code.
func Is(err error, code Code) bool {
	if typed, ok := As(err); ok {
		return typed.Code == code
	}
	return false
}

// StatusTimeoutDetails names the transaction and attempt count of an
// exhausted status check.
type StatusTimeoutDetails struct {
	TxHash   string `json:"txHash,omitempty"`
	Attempts int    `json:"attempts"`
}

func StatusTimeout(txHash string, attempts int) *Error {
	return &Error{
		Code:    CodeStatusTimeout,
		Message: fmt.Sprintf("status check for %s not resolved after %d attempts", txHash, attempts),
		Details: StatusTimeoutDetails{TxHash: txHash, Attempts: attempts},
	}
}

func ExitCode(err error) int {
	if err == nil {
		return int(CodeSuccess)
	}
	if typed, ok := As(err); ok {
		return int(typed.Code)
	}
	return int(CodeInternal)
}
