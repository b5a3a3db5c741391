// Package dberrors defines the error taxonomy surfaced by the driver.
package dberrors

import (
	"errors"
	"fmt"
	"strings"
)

// Kind represents different categories of errors
type Kind int

const (
	// KindUnknown represents an unclassified error
	KindUnknown Kind = iota
	// KindInterface is a local misuse of the driver's object protocol
	KindInterface
	// KindDatabase is an error reported by the server
	KindDatabase
	// KindData is a data error reported while processing values
	KindData
	// KindValue is a local encode-time validation failure
	KindValue
	// KindType is a local type-contract violation at bind time
	KindType
	// KindWarning is a recoverable rejection of an info or query request
	KindWarning
	// KindNotSupported is a feature the server does not implement
	KindNotSupported
)

func (k Kind) String() string {
	switch k {
	case KindInterface:
		return "InterfaceError"
	case KindDatabase:
		return "DatabaseError"
	case KindData:
		return "DataError"
	case KindValue:
		return "ValueError"
	case KindType:
		return "TypeError"
	case KindWarning:
		return "Warning"
	case KindNotSupported:
		return "NotSupportedError"
	}
	return "Error"
}

// Error represents a structured error with type information. Server errors carry
// the SQLSTATE, SQLCODE and the vendor status codes.
type Error struct {
	Kind     Kind
	Message  string
	SQLState string
	SQLCode  int
	GDSCodes []int
	Cause    error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying cause error
func (e *Error) Unwrap() error {
	return e.Cause
}

// IsKind reports whether the error is of the given kind. A data error is also a
// database error.
func (e *Error) IsKind(kind Kind) bool {
	if e.Kind == kind {
		return true
	}
	return kind == KindDatabase && (e.Kind == KindData || e.Kind == KindNotSupported)
}

// New creates a new Error with the specified kind and message
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates a new Error with the specified kind, message and underlying cause
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Interface creates an InterfaceError
func Interface(message string) *Error {
	return New(KindInterface, message)
}

// Interfacef creates an InterfaceError from a format string
func Interfacef(format string, args ...any) *Error {
	return New(KindInterface, fmt.Sprintf(format, args...))
}

// Databasef creates a DatabaseError with server status information
func Databasef(sqlState string, sqlCode int, format string, args ...any) *Error {
	return &Error{
		Kind:     KindDatabase,
		Message:  fmt.Sprintf(format, args...),
		SQLState: sqlState,
		SQLCode:  sqlCode,
	}
}

// Dataf creates a DataError
func Dataf(format string, args ...any) *Error {
	return New(KindData, fmt.Sprintf(format, args...))
}

// Valuef creates a ValueError
func Valuef(format string, args ...any) *Error {
	return New(KindValue, fmt.Sprintf(format, args...))
}

// Typef creates a TypeError
func Typef(format string, args ...any) *Error {
	return New(KindType, fmt.Sprintf(format, args...))
}

// Warningf creates a Warning-class error
func Warningf(format string, args ...any) *Error {
	return New(KindWarning, fmt.Sprintf(format, args...))
}

// NotSupportedf creates a NotSupportedError
func NotSupportedf(format string, args ...any) *Error {
	return New(KindNotSupported, fmt.Sprintf(format, args...))
}

// KindOf returns the kind of the first *Error in the chain
func KindOf(err error) Kind {
	var dbErr *Error
	if errors.As(err, &dbErr) {
		return dbErr.Kind
	}
	return KindUnknown
}

func isKind(err error, kind Kind) bool {
	var dbErr *Error
	if errors.As(err, &dbErr) {
		return dbErr.IsKind(kind)
	}
	return false
}

// IsInterfaceError checks if an error is an InterfaceError
func IsInterfaceError(err error) bool {
	return isKind(err, KindInterface)
}

// IsDatabaseError checks if an error was reported by the server
func IsDatabaseError(err error) bool {
	return isKind(err, KindDatabase)
}

// IsDataError checks if an error is a DataError
func IsDataError(err error) bool {
	return isKind(err, KindData)
}

// IsValueError checks if an error is a ValueError
func IsValueError(err error) bool {
	return isKind(err, KindValue)
}

// IsTypeError checks if an error is a TypeError
func IsTypeError(err error) bool {
	return isKind(err, KindType)
}

// IsWarning checks if an error is a recoverable Warning
func IsWarning(err error) bool {
	return isKind(err, KindWarning)
}

// IsNotSupported checks if an error is a NotSupportedError
func IsNotSupported(err error) bool {
	return isKind(err, KindNotSupported)
}

// Format renders the status information of a server error the way isql does.
func Format(err error) string {
	var dbErr *Error
	if !errors.As(err, &dbErr) {
		return err.Error()
	}
	var b strings.Builder
	if dbErr.SQLState != "" {
		fmt.Fprintf(&b, "Statement failed, SQLSTATE = %s\n", dbErr.SQLState)
	}
	b.WriteString(dbErr.Error())
	if dbErr.SQLCode != 0 {
		fmt.Fprintf(&b, "\n-SQL error code = %d", dbErr.SQLCode)
	}
	return b.String()
}
