package engine

import (
	"context"
	"errors"
	"strings"

	"github.com/mattn/go-sqlite3"

	"github.com/tomyedwab/fbdriver/dberrors"
)

// Status codes reported alongside SQLSTATE and SQLCODE.
const (
	gdsUniqueKeyViolation = 335544665
	gdsNotNull            = 335544347
	gdsForeignKey         = 335544466
	gdsCheck              = 335544558
	gdsDeadlock           = 335544336
	gdsLockConflict       = 335544345
	gdsDSQLError          = 335544569
	gdsTableUnknown       = 335544580
	gdsColumnUnknown      = 335544578
	gdsReadOnlyTrans      = 335544361
	gdsIOError            = 335544344
	gdsCancelled          = 335544794
	gdsConversionError    = 335544334
	gdsTruncation         = 335544914
	gdsNotSupported       = 335544378
	gdsLogin              = 335544472
	gdsServiceBusy        = 335544800
)

func serverError(sqlState string, sqlCode int, gds int, message string, cause error) *dberrors.Error {
	return &dberrors.Error{
		Kind:     dberrors.KindDatabase,
		Message:  message,
		SQLState: sqlState,
		SQLCode:  sqlCode,
		GDSCodes: []int{gds},
		Cause:    cause,
	}
}

// mapError turns a SQLite failure into a server error. Errors that already
// carry a kind pass through unchanged.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var dbErr *dberrors.Error
	if errors.As(err, &dbErr) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return serverError("HY008", -901, gdsCancelled, "operation was cancelled", err)
	}
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return serverError("HY000", -902, gdsDSQLError, "engine error", err)
	}
	msg := se.Error()
	switch se.Code {
	case sqlite3.ErrConstraint:
		switch se.ExtendedCode {
		case sqlite3.ErrConstraintPrimaryKey, sqlite3.ErrConstraintUnique, sqlite3.ErrConstraintRowID:
			return serverError("23000", -803, gdsUniqueKeyViolation, "violation of PRIMARY or UNIQUE KEY constraint", err)
		case sqlite3.ErrConstraintNotNull:
			return serverError("23000", -625, gdsNotNull, "validation error for column", err)
		case sqlite3.ErrConstraintForeignKey:
			return serverError("23000", -530, gdsForeignKey, "violation of FOREIGN KEY constraint", err)
		case sqlite3.ErrConstraintCheck:
			return serverError("23000", -297, gdsCheck, "Operation violates CHECK constraint", err)
		}
		return serverError("23000", -803, gdsUniqueKeyViolation, "constraint violation", err)
	case sqlite3.ErrBusy, sqlite3.ErrLocked:
		return serverError("40001", -913, gdsDeadlock, "deadlock", err)
	case sqlite3.ErrReadonly:
		return serverError("25006", -817, gdsReadOnlyTrans, "attempted update during read-only transaction", err)
	case sqlite3.ErrCantOpen, sqlite3.ErrNotADB, sqlite3.ErrIoErr:
		return serverError("08001", -902, gdsIOError, "I/O error during database operation", err)
	case sqlite3.ErrTooBig:
		return serverError("22001", -802, gdsTruncation, "string right truncation", err)
	case sqlite3.ErrMismatch:
		return serverError("22018", -413, gdsConversionError, "conversion error", err)
	case sqlite3.ErrInterrupt:
		return serverError("HY008", -901, gdsCancelled, "operation was cancelled", err)
	}
	switch {
	case strings.Contains(msg, "no such table"), strings.Contains(msg, "no such view"):
		return serverError("42S02", -204, gdsTableUnknown, "Table unknown", err)
	case strings.Contains(msg, "no such column"):
		return serverError("42S22", -206, gdsColumnUnknown, "Column unknown", err)
	case strings.Contains(msg, "no such function"), strings.Contains(msg, "no such savepoint"),
		strings.Contains(msg, "no such index"), strings.Contains(msg, "no such trigger"):
		return serverError("42000", -204, gdsTableUnknown, "object unknown", err)
	case strings.Contains(msg, "already exists"):
		return serverError("42S01", -607, gdsDSQLError, "unsuccessful metadata update", err)
	case strings.Contains(msg, "syntax error"), strings.Contains(msg, "incomplete input"),
		strings.Contains(msg, "unrecognized token"):
		return serverError("42000", -104, gdsDSQLError, "Dynamic SQL Error", err)
	}
	return serverError("HY000", -902, gdsDSQLError, "engine error", err)
}

// isNoTransaction reports a ROLLBACK or COMMIT issued after SQLite already
// ended the transaction on its own.
func isNoTransaction(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no transaction is active")
}
