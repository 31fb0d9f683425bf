package execute

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"

	mssql "github.com/microsoft/go-mssqldb"
)

// Kind classifies an execution failure so the repair loop and the API layer
// can react without string-matching driver messages.
type Kind string

const (
	KindInvalidObject   Kind = "invalid_object"
	KindInvalidColumn   Kind = "invalid_column"
	KindAmbiguousColumn Kind = "ambiguous_column"
	KindSyntax          Kind = "syntax"
	KindPermission      Kind = "permission"
	KindTimeout         Kind = "timeout"
	KindConnection      Kind = "connection"
	KindUnknown         Kind = "unknown"
)

// Repairable reports whether a new candidate could plausibly fix the
// failure. A timeout can be repaired by a cheaper query and a permission
// error by a different table; only a dead connection is beyond the reach
// of regeneration.
func (k Kind) Repairable() bool {
	return k != KindConnection
}

// Error is a classified execution failure. Message carries the driver text
// for logs; UserMessage returns safe wording for API responses.
type Error struct {
	Kind    Kind
	Number  int32
	Message string
}

func (e *Error) Error() string {
	if e.Number != 0 {
		return fmt.Sprintf("execute: %s (error %d): %s", e.Kind, e.Number, e.Message)
	}
	return fmt.Sprintf("execute: %s: %s", e.Kind, e.Message)
}

// UserMessage returns a pre-written description safe to show to callers.
// Driver text never leaks through this path.
func (e *Error) UserMessage() string {
	switch e.Kind {
	case KindInvalidObject:
		return "The query referenced a table or view that does not exist."
	case KindInvalidColumn:
		return "The query referenced a column that does not exist."
	case KindAmbiguousColumn:
		return "A column reference in the query was ambiguous."
	case KindSyntax:
		return "The query contained a syntax error."
	case KindPermission:
		return "The query was denied by database permissions."
	case KindTimeout:
		return "The query did not complete within the time limit."
	case KindConnection:
		return "The database could not be reached."
	default:
		return "The query failed with an unexpected database error."
	}
}

// classify maps driver errors onto the failure taxonomy. SQL Server error
// numbers: 208 invalid object, 207 invalid column, 209 ambiguous column,
// 102/105/156 syntax, 229/230 permission denied.
func classify(err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &Error{Kind: KindTimeout, Message: err.Error()}
	}

	if errors.Is(err, driver.ErrBadConn) {
		return &Error{Kind: KindConnection, Message: err.Error()}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return &Error{Kind: KindTimeout, Message: err.Error()}
		}
		return &Error{Kind: KindConnection, Message: err.Error()}
	}

	var sqlErr mssql.Error
	if errors.As(err, &sqlErr) {
		kind := KindUnknown
		switch sqlErr.Number {
		case 208:
			kind = KindInvalidObject
		case 207:
			kind = KindInvalidColumn
		case 209:
			kind = KindAmbiguousColumn
		case 102, 105, 156:
			kind = KindSyntax
		case 229, 230:
			kind = KindPermission
		}
		return &Error{Kind: kind, Number: sqlErr.Number, Message: sqlErr.Message}
	}

	return &Error{Kind: KindUnknown, Message: err.Error()}
}
