package model

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Error kinds. Every error surfaced by the store, index, or pipeline wraps
// exactly one of these so callers can classify with errors.Is.
var (
	ErrInvalidInput     = errors.New("invalid input")
	ErrNotFound         = errors.New("not found")
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrCollaborator     = errors.New("collaborator failure")
)

// ErrorKind is the classification name of an error kind, used in run
// reports and API payloads.
type ErrorKind string

const (
	KindInvalidInput     ErrorKind = "InvalidInput"
	KindNotFound         ErrorKind = "NotFound"
	KindStoreUnavailable ErrorKind = "StoreUnavailable"
	KindCollaborator     ErrorKind = "CollaboratorFailure"
	KindCanceled         ErrorKind = "Canceled"
	KindUnknown          ErrorKind = "Unknown"
)

// KindOf classifies err by the sentinel it wraps.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidInput):
		return KindInvalidInput
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrStoreUnavailable):
		return KindStoreUnavailable
	case errors.Is(err, ErrCollaborator):
		return KindCollaborator
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	default:
		return KindUnknown
	}
}

// Wrap tags err with a kind marker and a "scope: operation" detail so that
// both errors.Is(kind) and errors.Is(err) hold for the result.
func Wrap(kind error, scope, operation string, err error) error {
	detail := buildDetail(scope, operation)
	if kind == nil {
		return fmt.Errorf("%s: %w", detail, err)
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", kind, detail, err)
	}
	return fmt.Errorf("%w: %s", kind, detail)
}

// InvalidInput is shorthand for an ErrInvalidInput with a message.
func InvalidInput(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

func buildDetail(scope, operation string) string {
	parts := make([]string, 0, 2)
	if scope = strings.TrimSpace(scope); scope != "" {
		parts = append(parts, scope)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if len(parts) == 0 {
		return "failure"
	}
	return strings.Join(parts, ": ")
}
