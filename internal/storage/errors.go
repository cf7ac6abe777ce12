package storage

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ashita-ai/folio/internal/model"
)

// ErrNotFound is returned when a requested version does not exist.
// It is the model sentinel so callers need not import storage to test for it.
var ErrNotFound = model.ErrNotFound

// isTransient reports whether err is a failure a later attempt may not hit:
// lost or refused connections, server shutdown, serialization conflicts.
func isTransient(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "40001": // serialization_failure
			return true
		case pgErr.Code == "40P01": // deadlock_detected
			return true
		case strings.HasPrefix(pgErr.Code, "08"): // connection_exception
			return true
		case pgErr.Code == "57P01", pgErr.Code == "57P02", pgErr.Code == "57P03": // admin/crash shutdown, cannot connect now
			return true
		case pgErr.Code == "53300": // too_many_connections
			return true
		}
		return false
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return true
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// classify tags transient failures with model.ErrStoreUnavailable and
// passes everything else through unchanged. Context cancellation is never
// reclassified so callers can tell it apart from an outage.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, model.ErrStoreUnavailable) {
		return err
	}
	if isTransient(err) {
		return fmt.Errorf("%w: %w", model.ErrStoreUnavailable, err)
	}
	return err
}

// isDuplicateVersionID reports whether err is a primary key violation on
// versions, meaning a row with the same ID is already committed.
func isDuplicateVersionID(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == "versions_pkey"
}
