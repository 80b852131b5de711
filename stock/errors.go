/*
errors.go - Error taxonomy for the stock engine

ERROR CATEGORIES:
  1. InvalidInput - missing or malformed dates, ranges, identifiers.
     Rejected before any store access.
  2. StoreFailure - the underlying query or transaction failed. Carries the
     operation and date range, never query text.
  3. Conflicts - duplicate items or entry ids, and archive or checkpoint
     requests over a range whose ledger rows were already purged.

NOT AN ERROR:
  A date with no snapshot, an item with no activity, a range with no rows.
  These produce empty results.

PARTIAL FAILURE:
  Archive-then-purge runs in one transaction, so a failure half way through
  rolls back and surfaces as StoreFailure. There is no partial state to
  report.

USAGE:
  if errors.Is(err, stock.ErrInvalidInput) { ... 400 ... }
  var se *stock.StoreError
  if errors.As(err, &se) { log se.Op, se.Range, se.Err }
*/
package stock

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidInput is the class of every caller mistake.
	ErrInvalidInput = errors.New("invalid input")

	// ErrInvalidRange is returned when a range ends before it starts.
	ErrInvalidRange = fmt.Errorf("%w: end date before start date", ErrInvalidInput)

	// ErrStoreFailure is matched by every StoreError.
	ErrStoreFailure = errors.New("store failure")

	// ErrDuplicateItem is returned when an item id or barcode already exists.
	ErrDuplicateItem = errors.New("item already exists")

	// ErrDuplicateEntry is returned when a ledger entry id already exists.
	ErrDuplicateEntry = errors.New("ledger entry already exists")

	// ErrEntryNotFound is returned when soft-deleting an unknown entry.
	ErrEntryNotFound = errors.New("ledger entry not found")

	// ErrRangePurged is returned when an operation needs ledger rows that an
	// earlier purge removed.
	ErrRangePurged = errors.New("ledger range already purged")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// InputError names the offending field.
type InputError struct {
	Field  string
	Reason string
}

func (e *InputError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *InputError) Unwrap() error { return ErrInvalidInput }

// StoreError wraps a persistence failure with the operation that hit it.
// Error() deliberately omits the cause; use Unwrap or errors.As to reach it.
type StoreError struct {
	Op    string
	Range DateRange
	Err   error
}

func (e *StoreError) Error() string {
	if e.Range.End.IsZero() && e.Range.Start.IsZero() {
		return fmt.Sprintf("%s: %v", e.Op, ErrStoreFailure)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Range, ErrStoreFailure)
}

func (e *StoreError) Unwrap() error { return e.Err }

func (e *StoreError) Is(target error) bool { return target == ErrStoreFailure }

// storeErr wraps err unless it already carries engine semantics.
func storeErr(op string, r DateRange, err error) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	if errors.As(err, &se) || IsClientError(err) {
		return err
	}
	return &StoreError{Op: op, Range: r, Err: err}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrDuplicateItem) ||
		errors.Is(err, ErrDuplicateEntry) ||
		errors.Is(err, ErrEntryNotFound) ||
		errors.Is(err, ErrRangePurged)
}

// IsStoreFailure returns true for persistence failures.
func IsStoreFailure(err error) bool {
	return errors.Is(err, ErrStoreFailure)
}
