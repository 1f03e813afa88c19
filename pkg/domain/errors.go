package domain

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Sentinel errors matched with errors.Is by callers and transports.
var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrConflict          = errors.New("conflict")
	ErrPartialAllocation = errors.New("partial allocation failure")
)

// NotFoundError is returned when a referenced record does not exist.
type NotFoundError struct {
	Entity EntityType
	ID     string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

// Is matches ErrNotFound.
func (e NotFoundError) Is(target error) bool { return target == ErrNotFound }

// InvalidArgumentError rejects a malformed request before any mutation.
type InvalidArgumentError struct {
	Field  string
	Reason string
}

func (e InvalidArgumentError) Error() string {
	if e.Field == "" {
		return "invalid argument: " + e.Reason
	}
	return fmt.Sprintf("invalid argument %s: %s", e.Field, e.Reason)
}

// Is matches ErrInvalidArgument.
func (e InvalidArgumentError) Is(target error) bool { return target == ErrInvalidArgument }

// Invalid builds an InvalidArgumentError.
func Invalid(field, reason string) error {
	return InvalidArgumentError{Field: field, Reason: reason}
}

// Shortfall describes one line that cannot be satisfied by the current balance.
type Shortfall struct {
	ItemID    string          `json:"item_id"`
	ItemName  string          `json:"item_name"`
	Current   decimal.Decimal `json:"current"`
	Required  decimal.Decimal `json:"required"`
	Shortfall decimal.Decimal `json:"shortfall"`
	Unit      Unit            `json:"unit"`
}

// InsufficientStockError lists every short line of a request.
type InsufficientStockError struct {
	Lines []Shortfall
}

func (e InsufficientStockError) Error() string {
	parts := make([]string, 0, len(e.Lines))
	for _, l := range e.Lines {
		parts = append(parts, fmt.Sprintf("%s: current %s, required %s, short %s %s",
			l.ItemID, l.Current, l.Required, l.Shortfall, l.Unit))
	}
	return "insufficient stock (" + strings.Join(parts, "; ") + ")"
}

// Is matches ErrInsufficientStock.
func (e InsufficientStockError) Is(target error) bool { return target == ErrInsufficientStock }

// ConflictError reports a write that could not be applied against the current state.
type ConflictError struct {
	ItemID string
	Reason string
}

func (e ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s: %s", e.ItemID, e.Reason)
}

// Is matches ErrConflict.
func (e ConflictError) Is(target error) bool { return target == ErrConflict }

// PartialAllocationError reports a commit-phase failure that was rolled back
// through compensation. Compensated lists the item IDs that were restored.
type PartialAllocationError struct {
	EventID     string
	Cause       error
	Compensated []string
}

func (e PartialAllocationError) Error() string {
	return fmt.Sprintf("allocation %s aborted after compensating %d line(s): %v", e.EventID, len(e.Compensated), e.Cause)
}

// Is matches ErrPartialAllocation.
func (e PartialAllocationError) Is(target error) bool { return target == ErrPartialAllocation }

// Unwrap exposes the failure that triggered compensation.
func (e PartialAllocationError) Unwrap() error { return e.Cause }
