package domain

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorsMatchTheirSentinels(t *testing.T) {
	cases := []struct {
		err  error
		want error
	}{
		{NotFoundError{Entity: EntityStockItem, ID: "x"}, ErrNotFound},
		{Invalid("quantity", "must be greater than zero"), ErrInvalidArgument},
		{InsufficientStockError{}, ErrInsufficientStock},
		{ConflictError{ItemID: "x", Reason: "version moved"}, ErrConflict},
		{PartialAllocationError{EventID: "e", Cause: errors.New("boom")}, ErrPartialAllocation},
	}
	sentinels := []error{ErrNotFound, ErrInvalidArgument, ErrInsufficientStock, ErrConflict, ErrPartialAllocation}
	for _, tc := range cases {
		wrapped := fmt.Errorf("op: %w", tc.err)
		for _, s := range sentinels {
			if got := errors.Is(wrapped, s); got != (s == tc.want) {
				t.Fatalf("%T vs %v: expected %v, got %v", tc.err, s, s == tc.want, got)
			}
		}
	}
}

func TestPartialAllocationUnwrapsCause(t *testing.T) {
	cause := InsufficientStockError{Lines: []Shortfall{{ItemID: "b", Shortfall: dec("2")}}}
	err := error(PartialAllocationError{EventID: "evt", Cause: cause, Compensated: []string{"a"}})
	if !errors.Is(err, ErrPartialAllocation) || !errors.Is(err, ErrInsufficientStock) {
		t.Fatalf("partial allocation should match itself and its cause")
	}
	var short InsufficientStockError
	if !errors.As(err, &short) || short.Lines[0].ItemID != "b" {
		t.Fatalf("cause should be reachable with errors.As")
	}
	if !strings.Contains(err.Error(), "compensating 1 line") {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

func TestInsufficientStockListsEveryLine(t *testing.T) {
	err := InsufficientStockError{Lines: []Shortfall{
		{ItemID: "a", Current: dec("7"), Required: dec("10"), Shortfall: dec("3"), Unit: UnitKilogram},
		{ItemID: "b", Current: dec("3"), Required: dec("10"), Shortfall: dec("7"), Unit: UnitDose},
	}}
	msg := err.Error()
	for _, part := range []string{"a: current 7, required 10, short 3 kg", "b: current 3, required 10, short 7 dose"} {
		if !strings.Contains(msg, part) {
			t.Fatalf("message %q missing %q", msg, part)
		}
	}
}

func TestInvalidArgumentMessage(t *testing.T) {
	if got := Invalid("", "empty request").Error(); got != "invalid argument: empty request" {
		t.Fatalf("unexpected message %q", got)
	}
	if got := Invalid("unit", "unknown").Error(); got != "invalid argument unit: unknown" {
		t.Fatalf("unexpected message %q", got)
	}
}
