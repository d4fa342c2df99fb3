package domain

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestIsVersionConflict(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "version conflict error", err: ErrVersionConflict, want: true},
		{name: "wrapped version conflict error", err: errors.Join(ErrVersionConflict, errors.New("additional context")), want: true},
		{name: "other error", err: ErrTransactionNotFound, want: false},
		{name: "nil error", err: nil, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsVersionConflict(tt.err); got != tt.want {
				t.Errorf("IsVersionConflict() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNotFoundHierarchy(t *testing.T) {
	assert.True(t, IsNotFound(ErrTransactionNotFound))
	assert.True(t, IsNotFound(ErrLineNotFound))
	assert.True(t, IsNotFound(fmt.Errorf("load: %w", ErrItemNotFound)))
	assert.False(t, errors.Is(ErrLineNotFound, ErrTransactionNotFound))
	assert.Equal(t, "transaction not found", ErrTransactionNotFound.Error())
}

func TestTypedErrorsMatchSentinels(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		sentinel error
	}{
		{name: "invalid transition", err: &InvalidStateTransitionError{Required: "Only NEW sales orders can be approved"}, sentinel: ErrInvalidStateTransition},
		{name: "stock not found", err: &StockNotFoundError{ItemID: "A", WarehouseID: "w"}, sentinel: ErrStockNotFound},
		{name: "insufficient stock", err: &InsufficientStockError{ItemName: "Widget"}, sentinel: ErrInsufficientStock},
		{name: "validation", err: &ValidationError{Fields: []FieldViolation{{Field: "quantity", Message: "bad"}}}, sentinel: ErrValidation},
		{name: "dependent usage", err: &DependentUsageError{TransactionID: "t"}, sentinel: ErrDependentUsage},
		{name: "operation failed", err: &OperationFailedError{Op: "approve", Err: context.DeadlineExceeded}, sentinel: ErrOperationFailed},
		{name: "persistence", err: &PersistenceError{Op: "save", Err: errors.New("conn reset")}, sentinel: ErrPersistence},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := fmt.Errorf("outer: %w", tt.err)
			assert.ErrorIs(t, wrapped, tt.sentinel)
		})
	}
}

func TestErrorMessages(t *testing.T) {
	err := &InsufficientStockError{
		ItemID:      "A",
		ItemName:    "Widget",
		WarehouseID: "main",
		Available:   decimal.NewFromInt(10),
		Requested:   decimal.NewFromInt(11),
	}
	assert.Equal(t, "insufficient stock for Widget in warehouse main: available 10, requested 11", err.Error())

	transition := &InvalidStateTransitionError{TransactionID: "t-1", Type: 2, Status: 1002, Required: "Only NEW sales orders can be approved"}
	assert.Contains(t, transition.Error(), "Only NEW sales orders can be approved")

	opErr := &OperationFailedError{Op: "approve", Err: context.DeadlineExceeded}
	assert.ErrorIs(t, opErr, context.DeadlineExceeded)
}

func TestIsBusiness(t *testing.T) {
	assert.True(t, IsBusiness(ErrTransactionNotFound))
	assert.True(t, IsBusiness(&InsufficientStockError{}))
	assert.True(t, IsBusiness(fmt.Errorf("wrap: %w", ErrVersionConflict)))
	assert.False(t, IsBusiness(errors.New("driver: bad connection")))
	assert.False(t, IsBusiness(context.Canceled))
}
