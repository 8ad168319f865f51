package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrMissingField is returned when a transaction lacks a field its type requires.
	ErrMissingField = errors.New("ledger: missing required field")

	// ErrInvalidTransaction is returned when a transaction carries a field its
	// type forbids, a negative fee, or an unknown type.
	ErrInvalidTransaction = errors.New("ledger: invalid transaction")

	// ErrInsufficientLots is returned when a SELL exceeds the open lot quantity
	// at its point in replay order. The history itself is inconsistent.
	ErrInsufficientLots = errors.New("ledger: insufficient lots")
)

// InsufficientLotsError describes the first SELL that could not be matched.
type InsufficientLotsError struct {
	TransactionID string
	AccountID     string
	InstrumentID  string
	Requested     decimal.Decimal
	Available     decimal.Decimal
}

func (e *InsufficientLotsError) Error() string {
	return fmt.Sprintf("ledger: insufficient lots: tx %s sells %s of %s in account %s, only %s available",
		e.TransactionID, e.Requested, e.InstrumentID, e.AccountID, e.Available)
}

// Is makes errors.Is(err, ErrInsufficientLots) match.
func (e *InsufficientLotsError) Is(target error) bool { return target == ErrInsufficientLots }

func missing(tx, field string) error {
	return fmt.Errorf("%w: %s on tx %s", ErrMissingField, field, tx)
}

func invalid(tx, reason string) error {
	return fmt.Errorf("%w: %s on tx %s", ErrInvalidTransaction, reason, tx)
}
