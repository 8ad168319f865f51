package ledger

import (
	"fmt"
	"sort"

	"github.com/atmx/portfolio-engine/internal/model"
)

// Validate checks the per-type field invariants of a single transaction.
func Validate(tx model.Transaction) error {
	if tx.AccountID == "" {
		return missing(tx.ID, "account_id")
	}
	if tx.TradeDate.IsZero() {
		return missing(tx.ID, "trade_date")
	}
	if tx.Fee.IsNegative() {
		return invalid(tx.ID, "fee must be non-negative")
	}

	switch tx.Type {
	case model.TxBuy, model.TxSell:
		if tx.InstrumentID == nil || *tx.InstrumentID == "" {
			return missing(tx.ID, "instrument_id")
		}
		if tx.Quantity == nil {
			return missing(tx.ID, "quantity")
		}
		if tx.Price == nil {
			return missing(tx.ID, "price")
		}
		if tx.Amount != nil {
			return invalid(tx.ID, fmt.Sprintf("amount is derived for %s", tx.Type))
		}
		if tx.Quantity.IsNegative() {
			return invalid(tx.ID, "quantity must be non-negative")
		}
		if tx.Price.IsNegative() {
			return invalid(tx.ID, "price must be non-negative")
		}
	case model.TxDividend, model.TxFee, model.TxDeposit, model.TxWithdrawal:
		if tx.Amount == nil {
			return missing(tx.ID, "amount")
		}
		if tx.InstrumentID != nil || tx.Quantity != nil || tx.Price != nil {
			return invalid(tx.ID, fmt.Sprintf("%s takes only an amount", tx.Type))
		}
		if tx.Amount.IsNegative() {
			return invalid(tx.ID, "amount must be non-negative")
		}
	default:
		return invalid(tx.ID, fmt.Sprintf("unknown type %q", tx.Type))
	}
	return nil
}

// ValidateEdit checks that replacing (or appending) edited keeps every
// affected account's history replayable. The full history of each affected
// account is replayed from inception, so an intermediate oversell anywhere
// after the edit fails even if the final state would be non-negative.
func ValidateEdit(history []model.Transaction, edited model.Transaction) error {
	if err := Validate(edited); err != nil {
		return err
	}

	affected := map[string]bool{edited.AccountID: true}
	next := make([]model.Transaction, 0, len(history)+1)
	replaced := false
	for _, tx := range history {
		if tx.ID == edited.ID {
			affected[tx.AccountID] = true
			next = append(next, edited)
			replaced = true
			continue
		}
		next = append(next, tx)
	}
	if !replaced {
		next = append(next, edited)
	}

	accounts := make([]string, 0, len(affected))
	for a := range affected {
		accounts = append(accounts, a)
	}
	sort.Strings(accounts)

	for _, account := range accounts {
		var scoped []model.Transaction
		for _, tx := range next {
			if tx.AccountID == account {
				scoped = append(scoped, tx)
			}
		}
		if _, err := Replay(SortForReplay(scoped)); err != nil {
			return fmt.Errorf("account %s: %w", account, err)
		}
	}
	return nil
}
