// Package ledger turns an append-only transaction log into cash balances and
// FIFO lot positions. Everything here is pure: no I/O, no logging.
package ledger

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/atmx/portfolio-engine/internal/model"
)

// CashDelta returns the signed change a transaction makes to its account's cash.
//
//	BUY        -(qty*price + fee)
//	SELL         qty*price - fee
//	DIVIDEND   +amount
//	DEPOSIT    +amount
//	FEE        -amount
//	WITHDRAWAL -amount
func CashDelta(tx model.Transaction) (decimal.Decimal, error) {
	switch tx.Type {
	case model.TxBuy:
		gross, err := tradeGross(tx)
		if err != nil {
			return decimal.Zero, err
		}
		return gross.Add(tx.Fee).Neg(), nil
	case model.TxSell:
		gross, err := tradeGross(tx)
		if err != nil {
			return decimal.Zero, err
		}
		return gross.Sub(tx.Fee), nil
	case model.TxDividend, model.TxDeposit:
		if tx.Amount == nil {
			return decimal.Zero, missing(tx.ID, "amount")
		}
		return *tx.Amount, nil
	case model.TxFee, model.TxWithdrawal:
		if tx.Amount == nil {
			return decimal.Zero, missing(tx.ID, "amount")
		}
		return tx.Amount.Neg(), nil
	}
	return decimal.Zero, invalid(tx.ID, fmt.Sprintf("unknown type %q", tx.Type))
}

func tradeGross(tx model.Transaction) (decimal.Decimal, error) {
	if tx.Quantity == nil {
		return decimal.Zero, missing(tx.ID, "quantity")
	}
	if tx.Price == nil {
		return decimal.Zero, missing(tx.ID, "price")
	}
	return tx.Quantity.Mul(*tx.Price), nil
}

// SortForReplay orders transactions by trade date, then creation time, then id.
// The input slice is not modified.
func SortForReplay(txs []model.Transaction) []model.Transaction {
	out := make([]model.Transaction, len(txs))
	copy(out, txs)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if da, db := model.Day(a.TradeDate), model.Day(b.TradeDate); !da.Equal(db) {
			return da.Before(db)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return strings.Compare(a.ID, b.ID) < 0
	})
	return out
}
