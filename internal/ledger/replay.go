package ledger

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/portfolio-engine/internal/model"
)

// Epsilon is the quantity/cash tolerance below which a value counts as zero.
var Epsilon = decimal.New(1, -9)

// lot is one open acquisition. Cost is unit cost with the buy fee folded in.
type lot struct {
	quantity decimal.Decimal
	unitCost decimal.Decimal
}

type lots []lot

func (l lots) quantity() decimal.Decimal {
	total := decimal.Zero
	for _, lt := range l {
		total = total.Add(lt.quantity)
	}
	return total
}

func (l lots) cost() decimal.Decimal {
	total := decimal.Zero
	for _, lt := range l {
		total = total.Add(lt.quantity.Mul(lt.unitCost))
	}
	return total
}

// sell consumes qty front to back, splitting the oldest lot when needed.
// It returns the remaining lots and the cost removed. The caller has already
// checked that qty does not exceed the available quantity.
func (l lots) sell(qty decimal.Decimal) (lots, decimal.Decimal) {
	removed := decimal.Zero
	i := 0
	for ; i < len(l) && qty.GreaterThan(Epsilon); i++ {
		current := l[i]
		if current.quantity.GreaterThan(qty) {
			removed = removed.Add(qty.Mul(current.unitCost))
			l[i].quantity = current.quantity.Sub(qty)
			qty = decimal.Zero
			if l[i].quantity.LessThanOrEqual(Epsilon) {
				i++
			}
			break
		}
		removed = removed.Add(current.quantity.Mul(current.unitCost))
		qty = qty.Sub(current.quantity)
	}
	return l[i:], removed
}

type positionKey struct {
	account    string
	instrument string
}

type positionState struct {
	lots     lots
	realized decimal.Decimal
}

// Result is the folded state of an ordered transaction sequence.
type Result struct {
	// Cash per account, including accounts whose balance nets to zero.
	Cash map[string]decimal.Decimal
	// Income is dividends minus fees per account.
	Income map[string]decimal.Decimal
	// Positions holds open positions sorted by account then instrument.
	Positions []model.Position
	// TradeRealized is realized trade P&L per account, closed positions included.
	TradeRealized map[string]decimal.Decimal
}

// RealizedPnL returns trade realized P&L plus income across all accounts.
func (r *Result) RealizedPnL() decimal.Decimal {
	total := decimal.Zero
	for _, v := range r.TradeRealized {
		total = total.Add(v)
	}
	for _, v := range r.Income {
		total = total.Add(v)
	}
	return total
}

// Accounts returns every account seen during replay, sorted.
func (r *Result) Accounts() []string {
	accounts := make([]string, 0, len(r.Cash))
	for a := range r.Cash {
		accounts = append(accounts, a)
	}
	sort.Strings(accounts)
	return accounts
}

// Filter keeps transactions dated on or before through, optionally for one
// account, and returns them in replay order.
func Filter(txs []model.Transaction, accountID string, through time.Time) []model.Transaction {
	cutoff := model.Day(through)
	kept := make([]model.Transaction, 0, len(txs))
	for _, tx := range txs {
		if accountID != "" && tx.AccountID != accountID {
			continue
		}
		if model.Day(tx.TradeDate).After(cutoff) {
			continue
		}
		kept = append(kept, tx)
	}
	return SortForReplay(kept)
}

// Replay folds an ordered transaction sequence into cash balances and FIFO
// positions. A SELL exceeding the open quantity aborts with ErrInsufficientLots.
func Replay(ordered []model.Transaction) (*Result, error) {
	res := &Result{
		Cash:          make(map[string]decimal.Decimal),
		Income:        make(map[string]decimal.Decimal),
		TradeRealized: make(map[string]decimal.Decimal),
	}
	state := make(map[positionKey]*positionState)

	for _, tx := range ordered {
		delta, err := CashDelta(tx)
		if err != nil {
			return nil, err
		}
		res.Cash[tx.AccountID] = res.Cash[tx.AccountID].Add(delta)

		switch tx.Type {
		case model.TxBuy:
			if tx.InstrumentID == nil {
				return nil, missing(tx.ID, "instrument_id")
			}
			key := positionKey{tx.AccountID, *tx.InstrumentID}
			ps := state[key]
			if ps == nil {
				ps = &positionState{}
				state[key] = ps
			}
			qty := *tx.Quantity
			unitCost := decimal.Zero
			if !qty.IsZero() {
				unitCost = qty.Mul(*tx.Price).Add(tx.Fee).Div(qty)
			}
			ps.lots = append(ps.lots, lot{quantity: qty, unitCost: unitCost})

		case model.TxSell:
			if tx.InstrumentID == nil {
				return nil, missing(tx.ID, "instrument_id")
			}
			key := positionKey{tx.AccountID, *tx.InstrumentID}
			ps := state[key]
			qty := *tx.Quantity
			available := decimal.Zero
			if ps != nil {
				available = ps.lots.quantity()
			}
			if qty.Sub(available).GreaterThan(Epsilon) {
				return nil, &InsufficientLotsError{
					TransactionID: tx.ID,
					AccountID:     tx.AccountID,
					InstrumentID:  *tx.InstrumentID,
					Requested:     qty,
					Available:     available,
				}
			}
			if ps == nil {
				// zero-quantity sell against an empty key
				ps = &positionState{}
				state[key] = ps
			}
			var removed decimal.Decimal
			ps.lots, removed = ps.lots.sell(qty)
			proceeds := qty.Mul(*tx.Price).Sub(tx.Fee)
			realized := proceeds.Sub(removed)
			ps.realized = ps.realized.Add(realized)
			res.TradeRealized[tx.AccountID] = res.TradeRealized[tx.AccountID].Add(realized)

		case model.TxDividend, model.TxFee:
			res.Income[tx.AccountID] = res.Income[tx.AccountID].Add(delta)

		case model.TxDeposit, model.TxWithdrawal:
			// cash only
		}
	}

	for key, ps := range state {
		qty := ps.lots.quantity()
		if qty.LessThanOrEqual(Epsilon) {
			continue
		}
		res.Positions = append(res.Positions, model.Position{
			AccountID:    key.account,
			InstrumentID: key.instrument,
			Quantity:     qty,
			CostBasis:    ps.lots.cost(),
			RealizedPnL:  ps.realized,
		})
	}
	sort.Slice(res.Positions, func(i, j int) bool {
		a, b := res.Positions[i], res.Positions[j]
		if a.AccountID != b.AccountID {
			return a.AccountID < b.AccountID
		}
		return a.InstrumentID < b.InstrumentID
	})
	return res, nil
}
