// Package model defines the core domain types shared across the portfolio engine.
// All monetary values and quantities use shopspring/decimal; ratios (weights,
// returns, coverage) are float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// TxType is the closed set of ledger event kinds. Every switch over TxType
// must handle all six values (checked by the exhaustive linter, see .golangci.yml).
type TxType string

const (
	TxBuy        TxType = "BUY"
	TxSell       TxType = "SELL"
	TxDividend   TxType = "DIVIDEND"
	TxFee        TxType = "FEE"
	TxDeposit    TxType = "DEPOSIT"
	TxWithdrawal TxType = "WITHDRAWAL"
)

// TxTypes lists every transaction type in declaration order.
var TxTypes = []TxType{TxBuy, TxSell, TxDividend, TxFee, TxDeposit, TxWithdrawal}

// IsTrade reports whether the type moves instrument lots.
func (t TxType) IsTrade() bool { return t == TxBuy || t == TxSell }

// IsExternalFlow reports whether the type moves money across the portfolio boundary.
func (t TxType) IsExternalFlow() bool { return t == TxDeposit || t == TxWithdrawal }

// Valid reports whether t is one of the known transaction types.
func (t TxType) Valid() bool {
	for _, v := range TxTypes {
		if v == t {
			return true
		}
	}
	return false
}

// Transaction is an immutable record of one ledger event.
// Trades carry instrument/quantity/price; everything else carries Amount.
type Transaction struct {
	ID           string           `json:"id" db:"id"`
	AccountID    string           `json:"account_id" db:"account_id"`
	InstrumentID *string          `json:"instrument_id,omitempty" db:"instrument_id"`
	Type         TxType           `json:"type" db:"type"`
	TradeDate    time.Time        `json:"trade_date" db:"trade_date"`
	SettleDate   *time.Time       `json:"settle_date,omitempty" db:"settle_date"`
	Quantity     *decimal.Decimal `json:"quantity,omitempty" db:"quantity"`
	Price        *decimal.Decimal `json:"price,omitempty" db:"price"`
	Amount       *decimal.Decimal `json:"amount,omitempty" db:"amount"`
	Fee          decimal.Decimal  `json:"fee" db:"fee"`
	CreatedAt    time.Time        `json:"created_at" db:"created_at"`
	ExternalRef  *string          `json:"external_ref,omitempty" db:"external_ref"`
	Notes        *string          `json:"notes,omitempty" db:"notes"`
}

// Instrument returns the instrument id or "" for non-trade rows.
func (t Transaction) Instrument() string {
	if t.InstrumentID == nil {
		return ""
	}
	return *t.InstrumentID
}

// AssetKind classifies an instrument for presentation and look-through.
type AssetKind string

const (
	KindStock    AssetKind = "STOCK"
	KindETF      AssetKind = "ETF"
	KindBond     AssetKind = "BOND"
	KindFund     AssetKind = "FUND"
	KindCash     AssetKind = "CASH"
	KindUnmapped AssetKind = "UNMAPPED"
	KindOther    AssetKind = "OTHER"
)

// Instrument carries identity plus optional classification metadata.
// A nil metadata field is the "unclassified" state, not an error.
type Instrument struct {
	ID       string    `json:"id" db:"id"`
	Symbol   string    `json:"symbol" db:"symbol"`
	Kind     AssetKind `json:"kind" db:"kind"`
	Currency *string   `json:"currency,omitempty" db:"currency"`
	Country  *string   `json:"country,omitempty" db:"country"`
	Sector   *string   `json:"sector,omitempty" db:"sector"`
	Industry *string   `json:"industry,omitempty" db:"industry"`
}

// Price is a daily close for one instrument.
type Price struct {
	InstrumentID string          `json:"instrument_id" db:"instrument_id"`
	Date         time.Time       `json:"date" db:"date"`
	Close        decimal.Decimal `json:"close" db:"close"`
}

// ConstituentSet is one dated ETF weight dataset (symbol → weight).
type ConstituentSet struct {
	ETFInstrumentID string                     `json:"etf_instrument_id"`
	AsOf            time.Time                  `json:"as_of"`
	Weights         map[string]decimal.Decimal `json:"weights"`
}

// Position is the replayed state of one (account, instrument) key.
type Position struct {
	AccountID    string          `json:"account_id"`
	InstrumentID string          `json:"instrument_id"`
	Quantity     decimal.Decimal `json:"quantity"`
	CostBasis    decimal.Decimal `json:"cost_basis"`   // sum of remaining lot cost
	RealizedPnL  decimal.Decimal `json:"realized_pnl"` // accumulated over all sells
}

// Holding is one presentation row of a snapshot.
type Holding struct {
	AccountID     string          `json:"account_id"`
	InstrumentID  *string         `json:"instrument_id,omitempty"` // nil for CASH and synthetic rows
	Symbol        string          `json:"symbol"`
	Kind          AssetKind       `json:"kind"`
	Quantity      decimal.Decimal `json:"quantity"`
	MarketValue   decimal.Decimal `json:"market_value"`
	WeightPct     float64         `json:"weight_pct"`
	CostBasis     decimal.Decimal `json:"cost_basis"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
}

// Totals aggregates a snapshot.
type Totals struct {
	Cash          decimal.Decimal `json:"cash"`
	MarketValue   decimal.Decimal `json:"market_value"`
	TotalValue    decimal.Decimal `json:"total_value"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
}

// Snapshot is the point-in-time valuation of one scope.
type Snapshot struct {
	AsOf     time.Time `json:"as_of"`
	Totals   Totals    `json:"totals"`
	Holdings []Holding `json:"holdings"`
	Warnings []Warning `json:"warnings"`
}

// DailyValuation is the materialized total row for one (scope, date).
type DailyValuation struct {
	Scope         string          `json:"scope" db:"scope"`
	Date          time.Time       `json:"date" db:"date"`
	Cash          decimal.Decimal `json:"cash" db:"cash"`
	MarketValue   decimal.Decimal `json:"market_value" db:"market_value"`
	TotalValue    decimal.Decimal `json:"total_value" db:"total_value"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl" db:"realized_pnl"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl" db:"unrealized_pnl"`
	WarningCount  int             `json:"warning_count" db:"warning_count"`
}
