package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Stake is one immutable ledger entry. Seq is assigned per market in
// recording order.
type Stake struct {
	MarketID  string    `json:"market_id"`
	Seq       int64     `json:"seq"`
	Account   string    `json:"account"`
	Option    int       `json:"option"`
	Amount    int64     `json:"amount"`
	CreatedAt time.Time `json:"created_at"`
}

// StakeReceipt is returned after a stake is recorded.
type StakeReceipt struct {
	Stake       Stake              `json:"stake"`
	Totals      [2]int64           `json:"totals"`
	Percentages [2]decimal.Decimal `json:"percentages"`
}

// Position is one account's balance in a market, per option.
type Position struct {
	MarketID string   `json:"market_id"`
	Account  string   `json:"account"`
	Stakes   [2]int64 `json:"stakes"`
}

// Refund is the amount owed back to one account of a voided market.
type Refund struct {
	MarketID string `json:"market_id"`
	Account  string `json:"account"`
	Amount   int64  `json:"amount"`
}

// Estimate is the projected outcome of a prospective stake at current totals.
type Estimate struct {
	MarketID   string          `json:"market_id"`
	Option     int             `json:"option"`
	Amount     int64           `json:"amount"`
	Payout     int64           `json:"payout"`
	Multiplier decimal.Decimal `json:"multiplier"`
}
