package domain

import "time"

// ResolutionRecord fixes a market's winning option. Written once.
type ResolutionRecord struct {
	MarketID      string           `json:"market_id"`
	Method        ResolutionMethod `json:"method"`
	WinningOption int              `json:"winning_option"`
	FinalizedAt   time.Time        `json:"finalized_at"`
	Tally         *Tally           `json:"tally,omitempty"`
}

// Payout is the amount owed to one account of a resolved market.
type Payout struct {
	MarketID  string     `json:"market_id"`
	Account   string     `json:"account"`
	Amount    int64      `json:"amount"`
	Claimed   bool       `json:"claimed"`
	ClaimedAt *time.Time `json:"claimed_at,omitempty"`
}

// ClaimResult is returned by a claim. Replayed is set when the payout was
// already claimed and nothing new was issued.
type ClaimResult struct {
	Payout   Payout `json:"payout"`
	Replayed bool   `json:"replayed"`
}

// Settlement is the full distribution of a resolved market.
// Sum(Payouts.Amount) + FeeResidual == TotalStaked.
type Settlement struct {
	MarketID      string    `json:"market_id"`
	WinningOption int       `json:"winning_option"`
	TotalStaked   int64     `json:"total_staked"`
	WinningPool   int64     `json:"winning_pool"`
	LosingPool    int64     `json:"losing_pool"`
	FeeBps        int64     `json:"fee_bps"`
	Fee           int64     `json:"fee"`
	FeeResidual   int64     `json:"fee_residual"`
	Treasury      string    `json:"treasury"`
	Payouts       []Payout  `json:"payouts"`
	ComputedAt    time.Time `json:"computed_at"`
}

// PayoutFor returns the payout of account, or a zero payout if it has none.
func (s *Settlement) PayoutFor(account string) Payout {
	for _, p := range s.Payouts {
		if p.Account == account {
			return p
		}
	}
	return Payout{MarketID: s.MarketID, Account: account}
}
