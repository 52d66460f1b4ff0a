package domain

import "time"

// MarketEvent is published on the signal bus after a committed change.
type MarketEvent struct {
	Type     string      `json:"type"`
	MarketID string      `json:"market_id"`
	State    MarketState `json:"state"`
	Account  string      `json:"account,omitempty"`
	Option   int         `json:"option"`
	Amount   int64       `json:"amount,omitempty"`
	Totals   [2]int64    `json:"totals"`
	Version  int64       `json:"version"`
	At       time.Time   `json:"at"`
}

// Event types.
const (
	EventMarketCreated     = "market_created"
	EventMarketActivated   = "market_activated"
	EventMarketLocked      = "market_locked"
	EventStakeRecorded     = "stake_recorded"
	EventVoteCast          = "vote_cast"
	EventResolutionStarted = "resolution_started"
	EventMarketResolved    = "market_resolved"
	EventMarketVoided      = "market_voided"
	EventMarketClosed      = "market_closed"
	EventFallbackSet       = "fallback_set"
	EventSettled           = "market_settled"
	EventPayoutClaimed     = "payout_claimed"
)

// Change is one committed mutation of a market aggregate. Market carries the
// post-state; PrevVersion is the version the write was based on (0 for a
// new market). The optional fields carry the rows the change appends.
type Change struct {
	Event       string
	Market      Market
	PrevVersion int64
	Stake       *Stake
	Vote        *Vote
	Resolution  *ResolutionRecord
	Settlement  *Settlement
	Claimed     *Payout
	Intents     []CustodyIntent
	At          time.Time
}
