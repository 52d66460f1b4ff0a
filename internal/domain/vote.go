package domain

import "time"

// Vote is one quadratic vote call. Cost is Count squared.
type Vote struct {
	MarketID string    `json:"market_id"`
	Voter    string    `json:"voter"`
	Option   int       `json:"option"`
	Count    int64     `json:"count"`
	Cost     int64     `json:"cost"`
	CastAt   time.Time `json:"cast_at"`
}

// VoterTally is one voter's accumulated votes and credit spend in a market.
type VoterTally struct {
	Voter  string   `json:"voter"`
	Counts [2]int64 `json:"counts"`
	Spent  int64    `json:"spent"`
	Budget int64    `json:"budget"`
}

// Remaining returns the voice credits the voter has left.
func (v VoterTally) Remaining() int64 {
	return v.Budget - v.Spent
}

// Tally is the vote summary of a market.
type Tally struct {
	MarketID string   `json:"market_id"`
	Sums     [2]int64 `json:"sums"`
	Voters   int      `json:"voters"`
	Spent    int64    `json:"spent"`
	Leader   int      `json:"leader"`
	Tied     bool     `json:"tied"`
	Frozen   bool     `json:"frozen"`
}
