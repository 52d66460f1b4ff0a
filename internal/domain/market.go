package domain

import "time"

// MarketState is a market's position in the lifecycle.
type MarketState string

const (
	StateCreated   MarketState = "created"
	StateActive    MarketState = "active"
	StateLocked    MarketState = "locked"
	StateResolving MarketState = "resolving"
	StateResolved  MarketState = "resolved"
	StateClosed    MarketState = "closed"
	StateVoided    MarketState = "voided"
)

// rank orders the forward path. Voided sits outside it.
var stateRank = map[MarketState]int{
	StateCreated:   0,
	StateActive:    1,
	StateLocked:    2,
	StateResolving: 3,
	StateResolved:  4,
	StateClosed:    5,
}

// Rank returns the position of s on the forward path, or -1 for Voided and
// unknown states.
func (s MarketState) Rank() int {
	if r, ok := stateRank[s]; ok {
		return r
	}
	return -1
}

// PreResolved reports whether s is before Resolved on the forward path.
func (s MarketState) PreResolved() bool {
	r := s.Rank()
	return r >= 0 && r < stateRank[StateResolved]
}

// Valid reports whether s is a known state.
func (s MarketState) Valid() bool {
	return s == StateVoided || s.Rank() >= 0
}

// ResolutionMethod selects how a market's outcome is decided.
type ResolutionMethod string

const (
	MethodOracle        ResolutionMethod = "oracle"
	MethodQuadraticVote ResolutionMethod = "quadratic_vote"
)

// Valid reports whether m is a known method.
func (m ResolutionMethod) Valid() bool {
	return m == MethodOracle || m == MethodQuadraticVote
}

// NoOption marks an unset option index.
const NoOption = -1

// Market is one binary-outcome question with a staking and resolution window.
type Market struct {
	ID             string           `json:"id"`
	Question       string           `json:"question"`
	Description    string           `json:"description,omitempty"`
	Category       string           `json:"category,omitempty"`
	Options        [2]string        `json:"options"`
	Creator        string           `json:"creator"`
	CreatorProfile string           `json:"creator_profile,omitempty"`
	Method         ResolutionMethod `json:"resolution_method"`
	State          MarketState      `json:"state"`
	WinningOption  int              `json:"winning_option"`
	FallbackOption int              `json:"fallback_option"`
	Totals         [2]int64         `json:"totals"`
	Participants   int              `json:"participants"`
	VoidReason     string           `json:"void_reason,omitempty"`
	StakingEnd     time.Time        `json:"staking_end"`
	ResolutionTime time.Time        `json:"resolution_time"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
	Version        int64            `json:"version"`
}

// ValidOption reports whether i indexes one of the two outcomes.
func ValidOption(i int) bool {
	return i == 0 || i == 1
}

// NewMarket is the input to market creation.
type NewMarket struct {
	Question    string
	Description string
	Category    string
	Options     [2]string
	Creator     string
	// CreatorProfile is the creator's social profile id, if any.
	CreatorProfile string
	Method         ResolutionMethod
	StakingEnd     time.Time
	ResolutionTime time.Time
}
