package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrRateLimited   = errors.New("rate limited")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrSigningFailed = errors.New("signing failed")
	ErrLockHeld      = errors.New("lock already held")

	// Lifecycle.
	ErrMarketNotFound        = errors.New("market not found")
	ErrInvalidAccount        = errors.New("account identity required")
	ErrInvalidMarket         = errors.New("invalid market definition")
	ErrInvalidWindow         = errors.New("invalid staking/resolution window")
	ErrIllegalTransition     = errors.New("illegal state transition")
	ErrAlreadyActive         = errors.New("market already active")
	ErrTooEarly              = errors.New("resolution time not reached")
	ErrAlreadyResolved       = errors.New("market already resolved")
	ErrDuplicateFinalization = errors.New("resolution already recorded")
	ErrNotCreator            = errors.New("only the market creator may do this")
	ErrMarketHasStakes       = errors.New("market already has stakes")
	ErrMarketNotVoided       = errors.New("market is not voided")
	ErrMarketNotResolved     = errors.New("market is not resolved")
	ErrVersionConflict       = errors.New("market version conflict")
	ErrMarketBusy            = errors.New("market is busy")

	// Ledger and settlement.
	ErrMarketNotAcceptingStakes = errors.New("market not accepting stakes")
	ErrStakingClosed            = errors.New("staking closed")
	ErrZeroAmount               = errors.New("amount must be positive")
	ErrBelowMinimumStake        = errors.New("amount below minimum stake")
	ErrInvalidOption            = errors.New("option must be 0 or 1")
	ErrAmountOverflow           = errors.New("amount overflow")
	ErrConservation             = errors.New("settlement does not conserve stake")

	// Voting.
	ErrInsufficientVoiceCredits = errors.New("insufficient voice credits")
	ErrVotingClosed             = errors.New("voting closed")
	ErrVotingNotOpen            = errors.New("voting not open")
	ErrInvalidVoteCount         = errors.New("vote count must be at least 1")
	ErrNotQuadraticMarket       = errors.New("market does not resolve by vote")
)

// TransitionError reports a lifecycle edge that is not in the state machine.
// It matches ErrIllegalTransition under errors.Is.
type TransitionError struct {
	From MarketState
	To   MarketState
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal state transition %s -> %s", e.From, e.To)
}

// Is lets errors.Is(err, ErrIllegalTransition) succeed.
func (e *TransitionError) Is(target error) bool {
	return target == ErrIllegalTransition
}
