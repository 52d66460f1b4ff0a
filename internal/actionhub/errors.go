package actionhub

import (
	"errors"

	"github.com/predictlens/predictlens/internal/domain"
)

// Error codes returned to the hub.
const (
	CodeInvalidEnvelope  = "INVALID_ENVELOPE"
	CodeInvalidPayload   = "INVALID_PAYLOAD"
	CodeUnknownKind      = "UNKNOWN_KIND"
	CodeInternal         = "INTERNAL"
	internalErrorMessage = "internal error"
)

// codes maps domain errors to their wire codes. Order matters only where one
// error wraps another; none of these do.
var codes = []struct {
	err  error
	code string
}{
	{domain.ErrInvalidWindow, "INVALID_WINDOW"},
	{domain.ErrInvalidMarket, "INVALID_MARKET"},
	{domain.ErrIllegalTransition, "ILLEGAL_TRANSITION"},
	{domain.ErrAlreadyActive, "ALREADY_ACTIVE"},
	{domain.ErrStakingClosed, "STAKING_CLOSED"},
	{domain.ErrMarketNotAcceptingStakes, "MARKET_NOT_ACCEPTING_STAKES"},
	{domain.ErrZeroAmount, "ZERO_AMOUNT"},
	{domain.ErrBelowMinimumStake, "BELOW_MINIMUM_STAKE"},
	{domain.ErrInvalidOption, "INVALID_OPTION"},
	{domain.ErrInvalidAccount, "INVALID_ACCOUNT"},
	{domain.ErrAmountOverflow, "AMOUNT_OVERFLOW"},
	{domain.ErrTooEarly, "TOO_EARLY"},
	{domain.ErrAlreadyResolved, "ALREADY_RESOLVED"},
	{domain.ErrDuplicateFinalization, "DUPLICATE_FINALIZATION"},
	{domain.ErrInsufficientVoiceCredits, "INSUFFICIENT_VOICE_CREDITS"},
	{domain.ErrVotingClosed, "VOTING_CLOSED"},
	{domain.ErrVotingNotOpen, "VOTING_NOT_OPEN"},
	{domain.ErrInvalidVoteCount, "INVALID_VOTE_COUNT"},
	{domain.ErrNotQuadraticMarket, "NOT_QUADRATIC_MARKET"},
	{domain.ErrMarketNotFound, "MARKET_NOT_FOUND"},
	{domain.ErrNotCreator, "NOT_CREATOR"},
	{domain.ErrMarketHasStakes, "MARKET_HAS_STAKES"},
	{domain.ErrMarketNotVoided, "MARKET_NOT_VOIDED"},
	{domain.ErrMarketNotResolved, "MARKET_NOT_RESOLVED"},
	{domain.ErrMarketBusy, "MARKET_BUSY"},
	{domain.ErrVersionConflict, "VERSION_CONFLICT"},
	{domain.ErrRateLimited, "RATE_LIMITED"},
}

// Code returns the wire code of err, or CodeInternal when it is not a
// known domain error.
func Code(err error) string {
	code, _ := classify(err)
	return code
}

func classify(err error) (code string, message string) {
	var te *domain.TransitionError
	if errors.As(err, &te) {
		return "ILLEGAL_TRANSITION", te.Error()
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code, c.err.Error()
		}
	}
	return CodeInternal, internalErrorMessage
}

// errorBody builds the response error from the sentinel's own text so that
// wrapping context never reaches the hub.
func errorBody(err error) *ErrorBody {
	code, msg := classify(err)
	return &ErrorBody{Code: code, Message: msg}
}

// Describe returns the wire code and a client-safe message for err.
func Describe(err error) (code, message string) {
	return classify(err)
}
