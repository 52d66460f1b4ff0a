// Package actionhub adapts social-hub actions to market operations. The hub
// posts an envelope naming an action kind; the adapter validates and
// sanitizes the payload, runs the operation and answers with a result or a
// stable error code.
package actionhub

import (
	"encoding/json"
	"time"
)

// Action kinds.
const (
	KindStake        = "stake"
	KindCreateMarket = "create_market"
	KindVote         = "vote"
	KindClaim        = "claim"
	KindCancelMarket = "cancel_market"
	KindRefund       = "refund"
)

// Envelope is one action from the hub. ID is chosen by the hub and makes
// redelivery safe.
type Envelope struct {
	ID      string          `json:"id" validate:"required,max=128"`
	Kind    string          `json:"kind" validate:"required"`
	Account string          `json:"account" validate:"required,max=128"`
	Payload json.RawMessage `json:"payload"`
}

// Response answers one envelope.
type Response struct {
	ID     string     `json:"id"`
	OK     bool       `json:"ok"`
	Result any        `json:"result,omitempty"`
	Error  *ErrorBody `json:"error,omitempty"`
}

// ErrorBody carries a stable code and a human-readable message.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Option and amount fields are pointers so that "required" only rejects a
// missing field; value checks belong to the engine and keep their own codes.

type StakePayload struct {
	MarketID string `json:"market_id" validate:"required,max=128"`
	Option   *int   `json:"option" validate:"required"`
	Amount   *int64 `json:"amount" validate:"required"`
}

type CreateMarketPayload struct {
	Question       string    `json:"question" validate:"required,max=300"`
	Description    string    `json:"description" validate:"max=2000"`
	Category       string    `json:"category" validate:"max=64"`
	CreatorProfile string    `json:"creator_profile" validate:"max=128"`
	Options        [2]string `json:"options" validate:"dive,required,max=64"`
	Method         string    `json:"resolution_method" validate:"omitempty,oneof=oracle quadratic_vote"`
	StakingEnd     time.Time `json:"staking_end" validate:"required"`
	ResolutionTime time.Time `json:"resolution_time" validate:"required"`
}

type VotePayload struct {
	MarketID string `json:"market_id" validate:"required,max=128"`
	Option   *int   `json:"option" validate:"required"`
	Count    *int64 `json:"count" validate:"required"`
}

// MarketPayload is the payload of claim, cancel_market and refund.
type MarketPayload struct {
	MarketID string `json:"market_id" validate:"required,max=128"`
}
