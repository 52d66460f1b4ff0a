package domain

import "time"

// IntentKind names what a custody intent pays for.
type IntentKind string

const (
	IntentStake  IntentKind = "stake"
	IntentRefund IntentKind = "refund"
	IntentPayout IntentKind = "payout"
	IntentFee    IntentKind = "fee"
)

// CustodyIntent asks the token-custody collaborator to move value. Key is the
// idempotency key; custody must execute each key exactly once.
type CustodyIntent struct {
	Key          string     `json:"key"`
	Kind         IntentKind `json:"kind"`
	MarketID     string     `json:"market_id"`
	Account      string     `json:"account"`
	Amount       int64      `json:"amount"`
	Seq          int64      `json:"seq,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	DispatchedAt *time.Time `json:"dispatched_at,omitempty"`
	Signature    string     `json:"signature,omitempty"`
}
