package engine

import (
	"fmt"
	"sort"
	"time"

	"github.com/predictlens/predictlens/internal/domain"
)

// aggregate is the full mutable state of one market.
type aggregate struct {
	market     domain.Market
	ledger     ledger
	votes      voteBook
	resolution *domain.ResolutionRecord
	settlement *domain.Settlement

	// issued holds every custody intent key ever emitted for this market.
	issued map[string]struct{}
	// pending collects intents emitted by the running write.
	pending []domain.CustodyIntent
}

func newAggregate(m domain.Market, budget int64) *aggregate {
	return &aggregate{
		market: m,
		ledger: newLedger(),
		votes:  newVoteBook(budget),
		issued: make(map[string]struct{}),
	}
}

// clone returns a deep copy safe to mutate while readers use the original.
// The resolution record is immutable and shared.
func (a *aggregate) clone() *aggregate {
	c := &aggregate{
		market:     a.market,
		ledger:     a.ledger.clone(),
		votes:      a.votes.clone(),
		resolution: a.resolution,
		issued:     make(map[string]struct{}, len(a.issued)),
	}
	if a.settlement != nil {
		s := *a.settlement
		s.Payouts = make([]domain.Payout, len(a.settlement.Payouts))
		copy(s.Payouts, a.settlement.Payouts)
		c.settlement = &s
	}
	for k := range a.issued {
		c.issued[k] = struct{}{}
	}
	return c
}

// issue records a custody intent unless its key was already emitted.
func (a *aggregate) issue(kind domain.IntentKind, account string, amount, seq int64, now time.Time) {
	if amount <= 0 {
		return
	}
	key := IntentKey(a.market.ID, account, kind, seq)
	if _, ok := a.issued[key]; ok {
		return
	}
	a.issued[key] = struct{}{}
	a.pending = append(a.pending, domain.CustodyIntent{
		Key:       key,
		Kind:      kind,
		MarketID:  a.market.ID,
		Account:   account,
		Amount:    amount,
		Seq:       seq,
		CreatedAt: now,
	})
}

// restore rebuilds an aggregate from persisted rows.
func restore(snap domain.MarketSnapshot, budget int64) (*aggregate, error) {
	if snap.Market.ID == "" {
		return nil, fmt.Errorf("snapshot without market id: %w", domain.ErrInvalidMarket)
	}
	a := newAggregate(snap.Market, budget)

	stakes := append([]domain.Stake(nil), snap.Stakes...)
	sort.Slice(stakes, func(i, j int) bool { return stakes[i].Seq < stakes[j].Seq })
	for _, s := range stakes {
		if err := a.ledger.apply(s); err != nil {
			return nil, err
		}
	}
	if a.ledger.totals != snap.Market.Totals {
		return nil, fmt.Errorf("stake rows sum to %v, market totals are %v: %w",
			a.ledger.totals, snap.Market.Totals, domain.ErrConservation)
	}

	votes := append([]domain.Vote(nil), snap.Votes...)
	sort.SliceStable(votes, func(i, j int) bool { return votes[i].CastAt.Before(votes[j].CastAt) })
	for _, v := range votes {
		a.votes.replay(v)
	}

	a.resolution = snap.Resolution
	if snap.Settlement != nil {
		s := *snap.Settlement
		s.Payouts = append([]domain.Payout(nil), snap.Settlement.Payouts...)
		a.settlement = &s
	}
	if a.market.State == domain.StateResolved || a.market.State == domain.StateClosed || a.market.State == domain.StateVoided {
		a.votes.frozen = true
	}
	for _, k := range snap.Intents {
		a.issued[k] = struct{}{}
	}
	return a, nil
}
