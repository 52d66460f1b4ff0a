package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/predictlens/predictlens/internal/domain"
)

// voteBook accumulates quadratic votes for one market.
type voteBook struct {
	budget int64
	voters map[string]domain.VoterTally
	sums   [2]int64
	spent  int64
	frozen bool
}

func newVoteBook(budget int64) voteBook {
	return voteBook{budget: budget, voters: make(map[string]domain.VoterTally)}
}

func (v voteBook) clone() voteBook {
	c := v
	c.voters = make(map[string]domain.VoterTally, len(v.voters))
	for k, t := range v.voters {
		c.voters[k] = t
	}
	return c
}

func (v *voteBook) voter(name string) domain.VoterTally {
	t, ok := v.voters[name]
	if !ok {
		t = domain.VoterTally{Voter: name, Budget: v.budget}
	}
	return t
}

// cast charges count^2 credits to voter and records the vote. Nothing changes
// on error.
func (v *voteBook) cast(marketID, voter string, option int, count int64, now time.Time) (domain.Vote, error) {
	t := v.voter(voter)
	// count > budget already implies count^2 > budget and keeps the square in range.
	if count > t.Budget {
		return domain.Vote{}, fmt.Errorf("%w: %d votes cost %d^2, budget is %d",
			domain.ErrInsufficientVoiceCredits, count, count, t.Budget)
	}
	cost, err := mulAmount(count, count)
	if err != nil {
		return domain.Vote{}, err
	}
	if cost > t.Remaining() {
		return domain.Vote{}, fmt.Errorf("%w: cost %d, remaining %d",
			domain.ErrInsufficientVoiceCredits, cost, t.Remaining())
	}

	vote := domain.Vote{
		MarketID: marketID,
		Voter:    voter,
		Option:   option,
		Count:    count,
		Cost:     cost,
		CastAt:   now,
	}
	v.replay(vote)
	return vote, nil
}

// replay applies a vote that was already accepted.
func (v *voteBook) replay(vote domain.Vote) {
	if !domain.ValidOption(vote.Option) {
		return
	}
	t := v.voter(vote.Voter)
	t.Counts[vote.Option] += vote.Count
	t.Spent += vote.Cost
	v.voters[vote.Voter] = t
	v.sums[vote.Option] += vote.Count
	v.spent += vote.Cost
}

// tally sums counts per option. The leader needs a strictly greater sum;
// equal sums are a tie whatever order the votes came in.
func (v *voteBook) tally(marketID string) domain.Tally {
	t := domain.Tally{
		MarketID: marketID,
		Sums:     v.sums,
		Voters:   len(v.voters),
		Spent:    v.spent,
		Leader:   domain.NoOption,
		Frozen:   v.frozen,
	}
	switch {
	case v.sums[0] > v.sums[1]:
		t.Leader = 0
	case v.sums[1] > v.sums[0]:
		t.Leader = 1
	default:
		t.Tied = true
	}
	return t
}

// CastVote spends count^2 of voter's credits on option. Voting is open while
// the market is Resolving.
func (e *Engine) CastVote(ctx context.Context, id, voter string, option int, count int64, now time.Time) (domain.Vote, domain.VoterTally, error) {
	if count < 1 {
		return domain.Vote{}, domain.VoterTally{}, domain.ErrInvalidVoteCount
	}
	if !domain.ValidOption(option) {
		return domain.Vote{}, domain.VoterTally{}, domain.ErrInvalidOption
	}
	if voter == "" {
		return domain.Vote{}, domain.VoterTally{}, domain.ErrInvalidAccount
	}

	var (
		vote  domain.Vote
		tally domain.VoterTally
	)
	err := e.write(ctx, id, now, func(a *aggregate) (*domain.Change, error) {
		if a.market.Method != domain.MethodQuadraticVote {
			return nil, domain.ErrNotQuadraticMarket
		}
		if a.votes.frozen {
			return nil, domain.ErrVotingClosed
		}
		switch a.market.State {
		case domain.StateResolving:
		case domain.StateResolved, domain.StateClosed, domain.StateVoided:
			return nil, domain.ErrVotingClosed
		default:
			return nil, fmt.Errorf("%w: market is %s", domain.ErrVotingNotOpen, a.market.State)
		}

		var err error
		vote, err = a.votes.cast(a.market.ID, voter, option, count, now)
		if err != nil {
			return nil, err
		}
		tally = a.votes.voter(voter)
		return &domain.Change{Event: domain.EventVoteCast, Vote: &vote}, nil
	})
	if err != nil {
		return domain.Vote{}, domain.VoterTally{}, err
	}
	return vote, tally, nil
}

// Tally returns the current vote sums of a quadratic market.
func (e *Engine) Tally(id string) (domain.Tally, error) {
	var t domain.Tally
	err := e.read(id, func(a *aggregate) error {
		if a.market.Method != domain.MethodQuadraticVote {
			return domain.ErrNotQuadraticMarket
		}
		t = a.votes.tally(a.market.ID)
		return nil
	})
	return t, err
}

// Voter returns one voter's spend and remaining budget.
func (e *Engine) Voter(id, voter string) (domain.VoterTally, error) {
	var t domain.VoterTally
	err := e.read(id, func(a *aggregate) error {
		if a.market.Method != domain.MethodQuadraticVote {
			return domain.ErrNotQuadraticMarket
		}
		t = a.votes.voter(voter)
		return nil
	})
	return t, err
}

// ResolveByVote closes voting and resolves the market from the tally. A tie
// falls back to the oracle option when one was set and voids the market
// otherwise.
func (e *Engine) ResolveByVote(ctx context.Context, id string, now time.Time) (domain.Market, domain.Tally, error) {
	var t domain.Tally
	m, err := e.mutate(ctx, id, now, func(a *aggregate) (*domain.Change, error) {
		if a.market.Method != domain.MethodQuadraticVote {
			return nil, domain.ErrNotQuadraticMarket
		}
		if a.market.State == domain.StateResolved || a.market.State == domain.StateClosed {
			return nil, domain.ErrAlreadyResolved
		}
		if a.market.State != domain.StateResolving {
			return nil, &domain.TransitionError{From: a.market.State, To: domain.StateResolved}
		}

		t = a.votes.tally(a.market.ID)
		t.Frozen = true
		switch {
		case !t.Tied:
			return a.finalize(t.Leader, domain.MethodQuadraticVote, now)
		case domain.ValidOption(a.market.FallbackOption):
			return a.finalize(a.market.FallbackOption, domain.MethodOracle, now)
		default:
			return a.void("quadratic tie", now)
		}
	})
	if err != nil {
		return domain.Market{}, domain.Tally{}, err
	}
	return m, t, nil
}
