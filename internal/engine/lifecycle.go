package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/predictlens/predictlens/internal/domain"
)

// edges is the lifecycle graph. Anything not listed is illegal.
var edges = map[domain.MarketState][]domain.MarketState{
	domain.StateCreated:   {domain.StateActive, domain.StateVoided},
	domain.StateActive:    {domain.StateLocked, domain.StateVoided},
	domain.StateLocked:    {domain.StateResolving, domain.StateVoided},
	domain.StateResolving: {domain.StateResolved, domain.StateVoided},
	domain.StateResolved:  {domain.StateClosed},
}

// CanTransition reports whether from -> to is an edge of the lifecycle.
func CanTransition(from, to domain.MarketState) bool {
	for _, s := range edges[from] {
		if s == to {
			return true
		}
	}
	return false
}

func transition(m *domain.Market, to domain.MarketState) error {
	if !CanTransition(m.State, to) {
		return &domain.TransitionError{From: m.State, To: to}
	}
	m.State = to
	return nil
}

// EffectiveState is the state a reader should see at now: an Active market
// past its staking end reads as Locked.
func EffectiveState(m domain.Market, now time.Time) domain.MarketState {
	if m.State == domain.StateActive && !now.Before(m.StakingEnd) {
		return domain.StateLocked
	}
	return m.State
}

// advance applies time-driven transitions and reports whether one happened.
func (a *aggregate) advance(now time.Time) bool {
	if EffectiveState(a.market, now) == a.market.State {
		return false
	}
	a.market.State = domain.StateLocked
	return true
}

func validateNewMarket(in domain.NewMarket, now time.Time) error {
	var problems []string
	if strings.TrimSpace(in.Question) == "" {
		problems = append(problems, "question is empty")
	}
	for i, o := range in.Options {
		if strings.TrimSpace(o) == "" {
			problems = append(problems, fmt.Sprintf("option %d label is empty", i))
		}
	}
	if in.Options[0] != "" && in.Options[0] == in.Options[1] {
		problems = append(problems, "option labels must differ")
	}
	if strings.TrimSpace(in.Creator) == "" {
		problems = append(problems, "creator is empty")
	}
	if in.Method != "" && !in.Method.Valid() {
		problems = append(problems, fmt.Sprintf("unknown resolution method %q", in.Method))
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", domain.ErrInvalidMarket, strings.Join(problems, "; "))
	}

	if !in.StakingEnd.After(now) || !in.ResolutionTime.After(now) {
		return fmt.Errorf("%w: window must be in the future", domain.ErrInvalidWindow)
	}
	if !in.StakingEnd.Before(in.ResolutionTime) {
		return fmt.Errorf("%w: staking end %s is not before resolution time %s",
			domain.ErrInvalidWindow, in.StakingEnd.Format(time.RFC3339), in.ResolutionTime.Format(time.RFC3339))
	}
	return nil
}

// Create registers a new market in the Created state.
func (e *Engine) Create(ctx context.Context, in domain.NewMarket, now time.Time) (domain.Market, error) {
	if err := validateNewMarket(in, now); err != nil {
		return domain.Market{}, err
	}
	method := in.Method
	if method == "" {
		method = domain.MethodOracle
	}

	m := domain.Market{
		ID:             e.newID(),
		Question:       strings.TrimSpace(in.Question),
		Description:    in.Description,
		Category:       in.Category,
		Options:        in.Options,
		Creator:        in.Creator,
		CreatorProfile: in.CreatorProfile,
		Method:         method,
		State:          domain.StateCreated,
		WinningOption:  domain.NoOption,
		FallbackOption: domain.NoOption,
		StakingEnd:     in.StakingEnd,
		ResolutionTime: in.ResolutionTime,
		CreatedAt:      now,
		UpdatedAt:      now,
		Version:        1,
	}

	// The id is reserved while the commit runs so the engine lock is not
	// held across the store round trip.
	e.mu.Lock()
	_, exists := e.books[m.ID]
	_, reserved := e.creating[m.ID]
	if exists || reserved {
		e.mu.Unlock()
		return domain.Market{}, fmt.Errorf("engine: market %s: %w", m.ID, domain.ErrAlreadyExists)
	}
	e.creating[m.ID] = struct{}{}
	e.mu.Unlock()

	var err error
	if e.commit != nil {
		change := domain.Change{Event: domain.EventMarketCreated, Market: m, At: now}
		if cerr := e.commit(ctx, change); cerr != nil {
			err = fmt.Errorf("engine: commit %s %s: %w", change.Event, m.ID, cerr)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.creating, m.ID)
	if err != nil {
		return domain.Market{}, err
	}
	e.books[m.ID] = &book{agg: newAggregate(m, e.cfg.VoiceCreditBudget)}
	return m, nil
}

// Activate opens a Created market for staking.
func (e *Engine) Activate(ctx context.Context, id string, now time.Time) (domain.Market, error) {
	return e.mutate(ctx, id, now, func(a *aggregate) (*domain.Change, error) {
		if a.market.State == domain.StateActive {
			return nil, domain.ErrAlreadyActive
		}
		if a.market.State == domain.StateCreated && !now.Before(a.market.StakingEnd) {
			return nil, fmt.Errorf("%w: staking end already passed", domain.ErrInvalidWindow)
		}
		if err := transition(&a.market, domain.StateActive); err != nil {
			return nil, err
		}
		return &domain.Change{Event: domain.EventMarketActivated}, nil
	})
}

// Advance persists time-driven transitions, such as locking an Active market
// whose staking window has ended.
func (e *Engine) Advance(ctx context.Context, id string, now time.Time) (domain.Market, error) {
	return e.mutate(ctx, id, now, func(*aggregate) (*domain.Change, error) {
		return nil, nil
	})
}

// BeginResolution moves a Locked market to Resolving once its resolution time
// has come.
func (e *Engine) BeginResolution(ctx context.Context, id string, now time.Time) (domain.Market, error) {
	return e.mutate(ctx, id, now, func(a *aggregate) (*domain.Change, error) {
		if a.market.State == domain.StateLocked && now.Before(a.market.ResolutionTime) {
			return nil, fmt.Errorf("%w: resolves at %s", domain.ErrTooEarly, a.market.ResolutionTime.Format(time.RFC3339))
		}
		if err := transition(&a.market, domain.StateResolving); err != nil {
			return nil, err
		}
		return &domain.Change{Event: domain.EventResolutionStarted}, nil
	})
}

// Finalize records the oracle outcome of a Resolving market.
func (e *Engine) Finalize(ctx context.Context, id string, option int, now time.Time) (domain.Market, error) {
	return e.mutate(ctx, id, now, func(a *aggregate) (*domain.Change, error) {
		return a.finalize(option, domain.MethodOracle, now)
	})
}

// finalize moves a Resolving market to Resolved and writes its resolution
// record. Votes are frozen from here on.
func (a *aggregate) finalize(option int, method domain.ResolutionMethod, now time.Time) (*domain.Change, error) {
	if a.market.State == domain.StateResolved || a.market.State == domain.StateClosed {
		return nil, domain.ErrAlreadyResolved
	}
	if a.resolution != nil {
		return nil, domain.ErrDuplicateFinalization
	}
	if !domain.ValidOption(option) {
		return nil, domain.ErrInvalidOption
	}
	if err := transition(&a.market, domain.StateResolved); err != nil {
		return nil, err
	}

	rec := &domain.ResolutionRecord{
		MarketID:      a.market.ID,
		Method:        method,
		WinningOption: option,
		FinalizedAt:   now,
	}
	a.votes.frozen = true
	if a.market.Method == domain.MethodQuadraticVote {
		t := a.votes.tally(a.market.ID)
		rec.Tally = &t
	}
	a.market.WinningOption = option
	a.resolution = rec
	return &domain.Change{Event: domain.EventMarketResolved, Resolution: rec}, nil
}

// Void cancels a pre-resolved market. Every account is owed its full stake
// back and a refund intent is issued for each.
func (e *Engine) Void(ctx context.Context, id, reason string, now time.Time) (domain.Market, error) {
	return e.mutate(ctx, id, now, func(a *aggregate) (*domain.Change, error) {
		return a.void(reason, now)
	})
}

func (a *aggregate) void(reason string, now time.Time) (*domain.Change, error) {
	if err := transition(&a.market, domain.StateVoided); err != nil {
		return nil, err
	}
	a.market.VoidReason = reason
	a.votes.frozen = true
	for _, r := range a.ledger.refunds(a.market.ID) {
		a.issue(domain.IntentRefund, r.Account, r.Amount, 0, now)
	}
	return &domain.Change{Event: domain.EventMarketVoided}, nil
}

// Cancel lets the creator void a market nobody has staked on yet.
func (e *Engine) Cancel(ctx context.Context, id, account string, now time.Time) (domain.Market, error) {
	return e.mutate(ctx, id, now, func(a *aggregate) (*domain.Change, error) {
		if a.market.Creator != account {
			return nil, domain.ErrNotCreator
		}
		if len(a.ledger.stakes) > 0 {
			return nil, domain.ErrMarketHasStakes
		}
		return a.void("cancelled by creator", now)
	})
}

// Close retires a Resolved market. The settlement is computed first if no
// one has asked for it yet; payouts stay claimable afterwards.
func (e *Engine) Close(ctx context.Context, id string, now time.Time) (domain.Market, error) {
	return e.mutate(ctx, id, now, func(a *aggregate) (*domain.Change, error) {
		if err := transition(&a.market, domain.StateClosed); err != nil {
			return nil, err
		}
		change := &domain.Change{Event: domain.EventMarketClosed}
		if a.settlement == nil {
			s, err := a.settle(e.cfg, now)
			if err != nil {
				return nil, err
			}
			change.Settlement = s
		}
		return change, nil
	})
}

// SetFallback records the option a quadratic market resolves to on a tie.
func (e *Engine) SetFallback(ctx context.Context, id string, option int, now time.Time) (domain.Market, error) {
	if !domain.ValidOption(option) {
		return domain.Market{}, domain.ErrInvalidOption
	}
	return e.mutate(ctx, id, now, func(a *aggregate) (*domain.Change, error) {
		if a.market.Method != domain.MethodQuadraticVote {
			return nil, domain.ErrNotQuadraticMarket
		}
		switch {
		case a.market.State == domain.StateResolved || a.market.State == domain.StateClosed:
			return nil, domain.ErrAlreadyResolved
		case !a.market.State.PreResolved():
			return nil, fmt.Errorf("fallback on %s market: %w", a.market.State, domain.ErrIllegalTransition)
		}
		if a.market.FallbackOption == option {
			return nil, nil
		}
		a.market.FallbackOption = option
		return &domain.Change{Event: domain.EventFallbackSet}, nil
	})
}

// View returns the market as seen at now.
func (e *Engine) View(id string, now time.Time) (domain.Market, error) {
	var m domain.Market
	err := e.read(id, func(a *aggregate) error {
		m = a.market
		m.State = EffectiveState(m, now)
		return nil
	})
	return m, err
}

// mutate runs a write and returns the resulting market.
func (e *Engine) mutate(ctx context.Context, id string, now time.Time, fn func(a *aggregate) (*domain.Change, error)) (domain.Market, error) {
	var next *aggregate
	err := e.write(ctx, id, now, func(a *aggregate) (*domain.Change, error) {
		next = a
		return fn(a)
	})
	if err != nil {
		return domain.Market{}, err
	}
	return next.market, nil
}
