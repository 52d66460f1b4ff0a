package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/predictlens/predictlens/internal/domain"
)

// settle computes the distribution of a resolved market and issues the fee
// intent. Winners get their stake back plus a pro-rata share of the losing
// pool after fee; the fee and every truncation remainder go to the treasury.
func (a *aggregate) settle(cfg Config, now time.Time) (*domain.Settlement, error) {
	win := a.market.WinningOption
	if !domain.ValidOption(win) {
		return nil, fmt.Errorf("settle %s: %w", a.market.ID, domain.ErrMarketNotResolved)
	}
	s, err := distribute(a.market.ID, win, a.ledger.positions(a.market.ID), a.ledger.totals, cfg.FeeBps)
	if err != nil {
		return nil, fmt.Errorf("settle %s: %w", a.market.ID, err)
	}
	s.Treasury = cfg.Treasury
	s.ComputedAt = now

	a.settlement = s
	a.issue(domain.IntentFee, cfg.Treasury, s.FeeResidual, 0, now)
	return s, nil
}

// distribute is the pure settlement arithmetic.
func distribute(marketID string, win int, positions []domain.Position, totals [2]int64, feeBps int64) (*domain.Settlement, error) {
	total, err := addAmount(totals[0], totals[1])
	if err != nil {
		return nil, err
	}
	winning, losing := totals[win], totals[1-win]

	s := &domain.Settlement{
		MarketID:      marketID,
		WinningOption: win,
		TotalStaked:   total,
		WinningPool:   winning,
		LosingPool:    losing,
		FeeBps:        feeBps,
	}
	if s.Fee, err = mulDiv(losing, feeBps, maxFeeBps); err != nil {
		return nil, err
	}

	var paid int64
	if winning > 0 {
		distributable := losing - s.Fee
		for _, p := range positions {
			stake := p.Stakes[win]
			if stake == 0 {
				continue
			}
			share, err := mulDiv(stake, distributable, winning)
			if err != nil {
				return nil, err
			}
			amount, err := addAmount(stake, share)
			if err != nil {
				return nil, err
			}
			s.Payouts = append(s.Payouts, domain.Payout{
				MarketID: marketID,
				Account:  p.Account,
				Amount:   amount,
			})
			if paid, err = addAmount(paid, amount); err != nil {
				return nil, err
			}
		}
	}
	s.FeeResidual = total - paid

	if s.FeeResidual < s.Fee || paid+s.FeeResidual != total {
		return nil, fmt.Errorf("%w: paid %d residual %d total %d", domain.ErrConservation, paid, s.FeeResidual, total)
	}
	return s, nil
}

func resolvedForPayout(m domain.Market) error {
	if m.State != domain.StateResolved && m.State != domain.StateClosed {
		return fmt.Errorf("%w: market is %s", domain.ErrMarketNotResolved, m.State)
	}
	return nil
}

// Settlement returns the full distribution of a resolved market, computing
// and persisting it on first use.
func (e *Engine) Settlement(ctx context.Context, id string, now time.Time) (domain.Settlement, error) {
	var out domain.Settlement
	err := e.read(id, func(a *aggregate) error {
		if err := resolvedForPayout(a.market); err != nil {
			return err
		}
		if a.settlement != nil {
			out = copySettlement(a.settlement)
		}
		return nil
	})
	if err != nil {
		return domain.Settlement{}, err
	}
	if out.MarketID != "" {
		return out, nil
	}

	err = e.write(ctx, id, now, func(a *aggregate) (*domain.Change, error) {
		if err := resolvedForPayout(a.market); err != nil {
			return nil, err
		}
		if a.settlement != nil {
			out = copySettlement(a.settlement)
			return nil, nil
		}
		s, err := a.settle(e.cfg, now)
		if err != nil {
			return nil, err
		}
		out = copySettlement(s)
		return &domain.Change{Event: domain.EventSettled, Settlement: s}, nil
	})
	return out, err
}

// Payout returns what account is owed by a resolved market. Losing and
// unknown accounts are owed 0.
func (e *Engine) Payout(ctx context.Context, id, account string, now time.Time) (domain.Payout, error) {
	s, err := e.Settlement(ctx, id, now)
	if err != nil {
		return domain.Payout{}, err
	}
	return s.PayoutFor(account), nil
}

// Claim marks account's payout as claimed and issues its payout intent. A
// repeated claim returns the same payout with Replayed set and changes
// nothing.
func (e *Engine) Claim(ctx context.Context, id, account string, now time.Time) (domain.ClaimResult, error) {
	if account == "" {
		return domain.ClaimResult{}, domain.ErrInvalidAccount
	}
	var res domain.ClaimResult
	err := e.write(ctx, id, now, func(a *aggregate) (*domain.Change, error) {
		if err := resolvedForPayout(a.market); err != nil {
			return nil, err
		}
		var settled *domain.Settlement
		if a.settlement == nil {
			s, err := a.settle(e.cfg, now)
			if err != nil {
				return nil, err
			}
			settled = s
		}

		idx := -1
		for i, p := range a.settlement.Payouts {
			if p.Account == account {
				idx = i
				break
			}
		}
		if idx < 0 || a.settlement.Payouts[idx].Amount == 0 || a.settlement.Payouts[idx].Claimed {
			res = domain.ClaimResult{Payout: a.settlement.PayoutFor(account)}
			res.Replayed = res.Payout.Claimed
			if settled != nil {
				return &domain.Change{Event: domain.EventSettled, Settlement: settled}, nil
			}
			return nil, nil
		}

		claimedAt := now
		p := &a.settlement.Payouts[idx]
		p.Claimed = true
		p.ClaimedAt = &claimedAt
		a.issue(domain.IntentPayout, account, p.Amount, 0, now)

		claimed := *p
		res = domain.ClaimResult{Payout: claimed}
		return &domain.Change{Event: domain.EventPayoutClaimed, Settlement: settled, Claimed: &claimed}, nil
	})
	if err != nil {
		return domain.ClaimResult{}, err
	}
	return res, nil
}

// Estimate projects the payout of staking amount on option if that option
// won at the current totals, after fee.
func (e *Engine) Estimate(id string, option int, amount int64) (domain.Estimate, error) {
	if amount <= 0 {
		return domain.Estimate{}, domain.ErrZeroAmount
	}
	if !domain.ValidOption(option) {
		return domain.Estimate{}, domain.ErrInvalidOption
	}
	var out domain.Estimate
	err := e.read(id, func(a *aggregate) error {
		winning, err := addAmount(a.ledger.totals[option], amount)
		if err != nil {
			return err
		}
		losing := a.ledger.totals[1-option]
		fee, err := mulDiv(losing, e.cfg.FeeBps, maxFeeBps)
		if err != nil {
			return err
		}
		share, err := mulDiv(amount, losing-fee, winning)
		if err != nil {
			return err
		}
		payout, err := addAmount(amount, share)
		if err != nil {
			return err
		}
		out = domain.Estimate{
			MarketID:   a.market.ID,
			Option:     option,
			Amount:     amount,
			Payout:     payout,
			Multiplier: decimal.NewFromInt(payout).Div(decimal.NewFromInt(amount)).Round(4),
		}
		return nil
	})
	return out, err
}

func copySettlement(s *domain.Settlement) domain.Settlement {
	out := *s
	out.Payouts = make([]domain.Payout, len(s.Payouts))
	copy(out.Payouts, s.Payouts)
	return out
}
