package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/predictlens/predictlens/internal/domain"
)

type balanceKey struct {
	account string
	option  int
}

// ledger is the append-only stake book of one market.
type ledger struct {
	stakes   []domain.Stake
	balances map[balanceKey]int64
	totals   [2]int64
	accounts map[string]struct{}
}

func newLedger() ledger {
	return ledger{
		balances: make(map[balanceKey]int64),
		accounts: make(map[string]struct{}),
	}
}

func (l ledger) clone() ledger {
	c := ledger{
		stakes:   make([]domain.Stake, len(l.stakes), len(l.stakes)+1),
		balances: make(map[balanceKey]int64, len(l.balances)),
		totals:   l.totals,
		accounts: make(map[string]struct{}, len(l.accounts)),
	}
	copy(c.stakes, l.stakes)
	for k, v := range l.balances {
		c.balances[k] = v
	}
	for k := range l.accounts {
		c.accounts[k] = struct{}{}
	}
	return c
}

// apply appends s, checking every running sum for overflow first.
func (l *ledger) apply(s domain.Stake) error {
	if !domain.ValidOption(s.Option) {
		return domain.ErrInvalidOption
	}
	if s.Amount <= 0 {
		return domain.ErrZeroAmount
	}
	optTotal, err := addAmount(l.totals[s.Option], s.Amount)
	if err != nil {
		return err
	}
	if _, err := addAmount(l.totals[0]+l.totals[1], s.Amount); err != nil {
		return err
	}
	k := balanceKey{account: s.Account, option: s.Option}
	l.balances[k] += s.Amount
	l.totals[s.Option] = optTotal
	l.accounts[s.Account] = struct{}{}
	l.stakes = append(l.stakes, s)
	return nil
}

func (l *ledger) nextSeq() int64 {
	return int64(len(l.stakes)) + 1
}

func (l *ledger) position(account string) [2]int64 {
	return [2]int64{
		l.balances[balanceKey{account: account, option: 0}],
		l.balances[balanceKey{account: account, option: 1}],
	}
}

// positions returns every account's balance, sorted by account.
func (l *ledger) positions(marketID string) []domain.Position {
	out := make([]domain.Position, 0, len(l.accounts))
	for acct := range l.accounts {
		out = append(out, domain.Position{
			MarketID: marketID,
			Account:  acct,
			Stakes:   l.position(acct),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Account < out[j].Account })
	return out
}

// refunds returns the full amount each account staked, sorted by account.
func (l *ledger) refunds(marketID string) []domain.Refund {
	positions := l.positions(marketID)
	out := make([]domain.Refund, 0, len(positions))
	for _, p := range positions {
		out = append(out, domain.Refund{
			MarketID: marketID,
			Account:  p.Account,
			Amount:   p.Stakes[0] + p.Stakes[1],
		})
	}
	return out
}

// percentages splits totals into display percentages rounded to 2 places.
func percentages(totals [2]int64) [2]decimal.Decimal {
	sum := decimal.NewFromInt(totals[0]).Add(decimal.NewFromInt(totals[1]))
	if sum.IsZero() {
		return [2]decimal.Decimal{decimal.Zero, decimal.Zero}
	}
	hundred := decimal.NewFromInt(100)
	return [2]decimal.Decimal{
		decimal.NewFromInt(totals[0]).Mul(hundred).Div(sum).Round(2),
		decimal.NewFromInt(totals[1]).Mul(hundred).Div(sum).Round(2),
	}
}

// RecordStake adds amount to account's balance on option. The market must be
// Active and before its staking end.
func (e *Engine) RecordStake(ctx context.Context, id, account string, option int, amount int64, now time.Time) (domain.StakeReceipt, error) {
	if amount <= 0 {
		return domain.StakeReceipt{}, domain.ErrZeroAmount
	}
	if !domain.ValidOption(option) {
		return domain.StakeReceipt{}, domain.ErrInvalidOption
	}
	if account == "" {
		return domain.StakeReceipt{}, domain.ErrInvalidAccount
	}

	var receipt domain.StakeReceipt
	err := e.write(ctx, id, now, func(a *aggregate) (*domain.Change, error) {
		switch a.market.State {
		case domain.StateActive:
		case domain.StateLocked:
			return nil, domain.ErrStakingClosed
		default:
			return nil, fmt.Errorf("%w: market is %s", domain.ErrMarketNotAcceptingStakes, a.market.State)
		}
		if amount < e.cfg.MinimumStake {
			return nil, fmt.Errorf("%w: minimum is %d", domain.ErrBelowMinimumStake, e.cfg.MinimumStake)
		}

		stake := domain.Stake{
			MarketID:  a.market.ID,
			Seq:       a.ledger.nextSeq(),
			Account:   account,
			Option:    option,
			Amount:    amount,
			CreatedAt: now,
		}
		if err := a.ledger.apply(stake); err != nil {
			return nil, err
		}
		a.market.Totals = a.ledger.totals
		a.market.Participants = len(a.ledger.accounts)
		a.issue(domain.IntentStake, account, amount, stake.Seq, now)

		receipt = domain.StakeReceipt{
			Stake:       stake,
			Totals:      a.ledger.totals,
			Percentages: percentages(a.ledger.totals),
		}
		return &domain.Change{Event: domain.EventStakeRecorded, Stake: &stake}, nil
	})
	if err != nil {
		return domain.StakeReceipt{}, err
	}
	return receipt, nil
}

// Refund returns what every account is owed back from a voided market. The
// list is the same on every call; the matching custody intents were issued
// once, when the market was voided.
func (e *Engine) Refund(id string) ([]domain.Refund, error) {
	var out []domain.Refund
	err := e.read(id, func(a *aggregate) error {
		if a.market.State != domain.StateVoided {
			return fmt.Errorf("%w: market is %s", domain.ErrMarketNotVoided, a.market.State)
		}
		out = a.ledger.refunds(a.market.ID)
		return nil
	})
	return out, err
}

// Stakes returns the market's stake entries, newest first. limit <= 0 means
// all of them.
func (e *Engine) Stakes(id string, limit int) ([]domain.Stake, error) {
	var out []domain.Stake
	err := e.read(id, func(a *aggregate) error {
		n := len(a.ledger.stakes)
		if limit > 0 && limit < n {
			n = limit
		}
		out = make([]domain.Stake, 0, n)
		for i := len(a.ledger.stakes) - 1; i >= 0 && len(out) < n; i-- {
			out = append(out, a.ledger.stakes[i])
		}
		return nil
	})
	return out, err
}

// Position returns one account's per-option balance.
func (e *Engine) Position(id, account string) (domain.Position, error) {
	var out domain.Position
	err := e.read(id, func(a *aggregate) error {
		out = domain.Position{MarketID: a.market.ID, Account: account, Stakes: a.ledger.position(account)}
		return nil
	})
	return out, err
}
