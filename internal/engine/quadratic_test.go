package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/predictlens/predictlens/internal/domain"
)

var voteTime = t0.Add(2 * time.Hour)

func TestVoteBudget(t *testing.T) {
	e, rec := newTestEngine(t)
	ctx := context.Background()
	id := resolvingMarket(t, e, domain.MethodQuadraticVote, map[string][2]int64{"bob": {10, 10}})

	_, tally, err := e.CastVote(ctx, id, "dave", 0, 9, voteTime)
	require.NoError(t, err)
	assert.Equal(t, int64(81), tally.Spent)

	_, tally, err = e.CastVote(ctx, id, "dave", 0, 2, voteTime)
	require.NoError(t, err)
	assert.Equal(t, int64(85), tally.Spent)
	n := len(rec.changes)

	_, _, err = e.CastVote(ctx, id, "dave", 0, 4, voteTime)
	require.ErrorIs(t, err, domain.ErrInsufficientVoiceCredits)
	assert.Len(t, rec.changes, n)

	got, err := e.Tally(id)
	require.NoError(t, err)
	assert.Equal(t, [2]int64{11, 0}, got.Sums)
	assert.Equal(t, int64(85), got.Spent)

	voter, err := e.Voter(id, "dave")
	require.NoError(t, err)
	assert.Equal(t, int64(15), voter.Remaining())
}

func TestVoteCountAboveBudget(t *testing.T) {
	e, _ := newTestEngine(t)
	id := resolvingMarket(t, e, domain.MethodQuadraticVote, nil)

	_, _, err := e.CastVote(context.Background(), id, "dave", 1, 1<<40, voteTime)
	require.ErrorIs(t, err, domain.ErrInsufficientVoiceCredits)
}

func TestVoteErrors(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	oracle := resolvingMarket(t, e, domain.MethodOracle, nil)
	_, _, err := e.CastVote(ctx, oracle, "dave", 0, 1, voteTime)
	require.ErrorIs(t, err, domain.ErrNotQuadraticMarket)
	_, err = e.Tally(oracle)
	require.ErrorIs(t, err, domain.ErrNotQuadraticMarket)

	early := activeMarket(t, e, domain.MethodQuadraticVote)
	_, _, err = e.CastVote(ctx, early, "dave", 0, 1, t0)
	require.ErrorIs(t, err, domain.ErrVotingNotOpen)

	id := resolvingMarket(t, e, domain.MethodQuadraticVote, nil)
	_, _, err = e.CastVote(ctx, id, "dave", 0, 0, voteTime)
	require.ErrorIs(t, err, domain.ErrInvalidVoteCount)

	_, _, err = e.CastVote(ctx, id, "dave", 0, 5, voteTime)
	require.NoError(t, err)
	_, _, err = e.ResolveByVote(ctx, id, voteTime)
	require.NoError(t, err)
	_, _, err = e.CastVote(ctx, id, "erin", 1, 1, voteTime)
	require.ErrorIs(t, err, domain.ErrVotingClosed)
}

func TestResolveByVoteWinner(t *testing.T) {
	e, rec := newTestEngine(t)
	ctx := context.Background()
	id := resolvingMarket(t, e, domain.MethodQuadraticVote, map[string][2]int64{"bob": {10, 0}, "carol": {0, 10}})

	_, _, err := e.CastVote(ctx, id, "dave", 1, 3, voteTime)
	require.NoError(t, err)
	_, _, err = e.CastVote(ctx, id, "erin", 0, 2, voteTime)
	require.NoError(t, err)

	m, tally, err := e.ResolveByVote(ctx, id, voteTime)
	require.NoError(t, err)
	assert.Equal(t, domain.StateResolved, m.State)
	assert.Equal(t, 1, m.WinningOption)
	assert.Equal(t, 1, tally.Leader)
	assert.False(t, tally.Tied)

	res := rec.last().Resolution
	require.NotNil(t, res)
	assert.Equal(t, domain.MethodQuadraticVote, res.Method)
	require.NotNil(t, res.Tally)
	assert.Equal(t, [2]int64{2, 3}, res.Tally.Sums)
	assert.True(t, res.Tally.Frozen)

	_, _, err = e.ResolveByVote(ctx, id, voteTime)
	require.ErrorIs(t, err, domain.ErrAlreadyResolved)
}

func TestResolveByVoteTieWithoutFallbackVoids(t *testing.T) {
	e, rec := newTestEngine(t)
	ctx := context.Background()
	id := resolvingMarket(t, e, domain.MethodQuadraticVote, map[string][2]int64{"bob": {600, 0}, "carol": {0, 400}})

	_, _, err := e.CastVote(ctx, id, "dave", 0, 5, voteTime)
	require.NoError(t, err)
	_, _, err = e.CastVote(ctx, id, "erin", 1, 5, voteTime)
	require.NoError(t, err)

	m, tally, err := e.ResolveByVote(ctx, id, voteTime)
	require.NoError(t, err)
	assert.True(t, tally.Tied)
	assert.Equal(t, domain.StateVoided, m.State)
	assert.Equal(t, "quadratic tie", m.VoidReason)

	refunds, err := e.Refund(id)
	require.NoError(t, err)
	var refunded int64
	for _, r := range refunds {
		refunded += r.Amount
	}
	assert.Equal(t, int64(1000), refunded)
	for _, in := range rec.last().Intents {
		assert.NotEqual(t, domain.IntentFee, in.Kind)
	}
}

func TestResolveByVoteTieUsesFallback(t *testing.T) {
	e, rec := newTestEngine(t)
	ctx := context.Background()
	id := resolvingMarket(t, e, domain.MethodQuadraticVote, nil)
	_, err := e.SetFallback(ctx, id, 1, voteTime)
	require.NoError(t, err)

	m, tally, err := e.ResolveByVote(ctx, id, voteTime)
	require.NoError(t, err)
	assert.True(t, tally.Tied)
	assert.Equal(t, domain.StateResolved, m.State)
	assert.Equal(t, 1, m.WinningOption)
	assert.Equal(t, domain.MethodOracle, rec.last().Resolution.Method)
}

// Property: equal sums resolve the same way however the votes were ordered.
func TestTieBreakDeterminism(t *testing.T) {
	gofakeit.Seed(7)
	for round := 0; round < 20; round++ {
		e, _ := newTestEngine(t)
		ctx := context.Background()
		id := resolvingMarket(t, e, domain.MethodQuadraticVote, nil)
		_, err := e.SetFallback(ctx, id, 0, voteTime)
		require.NoError(t, err)

		seq := 0
		voter := func() string {
			seq++
			return fmt.Sprintf("%s-%d", gofakeit.FirstName(), seq)
		}

		var sums [2]int64
		votes := gofakeit.Number(2, 12)
		for i := 0; i < votes; i++ {
			opt := gofakeit.Number(0, 1)
			count := int64(gofakeit.Number(1, 9))
			_, _, err := e.CastVote(ctx, id, voter(), opt, count, voteTime)
			require.NoError(t, err)
			sums[opt] += count
		}
		// Balance the lighter side so the sums tie.
		if diff := sums[0] - sums[1]; diff != 0 {
			opt, need := 1, diff
			if diff < 0 {
				opt, need = 0, -diff
			}
			for need > 0 {
				c := need
				if c > 10 {
					c = 10
				}
				_, _, err := e.CastVote(ctx, id, voter(), opt, c, voteTime)
				require.NoError(t, err)
				need -= c
			}
		}

		m, tally, err := e.ResolveByVote(ctx, id, voteTime)
		require.NoError(t, err)
		require.True(t, tally.Tied)
		assert.Equal(t, 0, m.WinningOption)
	}
}
