package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/predictlens/predictlens/internal/domain"
)

// lockedRecorder is a Committer safe for concurrent writers.
type lockedRecorder struct {
	mu      sync.Mutex
	changes int
}

func (r *lockedRecorder) commit(context.Context, domain.Change) error {
	r.mu.Lock()
	r.changes++
	r.mu.Unlock()
	return nil
}

func TestConcurrentStakesVotesAndReads(t *testing.T) {
	rec := &lockedRecorder{}
	n := 0
	e, err := New(testConfig(), WithCommitter(rec.commit), WithIDFunc(func() string {
		n++
		return fmt.Sprintf("mkt-%d", n)
	}))
	require.NoError(t, err)
	ctx := context.Background()

	staked := activeMarket(t, e, domain.MethodOracle)
	voted := resolvingMarket(t, e, domain.MethodQuadraticVote, map[string][2]int64{"seed": {5, 5}})
	base := rec.changes

	const (
		stakers   = 8
		perStaker = 50
		voters    = 4
		// Two goroutines per voter each try 60 one-credit votes against a
		// budget of 100, so exactly 20 per voter must be refused.
		perRoutine = 60
	)

	var (
		wg       sync.WaitGroup
		accepted atomic.Int64
		refused  atomic.Int64
		stop     = make(chan struct{})
		readErr  = make(chan error, 1)
	)

	for g := 0; g < stakers; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			acct := fmt.Sprintf("staker-%d", g)
			for i := 0; i < perStaker; i++ {
				if _, err := e.RecordStake(ctx, staked, acct, i%2, int64(g+1), t0.Add(time.Minute)); err != nil {
					t.Errorf("stake %s #%d: %v", acct, i, err)
					return
				}
			}
		}(g)
	}

	for v := 0; v < voters; v++ {
		for r := 0; r < 2; r++ {
			wg.Add(1)
			go func(v, r int) {
				defer wg.Done()
				voter := fmt.Sprintf("voter-%d", v)
				for i := 0; i < perRoutine; i++ {
					_, _, err := e.CastVote(ctx, voted, voter, r, 1, voteTime)
					switch {
					case err == nil:
						accepted.Add(1)
					case errors.Is(err, domain.ErrInsufficientVoiceCredits):
						refused.Add(1)
					default:
						t.Errorf("vote %s: %v", voter, err)
						return
					}
				}
			}(v, r)
		}
	}

	var readers sync.WaitGroup
	readers.Add(1)
	go func() {
		defer readers.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			m, err := e.View(staked, t0.Add(time.Minute))
			if err == nil {
				var pos int64
				for g := 0; g < stakers; g++ {
					p, perr := e.Position(staked, fmt.Sprintf("staker-%d", g))
					if perr != nil {
						err = perr
						break
					}
					pos += p.Stakes[0] + p.Stakes[1]
				}
				// Positions are read after the view, so they can only be ahead.
				if err == nil && pos < m.Totals[0]+m.Totals[1] {
					err = fmt.Errorf("positions %d behind totals %v", pos, m.Totals)
				}
			}
			if err == nil {
				_, err = e.Tally(voted)
			}
			if err == nil {
				_, err = e.Estimate(staked, 0, 10)
			}
			if err != nil {
				select {
				case readErr <- err:
				default:
				}
				return
			}
		}
	}()

	wg.Wait()
	close(stop)
	readers.Wait()
	select {
	case err := <-readErr:
		t.Fatalf("concurrent read: %v", err)
	default:
	}

	var want [2]int64
	for g := 0; g < stakers; g++ {
		want[0] += int64(g+1) * perStaker / 2
		want[1] += int64(g+1) * perStaker / 2
	}
	m, err := e.View(staked, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, want, m.Totals)

	stakes, err := e.Stakes(staked, 0)
	require.NoError(t, err)
	assert.Len(t, stakes, stakers*perStaker)
	seen := make(map[int64]bool, len(stakes))
	for _, st := range stakes {
		assert.False(t, seen[st.Seq], "duplicate seq %d", st.Seq)
		seen[st.Seq] = true
	}

	budget := testConfig().VoiceCreditBudget
	assert.EqualValues(t, voters*budget, accepted.Load())
	assert.EqualValues(t, voters*(2*perRoutine-budget), refused.Load())
	var sums int64
	for v := 0; v < voters; v++ {
		vt, err := e.Voter(voted, fmt.Sprintf("voter-%d", v))
		require.NoError(t, err)
		assert.Equal(t, budget, vt.Spent)
		assert.Zero(t, vt.Remaining())
		sums += vt.Counts[0] + vt.Counts[1]
	}
	tally, err := e.Tally(voted)
	require.NoError(t, err)
	assert.Equal(t, sums, tally.Sums[0]+tally.Sums[1])
	assert.EqualValues(t, voters*budget, tally.Spent)

	assert.Equal(t, base+stakers*perStaker+int(accepted.Load()), rec.changes)
}

func TestCreateCommitsOutsideEngineLock(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	commit := func(_ context.Context, c domain.Change) error {
		if c.Event == domain.EventMarketCreated && c.Market.ID == "slow" {
			close(entered)
			<-release
		}
		return nil
	}
	ids := []string{"other", "slow", "slow"}
	var mu sync.Mutex
	e, err := New(testConfig(), WithCommitter(commit), WithIDFunc(func() string {
		mu.Lock()
		defer mu.Unlock()
		id := ids[0]
		ids = ids[1:]
		return id
	}))
	require.NoError(t, err)
	ctx := context.Background()

	_, err = e.Create(ctx, newInput(domain.MethodOracle), t0)
	require.NoError(t, err)

	created := make(chan error, 1)
	go func() {
		_, err := e.Create(ctx, newInput(domain.MethodOracle), t0)
		created <- err
	}()
	<-entered

	// The engine lock is free while the slow create commits.
	_, err = e.Activate(ctx, "other", t0)
	require.NoError(t, err)
	assert.Equal(t, []string{"other"}, e.IDs())
	assert.False(t, e.Loaded("slow"))

	_, err = e.Create(ctx, newInput(domain.MethodOracle), t0)
	require.ErrorIs(t, err, domain.ErrAlreadyExists)

	close(release)
	require.NoError(t, <-created)
	assert.True(t, e.Loaded("slow"))
}

func TestFailedCreateReleasesID(t *testing.T) {
	fail := true
	e, err := New(testConfig(),
		WithCommitter(func(context.Context, domain.Change) error {
			if fail {
				return errors.New("postgres: connection reset")
			}
			return nil
		}),
		WithIDFunc(func() string { return "fixed" }),
	)
	require.NoError(t, err)

	_, err = e.Create(context.Background(), newInput(domain.MethodOracle), t0)
	require.Error(t, err)
	assert.False(t, e.Loaded("fixed"))

	fail = false
	m, err := e.Create(context.Background(), newInput(domain.MethodOracle), t0)
	require.NoError(t, err)
	assert.Equal(t, "fixed", m.ID)
}
