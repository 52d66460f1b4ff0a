package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/predictlens/predictlens/internal/domain"
	"github.com/predictlens/predictlens/internal/notify"
	"github.com/predictlens/predictlens/internal/service"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type fakeLifecycle struct {
	mu    sync.Mutex
	due   []domain.Market
	calls []string
	fail  map[string]error
	tied  bool

	votingPeriod time.Duration
}

// ListDue filters f.due at t0 the way the market store does and keeps the
// first limit matches.
func (f *fakeLifecycle) ListDue(_ context.Context, votingPeriod time.Duration, limit int) ([]domain.Market, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.votingPeriod = votingPeriod
	var out []domain.Market
	for _, m := range f.due {
		quadratic := m.Method == domain.MethodQuadraticVote
		switch {
		case m.State == domain.StateActive && !t0.Before(m.StakingEnd),
			quadratic && m.State == domain.StateLocked && !t0.Before(m.ResolutionTime),
			quadratic && m.State == domain.StateResolving && !t0.Before(m.ResolutionTime.Add(votingPeriod)):
			out = append(out, m)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeLifecycle) record(op, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, op+":"+id)
	return f.fail[id]
}

func (f *fakeLifecycle) Advance(_ context.Context, id string) (domain.Market, error) {
	return domain.Market{ID: id}, f.record("advance", id)
}

func (f *fakeLifecycle) BeginResolution(_ context.Context, id string) (domain.Market, error) {
	return domain.Market{ID: id}, f.record("begin", id)
}

func (f *fakeLifecycle) ResolveByVote(_ context.Context, id string) (service.VoteResolution, error) {
	res := service.VoteResolution{Market: domain.Market{ID: id, State: domain.StateResolved}}
	if f.tied {
		res.Market.State = domain.StateVoided
		res.Tally.Tied = true
	}
	return res, f.record("resolve", id)
}

type recordSender struct {
	mu     sync.Mutex
	titles []string
}

func (r *recordSender) Send(_ context.Context, title, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.titles = append(r.titles, title)
	return nil
}

func (r *recordSender) Name() string { return "rec" }

func market(id string, method domain.ResolutionMethod, state domain.MarketState) domain.Market {
	return domain.Market{
		ID:             id,
		Method:         method,
		State:          state,
		StakingEnd:     t0.Add(-2 * time.Hour),
		ResolutionTime: t0.Add(-time.Hour),
	}
}

func TestSweepStepsPerState(t *testing.T) {
	lc := &fakeLifecycle{due: []domain.Market{
		market("a", domain.MethodOracle, domain.StateActive),
		market("b", domain.MethodQuadraticVote, domain.StateLocked),
		market("c", domain.MethodQuadraticVote, domain.StateResolving),
		market("d", domain.MethodOracle, domain.StateLocked),
	}}
	s := NewSweeper(lc, SweeperConfig{VotingPeriod: 30 * time.Minute}, nil, quiet())
	s.now = func() time.Time { return t0 }

	n, err := s.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"advance:a", "begin:b", "resolve:c"}, lc.calls)
}

func TestSweepWaitsForVotingPeriod(t *testing.T) {
	lc := &fakeLifecycle{due: []domain.Market{market("c", domain.MethodQuadraticVote, domain.StateResolving)}}
	s := NewSweeper(lc, SweeperConfig{VotingPeriod: 2 * time.Hour}, nil, quiet())
	s.now = func() time.Time { return t0 }

	n, err := s.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, lc.calls)
}

func TestSweepBatchNotFilledByOpenVotes(t *testing.T) {
	var due []domain.Market
	for _, id := range []string{"v1", "v2", "v3"} {
		m := market(id, domain.MethodQuadraticVote, domain.StateResolving)
		m.ResolutionTime = t0.Add(-10 * time.Minute)
		due = append(due, m)
	}
	due = append(due, market("lock-me", domain.MethodOracle, domain.StateActive))

	lc := &fakeLifecycle{due: due}
	s := NewSweeper(lc, SweeperConfig{VotingPeriod: time.Hour, BatchSize: 2}, nil, quiet())
	s.now = func() time.Time { return t0 }

	n, err := s.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"advance:lock-me"}, lc.calls)
	assert.Equal(t, time.Hour, lc.votingPeriod)
}

func TestSweepSkipsBusyAndAlertsOnFailure(t *testing.T) {
	lc := &fakeLifecycle{
		due: []domain.Market{
			market("busy", domain.MethodOracle, domain.StateActive),
			market("bad", domain.MethodOracle, domain.StateActive),
			market("ok", domain.MethodOracle, domain.StateActive),
		},
		fail: map[string]error{
			"busy": domain.ErrMarketBusy,
			"bad":  errors.New("postgres: connection reset"),
		},
	}
	rec := &recordSender{}
	s := NewSweeper(lc, SweeperConfig{}, notify.NewNotifier([]notify.Sender{rec}, nil, quiet()), quiet())
	s.now = func() time.Time { return t0 }

	n, err := s.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, lc.calls, 3)
	assert.Equal(t, []string{"Lifecycle step failed"}, rec.titles)
}

type fakeBlobArchiver struct {
	before time.Time
	n      int64
	err    error
}

func (f *fakeBlobArchiver) ArchiveClosed(_ context.Context, before time.Time) (int64, error) {
	f.before = before
	return f.n, f.err
}

func TestArchiverCutoff(t *testing.T) {
	blob := &fakeBlobArchiver{n: 4}
	a := NewArchiver(blob, 30*24*time.Hour, nil, quiet())
	a.now = func() time.Time { return t0 }

	n, err := a.Run(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 4, n)
	assert.Equal(t, t0.Add(-30*24*time.Hour), blob.before)

	blob.err = errors.New("s3: access denied")
	_, err = a.Run(context.Background())
	assert.ErrorContains(t, err, "access denied")
}

func TestCronNext(t *testing.T) {
	cases := []struct {
		expr  string
		after time.Time
		want  time.Time
	}{
		{"30 3 * * *", t0, time.Date(2026, 3, 2, 3, 30, 0, 0, time.UTC)},
		{"*/15 * * * *", t0.Add(time.Minute), t0.Add(15 * time.Minute)},
		{"0 9-17/4 * * *", t0, time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC)},
		{"0 0 1 * *", t0, time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		t.Run(tc.expr, func(t *testing.T) {
			c, err := parseCron(tc.expr)
			require.NoError(t, err)
			got, err := c.next(tc.after)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestCronRejects(t *testing.T) {
	for _, expr := range []string{"", "* * * *", "60 * * * *", "*/0 * * * *", "5-1 * * * *", "a * * * *"} {
		assert.Error(t, ValidateCron(expr), expr)
	}
}
