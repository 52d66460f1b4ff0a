package actionhub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/predictlens/predictlens/internal/domain"
	"github.com/predictlens/predictlens/internal/engine"
	"github.com/predictlens/predictlens/internal/service"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// engineMarkets drives an in-memory engine at a fixed time.
type engineMarkets struct {
	e   *engine.Engine
	now time.Time
}

func (m *engineMarkets) Create(ctx context.Context, in domain.NewMarket) (domain.Market, error) {
	return m.e.Create(ctx, in, m.now)
}

func (m *engineMarkets) RecordStake(ctx context.Context, id, account string, option int, amount int64) (domain.StakeReceipt, error) {
	return m.e.RecordStake(ctx, id, account, option, amount, m.now)
}

func (m *engineMarkets) CastVote(ctx context.Context, id, voter string, option int, count int64) (service.VoteReceipt, error) {
	v, t, err := m.e.CastVote(ctx, id, voter, option, count, m.now)
	return service.VoteReceipt{Vote: v, Voter: t}, err
}

func (m *engineMarkets) Claim(ctx context.Context, id, account string) (domain.ClaimResult, error) {
	return m.e.Claim(ctx, id, account, m.now)
}

func (m *engineMarkets) Cancel(ctx context.Context, id, account string) (domain.Market, error) {
	return m.e.Cancel(ctx, id, account, m.now)
}

func (m *engineMarkets) Refunds(_ context.Context, id string) ([]domain.Refund, error) {
	return m.e.Refund(id)
}

func newTestHub(t *testing.T) (*Hub, *engineMarkets) {
	t.Helper()
	seq := 0
	e, err := engine.New(
		engine.Config{FeeBps: 500, VoiceCreditBudget: 100, MinimumStake: 1, Treasury: "treasury"},
		engine.WithIDFunc(func() string {
			seq++
			return fmt.Sprintf("mkt-%d", seq)
		}),
	)
	require.NoError(t, err)
	markets := &engineMarkets{e: e, now: t0}
	return NewHub(markets, time.Minute, slog.New(slog.NewTextHandler(io.Discard, nil))), markets
}

func envelope(t *testing.T, id, kind, account string, payload any) Envelope {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return Envelope{ID: id, Kind: kind, Account: account, Payload: raw}
}

func createPayload() map[string]any {
	return map[string]any{
		"question":        "Will <b>ETH</b> close above 5k?<script>alert(1)</script>",
		"description":     "Resolves on the <i>daily</i> close.",
		"options":         []string{"Yes", "No"},
		"staking_end":     t0.Add(time.Hour),
		"resolution_time": t0.Add(2 * time.Hour),
	}
}

func activeMarketID(t *testing.T, h *Hub, m *engineMarkets) string {
	t.Helper()
	resp := h.Dispatch(context.Background(), envelope(t, "create-1", KindCreateMarket, "creator", createPayload()))
	require.True(t, resp.OK, "%+v", resp.Error)
	market := resp.Result.(domain.Market)
	_, err := m.e.Activate(context.Background(), market.ID, t0)
	require.NoError(t, err)
	return market.ID
}

func TestCreateMarketSanitizesAndCanonicalizes(t *testing.T) {
	h, _ := newTestHub(t)
	resp := h.Dispatch(context.Background(),
		envelope(t, "a1", KindCreateMarket, " 0xf39fd6e51aad88f6f4ce6ab8827279cfffb92266 ", createPayload()))
	require.True(t, resp.OK, "%+v", resp.Error)

	m := resp.Result.(domain.Market)
	assert.Equal(t, "Will ETH close above 5k?", m.Question)
	assert.Equal(t, "Resolves on the daily close.", m.Description)
	assert.Equal(t, "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266", m.Creator)
	assert.Equal(t, domain.MethodOracle, m.Method)
	assert.Equal(t, domain.StateCreated, m.State)
}

func TestCreateMarketInvalidWindow(t *testing.T) {
	h, _ := newTestHub(t)
	p := createPayload()
	p["staking_end"] = t0.Add(3 * time.Hour)
	resp := h.Dispatch(context.Background(), envelope(t, "a1", KindCreateMarket, "creator", p))
	require.False(t, resp.OK)
	assert.Equal(t, "INVALID_WINDOW", resp.Error.Code)
}

func TestStakeCodes(t *testing.T) {
	h, m := newTestHub(t)
	id := activeMarketID(t, h, m)
	ctx := context.Background()

	resp := h.Dispatch(ctx, envelope(t, "s1", KindStake, "alice", map[string]any{"market_id": id, "option": 0, "amount": 100}))
	require.True(t, resp.OK, "%+v", resp.Error)
	assert.Equal(t, [2]int64{100, 0}, resp.Result.(domain.StakeReceipt).Totals)

	cases := []struct {
		name    string
		payload map[string]any
		code    string
	}{
		{"zero amount", map[string]any{"market_id": id, "option": 0, "amount": 0}, "ZERO_AMOUNT"},
		{"bad option", map[string]any{"market_id": id, "option": 2, "amount": 5}, "INVALID_OPTION"},
		{"missing amount", map[string]any{"market_id": id, "option": 0}, CodeInvalidPayload},
		{"unknown field", map[string]any{"market_id": id, "option": 0, "amount": 5, "x": 1}, CodeInvalidPayload},
		{"unknown market", map[string]any{"market_id": "nope", "option": 0, "amount": 5}, "MARKET_NOT_FOUND"},
	}
	for i, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := h.Dispatch(ctx, envelope(t, fmt.Sprintf("c%d", i), KindStake, "alice", tc.payload))
			require.False(t, resp.OK)
			assert.Equal(t, tc.code, resp.Error.Code)
			assert.Nil(t, resp.Result)
		})
	}

	m.now = t0.Add(time.Hour)
	resp = h.Dispatch(ctx, envelope(t, "late", KindStake, "alice", map[string]any{"market_id": id, "option": 0, "amount": 5}))
	require.False(t, resp.OK)
	assert.Equal(t, "STAKING_CLOSED", resp.Error.Code)
}

func TestRedeliveredEnvelopeRunsOnce(t *testing.T) {
	h, m := newTestHub(t)
	id := activeMarketID(t, h, m)
	env := envelope(t, "dup", KindStake, "alice", map[string]any{"market_id": id, "option": 1, "amount": 7})

	first := h.Dispatch(context.Background(), env)
	second := h.Dispatch(context.Background(), env)
	require.True(t, first.OK)
	assert.Equal(t, first, second)

	stakes, err := m.e.Stakes(id, 0)
	require.NoError(t, err)
	assert.Len(t, stakes, 1)
}

// slowMarkets counts stakes and holds each one long enough for a duplicate
// delivery to arrive while it runs.
type slowMarkets struct {
	*engineMarkets
	delay  time.Duration
	stakes atomic.Int32
}

func (m *slowMarkets) RecordStake(ctx context.Context, id, account string, option int, amount int64) (domain.StakeReceipt, error) {
	m.stakes.Add(1)
	time.Sleep(m.delay)
	return m.engineMarkets.RecordStake(ctx, id, account, option, amount)
}

func TestConcurrentDuplicatesRunOnce(t *testing.T) {
	h, m := newTestHub(t)
	id := activeMarketID(t, h, m)
	slow := &slowMarkets{engineMarkets: m, delay: 20 * time.Millisecond}
	h.markets = slow
	env := envelope(t, "twice", KindStake, "alice", map[string]any{"market_id": id, "option": 1, "amount": 7})

	var wg sync.WaitGroup
	resps := make([]Response, 4)
	for i := range resps {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resps[i] = h.Dispatch(context.Background(), env)
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, slow.stakes.Load())
	require.True(t, resps[0].OK, "%+v", resps[0].Error)
	for _, r := range resps[1:] {
		assert.Equal(t, resps[0], r)
	}
	stakes, err := m.e.Stakes(id, 0)
	require.NoError(t, err)
	assert.Len(t, stakes, 1)
}

func TestDuplicateWaitGivesUpWithContext(t *testing.T) {
	h, m := newTestHub(t)
	id := activeMarketID(t, h, m)
	slow := &slowMarkets{engineMarkets: m, delay: 200 * time.Millisecond}
	h.markets = slow
	env := envelope(t, "slow", KindStake, "alice", map[string]any{"market_id": id, "option": 0, "amount": 3})

	first := make(chan Response, 1)
	go func() { first <- h.Dispatch(context.Background(), env) }()
	require.Eventually(t, func() bool { return slow.stakes.Load() == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	dup := h.Dispatch(ctx, env)
	require.NotNil(t, dup.Error)
	assert.Equal(t, "MARKET_BUSY", dup.Error.Code)
	assert.True(t, retryable(dup))

	assert.True(t, (<-first).OK)
	assert.Equal(t, int32(1), slow.stakes.Load())
}

// memShared is a SharedReplay held in memory, standing in for another
// process's view of the same Redis keys.
type memShared struct {
	mu      sync.Mutex
	records map[string][]byte
	pending map[string]bool
}

func newMemShared() *memShared {
	return &memShared{records: make(map[string][]byte), pending: make(map[string]bool)}
}

func (s *memShared) Reserve(_ context.Context, id string, _ time.Duration) (bool, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[id]; ok {
		return false, rec, nil
	}
	if s.pending[id] {
		return false, nil, nil
	}
	s.pending[id] = true
	return true, nil, nil
}

func (s *memShared) Complete(_ context.Context, id string, resp []byte, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, id)
	s.records[id] = resp
	return nil
}

func (s *memShared) Release(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, id)
	return nil
}

func TestSharedReplayAcrossHubs(t *testing.T) {
	shared := newMemShared()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h, m := newTestHub(t)
	id := activeMarketID(t, h, m)

	counted := &slowMarkets{engineMarkets: m}
	a := NewHub(counted, time.Minute, logger, WithSharedReplay(shared))
	b := NewHub(counted, time.Minute, logger, WithSharedReplay(shared))
	env := envelope(t, "across", KindStake, "alice", map[string]any{"market_id": id, "option": 1, "amount": 9})

	first := a.Dispatch(context.Background(), env)
	require.True(t, first.OK, "%+v", first.Error)
	second := b.Dispatch(context.Background(), env)
	assert.EqualValues(t, 1, counted.stakes.Load())
	assert.True(t, second.OK)
	assert.Equal(t, first.ID, second.ID)

	want, err := json.Marshal(first)
	require.NoError(t, err)
	got, err := json.Marshal(second)
	require.NoError(t, err)
	assert.JSONEq(t, string(want), string(got))

	shared.pending["running"] = true
	resp := b.Dispatch(context.Background(), envelope(t, "running", KindStake, "alice", map[string]any{"market_id": id, "option": 1, "amount": 9}))
	require.NotNil(t, resp.Error)
	assert.Equal(t, "MARKET_BUSY", resp.Error.Code)
	assert.EqualValues(t, 1, counted.stakes.Load())
}

// busyOnce fails the first stake with a held market lock.
type busyOnce struct {
	*engineMarkets
	busy bool
}

func (m *busyOnce) RecordStake(ctx context.Context, id, account string, option int, amount int64) (domain.StakeReceipt, error) {
	if m.busy {
		m.busy = false
		return domain.StakeReceipt{}, fmt.Errorf("market_service: %w", domain.ErrMarketBusy)
	}
	return m.engineMarkets.RecordStake(ctx, id, account, option, amount)
}

func TestRetryableResultReleasesSharedID(t *testing.T) {
	shared := newMemShared()
	h, m := newTestHub(t)
	id := activeMarketID(t, h, m)
	hub := NewHub(&busyOnce{engineMarkets: m, busy: true}, time.Minute,
		slog.New(slog.NewTextHandler(io.Discard, nil)), WithSharedReplay(shared))

	env := envelope(t, "retry", KindStake, "alice", map[string]any{"market_id": id, "option": 0, "amount": 4})
	resp := hub.Dispatch(context.Background(), env)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "MARKET_BUSY", resp.Error.Code)
	assert.False(t, shared.pending["retry"])
	assert.NotContains(t, shared.records, "retry")

	resp = hub.Dispatch(context.Background(), env)
	assert.True(t, resp.OK, "%+v", resp.Error)
}

func TestEnvelopeErrors(t *testing.T) {
	h, _ := newTestHub(t)
	ctx := context.Background()

	resp := h.DispatchJSON(ctx, []byte(`{not json`))
	assert.Equal(t, CodeInvalidEnvelope, resp.Error.Code)

	resp = h.Dispatch(ctx, Envelope{Kind: KindStake, Account: "alice"})
	assert.Equal(t, CodeInvalidEnvelope, resp.Error.Code)

	resp = h.Dispatch(ctx, envelope(t, "k", "transfer", "alice", map[string]any{}))
	assert.Equal(t, CodeUnknownKind, resp.Error.Code)

	resp = h.Dispatch(ctx, Envelope{ID: "np", Kind: KindClaim, Account: "alice"})
	assert.Equal(t, CodeInvalidPayload, resp.Error.Code)
}

func TestCancelAndRefund(t *testing.T) {
	h, m := newTestHub(t)
	id := activeMarketID(t, h, m)
	ctx := context.Background()

	resp := h.Dispatch(ctx, envelope(t, "x1", KindCancelMarket, "mallory", map[string]any{"market_id": id}))
	assert.Equal(t, "NOT_CREATOR", resp.Error.Code)

	resp = h.Dispatch(ctx, envelope(t, "x2", KindRefund, "alice", map[string]any{"market_id": id}))
	assert.Equal(t, "MARKET_NOT_VOIDED", resp.Error.Code)

	resp = h.Dispatch(ctx, envelope(t, "x3", KindCancelMarket, "creator", map[string]any{"market_id": id}))
	require.True(t, resp.OK, "%+v", resp.Error)
	assert.Equal(t, domain.StateVoided, resp.Result.(domain.Market).State)

	resp = h.Dispatch(ctx, envelope(t, "x4", KindRefund, "alice", map[string]any{"market_id": id}))
	require.True(t, resp.OK)
	assert.Zero(t, resp.Result.(domain.Refund).Amount)
}

func TestVoteBeforeResolving(t *testing.T) {
	h, m := newTestHub(t)
	id := activeMarketID(t, h, m)
	resp := h.Dispatch(context.Background(), envelope(t, "v1", KindVote, "alice", map[string]any{"market_id": id, "option": 0, "count": 3}))
	require.False(t, resp.OK)
	assert.Equal(t, "NOT_QUADRATIC_MARKET", resp.Error.Code)
}

func TestCodeTable(t *testing.T) {
	assert.Equal(t, "ILLEGAL_TRANSITION",
		Code(fmt.Errorf("engine: %w", &domain.TransitionError{From: domain.StateClosed, To: domain.StateActive})))
	assert.Equal(t, "INSUFFICIENT_VOICE_CREDITS", Code(fmt.Errorf("x: %w", domain.ErrInsufficientVoiceCredits)))
	assert.Equal(t, "DUPLICATE_FINALIZATION", Code(domain.ErrDuplicateFinalization))
	assert.Equal(t, "TOO_EARLY", Code(domain.ErrTooEarly))
	assert.Equal(t, CodeInternal, Code(errors.New("pq: connection refused")))

	body := errorBody(fmt.Errorf("postgres: apply: %w", errors.New("password=secret")))
	assert.Equal(t, internalErrorMessage, body.Message)

	body = errorBody(fmt.Errorf("market_service: market m1: %w", domain.ErrMarketNotFound))
	assert.Equal(t, "market not found", body.Message)
}

func TestRetryableResponsesAreNotReplayed(t *testing.T) {
	assert.True(t, retryable(Response{Error: &ErrorBody{Code: "MARKET_BUSY"}}))
	assert.False(t, retryable(Response{Error: &ErrorBody{Code: "ZERO_AMOUNT"}}))
	assert.False(t, retryable(Response{OK: true}))
}

func TestCanonicalAccount(t *testing.T) {
	assert.Equal(t, "user-42", CanonicalAccount("  user-42 "))
	addr := CanonicalAccount("0XF39FD6E51AAD88F6F4CE6AB8827279CFFFB92266")
	assert.True(t, strings.HasPrefix(addr, "0x"))
	assert.Equal(t, "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266", CanonicalAccount(strings.ToLower(addr)))
}

func TestReplayCacheClaims(t *testing.T) {
	now := t0
	c := newReplayCache(time.Minute, func() time.Time { return now })

	_, _, owner := c.begin("a")
	require.True(t, owner)
	_, wait, owner := c.begin("a")
	require.False(t, owner)
	require.NotNil(t, wait)

	c.finish("a", Response{ID: "a", OK: true}, true)
	<-wait
	resp, wait, owner := c.begin("a")
	assert.False(t, owner)
	assert.Nil(t, wait)
	assert.True(t, resp.OK)

	now = now.Add(time.Minute)
	_, _, owner = c.begin("a")
	assert.True(t, owner, "expired response is not replayed")
	c.finish("a", Response{ID: "a"}, false)
	_, _, owner = c.begin("a")
	assert.True(t, owner, "released id runs again")
}
