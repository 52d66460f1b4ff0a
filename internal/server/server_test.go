package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/predictlens/predictlens/internal/actionhub"
	"github.com/predictlens/predictlens/internal/crypto"
	"github.com/predictlens/predictlens/internal/domain"
	"github.com/predictlens/predictlens/internal/engine"
	"github.com/predictlens/predictlens/internal/server/handler"
	"github.com/predictlens/predictlens/internal/service"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const apiKey = "admin-key"

// markets serves every handler interface from one engine at a fixed time.
type markets struct {
	e   *engine.Engine
	now time.Time
}

func (m *markets) GetMarket(_ context.Context, id string) (domain.Market, error) {
	return m.e.View(id, m.now)
}

func (m *markets) ListMarkets(_ context.Context, opts domain.ListOpts) ([]domain.Market, error) {
	var out []domain.Market
	for _, id := range m.e.IDs() {
		v, err := m.e.View(id, m.now)
		if err != nil {
			return nil, err
		}
		if opts.State != "" && v.State != opts.State {
			continue
		}
		if opts.Creator != "" && v.Creator != opts.Creator {
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

func (m *markets) Count(ctx context.Context, opts domain.ListOpts) (int64, error) {
	l, err := m.ListMarkets(ctx, opts)
	return int64(len(l)), err
}

func (m *markets) AccountStakes(_ context.Context, account string, _ domain.ListOpts) ([]domain.Stake, error) {
	var out []domain.Stake
	for _, id := range m.e.IDs() {
		stakes, err := m.e.Stakes(id, 0)
		if err != nil {
			return nil, err
		}
		for _, st := range stakes {
			if st.Account == account {
				out = append(out, st)
			}
		}
	}
	return out, nil
}

func (m *markets) Voter(_ context.Context, id, voter string) (domain.VoterTally, error) {
	return m.e.Voter(id, voter)
}

func (m *markets) Stakes(_ context.Context, id string, limit int) ([]domain.Stake, error) {
	return m.e.Stakes(id, limit)
}

func (m *markets) Tally(_ context.Context, id string) (domain.Tally, error) { return m.e.Tally(id) }

func (m *markets) Estimate(_ context.Context, id string, option int, amount int64) (domain.Estimate, error) {
	return m.e.Estimate(id, option, amount)
}

func (m *markets) Payout(ctx context.Context, id, account string) (domain.Payout, error) {
	return m.e.Payout(ctx, id, account, m.now)
}

func (m *markets) Position(_ context.Context, id, account string) (domain.Position, error) {
	return m.e.Position(id, account)
}

func (m *markets) Refunds(_ context.Context, id string) ([]domain.Refund, error) {
	return m.e.Refund(id)
}

func (m *markets) Activate(ctx context.Context, id string) (domain.Market, error) {
	return m.e.Activate(ctx, id, m.now)
}

func (m *markets) BeginResolution(ctx context.Context, id string) (domain.Market, error) {
	return m.e.BeginResolution(ctx, id, m.now)
}

func (m *markets) Finalize(ctx context.Context, id string, option int) (domain.Market, error) {
	return m.e.Finalize(ctx, id, option, m.now)
}

func (m *markets) SetFallback(ctx context.Context, id string, option int) (domain.Market, error) {
	return m.e.SetFallback(ctx, id, option, m.now)
}

func (m *markets) ResolveByVote(ctx context.Context, id string) (service.VoteResolution, error) {
	mk, t, err := m.e.ResolveByVote(ctx, id, m.now)
	return service.VoteResolution{Market: mk, Tally: t}, err
}

func (m *markets) Void(ctx context.Context, id, reason string) (domain.Market, error) {
	return m.e.Void(ctx, id, reason, m.now)
}

func (m *markets) Close(ctx context.Context, id string) (domain.Market, error) {
	return m.e.Close(ctx, id, m.now)
}

func (m *markets) Create(ctx context.Context, in domain.NewMarket) (domain.Market, error) {
	return m.e.Create(ctx, in, m.now)
}

func (m *markets) RecordStake(ctx context.Context, id, account string, option int, amount int64) (domain.StakeReceipt, error) {
	return m.e.RecordStake(ctx, id, account, option, amount, m.now)
}

func (m *markets) CastVote(ctx context.Context, id, voter string, option int, count int64) (service.VoteReceipt, error) {
	v, t, err := m.e.CastVote(ctx, id, voter, option, count, m.now)
	return service.VoteReceipt{Vote: v, Voter: t}, err
}

func (m *markets) Claim(ctx context.Context, id, account string) (domain.ClaimResult, error) {
	return m.e.Claim(ctx, id, account, m.now)
}

func (m *markets) Cancel(ctx context.Context, id, account string) (domain.Market, error) {
	return m.e.Cancel(ctx, id, account, m.now)
}

type memAudit struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
}

func (a *memAudit) Log(_ context.Context, event string, detail map[string]any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, domain.AuditEntry{ID: int64(len(a.entries) + 1), Event: event, Detail: detail})
	return nil
}

func (a *memAudit) List(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]domain.AuditEntry(nil), a.entries...), nil
}

// countLimiter allows the first n calls per key.
type countLimiter struct {
	mu   sync.Mutex
	n    int
	seen map[string]int
}

func (l *countLimiter) Allow(_ context.Context, key string, _ int, _ time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seen[key]++
	return l.seen[key] <= l.n, nil
}

func (l *countLimiter) Wait(context.Context, string) error { return nil }

type fixture struct {
	srv     http.Handler
	markets *markets
	audit   *memAudit
	hubAuth *crypto.HubAuth
	health  map[string]handler.Check
}

func newFixture(t *testing.T, limiter domain.RateLimiter) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	seq := 0
	e, err := engine.New(
		engine.Config{FeeBps: 500, VoiceCreditBudget: 100, MinimumStake: 1, Treasury: "treasury"},
		engine.WithIDFunc(func() string {
			seq++
			return fmt.Sprintf("mkt-%d", seq)
		}),
	)
	require.NoError(t, err)

	f := &fixture{
		markets: &markets{e: e, now: t0},
		audit:   &memAudit{},
		hubAuth: &crypto.HubAuth{Secret: "hub-secret", MaxSkew: time.Hour},
		health:  map[string]handler.Check{"postgres": func(context.Context) error { return nil }},
	}
	hub := actionhub.NewHub(f.markets, time.Minute, logger)
	f.srv = NewHandler(Config{
		APIKey:      apiKey,
		Hub:         f.hubAuth,
		ReadLimit:   2,
		Limiter:     limiter,
		LimitWindow: time.Minute,
	}, Handlers{
		Health:  handler.NewHealthHandler(f.health, logger),
		Markets: handler.NewMarketHandler(f.markets, logger),
		Admin:   handler.NewAdminHandler(f.markets, f.audit, logger),
		Actions: handler.NewActionHandler(hub, logger),
	}, nil, logger)
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body []byte, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) signed(t *testing.T, env map[string]any) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(env)
	require.NoError(t, err)
	ts := time.Now().Unix()
	return f.do(t, http.MethodPost, "/api/actions", body, map[string]string{
		"X-Hub-Signature": f.hubAuth.SignAt(body, ts),
		"X-Hub-Timestamp": strconv.FormatInt(ts, 10),
	})
}

func (f *fixture) seedMarket(t *testing.T) string {
	t.Helper()
	m, err := f.markets.Create(context.Background(), domain.NewMarket{
		Question:       "Will the bridge reopen by June?",
		Options:        [2]string{"Yes", "No"},
		Creator:        "creator",
		Method:         domain.MethodOracle,
		StakingEnd:     t0.Add(time.Hour),
		ResolutionTime: t0.Add(2 * time.Hour),
	})
	require.NoError(t, err)
	return m.ID
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodGet, "/api/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	f.health["redis"] = func(context.Context) error { return errors.New("dial tcp: refused") }
	rec = f.do(t, http.MethodGet, "/api/health", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decode[map[string]any](t, rec)
	assert.Equal(t, "degraded", body["status"])
}

func TestUnknownMarketIs404(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodGet, "/api/markets/nope", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	body := decode[map[string]string](t, rec)
	assert.Equal(t, "MARKET_NOT_FOUND", body["code"])
	assert.Equal(t, "market not found", body["error"])
}

func TestAdminRequiresKeyAndAudits(t *testing.T) {
	f := newFixture(t, nil)
	id := f.seedMarket(t)
	path := "/api/admin/markets/" + id + "/activate"

	rec := f.do(t, http.MethodPost, path, nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = f.do(t, http.MethodPost, path, nil, map[string]string{"X-API-Key": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodPost, path, nil, map[string]string{"Authorization": "Bearer " + apiKey})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, domain.StateActive, decode[domain.Market](t, rec).State)

	rec = f.do(t, http.MethodPost, path, nil, map[string]string{"X-API-Key": apiKey})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "ALREADY_ACTIVE", decode[map[string]string](t, rec)["code"])

	require.Len(t, f.audit.entries, 1)
	assert.Equal(t, "admin.activate", f.audit.entries[0].Event)
	assert.Equal(t, id, f.audit.entries[0].Detail["market_id"])
}

func TestFinalizeFlowOverHTTP(t *testing.T) {
	f := newFixture(t, nil)
	id := f.seedMarket(t)
	key := map[string]string{"X-API-Key": apiKey}
	_, err := f.markets.Activate(context.Background(), id)
	require.NoError(t, err)
	_, err = f.markets.RecordStake(context.Background(), id, "alice", 0, 2000)
	require.NoError(t, err)
	_, err = f.markets.RecordStake(context.Background(), id, "bob", 1, 1000)
	require.NoError(t, err)

	f.markets.now = t0.Add(90 * time.Minute)
	rec := f.do(t, http.MethodPost, "/api/admin/markets/"+id+"/begin-resolution", nil, key)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "TOO_EARLY", decode[map[string]string](t, rec)["code"])

	f.markets.now = t0.Add(2 * time.Hour)
	rec = f.do(t, http.MethodPost, "/api/admin/markets/"+id+"/finalize", []byte(`{}`), key)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/admin/markets/"+id+"/begin-resolution", nil, key)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = f.do(t, http.MethodPost, "/api/admin/markets/"+id+"/finalize", []byte(`{"option":0}`), key)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, domain.StateResolved, decode[domain.Market](t, rec).State)

	rec = f.do(t, http.MethodGet, "/api/markets/"+id+"/payouts/alice", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 2950, decode[domain.Payout](t, rec).Amount)

	rec = f.do(t, http.MethodGet, "/api/markets/"+id+"/positions/bob", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, [2]int64{0, 1000}, decode[domain.Position](t, rec).Stakes)
}

func TestListAndEstimate(t *testing.T) {
	f := newFixture(t, nil)
	a := f.seedMarket(t)
	f.seedMarket(t)
	_, err := f.markets.Activate(context.Background(), a)
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/api/markets?state=active", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[struct {
		Markets []domain.Market `json:"markets"`
		Total   int64           `json:"total"`
	}](t, rec)
	require.Len(t, list.Markets, 1)
	assert.Equal(t, a, list.Markets[0].ID)
	assert.EqualValues(t, 1, list.Total)

	rec = f.do(t, http.MethodGet, "/api/markets/"+a+"/estimate?option=zero&amount=5", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/markets/"+a+"/estimate?option=0&amount=100", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.EqualValues(t, 100, decode[domain.Estimate](t, rec).Amount)
}

func TestActionsRequireSignature(t *testing.T) {
	f := newFixture(t, nil)
	id := f.seedMarket(t)
	_, err := f.markets.Activate(context.Background(), id)
	require.NoError(t, err)

	env := map[string]any{
		"id": "env-1", "kind": actionhub.KindStake, "account": "alice",
		"payload": map[string]any{"market_id": id, "option": 0, "amount": 50},
	}
	body, _ := json.Marshal(env)
	rec := f.do(t, http.MethodPost, "/api/actions", body, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/actions", body, map[string]string{
		"X-Hub-Signature": "sha256=AAAA",
		"X-Hub-Timestamp": strconv.FormatInt(time.Now().Unix(), 10),
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.signed(t, env)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, decode[actionhub.Response](t, rec).OK)

	env["id"] = "env-2"
	env["payload"] = map[string]any{"market_id": id, "option": 3, "amount": 50}
	rec = f.signed(t, env)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[actionhub.Response](t, rec)
	assert.False(t, resp.OK)
	assert.Equal(t, "INVALID_OPTION", resp.Error.Code)
}

func TestAccountPathsAcceptAnyAddressCase(t *testing.T) {
	f := newFixture(t, nil)
	id := f.seedMarket(t)
	_, err := f.markets.Activate(context.Background(), id)
	require.NoError(t, err)

	const lower = "0x70997970c51812dc3a010c7d01b50e0d17dc79c8"
	const checksummed = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
	rec := f.signed(t, map[string]any{
		"id": "env-case", "kind": actionhub.KindStake, "account": lower,
		"payload": map[string]any{"market_id": id, "option": 1, "amount": 40},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.True(t, decode[actionhub.Response](t, rec).OK, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/api/markets/"+id+"/positions/"+lower, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, [2]int64{0, 40}, decode[domain.Position](t, rec).Stakes)

	rec = f.do(t, http.MethodGet, "/api/accounts/"+lower+"/stakes", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	page := decode[struct {
		Account string         `json:"account"`
		Stakes  []domain.Stake `json:"stakes"`
	}](t, rec)
	assert.Equal(t, checksummed, page.Account)
	require.Len(t, page.Stakes, 1)
	assert.Equal(t, id, page.Stakes[0].MarketID)
	assert.EqualValues(t, 40, page.Stakes[0].Amount)
}

func TestListByCreatorOverHTTP(t *testing.T) {
	f := newFixture(t, nil)
	f.seedMarket(t)
	const creator = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
	m, err := f.markets.Create(context.Background(), domain.NewMarket{
		Question:       "Will the ferry run on Sunday?",
		Options:        [2]string{"Yes", "No"},
		Creator:        creator,
		Method:         domain.MethodOracle,
		StakingEnd:     t0.Add(time.Hour),
		ResolutionTime: t0.Add(2 * time.Hour),
	})
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/api/markets?creator=0xf39fd6e51aad88f6f4ce6ab8827279cfffb92266", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[struct {
		Markets []domain.Market `json:"markets"`
		Total   int64           `json:"total"`
	}](t, rec)
	require.Len(t, list.Markets, 1)
	assert.Equal(t, m.ID, list.Markets[0].ID)
	assert.EqualValues(t, 1, list.Total)
}

func TestVoterEndpoint(t *testing.T) {
	f := newFixture(t, nil)
	oracle := f.seedMarket(t)
	m, err := f.markets.Create(context.Background(), domain.NewMarket{
		Question:       "Should the park open at night?",
		Options:        [2]string{"Yes", "No"},
		Creator:        "creator",
		Method:         domain.MethodQuadraticVote,
		StakingEnd:     t0.Add(time.Hour),
		ResolutionTime: t0.Add(2 * time.Hour),
	})
	require.NoError(t, err)
	_, err = f.markets.Activate(context.Background(), m.ID)
	require.NoError(t, err)

	f.markets.now = t0.Add(2 * time.Hour)
	_, err = f.markets.BeginResolution(context.Background(), m.ID)
	require.NoError(t, err)
	_, err = f.markets.CastVote(context.Background(), m.ID, "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266", 0, 3)
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/api/markets/"+m.ID+"/voters/0xf39fd6e51aad88f6f4ce6ab8827279cfffb92266", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	v := decode[domain.VoterTally](t, rec)
	assert.Equal(t, [2]int64{3, 0}, v.Counts)
	assert.EqualValues(t, 9, v.Spent)
	assert.EqualValues(t, 100, v.Budget)

	rec = f.do(t, http.MethodGet, "/api/markets/"+oracle+"/voters/alice", nil, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "NOT_QUADRATIC_MARKET", decode[map[string]string](t, rec)["code"])
}

func TestReadRateLimit(t *testing.T) {
	f := newFixture(t, &countLimiter{n: 2, seen: make(map[string]int)})
	for i := 0; i < 2; i++ {
		rec := f.do(t, http.MethodGet, "/api/markets", nil, nil)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := f.do(t, http.MethodGet, "/api/markets", nil, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	// Health is never limited.
	rec = f.do(t, http.MethodGet, "/api/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodOptions, "/api/actions", nil, map[string]string{"Origin": "https://app.example"})
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://app.example", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "X-Hub-Signature")
}
