package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/predictlens/predictlens/internal/domain"
)

// MarketStore implements domain.MarketStore using PostgreSQL.
type MarketStore struct {
	pool *pgxpool.Pool
}

// NewMarketStore creates a new MarketStore backed by the given connection pool.
func NewMarketStore(pool *pgxpool.Pool) *MarketStore {
	return &MarketStore{pool: pool}
}

const marketCols = `id, question, description, category, option_0, option_1,
	creator, creator_profile, method, state, winning_option, fallback_option,
	total_0, total_1, participants, void_reason,
	staking_end, resolution_time, version, created_at, updated_at`

func scanMarket(row pgx.Row) (domain.Market, error) {
	var (
		m             domain.Market
		method, state string
	)
	err := row.Scan(
		&m.ID, &m.Question, &m.Description, &m.Category, &m.Options[0], &m.Options[1],
		&m.Creator, &m.CreatorProfile, &method, &state, &m.WinningOption, &m.FallbackOption,
		&m.Totals[0], &m.Totals[1], &m.Participants, &m.VoidReason,
		&m.StakingEnd, &m.ResolutionTime, &m.Version, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return domain.Market{}, err
	}
	m.Method = domain.ResolutionMethod(method)
	m.State = domain.MarketState(state)
	return m, nil
}

func scanMarkets(rows pgx.Rows) ([]domain.Market, error) {
	defer rows.Close()
	var markets []domain.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, err
		}
		markets = append(markets, m)
	}
	return markets, rows.Err()
}

// Apply writes one committed change in a single transaction: the market row
// (guarded by its version), any appended stake, vote, resolution, settlement
// or claim, and the custody intents into the outbox.
func (s *MarketStore) Apply(ctx context.Context, c domain.Change) error {
	return withTx(ctx, s.pool, func(tx pgx.Tx) error {
		if err := writeMarket(ctx, tx, c.Market, c.PrevVersion); err != nil {
			return err
		}

		if st := c.Stake; st != nil {
			_, err := tx.Exec(ctx, `
				INSERT INTO stakes (market_id, seq, account, option, amount, created_at)
				VALUES ($1, $2, $3, $4, $5, $6)`,
				st.MarketID, st.Seq, st.Account, st.Option, st.Amount, st.CreatedAt)
			if err != nil {
				if isUniqueViolation(err, "") {
					return fmt.Errorf("postgres: stake %s/%d: %w", st.MarketID, st.Seq, domain.ErrVersionConflict)
				}
				return fmt.Errorf("postgres: insert stake %s/%d: %w", st.MarketID, st.Seq, err)
			}
		}

		if v := c.Vote; v != nil {
			_, err := tx.Exec(ctx, `
				INSERT INTO votes (market_id, voter, option, count, cost, cast_at)
				VALUES ($1, $2, $3, $4, $5, $6)`,
				v.MarketID, v.Voter, v.Option, v.Count, v.Cost, v.CastAt)
			if err != nil {
				return fmt.Errorf("postgres: insert vote %s: %w", v.MarketID, err)
			}
		}

		if r := c.Resolution; r != nil {
			if err := insertResolution(ctx, tx, r); err != nil {
				return err
			}
		}
		if c.Settlement != nil {
			if err := insertSettlement(ctx, tx, c.Settlement); err != nil {
				return err
			}
		}

		if p := c.Claimed; p != nil {
			_, err := tx.Exec(ctx, `
				UPDATE payouts SET claimed = TRUE, claimed_at = $3
				WHERE market_id = $1 AND account = $2 AND NOT claimed`,
				p.MarketID, p.Account, p.ClaimedAt)
			if err != nil {
				return fmt.Errorf("postgres: claim payout %s/%s: %w", p.MarketID, p.Account, err)
			}
		}

		return insertIntents(ctx, tx, c.Intents)
	})
}

func writeMarket(ctx context.Context, tx pgx.Tx, m domain.Market, prev int64) error {
	if prev == 0 {
		tag, err := tx.Exec(ctx, `
			INSERT INTO markets (`+marketCols+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
			ON CONFLICT (id) DO NOTHING`,
			m.ID, m.Question, m.Description, m.Category, m.Options[0], m.Options[1],
			m.Creator, m.CreatorProfile, string(m.Method), string(m.State), m.WinningOption, m.FallbackOption,
			m.Totals[0], m.Totals[1], m.Participants, m.VoidReason,
			m.StakingEnd, m.ResolutionTime, m.Version, m.CreatedAt, m.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("postgres: insert market %s: %w", m.ID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("postgres: market %s: %w", m.ID, domain.ErrAlreadyExists)
		}
		return nil
	}

	tag, err := tx.Exec(ctx, `
		UPDATE markets SET
			state           = $3,
			winning_option  = $4,
			fallback_option = $5,
			total_0         = $6,
			total_1         = $7,
			participants    = $8,
			void_reason     = $9,
			version         = $10,
			updated_at      = $11
		WHERE id = $1 AND version = $2`,
		m.ID, prev, string(m.State), m.WinningOption, m.FallbackOption,
		m.Totals[0], m.Totals[1], m.Participants, m.VoidReason, m.Version, m.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: update market %s: %w", m.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: market %s at version %d: %w", m.ID, prev, domain.ErrVersionConflict)
	}
	return nil
}

func insertResolution(ctx context.Context, tx pgx.Tx, r *domain.ResolutionRecord) error {
	var tally []byte
	if r.Tally != nil {
		var err error
		if tally, err = json.Marshal(r.Tally); err != nil {
			return fmt.Errorf("postgres: marshal tally %s: %w", r.MarketID, err)
		}
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO resolutions (market_id, method, winning_option, tally, finalized_at)
		VALUES ($1, $2, $3, $4, $5)`,
		r.MarketID, string(r.Method), r.WinningOption, tally, r.FinalizedAt)
	if err != nil {
		if isUniqueViolation(err, "resolutions_pkey") {
			return fmt.Errorf("postgres: resolution %s: %w", r.MarketID, domain.ErrDuplicateFinalization)
		}
		return fmt.Errorf("postgres: insert resolution %s: %w", r.MarketID, err)
	}
	return nil
}

func insertSettlement(ctx context.Context, tx pgx.Tx, st *domain.Settlement) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO settlements (
			market_id, winning_option, total_staked, winning_pool, losing_pool,
			fee_bps, fee, fee_residual, treasury, computed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		st.MarketID, st.WinningOption, st.TotalStaked, st.WinningPool, st.LosingPool,
		st.FeeBps, st.Fee, st.FeeResidual, st.Treasury, st.ComputedAt)
	if err != nil {
		if isUniqueViolation(err, "settlements_pkey") {
			return fmt.Errorf("postgres: settlement %s: %w", st.MarketID, domain.ErrVersionConflict)
		}
		return fmt.Errorf("postgres: insert settlement %s: %w", st.MarketID, err)
	}
	if len(st.Payouts) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, p := range st.Payouts {
		batch.Queue(`
			INSERT INTO payouts (market_id, account, amount, claimed, claimed_at)
			VALUES ($1, $2, $3, $4, $5)`,
			p.MarketID, p.Account, p.Amount, p.Claimed, p.ClaimedAt)
	}
	br := tx.SendBatch(ctx, batch)
	defer br.Close()
	for i := range st.Payouts {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("postgres: insert payout %s item %d: %w", st.MarketID, i, err)
		}
	}
	return nil
}

func insertIntents(ctx context.Context, tx pgx.Tx, intents []domain.CustodyIntent) error {
	if len(intents) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, in := range intents {
		batch.Queue(`
			INSERT INTO custody_outbox (key, kind, market_id, account, amount, seq, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (key) DO NOTHING`,
			in.Key, string(in.Kind), in.MarketID, in.Account, in.Amount, in.Seq, in.CreatedAt)
	}
	br := tx.SendBatch(ctx, batch)
	defer br.Close()
	for i := range intents {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("postgres: insert intent item %d: %w", i, err)
		}
	}
	return nil
}

// Load reads every row of a market needed to rebuild its aggregate.
func (s *MarketStore) Load(ctx context.Context, id string) (domain.MarketSnapshot, error) {
	var snap domain.MarketSnapshot
	err := withTx(ctx, s.pool, func(tx pgx.Tx) error {
		m, err := scanMarket(tx.QueryRow(ctx, `SELECT `+marketCols+` FROM markets WHERE id = $1`, id))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return domain.ErrMarketNotFound
			}
			return fmt.Errorf("postgres: load market %s: %w", id, err)
		}
		snap.Market = m

		if snap.Stakes, err = loadStakes(ctx, tx, id); err != nil {
			return err
		}
		if snap.Votes, err = loadVotes(ctx, tx, id); err != nil {
			return err
		}
		if snap.Resolution, err = loadResolution(ctx, tx, id); err != nil {
			return err
		}
		if snap.Settlement, err = loadSettlement(ctx, tx, id); err != nil {
			return err
		}

		rows, err := tx.Query(ctx, `SELECT key FROM custody_outbox WHERE market_id = $1`, id)
		if err != nil {
			return fmt.Errorf("postgres: load intents %s: %w", id, err)
		}
		snap.Intents, err = pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			return fmt.Errorf("postgres: scan intents %s: %w", id, err)
		}
		return nil
	})
	return snap, err
}

func loadStakes(ctx context.Context, tx pgx.Tx, id string) ([]domain.Stake, error) {
	rows, err := tx.Query(ctx, `
		SELECT market_id, seq, account, option, amount, created_at
		FROM stakes WHERE market_id = $1 ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("postgres: load stakes %s: %w", id, err)
	}
	defer rows.Close()

	var stakes []domain.Stake
	for rows.Next() {
		var st domain.Stake
		if err := rows.Scan(&st.MarketID, &st.Seq, &st.Account, &st.Option, &st.Amount, &st.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan stake: %w", err)
		}
		stakes = append(stakes, st)
	}
	return stakes, rows.Err()
}

func loadVotes(ctx context.Context, tx pgx.Tx, id string) ([]domain.Vote, error) {
	rows, err := tx.Query(ctx, `
		SELECT market_id, voter, option, count, cost, cast_at
		FROM votes WHERE market_id = $1 ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("postgres: load votes %s: %w", id, err)
	}
	defer rows.Close()

	var votes []domain.Vote
	for rows.Next() {
		var v domain.Vote
		if err := rows.Scan(&v.MarketID, &v.Voter, &v.Option, &v.Count, &v.Cost, &v.CastAt); err != nil {
			return nil, fmt.Errorf("postgres: scan vote: %w", err)
		}
		votes = append(votes, v)
	}
	return votes, rows.Err()
}

func loadResolution(ctx context.Context, tx pgx.Tx, id string) (*domain.ResolutionRecord, error) {
	var (
		r      domain.ResolutionRecord
		method string
		tally  []byte
	)
	err := tx.QueryRow(ctx, `
		SELECT market_id, method, winning_option, tally, finalized_at
		FROM resolutions WHERE market_id = $1`, id,
	).Scan(&r.MarketID, &method, &r.WinningOption, &tally, &r.FinalizedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: load resolution %s: %w", id, err)
	}
	r.Method = domain.ResolutionMethod(method)
	if tally != nil {
		r.Tally = &domain.Tally{}
		if err := json.Unmarshal(tally, r.Tally); err != nil {
			return nil, fmt.Errorf("postgres: unmarshal tally %s: %w", id, err)
		}
	}
	return &r, nil
}

func loadSettlement(ctx context.Context, tx pgx.Tx, id string) (*domain.Settlement, error) {
	var st domain.Settlement
	err := tx.QueryRow(ctx, `
		SELECT market_id, winning_option, total_staked, winning_pool, losing_pool,
			fee_bps, fee, fee_residual, treasury, computed_at
		FROM settlements WHERE market_id = $1`, id,
	).Scan(&st.MarketID, &st.WinningOption, &st.TotalStaked, &st.WinningPool, &st.LosingPool,
		&st.FeeBps, &st.Fee, &st.FeeResidual, &st.Treasury, &st.ComputedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: load settlement %s: %w", id, err)
	}

	rows, err := tx.Query(ctx, `
		SELECT market_id, account, amount, claimed, claimed_at
		FROM payouts WHERE market_id = $1 ORDER BY account`, id)
	if err != nil {
		return nil, fmt.Errorf("postgres: load payouts %s: %w", id, err)
	}
	defer rows.Close()
	for rows.Next() {
		var p domain.Payout
		if err := rows.Scan(&p.MarketID, &p.Account, &p.Amount, &p.Claimed, &p.ClaimedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan payout: %w", err)
		}
		st.Payouts = append(st.Payouts, p)
	}
	return &st, rows.Err()
}

// GetByID retrieves a market row without its ledger.
func (s *MarketStore) GetByID(ctx context.Context, id string) (domain.Market, error) {
	m, err := scanMarket(s.pool.QueryRow(ctx, `SELECT `+marketCols+` FROM markets WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Market{}, domain.ErrMarketNotFound
		}
		return domain.Market{}, fmt.Errorf("postgres: get market %s: %w", id, err)
	}
	return m, nil
}

// marketFilter builds the WHERE clause shared by List and Count. With
// opts.AsOf set, state filters follow the effective state: an Active row
// past staking end is Locked.
func marketFilter(opts domain.ListOpts) (string, []any) {
	where := " WHERE 1=1"
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	switch {
	case opts.State == "":
	case opts.AsOf.IsZero():
		where += " AND state = " + arg(string(opts.State))
	case opts.State == domain.StateActive:
		where += " AND state = 'active' AND staking_end > " + arg(opts.AsOf)
	case opts.State == domain.StateLocked:
		where += " AND (state = 'locked' OR (state = 'active' AND staking_end <= " + arg(opts.AsOf) + "))"
	default:
		where += " AND state = " + arg(string(opts.State))
	}
	if opts.Creator != "" {
		where += " AND creator = " + arg(opts.Creator)
	}
	if opts.Since != nil {
		where += " AND created_at >= " + arg(*opts.Since)
	}
	if opts.Until != nil {
		where += " AND created_at <= " + arg(*opts.Until)
	}
	return where, args
}

// List returns markets newest first, filtered by state, creator and
// creation time.
func (s *MarketStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.Market, error) {
	where, args := marketFilter(opts)
	query := `SELECT ` + marketCols + ` FROM markets` + where + " ORDER BY created_at DESC"

	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list markets: %w", err)
	}
	markets, err := scanMarkets(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan markets: %w", err)
	}
	return markets, nil
}

// Count returns the number of markets matching the filters of opts.
// Limit and Offset are ignored.
func (s *MarketStore) Count(ctx context.Context, opts domain.ListOpts) (int64, error) {
	where, args := marketFilter(opts)
	var count int64
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM markets"+where, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("postgres: count markets: %w", err)
	}
	return count, nil
}

// ListDue returns markets with a step the worker can take at now: Active
// past staking end, quadratic markets Locked past resolution time, and
// quadratic markets Resolving whose voting period has ended. Oracle markets
// wait for the oracle once locked.
func (s *MarketStore) ListDue(ctx context.Context, now time.Time, votingPeriod time.Duration, limit int) ([]domain.Market, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+marketCols+` FROM markets
		WHERE (state = 'active' AND staking_end <= $1)
		   OR (method = 'quadratic_vote' AND state = 'locked' AND resolution_time <= $1)
		   OR (method = 'quadratic_vote' AND state = 'resolving' AND resolution_time <= $2)
		ORDER BY staking_end
		LIMIT $3`, now, now.Add(-votingPeriod), limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list due markets: %w", err)
	}
	markets, err := scanMarkets(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan due markets: %w", err)
	}
	return markets, nil
}

// ListStakesByAccount returns an account's stakes across markets, newest
// first.
func (s *MarketStore) ListStakesByAccount(ctx context.Context, account string, opts domain.ListOpts) ([]domain.Stake, error) {
	query := `
		SELECT market_id, seq, account, option, amount, created_at
		FROM stakes WHERE account = $1`
	args := []any{account}
	if opts.Since != nil {
		args = append(args, *opts.Since)
		query += fmt.Sprintf(" AND created_at >= $%d", len(args))
	}
	if opts.Until != nil {
		args = append(args, *opts.Until)
		query += fmt.Sprintf(" AND created_at <= $%d", len(args))
	}
	query += " ORDER BY created_at DESC, market_id, seq"
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list stakes of %s: %w", account, err)
	}
	defer rows.Close()

	var stakes []domain.Stake
	for rows.Next() {
		var st domain.Stake
		if err := rows.Scan(&st.MarketID, &st.Seq, &st.Account, &st.Option, &st.Amount, &st.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan stake: %w", err)
		}
		stakes = append(stakes, st)
	}
	return stakes, rows.Err()
}

// ListClosedBefore returns closed or voided markets last updated before
// the cutoff that have not been archived yet.
func (s *MarketStore) ListClosedBefore(ctx context.Context, before time.Time, limit int) ([]domain.Market, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+marketCols+` FROM markets
		WHERE state IN ('closed', 'voided') AND updated_at < $1 AND archived_at IS NULL
		ORDER BY updated_at
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list closed markets: %w", err)
	}
	markets, err := scanMarkets(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan closed markets: %w", err)
	}
	return markets, nil
}

// MarkArchived records where a market's archive was written.
func (s *MarketStore) MarkArchived(ctx context.Context, id, path string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE markets SET archive_path = $2, archived_at = $3 WHERE id = $1`, id, path, at)
	if err != nil {
		return fmt.Errorf("postgres: mark archived %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrMarketNotFound
	}
	return nil
}
