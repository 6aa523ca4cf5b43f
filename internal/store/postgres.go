package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/emx/market-engine/internal/model"
)

// querier is the subset of pgx shared by *pgxpool.Pool and pgx.Tx, so the
// same store methods run both standalone and inside WithTx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
// See scripts/schema.sql for the table definitions.
type PostgresStore struct {
	db   querier
	pool *pgxpool.Pool // nil when this store is a transaction scope
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: pool, pool: pool}
}

// WithTx runs fn inside a serializable database transaction. Serializable
// isolation is what makes concurrent buys against the same outcome and
// concurrent buy+sell on the same position safe without explicit row
// locks; a serialization failure surfaces as an error for the caller to
// retry.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(tx Store) error) error {
	if s.pool == nil {
		// Already inside a transaction scope.
		return fn(s)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&PostgresStore{db: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// mapError converts driver errors to the store sentinel errors.
func mapError(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%s: %w", what, ErrDuplicate)
	}
	return fmt.Errorf("%s: %w", what, err)
}

func mustDecimal(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

// --- Users ---

const userColumns = `id, username, balance::TEXT, role, is_admin, created_at`

func scanUser(row pgx.Row) (*model.User, error) {
	var u model.User
	var balance string
	if err := row.Scan(&u.ID, &u.Username, &balance, &u.Role, &u.IsAdmin, &u.CreatedAt); err != nil {
		return nil, err
	}
	u.Balance = mustDecimal(balance)
	return &u, nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, u *model.User) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO users (id, username, balance, role, is_admin, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4, $5, $6)`,
		u.ID, u.Username, u.Balance.String(), string(u.Role), u.IsAdmin, u.CreatedAt,
	)
	if err != nil {
		return mapError(err, "create user "+u.Username)
	}
	return nil
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	u, err := scanUser(s.db.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if err != nil {
		return nil, mapError(err, "get user "+id)
	}
	return u, nil
}

func (s *PostgresStore) GetUserByUsername(ctx context.Context, username string) (*model.User, error) {
	u, err := scanUser(s.db.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE username = $1`, username))
	if err != nil {
		return nil, mapError(err, "get user "+username)
	}
	return u, nil
}

func (s *PostgresStore) ListUsers(ctx context.Context) ([]model.User, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+userColumns+` FROM users ORDER BY username`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectUsers(rows)
}

func (s *PostgresStore) TopUsersByBalance(ctx context.Context, limit int) ([]model.User, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+userColumns+` FROM users ORDER BY balance DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectUsers(rows)
}

func collectUsers(rows pgx.Rows) ([]model.User, error) {
	var users []model.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

func (s *PostgresStore) AdjustUserBalance(ctx context.Context, id string, delta decimal.Decimal) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE users SET balance = balance + $2::NUMERIC WHERE id = $1`,
		id, delta.String())
	if err != nil {
		return mapError(err, "adjust balance "+id)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("adjust balance %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) SetUserRole(ctx context.Context, id string, role model.Role) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE users SET role = $2 WHERE id = $1`, id, string(role))
	if err != nil {
		return mapError(err, "set role "+id)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("set role %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) ResetUser(ctx context.Context, id string, newBalance *decimal.Decimal) error {
	var tag pgconn.CommandTag
	var err error
	if newBalance != nil {
		tag, err = s.db.Exec(ctx,
			`UPDATE users SET role = '', balance = $2::NUMERIC WHERE id = $1`,
			id, newBalance.String())
	} else {
		tag, err = s.db.Exec(ctx, `UPDATE users SET role = '' WHERE id = $1`, id)
	}
	if err != nil {
		return mapError(err, "reset user "+id)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("reset user %s: %w", id, ErrNotFound)
	}
	return nil
}

// --- Markets and outcomes ---

const marketColumns = `id, question, description, status, end_date,
	total_volume::TEXT, COALESCE(winning_outcome_id, ''), final_price::TEXT, created_at`

func scanMarket(row pgx.Row) (*model.Market, error) {
	var m model.Market
	var totalVolume, finalPrice string
	if err := row.Scan(&m.ID, &m.Question, &m.Description, &m.Status, &m.EndDate,
		&totalVolume, &m.WinningOutcomeID, &finalPrice, &m.CreatedAt); err != nil {
		return nil, err
	}
	m.TotalVolume = mustDecimal(totalVolume)
	m.FinalPrice = mustDecimal(finalPrice)
	return &m, nil
}

func (s *PostgresStore) CreateMarket(ctx context.Context, m *model.Market) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO markets (id, question, description, status, end_date, total_volume, final_price, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8)`,
		m.ID, m.Question, m.Description, string(m.Status), m.EndDate,
		m.TotalVolume.String(), m.FinalPrice.String(), m.CreatedAt,
	)
	if err != nil {
		return mapError(err, "create market "+m.ID)
	}

	for _, o := range m.Outcomes {
		_, err := s.db.Exec(ctx,
			`INSERT INTO outcomes (id, market_id, name, description, price, volume)
			 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC)`,
			o.ID, o.MarketID, o.Name, o.Description, o.Price.String(), o.Volume.String(),
		)
		if err != nil {
			return mapError(err, "create outcome "+o.Name)
		}
	}
	return nil
}

func (s *PostgresStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	m, err := scanMarket(s.db.QueryRow(ctx,
		`SELECT `+marketColumns+` FROM markets WHERE id = $1`, id))
	if err != nil {
		return nil, mapError(err, "get market "+id)
	}

	outcomes, err := s.listOutcomes(ctx, id)
	if err != nil {
		return nil, err
	}
	m.Outcomes = outcomes
	return m, nil
}

func (s *PostgresStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+marketColumns+` FROM markets ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var markets []model.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, err
		}
		markets = append(markets, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range markets {
		outcomes, err := s.listOutcomes(ctx, markets[i].ID)
		if err != nil {
			return nil, err
		}
		markets[i].Outcomes = outcomes
	}
	return markets, nil
}

func (s *PostgresStore) listOutcomes(ctx context.Context, marketID string) ([]model.Outcome, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, market_id, name, description, price::TEXT, volume::TEXT
		 FROM outcomes WHERE market_id = $1 ORDER BY name`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var outcomes []model.Outcome
	for rows.Next() {
		var o model.Outcome
		var price, volume string
		if err := rows.Scan(&o.ID, &o.MarketID, &o.Name, &o.Description, &price, &volume); err != nil {
			return nil, err
		}
		o.Price = mustDecimal(price)
		o.Volume = mustDecimal(volume)
		outcomes = append(outcomes, o)
	}
	return outcomes, rows.Err()
}

func (s *PostgresStore) UpdateMarketStatus(ctx context.Context, id string, status model.MarketStatus) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE markets SET status = $2 WHERE id = $1`, id, string(status))
	if err != nil {
		return mapError(err, "update market status "+id)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update market status %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) ResolveMarket(ctx context.Context, id, winningOutcomeID string, finalPrice decimal.Decimal) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE markets
		 SET status = $2, winning_outcome_id = $3, final_price = $4::NUMERIC
		 WHERE id = $1`,
		id, string(model.StatusResolved), winningOutcomeID, finalPrice.String())
	if err != nil {
		return mapError(err, "resolve market "+id)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("resolve market %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) AddMarketVolume(ctx context.Context, id string, delta decimal.Decimal) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE markets SET total_volume = total_volume + $2::NUMERIC WHERE id = $1`,
		id, delta.String())
	if err != nil {
		return mapError(err, "add market volume "+id)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("add market volume %s: %w", id, ErrNotFound)
	}
	return nil
}

// DeleteMarket cascades in dependency order: transactions → positions →
// price history → outcomes → market.
func (s *PostgresStore) DeleteMarket(ctx context.Context, id string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM transactions WHERE market_id = $1`, id); err != nil {
		return mapError(err, "delete transactions for market "+id)
	}
	if _, err := s.db.Exec(ctx, `DELETE FROM positions WHERE market_id = $1`, id); err != nil {
		return mapError(err, "delete positions for market "+id)
	}
	if _, err := s.db.Exec(ctx, `DELETE FROM price_history WHERE market_id = $1`, id); err != nil {
		return mapError(err, "delete price history for market "+id)
	}
	if _, err := s.db.Exec(ctx, `DELETE FROM outcomes WHERE market_id = $1`, id); err != nil {
		return mapError(err, "delete outcomes for market "+id)
	}
	tag, err := s.db.Exec(ctx, `DELETE FROM markets WHERE id = $1`, id)
	if err != nil {
		return mapError(err, "delete market "+id)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete market %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) GetOutcome(ctx context.Context, id string) (*model.Outcome, error) {
	var o model.Outcome
	var price, volume string
	err := s.db.QueryRow(ctx,
		`SELECT id, market_id, name, description, price::TEXT, volume::TEXT
		 FROM outcomes WHERE id = $1`, id).
		Scan(&o.ID, &o.MarketID, &o.Name, &o.Description, &price, &volume)
	if err != nil {
		return nil, mapError(err, "get outcome "+id)
	}
	o.Price = mustDecimal(price)
	o.Volume = mustDecimal(volume)
	return &o, nil
}

func (s *PostgresStore) UpdateOutcome(ctx context.Context, marketID, outcomeID string, price, volumeDelta decimal.Decimal) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE outcomes SET price = $3::NUMERIC, volume = volume + $4::NUMERIC
		 WHERE id = $2 AND market_id = $1`,
		marketID, outcomeID, price.String(), volumeDelta.String())
	if err != nil {
		return mapError(err, "update outcome "+outcomeID)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update outcome %s: %w", outcomeID, ErrNotFound)
	}
	return nil
}

// --- Positions ---

const positionColumns = `user_id, market_id, outcome_id, shares::TEXT, avg_price::TEXT`

func scanPosition(row pgx.Row) (*model.Position, error) {
	var p model.Position
	var shares, avgPrice string
	if err := row.Scan(&p.UserID, &p.MarketID, &p.OutcomeID, &shares, &avgPrice); err != nil {
		return nil, err
	}
	p.Shares = mustDecimal(shares)
	p.AvgPrice = mustDecimal(avgPrice)
	return &p, nil
}

func (s *PostgresStore) GetPosition(ctx context.Context, userID, outcomeID string) (*model.Position, error) {
	p, err := scanPosition(s.db.QueryRow(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE user_id = $1 AND outcome_id = $2`,
		userID, outcomeID))
	if err != nil {
		return nil, mapError(err, "get position "+userID+"/"+outcomeID)
	}
	return p, nil
}

func (s *PostgresStore) UpsertPosition(ctx context.Context, p *model.Position) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO positions (user_id, market_id, outcome_id, shares, avg_price)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC)
		 ON CONFLICT (user_id, outcome_id)
		 DO UPDATE SET shares = EXCLUDED.shares, avg_price = EXCLUDED.avg_price`,
		p.UserID, p.MarketID, p.OutcomeID, p.Shares.String(), p.AvgPrice.String())
	if err != nil {
		return mapError(err, "upsert position "+p.UserID+"/"+p.OutcomeID)
	}
	return nil
}

func (s *PostgresStore) ListPositionsByUser(ctx context.Context, userID string) ([]model.Position, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE user_id = $1 ORDER BY outcome_id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPositions(rows)
}

func (s *PostgresStore) ListPositionsByMarket(ctx context.Context, marketID string) ([]model.Position, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE market_id = $1 ORDER BY user_id, outcome_id`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPositions(rows)
}

func collectPositions(rows pgx.Rows) ([]model.Position, error) {
	var positions []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

// --- Immutable ledger ---

const txColumns = `id, user_id, COALESCE(market_id, ''), COALESCE(outcome_id, ''),
	type, amount::TEXT, shares::TEXT, price::TEXT, created_at`

func (s *PostgresStore) InsertTransaction(ctx context.Context, t *model.Transaction) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO transactions (id, user_id, market_id, outcome_id, type, amount, shares, price, created_at)
		 VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9)`,
		t.ID, t.UserID, t.MarketID, t.OutcomeID, string(t.Type),
		t.Amount.String(), t.Shares.String(), t.Price.String(), t.CreatedAt)
	if err != nil {
		return mapError(err, "insert transaction "+t.ID)
	}
	return nil
}

func (s *PostgresStore) ListTransactionsByMarket(ctx context.Context, marketID string, limit int) ([]model.Transaction, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+txColumns+` FROM transactions
		 WHERE market_id = $1 ORDER BY created_at DESC LIMIT $2`, marketID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTransactions(rows)
}

func (s *PostgresStore) ListTransactionsByUser(ctx context.Context, userID string) ([]model.Transaction, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+txColumns+` FROM transactions
		 WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTransactions(rows)
}

func collectTransactions(rows pgx.Rows) ([]model.Transaction, error) {
	var txs []model.Transaction
	for rows.Next() {
		var t model.Transaction
		var amount, shares, price string
		if err := rows.Scan(&t.ID, &t.UserID, &t.MarketID, &t.OutcomeID, &t.Type,
			&amount, &shares, &price, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Amount = mustDecimal(amount)
		t.Shares = mustDecimal(shares)
		t.Price = mustDecimal(price)
		txs = append(txs, t)
	}
	return txs, rows.Err()
}

func (s *PostgresStore) ListActiveTraderIDs(ctx context.Context, since time.Time) ([]string, error) {
	rows, err := s.db.Query(ctx,
		`SELECT DISTINCT user_id FROM transactions
		 WHERE created_at >= $1
		 ORDER BY user_id`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// --- Price history ---

func (s *PostgresStore) InsertPricePoints(ctx context.Context, points []model.PricePoint) error {
	for _, pp := range points {
		_, err := s.db.Exec(ctx,
			`INSERT INTO price_history (id, market_id, outcome_id, price, created_at)
			 VALUES ($1, $2, $3, $4::NUMERIC, $5)`,
			pp.ID, pp.MarketID, pp.OutcomeID, pp.Price.String(), pp.CreatedAt)
		if err != nil {
			return mapError(err, "insert price point "+pp.ID)
		}
	}
	return nil
}

func (s *PostgresStore) ListPricePoints(ctx context.Context, marketID string, since time.Time) ([]model.PricePoint, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, market_id, outcome_id, price::TEXT, created_at
		 FROM price_history
		 WHERE market_id = $1 AND created_at >= $2
		 ORDER BY created_at`, marketID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var points []model.PricePoint
	for rows.Next() {
		var pp model.PricePoint
		var price string
		if err := rows.Scan(&pp.ID, &pp.MarketID, &pp.OutcomeID, &price, &pp.CreatedAt); err != nil {
			return nil, err
		}
		pp.Price = mustDecimal(price)
		points = append(points, pp)
	}
	return points, rows.Err()
}
