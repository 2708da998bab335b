package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/big"
	"os"
	"time"

	"trade-club-engine/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// PostgresStore wraps PostgreSQL persistence with Redis caching
type PostgresStore struct {
	pool  *pgxpool.Pool
	redis *redis.Client
}

const leaderMatchesTTL = 30 * time.Second

// NewPostgres creates a new PostgreSQL store with connection pooling and Redis cache
func NewPostgres() (*PostgresStore, error) {
	host := getEnv("POSTGRES_HOST", "localhost")
	port := getEnv("POSTGRES_PORT", "5432")
	user := getEnv("POSTGRES_USER", "tradeclub")
	password := getEnv("POSTGRES_PASSWORD", "tradeclub123")
	dbname := getEnv("POSTGRES_DB", "tradeclub")

	connStr := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?pool_max_conns=50&pool_min_conns=10",
		user, password, host, port, dbname)

	config, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}

	config.MaxConns = 50
	config.MinConns = 10
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute
	config.HealthCheckPeriod = 30 * time.Second

	// Keep slow queries and stuck locks from stalling the copy pipeline
	config.ConnConfig.RuntimeParams["statement_timeout"] = "30000"
	config.ConnConfig.RuntimeParams["lock_timeout"] = "10000"
	config.ConnConfig.RuntimeParams["idle_in_transaction_session_timeout"] = "60000"

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	redisHost := getEnv("REDIS_HOST", "localhost")
	redisPort := getEnv("REDIS_PORT", "6379")
	redisPassword := getEnv("REDIS_PASSWORD", "")

	rdb := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%s", redisHost, redisPort),
		Password:     redisPassword,
		DB:           0,
		PoolSize:     100,
		MinIdleConns: 10,
		MaxRetries:   3,
	})

	if err := rdb.Ping(context.Background()).Err(); err != nil {
		pool.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}

	store := &PostgresStore{pool: pool, redis: rdb}
	if err := store.initSchema(context.Background()); err != nil {
		pool.Close()
		return nil, err
	}

	return store, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS matches (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL DEFAULT 'CREATED',
			entry_margin NUMERIC(78,0) NOT NULL DEFAULT 0,
			duration_sec BIGINT NOT NULL DEFAULT 0,
			prize_pool NUMERIC(78,0) NOT NULL DEFAULT 0,
			max_participants INT NOT NULL DEFAULT 0,
			max_supporters INT NOT NULL DEFAULT 0,
			allowed_venues JSONB NOT NULL DEFAULT '[]',
			creator TEXT NOT NULL DEFAULT '',
			start_time TIMESTAMPTZ,
			end_time TIMESTAMPTZ,
			winner TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS participants (
			id BIGSERIAL PRIMARY KEY,
			match_id TEXT NOT NULL REFERENCES matches(id),
			address TEXT NOT NULL,
			role TEXT NOT NULL,
			margin_amount NUMERIC(78,0) NOT NULL DEFAULT 0,
			funded_amount NUMERIC(78,0) NOT NULL DEFAULT 0,
			entry_fee NUMERIC(78,0) NOT NULL DEFAULT 0,
			pnl NUMERIC(78,0) NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE(match_id, address)
		)`,
		`CREATE TABLE IF NOT EXISTS delegations (
			id BIGSERIAL PRIMARY KEY,
			delegation_hash TEXT NOT NULL UNIQUE,
			follower_address TEXT NOT NULL,
			leader_address TEXT NOT NULL,
			match_id TEXT NOT NULL REFERENCES matches(id),
			amount NUMERIC(78,0) NOT NULL DEFAULT 0,
			spending_limit NUMERIC(78,0) NOT NULL DEFAULT 0,
			spent_amount NUMERIC(78,0) NOT NULL DEFAULT 0,
			expires_at TIMESTAMPTZ NOT NULL,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			signed_delegation BYTEA,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			CHECK (spent_amount <= spending_limit)
		)`,
		`CREATE TABLE IF NOT EXISTS trades (
			id BIGSERIAL PRIMARY KEY,
			match_id TEXT NOT NULL REFERENCES matches(id),
			participant_id BIGINT NOT NULL REFERENCES participants(id),
			delegation_id BIGINT REFERENCES delegations(id),
			kind TEXT NOT NULL,
			venue TEXT NOT NULL DEFAULT '',
			token_in TEXT NOT NULL DEFAULT '',
			token_out TEXT NOT NULL DEFAULT '',
			amount_in NUMERIC(78,0) NOT NULL DEFAULT 0,
			amount_out NUMERIC(78,0) NOT NULL DEFAULT 0,
			target_contract TEXT NOT NULL DEFAULT '',
			block_number BIGINT NOT NULL DEFAULT 0,
			tx_hash TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_participants_match ON participants(match_id)`,
		`CREATE INDEX IF NOT EXISTS idx_delegations_match_leader ON delegations(match_id, leader_address)`,
		`CREATE INDEX IF NOT EXISTS idx_delegations_follower ON delegations(follower_address)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_match ON trades(match_id)`,
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: init schema: %w", err)
		}
	}
	return nil
}

// Close releases database connections
func (s *PostgresStore) Close() error {
	if s.redis != nil {
		s.redis.Close()
	}
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// --- Match operations ---

// CreateMatch inserts a new match in CREATED state.
func (s *PostgresStore) CreateMatch(ctx context.Context, match models.Match) error {
	venues, err := json.Marshal(match.AllowedVenues)
	if err != nil {
		return fmt.Errorf("postgres: marshal venues: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO matches (id, status, entry_margin, duration_sec, prize_pool,
			max_participants, max_supporters, allowed_venues, creator)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING`,
		match.ID, string(models.MatchCreated), numStr(match.EntryMargin), match.DurationSec,
		numStr(match.PrizePool), match.MaxParticipants, match.MaxSupporters,
		string(venues), match.Creator)
	if err != nil {
		return fmt.Errorf("postgres: create match: %w", err)
	}

	s.invalidateLeaderMatches(ctx)
	return nil
}

const matchColumns = `id, status, entry_margin::text, duration_sec, prize_pool::text,
	max_participants, max_supporters, allowed_venues, creator,
	COALESCE(start_time, 'epoch'::timestamptz), COALESCE(end_time, 'epoch'::timestamptz),
	winner, created_at, updated_at`

func scanMatch(row pgx.Row) (*models.Match, error) {
	var m models.Match
	var entryMargin, prizePool string
	var venuesJSON []byte

	err := row.Scan(&m.ID, &m.Status, &entryMargin, &m.DurationSec, &prizePool,
		&m.MaxParticipants, &m.MaxSupporters, &venuesJSON, &m.Creator,
		&m.StartTime, &m.EndTime, &m.Winner, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}

	m.EntryMargin = mustBig(entryMargin)
	m.PrizePool = mustBig(prizePool)
	if len(venuesJSON) > 0 {
		if err := json.Unmarshal(venuesJSON, &m.AllowedVenues); err != nil {
			return nil, fmt.Errorf("postgres: venues: %w", err)
		}
	}
	return &m, nil
}

// GetMatch returns a match by ID, or ErrNotFound.
func (s *PostgresStore) GetMatch(ctx context.Context, matchID string) (*models.Match, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+matchColumns+` FROM matches WHERE id = $1`, matchID)
	m, err := scanMatch(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get match: %w", err)
	}
	return m, nil
}

// ListMatches returns recent matches, newest first.
func (s *PostgresStore) ListMatches(ctx context.Context, limit int) ([]models.Match, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `SELECT `+matchColumns+` FROM matches ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list matches: %w", err)
	}
	defer rows.Close()

	var matches []models.Match
	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: list matches: %w", err)
		}
		matches = append(matches, *m)
	}
	return matches, rows.Err()
}

// ListActiveMatchesForLeader returns ACTIVE matches in which the address is a
// LEADER participant. Results are cached briefly in Redis; every match or
// participant write invalidates the cache.
func (s *PostgresStore) ListActiveMatchesForLeader(ctx context.Context, leader string) ([]models.Match, error) {
	cacheKey := fmt.Sprintf("leader_matches:%s", leader)
	if cached, err := s.redis.Get(ctx, cacheKey).Result(); err == nil && cached != "" {
		var matches []models.Match
		if err := json.Unmarshal([]byte(cached), &matches); err == nil {
			return matches, nil
		}
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+matchColumns+` FROM matches m
		WHERE m.status = 'ACTIVE'
		  AND EXISTS (
			SELECT 1 FROM participants p
			WHERE p.match_id = m.id AND p.address = $1 AND p.role = 'LEADER'
		  )
		ORDER BY m.created_at`, leader)
	if err != nil {
		return nil, fmt.Errorf("postgres: active matches for leader: %w", err)
	}
	defer rows.Close()

	matches := []models.Match{}
	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: active matches for leader: %w", err)
		}
		matches = append(matches, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if data, err := json.Marshal(matches); err == nil {
		s.redis.Set(ctx, cacheKey, string(data), leaderMatchesTTL)
	}
	return matches, nil
}

// StartMatch transitions CREATED -> ACTIVE and stamps start/end times.
// Starting an already-ACTIVE match is a no-op.
func (s *PostgresStore) StartMatch(ctx context.Context, matchID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE matches
		SET status = 'ACTIVE',
			start_time = now(),
			end_time = now() + make_interval(secs => duration_sec),
			updated_at = now()
		WHERE id = $1 AND status = 'CREATED'`, matchID)
	if err != nil {
		return fmt.Errorf("postgres: start match: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Missing or already past CREATED; caller decides whether to warn
		exists, err := s.matchExists(ctx, matchID)
		if err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
	}
	s.invalidateLeaderMatches(ctx)
	return nil
}

// CompleteMatch transitions ACTIVE -> COMPLETED and records the winner.
func (s *PostgresStore) CompleteMatch(ctx context.Context, matchID, winner string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE matches
		SET status = 'COMPLETED', winner = $2, updated_at = now()
		WHERE id = $1 AND status = 'ACTIVE'`, matchID, winner)
	if err != nil {
		return fmt.Errorf("postgres: complete match: %w", err)
	}
	if tag.RowsAffected() == 0 {
		exists, err := s.matchExists(ctx, matchID)
		if err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
	}
	s.invalidateLeaderMatches(ctx)
	return nil
}

func (s *PostgresStore) matchExists(ctx context.Context, matchID string) (bool, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM matches WHERE id = $1)`, matchID).Scan(&exists); err != nil {
		return false, fmt.Errorf("postgres: match exists: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) invalidateLeaderMatches(ctx context.Context) {
	if keys, err := s.redis.Keys(ctx, "leader_matches:*").Result(); err == nil && len(keys) > 0 {
		s.redis.Del(ctx, keys...)
	}
}

// --- Participant operations ---

const participantColumns = `id, match_id, address, role, margin_amount::text,
	funded_amount::text, entry_fee::text, pnl::text, created_at, updated_at`

func scanParticipant(row pgx.Row) (*models.Participant, error) {
	var p models.Participant
	var margin, funded, fee, pnl string

	err := row.Scan(&p.ID, &p.MatchID, &p.Address, &p.Role, &margin, &funded, &fee, &pnl,
		&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}

	p.MarginAmount = mustBig(margin)
	p.FundedAmount = mustBig(funded)
	p.EntryFee = mustBig(fee)
	p.PnL = mustBig(pnl)
	return &p, nil
}

// GetParticipant returns one participant row, or ErrNotFound.
func (s *PostgresStore) GetParticipant(ctx context.Context, matchID, address string) (*models.Participant, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+participantColumns+` FROM participants WHERE match_id = $1 AND address = $2`,
		matchID, address)
	p, err := scanParticipant(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get participant: %w", err)
	}
	return p, nil
}

// ListMatchParticipants returns all participants of a match.
func (s *PostgresStore) ListMatchParticipants(ctx context.Context, matchID string) ([]models.Participant, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+participantColumns+` FROM participants WHERE match_id = $1 ORDER BY created_at`, matchID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list participants: %w", err)
	}
	defer rows.Close()

	var participants []models.Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: list participants: %w", err)
		}
		participants = append(participants, *p)
	}
	return participants, rows.Err()
}

// JoinMatch inserts the participant and grows the prize pool by their entry
// fee inside one transaction, so a failed insert never leaks fee money into
// the pool.
func (s *PostgresStore) JoinMatch(ctx context.Context, p models.Participant) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: join match: %w", err)
	}
	defer tx.Rollback(ctx)

	var status string
	if err := tx.QueryRow(ctx, `SELECT status FROM matches WHERE id = $1 FOR UPDATE`, p.MatchID).Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("postgres: join match: %w", err)
	}
	if status == string(models.MatchCompleted) || status == string(models.MatchSettled) {
		return fmt.Errorf("postgres: join match: match %s is %s", p.MatchID, status)
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO participants (match_id, address, role, margin_amount, funded_amount, entry_fee, pnl)
		VALUES ($1, $2, $3, $4, $5, $6, 0)
		ON CONFLICT (match_id, address) DO NOTHING`,
		p.MatchID, p.Address, string(p.Role), numStr(p.MarginAmount),
		numStr(p.FundedAmount), numStr(p.EntryFee))
	if err != nil {
		return fmt.Errorf("postgres: join match: %w", err)
	}

	// Duplicate join: nothing inserted, prize pool untouched
	if tag.RowsAffected() > 0 && p.EntryFee != nil && p.EntryFee.Sign() > 0 {
		if _, err := tx.Exec(ctx,
			`UPDATE matches SET prize_pool = prize_pool + $2::numeric, updated_at = now() WHERE id = $1`,
			p.MatchID, numStr(p.EntryFee)); err != nil {
			return fmt.Errorf("postgres: join match prize pool: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: join match: %w", err)
	}

	s.invalidateLeaderMatches(ctx)
	return nil
}

// UpdateParticipantPnL overwrites the running PnL figure for a participant.
func (s *PostgresStore) UpdateParticipantPnL(ctx context.Context, matchID, address string, pnl *big.Int) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE participants SET pnl = $3::numeric, updated_at = now() WHERE match_id = $1 AND address = $2`,
		matchID, address, numStr(pnl))
	if err != nil {
		return fmt.Errorf("postgres: update pnl: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Delegation operations ---

const delegationColumns = `id, delegation_hash, follower_address, leader_address, match_id,
	amount::text, spending_limit::text, spent_amount::text, expires_at, is_active,
	COALESCE(signed_delegation, ''::bytea), created_at, updated_at`

func scanDelegation(row pgx.Row) (*models.Delegation, error) {
	var d models.Delegation
	var amount, limit, spent string

	err := row.Scan(&d.ID, &d.DelegationHash, &d.FollowerAddress, &d.LeaderAddress, &d.MatchID,
		&amount, &limit, &spent, &d.ExpiresAt, &d.IsActive, &d.SignedDelegation,
		&d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}

	d.Amount = mustBig(amount)
	d.SpendingLimit = mustBig(limit)
	d.SpentAmount = mustBig(spent)
	return &d, nil
}

// CreateDelegation stores a new delegation. Existing hashes are left
// untouched (the hash is the stable identity of the signed payload).
func (s *PostgresStore) CreateDelegation(ctx context.Context, d models.Delegation) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO delegations (delegation_hash, follower_address, leader_address, match_id,
			amount, spending_limit, spent_amount, expires_at, is_active, signed_delegation)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7, TRUE, $8)
		ON CONFLICT (delegation_hash) DO NOTHING`,
		d.DelegationHash, d.FollowerAddress, d.LeaderAddress, d.MatchID,
		numStr(d.Amount), numStr(d.SpendingLimit), d.ExpiresAt, d.SignedDelegation)
	if err != nil {
		return fmt.Errorf("postgres: create delegation: %w", err)
	}
	return nil
}

// GetDelegation returns a delegation by hash, or ErrNotFound.
func (s *PostgresStore) GetDelegation(ctx context.Context, hash string) (*models.Delegation, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+delegationColumns+` FROM delegations WHERE delegation_hash = $1`, hash)
	d, err := scanDelegation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get delegation: %w", err)
	}
	return d, nil
}

// ListActiveDelegations returns the active delegations backing one leader in
// one match.
func (s *PostgresStore) ListActiveDelegations(ctx context.Context, matchID, leader string) ([]models.Delegation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+delegationColumns+` FROM delegations
		WHERE match_id = $1 AND leader_address = $2 AND is_active = TRUE
		ORDER BY created_at`, matchID, leader)
	if err != nil {
		return nil, fmt.Errorf("postgres: list active delegations: %w", err)
	}
	defer rows.Close()

	var delegations []models.Delegation
	for rows.Next() {
		d, err := scanDelegation(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: list active delegations: %w", err)
		}
		delegations = append(delegations, *d)
	}
	return delegations, rows.Err()
}

// ListFollowerDelegations returns every delegation a follower has granted.
func (s *PostgresStore) ListFollowerDelegations(ctx context.Context, follower string) ([]models.Delegation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+delegationColumns+` FROM delegations WHERE follower_address = $1 ORDER BY created_at DESC`,
		follower)
	if err != nil {
		return nil, fmt.Errorf("postgres: list follower delegations: %w", err)
	}
	defer rows.Close()

	var delegations []models.Delegation
	for rows.Next() {
		d, err := scanDelegation(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: list follower delegations: %w", err)
		}
		delegations = append(delegations, *d)
	}
	return delegations, rows.Err()
}

// DeactivateDelegation flips is_active off (revocation and lazy expiry share
// this path; delegations are never hard-deleted).
func (s *PostgresStore) DeactivateDelegation(ctx context.Context, hash string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE delegations SET is_active = FALSE, updated_at = now() WHERE delegation_hash = $1`, hash)
	if err != nil {
		return fmt.Errorf("postgres: deactivate delegation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Trade operations ---

// InsertTrade appends one immutable trade record.
func (s *PostgresStore) InsertTrade(ctx context.Context, trade models.Trade) (*models.Trade, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO trades (match_id, participant_id, delegation_id, kind, venue,
			token_in, token_out, amount_in, amount_out, target_contract, block_number, tx_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id, created_at`,
		trade.MatchID, trade.ParticipantID, trade.DelegationID, string(trade.Kind), trade.Venue,
		trade.TokenIn, trade.TokenOut, numStr(trade.AmountIn), numStr(trade.AmountOut),
		trade.TargetContract, trade.BlockNumber, trade.TxHash)

	if err := row.Scan(&trade.ID, &trade.CreatedAt); err != nil {
		return nil, fmt.Errorf("postgres: insert trade: %w", err)
	}
	return &trade, nil
}

const tradeColumns = `id, match_id, participant_id, delegation_id, kind, venue,
	token_in, token_out, amount_in::text, amount_out::text, target_contract,
	block_number, tx_hash, created_at`

func scanTrade(row pgx.Row) (*models.Trade, error) {
	var t models.Trade
	var amountIn, amountOut string

	err := row.Scan(&t.ID, &t.MatchID, &t.ParticipantID, &t.DelegationID, &t.Kind, &t.Venue,
		&t.TokenIn, &t.TokenOut, &amountIn, &amountOut, &t.TargetContract,
		&t.BlockNumber, &t.TxHash, &t.CreatedAt)
	if err != nil {
		return nil, err
	}

	t.AmountIn = mustBig(amountIn)
	t.AmountOut = mustBig(amountOut)
	return &t, nil
}

// ListMatchTrades returns recent trades of a match, newest first.
func (s *PostgresStore) ListMatchTrades(ctx context.Context, matchID string, limit int) ([]models.Trade, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE match_id = $1 ORDER BY created_at DESC LIMIT $2`,
		matchID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades: %w", err)
	}
	defer rows.Close()

	var trades []models.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: list trades: %w", err)
		}
		trades = append(trades, *t)
	}
	return trades, rows.Err()
}

// --- Reconciliation ---

// ApplyCopyTrade applies the ledger writes for one admitted copy trade as a
// unit: upsert the follower's participant row, increment the delegation's
// spent amount, append the FOLLOWER_COPY trade. The spend guard is repeated
// in SQL so a concurrent writer can never push spent past the limit.
func (s *PostgresStore) ApplyCopyTrade(ctx context.Context, app CopyTradeApplication) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: apply copy trade: %w", err)
	}
	defer tx.Rollback(ctx)

	// Upsert follower participant
	var participantID int64
	err = tx.QueryRow(ctx, `
		INSERT INTO participants (match_id, address, role, funded_amount, entry_fee, pnl)
		VALUES ($1, $2, 'FOLLOWER', $3, 0, 0)
		ON CONFLICT (match_id, address) DO UPDATE SET updated_at = now()
		RETURNING id`,
		app.MatchID, app.FollowerAddress, numStr(app.FollowerFunded)).Scan(&participantID)
	if err != nil {
		return fmt.Errorf("postgres: apply copy trade participant: %w", err)
	}

	// Increment spent amount, re-checking the limit under the row lock
	tag, err := tx.Exec(ctx, `
		UPDATE delegations
		SET spent_amount = spent_amount + $2::numeric, updated_at = now()
		WHERE delegation_hash = $1
		  AND spent_amount + $2::numeric <= spending_limit`,
		app.DelegationHash, numStr(app.CopyAmount))
	if err != nil {
		return fmt.Errorf("postgres: apply copy trade spend: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: apply copy trade: delegation %s missing or over limit", app.DelegationHash)
	}

	trade := app.Trade
	trade.MatchID = app.MatchID
	trade.ParticipantID = participantID
	delegationID := app.DelegationID
	trade.DelegationID = &delegationID

	if _, err := tx.Exec(ctx, `
		INSERT INTO trades (match_id, participant_id, delegation_id, kind, venue,
			token_in, token_out, amount_in, amount_out, target_contract, block_number, tx_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		trade.MatchID, trade.ParticipantID, trade.DelegationID, string(trade.Kind), trade.Venue,
		trade.TokenIn, trade.TokenOut, numStr(trade.AmountIn), numStr(trade.AmountOut),
		trade.TargetContract, trade.BlockNumber, trade.TxHash); err != nil {
		return fmt.Errorf("postgres: apply copy trade insert: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: apply copy trade: %w", err)
	}

	log.Printf("[PostgresStore] Applied copy trade: delegation=%s spent+=%s tx=%s",
		app.DelegationHash, numStr(app.CopyAmount), trade.TxHash)
	return nil
}

// --- helpers ---

func numStr(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func mustBig(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return new(big.Int)
	}
	return v
}
