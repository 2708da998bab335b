package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"trade-club-engine/models"

	_ "modernc.org/sqlite"
)

// Store wraps SQLite persistence for matches, participants, delegations, and
// trades. It backs local/dev runs; production uses PostgresStore.
type Store struct {
	db *sql.DB
}

// New opens (and creates if needed) the SQLite database at dbPath.
func New(dbPath string) (*Store, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("storage: db path is empty")
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("storage: mkdir %s: %w", filepath.Dir(dbPath), err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("storage: open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxIdleTime(0)

	store := &Store{db: db}
	if err := store.runMigrations(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) runMigrations(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS matches (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL DEFAULT 'CREATED',
			entry_margin TEXT NOT NULL DEFAULT '0',
			duration_sec INTEGER NOT NULL DEFAULT 0,
			prize_pool TEXT NOT NULL DEFAULT '0',
			max_participants INTEGER NOT NULL DEFAULT 0,
			max_supporters INTEGER NOT NULL DEFAULT 0,
			allowed_venues TEXT NOT NULL DEFAULT '[]',
			creator TEXT NOT NULL DEFAULT '',
			start_time TIMESTAMP,
			end_time TIMESTAMP,
			winner TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS participants (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			match_id TEXT NOT NULL,
			address TEXT NOT NULL,
			role TEXT NOT NULL,
			margin_amount TEXT NOT NULL DEFAULT '0',
			funded_amount TEXT NOT NULL DEFAULT '0',
			entry_fee TEXT NOT NULL DEFAULT '0',
			pnl TEXT NOT NULL DEFAULT '0',
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(match_id, address)
		)`,
		`CREATE TABLE IF NOT EXISTS delegations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			delegation_hash TEXT NOT NULL UNIQUE,
			follower_address TEXT NOT NULL,
			leader_address TEXT NOT NULL,
			match_id TEXT NOT NULL,
			amount TEXT NOT NULL DEFAULT '0',
			spending_limit TEXT NOT NULL DEFAULT '0',
			spent_amount TEXT NOT NULL DEFAULT '0',
			expires_at TIMESTAMP NOT NULL,
			is_active INTEGER NOT NULL DEFAULT 1,
			signed_delegation BLOB,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS trades (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			match_id TEXT NOT NULL,
			participant_id INTEGER NOT NULL,
			delegation_id INTEGER,
			kind TEXT NOT NULL,
			venue TEXT NOT NULL DEFAULT '',
			token_in TEXT NOT NULL DEFAULT '',
			token_out TEXT NOT NULL DEFAULT '',
			amount_in TEXT NOT NULL DEFAULT '0',
			amount_out TEXT NOT NULL DEFAULT '0',
			target_contract TEXT NOT NULL DEFAULT '',
			block_number INTEGER NOT NULL DEFAULT 0,
			tx_hash TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_delegations_match_leader ON delegations(match_id, leader_address)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_match ON trades(match_id)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("storage: migration: %w", err)
		}
	}
	return nil
}

// --- Match operations ---

// CreateMatch inserts a new match in CREATED state.
func (s *Store) CreateMatch(ctx context.Context, match models.Match) error {
	venues, err := json.Marshal(match.AllowedVenues)
	if err != nil {
		return fmt.Errorf("storage: marshal venues: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO matches (id, status, entry_margin, duration_sec, prize_pool,
			max_participants, max_supporters, allowed_venues, creator)
		VALUES (?, 'CREATED', ?, ?, ?, ?, ?, ?, ?)`,
		match.ID, numStr(match.EntryMargin), match.DurationSec, numStr(match.PrizePool),
		match.MaxParticipants, match.MaxSupporters, string(venues), match.Creator)
	if err != nil {
		return fmt.Errorf("storage: create match: %w", err)
	}
	return nil
}

const sqliteMatchColumns = `id, status, entry_margin, duration_sec, prize_pool,
	max_participants, max_supporters, allowed_venues, creator,
	COALESCE(start_time, '1970-01-01 00:00:00'), COALESCE(end_time, '1970-01-01 00:00:00'),
	winner, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanMatch(row rowScanner) (*models.Match, error) {
	var m models.Match
	var entryMargin, prizePool, venuesJSON string
	var startTime, endTime, createdAt, updatedAt string

	err := row.Scan(&m.ID, &m.Status, &entryMargin, &m.DurationSec, &prizePool,
		&m.MaxParticipants, &m.MaxSupporters, &venuesJSON, &m.Creator,
		&startTime, &endTime, &m.Winner, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	m.EntryMargin = mustBig(entryMargin)
	m.PrizePool = mustBig(prizePool)
	m.StartTime = parseSQLiteTime(startTime)
	m.EndTime = parseSQLiteTime(endTime)
	m.CreatedAt = parseSQLiteTime(createdAt)
	m.UpdatedAt = parseSQLiteTime(updatedAt)
	if venuesJSON != "" {
		if err := json.Unmarshal([]byte(venuesJSON), &m.AllowedVenues); err != nil {
			return nil, fmt.Errorf("storage: venues: %w", err)
		}
	}
	return &m, nil
}

// GetMatch returns a match by ID, or ErrNotFound.
func (s *Store) GetMatch(ctx context.Context, matchID string) (*models.Match, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteMatchColumns+` FROM matches WHERE id = ?`, matchID)
	m, err := s.scanMatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get match: %w", err)
	}
	return m, nil
}

// ListMatches returns recent matches, newest first.
func (s *Store) ListMatches(ctx context.Context, limit int) ([]models.Match, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteMatchColumns+` FROM matches ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list matches: %w", err)
	}
	defer rows.Close()

	var matches []models.Match
	for rows.Next() {
		m, err := s.scanMatch(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: list matches: %w", err)
		}
		matches = append(matches, *m)
	}
	return matches, rows.Err()
}

// ListActiveMatchesForLeader returns ACTIVE matches led by the address.
func (s *Store) ListActiveMatchesForLeader(ctx context.Context, leader string) ([]models.Match, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sqliteMatchColumns+` FROM matches m
		WHERE m.status = 'ACTIVE'
		  AND EXISTS (
			SELECT 1 FROM participants p
			WHERE p.match_id = m.id AND p.address = ? AND p.role = 'LEADER'
		  )
		ORDER BY m.created_at`, leader)
	if err != nil {
		return nil, fmt.Errorf("storage: active matches for leader: %w", err)
	}
	defer rows.Close()

	matches := []models.Match{}
	for rows.Next() {
		m, err := s.scanMatch(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: active matches for leader: %w", err)
		}
		matches = append(matches, *m)
	}
	return matches, rows.Err()
}

// StartMatch transitions CREATED -> ACTIVE; a duplicate start is a no-op.
func (s *Store) StartMatch(ctx context.Context, matchID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE matches
		SET status = 'ACTIVE',
			start_time = CURRENT_TIMESTAMP,
			end_time = datetime(CURRENT_TIMESTAMP, '+' || duration_sec || ' seconds'),
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = 'CREATED'`, matchID)
	if err != nil {
		return fmt.Errorf("storage: start match: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.errIfMissing(ctx, matchID)
	}
	return nil
}

// CompleteMatch transitions ACTIVE -> COMPLETED and records the winner.
func (s *Store) CompleteMatch(ctx context.Context, matchID, winner string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE matches SET status = 'COMPLETED', winner = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = 'ACTIVE'`, winner, matchID)
	if err != nil {
		return fmt.Errorf("storage: complete match: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.errIfMissing(ctx, matchID)
	}
	return nil
}

func (s *Store) errIfMissing(ctx context.Context, matchID string) error {
	var exists int
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM matches WHERE id = ?)`, matchID).Scan(&exists); err != nil {
		return fmt.Errorf("storage: match exists: %w", err)
	}
	if exists == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Participant operations ---

const sqliteParticipantColumns = `id, match_id, address, role, margin_amount,
	funded_amount, entry_fee, pnl, created_at, updated_at`

func (s *Store) scanParticipant(row rowScanner) (*models.Participant, error) {
	var p models.Participant
	var margin, funded, fee, pnl, createdAt, updatedAt string

	err := row.Scan(&p.ID, &p.MatchID, &p.Address, &p.Role, &margin, &funded, &fee, &pnl,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	p.MarginAmount = mustBig(margin)
	p.FundedAmount = mustBig(funded)
	p.EntryFee = mustBig(fee)
	p.PnL = mustBig(pnl)
	p.CreatedAt = parseSQLiteTime(createdAt)
	p.UpdatedAt = parseSQLiteTime(updatedAt)
	return &p, nil
}

// GetParticipant returns one participant row, or ErrNotFound.
func (s *Store) GetParticipant(ctx context.Context, matchID, address string) (*models.Participant, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteParticipantColumns+` FROM participants WHERE match_id = ? AND address = ?`,
		matchID, address)
	p, err := s.scanParticipant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get participant: %w", err)
	}
	return p, nil
}

// ListMatchParticipants returns all participants of a match.
func (s *Store) ListMatchParticipants(ctx context.Context, matchID string) ([]models.Participant, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteParticipantColumns+` FROM participants WHERE match_id = ? ORDER BY created_at`,
		matchID)
	if err != nil {
		return nil, fmt.Errorf("storage: list participants: %w", err)
	}
	defer rows.Close()

	var participants []models.Participant
	for rows.Next() {
		p, err := s.scanParticipant(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: list participants: %w", err)
		}
		participants = append(participants, *p)
	}
	return participants, rows.Err()
}

// JoinMatch inserts the participant and grows the prize pool in one tx.
func (s *Store) JoinMatch(ctx context.Context, p models.Participant) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: join match: %w", err)
	}
	defer tx.Rollback()

	var status, pool string
	err = tx.QueryRowContext(ctx, `SELECT status, prize_pool FROM matches WHERE id = ?`, p.MatchID).
		Scan(&status, &pool)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("storage: join match: %w", err)
	}
	if status == string(models.MatchCompleted) || status == string(models.MatchSettled) {
		return fmt.Errorf("storage: join match: match %s is %s", p.MatchID, status)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO participants (match_id, address, role, margin_amount, funded_amount, entry_fee, pnl)
		VALUES (?, ?, ?, ?, ?, ?, '0')`,
		p.MatchID, p.Address, string(p.Role), numStr(p.MarginAmount),
		numStr(p.FundedAmount), numStr(p.EntryFee))
	if err != nil {
		return fmt.Errorf("storage: join match: %w", err)
	}

	if n, _ := res.RowsAffected(); n > 0 && p.EntryFee != nil && p.EntryFee.Sign() > 0 {
		newPool := new(big.Int).Add(mustBig(pool), p.EntryFee)
		if _, err := tx.ExecContext(ctx,
			`UPDATE matches SET prize_pool = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
			newPool.String(), p.MatchID); err != nil {
			return fmt.Errorf("storage: join match prize pool: %w", err)
		}
	}

	return tx.Commit()
}

// UpdateParticipantPnL overwrites the running PnL figure.
func (s *Store) UpdateParticipantPnL(ctx context.Context, matchID, address string, pnl *big.Int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE participants SET pnl = ?, updated_at = CURRENT_TIMESTAMP WHERE match_id = ? AND address = ?`,
		numStr(pnl), matchID, address)
	if err != nil {
		return fmt.Errorf("storage: update pnl: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Delegation operations ---

const sqliteDelegationColumns = `id, delegation_hash, follower_address, leader_address, match_id,
	amount, spending_limit, spent_amount, expires_at, is_active,
	COALESCE(signed_delegation, X''), created_at, updated_at`

func (s *Store) scanDelegation(row rowScanner) (*models.Delegation, error) {
	var d models.Delegation
	var amount, limit, spent, expiresAt, createdAt, updatedAt string

	err := row.Scan(&d.ID, &d.DelegationHash, &d.FollowerAddress, &d.LeaderAddress, &d.MatchID,
		&amount, &limit, &spent, &expiresAt, &d.IsActive, &d.SignedDelegation,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	d.Amount = mustBig(amount)
	d.SpendingLimit = mustBig(limit)
	d.SpentAmount = mustBig(spent)
	d.ExpiresAt = parseSQLiteTime(expiresAt)
	d.CreatedAt = parseSQLiteTime(createdAt)
	d.UpdatedAt = parseSQLiteTime(updatedAt)
	return &d, nil
}

// CreateDelegation stores a new delegation keyed by its hash.
func (s *Store) CreateDelegation(ctx context.Context, d models.Delegation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO delegations (delegation_hash, follower_address, leader_address, match_id,
			amount, spending_limit, spent_amount, expires_at, is_active, signed_delegation)
		VALUES (?, ?, ?, ?, ?, ?, '0', ?, 1, ?)`,
		d.DelegationHash, d.FollowerAddress, d.LeaderAddress, d.MatchID,
		numStr(d.Amount), numStr(d.SpendingLimit), d.ExpiresAt.UTC().Format(sqliteTimeLayout),
		d.SignedDelegation)
	if err != nil {
		return fmt.Errorf("storage: create delegation: %w", err)
	}
	return nil
}

// GetDelegation returns a delegation by hash, or ErrNotFound.
func (s *Store) GetDelegation(ctx context.Context, hash string) (*models.Delegation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteDelegationColumns+` FROM delegations WHERE delegation_hash = ?`, hash)
	d, err := s.scanDelegation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get delegation: %w", err)
	}
	return d, nil
}

// ListActiveDelegations returns active delegations for one leader in one match.
func (s *Store) ListActiveDelegations(ctx context.Context, matchID, leader string) ([]models.Delegation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sqliteDelegationColumns+` FROM delegations
		WHERE match_id = ? AND leader_address = ? AND is_active = 1
		ORDER BY created_at`, matchID, leader)
	if err != nil {
		return nil, fmt.Errorf("storage: list active delegations: %w", err)
	}
	defer rows.Close()

	var delegations []models.Delegation
	for rows.Next() {
		d, err := s.scanDelegation(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: list active delegations: %w", err)
		}
		delegations = append(delegations, *d)
	}
	return delegations, rows.Err()
}

// ListFollowerDelegations returns every delegation granted by a follower.
func (s *Store) ListFollowerDelegations(ctx context.Context, follower string) ([]models.Delegation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteDelegationColumns+` FROM delegations WHERE follower_address = ? ORDER BY created_at DESC`,
		follower)
	if err != nil {
		return nil, fmt.Errorf("storage: list follower delegations: %w", err)
	}
	defer rows.Close()

	var delegations []models.Delegation
	for rows.Next() {
		d, err := s.scanDelegation(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: list follower delegations: %w", err)
		}
		delegations = append(delegations, *d)
	}
	return delegations, rows.Err()
}

// DeactivateDelegation flips is_active off.
func (s *Store) DeactivateDelegation(ctx context.Context, hash string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE delegations SET is_active = 0, updated_at = CURRENT_TIMESTAMP WHERE delegation_hash = ?`, hash)
	if err != nil {
		return fmt.Errorf("storage: deactivate delegation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Trade operations ---

// InsertTrade appends one immutable trade record.
func (s *Store) InsertTrade(ctx context.Context, trade models.Trade) (*models.Trade, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO trades (match_id, participant_id, delegation_id, kind, venue,
			token_in, token_out, amount_in, amount_out, target_contract, block_number, tx_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		trade.MatchID, trade.ParticipantID, trade.DelegationID, string(trade.Kind), trade.Venue,
		trade.TokenIn, trade.TokenOut, numStr(trade.AmountIn), numStr(trade.AmountOut),
		trade.TargetContract, trade.BlockNumber, trade.TxHash)
	if err != nil {
		return nil, fmt.Errorf("storage: insert trade: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("storage: insert trade id: %w", err)
	}
	trade.ID = id
	trade.CreatedAt = time.Now().UTC()
	return &trade, nil
}

const sqliteTradeColumns = `id, match_id, participant_id, delegation_id, kind, venue,
	token_in, token_out, amount_in, amount_out, target_contract, block_number, tx_hash, created_at`

func (s *Store) scanTrade(row rowScanner) (*models.Trade, error) {
	var t models.Trade
	var amountIn, amountOut, createdAt string
	var delegationID sql.NullInt64

	err := row.Scan(&t.ID, &t.MatchID, &t.ParticipantID, &delegationID, &t.Kind, &t.Venue,
		&t.TokenIn, &t.TokenOut, &amountIn, &amountOut, &t.TargetContract,
		&t.BlockNumber, &t.TxHash, &createdAt)
	if err != nil {
		return nil, err
	}

	if delegationID.Valid {
		v := delegationID.Int64
		t.DelegationID = &v
	}
	t.AmountIn = mustBig(amountIn)
	t.AmountOut = mustBig(amountOut)
	t.CreatedAt = parseSQLiteTime(createdAt)
	return &t, nil
}

// ListMatchTrades returns recent trades of a match, newest first.
func (s *Store) ListMatchTrades(ctx context.Context, matchID string, limit int) ([]models.Trade, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteTradeColumns+` FROM trades WHERE match_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		matchID, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list trades: %w", err)
	}
	defer rows.Close()

	var trades []models.Trade
	for rows.Next() {
		t, err := s.scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: list trades: %w", err)
		}
		trades = append(trades, *t)
	}
	return trades, rows.Err()
}

// --- Reconciliation ---

// ApplyCopyTrade applies participant upsert + spend increment + trade insert
// as one transaction, re-checking the spending limit inside the tx.
func (s *Store) ApplyCopyTrade(ctx context.Context, app CopyTradeApplication) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: apply copy trade: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO participants (match_id, address, role, funded_amount, entry_fee, pnl)
		VALUES (?, ?, 'FOLLOWER', ?, '0', '0')`,
		app.MatchID, app.FollowerAddress, numStr(app.FollowerFunded)); err != nil {
		return fmt.Errorf("storage: apply copy trade participant: %w", err)
	}

	var participantID int64
	if err := tx.QueryRowContext(ctx,
		`SELECT id FROM participants WHERE match_id = ? AND address = ?`,
		app.MatchID, app.FollowerAddress).Scan(&participantID); err != nil {
		return fmt.Errorf("storage: apply copy trade participant id: %w", err)
	}

	var spent, limit string
	if err := tx.QueryRowContext(ctx,
		`SELECT spent_amount, spending_limit FROM delegations WHERE delegation_hash = ?`,
		app.DelegationHash).Scan(&spent, &limit); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("storage: apply copy trade delegation: %w", err)
	}

	newSpent := new(big.Int).Add(mustBig(spent), app.CopyAmount)
	if newSpent.Cmp(mustBig(limit)) > 0 {
		return fmt.Errorf("storage: apply copy trade: delegation %s over limit", app.DelegationHash)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE delegations SET spent_amount = ?, updated_at = CURRENT_TIMESTAMP WHERE delegation_hash = ?`,
		newSpent.String(), app.DelegationHash); err != nil {
		return fmt.Errorf("storage: apply copy trade spend: %w", err)
	}

	trade := app.Trade
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO trades (match_id, participant_id, delegation_id, kind, venue,
			token_in, token_out, amount_in, amount_out, target_contract, block_number, tx_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		app.MatchID, participantID, app.DelegationID, string(trade.Kind), trade.Venue,
		trade.TokenIn, trade.TokenOut, numStr(trade.AmountIn), numStr(trade.AmountOut),
		trade.TargetContract, trade.BlockNumber, trade.TxHash); err != nil {
		return fmt.Errorf("storage: apply copy trade insert: %w", err)
	}

	return tx.Commit()
}

// --- helpers ---

const sqliteTimeLayout = "2006-01-02 15:04:05"

func parseSQLiteTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{sqliteTimeLayout, time.RFC3339, "2006-01-02T15:04:05Z"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
