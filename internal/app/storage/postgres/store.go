package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/R3E-Network/raffle/internal/app/domain/raffle"
	"github.com/R3E-Network/raffle/internal/app/storage"
)

// Store implements the storage interfaces backed by PostgreSQL. Amounts are
// NUMERIC(78,0) columns exchanged as decimal text.
type Store struct {
	db *sqlx.DB
}

var _ storage.RaffleStore = (*Store)(nil)
var _ storage.BalanceStore = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Open connects to dsn with the lib/pq driver.
func Open(ctx context.Context, dsn string, maxOpenConns int) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if maxOpenConns > 0 {
		db.SetMaxOpenConns(maxOpenConns)
		db.SetMaxIdleConns(maxOpenConns)
	}
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

// --- RaffleStore ------------------------------------------------------------

type raffleRow struct {
	ID               string         `db:"id"`
	RoundNumber      int64          `db:"round_number"`
	State            int16          `db:"state"`
	Pool             string         `db:"pool"`
	StartedAt        int64          `db:"started_at"`
	PendingRequestID sql.NullString `db:"pending_request_id"`
	PendingIssuedAt  sql.NullInt64  `db:"pending_issued_at"`
	RecentWinner     string         `db:"recent_winner"`
	UpdatedAt        time.Time      `db:"updated_at"`
}

func (s *Store) LoadRaffle(ctx context.Context, id string) (raffle.Snapshot, error) {
	var row raffleRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, round_number, state, pool::text AS pool, started_at,
		       pending_request_id::text AS pending_request_id, pending_issued_at,
		       recent_winner, updated_at
		FROM raffles
		WHERE id = $1
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return raffle.Snapshot{}, fmt.Errorf("raffle %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return raffle.Snapshot{}, err
	}

	var addrs []string
	if err := s.db.SelectContext(ctx, &addrs, `
		SELECT address FROM raffle_participants WHERE raffle_id = $1 ORDER BY slot
	`, id); err != nil {
		return raffle.Snapshot{}, err
	}

	pool, err := parseAmount(row.Pool)
	if err != nil {
		return raffle.Snapshot{}, fmt.Errorf("raffle %s pool: %w", id, err)
	}
	snap := raffle.Snapshot{
		ID: row.ID,
		Round: raffle.Round{
			Number:       uint64(row.RoundNumber),
			State:        raffle.State(row.State),
			Participants: make([]common.Address, 0, len(addrs)),
			Pool:         pool,
			StartedAt:    uint64(row.StartedAt),
		},
		UpdatedAt: row.UpdatedAt.UTC(),
	}
	for _, a := range addrs {
		snap.Round.Participants = append(snap.Round.Participants, common.HexToAddress(a))
	}
	if row.RecentWinner != "" {
		snap.RecentWinner = common.HexToAddress(row.RecentWinner)
	}
	if row.PendingRequestID.Valid {
		reqID, err := strconv.ParseUint(row.PendingRequestID.String, 10, 64)
		if err != nil {
			return raffle.Snapshot{}, fmt.Errorf("raffle %s pending request: %w", id, err)
		}
		snap.Pending = &raffle.PendingRequest{RequestID: reqID, IssuedAt: uint64(row.PendingIssuedAt.Int64)}
	}
	return snap, nil
}

// SaveRaffle upserts the snapshot row and rewrites the participant list in a
// single transaction.
func (s *Store) SaveRaffle(ctx context.Context, snap raffle.Snapshot) error {
	if snap.ID == "" {
		return fmt.Errorf("raffle id required")
	}

	var reqID sql.NullString
	var issuedAt sql.NullInt64
	if snap.Pending != nil {
		reqID = sql.NullString{String: strconv.FormatUint(snap.Pending.RequestID, 10), Valid: true}
		issuedAt = sql.NullInt64{Int64: int64(snap.Pending.IssuedAt), Valid: true}
	}
	winner := ""
	if snap.RecentWinner != (common.Address{}) {
		winner = snap.RecentWinner.Hex()
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO raffles (id, round_number, state, pool, started_at, pending_request_id, pending_issued_at, recent_winner, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			round_number = EXCLUDED.round_number,
			state = EXCLUDED.state,
			pool = EXCLUDED.pool,
			started_at = EXCLUDED.started_at,
			pending_request_id = EXCLUDED.pending_request_id,
			pending_issued_at = EXCLUDED.pending_issued_at,
			recent_winner = EXCLUDED.recent_winner,
			updated_at = EXCLUDED.updated_at
	`, snap.ID, int64(snap.Round.Number), int16(snap.Round.State), amountText(snap.Round.Pool),
		int64(snap.Round.StartedAt), reqID, issuedAt, winner, time.Now().UTC()); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM raffle_participants WHERE raffle_id = $1`, snap.ID); err != nil {
		return err
	}
	for slot, addr := range snap.Round.Participants {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO raffle_participants (raffle_id, slot, address) VALUES ($1, $2, $3)
		`, snap.ID, slot, addr.Hex()); err != nil {
			return err
		}
	}
	return tx.Commit()
}

type drawRow struct {
	ID          string    `db:"id"`
	RaffleID    string    `db:"raffle_id"`
	RoundNumber int64     `db:"round_number"`
	RequestID   string    `db:"request_id"`
	Winner      string    `db:"winner"`
	Amount      string    `db:"amount"`
	Players     int       `db:"players"`
	RandomWord  string    `db:"random_word"`
	DrawnAt     time.Time `db:"drawn_at"`
}

func (s *Store) RecordDraw(ctx context.Context, draw raffle.Draw) (raffle.Draw, error) {
	if draw.ID == "" {
		draw.ID = uuid.NewString()
	}
	if draw.DrawnAt.IsZero() {
		draw.DrawnAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO raffle_draws (id, raffle_id, round_number, request_id, winner, amount, players, random_word, drawn_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, draw.ID, draw.RaffleID, int64(draw.RoundNumber), strconv.FormatUint(draw.RequestID, 10),
		draw.Winner.Hex(), amountText(draw.Amount), draw.Players, amountText(draw.RandomWord), draw.DrawnAt)
	if err != nil {
		return raffle.Draw{}, err
	}
	return draw, nil
}

// ListDraws returns the most recent draws first. A non-positive limit returns
// every draw.
func (s *Store) ListDraws(ctx context.Context, raffleID string, limit int) ([]raffle.Draw, error) {
	query := `
		SELECT id::text AS id, raffle_id, round_number, request_id::text AS request_id, winner,
		       amount::text AS amount, players, random_word::text AS random_word, drawn_at
		FROM raffle_draws
		WHERE raffle_id = $1
		ORDER BY round_number DESC`
	args := []any{raffleID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	var rows []drawRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	result := make([]raffle.Draw, 0, len(rows))
	for _, row := range rows {
		draw, err := row.toDraw()
		if err != nil {
			return nil, err
		}
		result = append(result, draw)
	}
	return result, nil
}

func (r drawRow) toDraw() (raffle.Draw, error) {
	reqID, err := strconv.ParseUint(r.RequestID, 10, 64)
	if err != nil {
		return raffle.Draw{}, fmt.Errorf("draw %s request id: %w", r.ID, err)
	}
	amount, err := parseAmount(r.Amount)
	if err != nil {
		return raffle.Draw{}, fmt.Errorf("draw %s amount: %w", r.ID, err)
	}
	word, err := parseAmount(r.RandomWord)
	if err != nil {
		return raffle.Draw{}, fmt.Errorf("draw %s random word: %w", r.ID, err)
	}
	return raffle.Draw{
		ID:          r.ID,
		RaffleID:    r.RaffleID,
		RoundNumber: uint64(r.RoundNumber),
		RequestID:   reqID,
		Winner:      common.HexToAddress(r.Winner),
		Amount:      amount,
		Players:     r.Players,
		RandomWord:  word,
		DrawnAt:     r.DrawnAt.UTC(),
	}, nil
}

// --- BalanceStore -----------------------------------------------------------

func (s *Store) Balance(ctx context.Context, addr common.Address) (*uint256.Int, error) {
	var amount string
	err := s.db.GetContext(ctx, &amount, `SELECT amount::text FROM balances WHERE address = $1`, addr.Hex())
	if errors.Is(err, sql.ErrNoRows) {
		return new(uint256.Int), nil
	}
	if err != nil {
		return nil, err
	}
	return parseAmount(amount)
}

func (s *Store) Credit(ctx context.Context, addr common.Address, amount *uint256.Int) (*uint256.Int, error) {
	var total string
	err := s.db.GetContext(ctx, &total, `
		INSERT INTO balances (address, amount, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (address) DO UPDATE SET amount = balances.amount + EXCLUDED.amount, updated_at = EXCLUDED.updated_at
		RETURNING amount::text
	`, addr.Hex(), amountText(amount), time.Now().UTC())
	if err != nil {
		return nil, err
	}
	next, err := parseAmount(total)
	if err != nil {
		return nil, fmt.Errorf("credit %s: %w", addr.Hex(), err)
	}
	return next, nil
}

// Transfer locks both balance rows in address order so concurrent transfers
// between the same pair cannot deadlock.
func (s *Store) Transfer(ctx context.Context, from, to common.Address, amount *uint256.Int) error {
	if from == to {
		return fmt.Errorf("transfer %s: %w", from.Hex(), storage.ErrSelfTransfer)
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var locked []struct {
		Address string `db:"address"`
		Amount  string `db:"amount"`
	}
	if err := tx.SelectContext(ctx, &locked, `
		SELECT address, amount::text AS amount FROM balances
		WHERE address IN ($1, $2)
		ORDER BY address
		FOR UPDATE
	`, from.Hex(), to.Hex()); err != nil {
		return err
	}

	src := new(uint256.Int)
	for _, row := range locked {
		if row.Address == from.Hex() {
			if src, err = parseAmount(row.Amount); err != nil {
				return fmt.Errorf("transfer from %s: %w", from.Hex(), err)
			}
		}
	}
	if src.Lt(amount) {
		return fmt.Errorf("transfer from %s: %w", from.Hex(), storage.ErrInsufficientBalance)
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		UPDATE balances SET amount = amount - $2, updated_at = $3 WHERE address = $1
	`, from.Hex(), amountText(amount), now); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO balances (address, amount, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (address) DO UPDATE SET amount = balances.amount + EXCLUDED.amount, updated_at = EXCLUDED.updated_at
	`, to.Hex(), amountText(amount), now); err != nil {
		return err
	}
	return tx.Commit()
}

func amountText(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

func parseAmount(raw string) (*uint256.Int, error) {
	v, err := uint256.FromDecimal(raw)
	if err != nil {
		return nil, fmt.Errorf("parse amount %q: %w", raw, err)
	}
	return v, nil
}
