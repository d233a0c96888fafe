package gendb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"creativeflow/internal/generation"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ErrHoldNotFound signals a hold id the ledger never issued.
var ErrHoldNotFound = errors.New("credit hold not found")

// ErrHoldSettled signals a capture of a refunded hold or a refund of a captured one.
var ErrHoldSettled = errors.New("credit hold already settled the other way")

// ErrCaptureExceedsHold signals a capture larger than the held amount.
var ErrCaptureExceedsHold = errors.New("capture exceeds held amount")

// Ledger is a Postgres-backed credit ledger with per-request holds.
type Ledger struct {
	db    *sql.DB
	newID func() string
}

// NewLedger constructs a Ledger backed by Postgres.
func NewLedger(db *sql.DB) *Ledger {
	return &Ledger{db: db, newID: uuid.NewString}
}

// NewLedgerWithSchema initializes the schema then returns the ledger.
func NewLedgerWithSchema(ctx context.Context, db *sql.DB) (*Ledger, error) {
	ledger := NewLedger(db)
	if err := ledger.InitSchema(ctx); err != nil {
		return nil, err
	}
	return ledger, nil
}

// InitSchema creates the account and hold tables if they do not exist.
func (l *Ledger) InitSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS credit_accounts (
			user_id TEXT PRIMARY KEY,
			balance NUMERIC(20, 6) NOT NULL CHECK (balance >= 0),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS credit_holds (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES credit_accounts(user_id),
			request_id TEXT NOT NULL,
			stage TEXT NOT NULL,
			amount NUMERIC(20, 6) NOT NULL,
			state TEXT NOT NULL,
			captured NUMERIC(20, 6),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			settled_at TIMESTAMPTZ
		)`,
	}
	for _, stmt := range statements {
		if _, err := l.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (l *Ledger) Reserve(ctx context.Context, userID, requestID string, stage generation.Stage, amount decimal.Decimal) (string, error) {
	if userID == "" || !amount.IsPositive() {
		return "", fmt.Errorf("%w: reserve needs a user and a positive amount", generation.ErrValidation)
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE credit_accounts
		SET balance = balance - $2, updated_at = NOW()
		WHERE user_id = $1 AND balance >= $2`,
		userID, amount.String(),
	)
	if err != nil {
		return "", err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return "", err
	}
	if affected == 0 {
		return "", fmt.Errorf("%w: user %s cannot cover %s", generation.ErrInsufficientCredits, userID, amount)
	}

	holdID := l.newID()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO credit_holds (id, user_id, request_id, stage, amount, state)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		holdID, userID, requestID, string(stage), amount.String(), string(generation.HoldHeld),
	); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return holdID, nil
}

func (l *Ledger) Capture(ctx context.Context, holdID string, amount decimal.Decimal) error {
	return l.settle(ctx, holdID, generation.HoldCaptured, amount)
}

func (l *Ledger) Refund(ctx context.Context, holdID string) error {
	return l.settle(ctx, holdID, generation.HoldRefunded, decimal.Zero)
}

// settle moves a held hold to target and returns the uncaptured remainder to the
// account. Repeating a settlement that already happened is a no-op.
func (l *Ledger) settle(ctx context.Context, holdID string, target generation.HoldState, captured decimal.Decimal) error {
	if holdID == "" {
		return fmt.Errorf("%w: hold id required", generation.ErrValidation)
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		userID string
		held   decimal.Decimal
		state  string
	)
	err = tx.QueryRowContext(ctx, `
		SELECT user_id, amount, state
		FROM credit_holds
		WHERE id = $1
		FOR UPDATE`, holdID,
	).Scan(&userID, &held, &state)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrHoldNotFound, holdID)
	}
	if err != nil {
		return err
	}

	switch generation.HoldState(state) {
	case target:
		return nil
	case generation.HoldHeld:
	default:
		return fmt.Errorf("%w: %s is %s", ErrHoldSettled, holdID, state)
	}
	if captured.GreaterThan(held) {
		return fmt.Errorf("%w: %s > %s", ErrCaptureExceedsHold, captured, held)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE credit_holds
		SET state = $2, captured = $3, settled_at = NOW()
		WHERE id = $1`,
		holdID, string(target), captured.String(),
	); err != nil {
		return err
	}
	if remainder := held.Sub(captured); remainder.IsPositive() {
		if _, err := tx.ExecContext(ctx, `
			UPDATE credit_accounts
			SET balance = balance + $2, updated_at = NOW()
			WHERE user_id = $1`,
			userID, remainder.String(),
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}
