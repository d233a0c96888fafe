package gendb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"creativeflow/internal/generation"
)

// RequestStore persists generation requests and their saga steps in Postgres.
// GetForUpdate holds a row lock (SELECT ... FOR UPDATE) inside a transaction
// that lives until Save commits it or Release rolls it back.
type RequestStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewRequestStore constructs a RequestStore backed by Postgres.
func NewRequestStore(db *sql.DB) *RequestStore {
	return &RequestStore{db: db, now: time.Now}
}

// NewRequestStoreWithSchema initializes the schema then returns the store.
func NewRequestStoreWithSchema(ctx context.Context, db *sql.DB) (*RequestStore, error) {
	store := NewRequestStore(db)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates request tables if they do not exist.
func (s *RequestStore) InitSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS generation_requests (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			project_id TEXT NOT NULL,
			prompt TEXT NOT NULL,
			params JSONB NOT NULL,
			idempotency_key TEXT,
			input_digest TEXT NOT NULL,
			status TEXT NOT NULL,
			credits_reserved NUMERIC(20, 6) NOT NULL DEFAULT 0 CHECK (credits_reserved >= 0),
			holds JSONB NOT NULL DEFAULT '[]',
			samples JSONB NOT NULL DEFAULT '[]',
			selected_sample_id TEXT,
			final_asset JSONB,
			failure JSONB,
			last_callback_id TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS generation_requests_idempotency_idx
			ON generation_requests (user_id, idempotency_key)
			WHERE idempotency_key IS NOT NULL`,
		`CREATE TABLE IF NOT EXISTS generation_saga_steps (
			id BIGSERIAL PRIMARY KEY,
			request_id TEXT NOT NULL,
			step TEXT NOT NULL,
			status TEXT NOT NULL,
			detail TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			FOREIGN KEY (request_id) REFERENCES generation_requests(id) ON DELETE CASCADE
		)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}

	return nil
}

const selectRequest = `
		SELECT id, user_id, project_id, prompt, params, idempotency_key, input_digest, status,
			credits_reserved, holds, samples, selected_sample_id, final_asset, failure,
			last_callback_id, created_at, updated_at
		FROM generation_requests`

// Create inserts a new request. A conflicting id or idempotency key yields
// generation.ErrDuplicateRequest.
func (s *RequestStore) Create(ctx context.Context, req *generation.GenerationRequest) error {
	cols, err := encodeMutable(req)
	if err != nil {
		return err
	}
	params, err := json.Marshal(req.Params)
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}
	now := s.now()
	if req.CreatedAt.IsZero() {
		req.CreatedAt = now
	}
	req.UpdatedAt = now

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO generation_requests (id, user_id, project_id, prompt, params, idempotency_key,
			input_digest, status, credits_reserved, holds, samples, selected_sample_id, final_asset,
			failure, last_callback_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT DO NOTHING`,
		req.ID, req.UserID, req.ProjectID, req.Prompt, params, nullString(req.IdempotencyKey),
		req.InputDigest, cols.status, cols.credits, cols.holds, cols.samples, cols.selected,
		cols.finalAsset, cols.failure, cols.lastCallback, req.CreatedAt, req.UpdatedAt,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", generation.ErrDuplicateRequest, req.ID)
	}
	return nil
}

func (s *RequestStore) Get(ctx context.Context, id string) (*generation.GenerationRequest, error) {
	row := s.db.QueryRowContext(ctx, selectRequest+`
		WHERE id = $1`, id)
	req, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", generation.ErrRequestNotFound, id)
	}
	return req, err
}

func (s *RequestStore) GetByIdempotencyKey(ctx context.Context, userID, key string) (*generation.GenerationRequest, error) {
	row := s.db.QueryRowContext(ctx, selectRequest+`
		WHERE user_id = $1 AND idempotency_key = $2`, userID, key)
	req, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: idempotency key %s", generation.ErrRequestNotFound, key)
	}
	return req, err
}

// GetForUpdate opens a transaction and locks the request row. The transaction
// is detached from ctx cancellation so compensation can still be saved; the
// lock wait itself honours ctx.
func (s *RequestStore) GetForUpdate(ctx context.Context, id string) (generation.RequestHandle, error) {
	tx, err := s.db.BeginTx(context.WithoutCancel(ctx), nil)
	if err != nil {
		return nil, err
	}
	row := tx.QueryRowContext(ctx, selectRequest+`
		WHERE id = $1
		FOR UPDATE`, id)
	req, err := scanRequest(row)
	if err != nil {
		_ = tx.Rollback()
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", generation.ErrRequestNotFound, id)
		}
		return nil, err
	}
	return &requestHandle{store: s, tx: tx, req: req}, nil
}

// Steps lists the persisted saga steps of a request in insertion order.
func (s *RequestStore) Steps(ctx context.Context, requestID string) ([]generation.SagaStep, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT request_id, step, status, COALESCE(detail, '')
		FROM generation_saga_steps
		WHERE request_id = $1
		ORDER BY id`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []generation.SagaStep
	for rows.Next() {
		var step generation.SagaStep
		if err := rows.Scan(&step.RequestID, &step.Step, &step.Status, &step.Detail); err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

// SettleFailedRequests returns ids of requests holding settle_failed holds.
func (s *RequestStore) SettleFailedRequests(ctx context.Context, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id
		FROM generation_requests
		WHERE holds @> '[{"state": "settle_failed"}]'
		ORDER BY updated_at
		LIMIT $1`, limit)
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

type requestHandle struct {
	store   *RequestStore
	tx      *sql.Tx
	req     *generation.GenerationRequest
	pending []generation.SagaStep
	done    bool
}

func (h *requestHandle) Request() *generation.GenerationRequest { return h.req }

func (h *requestHandle) RecordStep(step, status, detail string) {
	h.pending = append(h.pending, generation.SagaStep{RequestID: h.req.ID, Step: step, Status: status, Detail: detail})
}

// Save writes the request and steps and commits, releasing the row lock.
func (h *requestHandle) Save(ctx context.Context) error {
	if h.done {
		return fmt.Errorf("save %s: transaction already finished", h.req.ID)
	}
	cols, err := encodeMutable(h.req)
	if err != nil {
		return err
	}
	h.req.UpdatedAt = h.store.now()

	if _, err := h.tx.ExecContext(ctx, `
		UPDATE generation_requests
		SET status = $2, credits_reserved = $3, holds = $4, samples = $5, selected_sample_id = $6,
			final_asset = $7, failure = $8, last_callback_id = $9, updated_at = $10
		WHERE id = $1`,
		h.req.ID, cols.status, cols.credits, cols.holds, cols.samples, cols.selected,
		cols.finalAsset, cols.failure, cols.lastCallback, h.req.UpdatedAt,
	); err != nil {
		return fmt.Errorf("update request %s: %w", h.req.ID, err)
	}
	for _, step := range h.pending {
		if _, err := h.tx.ExecContext(ctx, `
			INSERT INTO generation_saga_steps (request_id, step, status, detail)
			VALUES ($1, $2, $3, $4)`,
			step.RequestID, step.Step, step.Status, step.Detail,
		); err != nil {
			return fmt.Errorf("insert saga step %s: %w", step.Step, err)
		}
	}
	if err := h.tx.Commit(); err != nil {
		return fmt.Errorf("commit request %s: %w", h.req.ID, err)
	}
	h.done = true
	h.pending = nil
	return nil
}

// Release rolls back an unsaved transaction.
func (h *requestHandle) Release(context.Context) error {
	if h.done {
		return nil
	}
	h.done = true
	if err := h.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}

type mutableColumns struct {
	status       string
	credits      string
	holds        []byte
	samples      []byte
	selected     sql.NullString
	finalAsset   []byte
	failure      []byte
	lastCallback sql.NullString
}

func encodeMutable(req *generation.GenerationRequest) (mutableColumns, error) {
	cols := mutableColumns{
		status:       string(req.Status),
		credits:      req.CreditsReserved.String(),
		selected:     nullString(req.SelectedSampleID),
		lastCallback: nullString(req.LastProcessedCallbackID),
	}
	var err error
	if cols.holds, err = marshalList(req.Holds); err != nil {
		return cols, fmt.Errorf("encode holds: %w", err)
	}
	if cols.samples, err = marshalList(req.Samples); err != nil {
		return cols, fmt.Errorf("encode samples: %w", err)
	}
	if req.FinalAsset != nil {
		if cols.finalAsset, err = json.Marshal(req.FinalAsset); err != nil {
			return cols, fmt.Errorf("encode final asset: %w", err)
		}
	}
	if req.Failure != nil {
		if cols.failure, err = json.Marshal(req.Failure); err != nil {
			return cols, fmt.Errorf("encode failure: %w", err)
		}
	}
	return cols, nil
}

func marshalList[T any](items []T) ([]byte, error) {
	if items == nil {
		items = []T{}
	}
	return json.Marshal(items)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*generation.GenerationRequest, error) {
	var (
		req                                    generation.GenerationRequest
		status                                 string
		params, holds, samples                 []byte
		finalAsset, failure                    []byte
		idempotencyKey, selected, lastCallback sql.NullString
	)
	if err := row.Scan(
		&req.ID, &req.UserID, &req.ProjectID, &req.Prompt, &params, &idempotencyKey, &req.InputDigest,
		&status, &req.CreditsReserved, &holds, &samples, &selected, &finalAsset, &failure,
		&lastCallback, &req.CreatedAt, &req.UpdatedAt,
	); err != nil {
		return nil, err
	}
	req.Status = generation.Status(status)
	req.IdempotencyKey = idempotencyKey.String
	req.SelectedSampleID = selected.String
	req.LastProcessedCallbackID = lastCallback.String

	if err := json.Unmarshal(params, &req.Params); err != nil {
		return nil, fmt.Errorf("decode params of %s: %w", req.ID, err)
	}
	if err := json.Unmarshal(holds, &req.Holds); err != nil {
		return nil, fmt.Errorf("decode holds of %s: %w", req.ID, err)
	}
	if err := json.Unmarshal(samples, &req.Samples); err != nil {
		return nil, fmt.Errorf("decode samples of %s: %w", req.ID, err)
	}
	if len(finalAsset) > 0 {
		req.FinalAsset = &generation.AssetInfo{}
		if err := json.Unmarshal(finalAsset, req.FinalAsset); err != nil {
			return nil, fmt.Errorf("decode final asset of %s: %w", req.ID, err)
		}
	}
	if len(failure) > 0 {
		req.Failure = &generation.Failure{}
		if err := json.Unmarshal(failure, req.Failure); err != nil {
			return nil, fmt.Errorf("decode failure of %s: %w", req.ID, err)
		}
	}
	if len(req.Holds) == 0 {
		req.Holds = nil
	}
	if len(req.Samples) == 0 {
		req.Samples = nil
	}
	return &req, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
