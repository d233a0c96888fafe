package generation

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-process RequestStore. Each record carries a one-slot
// channel used as its lock; blocked senders are admitted in arrival order.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*memoryRecord
	byKey   map[string]string
	steps   map[string][]SagaStep
	now     func() time.Time
}

type memoryRecord struct {
	lock chan struct{}
	req  *GenerationRequest
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*memoryRecord),
		byKey:   make(map[string]string),
		steps:   make(map[string][]SagaStep),
		now:     time.Now,
	}
}

func idempotencyIndex(userID, key string) string {
	return userID + "\x00" + key
}

func (s *MemoryStore) Create(ctx context.Context, req *GenerationRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[req.ID]; ok {
		return fmt.Errorf("%w: id %s", ErrDuplicateRequest, req.ID)
	}
	if req.IdempotencyKey != "" {
		idx := idempotencyIndex(req.UserID, req.IdempotencyKey)
		if _, ok := s.byKey[idx]; ok {
			return fmt.Errorf("%w: idempotency key %s", ErrDuplicateRequest, req.IdempotencyKey)
		}
		s.byKey[idx] = req.ID
	}

	now := s.now()
	stored := req.Clone()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	s.records[req.ID] = &memoryRecord{lock: make(chan struct{}, 1), req: stored}
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*GenerationRequest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRequestNotFound, id)
	}
	return rec.req.Clone(), nil
}

func (s *MemoryStore) GetByIdempotencyKey(ctx context.Context, userID, key string) (*GenerationRequest, error) {
	s.mu.Lock()
	id, ok := s.byKey[idempotencyIndex(userID, key)]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: idempotency key %s", ErrRequestNotFound, key)
	}
	return s.Get(ctx, id)
}

func (s *MemoryStore) GetForUpdate(ctx context.Context, id string) (RequestHandle, error) {
	s.mu.Lock()
	rec, ok := s.records[id]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRequestNotFound, id)
	}

	select {
	case rec.lock <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	s.mu.Lock()
	req := rec.req.Clone()
	s.mu.Unlock()
	return &memoryHandle{store: s, rec: rec, req: req}, nil
}

// Steps returns the saga audit log recorded for a request.
func (s *MemoryStore) Steps(requestID string) []SagaStep {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.steps[requestID])
}

// SettleFailedRequests returns ids of requests holding settle_failed holds,
// oldest update first.
func (s *MemoryStore) SettleFailedRequests(ctx context.Context, limit int) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	var pending []*GenerationRequest
	for _, rec := range s.records {
		if slices.ContainsFunc(rec.req.Holds, func(h CreditHold) bool { return h.State == HoldSettleFailed }) {
			pending = append(pending, rec.req)
		}
	}
	s.mu.Unlock()

	slices.SortFunc(pending, func(a, b *GenerationRequest) int {
		if c := a.UpdatedAt.Compare(b.UpdatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	ids := make([]string, 0, len(pending))
	for _, req := range pending {
		ids = append(ids, req.ID)
	}
	return ids, nil
}

type memoryHandle struct {
	store    *MemoryStore
	rec      *memoryRecord
	req      *GenerationRequest
	pending  []SagaStep
	released bool
}

func (h *memoryHandle) Request() *GenerationRequest { return h.req }

func (h *memoryHandle) RecordStep(step, status, detail string) {
	h.pending = append(h.pending, SagaStep{RequestID: h.req.ID, Step: step, Status: status, Detail: detail})
}

func (h *memoryHandle) Save(ctx context.Context) error {
	if h.released {
		return fmt.Errorf("save %s: handle released", h.req.ID)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s := h.store
	s.mu.Lock()
	defer s.mu.Unlock()
	h.req.UpdatedAt = s.now()
	h.rec.req = h.req.Clone()
	s.steps[h.req.ID] = append(s.steps[h.req.ID], h.pending...)
	h.pending = nil
	return nil
}

func (h *memoryHandle) Release(context.Context) error {
	if h.released {
		return nil
	}
	h.released = true
	<-h.rec.lock
	return nil
}
