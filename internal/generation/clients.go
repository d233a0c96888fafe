package generation

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/shopspring/decimal"
)

// ErrUnknownHold is returned by the in-memory ledger for hold ids it never issued.
var ErrUnknownHold = errors.New("unknown credit hold")

// LedgerOp names an in-memory ledger operation.
type LedgerOp string

const (
	OpReserve LedgerOp = "reserve"
	OpCapture LedgerOp = "capture"
	OpRefund  LedgerOp = "refund"
)

// LedgerCall is one recorded call against the in-memory ledger.
type LedgerCall struct {
	Op     LedgerOp
	HoldID string
	Stage  Stage
	Amount decimal.Decimal
}

type memoryHold struct {
	userID   string
	amount   decimal.Decimal
	state    HoldState
	captured decimal.Decimal
}

// NewInMemoryLedger constructs an in-memory ledger with the given balances.
func NewInMemoryLedger(balances map[string]decimal.Decimal) *InMemoryLedger {
	l := &InMemoryLedger{
		balances: make(map[string]decimal.Decimal, len(balances)),
		holds:    make(map[string]*memoryHold),
		failures: make(map[LedgerOp][]error),
	}
	for user, amount := range balances {
		l.balances[user] = amount
	}
	return l
}

// InMemoryLedger tracks balances and holds in memory.
type InMemoryLedger struct {
	mu       sync.Mutex
	balances map[string]decimal.Decimal
	holds    map[string]*memoryHold
	seq      int
	calls    []LedgerCall
	failures map[LedgerOp][]error
}

// FailNext queues errors returned by the next calls of op, one per call.
func (l *InMemoryLedger) FailNext(op LedgerOp, errs ...error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures[op] = append(l.failures[op], errs...)
}

func (l *InMemoryLedger) injected(op LedgerOp) error {
	queue := l.failures[op]
	if len(queue) == 0 {
		return nil
	}
	l.failures[op] = queue[1:]
	return queue[0]
}

func (l *InMemoryLedger) Reserve(ctx context.Context, userID, requestID string, stage Stage, amount decimal.Decimal) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, LedgerCall{Op: OpReserve, Stage: stage, Amount: amount})
	if err := l.injected(OpReserve); err != nil {
		return "", err
	}
	balance := l.balances[userID]
	if balance.LessThan(amount) {
		return "", fmt.Errorf("%w: balance %s, need %s", ErrInsufficientCredits, balance, amount)
	}
	l.seq++
	holdID := fmt.Sprintf("hold-%d", l.seq)
	l.balances[userID] = balance.Sub(amount)
	l.holds[holdID] = &memoryHold{userID: userID, amount: amount, state: HoldHeld}
	l.calls[len(l.calls)-1].HoldID = holdID
	return holdID, nil
}

func (l *InMemoryLedger) Capture(ctx context.Context, holdID string, amount decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, LedgerCall{Op: OpCapture, HoldID: holdID, Amount: amount})
	if err := l.injected(OpCapture); err != nil {
		return err
	}
	hold, ok := l.holds[holdID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownHold, holdID)
	}
	switch hold.state {
	case HoldCaptured:
		return nil
	case HoldRefunded:
		return fmt.Errorf("capture %s: hold already refunded", holdID)
	}
	if amount.GreaterThan(hold.amount) {
		return fmt.Errorf("capture %s: %s exceeds hold %s", holdID, amount, hold.amount)
	}
	hold.state = HoldCaptured
	hold.captured = amount
	l.balances[hold.userID] = l.balances[hold.userID].Add(hold.amount.Sub(amount))
	return nil
}

func (l *InMemoryLedger) Refund(ctx context.Context, holdID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, LedgerCall{Op: OpRefund, HoldID: holdID})
	if err := l.injected(OpRefund); err != nil {
		return err
	}
	hold, ok := l.holds[holdID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownHold, holdID)
	}
	switch hold.state {
	case HoldRefunded:
		return nil
	case HoldCaptured:
		return fmt.Errorf("refund %s: hold already captured", holdID)
	}
	hold.state = HoldRefunded
	l.balances[hold.userID] = l.balances[hold.userID].Add(hold.amount)
	return nil
}

// Balance returns a user's available balance (for testing/inspection).
func (l *InMemoryLedger) Balance(userID string) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[userID]
}

// HoldState returns the state of a hold and the amount captured from it.
func (l *InMemoryLedger) HoldState(holdID string) (HoldState, decimal.Decimal, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	hold, ok := l.holds[holdID]
	if !ok {
		return "", decimal.Zero, false
	}
	return hold.state, hold.captured, true
}

// Calls returns every recorded call, optionally filtered by op.
func (l *InMemoryLedger) Calls(ops ...LedgerOp) []LedgerCall {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(ops) == 0 {
		return slices.Clone(l.calls)
	}
	var out []LedgerCall
	for _, c := range l.calls {
		if slices.Contains(ops, c.Op) {
			out = append(out, c)
		}
	}
	return out
}

// NewInMemoryJobPublisher constructs a publisher that records jobs.
func NewInMemoryJobPublisher() *InMemoryJobPublisher {
	return &InMemoryJobPublisher{}
}

// InMemoryJobPublisher records published jobs.
type InMemoryJobPublisher struct {
	mu       sync.Mutex
	jobs     []Job
	failures []error
}

// FailNext queues errors returned by the next Publish calls.
func (p *InMemoryJobPublisher) FailNext(errs ...error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures = append(p.failures, errs...)
}

func (p *InMemoryJobPublisher) Publish(ctx context.Context, job Job) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.failures) > 0 {
		err := p.failures[0]
		p.failures = p.failures[1:]
		return err
	}
	p.jobs = append(p.jobs, job)
	return nil
}

// Jobs returns the jobs published so far.
func (p *InMemoryJobPublisher) Jobs() []Job {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.jobs)
}

// NewInMemoryNotifier constructs a notifier that records events per user.
func NewInMemoryNotifier() *InMemoryNotifier {
	return &InMemoryNotifier{events: make(map[string][]GenerationEvent)}
}

// InMemoryNotifier records notifications and lifecycle events.
type InMemoryNotifier struct {
	mu        sync.Mutex
	events    map[string][]GenerationEvent
	published []GenerationEvent
	err       error
}

// SetError makes every Notify call fail with err after recording the event.
func (n *InMemoryNotifier) SetError(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.err = err
}

func (n *InMemoryNotifier) Notify(ctx context.Context, userID string, event GenerationEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events[userID] = append(n.events[userID], event)
	return n.err
}

func (n *InMemoryNotifier) PublishEvent(ctx context.Context, event GenerationEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.published = append(n.published, event)
	return nil
}

// Events returns the notifications sent to a user.
func (n *InMemoryNotifier) Events(userID string) []GenerationEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Clone(n.events[userID])
}

// Published returns the lifecycle events emitted for other services.
func (n *InMemoryNotifier) Published() []GenerationEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Clone(n.published)
}
