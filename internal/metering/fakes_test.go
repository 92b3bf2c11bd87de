package metering

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/crosslogic/metering/pkg/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func amt(s string) Amount {
	return decimal.RequireFromString(s)
}

type fakeSubscriptions struct {
	mu    sync.Mutex
	sub   *models.Subscription
	err   error
	calls int
}

func (f *fakeSubscriptions) GetActiveSubscription(ctx context.Context, userID string) (*models.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if f.sub == nil {
		return nil, nil
	}
	s := *f.sub
	return &s, nil
}

// memoryUsage is a UsageStore that stages writes until the transaction commits.
type memoryUsage struct {
	mu        sync.Mutex
	events    []models.UsageEvent
	threads   map[string]time.Time
	sumErr    error
	insertErr error
	threadErr error
	// sumCalls records the number of committed events visible at each SumCost call.
	sumCalls []int
}

func newMemoryUsage() *memoryUsage {
	return &memoryUsage{threads: make(map[string]time.Time)}
}

func (m *memoryUsage) seed(userID string, cost Amount, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, models.UsageEvent{ID: uuid.New(), UserID: userID, Cost: cost, OccurredAt: at})
}

func (m *memoryUsage) SumCost(ctx context.Context, userID string, since time.Time) (Amount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sumCalls = append(m.sumCalls, len(m.events))
	if m.sumErr != nil {
		return Zero, m.sumErr
	}
	total := Zero
	for _, e := range m.events {
		if e.UserID == userID && !e.OccurredAt.Before(since) {
			total = total.Add(e.Cost)
		}
	}
	return total, nil
}

func (m *memoryUsage) WithTx(ctx context.Context, fn func(tx UsageTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &memoryTx{store: m, threads: make(map[string]time.Time)}
	if err := fn(tx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, tx.events...)
	for k, v := range tx.threads {
		m.threads[k] = v
	}
	return nil
}

func (m *memoryUsage) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

type memoryTx struct {
	store   *memoryUsage
	events  []models.UsageEvent
	threads map[string]time.Time
}

func (tx *memoryTx) InsertUsageEvent(ctx context.Context, event *models.UsageEvent) error {
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	if tx.store.insertErr != nil {
		return tx.store.insertErr
	}
	if event.RequestID != "" {
		for _, e := range tx.store.events {
			if e.RequestID == event.RequestID {
				return ErrDuplicateEvent
			}
		}
	}
	tx.events = append(tx.events, *event)
	return nil
}

func (tx *memoryTx) TouchThread(ctx context.Context, threadID, userID string, at time.Time) error {
	if tx.store.threadErr != nil {
		return tx.store.threadErr
	}
	tx.threads[threadID] = at
	return nil
}

type fakeWallet struct {
	mu         sync.Mutex
	balance    Amount
	balanceErr error
	debitErr   error
	debits     []Amount
	metas      []models.DebitMetadata
}

func (w *fakeWallet) Balance(ctx context.Context, userID string) (Amount, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.balanceErr != nil {
		return Zero, w.balanceErr
	}
	return w.balance, nil
}

func (w *fakeWallet) Debit(ctx context.Context, userID string, amount Amount, meta models.DebitMetadata) (models.DebitResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.debitErr != nil {
		return models.DebitResult{}, w.debitErr
	}
	w.balance = w.balance.Sub(amount)
	w.debits = append(w.debits, amount)
	w.metas = append(w.metas, meta)
	return models.DebitResult{TransactionID: uuid.New(), BalanceAfter: w.balance}, nil
}

func (w *fakeWallet) totalDebited() Amount {
	w.mu.Lock()
	defer w.mu.Unlock()
	total := Zero
	for _, d := range w.debits {
		total = total.Add(d)
	}
	return total
}

type panickingWallet struct{ fakeWallet }

func (w *panickingWallet) Balance(ctx context.Context, userID string) (Amount, error) {
	panic("wallet exploded")
}

var errBoom = errors.New("boom")
