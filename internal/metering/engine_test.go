package metering

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/crosslogic/metering/pkg/events"
	"github.com/crosslogic/metering/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type engineFixture struct {
	engine *Engine
	subs   *fakeSubscriptions
	usage  *memoryUsage
	wallet *fakeWallet
	bus    *events.Bus
}

func newEngineFixture(t *testing.T, opts ...func(*Config)) *engineFixture {
	t.Helper()

	f := &engineFixture{
		subs:   &fakeSubscriptions{sub: activeSub("prod_pro")},
		usage:  newMemoryUsage(),
		wallet: &fakeWallet{balance: amt("5.00")},
		bus:    events.NewBus(zap.NewNop()),
	}
	cfg := Config{
		Enabled:       true,
		Allowances:    testAllowances(),
		Pricing:       testPricing(),
		Subscriptions: f.subs,
		Store:         f.usage,
		Wallet:        f.wallet,
		Locker:        NewLocalLocker(),
		Events:        f.bus,
		Logger:        zap.NewNop(),
		SettleTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	engine, err := NewEngine(cfg)
	require.NoError(t, err)
	f.engine = engine
	f.engine.recorder.now = func() time.Time { return periodStart.Add(48 * time.Hour) }
	return f
}

// outputTokens returns usage costing exactly dollars on gpt-4o.
func outputTokens(dollars int64) models.TokenUsage {
	return models.TokenUsage{OutputTokens: dollars * 100_000}
}

func TestNewEngineRequiresCollaborators(t *testing.T) {
	_, err := NewEngine(Config{})
	require.Error(t, err)

	_, err = NewEngine(Config{Subscriptions: &fakeSubscriptions{}, Store: newMemoryUsage()})
	require.Error(t, err)
}

func TestAdmitDisabledSkipsLookup(t *testing.T) {
	f := newEngineFixture(t, func(c *Config) { c.Enabled = false })

	d := f.engine.Admit(context.Background(), "user-1")

	assert.True(t, d.Allowed)
	assert.Equal(t, SourceNoLimit, d.Source)
	assert.Zero(t, f.subs.calls)
}

func TestAdmitFailsOpenOnSubscriptionError(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	f := newEngineFixture(t, func(c *Config) { c.Logger = zap.New(core) })
	f.subs.err = errBoom

	d := f.engine.Admit(context.Background(), "user-1")

	assert.True(t, d.Allowed)
	assert.Equal(t, SourceNoLimit, d.Source)
	entries := logs.FilterMessage("admission check failed, allowing request").All()
	require.Len(t, entries, 1)
	assert.Equal(t, StageSubscription, entries[0].ContextMap()["stage"])
}

func TestAdmitFailsOpenOnPanic(t *testing.T) {
	usage := newMemoryUsage()
	usage.seed("user-1", amt("20.00"), periodStart)
	f := newEngineFixture(t, func(c *Config) {
		c.Store = usage
		c.Wallet = &panickingWallet{}
	})

	d := f.engine.Admit(context.Background(), "user-1")

	assert.True(t, d.Allowed)
	assert.Equal(t, SourceNoLimit, d.Source)
}

func TestAdmitDeniedPublishesEvent(t *testing.T) {
	f := newEngineFixture(t)
	f.wallet.balance = Zero
	f.usage.seed("user-1", amt("10.50"), periodStart)

	got := make(chan events.Event, 1)
	f.bus.Subscribe(events.EventAdmissionDenied, func(ctx context.Context, e events.Event) error {
		got <- e
		return nil
	})

	d := f.engine.Admit(context.Background(), "user-1")
	require.False(t, d.Allowed)
	assert.Equal(t, ReasonLimitsExceeded, d.Reason)

	select {
	case e := <-got:
		assert.Equal(t, "user-1", e.UserID)
		assert.Equal(t, string(ReasonLimitsExceeded), e.Payload["reason"])
	case <-time.After(time.Second):
		t.Fatal("admission.denied was not published")
	}
}

func TestSettleCrossingBoundary(t *testing.T) {
	f := newEngineFixture(t)
	f.usage.seed("user-1", amt("9.00"), periodStart.Add(time.Hour))

	res, err := f.engine.Settle(context.Background(), SettleRequest{
		RequestID: "req-1",
		UserID:    "user-1",
		ModelID:   "gpt-4o",
		Usage:     outputTokens(2),
	})
	require.NoError(t, err)
	require.NoError(t, res.Err)

	assert.True(t, amt("2.00").Equal(res.Event.Cost))
	assert.True(t, amt("1.00").Equal(res.Deduction), "only the overage is charged, got %s", res.Deduction)
	require.NotNil(t, res.Debit)
	assert.True(t, amt("4.00").Equal(res.Debit.BalanceAfter))

	require.Len(t, f.wallet.metas, 1)
	meta := f.wallet.metas[0]
	assert.Equal(t, "req-1", meta.RequestID)
	assert.Equal(t, res.Event.ID.String(), meta.UsageEventID)
	assert.Equal(t, "11", meta.TotalUsageAfter)
	assert.Equal(t, "10", meta.Allowance)
}

func TestSettleFullyInOverage(t *testing.T) {
	f := newEngineFixture(t)
	f.usage.seed("user-1", amt("12.00"), periodStart.Add(time.Hour))

	res, err := f.engine.Settle(context.Background(), SettleRequest{UserID: "user-1", ModelID: "gpt-4o", Usage: outputTokens(1)})
	require.NoError(t, err)

	assert.True(t, amt("1.00").Equal(res.Deduction))
	assert.True(t, amt("1.00").Equal(f.wallet.totalDebited()))
}

func TestSettleWithinPlanDoesNotDebit(t *testing.T) {
	f := newEngineFixture(t)
	f.usage.seed("user-1", amt("3.00"), periodStart.Add(time.Hour))

	res, err := f.engine.Settle(context.Background(), SettleRequest{UserID: "user-1", ModelID: "gpt-4o", Usage: outputTokens(2)})
	require.NoError(t, err)

	assert.True(t, res.Deduction.IsZero())
	assert.Nil(t, res.Debit)
	assert.Empty(t, f.wallet.debits)
	assert.Equal(t, 2, f.usage.count())
}

func TestSettleAggregatesAfterCommit(t *testing.T) {
	f := newEngineFixture(t)
	f.usage.seed("user-1", amt("9.50"), periodStart.Add(time.Hour))

	_, err := f.engine.Settle(context.Background(), SettleRequest{UserID: "user-1", ModelID: "gpt-4o", Usage: outputTokens(1)})
	require.NoError(t, err)

	require.NotEmpty(t, f.usage.sumCalls)
	assert.Equal(t, 2, f.usage.sumCalls[len(f.usage.sumCalls)-1], "aggregate must see the committed event")
}

func TestSettleSequentialRequestsChargeOnlyOverage(t *testing.T) {
	f := newEngineFixture(t)
	f.wallet.balance = amt("100.00")

	for i := 0; i < 15; i++ {
		_, err := f.engine.Settle(context.Background(), SettleRequest{
			RequestID: fmt.Sprintf("req-%d", i),
			UserID:    "user-1",
			ModelID:   "gpt-4o",
			Usage:     outputTokens(1),
		})
		require.NoError(t, err)
	}

	assert.True(t, amt("5.00").Equal(f.wallet.totalDebited()), "got %s", f.wallet.totalDebited())
}

func TestSettleConcurrentRequestsSerializedPerUser(t *testing.T) {
	f := newEngineFixture(t)
	f.wallet.balance = amt("100.00")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.engine.Settle(context.Background(), SettleRequest{
				RequestID: fmt.Sprintf("req-%d", i),
				UserID:    "user-1",
				ModelID:   "gpt-4o",
				Usage:     outputTokens(1),
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 20, f.usage.count())
	assert.True(t, amt("10.00").Equal(f.wallet.totalDebited()), "got %s", f.wallet.totalDebited())
}

func TestSettleDuplicateRequestIsIdempotent(t *testing.T) {
	f := newEngineFixture(t)
	f.usage.seed("user-1", amt("12.00"), periodStart)
	req := SettleRequest{RequestID: "req-dup", UserID: "user-1", ModelID: "gpt-4o", Usage: outputTokens(1)}

	first, err := f.engine.Settle(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, first.Duplicate)

	second, err := f.engine.Settle(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.True(t, second.Deduction.IsZero())

	assert.Len(t, f.wallet.debits, 1)
	assert.Equal(t, 2, f.usage.count())
}

func TestSettlePricingMissing(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	f := newEngineFixture(t, func(c *Config) { c.Logger = zap.New(core) })
	f.usage.seed("user-1", amt("12.00"), periodStart)

	got := make(chan events.Event, 1)
	f.bus.Subscribe(events.EventPricingMissing, func(ctx context.Context, e events.Event) error {
		got <- e
		return nil
	})

	res, err := f.engine.Settle(context.Background(), SettleRequest{
		UserID:  "user-1",
		ModelID: "mystery-model",
		Usage:   models.TokenUsage{InputTokens: 5000},
	})
	require.NoError(t, err)

	assert.True(t, res.Event.PricingMissing)
	assert.True(t, res.Event.Cost.IsZero())
	assert.Empty(t, f.wallet.debits)
	assert.Equal(t, 2, f.usage.count(), "usage is still recorded")
	assert.Equal(t, 1, logs.FilterMessage("no pricing for model, recording usage at zero cost").Len())

	select {
	case e := <-got:
		assert.Equal(t, "mystery-model", e.Payload["model"])
	case <-time.After(time.Second):
		t.Fatal("pricing.missing was not published")
	}
}

func TestSettleSwallowsReconciliationFailures(t *testing.T) {
	tests := []struct {
		name      string
		breakIt   func(f *engineFixture)
		wantStage string
	}{
		{"wallet debit", func(f *engineFixture) { f.wallet.debitErr = errBoom }, StageWallet},
		{"usage aggregate", func(f *engineFixture) { f.usage.sumErr = errBoom }, StageUsage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			core, logs := observer.New(zapcore.ErrorLevel)
			f := newEngineFixture(t, func(c *Config) { c.Logger = zap.New(core) })
			f.usage.seed("user-1", amt("12.00"), periodStart)
			tt.breakIt(f)

			res, err := f.engine.Settle(context.Background(), SettleRequest{UserID: "user-1", ModelID: "gpt-4o", Usage: outputTokens(1)})
			require.NoError(t, err, "reconciliation failures never reach the caller")

			var se *SettlementError
			require.ErrorAs(t, res.Err, &se)
			assert.Equal(t, tt.wantStage, se.Stage)
			assert.ErrorIs(t, res.Err, errBoom)
			assert.Equal(t, 2, f.usage.count(), "usage event stays committed")

			entries := logs.FilterMessage("settlement step failed").All()
			require.Len(t, entries, 1)
			assert.Equal(t, tt.wantStage, entries[0].ContextMap()["stage"])
		})
	}
}

func TestSettleSubscriptionFailureAfterCommit(t *testing.T) {
	f := newEngineFixture(t)
	f.usage.seed("user-1", amt("12.00"), periodStart)
	f.subs.err = errBoom

	res, err := f.engine.Settle(context.Background(), SettleRequest{UserID: "user-1", ModelID: "gpt-4o", Usage: outputTokens(1)})
	require.NoError(t, err)

	var se *SettlementError
	require.ErrorAs(t, res.Err, &se)
	assert.Equal(t, StageSubscription, se.Stage)
	assert.Empty(t, f.wallet.debits)
}

func TestSettleInactiveSubscriptionSkipsDebit(t *testing.T) {
	f := newEngineFixture(t)
	f.usage.seed("user-1", amt("12.00"), periodStart)
	f.subs.sub.Status = models.SubscriptionCanceled

	res, err := f.engine.Settle(context.Background(), SettleRequest{UserID: "user-1", ModelID: "gpt-4o", Usage: outputTokens(1)})
	require.NoError(t, err)
	assert.NoError(t, res.Err)
	assert.Empty(t, f.wallet.debits)
}

func TestSettleRecordFailureIsReturned(t *testing.T) {
	f := newEngineFixture(t)
	f.usage.insertErr = errBoom

	_, err := f.engine.Settle(context.Background(), SettleRequest{UserID: "user-1", ModelID: "gpt-4o", Usage: outputTokens(1)})
	require.ErrorIs(t, err, errBoom)
	assert.Zero(t, f.usage.count())
}

func TestSettleThreadTouchedInSameTransaction(t *testing.T) {
	f := newEngineFixture(t)

	_, err := f.engine.Settle(context.Background(), SettleRequest{UserID: "user-1", ModelID: "gpt-4o", Usage: outputTokens(1), ThreadID: "thread-9"})
	require.NoError(t, err)
	assert.Contains(t, f.usage.threads, "thread-9")

	f.usage.threadErr = errBoom
	_, err = f.engine.Settle(context.Background(), SettleRequest{UserID: "user-1", ModelID: "gpt-4o", Usage: outputTokens(1), ThreadID: "thread-10"})
	require.ErrorIs(t, err, errBoom)
	assert.Equal(t, 1, f.usage.count(), "failed thread update rolls back the usage event")
}

func TestSettleSurvivesCallerCancellation(t *testing.T) {
	f := newEngineFixture(t)
	f.usage.seed("user-1", amt("12.00"), periodStart)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := f.engine.Settle(ctx, SettleRequest{UserID: "user-1", ModelID: "gpt-4o", Usage: outputTokens(1)})
	require.NoError(t, err)
	assert.True(t, amt("1.00").Equal(res.Deduction))
}

func TestSettleRecordsEventWhenLockWaitTimesOut(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	locker := NewLocalLocker()
	f := newEngineFixture(t, func(c *Config) {
		c.Logger = zap.New(core)
		c.Locker = locker
		c.SettleTimeout = 50 * time.Millisecond
	})
	f.usage.seed("user-1", amt("12.00"), periodStart)

	unlock, err := locker.Lock(context.Background(), "user-1")
	require.NoError(t, err)
	defer unlock()

	res, err := f.engine.Settle(context.Background(), SettleRequest{RequestID: "req-held", UserID: "user-1", ModelID: "gpt-4o", Usage: outputTokens(1)})
	require.NoError(t, err, "a held lock must not cost the usage event")
	require.NoError(t, res.Err)
	assert.Equal(t, 2, f.usage.count())
	assert.True(t, amt("1.00").Equal(res.Deduction))

	entries := logs.FilterMessage("settlement step failed").All()
	require.Len(t, entries, 1)
	assert.Equal(t, StageLock, entries[0].ContextMap()["stage"])
}

func TestSettleRoundsCostToStoredScale(t *testing.T) {
	f := newEngineFixture(t, func(c *Config) {
		c.Pricing = PricingTable{"fine-model": {InputRate: amt("1.23456789")}}
	})

	res, err := f.engine.Settle(context.Background(), SettleRequest{
		UserID:  "user-1",
		ModelID: "fine-model",
		Usage:   models.TokenUsage{InputTokens: 3},
	})
	require.NoError(t, err)

	assert.Equal(t, "0.0000037037", res.Event.Cost.String())
	assert.GreaterOrEqual(t, res.Event.Cost.Exponent(), -StoredScale)
}

func TestSettleRejectsInvalidRequests(t *testing.T) {
	f := newEngineFixture(t)

	tests := []SettleRequest{
		{ModelID: "gpt-4o"},
		{UserID: "user-1"},
		{UserID: "user-1", ModelID: "gpt-4o", Usage: models.TokenUsage{InputTokens: -5}},
	}
	for _, req := range tests {
		_, err := f.engine.Settle(context.Background(), req)
		assert.True(t, errors.Is(err, ErrInvalidUsage), "got %v", err)
	}
	assert.Zero(t, f.usage.count())
}

func TestSettlePublishesDebitEvent(t *testing.T) {
	f := newEngineFixture(t)
	f.usage.seed("user-1", amt("12.00"), periodStart)

	got := make(chan events.Event, 1)
	f.bus.Subscribe(events.EventWalletDebited, func(ctx context.Context, e events.Event) error {
		got <- e
		return nil
	})

	_, err := f.engine.Settle(context.Background(), SettleRequest{UserID: "user-1", ModelID: "gpt-4o", Usage: outputTokens(1)})
	require.NoError(t, err)

	select {
	case e := <-got:
		assert.Equal(t, "1", e.Payload["amount"])
		assert.Equal(t, "4", e.Payload["balance_after"])
	case <-time.After(time.Second):
		t.Fatal("wallet.debited was not published")
	}
}

func TestPeriodSummary(t *testing.T) {
	f := newEngineFixture(t)
	f.usage.seed("user-1", amt("4.25"), periodStart.Add(time.Hour))
	f.usage.seed("user-1", amt("99.00"), periodStart.Add(-time.Hour))

	s, err := f.engine.PeriodSummary(context.Background(), "user-1")
	require.NoError(t, err)

	assert.True(t, amt("4.25").Equal(s.PeriodUsage))
	require.NotNil(t, s.Allowance)
	assert.True(t, amt("10.00").Equal(*s.Allowance))
	require.NotNil(t, s.Remaining)
	assert.True(t, amt("5.75").Equal(*s.Remaining))
	assert.True(t, amt("5.00").Equal(s.WalletBalance))
	assert.Equal(t, models.SubscriptionActive, s.Status)
}

func TestPeriodSummaryWithoutSubscription(t *testing.T) {
	f := newEngineFixture(t)
	f.subs.sub = nil

	s, err := f.engine.PeriodSummary(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Nil(t, s.Subscription)
	assert.Nil(t, s.Allowance)
}

func TestPeriodSummaryReturnsErrors(t *testing.T) {
	f := newEngineFixture(t)
	f.usage.sumErr = errBoom

	_, err := f.engine.PeriodSummary(context.Background(), "user-1")
	require.ErrorIs(t, err, errBoom)
}
