package payout_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/youtuneai/referral-commission-engine/internal/events"
	"github.com/youtuneai/referral-commission-engine/internal/interfaces"
	"github.com/youtuneai/referral-commission-engine/internal/models"
	"github.com/youtuneai/referral-commission-engine/internal/payout"
	"github.com/youtuneai/referral-commission-engine/internal/storage/memory"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// groupKey mirrors the idempotency key the batcher derives for a payout
// group: sha256 over the comma-joined sorted entry IDs.
func groupKey(entryIDs ...string) string {
	sort.Strings(entryIDs)
	sum := sha256.Sum256([]byte(strings.Join(entryIDs, ",")))
	return hex.EncodeToString(sum[:])
}

type submission struct {
	Key         string
	Destination string
	Amount      decimal.Decimal
}

// fakeRail records every submission and answers queries from a programmable
// ledger of prior results.
type fakeRail struct {
	mu          sync.Mutex
	submissions []submission
	prior       map[string]interfaces.PayoutResult

	// submitFn, when set, decides the submission outcome; the default
	// succeeds and remembers the transfer for later queries.
	submitFn func(key, destination string, amount decimal.Decimal) (interfaces.PayoutResult, error)
}

func newFakeRail() *fakeRail {
	return &fakeRail{prior: make(map[string]interfaces.PayoutResult)}
}

func (f *fakeRail) SubmitPayout(ctx context.Context, key, destination string, amount decimal.Decimal) (interfaces.PayoutResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.submissions = append(f.submissions, submission{Key: key, Destination: destination, Amount: amount})

	if f.submitFn != nil {
		return f.submitFn(key, destination, amount)
	}

	result := interfaces.PayoutResult{
		Status:     interfaces.PayoutSuccess,
		TransferID: "tr-" + uuid.NewString()[:8],
		Amount:     amount,
	}
	f.prior[key] = result
	return result, nil
}

func (f *fakeRail) QueryByIdempotencyKey(ctx context.Context, key string) (interfaces.PayoutResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	result, ok := f.prior[key]
	if !ok {
		return interfaces.PayoutResult{}, interfaces.ErrNoPriorPayout
	}
	return result, nil
}

func (f *fakeRail) submissionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submissions)
}

func testConfig() payout.Config {
	return payout.Config{
		CoolDown:     24 * time.Hour,
		Interval:     time.Hour,
		BatchLimit:   100,
		MaxRetries:   3,
		RailTimeout:  time.Second,
		StalledAfter: 2 * time.Hour,
	}
}

func newBatcher(store interfaces.Store, rail interfaces.PaymentRail, cfg payout.Config) *payout.Batcher {
	return payout.NewBatcher(store, rail, events.NoopPublisher{}, cfg, zap.NewNop())
}

func seedAccount(t *testing.T, store *memory.Store, accountID string) {
	t.Helper()
	now := time.Now()
	require.NoError(t, store.CreateAccount(context.Background(), models.ReferralAccount{
		AccountID:    accountID,
		ReferralCode: "YT2" + accountID,
		CurrentRate:  dec("0.15"),
		Tier:         models.TierBronze,
		Status:       models.AccountActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}))
}

func seedEntry(t *testing.T, store *memory.Store, accountID, commission string, createdAt time.Time) models.CommissionEntry {
	t.Helper()
	entry := models.CommissionEntry{
		EntryID:          uuid.NewString(),
		AccountID:        accountID,
		SaleReference:    "sale-" + uuid.NewString(),
		SaleAmount:       dec(commission).Mul(decimal.NewFromInt(10)),
		RateApplied:      dec("0.10"),
		CommissionAmount: dec(commission),
		State:            models.EntryPending,
		CreatedAt:        createdAt,
	}
	require.NoError(t, store.SaveEntry(context.Background(), entry))
	return entry
}

func entryState(t *testing.T, store *memory.Store, saleReference string) models.CommissionEntry {
	t.Helper()
	entry, err := store.FindEntryBySaleReference(context.Background(), saleReference)
	require.NoError(t, err)
	return entry
}

func TestCoolDownWindow(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	rail := newFakeRail()
	batcher := newBatcher(store, rail, testConfig())

	seedAccount(t, store, "acct-1")
	saleTime := time.Now()
	entry := seedEntry(t, store, "acct-1", "150.00", saleTime)

	// immediately after the sale nothing is eligible
	require.NoError(t, batcher.RunSettlementCycle(ctx, saleTime))
	assert.Zero(t, rail.submissionCount())
	assert.Equal(t, models.EntryPending, entryState(t, store, entry.SaleReference).State)

	// after the 24h cool-down the entry settles
	require.NoError(t, batcher.RunSettlementCycle(ctx, saleTime.Add(24*time.Hour)))
	assert.Equal(t, 1, rail.submissionCount())

	settled := entryState(t, store, entry.SaleReference)
	assert.Equal(t, models.EntrySettled, settled.State)
	require.NotNil(t, settled.SettledAt)
	assert.NotEmpty(t, settled.TransferID)
}

func TestGroupsAggregatePerReferrer(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	rail := newFakeRail()
	batcher := newBatcher(store, rail, testConfig())

	old := time.Now().Add(-48 * time.Hour)
	seedAccount(t, store, "acct-1")
	seedAccount(t, store, "acct-2")
	seedEntry(t, store, "acct-1", "10.00", old)
	seedEntry(t, store, "acct-1", "20.00", old)
	seedEntry(t, store, "acct-2", "5.00", old)

	require.NoError(t, batcher.RunSettlementCycle(ctx, time.Now()))

	require.Equal(t, 2, rail.submissionCount())
	byDestination := make(map[string]decimal.Decimal)
	for _, sub := range rail.submissions {
		byDestination[sub.Destination] = sub.Amount
	}
	assert.True(t, byDestination["acct-1"].Equal(dec("30.00")))
	assert.True(t, byDestination["acct-2"].Equal(dec("5.00")))
}

// Two cycles racing over the same pending set must submit each entry for
// payout exactly once.
func TestConcurrentCyclesSettleExactlyOnce(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	rail := newFakeRail()
	batcher := newBatcher(store, rail, testConfig())

	old := time.Now().Add(-48 * time.Hour)
	seedAccount(t, store, "acct-1")
	var entries []models.CommissionEntry
	for i := 0; i < 5; i++ {
		entries = append(entries, seedEntry(t, store, "acct-1", "10.00", old))
	}

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := batcher.RunSettlementCycle(ctx, time.Now())
			if err != nil {
				assert.ErrorIs(t, err, payout.ErrCycleInProgress)
			}
		}()
	}
	wg.Wait()

	// every entry settled, and the total across submissions paid once
	total := decimal.Zero
	for _, sub := range rail.submissions {
		total = total.Add(sub.Amount)
	}
	assert.True(t, total.Equal(dec("50.00")), "paid %s", total)
	for _, entry := range entries {
		assert.Equal(t, models.EntrySettled, entryState(t, store, entry.SaleReference).State)
	}
}

// A timeout leaves the outcome unknown; the cycle must discover the prior
// transfer by idempotency key and settle without paying twice.
func TestUnknownOutcomeReconciledByIdempotencyKey(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	rail := newFakeRail()
	batcher := newBatcher(store, rail, testConfig())

	seedAccount(t, store, "acct-1")
	entry := seedEntry(t, store, "acct-1", "150.00", time.Now().Add(-48*time.Hour))

	// the transfer goes through but the response never arrives
	rail.submitFn = func(key, destination string, amount decimal.Decimal) (interfaces.PayoutResult, error) {
		rail.prior[key] = interfaces.PayoutResult{
			Status:     interfaces.PayoutSuccess,
			TransferID: "tr-landed",
			Amount:     amount,
		}
		return interfaces.PayoutResult{}, interfaces.ErrUnknownOutcome
	}

	require.NoError(t, batcher.RunSettlementCycle(ctx, time.Now()))

	assert.Equal(t, 1, rail.submissionCount(), "no second real-world transfer")
	settled := entryState(t, store, entry.SaleReference)
	assert.Equal(t, models.EntrySettled, settled.State)
	assert.Equal(t, "tr-landed", settled.TransferID)
}

// A timeout where the transfer never landed releases the group for the
// next cycle instead of settling.
func TestUnknownOutcomeWithNoPriorTransferRetries(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	rail := newFakeRail()
	batcher := newBatcher(store, rail, testConfig())

	seedAccount(t, store, "acct-1")
	entry := seedEntry(t, store, "acct-1", "150.00", time.Now().Add(-48*time.Hour))

	rail.submitFn = func(key, destination string, amount decimal.Decimal) (interfaces.PayoutResult, error) {
		return interfaces.PayoutResult{}, interfaces.ErrUnknownOutcome
	}

	require.NoError(t, batcher.RunSettlementCycle(ctx, time.Now()))

	got := entryState(t, store, entry.SaleReference)
	assert.Equal(t, models.EntryPending, got.State)
	assert.Equal(t, 1, got.RetryCount)
}

func TestTerminalFailureAfterMaxRetries(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	rail := newFakeRail()
	cfg := testConfig()
	cfg.MaxRetries = 2
	batcher := newBatcher(store, rail, cfg)

	seedAccount(t, store, "acct-1")
	entry := seedEntry(t, store, "acct-1", "150.00", time.Now().Add(-48*time.Hour))

	rail.submitFn = func(key, destination string, amount decimal.Decimal) (interfaces.PayoutResult, error) {
		return interfaces.PayoutResult{Status: interfaces.PayoutFailure, Reason: "destination blocked"}, nil
	}

	require.NoError(t, batcher.RunSettlementCycle(ctx, time.Now()))
	assert.Equal(t, models.EntryPending, entryState(t, store, entry.SaleReference).State)

	require.NoError(t, batcher.RunSettlementCycle(ctx, time.Now()))
	got := entryState(t, store, entry.SaleReference)
	assert.Equal(t, models.EntryFailed, got.State)
	assert.Equal(t, 2, got.RetryCount)

	// terminal entries are never picked up again
	before := rail.submissionCount()
	require.NoError(t, batcher.RunSettlementCycle(ctx, time.Now()))
	assert.Equal(t, before, rail.submissionCount())
}

// One referrer's rejection must not disturb the other groups in the cycle.
func TestPartialGroupFailureIsIsolated(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	rail := newFakeRail()
	batcher := newBatcher(store, rail, testConfig())

	old := time.Now().Add(-48 * time.Hour)
	seedAccount(t, store, "acct-good")
	seedAccount(t, store, "acct-bad")
	good := seedEntry(t, store, "acct-good", "10.00", old)
	bad := seedEntry(t, store, "acct-bad", "20.00", old)

	rail.submitFn = func(key, destination string, amount decimal.Decimal) (interfaces.PayoutResult, error) {
		if destination == "acct-bad" {
			return interfaces.PayoutResult{Status: interfaces.PayoutFailure, Reason: "kyc hold"}, nil
		}
		result := interfaces.PayoutResult{Status: interfaces.PayoutSuccess, TransferID: "tr-good", Amount: amount}
		rail.prior[key] = result
		return result, nil
	}

	require.NoError(t, batcher.RunSettlementCycle(ctx, time.Now()))

	assert.Equal(t, models.EntrySettled, entryState(t, store, good.SaleReference).State)
	assert.Equal(t, models.EntryPending, entryState(t, store, bad.SaleReference).State)
}

// Entries a crashed process left scheduled are reconciled against the rail
// under their stored batch key before anything is resubmitted.
func TestStalledBatchRecovery(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	rail := newFakeRail()
	batcher := newBatcher(store, rail, testConfig())

	seedAccount(t, store, "acct-1")
	old := time.Now().Add(-48 * time.Hour)

	// simulate a crash after submission: entries stuck in scheduled with
	// the transfer already executed on the rail side
	first := seedEntry(t, store, "acct-1", "10.00", old)
	second := seedEntry(t, store, "acct-1", "20.00", old)
	reserved, err := store.ReserveDueEntries(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, reserved, 2)

	key := groupKey(first.EntryID, second.EntryID)
	require.NoError(t, store.AssignBatchKey(ctx, []string{first.EntryID, second.EntryID}, key))
	rail.prior[key] = interfaces.PayoutResult{
		Status:     interfaces.PayoutSuccess,
		TransferID: "tr-prior",
		Amount:     dec("30.00"),
	}

	// next cycle starts well past the stall threshold
	require.NoError(t, batcher.RunSettlementCycle(ctx, time.Now().Add(3*time.Hour)))

	assert.Zero(t, rail.submissionCount(), "recovered batch must not resubmit")
	for _, entry := range []models.CommissionEntry{first, second} {
		got := entryState(t, store, entry.SaleReference)
		assert.Equal(t, models.EntrySettled, got.State)
		assert.Equal(t, "tr-prior", got.TransferID)
	}
}

// Two cycles can each leave a stalled batch for the same referrer. Recovery
// must resume each batch under its own stored key; merging them would derive
// a key the rail has never seen and pay the whole total a second time.
func TestRecoveryKeepsStalledBatchesSeparate(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	rail := newFakeRail()
	batcher := newBatcher(store, rail, testConfig())

	seedAccount(t, store, "acct-1")
	old := time.Now().Add(-48 * time.Hour)

	first := seedEntry(t, store, "acct-1", "10.00", old)
	_, err := store.ReserveDueEntries(ctx, time.Now(), 10)
	require.NoError(t, err)
	keyA := groupKey(first.EntryID)
	require.NoError(t, store.AssignBatchKey(ctx, []string{first.EntryID}, keyA))
	rail.prior[keyA] = interfaces.PayoutResult{
		Status:     interfaces.PayoutSuccess,
		TransferID: "tr-a",
		Amount:     dec("10.00"),
	}

	second := seedEntry(t, store, "acct-1", "20.00", old)
	_, err = store.ReserveDueEntries(ctx, time.Now(), 10)
	require.NoError(t, err)
	keyB := groupKey(second.EntryID)
	require.NoError(t, store.AssignBatchKey(ctx, []string{second.EntryID}, keyB))
	rail.prior[keyB] = interfaces.PayoutResult{
		Status:     interfaces.PayoutSuccess,
		TransferID: "tr-b",
		Amount:     dec("20.00"),
	}

	require.NoError(t, batcher.RunSettlementCycle(ctx, time.Now().Add(3*time.Hour)))

	assert.Zero(t, rail.submissionCount(), "both transfers already executed, nothing to resubmit")

	gotFirst := entryState(t, store, first.SaleReference)
	assert.Equal(t, models.EntrySettled, gotFirst.State)
	assert.Equal(t, "tr-a", gotFirst.TransferID)

	gotSecond := entryState(t, store, second.SaleReference)
	assert.Equal(t, models.EntrySettled, gotSecond.State)
	assert.Equal(t, "tr-b", gotSecond.TransferID)
}

// A scheduled entry with no batch key was reserved by a process that died
// before submitting; no money can have moved, so recovery releases it back
// to pending instead of querying or paying.
func TestRecoveryReleasesUnsubmittedEntries(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	rail := newFakeRail()
	batcher := newBatcher(store, rail, testConfig())

	seedAccount(t, store, "acct-1")
	entry := seedEntry(t, store, "acct-1", "15.00", time.Now())
	reserved, err := store.ReserveDueEntries(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, reserved, 1)

	require.NoError(t, batcher.RunSettlementCycle(ctx, time.Now().Add(3*time.Hour)))

	assert.Zero(t, rail.submissionCount())
	got := entryState(t, store, entry.SaleReference)
	assert.Equal(t, models.EntryPending, got.State)
	assert.Equal(t, 1, got.RetryCount)
}

// A zero batch limit is normalized at construction; it must never mean
// "reserve nothing" and silently stall settlement.
func TestZeroBatchLimitIsDefaulted(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	rail := newFakeRail()
	cfg := testConfig()
	cfg.BatchLimit = 0
	batcher := newBatcher(store, rail, cfg)

	seedAccount(t, store, "acct-1")
	entry := seedEntry(t, store, "acct-1", "150.00", time.Now().Add(-48*time.Hour))

	require.NoError(t, batcher.RunSettlementCycle(ctx, time.Now()))

	assert.Equal(t, 1, rail.submissionCount())
	assert.Equal(t, models.EntrySettled, entryState(t, store, entry.SaleReference).State)
}

// The settled sum reported by the rail must equal the group total; a
// mismatch holds the group for manual remediation instead of settling.
func TestAmountMismatchHoldsGroup(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	rail := newFakeRail()
	batcher := newBatcher(store, rail, testConfig())

	seedAccount(t, store, "acct-1")
	entry := seedEntry(t, store, "acct-1", "150.00", time.Now().Add(-48*time.Hour))

	rail.submitFn = func(key, destination string, amount decimal.Decimal) (interfaces.PayoutResult, error) {
		return interfaces.PayoutResult{
			Status:     interfaces.PayoutSuccess,
			TransferID: "tr-odd",
			Amount:     dec("1.00"), // rail claims a different amount moved
		}, nil
	}

	require.NoError(t, batcher.RunSettlementCycle(ctx, time.Now()))

	got := entryState(t, store, entry.SaleReference)
	assert.Equal(t, models.EntryScheduled, got.State, "held, neither settled nor released")
}

func TestRunStopsOnContextCancel(t *testing.T) {
	store := memory.NewStore()
	rail := newFakeRail()
	cfg := testConfig()
	cfg.Interval = 10 * time.Millisecond
	batcher := newBatcher(store, rail, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		batcher.Run(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("batcher did not stop after cancellation")
	}
}

func TestTransientRailErrorReleasesGroup(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	rail := newFakeRail()
	batcher := newBatcher(store, rail, testConfig())

	seedAccount(t, store, "acct-1")
	entry := seedEntry(t, store, "acct-1", "150.00", time.Now().Add(-48*time.Hour))

	rail.submitFn = func(key, destination string, amount decimal.Decimal) (interfaces.PayoutResult, error) {
		return interfaces.PayoutResult{}, errors.New("connection refused")
	}

	require.NoError(t, batcher.RunSettlementCycle(ctx, time.Now()))

	got := entryState(t, store, entry.SaleReference)
	assert.Equal(t, models.EntryPending, got.State)
	assert.Equal(t, 1, got.RetryCount)
}
