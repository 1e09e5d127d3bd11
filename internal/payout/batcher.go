package payout

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/youtuneai/referral-commission-engine/internal/interfaces"
	"github.com/youtuneai/referral-commission-engine/internal/models"
	"github.com/youtuneai/referral-commission-engine/internal/models/events"
	"github.com/youtuneai/referral-commission-engine/internal/monitoring"
)

// ErrCycleInProgress is returned when a settlement cycle is asked to start
// while another one is still running.
var ErrCycleInProgress = errors.New("settlement cycle already in progress")

// Config holds the settlement tunables. CoolDown is the dispute buffer an
// entry sits out before it becomes payable.
type Config struct {
	CoolDown     time.Duration
	Interval     time.Duration
	BatchLimit   int
	MaxRetries   int
	RailTimeout  time.Duration
	StalledAfter time.Duration
	Concurrency  int // payout groups settled in parallel per cycle
}

// Batcher converts pending commission entries into settled payouts, one
// aggregate transfer per referrer per cycle, without double-paying and
// without losing entries on partial failure.
type Batcher struct {
	store     interfaces.Store
	rail      interfaces.PaymentRail
	publisher interfaces.EventPublisher
	log       *zap.Logger
	cfg       Config

	cycleMu sync.Mutex // single in-flight cycle guard
}

func NewBatcher(store interfaces.Store, rail interfaces.PaymentRail, publisher interfaces.EventPublisher, cfg Config, log *zap.Logger) *Batcher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	// both stores treat the reservation limit as a positive cap
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 100
	}
	return &Batcher{store: store, rail: rail, publisher: publisher, log: log, cfg: cfg}
}

// Run executes settlement cycles on a fixed interval until ctx is
// cancelled. A cycle in flight when cancellation arrives finishes
// committing any group the rail already confirmed.
func (b *Batcher) Run(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.Interval)
	defer ticker.Stop()

	b.log.Info("settlement batcher started",
		zap.Duration("interval", b.cfg.Interval),
		zap.Duration("cool_down", b.cfg.CoolDown))

	for {
		select {
		case <-ctx.Done():
			b.log.Info("settlement batcher stopped")
			return
		case <-ticker.C:
			if err := b.RunSettlementCycle(ctx, time.Now()); err != nil && !errors.Is(err, ErrCycleInProgress) {
				b.log.Error("settlement cycle failed", zap.Error(err))
			}
		}
	}
}

// payoutGroup is one aggregate transfer: a referrer's reserved entries under
// a single idempotency key.
type payoutGroup struct {
	accountID string
	key       string
	entries   []models.CommissionEntry
}

// RunSettlementCycle performs one settlement pass: recover any batch a
// previous process left mid-flight, reserve the entries whose cool-down has
// elapsed, and settle them grouped per referrer. Group outcomes are
// isolated; one referrer's terminal failure never aborts the others.
func (b *Batcher) RunSettlementCycle(ctx context.Context, now time.Time) error {
	if !b.cycleMu.TryLock() {
		return ErrCycleInProgress
	}
	defer b.cycleMu.Unlock()

	started := time.Now()
	defer func() {
		monitoring.SettlementCycleDuration.Observe(time.Since(started).Seconds())
	}()

	if err := b.recoverStalled(ctx, now); err != nil {
		b.log.Warn("stalled batch recovery incomplete", zap.Error(err))
	}

	cutoff := now.Add(-b.cfg.CoolDown)
	reserved, err := b.store.ReserveDueEntries(ctx, cutoff, b.cfg.BatchLimit)
	if err != nil {
		return err
	}
	if len(reserved) == 0 {
		b.log.Debug("no commissions eligible for settlement")
		return nil
	}

	b.log.Info("settlement cycle reserved entries",
		zap.Int("count", len(reserved)),
		zap.Time("cutoff", cutoff))

	var groups []payoutGroup
	for accountID, entries := range groupByAccount(reserved) {
		ids := entryIDs(entries)
		key := batchKey(ids)
		// The key is persisted before the rail sees it, so recovery can
		// resume this exact group under this exact key after a crash.
		if err := b.store.AssignBatchKey(ctx, ids, key); err != nil {
			b.log.Error("batch key not assigned, group left for recovery",
				zap.String("account_id", accountID), zap.Error(err))
			continue
		}
		groups = append(groups, payoutGroup{accountID: accountID, key: key, entries: entries})
	}
	return b.settleGroups(ctx, groups, false)
}

// recoverStalled re-drives entries a crashed or cancelled cycle left in the
// scheduled state. Each stalled batch is resumed under the batch key stamped
// on its entries at reservation time; the rail query then tells us whether
// that batch's transfer actually happened. Entries with no key were reserved
// but never submitted, so no money can have moved and they go back to
// pending.
func (b *Batcher) recoverStalled(ctx context.Context, now time.Time) error {
	stalled, err := b.store.StalledScheduledEntries(ctx, now.Add(-b.cfg.StalledAfter))
	if err != nil {
		return err
	}
	if len(stalled) == 0 {
		return nil
	}

	b.log.Warn("recovering stalled scheduled entries", zap.Int("count", len(stalled)))

	byKey := make(map[string][]models.CommissionEntry)
	unsubmitted := make(map[string][]models.CommissionEntry)
	for _, entry := range stalled {
		if entry.BatchKey == "" {
			unsubmitted[entry.AccountID] = append(unsubmitted[entry.AccountID], entry)
			continue
		}
		byKey[entry.BatchKey] = append(byKey[entry.BatchKey], entry)
	}

	for accountID, entries := range unsubmitted {
		if err := b.releaseGroup(ctx, accountID, entryIDs(entries)); err != nil {
			b.log.Error("unsubmitted stalled entries not released",
				zap.String("account_id", accountID), zap.Error(err))
		}
	}

	groups := make([]payoutGroup, 0, len(byKey))
	for key, entries := range byKey {
		groups = append(groups, payoutGroup{accountID: entries[0].AccountID, key: key, entries: entries})
	}
	return b.settleGroups(ctx, groups, true)
}

func groupByAccount(entries []models.CommissionEntry) map[string][]models.CommissionEntry {
	groups := make(map[string][]models.CommissionEntry)
	for _, entry := range entries {
		groups[entry.AccountID] = append(groups[entry.AccountID], entry)
	}
	return groups
}

func entryIDs(entries []models.CommissionEntry) []string {
	ids := make([]string, len(entries))
	for i, entry := range entries {
		ids[i] = entry.EntryID
	}
	sort.Strings(ids)
	return ids
}

func (b *Batcher) settleGroups(ctx context.Context, groups []payoutGroup, reconcileFirst bool) error {
	// plain errgroup, no shared context: groups are isolated and one
	// failure must not cancel the rest
	var g errgroup.Group
	g.SetLimit(b.cfg.Concurrency)

	for _, group := range groups {
		group := group
		g.Go(func() error {
			if err := b.settleGroup(ctx, group, reconcileFirst); err != nil {
				b.log.Error("payout group not settled",
					zap.String("account_id", group.accountID),
					zap.Int("entries", len(group.entries)),
					zap.Error(err))
			}
			// swallow per-group errors so sibling groups keep going
			return nil
		})
	}
	return g.Wait()
}

// batchKey derives the idempotency key for a payout group from its sorted
// entry ID set, so the same group always resubmits under the same key.
func batchKey(sortedIDs []string) string {
	sum := sha256.Sum256([]byte(strings.Join(sortedIDs, ",")))
	return hex.EncodeToString(sum[:])
}

func (b *Batcher) settleGroup(ctx context.Context, group payoutGroup, reconcileFirst bool) error {
	ids := entryIDs(group.entries)
	total := decimal.Zero
	for _, entry := range group.entries {
		total = total.Add(entry.CommissionAmount)
	}
	key := group.key

	if reconcileFirst {
		result, err := b.rail.QueryByIdempotencyKey(ctx, key)
		switch {
		case err == nil && result.Status == interfaces.PayoutSuccess:
			return b.finalizeGroup(ctx, group.accountID, ids, total, key, result)
		case err == nil && result.Status == interfaces.PayoutFailure:
			return b.releaseGroup(ctx, group.accountID, ids)
		case errors.Is(err, interfaces.ErrNoPriorPayout):
			// never reached the rail; submit below
		case err != nil:
			return err // stays scheduled, recovered again next cycle
		default:
			return nil // still pending on the rail side, check again later
		}
	}

	railCtx, cancel := context.WithTimeout(ctx, b.cfg.RailTimeout)
	result, err := b.rail.SubmitPayout(railCtx, key, group.accountID, total)
	cancel()

	switch {
	case err == nil && result.Status == interfaces.PayoutSuccess:
		return b.finalizeGroup(ctx, group.accountID, ids, total, key, result)

	case err == nil && result.Status == interfaces.PayoutFailure:
		monitoring.PayoutSubmissions.WithLabelValues("failure").Inc()
		b.log.Warn("payment rail rejected payout",
			zap.String("account_id", group.accountID),
			zap.String("reason", result.Reason))
		return b.releaseGroup(ctx, group.accountID, ids)

	case err == nil && result.Status == interfaces.PayoutPending:
		// rail accepted but has not executed; resolve by key
		return b.reconcile(ctx, group.accountID, ids, total, key)

	case errors.Is(err, interfaces.ErrUnknownOutcome) || errors.Is(err, context.DeadlineExceeded):
		// the transfer may have happened; blind resubmission is exactly
		// what the idempotency key exists to prevent
		monitoring.PayoutSubmissions.WithLabelValues("unknown").Inc()
		return b.reconcile(ctx, group.accountID, ids, total, key)

	default:
		monitoring.PayoutSubmissions.WithLabelValues("error").Inc()
		return b.releaseGroup(ctx, group.accountID, ids)
	}
}

// reconcile resolves an unknown submission outcome by querying the rail for
// the idempotency key, with exponential backoff. If the rail still cannot
// answer, the group is left scheduled for the stalled-recovery path.
func (b *Batcher) reconcile(ctx context.Context, accountID string, ids []string, total decimal.Decimal, key string) error {
	var result interfaces.PayoutResult

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5), ctx)
	err := backoff.Retry(func() error {
		res, err := b.rail.QueryByIdempotencyKey(ctx, key)
		if errors.Is(err, interfaces.ErrNoPriorPayout) {
			return backoff.Permanent(err)
		}
		if err != nil {
			return err
		}
		if res.Status == interfaces.PayoutPending {
			return errors.New("payout still pending")
		}
		result = res
		return nil
	}, policy)

	switch {
	case errors.Is(err, interfaces.ErrNoPriorPayout):
		// submission never landed, safe to retry the whole group later
		return b.releaseGroup(ctx, accountID, ids)
	case err != nil:
		b.log.Warn("payout outcome still unknown, leaving group scheduled",
			zap.String("account_id", accountID),
			zap.String("batch_key", key))
		return nil
	case result.Status == interfaces.PayoutSuccess:
		return b.finalizeGroup(ctx, accountID, ids, total, key, result)
	default:
		return b.releaseGroup(ctx, accountID, ids)
	}
}

// finalizeGroup commits a rail-confirmed payout. The local commit runs on a
// detached context: once the money moved, a shutdown must not leave the
// entries unsettled.
func (b *Batcher) finalizeGroup(ctx context.Context, accountID string, ids []string, total decimal.Decimal, key string, result interfaces.PayoutResult) error {
	commitCtx := context.WithoutCancel(ctx)

	// reconciliation check: the rail must have moved exactly what the
	// group sums to, otherwise something upstream is corrupt
	if !result.Amount.IsZero() && !result.Amount.Equal(total) {
		b.log.Error("settled amount mismatch, group held for manual remediation",
			zap.String("account_id", accountID),
			zap.String("batch_key", key),
			zap.String("expected", total.String()),
			zap.String("transferred", result.Amount.String()))
		return errors.New("payout amount mismatch against payment rail")
	}

	settledAt := time.Now()
	if err := b.store.MarkEntriesSettled(commitCtx, ids, result.TransferID, settledAt); err != nil {
		return err
	}

	monitoring.PayoutSubmissions.WithLabelValues("success").Inc()
	monitoring.EntriesSettled.Add(float64(len(ids)))
	b.log.Info("payout settled",
		zap.String("account_id", accountID),
		zap.String("transfer_id", result.TransferID),
		zap.String("amount", total.String()),
		zap.Int("entries", len(ids)))

	event := events.PayoutSettled{
		AccountID:  accountID,
		BatchKey:   key,
		Amount:     total,
		TransferID: result.TransferID,
		EntryIDs:   ids,
		OccurredAt: settledAt,
	}
	if err := b.publisher.Publish(commitCtx, events.TopicPayoutSettled, event); err != nil {
		b.log.Warn("payout settled event not published", zap.Error(err))
	}
	return nil
}

// releaseGroup returns a group to pending for the next cycle, or to the
// terminal failed state once its retries are spent.
func (b *Batcher) releaseGroup(ctx context.Context, accountID string, ids []string) error {
	failed, err := b.store.ReleaseEntries(context.WithoutCancel(ctx), ids, b.cfg.MaxRetries)
	if err != nil {
		return err
	}
	if failed > 0 {
		monitoring.EntriesFailed.Add(float64(failed))
		b.log.Error("entries exhausted settlement retries, manual remediation required",
			zap.String("account_id", accountID),
			zap.Int("failed", failed))
	}
	return nil
}
