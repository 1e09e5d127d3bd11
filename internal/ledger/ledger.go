package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/youtuneai/referral-commission-engine/internal/interfaces"
	"github.com/youtuneai/referral-commission-engine/internal/models"
	"github.com/youtuneai/referral-commission-engine/internal/monitoring"
	"github.com/youtuneai/referral-commission-engine/internal/registry"
)

var (
	// ErrUnknownReferral means the sale itself is valid but carried a code
	// nobody owns; the caller proceeds without commission.
	ErrUnknownReferral = errors.New("unknown referral code")

	ErrInvalidAmount = errors.New("sale amount must be positive")

	// ErrInvariantViolation marks a computed commission that exceeds its
	// sale amount. Amounts and rates are bounded, so this is a defect, not
	// an input problem; the entry is never persisted.
	ErrInvariantViolation = errors.New("commission amount exceeds sale amount")
)

// minorUnitPlaces is the rounding precision of the settlement currency.
const minorUnitPlaces = 2

// RateSource is the slice of the registry the ledger needs: code resolution
// plus the uncached per-account rate.
type RateSource interface {
	Resolve(ctx context.Context, code string) (models.ReferralAccount, error)
	CurrentRate(ctx context.Context, accountID string) (decimal.Decimal, error)
}

// TierNotifier receives the qualifying amount of every new entry.
type TierNotifier interface {
	ApplyQualifyingSale(ctx context.Context, accountID string, saleAmount decimal.Decimal) error
}

// Ledger turns sale events into immutable commission entries, exactly one
// per sale reference.
type Ledger struct {
	store interfaces.Store
	rates RateSource
	tiers TierNotifier
	log   *zap.Logger
	now   func() time.Time

	muMap map[string]*sync.Mutex // per-account critical sections
	mapMu sync.Mutex             // protects muMap itself
}

func New(store interfaces.Store, rates RateSource, tiers TierNotifier, log *zap.Logger) *Ledger {
	return &Ledger{
		store: store,
		rates: rates,
		tiers: tiers,
		log:   log,
		now:   time.Now,
		muMap: make(map[string]*sync.Mutex),
	}
}

// SetClock overrides the entry timestamp source. Tests use it to age
// entries past the settlement cool-down.
func (l *Ledger) SetClock(now func() time.Time) {
	l.now = now
}

func (l *Ledger) getAccountLock(accountID string) *sync.Mutex {
	l.mapMu.Lock()
	defer l.mapMu.Unlock()

	if _, exists := l.muMap[accountID]; !exists {
		l.muMap[accountID] = &sync.Mutex{}
	}
	return l.muMap[accountID]
}

// RecordSale creates (or replays) the commission entry for one sale.
//
// Replaying a sale reference returns the stored entry untouched, whatever
// amount the retry carries: webhook redelivery must not double-count. The
// rate is snapshotted from the registry at creation time; promotions that
// land afterwards only affect later entries.
func (l *Ledger) RecordSale(ctx context.Context, saleReference, referralCode string, saleAmount decimal.Decimal) (models.CommissionEntry, error) {
	if saleReference == "" {
		return models.CommissionEntry{}, errors.New("sale reference is required")
	}
	if saleAmount.LessThanOrEqual(decimal.Zero) {
		return models.CommissionEntry{}, ErrInvalidAmount
	}

	if existing, err := l.store.FindEntryBySaleReference(ctx, saleReference); err == nil {
		monitoring.DuplicateSaleReplays.Inc()
		l.log.Debug("sale reference replayed", zap.String("sale_reference", saleReference))
		return existing, nil
	} else if !errors.Is(err, interfaces.ErrNotFound) {
		return models.CommissionEntry{}, err
	}

	account, err := l.rates.Resolve(ctx, referralCode)
	if errors.Is(err, registry.ErrNotFound) {
		return models.CommissionEntry{}, ErrUnknownReferral
	}
	if err != nil {
		return models.CommissionEntry{}, err
	}

	mu := l.getAccountLock(account.AccountID)
	mu.Lock()
	defer mu.Unlock()

	// Resolve may serve a cached account; the rate snapshot must not.
	rate, err := l.rates.CurrentRate(ctx, account.AccountID)
	if err != nil {
		return models.CommissionEntry{}, err
	}

	commission := saleAmount.Mul(rate).RoundBank(minorUnitPlaces)
	if commission.IsNegative() || commission.GreaterThan(saleAmount) {
		l.log.Error("commission invariant violated, entry not persisted",
			zap.String("sale_reference", saleReference),
			zap.String("sale_amount", saleAmount.String()),
			zap.String("rate", rate.String()),
			zap.String("commission", commission.String()))
		return models.CommissionEntry{}, fmt.Errorf("%w: %s of %s", ErrInvariantViolation, commission, saleAmount)
	}

	entry := models.CommissionEntry{
		EntryID:          uuid.New().String(),
		AccountID:        account.AccountID,
		SaleReference:    saleReference,
		SaleAmount:       saleAmount,
		RateApplied:      rate,
		CommissionAmount: commission,
		State:            models.EntryPending,
		CreatedAt:        l.now(),
	}

	if err := l.store.SaveEntry(ctx, entry); err != nil {
		if errors.Is(err, interfaces.ErrDuplicateSaleReference) {
			// lost the race with a concurrent replay of the same sale
			return l.store.FindEntryBySaleReference(ctx, saleReference)
		}
		return models.CommissionEntry{}, err
	}

	monitoring.SalesRecorded.Inc()
	l.log.Info("commission entry recorded",
		zap.String("entry_id", entry.EntryID),
		zap.String("account_id", entry.AccountID),
		zap.String("sale_reference", saleReference),
		zap.String("commission", commission.String()),
		zap.String("rate", rate.String()))

	// The entry is durable at this point; tier accounting is best-effort
	// relative to it. The commission charged at the old rate stands even if
	// this fails.
	if err := l.tiers.ApplyQualifyingSale(ctx, account.AccountID, saleAmount); err != nil {
		l.log.Error("tier update failed after ledger write",
			zap.String("account_id", account.AccountID),
			zap.String("sale_reference", saleReference),
			zap.Error(err))
	}

	return entry, nil
}

// Entries returns the full ledger, oldest first.
func (l *Ledger) Entries(ctx context.Context) ([]models.CommissionEntry, error) {
	return l.store.GetEntries(ctx)
}

// EntriesByAccount returns one account's ledger, oldest first.
func (l *Ledger) EntriesByAccount(ctx context.Context, accountID string) ([]models.CommissionEntry, error) {
	return l.store.GetEntriesByAccount(ctx, accountID)
}
