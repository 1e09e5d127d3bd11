package interfaces

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/youtuneai/referral-commission-engine/internal/models"
)

var (
	ErrNotFound               = errors.New("not found")
	ErrDuplicateAccount       = errors.New("account already has an active referral code")
	ErrDuplicateCode          = errors.New("referral code already issued")
	ErrDuplicateSaleReference = errors.New("sale reference already recorded")
	ErrIllegalTransition      = errors.New("illegal entry state transition")
)

// PromotionFunc inspects an account whose lifetime totals were just updated
// and returns the account with any tier promotion applied, plus whether it
// changed. The store runs it inside the same atomic unit as the counter
// update so the increment and the tier recompute cannot interleave with a
// concurrent sale for the same account.
type PromotionFunc func(account models.ReferralAccount) (models.ReferralAccount, bool)

// Store is the single source of truth for accounts, commission entries and
// attribution records.
type Store interface {
	CreateAccount(ctx context.Context, account models.ReferralAccount) error
	GetAccountByID(ctx context.Context, accountID string) (models.ReferralAccount, error)
	GetAccountByCode(ctx context.Context, code string) (models.ReferralAccount, error)

	// ApplyQualifyingSale atomically adds saleAmount to the account's
	// lifetime qualifying sales, bumps the referral count, runs promote on
	// the updated row and persists its result, all in one unit. Returns the
	// account before and after the update.
	ApplyQualifyingSale(ctx context.Context, accountID string, saleAmount decimal.Decimal, promote PromotionFunc) (before, after models.ReferralAccount, err error)

	FindEntryBySaleReference(ctx context.Context, saleReference string) (models.CommissionEntry, error)
	SaveEntry(ctx context.Context, entry models.CommissionEntry) error
	GetEntries(ctx context.Context) ([]models.CommissionEntry, error)
	GetEntriesByAccount(ctx context.Context, accountID string) ([]models.CommissionEntry, error)

	// ReserveDueEntries atomically moves pending entries created at or
	// before cutoff into the scheduled state and returns them, at most
	// limit at a time; limit must be positive, a non-positive limit
	// reserves nothing. Two concurrent settlement cycles never receive
	// the same entry.
	ReserveDueEntries(ctx context.Context, cutoff time.Time, limit int) ([]models.CommissionEntry, error)

	// AssignBatchKey stamps a reserved group with its payout idempotency
	// key before the group is submitted. Recovery resumes each stalled
	// batch under its stored key; a scheduled entry without a key was
	// never submitted.
	AssignBatchKey(ctx context.Context, entryIDs []string, batchKey string) error

	// StalledScheduledEntries returns scheduled entries that were reserved
	// at or before staleCutoff, for crash recovery at the start of a cycle.
	StalledScheduledEntries(ctx context.Context, staleCutoff time.Time) ([]models.CommissionEntry, error)

	// MarkEntriesSettled finalizes a confirmed payout group.
	MarkEntriesSettled(ctx context.Context, entryIDs []string, transferID string, settledAt time.Time) error

	// ReleaseEntries returns a failed group to pending with an incremented
	// retry count, or to the terminal failed state once maxRetries is
	// exhausted. It reports how many entries went terminal.
	ReleaseEntries(ctx context.Context, entryIDs []string, maxRetries int) (failed int, err error)

	SaveAttribution(ctx context.Context, attribution models.ReferralAttribution) error

	AccountSummary(ctx context.Context, accountID string) (models.AccountSummary, error)
}
