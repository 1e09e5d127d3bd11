package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// EntryState is the settlement state of a commission entry.
type EntryState string

const (
	EntryPending   EntryState = "pending"
	EntryScheduled EntryState = "scheduled"
	EntrySettled   EntryState = "settled"
	EntryFailed    EntryState = "failed"
)

// legal transitions: pending -> scheduled -> settled,
// scheduled -> pending (retry), pending/scheduled -> failed.
// Settled and failed are terminal; a settled entry is immutable forever.
var entryTransitions = map[EntryState][]EntryState{
	EntryPending:   {EntryScheduled, EntryFailed},
	EntryScheduled: {EntrySettled, EntryPending, EntryFailed},
}

// CanTransitionTo reports whether moving from s to next is a legal state
// machine step.
func (s EntryState) CanTransitionTo(next EntryState) bool {
	for _, allowed := range entryTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// CommissionEntry is a single immutable commission record produced from one
// sale. SaleAmount and RateApplied are frozen at creation time; later tier
// promotions never touch an existing entry.
type CommissionEntry struct {
	EntryID          string
	AccountID        string
	SaleReference    string // external idempotency key, unique across entries
	SaleAmount       decimal.Decimal
	RateApplied      decimal.Decimal
	CommissionAmount decimal.Decimal
	State            EntryState
	RetryCount       int
	BatchKey         string // idempotency key of the payout batch that claimed this entry
	CreatedAt        time.Time
	SettledAt        *time.Time
	TransferID       string // payment rail transfer that settled this entry
}
