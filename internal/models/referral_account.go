package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// AccountStatus flags whether an account can still earn commissions.
// Accounts are never deleted, only deactivated.
type AccountStatus string

const (
	AccountActive      AccountStatus = "active"
	AccountDeactivated AccountStatus = "deactivated"
)

// ReferralAccount represents one participant in the referral program.
// CurrentRate and Tier are mutated only by the tier engine; the lifetime
// accumulators only ever grow.
type ReferralAccount struct {
	AccountID               string          // owned by the external user system
	ReferralCode            string          // unique, immutable once issued
	CurrentRate             decimal.Decimal // fraction in (0, 1]
	Tier                    Tier
	LifetimeQualifyingSales decimal.Decimal
	LifetimeReferralCount   int64
	Status                  AccountStatus
	CreatedAt               time.Time
	UpdatedAt               time.Time
}
