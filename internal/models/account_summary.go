package models

import "github.com/shopspring/decimal"

// AccountSummary aggregates an account's commission history for the
// dashboard surface.
type AccountSummary struct {
	AccountID        string
	Tier             Tier
	CurrentRate      decimal.Decimal
	TotalCommissions int64           // number of entries ever written
	TotalEarned      decimal.Decimal // sum over all entries
	TotalPaid        decimal.Decimal // sum over settled entries
	PendingEarnings  decimal.Decimal // sum over pending + scheduled entries
	LifetimeSales    decimal.Decimal
	LifetimeReferral int64
}
