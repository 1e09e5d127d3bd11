package events

import (
	"time"

	"github.com/shopspring/decimal"
)

const TopicTierUpgraded = "tier_upgraded"

type TierUpgraded struct {
	AccountID  string          `json:"account_id"`
	OldTier    string          `json:"old_tier"`
	NewTier    string          `json:"new_tier"`
	NewRate    decimal.Decimal `json:"new_rate"`
	OccurredAt time.Time       `json:"occurred_at"`
}
