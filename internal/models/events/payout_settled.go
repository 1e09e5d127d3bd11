package events

import (
	"time"

	"github.com/shopspring/decimal"
)

const TopicPayoutSettled = "payout_settled"

type PayoutSettled struct {
	AccountID  string          `json:"account_id"`
	BatchKey   string          `json:"batch_key"`
	Amount     decimal.Decimal `json:"amount"`
	TransferID string          `json:"transfer_id"`
	EntryIDs   []string        `json:"entry_ids"`
	OccurredAt time.Time       `json:"occurred_at"`
}
