package interfaces

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

// PayoutStatus is the outcome the payment rail reports for a transfer.
type PayoutStatus string

const (
	PayoutSuccess PayoutStatus = "success"
	PayoutPending PayoutStatus = "pending"
	PayoutFailure PayoutStatus = "failure"
)

type PayoutResult struct {
	Status     PayoutStatus
	TransferID string
	Amount     decimal.Decimal
	Reason     string
}

var (
	// ErrUnknownOutcome means the submission may or may not have gone
	// through (timeout, connection drop after send). The caller must
	// reconcile via QueryByIdempotencyKey before resubmitting.
	ErrUnknownOutcome = errors.New("payout outcome unknown")

	// ErrNoPriorPayout is returned by QueryByIdempotencyKey when the rail
	// has no record of the key.
	ErrNoPriorPayout = errors.New("no payout recorded for idempotency key")
)

// PaymentRail is the external collaborator that actually moves funds.
// Submissions are idempotent per key on the rail side: resubmitting an
// already-executed key returns the prior result instead of transferring
// again.
type PaymentRail interface {
	SubmitPayout(ctx context.Context, idempotencyKey, destinationAccount string, amount decimal.Decimal) (PayoutResult, error)
	QueryByIdempotencyKey(ctx context.Context, key string) (PayoutResult, error)
}
