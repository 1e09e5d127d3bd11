package rail

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/youtuneai/referral-commission-engine/internal/interfaces"
)

// Simulated is a payment rail that moves no money. Every submission is
// confirmed immediately and remembered by idempotency key, so the whole
// settlement flow runs end to end in development without a rail endpoint.
type Simulated struct {
	log *zap.Logger

	mu      sync.Mutex
	results map[string]interfaces.PayoutResult
}

func NewSimulated(log *zap.Logger) *Simulated {
	return &Simulated{log: log, results: make(map[string]interfaces.PayoutResult)}
}

func (s *Simulated) SubmitPayout(ctx context.Context, idempotencyKey, destinationAccount string, amount decimal.Decimal) (interfaces.PayoutResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// same dedup contract as the real rail
	if result, ok := s.results[idempotencyKey]; ok {
		return result, nil
	}

	result := interfaces.PayoutResult{
		Status:     interfaces.PayoutSuccess,
		TransferID: "sim-" + uuid.NewString(),
		Amount:     amount,
	}
	s.results[idempotencyKey] = result

	s.log.Info("simulated payout",
		zap.String("destination", destinationAccount),
		zap.String("amount", amount.String()),
		zap.String("transfer_id", result.TransferID))
	return result, nil
}

func (s *Simulated) QueryByIdempotencyKey(ctx context.Context, key string) (interfaces.PayoutResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, ok := s.results[key]
	if !ok {
		return interfaces.PayoutResult{}, interfaces.ErrNoPriorPayout
	}
	return result, nil
}

var _ interfaces.PaymentRail = (*Simulated)(nil)
