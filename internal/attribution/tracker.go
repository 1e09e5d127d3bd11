package attribution

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/youtuneai/referral-commission-engine/internal/interfaces"
	"github.com/youtuneai/referral-commission-engine/internal/models"
	"github.com/youtuneai/referral-commission-engine/internal/registry"
)

var ErrInvalidCode = errors.New("referral code does not resolve")

// Resolver is the slice of the registry the tracker needs.
type Resolver interface {
	Resolve(ctx context.Context, code string) (models.ReferralAccount, error)
}

// Tracker records which visits arrived through which referral code. Pure
// analytics: it never touches the ledger or the tier engine, and a sale can
// be attributed without any tracked visit existing.
type Tracker struct {
	store    interfaces.Store
	resolver Resolver
	log      *zap.Logger
}

func NewTracker(store interfaces.Store, resolver Resolver, log *zap.Logger) *Tracker {
	return &Tracker{store: store, resolver: resolver, log: log}
}

// Track validates the code and appends one attribution record. Returns the
// attribution ID, or ErrInvalidCode if the code does not resolve.
func (t *Tracker) Track(ctx context.Context, code string, visitor models.VisitorContext) (string, error) {
	account, err := t.resolver.Resolve(ctx, code)
	if errors.Is(err, registry.ErrNotFound) {
		t.log.Warn("visit with invalid referral code", zap.String("code", code))
		return "", ErrInvalidCode
	}
	if err != nil {
		return "", err
	}

	attribution := models.ReferralAttribution{
		AttributionID: uuid.New().String(),
		ReferralCode:  code,
		AccountID:     account.AccountID,
		Visitor:       visitor,
		Timestamp:     time.Now(),
	}

	if err := t.store.SaveAttribution(ctx, attribution); err != nil {
		return "", err
	}

	t.log.Debug("referral visit tracked",
		zap.String("code", code),
		zap.String("attribution_id", attribution.AttributionID))
	return attribution.AttributionID, nil
}
