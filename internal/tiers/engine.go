package tiers

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/youtuneai/referral-commission-engine/internal/interfaces"
	"github.com/youtuneai/referral-commission-engine/internal/models"
	"github.com/youtuneai/referral-commission-engine/internal/models/events"
	"github.com/youtuneai/referral-commission-engine/internal/monitoring"
)

// Engine maintains lifetime qualifying sales and promotes accounts across
// tiers. Promotions are monotonic and change the rate for future entries
// only; entries already written keep the rate they snapshotted.
type Engine struct {
	store     interfaces.Store
	table     *models.TierTable
	publisher interfaces.EventPublisher
	log       *zap.Logger
}

func NewEngine(store interfaces.Store, table *models.TierTable, publisher interfaces.EventPublisher, log *zap.Logger) *Engine {
	return &Engine{store: store, table: table, publisher: publisher, log: log}
}

// ApplyQualifyingSale adds the sale to the account's lifetime total and
// applies any promotion the new total earns. The store runs the increment
// and the promote callback in one atomic unit per account, so concurrent
// sales cannot lose updates or observe a half-applied promotion.
func (e *Engine) ApplyQualifyingSale(ctx context.Context, accountID string, saleAmount decimal.Decimal) error {
	before, after, err := e.store.ApplyQualifyingSale(ctx, accountID, saleAmount, e.promote)
	if err != nil {
		return err
	}

	if after.Tier > before.Tier {
		monitoring.TierUpgrades.Inc()
		e.log.Info("account promoted",
			zap.String("account_id", accountID),
			zap.String("old_tier", before.Tier.String()),
			zap.String("new_tier", after.Tier.String()),
			zap.String("new_rate", after.CurrentRate.String()),
			zap.String("lifetime_sales", after.LifetimeQualifyingSales.String()))

		event := events.TierUpgraded{
			AccountID:  accountID,
			OldTier:    before.Tier.String(),
			NewTier:    after.Tier.String(),
			NewRate:    after.CurrentRate,
			OccurredAt: time.Now(),
		}
		// fire and forget: notification failures are logged, never retried
		if err := e.publisher.Publish(ctx, events.TopicTierUpgraded, event); err != nil {
			e.log.Warn("tier upgrade notification failed",
				zap.String("account_id", accountID), zap.Error(err))
		}
	}

	return nil
}

// promote recomputes the tier for an account whose lifetime totals were
// just updated. Runs inside the store's atomic unit. Never demotes: a
// computed tier below the stored one leaves the account untouched.
func (e *Engine) promote(account models.ReferralAccount) (models.ReferralAccount, bool) {
	def := e.table.TierFor(account.LifetimeQualifyingSales)
	if def.Tier <= account.Tier {
		return account, false
	}

	account.Tier = def.Tier
	account.CurrentRate = def.Rate
	return account, true
}

// Progress describes how far an account is toward its next tier.
type Progress struct {
	Current            models.Tier
	Next               *models.Tier
	NextTierRequires   decimal.Decimal
	ProgressPercentage decimal.Decimal
}

// ProgressFor computes tier progression for the dashboard. A top-tier
// account reports 100% with no next tier.
func (e *Engine) ProgressFor(account models.ReferralAccount) Progress {
	next, ok := e.table.Next(account.Tier)
	if !ok {
		return Progress{Current: account.Tier, ProgressPercentage: decimal.NewFromInt(100)}
	}

	current, _ := e.table.Definition(account.Tier)
	span := next.MinLifetimeSales.Sub(current.MinLifetimeSales)
	covered := account.LifetimeQualifyingSales.Sub(current.MinLifetimeSales)

	pct := decimal.Zero
	if span.IsPositive() {
		pct = covered.Div(span).Mul(decimal.NewFromInt(100)).Round(1)
	}
	if pct.IsNegative() {
		pct = decimal.Zero
	}
	hundred := decimal.NewFromInt(100)
	if pct.GreaterThan(hundred) {
		pct = hundred
	}

	nextTier := next.Tier
	return Progress{
		Current:            account.Tier,
		Next:               &nextTier,
		NextTierRequires:   next.MinLifetimeSales,
		ProgressPercentage: pct,
	}
}
