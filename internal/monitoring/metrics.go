package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SalesRecorded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "referral_sales_recorded_total",
		Help: "Commission ledger entries created from sale events",
	})

	DuplicateSaleReplays = promauto.NewCounter(prometheus.CounterOpts{
		Name: "referral_duplicate_sale_replays_total",
		Help: "Sale events absorbed by saleReference idempotency",
	})

	TierUpgrades = promauto.NewCounter(prometheus.CounterOpts{
		Name: "referral_tier_upgrades_total",
		Help: "Accounts promoted to a higher tier",
	})

	EntriesSettled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "referral_entries_settled_total",
		Help: "Commission entries settled through the payment rail",
	})

	EntriesFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "referral_entries_failed_total",
		Help: "Commission entries moved to the terminal failed state",
	})

	SettlementCycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "referral_settlement_cycle_seconds",
		Help:    "Duration of one settlement cycle",
		Buckets: prometheus.DefBuckets,
	})

	PayoutSubmissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "referral_payout_submissions_total",
		Help: "Aggregate payout submissions by outcome",
	}, []string{"outcome"})
)
