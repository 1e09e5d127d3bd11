package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/youtuneai/referral-commission-engine/internal/attribution"
	"github.com/youtuneai/referral-commission-engine/internal/interfaces"
	"github.com/youtuneai/referral-commission-engine/internal/ledger"
	"github.com/youtuneai/referral-commission-engine/internal/models"
	"github.com/youtuneai/referral-commission-engine/internal/registry"
	"github.com/youtuneai/referral-commission-engine/internal/tiers"
)

// Handler wires the HTTP surface to the engine services. One instance is
// constructed in main and shared by all routes; request authentication is
// the upstream gateway's problem.
type Handler struct {
	registry *registry.Registry
	tracker  *attribution.Tracker
	ledger   *ledger.Ledger
	tiers    *tiers.Engine
	store    interfaces.Store
	log      *zap.Logger
}

func New(reg *registry.Registry, tracker *attribution.Tracker, led *ledger.Ledger, tierEngine *tiers.Engine, store interfaces.Store, log *zap.Logger) *Handler {
	return &Handler{
		registry: reg,
		tracker:  tracker,
		ledger:   led,
		tiers:    tierEngine,
		store:    store,
		log:      log,
	}
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", h.Health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.POST("/referrals", h.IssueReferralCode)
	r.GET("/referrals/:code", h.ResolveReferralCode)
	r.POST("/track", h.TrackVisit)
	r.POST("/sales", h.RecordSale)
	r.GET("/entries", h.ListEntries)
	r.GET("/accounts/:id/dashboard", h.AccountDashboard)
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) IssueReferralCode(c *gin.Context) {
	var req struct {
		AccountID string `json:"account_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	issued, err := h.registry.Issue(c.Request.Context(), req.AccountID)
	if errors.Is(err, registry.ErrDuplicateAccount) {
		c.JSON(http.StatusConflict, gin.H{"error": "account already has an active referral code"})
		return
	}
	if err != nil {
		h.log.Error("issue referral code failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue referral code"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"referral_code": issued.Code,
		"tracking_url":  issued.TrackingURL,
	})
}

func (h *Handler) ResolveReferralCode(c *gin.Context) {
	account, err := h.registry.Resolve(c.Request.Context(), c.Param("code"))
	if errors.Is(err, registry.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "referral code not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"account_id":    account.AccountID,
		"referral_code": account.ReferralCode,
		"tier":          account.Tier.String(),
		"current_rate":  account.CurrentRate,
	})
}

func (h *Handler) TrackVisit(c *gin.Context) {
	var req struct {
		ReferralCode string `json:"referral_code" binding:"required"`
		Fingerprint  string `json:"fingerprint"`
		LandingPage  string `json:"landing_page"`
		Referrer     string `json:"referrer"`
		SessionID    string `json:"session_id"`
		UTMSource    string `json:"utm_source"`
		UTMCampaign  string `json:"utm_campaign"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	attributionID, err := h.tracker.Track(c.Request.Context(), req.ReferralCode, models.VisitorContext{
		Fingerprint: req.Fingerprint,
		LandingPage: req.LandingPage,
		Referrer:    req.Referrer,
		SessionID:   req.SessionID,
		UTMSource:   req.UTMSource,
		UTMCampaign: req.UTMCampaign,
	})
	if errors.Is(err, attribution.ErrInvalidCode) {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "referral code does not resolve"})
		return
	}
	if err != nil {
		// tracking is analytics only, the visit itself is fine
		h.log.Warn("attribution tracking failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "tracking failed"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"attribution_id": attributionID})
}

func (h *Handler) RecordSale(c *gin.Context) {
	var req struct {
		SaleReference string          `json:"sale_reference" binding:"required"`
		ReferralCode  string          `json:"referral_code" binding:"required"`
		SaleAmount    decimal.Decimal `json:"sale_amount"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	entry, err := h.ledger.RecordSale(c.Request.Context(), req.SaleReference, req.ReferralCode, req.SaleAmount)
	switch {
	case errors.Is(err, ledger.ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{"error": "sale amount must be positive"})
		return
	case errors.Is(err, ledger.ErrUnknownReferral):
		// the sale stands, there is just no commission to pay
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "unknown referral code"})
		return
	case err != nil:
		h.log.Error("record sale failed",
			zap.String("sale_reference", req.SaleReference), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to record sale"})
		return
	}

	c.JSON(http.StatusCreated, entryResponse(entry))
}

func (h *Handler) ListEntries(c *gin.Context) {
	var (
		entries []models.CommissionEntry
		err     error
	)
	if accountID := c.Query("account_id"); accountID != "" {
		entries, err = h.ledger.EntriesByAccount(c.Request.Context(), accountID)
	} else {
		entries, err = h.ledger.Entries(c.Request.Context())
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list entries"})
		return
	}

	out := make([]gin.H, 0, len(entries))
	for _, entry := range entries {
		out = append(out, entryResponse(entry))
	}
	c.JSON(http.StatusOK, gin.H{"entries": out})
}

func (h *Handler) AccountDashboard(c *gin.Context) {
	accountID := c.Param("id")

	summary, err := h.store.AccountSummary(c.Request.Context(), accountID)
	if errors.Is(err, interfaces.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load dashboard"})
		return
	}

	account, err := h.store.GetAccountByID(c.Request.Context(), accountID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load dashboard"})
		return
	}
	progress := h.tiers.ProgressFor(account)

	resp := gin.H{
		"account_id":   summary.AccountID,
		"tier":         summary.Tier.String(),
		"current_rate": summary.CurrentRate,
		"stats": gin.H{
			"total_commissions": summary.TotalCommissions,
			"total_earned":      summary.TotalEarned,
			"total_paid":        summary.TotalPaid,
			"pending_earnings":  summary.PendingEarnings,
			"total_referrals":   summary.LifetimeReferral,
			"total_sales":       summary.LifetimeSales,
		},
		"tier_progression": gin.H{
			"current":             progress.Current.String(),
			"progress_percentage": progress.ProgressPercentage,
		},
	}
	if progress.Next != nil {
		resp["tier_progression"].(gin.H)["next"] = progress.Next.String()
		resp["tier_progression"].(gin.H)["next_tier_requirement"] = progress.NextTierRequires
	}
	c.JSON(http.StatusOK, resp)
}

func entryResponse(entry models.CommissionEntry) gin.H {
	resp := gin.H{
		"entry_id":          entry.EntryID,
		"account_id":        entry.AccountID,
		"sale_reference":    entry.SaleReference,
		"sale_amount":       entry.SaleAmount,
		"rate_applied":      entry.RateApplied,
		"commission_amount": entry.CommissionAmount,
		"state":             string(entry.State),
		"created_at":        entry.CreatedAt,
	}
	if entry.SettledAt != nil {
		resp["settled_at"] = entry.SettledAt
		resp["transfer_id"] = entry.TransferID
	}
	return resp
}
