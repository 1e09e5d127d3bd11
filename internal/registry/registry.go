package registry

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/youtuneai/referral-commission-engine/internal/interfaces"
	"github.com/youtuneai/referral-commission-engine/internal/models"
)

var (
	ErrDuplicateAccount = errors.New("account already enrolled in the referral program")
	ErrNotFound         = errors.New("referral code not found")
)

const (
	resolveCacheSize = 4096
	resolveCacheTTL  = 30 * time.Second
	issueAttempts    = 3
)

// Registry issues referral codes and resolves them back to accounts.
// Resolve goes through a short-TTL cache because codes are immutable once
// issued; CurrentRate always reads the store so a tier promotion is visible
// to the very next ledger write.
type Registry struct {
	store      interfaces.Store
	log        *zap.Logger
	tierTable  *models.TierTable
	codePrefix string
	baseURL    string
	cache      *lru.LRU[string, models.ReferralAccount]
}

func New(store interfaces.Store, tierTable *models.TierTable, codePrefix, baseURL string, log *zap.Logger) *Registry {
	return &Registry{
		store:      store,
		log:        log,
		tierTable:  tierTable,
		codePrefix: codePrefix,
		baseURL:    baseURL,
		cache:      lru.NewLRU[string, models.ReferralAccount](resolveCacheSize, nil, resolveCacheTTL),
	}
}

// IssuedCode is what a new program member gets back.
type IssuedCode struct {
	Code        string
	TrackingURL string
}

// Issue enrolls an account and returns its referral code. One active code
// per account; a second call fails with ErrDuplicateAccount.
func (r *Registry) Issue(ctx context.Context, accountID string) (IssuedCode, error) {
	if accountID == "" {
		return IssuedCode{}, errors.New("account id is required")
	}

	entry := r.tierTable.Lowest()
	now := time.Now()

	var err error
	for attempt := 0; attempt < issueAttempts; attempt++ {
		account := models.ReferralAccount{
			AccountID:               accountID,
			ReferralCode:            r.generateCode(accountID, attempt),
			CurrentRate:             entry.Rate,
			Tier:                    entry.Tier,
			LifetimeQualifyingSales: decimal.Zero,
			Status:                  models.AccountActive,
			CreatedAt:               now,
			UpdatedAt:               now,
		}

		err = r.store.CreateAccount(ctx, account)
		switch {
		case err == nil:
			r.log.Info("referral code issued",
				zap.String("account_id", accountID),
				zap.String("code", account.ReferralCode),
				zap.String("tier", account.Tier.String()))
			return IssuedCode{
				Code:        account.ReferralCode,
				TrackingURL: fmt.Sprintf("%s/ref/%s", r.baseURL, account.ReferralCode),
			}, nil
		case errors.Is(err, interfaces.ErrDuplicateAccount):
			return IssuedCode{}, ErrDuplicateAccount
		case errors.Is(err, interfaces.ErrDuplicateCode):
			continue // regenerate and retry
		default:
			return IssuedCode{}, err
		}
	}
	return IssuedCode{}, fmt.Errorf("could not generate a unique referral code: %w", err)
}

// generateCode builds codes like YT2A1B2C4F7D9. The account hash keeps
// codes stable-looking per account; the uuid tail guarantees uniqueness
// across retries.
func (r *Registry) generateCode(accountID string, attempt int) string {
	h := fnv.New32a()
	h.Write([]byte(accountID))
	tail := strings.ToUpper(strings.ReplaceAll(uuid.New().String(), "-", ""))[:6+attempt]
	return fmt.Sprintf("%s%04X%s", r.codePrefix, h.Sum32()&0xFFFF, tail)
}

// Resolve looks up the account owning a referral code. Read-only; safe at
// visit frequency.
func (r *Registry) Resolve(ctx context.Context, code string) (models.ReferralAccount, error) {
	if account, ok := r.cache.Get(code); ok {
		return account, nil
	}

	account, err := r.store.GetAccountByCode(ctx, code)
	if errors.Is(err, interfaces.ErrNotFound) {
		return models.ReferralAccount{}, ErrNotFound
	}
	if err != nil {
		return models.ReferralAccount{}, err
	}

	r.cache.Add(code, account)
	return account, nil
}

// CurrentRate returns the account's present commission rate, straight from
// the store. Never cached: the ledger snapshots this value per entry and a
// promotion must apply to the next entry.
func (r *Registry) CurrentRate(ctx context.Context, accountID string) (decimal.Decimal, error) {
	account, err := r.store.GetAccountByID(ctx, accountID)
	if errors.Is(err, interfaces.ErrNotFound) {
		return decimal.Zero, ErrNotFound
	}
	if err != nil {
		return decimal.Zero, err
	}
	return account.CurrentRate, nil
}
