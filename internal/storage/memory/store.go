package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/youtuneai/referral-commission-engine/internal/interfaces"
	"github.com/youtuneai/referral-commission-engine/internal/models"
)

// Store is an in-memory implementation of interfaces.Store. A single mutex
// guards all maps, which also makes the counter-update-plus-promotion path
// atomic per call. Used by tests and as the default backend when no
// database is configured.
type Store struct {
	mu           sync.Mutex
	accounts     map[string]models.ReferralAccount // by account ID
	codeIndex    map[string]string                 // referral code -> account ID
	entries      map[string]models.CommissionEntry // by entry ID
	saleRefIndex map[string]string                 // sale reference -> entry ID
	scheduledAt  map[string]time.Time              // entry ID -> reservation time
	attributions []models.ReferralAttribution
}

func NewStore() *Store {
	return &Store{
		accounts:     make(map[string]models.ReferralAccount),
		codeIndex:    make(map[string]string),
		entries:      make(map[string]models.CommissionEntry),
		saleRefIndex: make(map[string]string),
		scheduledAt:  make(map[string]time.Time),
	}
}

func (s *Store) CreateAccount(ctx context.Context, account models.ReferralAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.accounts[account.AccountID]; exists {
		return interfaces.ErrDuplicateAccount
	}
	if _, exists := s.codeIndex[account.ReferralCode]; exists {
		return interfaces.ErrDuplicateCode
	}

	s.accounts[account.AccountID] = account
	s.codeIndex[account.ReferralCode] = account.AccountID
	return nil
}

func (s *Store) GetAccountByID(ctx context.Context, accountID string) (models.ReferralAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	account, ok := s.accounts[accountID]
	if !ok {
		return models.ReferralAccount{}, interfaces.ErrNotFound
	}
	return account, nil
}

func (s *Store) GetAccountByCode(ctx context.Context, code string) (models.ReferralAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	accountID, ok := s.codeIndex[code]
	if !ok {
		return models.ReferralAccount{}, interfaces.ErrNotFound
	}
	return s.accounts[accountID], nil
}

func (s *Store) ApplyQualifyingSale(ctx context.Context, accountID string, saleAmount decimal.Decimal, promote interfaces.PromotionFunc) (models.ReferralAccount, models.ReferralAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	before, ok := s.accounts[accountID]
	if !ok {
		return models.ReferralAccount{}, models.ReferralAccount{}, interfaces.ErrNotFound
	}

	after := before
	after.LifetimeQualifyingSales = after.LifetimeQualifyingSales.Add(saleAmount)
	after.LifetimeReferralCount++
	after.UpdatedAt = time.Now()

	if promote != nil {
		if promoted, changed := promote(after); changed {
			after = promoted
		}
	}

	s.accounts[accountID] = after
	return before, after, nil
}

func (s *Store) FindEntryBySaleReference(ctx context.Context, saleReference string) (models.CommissionEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entryID, ok := s.saleRefIndex[saleReference]
	if !ok {
		return models.CommissionEntry{}, interfaces.ErrNotFound
	}
	return s.entries[entryID], nil
}

func (s *Store) SaveEntry(ctx context.Context, entry models.CommissionEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.saleRefIndex[entry.SaleReference]; exists {
		return interfaces.ErrDuplicateSaleReference
	}

	s.entries[entry.EntryID] = entry
	s.saleRefIndex[entry.SaleReference] = entry.EntryID
	return nil
}

func (s *Store) GetEntries(ctx context.Context) ([]models.CommissionEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.CommissionEntry, 0, len(s.entries))
	for _, entry := range s.entries {
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) GetEntriesByAccount(ctx context.Context, accountID string) ([]models.CommissionEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.CommissionEntry
	for _, entry := range s.entries {
		if entry.AccountID == accountID {
			out = append(out, entry)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) ReserveDueEntries(ctx context.Context, cutoff time.Time, limit int) ([]models.CommissionEntry, error) {
	// same semantics as LIMIT in the postgres store
	if limit <= 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var due []models.CommissionEntry
	for _, entry := range s.entries {
		if entry.State == models.EntryPending && !entry.CreatedAt.After(cutoff) {
			due = append(due, entry)
		}
	}
	// oldest first, so a backlog drains in order across cycles
	sort.Slice(due, func(i, j int) bool { return due[i].CreatedAt.Before(due[j].CreatedAt) })
	if len(due) > limit {
		due = due[:limit]
	}

	now := time.Now()
	for i, entry := range due {
		entry.State = models.EntryScheduled
		s.entries[entry.EntryID] = entry
		s.scheduledAt[entry.EntryID] = now
		due[i] = entry
	}
	return due, nil
}

func (s *Store) AssignBatchKey(ctx context.Context, entryIDs []string, batchKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range entryIDs {
		entry, ok := s.entries[id]
		if !ok {
			return interfaces.ErrNotFound
		}
		if entry.State != models.EntryScheduled {
			return interfaces.ErrIllegalTransition
		}
	}
	for _, id := range entryIDs {
		entry := s.entries[id]
		entry.BatchKey = batchKey
		s.entries[id] = entry
	}
	return nil
}

func (s *Store) StalledScheduledEntries(ctx context.Context, staleCutoff time.Time) ([]models.CommissionEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.CommissionEntry
	for id, entry := range s.entries {
		if entry.State != models.EntryScheduled {
			continue
		}
		if reserved, ok := s.scheduledAt[id]; ok && reserved.After(staleCutoff) {
			continue
		}
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntryID < out[j].EntryID })
	return out, nil
}

func (s *Store) MarkEntriesSettled(ctx context.Context, entryIDs []string, transferID string, settledAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range entryIDs {
		entry, ok := s.entries[id]
		if !ok {
			return interfaces.ErrNotFound
		}
		if !entry.State.CanTransitionTo(models.EntrySettled) {
			return interfaces.ErrIllegalTransition
		}
	}
	for _, id := range entryIDs {
		entry := s.entries[id]
		entry.State = models.EntrySettled
		entry.TransferID = transferID
		at := settledAt
		entry.SettledAt = &at
		s.entries[id] = entry
		delete(s.scheduledAt, id)
	}
	return nil
}

func (s *Store) ReleaseEntries(ctx context.Context, entryIDs []string, maxRetries int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	failed := 0
	for _, id := range entryIDs {
		entry, ok := s.entries[id]
		if !ok {
			return failed, interfaces.ErrNotFound
		}
		if entry.State != models.EntryScheduled {
			return failed, interfaces.ErrIllegalTransition
		}
		entry.RetryCount++
		entry.BatchKey = "" // the batch is dissolved, the next one gets a fresh key
		if entry.RetryCount >= maxRetries {
			entry.State = models.EntryFailed
			failed++
		} else {
			entry.State = models.EntryPending
		}
		s.entries[id] = entry
		delete(s.scheduledAt, id)
	}
	return failed, nil
}

func (s *Store) SaveAttribution(ctx context.Context, attribution models.ReferralAttribution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.attributions = append(s.attributions, attribution)
	return nil
}

// Attributions returns a copy of all tracked visits, oldest first.
func (s *Store) Attributions() []models.ReferralAttribution {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.ReferralAttribution, len(s.attributions))
	copy(out, s.attributions)
	return out
}

func (s *Store) AccountSummary(ctx context.Context, accountID string) (models.AccountSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	account, ok := s.accounts[accountID]
	if !ok {
		return models.AccountSummary{}, interfaces.ErrNotFound
	}

	summary := models.AccountSummary{
		AccountID:        account.AccountID,
		Tier:             account.Tier,
		CurrentRate:      account.CurrentRate,
		LifetimeSales:    account.LifetimeQualifyingSales,
		LifetimeReferral: account.LifetimeReferralCount,
		TotalEarned:      decimal.Zero,
		TotalPaid:        decimal.Zero,
		PendingEarnings:  decimal.Zero,
	}
	for _, entry := range s.entries {
		if entry.AccountID != accountID {
			continue
		}
		summary.TotalCommissions++
		summary.TotalEarned = summary.TotalEarned.Add(entry.CommissionAmount)
		switch entry.State {
		case models.EntrySettled:
			summary.TotalPaid = summary.TotalPaid.Add(entry.CommissionAmount)
		case models.EntryPending, models.EntryScheduled:
			summary.PendingEarnings = summary.PendingEarnings.Add(entry.CommissionAmount)
		}
	}
	return summary, nil
}

var _ interfaces.Store = (*Store)(nil)
