package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/youtuneai/referral-commission-engine/internal/interfaces"
	"github.com/youtuneai/referral-commission-engine/internal/models"
)

// Store is the postgres implementation of interfaces.Store. Per-account
// serialization comes from row-level locks (SELECT ... FOR UPDATE), and the
// settlement reservation step uses FOR UPDATE SKIP LOCKED so two concurrent
// cycles never claim the same entry.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const uniqueViolation = "23505"

func isUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return constraint == "" || pqErr.Constraint == constraint
	}
	return false
}

// EnsureSchema creates the tables the engine needs. Idempotent, run at
// startup.
func (s *Store) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS referral_accounts (
			account_id          TEXT PRIMARY KEY,
			referral_code       TEXT NOT NULL,
			current_rate        NUMERIC(8,6) NOT NULL,
			tier                TEXT NOT NULL,
			lifetime_sales      NUMERIC(18,2) NOT NULL DEFAULT 0,
			lifetime_referrals  BIGINT NOT NULL DEFAULT 0,
			status              TEXT NOT NULL DEFAULT 'active',
			created_at          TIMESTAMPTZ NOT NULL,
			updated_at          TIMESTAMPTZ NOT NULL,
			CONSTRAINT referral_accounts_code_key UNIQUE (referral_code)
		)`,
		`CREATE TABLE IF NOT EXISTS commission_entries (
			entry_id          TEXT PRIMARY KEY,
			account_id        TEXT NOT NULL REFERENCES referral_accounts(account_id),
			sale_reference    TEXT NOT NULL,
			sale_amount       NUMERIC(18,2) NOT NULL,
			rate_applied      NUMERIC(8,6) NOT NULL,
			commission_amount NUMERIC(18,2) NOT NULL,
			state             TEXT NOT NULL DEFAULT 'pending',
			retry_count       INTEGER NOT NULL DEFAULT 0,
			batch_key         TEXT NOT NULL DEFAULT '',
			created_at        TIMESTAMPTZ NOT NULL,
			scheduled_at      TIMESTAMPTZ,
			settled_at        TIMESTAMPTZ,
			transfer_id       TEXT NOT NULL DEFAULT '',
			CONSTRAINT commission_entries_sale_reference_key UNIQUE (sale_reference)
		)`,
		// upgrade path for databases created before batch keys existed
		`ALTER TABLE commission_entries ADD COLUMN IF NOT EXISTS batch_key TEXT NOT NULL DEFAULT ''`,
		`CREATE INDEX IF NOT EXISTS commission_entries_settlement_idx
			ON commission_entries (state, created_at)`,
		`CREATE TABLE IF NOT EXISTS referral_attributions (
			attribution_id TEXT PRIMARY KEY,
			referral_code  TEXT NOT NULL,
			account_id     TEXT NOT NULL,
			fingerprint    TEXT NOT NULL DEFAULT '',
			landing_page   TEXT NOT NULL DEFAULT '',
			referrer       TEXT NOT NULL DEFAULT '',
			session_id     TEXT NOT NULL DEFAULT '',
			utm_source     TEXT NOT NULL DEFAULT '',
			utm_campaign   TEXT NOT NULL DEFAULT '',
			tracked_at     TIMESTAMPTZ NOT NULL
		)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func (s *Store) CreateAccount(ctx context.Context, account models.ReferralAccount) error {
	const query = `INSERT INTO referral_accounts
		(account_id, referral_code, current_rate, tier, lifetime_sales, lifetime_referrals, status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`

	_, err := s.db.ExecContext(ctx, query,
		account.AccountID, account.ReferralCode, account.CurrentRate, account.Tier.String(),
		account.LifetimeQualifyingSales, account.LifetimeReferralCount, string(account.Status),
		account.CreatedAt, account.UpdatedAt)
	if isUniqueViolation(err, "referral_accounts_pkey") {
		return interfaces.ErrDuplicateAccount
	}
	if isUniqueViolation(err, "referral_accounts_code_key") {
		return interfaces.ErrDuplicateCode
	}
	return err
}

const accountColumns = `account_id, referral_code, current_rate, tier, lifetime_sales, lifetime_referrals, status, created_at, updated_at`

func scanAccount(row interface{ Scan(...any) error }) (models.ReferralAccount, error) {
	var account models.ReferralAccount
	var tierName, status string
	err := row.Scan(
		&account.AccountID,
		&account.ReferralCode,
		&account.CurrentRate,
		&tierName,
		&account.LifetimeQualifyingSales,
		&account.LifetimeReferralCount,
		&status,
		&account.CreatedAt,
		&account.UpdatedAt,
	)
	if err != nil {
		return models.ReferralAccount{}, err
	}
	tier, err := models.ParseTier(tierName)
	if err != nil {
		return models.ReferralAccount{}, err
	}
	account.Tier = tier
	account.Status = models.AccountStatus(status)
	return account, nil
}

func (s *Store) GetAccountByID(ctx context.Context, accountID string) (models.ReferralAccount, error) {
	const query = `SELECT ` + accountColumns + ` FROM referral_accounts WHERE account_id = $1`

	account, err := scanAccount(s.db.QueryRowContext(ctx, query, accountID))
	if errors.Is(err, sql.ErrNoRows) {
		return models.ReferralAccount{}, interfaces.ErrNotFound
	}
	return account, err
}

func (s *Store) GetAccountByCode(ctx context.Context, code string) (models.ReferralAccount, error) {
	const query = `SELECT ` + accountColumns + ` FROM referral_accounts WHERE referral_code = $1`

	account, err := scanAccount(s.db.QueryRowContext(ctx, query, code))
	if errors.Is(err, sql.ErrNoRows) {
		return models.ReferralAccount{}, interfaces.ErrNotFound
	}
	return account, err
}

func (s *Store) ApplyQualifyingSale(ctx context.Context, accountID string, saleAmount decimal.Decimal, promote interfaces.PromotionFunc) (models.ReferralAccount, models.ReferralAccount, error) {
	var before, after models.ReferralAccount

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return before, after, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	// Row lock serializes concurrent sales for the same account, so the
	// counter update and the tier recompute happen in one atomic unit.
	const selectQuery = `SELECT ` + accountColumns + ` FROM referral_accounts WHERE account_id = $1 FOR UPDATE`
	before, err = scanAccount(tx.QueryRowContext(ctx, selectQuery, accountID))
	if errors.Is(err, sql.ErrNoRows) {
		err = interfaces.ErrNotFound
		return before, after, err
	}
	if err != nil {
		return before, after, err
	}

	after = before
	after.LifetimeQualifyingSales = after.LifetimeQualifyingSales.Add(saleAmount)
	after.LifetimeReferralCount++
	after.UpdatedAt = time.Now()

	if promote != nil {
		if promoted, changed := promote(after); changed {
			after = promoted
		}
	}

	const updateQuery = `UPDATE referral_accounts
		SET lifetime_sales = $2, lifetime_referrals = $3, current_rate = $4, tier = $5, updated_at = $6
		WHERE account_id = $1`
	_, err = tx.ExecContext(ctx, updateQuery,
		after.AccountID, after.LifetimeQualifyingSales, after.LifetimeReferralCount,
		after.CurrentRate, after.Tier.String(), after.UpdatedAt)
	if err != nil {
		return before, after, err
	}

	err = tx.Commit()
	return before, after, err
}

const entryColumns = `entry_id, account_id, sale_reference, sale_amount, rate_applied, commission_amount, state, retry_count, batch_key, created_at, settled_at, transfer_id`

func scanEntry(row interface{ Scan(...any) error }) (models.CommissionEntry, error) {
	var entry models.CommissionEntry
	var state string
	var settledAt sql.NullTime
	err := row.Scan(
		&entry.EntryID,
		&entry.AccountID,
		&entry.SaleReference,
		&entry.SaleAmount,
		&entry.RateApplied,
		&entry.CommissionAmount,
		&state,
		&entry.RetryCount,
		&entry.BatchKey,
		&entry.CreatedAt,
		&settledAt,
		&entry.TransferID,
	)
	if err != nil {
		return models.CommissionEntry{}, err
	}
	entry.State = models.EntryState(state)
	if settledAt.Valid {
		at := settledAt.Time
		entry.SettledAt = &at
	}
	return entry, nil
}

func (s *Store) FindEntryBySaleReference(ctx context.Context, saleReference string) (models.CommissionEntry, error) {
	const query = `SELECT ` + entryColumns + ` FROM commission_entries WHERE sale_reference = $1`

	entry, err := scanEntry(s.db.QueryRowContext(ctx, query, saleReference))
	if errors.Is(err, sql.ErrNoRows) {
		return models.CommissionEntry{}, interfaces.ErrNotFound
	}
	return entry, err
}

func (s *Store) SaveEntry(ctx context.Context, entry models.CommissionEntry) error {
	const query = `INSERT INTO commission_entries
		(entry_id, account_id, sale_reference, sale_amount, rate_applied, commission_amount, state, retry_count, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`

	_, err := s.db.ExecContext(ctx, query,
		entry.EntryID, entry.AccountID, entry.SaleReference, entry.SaleAmount,
		entry.RateApplied, entry.CommissionAmount, string(entry.State), entry.RetryCount, entry.CreatedAt)
	if isUniqueViolation(err, "commission_entries_sale_reference_key") {
		return interfaces.ErrDuplicateSaleReference
	}
	return err
}

func (s *Store) queryEntries(ctx context.Context, query string, args ...any) ([]models.CommissionEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.CommissionEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (s *Store) GetEntries(ctx context.Context) ([]models.CommissionEntry, error) {
	const query = `SELECT ` + entryColumns + ` FROM commission_entries ORDER BY created_at`
	return s.queryEntries(ctx, query)
}

func (s *Store) GetEntriesByAccount(ctx context.Context, accountID string) ([]models.CommissionEntry, error) {
	const query = `SELECT ` + entryColumns + ` FROM commission_entries WHERE account_id = $1 ORDER BY created_at`
	return s.queryEntries(ctx, query, accountID)
}

func (s *Store) ReserveDueEntries(ctx context.Context, cutoff time.Time, limit int) ([]models.CommissionEntry, error) {
	const query = `UPDATE commission_entries
		SET state = 'scheduled', scheduled_at = NOW()
		WHERE entry_id IN (
			SELECT entry_id FROM commission_entries
			WHERE state = 'pending' AND created_at <= $1
			ORDER BY created_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + entryColumns

	return s.queryEntries(ctx, query, cutoff, limit)
}

func (s *Store) AssignBatchKey(ctx context.Context, entryIDs []string, batchKey string) error {
	const query = `UPDATE commission_entries
		SET batch_key = $2
		WHERE entry_id = ANY($1) AND state = 'scheduled'`

	res, err := s.db.ExecContext(ctx, query, pq.Array(entryIDs), batchKey)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected != int64(len(entryIDs)) {
		return interfaces.ErrIllegalTransition
	}
	return nil
}

func (s *Store) StalledScheduledEntries(ctx context.Context, staleCutoff time.Time) ([]models.CommissionEntry, error) {
	const query = `SELECT ` + entryColumns + ` FROM commission_entries
		WHERE state = 'scheduled' AND scheduled_at <= $1
		ORDER BY entry_id`
	return s.queryEntries(ctx, query, staleCutoff)
}

func (s *Store) MarkEntriesSettled(ctx context.Context, entryIDs []string, transferID string, settledAt time.Time) error {
	const query = `UPDATE commission_entries
		SET state = 'settled', transfer_id = $2, settled_at = $3, scheduled_at = NULL
		WHERE entry_id = ANY($1) AND state = 'scheduled'`

	res, err := s.db.ExecContext(ctx, query, pq.Array(entryIDs), transferID, settledAt)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected != int64(len(entryIDs)) {
		return interfaces.ErrIllegalTransition
	}
	return nil
}

func (s *Store) ReleaseEntries(ctx context.Context, entryIDs []string, maxRetries int) (int, error) {
	const query = `UPDATE commission_entries
		SET retry_count = retry_count + 1,
		    state = CASE WHEN retry_count + 1 >= $2 THEN 'failed' ELSE 'pending' END,
		    batch_key = '',
		    scheduled_at = NULL
		WHERE entry_id = ANY($1) AND state = 'scheduled'
		RETURNING state`

	rows, err := s.db.QueryContext(ctx, query, pq.Array(entryIDs), maxRetries)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	failed, updated := 0, 0
	for rows.Next() {
		var state string
		if err := rows.Scan(&state); err != nil {
			return failed, err
		}
		updated++
		if state == string(models.EntryFailed) {
			failed++
		}
	}
	if err := rows.Err(); err != nil {
		return failed, err
	}
	if updated != len(entryIDs) {
		return failed, interfaces.ErrIllegalTransition
	}
	return failed, nil
}

func (s *Store) SaveAttribution(ctx context.Context, attribution models.ReferralAttribution) error {
	const query = `INSERT INTO referral_attributions
		(attribution_id, referral_code, account_id, fingerprint, landing_page, referrer, session_id, utm_source, utm_campaign, tracked_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`

	_, err := s.db.ExecContext(ctx, query,
		attribution.AttributionID, attribution.ReferralCode, attribution.AccountID,
		attribution.Visitor.Fingerprint, attribution.Visitor.LandingPage, attribution.Visitor.Referrer,
		attribution.Visitor.SessionID, attribution.Visitor.UTMSource, attribution.Visitor.UTMCampaign,
		attribution.Timestamp)
	return err
}

func (s *Store) AccountSummary(ctx context.Context, accountID string) (models.AccountSummary, error) {
	account, err := s.GetAccountByID(ctx, accountID)
	if err != nil {
		return models.AccountSummary{}, err
	}

	const query = `SELECT
			COUNT(*),
			COALESCE(SUM(commission_amount), 0),
			COALESCE(SUM(CASE WHEN state = 'settled' THEN commission_amount ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN state IN ('pending','scheduled') THEN commission_amount ELSE 0 END), 0)
		FROM commission_entries WHERE account_id = $1`

	summary := models.AccountSummary{
		AccountID:        account.AccountID,
		Tier:             account.Tier,
		CurrentRate:      account.CurrentRate,
		LifetimeSales:    account.LifetimeQualifyingSales,
		LifetimeReferral: account.LifetimeReferralCount,
	}
	err = s.db.QueryRowContext(ctx, query, accountID).Scan(
		&summary.TotalCommissions,
		&summary.TotalEarned,
		&summary.TotalPaid,
		&summary.PendingEarnings,
	)
	if err != nil {
		return models.AccountSummary{}, err
	}
	return summary, nil
}

var _ interfaces.Store = (*Store)(nil)
