/*
Package sqlite provides a SQLite-backed implementation of market.Store.

PURPOSE:
  Single-file persistence for development and small deployments. The
  PostgreSQL store (store/postgres) implements the same interfaces plus the
  materialized balance view.

KEY TABLES:
  connections:     One row per provider/buyer pair (UNIQUE(provider_id, buyer_id))
  transactions:    Payout ledger (UNIQUE stripe_payment_id)
  leads:           Leads and their reconciled payout fields
  users:           Role, processor account, onboarding flag
  webhook_events:  Processed processor event ids

GUARDED WRITES:
  Status changes are single UPDATE ... WHERE id = ? AND status = ?
  statements. Zero affected rows means either the row is gone or another
  writer moved it first; the two are told apart with a follow-up read.

MONEY:
  Decimals are stored as TEXT and parsed with shopspring/decimal, so no
  float rounding ever touches an amount.

TIMESTAMPS:
  Stored as fixed-width UTC text (timeFormat) so lexical order equals
  chronological order. Ties are broken by rowid.

USAGE:
  store, err := sqlite.New("./data/leadx.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - market/store.go:        Interface definitions
  - market/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/lead-exchange/market"
)

const timeFormat = "2006-01-02T15:04:05.000000000Z"

// Store implements market.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var _ market.Store = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer at a time; also keeps ":memory:" on a single database.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL DEFAULT '',
		role TEXT NOT NULL,
		stripe_account_id TEXT,
		onboarding_complete BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_users_stripe_account
		ON users(stripe_account_id) WHERE stripe_account_id IS NOT NULL;

	CREATE TABLE IF NOT EXISTS connections (
		id TEXT PRIMARY KEY,
		provider_id TEXT NOT NULL,
		buyer_id TEXT NOT NULL,
		status TEXT NOT NULL,
		initiator TEXT NOT NULL,
		rate_per_lead TEXT NOT NULL DEFAULT '0',
		payment_timing TEXT NOT NULL DEFAULT '',
		weekly_lead_cap INTEGER,
		monthly_lead_cap INTEGER,
		termination_notice_days INTEGER NOT NULL DEFAULT 7,
		message TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		accepted_at TEXT,
		terms_updated_at TEXT,
		UNIQUE(provider_id, buyer_id)
	);

	CREATE INDEX IF NOT EXISTS idx_connections_provider
		ON connections(provider_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_connections_buyer
		ON connections(buyer_id, created_at DESC);

	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		tx_type TEXT NOT NULL,
		status TEXT NOT NULL,
		amount TEXT NOT NULL,
		fee_amount TEXT NOT NULL,
		net_amount TEXT NOT NULL,
		from_account_id TEXT,
		to_account_id TEXT,
		lead_id TEXT,
		connection_id TEXT,
		stripe_payment_id TEXT UNIQUE,
		stripe_transfer_id TEXT,
		description TEXT,
		metadata_json TEXT,
		created_at TEXT NOT NULL,
		completed_at TEXT
	);

	-- Balance scan (hot path): both sides of a transfer, newest first
	CREATE INDEX IF NOT EXISTS idx_transactions_from
		ON transactions(from_account_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_transactions_to
		ON transactions(to_account_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_transactions_lead
		ON transactions(lead_id, tx_type, created_at DESC);

	CREATE TABLE IF NOT EXISTS leads (
		id TEXT PRIMARY KEY,
		provider_id TEXT NOT NULL,
		buyer_id TEXT,
		connection_id TEXT,
		status TEXT NOT NULL,
		contact_name TEXT NOT NULL,
		contact_email TEXT,
		contact_phone TEXT,
		insurance_type TEXT,
		price TEXT NOT NULL DEFAULT '0',
		payout_status TEXT,
		stripe_payment_id TEXT,
		stripe_transfer_id TEXT,
		payout_completed_at TEXT,
		created_at TEXT NOT NULL,
		claimed_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_leads_provider
		ON leads(provider_id);

	CREATE TABLE IF NOT EXISTS webhook_events (
		id TEXT PRIMARY KEY,
		event_type TEXT NOT NULL,
		processed_at TEXT NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// CONNECTIONS
// =============================================================================

const connectionColumns = `
	id, provider_id, buyer_id, status, initiator, rate_per_lead, payment_timing,
	weekly_lead_cap, monthly_lead_cap, termination_notice_days, message,
	created_at, accepted_at, terms_updated_at`

func (s *Store) CreateConnection(ctx context.Context, c market.Connection) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO connections (`+connectionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.ProviderID, c.BuyerID, c.Status, c.Initiator,
		c.RatePerLead.String(), c.PaymentTiming,
		nullInt(c.WeeklyLeadCap), nullInt(c.MonthlyLeadCap),
		c.TerminationNoticeDays, c.Message,
		formatTime(c.CreatedAt), nullTime(c.AcceptedAt), nullTime(c.TermsUpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return market.ErrConnectionExists
		}
		return fmt.Errorf("failed to insert connection: %w", err)
	}
	return nil
}

func (s *Store) GetConnection(ctx context.Context, id market.ConnectionID) (*market.Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `SELECT `+connectionColumns+` FROM connections WHERE id = ?`, id)
	return scanConnection(row)
}

func (s *Store) FindConnection(ctx context.Context, providerID, buyerID market.UserID) (*market.Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT `+connectionColumns+` FROM connections WHERE provider_id = ? AND buyer_id = ?`,
		providerID, buyerID)
	return scanConnection(row)
}

func (s *Store) ListConnections(ctx context.Context, f market.ConnectionFilter) ([]market.Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		where []string
		args  []any
	)
	if f.ProviderID != "" {
		where = append(where, "provider_id = ?")
		args = append(args, f.ProviderID)
	}
	if f.BuyerID != "" {
		where = append(where, "buyer_id = ?")
		args = append(args, f.BuyerID)
	}
	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			marks[i] = "?"
			args = append(args, st)
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}

	query := `SELECT ` + connectionColumns + ` FROM connections`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, rowid DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query connections: %w", err)
	}
	defer rows.Close()

	var result []market.Connection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *c)
	}
	return result, rows.Err()
}

func (s *Store) UpdateConnection(ctx context.Context, c market.Connection, expected market.ConnectionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE connections
		SET status = ?, rate_per_lead = ?, payment_timing = ?, weekly_lead_cap = ?,
		    monthly_lead_cap = ?, termination_notice_days = ?, message = ?,
		    accepted_at = ?, terms_updated_at = ?
		WHERE id = ? AND status = ?`,
		c.Status, c.RatePerLead.String(), c.PaymentTiming,
		nullInt(c.WeeklyLeadCap), nullInt(c.MonthlyLeadCap),
		c.TerminationNoticeDays, c.Message,
		nullTime(c.AcceptedAt), nullTime(c.TermsUpdatedAt),
		c.ID, expected,
	)
	if err != nil {
		return fmt.Errorf("failed to update connection: %w", err)
	}
	return s.checkGuarded(ctx, res, "connections", string(c.ID), market.ErrConnectionNotFound)
}

func scanConnection(row scanner) (*market.Connection, error) {
	var (
		c              market.Connection
		rate           string
		weeklyCap      sql.NullInt64
		monthlyCap     sql.NullInt64
		createdAt      string
		acceptedAt     sql.NullString
		termsUpdatedAt sql.NullString
	)
	err := row.Scan(
		&c.ID, &c.ProviderID, &c.BuyerID, &c.Status, &c.Initiator, &rate, &c.PaymentTiming,
		&weeklyCap, &monthlyCap, &c.TerminationNoticeDays, &c.Message,
		&createdAt, &acceptedAt, &termsUpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, market.ErrConnectionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan connection: %w", err)
	}

	if c.RatePerLead, err = decimal.NewFromString(rate); err != nil {
		return nil, fmt.Errorf("invalid rate_per_lead %q: %w", rate, err)
	}
	c.WeeklyLeadCap = intPtr(weeklyCap)
	c.MonthlyLeadCap = intPtr(monthlyCap)
	c.CreatedAt = parseTime(createdAt)
	c.AcceptedAt = parseNullTime(acceptedAt)
	c.TermsUpdatedAt = parseNullTime(termsUpdatedAt)
	return &c, nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

const transactionColumns = `
	id, tx_type, status, amount, fee_amount, net_amount, from_account_id, to_account_id,
	lead_id, connection_id, stripe_payment_id, stripe_transfer_id, description,
	metadata_json, created_at, completed_at`

func (s *Store) AppendTransaction(ctx context.Context, tx market.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	metadataJSON, err := marshalMetadata(tx.Metadata)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO transactions (`+transactionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.ID, tx.Type, tx.Status,
		tx.Amount.String(), tx.FeeAmount.String(), tx.NetAmount.String(),
		nullString(string(tx.FromAccountID)), nullString(string(tx.ToAccountID)),
		nullString(string(tx.LeadID)), nullString(string(tx.ConnectionID)),
		nullString(tx.StripePaymentID), nullString(tx.StripeTransferID),
		nullString(tx.Description), metadataJSON,
		formatTime(tx.CreatedAt), nullTime(tx.CompletedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return market.ErrDuplicatePaymentID
		}
		return fmt.Errorf("failed to append transaction: %w", err)
	}
	return nil
}

func (s *Store) GetTransactionByPaymentID(ctx context.Context, paymentID string) (*market.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE stripe_payment_id = ?`, paymentID)
	return scanTransaction(row)
}

func (s *Store) LatestLeadTransaction(ctx context.Context, leadID market.LeadID, txType market.TransactionType) (*market.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT `+transactionColumns+` FROM transactions
		WHERE lead_id = ? AND tx_type = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT 1`, leadID, txType)
	return scanTransaction(row)
}

// UpdateTransaction reads the row, merges metadata and writes it back inside
// one database transaction, guarded on the expected status.
func (s *Store) UpdateTransaction(ctx context.Context, id market.TransactionID, u market.TransactionUpdate, expected market.TransactionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	var (
		status       market.TransactionStatus
		metadataJSON sql.NullString
	)
	err = sqlTx.QueryRowContext(ctx,
		`SELECT status, metadata_json FROM transactions WHERE id = ?`, id,
	).Scan(&status, &metadataJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return market.ErrTransactionNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to load transaction: %w", err)
	}
	if status != expected {
		return market.ErrConcurrentModification
	}

	metadata := map[string]string{}
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &metadata); err != nil {
			return fmt.Errorf("invalid metadata on transaction %s: %w", id, err)
		}
	}
	for k, v := range u.Metadata {
		metadata[k] = v
	}
	merged, err := marshalMetadata(metadata)
	if err != nil {
		return err
	}

	res, err := sqlTx.ExecContext(ctx, `
		UPDATE transactions
		SET status = ?,
		    stripe_transfer_id = COALESCE(?, stripe_transfer_id),
		    completed_at = COALESCE(?, completed_at),
		    metadata_json = ?
		WHERE id = ? AND status = ?`,
		u.Status, nullString(u.StripeTransferID), nullTime(u.CompletedAt), merged,
		id, expected,
	)
	if err != nil {
		return fmt.Errorf("failed to update transaction: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return market.ErrConcurrentModification
	}
	return sqlTx.Commit()
}

func (s *Store) ListUserTransactions(ctx context.Context, userID market.UserID, limit int) ([]market.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT ` + transactionColumns + ` FROM transactions
		WHERE from_account_id = ? OR to_account_id = ?
		ORDER BY created_at DESC, rowid DESC`
	args := []any{userID, userID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var result []market.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *tx)
	}
	return result, rows.Err()
}

func scanTransaction(row scanner) (*market.Transaction, error) {
	var (
		tx                          market.Transaction
		amount, fee, net            string
		from, to, leadID, connID    sql.NullString
		paymentID, transferID, desc sql.NullString
		metadataJSON                sql.NullString
		createdAt                   string
		completedAt                 sql.NullString
	)
	err := row.Scan(
		&tx.ID, &tx.Type, &tx.Status, &amount, &fee, &net, &from, &to,
		&leadID, &connID, &paymentID, &transferID, &desc,
		&metadataJSON, &createdAt, &completedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, market.ErrTransactionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan transaction: %w", err)
	}

	if tx.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", amount, err)
	}
	if tx.FeeAmount, err = decimal.NewFromString(fee); err != nil {
		return nil, fmt.Errorf("invalid fee_amount %q: %w", fee, err)
	}
	if tx.NetAmount, err = decimal.NewFromString(net); err != nil {
		return nil, fmt.Errorf("invalid net_amount %q: %w", net, err)
	}
	tx.FromAccountID = market.UserID(from.String)
	tx.ToAccountID = market.UserID(to.String)
	tx.LeadID = market.LeadID(leadID.String)
	tx.ConnectionID = market.ConnectionID(connID.String)
	tx.StripePaymentID = paymentID.String
	tx.StripeTransferID = transferID.String
	tx.Description = desc.String
	tx.CreatedAt = parseTime(createdAt)
	tx.CompletedAt = parseNullTime(completedAt)

	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &tx.Metadata); err != nil {
			return nil, fmt.Errorf("invalid metadata on transaction %s: %w", tx.ID, err)
		}
	}
	return &tx, nil
}

// =============================================================================
// LEADS
// =============================================================================

const leadColumns = `
	id, provider_id, buyer_id, connection_id, status, contact_name, contact_email,
	contact_phone, insurance_type, price, payout_status, stripe_payment_id,
	stripe_transfer_id, payout_completed_at, created_at, claimed_at`

func (s *Store) CreateLead(ctx context.Context, l market.Lead) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO leads (`+leadColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.ProviderID, nullString(string(l.BuyerID)), nullString(string(l.ConnectionID)),
		l.Status, l.ContactName, nullString(l.ContactEmail), nullString(l.ContactPhone),
		nullString(l.InsuranceType), l.Price.String(), nullString(string(l.PayoutStatus)),
		nullString(l.StripePaymentID), nullString(l.StripeTransferID),
		nullTime(l.PayoutCompletedAt), formatTime(l.CreatedAt), nullTime(l.ClaimedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert lead: %w", err)
	}
	return nil
}

func (s *Store) GetLead(ctx context.Context, id market.LeadID) (*market.Lead, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `SELECT `+leadColumns+` FROM leads WHERE id = ?`, id)
	return scanLead(row)
}

func (s *Store) ClaimLead(ctx context.Context, id market.LeadID, claim market.LeadClaim) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE leads
		SET status = ?, buyer_id = ?, connection_id = ?, price = ?,
		    stripe_payment_id = ?, payout_status = ?, claimed_at = ?
		WHERE id = ? AND status = ?`,
		market.LeadClaimed, claim.BuyerID, claim.ConnectionID, claim.Price.String(),
		nullString(claim.StripePaymentID), market.PayoutPending, formatTime(claim.ClaimedAt),
		id, market.LeadAvailable,
	)
	if err != nil {
		return fmt.Errorf("failed to claim lead: %w", err)
	}

	err = s.checkGuarded(ctx, res, "leads", string(id), market.ErrLeadNotFound)
	if errors.Is(err, market.ErrConcurrentModification) {
		return market.ErrLeadUnavailable
	}
	return err
}

func (s *Store) UpdateLeadPayout(ctx context.Context, id market.LeadID, u market.PayoutUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE leads
		SET payout_status = ?,
		    stripe_transfer_id = COALESCE(?, stripe_transfer_id),
		    payout_completed_at = COALESCE(?, payout_completed_at)
		WHERE id = ?`,
		u.Status, nullString(u.StripeTransferID), nullTime(u.PayoutCompletedAt), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update lead payout: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return market.ErrLeadNotFound
	}
	return nil
}

func scanLead(row scanner) (*market.Lead, error) {
	var (
		l                                   market.Lead
		buyerID, connID                     sql.NullString
		email, phone, insurance             sql.NullString
		price                               string
		payoutStatus, paymentID, transferID sql.NullString
		payoutCompletedAt                   sql.NullString
		createdAt                           string
		claimedAt                           sql.NullString
	)
	err := row.Scan(
		&l.ID, &l.ProviderID, &buyerID, &connID, &l.Status, &l.ContactName, &email,
		&phone, &insurance, &price, &payoutStatus, &paymentID,
		&transferID, &payoutCompletedAt, &createdAt, &claimedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, market.ErrLeadNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan lead: %w", err)
	}

	if l.Price, err = decimal.NewFromString(price); err != nil {
		return nil, fmt.Errorf("invalid price %q: %w", price, err)
	}
	l.BuyerID = market.UserID(buyerID.String)
	l.ConnectionID = market.ConnectionID(connID.String)
	l.ContactEmail = email.String
	l.ContactPhone = phone.String
	l.InsuranceType = insurance.String
	l.PayoutStatus = market.PayoutStatus(payoutStatus.String)
	l.StripePaymentID = paymentID.String
	l.StripeTransferID = transferID.String
	l.PayoutCompletedAt = parseNullTime(payoutCompletedAt)
	l.CreatedAt = parseTime(createdAt)
	l.ClaimedAt = parseNullTime(claimedAt)
	return &l, nil
}

// =============================================================================
// USERS
// =============================================================================

func (s *Store) SaveUser(ctx context.Context, u market.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, role, stripe_account_id, onboarding_complete, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			email = excluded.email,
			role = excluded.role,
			stripe_account_id = excluded.stripe_account_id,
			onboarding_complete = excluded.onboarding_complete`,
		u.ID, u.Email, u.Role, nullString(u.StripeAccountID), u.OnboardingComplete,
		formatTime(u.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save user: %w", err)
	}
	return nil
}

func (s *Store) GetUser(ctx context.Context, id market.UserID) (*market.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		u         market.User
		accountID sql.NullString
		createdAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, role, stripe_account_id, onboarding_complete, created_at
		FROM users WHERE id = ?`, id,
	).Scan(&u.ID, &u.Email, &u.Role, &accountID, &u.OnboardingComplete, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, market.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	u.StripeAccountID = accountID.String
	u.CreatedAt = parseTime(createdAt)
	return &u, nil
}

func (s *Store) SetOnboardingComplete(ctx context.Context, stripeAccountID string, complete bool) (bool, error) {
	if stripeAccountID == "" {
		return false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET onboarding_complete = ? WHERE stripe_account_id = ?`,
		complete, stripeAccountID)
	if err != nil {
		return false, fmt.Errorf("failed to update onboarding status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// =============================================================================
// EVENT LOG
// =============================================================================

func (s *Store) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM webhook_events WHERE id = ?", eventID,
	).Scan(&count)
	return count > 0, err
}

func (s *Store) MarkEventProcessed(ctx context.Context, eventID, eventType string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO webhook_events (id, event_type, processed_at) VALUES (?, ?, ?)`,
		eventID, eventType, formatTime(at))
	if err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

type scanner interface {
	Scan(dest ...any) error
}

// checkGuarded turns a zero-row guarded UPDATE into notFound or
// ErrConcurrentModification. Caller holds s.mu.
func (s *Store) checkGuarded(ctx context.Context, res sql.Result, table, id string, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table+" WHERE id = ?", id).Scan(&count); err != nil {
		return fmt.Errorf("failed to check %s row: %w", table, err)
	}
	if count == 0 {
		return notFound
	}
	return market.ErrConcurrentModification
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullInt(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

func intPtr(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t.UTC()
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func marshalMetadata(md map[string]string) (sql.NullString, error) {
	if len(md) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(md)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode metadata: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintUnique
}
