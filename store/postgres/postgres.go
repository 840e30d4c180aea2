/*
Package postgres provides a PostgreSQL-backed implementation of market.Store.

PURPOSE:
  Production persistence. Implements every interface in market/store.go
  and, unlike the other backends, market.BalanceView: balances are read
  from the user_balances view instead of scanning the ledger.

CONNECTING:
  Connect retries with exponential backoff (cenkalti/backoff) so the server
  can start alongside its database in docker-compose style deployments.

SCHEMA:
  Versioned migrations live in sql/ and are embedded in the binary. They are
  applied with sql-migrate (see migrate.go), either by the migrate CLI
  command or on startup when LEADX_DATABASE_AUTO_MIGRATE is set.

MONEY:
  NUMERIC(20,2) columns are read back as text and parsed with
  shopspring/decimal; writes send the decimal's string form.

GUARDED WRITES:
  UPDATE ... WHERE id = $1 AND status = $2, then RowsAffected. A zero count
  is told apart (missing row vs lost race) with an EXISTS query.

SEE ALSO:
  - market/store.go:       Interface definitions
  - store/sqlite/sqlite.go: SQLite implementation
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/warp/lead-exchange/market"
)

// Store implements market.Store and market.BalanceView on PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var (
	_ market.Store       = (*Store)(nil)
	_ market.BalanceView = (*Store)(nil)
)

// ConnectOptions tune Connect.
type ConnectOptions struct {
	MaxConns   int32
	MaxRetries uint64
	Log        logrus.FieldLogger
}

// Connect opens a pool for dsn and waits for the database to answer a ping.
func Connect(ctx context.Context, dsn string, opts ConnectOptions) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 5
	}
	log := opts.Log
	if log == nil {
		log = logrus.StandardLogger()
	}

	var pool *pgxpool.Pool
	connect := func() error {
		p, err := pgxpool.NewWithConfig(ctx, cfg)
		if err != nil {
			return err
		}
		if err := p.Ping(ctx); err != nil {
			p.Close()
			return err
		}
		pool = p
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), opts.MaxRetries), ctx)
	err = backoff.RetryNotify(connect, policy, func(err error, wait time.Duration) {
		log.WithError(err).WithField("retry_in", wait.String()).Warn("database not ready")
	})
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}

	return &Store{pool: pool}, nil
}

// NewFromPool wraps an existing pool.
func NewFromPool(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Reset deletes all data. Used by tests against a disposable database.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `TRUNCATE webhook_events, leads, transactions, connections, users`)
	return err
}

// =============================================================================
// CONNECTIONS
// =============================================================================

const connectionColumns = `
	id, provider_id, buyer_id, status, initiator, rate_per_lead::text, payment_timing,
	weekly_lead_cap, monthly_lead_cap, termination_notice_days, message,
	created_at, accepted_at, terms_updated_at`

func (s *Store) CreateConnection(ctx context.Context, c market.Connection) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO connections (
			id, provider_id, buyer_id, status, initiator, rate_per_lead, payment_timing,
			weekly_lead_cap, monthly_lead_cap, termination_notice_days, message,
			created_at, accepted_at, terms_updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		string(c.ID), string(c.ProviderID), string(c.BuyerID), string(c.Status), string(c.Initiator),
		c.RatePerLead.String(), string(c.PaymentTiming),
		c.WeeklyLeadCap, c.MonthlyLeadCap, c.TerminationNoticeDays, c.Message,
		c.CreatedAt, c.AcceptedAt, c.TermsUpdatedAt,
	)
	if isUniqueViolation(err, "connections_pair_key") {
		return market.ErrConnectionExists
	}
	if err != nil {
		return fmt.Errorf("failed to insert connection: %w", err)
	}
	return nil
}

func (s *Store) GetConnection(ctx context.Context, id market.ConnectionID) (*market.Connection, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+connectionColumns+` FROM connections WHERE id = $1`, string(id))
	return scanConnection(row)
}

func (s *Store) FindConnection(ctx context.Context, providerID, buyerID market.UserID) (*market.Connection, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+connectionColumns+` FROM connections WHERE provider_id = $1 AND buyer_id = $2`,
		string(providerID), string(buyerID))
	return scanConnection(row)
}

func (s *Store) ListConnections(ctx context.Context, f market.ConnectionFilter) ([]market.Connection, error) {
	var (
		where []string
		args  []any
	)
	if f.ProviderID != "" {
		args = append(args, string(f.ProviderID))
		where = append(where, fmt.Sprintf("provider_id = $%d", len(args)))
	}
	if f.BuyerID != "" {
		args = append(args, string(f.BuyerID))
		where = append(where, fmt.Sprintf("buyer_id = $%d", len(args)))
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		args = append(args, statuses)
		where = append(where, fmt.Sprintf("status = ANY($%d)", len(args)))
	}

	query := `SELECT ` + connectionColumns + ` FROM connections`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
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
	tag, err := s.pool.Exec(ctx, `
		UPDATE connections
		SET status = $1, rate_per_lead = $2, payment_timing = $3, weekly_lead_cap = $4,
		    monthly_lead_cap = $5, termination_notice_days = $6, message = $7,
		    accepted_at = $8, terms_updated_at = $9
		WHERE id = $10 AND status = $11`,
		string(c.Status), c.RatePerLead.String(), string(c.PaymentTiming),
		c.WeeklyLeadCap, c.MonthlyLeadCap, c.TerminationNoticeDays, c.Message,
		c.AcceptedAt, c.TermsUpdatedAt,
		string(c.ID), string(expected),
	)
	if err != nil {
		return fmt.Errorf("failed to update connection: %w", err)
	}
	return s.checkGuarded(ctx, tag, "connections", string(c.ID), market.ErrConnectionNotFound)
}

func scanConnection(row pgx.Row) (*market.Connection, error) {
	var (
		c    market.Connection
		rate string
	)
	err := row.Scan(
		&c.ID, &c.ProviderID, &c.BuyerID, &c.Status, &c.Initiator, &rate, &c.PaymentTiming,
		&c.WeeklyLeadCap, &c.MonthlyLeadCap, &c.TerminationNoticeDays, &c.Message,
		&c.CreatedAt, &c.AcceptedAt, &c.TermsUpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, market.ErrConnectionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan connection: %w", err)
	}
	if c.RatePerLead, err = decimal.NewFromString(rate); err != nil {
		return nil, fmt.Errorf("invalid rate_per_lead %q: %w", rate, err)
	}
	c.CreatedAt = c.CreatedAt.UTC()
	c.AcceptedAt = utcPtr(c.AcceptedAt)
	c.TermsUpdatedAt = utcPtr(c.TermsUpdatedAt)
	return &c, nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

const transactionColumns = `
	id, tx_type, status, amount::text, fee_amount::text, net_amount::text,
	from_account_id, to_account_id, lead_id, connection_id, stripe_payment_id,
	stripe_transfer_id, description, metadata, created_at, completed_at`

func (s *Store) AppendTransaction(ctx context.Context, tx market.Transaction) error {
	metadata := tx.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO transactions (
			id, tx_type, status, amount, fee_amount, net_amount, from_account_id, to_account_id,
			lead_id, connection_id, stripe_payment_id, stripe_transfer_id, description,
			metadata, created_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		string(tx.ID), string(tx.Type), string(tx.Status),
		tx.Amount.String(), tx.FeeAmount.String(), tx.NetAmount.String(),
		nullable(string(tx.FromAccountID)), nullable(string(tx.ToAccountID)),
		nullable(string(tx.LeadID)), nullable(string(tx.ConnectionID)),
		nullable(tx.StripePaymentID), nullable(tx.StripeTransferID), nullable(tx.Description),
		metadata, tx.CreatedAt, tx.CompletedAt,
	)
	if isUniqueViolation(err, "transactions_stripe_payment_id_key") {
		return market.ErrDuplicatePaymentID
	}
	if err != nil {
		return fmt.Errorf("failed to append transaction: %w", err)
	}
	return nil
}

func (s *Store) GetTransactionByPaymentID(ctx context.Context, paymentID string) (*market.Transaction, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE stripe_payment_id = $1`, paymentID)
	return scanTransaction(row)
}

func (s *Store) LatestLeadTransaction(ctx context.Context, leadID market.LeadID, txType market.TransactionType) (*market.Transaction, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+transactionColumns+` FROM transactions
		WHERE lead_id = $1 AND tx_type = $2
		ORDER BY created_at DESC, seq DESC
		LIMIT 1`, string(leadID), string(txType))
	return scanTransaction(row)
}

func (s *Store) UpdateTransaction(ctx context.Context, id market.TransactionID, u market.TransactionUpdate, expected market.TransactionStatus) error {
	metadata := u.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE transactions
		SET status = $1,
		    stripe_transfer_id = COALESCE($2, stripe_transfer_id),
		    completed_at = COALESCE($3, completed_at),
		    metadata = metadata || $4::jsonb
		WHERE id = $5 AND status = $6`,
		string(u.Status), nullable(u.StripeTransferID), u.CompletedAt, metadata,
		string(id), string(expected),
	)
	if err != nil {
		return fmt.Errorf("failed to update transaction: %w", err)
	}
	return s.checkGuarded(ctx, tag, "transactions", string(id), market.ErrTransactionNotFound)
}

func (s *Store) ListUserTransactions(ctx context.Context, userID market.UserID, limit int) ([]market.Transaction, error) {
	query := `
		SELECT ` + transactionColumns + ` FROM transactions
		WHERE from_account_id = $1 OR to_account_id = $1
		ORDER BY created_at DESC, seq DESC`
	args := []any{string(userID)}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
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

func scanTransaction(row pgx.Row) (*market.Transaction, error) {
	var (
		tx                                 market.Transaction
		amount, fee, net                   string
		from, to, leadID, connID           *string
		paymentID, transferID, description *string
	)
	err := row.Scan(
		&tx.ID, &tx.Type, &tx.Status, &amount, &fee, &net,
		&from, &to, &leadID, &connID, &paymentID,
		&transferID, &description, &tx.Metadata, &tx.CreatedAt, &tx.CompletedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
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
	tx.FromAccountID = market.UserID(deref(from))
	tx.ToAccountID = market.UserID(deref(to))
	tx.LeadID = market.LeadID(deref(leadID))
	tx.ConnectionID = market.ConnectionID(deref(connID))
	tx.StripePaymentID = deref(paymentID)
	tx.StripeTransferID = deref(transferID)
	tx.Description = deref(description)
	tx.CreatedAt = tx.CreatedAt.UTC()
	tx.CompletedAt = utcPtr(tx.CompletedAt)
	if len(tx.Metadata) == 0 {
		tx.Metadata = nil
	}
	return &tx, nil
}

// =============================================================================
// BALANCE VIEW
// =============================================================================

// BalanceAggregate reads the user's row from the user_balances view.
func (s *Store) BalanceAggregate(ctx context.Context, userID market.UserID) (*market.Balance, bool, error) {
	var available, pending, earnings, payouts string
	err := s.pool.QueryRow(ctx, `
		SELECT available_balance::text, pending_balance::text, total_earnings::text, total_payouts::text
		FROM user_balances WHERE user_id = $1`, string(userID),
	).Scan(&available, &pending, &earnings, &payouts)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read balance aggregate: %w", err)
	}

	b := &market.Balance{}
	for _, f := range []struct {
		dst *decimal.Decimal
		src string
	}{
		{&b.AvailableBalance, available},
		{&b.PendingBalance, pending},
		{&b.TotalEarnings, earnings},
		{&b.TotalPayouts, payouts},
	} {
		if *f.dst, err = decimal.NewFromString(f.src); err != nil {
			return nil, false, fmt.Errorf("invalid balance value %q: %w", f.src, err)
		}
	}
	return b, true, nil
}

// =============================================================================
// LEADS
// =============================================================================

const leadColumns = `
	id, provider_id, buyer_id, connection_id, status, contact_name, contact_email,
	contact_phone, insurance_type, price::text, payout_status, stripe_payment_id,
	stripe_transfer_id, payout_completed_at, created_at, claimed_at`

func (s *Store) CreateLead(ctx context.Context, l market.Lead) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO leads (
			id, provider_id, buyer_id, connection_id, status, contact_name, contact_email,
			contact_phone, insurance_type, price, payout_status, stripe_payment_id,
			stripe_transfer_id, payout_completed_at, created_at, claimed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		string(l.ID), string(l.ProviderID), nullable(string(l.BuyerID)), nullable(string(l.ConnectionID)),
		string(l.Status), l.ContactName, nullable(l.ContactEmail), nullable(l.ContactPhone),
		nullable(l.InsuranceType), l.Price.String(), nullable(string(l.PayoutStatus)),
		nullable(l.StripePaymentID), nullable(l.StripeTransferID),
		l.PayoutCompletedAt, l.CreatedAt, l.ClaimedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert lead: %w", err)
	}
	return nil
}

func (s *Store) GetLead(ctx context.Context, id market.LeadID) (*market.Lead, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+leadColumns+` FROM leads WHERE id = $1`, string(id))
	return scanLead(row)
}

func (s *Store) ClaimLead(ctx context.Context, id market.LeadID, claim market.LeadClaim) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE leads
		SET status = $1, buyer_id = $2, connection_id = $3, price = $4,
		    stripe_payment_id = $5, payout_status = $6, claimed_at = $7
		WHERE id = $8 AND status = $9`,
		string(market.LeadClaimed), string(claim.BuyerID), string(claim.ConnectionID),
		claim.Price.String(), nullable(claim.StripePaymentID), string(market.PayoutPending),
		claim.ClaimedAt, string(id), string(market.LeadAvailable),
	)
	if err != nil {
		return fmt.Errorf("failed to claim lead: %w", err)
	}

	err = s.checkGuarded(ctx, tag, "leads", string(id), market.ErrLeadNotFound)
	if errors.Is(err, market.ErrConcurrentModification) {
		return market.ErrLeadUnavailable
	}
	return err
}

func (s *Store) UpdateLeadPayout(ctx context.Context, id market.LeadID, u market.PayoutUpdate) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE leads
		SET payout_status = $1,
		    stripe_transfer_id = COALESCE($2, stripe_transfer_id),
		    payout_completed_at = COALESCE($3, payout_completed_at)
		WHERE id = $4`,
		string(u.Status), nullable(u.StripeTransferID), u.PayoutCompletedAt, string(id),
	)
	if err != nil {
		return fmt.Errorf("failed to update lead payout: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return market.ErrLeadNotFound
	}
	return nil
}

func scanLead(row pgx.Row) (*market.Lead, error) {
	var (
		l                                   market.Lead
		price                               string
		buyerID, connID                     *string
		email, phone, insurance             *string
		payoutStatus, paymentID, transferID *string
	)
	err := row.Scan(
		&l.ID, &l.ProviderID, &buyerID, &connID, &l.Status, &l.ContactName, &email,
		&phone, &insurance, &price, &payoutStatus, &paymentID,
		&transferID, &l.PayoutCompletedAt, &l.CreatedAt, &l.ClaimedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, market.ErrLeadNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan lead: %w", err)
	}

	if l.Price, err = decimal.NewFromString(price); err != nil {
		return nil, fmt.Errorf("invalid price %q: %w", price, err)
	}
	l.BuyerID = market.UserID(deref(buyerID))
	l.ConnectionID = market.ConnectionID(deref(connID))
	l.ContactEmail = deref(email)
	l.ContactPhone = deref(phone)
	l.InsuranceType = deref(insurance)
	l.PayoutStatus = market.PayoutStatus(deref(payoutStatus))
	l.StripePaymentID = deref(paymentID)
	l.StripeTransferID = deref(transferID)
	l.CreatedAt = l.CreatedAt.UTC()
	l.PayoutCompletedAt = utcPtr(l.PayoutCompletedAt)
	l.ClaimedAt = utcPtr(l.ClaimedAt)
	return &l, nil
}

// =============================================================================
// USERS
// =============================================================================

func (s *Store) SaveUser(ctx context.Context, u market.User) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (id, email, role, stripe_account_id, onboarding_complete, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			email = EXCLUDED.email,
			role = EXCLUDED.role,
			stripe_account_id = EXCLUDED.stripe_account_id,
			onboarding_complete = EXCLUDED.onboarding_complete`,
		string(u.ID), u.Email, string(u.Role), nullable(u.StripeAccountID), u.OnboardingComplete, u.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save user: %w", err)
	}
	return nil
}

func (s *Store) GetUser(ctx context.Context, id market.UserID) (*market.User, error) {
	var (
		u         market.User
		accountID *string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, email, role, stripe_account_id, onboarding_complete, created_at
		FROM users WHERE id = $1`, string(id),
	).Scan(&u.ID, &u.Email, &u.Role, &accountID, &u.OnboardingComplete, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, market.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	u.StripeAccountID = deref(accountID)
	u.CreatedAt = u.CreatedAt.UTC()
	return &u, nil
}

func (s *Store) SetOnboardingComplete(ctx context.Context, stripeAccountID string, complete bool) (bool, error) {
	if stripeAccountID == "" {
		return false, nil
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE users SET onboarding_complete = $1 WHERE stripe_account_id = $2`,
		complete, stripeAccountID)
	if err != nil {
		return false, fmt.Errorf("failed to update onboarding status: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// =============================================================================
// EVENT LOG
// =============================================================================

func (s *Store) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM webhook_events WHERE id = $1)`, eventID,
	).Scan(&exists)
	return exists, err
}

func (s *Store) MarkEventProcessed(ctx context.Context, eventID, eventType string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO webhook_events (id, event_type, processed_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO NOTHING`,
		eventID, eventType, at)
	if err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (s *Store) checkGuarded(ctx context.Context, tag pgconn.CommandTag, table, id string, notFound error) error {
	if tag.RowsAffected() > 0 {
		return nil
	}
	var exists bool
	if err := s.pool.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM "+table+" WHERE id = $1)", id,
	).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check %s row: %w", table, err)
	}
	if !exists {
		return notFound
	}
	return market.ErrConcurrentModification
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "23505" && (constraint == "" || pgErr.ConstraintName == constraint)
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
