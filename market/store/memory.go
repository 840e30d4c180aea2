// Package store provides an in-memory market.Store.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/lead-exchange/market"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu           sync.RWMutex
	connections  map[market.ConnectionID]market.Connection
	pairs        map[pair]market.ConnectionID
	transactions []market.Transaction
	paymentIDs   map[string]int
	leads        map[market.LeadID]market.Lead
	users        map[market.UserID]market.User
	events       map[string]bool
}

type pair struct {
	ProviderID market.UserID
	BuyerID    market.UserID
}

func NewMemory() *Memory {
	return &Memory{
		connections: make(map[market.ConnectionID]market.Connection),
		pairs:       make(map[pair]market.ConnectionID),
		paymentIDs:  make(map[string]int),
		leads:       make(map[market.LeadID]market.Lead),
		users:       make(map[market.UserID]market.User),
		events:      make(map[string]bool),
	}
}

var _ market.Store = (*Memory)(nil)

// =============================================================================
// CONNECTIONS
// =============================================================================

func (m *Memory) CreateConnection(_ context.Context, c market.Connection) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := pair{ProviderID: c.ProviderID, BuyerID: c.BuyerID}
	if _, ok := m.pairs[k]; ok {
		return market.ErrConnectionExists
	}
	m.connections[c.ID] = cloneConnection(c)
	m.pairs[k] = c.ID
	return nil
}

func (m *Memory) GetConnection(_ context.Context, id market.ConnectionID) (*market.Connection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.connections[id]
	if !ok {
		return nil, market.ErrConnectionNotFound
	}
	c = cloneConnection(c)
	return &c, nil
}

func (m *Memory) FindConnection(_ context.Context, providerID, buyerID market.UserID) (*market.Connection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.pairs[pair{ProviderID: providerID, BuyerID: buyerID}]
	if !ok {
		return nil, market.ErrConnectionNotFound
	}
	c := cloneConnection(m.connections[id])
	return &c, nil
}

func (m *Memory) ListConnections(_ context.Context, f market.ConnectionFilter) ([]market.Connection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []market.Connection
	for _, c := range m.connections {
		if f.ProviderID != "" && c.ProviderID != f.ProviderID {
			continue
		}
		if f.BuyerID != "" && c.BuyerID != f.BuyerID {
			continue
		}
		if len(f.Statuses) > 0 && !containsStatus(f.Statuses, c.Status) {
			continue
		}
		result = append(result, cloneConnection(c))
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if f.Limit > 0 && len(result) > f.Limit {
		result = result[:f.Limit]
	}
	return result, nil
}

func (m *Memory) UpdateConnection(_ context.Context, c market.Connection, expected market.ConnectionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.connections[c.ID]
	if !ok {
		return market.ErrConnectionNotFound
	}
	if current.Status != expected {
		return market.ErrConcurrentModification
	}

	// Parties and creation data are immutable.
	c.ProviderID = current.ProviderID
	c.BuyerID = current.BuyerID
	c.Initiator = current.Initiator
	c.CreatedAt = current.CreatedAt
	m.connections[c.ID] = cloneConnection(c)
	return nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func (m *Memory) AppendTransaction(_ context.Context, tx market.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if tx.StripePaymentID != "" {
		if _, ok := m.paymentIDs[tx.StripePaymentID]; ok {
			return market.ErrDuplicatePaymentID
		}
		m.paymentIDs[tx.StripePaymentID] = len(m.transactions)
	}
	m.transactions = append(m.transactions, cloneTransaction(tx))
	return nil
}

func (m *Memory) GetTransactionByPaymentID(_ context.Context, paymentID string) (*market.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	i, ok := m.paymentIDs[paymentID]
	if !ok {
		return nil, market.ErrTransactionNotFound
	}
	tx := cloneTransaction(m.transactions[i])
	return &tx, nil
}

func (m *Memory) LatestLeadTransaction(_ context.Context, leadID market.LeadID, txType market.TransactionType) (*market.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for i := len(m.transactions) - 1; i >= 0; i-- {
		tx := m.transactions[i]
		if tx.LeadID == leadID && tx.Type == txType {
			tx = cloneTransaction(tx)
			return &tx, nil
		}
	}
	return nil, market.ErrTransactionNotFound
}

func (m *Memory) UpdateTransaction(_ context.Context, id market.TransactionID, u market.TransactionUpdate, expected market.TransactionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.transactions {
		tx := &m.transactions[i]
		if tx.ID != id {
			continue
		}
		if tx.Status != expected {
			return market.ErrConcurrentModification
		}
		tx.Status = u.Status
		if u.StripeTransferID != "" {
			tx.StripeTransferID = u.StripeTransferID
		}
		if u.CompletedAt != nil {
			t := *u.CompletedAt
			tx.CompletedAt = &t
		}
		if len(u.Metadata) > 0 {
			merged := make(map[string]string, len(tx.Metadata)+len(u.Metadata))
			for k, v := range tx.Metadata {
				merged[k] = v
			}
			for k, v := range u.Metadata {
				merged[k] = v
			}
			tx.Metadata = merged
		}
		return nil
	}
	return market.ErrTransactionNotFound
}

func (m *Memory) ListUserTransactions(_ context.Context, userID market.UserID, limit int) ([]market.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []market.Transaction
	for _, tx := range m.transactions {
		if tx.FromAccountID == userID || tx.ToAccountID == userID {
			result = append(result, cloneTransaction(tx))
		}
	}

	// Stable keeps insertion order for equal timestamps; reverse gives newest first.
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	for i, j := 0, len(result)-1; i < j; i, j = i+1, j-1 {
		result[i], result[j] = result[j], result[i]
	}
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// =============================================================================
// LEADS
// =============================================================================

func (m *Memory) CreateLead(_ context.Context, lead market.Lead) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leads[lead.ID] = cloneLead(lead)
	return nil
}

func (m *Memory) GetLead(_ context.Context, id market.LeadID) (*market.Lead, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	lead, ok := m.leads[id]
	if !ok {
		return nil, market.ErrLeadNotFound
	}
	lead = cloneLead(lead)
	return &lead, nil
}

func (m *Memory) ClaimLead(_ context.Context, id market.LeadID, claim market.LeadClaim) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	lead, ok := m.leads[id]
	if !ok {
		return market.ErrLeadNotFound
	}
	if lead.Status != market.LeadAvailable {
		return market.ErrLeadUnavailable
	}
	claimedAt := claim.ClaimedAt
	lead.Status = market.LeadClaimed
	lead.BuyerID = claim.BuyerID
	lead.ConnectionID = claim.ConnectionID
	lead.Price = claim.Price
	lead.StripePaymentID = claim.StripePaymentID
	lead.PayoutStatus = market.PayoutPending
	lead.ClaimedAt = &claimedAt
	m.leads[id] = lead
	return nil
}

func (m *Memory) UpdateLeadPayout(_ context.Context, id market.LeadID, u market.PayoutUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	lead, ok := m.leads[id]
	if !ok {
		return market.ErrLeadNotFound
	}
	lead.PayoutStatus = u.Status
	if u.StripeTransferID != "" {
		lead.StripeTransferID = u.StripeTransferID
	}
	if u.PayoutCompletedAt != nil {
		t := *u.PayoutCompletedAt
		lead.PayoutCompletedAt = &t
	}
	m.leads[id] = lead
	return nil
}

// =============================================================================
// USERS
// =============================================================================

func (m *Memory) SaveUser(_ context.Context, u market.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
	return nil
}

func (m *Memory) GetUser(_ context.Context, id market.UserID) (*market.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return nil, market.ErrUserNotFound
	}
	return &u, nil
}

func (m *Memory) SetOnboardingComplete(_ context.Context, stripeAccountID string, complete bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if stripeAccountID == "" {
		return false, nil
	}
	for id, u := range m.users {
		if u.StripeAccountID == stripeAccountID {
			u.OnboardingComplete = complete
			m.users[id] = u
			return true, nil
		}
	}
	return false, nil
}

// =============================================================================
// EVENT LOG
// =============================================================================

func (m *Memory) IsEventProcessed(_ context.Context, eventID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.events[eventID], nil
}

func (m *Memory) MarkEventProcessed(_ context.Context, eventID, _ string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[eventID] = true
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func containsStatus(statuses []market.ConnectionStatus, s market.ConnectionStatus) bool {
	for _, candidate := range statuses {
		if candidate == s {
			return true
		}
	}
	return false
}

func cloneConnection(c market.Connection) market.Connection {
	if c.WeeklyLeadCap != nil {
		v := *c.WeeklyLeadCap
		c.WeeklyLeadCap = &v
	}
	if c.MonthlyLeadCap != nil {
		v := *c.MonthlyLeadCap
		c.MonthlyLeadCap = &v
	}
	return c
}

func cloneLead(l market.Lead) market.Lead {
	if l.ClaimedAt != nil {
		t := *l.ClaimedAt
		l.ClaimedAt = &t
	}
	if l.PayoutCompletedAt != nil {
		t := *l.PayoutCompletedAt
		l.PayoutCompletedAt = &t
	}
	return l
}

func cloneTransaction(tx market.Transaction) market.Transaction {
	if tx.Metadata != nil {
		md := make(map[string]string, len(tx.Metadata))
		for k, v := range tx.Metadata {
			md[k] = v
		}
		tx.Metadata = md
	}
	return tx
}
