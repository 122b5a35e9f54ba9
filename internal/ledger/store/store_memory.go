package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"bursary/internal/ledger/models"
)

// InMemoryStore keeps the whole ledger in maps behind one mutex. A single
// lock makes the ApplyTransaction atomicity contract trivial; contention is
// irrelevant at test scale.
type InMemoryStore struct {
	mu           sync.Mutex
	accounts     map[string]models.BudgetAccount
	transactions map[string]models.Transaction
	bySource     map[string]string // source key -> transaction ID
	events       map[string]models.SourceEvent
	alerts       map[string][]models.Alert
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		accounts:     make(map[string]models.BudgetAccount),
		transactions: make(map[string]models.Transaction),
		bySource:     make(map[string]string),
		events:       make(map[string]models.SourceEvent),
		alerts:       make(map[string][]models.Alert),
	}
}

func sourceKey(collection, documentID string) string {
	return collection + "/" + documentID
}

func (s *InMemoryStore) CreateAccount(_ context.Context, account models.BudgetAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[account.ID]; ok {
		return ErrConflict
	}
	if account.CreatedAt.IsZero() {
		account.CreatedAt = time.Now()
	}
	account.UpdatedAt = account.CreatedAt
	s.accounts[account.ID] = account
	return nil
}

func (s *InMemoryStore) GetAccount(_ context.Context, id string) (models.BudgetAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if account, ok := s.accounts[id]; ok {
		return account, nil
	}
	return models.BudgetAccount{}, ErrNotFound
}

func (s *InMemoryStore) ListAccountsByDepartment(_ context.Context, department string) ([]models.BudgetAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.BudgetAccount
	for _, account := range s.accounts {
		if account.Department == department {
			out = append(out, account)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *InMemoryStore) ClaimSourceEvent(_ context.Context, collection, documentID string) (bool, models.SourceEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := sourceKey(collection, documentID)
	if existing, ok := s.events[key]; ok {
		return false, existing, nil
	}
	event := models.SourceEvent{
		Collection: collection,
		DocumentID: documentID,
		Status:     models.SourceEventProcessing,
	}
	s.events[key] = event
	return true, event, nil
}

func (s *InMemoryStore) FinalizeSourceEvent(_ context.Context, event models.SourceEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := sourceKey(event.Collection, event.DocumentID)
	if _, ok := s.events[key]; !ok {
		return ErrNotFound
	}
	if event.ProcessedAt.IsZero() {
		event.ProcessedAt = time.Now()
	}
	s.events[key] = event
	return nil
}

func (s *InMemoryStore) GetSourceEvent(_ context.Context, collection, documentID string) (models.SourceEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if event, ok := s.events[sourceKey(collection, documentID)]; ok {
		return event, nil
	}
	return models.SourceEvent{}, ErrNotFound
}

func (s *InMemoryStore) ApplyTransaction(_ context.Context, account models.BudgetAccount, txn models.Transaction, event models.SourceEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.accounts[account.ID]
	if !ok {
		return ErrNotFound
	}
	if current.Version != account.Version {
		return ErrConflict
	}
	// A finalized event can never apply a second effect, even through a
	// writer holding a fresh account version.
	if evt, ok := s.events[sourceKey(event.Collection, event.DocumentID)]; ok && evt.Processed {
		return ErrConflict
	}

	account.Version++
	account.UpdatedAt = time.Now()
	if event.ProcessedAt.IsZero() {
		event.ProcessedAt = account.UpdatedAt
	}

	s.accounts[account.ID] = account
	s.transactions[txn.ID] = txn
	s.bySource[sourceKey(txn.SourceCollection, txn.SourceDocumentID)] = txn.ID
	s.events[sourceKey(event.Collection, event.DocumentID)] = event
	return nil
}

func (s *InMemoryStore) GetTransaction(_ context.Context, id string) (models.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if txn, ok := s.transactions[id]; ok {
		return txn, nil
	}
	return models.Transaction{}, ErrNotFound
}

func (s *InMemoryStore) GetTransactionBySource(_ context.Context, collection, documentID string) (models.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.bySource[sourceKey(collection, documentID)]; ok {
		return s.transactions[id], nil
	}
	return models.Transaction{}, ErrNotFound
}

func (s *InMemoryStore) ListTransactionsByAccount(_ context.Context, accountID string) ([]models.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Transaction
	for _, txn := range s.transactions {
		if txn.BudgetAccountID == accountID {
			out = append(out, txn)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProcessedAt.Before(out[j].ProcessedAt) })
	return out, nil
}

func (s *InMemoryStore) AppendAlert(_ context.Context, alert models.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = time.Now()
	}
	s.alerts[alert.BudgetAccountID] = append(s.alerts[alert.BudgetAccountID], alert)
	return nil
}

func (s *InMemoryStore) ListAlertsByAccount(_ context.Context, accountID string) ([]models.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Alert{}, s.alerts[accountID]...), nil
}
