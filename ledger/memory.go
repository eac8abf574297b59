package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is a Store kept entirely in process memory. It backs the tests
// and lets the ledger logic run without any network dependency. Per-account
// serialization comes from a mutex per account record; the outer mutex only
// guards the maps.
type MemoryStore struct {
	mu          sync.Mutex
	accounts    map[string]*memoryAccount
	payments    map[string]*PendingPayment
	generations map[string]*GenerationRequest
}

type memoryAccount struct {
	mu      sync.Mutex
	account Account
	entries []Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:    make(map[string]*memoryAccount),
		payments:    make(map[string]*PendingPayment),
		generations: make(map[string]*GenerationRequest),
	}
}

func (s *MemoryStore) lookup(accountID string) (*memoryAccount, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.accounts[accountID]
	return rec, ok
}

func (s *MemoryStore) GetAccount(ctx context.Context, accountID string) (*Account, error) {
	rec, ok := s.lookup(accountID)
	if !ok {
		return nil, ErrAccountNotFound
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	account := rec.account
	return &account, nil
}

func (s *MemoryStore) CreateAccountIfAbsent(ctx context.Context, accountID string, profile Profile, initialBonus int64) (*Account, bool, error) {
	s.mu.Lock()
	if rec, ok := s.accounts[accountID]; ok {
		s.mu.Unlock()
		rec.mu.Lock()
		defer rec.mu.Unlock()
		account := rec.account
		return &account, false, nil
	}

	// The account row and its bonus entry become visible together; no reader
	// ever observes a fresh account without its starting balance.
	now := time.Now().UTC()
	rec := &memoryAccount{
		account: Account{
			AccountID:      accountID,
			Username:       profile.Username,
			FirstName:      profile.FirstName,
			LastName:       profile.LastName,
			CreatedAt:      now,
			LastActivityAt: now,
		},
	}
	if initialBonus > 0 {
		rec.entries = append(rec.entries, Entry{
			EntryID:       uuid.NewString(),
			AccountID:     accountID,
			Kind:          KindBonus,
			Amount:        initialBonus,
			BalanceBefore: 0,
			BalanceAfter:  initialBonus,
			CreatedAt:     now,
		})
		rec.account.Balance = initialBonus
		rec.account.TotalCredited = initialBonus
	}
	s.accounts[accountID] = rec
	s.mu.Unlock()

	account := rec.account
	return &account, true, nil
}

func (s *MemoryStore) ApplyMutation(ctx context.Context, accountID string, kind EntryKind, amount int64, externalRef string) (*Entry, error) {
	rec, ok := s.lookup(accountID)
	if !ok {
		return nil, ErrAccountNotFound
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if externalRef != "" && (kind == KindPurchase || kind == KindRefund) {
		for _, entry := range rec.entries {
			if entry.Kind == kind && entry.ExternalRef == externalRef {
				return nil, ErrDuplicateEntry
			}
		}
	}

	balanceBefore := rec.account.Balance
	balanceAfter := balanceBefore + amount
	if balanceAfter < 0 {
		return nil, ErrInsufficientBalance
	}

	now := time.Now().UTC()
	entry := Entry{
		EntryID:       uuid.NewString(),
		AccountID:     accountID,
		Kind:          kind,
		Amount:        amount,
		BalanceBefore: balanceBefore,
		BalanceAfter:  balanceAfter,
		ExternalRef:   externalRef,
		CreatedAt:     now,
	}
	rec.entries = append(rec.entries, entry)

	rec.account.Balance = balanceAfter
	rec.account.LastActivityAt = now
	if amount >= 0 {
		rec.account.TotalCredited += amount
	} else {
		rec.account.TotalDebited += -amount
	}
	if kind == KindGenerationDebit {
		rec.account.TotalGenerations++
	}

	return &entry, nil
}

func (s *MemoryStore) EntriesForAccount(ctx context.Context, accountID string) ([]Entry, error) {
	rec, ok := s.lookup(accountID)
	if !ok {
		return nil, ErrAccountNotFound
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	entries := make([]Entry, len(rec.entries))
	copy(entries, rec.entries)
	return entries, nil
}

func (s *MemoryStore) GetPendingPayment(ctx context.Context, paymentID string) (*PendingPayment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	payment, ok := s.payments[paymentID]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	copied := *payment
	return &copied, nil
}

func (s *MemoryStore) CreatePendingPayment(ctx context.Context, payment PendingPayment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.payments[payment.PaymentID]; ok {
		return nil
	}
	if payment.Status == "" {
		payment.Status = PaymentPending
	}
	if payment.CreatedAt.IsZero() {
		payment.CreatedAt = time.Now().UTC()
	}
	copied := payment
	s.payments[payment.PaymentID] = &copied
	return nil
}

func (s *MemoryStore) TransitionPaymentStatus(ctx context.Context, paymentID string, from, to PaymentStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	payment, ok := s.payments[paymentID]
	if !ok {
		return false, ErrPaymentNotFound
	}
	if payment.Status != from {
		return false, nil
	}
	payment.Status = to
	if to != PaymentPending {
		payment.CompletedAt = time.Now().UTC()
	}
	return true, nil
}

func (s *MemoryStore) SucceededPaymentsWithoutCredit(ctx context.Context) ([]PendingPayment, error) {
	s.mu.Lock()
	candidates := make([]PendingPayment, 0)
	for _, payment := range s.payments {
		if payment.Status == PaymentSucceeded {
			candidates = append(candidates, *payment)
		}
	}
	s.mu.Unlock()

	uncredited := make([]PendingPayment, 0)
	for _, payment := range candidates {
		entries, err := s.EntriesForAccount(ctx, payment.AccountID)
		if err != nil {
			return nil, err
		}
		credited := false
		for _, entry := range entries {
			if entry.Kind == KindPurchase && entry.ExternalRef == payment.PaymentID {
				credited = true
				break
			}
		}
		if !credited {
			uncredited = append(uncredited, payment)
		}
	}
	return uncredited, nil
}

func (s *MemoryStore) CreateGenerationRequest(ctx context.Context, request GenerationRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.generations[request.RequestID]; ok {
		return nil
	}
	if request.Status == "" {
		request.Status = GenerationPending
	}
	if request.CreatedAt.IsZero() {
		request.CreatedAt = time.Now().UTC()
	}
	copied := request
	s.generations[request.RequestID] = &copied
	return nil
}

func (s *MemoryStore) GetGenerationRequest(ctx context.Context, requestID string) (*GenerationRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	request, ok := s.generations[requestID]
	if !ok {
		return nil, ErrGenerationNotFound
	}
	copied := *request
	return &copied, nil
}

func (s *MemoryStore) TransitionGenerationStatus(ctx context.Context, requestID string, from, to GenerationStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	request, ok := s.generations[requestID]
	if !ok {
		return false, ErrGenerationNotFound
	}
	if request.Status != from {
		return false, nil
	}
	request.Status = to
	if to == GenerationCompleted || to == GenerationFailed {
		request.CompletedAt = time.Now().UTC()
	}
	return true, nil
}

func (s *MemoryStore) SetGenerationOutput(ctx context.Context, requestID, externalJobID, outputURL, errorMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	request, ok := s.generations[requestID]
	if !ok {
		return ErrGenerationNotFound
	}
	if externalJobID != "" {
		request.ExternalJobID = externalJobID
	}
	if outputURL != "" {
		request.OutputURL = outputURL
	}
	if errorMessage != "" {
		request.ErrorMessage = errorMessage
	}
	return nil
}

func (s *MemoryStore) MarkGenerationRefunded(ctx context.Context, requestID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	request, ok := s.generations[requestID]
	if !ok {
		return false, ErrGenerationNotFound
	}
	if request.Refunded {
		return false, nil
	}
	request.Refunded = true
	return true, nil
}
