package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
)

func sumEntries(entries []Entry) int64 {
	var total int64
	for _, entry := range entries {
		total += entry.Amount
	}
	return total
}

func TestNewAccountBonusAndDebits(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	account, created, err := store.CreateAccountIfAbsent(ctx, "1001", Profile{FirstName: "Ivan"}, 60)
	if err != nil {
		t.Fatalf("CreateAccountIfAbsent failed: %v", err)
	}
	if !created {
		t.Fatal("expected account to be created")
	}
	if account.Balance != 60 {
		t.Fatalf("expected balance 60, got %d", account.Balance)
	}

	entry, err := store.ApplyMutation(ctx, "1001", KindGenerationDebit, -25, "req-1")
	if err != nil {
		t.Fatalf("generation debit failed: %v", err)
	}
	if entry.BalanceBefore != 60 || entry.BalanceAfter != 35 {
		t.Fatalf("expected snapshot 60 -> 35, got %d -> %d", entry.BalanceBefore, entry.BalanceAfter)
	}

	entry, err = store.ApplyMutation(ctx, "1001", KindWatermarkDebit, -10, "req-2")
	if err != nil {
		t.Fatalf("watermark debit failed: %v", err)
	}
	if entry.BalanceAfter != 25 {
		t.Fatalf("expected balance 25, got %d", entry.BalanceAfter)
	}

	account, err = store.GetAccount(ctx, "1001")
	if err != nil {
		t.Fatalf("GetAccount failed: %v", err)
	}
	if account.Balance != 25 {
		t.Fatalf("expected final balance 25, got %d", account.Balance)
	}
	if account.TotalDebited != 35 {
		t.Fatalf("expected total debited 35, got %d", account.TotalDebited)
	}
	if account.TotalGenerations != 1 {
		t.Fatalf("expected 1 generation, got %d", account.TotalGenerations)
	}

	entries, err := store.EntriesForAccount(ctx, "1001")
	if err != nil {
		t.Fatalf("EntriesForAccount failed: %v", err)
	}
	if got := sumEntries(entries); got != account.Balance {
		t.Fatalf("reconciliation invariant broken: entries sum to %d, balance is %d", got, account.Balance)
	}
}

func TestInsufficientBalanceIsRejected(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	if _, _, err := store.CreateAccountIfAbsent(ctx, "1002", Profile{}, 10); err != nil {
		t.Fatalf("CreateAccountIfAbsent failed: %v", err)
	}

	_, err := store.ApplyMutation(ctx, "1002", KindGenerationDebit, -20, "req-1")
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}

	account, err := store.GetAccount(ctx, "1002")
	if err != nil {
		t.Fatalf("GetAccount failed: %v", err)
	}
	if account.Balance != 10 {
		t.Fatalf("rejected debit must not change balance, got %d", account.Balance)
	}

	entries, _ := store.EntriesForAccount(ctx, "1002")
	if len(entries) != 1 {
		t.Fatalf("rejected debit must not append an entry, got %d entries", len(entries))
	}
}

func TestConcurrentDebitRace(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	if _, _, err := store.CreateAccountIfAbsent(ctx, "1003", Profile{}, 10); err != nil {
		t.Fatalf("CreateAccountIfAbsent failed: %v", err)
	}

	var wg sync.WaitGroup
	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := store.ApplyMutation(ctx, "1003", KindWatermarkDebit, -10, fmt.Sprintf("click-%d", n))
			results <- err
		}(i)
	}
	wg.Wait()
	close(results)

	var succeeded, rejected int
	for err := range results {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ErrInsufficientBalance):
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 || rejected != 1 {
		t.Fatalf("expected exactly one winner, got %d succeeded / %d rejected", succeeded, rejected)
	}

	account, _ := store.GetAccount(ctx, "1003")
	if account.Balance != 0 {
		t.Fatalf("expected final balance 0, got %d", account.Balance)
	}
}

func TestConcurrentAccountCreationCollapses(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	const workers = 16
	var wg sync.WaitGroup
	createdCount := make(chan bool, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, created, err := store.CreateAccountIfAbsent(ctx, "1004", Profile{}, 60)
			if err != nil {
				t.Errorf("CreateAccountIfAbsent failed: %v", err)
				return
			}
			createdCount <- created
		}()
	}
	wg.Wait()
	close(createdCount)

	var winners int
	for created := range createdCount {
		if created {
			winners++
		}
	}
	if winners != 1 {
		t.Fatalf("expected a single creation winner, got %d", winners)
	}

	account, err := store.GetAccount(ctx, "1004")
	if err != nil {
		t.Fatalf("GetAccount failed: %v", err)
	}
	if account.Balance != 60 {
		t.Fatalf("bonus applied more than once: balance %d", account.Balance)
	}
}

func TestDuplicatePurchaseEntryRejected(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	if _, _, err := store.CreateAccountIfAbsent(ctx, "1005", Profile{}, 0); err != nil {
		t.Fatalf("CreateAccountIfAbsent failed: %v", err)
	}

	if _, err := store.ApplyMutation(ctx, "1005", KindPurchase, 500, "pay-1"); err != nil {
		t.Fatalf("first purchase failed: %v", err)
	}
	if _, err := store.ApplyMutation(ctx, "1005", KindPurchase, 500, "pay-1"); !errors.Is(err, ErrDuplicateEntry) {
		t.Fatalf("expected ErrDuplicateEntry, got %v", err)
	}

	account, _ := store.GetAccount(ctx, "1005")
	if account.Balance != 500 {
		t.Fatalf("expected balance 500, got %d", account.Balance)
	}
}

func TestPaymentStatusCAS(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	err := store.CreatePendingPayment(ctx, PendingPayment{PaymentID: "pay-1", AccountID: "1006", Tokens: 500, AmountCharged: 500})
	if err != nil {
		t.Fatalf("CreatePendingPayment failed: %v", err)
	}
	// Recreating the same payment is a no-op.
	if err := store.CreatePendingPayment(ctx, PendingPayment{PaymentID: "pay-1", AccountID: "1006", Tokens: 9999}); err != nil {
		t.Fatalf("duplicate CreatePendingPayment must not fail: %v", err)
	}
	payment, _ := store.GetPendingPayment(ctx, "pay-1")
	if payment.Tokens != 500 {
		t.Fatalf("duplicate create overwrote the payment: tokens %d", payment.Tokens)
	}

	ok, err := store.TransitionPaymentStatus(ctx, "pay-1", PaymentPending, PaymentSucceeded)
	if err != nil || !ok {
		t.Fatalf("first transition should win: ok=%v err=%v", ok, err)
	}
	ok, err = store.TransitionPaymentStatus(ctx, "pay-1", PaymentPending, PaymentSucceeded)
	if err != nil {
		t.Fatalf("repeat transition must not error: %v", err)
	}
	if ok {
		t.Fatal("repeat transition must be a no-op")
	}
}

func TestReconciliationInvariantAcrossMixedTraffic(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	if _, _, err := store.CreateAccountIfAbsent(ctx, "1007", Profile{}, 60); err != nil {
		t.Fatalf("CreateAccountIfAbsent failed: %v", err)
	}

	mutations := []struct {
		kind   EntryKind
		amount int64
		ref    string
	}{
		{KindPurchase, 500, "pay-a"},
		{KindGenerationDebit, -25, "req-a"},
		{KindGenerationDebit, -20, "req-b"},
		{KindRefund, 20, "req-b"},
		{KindWatermarkDebit, -10, "req-c"},
		{KindPurchase, 1000, "pay-b"},
	}
	for _, m := range mutations {
		if _, err := store.ApplyMutation(ctx, "1007", m.kind, m.amount, m.ref); err != nil {
			t.Fatalf("mutation %s %d failed: %v", m.kind, m.amount, err)
		}
	}

	account, _ := store.GetAccount(ctx, "1007")
	entries, _ := store.EntriesForAccount(ctx, "1007")
	if got := sumEntries(entries); got != account.Balance {
		t.Fatalf("entries sum to %d, balance is %d", got, account.Balance)
	}
	if account.Balance != 60+500-25-20+20-10+1000 {
		t.Fatalf("unexpected final balance %d", account.Balance)
	}
}
