package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"veobotdev/ledger"
	"veobotdev/logger"
)

// These tests need a reachable Postgres; they run only when POSTGRES_DB_HOST
// is set. Each test works under its own account id so reruns against the same
// database stay independent.
func newTestDatabase(t *testing.T) *Database {
	t.Helper()
	if os.Getenv("POSTGRES_DB_HOST") == "" {
		t.Skip("Skipping test: POSTGRES_DB_HOST environment variable not set")
	}
	logMiddleware := logger.Connect(logger.LoggerConnectProps{Production: false})
	return Connect(context.Background(), DatabaseConnectProps{Logger: logMiddleware})
}

func uniqueID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}

func TestAccountLifecycle(t *testing.T) {
	db := newTestDatabase(t)
	ctx := context.Background()
	accountID := uniqueID("acct")

	account, created, err := db.CreateAccountIfAbsent(ctx, accountID, ledger.Profile{Username: "tester"}, 60)
	if err != nil {
		t.Fatalf("CreateAccountIfAbsent failed: %v", err)
	}
	if !created || account.Balance != 60 {
		t.Fatalf("expected fresh account with balance 60, created=%v balance=%d", created, account.Balance)
	}

	// Second call must be a read, not a second bonus.
	account, created, err = db.CreateAccountIfAbsent(ctx, accountID, ledger.Profile{Username: "tester"}, 60)
	if err != nil {
		t.Fatalf("repeat CreateAccountIfAbsent failed: %v", err)
	}
	if created || account.Balance != 60 {
		t.Fatalf("repeat create must not credit again, created=%v balance=%d", created, account.Balance)
	}

	if _, err := db.ApplyMutation(ctx, accountID, ledger.KindGenerationDebit, -20, uniqueID("req")); err != nil {
		t.Fatalf("debit failed: %v", err)
	}
	account, err = db.GetAccount(ctx, accountID)
	if err != nil {
		t.Fatalf("GetAccount failed: %v", err)
	}
	if account.Balance != 40 {
		t.Fatalf("expected balance 40, got %d", account.Balance)
	}

	if _, err := db.ApplyMutation(ctx, accountID, ledger.KindGenerationDebit, -100, uniqueID("req")); !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
}

func TestDuplicateCreditRejectedByIndex(t *testing.T) {
	db := newTestDatabase(t)
	ctx := context.Background()
	accountID := uniqueID("acct")
	paymentID := uniqueID("pay")

	if _, _, err := db.CreateAccountIfAbsent(ctx, accountID, ledger.Profile{}, 0); err != nil {
		t.Fatalf("could not seed account: %v", err)
	}

	if _, err := db.ApplyMutation(ctx, accountID, ledger.KindPurchase, 500, paymentID); err != nil {
		t.Fatalf("first purchase failed: %v", err)
	}
	if _, err := db.ApplyMutation(ctx, accountID, ledger.KindPurchase, 500, paymentID); !errors.Is(err, ledger.ErrDuplicateEntry) {
		t.Fatalf("expected ErrDuplicateEntry, got %v", err)
	}

	account, _ := db.GetAccount(ctx, accountID)
	if account.Balance != 500 {
		t.Fatalf("duplicate purchase moved tokens, balance %d", account.Balance)
	}
}

func TestConcurrentDebitsSerialize(t *testing.T) {
	db := newTestDatabase(t)
	ctx := context.Background()
	accountID := uniqueID("acct")

	if _, _, err := db.CreateAccountIfAbsent(ctx, accountID, ledger.Profile{}, 10); err != nil {
		t.Fatalf("could not seed account: %v", err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	applied, declined := 0, 0
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := db.ApplyMutation(ctx, accountID, ledger.KindGenerationDebit, -10, fmt.Sprintf("%s-%d", accountID, n))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				applied++
			case errors.Is(err, ledger.ErrInsufficientBalance):
				declined++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if applied != 1 || declined != 1 {
		t.Fatalf("expected exactly one of two debits to land, applied=%d declined=%d", applied, declined)
	}
	account, _ := db.GetAccount(ctx, accountID)
	if account.Balance != 0 {
		t.Fatalf("expected balance 0, got %d", account.Balance)
	}
}

func TestPaymentStatusTransitionAndSweepQuery(t *testing.T) {
	db := newTestDatabase(t)
	ctx := context.Background()
	accountID := uniqueID("acct")
	paymentID := uniqueID("pay")

	if _, _, err := db.CreateAccountIfAbsent(ctx, accountID, ledger.Profile{}, 0); err != nil {
		t.Fatalf("could not seed account: %v", err)
	}
	if err := db.CreatePendingPayment(ctx, ledger.PendingPayment{
		PaymentID:     paymentID,
		AccountID:     accountID,
		Tokens:        500,
		AmountCharged: 500,
		Status:        ledger.PaymentPending,
	}); err != nil {
		t.Fatalf("CreatePendingPayment failed: %v", err)
	}

	won, err := db.TransitionPaymentStatus(ctx, paymentID, ledger.PaymentPending, ledger.PaymentSucceeded)
	if err != nil || !won {
		t.Fatalf("expected first transition to win, won=%v err=%v", won, err)
	}
	won, err = db.TransitionPaymentStatus(ctx, paymentID, ledger.PaymentPending, ledger.PaymentSucceeded)
	if err != nil || won {
		t.Fatalf("expected repeat transition to lose, won=%v err=%v", won, err)
	}

	// Succeeded with no matching purchase entry: the sweep must see it.
	uncredited, err := db.SucceededPaymentsWithoutCredit(ctx)
	if err != nil {
		t.Fatalf("SucceededPaymentsWithoutCredit failed: %v", err)
	}
	found := false
	for _, payment := range uncredited {
		if payment.PaymentID == paymentID {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected %s in uncredited set", paymentID)
	}

	if _, err := db.ApplyMutation(ctx, accountID, ledger.KindPurchase, 500, paymentID); err != nil {
		t.Fatalf("credit failed: %v", err)
	}

	uncredited, err = db.SucceededPaymentsWithoutCredit(ctx)
	if err != nil {
		t.Fatalf("SucceededPaymentsWithoutCredit failed: %v", err)
	}
	for _, payment := range uncredited {
		if payment.PaymentID == paymentID {
			t.Fatalf("credited payment %s still reported uncredited", paymentID)
		}
	}
}

func TestGenerationRequestLifecycle(t *testing.T) {
	db := newTestDatabase(t)
	ctx := context.Background()
	accountID := uniqueID("acct")
	requestID := uniqueID("req")

	if _, _, err := db.CreateAccountIfAbsent(ctx, accountID, ledger.Profile{}, 60); err != nil {
		t.Fatalf("could not seed account: %v", err)
	}
	if err := db.CreateGenerationRequest(ctx, ledger.GenerationRequest{
		RequestID:  requestID,
		AccountID:  accountID,
		Kind:       ledger.GenerationVideo,
		Prompt:     "a cat",
		TokensCost: 20,
		Status:     ledger.GenerationPending,
	}); err != nil {
		t.Fatalf("CreateGenerationRequest failed: %v", err)
	}

	won, err := db.TransitionGenerationStatus(ctx, requestID, ledger.GenerationPending, ledger.GenerationProcessing)
	if err != nil || !won {
		t.Fatalf("expected transition to win, won=%v err=%v", won, err)
	}
	if err := db.SetGenerationOutput(ctx, requestID, "job-1", "https://cdn.example/v.mp4", ""); err != nil {
		t.Fatalf("SetGenerationOutput failed: %v", err)
	}

	first, err := db.MarkGenerationRefunded(ctx, requestID)
	if err != nil || !first {
		t.Fatalf("expected first refund mark to win, first=%v err=%v", first, err)
	}
	first, err = db.MarkGenerationRefunded(ctx, requestID)
	if err != nil || first {
		t.Fatalf("expected repeat refund mark to lose, first=%v err=%v", first, err)
	}

	request, err := db.GetGenerationRequest(ctx, requestID)
	if err != nil {
		t.Fatalf("GetGenerationRequest failed: %v", err)
	}
	if request.ExternalJobID != "job-1" || !request.Refunded {
		t.Fatalf("unexpected request state: %+v", request)
	}
}
