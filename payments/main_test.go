package payments

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"sync"
	"testing"

	"veobotdev/ledger"
	"veobotdev/logger"
	"veobotdev/payments/yookassaapi"
)

const testSecret = "test-webhook-secret"

func newTestPayments(t *testing.T, store ledger.Store) *Payments {
	t.Helper()
	t.Setenv("YOOKASSA_WEBHOOK_SECRET", testSecret)
	logMiddleware := logger.Connect(logger.LoggerConnectProps{Production: false})
	return Connect(context.Background(), PaymentsConnectProps{
		Logger: logMiddleware,
		Store:  store,
	})
}

func seedAccountAndPayment(t *testing.T, store ledger.Store, accountID, paymentID string, tokens int64) {
	t.Helper()
	ctx := context.Background()
	if _, _, err := store.CreateAccountIfAbsent(ctx, accountID, ledger.Profile{}, 0); err != nil {
		t.Fatalf("could not seed account: %v", err)
	}
	err := store.CreatePendingPayment(ctx, ledger.PendingPayment{
		PaymentID:     paymentID,
		AccountID:     accountID,
		Tokens:        tokens,
		AmountCharged: tokens,
		Status:        ledger.PaymentPending,
	})
	if err != nil {
		t.Fatalf("could not seed payment: %v", err)
	}
}

func succeededBody(paymentID, accountID string, tokens int64) []byte {
	return []byte(fmt.Sprintf(
		`{"event":"payment.succeeded","object":{"id":%q,"status":"succeeded","metadata":{"accountId":%q,"tokens":%d}}}`,
		paymentID, accountID, tokens))
}

func postWebhook(t *testing.T, p *Payments, body []byte, signature string) int {
	t.Helper()
	req := httptest.NewRequest("POST", "/payment-webhook", bytes.NewReader(body))
	if signature != "" {
		req.Header.Set(yookassaapi.SignatureHeader, signature)
	}
	rec := httptest.NewRecorder()
	p.WebhookHandler()(rec, req)
	return rec.Code
}

func TestRepeatedWebhookCreditsExactlyOnce(t *testing.T) {
	store := ledger.NewMemoryStore()
	p := newTestPayments(t, store)
	seedAccountAndPayment(t, store, "501", "pay-1", 500)

	body := succeededBody("pay-1", "501", 500)
	signature := yookassaapi.Sign(testSecret, body)

	for i := 0; i < 5; i++ {
		if code := postWebhook(t, p, body, signature); code != 200 {
			t.Fatalf("delivery %d: expected 200, got %d", i, code)
		}
	}

	ctx := context.Background()
	account, err := store.GetAccount(ctx, "501")
	if err != nil {
		t.Fatalf("GetAccount failed: %v", err)
	}
	if account.Balance != 500 {
		t.Fatalf("expected balance 500 after 5 deliveries, got %d", account.Balance)
	}

	entries, _ := store.EntriesForAccount(ctx, "501")
	purchases := 0
	for _, entry := range entries {
		if entry.Kind == ledger.KindPurchase && entry.ExternalRef == "pay-1" {
			purchases++
		}
	}
	if purchases != 1 {
		t.Fatalf("expected exactly one purchase entry, got %d", purchases)
	}

	payment, _ := store.GetPendingPayment(ctx, "pay-1")
	if payment.Status != ledger.PaymentSucceeded {
		t.Fatalf("expected payment succeeded, got %s", payment.Status)
	}
}

func TestConcurrentDeliveriesCreditExactlyOnce(t *testing.T) {
	store := ledger.NewMemoryStore()
	p := newTestPayments(t, store)
	seedAccountAndPayment(t, store, "502", "pay-2", 1000)

	notification := Notification{Event: EventPaymentSucceeded}
	notification.Object.ID = "pay-2"
	notification.Object.Status = "succeeded"
	notification.Object.Metadata.AccountID = "502"
	notification.Object.Metadata.Tokens = "1000"

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := p.HandleNotification(context.Background(), notification); err != nil {
				t.Errorf("HandleNotification failed: %v", err)
			}
		}()
	}
	wg.Wait()

	account, _ := store.GetAccount(context.Background(), "502")
	if account.Balance != 1000 {
		t.Fatalf("expected balance 1000, got %d", account.Balance)
	}
}

func TestInvalidSignatureNeverCredits(t *testing.T) {
	store := ledger.NewMemoryStore()
	p := newTestPayments(t, store)
	seedAccountAndPayment(t, store, "503", "pay-3", 500)

	body := succeededBody("pay-3", "503", 500)

	if code := postWebhook(t, p, body, "deadbeef"); code != 200 {
		t.Fatalf("transport must still get 200, got %d", code)
	}
	if code := postWebhook(t, p, body, ""); code != 200 {
		t.Fatalf("transport must still get 200, got %d", code)
	}

	account, _ := store.GetAccount(context.Background(), "503")
	if account.Balance != 0 {
		t.Fatalf("unsigned delivery must not credit, balance %d", account.Balance)
	}
	payment, _ := store.GetPendingPayment(context.Background(), "pay-3")
	if payment.Status != ledger.PaymentPending {
		t.Fatalf("unsigned delivery must not transition status, got %s", payment.Status)
	}
}

func TestMalformedNotificationDoesNotCredit(t *testing.T) {
	store := ledger.NewMemoryStore()
	p := newTestPayments(t, store)
	seedAccountAndPayment(t, store, "504", "pay-4", 500)

	// Metadata without accountId.
	body := []byte(`{"event":"payment.succeeded","object":{"id":"pay-4","status":"succeeded","metadata":{"tokens":500}}}`)
	signature := yookassaapi.Sign(testSecret, body)

	if code := postWebhook(t, p, body, signature); code != 200 {
		t.Fatalf("expected 200, got %d", code)
	}

	account, _ := store.GetAccount(context.Background(), "504")
	if account.Balance != 0 {
		t.Fatalf("malformed notification must not credit, balance %d", account.Balance)
	}
}

func TestCanceledPaymentNeverCredits(t *testing.T) {
	store := ledger.NewMemoryStore()
	p := newTestPayments(t, store)
	seedAccountAndPayment(t, store, "505", "pay-5", 500)

	notification := Notification{Event: EventPaymentCanceled}
	notification.Object.ID = "pay-5"
	if err := p.HandleNotification(context.Background(), notification); err != nil {
		t.Fatalf("HandleNotification failed: %v", err)
	}

	payment, _ := store.GetPendingPayment(context.Background(), "pay-5")
	if payment.Status != ledger.PaymentCancelled {
		t.Fatalf("expected cancelled, got %s", payment.Status)
	}
	account, _ := store.GetAccount(context.Background(), "505")
	if account.Balance != 0 {
		t.Fatalf("cancelled payment must not credit, balance %d", account.Balance)
	}

	// A late succeeded delivery for a cancelled payment is absorbed too.
	succeeded := Notification{Event: EventPaymentSucceeded}
	succeeded.Object.ID = "pay-5"
	succeeded.Object.Metadata.AccountID = "505"
	succeeded.Object.Metadata.Tokens = "500"
	if err := p.HandleNotification(context.Background(), succeeded); err != nil {
		t.Fatalf("late succeeded delivery must be a no-op: %v", err)
	}
	account, _ = store.GetAccount(context.Background(), "505")
	if account.Balance != 0 {
		t.Fatalf("terminal payment must never credit, balance %d", account.Balance)
	}
}

func TestUnknownPaymentIsIgnored(t *testing.T) {
	store := ledger.NewMemoryStore()
	p := newTestPayments(t, store)

	notification := Notification{Event: EventPaymentSucceeded}
	notification.Object.ID = "pay-unknown"
	notification.Object.Metadata.AccountID = "506"
	notification.Object.Metadata.Tokens = "500"

	if err := p.HandleNotification(context.Background(), notification); err != nil {
		t.Fatalf("unknown payment must not be an error: %v", err)
	}
}

// flakyStore fails the first purchase mutation, leaving the payment
// succeeded-but-uncredited: the half-applied state the sweep must repair.
type flakyStore struct {
	ledger.Store
	mu       sync.Mutex
	failures int
}

func (s *flakyStore) ApplyMutation(ctx context.Context, accountID string, kind ledger.EntryKind, amount int64, externalRef string) (*ledger.Entry, error) {
	if kind == ledger.KindPurchase {
		s.mu.Lock()
		if s.failures > 0 {
			s.failures--
			s.mu.Unlock()
			return nil, errors.New("store unavailable")
		}
		s.mu.Unlock()
	}
	return s.Store.ApplyMutation(ctx, accountID, kind, amount, externalRef)
}

func TestSweepRecoversHalfAppliedCredit(t *testing.T) {
	memory := ledger.NewMemoryStore()
	store := &flakyStore{Store: memory, failures: 1}
	p := newTestPayments(t, store)
	seedAccountAndPayment(t, store, "507", "pay-7", 500)

	notification := Notification{Event: EventPaymentSucceeded}
	notification.Object.ID = "pay-7"
	notification.Object.Metadata.AccountID = "507"
	notification.Object.Metadata.Tokens = "500"

	if err := p.HandleNotification(context.Background(), notification); err == nil {
		t.Fatal("expected the first credit to fail")
	}

	ctx := context.Background()
	payment, _ := store.GetPendingPayment(ctx, "pay-7")
	if payment.Status != ledger.PaymentSucceeded {
		t.Fatalf("expected succeeded-but-uncredited state, got %s", payment.Status)
	}
	account, _ := store.GetAccount(ctx, "507")
	if account.Balance != 0 {
		t.Fatalf("failed credit must not change balance, got %d", account.Balance)
	}

	// A redelivery cannot help: the CAS already happened.
	if err := p.HandleNotification(ctx, notification); err != nil {
		t.Fatalf("redelivery after CAS must be a no-op: %v", err)
	}
	account, _ = store.GetAccount(ctx, "507")
	if account.Balance != 0 {
		t.Fatalf("redelivery must not credit, got %d", account.Balance)
	}

	credited, err := p.SweepOnce(ctx)
	if err != nil {
		t.Fatalf("SweepOnce failed: %v", err)
	}
	if credited != 1 {
		t.Fatalf("expected sweep to complete 1 credit, got %d", credited)
	}

	account, _ = store.GetAccount(ctx, "507")
	if account.Balance != 500 {
		t.Fatalf("expected balance 500 after sweep, got %d", account.Balance)
	}

	// The sweep itself is idempotent.
	credited, err = p.SweepOnce(ctx)
	if err != nil {
		t.Fatalf("second SweepOnce failed: %v", err)
	}
	if credited != 0 {
		t.Fatalf("second sweep must find nothing, credited %d", credited)
	}
	account, _ = store.GetAccount(ctx, "507")
	if account.Balance != 500 {
		t.Fatalf("second sweep must not credit again, got %d", account.Balance)
	}
}
