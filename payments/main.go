// Package payments turns payment-provider webhook notifications into ledger
// credits. The provider redelivers notifications at will, in any order; the
// compare-and-swap on PendingPayment.Status is the gate that keeps every
// payment credited at most once.
package payments

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"time"

	"veobotdev/config"
	"veobotdev/ledger"
	"veobotdev/logger"
	"veobotdev/payments/yookassaapi"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var (
	ErrInvalidSignature      = errors.New("invalid webhook signature")
	ErrMalformedNotification = errors.New("malformed payment notification")
)

const (
	EventPaymentSucceeded = "payment.succeeded"
	EventPaymentCanceled  = "payment.canceled"
)

// Notifier delivers user-facing confirmation after a credit lands. Best
// effort: a send failure never affects the ledger.
type Notifier interface {
	NotifyPaymentCredited(ctx context.Context, accountID string, tokens int64, balance int64)
}

// Mirror receives best-effort copies of payment records for analytics.
type Mirror interface {
	SyncPayment(ctx context.Context, payment ledger.PendingPayment)
}

type PaymentsConnectProps struct {
	Logger *logger.LogMiddleware
	Store  ledger.Store
	Kassa  *yookassaapi.Kassa
	Mirror Mirror
}

type Payments struct {
	logger   *logger.LogMiddleware
	store    ledger.Store
	kassa    *yookassaapi.Kassa
	mirror   Mirror
	notifier Notifier
	secret   string
}

func Connect(ctx context.Context, args PaymentsConnectProps) *Payments {
	tracer := otel.Tracer("payments/Connect")
	ctx, span := tracer.Start(ctx, "Connect")
	defer span.End()

	secret := os.Getenv("YOOKASSA_WEBHOOK_SECRET")
	if secret == "" {
		args.Logger.Logger(ctx).Warn("[Payments] YOOKASSA_WEBHOOK_SECRET not set, webhook notifications will be rejected")
	}

	return &Payments{
		logger: args.Logger,
		store:  args.Store,
		kassa:  args.Kassa,
		mirror: args.Mirror,
		secret: secret,
	}
}

// SetNotifier wires the bot in after construction; the bot itself depends on
// Payments for the /buy flow.
func (p *Payments) SetNotifier(notifier Notifier) {
	p.notifier = notifier
}

// CreateTokenPurchase creates the provider payment and the local
// PendingPayment row, returning the redirect URL for the user.
func (p *Payments) CreateTokenPurchase(ctx context.Context, accountID string, pkg config.PaymentPackage) (string, error) {
	tracer := otel.Tracer("payments/CreateTokenPurchase")
	ctx, span := tracer.Start(ctx, "CreateTokenPurchase")
	defer span.End()

	span.SetAttributes(
		attribute.String("account.id", accountID),
		attribute.Int64("package.tokens", pkg.Tokens),
	)

	returnURL := os.Getenv("PAYMENT_RETURN_URL")
	if returnURL == "" {
		returnURL = "https://t.me/" + os.Getenv("TELEGRAM_BOT_USERNAME")
	}

	payment, err := p.kassa.CreatePayment(ctx, yookassaapi.CreatePaymentProps{
		Rubles:    pkg.Rubles,
		Tokens:    pkg.Tokens,
		AccountID: accountID,
		ReturnURL: returnURL,
	})
	if err != nil {
		span.RecordError(err)
		return "", err
	}

	err = p.store.CreatePendingPayment(ctx, ledger.PendingPayment{
		PaymentID:     payment.ID,
		AccountID:     accountID,
		Tokens:        pkg.Tokens,
		AmountCharged: pkg.Rubles,
		Status:        ledger.PaymentPending,
	})
	if err != nil {
		span.RecordError(err)
		return "", err
	}

	return payment.Confirmation.ConfirmationURL, nil
}

type notificationObject struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	Metadata struct {
		AccountID string      `json:"accountId"`
		Tokens    json.Number `json:"tokens"`
	} `json:"metadata"`
}

type Notification struct {
	Event  string             `json:"event"`
	Object notificationObject `json:"object"`
}

// WebhookHandler answers the provider transport. It always responds 200: a
// non-2xx only provokes a redelivery storm, and every failure mode here is
// either a no-op (bad signature, malformed body, duplicate) or recoverable by
// the reconciliation sweep.
func (p *Payments) WebhookHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tracer := otel.Tracer("payments/WebhookHandler")
		ctx, span := tracer.Start(r.Context(), "WebhookHandler")
		defer span.End()

		respond := func() {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"ok":true}`))
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			span.RecordError(err)
			p.logger.Logger(ctx).Error("[Payments] Could not read webhook body", zap.Error(err))
			respond()
			return
		}

		if !yookassaapi.VerifySignature(p.secret, body, r.Header.Get(yookassaapi.SignatureHeader)) {
			span.AddEvent("Invalid signature")
			p.logger.Logger(ctx).Warn("[Payments] Webhook signature verification failed",
				zap.Int("body_size", len(body)))
			respond()
			return
		}

		var notification Notification
		if err := json.Unmarshal(body, &notification); err != nil {
			span.RecordError(err)
			p.logger.Logger(ctx).Error("[Payments] Could not parse webhook body", zap.Error(err))
			respond()
			return
		}

		if err := p.HandleNotification(ctx, notification); err != nil {
			// Logged, never propagated to the transport: the CAS already
			// decided the outcome and the sweep repairs internal faults.
			p.logger.Logger(ctx).Error("[Payments] Webhook handling failed",
				zap.Error(err),
				zap.String("event", notification.Event),
				zap.String("payment_id", notification.Object.ID),
			)
		}
		respond()
	}
}

// HandleNotification applies one provider event to the ledger.
func (p *Payments) HandleNotification(ctx context.Context, notification Notification) error {
	tracer := otel.Tracer("payments/HandleNotification")
	ctx, span := tracer.Start(ctx, "HandleNotification")
	defer span.End()

	span.SetAttributes(
		attribute.String("event", notification.Event),
		attribute.String("payment.id", notification.Object.ID),
	)

	logger := p.logger.Logger(ctx)

	switch notification.Event {
	case EventPaymentSucceeded:
		paymentID := notification.Object.ID
		accountID := notification.Object.Metadata.AccountID
		tokens, tokensErr := notification.Object.Metadata.Tokens.Int64()
		if paymentID == "" || accountID == "" || tokensErr != nil || tokens <= 0 {
			logger.Error("[Payments] Notification missing payment metadata",
				zap.String("payment_id", paymentID),
				zap.String("account_id", accountID),
			)
			return ErrMalformedNotification
		}

		won, err := p.store.TransitionPaymentStatus(ctx, paymentID, ledger.PaymentPending, ledger.PaymentSucceeded)
		if err != nil {
			if errors.Is(err, ledger.ErrPaymentNotFound) {
				logger.Warn("[Payments] Notification for unknown payment",
					zap.String("payment_id", paymentID))
				return nil
			}
			span.RecordError(err)
			return err
		}
		if !won {
			// Duplicate delivery. Treated as success, not logged as an error.
			span.AddEvent("Duplicate delivery absorbed")
			logger.Info("[Payments] Duplicate payment notification ignored",
				zap.String("payment_id", paymentID))
			return nil
		}

		return p.credit(ctx, paymentID, accountID, tokens)

	case EventPaymentCanceled:
		paymentID := notification.Object.ID
		if paymentID == "" {
			return ErrMalformedNotification
		}
		won, err := p.store.TransitionPaymentStatus(ctx, paymentID, ledger.PaymentPending, ledger.PaymentCancelled)
		if err != nil && !errors.Is(err, ledger.ErrPaymentNotFound) {
			span.RecordError(err)
			return err
		}
		if won {
			logger.Info("[Payments] Payment cancelled", zap.String("payment_id", paymentID))
		}
		return nil

	default:
		logger.Info("[Payments] Ignoring webhook event", zap.String("event", notification.Event))
		return nil
	}
}

// credit applies the purchase mutation for a payment whose CAS we won (or
// that the sweep found half-applied).
func (p *Payments) credit(ctx context.Context, paymentID, accountID string, tokens int64) error {
	tracer := otel.Tracer("payments/credit")
	ctx, span := tracer.Start(ctx, "credit")
	defer span.End()

	logger := p.logger.Logger(ctx)

	entry, err := p.store.ApplyMutation(ctx, accountID, ledger.KindPurchase, tokens, paymentID)
	if errors.Is(err, ledger.ErrDuplicateEntry) {
		// Someone else (webhook vs sweep) completed the credit first.
		span.AddEvent("Credit already applied")
		return nil
	}
	if err != nil {
		// Payment is now succeeded-but-uncredited; the sweep will finish it.
		span.RecordError(err)
		logger.Error("[Payments] Credit failed after status transition, sweep will recover",
			zap.Error(err),
			zap.String("payment_id", paymentID),
			zap.String("account_id", accountID),
		)
		return err
	}

	logger.Info("[Payments] Payment credited",
		zap.String("payment_id", paymentID),
		zap.String("account_id", accountID),
		zap.Int64("tokens", tokens),
		zap.Int64("balance_after", entry.BalanceAfter),
	)

	if p.notifier != nil {
		p.notifier.NotifyPaymentCredited(ctx, accountID, tokens, entry.BalanceAfter)
	}
	if p.mirror != nil {
		if payment, err := p.store.GetPendingPayment(ctx, paymentID); err == nil {
			go p.mirror.SyncPayment(context.WithoutCancel(ctx), *payment)
		}
	}
	return nil
}

// RunReconciliationSweep periodically repairs the succeeded-but-uncredited
// half-applied state left behind when a credit fails after the status
// transition. Blocks until ctx is done.
func (p *Payments) RunReconciliationSweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.SweepOnce(ctx); err != nil {
				p.logger.Logger(ctx).Error("[Payments] Reconciliation sweep failed", zap.Error(err))
			}
		}
	}
}

// SweepOnce completes the credit for every succeeded payment with no matching
// purchase entry. Returns how many credits it applied.
func (p *Payments) SweepOnce(ctx context.Context) (int, error) {
	tracer := otel.Tracer("payments/SweepOnce")
	ctx, span := tracer.Start(ctx, "SweepOnce")
	defer span.End()

	payments, err := p.store.SucceededPaymentsWithoutCredit(ctx)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}

	credited := 0
	for _, payment := range payments {
		p.logger.Logger(ctx).Warn("[Payments] Recovering uncredited payment",
			zap.String("payment_id", payment.PaymentID),
			zap.String("account_id", payment.AccountID),
		)
		if err := p.credit(ctx, payment.PaymentID, payment.AccountID, payment.Tokens); err != nil {
			continue
		}
		credited++
	}

	span.SetAttributes(attribute.Int("sweep.credited", credited))
	return credited, nil
}
