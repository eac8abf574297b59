package yookassaapi

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"veobotdev/httpmiddleware"
	"veobotdev/logger"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

const baseURL = "https://api.yookassa.ru/v3"

const (
	maxRetries = 3
	baseDelay  = 1 * time.Second
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw webhook body.
const SignatureHeader = "X-Webhook-Signature"

type KassaConnectProps struct {
	Logger *logger.LogMiddleware
}

type Kassa struct {
	logger    *logger.LogMiddleware
	semaphore *semaphore.Weighted
}

func Connect(ctx context.Context, args KassaConnectProps) *Kassa {
	tracer := otel.Tracer("yookassaapi/Connect")
	ctx, span := tracer.Start(ctx, "Connect")
	defer span.End()

	maxWorkers := 10
	sem := semaphore.NewWeighted(int64(maxWorkers))

	span.SetAttributes(attribute.Int("maxWorkers", maxWorkers))

	return &Kassa{logger: args.Logger, semaphore: sem}
}

type Amount struct {
	Value    string `json:"value"`
	Currency string `json:"currency"`
}

type Confirmation struct {
	Type            string `json:"type"`
	ReturnURL       string `json:"return_url,omitempty"`
	ConfirmationURL string `json:"confirmation_url,omitempty"`
}

type Metadata struct {
	AccountID string `json:"accountId"`
	Tokens    int64  `json:"tokens,string"`
}

type CreatePaymentProps struct {
	Rubles    int64
	Tokens    int64
	AccountID string
	ReturnURL string
}

type createPaymentRequest struct {
	Amount            Amount       `json:"amount"`
	PaymentMethodData struct {
		Type string `json:"type"`
	} `json:"payment_method_data"`
	Confirmation Confirmation `json:"confirmation"`
	Metadata     Metadata     `json:"metadata"`
	Description  string       `json:"description"`
}

type Payment struct {
	ID           string       `json:"id"`
	Status       string       `json:"status"`
	Amount       Amount       `json:"amount"`
	Confirmation Confirmation `json:"confirmation"`
	Metadata     Metadata     `json:"metadata"`
	CreatedAt    string       `json:"created_at"`
	CapturedAt   string       `json:"captured_at,omitempty"`
}

func basicAuth() string {
	shopID := os.Getenv("YOOKASSA_SHOP_ID")
	secretKey := os.Getenv("YOOKASSA_SECRET_KEY")
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(shopID+":"+secretKey))
}

// CreatePayment creates a redirect payment carrying the account identity and
// token count in metadata. The Idempotence-Key header makes the create safe to
// retry after a timeout: "no response" never means "not charged".
func (k *Kassa) CreatePayment(ctx context.Context, args CreatePaymentProps) (*Payment, error) {
	tracer := otel.Tracer("yookassaapi/CreatePayment")
	ctx, span := tracer.Start(ctx, "CreatePayment")
	defer span.End()

	span.SetAttributes(
		attribute.String("account.id", args.AccountID),
		attribute.Int64("payment.tokens", args.Tokens),
	)

	if err := k.semaphore.Acquire(ctx, 1); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to acquire semaphore")
	}
	defer k.semaphore.Release(1)

	payload := createPaymentRequest{
		Amount:       Amount{Value: fmt.Sprintf("%d.00", args.Rubles), Currency: "RUB"},
		Confirmation: Confirmation{Type: "redirect", ReturnURL: args.ReturnURL},
		Metadata:     Metadata{AccountID: args.AccountID, Tokens: args.Tokens},
		Description:  fmt.Sprintf("Покупка %d токенов", args.Tokens),
	}
	payload.PaymentMethodData.Type = "bank_card"

	jsonData, err := json.Marshal(payload)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("could not generate request body: %w", err)
	}

	idempotenceKey := uuid.NewString()

	respBody, err := httpmiddleware.HttpRequest(httpmiddleware.HttpRequestStruct{
		Ctx:    ctx,
		Method: "POST",
		Url:    baseURL + "/payments",
		Body:   bytes.NewBuffer(jsonData),
		Headers: map[string]string{
			"Authorization":   basicAuth(),
			"Content-Type":    "application/json",
			"Idempotence-Key": idempotenceKey,
		},
	})
	if err != nil {
		span.RecordError(err)
		k.logger.Logger(ctx).Error("[YooKassa] Payment creation failed",
			zap.Error(err),
			zap.String("account_id", args.AccountID),
			zap.Int64("tokens", args.Tokens),
		)
		return nil, fmt.Errorf("failed to create payment: %w", err)
	}

	var payment Payment
	if err := json.Unmarshal(respBody, &payment); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("could not parse payment response: %w", err)
	}

	k.logger.Logger(ctx).Info("[YooKassa] Payment created",
		zap.String("payment_id", payment.ID),
		zap.String("account_id", args.AccountID),
		zap.Int64("tokens", args.Tokens),
	)

	return &payment, nil
}

// GetPayment fetches the provider-side payment status, retrying transient
// failures with exponential delay.
func (k *Kassa) GetPayment(ctx context.Context, paymentID string) (*Payment, error) {
	tracer := otel.Tracer("yookassaapi/GetPayment")
	ctx, span := tracer.Start(ctx, "GetPayment")
	defer span.End()

	span.SetAttributes(attribute.String("payment.id", paymentID))

	retries := maxRetries
	for retries > 0 {
		respBody, err := httpmiddleware.HttpRequest(httpmiddleware.HttpRequestStruct{
			Ctx:    ctx,
			Method: "GET",
			Url:    baseURL + "/payments/" + paymentID,
			Headers: map[string]string{
				"Authorization": basicAuth(),
				"Content-Type":  "application/json",
			},
		})
		if err != nil {
			retries -= 1
			sleepTime := baseDelay * time.Duration(maxRetries-retries)
			span.RecordError(err)
			k.logger.Logger(ctx).Error(
				"[YooKassa] Could not fetch payment. Retrying after sleeping.",
				zap.Error(err),
				zap.Int("retries_left", retries),
				zap.String("payment_id", paymentID),
			)
			time.Sleep(sleepTime)
			continue
		}

		var payment Payment
		if err := json.Unmarshal(respBody, &payment); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("could not parse payment response: %w", err)
		}
		return &payment, nil
	}

	span.AddEvent("All retries exhausted")
	return nil, fmt.Errorf("yookassa requests failed")
}

// VerifySignature checks a hex HMAC-SHA256 of the raw webhook body against the
// shared webhook secret. Comparison is constant time.
func VerifySignature(secret string, body []byte, signatureHex string) bool {
	if secret == "" || signatureHex == "" {
		return false
	}
	expected, err := hex.DecodeString(signatureHex)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), expected)
}

// Sign produces the hex signature a webhook sender would attach. Exported for
// tests and local replay tooling.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
