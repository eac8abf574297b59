// Package ledger holds the token ledger: account balances, the append-only
// transaction log, pending payments and generation requests. All balance
// changes go through Store.ApplyMutation; nothing else writes a balance.
package ledger

import (
	"context"
	"errors"
	"time"
)

type EntryKind string

const (
	KindPurchase        EntryKind = "purchase"
	KindGenerationDebit EntryKind = "generation_debit"
	KindWatermarkDebit  EntryKind = "watermark_debit"
	KindRefund          EntryKind = "refund"
	KindBonus           EntryKind = "bonus"
)

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentSucceeded PaymentStatus = "succeeded"
	PaymentFailed    PaymentStatus = "failed"
	PaymentCancelled PaymentStatus = "cancelled"
)

type GenerationStatus string

const (
	GenerationPending    GenerationStatus = "pending"
	GenerationProcessing GenerationStatus = "processing"
	GenerationCompleted  GenerationStatus = "completed"
	GenerationFailed     GenerationStatus = "failed"
)

type GenerationKind string

const (
	GenerationVideo     GenerationKind = "video"
	GenerationWatermark GenerationKind = "watermark"
)

var (
	ErrAccountNotFound     = errors.New("account not found")
	ErrPaymentNotFound     = errors.New("payment not found")
	ErrGenerationNotFound  = errors.New("generation request not found")
	ErrInsufficientBalance = errors.New("insufficient token balance")
	// ErrDuplicateEntry guards purchase/refund entries keyed by externalRef:
	// a second credit for the same payment or refund for the same request is
	// rejected at the write, whatever path raced it there.
	ErrDuplicateEntry = errors.New("ledger entry already exists for external ref")
)

// Account is the ledger record for one Telegram identity. Balance never goes
// negative; the totals only grow.
type Account struct {
	AccountID        string
	Username         string
	FirstName        string
	LastName         string
	Balance          int64
	TotalCredited    int64
	TotalDebited     int64
	TotalGenerations int64
	CreatedAt        time.Time
	LastActivityAt   time.Time
}

// Profile carries the Telegram user fields captured at first contact.
type Profile struct {
	Username  string
	FirstName string
	LastName  string
}

// Entry is one immutable balance mutation. Amount is signed: positive credits,
// negative debits. BalanceBefore/BalanceAfter snapshot the account at write
// time for audit.
type Entry struct {
	EntryID       string
	AccountID     string
	Kind          EntryKind
	Amount        int64
	BalanceBefore int64
	BalanceAfter  int64
	ExternalRef   string
	CreatedAt     time.Time
}

// PendingPayment tracks one provider payment awaiting webhook confirmation.
// PaymentID is the idempotency key for reconciliation.
type PendingPayment struct {
	PaymentID     string
	AccountID     string
	Tokens        int64
	AmountCharged int64
	Status        PaymentStatus
	CreatedAt     time.Time
	CompletedAt   time.Time
}

// GenerationRequest tracks one paid action. A debit entry with
// ExternalRef == RequestID exists before the request reaches processing; a
// failed request is refunded exactly once (Refunded flag is the gate).
type GenerationRequest struct {
	RequestID     string
	AccountID     string
	Kind          GenerationKind
	Prompt        string
	DurationSec   int
	Quality       string
	TokensCost    int64
	Status        GenerationStatus
	Refunded      bool
	ExternalJobID string
	OutputURL     string
	ErrorMessage  string
	CreatedAt     time.Time
	CompletedAt   time.Time
}

// Store is the durable state behind the bot. Implementations must make
// ApplyMutation atomic per account: the balance check, the entry append and
// the balance update happen as one unit, and two mutations for the same
// account never interleave.
type Store interface {
	GetAccount(ctx context.Context, accountID string) (*Account, error)
	// CreateAccountIfAbsent collapses concurrent creation for the same
	// identity to a single winner; the loser gets the existing record and
	// created=false. A non-zero bonus is written as a bonus entry atomically
	// with the account row.
	CreateAccountIfAbsent(ctx context.Context, accountID string, profile Profile, initialBonus int64) (*Account, bool, error)

	// ApplyMutation is the Balance Mutator: the only legal way to change a
	// balance. Returns ErrInsufficientBalance when the result would go
	// negative and ErrDuplicateEntry when a purchase/refund for the same
	// externalRef was already applied.
	ApplyMutation(ctx context.Context, accountID string, kind EntryKind, amount int64, externalRef string) (*Entry, error)
	EntriesForAccount(ctx context.Context, accountID string) ([]Entry, error)

	GetPendingPayment(ctx context.Context, paymentID string) (*PendingPayment, error)
	// CreatePendingPayment is idempotent on PaymentID: recreating an
	// existing payment is a no-op.
	CreatePendingPayment(ctx context.Context, payment PendingPayment) error
	// TransitionPaymentStatus is a compare-and-swap: it succeeds only when
	// the current status equals from. A false return is not an error; it is
	// how duplicate webhook deliveries are absorbed.
	TransitionPaymentStatus(ctx context.Context, paymentID string, from, to PaymentStatus) (bool, error)
	// SucceededPaymentsWithoutCredit finds payments that reached succeeded
	// but have no matching purchase entry, the half-applied state the
	// reconciliation sweep repairs.
	SucceededPaymentsWithoutCredit(ctx context.Context) ([]PendingPayment, error)

	CreateGenerationRequest(ctx context.Context, request GenerationRequest) error
	GetGenerationRequest(ctx context.Context, requestID string) (*GenerationRequest, error)
	TransitionGenerationStatus(ctx context.Context, requestID string, from, to GenerationStatus) (bool, error)
	SetGenerationOutput(ctx context.Context, requestID, externalJobID, outputURL, errorMessage string) error
	// MarkGenerationRefunded flips the refunded flag once; false means some
	// other caller already won and no refund must be issued.
	MarkGenerationRefunded(ctx context.Context, requestID string) (bool, error)
}
