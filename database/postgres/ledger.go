package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"veobotdev/ledger"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

func (d *Database) GetAccount(ctx context.Context, accountID string) (*ledger.Account, error) {
	tracer := otel.Tracer("postgres/GetAccount")
	ctx, span := tracer.Start(ctx, "GetAccount")
	defer span.End()

	span.SetAttributes(attribute.String("account.id", accountID))

	var account ledger.Account
	err := d.db.QueryRowContext(ctx, `
		SELECT account_id, username, first_name, last_name, balance,
		       total_credited, total_debited, total_generations,
		       created_at, last_activity_at
		FROM accounts WHERE account_id = $1`, accountID).Scan(
		&account.AccountID, &account.Username, &account.FirstName, &account.LastName,
		&account.Balance, &account.TotalCredited, &account.TotalDebited,
		&account.TotalGenerations, &account.CreatedAt, &account.LastActivityAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrAccountNotFound
	}
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("could not load account: %w", err)
	}
	return &account, nil
}

func (d *Database) CreateAccountIfAbsent(ctx context.Context, accountID string, profile ledger.Profile, initialBonus int64) (*ledger.Account, bool, error) {
	tracer := otel.Tracer("postgres/CreateAccountIfAbsent")
	ctx, span := tracer.Start(ctx, "CreateAccountIfAbsent")
	defer span.End()

	span.SetAttributes(attribute.String("account.id", accountID))

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		span.RecordError(err)
		return nil, false, fmt.Errorf("could not begin transaction: %w", err)
	}
	defer tx.Rollback()

	// The primary key closes the check-then-insert race: exactly one caller
	// inserts, everyone else falls through to the existing row.
	result, err := tx.ExecContext(ctx, `
		INSERT INTO accounts (account_id, username, first_name, last_name, balance, total_credited)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (account_id) DO NOTHING`,
		accountID, profile.Username, profile.FirstName, profile.LastName, initialBonus)
	if err != nil {
		span.RecordError(err)
		return nil, false, fmt.Errorf("could not insert account: %w", err)
	}

	inserted, err := result.RowsAffected()
	if err != nil {
		span.RecordError(err)
		return nil, false, err
	}
	created := inserted == 1

	if created && initialBonus > 0 {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO ledger_entries (entry_id, account_id, kind, amount, balance_before, balance_after)
			VALUES ($1, $2, $3, $4, 0, $4)`,
			uuid.NewString(), accountID, ledger.KindBonus, initialBonus)
		if err != nil {
			span.RecordError(err)
			return nil, false, fmt.Errorf("could not write bonus entry: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		span.RecordError(err)
		return nil, false, fmt.Errorf("could not commit account creation: %w", err)
	}

	account, err := d.GetAccount(ctx, accountID)
	if err != nil {
		return nil, false, err
	}
	return account, created, nil
}

func (d *Database) ApplyMutation(ctx context.Context, accountID string, kind ledger.EntryKind, amount int64, externalRef string) (*ledger.Entry, error) {
	tracer := otel.Tracer("postgres/ApplyMutation")
	ctx, span := tracer.Start(ctx, "ApplyMutation")
	defer span.End()

	span.SetAttributes(
		attribute.String("account.id", accountID),
		attribute.String("entry.kind", string(kind)),
		attribute.Int64("entry.amount", amount),
	)

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("could not begin transaction: %w", err)
	}
	defer tx.Rollback()

	// FOR UPDATE serializes all mutations for this account. The balance check
	// happens against the locked row, never against an earlier stale read.
	var balanceBefore int64
	err = tx.QueryRowContext(ctx,
		`SELECT balance FROM accounts WHERE account_id = $1 FOR UPDATE`,
		accountID).Scan(&balanceBefore)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrAccountNotFound
	}
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("could not lock account: %w", err)
	}

	balanceAfter := balanceBefore + amount
	if balanceAfter < 0 {
		return nil, ledger.ErrInsufficientBalance
	}

	now := time.Now().UTC()
	entry := ledger.Entry{
		EntryID:       uuid.NewString(),
		AccountID:     accountID,
		Kind:          kind,
		Amount:        amount,
		BalanceBefore: balanceBefore,
		BalanceAfter:  balanceAfter,
		ExternalRef:   externalRef,
		CreatedAt:     now,
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (entry_id, account_id, kind, amount, balance_before, balance_after, external_ref, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		entry.EntryID, entry.AccountID, entry.Kind, entry.Amount,
		entry.BalanceBefore, entry.BalanceAfter, entry.ExternalRef, entry.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ledger.ErrDuplicateEntry
		}
		span.RecordError(err)
		return nil, fmt.Errorf("could not append ledger entry: %w", err)
	}

	credited, debited := int64(0), int64(0)
	if amount >= 0 {
		credited = amount
	} else {
		debited = -amount
	}
	generations := 0
	if kind == ledger.KindGenerationDebit {
		generations = 1
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE accounts
		SET balance = $2,
		    total_credited = total_credited + $3,
		    total_debited = total_debited + $4,
		    total_generations = total_generations + $5,
		    last_activity_at = $6
		WHERE account_id = $1`,
		accountID, balanceAfter, credited, debited, generations, now)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("could not update balance: %w", err)
	}

	if err := tx.Commit(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("could not commit mutation: %w", err)
	}

	d.logger.Logger(ctx).Info("[Postgres] Ledger mutation applied",
		zap.String("account_id", accountID),
		zap.String("kind", string(kind)),
		zap.Int64("amount", amount),
		zap.Int64("balance_after", balanceAfter),
	)

	return &entry, nil
}

func (d *Database) EntriesForAccount(ctx context.Context, accountID string) ([]ledger.Entry, error) {
	tracer := otel.Tracer("postgres/EntriesForAccount")
	ctx, span := tracer.Start(ctx, "EntriesForAccount")
	defer span.End()

	rows, err := d.db.QueryContext(ctx, `
		SELECT entry_id, account_id, kind, amount, balance_before, balance_after, external_ref, created_at
		FROM ledger_entries WHERE account_id = $1 ORDER BY created_at`, accountID)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("could not list ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []ledger.Entry
	for rows.Next() {
		var entry ledger.Entry
		if err := rows.Scan(&entry.EntryID, &entry.AccountID, &entry.Kind, &entry.Amount,
			&entry.BalanceBefore, &entry.BalanceAfter, &entry.ExternalRef, &entry.CreatedAt); err != nil {
			span.RecordError(err)
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (d *Database) GetPendingPayment(ctx context.Context, paymentID string) (*ledger.PendingPayment, error) {
	tracer := otel.Tracer("postgres/GetPendingPayment")
	ctx, span := tracer.Start(ctx, "GetPendingPayment")
	defer span.End()

	var payment ledger.PendingPayment
	var completedAt sql.NullTime
	err := d.db.QueryRowContext(ctx, `
		SELECT payment_id, account_id, tokens, amount_charged, status, created_at, completed_at
		FROM pending_payments WHERE payment_id = $1`, paymentID).Scan(
		&payment.PaymentID, &payment.AccountID, &payment.Tokens, &payment.AmountCharged,
		&payment.Status, &payment.CreatedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrPaymentNotFound
	}
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("could not load payment: %w", err)
	}
	if completedAt.Valid {
		payment.CompletedAt = completedAt.Time
	}
	return &payment, nil
}

func (d *Database) CreatePendingPayment(ctx context.Context, payment ledger.PendingPayment) error {
	tracer := otel.Tracer("postgres/CreatePendingPayment")
	ctx, span := tracer.Start(ctx, "CreatePendingPayment")
	defer span.End()

	status := payment.Status
	if status == "" {
		status = ledger.PaymentPending
	}

	_, err := d.db.ExecContext(ctx, `
		INSERT INTO pending_payments (payment_id, account_id, tokens, amount_charged, status)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (payment_id) DO NOTHING`,
		payment.PaymentID, payment.AccountID, payment.Tokens, payment.AmountCharged, status)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("could not create pending payment: %w", err)
	}
	return nil
}

func (d *Database) TransitionPaymentStatus(ctx context.Context, paymentID string, from, to ledger.PaymentStatus) (bool, error) {
	tracer := otel.Tracer("postgres/TransitionPaymentStatus")
	ctx, span := tracer.Start(ctx, "TransitionPaymentStatus")
	defer span.End()

	span.SetAttributes(
		attribute.String("payment.id", paymentID),
		attribute.String("payment.from", string(from)),
		attribute.String("payment.to", string(to)),
	)

	result, err := d.db.ExecContext(ctx, `
		UPDATE pending_payments
		SET status = $3, completed_at = CASE WHEN $3 = 'pending' THEN completed_at ELSE now() END
		WHERE payment_id = $1 AND status = $2`,
		paymentID, from, to)
	if err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("could not transition payment status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		span.RecordError(err)
		return false, err
	}
	if affected == 1 {
		return true, nil
	}

	// Distinguish "already terminal" (a duplicate delivery, fine) from a
	// payment we have never heard of.
	if _, err := d.GetPendingPayment(ctx, paymentID); err != nil {
		return false, err
	}
	return false, nil
}

func (d *Database) SucceededPaymentsWithoutCredit(ctx context.Context) ([]ledger.PendingPayment, error) {
	tracer := otel.Tracer("postgres/SucceededPaymentsWithoutCredit")
	ctx, span := tracer.Start(ctx, "SucceededPaymentsWithoutCredit")
	defer span.End()

	rows, err := d.db.QueryContext(ctx, `
		SELECT p.payment_id, p.account_id, p.tokens, p.amount_charged, p.status, p.created_at
		FROM pending_payments p
		WHERE p.status = 'succeeded'
		  AND NOT EXISTS (
			SELECT 1 FROM ledger_entries e
			WHERE e.kind = 'purchase' AND e.external_ref = p.payment_id
		  )`)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("could not find uncredited payments: %w", err)
	}
	defer rows.Close()

	var payments []ledger.PendingPayment
	for rows.Next() {
		var payment ledger.PendingPayment
		if err := rows.Scan(&payment.PaymentID, &payment.AccountID, &payment.Tokens,
			&payment.AmountCharged, &payment.Status, &payment.CreatedAt); err != nil {
			span.RecordError(err)
			return nil, err
		}
		payments = append(payments, payment)
	}
	return payments, rows.Err()
}

func (d *Database) CreateGenerationRequest(ctx context.Context, request ledger.GenerationRequest) error {
	tracer := otel.Tracer("postgres/CreateGenerationRequest")
	ctx, span := tracer.Start(ctx, "CreateGenerationRequest")
	defer span.End()

	status := request.Status
	if status == "" {
		status = ledger.GenerationPending
	}

	_, err := d.db.ExecContext(ctx, `
		INSERT INTO generation_requests (request_id, account_id, kind, prompt, duration_sec, quality, tokens_cost, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (request_id) DO NOTHING`,
		request.RequestID, request.AccountID, request.Kind, request.Prompt,
		request.DurationSec, request.Quality, request.TokensCost, status)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("could not create generation request: %w", err)
	}
	return nil
}

func (d *Database) GetGenerationRequest(ctx context.Context, requestID string) (*ledger.GenerationRequest, error) {
	tracer := otel.Tracer("postgres/GetGenerationRequest")
	ctx, span := tracer.Start(ctx, "GetGenerationRequest")
	defer span.End()

	var request ledger.GenerationRequest
	var completedAt sql.NullTime
	err := d.db.QueryRowContext(ctx, `
		SELECT request_id, account_id, kind, prompt, duration_sec, quality, tokens_cost,
		       status, refunded, external_job_id, output_url, error_message, created_at, completed_at
		FROM generation_requests WHERE request_id = $1`, requestID).Scan(
		&request.RequestID, &request.AccountID, &request.Kind, &request.Prompt,
		&request.DurationSec, &request.Quality, &request.TokensCost,
		&request.Status, &request.Refunded, &request.ExternalJobID,
		&request.OutputURL, &request.ErrorMessage, &request.CreatedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrGenerationNotFound
	}
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("could not load generation request: %w", err)
	}
	if completedAt.Valid {
		request.CompletedAt = completedAt.Time
	}
	return &request, nil
}

func (d *Database) TransitionGenerationStatus(ctx context.Context, requestID string, from, to ledger.GenerationStatus) (bool, error) {
	tracer := otel.Tracer("postgres/TransitionGenerationStatus")
	ctx, span := tracer.Start(ctx, "TransitionGenerationStatus")
	defer span.End()

	result, err := d.db.ExecContext(ctx, `
		UPDATE generation_requests
		SET status = $3,
		    completed_at = CASE WHEN $3 IN ('completed', 'failed') THEN now() ELSE completed_at END
		WHERE request_id = $1 AND status = $2`,
		requestID, from, to)
	if err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("could not transition generation status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		span.RecordError(err)
		return false, err
	}
	if affected == 1 {
		return true, nil
	}
	if _, err := d.GetGenerationRequest(ctx, requestID); err != nil {
		return false, err
	}
	return false, nil
}

func (d *Database) SetGenerationOutput(ctx context.Context, requestID, externalJobID, outputURL, errorMessage string) error {
	tracer := otel.Tracer("postgres/SetGenerationOutput")
	ctx, span := tracer.Start(ctx, "SetGenerationOutput")
	defer span.End()

	_, err := d.db.ExecContext(ctx, `
		UPDATE generation_requests
		SET external_job_id = CASE WHEN $2 = '' THEN external_job_id ELSE $2 END,
		    output_url = CASE WHEN $3 = '' THEN output_url ELSE $3 END,
		    error_message = CASE WHEN $4 = '' THEN error_message ELSE $4 END
		WHERE request_id = $1`,
		requestID, externalJobID, outputURL, errorMessage)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("could not update generation output: %w", err)
	}
	return nil
}

func (d *Database) MarkGenerationRefunded(ctx context.Context, requestID string) (bool, error) {
	tracer := otel.Tracer("postgres/MarkGenerationRefunded")
	ctx, span := tracer.Start(ctx, "MarkGenerationRefunded")
	defer span.End()

	result, err := d.db.ExecContext(ctx, `
		UPDATE generation_requests SET refunded = TRUE
		WHERE request_id = $1 AND refunded = FALSE`, requestID)
	if err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("could not mark generation refunded: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		span.RecordError(err)
		return false, err
	}
	if affected == 1 {
		return true, nil
	}
	if _, err := d.GetGenerationRequest(ctx, requestID); err != nil {
		return false, err
	}
	return false, nil
}
