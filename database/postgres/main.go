package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"veobotdev/logger"

	_ "github.com/lib/pq"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

type DatabaseConnectProps struct {
	Logger *logger.LogMiddleware
}

// Database is the durable ledger.Store. Every balance mutation runs in a
// single SQL transaction with the account row locked FOR UPDATE, so mutations
// for one account never interleave.
type Database struct {
	db     *sql.DB
	logger *logger.LogMiddleware
}

func Connect(ctx context.Context, args DatabaseConnectProps) *Database {
	tracer := otel.Tracer("postgres/Connect")
	ctx, span := tracer.Start(ctx, "Connect")
	defer span.End()

	connectRetries := 5
	var conn *sql.DB
	var err error
	var connStr string

	logger := args.Logger.Logger(ctx)

	for connectRetries > 0 {
		conn, err, connStr = getConnection(ctx)
		if err == nil {
			logger.Info("[Postgres] Database client started")
			break
		}
		connectRetries -= 1
		sleepTime := 5
		logger.Error(
			"[Postgres] Could not connect to Postgres. Retrying after sleeping.",
			zap.Error(err),
			zap.Int("Retries Left", connectRetries),
			zap.Int("Sleep Time", sleepTime),
			zap.String("Connection String", connStr))
		time.Sleep(time.Second * time.Duration(sleepTime))
	}

	if connectRetries <= 0 {
		logger.Error("[Postgres] Failed to Connect to Postgres")
		span.RecordError(fmt.Errorf("failed to connect to Postgres"))
		os.Exit(1)
	}

	database := &Database{db: conn, logger: args.Logger}

	if err := database.EnsureSchema(ctx); err != nil {
		logger.Error("[Postgres] Failed to ensure schema", zap.Error(err))
		span.RecordError(err)
		os.Exit(1)
	}

	return database
}

func getConnection(ctx context.Context) (*sql.DB, error, string) {
	tracer := otel.Tracer("postgres/getConnection")
	_, span := tracer.Start(ctx, "getConnection")
	defer span.End()

	host := os.Getenv("POSTGRES_DB_HOST")
	port := os.Getenv("POSTGRES_DB_PORT")
	user := os.Getenv("POSTGRES_DB_USER")
	password := os.Getenv("POSTGRES_DB_PASS")
	dbname := os.Getenv("POSTGRES_DB_NAME")

	sslMode := "disable"

	postgresqlDbInfo := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		host, port, user, password, dbname, sslMode,
	)

	db, err := sql.Open("postgres", postgresqlDbInfo)
	if err != nil {
		span.RecordError(err)
		return nil, err, postgresqlDbInfo
	}
	err = db.Ping()
	if err != nil {
		span.RecordError(err)
		return nil, err, postgresqlDbInfo
	}

	return db, nil, ""
}

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	account_id        TEXT PRIMARY KEY,
	username          TEXT NOT NULL DEFAULT '',
	first_name        TEXT NOT NULL DEFAULT '',
	last_name         TEXT NOT NULL DEFAULT '',
	balance           BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
	total_credited    BIGINT NOT NULL DEFAULT 0,
	total_debited     BIGINT NOT NULL DEFAULT 0,
	total_generations BIGINT NOT NULL DEFAULT 0,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_activity_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS ledger_entries (
	entry_id       TEXT PRIMARY KEY,
	account_id     TEXT NOT NULL REFERENCES accounts(account_id),
	kind           TEXT NOT NULL,
	amount         BIGINT NOT NULL,
	balance_before BIGINT NOT NULL,
	balance_after  BIGINT NOT NULL,
	external_ref   TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS ledger_entries_credit_ref
	ON ledger_entries (kind, external_ref)
	WHERE kind IN ('purchase', 'refund') AND external_ref <> '';

CREATE TABLE IF NOT EXISTS pending_payments (
	payment_id     TEXT PRIMARY KEY,
	account_id     TEXT NOT NULL,
	tokens         BIGINT NOT NULL,
	amount_charged BIGINT NOT NULL,
	status         TEXT NOT NULL DEFAULT 'pending',
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at   TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS generation_requests (
	request_id      TEXT PRIMARY KEY,
	account_id      TEXT NOT NULL,
	kind            TEXT NOT NULL DEFAULT 'video',
	prompt          TEXT NOT NULL DEFAULT '',
	duration_sec    INT NOT NULL DEFAULT 0,
	quality         TEXT NOT NULL DEFAULT 'standard',
	tokens_cost     BIGINT NOT NULL,
	status          TEXT NOT NULL DEFAULT 'pending',
	refunded        BOOLEAN NOT NULL DEFAULT FALSE,
	external_job_id TEXT NOT NULL DEFAULT '',
	output_url      TEXT NOT NULL DEFAULT '',
	error_message   TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at    TIMESTAMPTZ
);
`

func (d *Database) EnsureSchema(ctx context.Context) error {
	tracer := otel.Tracer("postgres/EnsureSchema")
	ctx, span := tracer.Start(ctx, "EnsureSchema")
	defer span.End()

	if _, err := d.db.ExecContext(ctx, schema); err != nil {
		span.RecordError(err)
		return fmt.Errorf("could not ensure schema: %w", err)
	}
	return nil
}
