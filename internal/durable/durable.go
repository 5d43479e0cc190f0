// Package durable is the Postgres-backed transactional store behind the
// nonce provider (C6) and the long-term executed-order record, the only
// two pieces of state this pipeline needs to survive a Redis flush.
//
// Grounded on the teacher's
// web3-wallet-backend/internal/transaction/repository.go (sqlx.DB,
// ExecContext/GetContext, hand-written SQL, wrapped errors).
package durable

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/DimaJoyti/go-coffee/pkg/logger"
)

// Store is the durable backing store for nonce records and executed-order
// history.
type Store struct {
	db  *sqlx.DB
	log *logger.Logger
}

// Open connects to dsn and pings the database; the schema is created by
// Migrate.
func Open(dsn string, log *logger.Logger) (*Store, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("durable: connect: %w", err)
	}
	return &Store{db: db, log: log.Named("durable")}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Migrate creates the tables this store needs if they don't already exist.
// A real deployment would run migrations out-of-band; this keeps the
// module self-contained for local/dev use, matching spec.md §6's "dev"
// mode.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS nonce_records (
	chain_id               BIGINT NOT NULL,
	match_executor_address TEXT NOT NULL,
	exchange_address       TEXT NOT NULL,
	nonce                  NUMERIC NOT NULL,
	created_at             TIMESTAMPTZ NOT NULL,
	updated_at             TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (chain_id, match_executor_address, exchange_address)
);

CREATE TABLE IF NOT EXISTS executed_orders (
	order_id            TEXT PRIMARY KEY,
	block_number        BIGINT NOT NULL,
	tx_hash             TEXT NOT NULL,
	gas_used            BIGINT NOT NULL,
	effective_gas_price NUMERIC NOT NULL,
	executed_at         TIMESTAMPTZ NOT NULL
);
`)
	if err != nil {
		return fmt.Errorf("durable: migrate: %w", err)
	}
	return nil
}

type nonceRow struct {
	ChainID              int64     `db:"chain_id"`
	MatchExecutorAddress string    `db:"match_executor_address"`
	ExchangeAddress      string    `db:"exchange_address"`
	Nonce                string    `db:"nonce"`
	CreatedAt            time.Time `db:"created_at"`
	UpdatedAt            time.Time `db:"updated_at"`
}

// NextNonce implements C6's single operation: within one DB transaction,
// read the current record (or treat it as onChainMinNonce on first use),
// compare against the live on-chain minimum, and persist
// max(record.nonce, onChainMinNonce) + 1 as the new record — returning the
// value just persisted. Concurrent callers serialize on the row lock taken
// by SELECT ... FOR UPDATE.
func (s *Store) NextNonce(ctx context.Context, chainID int64, matchExecutor, exchange string, onChainMinNonce *big.Int) (*big.Int, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("durable: begin tx: %w", err)
	}
	defer tx.Rollback()

	var row nonceRow
	err = tx.GetContext(ctx, &row, `
SELECT chain_id, match_executor_address, exchange_address, nonce, created_at, updated_at
FROM nonce_records
WHERE chain_id = $1 AND match_executor_address = $2 AND exchange_address = $3
FOR UPDATE`, chainID, matchExecutor, exchange)

	var current *big.Int
	now := time.Now()
	switch {
	case err == sql.ErrNoRows:
		current = new(big.Int).Set(onChainMinNonce)
	case err != nil:
		return nil, fmt.Errorf("durable: read nonce record: %w", err)
	default:
		current, _ = new(big.Int).SetString(row.Nonce, 10)
		if current == nil {
			return nil, fmt.Errorf("durable: corrupt nonce record %q", row.Nonce)
		}
	}

	next := current
	if onChainMinNonce.Cmp(next) > 0 {
		next = onChainMinNonce
	}
	next = new(big.Int).Add(next, big.NewInt(1))

	_, err = tx.ExecContext(ctx, `
INSERT INTO nonce_records (chain_id, match_executor_address, exchange_address, nonce, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $5)
ON CONFLICT (chain_id, match_executor_address, exchange_address)
DO UPDATE SET nonce = EXCLUDED.nonce, updated_at = EXCLUDED.updated_at
`, chainID, matchExecutor, exchange, next.String(), now)
	if err != nil {
		return nil, fmt.Errorf("durable: write nonce record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("durable: commit: %w", err)
	}
	return next, nil
}

// ExecutedOrderRecord is one row appended by the execution engine's batched
// write after a block with status == 1, per spec.md §4.9 step 12.
type ExecutedOrderRecord struct {
	OrderID           string
	BlockNumber       uint64
	TxHash            string
	GasUsed           uint64
	EffectiveGasPrice *big.Int
	ExecutedAt        time.Time
}

// RecordExecutedOrders batch-inserts records in one statement, matching
// spec.md §4.9's "batched write" of the executed order ids.
func (s *Store) RecordExecutedOrders(ctx context.Context, records []ExecutedOrderRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("durable: begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO executed_orders (order_id, block_number, tx_hash, gas_used, effective_gas_price, executed_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (order_id) DO NOTHING
`)
	if err != nil {
		return fmt.Errorf("durable: prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		if _, err := stmt.ExecContext(ctx, r.OrderID, r.BlockNumber, r.TxHash, r.GasUsed, r.EffectiveGasPrice.String(), r.ExecutedAt); err != nil {
			return fmt.Errorf("durable: insert executed order %s: %w", r.OrderID, err)
		}
	}
	return tx.Commit()
}
