package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// Schema:
//
//	CREATE TABLE IF NOT EXISTS transactions (
//	    transaction_id BIGINT NOT NULL,
//	    station_id     TEXT   NOT NULL,
//	    connector_id   INT    NOT NULL,
//	    id_tag         TEXT   NOT NULL,
//	    meter_start    BIGINT NOT NULL,
//	    meter_stop     BIGINT NOT NULL,
//	    started_at     TIMESTAMPTZ NOT NULL,
//	    stopped_at     TIMESTAMPTZ NOT NULL,
//	    reason         TEXT,
//	    PRIMARY KEY (station_id, transaction_id)
//	);
//	CREATE INDEX IF NOT EXISTS transactions_stopped_at_idx
//	    ON transactions (stopped_at DESC);
const createTransactionsTable = `
CREATE TABLE IF NOT EXISTS transactions (
    transaction_id BIGINT NOT NULL,
    station_id     TEXT   NOT NULL,
    connector_id   INT    NOT NULL,
    id_tag         TEXT   NOT NULL,
    meter_start    BIGINT NOT NULL,
    meter_stop     BIGINT NOT NULL,
    started_at     TIMESTAMPTZ NOT NULL,
    stopped_at     TIMESTAMPTZ NOT NULL,
    reason         TEXT,
    PRIMARY KEY (station_id, transaction_id)
);
CREATE INDEX IF NOT EXISTS transactions_stopped_at_idx
    ON transactions (stopped_at DESC)`

// Postgres stores transactions in a pgx-backed database pool.
type Postgres struct {
	db *sql.DB
}

// NewPostgres wraps the pool and ensures the schema exists.
func NewPostgres(ctx context.Context, db *sql.DB) (*Postgres, error) {
	if _, err := db.ExecContext(ctx, createTransactionsTable); err != nil {
		return nil, fmt.Errorf("storage: ensure schema: %w", err)
	}
	return &Postgres{db: db}, nil
}

// SaveTransaction upserts the record; a station that reuses a transaction
// id after a restart overwrites the stale row.
func (p *Postgres) SaveTransaction(ctx context.Context, tx Transaction) error {
	const query = `
INSERT INTO transactions
    (transaction_id, station_id, connector_id, id_tag,
     meter_start, meter_stop, started_at, stopped_at, reason)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (station_id, transaction_id) DO UPDATE SET
    meter_stop = EXCLUDED.meter_stop,
    stopped_at = EXCLUDED.stopped_at,
    reason     = EXCLUDED.reason`

	_, err := p.db.ExecContext(ctx, query,
		tx.ID, tx.StationID, tx.ConnectorID, tx.IDTag,
		tx.MeterStart, tx.MeterStop, tx.StartedAt, tx.StoppedAt, tx.Reason)
	if err != nil {
		return fmt.Errorf("storage: save transaction: %w", err)
	}
	return nil
}

// ListTransactions returns matching records, newest first.
func (p *Postgres) ListTransactions(ctx context.Context, filter Filter) ([]Transaction, error) {
	query := `
SELECT transaction_id, station_id, connector_id, id_tag,
       meter_start, meter_stop, started_at, stopped_at, COALESCE(reason, '')
FROM transactions`

	args := make([]interface{}, 0, 2)
	if filter.StationID != "" {
		query += ` WHERE station_id = $1`
		args = append(args, filter.StationID)
	}
	query += ` ORDER BY stopped_at DESC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, len(args)+1)
		args = append(args, filter.Limit)
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list transactions: %w", err)
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		var tx Transaction
		if err := rows.Scan(&tx.ID, &tx.StationID, &tx.ConnectorID, &tx.IDTag,
			&tx.MeterStart, &tx.MeterStop, &tx.StartedAt, &tx.StoppedAt, &tx.Reason); err != nil {
			return nil, fmt.Errorf("storage: scan transaction: %w", err)
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

// Close closes the underlying pool.
func (p *Postgres) Close() error {
	return p.db.Close()
}
