package checkpoint

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/fetchoracle/twapfeed/pkg/db/postgres"
	"github.com/fetchoracle/twapfeed/pkg/pool"
)

const checkpointsTable = "twap_checkpoints"

const createCheckpointsTable = `
	CREATE TABLE IF NOT EXISTS twap_checkpoints (
		pair_key               TEXT PRIMARY KEY,
		price0_cumulative_last TEXT NOT NULL,
		price1_cumulative_last TEXT NOT NULL,
		block_timestamp_last   TEXT NOT NULL,
		updated_at             TIMESTAMPTZ NOT NULL DEFAULT now()
	)
`

const upsertCheckpoint = `
	INSERT INTO twap_checkpoints (pair_key, price0_cumulative_last, price1_cumulative_last, block_timestamp_last, updated_at)
	VALUES ($1, $2, $3, $4, now())
	ON CONFLICT (pair_key) DO UPDATE SET
		price0_cumulative_last = EXCLUDED.price0_cumulative_last,
		price1_cumulative_last = EXCLUDED.price1_cumulative_last,
		block_timestamp_last   = EXCLUDED.block_timestamp_last,
		updated_at             = EXCLUDED.updated_at
`

// PostgresStore keeps one row per pair. Values are stored as decimal text, the
// same representation as the JSON layout.
type PostgresStore struct {
	db     postgres.Executor
	logger *zap.Logger
	closer func()
}

// NewPostgresStore uses db for all queries. closer, if non-nil, runs on Close.
func NewPostgresStore(db postgres.Executor, logger *zap.Logger, closer func()) *PostgresStore {
	return &PostgresStore{db: db, logger: logger, closer: closer}
}

// EnsureSchema creates the checkpoints table if needed.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, createCheckpointsTable); err != nil {
		return fmt.Errorf("create table %s: %w", checkpointsTable, err)
	}
	return nil
}

func (s *PostgresStore) Read(ctx context.Context, key string) (pool.Snapshot, bool, error) {
	var rec Record
	err := s.db.QueryRow(ctx,
		`SELECT price0_cumulative_last, price1_cumulative_last, block_timestamp_last FROM twap_checkpoints WHERE pair_key = $1`,
		key,
	).Scan(&rec.Price0CumulativeLast, &rec.Price1CumulativeLast, &rec.BlockTimestampLast)
	if postgres.IsNoRows(err) {
		return pool.Snapshot{}, false, nil
	}
	if err != nil {
		return pool.Snapshot{}, false, fmt.Errorf("select checkpoint %s: %w", key, err)
	}
	snap, err := rec.Snapshot(key)
	if err != nil {
		return pool.Snapshot{}, false, &CorruptCheckpointError{Location: checkpointsTable, Key: key, Err: err}
	}
	return snap, true, nil
}

func (s *PostgresStore) Write(ctx context.Context, key string, snap pool.Snapshot) error {
	rec := ToRecord(snap)
	if _, err := s.db.Exec(ctx, upsertCheckpoint, key, rec.Price0CumulativeLast, rec.Price1CumulativeLast, rec.BlockTimestampLast); err != nil {
		return fmt.Errorf("upsert checkpoint %s: %w", key, err)
	}
	s.logger.Info("Checkpoint updated", zap.String("pair", key), zap.String("table", checkpointsTable))
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM twap_checkpoints WHERE pair_key = $1`, key); err != nil {
		return fmt.Errorf("delete checkpoint %s: %w", key, err)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context) (map[string]pool.Snapshot, error) {
	rows, err := s.db.Query(ctx,
		`SELECT pair_key, price0_cumulative_last, price1_cumulative_last, block_timestamp_last FROM twap_checkpoints ORDER BY pair_key`)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	out := map[string]pool.Snapshot{}
	for rows.Next() {
		var key string
		var rec Record
		if err := rows.Scan(&key, &rec.Price0CumulativeLast, &rec.Price1CumulativeLast, &rec.BlockTimestampLast); err != nil {
			return nil, err
		}
		snap, err := rec.Snapshot(key)
		if err != nil {
			return nil, &CorruptCheckpointError{Location: checkpointsTable, Key: key, Err: err}
		}
		out[key] = snap
	}
	return out, rows.Err()
}

func (s *PostgresStore) Close() error {
	if s.closer != nil {
		s.closer()
	}
	return nil
}
