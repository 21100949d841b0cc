package history

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/fetchoracle/twapfeed/pkg/db/clickhouse"
)

const pricesTable = "twap_prices"

const createPricesTable = `
	CREATE TABLE IF NOT EXISTS twap_prices (
		currency        LowCardinality(String),
		pair            LowCardinality(String),
		address         String,
		price           Float64,
		raw_price       Float64,
		weight          Float64,
		block_number    UInt64,
		block_timestamp UInt32,
		elapsed         UInt32,
		projected       Bool,
		computed_at     DateTime64(3, 'UTC')
	) ENGINE = MergeTree
	ORDER BY (currency, computed_at)
`

// ClickHouseWriter appends rows to the twap_prices table.
type ClickHouseWriter struct {
	client *clickhouse.Client
	logger *zap.Logger
}

// NewClickHouseWriter connects to dsn and creates the table.
func NewClickHouseWriter(ctx context.Context, dsn, database string, logger *zap.Logger) (*ClickHouseWriter, error) {
	client, err := clickhouse.New(ctx, logger, dsn, database)
	if err != nil {
		return nil, err
	}
	if err := client.Exec(ctx, createPricesTable); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("create table %s: %w", pricesTable, err)
	}
	return &ClickHouseWriter{client: client, logger: logger}, nil
}

func (w *ClickHouseWriter) WriteRows(ctx context.Context, rows []Row) error {
	batch, err := w.client.PrepareBatch(ctx, "INSERT INTO "+pricesTable)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}
	for i := range rows {
		if err := batch.AppendStruct(&rows[i]); err != nil {
			_ = batch.Abort()
			return fmt.Errorf("append row: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	w.logger.Debug("Price history written", zap.Int("rows", len(rows)))
	return nil
}

// Recent returns the newest rows for currency.
func (w *ClickHouseWriter) Recent(ctx context.Context, currency string, limit int) ([]Row, error) {
	var rows []Row
	err := w.client.Select(ctx, &rows,
		"SELECT * FROM "+pricesTable+" WHERE currency = ? ORDER BY computed_at DESC LIMIT ?",
		currency, limit)
	return rows, err
}

func (w *ClickHouseWriter) Close() error { return w.client.Close() }
