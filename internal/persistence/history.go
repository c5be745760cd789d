package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"MarginCore/internal/engine"
	"MarginCore/internal/observability"
)

// schema creates the history tables. Idempotent; applied at startup.
const schema = `
CREATE SCHEMA IF NOT EXISTS margin_history;

CREATE TABLE IF NOT EXISTS margin_history.settlements (
	record_id   UUID PRIMARY KEY,
	kind        TEXT NOT NULL,
	trader      UUID NOT NULL,
	liquidator  UUID,
	market      TEXT NOT NULL,
	is_long     BOOLEAN NOT NULL,
	size        BIGINT NOT NULL,
	price       BIGINT NOT NULL,
	payout      BIGINT NOT NULL,
	fee         BIGINT NOT NULL,
	occurred_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS settlements_trader_idx
	ON margin_history.settlements (trader, occurred_at);
CREATE INDEX IF NOT EXISTS settlements_market_idx
	ON margin_history.settlements (market, occurred_at);
`

// HistoryWriter batches engine records into Postgres. Multi-row INSERT keeps
// it portable; switch to pgx CopyFrom if write volume ever demands it.
type HistoryWriter struct {
	db           *sql.DB
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
	log          zerolog.Logger
}

func NewHistoryWriter(db *sql.DB, batchSize int, flushTimeout time.Duration, metrics *observability.Metrics, log zerolog.Logger) *HistoryWriter {
	return &HistoryWriter{
		db:           db,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
		log:          log,
	}
}

// EnsureSchema applies the history DDL.
func (w *HistoryWriter) EnsureSchema(ctx context.Context) error {
	if _, err := w.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply history schema: %w", err)
	}
	return nil
}

// Run drains the record channel, flushing on batch size or timeout. The
// engine blocks on this channel, so a stalled database applies backpressure
// instead of losing records.
func (w *HistoryWriter) Run(ctx context.Context, records <-chan engine.Record) error {
	batch := make([]engine.Record, 0, w.batchSize)
	timer := time.NewTimer(w.flushTimeout)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := w.writeBatch(ctx, batch); err != nil {
			w.log.Error().Err(err).Int("batch", len(batch)).Msg("history write failed")
			if w.metrics != nil {
				w.metrics.HistoryWriteErrors.Inc()
			}
		} else if w.metrics != nil {
			w.metrics.HistoryRowsWritten.Add(float64(len(batch)))
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return ctx.Err()

		case rec, ok := <-records:
			if !ok {
				flush()
				return nil
			}
			batch = append(batch, rec)
			if len(batch) >= w.batchSize {
				flush()
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(w.flushTimeout)
			}

		case <-timer.C:
			flush()
			timer.Reset(w.flushTimeout)
		}
	}
}

func (w *HistoryWriter) writeBatch(ctx context.Context, records []engine.Record) error {
	query := `INSERT INTO margin_history.settlements
		(record_id, kind, trader, liquidator, market, is_long, size, price, payout, fee, occurred_at)
		VALUES `

	values := make([]string, 0, len(records))
	args := make([]interface{}, 0, len(records)*11)

	for i, rec := range records {
		base := i * 11
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10, base+11,
		))

		var liquidator interface{}
		if rec.Kind == engine.RecordLiquidation {
			liquidator = rec.Liquidator.String()
		}

		args = append(args,
			rec.RecordID.String(), rec.Kind.String(), rec.Trader.String(), liquidator,
			rec.Market, rec.IsLong, int64(rec.Size), int64(rec.Price),
			int64(rec.Payout), int64(rec.Fee), rec.Time,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (record_id) DO NOTHING" // Idempotent on restart replay

	_, err := w.db.ExecContext(ctx, query, args...)
	return err
}
