// Package tsstore wraps the time-series/relational store (Postgres via
// pgxpool) used for durable aggregate, tariff and alert state: batch
// upsert of 1m/15m per-meter aggregates, point lookup of a meter's last
// known average (the anomaly-detector's cold-start baseline), tariff
// history, and alert persistence. Pool sizing and connect/idle timeouts
// are grounded on bcf6fd25_..._postgres-stress-prod-reader.go's pgxpool
// configuration; the batch-upsert-in-a-transaction shape follows the
// ComputeHive telemetry example's flushBuffer prepared-statement pattern,
// generalized from sql.DB to pgxpool.
package tsstore

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/solnx/gridflow/internal/model"
)

const (
	poolMaxConns    = 20
	poolIdleTimeout = 30 * time.Second
	connectTimeout  = 2 * time.Second
)

// Store is the C2 time-series store client.
type Store struct {
	pool *pgxpool.Pool
	log  *logrus.Entry
}

// PoolStats mirrors the spec's poolStats() observability operation.
type PoolStats struct {
	Total   int32
	Idle    int32
	Waiting int32
}

// New connects a pgxpool to url, sizing and timing it per spec §4.2.
func New(ctx context.Context, url string, log *logrus.Entry) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("tsstore: parse config: %w", err)
	}
	cfg.MaxConns = poolMaxConns
	cfg.MaxConnIdleTime = poolIdleTimeout
	cfg.ConnConfig.ConnectTimeout = connectTimeout

	connCtx, cancel := context.WithTimeout(ctx, connectTimeout*5)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connCtx, cfg)
	if err != nil {
		return nil, fmt.Errorf("tsstore: connect: %w", err)
	}
	if err := pool.Ping(connCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("tsstore: ping: %w", err)
	}
	return &Store{pool: pool, log: log}, nil
}

// Close releases the pool.
func (s *Store) Close() { s.pool.Close() }

// PoolStats reports the current pool occupancy: total connections, idle
// connections, and connections currently checked out (the closest pgxpool
// analogue to "waiting", since the library does not expose a separate
// waiting-acquires gauge).
func (s *Store) PoolStats() PoolStats {
	st := s.pool.Stat()
	return PoolStats{
		Total:   st.TotalConns(),
		Idle:    st.IdleConns(),
		Waiting: st.AcquiredConns(),
	}
}

// InitSchema creates the tables this store owns if they do not exist.
// Real deployments manage schema via migrations (out of scope per
// spec §1); this keeps the module runnable standalone, same role
// ComputeHive's initSchema plays for its example.
func (s *Store) InitSchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS aggregates_1m (
	meter_id       TEXT NOT NULL,
	region         TEXT NOT NULL,
	window_start   TIMESTAMPTZ NOT NULL,
	avg_power_kw   DOUBLE PRECISION NOT NULL,
	max_power_kw   DOUBLE PRECISION NOT NULL,
	energy_kwh_sum DOUBLE PRECISION NOT NULL,
	count          BIGINT NOT NULL,
	PRIMARY KEY (meter_id, window_start)
);
CREATE INDEX IF NOT EXISTS idx_aggregates_1m_window ON aggregates_1m (window_start);

CREATE TABLE IF NOT EXISTS aggregates_15m (
	meter_id       TEXT NOT NULL,
	region         TEXT NOT NULL,
	window_start   TIMESTAMPTZ NOT NULL,
	avg_power_kw   DOUBLE PRECISION NOT NULL,
	max_power_kw   DOUBLE PRECISION NOT NULL,
	energy_kwh_sum DOUBLE PRECISION NOT NULL,
	count          BIGINT NOT NULL,
	PRIMARY KEY (meter_id, window_start)
);
CREATE INDEX IF NOT EXISTS idx_aggregates_15m_window ON aggregates_15m (window_start);

CREATE TABLE IF NOT EXISTS tariffs (
	tariff_id      TEXT PRIMARY KEY,
	region         TEXT NOT NULL,
	price_per_kwh  DOUBLE PRECISION NOT NULL,
	effective_from TIMESTAMPTZ NOT NULL,
	reason         TEXT NOT NULL,
	triggered_by   TEXT NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_tariffs_region_effective ON tariffs (region, effective_from DESC);

CREATE TABLE IF NOT EXISTS alerts (
	id              TEXT PRIMARY KEY,
	type            TEXT NOT NULL,
	severity        TEXT NOT NULL,
	region          TEXT,
	meter_id        TEXT,
	message         TEXT NOT NULL,
	status          TEXT NOT NULL,
	timestamp       TIMESTAMPTZ NOT NULL,
	acknowledged    BOOLEAN NOT NULL DEFAULT FALSE,
	acknowledged_by TEXT,
	acknowledged_at TIMESTAMPTZ,
	resolved_at     TIMESTAMPTZ,
	metadata        JSONB,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_alerts_status ON alerts (status, timestamp DESC);
`
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("tsstore: init schema: %w", err)
	}
	return nil
}

// UpsertAggregates1m batch-upserts 1-minute per-meter aggregates keyed by
// (meter_id, window_start); on conflict the row is replaced.
func (s *Store) UpsertAggregates1m(ctx context.Context, aggs []model.Aggregate) error {
	return s.upsertAggregates(ctx, "aggregates_1m", aggs)
}

// UpsertAggregates15m is the 15-minute analogue of UpsertAggregates1m.
func (s *Store) UpsertAggregates15m(ctx context.Context, aggs []model.Aggregate) error {
	return s.upsertAggregates(ctx, "aggregates_15m", aggs)
}

func (s *Store) upsertAggregates(ctx context.Context, table string, aggs []model.Aggregate) error {
	if len(aggs) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	query := fmt.Sprintf(`
INSERT INTO %s (meter_id, region, window_start, avg_power_kw, max_power_kw, energy_kwh_sum, count)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (meter_id, window_start) DO UPDATE SET
	region = EXCLUDED.region,
	avg_power_kw = EXCLUDED.avg_power_kw,
	max_power_kw = EXCLUDED.max_power_kw,
	energy_kwh_sum = EXCLUDED.energy_kwh_sum,
	count = EXCLUDED.count`, table)

	for _, a := range aggs {
		batch.Queue(query, a.MeterID, a.Region, a.WindowStart, a.AvgPowerKw, a.MaxPowerKw, a.EnergyKwhSum, a.Count)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range aggs {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("tsstore: upsert %s: %w", table, err)
		}
	}
	return nil
}

// LastAvgPowerForMeter returns the most recent avg_power_kw recorded for
// meterID across both aggregate tables, or ok=false if none exists yet
// (cold-start: the anomaly detector seeds its baseline from the current
// reading instead).
func (s *Store) LastAvgPowerForMeter(ctx context.Context, meterID string) (avg float64, ok bool, err error) {
	const q = `
SELECT avg_power_kw FROM (
	SELECT avg_power_kw, window_start FROM aggregates_1m WHERE meter_id = $1
	UNION ALL
	SELECT avg_power_kw, window_start FROM aggregates_15m WHERE meter_id = $1
) combined
ORDER BY window_start DESC
LIMIT 1`
	row := s.pool.QueryRow(ctx, q, meterID)
	if err := row.Scan(&avg); err != nil {
		if err == pgx.ErrNoRows {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("tsstore: last avg power: %w", err)
	}
	return avg, true, nil
}

// InsertTariff persists a new tariff row.
func (s *Store) InsertTariff(ctx context.Context, t model.Tariff) error {
	const q = `
INSERT INTO tariffs (tariff_id, region, price_per_kwh, effective_from, reason, triggered_by)
VALUES ($1, $2, $3, $4, $5, $6)`
	if _, err := s.pool.Exec(ctx, q, t.TariffID, t.Region, t.PricePerKwh, t.EffectiveFrom, t.Reason, t.TriggeredBy); err != nil {
		return fmt.Errorf("tsstore: insert tariff: %w", err)
	}
	return nil
}

// CurrentTariff returns the row with the maximum effective_from for
// region.
func (s *Store) CurrentTariff(ctx context.Context, region string) (model.Tariff, bool, error) {
	const q = `
SELECT tariff_id, region, price_per_kwh, effective_from, reason, triggered_by
FROM tariffs WHERE region = $1 ORDER BY effective_from DESC LIMIT 1`
	var t model.Tariff
	row := s.pool.QueryRow(ctx, q, region)
	if err := row.Scan(&t.TariffID, &t.Region, &t.PricePerKwh, &t.EffectiveFrom, &t.Reason, &t.TriggeredBy); err != nil {
		if err == pgx.ErrNoRows {
			return model.Tariff{}, false, nil
		}
		return model.Tariff{}, false, fmt.Errorf("tsstore: current tariff: %w", err)
	}
	return t, true, nil
}

// AllCurrentTariffs returns the current tariff row per region, across
// every region that has ever had one.
func (s *Store) AllCurrentTariffs(ctx context.Context) ([]model.Tariff, error) {
	const q = `
SELECT DISTINCT ON (region) tariff_id, region, price_per_kwh, effective_from, reason, triggered_by
FROM tariffs ORDER BY region, effective_from DESC`
	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("tsstore: all current tariffs: %w", err)
	}
	defer rows.Close()

	var out []model.Tariff
	for rows.Next() {
		var t model.Tariff
		if err := rows.Scan(&t.TariffID, &t.Region, &t.PricePerKwh, &t.EffectiveFrom, &t.Reason, &t.TriggeredBy); err != nil {
			return nil, fmt.Errorf("tsstore: scan tariff: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// TariffHistory returns up to limit rows for region, newest first.
func (s *Store) TariffHistory(ctx context.Context, region string, limit int) ([]model.Tariff, error) {
	const q = `
SELECT tariff_id, region, price_per_kwh, effective_from, reason, triggered_by
FROM tariffs WHERE region = $1 ORDER BY effective_from DESC LIMIT $2`
	rows, err := s.pool.Query(ctx, q, region, limit)
	if err != nil {
		return nil, fmt.Errorf("tsstore: tariff history: %w", err)
	}
	defer rows.Close()

	var out []model.Tariff
	for rows.Next() {
		var t model.Tariff
		if err := rows.Scan(&t.TariffID, &t.Region, &t.PricePerKwh, &t.EffectiveFrom, &t.Reason, &t.TriggeredBy); err != nil {
			return nil, fmt.Errorf("tsstore: scan tariff history: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// InsertAlert persists a newly raised alert.
func (s *Store) InsertAlert(ctx context.Context, a model.Alert) error {
	const q = `
INSERT INTO alerts (id, type, severity, region, meter_id, message, status, timestamp, metadata)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (id) DO NOTHING`
	if _, err := s.pool.Exec(ctx, q, a.ID, a.Type, a.Severity, nullable(a.Region), nullable(a.MeterID), a.Message, a.Status, a.Timestamp, a.Metadata); err != nil {
		return fmt.Errorf("tsstore: insert alert: %w", err)
	}
	return nil
}

// UpdateAlertStatus transitions an alert's status, recording the actor
// and timestamp for acknowledge/resolve.
func (s *Store) UpdateAlertStatus(ctx context.Context, id string, status model.AlertStatus, actor string, at time.Time) error {
	const q = `
UPDATE alerts SET
	status = $2,
	acknowledged = acknowledged OR $2 IN ('acknowledged', 'resolved'),
	acknowledged_by = CASE WHEN $2 = 'acknowledged' THEN $3 ELSE acknowledged_by END,
	acknowledged_at = CASE WHEN $2 = 'acknowledged' THEN $4 ELSE acknowledged_at END,
	resolved_at = CASE WHEN $2 = 'resolved' THEN $4 ELSE resolved_at END,
	updated_at = $4
WHERE id = $1`
	if _, err := s.pool.Exec(ctx, q, id, status, nullable(actor), at); err != nil {
		return fmt.Errorf("tsstore: update alert status: %w", err)
	}
	return nil
}

// DeleteAggregatesOlderThan removes rows from both aggregate tables with
// window_start before cutoff, part of the retention housekeeping sweep.
func (s *Store) DeleteAggregatesOlderThan(ctx context.Context, cutoff time.Time) (deleted int64, err error) {
	tags := []string{"aggregates_1m", "aggregates_15m"}
	var total int64
	for _, t := range tags {
		tag, err := s.pool.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE window_start < $1", t), cutoff)
		if err != nil {
			return total, fmt.Errorf("tsstore: retention delete %s: %w", t, err)
		}
		total += tag.RowsAffected()
	}
	return total, nil
}

// DeleteTariffHistoryOlderThan prunes superseded tariff rows, keeping at
// least the current row per region regardless of age.
func (s *Store) DeleteTariffHistoryOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	const q = `
DELETE FROM tariffs t
WHERE t.effective_from < $1
AND t.tariff_id NOT IN (
	SELECT DISTINCT ON (region) tariff_id FROM tariffs ORDER BY region, effective_from DESC
)`
	tag, err := s.pool.Exec(ctx, q, cutoff)
	if err != nil {
		return 0, fmt.Errorf("tsstore: retention delete tariffs: %w", err)
	}
	return tag.RowsAffected(), nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
