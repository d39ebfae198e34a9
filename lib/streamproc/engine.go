package streamproc

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/solnx/gridflow/internal/model"
	"github.com/solnx/gridflow/internal/msglog"
	"github.com/solnx/gridflow/internal/telemetry"
)

// Store is the subset of *tsstore.Store the engine needs for durable
// upserts, beyond the baseline lookup BaselineSource already covers.
type Store interface {
	BaselineSource
	UpsertAggregates1m(ctx context.Context, aggs []model.Aggregate) error
	UpsertAggregates15m(ctx context.Context, aggs []model.Aggregate) error
}

// Publisher is the subset of *msglog.Producer the engine needs.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte, headers map[string][]byte) (msglog.Receipt, error)
}

// Engine is the C5 stream processor: one consumer loop plus two flush
// timers, holding the live windows, the anomaly detector and the
// regional-capacity table.
type Engine struct {
	store    Store
	pub      Publisher
	metrics  *telemetry.Registry
	log      *logrus.Entry
	capacity map[string]float64

	win1m  *windowTable
	win15m *windowTable
	detect *AnomalyDetector
}

// NewEngine builds an Engine. capacity is the compile-time-configurable
// regional capacity table from spec §4.5; a missing region defaults to
// 1,000,000 kW.
func NewEngine(store Store, pub Publisher, metrics *telemetry.Registry, log *logrus.Entry, capacity map[string]float64) *Engine {
	return &Engine{
		store:    store,
		pub:      pub,
		metrics:  metrics,
		log:      log,
		capacity: capacity,
		win1m:    newWindowTable(oneMinute),
		win15m:   newWindowTable(fifteenMinute),
		detect:   NewAnomalyDetector(store),
	}
}

// HandleMessage is the msglog.HandlerFunc for raw_readings: windows the
// reading into both granularities and runs anomaly detection. Aggregation
// math and rule evaluation never suspend (spec §5); only the anomaly
// detector's cold-start store lookup and the alert publish do.
func (e *Engine) HandleMessage(ctx context.Context, msg msglog.Message) error {
	var r model.Reading
	if err := json.Unmarshal(msg.Value, &r); err != nil {
		e.log.WithError(err).Warn("dropping unparseable raw_readings message")
		e.metrics.ErrorsTotal.WithLabelValues("decode").Inc()
		return nil
	}

	now := time.Now().UTC()
	if !e.win1m.add(r, now) {
		e.metrics.ErrorsTotal.WithLabelValues("late_reading_dropped_1m").Inc()
	}
	if !e.win15m.add(r, now) {
		e.metrics.ErrorsTotal.WithLabelValues("late_reading_dropped_15m").Inc()
	}

	e.metrics.Meter("/metrics/processed.per.second").Mark(1)

	alert, err := e.detect.Evaluate(ctx, r)
	if err != nil {
		e.log.WithError(err).WithField("meterId", r.MeterID).Warn("anomaly detection failed, skipping")
		return nil
	}
	if alert == nil {
		return nil
	}
	e.metrics.Meter("/alarms.per.second").Mark(1)

	payload, err := json.Marshal(alert)
	if err != nil {
		e.log.WithError(err).Error("failed to encode anomaly alert")
		return nil
	}
	if _, err := e.pub.Publish(ctx, msglog.TopicAlerts, alert.MeterID, payload, nil); err != nil {
		e.log.WithError(err).Warn("failed to publish anomaly alert")
		e.metrics.ErrorsTotal.WithLabelValues("publish_alert").Inc()
	}
	return nil
}

// RunFlushTimers starts the 1-minute and 15-minute flush tickers; both
// run until ctx is cancelled, at which point FlushAll performs one final
// synchronous flush (the ordered-shutdown "final flush" step in spec §5).
func (e *Engine) RunFlushTimers(ctx context.Context) {
	t1 := time.NewTicker(oneMinute)
	t15 := time.NewTicker(fifteenMinute)
	defer t1.Stop()
	defer t15.Stop()

	for {
		select {
		case <-ctx.Done():
			e.FlushAll(context.Background())
			return
		case <-t1.C:
			e.flush1m(ctx)
		case <-t15.C:
			e.flush15m(ctx)
		}
	}
}

// FlushAll runs both granularities' flush once, used for shutdown.
func (e *Engine) FlushAll(ctx context.Context) {
	e.flush1m(ctx)
	e.flush15m(ctx)
}

func (e *Engine) flush1m(ctx context.Context) {
	now := time.Now().UTC()
	keys, flushed := e.win1m.flushable(now)
	if len(flushed) == 0 {
		return
	}

	aggs := make([]model.Aggregate, 0, len(flushed))
	for _, w := range flushed {
		aggs = append(aggs, model.FromWindow(w))
	}

	if err := e.store.UpsertAggregates1m(ctx, aggs); err != nil {
		e.log.WithError(err).Error("1m upsert failed, buckets retained for retry")
		e.metrics.ErrorsTotal.WithLabelValues("upsert_1m").Inc()
		return
	}
	e.win1m.commit(keys)

	for _, a := range aggs {
		payload, err := json.Marshal(a)
		if err != nil {
			continue
		}
		if _, err := e.pub.Publish(ctx, msglog.TopicAggregates1m, a.MeterID, payload, nil); err != nil {
			e.log.WithError(err).Warn("failed to publish 1m aggregate")
			e.metrics.ErrorsTotal.WithLabelValues("publish_aggregates_1m").Inc()
		}
	}

	for _, ra := range regionalAggregates(flushed, e.capacity) {
		payload, err := json.Marshal(ra)
		if err != nil {
			continue
		}
		if _, err := e.pub.Publish(ctx, msglog.TopicAggregates1mRegion, ra.Region, payload, nil); err != nil {
			e.log.WithError(err).Warn("failed to publish regional aggregate")
			e.metrics.ErrorsTotal.WithLabelValues("publish_aggregates_1m_regional").Inc()
		}
	}
}

func (e *Engine) flush15m(ctx context.Context) {
	now := time.Now().UTC()
	keys, flushed := e.win15m.flushable(now)
	if len(flushed) == 0 {
		return
	}

	aggs := make([]model.Aggregate, 0, len(flushed))
	for _, w := range flushed {
		aggs = append(aggs, model.FromWindow(w))
	}

	if err := e.store.UpsertAggregates15m(ctx, aggs); err != nil {
		e.log.WithError(err).Error("15m upsert failed")
		e.metrics.ErrorsTotal.WithLabelValues("upsert_15m").Inc()
		return
	}
	e.win15m.commit(keys)

	for _, a := range aggs {
		payload, err := json.Marshal(a)
		if err != nil {
			continue
		}
		if _, err := e.pub.Publish(ctx, msglog.TopicAggregates15m, a.MeterID, payload, nil); err != nil {
			e.log.WithError(err).Warn("failed to publish 15m aggregate")
			e.metrics.ErrorsTotal.WithLabelValues("publish_aggregates_15m").Inc()
		}
	}
}
