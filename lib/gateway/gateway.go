// Package gateway implements the C4 ingestion gateway: HTTP endpoints
// that validate, deduplicate and publish meter readings to the
// raw_readings topic. Routing and CORS follow the ComputeHive telemetry
// example's mux.NewRouter + rs/cors wiring; the buffer-depth backpressure
// check generalizes that same example's metricBuffer high-water check
// from "flush early" to "reject new requests" per spec §4.4/§5.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"

	"github.com/solnx/gridflow/internal/apperr"
	"github.com/solnx/gridflow/internal/model"
	"github.com/solnx/gridflow/internal/msglog"
	"github.com/solnx/gridflow/internal/telemetry"
)

const (
	maxBatchSize  = 1000
	dedupTTL      = 60 * time.Second
	highWaterMark = 5000
	lowWaterMark  = 2000
)

// Publisher is the subset of *msglog.Producer the gateway needs; an
// interface so tests can substitute a fake producer.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte, headers map[string][]byte) (msglog.Receipt, error)
	PublishBatch(ctx context.Context, topic string, items []msglog.KeyValue) ([]msglog.BatchReceipt, error)
}

// DedupCache is the subset of *cache.Cache the gateway needs for
// idempotence and liveness.
type DedupCache interface {
	DedupReading(ctx context.Context, dedupKey string) bool
	UpdateMeterLastSeen(ctx context.Context, meterID, region string, at time.Time) error
}

// Gateway holds the dependencies and in-flight counters for the
// ingestion HTTP surface.
type Gateway struct {
	pub     Publisher
	cache   DedupCache
	metrics *telemetry.Registry
	log     *logrus.Entry

	inFlight int64
}

// New builds a Gateway.
func New(pub Publisher, cache DedupCache, metrics *telemetry.Registry, log *logrus.Entry) *Gateway {
	return &Gateway{pub: pub, cache: cache, metrics: metrics, log: log}
}

// Router assembles the mux router with CORS applied, per spec §6.
func (g *Gateway) Router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/telemetry", g.handleSingle).Methods(http.MethodPost)
	r.HandleFunc("/telemetry/batch", g.handleBatch).Methods(http.MethodPost)
	r.HandleFunc("/health", g.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", telemetry.Handler()).Methods(http.MethodGet)

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	})
	return c.Handler(r)
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// saturated reports whether the producer buffer (here: readings currently
// being published) is at or above the high-water mark. Only the high-water
// mark is checked; lowWaterMark is not consulted, so requests are accepted
// again as soon as in-flight falls below the high-water mark.
func (g *Gateway) saturated() bool {
	return atomic.LoadInt64(&g.inFlight) >= highWaterMark
}

func (g *Gateway) handleSingle(w http.ResponseWriter, r *http.Request) {
	if g.saturated() {
		g.metrics.ErrorsTotal.WithLabelValues("backpressure").Inc()
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "producer saturated"})
		return
	}

	var reading model.Reading
	if err := json.NewDecoder(r.Body).Decode(&reading); err != nil {
		g.metrics.ErrorsTotal.WithLabelValues("decode").Inc()
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	if reading.ReadingID == "" {
		reading.ReadingID = uuid.NewString()
	}

	status, body := g.ingestOne(r.Context(), reading)
	writeJSON(w, status, body)
}

func (g *Gateway) handleBatch(w http.ResponseWriter, r *http.Request) {
	if g.saturated() {
		g.metrics.ErrorsTotal.WithLabelValues("backpressure").Inc()
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "producer saturated"})
		return
	}

	var readings []model.Reading
	if err := json.NewDecoder(r.Body).Decode(&readings); err != nil {
		g.metrics.ErrorsTotal.WithLabelValues("decode").Inc()
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	if len(readings) == 0 || len(readings) > maxBatchSize {
		g.metrics.ValidationErrorsTotal.WithLabelValues("batch").Inc()
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "batch length must be within [1, 1000]"})
		return
	}

	type outcome struct {
		kind    string // "accepted", "duplicate", "failed"
		reading model.Reading
	}
	outcomes := make([]outcome, len(readings))

	// validate + dedup each reading concurrently; the batch itself is
	// still published in a single produce call below.
	sem := make(chan struct{}, 32)
	done := make(chan struct{})
	for i, rd := range readings {
		i, rd := i, rd
		sem <- struct{}{}
		go func() {
			defer func() { <-sem; done <- struct{}{} }()
			if rd.ReadingID == "" {
				rd.ReadingID = uuid.NewString()
			}
			if err := Validate(rd); err != nil {
				var ae *apperr.Error
				field := "unknown"
				if errors.As(err, &ae) {
					field = ae.Field
				}
				g.metrics.ValidationErrorsTotal.WithLabelValues(field).Inc()
				outcomes[i] = outcome{kind: "failed"}
				return
			}
			dedupStart := time.Now()
			isNew := g.cache.DedupReading(r.Context(), rd.DedupKey())
			g.metrics.DedupLatency.Observe(time.Since(dedupStart).Seconds())
			if !isNew {
				g.metrics.DuplicatesTotal.Inc()
				outcomes[i] = outcome{kind: "duplicate", reading: rd}
				return
			}
			outcomes[i] = outcome{kind: "accepted", reading: rd}
		}()
	}
	for range readings {
		<-done
	}

	var toPublish []msglog.KeyValue
	var acceptedIdx []int
	for i, o := range outcomes {
		if o.kind != "accepted" {
			continue
		}
		payload, err := json.Marshal(o.reading)
		if err != nil {
			g.metrics.ErrorsTotal.WithLabelValues("encode").Inc()
			outcomes[i] = outcome{kind: "failed"}
			continue
		}
		toPublish = append(toPublish, msglog.KeyValue{Key: o.reading.MeterID, Value: payload})
		acceptedIdx = append(acceptedIdx, i)
	}

	if len(toPublish) > 0 {
		atomic.AddInt64(&g.inFlight, int64(len(toPublish)))
		publishStart := time.Now()
		_, err := g.pub.PublishBatch(r.Context(), msglog.TopicRawReadings, toPublish)
		g.metrics.PublishLatency.Observe(time.Since(publishStart).Seconds())
		atomic.AddInt64(&g.inFlight, -int64(len(toPublish)))

		if err != nil {
			g.metrics.ErrorsTotal.WithLabelValues("publish").Inc()
			for _, idx := range acceptedIdx {
				outcomes[idx] = outcome{kind: "failed"}
			}
		} else {
			for _, idx := range acceptedIdx {
				reading := outcomes[idx].reading
				g.metrics.SuccessTotal.WithLabelValues(reading.Region).Inc()
				go func(rd model.Reading) {
					lsCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
					defer cancel()
					if err := g.cache.UpdateMeterLastSeen(lsCtx, rd.MeterID, rd.Region, rd.Timestamp); err != nil {
						g.log.WithError(err).WithField("meterId", rd.MeterID).Warn("failed to refresh meter liveness")
					}
				}(reading)
			}
		}
	}

	var accepted, duplicates, failed int
	for _, o := range outcomes {
		switch o.kind {
		case "accepted":
			accepted++
		case "duplicate":
			duplicates++
		case "failed":
			failed++
		}
	}

	status := http.StatusOK
	if failed > 0 {
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, map[string]interface{}{
		"accepted":   accepted,
		"duplicates": duplicates,
		"failed":     failed,
	})
}

// ingestOne runs one reading through validate -> dedup -> publish,
// returning the HTTP status and body a single-reading response would
// carry. Only the single-reading endpoint uses it; handleBatch runs its
// own validate/dedup pass and publishes in one batch call.
func (g *Gateway) ingestOne(ctx context.Context, reading model.Reading) (int, map[string]interface{}) {
	if err := Validate(reading); err != nil {
		var ae *apperr.Error
		field := "unknown"
		if errors.As(err, &ae) {
			field = ae.Field
		}
		g.metrics.ValidationErrorsTotal.WithLabelValues(field).Inc()
		return http.StatusBadRequest, map[string]interface{}{"error": err.Error(), "field": field}
	}

	dedupStart := time.Now()
	isNew := g.cache.DedupReading(ctx, reading.DedupKey())
	g.metrics.DedupLatency.Observe(time.Since(dedupStart).Seconds())
	if !isNew {
		g.metrics.DuplicatesTotal.Inc()
		return http.StatusOK, map[string]interface{}{"status": "success", "duplicate": true}
	}

	atomic.AddInt64(&g.inFlight, 1)
	defer atomic.AddInt64(&g.inFlight, -1)

	payload, err := json.Marshal(reading)
	if err != nil {
		g.metrics.ErrorsTotal.WithLabelValues("encode").Inc()
		return http.StatusBadRequest, map[string]interface{}{"error": "failed to encode reading"}
	}

	publishStart := time.Now()
	receipt, err := g.pub.Publish(ctx, msglog.TopicRawReadings, reading.MeterID, payload, nil)
	g.metrics.PublishLatency.Observe(time.Since(publishStart).Seconds())
	if err != nil {
		g.metrics.ErrorsTotal.WithLabelValues("publish").Inc()
		return http.StatusServiceUnavailable, map[string]interface{}{"error": "failed to publish reading"}
	}

	g.metrics.SuccessTotal.WithLabelValues(reading.Region).Inc()

	go func() {
		lsCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := g.cache.UpdateMeterLastSeen(lsCtx, reading.MeterID, reading.Region, reading.Timestamp); err != nil {
			g.log.WithError(err).WithField("meterId", reading.MeterID).Warn("failed to refresh meter liveness")
		}
	}()

	return http.StatusOK, map[string]interface{}{
		"status":    "success",
		"topic":     receipt.Topic,
		"partition": receipt.Partition,
		"offset":    receipt.Offset,
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
