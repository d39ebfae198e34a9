// Command streamproc runs the C5 stream processor: consumes
// raw_readings, maintains 1-minute and 15-minute per-meter and
// per-region windows, detects anomalies, and upserts the time-series
// store.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/solnx/gridflow/internal/config"
	"github.com/solnx/gridflow/internal/logging"
	"github.com/solnx/gridflow/internal/msglog"
	"github.com/solnx/gridflow/internal/telemetry"
	"github.com/solnx/gridflow/internal/tsstore"
	"github.com/solnx/gridflow/lib/streamproc"
)

const shutdownDeadline = 30 * time.Second

func main() {
	overlay, err := config.LoadOverlay(os.Getenv("GRIDFLOW_CONFIG_FILE"))
	if err != nil {
		logrus.WithError(err).Fatal("loading config overlay")
	}
	common := config.LoadCommon(overlay, "gridflow-streamproc")

	baseLog := logging.New("streamproc")
	log := logging.With(baseLog, "streamproc")

	metrics := telemetry.New("streamproc")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := tsstore.New(ctx, common.StoreURL, log)
	if err != nil {
		log.WithError(err).Fatal("connecting store")
	}
	if err := store.InitSchema(ctx); err != nil {
		log.WithError(err).Fatal("initializing schema")
	}

	retention, err := tsstore.NewRetentionScheduler(store, tsstore.DefaultRetentionPolicy, overlay.String("GRIDFLOW_RETENTION_CRON", ""), log)
	if err != nil {
		log.WithError(err).Fatal("scheduling retention sweep")
	}
	retention.Start()

	pub, err := msglog.NewProducer(common.Brokers, common.ClientID, log)
	if err != nil {
		log.WithError(err).Fatal("connecting producer")
	}

	consumer, err := msglog.NewConsumer(common.Brokers, common.ClientID, common.ConsumerGroup, []string{msglog.TopicRawReadings}, log)
	if err != nil {
		log.WithError(err).Fatal("joining consumer group")
	}

	capacity := loadRegionCapacity(overlay)
	engine := streamproc.NewEngine(store, pub, metrics, log, capacity)

	consumeCtx, stopConsume := context.WithCancel(ctx)
	consumeDone := make(chan struct{})
	go func() {
		defer close(consumeDone)
		if err := consumer.Run(consumeCtx, engine.HandleMessage); err != nil {
			log.WithError(err).Error("consumer loop exited with error")
		}
	}()

	flushCtx, stopFlush := context.WithCancel(ctx)
	flushDone := make(chan struct{})
	go func() {
		defer close(flushDone)
		engine.RunFlushTimers(flushCtx)
	}()

	adminServer := &http.Server{Addr: fmt.Sprintf(":%d", common.AdminPort), Handler: adminMux()}
	go func() {
		if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("admin server stopped")
		}
	}()
	go syncGaugesForever(ctx, metrics)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	<-sigCh
	log.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownDeadline)
	defer shutdownCancel()

	stopConsume()
	<-consumeDone

	engine.FlushAll(shutdownCtx)
	stopFlush()
	<-flushDone

	if err := pub.Close(); err != nil {
		log.WithError(err).Warn("closing producer")
	}
	retention.Stop()
	store.Close()
	_ = adminServer.Shutdown(shutdownCtx)
	log.Info("streamproc shut down cleanly")
}

// loadRegionCapacity parses GRIDFLOW_REGION_CAPACITY, a comma-separated
// "region:capacityKw" list (e.g. "Pune-West:50000,Pune-East:30000"), into
// the load-percentage denominator table from spec §4.5. A region absent
// from the list falls back to streamproc.Engine's default capacity.
func loadRegionCapacity(overlay config.Overlay) map[string]float64 {
	entries := overlay.StringSlice("GRIDFLOW_REGION_CAPACITY", nil)
	capacity := make(map[string]float64, len(entries))
	for _, entry := range entries {
		region, raw, ok := strings.Cut(entry, ":")
		if !ok {
			continue
		}
		kw, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			continue
		}
		capacity[region] = kw
	}
	return capacity
}

func adminMux() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetry.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})
	return mux
}

func syncGaugesForever(ctx context.Context, metrics *telemetry.Registry) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			metrics.SyncGauges()
		case <-ctx.Done():
			return
		}
	}
}
