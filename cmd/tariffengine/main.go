// Command tariffengine runs the C6 tariff engine: consumes
// aggregates_1m_regional, applies tiered dynamic pricing with
// hysteresis, and serves the operator override HTTP surface.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/solnx/gridflow/internal/cache"
	"github.com/solnx/gridflow/internal/config"
	"github.com/solnx/gridflow/internal/logging"
	"github.com/solnx/gridflow/internal/msglog"
	"github.com/solnx/gridflow/internal/telemetry"
	"github.com/solnx/gridflow/internal/tsstore"
	"github.com/solnx/gridflow/lib/tariff"
)

const shutdownDeadline = 30 * time.Second

func main() {
	overlay, err := config.LoadOverlay(os.Getenv("GRIDFLOW_CONFIG_FILE"))
	if err != nil {
		logrus.WithError(err).Fatal("loading config overlay")
	}
	common := config.LoadCommon(overlay, "gridflow-tariffengine")
	basePrice := overlay.Float("GRIDFLOW_TARIFF_BASE_PRICE", 5.00)

	baseLog := logging.New("tariffengine")
	log := logging.With(baseLog, "tariffengine")

	metrics := telemetry.New("tariffengine")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := tsstore.New(ctx, common.StoreURL, log)
	if err != nil {
		log.WithError(err).Fatal("connecting store")
	}
	if err := store.InitSchema(ctx); err != nil {
		log.WithError(err).Fatal("initializing schema")
	}

	c, err := cache.New(common.CacheURL, log)
	if err != nil {
		log.WithError(err).Fatal("connecting cache")
	}

	pub, err := msglog.NewProducer(common.Brokers, common.ClientID, log)
	if err != nil {
		log.WithError(err).Fatal("connecting producer")
	}

	consumer, err := msglog.NewConsumer(common.Brokers, common.ClientID, common.ConsumerGroup, []string{msglog.TopicAggregates1mRegion}, log)
	if err != nil {
		log.WithError(err).Fatal("joining consumer group")
	}

	engine := tariff.NewEngine(store, c, pub, metrics, log, basePrice)
	if err := engine.Preload(ctx); err != nil {
		log.WithError(err).Warn("tariff preload failed, continuing with empty cache")
	}

	consumeCtx, stopConsume := context.WithCancel(ctx)
	consumeDone := make(chan struct{})
	go func() {
		defer close(consumeDone)
		if err := consumer.Run(consumeCtx, engine.HandleRegionalAggregate); err != nil {
			log.WithError(err).Error("consumer loop exited with error")
		}
	}()

	httpAddr := overlay.String("GRIDFLOW_TARIFFENGINE_ADDR", ":8082")
	httpServer := &http.Server{Addr: httpAddr, Handler: engine.Router()}
	go func() {
		log.WithField("addr", httpAddr).Info("tariffengine operator surface listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("tariffengine http server stopped")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	<-sigCh
	log.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownDeadline)
	defer shutdownCancel()

	stopConsume()
	<-consumeDone

	_ = httpServer.Shutdown(shutdownCtx)
	if err := pub.Close(); err != nil {
		log.WithError(err).Warn("closing producer")
	}
	store.Close()
	if err := c.Close(); err != nil {
		log.WithError(err).Warn("closing cache")
	}
	log.Info("tariffengine shut down cleanly")
}
