// Command alertengine runs the C7 alert engine: forwards upstream anomaly
// alerts from the alerts topic, with per-key cooldowns and cross-engine
// dedup, and serves the alert status transition HTTP surface. Only the
// anomaly_forward rule runs here; this command runs no periodic
// evaluation, so the other seeded rules fire only where Engine.Evaluate
// is called.
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
	"github.com/solnx/gridflow/lib/alerting"
)

const shutdownDeadline = 30 * time.Second

func main() {
	overlay, err := config.LoadOverlay(os.Getenv("GRIDFLOW_CONFIG_FILE"))
	if err != nil {
		logrus.WithError(err).Fatal("loading config overlay")
	}
	common := config.LoadCommon(overlay, "gridflow-alertengine")

	baseLog := logging.New("alertengine")
	log := logging.With(baseLog, "alertengine")

	metrics := telemetry.New("alertengine")

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

	consumer, err := msglog.NewConsumer(common.Brokers, common.ClientID, common.ConsumerGroup, []string{msglog.TopicAlerts}, log)
	if err != nil {
		log.WithError(err).Fatal("joining consumer group")
	}

	var webhook alerting.Webhook
	if webhookURL := os.Getenv("ALERT_WEBHOOK_URL"); webhookURL != "" {
		webhook = alerting.NewWebhookForwarder(
			webhookURL,
			overlay.Int("GRIDFLOW_WEBHOOK_RETRY_COUNT", 3),
			overlay.Duration("GRIDFLOW_WEBHOOK_RETRY_MIN_WAIT", 100*time.Millisecond),
			overlay.Duration("GRIDFLOW_WEBHOOK_RETRY_MAX_WAIT", 2*time.Second),
			log,
		)
		log.WithField("url", webhookURL).Info("alert webhook forwarder enabled")
	}

	engine := alerting.NewEngine(store, c, pub, webhook, metrics, log)

	consumeCtx, stopConsume := context.WithCancel(ctx)
	consumeDone := make(chan struct{})
	go func() {
		defer close(consumeDone)
		if err := consumer.Run(consumeCtx, engine.HandleMessage); err != nil {
			log.WithError(err).Error("consumer loop exited with error")
		}
	}()

	httpAddr := overlay.String("GRIDFLOW_ALERTENGINE_ADDR", ":8083")
	httpServer := &http.Server{Addr: httpAddr, Handler: engine.Router()}
	go func() {
		log.WithField("addr", httpAddr).Info("alertengine http surface listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("alertengine http server stopped")
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
	log.Info("alertengine shut down cleanly")
}
