// Command broadcaster runs the C8 notification broadcaster: accepts
// authenticated WebSocket connections and fans out tariff, alert and
// alert-status updates to subscribed clients.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/solnx/gridflow/internal/config"
	"github.com/solnx/gridflow/internal/logging"
	"github.com/solnx/gridflow/internal/msglog"
	"github.com/solnx/gridflow/internal/telemetry"
	"github.com/solnx/gridflow/lib/broadcast"
)

const shutdownDeadline = 30 * time.Second

func main() {
	overlay, err := config.LoadOverlay(os.Getenv("GRIDFLOW_CONFIG_FILE"))
	if err != nil {
		logrus.WithError(err).Fatal("loading config overlay")
	}
	common := config.LoadCommon(overlay, "gridflow-broadcaster")
	jwtSecret := overlay.String("GRIDFLOW_JWT_SECRET", "")
	if jwtSecret == "" {
		logrus.Fatal("GRIDFLOW_JWT_SECRET must be set")
	}

	baseLog := logging.New("broadcaster")
	log := logging.With(baseLog, "broadcaster")

	metrics := telemetry.New("broadcaster")

	hub := broadcast.NewHub(metrics, log)
	verifier := broadcast.NewTokenVerifier(jwtSecret)
	server := broadcast.NewServer(hub, verifier, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	topics := map[string]msglog.HandlerFunc{
		msglog.TopicTariffUpdates:      hub.HandleTariffUpdate,
		msglog.TopicAlertsProcessed:    hub.HandleAlertProcessed,
		msglog.TopicAlertStatusUpdates: hub.HandleAlertStatusUpdate,
	}

	var consumers []*msglog.Consumer
	doneChans := make([]chan struct{}, 0, len(topics))
	for topic, handler := range topics {
		consumer, err := msglog.NewConsumer(common.Brokers, common.ClientID, common.ConsumerGroup+"-"+topic, []string{topic}, log)
		if err != nil {
			log.WithError(err).WithField("topic", topic).Fatal("joining consumer group")
		}
		consumers = append(consumers, consumer)

		done := make(chan struct{})
		doneChans = append(doneChans, done)
		go func(c *msglog.Consumer, h msglog.HandlerFunc, done chan struct{}) {
			defer close(done)
			if err := c.Run(ctx, h); err != nil {
				log.WithError(err).Error("consumer loop exited with error")
			}
		}(consumer, handler, done)
	}

	httpAddr := overlay.String("GRIDFLOW_BROADCASTER_ADDR", ":8084")
	httpServer := &http.Server{Addr: httpAddr, Handler: server.Router()}
	go func() {
		log.WithField("addr", httpAddr).Info("broadcaster listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("broadcaster http server stopped")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	<-sigCh
	log.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownDeadline)
	defer shutdownCancel()

	_ = httpServer.Shutdown(shutdownCtx)
	cancel()
	for _, done := range doneChans {
		<-done
	}
	for _, consumer := range consumers {
		if err := consumer.Close(); err != nil {
			log.WithError(err).Warn("closing consumer")
		}
	}
	log.Info("broadcaster shut down cleanly")
}
