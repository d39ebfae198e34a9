// Command gateway runs the C4 ingestion gateway: validates and
// deduplicates incoming meter readings and publishes them to
// raw_readings.
package main

import (
	"context"
	"fmt"
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
	"github.com/solnx/gridflow/lib/gateway"
)

const shutdownDeadline = 30 * time.Second

func main() {
	overlay, err := config.LoadOverlay(os.Getenv("GRIDFLOW_CONFIG_FILE"))
	if err != nil {
		logrus.WithError(err).Fatal("loading config overlay")
	}
	common := config.LoadCommon(overlay, "gridflow-gateway")

	baseLog := logging.New("gateway")
	log := logging.With(baseLog, "gateway")

	metrics := telemetry.New("gateway")

	pub, err := msglog.NewProducer(common.Brokers, common.ClientID, log)
	if err != nil {
		log.WithError(err).Fatal("connecting producer")
	}

	c, err := cache.New(common.CacheURL, log)
	if err != nil {
		log.WithError(err).Fatal("connecting cache")
	}

	gw := gateway.New(pub, c, metrics, log)

	httpAddr := overlay.String("GRIDFLOW_GATEWAY_ADDR", ":8080")
	httpServer := &http.Server{Addr: httpAddr, Handler: gw.Router()}

	adminServer := &http.Server{Addr: addr(common.AdminPort), Handler: adminMux()}

	go func() {
		log.WithField("addr", httpAddr).Info("gateway listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("gateway http server stopped")
		}
	}()
	go func() {
		if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("admin server stopped")
		}
	}()

	go syncGaugesForever(metrics)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	<-sigCh
	log.Info("shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownDeadline)
	defer cancel()

	_ = httpServer.Shutdown(ctx)
	_ = adminServer.Shutdown(ctx)
	if err := pub.Close(); err != nil {
		log.WithError(err).Warn("closing producer")
	}
	if err := c.Close(); err != nil {
		log.WithError(err).Warn("closing cache")
	}
	log.Info("gateway shut down cleanly")
}

func addr(port int) string {
	return fmt.Sprintf(":%d", port)
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

func syncGaugesForever(metrics *telemetry.Registry) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		metrics.SyncGauges()
	}
}
