package broadcast

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/solnx/gridflow/internal/model"
	"github.com/solnx/gridflow/internal/msglog"
	"github.com/solnx/gridflow/internal/telemetry"
)

const maxConnections = 10_000

// Hub owns the live connection set and fans upstream messages out to
// subscribed connections.
type Hub struct {
	mu          sync.RWMutex
	connections map[*Connection]bool
	metrics     *telemetry.Registry
	log         *logrus.Entry
}

// NewHub builds an empty Hub.
func NewHub(metrics *telemetry.Registry, log *logrus.Entry) *Hub {
	return &Hub{connections: make(map[*Connection]bool), metrics: metrics, log: log}
}

// Count returns the number of currently registered connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// atCapacity reports whether the hub has reached maxConnections.
func (h *Hub) atCapacity() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections) >= maxConnections
}

func (h *Hub) register(c *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connections[c] = true
}

func (h *Hub) unregister(c *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.connections, c)
	close(c.send)
}

// broadcast sends payload to every connection currently subscribed to
// channel, per spec §4.8's "OPEN state" fan-out rule (a connection only
// ever holds an open send channel while registered).
func (h *Hub) broadcast(channel string, payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.connections {
		if c.subscribedTo(channel) {
			c.enqueue(payload)
		}
	}
}

// HandleTariffUpdate is the msglog.HandlerFunc for tariff_updates: fans
// out to "tariffs" and "region:{region}".
func (h *Hub) HandleTariffUpdate(ctx context.Context, msg msglog.Message) error {
	var t model.Tariff
	if err := json.Unmarshal(msg.Value, &t); err != nil {
		h.log.WithError(err).Warn("dropping unparseable tariff update")
		return nil
	}
	env := envelope("TARIFF_UPDATE", t)
	h.broadcast("tariffs", env)
	if t.Region != "" {
		h.broadcast("region:"+t.Region, env)
	}
	return nil
}

// HandleAlertProcessed is the msglog.HandlerFunc for alerts_processed:
// fans out to "alerts", "region:{region}" and "meter:{meterId}".
func (h *Hub) HandleAlertProcessed(ctx context.Context, msg msglog.Message) error {
	var a model.Alert
	if err := json.Unmarshal(msg.Value, &a); err != nil {
		h.log.WithError(err).Warn("dropping unparseable alert")
		return nil
	}
	env := envelope("ALERT", a)
	h.broadcast("alerts", env)
	if a.Region != "" {
		h.broadcast("region:"+a.Region, env)
	}
	if a.MeterID != "" {
		h.broadcast("meter:"+a.MeterID, env)
	}
	return nil
}

// HandleAlertStatusUpdate is the msglog.HandlerFunc for
// alert_status_updates: fans out to "alert_status_updates".
func (h *Hub) HandleAlertStatusUpdate(ctx context.Context, msg msglog.Message) error {
	var payload map[string]interface{}
	if err := json.Unmarshal(msg.Value, &payload); err != nil {
		h.log.WithError(err).Warn("dropping unparseable alert status update")
		return nil
	}
	h.broadcast("alert_status_updates", envelope("ALERT_STATUS_UPDATE", payload))
	return nil
}

type outboundMessage struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

func envelope(msgType string, payload interface{}) []byte {
	b, err := json.Marshal(outboundMessage{Type: msgType, Payload: payload, Timestamp: time.Now().UTC()})
	if err != nil {
		return []byte(`{"type":"error"}`)
	}
	return b
}
