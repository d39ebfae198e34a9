// Package alerting implements the C7 alert engine: rule evaluation with
// per-key cooldowns and cross-engine dedup, status-transition publishing,
// and an optional webhook forwarder. It generalizes the teacher's
// threshold-evaluation loop (lib/cyclone/cyclone.go's thrloop/lvlloop and
// cmpInt/cmpFlp) from a fixed metric-threshold shape to the spec's
// arbitrary field/operator/aggregation rule conditions.
package alerting

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/solnx/gridflow/internal/alerting"
	"github.com/solnx/gridflow/internal/model"
	"github.com/solnx/gridflow/internal/msglog"
	"github.com/solnx/gridflow/internal/telemetry"
)

// Store is the subset of *tsstore.Store the alert engine needs.
type Store interface {
	InsertAlert(ctx context.Context, a model.Alert) error
	UpdateAlertStatus(ctx context.Context, id string, status model.AlertStatus, by string, at time.Time) error
}

// Cache is the subset of *cache.Cache the alert engine needs.
type Cache interface {
	CheckCooldown(ctx context.Context, key string) bool
	SetCooldown(ctx context.Context, key string, ttl time.Duration)
	ActiveAlertDedup(ctx context.Context, key string) bool
	GetMeterLastSeen(ctx context.Context, meterID string) (time.Time, bool, error)
}

// Publisher is the subset of *msglog.Producer the alert engine needs.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte, headers map[string][]byte) (msglog.Receipt, error)
}

// Webhook forwards a fired alert to an external endpoint. Implemented by
// *WebhookForwarder; nil disables the supplemental feature.
type Webhook interface {
	Forward(a model.Alert)
}

// Engine evaluates AlertRules against incoming contexts and forwards
// upstream ANOMALY alerts, publishing alerts_processed / alert_status_updates.
type Engine struct {
	store   Store
	cache   Cache
	pub     Publisher
	webhook Webhook
	metrics *telemetry.Registry
	log     *logrus.Entry

	rules   []model.AlertRule
	ring    *alerting.Store
}

// NewEngine builds an Engine seeded with DefaultRules. webhook may be nil.
func NewEngine(store Store, cache Cache, pub Publisher, webhook Webhook, metrics *telemetry.Registry, log *logrus.Entry) *Engine {
	return &Engine{
		store:   store,
		cache:   cache,
		pub:     pub,
		webhook: webhook,
		metrics: metrics,
		log:     log,
		rules:   DefaultRules,
		ring:    alerting.NewStore(),
	}
}

// RecordMetric feeds one timestamped sample into the ring buffer backing
// aggregation conditions (e.g. high_consumption's avg-over-1h), keyed by
// (ruleID, key, field).
func (e *Engine) RecordMetric(ruleID, key, field string, at time.Time, val float64, window time.Duration) {
	id := ruleID + ":" + key + ":" + field
	e.ring.Get(id, window).Record(at, val)
}

// HandleMessage is the msglog.HandlerFunc for the alerts topic: it
// forwards upstream stream-processor alerts (anomaly_forward) through
// the same cooldown/dedup/publish path as internally evaluated rules.
func (e *Engine) HandleMessage(ctx context.Context, msg msglog.Message) error {
	var upstream model.Alert
	if err := json.Unmarshal(msg.Value, &upstream); err != nil {
		e.log.WithError(err).Warn("dropping unparseable alert")
		return nil
	}
	evalCtx := model.EvalContext{
		Region:    upstream.Region,
		MeterID:   upstream.MeterID,
		Timestamp: upstream.Timestamp,
		Data:      map[string]interface{}{"anomaly": true},
	}
	rule := ruleByID(e.rules, "anomaly_forward")
	if rule == nil || !rule.Enabled {
		return nil
	}
	return e.evaluateAndFire(ctx, *rule, evalCtx, upstream.Message)
}

// Evaluate runs the one rule whose id is ruleType against evalCtx, if that
// rule is enabled, firing it when its conditions pass and its cooldown has
// cleared. No other rule is evaluated by this call.
func (e *Engine) Evaluate(ctx context.Context, ruleType string, evalCtx model.EvalContext) error {
	rule := ruleByID(e.rules, ruleType)
	if rule == nil || !rule.Enabled {
		return nil
	}
	return e.evaluateAndFire(ctx, *rule, evalCtx, "")
}

func (e *Engine) evaluateAndFire(ctx context.Context, rule model.AlertRule, evalCtx model.EvalContext, forwardedMessage string) error {
	ringKey := ringBufferKey(rule, evalCtx)
	if e.cache.CheckCooldown(ctx, cooldownKey(rule, evalCtx)) {
		return nil
	}

	for _, cond := range rule.Conditions {
		if !e.evalCondition(rule.ID, ringKey, cond, evalCtx) {
			return nil
		}
	}

	if !e.cache.ActiveAlertDedup(ctx, activeAlertKey(rule, evalCtx)) {
		return nil
	}

	msg := forwardedMessage
	if msg == "" {
		msg = message(rule, evalCtx)
	}
	a := model.Alert{
		ID:        uuid.NewString(),
		Type:      strings.ToUpper(rule.Type),
		Severity:  rule.Severity,
		Region:    evalCtx.Region,
		MeterID:   evalCtx.MeterID,
		Message:   msg,
		Status:    model.AlertActive,
		Timestamp: time.Now().UTC(),
	}

	if err := e.store.InsertAlert(ctx, a); err != nil {
		e.metrics.ErrorsTotal.WithLabelValues("insert_alert").Inc()
		return fmt.Errorf("alerting: persist: %w", err)
	}
	if rule.Cooldown > 0 {
		e.cache.SetCooldown(ctx, cooldownKey(rule, evalCtx), rule.Cooldown)
	}

	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("alerting: encode: %w", err)
	}
	if _, err := e.pub.Publish(ctx, msglog.TopicAlertsProcessed, partitionKey(a), payload, nil); err != nil {
		e.metrics.ErrorsTotal.WithLabelValues("publish_alert").Inc()
		return fmt.Errorf("alerting: publish: %w", err)
	}
	e.metrics.SuccessTotal.WithLabelValues(rule.Type).Inc()
	e.metrics.Meter("/alarms.per.second").Mark(1)

	if e.webhook != nil {
		e.webhook.Forward(a)
	}
	return nil
}

func (e *Engine) evalCondition(ruleID, key string, cond model.AlertCondition, ctx model.EvalContext) bool {
	if cond.Aggregation == "" {
		v, ok := ctx.Data[cond.Field]
		if !ok {
			return false
		}
		return compare(cond.Operator, v, cond.Value)
	}

	raw, ok := ctx.Data[cond.Field]
	if !ok {
		return false
	}
	f, ok := toFloat(raw)
	if !ok {
		return false
	}
	window := cond.TimeWindow
	if window == 0 {
		window = time.Hour
	}
	e.RecordMetric(ruleID, key, cond.Field, ctx.Timestamp, f, window)

	agg, ok := e.ring.Get(ruleID+":"+key+":"+cond.Field, window).Aggregate(ctx.Timestamp, string(cond.Aggregation))
	if !ok {
		return false
	}
	return compare(cond.Operator, agg, cond.Value)
}

// Acknowledge transitions alert id to acknowledged, publishing an
// alert_status_updates event.
func (e *Engine) Acknowledge(ctx context.Context, id, by string) error {
	return e.transition(ctx, id, model.AlertAcknowledged, by)
}

// Resolve transitions alert id to resolved, publishing an
// alert_status_updates event.
func (e *Engine) Resolve(ctx context.Context, id, by string) error {
	return e.transition(ctx, id, model.AlertResolved, by)
}

func (e *Engine) transition(ctx context.Context, id string, status model.AlertStatus, by string) error {
	now := time.Now().UTC()
	if err := e.store.UpdateAlertStatus(ctx, id, status, by, now); err != nil {
		return fmt.Errorf("alerting: transition: %w", err)
	}
	payload, err := json.Marshal(map[string]interface{}{
		"alertId":   id,
		"status":    status,
		"by":        by,
		"timestamp": now,
	})
	if err != nil {
		return fmt.Errorf("alerting: encode status update: %w", err)
	}
	if _, err := e.pub.Publish(ctx, msglog.TopicAlertStatusUpdates, id, payload, nil); err != nil {
		return fmt.Errorf("alerting: publish status update: %w", err)
	}
	return nil
}

func ruleByID(rules []model.AlertRule, id string) *model.AlertRule {
	for i := range rules {
		if rules[i].ID == id {
			return &rules[i]
		}
	}
	return nil
}

// cooldownKey follows spec §4.3's exact cooldown keyspace:
// cooldown:{rule}:region:{r}:meter:{m}.
func cooldownKey(rule model.AlertRule, ctx model.EvalContext) string {
	var b strings.Builder
	b.WriteString("cooldown:")
	b.WriteString(rule.ID)
	if ctx.Region != "" {
		b.WriteString(":region:")
		b.WriteString(ctx.Region)
	}
	if ctx.MeterID != "" {
		b.WriteString(":meter:")
		b.WriteString(ctx.MeterID)
	}
	return b.String()
}

// activeAlertKey follows spec §4.3's active_alert keyspace:
// {region}:{type}[:meter]. The "active_alert:" prefix is applied by the
// cache layer itself (internal/cache.Cache.ActiveAlertDedup).
func activeAlertKey(rule model.AlertRule, ctx model.EvalContext) string {
	var b strings.Builder
	b.WriteString(ctx.Region)
	b.WriteString(":")
	b.WriteString(rule.Type)
	if ctx.MeterID != "" {
		b.WriteString(":")
		b.WriteString(ctx.MeterID)
	}
	return b.String()
}

// ringBufferKey identifies the aggregation history scope for a rule
// evaluation: per-region-and-meter, distinct from the cache keyspaces.
func ringBufferKey(rule model.AlertRule, ctx model.EvalContext) string {
	return ctx.Region + ":" + ctx.MeterID
}

func partitionKey(a model.Alert) string {
	if a.MeterID != "" {
		return a.MeterID
	}
	return a.ID
}
