// Package tariff implements the C6 tariff engine: consumes per-region
// load percentage, applies tiered pricing with hysteresis, persists and
// caches the result, and exposes an operator-override HTTP surface. The
// tier-boundary comparisons generalize the teacher's cmpInt/cmpFlp
// predicate evaluation (lib/cyclone/cyclone.go) from threshold-vs-metric
// to price-tier-vs-load-percentage; the override handler's
// decode/validate/persist/respond shape follows the ComputeHive example's
// CreateAlert handler.
package tariff

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/solnx/gridflow/internal/model"
	"github.com/solnx/gridflow/internal/msglog"
	"github.com/solnx/gridflow/internal/telemetry"
)

const minChangeThreshold = 0.10

// Tier is one load-percentage bracket and its price multiplier, per
// spec §4.6.
type Tier struct {
	Name       string
	MinPercent float64 // exclusive lower bound (load must exceed it); +Inf-free, checked top-down
	Multiplier float64
}

// DefaultTiers is the pricing table from spec §4.6, evaluated top-down so
// the first matching (highest) tier wins.
var DefaultTiers = []Tier{
	{Name: "Critical", MinPercent: 90, Multiplier: 1.25},
	{Name: "High", MinPercent: 75, Multiplier: 1.10},
	{Name: "Normal", MinPercent: 50, Multiplier: 1.00},
	{Name: "Low", MinPercent: 25, Multiplier: 0.90},
	{Name: "Very low", MinPercent: -1, Multiplier: 0.80},
}

// TierFor returns the tier matching loadPercentage.
func TierFor(loadPercentage float64, tiers []Tier) Tier {
	for _, t := range tiers {
		if loadPercentage > t.MinPercent {
			return t
		}
	}
	return tiers[len(tiers)-1]
}

// Store is the subset of *tsstore.Store the tariff engine needs.
type Store interface {
	InsertTariff(ctx context.Context, t model.Tariff) error
	CurrentTariff(ctx context.Context, region string) (model.Tariff, bool, error)
	AllCurrentTariffs(ctx context.Context) ([]model.Tariff, error)
	TariffHistory(ctx context.Context, region string, limit int) ([]model.Tariff, error)
}

// Cache is the subset of *cache.Cache the tariff engine needs.
type Cache interface {
	SetTariff(ctx context.Context, region string, pricePerKwh float64) error
	GetTariff(ctx context.Context, region string) (float64, bool, error)
	Preload(ctx context.Context, prices map[string]float64) error
}

// Publisher is the subset of *msglog.Producer the tariff engine needs.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte, headers map[string][]byte) (msglog.Receipt, error)
}

// Engine holds pricing state: the base price, tier table and the
// in-memory lastPrice table the hysteresis check compares against.
type Engine struct {
	store     Store
	cache     Cache
	pub       Publisher
	metrics   *telemetry.Registry
	log       *logrus.Entry
	basePrice float64
	tiers     []Tier

	lastPrice map[string]float64
}

// NewEngine builds an Engine with basePrice (default ₹5.00 if zero) and
// DefaultTiers.
func NewEngine(store Store, cache Cache, pub Publisher, metrics *telemetry.Registry, log *logrus.Entry, basePrice float64) *Engine {
	if basePrice <= 0 {
		basePrice = 5.00
	}
	return &Engine{
		store:     store,
		cache:     cache,
		pub:       pub,
		metrics:   metrics,
		log:       log,
		basePrice: basePrice,
		tiers:     DefaultTiers,
		lastPrice: make(map[string]float64),
	}
}

// Preload loads the current tariff per region from the store into both
// the cache and the engine's lastPrice table, per spec §4.6 "On start".
func (e *Engine) Preload(ctx context.Context) error {
	current, err := e.store.AllCurrentTariffs(ctx)
	if err != nil {
		return fmt.Errorf("tariff: preload: %w", err)
	}
	prices := make(map[string]float64, len(current))
	for _, t := range current {
		prices[t.Region] = t.PricePerKwh
		e.lastPrice[t.Region] = t.PricePerKwh
	}
	if len(prices) == 0 {
		return nil
	}
	return e.cache.Preload(ctx, prices)
}

// HandleRegionalAggregate is the msglog.HandlerFunc for
// aggregates_1m_regional: computes the tier price for the region's
// current load and publishes a tariff_updates message if it clears the
// hysteresis threshold.
func (e *Engine) HandleRegionalAggregate(ctx context.Context, msg msglog.Message) error {
	var ra model.RegionalAggregate
	if err := json.Unmarshal(msg.Value, &ra); err != nil {
		e.log.WithError(err).Warn("dropping unparseable regional aggregate")
		return nil
	}

	tier := TierFor(ra.LoadPercentage, e.tiers)
	newPrice := round2(e.basePrice * tier.Multiplier)

	last, hasLast := e.lastPrice[ra.Region]
	if !hasLast {
		if cached, ok, err := e.cache.GetTariff(ctx, ra.Region); err == nil && ok {
			last = cached
			hasLast = true
		}
	}

	if hasLast && absf(newPrice-last) < minChangeThreshold {
		return nil
	}

	reason := fmt.Sprintf("load %.1f%% -> %s tier (%.0f%% multiplier)", ra.LoadPercentage, tier.Name, tier.Multiplier*100)
	return e.publish(ctx, ra.Region, newPrice, reason, model.TriggerAuto, "")
}

// Override applies an operator-supplied price, bypassing hysteresis, per
// spec §4.6.
func (e *Engine) Override(ctx context.Context, region string, newPrice float64, reason, operatorID string) error {
	if newPrice < 0.50 || newPrice > 20.00 {
		return fmt.Errorf("tariff: override price %.2f out of range [0.50, 20.00]", newPrice)
	}
	if len(reason) < 10 {
		return fmt.Errorf("tariff: override reason must be at least 10 characters")
	}
	return e.publish(ctx, region, round2(newPrice), reason, model.TriggerManual, operatorID)
}

func (e *Engine) publish(ctx context.Context, region string, price float64, reason string, trigger model.TariffTrigger, operatorID string) error {
	t := model.Tariff{
		TariffID:      uuid.NewString(),
		Region:        region,
		PricePerKwh:   price,
		EffectiveFrom: time.Now().UTC(),
		Reason:        reason,
		TriggeredBy:   trigger,
	}
	if err := e.store.InsertTariff(ctx, t); err != nil {
		e.metrics.ErrorsTotal.WithLabelValues("insert_tariff").Inc()
		return fmt.Errorf("tariff: persist: %w", err)
	}
	if err := e.cache.SetTariff(ctx, region, price); err != nil {
		e.log.WithError(err).WithField("region", region).Warn("failed to refresh tariff cache")
	}
	e.lastPrice[region] = price

	payload, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("tariff: encode: %w", err)
	}
	if _, err := e.pub.Publish(ctx, msglog.TopicTariffUpdates, region, payload, nil); err != nil {
		e.metrics.ErrorsTotal.WithLabelValues("publish_tariff").Inc()
		return fmt.Errorf("tariff: publish: %w", err)
	}
	e.metrics.SuccessTotal.WithLabelValues(region).Inc()
	return nil
}

// Current returns the current tariff row for region, read from the store;
// the tariff cache is not consulted.
func (e *Engine) Current(ctx context.Context, region string) (model.Tariff, bool, error) {
	return e.store.CurrentTariff(ctx, region)
}

// History returns up to limit historical tariff rows for region.
func (e *Engine) History(ctx context.Context, region string, limit int) ([]model.Tariff, error) {
	return e.store.TariffHistory(ctx, region, limit)
}

func round2(v float64) float64 {
	return float64(int64(v*100+0.5)) / 100
}

func absf(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
