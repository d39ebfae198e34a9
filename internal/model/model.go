// Package model holds the data types shared across the gridflow
// components: readings off the wire, in-memory windows, persisted
// aggregates/tariffs/alerts, and the alert-rule evaluation context.
package model

import "time"

// ReadingStatus is the meter-reported health of a Reading.
type ReadingStatus string

const (
	StatusOK    ReadingStatus = "OK"
	StatusError ReadingStatus = "ERROR"
)

// Reading is a single meter sample as received by the ingestion gateway.
// It is never stored raw; it lives only long enough to be validated,
// deduplicated and published.
type Reading struct {
	ReadingID string        `json:"readingId,omitempty"`
	MeterID   string        `json:"meterId"`
	Region    string        `json:"region"`
	Timestamp time.Time     `json:"timestamp"`
	PowerKw   float64       `json:"powerKw"`
	Voltage   *float64      `json:"voltage,omitempty"`
	Current   *float64      `json:"current,omitempty"`
	Frequency *float64      `json:"frequency,omitempty"`
	PowerFact *float64      `json:"powerFactor,omitempty"`
	EnergyKwh float64       `json:"energyKwh,omitempty"`
	Seq       int64         `json:"seq,omitempty"`
	Status    ReadingStatus `json:"status,omitempty"`
}

// DedupKey is the idempotence key for a Reading: (meterId, timestamp).
func (r Reading) DedupKey() string {
	return r.MeterID + ":" + r.Timestamp.UTC().Format(time.RFC3339Nano)
}

// PerMeterWindow accumulates readings for one meter within one bucket.
// Owned exclusively by the stream processor; never persisted as-is.
type PerMeterWindow struct {
	BucketStart time.Time
	MeterID     string
	Region      string
	PowerSum    float64
	MaxPower    float64
	EnergySum   float64
	Count       int64
}

// Add folds one reading into the window.
func (w *PerMeterWindow) Add(r Reading) {
	w.PowerSum += r.PowerKw
	if r.PowerKw > w.MaxPower {
		w.MaxPower = r.PowerKw
	}
	w.EnergySum += r.EnergyKwh
	w.Count++
	if w.Region == "" {
		w.Region = r.Region
	}
}

// AvgPower returns the mean power over the window; zero count yields zero.
func (w *PerMeterWindow) AvgPower() float64 {
	if w.Count == 0 {
		return 0
	}
	return w.PowerSum / float64(w.Count)
}

// Aggregate is the persisted per-meter rollup for either the 1-minute or
// the 15-minute window. Primary key is (MeterID, WindowStart).
type Aggregate struct {
	MeterID      string
	Region       string
	WindowStart  time.Time
	AvgPowerKw   float64
	MaxPowerKw   float64
	EnergyKwhSum float64
	Count        int64
}

// FromWindow converts an in-memory per-meter window into its persisted
// aggregate shape.
func FromWindow(w *PerMeterWindow) Aggregate {
	return Aggregate{
		MeterID:      w.MeterID,
		Region:       w.Region,
		WindowStart:  w.BucketStart,
		AvgPowerKw:   w.AvgPower(),
		MaxPowerKw:   w.MaxPower,
		EnergyKwhSum: w.EnergySum,
		Count:        w.Count,
	}
}

// RegionalAggregate is the derived 1-minute per-region rollup, published
// to aggregates_1m_regional and consumed by the tariff engine.
type RegionalAggregate struct {
	Region          string    `json:"region"`
	WindowStart     time.Time `json:"windowStart"`
	MeterCount      int       `json:"meterCount"`
	TotalPower      float64   `json:"totalPower"`
	MaxPower        float64   `json:"maxPower"`
	MinPower        float64   `json:"minPower"`
	ActiveMeterIDs  []string  `json:"activeMeterIds"`
	LoadPercentage  float64   `json:"loadPercentage"`
}

// TariffTrigger records whether a Tariff row was set automatically by the
// pricing engine or manually by an operator override.
type TariffTrigger string

const (
	TriggerAuto   TariffTrigger = "AUTO"
	TriggerManual TariffTrigger = "MANUAL"
)

// Tariff is a persisted price-per-kWh row for one region, effective from
// a point in time. The current tariff for a region is the row with the
// maximum EffectiveFrom.
type Tariff struct {
	TariffID      string        `json:"tariffId"`
	Region        string        `json:"region"`
	PricePerKwh   float64       `json:"pricePerKwh"`
	EffectiveFrom time.Time     `json:"effectiveFrom"`
	Reason        string        `json:"reason"`
	TriggeredBy   TariffTrigger `json:"triggeredBy"`
}

// AlertSeverity ranks an Alert from informational to emergency.
type AlertSeverity string

const (
	SeverityLow      AlertSeverity = "low"
	SeverityMedium   AlertSeverity = "medium"
	SeverityHigh     AlertSeverity = "high"
	SeverityCritical AlertSeverity = "critical"
)

// AlertStatus is the lifecycle state of a persisted Alert.
type AlertStatus string

const (
	AlertActive       AlertStatus = "active"
	AlertAcknowledged AlertStatus = "acknowledged"
	AlertResolved     AlertStatus = "resolved"
)

// Alert is a persisted, user-facing notification of an anomalous or
// rule-triggered condition.
type Alert struct {
	ID             string                 `json:"id"`
	Type           string                 `json:"type"`
	Severity       AlertSeverity          `json:"severity"`
	Region         string                 `json:"region,omitempty"`
	MeterID        string                 `json:"meterId,omitempty"`
	Message        string                 `json:"message"`
	Status         AlertStatus            `json:"status"`
	Timestamp      time.Time              `json:"timestamp"`
	AcknowledgedBy string                 `json:"acknowledgedBy,omitempty"`
	AcknowledgedAt *time.Time             `json:"acknowledgedAt,omitempty"`
	ResolvedAt     *time.Time             `json:"resolvedAt,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

// ConditionOperator is the closed set of comparators an AlertCondition may
// use against its configured value.
type ConditionOperator string

const (
	OpGT         ConditionOperator = "gt"
	OpGTE        ConditionOperator = "gte"
	OpLT         ConditionOperator = "lt"
	OpLTE        ConditionOperator = "lte"
	OpEQ         ConditionOperator = "eq"
	OpNEQ        ConditionOperator = "neq"
	OpContains   ConditionOperator = "contains"
	OpNotContain ConditionOperator = "not_contains"
)

// Aggregation is the optional rollup a condition applies to its field
// before comparing, evaluated over TimeWindowMs of history.
type Aggregation string

const (
	AggCount Aggregation = "count"
	AggAvg   Aggregation = "avg"
	AggSum   Aggregation = "sum"
	AggMax   Aggregation = "max"
	AggMin   Aggregation = "min"
)

// AlertCondition is one clause of a rule; all conditions in a rule are
// implicitly AND-ed.
type AlertCondition struct {
	Field       string            `json:"field"`
	Operator    ConditionOperator `json:"operator"`
	Value       interface{}       `json:"value"`
	Aggregation Aggregation       `json:"aggregation,omitempty"`
	TimeWindow  time.Duration     `json:"timeWindowMs,omitempty"`
}

// AlertRule is an in-memory rule definition evaluated by the alert
// engine. Persisted rule configuration is out of scope.
type AlertRule struct {
	ID         string           `json:"id"`
	Type       string           `json:"type"`
	Enabled    bool             `json:"enabled"`
	Severity   AlertSeverity    `json:"severity"`
	Conditions []AlertCondition `json:"conditions"`
	Cooldown   time.Duration    `json:"cooldownMs"`
}

// EvalContext is what a rule is evaluated against: a typed header plus a
// string-keyed data bag the conditions' Field values index into.
type EvalContext struct {
	Region    string
	MeterID   string
	Timestamp time.Time
	Data      map[string]interface{}
}
