package streamproc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/solnx/gridflow/internal/model"
)

const (
	minSampleSize  = 10
	spikeThreshold = 1.0
	dropThreshold  = 0.5
	emaAlpha       = 0.2

	spikeSevereChange = 2.0
	dropSevereChange  = 0.8
	outageMaxPowerKw  = 0.1
	outageMinBaseline = 1.0
)

// BaselineSource is the subset of *tsstore.Store the anomaly detector
// needs to seed a cold-start baseline.
type BaselineSource interface {
	LastAvgPowerForMeter(ctx context.Context, meterID string) (avg float64, ok bool, err error)
}

// meterBaseline is one meter's exponential-moving-average state, per
// spec §3 BaselineCache. hasBaseline distinguishes "never set" from a
// legitimately-zero baseline power; seeded distinguishes "cold-start
// lookup against the store already attempted" from "warmup EMA has run,"
// since the two reach a non-zero power independently.
type meterBaseline struct {
	power       float64
	hasBaseline bool
	seeded      bool
	count       int64
}

// AnomalyDetector maintains per-meter EMA baselines and emits alerts on
// spike, drop or outage conditions. Accessed only from the stream
// processor's single consumer goroutine, per spec §5's "baseline cache in
// S is accessed only from the consumer task" — the mutex guards against
// the admin/metrics surface reading it concurrently, not against the
// consume loop itself.
type AnomalyDetector struct {
	mu        sync.Mutex
	baselines map[string]*meterBaseline
	store     BaselineSource
}

// NewAnomalyDetector builds a detector backed by store for cold-start
// baseline lookups.
func NewAnomalyDetector(store BaselineSource) *AnomalyDetector {
	return &AnomalyDetector{baselines: make(map[string]*meterBaseline), store: store}
}

// Evaluate runs one reading through the spike/drop/outage cascade from
// spec §4.5 and returns the Alert to publish, or nil if nothing fired.
func (d *AnomalyDetector) Evaluate(ctx context.Context, r model.Reading) (*model.Alert, error) {
	d.mu.Lock()
	b, ok := d.baselines[r.MeterID]
	if !ok {
		b = &meterBaseline{}
		d.baselines[r.MeterID] = b
	}
	d.mu.Unlock()

	b.count++
	if b.count <= minSampleSize {
		d.updateEMA(b, r.PowerKw)
		return nil, nil
	}

	if !b.seeded {
		if avg, found, err := d.store.LastAvgPowerForMeter(ctx, r.MeterID); err != nil {
			return nil, fmt.Errorf("streamproc: baseline lookup for %s: %w", r.MeterID, err)
		} else if found {
			b.power = avg
			b.hasBaseline = true
			b.seeded = true
		} else {
			b.seeded = true
			if !b.hasBaseline {
				b.power = r.PowerKw
				b.hasBaseline = true
				return nil, nil
			}
		}
	}

	baseline := b.power
	denom := baseline
	if denom < 0.1 {
		denom = 0.1
	}
	change := (r.PowerKw - baseline) / denom

	switch {
	case change > spikeThreshold:
		sev := model.SeverityMedium
		if change > spikeSevereChange {
			sev = model.SeverityHigh
		}
		return d.alert(r, "ANOMALY", sev, fmt.Sprintf("spike: power %.2f kW is %.0f%% above baseline %.2f kW", r.PowerKw, change*100, baseline)), nil

	case r.PowerKw < outageMaxPowerKw && baseline > outageMinBaseline:
		return d.alert(r, "ANOMALY", model.SeverityHigh, fmt.Sprintf("outage: power dropped to %.3f kW from baseline %.2f kW", r.PowerKw, baseline)), nil

	case change < -dropThreshold:
		sev := model.SeverityLow
		if change < -dropSevereChange {
			sev = model.SeverityMedium
		}
		return d.alert(r, "ANOMALY", sev, fmt.Sprintf("drop: power %.2f kW is %.0f%% below baseline %.2f kW", r.PowerKw, -change*100, baseline)), nil

	default:
		d.updateEMA(b, r.PowerKw)
		return nil, nil
	}
}

func (d *AnomalyDetector) updateEMA(b *meterBaseline, powerKw float64) {
	if !b.hasBaseline {
		b.power = powerKw
		b.hasBaseline = true
		return
	}
	b.power = (1-emaAlpha)*b.power + emaAlpha*powerKw
}

func (d *AnomalyDetector) alert(r model.Reading, typ string, sev model.AlertSeverity, msg string) *model.Alert {
	return &model.Alert{
		ID:        uuid.NewString(),
		Type:      typ,
		Severity:  sev,
		Region:    r.Region,
		MeterID:   r.MeterID,
		Message:   msg,
		Status:    model.AlertActive,
		Timestamp: r.Timestamp,
	}
}
