// Package streamproc implements the C5 stream processor: windowed
// per-meter and per-region aggregation with EMA-baselined anomaly
// detection, consuming raw_readings and publishing aggregates_1m,
// aggregates_15m, aggregates_1m_regional and alerts. The bucket-map +
// flush-timer shape generalizes the teacher's per-asset in-memory state
// maps (CPUData, MemData, CTXData, DskData keyed by AssetID in
// lib/cyclone/cyclone.go) from per-metric-type accumulators to
// time-bucketed per-meter windows.
package streamproc

import (
	"sync"
	"time"

	"github.com/solnx/gridflow/internal/model"
)

const (
	oneMinute     = time.Minute
	fifteenMinute = 15 * time.Minute

	defaultRegionalCapacityKw = 1_000_000
)

// bucketStart floors t to the start of the window of length d, as a Unix
// seconds-aligned instant per the spec's design note preferring
// precomputed integer bucket ids over string-keyed maps.
func bucketStart(t time.Time, d time.Duration) time.Time {
	return t.Truncate(d)
}

// windowKey identifies one per-meter window within a bucket map.
type windowKey struct {
	bucket  time.Time
	meterID string
}

// windowTable holds every live PerMeterWindow for one granularity
// (1-minute or 15-minute), guarded by a mutex since the flush timer reads
// it from a different goroutine than the consume loop writes it.
type windowTable struct {
	mu       sync.Mutex
	duration time.Duration
	windows  map[windowKey]*model.PerMeterWindow
}

func newWindowTable(d time.Duration) *windowTable {
	return &windowTable{duration: d, windows: make(map[windowKey]*model.PerMeterWindow)}
}

// add folds reading r into its bucket's per-meter window. Readings whose
// bucket has already been flushed (no longer present) are dropped
// silently per the late-reading rule in spec §4.5/§5; the caller bumps
// the drop counter.
func (t *windowTable) add(r model.Reading, now time.Time) (added bool) {
	b := bucketStart(r.Timestamp, t.duration)
	currentBucket := bucketStart(now, t.duration)

	t.mu.Lock()
	defer t.mu.Unlock()

	if b.Before(currentBucket) {
		// Late for an already-advancing bucket: only accept if the
		// bucket window still exists in memory (not yet flushed).
		key := windowKey{bucket: b, meterID: r.MeterID}
		w, ok := t.windows[key]
		if !ok {
			return false
		}
		w.Add(r)
		return true
	}

	key := windowKey{bucket: b, meterID: r.MeterID}
	w, ok := t.windows[key]
	if !ok {
		w = &model.PerMeterWindow{BucketStart: b, MeterID: r.MeterID, Region: r.Region}
		t.windows[key] = w
	}
	w.Add(r)
	return true
}

// flushable snapshots every window whose bucket predates the bucket of
// now — the windows the flush timer is about to publish. It does not
// remove them: per spec §4.5/§8 ("flush failure ⇒ retain buckets, retry
// next tick"), the caller only calls commit once the store upsert has
// succeeded; a later publish failure does not bring the windows back.
// Because the live loop never writes to a bucket
// once it is older than currentBucket(now), the snapshot is stable.
func (t *windowTable) flushable(now time.Time) ([]windowKey, []*model.PerMeterWindow) {
	currentBucket := bucketStart(now, t.duration)

	t.mu.Lock()
	defer t.mu.Unlock()

	var keys []windowKey
	var out []*model.PerMeterWindow
	for key, w := range t.windows {
		if key.bucket.Before(currentBucket) {
			keys = append(keys, key)
			out = append(out, w)
		}
	}
	return keys, out
}

// commit discards the windows named by keys, called once their flush has
// durably landed (store upsert succeeded).
func (t *windowTable) commit(keys []windowKey) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, k := range keys {
		delete(t.windows, k)
	}
}

// regionalAggregates derives one RegionalAggregate per region from a set
// of flushed 1-minute per-meter windows sharing the same bucket, per spec
// §3/§4.5.
func regionalAggregates(flushed []*model.PerMeterWindow, capacity map[string]float64) []model.RegionalAggregate {
	type acc struct {
		bucket     time.Time
		totalPower float64
		maxPower   float64
		minPower   float64
		meters     []string
		first      bool
	}
	byRegion := make(map[string]*acc)

	for _, w := range flushed {
		a, ok := byRegion[w.Region]
		if !ok {
			a = &acc{bucket: w.BucketStart, minPower: w.AvgPower(), first: true}
			byRegion[w.Region] = a
		}
		avg := w.AvgPower()
		a.totalPower += avg
		if avg > a.maxPower {
			a.maxPower = avg
		}
		if a.first || avg < a.minPower {
			a.minPower = avg
		}
		a.first = false
		a.meters = append(a.meters, w.MeterID)
	}

	out := make([]model.RegionalAggregate, 0, len(byRegion))
	for region, a := range byRegion {
		capKw := float64(defaultRegionalCapacityKw)
		if v, ok := capacity[region]; ok {
			capKw = v
		}
		out = append(out, model.RegionalAggregate{
			Region:         region,
			WindowStart:    a.bucket,
			MeterCount:     len(a.meters),
			TotalPower:     a.totalPower,
			MaxPower:       a.maxPower,
			MinPower:       a.minPower,
			ActiveMeterIDs: a.meters,
			LoadPercentage: a.totalPower / capKw * 100,
		})
	}
	return out
}
