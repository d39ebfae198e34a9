package streamproc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solnx/gridflow/internal/model"
)

func TestWindowTableAggregationConservation(t *testing.T) {
	wt := newWindowTable(oneMinute)
	base := time.Date(2025, 11, 7, 10, 0, 0, 0, time.UTC)
	powers := []float64{2, 3, 4, 5, 6, 1}

	for i, p := range powers {
		r := model.Reading{
			MeterID:   "MTR-1",
			Region:    "Pune-West",
			Timestamp: base.Add(time.Duration(i) * 9 * time.Second),
			PowerKw:   p,
		}
		require.True(t, wt.add(r, base))
	}

	_, flushed := wt.flushable(base.Add(oneMinute))
	require.Len(t, flushed, 1)
	agg := model.FromWindow(flushed[0])

	assert.Equal(t, int64(6), agg.Count)
	assert.InDelta(t, 3.5, agg.AvgPowerKw, 1e-9)
	assert.InDelta(t, 6, agg.MaxPowerKw, 1e-9)
}

func TestWindowTableLateReadingDroppedAfterFlush(t *testing.T) {
	wt := newWindowTable(oneMinute)
	base := time.Date(2025, 11, 7, 10, 0, 0, 0, time.UTC)
	r := model.Reading{MeterID: "MTR-1", Region: "Pune-West", Timestamp: base, PowerKw: 2}
	require.True(t, wt.add(r, base))

	keys, flushed := wt.flushable(base.Add(oneMinute))
	require.Len(t, flushed, 1)
	wt.commit(keys)

	// the bucket no longer exists in memory, so a late reading is dropped
	late := model.Reading{MeterID: "MTR-1", Region: "Pune-West", Timestamp: base.Add(30 * time.Second), PowerKw: 9}
	assert.False(t, wt.add(late, base.Add(oneMinute)))
}

func TestWindowTableFlushFreshness(t *testing.T) {
	wt := newWindowTable(oneMinute)
	base := time.Date(2025, 11, 7, 10, 0, 0, 0, time.UTC)
	r := model.Reading{MeterID: "MTR-1", Region: "Pune-West", Timestamp: base, PowerKw: 2}
	require.True(t, wt.add(r, base))

	keys, flushed := wt.flushable(base.Add(oneMinute))
	require.Len(t, flushed, 1)
	wt.commit(keys)

	keys2, stillThere := wt.flushable(base.Add(2 * oneMinute))
	assert.Empty(t, stillThere)
	assert.Empty(t, keys2)
}

func TestRegionalAggregates(t *testing.T) {
	base := time.Date(2025, 11, 7, 10, 0, 0, 0, time.UTC)
	flushed := []*model.PerMeterWindow{
		{BucketStart: base, MeterID: "MTR-1", Region: "Pune-West", PowerSum: 20, Count: 10, MaxPower: 3},
		{BucketStart: base, MeterID: "MTR-2", Region: "Pune-West", PowerSum: 30, Count: 10, MaxPower: 5},
	}
	out := regionalAggregates(flushed, map[string]float64{"Pune-West": 100})
	require.Len(t, out, 1)
	ra := out[0]
	assert.Equal(t, "Pune-West", ra.Region)
	assert.Equal(t, 2, ra.MeterCount)
	assert.InDelta(t, 5.0, ra.TotalPower, 1e-9) // 2.0 + 3.0 avg powers
	assert.InDelta(t, 5.0, ra.LoadPercentage, 1e-9)
}
