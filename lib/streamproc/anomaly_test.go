package streamproc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solnx/gridflow/internal/model"
)

type fakeBaselineSource struct {
	avg   float64
	found bool
}

func (f *fakeBaselineSource) LastAvgPowerForMeter(ctx context.Context, meterID string) (float64, bool, error) {
	return f.avg, f.found, nil
}

func TestAnomalyDetectorSpike(t *testing.T) {
	d := NewAnomalyDetector(&fakeBaselineSource{})
	base := time.Date(2025, 11, 7, 10, 0, 0, 0, time.UTC)

	for i := 0; i < minSampleSize; i++ {
		r := model.Reading{MeterID: "MTR-1", Region: "Pune-West", Timestamp: base.Add(time.Duration(i) * time.Minute), PowerKw: 2}
		alert, err := d.Evaluate(context.Background(), r)
		require.NoError(t, err)
		assert.Nil(t, alert)
	}

	spike := model.Reading{MeterID: "MTR-1", Region: "Pune-West", Timestamp: base.Add(11 * time.Minute), PowerKw: 5}
	alert, err := d.Evaluate(context.Background(), spike)
	require.NoError(t, err)
	require.NotNil(t, alert)
	assert.Equal(t, "ANOMALY", alert.Type)
	assert.Equal(t, model.SeverityMedium, alert.Severity)
}

func TestAnomalyDetectorOutage(t *testing.T) {
	d := NewAnomalyDetector(&fakeBaselineSource{})
	base := time.Date(2025, 11, 7, 10, 0, 0, 0, time.UTC)

	for i := 0; i < minSampleSize; i++ {
		r := model.Reading{MeterID: "MTR-2", Region: "Pune-West", Timestamp: base.Add(time.Duration(i) * time.Minute), PowerKw: 3}
		_, err := d.Evaluate(context.Background(), r)
		require.NoError(t, err)
	}

	outage := model.Reading{MeterID: "MTR-2", Region: "Pune-West", Timestamp: base.Add(11 * time.Minute), PowerKw: 0.01}
	alert, err := d.Evaluate(context.Background(), outage)
	require.NoError(t, err)
	require.NotNil(t, alert)
	assert.Equal(t, model.SeverityHigh, alert.Severity)
}

func TestAnomalyDetectorColdStartFromStore(t *testing.T) {
	d := NewAnomalyDetector(&fakeBaselineSource{avg: 10, found: true})
	base := time.Date(2025, 11, 7, 10, 0, 0, 0, time.UTC)

	var lastAlert *model.Alert
	for i := 0; i <= minSampleSize; i++ {
		r := model.Reading{MeterID: "MTR-3", Region: "Pune-West", Timestamp: base.Add(time.Duration(i) * time.Minute), PowerKw: 1}
		alert, err := d.Evaluate(context.Background(), r)
		require.NoError(t, err)
		lastAlert = alert
	}

	// the 11th reading (count > minSampleSize) must consult the store
	// rather than trusting the in-memory warmup EMA, so the baseline it
	// compares against is the store's 10 kW, not the warmup-converged
	// ~1 kW — which is exactly why this reading fires a drop alert.
	require.NotNil(t, lastAlert)
	assert.Equal(t, model.SeverityMedium, lastAlert.Severity)

	d.mu.Lock()
	b := d.baselines["MTR-3"]
	d.mu.Unlock()
	assert.True(t, b.hasBaseline)
	assert.True(t, b.seeded)
	assert.Equal(t, 10.0, b.power)
}
