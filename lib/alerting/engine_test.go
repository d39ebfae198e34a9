package alerting

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solnx/gridflow/internal/model"
	"github.com/solnx/gridflow/internal/msglog"
	"github.com/solnx/gridflow/internal/telemetry"
)

type fakeStore struct {
	mu       sync.Mutex
	inserted []model.Alert
	statuses map[string]model.AlertStatus
}

func newFakeStore() *fakeStore {
	return &fakeStore{statuses: make(map[string]model.AlertStatus)}
}

func (s *fakeStore) InsertAlert(ctx context.Context, a model.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inserted = append(s.inserted, a)
	s.statuses[a.ID] = a.Status
	return nil
}

func (s *fakeStore) UpdateAlertStatus(ctx context.Context, id string, status model.AlertStatus, by string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[id] = status
	return nil
}

type fakeCache struct {
	mu        sync.Mutex
	cooldowns map[string]time.Time
	claimed   map[string]bool
	lastSeen  map[string]time.Time
}

func newFakeCache() *fakeCache {
	return &fakeCache{
		cooldowns: make(map[string]time.Time),
		claimed:   make(map[string]bool),
		lastSeen:  make(map[string]time.Time),
	}
}

func (c *fakeCache) CheckCooldown(ctx context.Context, key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	until, ok := c.cooldowns[key]
	if !ok {
		return false
	}
	return time.Now().Before(until)
}

func (c *fakeCache) SetCooldown(ctx context.Context, key string, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cooldowns[key] = time.Now().Add(ttl)
}

func (c *fakeCache) ActiveAlertDedup(ctx context.Context, key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.claimed[key] {
		return false
	}
	c.claimed[key] = true
	return true
}

func (c *fakeCache) GetMeterLastSeen(ctx context.Context, meterID string) (time.Time, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.lastSeen[meterID]
	return t, ok, nil
}

type fakePublisher struct {
	mu        sync.Mutex
	published []msglog.Message
}

func (p *fakePublisher) Publish(ctx context.Context, topic, key string, value []byte, headers map[string][]byte) (msglog.Receipt, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, msglog.Message{Topic: topic, Key: key, Value: value})
	return msglog.Receipt{Topic: topic}, nil
}

var (
	testRegistry     *telemetry.Registry
	testRegistryOnce sync.Once
)

func newTestEngine() (*Engine, *fakeStore, *fakeCache, *fakePublisher) {
	testRegistryOnce.Do(func() { testRegistry = telemetry.New("alerting_test") })
	store := newFakeStore()
	cache := newFakeCache()
	pub := &fakePublisher{}
	log := logrus.NewEntry(logrus.New())
	return NewEngine(store, cache, pub, nil, testRegistry, log), store, cache, pub
}

func TestRegionalOverloadFires(t *testing.T) {
	e, store, _, pub := newTestEngine()
	ctx := context.Background()

	err := e.Evaluate(ctx, "regional_overload", model.EvalContext{
		Region:    "Pune-West",
		Timestamp: time.Now(),
		Data:      map[string]interface{}{"load_percentage": 95.0},
	})
	require.NoError(t, err)
	require.Len(t, store.inserted, 1)
	require.Len(t, pub.published, 1)
	assert.Equal(t, msglog.TopicAlertsProcessed, pub.published[0].Topic)
}

func TestRegionalOverloadBelowThresholdDoesNotFire(t *testing.T) {
	e, store, _, _ := newTestEngine()
	ctx := context.Background()

	err := e.Evaluate(ctx, "regional_overload", model.EvalContext{
		Region:    "Pune-West",
		Timestamp: time.Now(),
		Data:      map[string]interface{}{"load_percentage": 80.0},
	})
	require.NoError(t, err)
	assert.Empty(t, store.inserted)
}

func TestCooldownMonotonicity(t *testing.T) {
	e, store, _, _ := newTestEngine()
	ctx := context.Background()

	evalCtx := model.EvalContext{
		MeterID:   "MTR-1",
		Timestamp: time.Now(),
		Data:      map[string]interface{}{"last_seen_ago_ms": 35000.0},
	}

	require.NoError(t, e.Evaluate(ctx, "meter_outage", evalCtx))
	require.NoError(t, e.Evaluate(ctx, "meter_outage", evalCtx))
	require.NoError(t, e.Evaluate(ctx, "meter_outage", evalCtx))
	assert.Len(t, store.inserted, 1)
}

func TestHighConsumptionAggregatesOverWindow(t *testing.T) {
	e, store, _, _ := newTestEngine()
	ctx := context.Background()
	base := time.Now()

	for i := 0; i < 5; i++ {
		err := e.Evaluate(ctx, "high_consumption", model.EvalContext{
			MeterID:   "MTR-2",
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Data:      map[string]interface{}{"consumption": 500.0},
		})
		require.NoError(t, err)
	}
	assert.Empty(t, store.inserted)

	err := e.Evaluate(ctx, "high_consumption", model.EvalContext{
		MeterID:   "MTR-2",
		Timestamp: base.Add(6 * time.Minute),
		Data:      map[string]interface{}{"consumption": 6500.0},
	})
	require.NoError(t, err)
	assert.Len(t, store.inserted, 1)
}

func TestAnomalyForwardViaHandleMessage(t *testing.T) {
	e, store, _, pub := newTestEngine()
	ctx := context.Background()

	a := model.Alert{ID: "upstream-1", Type: "ANOMALY", Severity: model.SeverityMedium, MeterID: "MTR-3", Message: "spike detected", Timestamp: time.Now()}
	payload, err := json.Marshal(a)
	require.NoError(t, err)

	require.NoError(t, e.HandleMessage(ctx, msglog.Message{Value: payload}))
	require.Len(t, store.inserted, 1)
	require.Len(t, pub.published, 1)
}

func TestAcknowledgeThenResolvePublishesStatusUpdates(t *testing.T) {
	e, store, _, pub := newTestEngine()
	ctx := context.Background()

	require.NoError(t, e.Acknowledge(ctx, "alert-1", "operator-1"))
	require.NoError(t, e.Resolve(ctx, "alert-1", "operator-1"))

	assert.Equal(t, model.AlertResolved, store.statuses["alert-1"])
	require.Len(t, pub.published, 2)
	assert.Equal(t, msglog.TopicAlertStatusUpdates, pub.published[0].Topic)
}
