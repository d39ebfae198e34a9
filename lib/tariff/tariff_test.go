package tariff

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solnx/gridflow/internal/model"
	"github.com/solnx/gridflow/internal/msglog"
	"github.com/solnx/gridflow/internal/telemetry"
)

type fakeStore struct {
	mu       sync.Mutex
	inserted []model.Tariff
	current  map[string]model.Tariff
}

func newFakeStore() *fakeStore { return &fakeStore{current: make(map[string]model.Tariff)} }

func (s *fakeStore) InsertTariff(ctx context.Context, t model.Tariff) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inserted = append(s.inserted, t)
	s.current[t.Region] = t
	return nil
}

func (s *fakeStore) CurrentTariff(ctx context.Context, region string) (model.Tariff, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.current[region]
	return t, ok, nil
}

func (s *fakeStore) AllCurrentTariffs(ctx context.Context) ([]model.Tariff, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Tariff
	for _, t := range s.current {
		out = append(out, t)
	}
	return out, nil
}

func (s *fakeStore) TariffHistory(ctx context.Context, region string, limit int) ([]model.Tariff, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inserted, nil
}

type fakeCache struct {
	mu     sync.Mutex
	prices map[string]float64
}

func newFakeCache() *fakeCache { return &fakeCache{prices: make(map[string]float64)} }

func (c *fakeCache) SetTariff(ctx context.Context, region string, price float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prices[region] = price
	return nil
}

func (c *fakeCache) GetTariff(ctx context.Context, region string) (float64, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.prices[region]
	return p, ok, nil
}

func (c *fakeCache) Preload(ctx context.Context, prices map[string]float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for r, p := range prices {
		c.prices[r] = p
	}
	return nil
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
	testRegistryOnce.Do(func() { testRegistry = telemetry.New("tariff_test") })
	store := newFakeStore()
	cache := newFakeCache()
	pub := &fakePublisher{}
	log := logrus.NewEntry(logrus.New())
	return NewEngine(store, cache, pub, testRegistry, log, 5.00), store, cache, pub
}

func TestTierPricingCriticalThenHysteresis(t *testing.T) {
	e, _, _, pub := newTestEngine()
	ctx := context.Background()

	require.NoError(t, e.Override(ctx, "Pune-West", 5.00, "seed baseline for test", ""))
	pub.published = nil // reset, only interested in the auto-tier publishes below

	ra1 := `{"region":"Pune-West","loadPercentage":92}`
	require.NoError(t, e.HandleRegionalAggregate(ctx, msglog.Message{Value: []byte(ra1)}))
	require.Len(t, pub.published, 1)

	var published model.Tariff
	require.NoError(t, json.Unmarshal(pub.published[0].Value, &published))
	assert.InDelta(t, 6.25, published.PricePerKwh, 1e-9)

	// immediately after, still-critical load at 91% should not re-publish
	// since the price difference is 0 (< the 0.10 hysteresis threshold).
	pub.published = nil
	ra2 := `{"region":"Pune-West","loadPercentage":91}`
	require.NoError(t, e.HandleRegionalAggregate(ctx, msglog.Message{Value: []byte(ra2)}))
	assert.Empty(t, pub.published)
}

func TestOverrideValidation(t *testing.T) {
	e, _, _, _ := newTestEngine()
	ctx := context.Background()

	err := e.Override(ctx, "Pune-West", 0.10, "too low a price to allow", "")
	assert.Error(t, err)

	err = e.Override(ctx, "Pune-West", 5.00, "short", "")
	assert.Error(t, err)

	err = e.Override(ctx, "Pune-West", 5.00, "a sufficiently long reason", "op-1")
	assert.NoError(t, err)
}

func TestOverrideBypassesHysteresis(t *testing.T) {
	e, store, _, pub := newTestEngine()
	ctx := context.Background()

	require.NoError(t, e.Override(ctx, "Pune-West", 5.00, "seed baseline for test", ""))
	pub.published = nil

	require.NoError(t, e.Override(ctx, "Pune-West", 5.05, "manual override within hysteresis band", "op-1"))
	require.Len(t, pub.published, 1)
	assert.Len(t, store.inserted, 2)
}

