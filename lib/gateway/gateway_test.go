package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solnx/gridflow/internal/msglog"
	"github.com/solnx/gridflow/internal/telemetry"
)

type fakePublisher struct {
	mu         sync.Mutex
	published  int
	batchCalls int
}

func (f *fakePublisher) Publish(ctx context.Context, topic, key string, value []byte, headers map[string][]byte) (msglog.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published++
	return msglog.Receipt{Topic: topic, Partition: 0, Offset: int64(f.published)}, nil
}

func (f *fakePublisher) PublishBatch(ctx context.Context, topic string, items []msglog.KeyValue) ([]msglog.BatchReceipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batchCalls++
	receipts := make([]msglog.BatchReceipt, len(items))
	for i, item := range items {
		f.published++
		receipts[i] = msglog.BatchReceipt{Key: item.Key, Partition: 0, Offset: int64(f.published)}
	}
	return receipts, nil
}

type fakeCache struct {
	mu   sync.Mutex
	seen map[string]bool
}

func newFakeCache() *fakeCache { return &fakeCache{seen: make(map[string]bool)} }

func (f *fakeCache) DedupReading(ctx context.Context, dedupKey string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.seen[dedupKey] {
		return false
	}
	f.seen[dedupKey] = true
	return true
}

func (f *fakeCache) UpdateMeterLastSeen(ctx context.Context, meterID, region string, at time.Time) error {
	return nil
}

var (
	testRegistry     *telemetry.Registry
	testRegistryOnce sync.Once
)

func newTestGateway() (*Gateway, *fakePublisher) {
	testRegistryOnce.Do(func() { testRegistry = telemetry.New("gateway_test") })
	pub := &fakePublisher{}
	cache := newFakeCache()
	log := logrus.NewEntry(logrus.New())
	return New(pub, cache, testRegistry, log), pub
}

func TestSingleReadingAcceptedThenDuplicate(t *testing.T) {
	g, pub := newTestGateway()
	router := g.Router()

	body := []byte(`{"meterId":"MTR-1","region":"Pune-West","timestamp":"2025-11-07T10:00:00Z","powerKw":2.5}`)

	req := httptest.NewRequest("POST", "/telemetry", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, 200, rec.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "success", resp["status"])
	assert.Nil(t, resp["duplicate"])
	assert.Equal(t, 1, pub.published)

	req2 := httptest.NewRequest("POST", "/telemetry", bytes.NewReader(body))
	rec2 := httptest.NewRecorder()
	router.ServeHTTP(rec2, req2)
	require.Equal(t, 200, rec2.Code)

	var resp2 map[string]interface{}
	require.NoError(t, json.Unmarshal(rec2.Body.Bytes(), &resp2))
	assert.Equal(t, true, resp2["duplicate"])
	assert.Equal(t, 1, pub.published)
}

func TestInvalidReadingRejected(t *testing.T) {
	g, _ := newTestGateway()
	router := g.Router()

	body := []byte(`{"meterId":"MTR-1","region":"Pune-West","timestamp":"2025-11-07T10:00:00Z","powerKw":-3}`)
	req := httptest.NewRequest("POST", "/telemetry", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, 400, rec.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "powerKw", resp["field"])
}

func TestBatchPartialSuccess(t *testing.T) {
	g, pub := newTestGateway()
	router := g.Router()

	body := []byte(`[
		{"meterId":"MTR-1","region":"Pune-West","timestamp":"2025-11-07T10:00:00Z","powerKw":2.5},
		{"meterId":"MTR-2","region":"Pune-West","timestamp":"2025-11-07T10:00:00Z","powerKw":-1}
	]`)
	req := httptest.NewRequest("POST", "/telemetry/batch", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, 207, rec.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, float64(1), resp["accepted"])
	assert.Equal(t, float64(1), resp["failed"])

	// the unique accepted subset must go out in a single produce call,
	// not one call per reading.
	assert.Equal(t, 1, pub.batchCalls)
}

func TestBatchPublishesUniqueSubsetInOneCall(t *testing.T) {
	g, pub := newTestGateway()
	router := g.Router()

	body := []byte(`[
		{"meterId":"MTR-1","region":"Pune-West","timestamp":"2025-11-07T10:00:00Z","powerKw":2.5},
		{"meterId":"MTR-2","region":"Pune-West","timestamp":"2025-11-07T10:00:00Z","powerKw":3.0},
		{"meterId":"MTR-3","region":"Pune-West","timestamp":"2025-11-07T10:00:00Z","powerKw":1.5}
	]`)
	req := httptest.NewRequest("POST", "/telemetry/batch", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, float64(3), resp["accepted"])
	assert.Equal(t, 1, pub.batchCalls)
	assert.Equal(t, 3, pub.published)
}

func TestBatchLengthValidation(t *testing.T) {
	g, _ := newTestGateway()
	router := g.Router()

	req := httptest.NewRequest("POST", "/telemetry/batch", bytes.NewReader([]byte(`[]`)))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, 400, rec.Code)
}
