package broadcast

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

var (
	testRegistry     *telemetry.Registry
	testRegistryOnce sync.Once
)

func newTestHub() *Hub {
	testRegistryOnce.Do(func() { testRegistry = telemetry.New("broadcast_test") })
	return NewHub(testRegistry, logrus.NewEntry(logrus.New()))
}

func newBareConnection(claims *Claims) *Connection {
	return &Connection{claims: claims, channels: make(map[string]bool), send: make(chan []byte, sendBuffer)}
}

func TestHubTariffFanOutToRegionAndGlobalChannel(t *testing.T) {
	h := newTestHub()

	puneUser := newBareConnection(&Claims{Role: RoleUser, Region: "Pune-West"})
	puneUser.subscribe("tariffs")
	puneUser.subscribe("region:Pune-West")
	h.register(puneUser)

	otherRegion := newBareConnection(&Claims{Role: RoleUser, Region: "Mumbai"})
	otherRegion.subscribe("tariffs")
	h.register(otherRegion)

	tariff := model.Tariff{Region: "Pune-West", PricePerKwh: 6.25}
	payload, err := json.Marshal(tariff)
	require.NoError(t, err)

	require.NoError(t, h.HandleTariffUpdate(context.Background(), msglog.Message{Value: payload}))

	assertEnvelopeType(t, puneUser.send, time.Second, "TARIFF_UPDATE")
	assertEnvelopeType(t, otherRegion.send, time.Second, "TARIFF_UPDATE")
}

func TestHubAlertFanOutRespectsSubscription(t *testing.T) {
	h := newTestHub()

	operator := newBareConnection(&Claims{Role: RoleOperator})
	operator.subscribe("alerts")
	h.register(operator)

	unsubscribedUser := newBareConnection(&Claims{Role: RoleUser})
	h.register(unsubscribedUser)

	a := model.Alert{ID: "a-1", Type: "ANOMALY", Region: "Pune-West", MeterID: "MTR-1"}
	payload, err := json.Marshal(a)
	require.NoError(t, err)

	require.NoError(t, h.HandleAlertProcessed(context.Background(), msglog.Message{Value: payload}))

	assertEnvelopeType(t, operator.send, time.Second, "ALERT")
	assert.Empty(t, unsubscribedUser.send)
}

// assertEnvelopeType waits for a message on ch and asserts its "type"
// field matches wantType, catching any drift from the spec's literal
// frame-type enum (WELCOME/ALERT/ALERT_STATUS_UPDATE/TARIFF_UPDATE/
// SUBSCRIBED/UNSUBSCRIBED/ERROR).
func assertEnvelopeType(t *testing.T, ch chan []byte, d time.Duration, wantType string) {
	t.Helper()
	select {
	case msg := <-ch:
		var env struct {
			Type string `json:"type"`
		}
		require.NoError(t, json.Unmarshal(msg, &env))
		assert.Equal(t, wantType, env.Type)
	case <-time.After(d):
		t.Fatal("expected a message, received none")
	}
}
