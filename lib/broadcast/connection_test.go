package broadcast

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleClientMessageSubscribeSendsAckAndError(t *testing.T) {
	c := newBareConnection(&Claims{Role: RoleUser, Region: "Pune-West", MeterID: "MTR-1"})

	c.handleClientMessage([]byte(`{"action":"subscribe","channels":["region:Pune-West","alerts"]}`))

	var env struct {
		Type    string `json:"type"`
		Payload struct {
			Channels []string `json:"channels"`
			Channel  string   `json:"channel"`
		} `json:"payload"`
	}

	// allowed channel -> SUBSCRIBED ack
	msg := mustReceive(t, c.send)
	require.NoError(t, json.Unmarshal(msg, &env))
	assert.Equal(t, "SUBSCRIBED", env.Type)
	assert.Equal(t, []string{"region:Pune-West"}, env.Payload.Channels)
	assert.True(t, c.subscribedTo("region:Pune-West"))

	// disallowed channel -> ERROR ack, never added to the subscription set
	msg = mustReceive(t, c.send)
	require.NoError(t, json.Unmarshal(msg, &env))
	assert.Equal(t, "ERROR", env.Type)
	assert.Equal(t, "alerts", env.Payload.Channel)
	assert.False(t, c.subscribedTo("alerts"))
}

func TestHandleClientMessageUnsubscribeSendsAck(t *testing.T) {
	c := newBareConnection(&Claims{Role: RoleUser, Region: "Pune-West"})
	c.subscribe("region:Pune-West")

	c.handleClientMessage([]byte(`{"action":"unsubscribe","channels":["region:Pune-West"]}`))

	var env struct {
		Type    string `json:"type"`
		Payload struct {
			Channels []string `json:"channels"`
		} `json:"payload"`
	}
	msg := mustReceive(t, c.send)
	require.NoError(t, json.Unmarshal(msg, &env))
	assert.Equal(t, "UNSUBSCRIBED", env.Type)
	assert.Equal(t, []string{"region:Pune-West"}, env.Payload.Channels)
	assert.False(t, c.subscribedTo("region:Pune-West"))
}

func mustReceive(t *testing.T, ch chan []byte) []byte {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(time.Second):
		t.Fatal("expected a message, received none")
		return nil
	}
}
