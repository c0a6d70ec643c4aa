package wsfanout

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/stratengine/internal/events"
)

func startTestServer(t *testing.T, cfg Config) (*Hub, string, func()) {
	t.Helper()
	hub := NewHub(cfg)
	go hub.Run()

	srv := NewServer(hub, Dependencies{})
	ts := httptest.NewServer(srv.Handler())
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"

	return hub, wsURL, ts.Close
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func TestHub_ConnectSendsConnectedFrame(t *testing.T) {
	_, url, closeFn := startTestServer(t, Config{RequireAuth: false, RecentEventsCapacity: 10})
	defer closeFn()

	conn := dial(t, url)
	defer conn.Close()

	msg := readJSON(t, conn)
	assert.Equal(t, "connected", msg["type"])
}

func TestHub_SubscribeAndReceiveEvent(t *testing.T) {
	hub, url, closeFn := startTestServer(t, Config{RequireAuth: false, RecentEventsCapacity: 10})
	defer closeFn()

	conn := dial(t, url)
	defer conn.Close()
	readJSON(t, conn) // connected

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "subscribe_workflow", "workflow_id": "arb_btc"}))
	subscribed := readJSON(t, conn)
	assert.Equal(t, "subscribed", subscribed["type"])

	recentMsg := readJSON(t, conn)
	assert.Equal(t, "recent_events", recentMsg["type"])

	hub.OnBusEvent(testEnvelope("arb_btc"))

	pushed := readJSON(t, conn)
	assert.Equal(t, "workflow_event", pushed["type"])
}

func TestHub_UnfilteredSessionReceivesNothing(t *testing.T) {
	hub, url, closeFn := startTestServer(t, Config{RequireAuth: false, RecentEventsCapacity: 10})
	defer closeFn()

	conn := dial(t, url)
	defer conn.Close()
	readJSON(t, conn) // connected

	hub.OnBusEvent(testEnvelope("arb_btc"))

	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err) // deadline exceeded: nothing was delivered
}

func TestHub_RequiresAuthenticationBeforeSubscribing(t *testing.T) {
	hub, url, closeFn := startTestServer(t, Config{RequireAuth: true, AuthToken: "secret", RecentEventsCapacity: 10})
	defer closeFn()

	conn := dial(t, url)
	defer conn.Close()
	connected := readJSON(t, conn)
	assert.Equal(t, true, connected["payload"].(map[string]any)["auth_required"])

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "authenticate", "token": "secret"}))
	authResp := readJSON(t, conn)
	assert.Equal(t, "auth_response", authResp["type"])
	assert.Equal(t, true, authResp["payload"].(map[string]any)["success"])

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "subscribe_workflow", "workflow_id": "arb_btc"}))
	subscribed := readJSON(t, conn)
	assert.Equal(t, "subscribed", subscribed["type"])
	readJSON(t, conn) // recent_events

	hub.OnBusEvent(testEnvelope("arb_btc"))
	pushed := readJSON(t, conn)
	assert.Equal(t, "workflow_event", pushed["type"])
}

func TestHub_RefusesSubscribeBeforeAuthentication(t *testing.T) {
	_, url, closeFn := startTestServer(t, Config{RequireAuth: true, AuthToken: "secret", RecentEventsCapacity: 10})
	defer closeFn()

	conn := dial(t, url)
	defer conn.Close()
	readJSON(t, conn) // connected

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "subscribe_workflow", "workflow_id": "arb_btc"}))
	reply := readJSON(t, conn)
	assert.Equal(t, "error", reply["type"])

	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err) // no subscribed/recent_events frame follows the refusal
}

func TestHub_ReplayBufferReturnsMatchingRecentEvents(t *testing.T) {
	hub, url, closeFn := startTestServer(t, Config{RequireAuth: false, RecentEventsCapacity: 10})
	defer closeFn()

	hub.OnBusEvent(testEnvelope("arb_btc"))
	hub.OnBusEvent(testEnvelope("other_workflow"))

	conn := dial(t, url)
	defer conn.Close()
	readJSON(t, conn) // connected

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "subscribe_workflow", "workflow_id": "arb_btc"}))
	readJSON(t, conn) // subscribed

	recentMsg := readJSON(t, conn)
	assert.Equal(t, "recent_events", recentMsg["type"])
	payload := recentMsg["payload"].(map[string]any)
	assert.EqualValues(t, 1, payload["count"])
}

func TestServer_MetricsEndpointReturnsJSON(t *testing.T) {
	hub := NewHub(Config{RequireAuth: false, RecentEventsCapacity: 10})
	go hub.Run()
	srv := NewServer(hub, Dependencies{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	conn := dial(t, "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws")
	defer conn.Close()
	readJSON(t, conn) // connected

	var body summary
	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err := http.Get(ts.URL + "/metrics")
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Contains(t, resp.Header.Get("Content-Type"), "application/json")
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		resp.Body.Close()
		if body.ConnectedClients == 1 || time.Now().After(deadline) {
			break
		}
	}
	assert.EqualValues(t, 1, body.ConnectedClients)
	assert.EqualValues(t, 1, body.TotalConnections)
}

func testEnvelope(workflowID string) events.Envelope {
	return events.New(events.TypeExecutionStarted, events.WorkflowEventsChannel, map[string]any{
		"workflow_id": workflowID, "execution_id": "exec_test_1",
	})
}
