package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"license-server/internal/events"
	"license-server/internal/metrics"
)

func dialLicenses(t *testing.T, srv *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/licenses?token=" + token
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn, timeout time.Duration) (map[string]interface{}, error) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(timeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	var msg map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg, nil
}

func TestLicenseWebSocketDeliversOwnersEvents(t *testing.T) {
	h := newHarness(t)
	srv := httptest.NewServer(h.srv.Handler())
	defer srv.Close()

	l := h.seed("user-1", 4)

	owner := dialLicenses(t, srv, h.token("user-1", false))
	other := dialLicenses(t, srv, h.token("user-2", false))
	admin := dialLicenses(t, srv, h.token("admin-1", true))

	for _, conn := range []*websocket.Conn{owner, other, admin} {
		msg, err := readEvent(t, conn, 2*time.Second)
		require.NoError(t, err)
		assert.Equal(t, "CONNECTED", msg["type"])
	}
	require.Eventually(t, func() bool { return h.srv.Hub().ClientCount() == 3 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, h.srv.Hub().UserClientCount("user-1"))

	_, err := h.svc.Admin.Revoke(context.Background(), l.Key, "test")
	require.NoError(t, err)

	msg, err := readEvent(t, owner, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, string(events.EventLicenseRevoked), msg["type"])
	data, _ := msg["data"].(map[string]interface{})
	assert.Equal(t, l.ID, data["license_id"])
	assert.NotContains(t, msg, "UserID")

	msg, err = readEvent(t, admin, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, string(events.EventLicenseRevoked), msg["type"])

	_, err = readEvent(t, other, 200*time.Millisecond)
	assert.Error(t, err, "other users receive nothing")
}

func TestLicenseWebSocketRequiresToken(t *testing.T) {
	h := newHarness(t)
	w := h.do(request{method: http.MethodGet, path: "/ws/licenses"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	h = newHarness(t, withoutAuth())
	w = h.do(request{method: http.MethodGet, path: "/ws/licenses?token=x"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func newTestHub(t *testing.T) *LicenseHub {
	t.Helper()
	hub := NewLicenseHub(metrics.New(prometheus.NewRegistry()))
	go hub.Run()
	t.Cleanup(hub.Stop)
	return hub
}

func TestLicenseHubRoutesByUser(t *testing.T) {
	hub := newTestHub(t)

	alice := &WSClient{send: make(chan []byte, 4), hub: hub, userID: "alice", closeChan: make(chan struct{})}
	bob := &WSClient{send: make(chan []byte, 4), hub: hub, userID: "bob", closeChan: make(chan struct{})}
	hub.register <- alice
	hub.register <- bob

	hub.Publish(events.Event{Type: events.EventUsageTracked, UserID: "alice", Data: map[string]interface{}{"minutes": 5}})

	select {
	case msg := <-alice.send:
		assert.Contains(t, string(msg), string(events.EventUsageTracked))
	case <-time.After(time.Second):
		t.Fatal("alice did not receive her event")
	}
	select {
	case msg := <-bob.send:
		t.Fatalf("bob received %s", msg)
	case <-time.After(50 * time.Millisecond):
	}

	hub.unregister <- alice
	require.Eventually(t, func() bool { return hub.UserClientCount("alice") == 0 }, time.Second, 5*time.Millisecond)
	_, open := <-alice.send
	assert.False(t, open, "send channel closed on unregister")
	assert.Equal(t, 1, hub.ClientCount())
}

func TestLicenseHubDropsSlowConsumer(t *testing.T) {
	hub := newTestHub(t)

	slow := &WSClient{send: make(chan []byte), hub: hub, userID: "slow", closeChan: make(chan struct{})}
	hub.register <- slow

	hub.Publish(events.Event{Type: events.EventUsageTracked, UserID: "slow"})
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, time.Second, 5*time.Millisecond)
}

func TestLicenseHubStopClosesClients(t *testing.T) {
	hub := NewLicenseHub(metrics.New(prometheus.NewRegistry()))
	go hub.Run()

	c := &WSClient{send: make(chan []byte, 1), hub: hub, userID: "u", closeChan: make(chan struct{})}
	hub.register <- c
	hub.Stop()

	select {
	case _, open := <-c.send:
		assert.False(t, open)
	case <-time.After(time.Second):
		t.Fatal("client not closed on stop")
	}

	// publishing after stop is a no-op
	hub.Publish(events.Event{Type: events.EventUsageTracked, UserID: "u"})
	hub.Stop()
}
