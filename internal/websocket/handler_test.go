package websocket

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trialguard/internal/license"
)

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = resp.Body.Close()
		_ = conn.Close()
	})
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestHandler_SendsConnectionAndStatus(t *testing.T) {
	hub := startedHub(t)
	status := func(ctx context.Context) (*license.Status, error) {
		return &license.Status{State: license.StateExpired, Message: "Trial expired"}, nil
	}
	srv := httptest.NewServer(NewHandler(hub, status, discardLogger()))
	defer srv.Close()

	conn := dial(t, srv)

	first := readMessage(t, conn)
	assert.Equal(t, TypeConnection, first.Type)
	assert.NotEmpty(t, first.TraceID)

	second := readMessage(t, conn)
	assert.Equal(t, TypeTrialStatus, second.Type)
	data := second.Data.(map[string]interface{})
	assert.Equal(t, "expired", data["state"])
	assert.Equal(t, "Trial expired", data["message"])
}

func TestHandler_ForwardsTransitions(t *testing.T) {
	hub := startedHub(t)
	srv := httptest.NewServer(NewHandler(hub, nil, discardLogger()))
	defer srv.Close()

	conn := dial(t, srv)
	assert.Equal(t, TypeConnection, readMessage(t, conn).Type)

	hub.BroadcastTransition(context.Background(), license.Transition{
		From: license.StateUninitialized,
		To:   license.StateActive,
		At:   time.Now(),
	})

	msg := readMessage(t, conn)
	assert.Equal(t, TypeTrialTransition, msg.Type)
	data := msg.Data.(map[string]interface{})
	assert.Equal(t, "uninitialized", data["from"])
	assert.Equal(t, "active", data["to"])
	assert.Equal(t, []interface{}{}, data["tamper_flags"])
}

func TestHandler_StatusErrorKeepsConnection(t *testing.T) {
	hub := startedHub(t)
	status := func(ctx context.Context) (*license.Status, error) {
		return nil, errors.New("storage unavailable")
	}
	srv := httptest.NewServer(NewHandler(hub, status, discardLogger()))
	defer srv.Close()

	conn := dial(t, srv)
	assert.Equal(t, TypeConnection, readMessage(t, conn).Type)
	assert.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestHandler_RejectsPlainHTTP(t *testing.T) {
	hub := startedHub(t)
	rec := httptest.NewRecorder()
	NewHandler(hub, nil, discardLogger()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 0, hub.ClientCount())
}
