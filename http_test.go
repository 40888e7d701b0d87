package cobot_us

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.viam.com/rdk/logging"
)

func newTestServer(t *testing.T, ts *testSystem) *httptest.Server {
	t.Helper()
	h := NewHTTPServer(ts.System, logging.NewTestLogger(t))
	srv := httptest.NewServer(h.Handler())
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, method, url string, body any) (int, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]any{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestHTTPStatusMapping(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{ErrUnknownCommand, http.StatusBadRequest},
		{ErrInvalidSpeed, http.StatusBadRequest},
		{ErrOutOfRange, http.StatusBadRequest},
		{ErrBusy, http.StatusConflict},
		{ErrNotConnected, http.StatusConflict},
		{ErrRobotNotConnected, http.StatusConflict},
		{ErrNotReconstructing, http.StatusConflict},
		{ErrImageStreamUnavailable, http.StatusServiceUnavailable},
		{ErrMoveTimeout, http.StatusGatewayTimeout},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{assert.AnError, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, httpStatus(tt.err), "%v", tt.err)
	}
}

func TestHTTPServer(t *testing.T) {
	ts := newTestSystem(t, "")
	srv := newTestServer(t, ts)
	api := srv.URL + "/api/v1"

	t.Run("health", func(t *testing.T) {
		code, out := doJSON(t, http.MethodGet, api+"/health", nil)
		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, "healthy", out["status"])
		assert.Equal(t, "disconnected", out["arm"])
	})

	t.Run("command before connect conflicts", func(t *testing.T) {
		code, out := doJSON(t, http.MethodPost, api+"/commands/read_angles", nil)
		assert.Equal(t, http.StatusConflict, code)
		assert.Contains(t, out["message"], "arm not connected")
	})

	t.Run("unknown command", func(t *testing.T) {
		code, _ := doJSON(t, http.MethodPost, api+"/commands", map[string]any{"command": "dance"})
		assert.Equal(t, http.StatusBadRequest, code)
	})

	t.Run("connect and move", func(t *testing.T) {
		code, out := doJSON(t, http.MethodPost, api+"/commands/connect", nil)
		require.Equal(t, http.StatusOK, code)
		assert.Equal(t, true, out["success"])

		code, out = doJSON(t, http.MethodPost, api+"/commands/start", map[string]any{"speed": 10})
		require.Equal(t, http.StatusOK, code)
		assert.Equal(t, []any{-15.0, -28.0, -135.0, 76.0, 5.0, 30.0}, out["target"])

		code, _ = doJSON(t, http.MethodPost, api+"/commands/end", map[string]any{"speed": 1000})
		assert.Equal(t, http.StatusBadRequest, code)
	})

	t.Run("status", func(t *testing.T) {
		code, out := doJSON(t, http.MethodGet, api+"/status", nil)
		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, "connected", out["arm"].(map[string]any)["state"])
	})

	t.Run("settings", func(t *testing.T) {
		code, out := doJSON(t, http.MethodGet, api+"/settings", nil)
		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, 5.0, out["speed"])

		code, out = doJSON(t, http.MethodPut, api+"/settings", map[string]any{"speed": 25, "angle_range": 20})
		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, 25.0, out["speed"])
		assert.Equal(t, 20.0, out["angle_range"])

		code, _ = doJSON(t, http.MethodPut, api+"/settings", map[string]any{"image_threshold": -500})
		assert.Equal(t, http.StatusBadRequest, code)
		assert.Equal(t, 100.0, ts.Settings.Snapshot().ImageThreshold)
	})

	t.Run("transforms", func(t *testing.T) {
		require.Eventually(t, func() bool { return ts.Scene.HasTransform(ProbeHolderToRobotBaseName) }, time.Second, 5*time.Millisecond)

		code, out := doJSON(t, http.MethodGet, api+"/transforms/"+ProbeHolderToRobotBaseName, nil)
		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, ProbeHolderToRobotBaseName, out["name"])

		code, _ = doJSON(t, http.MethodGet, api+"/transforms/Missing", nil)
		assert.Equal(t, http.StatusNotFound, code)

		code, out = doJSON(t, http.MethodGet, api+"/transforms/"+ProbeHolderToRobotBaseName+"?world=true", nil)
		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, ProbeHolderToRobotBaseName, out["name"])
		assert.NotContains(t, out, "parent", "a root node has no parent")
		assert.Len(t, out["matrix"], 16)

		code, _ = doJSON(t, http.MethodGet, api+"/transforms/Missing?world=true", nil)
		assert.Equal(t, http.StatusNotFound, code)
	})

	t.Run("reconstruction without images", func(t *testing.T) {
		code, _ := doJSON(t, http.MethodPost, api+"/commands/reset_and_start", nil)
		assert.Equal(t, http.StatusServiceUnavailable, code)
	})

	t.Run("history", func(t *testing.T) {
		code, out := doJSON(t, http.MethodGet, api+"/history?limit=5", nil)
		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, 1.0, out["count"])

		code, _ = doJSON(t, http.MethodGet, api+"/history?limit=zero", nil)
		assert.Equal(t, http.StatusBadRequest, code)
	})

	t.Run("invalid json", func(t *testing.T) {
		resp, err := http.Post(api+"/commands", "application/json", strings.NewReader("{"))
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestTransformStream(t *testing.T) {
	ts := newTestSystem(t, "")
	srv := newTestServer(t, ts)
	ts.connect(t)
	require.Eventually(t, func() bool { return ts.Scene.HasTransform(ProbeHolderToRobotBaseName) }, time.Second, 5*time.Millisecond)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/ws/transforms"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var first TransformMessage
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, ProbeHolderToRobotBaseName, first.Name)

	require.Eventually(t, func() bool { return ts.Hub.ConnectedCount() == 1 }, time.Second, 5*time.Millisecond)

	var next TransformMessage
	require.NoError(t, conn.ReadJSON(&next))
	assert.Equal(t, ProbeHolderToRobotBaseName, next.Name)
	assert.GreaterOrEqual(t, next.Seq, first.Seq)
	_, err = next.DecodePose()
	assert.NoError(t, err)

	conn.Close()
	require.Eventually(t, func() bool { return ts.Hub.ConnectedCount() == 0 }, time.Second, 5*time.Millisecond)
}
