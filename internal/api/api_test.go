package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MickyRosa/VisTrain2.0/internal/acquisition"
	"github.com/MickyRosa/VisTrain2.0/internal/auth"
	"github.com/MickyRosa/VisTrain2.0/internal/config"
	"github.com/MickyRosa/VisTrain2.0/internal/connector"
	"github.com/MickyRosa/VisTrain2.0/internal/connector/fake"
	"github.com/MickyRosa/VisTrain2.0/internal/loco"
	"github.com/MickyRosa/VisTrain2.0/internal/measurement"
	"github.com/MickyRosa/VisTrain2.0/internal/motion"
	"github.com/MickyRosa/VisTrain2.0/internal/observability"
)

type testServer struct {
	station *fake.Station
	source  *acquisition.ChanSource
	orch    *measurement.Orchestrator
	metrics *observability.Collector
	handler http.Handler
}

func newTestServer(t *testing.T, opts ...Option) *testServer {
	t.Helper()

	reg := loco.NewRegistry()
	require.NoError(t, reg.Add(loco.Locomotive{Name: "BR218", Address: 3, MaxNotch: 14}))

	timing := config.DefaultTiming()
	timing.PollInterval = time.Millisecond
	timing.ReferenceTimeout = time.Second
	timing.StopTimeout = time.Second
	timing.CommandTimeout = 100 * time.Millisecond

	metrics, err := observability.NewCollector(prometheus.NewRegistry())
	require.NoError(t, err)

	ts := &testServer{
		station: fake.NewStation(),
		source:  acquisition.NewChanSource(1024),
		metrics: metrics,
	}
	// Every non-zero drive command turns the wheel past one marker.
	ts.station.OnCommand = func(c fake.Command) {
		if c.Kind == fake.KindNotch && c.Magnitude > 0 {
			ts.source.Emit(acquisition.Pulse{At: c.At})
		}
	}
	ts.orch = measurement.NewOrchestrator(reg, ts.station, &timing, measurement.WithMetrics(metrics))

	sink := acquisition.NewMemorySink()
	sessions := func(context.Context) (acquisition.Session, error) {
		return acquisition.NewRecorder(ts.source, sink), nil
	}
	opts = append([]Option{WithMetrics(metrics, "/metrics"), WithVersion("test")}, opts...)
	ts.handler = NewServer(ts.orch, reg, nil, sessions, opts...).Handler()

	t.Cleanup(func() {
		if st, ok := ts.orch.Current(); ok && !measurement.Terminal(st.State) {
			_ = ts.orch.EmergencyStop(context.Background())
		}
		_ = ts.source.Close()
	})
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, body string, header ...string) (*httptest.ResponseRecorder, Response) {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)

	var resp Response
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	}
	return rec, resp
}

func dataMap(t *testing.T, resp Response) map[string]any {
	t.Helper()
	m, ok := resp.Data.(map[string]any)
	require.True(t, ok, "data is %T", resp.Data)
	return m
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)

	rec, resp := ts.do(t, http.MethodGet, "/api/v1/health", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", resp.Result)
	_, err := uuid.Parse(resp.CorrelationID)
	assert.NoError(t, err)
	data := dataMap(t, resp)
	assert.Equal(t, "test", data["version"])
	assert.Equal(t, "connected", data["connection"])
}

func TestHealthDegradedWithoutRegistry(t *testing.T) {
	s := NewServer(nil, nil, nil, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, CodeDegraded, resp.Code)
}

func TestLocomotives(t *testing.T) {
	ts := newTestServer(t)

	rec, resp := ts.do(t, http.MethodGet, "/api/v1/locomotives", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"BR218"`)

	rec, resp = ts.do(t, http.MethodGet, "/api/v1/locomotives/BR218", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 3, dataMap(t, resp)["address"])

	rec, resp = ts.do(t, http.MethodGet, "/api/v1/locomotives/V200", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, measurement.CodeNotFound, resp.Code)
}

func TestStartRunRejectsMalformedBodies(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		status int
		code   string
	}{
		{"unknown field", `{"locomotive":"BR218","endNotch":2,"speed":3}`, http.StatusBadRequest, CodeBadRequest},
		{"trailing data", `{"locomotive":"BR218","endNotch":2}{}`, http.StatusBadRequest, CodeBadRequest},
		{"bad duration", `{"locomotive":"BR218","endNotch":2,"totalDuration":12}`, http.StatusBadRequest, CodeBadRequest},
		{"missing locomotive", `{"endNotch":2,"totalDuration":"1s"}`, http.StatusBadRequest, CodeBadRequest},
		{"unknown policy", `{"locomotive":"BR218","endNotch":2,"policy":"ramp"}`, http.StatusBadRequest, measurement.CodeInvalidRange},
		{"notch beyond maximum", `{"locomotive":"BR218","endNotch":20,"totalDuration":"1s"}`, http.StatusBadRequest, measurement.CodeInvalidRange},
		{"unknown locomotive", `{"locomotive":"V200","endNotch":2,"totalDuration":"1s"}`, http.StatusNotFound, measurement.CodeNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t)

			rec, resp := ts.do(t, http.MethodPost, "/api/v1/runs", tt.body)

			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, tt.code, resp.Code)
			assert.Zero(t, ts.station.Count(fake.KindNotch), "command sent for a rejected run")
		})
	}
}

func TestRunLifecycle(t *testing.T) {
	ts := newTestServer(t)

	body := `{"locomotive":"BR218","startNotch":0,"endNotch":2,"policy":"uniform","totalDuration":"200ms"}`
	rec, resp := ts.do(t, http.MethodPost, "/api/v1/runs", body)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	runID := dataMap(t, resp)["id"]
	require.NotEmpty(t, runID)

	require.Eventually(t, func() bool {
		st, ok := ts.orch.Current()
		return ok && st.State == measurement.StateRunning
	}, 2*time.Second, time.Millisecond)

	rec, resp = ts.do(t, http.MethodGet, "/api/v1/runs/current", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, runID, dataMap(t, resp)["id"])

	rec, resp = ts.do(t, http.MethodPost, "/api/v1/runs", body)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, measurement.CodeBusy, resp.Code)

	rec, resp = ts.do(t, http.MethodPost, "/api/v1/connection/disconnect", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, measurement.CodeBusy, resp.Code)

	rec, resp = ts.do(t, http.MethodPost, "/api/v1/runs/current/stop", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	state, _ := dataMap(t, resp)["state"].(string)
	assert.True(t, measurement.Terminal(state), "state %q", state)

	notches := ts.station.Notches()
	require.NotEmpty(t, notches)
	assert.Zero(t, notches[len(notches)-1], "locomotive left moving")

	rec, resp = ts.do(t, http.MethodPost, "/api/v1/runs/current/stop", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, measurement.CodeNotFound, resp.Code)
}

func TestCurrentRunWithoutRun(t *testing.T) {
	ts := newTestServer(t)

	rec, resp := ts.do(t, http.MethodGet, "/api/v1/runs/current", "")

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, measurement.CodeNotFound, resp.Code)
}

func TestEmergencyStopWithoutRun(t *testing.T) {
	ts := newTestServer(t)

	rec, resp := ts.do(t, http.MethodPost, "/api/v1/estop", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, dataMap(t, resp)["halted"])
	assert.Equal(t, 1, ts.station.Count(fake.KindPanic))
}

func TestConnectionEndpoints(t *testing.T) {
	ts := newTestServer(t)

	rec, resp := ts.do(t, http.MethodPost, "/api/v1/connection/disconnect", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "disconnected", dataMap(t, resp)["status"])

	rec, resp = ts.do(t, http.MethodPost, "/api/v1/runs", `{"locomotive":"BR218","endNotch":2,"totalDuration":"1s"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, measurement.CodeUnavailable, resp.Code)

	rec, resp = ts.do(t, http.MethodPost, "/api/v1/connection/connect", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "connected", dataMap(t, resp)["status"])

	ts.station.SetConnectError(connector.ErrLinkFault)
	require.NoError(t, ts.orch.Disconnect(context.Background()))
	rec, resp = ts.do(t, http.MethodPost, "/api/v1/connection/connect", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, measurement.CodeUnavailable, resp.Code)
}

func TestMethodNotAllowed(t *testing.T) {
	ts := newTestServer(t)

	rec, resp := ts.do(t, http.MethodDelete, "/api/v1/locomotives", "")

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, CodeMethodNotAllowed, resp.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ts.do(t, http.MethodPost, "/api/v1/estop", "")

	rec, _ := ts.do(t, http.MethodGet, "/metrics", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "teststand_http_requests_total")
	assert.Contains(t, rec.Body.String(), "teststand_emergency_stops_total")
}

type tokenTable map[string]*auth.Claims

func (tt tokenTable) VerifyToken(token string) (*auth.Claims, error) {
	if c, ok := tt[token]; ok {
		return c, nil
	}
	return nil, errors.New("unknown token")
}

func TestAuthorization(t *testing.T) {
	tokens := tokenTable{
		"viewer": {Subject: "v", Roles: []string{auth.RoleViewer}, Scopes: []string{auth.ScopeRead}},
		"operator": {Subject: "o", Roles: []string{auth.RoleOperator},
			Scopes: []string{auth.ScopeRead, auth.ScopeControl, auth.ScopeTelemetry}},
	}
	ts := newTestServer(t, WithAuth(auth.NewMiddleware(tokens)))

	tests := []struct {
		name   string
		method string
		path   string
		token  string
		status int
	}{
		{"health is public", http.MethodGet, "/api/v1/health", "", http.StatusOK},
		{"missing token", http.MethodGet, "/api/v1/locomotives", "", http.StatusUnauthorized},
		{"invalid token", http.MethodGet, "/api/v1/locomotives", "forged", http.StatusUnauthorized},
		{"viewer reads", http.MethodGet, "/api/v1/locomotives", "viewer", http.StatusOK},
		{"viewer cannot connect", http.MethodPost, "/api/v1/connection/connect", "viewer", http.StatusForbidden},
		{"viewer cannot subscribe", http.MethodGet, "/api/v1/telemetry", "viewer", http.StatusForbidden},
		{"viewer may halt", http.MethodPost, "/api/v1/estop", "viewer", http.StatusOK},
		{"operator connects", http.MethodPost, "/api/v1/connection/connect", "operator", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var header []string
			if tt.token != "" {
				header = []string{"Authorization", "Bearer " + tt.token}
			}
			rec, _ := ts.do(t, tt.method, tt.path, "", header...)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}
}

func TestTelemetryUnavailableWithoutHub(t *testing.T) {
	ts := newTestServer(t)

	rec, resp := ts.do(t, http.MethodGet, "/api/v1/telemetry", "")

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, measurement.CodeUnavailable, resp.Code)
}

func TestToAPIError(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{loco.ErrLocomotiveNotFound, http.StatusNotFound, measurement.CodeNotFound},
		{motion.ErrInvalidProfile, http.StatusBadRequest, measurement.CodeInvalidRange},
		{measurement.ErrRunActive, http.StatusConflict, measurement.CodeBusy},
		{connector.ErrNotConnected, http.StatusServiceUnavailable, measurement.CodeUnavailable},
		{badRequest("nope"), http.StatusBadRequest, CodeBadRequest},
		{errors.New("boom"), http.StatusInternalServerError, measurement.CodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			status, resp := ToAPIError(tt.err)
			assert.Equal(t, tt.status, status)
			require.NotNil(t, resp)
			assert.Equal(t, "error", resp.Result)
			assert.Equal(t, tt.code, resp.Code)
			assert.NotEmpty(t, resp.CorrelationID)
		})
	}

	status, resp := ToAPIError(nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Nil(t, resp)
}
