package node

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/R3E-Network/service_bridge/internal/engine/admission"
	"github.com/R3E-Network/service_bridge/internal/engine/bridge"
	"github.com/R3E-Network/service_bridge/internal/engine/events"
	"github.com/R3E-Network/service_bridge/internal/engine/metrics"
	"github.com/R3E-Network/service_bridge/internal/engine/recovery"
	"github.com/R3E-Network/service_bridge/internal/middleware"
	"github.com/R3E-Network/service_bridge/internal/mock"
	"github.com/R3E-Network/service_bridge/pkg/logger"
	"github.com/R3E-Network/service_bridge/pkg/testutil"
)

type apiFixture struct {
	node    *Node
	handler http.Handler
}

func newAPI(t *testing.T, opts ...APIOption) *apiFixture {
	t.Helper()
	ctx := context.Background()
	exec := testutil.NewExecutor(t)

	collector := metrics.NewCollector("test")
	rt := bridge.NewRuntime(100, "test")
	rt.Metrics = collector
	n := New(WithRuntime(rt))
	t.Cleanup(n.Close)

	_, err := n.Register(ctx, counterService(t, exec))
	require.NoError(t, err)
	_, err = n.Register(ctx, mockService(t, exec, mock.ID(20), mock.InitialGlobalConfigThrowing("ConfigError")))
	require.NoError(t, err)
	require.Error(t, n.Start(ctx))

	opts = append([]APIOption{WithMetricsRegistry(collector.Registry())}, opts...)
	return &apiFixture{node: n, handler: n.Router(opts...)}
}

func (f *apiFixture) do(t *testing.T, method, path, contentType, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.RemoteAddr = "192.0.2.1:5000"
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func TestAPI_Services(t *testing.T) {
	f := newAPI(t)

	rec := f.do(t, http.MethodGet, "/services", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := gjson.Parse(rec.Body.String())
	assert.Equal(t, "counter", body.Get("0.name").String())
	assert.Equal(t, "running", body.Get("0.status").String())
	assert.Equal(t, int64(20), body.Get("1.id").Int())
	assert.Equal(t, "failed", body.Get("1.status").String())
	assert.Contains(t, body.Get("1.error").String(), "ConfigError")
}

func TestAPI_Config(t *testing.T) {
	f := newAPI(t)

	tests := []struct {
		name string
		path string
		code int
		want string
	}{
		{"whole config", "/services/10/config", http.StatusOK, `{"counter":{"start":0}}`},
		{"config path", "/services/10/config?path=counter.start", http.StatusOK, `0`},
		{"missing path", "/services/10/config?path=counter.stop", http.StatusNotFound, ""},
		{"jsonpath", "/services/10/config?jsonpath=$.counter.start", http.StatusOK, `0`},
		{"jsonpath wildcard", "/services/10/config?jsonpath=$..start", http.StatusOK, `[0]`},
		{"missing jsonpath", "/services/10/config?jsonpath=$.counter.stop", http.StatusNotFound, ""},
		{"failed service stores nothing", "/services/20/config", http.StatusOK, `null`},
		{"unknown service", "/services/77/config", http.StatusNotFound, ""},
		{"id out of range", "/services/70000/config", http.StatusBadRequest, ""},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := f.do(t, http.MethodGet, tc.path, "", "")
			assert.Equal(t, tc.code, rec.Code)
			if tc.want != "" {
				assert.JSONEq(t, tc.want, rec.Body.String())
			}
		})
	}
}

func TestAPI_SubmitAndCommit(t *testing.T) {
	f := newAPI(t)

	rec := f.do(t, http.MethodPost, "/services/10/transactions", "text/plain", "04")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, int64(4), gjson.Get(rec.Body.String(), "info.increment").Int())

	rec = f.do(t, http.MethodPost, "/services/10/transactions", "application/octet-stream", "\x03")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	tests := []struct {
		name string
		path string
		ct   string
		body string
		code int
	}{
		{"invalid transaction", "/services/10/transactions", "text/plain", "00", http.StatusUnprocessableEntity},
		{"service throws", "/services/10/transactions", "text/plain", "0102", http.StatusBadRequest},
		{"not hex", "/services/10/transactions", "text/plain", "zz", http.StatusBadRequest},
		{"failed service", "/services/20/transactions", "text/plain", "01", http.StatusConflict},
		{"unknown service", "/services/11/transactions", "text/plain", "01", http.StatusNotFound},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, tc.path, tc.ct, tc.body)
			assert.Equal(t, tc.code, rec.Code, rec.Body.String())
		})
	}

	rec = f.do(t, http.MethodPost, "/blocks", "", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	block := gjson.Parse(rec.Body.String())
	assert.Equal(t, int64(1), block.Get("height").Int())
	assert.Equal(t, int64(2), block.Get("executed").Int())
	hash := block.Get("state_hashes.10.0").String()
	assert.Len(t, hash, 64)
	assert.True(t, strings.HasSuffix(hash, "07"))

	rec = f.do(t, http.MethodGet, "/services/10/state-hashes", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, hash, gjson.Get(rec.Body.String(), "hashes.0").String())

	rec = f.do(t, http.MethodGet, "/services/20/state-hashes", "", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestAPI_EventsHealthMetrics(t *testing.T) {
	f := newAPI(t)
	f.do(t, http.MethodPost, "/blocks", "", "")

	rec := f.do(t, http.MethodGet, "/events?limit=1", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	recent := gjson.Parse(rec.Body.String()).Array()
	require.Len(t, recent, 1)
	assert.Equal(t, "block.committed", recent[0].Get("type").String())

	rec = f.do(t, http.MethodGet, "/events?limit=-3", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/health", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(1), gjson.Get(rec.Body.String(), "height").Int())

	rec = f.do(t, http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "test_node_blocks_committed_total 1")
	assert.Contains(t, rec.Body.String(), `test_node_service_status{service="counter"} 3`)
}

func TestAPI_RateLimit(t *testing.T) {
	f := newAPI(t, WithRateLimiter(middleware.NewRateLimiter(1, 1, logger.NewDefault("test"))))

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/blocks", "", "").Code)
	assert.Equal(t, http.StatusTooManyRequests, f.do(t, http.MethodPost, "/blocks", "", "").Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/services", "", "").Code, "reads are not limited")
}

func TestAPI_Recovery(t *testing.T) {
	ctx := context.Background()
	cfg := recovery.DefaultConfig()
	cfg.InitialDelay = 0

	var mgr *recovery.Manager
	f := newAPI(t, func(a *api) {
		mgr = recovery.NewManager(cfg, a.node.Runtime().Events)
		for _, id := range []uint16{10, 20} {
			h, err := a.node.Handle(id)
			require.NoError(t, err)
			mgr.Register(h)
		}
		WithRecovery(mgr)(a)
	})

	assert.Equal(t, http.StatusConflict, f.do(t, http.MethodPost, "/services/10/recover", "", "").Code, "running service")
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/services/99/recover", "", "").Code)

	rec := f.do(t, http.MethodPost, "/services/20/recover", "", "")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	require.NoError(t, mgr.Shutdown(ctx))

	rec = f.do(t, http.MethodGet, "/recovery", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	infos := gjson.Parse(rec.Body.String())
	assert.Equal(t, int64(20), infos.Get("1.service_id").Int())
	assert.Equal(t, int64(1), infos.Get("1.attempts").Int())
	assert.Contains(t, infos.Get("1.last_error").String(), "ConfigError")
}

func TestAPI_Admission(t *testing.T) {
	c := admission.NewController()
	c.Configure(admission.KindCommit, admission.LimiterConfig{MaxConcurrent: 1, AcquireTimeout: 10 * time.Millisecond})
	t.Cleanup(c.Close)
	f := newAPI(t, WithAdmission(c))

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/blocks", "", "").Code)

	held, err := admission.NewGuard(context.Background(), c, admission.KindCommit)
	require.NoError(t, err)
	rec := f.do(t, http.MethodPost, "/blocks", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, uint64(1), f.node.Height(), "the rejected commit did not run")
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/services/10/state-hashes", "", "").Code, "reads are not limited")
	held.Release()

	rec = f.do(t, http.MethodGet, "/admission", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	stats := gjson.Parse(rec.Body.String())
	assert.Equal(t, int64(2), stats.Get("commit.total_acquired").Int())
	assert.Equal(t, int64(1), stats.Get("commit.total_timeouts").Int())
	assert.Equal(t, int64(0), stats.Get("commit.active").Int())
}

func TestAPI_EventStream(t *testing.T) {
	f := newAPI(t)
	srv := httptest.NewServer(f.handler)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/events/stream?service=counter"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	// The subscription is registered after the handshake; keep committing
	// until an event arrives.
	got := make(chan events.Event, 1)
	go func() {
		var e events.Event
		if err := conn.ReadJSON(&e); err == nil {
			got <- e
		}
	}()

	deadline := time.After(5 * time.Second)
	for {
		rec := f.do(t, http.MethodPost, "/services/10/transactions", "text/plain", "01")
		require.Equal(t, http.StatusAccepted, rec.Code)
		select {
		case e := <-got:
			assert.Equal(t, "counter", e.ServiceName)
			assert.Equal(t, uint16(10), e.ServiceID)
			return
		case <-time.After(20 * time.Millisecond):
		case <-deadline:
			t.Fatal("no event streamed")
		}
	}
}
