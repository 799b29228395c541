package api_test

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/ushineko/netcert/internal/api"
	"github.com/ushineko/netcert/internal/certmgr"
	"github.com/ushineko/netcert/internal/certstore"
	"github.com/ushineko/netcert/internal/instance"
	"github.com/ushineko/netcert/internal/logbuf"
	"github.com/ushineko/netcert/internal/pki"
	"github.com/ushineko/netcert/internal/stats"
)

const testToken = "test-token"

type fixture struct {
	srv   *httptest.Server
	mgr   *certmgr.Manager
	store *certstore.Store
	logs  *logbuf.Buffer
}

func setupServer(t *testing.T, maxNetworks int, opts ...api.Option) *fixture {
	t.Helper()
	id := instance.Identity{Name: "testhost", ID: "test-id"}
	logs := logbuf.New(500)
	logger := slog.New(logs.Handler(slog.LevelDebug))
	st := certstore.New(t.TempDir(), logger)
	_, err := pki.Bootstrap(st.TLSDir(), id, false)
	require.NoError(t, err)

	collector := stats.NewCollector()
	db, err := stats.Open(":memory:", collector, logger, time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	mgr := certmgr.New(&certmgr.Config{
		Store:        st,
		InstanceName: id.Name,
		MaxNetworks:  maxNetworks,
		Recorder:     collector,
		Logger:       logger,
	})
	require.NoError(t, mgr.Start(testContext(t)))
	t.Cleanup(mgr.Close)

	all := append([]api.Option{
		api.WithToken(testToken),
		api.WithStats(db),
		api.WithInstance(id),
		api.WithLogs(logs),
		api.WithLogger(logger),
	}, opts...)
	a := api.New(mgr, all...)
	srv := httptest.NewServer(a.Mount("/netcert"))
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, mgr: mgr, store: st, logs: logs}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	return f.doToken(t, testToken, method, path, body)
}

func (f *fixture) doToken(t *testing.T, token, method, path string, body any) *http.Response {
	t.Helper()
	var reqBody bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&reqBody).Encode(body))
	}
	req, err := http.NewRequestWithContext(testContext(t), method, f.srv.URL+"/netcert"+path, &reqBody)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestHeartbeat(t *testing.T) {
	f := setupServer(t, 10)

	resp := f.doToken(t, "", http.MethodGet, "/heartbeat", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	hb := decode[api.HeartbeatResponse](t, resp)
	assert.Equal(t, "ok", hb.Status)
	assert.Equal(t, "netcertd", hb.Service)
	assert.Equal(t, "testhost", hb.Instance)
	assert.Equal(t, "test-id", hb.InstanceID)
	assert.Equal(t, 10, hb.MaxNetworks)
	assert.Equal(t, 0, hb.Networks)
	assert.Equal(t, f.mgr.CA().Fingerprint, hb.CAFingerprint)
	assert.Positive(t, hb.Process.PID)
	assert.Positive(t, hb.Process.Goroutines)
	assert.Zero(t, hb.Process.ConnsTotal, "no listener attached")
}

func TestCACertificate(t *testing.T) {
	f := setupServer(t, 10)

	resp := f.doToken(t, "", http.MethodGet, "/ca.pem", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/x-pem-file", resp.Header.Get("Content-Type"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, f.mgr.CA().CertPEM, body)
}

func TestAuth(t *testing.T) {
	f := setupServer(t, 10)

	resp := f.doToken(t, "", http.MethodGet, "/api/networks", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = f.doToken(t, "wrong", http.MethodGet, "/api/networks", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("WWW-Authenticate"))

	resp = f.do(t, http.MethodGet, "/api/networks", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestNoTokenDisablesAPI(t *testing.T) {
	f := setupServer(t, 10, api.WithToken(""))

	resp := f.doToken(t, "", http.MethodGet, "/api/networks", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = f.doToken(t, "", http.MethodGet, "/heartbeat", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestNetworkLifecycle(t *testing.T) {
	f := setupServer(t, 10)

	resp := f.do(t, http.MethodGet, "/api/networks", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, decode[[]certstore.Metadata](t, resp))

	resp = f.do(t, http.MethodPost, "/api/networks", api.EnsureNetworkRequest{IP: "10.0.0.5"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	created := decode[certstore.Metadata](t, resp)
	assert.Equal(t, "net-10-0-0-0", created.NetworkID)
	assert.Equal(t, []string{"10.0.0.5"}, created.IPs)
	assert.Equal(t, "testhost - 10.0.0.x", created.Label)

	resp = f.do(t, http.MethodGet, "/api/networks/net-10-0-0-0", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	before, _, err := f.store.ReadCertKeyPair("net-10-0-0-0")
	require.NoError(t, err)
	resp = f.do(t, http.MethodPost, "/api/networks/net-10-0-0-0/regenerate", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	after, _, err := f.store.ReadCertKeyPair("net-10-0-0-0")
	require.NoError(t, err)
	assert.NotEqual(t, before, after)

	resp = f.do(t, http.MethodPost, "/api/networks/net-10-0-0-0/reload", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, http.MethodPut, "/api/networks/net-10-0-0-0/label", api.LabelRequest{Label: "lab bench"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "lab bench", decode[certstore.Metadata](t, resp).Label)

	resp = f.do(t, http.MethodGet, "/api/events?network=net-10-0-0-0", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var kinds []string
	for _, ev := range decode[[]stats.Event](t, resp) {
		kinds = append(kinds, ev.Kind)
	}
	assert.Contains(t, kinds, certmgr.EventIssued)
	assert.Contains(t, kinds, certmgr.EventRegenerated)
	assert.Contains(t, kinds, certmgr.EventRelabeled)

	resp = f.do(t, http.MethodDelete, "/api/networks/net-10-0-0-0", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.False(t, f.store.Exists("net-10-0-0-0"))

	resp = f.do(t, http.MethodDelete, "/api/networks/net-10-0-0-0", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestNotFound(t *testing.T) {
	f := setupServer(t, 10)

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/api/networks/net-9-9-9-0"},
		{http.MethodPost, "/api/networks/net-9-9-9-0/regenerate"},
		{http.MethodPost, "/api/networks/net-9-9-9-0/reload"},
		{http.MethodDelete, "/api/networks/net-9-9-9-0"},
	} {
		resp := f.do(t, tc.method, tc.path, nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, tc.path)
		assert.Contains(t, decode[api.ErrorResponse](t, resp).Error, "not found")
	}

	resp := f.do(t, http.MethodPut, "/api/networks/net-9-9-9-0/label", api.LabelRequest{Label: "x"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCapacityConflict(t *testing.T) {
	f := setupServer(t, 2)

	for i := 0; i < 2; i++ {
		resp := f.do(t, http.MethodPost, "/api/networks", api.EnsureNetworkRequest{IP: fmt.Sprintf("10.0.%d.1", i)})
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	resp := f.do(t, http.MethodPost, "/api/networks", api.EnsureNetworkRequest{IP: "10.0.9.1"})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Contains(t, decode[api.ErrorResponse](t, resp).Error, "at most 2 networks")
}

func TestBadRequests(t *testing.T) {
	f := setupServer(t, 10)

	resp := f.do(t, http.MethodPost, "/api/networks", api.EnsureNetworkRequest{IP: "not an ip"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/api/networks", map[string]string{"address": "10.0.0.1"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "unknown fields are rejected")

	resp = f.do(t, http.MethodPost, "/api/networks", api.EnsureNetworkRequest{IP: "localhost"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "net-127-0-0-0", decode[certstore.Metadata](t, resp).NetworkID)

	resp = f.do(t, http.MethodPut, "/api/networks/net-127-0-0-0/label", api.LabelRequest{Label: "  "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/api/events?limit=zero", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStats(t *testing.T) {
	f := setupServer(t, 10)

	_, err := f.mgr.EnsureNetworkCert(testContext(t), "10.0.0.5")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := f.mgr.GetCertificate(helloFor("10.0.0.5"))
		require.NoError(t, err)
	}

	resp := f.do(t, http.MethodGet, "/api/stats", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	s := decode[api.StatsResponse](t, resp)
	assert.Equal(t, int64(3), s.HandshakesTotal)
	require.Len(t, s.Networks, 1)
	assert.Equal(t, "net-10-0-0-0", s.Networks[0].NetworkID)
}

func TestLogs(t *testing.T) {
	f := setupServer(t, 10)

	_, err := f.mgr.EnsureNetworkCert(testContext(t), "10.0.0.5")
	require.NoError(t, err)
	_, err = f.mgr.EnsureNetworkCert(testContext(t), "192.168.1.5")
	require.NoError(t, err)

	resp := f.do(t, http.MethodGet, "/api/logs?network=net-10-0-0-0&level=info", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	entries := decode[[]logbuf.Entry](t, resp)
	require.NotEmpty(t, entries)
	var msgs []string
	for _, e := range entries {
		assert.Equal(t, "net-10-0-0-0", e.NetworkID)
		msgs = append(msgs, e.Message)
	}
	assert.Contains(t, msgs, "network certificate issued")

	resp = f.do(t, http.MethodGet, "/api/logs?limit=1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[[]logbuf.Entry](t, resp), 1)

	resp = f.do(t, http.MethodGet, "/api/logs?limit=-3", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.doToken(t, "", http.MethodGet, "/api/logs", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestLogStream(t *testing.T) {
	f := setupServer(t, 10)

	ctx, cancel := context.WithTimeout(testContext(t), 10*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/netcert/api/logs/stream?network=net-10-0-0-0"
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{ //nolint:bodyclose // closed by the library
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + testToken}},
	})
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "") //nolint:errcheck // test cleanup

	_, err = f.mgr.EnsureNetworkCert(ctx, "192.168.1.5")
	require.NoError(t, err)
	_, err = f.mgr.EnsureNetworkCert(ctx, "10.0.0.5")
	require.NoError(t, err)

	for {
		var e logbuf.Entry
		require.NoError(t, wsjson.Read(ctx, conn, &e))
		require.Equal(t, "net-10-0-0-0", e.NetworkID, "stream is filtered by network")
		if e.Message == "network certificate issued" {
			break
		}
	}
}

func TestLogStream_RequiresToken(t *testing.T) {
	f := setupServer(t, 10)

	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/netcert/api/logs/stream"
	_, resp, err := websocket.Dial(testContext(t), url, nil) //nolint:bodyclose // closed by the library
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func helloFor(serverName string) *tls.ClientHelloInfo {
	return &tls.ClientHelloInfo{ServerName: serverName}
}
