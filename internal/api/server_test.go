package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danmuck/svctree/internal/auth"
	"github.com/danmuck/svctree/internal/services"
	"github.com/danmuck/svctree/internal/testutil/testlog"
	"github.com/danmuck/svctree/internal/testutil/tlstest"
)

func newTree(t *testing.T, opts Options) (*services.Base, *Server) {
	t.Helper()
	root, err := services.New(services.WithName("root"))
	require.NoError(t, err)
	srv, err := New(opts, services.WithParent(root))
	require.NoError(t, err)

	keys, err := services.New(services.WithName("keys"), services.WithParent(root))
	require.NoError(t, err)
	keys.Expose("generate", func(context.Context, services.Args) (any, error) {
		return "secret", nil
	})
	keys.Expose("identity", func(_ context.Context, args services.Args) (any, error) {
		return "id-" + args["node"], nil
	}, services.Shared())
	return root, srv
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any, header http.Header) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header[k] = v
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	var out map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), rr.Body.String())
	return rr.Code, out
}

func TestHealthAndTree(t *testing.T) {
	testlog.Start(t)
	_, srv := newTree(t, Options{})
	require.Equal(t, "/root/api", srv.FullPath())

	code, body := doJSON(t, srv.Handler(), http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "root", body["service"])

	code, body = doJSON(t, srv.Handler(), http.MethodGet, "/tree", nil, nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "/root", body["path"])
	children, ok := body["children"].([]any)
	require.True(t, ok)
	assert.Len(t, children, 2)

	code, body = doJSON(t, srv.Handler(), http.MethodGet, "/status", nil, nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, string(services.StatusStopped), body["status"])
	assert.Equal(t, map[string]any{"api": "stopped", "keys": "stopped"}, body["services"])
}

func TestCallRolesAndErrors(t *testing.T) {
	testlog.Start(t)
	_, srv := newTree(t, Options{Owner: auth.StaticToken{Token: "s3cret"}})
	h := srv.Handler()
	owner := http.Header{"Authorization": []string{"Bearer s3cret"}}

	code, body := doJSON(t, h, http.MethodPost, "/call", callRequest{Path: "/root/keys", Capability: "generate"}, owner)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "secret", body["output"])
	assert.Equal(t, "/root/keys", body["path"])

	code, _ = doJSON(t, h, http.MethodPost, "/call", callRequest{Path: "/root/keys", Capability: "generate"}, nil)
	assert.Equal(t, http.StatusForbidden, code)

	wrong := http.Header{"Authorization": []string{"Bearer nope"}}
	code, _ = doJSON(t, h, http.MethodPost, "/call", callRequest{Path: "/root/keys", Capability: "generate"}, wrong)
	assert.Equal(t, http.StatusForbidden, code)

	code, body = doJSON(t, h, http.MethodPost, "/call",
		callRequest{Path: "/root/keys", Capability: "identity", Args: map[string]string{"node": "n1"}}, nil)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "id-n1", body["output"])

	cases := []struct {
		req  callRequest
		want int
	}{
		{callRequest{Path: "/root/missing", Capability: "generate"}, http.StatusNotFound},
		{callRequest{Path: "/root/keys", Capability: "absent"}, http.StatusNotFound},
		{callRequest{Path: "/root", Capability: "keys"}, http.StatusBadRequest},
		{callRequest{Path: "/root/keys", Capability: "_hidden"}, http.StatusBadRequest},
		{callRequest{Path: "/root/keys"}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		code, _ := doJSON(t, h, http.MethodPost, "/call", tc.req, owner)
		assert.Equal(t, tc.want, code, "%+v", tc.req)
	}
}

func TestServeLifecycle(t *testing.T) {
	testlog.Start(t)
	root, srv := newTree(t, Options{Addr: "127.0.0.1:0"})

	require.NoError(t, root.Start())
	addr := srv.Addr()
	require.NotEqual(t, "127.0.0.1:0", addr)

	done := make(chan error, 1)
	go func() { done <- srv.Run(context.Background()) }()

	resp, err := http.Get("http://" + addr + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	out, err := services.Call(context.Background(), srv, "addr", nil)
	require.NoError(t, err)
	assert.Equal(t, addr, out)

	require.NoError(t, root.Stop())
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not return after stop")
	}
	assert.Equal(t, services.StatusStopped, srv.Status())
}

func TestStartFailsOnBusyAddr(t *testing.T) {
	testlog.Start(t)
	_, first := newTree(t, Options{Addr: "127.0.0.1:0"})
	require.NoError(t, first.Start())
	t.Cleanup(func() { _ = first.Stop() })

	_, second := newTree(t, Options{Addr: first.Addr()})
	require.Error(t, second.Start())
	assert.False(t, second.Running())
}

func TestServeTLS(t *testing.T) {
	testlog.Start(t)
	ca := tlstest.NewAuthority(t)
	cert, key := ca.IssueServer(t)
	_, srv := newTree(t, Options{Addr: "127.0.0.1:0", TLSCert: cert, TLSKey: key})

	require.NoError(t, srv.Start())
	t.Cleanup(func() { _ = srv.Stop() })

	client := &http.Client{
		Timeout:   5 * time.Second,
		Transport: &http.Transport{TLSClientConfig: ca.ClientConfig()},
	}
	resp, err := client.Get("https://" + srv.Addr() + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	plain, err := http.Get("http://" + srv.Addr() + "/health")
	if err == nil {
		plain.Body.Close()
		assert.Equal(t, http.StatusBadRequest, plain.StatusCode)
	}
}

func TestStartRejectsMissingKeypair(t *testing.T) {
	testlog.Start(t)
	_, srv := newTree(t, Options{Addr: "127.0.0.1:0", TLSCert: "/nonexistent.crt", TLSKey: "/nonexistent.key"})
	require.Error(t, srv.Start())
	assert.False(t, srv.Running())
}
