package hypervisor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"
)

type staticResolver struct {
	port int
	err  error
}

func (s staticResolver) ResolvePort(_ context.Context, _ string) (int, error) {
	return s.port, s.err
}

func TestServeHTTPForwardsToResolvedPort(t *testing.T) {
	sandbox := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Empty(t, r.Header.Get("Connection"))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("hello from sandbox"))
	}))
	defer sandbox.Close()

	parsed, err := url.Parse(sandbox.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(parsed.Port())
	require.NoError(t, err)

	proxy := New(staticResolver{port: port})

	req := httptest.NewRequest(http.MethodGet, "/hello", nil)
	req.Header.Set("Connection", "keep-alive")
	rec := httptest.NewRecorder()

	proxy.ServeHTTP(rec, req, "sbx-1")

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "hello from sandbox", rec.Body.String())
}

func TestServeHTTPReturnsBadGatewayWhenUnresolvable(t *testing.T) {
	proxy := New(staticResolver{err: errUnreachable{}})
	req := httptest.NewRequest(http.MethodGet, "/hello", nil)
	rec := httptest.NewRecorder()

	proxy.ServeHTTP(rec, req, "sbx-missing")

	require.Equal(t, http.StatusBadGateway, rec.Code)
}

type errUnreachable struct{}

func (errUnreachable) Error() string { return "sandbox namespace not found" }

func TestServeWSBridgesMessagesBothWays(t *testing.T) {
	sandboxServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		require.NoError(t, err)
		defer conn.CloseNow()

		ctx := context.Background()
		typ, data, err := conn.Read(ctx)
		require.NoError(t, err)
		require.Equal(t, "ping", string(data))
		require.NoError(t, conn.Write(ctx, typ, []byte("pong")))

		time.Sleep(50 * time.Millisecond)
		conn.Close(websocket.StatusNormalClosure, "done")
	}))
	defer sandboxServer.Close()

	parsed, err := url.Parse(sandboxServer.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(parsed.Port())
	require.NoError(t, err)

	proxy := New(staticResolver{port: port})
	frontend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		proxy.ServeWS(w, r, "sbx-1", "/ws")
	}))
	defer frontend.Close()

	clientURL := "ws" + frontend.URL[len("http"):]
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	clientConn, _, err := websocket.Dial(ctx, clientURL, nil)
	require.NoError(t, err)
	defer clientConn.CloseNow()

	require.NoError(t, clientConn.Write(ctx, websocket.MessageText, []byte("ping")))

	_, data, err := clientConn.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, "pong", string(data))
}
