package sandboxapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"

	"github.com/choiros/sandbox/internal/actorsys"
)

func newTerminalTestServer(t *testing.T, reg *terminalRegistry) string {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/terminal/{id}", reg.ServeWS)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return "ws" + srv.URL[len("http"):]
}

func TestTerminalWSSendsInfoThenOutput(t *testing.T) {
	sup := actorsys.NewSupervisor("root", nil)
	reg := newTerminalRegistry(sup, nil)
	url := newTerminalTestServer(t, reg)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url+"/ws/terminal/term-1?shell=/bin/bash", nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var info map[string]any
	require.NoError(t, json.Unmarshal(data, &info))
	require.Equal(t, "info", info["type"])
	require.Equal(t, "term-1", info["terminal_id"])

	input, _ := json.Marshal(map[string]any{"type": "input", "data": "ZWNobyBoaQo="})
	require.NoError(t, conn.Write(ctx, websocket.MessageText, input))

	sawOutput := false
	for i := 0; i < 10 && !sawOutput; i++ {
		readCtx, readCancel := context.WithTimeout(context.Background(), 2*time.Second)
		_, out, err := conn.Read(readCtx)
		readCancel()
		if err != nil {
			break
		}
		var frame map[string]any
		if json.Unmarshal(out, &frame) == nil && frame["type"] == "output" {
			sawOutput = true
		}
	}
	require.True(t, sawOutput)
}
