package supervisor

import (
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
	"go.uber.org/zap"

	"github.com/realgrapedrop/xrpl-validator-dashboard/internal/rippled"
)

func testLogger(t *testing.T) *zap.SugaredLogger {
	t.Helper()
	l, err := zap.NewDevelopment()
	require.NoError(t, err)
	return l.Sugar()
}

// upgrader and newAcceptingServer stand in for the node: every
// connection is upgraded and every request gets a success response —
// enough to bring the client up inside the supervisor without a full
// node fake.
var upgrader = websocket.Upgrader{}

func newAcceptingServer() *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var req struct {
				ID int64 `json:"id"`
			}
			json.Unmarshal(raw, &req)
			conn.WriteJSON(map[string]interface{}{"id": req.ID, "status": "success", "type": "response"})
		}
	}))
}

func TestRunStopsCleanlyOnContextCancellation(t *testing.T) {
	srv := newAcceptingServer()
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	client := rippled.New(wsURL, srv.URL, rippled.Options{}, testLogger(t))
	sup := New(client, []string{"ledger"}, testLogger(t))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx, rippled.HandlerSet{}) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not stop after context cancellation")
	}
}
