package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/synckit-dev/syncserver/internal/config"
	"github.com/synckit-dev/syncserver/internal/protocol"
)

// testConfig is an in-process server configuration: in-memory storage and
// bus, auth disabled, timers generous enough that heartbeats never interfere.
func testConfig() *config.Config {
	return &config.Config{
		Host:                    "127.0.0.1",
		Port:                    3001,
		Environment:             "test",
		MaxConnections:          64,
		HeartbeatInterval:       time.Hour,
		HeartbeatTimeout:        2 * time.Hour,
		BatchWindow:             10 * time.Millisecond,
		AckTimeout:              time.Second,
		MaxAckAttempts:          3,
		AwarenessTTL:            time.Minute,
		AwarenessReaperInterval: time.Minute,
		SnapshotThreshold:       100,
		RedisChannelPrefix:      "synckit:",
		MaxMessageSize:          1 << 20,
		ConnRateLimit:           1000,
		ConnRateBurst:           1000,
	}
}

func newTestServer(t *testing.T, mutate func(*config.Config)) (*Server, *httptest.Server) {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(cfg)
	}
	srv, err := New(context.Background(), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return srv, ts
}

func wsEndpoint(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	c, resp, err := websocket.DefaultDialer.Dial(wsEndpoint(ts), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	resp.Body.Close()
	t.Cleanup(func() { c.Close() })
	return c
}

func sendMsg(t *testing.T, c *websocket.Conn, msg *protocol.Message) {
	t.Helper()
	data, err := protocol.Encode(msg, protocol.FramingJSON)
	if err != nil {
		t.Fatalf("encode %s: %v", msg.Type, err)
	}
	if err := c.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write %s: %v", msg.Type, err)
	}
}

func readMsg(t *testing.T, c *websocket.Conn) *protocol.Message {
	t.Helper()
	if err := c.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("set read deadline: %v", err)
	}
	_, data, err := c.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	msg, _, err := protocol.Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return msg
}

func expectType(t *testing.T, c *websocket.Conn, msgType string) *protocol.Message {
	t.Helper()
	msg := readMsg(t, c)
	if msg.Type != msgType {
		t.Fatalf("message type = %s (payload %v), want %s", msg.Type, msg.Payload, msgType)
	}
	return msg
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestServerEndToEndSync(t *testing.T) {
	srv, ts := newTestServer(t, nil)

	writer := dial(t, ts)
	reader := dial(t, ts)

	sendMsg(t, writer, protocol.New(protocol.TypeSubscribe, map[string]interface{}{"documentId": "doc-e2e"}))
	sub := expectType(t, writer, protocol.TypeSyncResponse)
	if state, ok := sub.Payload["state"].(map[string]interface{}); !ok || len(state) != 0 {
		t.Fatalf("fresh document state = %v, want empty object", sub.Payload["state"])
	}

	sendMsg(t, reader, protocol.New(protocol.TypeSubscribe, map[string]interface{}{"documentId": "doc-e2e"}))
	expectType(t, reader, protocol.TypeSyncResponse)

	write := protocol.New(protocol.TypeDelta, map[string]interface{}{
		"documentId": "doc-e2e",
		"delta":      map[string]interface{}{"title": "hello"},
		"clientId":   "client-a",
		"timestamp":  int64(1000),
	})
	sendMsg(t, writer, write)

	ack := expectType(t, writer, protocol.TypeAck)
	if ack.ID != write.ID {
		t.Fatalf("ack id = %s, want %s", ack.ID, write.ID)
	}

	delta := expectType(t, reader, protocol.TypeDelta)
	fields, _ := delta.Payload["delta"].(map[string]interface{})
	if fields["title"] != "hello" {
		t.Fatalf("fanned-out delta = %v, want title=hello", delta.Payload)
	}
	if delta.Payload["clientId"] != "client-a" {
		t.Fatalf("fanned-out clientId = %v, want client-a", delta.Payload["clientId"])
	}

	sendMsg(t, reader, protocol.NewAck(delta.ID, "doc-e2e"))
	waitFor(t, "delivery acknowledged", func() bool { return srv.coord.PendingAcks() == 0 })
}

func TestServerInfoAndHealth(t *testing.T) {
	_, ts := newTestServer(t, nil)

	t.Run("info", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/")
		if err != nil {
			t.Fatalf("GET /: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("GET / status = %d", resp.StatusCode)
		}
		var body map[string]interface{}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatalf("decode info: %v", err)
		}
		if body["version"] != Version {
			t.Fatalf("info version = %v, want %s", body["version"], Version)
		}
	})

	t.Run("unknown path", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/nope")
		if err != nil {
			t.Fatalf("GET /nope: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("GET /nope status = %d, want 404", resp.StatusCode)
		}
	})

	t.Run("health", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/health")
		if err != nil {
			t.Fatalf("GET /health: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("GET /health status = %d", resp.StatusCode)
		}
		var body map[string]interface{}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatalf("decode health: %v", err)
		}
		if body["status"] != "healthy" {
			t.Fatalf("health status = %v, want healthy", body["status"])
		}
		storageInfo, _ := body["storage"].(map[string]interface{})
		if storageInfo["connected"] != true {
			t.Fatalf("health storage = %v, want connected", body["storage"])
		}
	})

	t.Run("cors preflight", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodOptions, ts.URL+"/health", nil)
		if err != nil {
			t.Fatalf("build preflight: %v", err)
		}
		req.Header.Set("Origin", "https://app.example.com")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("OPTIONS /health: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusNoContent {
			t.Fatalf("preflight status = %d, want 204", resp.StatusCode)
		}
		if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
			t.Fatalf("allow-origin = %q", got)
		}
	})
}

func TestServerMetricsEndpoint(t *testing.T) {
	_, ts := newTestServer(t, nil)

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /metrics status = %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read metrics: %v", err)
	}
	if !strings.Contains(string(body), "synckit_") {
		t.Fatal("metrics output missing synckit_ series")
	}
}

func TestServerThrottlesHandshakes(t *testing.T) {
	_, ts := newTestServer(t, func(cfg *config.Config) {
		cfg.ConnRateLimit = 1
		cfg.ConnRateBurst = 1
	})

	dial(t, ts)

	_, resp, err := websocket.DefaultDialer.Dial(wsEndpoint(ts), nil)
	if err == nil {
		t.Fatal("second handshake inside the rate window succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("throttled handshake response = %+v, want 429", resp)
	}
	resp.Body.Close()
}

func TestServerConnectionCap(t *testing.T) {
	srv, ts := newTestServer(t, func(cfg *config.Config) {
		cfg.MaxConnections = 1
	})

	dial(t, ts)
	waitFor(t, "first connection registered", func() bool { return srv.conns.Len() == 1 })

	// The cap is enforced after the upgrade, so the handshake succeeds and
	// the refusal arrives as a close frame.
	over, resp, err := websocket.DefaultDialer.Dial(wsEndpoint(ts), nil)
	if err != nil {
		t.Fatalf("dial over capacity: %v", err)
	}
	resp.Body.Close()
	defer over.Close()

	if err := over.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("set read deadline: %v", err)
	}
	_, _, err = over.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("over-capacity read error = %v, want close %d", err, websocket.ClosePolicyViolation)
	}
	if srv.conns.Len() != 1 {
		t.Fatalf("registry size = %d, want 1", srv.conns.Len())
	}
}

func TestServerOriginAllowlist(t *testing.T) {
	_, ts := newTestServer(t, func(cfg *config.Config) {
		cfg.AllowedOrigins = []string{"https://app.example.com"}
	})

	t.Run("denied origin", func(t *testing.T) {
		header := http.Header{"Origin": []string{"https://evil.example.com"}}
		_, resp, err := websocket.DefaultDialer.Dial(wsEndpoint(ts), header)
		if err == nil {
			t.Fatal("handshake from a denied origin succeeded")
		}
		if resp == nil || resp.StatusCode != http.StatusForbidden {
			t.Fatalf("denied handshake response = %+v, want 403", resp)
		}
		resp.Body.Close()
	})

	t.Run("allowed origin", func(t *testing.T) {
		header := http.Header{"Origin": []string{"https://app.example.com"}}
		c, resp, err := websocket.DefaultDialer.Dial(wsEndpoint(ts), header)
		if err != nil {
			t.Fatalf("handshake from the allowed origin: %v", err)
		}
		resp.Body.Close()
		c.Close()
	})

	t.Run("no origin header", func(t *testing.T) {
		c, resp, err := websocket.DefaultDialer.Dial(wsEndpoint(ts), nil)
		if err != nil {
			t.Fatalf("handshake without origin: %v", err)
		}
		resp.Body.Close()
		c.Close()
	})
}

func TestServerShutdownClosesClients(t *testing.T) {
	srv, ts := newTestServer(t, nil)

	c := dial(t, ts)
	waitFor(t, "connection registered", func() bool { return srv.conns.Len() == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	if err := c.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("set read deadline: %v", err)
	}
	_, _, err := c.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Fatalf("post-shutdown read error = %v, want close %d", err, websocket.CloseGoingAway)
	}
	if srv.conns.Len() != 0 {
		t.Fatalf("registry size after shutdown = %d, want 0", srv.conns.Len())
	}
}
