package ws

import (
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/synckit-dev/syncserver/internal/auth"
	"github.com/synckit-dev/syncserver/internal/protocol"
)

func newTestConnection(sock Socket, cfg ConnConfig) *Connection {
	cfg.Logger = zerolog.Nop()
	return NewConnection("conn-test", "127.0.0.1", sock, cfg)
}

func TestConnectionLifecycleStates(t *testing.T) {
	conn := newTestConnection(newFakeSocket(), ConnConfig{})

	if got := conn.State(); got != StateAuthenticating {
		t.Fatalf("initial state = %v, want authenticating", got)
	}

	conn.Promote(auth.AnonymousAdmin(), "client-1")
	if got := conn.State(); got != StateAuthenticated {
		t.Fatalf("state after promote = %v, want authenticated", got)
	}
	if got := conn.ClientID(); got != "client-1" {
		t.Fatalf("client id = %q, want client-1", got)
	}

	conn.Close(websocket.CloseNormalClosure, "bye")
	if got := conn.State(); got != StateDisconnecting {
		t.Fatalf("state after close = %v, want disconnecting", got)
	}

	// Promote cannot resurrect a closing connection.
	conn.Promote(auth.AnonymousAdmin(), "")
	if got := conn.State(); got != StateDisconnecting {
		t.Fatalf("state after late promote = %v, want disconnecting", got)
	}
}

func TestConnectionResolveClientID(t *testing.T) {
	t.Run("payload id pins", func(t *testing.T) {
		conn := newTestConnection(newFakeSocket(), ConnConfig{})
		if got := conn.ResolveClientID("A"); got != "A" {
			t.Fatalf("ResolveClientID = %q, want A", got)
		}
		if got := conn.ResolveClientID(""); got != "A" {
			t.Fatalf("later resolution = %q, want pinned A", got)
		}
	})

	t.Run("falls back to connection id", func(t *testing.T) {
		conn := newTestConnection(newFakeSocket(), ConnConfig{})
		if got := conn.ResolveClientID(""); got != conn.ID {
			t.Fatalf("ResolveClientID = %q, want connection id %q", got, conn.ID)
		}
		// The fallback pins too.
		if got := conn.ResolveClientID(""); got != conn.ID {
			t.Fatalf("later resolution = %q, want %q", got, conn.ID)
		}
	})

	t.Run("auth client id wins over fallback", func(t *testing.T) {
		conn := newTestConnection(newFakeSocket(), ConnConfig{})
		conn.Promote(auth.AnonymousAdmin(), "client-9")
		if got := conn.ResolveClientID(""); got != "client-9" {
			t.Fatalf("ResolveClientID = %q, want client-9", got)
		}
	})
}

func TestConnectionPinFraming(t *testing.T) {
	conn := newTestConnection(newFakeSocket(), ConnConfig{})

	if got := conn.Framing(); got != protocol.FramingUnknown {
		t.Fatalf("initial framing = %v, want unknown", got)
	}

	// Unknown never pins.
	conn.PinFraming(protocol.FramingUnknown)
	if got := conn.Framing(); got != protocol.FramingUnknown {
		t.Fatalf("framing after unknown pin = %v, want unknown", got)
	}

	conn.PinFraming(protocol.FramingJSON)
	if got := conn.Framing(); got != protocol.FramingJSON {
		t.Fatalf("framing = %v, want json", got)
	}

	// The first pin wins.
	conn.PinFraming(protocol.FramingBinary)
	if got := conn.Framing(); got != protocol.FramingJSON {
		t.Fatalf("framing after re-pin = %v, want json", got)
	}
}

func TestConnectionSendQueueOverflow(t *testing.T) {
	conn := newTestConnection(newFakeSocket(), ConnConfig{SendBuffer: 2})

	if err := conn.Send(protocol.NewPing()); err != nil {
		t.Fatalf("first send: %v", err)
	}
	if err := conn.Send(protocol.NewPing()); err != nil {
		t.Fatalf("second send: %v", err)
	}

	// No write pump is draining, so the third send overflows and the
	// connection is closed as a slow consumer.
	if err := conn.Send(protocol.NewPing()); err != ErrSendQueueFull {
		t.Fatalf("overflow send err = %v, want ErrSendQueueFull", err)
	}
	if got := conn.State(); got != StateDisconnecting {
		t.Fatalf("state after overflow = %v, want disconnecting", got)
	}
	if err := conn.Send(protocol.NewPing()); err != ErrConnectionClosed {
		t.Fatalf("send after close err = %v, want ErrConnectionClosed", err)
	}
}

func TestConnectionDrainsQueueBeforeCloseFrame(t *testing.T) {
	sock := newFakeSocket()
	conn := newTestConnection(sock, ConnConfig{})
	conn.PinFraming(protocol.FramingJSON)

	for i := 0; i < 3; i++ {
		if err := conn.Send(protocol.NewPong("hb")); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	conn.Close(websocket.CloseGoingAway, "shutting down")

	// The pump starts after close: it must still flush the queue, then write
	// the recorded close frame and release the socket.
	go conn.WritePump()

	for i := 0; i < 3; i++ {
		msg := sock.next(t)
		if msg.Type != protocol.TypePong {
			t.Fatalf("drained frame %d = %s, want pong", i, msg.Type)
		}
	}
	waitFor(t, "close frame", func() bool {
		return sock.sentCloseCode() == websocket.CloseGoingAway
	})
	waitFor(t, "disconnected state", func() bool {
		return conn.State() == StateDisconnected
	})
}

func TestConnectionHeartbeat(t *testing.T) {
	t.Run("pings while active", func(t *testing.T) {
		sock := newFakeSocket()
		conn := newTestConnection(sock, ConnConfig{
			HeartbeatInterval: 5 * time.Millisecond,
			HeartbeatTimeout:  time.Minute,
		})
		go conn.WritePump()
		defer conn.Close(websocket.CloseNormalClosure, "test over")

		msg := sock.next(t)
		if msg.Type != protocol.TypePing {
			t.Fatalf("heartbeat frame = %s, want ping", msg.Type)
		}
	})

	t.Run("closes a silent connection", func(t *testing.T) {
		sock := newFakeSocket()
		conn := newTestConnection(sock, ConnConfig{
			HeartbeatInterval: 5 * time.Millisecond,
			HeartbeatTimeout:  15 * time.Millisecond,
		})
		go conn.WritePump()

		waitFor(t, "going away close", func() bool {
			return sock.sentCloseCode() == websocket.CloseGoingAway
		})
		if got := conn.State(); got != StateDisconnected {
			t.Fatalf("state = %v, want disconnected", got)
		}
	})

	t.Run("inbound activity defers the timeout", func(t *testing.T) {
		sock := newFakeSocket()
		conn := newTestConnection(sock, ConnConfig{
			HeartbeatInterval: 5 * time.Millisecond,
			HeartbeatTimeout:  30 * time.Millisecond,
		})
		go conn.WritePump()

		// Touch more often than the timeout; the connection must outlive
		// several heartbeat intervals.
		for i := 0; i < 8; i++ {
			conn.Touch()
			time.Sleep(10 * time.Millisecond)
			if code := sock.sentCloseCode(); code != 0 {
				t.Fatalf("connection closed with %d despite activity", code)
			}
		}
		conn.Close(websocket.CloseNormalClosure, "test over")
	})
}
