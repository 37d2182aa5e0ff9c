package ws

import (
	"context"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/synckit-dev/syncserver/internal/auth"
	"github.com/synckit-dev/syncserver/internal/metrics"
	"github.com/synckit-dev/syncserver/internal/protocol"
	"github.com/synckit-dev/syncserver/internal/security"
	"github.com/synckit-dev/syncserver/internal/storage"
	"github.com/synckit-dev/syncserver/internal/sync"
)

// Error codes carried on error and auth_error payloads.
const (
	codeInvalidMessage    = "INVALID_MESSAGE"
	codeUnknownType       = "UNKNOWN_TYPE"
	codeNotAuthenticated  = "NOT_AUTHENTICATED"
	codePermissionDenied  = "PERMISSION_DENIED"
	codeNotSubscribed     = "NOT_SUBSCRIBED"
	codeInvalidToken      = "INVALID_TOKEN"
	codeInvalidDocumentID = "INVALID_DOCUMENT_ID"
)

const sessionOpTimeout = 5 * time.Second

// Router demultiplexes inbound frames by message type and connection state,
// enforcing the permission model on every document-scoped operation before it
// reaches the coordinator.
type Router struct {
	registry *Registry
	coord    *sync.Coordinator
	gate     *auth.Gate
	adapter  storage.StorageAdapter // session records; nil disables them

	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// RouterConfig carries the router's ambient dependencies.
type RouterConfig struct {
	Metrics *metrics.Metrics
	Logger  zerolog.Logger
}

// NewRouter wires a router over the registry, coordinator and auth gate. The
// adapter may be nil when the server runs without durable storage.
func NewRouter(registry *Registry, coord *sync.Coordinator, gate *auth.Gate, adapter storage.StorageAdapter, cfg RouterConfig) *Router {
	m := cfg.Metrics
	if m == nil {
		m = metrics.New(nil)
	}
	return &Router{
		registry: registry,
		coord:    coord,
		gate:     gate,
		adapter:  adapter,
		metrics:  m,
		logger:   cfg.Logger.With().Str("component", "router").Logger(),
	}
}

// Serve runs a connection to completion: write pump, read pump, teardown. It
// blocks until the socket dies.
func (rt *Router) Serve(conn *Connection) {
	go conn.WritePump()
	conn.ReadPump(func(data []byte) { rt.HandleFrame(conn, data) })
	rt.Teardown(conn, websocket.CloseNormalClosure, "connection closed")
}

// HandleFrame decodes one wire frame and dispatches it. The first decodable
// frame pins the connection's framing; replies and fan-out reuse it.
func (rt *Router) HandleFrame(conn *Connection, data []byte) {
	msg, framing, err := protocol.Decode(data)
	conn.PinFraming(framing)

	if err != nil {
		rt.handleDecodeError(conn, err)
		return
	}

	rt.metrics.MessagesReceived.WithLabelValues(msg.Type).Inc()
	rt.dispatch(conn, msg)
}

// handleDecodeError separates framing corruption, which poisons the byte
// stream and closes the connection, from payload problems that leave it
// usable.
func (rt *Router) handleDecodeError(conn *Connection, err error) {
	var frameErr *protocol.FrameError
	if errors.As(err, &frameErr) {
		rt.sendError(conn, codeInvalidMessage, err.Error())
		conn.Close(websocket.CloseProtocolError, "malformed frame")
		return
	}

	var unknown *protocol.UnknownTypeError
	if errors.As(err, &unknown) {
		rt.sendError(conn, codeUnknownType, err.Error())
		return
	}
	rt.sendError(conn, codeInvalidMessage, err.Error())
}

func (rt *Router) dispatch(conn *Connection, msg *protocol.Message) {
	switch msg.Type {
	case protocol.TypeAuth:
		rt.handleAuth(conn, msg)
	case protocol.TypePing:
		rt.deliver(conn, protocol.NewPong(msg.ID))
	case protocol.TypePong:
		// Heartbeat reply; the read pump already recorded the activity.
	case protocol.TypeAck:
		rt.coord.HandleAck(conn.ID, msg.ID)
	default:
		if conn.State() != StateAuthenticated {
			rt.sendError(conn, codeNotAuthenticated, "authenticate before "+msg.Type)
			return
		}
		rt.dispatchAuthenticated(conn, msg)
	}
}

func (rt *Router) dispatchAuthenticated(conn *Connection, msg *protocol.Message) {
	switch msg.Type {
	case protocol.TypeSubscribe:
		rt.handleSubscribe(conn, msg)
	case protocol.TypeUnsubscribe:
		rt.handleUnsubscribe(conn, msg)
	case protocol.TypeSyncRequest:
		rt.handleSyncRequest(conn, msg)
	case protocol.TypeDelta:
		rt.handleDelta(conn, msg)
	case protocol.TypeAwarenessSubscribe:
		rt.handleAwarenessSubscribe(conn, msg)
	case protocol.TypeAwarenessUpdate:
		rt.handleAwarenessUpdate(conn, msg)
	default:
		// Server-to-client types echoed back, and anything else the codec
		// recognizes but this side never accepts.
		rt.sendError(conn, codeInvalidMessage, "unexpected message type "+msg.Type)
	}
}

// handleAuth resolves credentials through the gate. Failure sends auth_error
// and closes with a policy violation; success promotes the connection and
// reports the granted permissions.
func (rt *Router) handleAuth(conn *Connection, msg *protocol.Message) {
	p := msg.Auth()
	principal, err := rt.gate.Authenticate(auth.Credentials{Token: p.Token, APIKey: p.APIKey})
	if err != nil {
		rt.deliver(conn, protocol.NewAuthError(msg.ID, codeInvalidToken, err.Error()))
		rt.logger.Debug().
			Err(err).
			Str("connectionId", conn.ID).
			Msg("authentication refused")
		conn.Close(websocket.ClosePolicyViolation, "authentication failed")
		return
	}

	// Anonymous principals may self-identify for session records and logs;
	// authenticated identity always comes from the token.
	if p.UserID != "" && principal.UserID == "anonymous" {
		principal.UserID = p.UserID
	}

	conn.Promote(principal, p.ClientID)
	rt.registry.AssociateUser(conn.ID, principal.UserID)

	perms := principal.Permissions
	rt.deliver(conn, protocol.NewAuthSuccess(msg.ID, principal.UserID, perms.CanRead, perms.CanWrite, perms.IsAdmin))
	rt.saveSession(conn)

	rt.logger.Debug().
		Str("connectionId", conn.ID).
		Str("userId", principal.UserID).
		Bool("admin", perms.IsAdmin).
		Msg("connection authenticated")
}

// handleSubscribe joins a document's fan-out set and answers with the current
// snapshot so the client starts from authoritative state.
func (rt *Router) handleSubscribe(conn *Connection, msg *protocol.Message) {
	p, err := msg.Subscribe()
	if err != nil {
		rt.sendError(conn, codeInvalidMessage, err.Error())
		return
	}
	if err := security.ValidateDocumentID(p.DocumentID); err != nil {
		rt.sendError(conn, codeInvalidDocumentID, err.Error())
		return
	}
	if !auth.CanReadDocument(conn.Principal(), p.DocumentID) {
		rt.sendError(conn, codePermissionDenied, "read access denied for "+p.DocumentID)
		return
	}

	rt.coord.SubscribeDocument(p.DocumentID, conn.ID)

	state, vc, _ := rt.coord.SyncState(p.DocumentID, nil)
	rt.deliver(conn, protocol.NewSyncResponse(msg.ID, p.DocumentID, state, vc, nil))
}

func (rt *Router) handleUnsubscribe(conn *Connection, msg *protocol.Message) {
	p, err := msg.Subscribe()
	if err != nil {
		rt.sendError(conn, codeInvalidMessage, err.Error())
		return
	}
	rt.coord.UnsubscribeDocument(p.DocumentID, conn.ID)
	rt.coord.UnsubscribeAwareness(p.DocumentID, conn.ID)
}

// handleSyncRequest answers with the snapshot, the document clock, and the
// retained deltas the client's clock has not seen.
func (rt *Router) handleSyncRequest(conn *Connection, msg *protocol.Message) {
	p, err := msg.SyncRequest()
	if err != nil {
		rt.sendError(conn, codeInvalidMessage, err.Error())
		return
	}
	if err := security.ValidateDocumentID(p.DocumentID); err != nil {
		rt.sendError(conn, codeInvalidDocumentID, err.Error())
		return
	}
	if !auth.CanReadDocument(conn.Principal(), p.DocumentID) {
		rt.sendError(conn, codePermissionDenied, "read access denied for "+p.DocumentID)
		return
	}

	state, vc, missing := rt.coord.SyncState(p.DocumentID, p.VectorClock)
	var deltas []interface{}
	for _, d := range missing {
		deltas = append(deltas, d)
	}
	rt.deliver(conn, protocol.NewSyncResponse(msg.ID, p.DocumentID, state, vc, deltas))
}

// handleDelta feeds a client write into the pipeline. Writers are subscribed
// to the document as a side effect, so their peers' changes and cross-instance
// echoes of their own reach them.
func (rt *Router) handleDelta(conn *Connection, msg *protocol.Message) {
	p, err := msg.Delta()
	if err != nil {
		rt.sendError(conn, codeInvalidMessage, err.Error())
		return
	}
	if err := security.ValidateDocumentID(p.DocumentID); err != nil {
		rt.sendError(conn, codeInvalidDocumentID, err.Error())
		return
	}
	if !auth.CanWriteDocument(conn.Principal(), p.DocumentID) {
		rt.sendError(conn, codePermissionDenied, "write access denied for "+p.DocumentID)
		return
	}

	clientID := conn.ResolveClientID(p.ClientID)
	rt.coord.SubscribeDocument(p.DocumentID, conn.ID)
	rt.coord.ApplyDelta(conn.ID, clientID, p, msg.ID)
}

// handleAwarenessSubscribe joins the presence fan-out set and answers with the
// document's live awareness entries.
func (rt *Router) handleAwarenessSubscribe(conn *Connection, msg *protocol.Message) {
	p, err := msg.Subscribe()
	if err != nil {
		rt.sendError(conn, codeInvalidMessage, err.Error())
		return
	}
	if err := security.ValidateDocumentID(p.DocumentID); err != nil {
		rt.sendError(conn, codeInvalidDocumentID, err.Error())
		return
	}
	if !auth.CanReadDocument(conn.Principal(), p.DocumentID) {
		rt.sendError(conn, codePermissionDenied, "read access denied for "+p.DocumentID)
		return
	}

	rt.coord.SubscribeAwareness(p.DocumentID, conn.ID)

	entries := rt.coord.AwarenessStates(p.DocumentID)
	states := make([]interface{}, 0, len(entries))
	for _, e := range entries {
		states = append(states, map[string]interface{}{
			"clientId": e.ClientID,
			"state":    e.State,
			"clock":    e.Clock,
		})
	}
	rt.deliver(conn, protocol.NewAwarenessState(msg.ID, p.DocumentID, states))
}

// handleAwarenessUpdate applies a presence change. Non-admins must hold an
// awareness subscription on the document first; stale clocks are dropped
// silently by the store.
func (rt *Router) handleAwarenessUpdate(conn *Connection, msg *protocol.Message) {
	p, err := msg.AwarenessUpdate()
	if err != nil {
		rt.sendError(conn, codeInvalidMessage, err.Error())
		return
	}
	if err := security.ValidateDocumentID(p.DocumentID); err != nil {
		rt.sendError(conn, codeInvalidDocumentID, err.Error())
		return
	}
	principal := conn.Principal()
	if !auth.CanReadDocument(principal, p.DocumentID) {
		rt.sendError(conn, codePermissionDenied, "read access denied for "+p.DocumentID)
		return
	}
	if !rt.coord.AwarenessSubscribed(p.DocumentID, conn.ID) && !principal.Permissions.IsAdmin {
		rt.sendError(conn, codeNotSubscribed, "awareness subscription required for "+p.DocumentID)
		return
	}

	clientID := conn.ResolveClientID(p.ClientID)
	state := p.State
	if p.Leave {
		state = nil
	}
	rt.coord.ApplyAwareness(conn.ID, p.DocumentID, clientID, state, p.Clock)
}

// Teardown tears a connection all the way down: close frame, pipeline scrub,
// registry removal, session delete. The registry removal is the idempotency
// gate, so concurrent teardowns from the read pump and a server shutdown run
// the scrub once.
func (rt *Router) Teardown(conn *Connection, code int, reason string) {
	conn.Close(code, reason)
	if rt.registry.Remove(conn.ID) == nil {
		return
	}

	rt.coord.TeardownConnection(conn.ID, conn.ClientID())
	rt.deleteSession(conn.ID)

	rt.logger.Info().
		Str("connectionId", conn.ID).
		Str("userId", conn.UserID()).
		Str("reason", reason).
		Msg("connection closed")
}

func (rt *Router) sendError(conn *Connection, code, reason string) {
	rt.deliver(conn, protocol.NewError(code, reason))
}

func (rt *Router) deliver(conn *Connection, msg *protocol.Message) {
	if err := conn.Send(msg); err != nil {
		rt.logger.Debug().
			Err(err).
			Str("connectionId", conn.ID).
			Str("type", msg.Type).
			Msg("reply undeliverable")
	}
}

// saveSession records the authenticated session off the hot path. Storage
// being down never blocks or fails the auth flow.
func (rt *Router) saveSession(conn *Connection) {
	if rt.adapter == nil {
		return
	}
	rec := &storage.SessionRecord{
		ID:          conn.ID,
		UserID:      conn.UserID(),
		ClientID:    conn.ClientID(),
		ConnectedAt: conn.ConnectedAt(),
		LastSeen:    time.Now(),
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), sessionOpTimeout)
		defer cancel()
		if err := rt.adapter.SaveSession(ctx, rec); err != nil {
			rt.metrics.StorageErrors.WithLabelValues("save_session").Inc()
			rt.logger.Warn().Err(err).Str("connectionId", rec.ID).Msg("session save failed")
		}
	}()
}

func (rt *Router) deleteSession(connectionID string) {
	if rt.adapter == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), sessionOpTimeout)
		defer cancel()
		if _, err := rt.adapter.DeleteSession(ctx, connectionID); err != nil {
			rt.metrics.StorageErrors.WithLabelValues("delete_session").Inc()
			rt.logger.Warn().Err(err).Str("connectionId", connectionID).Msg("session delete failed")
		}
	}()
}
