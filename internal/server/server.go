// Package server assembles the sync server: configuration into concrete
// storage, bus, pipeline and connection components, plus the HTTP surface
// that accepts WebSocket clients and reports health and metrics.
package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/synckit-dev/syncserver/internal/auth"
	"github.com/synckit-dev/syncserver/internal/awareness"
	"github.com/synckit-dev/syncserver/internal/clock"
	"github.com/synckit-dev/syncserver/internal/config"
	"github.com/synckit-dev/syncserver/internal/document"
	"github.com/synckit-dev/syncserver/internal/metrics"
	"github.com/synckit-dev/syncserver/internal/pubsub"
	"github.com/synckit-dev/syncserver/internal/security"
	"github.com/synckit-dev/syncserver/internal/storage"
	"github.com/synckit-dev/syncserver/internal/sync"
	"github.com/synckit-dev/syncserver/internal/ws"
)

// Version is reported on the info and health endpoints.
const Version = "0.4.0"

const (
	storageOpTimeout = 5 * time.Second

	janitorInterval   = time.Hour
	sessionIdleCutoff = 24 * time.Hour
	deltaRetention    = 7 * 24 * time.Hour
	snapshotsKept     = 5
)

// Server owns the full assembly and its lifecycle. Build with New, run with
// Start, and stop with Shutdown.
type Server struct {
	cfg    *config.Config
	logger zerolog.Logger

	promReg *prometheus.Registry
	metrics *metrics.Metrics

	adapter storage.StorageAdapter
	bus     pubsub.Bus
	docs    *document.Store
	aware   *awareness.Store
	reaper  *awareness.Reaper
	coord   *sync.Coordinator
	gate    *auth.Gate
	conns   *ws.Registry
	router  *ws.Router

	throttle  *security.IPThrottle
	upgrader  websocket.Upgrader
	acceptSem chan struct{}

	httpServer *http.Server
	startedAt  time.Time

	ctx    context.Context
	cancel context.CancelFunc
}

// New wires every component and connects storage and the bus. Storage
// degrades to the in-memory adapter when PostgreSQL is unreachable; a
// configured but unreachable bus fails startup instead, because running
// split-brained next to healthy peers is worse than not starting.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*Server, error) {
	gate, err := auth.NewGate(auth.GateConfig{
		Required: cfg.AuthRequired,
		Secret:   cfg.JWTSecret,
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
		APIKeys:  cfg.APIKeys,
	})
	if err != nil {
		return nil, fmt.Errorf("auth gate: %w", err)
	}

	promReg := prometheus.NewRegistry()
	m := metrics.New(promReg)

	s := &Server{
		cfg:       cfg,
		logger:    logger,
		promReg:   promReg,
		metrics:   m,
		gate:      gate,
		throttle:  security.NewIPThrottle(cfg.ConnRateLimit, cfg.ConnRateBurst),
		upgrader:  buildUpgrader(cfg.AllowedOrigins),
		startedAt: time.Now(),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	if cfg.AcceptConcurrency > 0 {
		s.acceptSem = make(chan struct{}, cfg.AcceptConcurrency)
	}

	s.connectStorage(ctx)

	s.bus = buildBus(cfg, m, logger)
	if err := s.bus.Connect(ctx); err != nil {
		s.throttle.Stop()
		s.cancel()
		_ = s.adapter.Disconnect(ctx)
		return nil, fmt.Errorf("bus connect: %w", err)
	}

	s.docs = document.NewStore(document.StoreOptions{
		Loader:            s.documentLoader(),
		OnSnapshot:        s.snapshotSink(),
		SnapshotThreshold: cfg.SnapshotThreshold,
		Logger:            logger,
	})
	s.aware = awareness.NewStore(cfg.AwarenessTTL)
	s.conns = ws.NewRegistry(cfg.MaxConnections, m)

	s.coord = sync.New(s.docs, s.aware, s.bus, s.adapter, s.conns, sync.Options{
		BatchWindow:    cfg.BatchWindow,
		AckTimeout:     cfg.AckTimeout,
		MaxAckAttempts: cfg.MaxAckAttempts,
		Metrics:        m,
		Logger:         logger,
	})
	s.reaper = awareness.NewReaper(s.aware, cfg.AwarenessReaperInterval, s.coord.BroadcastExpiry, m, logger)
	s.router = ws.NewRouter(s.conns, s.coord, gate, s.adapter, ws.RouterConfig{Metrics: m, Logger: logger})

	return s, nil
}

// connectStorage picks PostgreSQL when configured and reachable, otherwise
// the in-memory adapter. The server is memory-authoritative either way, so a
// database outage at boot costs durability, not availability.
func (s *Server) connectStorage(ctx context.Context) {
	if s.cfg.DatabaseURL == "" {
		s.logger.Info().Msg("no database configured, state is in-memory only")
		s.adapter = storage.NewMemoryAdapter()
		_ = s.adapter.Connect(ctx)
		return
	}

	pgConfig := storage.DefaultConfig()
	pgConfig.ConnectionString = s.cfg.DatabaseURL
	pg := storage.NewPostgresAdapter(pgConfig)
	if err := pg.Connect(ctx); err != nil {
		s.metrics.StorageErrors.WithLabelValues("connect").Inc()
		s.logger.Error().Err(err).Msg("postgres unreachable, falling back to in-memory storage")
		s.adapter = storage.NewMemoryAdapter()
		_ = s.adapter.Connect(ctx)
		return
	}

	s.logger.Info().Msg("postgres storage connected")
	s.adapter = pg
}

// buildBus picks the cross-instance backend: Redis when configured, then
// NATS, then the in-process broker for single-instance deployments.
func buildBus(cfg *config.Config, m *metrics.Metrics, logger zerolog.Logger) pubsub.Bus {
	opts := pubsub.Options{Prefix: cfg.RedisChannelPrefix, Metrics: m, Logger: logger}
	switch {
	case cfg.RedisURL != "":
		return pubsub.NewRedisBus(cfg.RedisURL, opts)
	case cfg.NATSURL != "":
		return pubsub.NewNATSBus(cfg.NATSURL, opts)
	default:
		return pubsub.NewMemoryBus(pubsub.NewBroker(), opts)
	}
}

// documentLoader hydrates first-touch documents: the live document row when
// one exists, else the latest snapshot. Failures leave the document empty.
func (s *Server) documentLoader() document.LoaderFunc {
	return func(documentID string) (map[string]document.FieldCell, clock.VectorClock, int64, bool) {
		ctx, cancel := context.WithTimeout(context.Background(), storageOpTimeout)
		defer cancel()

		rec, err := s.adapter.GetDocument(ctx, documentID)
		if err != nil {
			s.metrics.StorageErrors.WithLabelValues("load_document").Inc()
			s.logger.Warn().Err(err).Str("documentId", documentID).Msg("document hydration failed")
			return nil, nil, 0, false
		}
		if rec != nil {
			return rec.Cells, rec.VectorClock, rec.UpdatedAt.UnixMilli(), true
		}

		snap, err := s.adapter.GetLatestSnapshot(ctx, documentID)
		if err != nil {
			s.metrics.StorageErrors.WithLabelValues("load_snapshot").Inc()
			s.logger.Warn().Err(err).Str("documentId", documentID).Msg("snapshot hydration failed")
			return nil, nil, 0, false
		}
		if snap == nil {
			return nil, nil, 0, false
		}
		return snap.Cells, snap.VectorClock, snap.CreatedAt.UnixMilli(), true
	}
}

// snapshotSink persists compaction snapshots off the write path. The cells
// map is the store's post-apply copy, safe to marshal concurrently.
func (s *Server) snapshotSink() document.SnapshotFunc {
	return func(documentID string, cells map[string]document.FieldCell, vc clock.VectorClock) {
		size := 0
		if data, err := json.Marshal(cells); err == nil {
			size = len(data)
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), storageOpTimeout)
			defer cancel()
			err := s.adapter.SaveSnapshot(ctx, &storage.SnapshotRecord{
				DocumentID:  documentID,
				Cells:       cells,
				VectorClock: vc,
				SizeBytes:   size,
			})
			if err != nil {
				s.metrics.StorageErrors.WithLabelValues("save_snapshot").Inc()
				s.logger.Warn().Err(err).Str("documentId", documentID).Msg("snapshot save failed")
			}
		}()
	}
}

// Handler builds the HTTP surface. Exposed separately from Start so tests can
// mount it on httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRoot)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.HandlerFor(s.promReg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/ws", s.handleWebSocket)
	return s.corsMiddleware(mux)
}

// Start launches the background loops and serves HTTP until Shutdown.
func (s *Server) Start() error {
	go s.reaper.Run(s.ctx)
	go s.janitor(s.ctx)

	s.httpServer = &http.Server{
		Addr:              s.cfg.Addr(),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info().
		Str("addr", s.cfg.Addr()).
		Str("bus", s.bus.Stats().Backend).
		Bool("authRequired", s.gate.Required()).
		Bool("durable", s.cfg.DatabaseURL != "").
		Msg("server listening")

	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting, closes every connection with a going-away frame,
// flushes the pipeline, and releases the bus and storage.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("shutting down")

	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}

	for _, conn := range s.conns.All() {
		s.router.Teardown(conn, websocket.CloseGoingAway, "server shutting down")
	}

	s.cancel()
	s.throttle.Stop()
	s.coord.Stop()

	stats := s.bus.Stats()
	s.logger.Info().
		Str("backend", stats.Backend).
		Int64("published", stats.Published).
		Int64("received", stats.Received).
		Int64("suppressed", stats.Suppressed).
		Int64("reconnects", stats.Reconnects).
		Msg("bus totals at shutdown")

	if berr := s.bus.Disconnect(ctx); berr != nil && err == nil {
		err = berr
	}
	if serr := s.adapter.Disconnect(ctx); serr != nil && err == nil {
		err = serr
	}
	return err
}

// janitor runs the hourly storage maintenance pass.
func (s *Server) janitor(ctx context.Context) {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			opCtx, cancel := context.WithTimeout(ctx, time.Minute)
			res, err := s.adapter.Cleanup(opCtx, storage.CleanupOptions{
				SessionIdleFor:       sessionIdleCutoff,
				DeltaRetention:       deltaRetention,
				SnapshotsPerDocument: snapshotsKept,
			})
			cancel()
			if err != nil {
				s.metrics.StorageErrors.WithLabelValues("cleanup").Inc()
				s.logger.Warn().Err(err).Msg("storage cleanup failed")
				continue
			}
			if res.SessionsDeleted+res.DeltasDeleted+res.SnapshotsDeleted > 0 {
				s.logger.Info().
					Int("sessions", res.SessionsDeleted).
					Int("deltas", res.DeltasDeleted).
					Int("snapshots", res.SnapshotsDeleted).
					Msg("storage cleanup removed stale rows")
			}
		}
	}
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"name":        "SyncKit Sync Server",
		"version":     Version,
		"description": "Real-time document synchronization over WebSocket",
		"endpoints": map[string]string{
			"health":  "/health",
			"metrics": "/metrics",
			"ws":      "/ws",
		},
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	storageHealthy, _ := s.adapter.HealthCheck(ctx)

	// Degraded still answers 200: the server is memory-authoritative and
	// keeps serving clients through storage or bus trouble.
	status := "healthy"
	if !storageHealthy || !s.bus.IsConnected() {
		status = "degraded"
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      status,
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
		"version":     Version,
		"goVersion":   runtime.Version(),
		"uptime":      time.Since(s.startedAt).Round(time.Second).String(),
		"connections": s.conns.Len(),
		"documents":   s.docs.Len(),
		"awareness":   s.aware.ActiveCount(),
		"storage": map[string]interface{}{
			"connected": s.adapter.IsConnected(),
			"healthy":   storageHealthy,
		},
		"bus": s.bus.Stats(),
	})
}

// handleWebSocket is the accept path: throttle, bounded handshakes, origin
// check, upgrade, registry cap, optional anonymous promotion, serve.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	if !s.throttle.Allow(ip) {
		http.Error(w, "connection rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	if s.acceptSem != nil {
		select {
		case s.acceptSem <- struct{}{}:
			defer func() { <-s.acceptSem }()
		default:
			http.Error(w, "too many concurrent handshakes", http.StatusServiceUnavailable)
			return
		}
	}

	socket, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		s.logger.Debug().Err(err).Str("ip", ip).Msg("websocket upgrade refused")
		return
	}

	conn := ws.NewConnection(newConnectionID(), ip, socket, ws.ConnConfig{
		HeartbeatInterval: s.cfg.HeartbeatInterval,
		HeartbeatTimeout:  s.cfg.HeartbeatTimeout,
		MaxMessageSize:    s.cfg.MaxMessageSize,
		Metrics:           s.metrics,
		Logger:            s.logger,
	})

	if err := s.conns.Add(conn); err != nil {
		data := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "connection limit reached")
		_ = socket.WriteControl(websocket.CloseMessage, data, time.Now().Add(time.Second))
		_ = socket.Close()
		s.logger.Warn().Str("ip", ip).Int("connections", s.conns.Len()).Msg("connection refused at capacity")
		return
	}

	if !s.gate.Required() {
		conn.Promote(auth.AnonymousAdmin(), "")
		s.conns.AssociateUser(conn.ID, "anonymous")
	}

	go s.router.Serve(conn)
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if strings.EqualFold(strings.TrimSpace(allowed), origin) {
			return true
		}
	}
	return false
}

// buildUpgrader enforces the origin allowlist at the WebSocket handshake.
// An empty allowlist admits every origin, which suits development; requests
// without an Origin header are non-browser clients and always pass.
func buildUpgrader(allowed []string) websocket.Upgrader {
	origins := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		origins[strings.ToLower(strings.TrimSpace(o))] = struct{}{}
	}
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if len(origins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			_, ok := origins[strings.ToLower(origin)]
			return ok
		},
	}
}

// clientIP prefers the first X-Forwarded-For hop so throttling keys on the
// real client behind a proxy, falling back to the socket address.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func newConnectionID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
