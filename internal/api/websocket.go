package api

import (
	"context"
	"net/http"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/razat249/king-of-tokyo-player-mats/internal/rowstore"
)

const (
	// MaxFeedConnectionsTotal is the maximum number of feed websockets allowed
	MaxFeedConnectionsTotal = 500

	// MaxFeedConnectionsPerIP is the maximum feed websockets per IP
	MaxFeedConnectionsPerIP = 10

	maxCloseReason = 120
)

// FeedConfig tunes the websocket change feed.
type FeedConfig struct {
	Origins    []string
	MaxPerIP   int
	MaxTotal   int
	PingPeriod time.Duration
	PongWait   time.Duration
	WriteWait  time.Duration
	TrustProxy bool
}

// DefaultFeedConfig returns production defaults.
func DefaultFeedConfig() FeedConfig {
	return FeedConfig{
		Origins:    DefaultCORSOrigins,
		MaxPerIP:   MaxFeedConnectionsPerIP,
		MaxTotal:   MaxFeedConnectionsTotal,
		PingPeriod: 30 * time.Second,
		PongWait:   60 * time.Second,
		WriteWait:  10 * time.Second,
	}
}

// FeedHub serves per-room change feeds over websockets. Each connection
// relays one store subscription and ends when either side goes away.
type FeedHub struct {
	cfg      FeedConfig
	upgrader websocket.Upgrader
	limiter  *ConnLimiter
	origins  *OriginChecker
	logger   *zap.Logger

	mu     sync.Mutex
	conns  map[*websocket.Conn]struct{}
	closed bool
}

// NewFeedHub creates a hub. Zero fields in cfg take DefaultFeedConfig values.
func NewFeedHub(cfg FeedConfig, logger *zap.Logger) *FeedHub {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultFeedConfig()
	if cfg.Origins == nil {
		cfg.Origins = def.Origins
	}
	if cfg.MaxPerIP <= 0 {
		cfg.MaxPerIP = def.MaxPerIP
	}
	if cfg.MaxTotal <= 0 {
		cfg.MaxTotal = def.MaxTotal
	}
	if cfg.PingPeriod <= 0 {
		cfg.PingPeriod = def.PingPeriod
	}
	if cfg.PongWait <= cfg.PingPeriod {
		cfg.PongWait = 2 * cfg.PingPeriod
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = def.WriteWait
	}

	h := &FeedHub{
		cfg:     cfg,
		limiter: NewConnLimiter(cfg.MaxPerIP),
		origins: NewOriginChecker(cfg.Origins),
		logger:  logger,
		conns:   make(map[*websocket.Conn]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if h.origins.Allowed(origin) {
				return true
			}
			h.logger.Warn("Feed connection rejected", zap.String("origin", origin))
			RecordConnectionRejected("origin")
			return false
		},
	}
	return h
}

// Count returns the number of open feed connections.
func (h *FeedHub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Close drops every open feed and refuses new ones.
func (h *FeedHub) Close() {
	h.mu.Lock()
	h.closed = true
	conns := make([]*websocket.Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}

// Serve upgrades the request and relays room's change events until the
// client disconnects or the upstream subscription ends. An upstream drop is
// reported with a close frame so the client knows to resync.
func (h *FeedHub) Serve(w http.ResponseWriter, r *http.Request, store rowstore.Store, room string) {
	ip := ClientIP(r, h.cfg.TrustProxy)

	if n := h.Count(); n >= h.cfg.MaxTotal {
		h.logger.Warn("Feed connection rejected: total limit reached", zap.Int("open", n))
		RecordConnectionRejected("ws_total_limit")
		writeError(w, "too many connections", http.StatusServiceUnavailable)
		return
	}
	if !h.limiter.Acquire(ip) {
		h.logger.Warn("Feed connection rejected: per-IP limit reached", zap.String("ip", ip))
		RecordConnectionRejected("ws_ip_limit")
		writeError(w, "too many connections from your IP", http.StatusTooManyRequests)
		return
	}
	defer h.limiter.Release(ip)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Subscribe before upgrading so a store failure is still a plain HTTP error.
	sub, err := store.Subscribe(ctx, room)
	if err != nil {
		h.logger.Error("Feed subscribe failed", zap.String("room", room), zap.Error(err))
		writeError(w, err.Error(), StatusFor(err))
		return
	}
	defer sub.Close()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		h.logger.Debug("Feed upgrade failed", zap.Error(err))
		return
	}
	if !h.register(conn) {
		conn.Close()
		return
	}
	defer h.unregister(conn)

	h.logger.Info("Feed connected", zap.String("room", room), zap.String("ip", ip))

	go h.readLoop(conn, cancel)
	h.writeLoop(ctx, conn, sub, room)
}

// readLoop consumes control frames so pongs are seen, and cancels the
// relay when the client goes away.
func (h *FeedHub) readLoop(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Debug("Feed read error", zap.Error(err))
			}
			return
		}
	}
}

func (h *FeedHub) writeLoop(ctx context.Context, conn *websocket.Conn, sub rowstore.Subscription, room string) {
	ticker := time.NewTicker(h.cfg.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.closeWith(conn, websocket.CloseNormalClosure, "")
			return

		case <-sub.Done():
			reason := ""
			if err := sub.Err(); err != nil {
				reason = err.Error()
			}
			h.logger.Info("Feed upstream ended", zap.String("room", room), zap.String("reason", reason))
			h.closeWith(conn, websocket.CloseTryAgainLater, reason)
			return

		case ev := <-sub.Events():
			conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				h.logger.Debug("Feed write failed", zap.String("room", room), zap.Error(err))
				return
			}
			RecordFeedEvent(string(ev.Kind))

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *FeedHub) closeWith(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, truncateReason(reason, maxCloseReason))
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(h.cfg.WriteWait))
}

func (h *FeedHub) register(conn *websocket.Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.conns[conn] = struct{}{}
	UpdateFeedConnections(len(h.conns))
	return true
}

func (h *FeedHub) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.conns, conn)
	n := len(h.conns)
	h.mu.Unlock()

	conn.Close()
	UpdateFeedConnections(n)
	h.logger.Info("Feed disconnected", zap.Int("remaining", n))
}

// truncateReason caps a close reason at max bytes without splitting a rune;
// peers reject close frames that are not valid UTF-8.
func truncateReason(reason string, max int) string {
	if len(reason) <= max {
		return reason
	}
	for max > 0 && !utf8.RuneStart(reason[max]) {
		max--
	}
	return reason[:max]
}
