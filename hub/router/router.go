// Package router accepts client WebSocket connections and routes their
// messages to the registry, the store, the presence tracker and the broker
// bridge.
package router

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/forumhub/forum/hub/auth"
	"github.com/forumhub/forum/hub/lifecycle"
	"github.com/forumhub/forum/hub/presence"
	"github.com/forumhub/forum/hub/registry"
	"github.com/forumhub/forum/hub/store"
	"github.com/forumhub/forum/pkg/protocol"
)

// makeUpgrader creates a WebSocket upgrader with origin checking.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients
			}
			return originSet[origin]
		},
	}
}

// Publisher mirrors room traffic to other hub instances. Every method is
// best-effort and reports whether the message left this process.
type Publisher interface {
	PublishRoomMessage(msg protocol.ChatMessage) bool
	PublishUserEvent(roomCode, typ, username, userID string) bool
	PublishFileUpload(msg protocol.ChatMessage) bool
	PublishAnalytics(ev protocol.AnalyticsEvent) bool
}

// Options configures the Router.
type Options struct {
	AllowedOrigins    []string      // for WebSocket origin check
	Auth              auth.Provider // optional; when set, a presented token must be valid
	MaxMessageBytes   int64         // max WebSocket message from clients (default 64KB)
	HistoryLimit      int           // messages sent on join (default 100)
	SendBuffer        int
	CloseGrace        time.Duration
	PingInterval      time.Duration
	PongWait          time.Duration
	MessagesPerSecond float64 // per-connection inbound rate (default 30)
	Burst             int     // per-connection burst (default 50)
}

// Router owns the client sockets and dispatches their messages.
type Router struct {
	store     store.Store
	registry  *registry.Registry
	presence  *presence.Tracker
	lifecycle *lifecycle.Manager
	publisher Publisher
	auth      auth.Provider
	logger    *slog.Logger
	upgrader  websocket.Upgrader

	maxMessageBytes int64
	historyLimit    int
	sessionOpts     registry.SessionOptions
	pongWait        time.Duration
	rate            float64
	burst           float64
}

// New creates a Router.
func New(s store.Store, reg *registry.Registry, p *presence.Tracker, lc *lifecycle.Manager, pub Publisher, logger *slog.Logger, opts Options) *Router {
	maxBytes := opts.MaxMessageBytes
	if maxBytes == 0 {
		maxBytes = 64 * 1024
	}
	history := opts.HistoryLimit
	if history == 0 {
		history = 100
	}
	pingInterval := opts.PingInterval
	if pingInterval == 0 {
		pingInterval = wsPingInterval
	}
	pongWait := opts.PongWait
	if pongWait == 0 {
		pongWait = wsPongWait
	}
	rate := opts.MessagesPerSecond
	if rate == 0 {
		rate = 30
	}
	burst := opts.Burst
	if burst == 0 {
		burst = 50
	}

	return &Router{
		store:           s,
		registry:        reg,
		presence:        p,
		lifecycle:       lc,
		publisher:       pub,
		auth:            opts.Auth,
		logger:          logger.With("component", "router"),
		upgrader:        makeUpgrader(opts.AllowedOrigins),
		maxMessageBytes: maxBytes,
		historyLimit:    history,
		sessionOpts: registry.SessionOptions{
			SendBuffer:   opts.SendBuffer,
			PingInterval: pingInterval,
			CloseGrace:   opts.CloseGrace,
		},
		pongWait: pongWait,
		rate:     rate,
		burst:    float64(burst),
	}
}

// HandleClientWS upgrades a client connection and serves it until the
// socket closes. A bearer token is optional; when one is presented it must
// be valid, and the join identity then comes from the token.
func (r *Router) HandleClientWS(w http.ResponseWriter, req *http.Request) {
	identity, ok := r.authenticate(w, req)
	if !ok {
		return
	}

	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("client websocket upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(r.maxMessageBytes)
	startReadDeadline(conn, r.pongWait)

	sess := registry.NewSession(uuid.New().String(), conn, r.sessionOpts)
	r.registry.Attach(sess)

	ctx, cancel := context.WithCancel(context.WithoutCancel(req.Context()))
	defer cancel()

	r.logger.Info("client connected", "session_id", sess.ID(), "remote", req.RemoteAddr)
	r.serve(ctx, sess, conn, identity)
	r.logger.Info("client disconnected", "session_id", sess.ID())
}

// authenticate checks the optional bearer token. It writes the error
// response itself and reports false when the request must be rejected.
//
// JWT in a query parameter is needed because browsers cannot set headers on
// the WebSocket handshake.
func (r *Router) authenticate(w http.ResponseWriter, req *http.Request) (*auth.Identity, bool) {
	tokenStr := req.URL.Query().Get("token")
	if tokenStr == "" {
		tokenStr = strings.TrimPrefix(req.Header.Get("Authorization"), "Bearer ")
	}
	if tokenStr == "" || r.auth == nil {
		return nil, true
	}
	identity, err := r.auth.ValidateToken(req.Context(), tokenStr)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return nil, false
	}
	return identity, true
}

// Dispatch decodes one raw client frame and routes it for sess. identity,
// when set, overrides the name a join claims. Malformed frames are logged
// and dropped without a reply.
func (r *Router) Dispatch(ctx context.Context, sess *registry.Session, raw []byte, identity *auth.Identity) {
	if msg, ok := r.decode(sess, raw, identity); ok {
		r.route(ctx, sess, msg)
	}
}

func (r *Router) decode(sess *registry.Session, raw []byte, identity *auth.Identity) (protocol.Inbound, bool) {
	msg, err := protocol.Decode(raw)
	if err != nil {
		r.logger.Warn("invalid message from client", "session_id", sess.ID(), "error", err)
		return nil, false
	}
	return withIdentity(msg, identity), true
}

func (r *Router) route(ctx context.Context, sess *registry.Session, msg protocol.Inbound) {
	switch m := msg.(type) {
	case protocol.Join:
		r.handleJoin(ctx, sess, m)
	case protocol.Send:
		r.handleSend(ctx, sess, m)
	case protocol.Leave:
		r.handleLeave(ctx, sess, m)
	case protocol.Typing:
		r.handleTyping(sess, m)
	case protocol.Unrecognized:
		r.logger.Warn("unknown client message type", "type", m.Type, "session_id", sess.ID())
	default:
		r.logger.Warn("unhandled client message", "kind", msg.Kind(), "session_id", sess.ID())
	}
}
