// Package api provides the HTTP API and middleware for the hub.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/forumhub/forum/hub/auth"
	"github.com/forumhub/forum/hub/bridge"
	"github.com/forumhub/forum/hub/config"
	"github.com/forumhub/forum/hub/registry"
	"github.com/forumhub/forum/hub/router"
	"github.com/forumhub/forum/hub/store"
	"github.com/forumhub/forum/pkg/protocol"
)

// RoomManager closes rooms and removes members on behalf of a requester.
type RoomManager interface {
	CloseRoom(ctx context.Context, roomCode, requester string) error
	LeaveRoom(ctx context.Context, roomCode, username string) error
}

// BridgeStatus reports the broker bridge state.
type BridgeStatus interface {
	Status() bridge.Status
}

// ServerOptions contains optional dependencies for the API server.
type ServerOptions struct {
	Bridge BridgeStatus // nil reports the broker as not configured
}

// Server is the HTTP API server.
type Server struct {
	store         store.Store
	authProvider  auth.Provider
	loginProvider auth.LoginProvider
	router        *router.Router
	registry      *registry.Registry
	rooms         RoomManager
	bridge        BridgeStatus
	logger        *slog.Logger
	mux           *chi.Mux
	startTime     time.Time
	maxBodyBytes  int64
	uploadDir     string
	maxFileBytes  int64
	historyLimit  int
	loginRL       *rateLimiter
	rl            *rateLimiter
}

// NewServer creates a new API server.
func NewServer(s store.Store, ap auth.Provider, lp auth.LoginProvider, rt *router.Router, reg *registry.Registry, rooms RoomManager, cfg *config.Config, opts ServerOptions, logger *slog.Logger) *Server {
	srv := &Server{
		store:         s,
		authProvider:  ap,
		loginProvider: lp,
		router:        rt,
		registry:      reg,
		rooms:         rooms,
		bridge:        opts.Bridge,
		logger:        logger.With("component", "api"),
		startTime:     time.Now(),
		maxBodyBytes:  cfg.Server.MaxBodyBytes,
		uploadDir:     cfg.Server.UploadDir,
		maxFileBytes:  cfg.Server.MaxFileBytes,
		historyLimit:  cfg.Session.HistoryLimit,
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(securityHeadersMiddleware)
	mux.Use(makeCORSMiddleware(cfg.Server.AllowedOrigins))

	// Health check routes (unauthenticated)
	mux.Get("/healthz", srv.handleHealthz)
	mux.Get("/readyz", srv.handleReadyz)

	mux.Get("/api/auth/config", srv.handleAuthConfig)

	// Login and registration only exist with builtin auth.
	if lp != nil {
		srv.loginRL = newRateLimiter(5, 10)
		mux.Group(func(r chi.Router) {
			r.Use(ipRateLimitMiddleware(srv.loginRL, "too many login attempts"))
			r.Post("/api/auth/login", srv.handleLogin)
			r.Post("/api/auth/register", srv.handleRegister)
		})
	}

	// WebSocket route (auth handled inside)
	mux.Get("/ws", rt.HandleClientWS)

	srv.rl = newRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)

	// Public room routes; a token is optional but must be valid when sent.
	mux.Group(func(r chi.Router) {
		r.Use(srv.optionalAuthMiddleware)
		r.Use(rateLimitMiddleware(srv.rl))

		r.Get("/api/rooms/{code}", srv.handleGetRoom)
		r.Get("/api/rooms/{code}/messages", srv.handleGetRoomMessages)
		r.Get("/api/rooms/{code}/users", srv.handleGetRoomUsers)
		r.Get("/api/system/status", srv.handleSystemStatus)
		r.Post("/api/upload", srv.handleUpload)
	})

	// Authenticated API routes
	mux.Group(func(r chi.Router) {
		r.Use(srv.authMiddleware)
		r.Use(rateLimitMiddleware(srv.rl))

		r.Post("/api/rooms", srv.handleCreateRoom)
		r.Post("/api/rooms/{code}/close", srv.handleCloseRoom)
		r.Post("/api/rooms/{code}/leave", srv.handleLeaveRoom)
		r.Get("/api/me", srv.handleGetMe)
		r.Get("/api/me/rooms", srv.handleListMyRooms)
	})

	// Uploaded files.
	mux.Handle("/uploads/*", http.StripPrefix("/uploads/", srv.uploadsHandler()))

	// Serve UI static files if configured.
	uiDir := cfg.Server.UIStaticDir
	if uiDir != "" {
		fileServer := http.FileServer(http.Dir(uiDir))
		mux.Handle("/*", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Try serving the file, fall back to index.html for SPA routing.
			path := r.URL.Path
			if path != "/" && !strings.Contains(path, ".") {
				r.URL.Path = "/"
			}
			fileServer.ServeHTTP(w, r)
		}))
	}

	srv.mux = mux
	return srv
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// StartBackgroundTasks starts periodic cleanup tasks for rate limiters.
func (s *Server) StartBackgroundTasks(ctx context.Context) {
	if s.loginRL != nil {
		s.loginRL.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
	}
	if s.rl != nil {
		s.rl.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
	}
}

// --- Auth handlers ---

func (s *Server) handleAuthConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"provider":     s.authProvider.Name(),
		"registration": s.loginProvider != nil,
	})
}

type credentials struct {
	Username    string `json:"username"`
	Password    string `json:"password"`
	DisplayName string `json:"displayName,omitempty"`
}

func (s *Server) decodeCredentials(w http.ResponseWriter, r *http.Request) (credentials, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req credentials
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return req, false
	}
	req.Username = strings.TrimSpace(req.Username)
	if len(req.Username) < 3 || len(req.Username) > 64 {
		writeError(w, http.StatusBadRequest, "username must be 3-64 characters")
		return req, false
	}
	return req, true
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeCredentials(w, r)
	if !ok {
		return
	}

	token, err := s.loginProvider.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		if !errors.Is(err, auth.ErrInvalidCredentials) {
			s.logger.Warn("login failed", "username", req.Username, "error", err)
		}
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeCredentials(w, r)
	if !ok {
		return
	}
	if len(req.Password) < 8 {
		writeError(w, http.StatusBadRequest, "password must be at least 8 characters")
		return
	}

	user, err := s.loginProvider.Register(r.Context(), req.Username, req.Password, req.DisplayName)
	if errors.Is(err, auth.ErrUserExists) {
		writeError(w, http.StatusConflict, "username already taken")
		return
	}
	if err != nil {
		s.logger.Error("register failed", "username", req.Username, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to register")
		return
	}

	token, err := s.loginProvider.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		s.logger.Error("login after register failed", "username", req.Username, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"user": user, "token": token})
}

func (s *Server) handleGetMe(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{
		"id":       identity.UserID,
		"username": identity.Username,
		"role":     identity.Role,
	})
}

// --- Health handlers ---

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"uptime": time.Since(s.startTime).Truncate(time.Second).String(),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// handleSystemStatus reports live connections per room and the broker state.
func (s *Server) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	var broker any = map[string]any{"enabled": false, "connected": false}
	if s.bridge != nil {
		broker = s.bridge.Status()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"system": map[string]any{
			"uptime":    time.Since(s.startTime).Truncate(time.Second).String(),
			"timestamp": time.Now().UTC(),
		},
		"websocket": s.registry.Stats(),
		"broker":    broker,
	})
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeDomainError maps the protocol error taxonomy to HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, protocol.ErrRoomNotFound):
		status = http.StatusNotFound
	case errors.Is(err, protocol.ErrUnauthorized):
		status = http.StatusForbidden
	}
	writeJSON(w, status, map[string]string{
		"error": err.Error(),
		"code":  protocol.ErrorCode(err),
	})
}
