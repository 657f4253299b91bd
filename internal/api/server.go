package api

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/inconshreveable/log15"
	"github.com/julienschmidt/httprouter"

	"github.com/ociule/mongorc/internal/engine"
	"github.com/ociule/mongorc/internal/identity"
)

const handlerTimeout = 10 * time.Second

// Server exposes the peer RPC endpoints and the operator read-through
// endpoints over a single engine.Engine.
type Server struct {
	Self   identity.Self
	Port   string
	Engine engine.Engine
	Logger log15.Logger

	httpServer *http.Server
}

// New returns a Server ready to Start on the given listen address.
func New(self identity.Self, port string, eng engine.Engine, logger log15.Logger) *Server {
	return &Server{
		Self:   self,
		Port:   port,
		Engine: eng,
		Logger: logger.New("component", "api"),
	}
}

// Handler builds the routed, middleware-wrapped http.Handler.
func (s *Server) Handler() http.Handler {
	router := httprouter.New()
	router.GET("/health", s.health)
	router.GET("/primary", s.primary)
	router.GET("/oplog", s.oplog)
	router.GET("/status", s.status)
	router.GET("/members", s.members)
	router.GET("/info", s.status)
	return s.withMiddleware(router)
}

// Start runs the HTTP server on the configured port until ctx is
// canceled, at which point it shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:    net.JoinHostPort("", s.Port),
		Handler: s.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

// withMiddleware assigns a request ID, logs at debug, and recovers panics
// into a 500, the way every handler on this surface is wrapped.
func (s *Server) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.New().String()
		w.Header().Set("X-Request-Id", reqID)
		log := s.Logger.New("req_id", reqID, "method", r.Method, "path", r.URL.Path)

		defer func() {
			if rec := recover(); rec != nil {
				log.Error("panic in handler", "panic", rec)
				w.WriteHeader(http.StatusInternalServerError)
			}
		}()

		start := time.Now()
		next.ServeHTTP(w, r)
		log.Debug("handled request", "duration", time.Since(start))
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, HealthResponse{Time: time.Now().UTC()})
}

func (s *Server) primary(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	ctx, cancel := context.WithTimeout(r.Context(), handlerTimeout)
	defer cancel()

	resp := PrimaryResponse{IsPrimary: s.Engine.IsPrimary(ctx)}
	if state, err := s.Engine.Status(ctx); err == nil && state.PrimaryHost != "" {
		host := state.PrimaryHost
		resp.Primary = &host
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) oplog(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	ctx, cancel := context.WithTimeout(r.Context(), handlerTimeout)
	defer cancel()

	resp := OplogResponse{Hostname: s.Self.Hostname, IP: s.Self.Address}
	ts, err := s.Engine.LatestOplog(ctx)
	if err != nil {
		s.Logger.Debug("oplog read failed", "err", err)
	} else {
		resp.Timestamp = oplogWire(ts)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) status(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	ctx, cancel := context.WithTimeout(r.Context(), handlerTimeout)
	defer cancel()

	state, err := s.Engine.Status(ctx)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, statusWire(state))
}

func (s *Server) members(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	ctx, cancel := context.WithTimeout(r.Context(), handlerTimeout)
	defer cancel()

	cfg, err := s.Engine.GetConfig(ctx)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, membersWire(cfg))
}
