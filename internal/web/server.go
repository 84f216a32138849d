// Package web provides the HTTP API for the party ledger.
package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/JonMunkholm/partyledger/internal/config"
	"github.com/JonMunkholm/partyledger/internal/service"
	"github.com/JonMunkholm/partyledger/internal/web/middleware"
)

// Server is the HTTP server for the ledger API.
type Server struct {
	cfg     *config.Config
	service *service.Service
	router  *chi.Mux
	server  *http.Server

	limiters []*middleware.RateLimiter
}

// NewServer creates a Server with all routes registered.
func NewServer(cfg *config.Config, svc *service.Service) *Server {
	s := &Server{
		cfg:     cfg,
		service: svc,
		router:  chi.NewRouter(),
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(chimw.RequestID)
	s.router.Use(middleware.TrustedRealIP(s.cfg.Security.TrustedProxies))
	s.router.Use(middleware.Logger)
	s.router.Use(chimw.Recoverer)
	s.router.Use(securityHeaders)

	if s.cfg.Rate.Enabled {
		s.router.Use(s.rateLimit(s.cfg.Rate.RequestsPerMinute, s.cfg.Rate.Burst))
	}
	s.router.Use(middleware.APIKeyAuth(s.cfg.Security, "/healthz"))
}

// rateLimit returns a per-ip limiter middleware that is stopped on Shutdown.
func (s *Server) rateLimit(perMinute, burst int) func(http.Handler) http.Handler {
	rl := middleware.NewRateLimiter(perMinute, burst)
	s.limiters = append(s.limiters, rl)
	return rl.Handler
}

func (s *Server) setupRoutes() {
	s.router.Get("/healthz", s.handleHealth)

	heavy := func(next http.Handler) http.Handler { return next }
	if s.cfg.Rate.Enabled && s.cfg.Rate.ImportLimit > 0 {
		heavy = s.rateLimit(s.cfg.Rate.ImportLimit, 0)
	}

	s.router.Route("/api", func(r chi.Router) {
		// Progress streams run for as long as the import does.
		r.Get("/import/{importID}/progress", s.handleImportProgress)

		r.Group(func(r chi.Router) {
			r.Use(chimw.Timeout(s.requestTimeout()))

			// Record store surface
			r.Get("/parties", s.handleListParties)
			r.Post("/parties", s.handleCreateParty)
			r.Post("/parties/allocate", s.handleAllocateID)
			r.Get("/parties/duplicates", s.handleDuplicates)
			r.Post("/parties/{partyID}/visits", s.handleAddVisit)
			r.Get("/snapshot", s.handleGetSnapshot)
			r.With(heavy).Put("/snapshot", s.handlePutSnapshot)

			// Batch import
			r.Post("/import/preview", s.handlePreview)
			r.With(heavy).Post("/import/parties", s.handleStartImport)
			r.Get("/import/{importID}/result", s.handleImportResult)
			r.Get("/imports", s.handleListImports)

			// Transfer and exports
			r.Get("/transfer/export", s.handleTransferExport)
			r.With(heavy).Post("/transfer/import", s.handleTransferImport)
			r.Get("/export/parties.csv", s.handleExportPartiesCSV)
			r.Get("/export/visits.csv", s.handleExportVisitsCSV)
		})
	})
}

func (s *Server) requestTimeout() time.Duration {
	if s.cfg.Server.RequestTimeout > 0 {
		return s.cfg.Server.RequestTimeout
	}
	return 60 * time.Second
}

// Start listens on the configured address until Shutdown.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.cfg.Server.Addr(),
		Handler:      s.router,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
		IdleTimeout:  s.cfg.Server.IdleTimeout,
	}

	slog.Info("starting server", "addr", s.server.Addr)
	return s.server.ListenAndServe()
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	for _, rl := range s.limiters {
		rl.Close()
	}
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the underlying chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// securityHeaders adds security headers to all responses.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		h.Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}

// writeJSON encodes v as the response body with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("json encode error", "error", err)
	}
}

// writeRawJSON writes an already-encoded JSON body.
func writeRawJSON(w http.ResponseWriter, status int, data []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}
