package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"whoisrdap/pkg/metrics"
	"whoisrdap/pkg/model"
)

const shutdownTimeout = 10 * time.Second

func cmdServe() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve lookups over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.ListenAddr = listen
			}

			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			httpServer := &http.Server{
				Addr:              cfg.ListenAddr,
				Handler:           newServer(a),
				ReadHeaderTimeout: 5 * time.Second,
			}

			go func() {
				<-cmd.Context().Done()
				log.Info("shutting down")
				ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				if err := httpServer.Shutdown(ctx); err != nil {
					log.Warn("shutdown incomplete", "err", err)
				}
			}()

			log.Info("starting lookup API", "addr", cfg.ListenAddr, "store", cfg.StoreEndpoint)
			log.Info("endpoints", "lookup", "GET /ip/{addr}", "health", "GET /health", "stats", "GET /stats", "metrics", "GET /metrics")
			if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			log.Info("server stopped")
			return nil
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "listen address (default "+model.DefaultListenAddr+")")
	return cmd
}

// Server exposes an app over HTTP
type Server struct {
	app *app
	mux *http.ServeMux
}

func newServer(a *app) *Server {
	s := &Server{app: a, mux: http.NewServeMux()}
	s.mux.HandleFunc("GET /ip/{addr}", s.handleLookup)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /stats", s.handleStats)
	s.mux.Handle("GET /metrics", metrics.Handler())
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	s.mux.ServeHTTP(w, r)
	log.Debug("request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
}

func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	addr := r.PathValue("addr")
	res, err := s.app.checker.Check(r.Context(), addr)
	if err != nil {
		status := statusFor(err)
		if status >= 500 {
			log.Warn("lookup failed", "ip", addr, "err", err)
		}
		writeError(w, status, err.Error())
		return
	}
	writeResponse(w, http.StatusOK, s.app.view(res))
}

// statusFor maps lookup errors onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrInvalidAddress):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, model.ErrFetchFailed),
		errors.Is(err, model.ErrUnsupportedVersion),
		errors.Is(err, model.ErrInvalidRange):
		return http.StatusBadGateway
	case errors.Is(err, model.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if c, ok := s.app.store.(interface{ IsClosed() bool }); ok && c.IsClosed() {
		writeResponse(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"reason": "store is closed",
		})
		return
	}
	writeResponse(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.app.store == nil {
		writeError(w, http.StatusNotFound, "no store configured")
		return
	}
	stats, err := s.app.store.Stats(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeResponse(w, http.StatusOK, stats)
}

func writeResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeResponse(w, status, map[string]string{"error": msg})
}
