// Package ipc serves the loopback operator API: read-only snapshots of
// the agent's state for the local UI, the operator verbs (pending-action
// review, suppressions, maintenance windows, dampening reset, manual
// tickets, test escalations), and the Prometheus scrape endpoint. Every
// /v1 route sits behind the bearer token written next to the state
// files; with no token configured the API refuses everything.
package ipc

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/hdwhite1980/opsis-agent-sub000/internal/exclusion"
	"github.com/hdwhite1980/opsis-agent-sub000/internal/logging"
	"github.com/hdwhite1980/opsis-agent-sub000/internal/maintenance"
	"github.com/hdwhite1980/opsis-agent-sub000/internal/memory"
	"github.com/hdwhite1980/opsis-agent-sub000/internal/pending"
	"github.com/hdwhite1980/opsis-agent-sub000/internal/playbook"
	"github.com/hdwhite1980/opsis-agent-sub000/internal/protocol"
	"github.com/hdwhite1980/opsis-agent-sub000/internal/signal"
	"github.com/hdwhite1980/opsis-agent-sub000/internal/spool"
	"github.com/hdwhite1980/opsis-agent-sub000/internal/ticket"
	"github.com/hdwhite1980/opsis-agent-sub000/internal/track"
)

const (
	requestTimeout  = 30 * time.Second
	rateLimit       = 120 // requests per minute per client
	shutdownTimeout = 5 * time.Second
)

// Domain posts operator work onto the decision domain. Verbs that
// mutate domain-owned state go through Inject so they serialize with
// collector signals and server frames.
type Domain interface {
	Inject(f protocol.Frame) bool
	Ingest(sig signal.Signal) bool
}

// Link is the control-plane connection surface operators can act on.
type Link interface {
	Connected() bool
	Invalidated() bool
	ResetSession()
}

// Config identifies the listener.
type Config struct {
	Listen   string // loopback host:port
	Token    string // bearer token; empty disables every operator route
	DeviceID string
	TenantID string
	Version  string
}

// Deps are the stores the snapshots read and the surfaces verbs act on.
// Spool and Prompter may be nil.
type Deps struct {
	Domain     Domain
	Link       Link
	Tracker    *track.Tracker
	Windows    *maintenance.Gate
	Memory     *memory.Store
	Pending    *pending.Store
	Tickets    *ticket.Store
	Exclusions *exclusion.Lists
	Queue      *playbook.Queue
	Prompter   *playbook.Prompter
	Spool      *spool.Spool
}

// Server is the loopback operator API.
type Server struct {
	cfg  Config
	deps Deps
	log  zerolog.Logger
}

// New builds the server. It does not listen until Run.
func New(cfg Config, deps Deps) *Server {
	return &Server{
		cfg:  cfg,
		deps: deps,
		log:  logging.WithComponent("ipc"),
	}
}

// Handler returns the router with every route mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(requestTimeout))
	r.Use(httprate.LimitByIP(rateLimit, time.Minute))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.requireToken)

		r.Get("/state", s.handleState)
		r.Get("/queue", s.handleQueue)
		r.Get("/memory", s.handleMemory)
		r.Get("/tickets", s.handleTickets)
		r.Get("/windows", s.handleWindows)
		r.Get("/pending", s.handlePending)
		r.Get("/exclusions", s.handleExclusions)
		r.Get("/tracked", s.handleTracked)

		r.Post("/pending/{signatureID}/approve", s.handleApprovePending)
		r.Post("/pending/{signatureID}/cancel", s.handleCancelPending)
		r.Post("/windows", s.handleCreateWindow)
		r.Delete("/windows/{windowID}", s.handleCancelWindow)
		r.Post("/exclusions", s.handleAddExclusion)
		r.Post("/dampening/reset", s.handleResetDampening)
		r.Post("/tickets", s.handleManualTicket)
		r.Post("/escalations/test", s.handleTestEscalation)
		r.Post("/prompts/{promptID}", s.handleAnswerPrompt)
		r.Post("/session/reset", s.handleSessionReset)
	})

	return r
}

// Run serves until ctx ends. The listener must resolve to a loopback
// address; anything else is refused outright.
func (s *Server) Run(ctx context.Context) error {
	if err := ensureLoopback(s.cfg.Listen); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.log.Info().Str("listen", s.cfg.Listen).Msg("operator API started")

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
		<-errc
		s.log.Info().Msg("operator API stopped")
		return nil
	case err := <-errc:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("operator API: %w", err)
		}
		return nil
	}
}

// requireToken is the fail-closed bearer gate: no configured token
// means no operator API at all.
func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Token == "" {
			writeError(w, http.StatusForbidden, "operator API disabled: no token configured")
			return
		}
		got := bearerToken(r)
		if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.Token)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid or missing bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if after, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return strings.TrimSpace(after)
	}
	return ""
}

func ensureLoopback(listen string) error {
	host, _, err := net.SplitHostPort(listen)
	if err != nil {
		return fmt.Errorf("ipc listen address %q: %w", listen, err)
	}
	if host == "localhost" {
		return nil
	}
	ip := net.ParseIP(host)
	if ip == nil || !ip.IsLoopback() {
		return fmt.Errorf("ipc listen address %q is not loopback", listen)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
