// Package ops serves a small read-only HTTP API for operators: health, job
// status, runtime and maintenance snapshots, and optionally the Go profiler.
package ops

import (
	"context"
	"crypto/subtle"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"chanrelay/internal/domain"
	"chanrelay/internal/maintenance"
	rtsup "chanrelay/internal/runtime/supervisor"
	logx "chanrelay/pkg/logx"
)

const DefaultAddr = "127.0.0.1:6061"

// Jobs is the read side of the relay supervisor.
type Jobs interface {
	List(ctx context.Context) ([]domain.JobStatus, error)
	Status(ctx context.Context, id string) (domain.JobStatus, error)
}

// Sources feeds the handlers. Nil funcs make their endpoint answer 404.
type Sources struct {
	Jobs Jobs
	// Runtime returns the goroutine snapshots keyed by component.
	Runtime     func() map[string]rtsup.Snapshot
	Maintenance func() []maintenance.JobStats
	// Ready reports whether the relay finished resuming active jobs.
	Ready func() bool
}

type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool
	Profiler      bool
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	IdleTimeout   time.Duration
}

type Server struct {
	log logx.Logger
	src Sources

	mu   sync.Mutex
	cfg  Config
	srv  *http.Server
	ln   net.Listener
	addr string
}

func New(src Sources, log logx.Logger) *Server {
	return &Server{src: src, log: log.With(logx.String("comp", "ops"))}
}

// Apply starts, restarts or stops the listener to match cfg.
func (s *Server) Apply(ctx context.Context, cfg Config) error {
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = DefaultAddr
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !cfg.Enabled {
		s.stopLocked(ctx)
		s.cfg = cfg
		return nil
	}
	if s.srv != nil && s.cfg == cfg {
		return nil
	}
	s.stopLocked(ctx)

	// Refuse to expose job data on a public interface without auth.
	if !cfg.AllowInsecure && cfg.Token == "" && !isLoopbackAddr(cfg.Addr) {
		return errors.Newf("ops: non-loopback addr %s requires token or allow_insecure", cfg.Addr)
	}
	if cfg.AllowInsecure && cfg.Token == "" && !isLoopbackAddr(cfg.Addr) {
		s.log.Warn("ops running without token on non-loopback addr (insecure)", logx.String("addr", cfg.Addr))
	}

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return errors.Wrapf(err, "ops listen %s", cfg.Addr)
	}
	srv := &http.Server{
		Handler:           s.Handler(cfg),
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}
	s.cfg, s.srv, s.ln, s.addr = cfg, srv, ln, ln.Addr().String()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("ops server stopped with error", logx.Err(err))
		}
	}()
	s.log.Info("ops started", logx.String("addr", s.addr), logx.Bool("token_set", cfg.Token != ""),
		logx.Bool("profiler", cfg.Profiler))
	return nil
}

func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked(ctx)
}

func (s *Server) stopLocked(ctx context.Context) {
	if s.srv == nil {
		return
	}
	srv, addr := s.srv, s.addr
	s.srv, s.ln, s.addr = nil, nil, ""

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.log.Warn("ops shutdown error", logx.String("addr", addr), logx.Err(err))
		_ = srv.Close()
	}
	s.log.Info("ops stopped", logx.String("addr", addr))
}

// Addr reports the listen address, or "" when stopped.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Handler builds the router for cfg. Every route sits behind the token check.
func (s *Server) Handler(cfg Config) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLog)
	r.Use(bearerAuth(cfg.Token))

	r.Get("/healthz", s.health)
	r.Get("/jobs", s.listJobs)
	r.Get("/jobs/{id}", s.getJob)
	r.Get("/supervisor", s.runtime)
	r.Get("/maintenance", s.maintenance)
	if cfg.Profiler {
		r.Mount("/debug", middleware.Profiler())
	}
	return r
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("ops request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("took", time.Since(start)),
			logx.String("req_id", middleware.GetReqID(r.Context())),
		)
	})
}

// bearerAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
// An empty token disables the check.
func bearerAuth(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.URL.Query().Get("token")
			if got == "" {
				got, _ = strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
				got = strings.TrimSpace(got)
			}
			if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(tok)) != 1 {
				w.Header().Set("WWW-Authenticate", "Bearer")
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
