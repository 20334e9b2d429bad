package status

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"rssbot/internal/eventbus"
	"rssbot/internal/notifier"
	"rssbot/internal/relay"
	rtsup "rssbot/internal/runtime/supervisor"
	logx "rssbot/pkg/logx"
)

// Config controls the optional status HTTP server. There is no auth; bind to
// loopback.
type Config struct {
	Enabled bool
	Addr    string
}

type EngineSource interface {
	Snapshot() relay.Snapshot
}

type DispatchSource interface {
	Stats() notifier.Stats
}

// Deps are the read-only views the server reports on. Any may be nil.
type Deps struct {
	Engine   EngineSource
	Notifier DispatchSource
	Bus      eventbus.Bus
	// Supervisors returns named supervisor snapshots (app, notifier, matrix).
	Supervisors func() map[string]rtsup.Snapshot
	// Healthy backs /healthz; nil means always healthy.
	Healthy func() error
}

// Report is the /status document.
type Report struct {
	Time        time.Time                 `json:"time"`
	Uptime      string                    `json:"uptime"`
	Relay       relay.Snapshot            `json:"relay"`
	Dispatch    notifier.Stats            `json:"dispatch"`
	Supervisors map[string]rtsup.Snapshot `json:"supervisors,omitempty"`
}

type Service struct {
	mu  sync.Mutex
	log logx.Logger
	cfg Config

	deps    Deps
	metrics *metrics
	started time.Time

	sup *rtsup.Supervisor
	srv *http.Server
}

func New(cfg Config, deps Deps, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, log: log, deps: deps, metrics: newMetrics(deps), started: time.Now()}
}

// Supervisor returns the server's supervisor (nil if not started).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Handler returns the HTTP routes. Exposed for tests.
func (s *Service) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/status", s.handleStatus)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.metrics.reg, promhttp.HandlerOpts{}))

	r.Route("/debug/pprof", func(r chi.Router) {
		r.HandleFunc("/", hpprof.Index)
		r.HandleFunc("/cmdline", hpprof.Cmdline)
		r.HandleFunc("/profile", hpprof.Profile)
		r.HandleFunc("/symbol", hpprof.Symbol)
		r.HandleFunc("/trace", hpprof.Trace)
		r.HandleFunc("/{profile}", hpprof.Index)
	})
	return r
}

func (s *Service) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Healthy != nil {
		if err := s.deps.Healthy(); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
	}
	_, _ = w.Write([]byte("ok"))
}

func (s *Service) report() Report {
	rep := Report{Time: time.Now(), Uptime: time.Since(s.started).Truncate(time.Second).String()}
	if s.deps.Engine != nil {
		rep.Relay = s.deps.Engine.Snapshot()
	}
	if s.deps.Notifier != nil {
		rep.Dispatch = s.deps.Notifier.Stats()
	}
	if s.deps.Supervisors != nil {
		rep.Supervisors = s.deps.Supervisors()
	}
	return rep
}

func (s *Service) handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(s.report()); err != nil {
		s.log.Debug("status encode failed", logx.Err(err))
	}
}

// Start begins consuming bus events for metrics and, when enabled, serves
// HTTP. It is idempotent.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.sup != nil {
		s.mu.Unlock()
		return
	}
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "status"))),
		// observability must never take the bot down
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	cfg := s.cfg
	s.mu.Unlock()

	if s.deps.Bus != nil {
		ch, unsub := s.deps.Bus.Subscribe(256)
		sup.Go0("metrics.consume", func(c context.Context) {
			defer unsub()
			for {
				select {
				case <-c.Done():
					return
				case e, ok := <-ch:
					if !ok {
						return
					}
					s.metrics.observe(e)
				}
			}
		})
	}

	if !cfg.Enabled {
		return
	}
	if !isLoopbackAddr(cfg.Addr) {
		s.log.Warn("status server bound to non-loopback address without auth", logx.String("addr", cfg.Addr))
	}
	sup.GoRestart("http.serve", func(c context.Context) error {
		return s.serveOnce(c, cfg.Addr)
	},
		rtsup.WithPublishFirstError(true),
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
	)
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	sup := s.sup
	srv := s.srv
	s.sup = nil
	s.srv = nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	if srv != nil {
		_ = srv.Shutdown(ctx)
	}
	if err := sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Debug("status stopped with error", logx.Err(err))
	}
	s.log.Info("status stopped")
}

func (s *Service) serveOnce(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	s.mu.Lock()
	s.srv = srv
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	s.log.Info("status started", logx.String("addr", ln.Addr().String()))
	err = srv.Serve(ln)
	if ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("status server exited unexpectedly")
	}
	return err
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
