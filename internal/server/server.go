// Package server exposes the webhook endpoints over HTTP.
package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"worksnotify/internal/compose"
	"worksnotify/internal/dispatch"
	"worksnotify/internal/webhook"
	logx "worksnotify/pkg/logx"
)

const (
	DefaultMaxBodyBytes = 1 << 20
	SecretHeader        = "X-Webhook-Secret"
	RequestIDHeader     = "X-Request-ID"
)

// Config holds the hot-reloadable listener settings. Addr and the
// timeouts only take effect on Run.
type Config struct {
	Addr            string
	WebhookSecret   string
	RatePerSec      int
	Burst           int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	MaxBodyBytes    int64

	TestChannelID string
	TestMessage   string
}

// Pipeline is the webhook handler surface. *webhook.Handler implements it.
type Pipeline interface {
	Process(ctx context.Context, ev webhook.ChangeEvent) (webhook.Outcome, error)
	Notify(ctx context.Context, m webhook.Manual) (webhook.Outcome, error)
}

// ChannelSender posts the test message. *dispatch.Dispatcher implements it.
type ChannelSender interface {
	SendToChannel(ctx context.Context, channelID string, msg compose.Message) (dispatch.Result, error)
}

type Server struct {
	pipeline Pipeline
	sender   ChannelSender
	log      logx.Logger
	now      func() time.Time

	mu      sync.RWMutex
	cfg     Config
	limiter *rate.Limiter

	addrMu sync.Mutex
	addr   string
}

func New(cfg Config, pipeline Pipeline, sender ChannelSender, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{
		pipeline: pipeline,
		sender:   sender,
		log:      log.With(logx.String("comp", "server")),
		now:      time.Now,
	}
	s.Apply(cfg)
	return s
}

// Apply swaps the secret, limits and test target. It is safe while serving.
func (s *Server) Apply(cfg Config) {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	var lim *rate.Limiter
	if cfg.RatePerSec > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = cfg.RatePerSec * 2
		}
		lim = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	}
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	// Keep the bucket state when the limits did not change.
	if s.limiter == nil || prev.RatePerSec != cfg.RatePerSec || prev.Burst != cfg.Burst {
		s.limiter = lim
	}
	s.mu.Unlock()
}

func (s *Server) snapshot() (Config, *rate.Limiter) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg, s.limiter
}

// Addr returns the bound address while Run is serving.
func (s *Server) Addr() string {
	s.addrMu.Lock()
	defer s.addrMu.Unlock()
	return s.addr
}

// Handler returns the routed, middleware-wrapped mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("POST /webhook/naver-works", s.guard(http.HandlerFunc(s.handleWebhook)))
	mux.Handle("POST /webhook/test", s.guard(http.HandlerFunc(s.handleTest)))
	mux.Handle("POST /notify", s.guard(http.HandlerFunc(s.handleNotify)))
	return s.withRequestID(mux)
}

// Run listens on cfg.Addr and serves until ctx is done, then shuts down
// within ShutdownTimeout. ready, if set, is called once the listener is up.
func (s *Server) Run(ctx context.Context, ready func(addr string)) error {
	cfg, _ := s.snapshot()
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return errors.New("server: empty listen address")
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	s.addrMu.Lock()
	s.addr = ln.Addr().String()
	s.addrMu.Unlock()
	defer func() {
		s.addrMu.Lock()
		s.addr = ""
		s.addrMu.Unlock()
	}()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.log.Info("listening", logx.String("addr", ln.Addr().String()))
	if ready != nil {
		ready(ln.Addr().String())
	}

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	grace := cfg.ShutdownTimeout
	if grace <= 0 {
		grace = 10 * time.Second
	}
	sctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		s.log.Warn("graceful shutdown incomplete", logx.Err(err))
		_ = srv.Close()
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// guard applies the rate limit, the shared secret and the body cap.
func (s *Server) guard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cfg, lim := s.snapshot()
		if lim != nil && !lim.Allow() {
			w.Header().Set("Retry-After", "1")
			writeError(w, r, http.StatusTooManyRequests, codeRateLimited, "요청이 너무 많습니다.")
			return
		}
		if secret := cfg.WebhookSecret; secret != "" {
			got := r.Header.Get(SecretHeader)
			if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
				s.log.Warn("webhook secret mismatch", logx.String("request_id", dispatch.RequestID(r.Context())), logx.String("remote", r.RemoteAddr))
				writeError(w, r, http.StatusUnauthorized, codeUnauthorized, "인증에 실패했습니다.")
				return
			}
		}
		r.Body = http.MaxBytesReader(w, r.Body, cfg.MaxBodyBytes)
		next.ServeHTTP(w, r)
	})
}
