package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"channel-relay/internal/api"
	"channel-relay/internal/observability/logging"
	"channel-relay/internal/observability/metrics"
	"channel-relay/internal/serverutil"
)

type Config struct {
	Addr            string
	TLS             serverutil.TLSConfig
	ShutdownTimeout time.Duration
	RateLimit       RateLimitConfig
	ClientIP        ClientIPConfig
	CORS            CORSConfig
	Security        SecurityConfig
	Logger          *slog.Logger
	Metrics         *metrics.Recorder
	// Listening receives the bound address once the listener is open.
	Listening func(net.Addr)
}

type Server struct {
	httpServer      *http.Server
	handler         http.Handler
	logger          *slog.Logger
	tls             serverutil.TLSConfig
	shutdownTimeout time.Duration
	listening       func(net.Addr)
}

func New(handler *api.Handler, cfg Config) (*Server, error) {
	if handler == nil {
		return nil, errors.New("api handler is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}

	resolver, err := newClientIPResolver(cfg.ClientIP)
	if err != nil {
		return nil, err
	}
	policy, err := newCORSPolicy(cfg.CORS)
	if err != nil {
		return nil, err
	}
	if handler.ClientIP == nil {
		handler.ClientIP = func(r *http.Request) string {
			ip, _ := resolver.ClientIPFromRequest(r)
			return ip
		}
	}
	if handler.Metrics == nil {
		handler.Metrics = recorder
	}

	router := mux.NewRouter()
	handler.Register(router)
	router.Handle("/metrics", recorder.Handler()).Methods(http.MethodGet)

	rl := newRateLimiter(cfg.RateLimit)
	handlerChain := http.Handler(router)
	handlerChain = rateLimitMiddleware(rl, resolver, logger, handlerChain)
	handlerChain = corsMiddleware(policy, logger, handlerChain)
	handlerChain = securityHeadersMiddleware(cfg.Security, handlerChain)
	handlerChain = metrics.HTTPMiddleware(recorder, handlerChain)
	handlerChain = logging.RequestLogger(logging.RequestLoggerConfig{
		Logger: logger,
		AdditionalFields: func(r *http.Request, _ int, _ time.Duration) []any {
			ip, source := resolver.ClientIPFromRequest(r)
			return []any{"remote_ip", ip, "ip_source", source}
		},
		DisableRemoteAddr: true,
	})(handlerChain)
	handlerChain = recoverMiddleware(logger, handlerChain)
	handlerChain = requestIDMiddleware(logger, handlerChain)

	// Read and write timeouts stay unset: a relay response lasts as long as
	// the client keeps watching, and an expired read deadline would cancel it.
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handlerChain,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	return &Server{
		httpServer: httpServer,
		handler:    handlerChain,
		logger:     logger,
		tls: serverutil.TLSConfig{
			CertFile: strings.TrimSpace(cfg.TLS.CertFile),
			KeyFile:  strings.TrimSpace(cfg.TLS.KeyFile),
		},
		shutdownTimeout: cfg.ShutdownTimeout,
		listening:       cfg.Listening,
	}, nil
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run serves until ctx is cancelled, then shuts down gracefully. Open relay
// responses are cancelled when shutdown starts.
func (s *Server) Run(ctx context.Context) error {
	if s.httpServer == nil {
		return fmt.Errorf("http server is not configured")
	}
	return serverutil.Run(ctx, serverutil.Config{
		Server:          s.httpServer,
		TLS:             s.tls,
		ShutdownTimeout: s.shutdownTimeout,
		Listening: func(addr net.Addr) {
			s.logger.Info("relay listening", "addr", addr.String(), "tls", s.tls.CertFile != "")
			if s.listening != nil {
				s.listening(addr)
			}
		},
	})
}

func rateLimitMiddleware(rl *rateLimiter, resolver *clientIPResolver, logger *slog.Logger, next http.Handler) http.Handler {
	if rl == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.AllowRequest() {
			http.Error(w, "global rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		if strings.HasPrefix(r.URL.Path, "/stream/") {
			ip, _ := resolver.ClientIPFromRequest(r)
			allowed, retryAfter, err := rl.AllowStream(r.Context(), ip)
			if err != nil {
				if logger != nil {
					loggerWithRequestContext(r.Context(), logger).Error("rate limiter failure", "error", err)
				}
				http.Error(w, "rate limit failure", http.StatusServiceUnavailable)
				return
			}
			if !allowed {
				if retryAfter > 0 {
					w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))
				}
				http.Error(w, "too many stream requests", http.StatusTooManyRequests)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func recoverMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			loggerWithRequestContext(r.Context(), logger).Error("handler panic",
				"panic", fmt.Sprint(rec),
				"path", r.URL.Path,
				"stack", string(debug.Stack()))
			http.Error(w, "internal error", http.StatusInternalServerError)
		}()
		next.ServeHTTP(w, r)
	})
}
