package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"tubebridge/internal/api"
	"tubebridge/internal/observability/logging"
	"tubebridge/internal/observability/metrics"
)

// DefaultShutdownTimeout bounds graceful shutdown when the context is cancelled.
const DefaultShutdownTimeout = 10 * time.Second

// Routes served by the mux. They are also the only paths reported verbatim
// in request metrics.
var routes = []string{
	"/download",
	"/download-file",
	"/upload-to-youtube",
	"/upload-file-to-youtube",
	"/video-info",
	"/health",
	"/metrics",
}

type Config struct {
	Addr            string
	CORS            CORSConfig
	RateLimit       RateLimitConfig
	Logger          *slog.Logger
	Metrics         *metrics.Recorder
	ShutdownTimeout time.Duration
	// Ready is closed once the listener is bound.
	Ready chan<- struct{}
}

type Server struct {
	httpServer      *http.Server
	logger          *slog.Logger
	rateLimiter     *rateLimiter
	shutdownTimeout time.Duration
	ready           chan<- struct{}
}

func New(handler *api.Handler, cfg Config) (*Server, error) {
	if handler == nil {
		return nil, errors.New("handler is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	recorder.RegisterRoutes(routes...)

	policy, err := newCORSPolicy(cfg.CORS)
	if err != nil {
		return nil, err
	}
	rl, err := newRateLimiter(cfg.RateLimit, logging.WithComponent(logger, "ratelimit"))
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/download", handler.Download)
	mux.HandleFunc("/download-file", handler.DownloadFile)
	mux.HandleFunc("/upload-to-youtube", handler.UploadToYouTube)
	mux.HandleFunc("/upload-file-to-youtube", handler.UploadFileToYouTube)
	mux.HandleFunc("/video-info", handler.VideoInfoLookup)
	mux.HandleFunc("/health", handler.Health)
	mux.Handle("/metrics", recorder.Handler())
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		api.WriteError(w, http.StatusNotFound, fmt.Errorf("no route for %s", r.URL.Path))
	})

	// Outermost first: request id, logging, metrics, CORS, security headers,
	// rate limiting, panic recovery.
	handlerChain := http.Handler(mux)
	handlerChain = api.Recover(logger)(handlerChain)
	handlerChain = rateLimitMiddleware(rl, logger, handlerChain)
	handlerChain = securityHeadersMiddleware(handlerChain)
	handlerChain = corsMiddleware(policy, logger, handlerChain)
	handlerChain = metrics.HTTPMiddleware(recorder, handlerChain)
	handlerChain = logging.RequestLogger(logging.RequestLoggerConfig{
		Logger: logger,
		AdditionalFields: func(r *http.Request, _ int, _ time.Duration) []any {
			return []any{"remote_ip", extractClientIP(r)}
		},
		DisableRemoteAddr: true,
	})(handlerChain)
	handlerChain = requestIDMiddleware(logger, handlerChain)

	timeout := cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}

	// WriteTimeout stays zero: relays and uploads stream for minutes.
	httpServer := &http.Server{
		Addr:              strings.TrimSpace(cfg.Addr),
		Handler:           handlerChain,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	return &Server{
		httpServer:      httpServer,
		logger:          logger,
		rateLimiter:     rl,
		shutdownTimeout: timeout,
		ready:           cfg.Ready,
	}, nil
}

// Handler exposes the full middleware chain, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run serves until ctx is cancelled, then shuts down gracefully within the
// configured timeout. A clean shutdown returns nil.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.httpServer.Addr, err)
	}
	s.logger.Info("server listening", "addr", ln.Addr().String())
	if s.ready != nil {
		close(s.ready)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		s.logger.Info("server shutting down")
		err := s.httpServer.Shutdown(shutdownCtx)
		if closeErr := s.rateLimiter.Close(); closeErr != nil {
			s.logger.Warn("close rate limiter", "error", closeErr)
		}
		return err
	})
	return group.Wait()
}
