// Command server starts the tubebridge HTTP service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"tubebridge/internal/api"
	"tubebridge/internal/observability/logging"
	"tubebridge/internal/observability/metrics"
	"tubebridge/internal/relay"
	"tubebridge/internal/resolver"
	"tubebridge/internal/server"
	"tubebridge/internal/upload"
	"tubebridge/internal/videoinfo"
)

const defaultListenAddr = ":8000"

type config struct {
	Addr                 string
	LogLevel             string
	LogFormat            string
	YTDLPPath            string
	Resolvers            []string
	TempDir              string
	RelayInsecureTLS     bool
	UploadBaseURL        string
	UploadResumeAttempts int
	YouTubeAPIKey        string
	CORSOrigins          []string
	RateLimit            server.RateLimitConfig
	MaxUploadBytes       int64
}

func main() {
	cfg, err := parseConfig(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(2)
	}

	logger := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func run(ctx context.Context, cfg config, logger *slog.Logger) error {
	recorder := metrics.Default()

	chain, err := buildResolver(cfg, logger)
	if err != nil {
		return err
	}
	mediaRelay := relay.New(relay.Config{
		InsecureSkipVerify: cfg.RelayInsecureTLS,
		TempDir:            cfg.TempDir,
		Logger:             logging.WithComponent(logger, "relay"),
	})
	if cfg.RelayInsecureTLS {
		logger.Warn("TLS verification toward media hosts is disabled")
	}
	uploader := upload.New(upload.Config{
		BaseURL:        cfg.UploadBaseURL,
		ResumeAttempts: cfg.UploadResumeAttempts,
		Logger:         logging.WithComponent(logger, "upload"),
	})
	info, err := videoinfo.New(ctx, videoinfo.Config{
		APIKey: cfg.YouTubeAPIKey,
		Logger: logging.WithComponent(logger, "videoinfo"),
	})
	if err != nil {
		return fmt.Errorf("configure video info: %w", err)
	}
	if !info.Enabled() {
		logger.Info("video info lookups disabled", "reason", "no API key configured")
	}

	handler := api.NewHandler(chain, mediaRelay, uploader)
	handler.VideoInfo = info
	handler.Metrics = recorder
	handler.Logger = logging.WithComponent(logger, "api")
	handler.MaxUploadBytes = cfg.MaxUploadBytes

	srv, err := server.New(handler, server.Config{
		Addr:      cfg.Addr,
		CORS:      server.CORSConfig{AllowedOrigins: cfg.CORSOrigins},
		RateLimit: cfg.RateLimit,
		Logger:    logger,
		Metrics:   recorder,
	})
	if err != nil {
		return fmt.Errorf("initialise server: %w", err)
	}
	logger.Info("tubebridge starting",
		"addr", cfg.Addr,
		"resolvers", strings.Join(cfg.Resolvers, ","),
		"upload_resume_attempts", cfg.UploadResumeAttempts,
	)
	return srv.Run(ctx)
}

func buildResolver(cfg config, logger *slog.Logger) (*resolver.Chain, error) {
	backends := make([]resolver.Resolver, 0, len(cfg.Resolvers))
	for _, name := range cfg.Resolvers {
		switch strings.ToLower(name) {
		case "ytdlp", "yt-dlp":
			backends = append(backends, resolver.NewYTDLP(resolver.YTDLPConfig{
				Path:   cfg.YTDLPPath,
				Logger: logging.WithComponent(logger, "ytdlp"),
			}))
		case "library":
			backends = append(backends, resolver.NewLibrary(&http.Client{Timeout: 30 * time.Second}, logging.WithComponent(logger, "library")))
		default:
			return nil, fmt.Errorf("unknown resolver %q", name)
		}
	}
	if len(backends) == 0 {
		return nil, errors.New("at least one resolver is required")
	}
	return resolver.NewChain(logging.WithComponent(logger, "resolver"), backends...), nil
}

func parseConfig(args []string, output io.Writer) (config, error) {
	fs := flag.NewFlagSet("tubebridge", flag.ContinueOnError)
	fs.SetOutput(output)

	addr := fs.String("addr", "", "HTTP listen address (default :8000, or :$PORT)")
	logLevel := fs.String("log-level", "", "log level (debug, info, warn, error)")
	logFormat := fs.String("log-format", "", "log format (json or text)")
	ytdlpPath := fs.String("ytdlp-path", "", "path to the yt-dlp executable")
	resolvers := fs.String("resolvers", "", "comma separated resolver order (ytdlp, library)")
	tempDir := fs.String("temp-dir", "", "directory for staged media files")
	relayInsecure := fs.Bool("relay-insecure-tls", false, "skip TLS verification toward media hosts")
	uploadBaseURL := fs.String("upload-base-url", "", "YouTube API base URL for uploads")
	resumeAttempts := fs.Int("upload-resume-attempts", 0, "resume attempts after an interrupted upload transfer")
	apiKey := fs.String("youtube-api-key", "", "YouTube Data API key for /video-info")
	corsOrigins := fs.String("cors-origins", "", "comma separated allowed CORS origins (* for any)")
	globalRPS := fs.Float64("rate-global-rps", 0, "global request rate limit in requests per second")
	globalBurst := fs.Int("rate-global-burst", 0, "global rate limit burst allowance")
	ipLimit := fs.Int("rate-ip-limit", 0, "maximum requests per window for a single client IP")
	ipWindow := fs.Duration("rate-ip-window", 0, "window for counting per-IP requests")
	redisAddr := fs.String("rate-redis-addr", "", "Redis address for shared per-IP rate limiting")
	redisPassword := fs.String("rate-redis-password", "", "Redis password for shared per-IP rate limiting")
	maxUploadBytes := fs.Int64("max-upload-bytes", 0, "maximum multipart upload size in bytes")

	if err := fs.Parse(args); err != nil {
		return config{}, err
	}

	cfg := config{
		Addr:                 resolveListenAddr(*addr, os.Getenv("PORT"), os.Getenv("TUBEBRIDGE_ADDR")),
		LogLevel:             firstNonEmpty(*logLevel, os.Getenv("TUBEBRIDGE_LOG_LEVEL"), "info"),
		LogFormat:            firstNonEmpty(*logFormat, os.Getenv("TUBEBRIDGE_LOG_FORMAT"), "json"),
		YTDLPPath:            firstNonEmpty(*ytdlpPath, os.Getenv("TUBEBRIDGE_YTDLP_PATH"), "yt-dlp"),
		Resolvers:            splitAndTrim(firstNonEmpty(*resolvers, os.Getenv("TUBEBRIDGE_RESOLVERS"), "ytdlp")),
		TempDir:              firstNonEmpty(*tempDir, os.Getenv("TUBEBRIDGE_TEMP_DIR")),
		RelayInsecureTLS:     resolveBool(*relayInsecure, "TUBEBRIDGE_RELAY_INSECURE_TLS"),
		UploadBaseURL:        firstNonEmpty(*uploadBaseURL, os.Getenv("TUBEBRIDGE_UPLOAD_BASE_URL"), upload.DefaultBaseURL),
		UploadResumeAttempts: resolveInt(*resumeAttempts, "TUBEBRIDGE_UPLOAD_RESUME_ATTEMPTS"),
		YouTubeAPIKey:        firstNonEmpty(*apiKey, os.Getenv("TUBEBRIDGE_YOUTUBE_API_KEY")),
		CORSOrigins:          splitAndTrim(firstNonEmpty(*corsOrigins, os.Getenv("TUBEBRIDGE_CORS_ORIGINS"), "*")),
		RateLimit: server.RateLimitConfig{
			GlobalRPS:     resolveFloat(*globalRPS, "TUBEBRIDGE_RATE_GLOBAL_RPS"),
			GlobalBurst:   resolveInt(*globalBurst, "TUBEBRIDGE_RATE_GLOBAL_BURST"),
			IPLimit:       resolveInt(*ipLimit, "TUBEBRIDGE_RATE_IP_LIMIT"),
			IPWindow:      resolveDuration(*ipWindow, "TUBEBRIDGE_RATE_IP_WINDOW", time.Minute),
			RedisAddr:     firstNonEmpty(*redisAddr, os.Getenv("TUBEBRIDGE_RATE_REDIS_ADDR")),
			RedisPassword: firstNonEmpty(*redisPassword, os.Getenv("TUBEBRIDGE_RATE_REDIS_PASSWORD")),
		},
		MaxUploadBytes: resolveInt64(*maxUploadBytes, "TUBEBRIDGE_MAX_UPLOAD_BYTES", api.DefaultMaxUploadBytes),
	}
	if len(cfg.Resolvers) == 0 {
		return config{}, errors.New("resolvers must not be empty")
	}
	return cfg, nil
}

// resolveListenAddr prefers the flag, then the platform-provided PORT, then
// TUBEBRIDGE_ADDR.
func resolveListenAddr(flagValue, port, envAddr string) string {
	if addr := strings.TrimSpace(flagValue); addr != "" {
		return addr
	}
	if port = strings.TrimSpace(port); port != "" {
		return ":" + strings.TrimPrefix(port, ":")
	}
	return firstNonEmpty(envAddr, defaultListenAddr)
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func resolveFloat(flagValue float64, envKey string) float64 {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.ParseFloat(strings.TrimSpace(env), 64); err == nil {
			return value
		}
	}
	return 0
}

func resolveInt(flagValue int, envKey string) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.Atoi(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return 0
}

func resolveInt64(flagValue int64, envKey string, fallback int64) int64 {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.ParseInt(strings.TrimSpace(env), 10, 64); err == nil && value > 0 {
			return value
		}
	}
	return fallback
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := time.ParseDuration(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	if fallback > 0 {
		return fallback
	}
	return 0
}

func resolveBool(flagValue bool, envKey string) bool {
	if flagValue {
		return true
	}
	if env, ok := os.LookupEnv(envKey); ok {
		if value, err := strconv.ParseBool(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return false
}
