package main

import (
	"io"
	"testing"
	"time"

	"tubebridge/internal/api"
	"tubebridge/internal/observability/logging"
	"tubebridge/internal/upload"
)

func clearConfigEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"PORT", "TUBEBRIDGE_ADDR", "TUBEBRIDGE_LOG_LEVEL", "TUBEBRIDGE_LOG_FORMAT",
		"TUBEBRIDGE_YTDLP_PATH", "TUBEBRIDGE_RESOLVERS", "TUBEBRIDGE_TEMP_DIR",
		"TUBEBRIDGE_RELAY_INSECURE_TLS", "TUBEBRIDGE_UPLOAD_BASE_URL",
		"TUBEBRIDGE_UPLOAD_RESUME_ATTEMPTS", "TUBEBRIDGE_YOUTUBE_API_KEY",
		"TUBEBRIDGE_CORS_ORIGINS", "TUBEBRIDGE_RATE_GLOBAL_RPS", "TUBEBRIDGE_RATE_GLOBAL_BURST",
		"TUBEBRIDGE_RATE_IP_LIMIT", "TUBEBRIDGE_RATE_IP_WINDOW", "TUBEBRIDGE_RATE_REDIS_ADDR",
		"TUBEBRIDGE_RATE_REDIS_PASSWORD", "TUBEBRIDGE_MAX_UPLOAD_BYTES",
	} {
		t.Setenv(key, "")
	}
}

func TestParseConfigDefaults(t *testing.T) {
	clearConfigEnv(t)

	cfg, err := parseConfig(nil, io.Discard)
	if err != nil {
		t.Fatalf("parseConfig error: %v", err)
	}
	if cfg.Addr != ":8000" {
		t.Fatalf("addr = %q", cfg.Addr)
	}
	if cfg.LogLevel != "info" || cfg.LogFormat != "json" || cfg.YTDLPPath != "yt-dlp" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if len(cfg.Resolvers) != 1 || cfg.Resolvers[0] != "ytdlp" {
		t.Fatalf("resolvers = %v", cfg.Resolvers)
	}
	if cfg.UploadBaseURL != upload.DefaultBaseURL || cfg.UploadResumeAttempts != 0 {
		t.Fatalf("upload defaults = %q %d", cfg.UploadBaseURL, cfg.UploadResumeAttempts)
	}
	if len(cfg.CORSOrigins) != 1 || cfg.CORSOrigins[0] != "*" {
		t.Fatalf("cors = %v", cfg.CORSOrigins)
	}
	if cfg.RateLimit.IPLimit != 0 || cfg.RateLimit.GlobalRPS != 0 || cfg.RateLimit.IPWindow != time.Minute {
		t.Fatalf("rate limit defaults = %+v", cfg.RateLimit)
	}
	if cfg.MaxUploadBytes != api.DefaultMaxUploadBytes {
		t.Fatalf("max upload bytes = %d", cfg.MaxUploadBytes)
	}
	if cfg.RelayInsecureTLS {
		t.Fatal("relay TLS verification must be on by default")
	}
}

func TestParseConfigEnvironmentAndFlags(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("PORT", "9090")
	t.Setenv("TUBEBRIDGE_RESOLVERS", "ytdlp, library")
	t.Setenv("TUBEBRIDGE_UPLOAD_RESUME_ATTEMPTS", "3")
	t.Setenv("TUBEBRIDGE_RELAY_INSECURE_TLS", "true")
	t.Setenv("TUBEBRIDGE_RATE_IP_WINDOW", "30s")
	t.Setenv("TUBEBRIDGE_LOG_LEVEL", "debug")

	cfg, err := parseConfig([]string{"-log-level", "warn", "-max-upload-bytes", "1024"}, io.Discard)
	if err != nil {
		t.Fatalf("parseConfig error: %v", err)
	}
	if cfg.Addr != ":9090" {
		t.Fatalf("addr = %q", cfg.Addr)
	}
	if len(cfg.Resolvers) != 2 || cfg.Resolvers[1] != "library" {
		t.Fatalf("resolvers = %v", cfg.Resolvers)
	}
	if cfg.UploadResumeAttempts != 3 || !cfg.RelayInsecureTLS || cfg.RateLimit.IPWindow != 30*time.Second {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.LogLevel != "warn" {
		t.Fatalf("flag should win over env, log level = %q", cfg.LogLevel)
	}
	if cfg.MaxUploadBytes != 1024 {
		t.Fatalf("max upload bytes = %d", cfg.MaxUploadBytes)
	}
}

func TestResolveListenAddr(t *testing.T) {
	cases := []struct {
		flag, port, env, want string
	}{
		{"127.0.0.1:7000", "9000", ":8001", "127.0.0.1:7000"},
		{"", "9000", ":8001", ":9000"},
		{"", "", ":8001", ":8001"},
		{"", "", "", ":8000"},
	}
	for _, tc := range cases {
		if got := resolveListenAddr(tc.flag, tc.port, tc.env); got != tc.want {
			t.Fatalf("resolveListenAddr(%q, %q, %q) = %q, want %q", tc.flag, tc.port, tc.env, got, tc.want)
		}
	}
}

func TestBuildResolver(t *testing.T) {
	logger := logging.Discard()
	if _, err := buildResolver(config{Resolvers: []string{"ytdlp", "library"}, YTDLPPath: "yt-dlp"}, logger); err != nil {
		t.Fatalf("buildResolver error: %v", err)
	}
	if _, err := buildResolver(config{Resolvers: []string{"scraper"}}, logger); err == nil {
		t.Fatal("expected error for unknown resolver")
	}
	if _, err := buildResolver(config{}, logger); err == nil {
		t.Fatal("expected error for empty resolver list")
	}
}
