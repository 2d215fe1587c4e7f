// Command resolve prints the direct media URL for a YouTube video.
//
// Usage:
//
//	resolve [-ytdlp-path yt-dlp] [-resolvers ytdlp] <videoId|url>
//
// On success it writes {"downloadUrl":...,"status":"ready","videoId":...} to
// stdout and exits 0. On failure it writes {"error":...} to stderr and exits 1.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"tubebridge/internal/observability/logging"
	"tubebridge/internal/resolver"
	"tubebridge/internal/videoid"
)

type result struct {
	DownloadURL string `json:"downloadUrl"`
	Status      string `json:"status"`
	VideoID     string `json:"videoId"`
}

type failure struct {
	Error string `json:"error"`
}

type resolverFactory func(ytdlpPath string, backends []string) (resolver.Resolver, error)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr, newResolver)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer, factory resolverFactory) int {
	fs := flag.NewFlagSet("resolve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	ytdlpPath := fs.String("ytdlp-path", firstNonEmpty(os.Getenv("TUBEBRIDGE_YTDLP_PATH"), "yt-dlp"), "path to the yt-dlp executable")
	backends := fs.String("resolvers", firstNonEmpty(os.Getenv("TUBEBRIDGE_RESOLVERS"), "ytdlp"), "comma separated resolver order (ytdlp, library)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		return fail(stderr, "Usage: resolve <videoId|url>")
	}

	id, err := videoid.FromReference("", fs.Arg(0))
	if err != nil {
		return fail(stderr, "videoId or url parameter is required")
	}
	res, err := factory(*ytdlpPath, strings.Split(*backends, ","))
	if err != nil {
		return fail(stderr, err.Error())
	}
	media, err := res.Resolve(ctx, id)
	if err != nil {
		return fail(stderr, err.Error())
	}
	if err := json.NewEncoder(stdout).Encode(result{DownloadURL: media.URL, Status: "ready", VideoID: id}); err != nil {
		return fail(stderr, err.Error())
	}
	return 0
}

func newResolver(ytdlpPath string, backends []string) (resolver.Resolver, error) {
	logger := logging.New(logging.Config{Level: os.Getenv("TUBEBRIDGE_LOG_LEVEL"), Format: "text", Writer: os.Stderr})
	chain := make([]resolver.Resolver, 0, len(backends))
	for _, name := range backends {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "":
		case "ytdlp", "yt-dlp":
			chain = append(chain, resolver.NewYTDLP(resolver.YTDLPConfig{Path: ytdlpPath, Logger: logger}))
		case "library":
			chain = append(chain, resolver.NewLibrary(&http.Client{Timeout: 30 * time.Second}, logger))
		default:
			return nil, fmt.Errorf("unknown resolver %q", name)
		}
	}
	if len(chain) == 0 {
		return nil, fmt.Errorf("at least one resolver is required")
	}
	return resolver.NewChain(logger, chain...), nil
}

func fail(stderr io.Writer, message string) int {
	_ = json.NewEncoder(stderr).Encode(failure{Error: message})
	return 1
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
