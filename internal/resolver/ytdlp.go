package resolver

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"golang.org/x/text/cases"

	"tubebridge/internal/videoid"
)

const (
	// DefaultTimeout bounds a single yt-dlp invocation.
	DefaultTimeout = 30 * time.Second
	// DefaultProbeTimeout bounds the diagnostic metadata invocation.
	DefaultProbeTimeout = 10 * time.Second

	// PrimaryFormat prefers progressive MP4 (itag 18 then 22) so no merge
	// step is needed.
	PrimaryFormat  = "18/22/best"
	FallbackFormat = "best"

	maxDetailLength = 300
)

// YTDLPConfig configures the yt-dlp subprocess resolver.
type YTDLPConfig struct {
	Path         string
	Timeout      time.Duration
	ProbeTimeout time.Duration
	// Formats lists the format specs tried in order.
	Formats []string
	Logger  *slog.Logger
}

type runResult struct {
	stdout []byte
	stderr []byte
	err    error
}

type runFunc func(ctx context.Context, path string, args ...string) runResult

// YTDLP resolves media URLs by shelling out to yt-dlp.
type YTDLP struct {
	path         string
	timeout      time.Duration
	probeTimeout time.Duration
	formats      []string
	logger       *slog.Logger
	run          runFunc
}

// NewYTDLP constructs a YTDLP resolver, filling unset fields with defaults.
// The executable is looked up lazily; its absence surfaces as a
// KindMissingBinary error at resolution time.
func NewYTDLP(cfg YTDLPConfig) *YTDLP {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		path = "yt-dlp"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	probeTimeout := cfg.ProbeTimeout
	if probeTimeout <= 0 {
		probeTimeout = DefaultProbeTimeout
	}
	formats := append([]string(nil), cfg.Formats...)
	if len(formats) == 0 {
		formats = []string{PrimaryFormat, FallbackFormat}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &YTDLP{
		path:         path,
		timeout:      timeout,
		probeTimeout: probeTimeout,
		formats:      formats,
		logger:       logger,
		run:          execRun,
	}
}

// Resolve implements Resolver.
func (y *YTDLP) Resolve(ctx context.Context, videoID string) (Media, error) {
	var lastErr *Error
	for _, format := range y.formats {
		mediaURL, err := y.getURL(ctx, videoID, format)
		if err == nil {
			return newMedia(mediaURL, "ytdlp"), nil
		}
		lastErr = err
		if err.Kind == KindMissingBinary || ctx.Err() != nil {
			return Media{}, err
		}
	}
	if probed := y.probe(ctx, videoID); probed != nil {
		return Media{}, probed
	}
	return Media{}, lastErr
}

func (y *YTDLP) getURL(ctx context.Context, videoID, format string) (string, *Error) {
	runCtx, cancel := context.WithTimeout(ctx, y.timeout)
	defer cancel()

	args := []string{"--no-playlist", "--format", format, "--get-url", "--no-warnings", videoid.WatchURL(videoID)}
	y.logger.Debug("running yt-dlp", "path", y.path, "args", args)
	res := y.run(runCtx, y.path, args...)

	if res.err != nil {
		if classified := y.classifyRunError(runCtx, videoID, res.err); classified != nil {
			return "", classified
		}
		y.logger.Warn("yt-dlp exited with error",
			"video_id", videoID,
			"format", format,
			"error", res.err,
			"stderr", truncate(strings.TrimSpace(string(res.stderr)), maxDetailLength))
		return "", wrapf(KindFailed, videoID, res.err, "Failed to get download URL")
	}

	for _, line := range strings.Split(string(res.stdout), "\n") {
		line = strings.TrimSpace(line)
		if ValidURL(line) {
			return line, nil
		}
	}
	y.logger.Warn("yt-dlp returned no usable URL",
		"video_id", videoID,
		"format", format,
		"stdout", truncate(strings.TrimSpace(string(res.stdout)), 100))
	return "", wrapf(KindFailed, videoID, nil, "Failed to get download URL")
}

// probe runs a metadata dump solely to classify why resolution failed.
// It returns nil when no better explanation is available.
func (y *YTDLP) probe(ctx context.Context, videoID string) *Error {
	if ctx.Err() != nil {
		return nil
	}
	probeCtx, cancel := context.WithTimeout(ctx, y.probeTimeout)
	defer cancel()

	res := y.run(probeCtx, y.path, "--dump-json", videoid.WatchURL(videoID))
	if res.err == nil {
		return nil
	}
	stderr := strings.TrimSpace(string(res.stderr))
	if stderr == "" {
		return nil
	}
	return classifyDetails(videoID, stderr, res.err)
}

func (y *YTDLP) classifyRunError(ctx context.Context, videoID string, err error) *Error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return wrapf(KindTimeout, videoID, err, "yt-dlp timed out after %s", y.timeout)
	}
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
		return wrapf(KindMissingBinary, videoID, err, "yt-dlp executable not found: %s", y.path)
	}
	if ctx.Err() != nil {
		return wrapf(KindFailed, videoID, ctx.Err(), "resolution cancelled")
	}
	return nil
}

// classifyDetails maps yt-dlp diagnostics to a failure kind. Matching is
// case-insensitive over the first maxDetailLength characters.
func classifyDetails(videoID, details string, err error) *Error {
	excerpt := truncate(details, maxDetailLength)
	folded := cases.Fold().String(excerpt)
	switch {
	case strings.Contains(folded, "private"):
		return &Error{Kind: KindPrivate, VideoID: videoID, Message: "Video is private or restricted", Err: err}
	case strings.Contains(folded, "unavailable"):
		return &Error{Kind: KindUnavailable, VideoID: videoID, Message: "Video is unavailable", Err: err}
	default:
		return &Error{Kind: KindFailed, VideoID: videoID, Message: "yt-dlp error: " + excerpt, Err: err}
	}
}

func execRun(ctx context.Context, path string, args ...string) runResult {
	cmd := exec.CommandContext(ctx, path, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return runResult{stdout: stdout.Bytes(), stderr: stderr.Bytes(), err: err}
}
