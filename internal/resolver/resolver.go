// Package resolver turns YouTube video identifiers into direct, time-limited
// media URLs. Callers depend only on the Resolver interface; the yt-dlp
// subprocess and the library-backed implementation sit behind it.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"unicode/utf8"
)

// DefaultContentType is assumed when a resolved URL does not advertise a
// media type.
const DefaultContentType = "video/mp4"

// Media is a resolved, direct media URL. It is valid for a single relay or
// upload and must not be reused across requests.
type Media struct {
	URL         string
	ContentType string
	Backend     string
}

// Resolver resolves a video identifier into a direct media URL.
type Resolver interface {
	Resolve(ctx context.Context, videoID string) (Media, error)
}

// Kind classifies resolution failures.
type Kind string

const (
	KindFailed        Kind = "failed"
	KindTimeout       Kind = "timeout"
	KindMissingBinary Kind = "missing_binary"
	KindPrivate       Kind = "private"
	KindUnavailable   Kind = "unavailable"
)

// Error describes a failed resolution. Message is safe to return to callers.
type Error struct {
	Kind    Kind
	VideoID string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return "failed to get download URL"
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf reports the failure kind carried by err, or KindFailed when err is
// not a resolution error.
func KindOf(err error) Kind {
	var resErr *Error
	if errors.As(err, &resErr) {
		return resErr.Kind
	}
	return KindFailed
}

// Chain tries resolvers in order and returns the first success.
type Chain struct {
	resolvers []Resolver
	logger    *slog.Logger
}

// NewChain builds a Chain over the provided resolvers. Nil entries are
// skipped.
func NewChain(logger *slog.Logger, resolvers ...Resolver) *Chain {
	filtered := make([]Resolver, 0, len(resolvers))
	for _, r := range resolvers {
		if r != nil {
			filtered = append(filtered, r)
		}
	}
	return &Chain{resolvers: filtered, logger: logger}
}

// Resolve implements Resolver. When every backend fails, the most specific
// failure is returned: the first one that is not a generic KindFailed,
// otherwise the last error seen.
func (c *Chain) Resolve(ctx context.Context, videoID string) (Media, error) {
	if len(c.resolvers) == 0 {
		return Media{}, &Error{Kind: KindFailed, VideoID: videoID, Message: "no resolver configured"}
	}
	var (
		lastErr     error
		specificErr error
	)
	for idx, r := range c.resolvers {
		media, err := r.Resolve(ctx, videoID)
		if err == nil {
			return media, nil
		}
		if c.logger != nil {
			c.logger.Warn("resolver backend failed", "backend_index", idx, "video_id", videoID, "error", err)
		}
		lastErr = err
		if specificErr == nil && KindOf(err) != KindFailed {
			specificErr = err
		}
		if ctx.Err() != nil {
			break
		}
	}
	if specificErr != nil {
		return Media{}, specificErr
	}
	return Media{}, lastErr
}

// ValidURL reports whether candidate is an absolute http(s) URL.
func ValidURL(candidate string) bool {
	return strings.HasPrefix(candidate, "http://") || strings.HasPrefix(candidate, "https://")
}

func newMedia(rawURL, backend string) Media {
	return Media{URL: rawURL, ContentType: contentTypeFromURL(rawURL), Backend: backend}
}

// contentTypeFromURL reads the mime query parameter googlevideo URLs carry.
func contentTypeFromURL(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return DefaultContentType
	}
	mime := strings.TrimSpace(parsed.Query().Get("mime"))
	if mime == "" || !strings.Contains(mime, "/") {
		return DefaultContentType
	}
	return mime
}

func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max])
}

func wrapf(kind Kind, videoID string, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, VideoID: videoID, Message: fmt.Sprintf(format, args...), Err: err}
}
