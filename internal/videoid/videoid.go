// Package videoid turns YouTube references into bare video identifiers.
package videoid

import (
	"errors"
	"net/url"
	"strings"
)

const watchBase = "https://www.youtube.com/watch?v="

// ErrNoIdentifier reports that no video identifier could be derived from a
// reference.
var ErrNoIdentifier = errors.New("no video identifier found")

// Extract derives the video identifier from a YouTube URL. Short links,
// watch pages and shorts pages are recognised, checked in that order. The
// extracted token is not validated beyond being non-empty.
func Extract(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	var id string
	switch {
	case strings.Contains(raw, "youtu.be"):
		id = stripQuery(raw[strings.LastIndex(raw, "/")+1:])
	case strings.Contains(raw, "youtube.com/watch"):
		parsed, err := url.Parse(raw)
		if err != nil {
			return "", ErrNoIdentifier
		}
		id = parsed.Query().Get("v")
	case strings.Contains(raw, "youtube.com/shorts"):
		idx := strings.LastIndex(raw, "/shorts/")
		if idx < 0 {
			return "", ErrNoIdentifier
		}
		id = stripQuery(raw[idx+len("/shorts/"):])
	default:
		return "", ErrNoIdentifier
	}
	if id == "" {
		return "", ErrNoIdentifier
	}
	return id, nil
}

// FromReference picks the canonical identifier for a request carrying an
// optional explicit id and an optional URL. An explicit id always wins. A
// reference that is not a YouTube URL at all is taken as a bare identifier.
func FromReference(videoID, rawURL string) (string, error) {
	if id := strings.TrimSpace(videoID); id != "" {
		return id, nil
	}
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return "", ErrNoIdentifier
	}
	if !looksLikeURL(rawURL) {
		return rawURL, nil
	}
	return Extract(rawURL)
}

// WatchURL returns the canonical watch page for id.
func WatchURL(id string) string {
	return watchBase + id
}

func stripQuery(s string) string {
	if idx := strings.Index(s, "?"); idx >= 0 {
		return s[:idx]
	}
	return s
}

func looksLikeURL(s string) bool {
	return strings.Contains(s, "youtube.com") || strings.Contains(s, "youtu.be") || strings.Contains(s, "://")
}
