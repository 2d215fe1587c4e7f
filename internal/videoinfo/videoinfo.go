// Package videoinfo looks up public video metadata through the YouTube Data
// API using a server-side API key.
package videoinfo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/api/youtube/v3"
)

var (
	// ErrNotConfigured is returned when no API key was provided.
	ErrNotConfigured = errors.New("video info lookup is not configured")
	// ErrNotFound is returned when the API knows no public video with the id.
	ErrNotFound = errors.New("Video not found or is private")
)

// Info is the metadata returned for a single video.
type Info struct {
	VideoID      string `json:"videoId"`
	Title        string `json:"title"`
	Description  string `json:"description"`
	Thumbnail    string `json:"thumbnail,omitempty"`
	ChannelTitle string `json:"channelTitle"`
	PublishedAt  string `json:"publishedAt"`
	ViewCount    uint64 `json:"viewCount"`
	Duration     string `json:"duration,omitempty"`
}

// Config configures a Client.
type Config struct {
	APIKey string
	// Endpoint overrides the API root, e.g. for tests.
	Endpoint   string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client performs metadata lookups.
type Client struct {
	apiKey  string
	service *youtube.Service
	logger  *slog.Logger
}

// New builds a Client. A blank API key yields a client whose lookups fail with
// ErrNotConfigured.
func New(ctx context.Context, cfg Config) (*Client, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	key := strings.TrimSpace(cfg.APIKey)
	if key == "" {
		return &Client{logger: logger}, nil
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	opts := []option.ClientOption{option.WithHTTPClient(httpClient)}
	if endpoint := strings.TrimSpace(cfg.Endpoint); endpoint != "" {
		opts = append(opts, option.WithEndpoint(endpoint))
	}
	service, err := youtube.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create youtube service: %w", err)
	}
	return &Client{apiKey: key, service: service, logger: logger}, nil
}

// Enabled reports whether lookups can be served.
func (c *Client) Enabled() bool {
	return c != nil && c.service != nil
}

// Lookup fetches metadata for videoID.
func (c *Client) Lookup(ctx context.Context, videoID string) (Info, error) {
	if !c.Enabled() {
		return Info{}, ErrNotConfigured
	}
	resp, err := c.service.Videos.
		List([]string{"snippet", "contentDetails", "statistics"}).
		Id(videoID).
		Context(ctx).
		Do(googleapi.QueryParameter("key", c.apiKey))
	if err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && strings.TrimSpace(gerr.Message) != "" {
			return Info{}, fmt.Errorf("%s: %w", gerr.Message, err)
		}
		return Info{}, fmt.Errorf("Failed to fetch video info: %w", err)
	}
	if len(resp.Items) == 0 {
		return Info{}, ErrNotFound
	}

	video := resp.Items[0]
	info := Info{VideoID: videoID}
	if s := video.Snippet; s != nil {
		info.Title = s.Title
		info.Description = s.Description
		info.ChannelTitle = s.ChannelTitle
		info.PublishedAt = s.PublishedAt
		info.Thumbnail = bestThumbnail(s.Thumbnails)
	}
	if video.Statistics != nil {
		info.ViewCount = video.Statistics.ViewCount
	}
	if video.ContentDetails != nil && video.ContentDetails.Duration != "" {
		info.Duration = FormatDuration(video.ContentDetails.Duration)
	}
	c.logger.Debug("video info retrieved", "video_id", videoID, "title", info.Title)
	return info, nil
}

func bestThumbnail(t *youtube.ThumbnailDetails) string {
	if t == nil {
		return ""
	}
	for _, candidate := range []*youtube.Thumbnail{t.Maxres, t.High, t.Medium} {
		if candidate != nil && candidate.Url != "" {
			return candidate.Url
		}
	}
	return ""
}

var isoDuration = regexp.MustCompile(`PT(?:(\d+)H)?(?:(\d+)M)?(?:(\d+)S)?`)

// FormatDuration renders an ISO 8601 duration such as PT1H2M3S as h:mm:ss,
// or m:ss below one hour. Unparseable input yields "0:00".
func FormatDuration(iso string) string {
	m := isoDuration.FindStringSubmatch(iso)
	if m == nil {
		return "0:00"
	}
	part := func(s string) int {
		n, _ := strconv.Atoi(s)
		return n
	}
	hours, minutes, seconds := part(m[1]), part(m[2]), part(m[3])
	if hours > 0 {
		return fmt.Sprintf("%d:%02d:%02d", hours, minutes, seconds)
	}
	return fmt.Sprintf("%d:%02d", minutes, seconds)
}
