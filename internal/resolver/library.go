package resolver

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	ytdl "github.com/kkdai/youtube/v2"
)

// progressiveItags are tried first, in order, before any other format with
// audio and video.
var progressiveItags = []int{18, 22}

type videoClient interface {
	GetVideoContext(ctx context.Context, id string) (*ytdl.Video, error)
	GetStreamURLContext(ctx context.Context, video *ytdl.Video, format *ytdl.Format) (string, error)
}

// Library resolves media URLs in-process with github.com/kkdai/youtube.
type Library struct {
	client videoClient
	logger *slog.Logger
}

// NewLibrary constructs a library-backed resolver. A nil httpClient uses
// http.DefaultClient.
func NewLibrary(httpClient *http.Client, logger *slog.Logger) *Library {
	if logger == nil {
		logger = slog.Default()
	}
	return &Library{
		client: &ytdl.Client{HTTPClient: httpClient},
		logger: logger,
	}
}

// Resolve implements Resolver.
func (l *Library) Resolve(ctx context.Context, videoID string) (Media, error) {
	video, err := l.client.GetVideoContext(ctx, videoID)
	if err != nil {
		return Media{}, classifyDetails(videoID, err.Error(), err)
	}
	format := pickFormat(video.Formats)
	if format == nil {
		return Media{}, &Error{Kind: KindFailed, VideoID: videoID, Message: "no progressive format available"}
	}
	streamURL, err := l.client.GetStreamURLContext(ctx, video, format)
	if err != nil {
		return Media{}, wrapf(KindFailed, videoID, err, "Failed to get download URL")
	}
	if !ValidURL(streamURL) {
		return Media{}, &Error{Kind: KindFailed, VideoID: videoID, Message: "Failed to get download URL"}
	}
	l.logger.Debug("library resolved stream", "video_id", videoID, "itag", format.ItagNo)

	media := newMedia(streamURL, "library")
	if mime := mimeBase(format.MimeType); mime != "" {
		media.ContentType = mime
	}
	return media, nil
}

func pickFormat(formats ytdl.FormatList) *ytdl.Format {
	for _, itag := range progressiveItags {
		if matches := formats.Itag(itag); len(matches) > 0 {
			return &matches[0]
		}
	}
	withAudio := formats.WithAudioChannels()
	for i := range withAudio {
		if strings.HasPrefix(withAudio[i].MimeType, "video/") {
			return &withAudio[i]
		}
	}
	return nil
}

// mimeBase strips codec parameters, e.g. `video/mp4; codecs="avc1"`.
func mimeBase(mimeType string) string {
	base, _, _ := strings.Cut(mimeType, ";")
	return strings.TrimSpace(base)
}
