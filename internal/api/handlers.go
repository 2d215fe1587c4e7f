package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"tubebridge/internal/observability/logging"
	"tubebridge/internal/observability/metrics"
	"tubebridge/internal/relay"
	"tubebridge/internal/resolver"
	"tubebridge/internal/upload"
	"tubebridge/internal/videoinfo"
)

// DefaultMaxUploadBytes bounds multipart uploads when no limit is configured.
const DefaultMaxUploadBytes int64 = 2 << 30

// MediaRelay copies media bytes from a resolved URL or an inbound body.
type MediaRelay interface {
	Stream(ctx context.Context, mediaURL string, w io.Writer) (int64, error)
	Stage(ctx context.Context, mediaURL string) (*relay.StagedFile, error)
	StageReader(src io.Reader, contentType string) (*relay.StagedFile, error)
}

// Uploader publishes a staged file to YouTube.
type Uploader interface {
	Upload(ctx context.Context, accessToken string, meta upload.Metadata, file *relay.StagedFile) (upload.Result, error)
}

// VideoInfoSource looks up public video metadata.
type VideoInfoSource interface {
	Enabled() bool
	Lookup(ctx context.Context, videoID string) (videoinfo.Info, error)
}

type Handler struct {
	Resolver       resolver.Resolver
	Relay          MediaRelay
	Uploader       Uploader
	VideoInfo      VideoInfoSource
	Metrics        *metrics.Recorder
	Logger         *slog.Logger
	MaxUploadBytes int64
}

func NewHandler(res resolver.Resolver, mediaRelay MediaRelay, uploader Uploader) *Handler {
	return &Handler{
		Resolver:       res,
		Relay:          mediaRelay,
		Uploader:       uploader,
		MaxUploadBytes: DefaultMaxUploadBytes,
	}
}

func (h *Handler) recorder() *metrics.Recorder {
	if h.Metrics == nil {
		return metrics.Default()
	}
	return h.Metrics
}

func (h *Handler) logger(ctx context.Context) *slog.Logger {
	return logging.FromContext(ctx, h.Logger)
}

type downloadResponse struct {
	DownloadURL string `json:"downloadUrl"`
	Status      string `json:"status"`
	VideoID     string `json:"videoId"`
}

type uploadResultResponse struct {
	Success  bool   `json:"success"`
	VideoID  string `json:"videoId"`
	VideoURL string `json:"videoUrl"`
}

// resolve runs the resolver and records the outcome.
func (h *Handler) resolve(ctx context.Context, videoID string) (resolver.Media, error) {
	media, err := h.Resolver.Resolve(ctx, videoID)
	if err != nil {
		h.recorder().ObserveResolution("chain", string(resolver.KindOf(err)))
		h.logger(ctx).Warn("resolution failed", "kind", resolver.KindOf(err), "error", err)
		return resolver.Media{}, err
	}
	h.recorder().ObserveResolution(media.Backend, "ok")
	return media, nil
}

// prepare normalizes the request and derives the video id, annotating the
// request context with it.
func (h *Handler) prepare(r *http.Request) (*http.Request, transferRequest, string, error) {
	req, err := normalizeRequest(r)
	if err != nil {
		return r, req, "", err
	}
	videoID, err := req.resolveVideoID()
	if err != nil {
		return r, req, "", err
	}
	ctx := logging.ContextWithVideoID(r.Context(), videoID)
	return r.WithContext(ctx), req, videoID, nil
}

func (h *Handler) Download(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet, http.MethodPost) {
		return
	}
	r, _, videoID, err := h.prepare(r)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	media, err := h.resolve(r.Context(), videoID)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, downloadResponse{
		DownloadURL: media.URL,
		Status:      "ready",
		VideoID:     videoID,
	})
}

func (h *Handler) DownloadFile(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet, http.MethodPost) {
		return
	}
	r, _, videoID, err := h.prepare(r)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	media, err := h.resolve(r.Context(), videoID)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}

	rec := h.recorder()
	rec.RelayStarted()
	defer rec.RelayFinished()

	header := w.Header()
	header.Set("Content-Type", relay.DefaultContentType)
	header.Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", videoID+".mp4"))
	written, err := h.Relay.Stream(r.Context(), media.URL, w)
	rec.AddRelayBytes("stream", written)
	if err != nil {
		if written == 0 {
			header.Del("Content-Disposition")
			h.writeFailure(w, r, err)
			return
		}
		// Headers are already on the wire; the truncated body is all the
		// client will see.
		h.logger(r.Context()).Warn("relay aborted", "bytes", written, "error", err)
		return
	}
	h.logger(r.Context()).Info("relay completed", "bytes", written)
}

func (h *Handler) UploadToYouTube(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	r, req, videoID, err := h.prepare(r)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	if req.AccessToken == "" {
		h.writeFailure(w, r, badRequest("accessToken is required"))
		return
	}
	ctx := r.Context()
	log := h.logger(ctx).With("token", logging.Fingerprint(req.AccessToken))

	rec := h.recorder()
	rec.UploadStarted()
	phase := "resolve"
	outcome := "error"
	defer func() { rec.UploadFinished(phase, outcome) }()

	media, err := h.resolve(ctx, videoID)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}

	phase = "stage"
	rec.RelayStarted()
	staged, err := h.Relay.Stage(ctx, media.URL)
	rec.RelayFinished()
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	defer func() {
		if err := staged.Remove(); err != nil {
			log.Warn("remove staged file", "path", staged.Path, "error", err)
		}
	}()
	rec.AddRelayBytes("stage", staged.Size)
	log.Info("media staged", "bytes", staged.Size, "content_type", staged.ContentType)

	title := req.Title
	if title == "" {
		title = videoID
	}
	result, err := h.Uploader.Upload(ctx, req.AccessToken, upload.Metadata{Title: title, Description: req.Description}, staged)
	if err != nil {
		phase = uploadPhase(err)
		log.Warn("upload failed", "phase", phase, "error", err)
		h.writeFailure(w, r, err)
		return
	}
	phase, outcome = upload.PhaseTransfer, "ok"
	log.Info("upload completed", "youtube_video_id", result.VideoID)
	WriteJSON(w, http.StatusOK, uploadResultResponse{Success: true, VideoID: result.VideoID, VideoURL: result.VideoURL})
}

func (h *Handler) VideoInfoLookup(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	if h.VideoInfo == nil || !h.VideoInfo.Enabled() {
		WriteError(w, http.StatusServiceUnavailable, videoinfo.ErrNotConfigured)
		return
	}
	r, _, videoID, err := h.prepare(r)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	info, err := h.VideoInfo.Lookup(r.Context(), videoID)
	if err != nil {
		if errors.Is(err, videoinfo.ErrNotFound) {
			WriteError(w, http.StatusNotFound, err)
			return
		}
		h.writeFailure(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, info)
}

func uploadPhase(err error) string {
	var upErr *upload.Error
	if errors.As(err, &upErr) && upErr.Phase != "" {
		return upErr.Phase
	}
	return "upload"
}
