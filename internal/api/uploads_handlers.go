package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"tubebridge/internal/observability/logging"
	"tubebridge/internal/relay"
	"tubebridge/internal/upload"
)

// maxFormFieldBytes bounds each non-file multipart field.
const maxFormFieldBytes = 64 << 10

const defaultUploadTitle = "Untitled video"

// UploadFileToYouTube stages an uploaded multipart file and publishes it.
// Fields: accessToken (or access_token), file, and optional title and
// description. The file part is streamed to disk, never held in memory, so
// the token must arrive in the query string or in a field before the file.
func (h *Handler) UploadFileToYouTube(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	limit := h.MaxUploadBytes
	if limit <= 0 {
		limit = DefaultMaxUploadBytes
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)

	req, err := normalizeRequest(r)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	reader, err := r.MultipartReader()
	if err != nil {
		h.writeFailure(w, r, badRequest("multipart/form-data body is required"))
		return
	}

	rec := h.recorder()
	var (
		staged   *relay.StagedFile
		filename string
	)
	defer func() {
		if err := staged.Remove(); err != nil {
			h.logger(r.Context()).Warn("remove staged file", "path", staged.Path, "error", err)
		}
	}()

	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			h.writeMultipartFailure(w, r, limit, fmt.Errorf("read multipart data: %w", err), true)
			return
		}
		name := part.FormName()
		switch {
		case name == "file" && staged == nil:
			if req.AccessToken == "" {
				_ = part.Close()
				h.writeFailure(w, r, badRequest("accessToken is required"))
				return
			}
			rec.RelayStarted()
			file, stageErr := h.Relay.StageReader(part, part.Header.Get("Content-Type"))
			rec.RelayFinished()
			_ = part.Close()
			if stageErr != nil {
				h.writeMultipartFailure(w, r, limit, stageErr, false)
				return
			}
			staged, filename = file, part.FileName()
			rec.AddRelayBytes("multipart", staged.Size)
		case name != "" && name != "file":
			value, readErr := io.ReadAll(io.LimitReader(part, maxFormFieldBytes))
			_ = part.Close()
			if readErr != nil {
				h.writeMultipartFailure(w, r, limit, fmt.Errorf("read field %s: %w", name, readErr), true)
				return
			}
			req.setFormField(name, strings.TrimSpace(string(value)))
		default:
			_ = part.Close()
		}
	}

	if req.AccessToken == "" {
		h.writeFailure(w, r, badRequest("accessToken is required"))
		return
	}
	if staged == nil || staged.Size == 0 {
		h.writeFailure(w, r, badRequest("file is required"))
		return
	}

	title := req.Title
	if title == "" {
		title = titleFromFilename(filename)
	}
	ctx := r.Context()
	log := h.logger(ctx).With("token", logging.Fingerprint(req.AccessToken))
	log.Info("media received", "bytes", staged.Size, "content_type", staged.ContentType)

	rec.UploadStarted()
	result, err := h.Uploader.Upload(ctx, req.AccessToken, upload.Metadata{Title: title, Description: req.Description}, staged)
	if err != nil {
		phase := uploadPhase(err)
		rec.UploadFinished(phase, "error")
		log.Warn("upload failed", "phase", phase, "error", err)
		h.writeFailure(w, r, err)
		return
	}
	rec.UploadFinished(upload.PhaseTransfer, "ok")
	log.Info("upload completed", "youtube_video_id", result.VideoID)
	WriteJSON(w, http.StatusOK, uploadResultResponse{Success: true, VideoID: result.VideoID, VideoURL: result.VideoURL})
}

// setFormField assigns a multipart field using the same spellings accepted
// for query and JSON arguments. Form values win over query values.
func (t *transferRequest) setFormField(name, value string) {
	if value == "" {
		return
	}
	for _, field := range requestFields {
		for _, candidate := range field.names {
			if candidate == name {
				*field.dest(t) = value
				return
			}
		}
	}
}

// writeMultipartFailure answers an oversized body with 413. Other read
// errors are the client's fault unless they came from staging.
func (h *Handler) writeMultipartFailure(w http.ResponseWriter, r *http.Request, limit int64, err error, clientFault bool) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		WriteError(w, http.StatusRequestEntityTooLarge, fmt.Errorf("upload exceeds %d bytes", limit))
		return
	}
	if clientFault {
		err = badRequest("%v", err)
	}
	h.writeFailure(w, r, err)
}

func titleFromFilename(filename string) string {
	base := strings.TrimSpace(filepath.Base(filename))
	if base == "" || base == "." || base == string(filepath.Separator) {
		return defaultUploadTitle
	}
	if name := strings.TrimSuffix(base, filepath.Ext(base)); name != "" {
		return name
	}
	return base
}
