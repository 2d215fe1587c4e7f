package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"tubebridge/internal/observability/logging"
	"tubebridge/internal/observability/metrics"
	"tubebridge/internal/relay"
	"tubebridge/internal/resolver"
	"tubebridge/internal/upload"
	"tubebridge/internal/videoinfo"
)

const testMedia = "fake-mp4-bytes"

type fakeResolver struct {
	calls []string
	media resolver.Media
	err   error
}

func (f *fakeResolver) Resolve(_ context.Context, videoID string) (resolver.Media, error) {
	f.calls = append(f.calls, videoID)
	if f.err != nil {
		return resolver.Media{}, f.err
	}
	return f.media, nil
}

type fakeUploader struct {
	calls    int
	token    string
	meta     upload.Metadata
	contents string
	path     string
	result   upload.Result
	err      error
}

func (f *fakeUploader) Upload(_ context.Context, token string, meta upload.Metadata, file *relay.StagedFile) (upload.Result, error) {
	f.calls++
	f.token, f.meta, f.path = token, meta, file.Path
	data, err := os.ReadFile(file.Path)
	if err != nil {
		return upload.Result{}, err
	}
	f.contents = string(data)
	if f.err != nil {
		return upload.Result{}, f.err
	}
	return f.result, nil
}

// countingRelay wraps a real relay and counts calls.
type countingRelay struct {
	*relay.Relay
	streams, stages, readers int
}

func (c *countingRelay) Stream(ctx context.Context, mediaURL string, w io.Writer) (int64, error) {
	c.streams++
	return c.Relay.Stream(ctx, mediaURL, w)
}

func (c *countingRelay) Stage(ctx context.Context, mediaURL string) (*relay.StagedFile, error) {
	c.stages++
	return c.Relay.Stage(ctx, mediaURL)
}

func (c *countingRelay) StageReader(src io.Reader, contentType string) (*relay.StagedFile, error) {
	c.readers++
	return c.Relay.StageReader(src, contentType)
}

type fakeInfo struct {
	enabled bool
	info    videoinfo.Info
	err     error
}

func (f *fakeInfo) Enabled() bool { return f.enabled }

func (f *fakeInfo) Lookup(_ context.Context, videoID string) (videoinfo.Info, error) {
	if f.err != nil {
		return videoinfo.Info{}, f.err
	}
	info := f.info
	info.VideoID = videoID
	return info, nil
}

type testEnv struct {
	handler  *Handler
	resolver *fakeResolver
	relay    *countingRelay
	uploader *fakeUploader
	metrics  *metrics.Recorder
	tempDir  string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	media := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "video/mp4")
		io.WriteString(w, testMedia)
	}))
	t.Cleanup(media.Close)

	tempDir := t.TempDir()
	env := &testEnv{
		resolver: &fakeResolver{media: resolver.Media{URL: media.URL + "/media.mp4", ContentType: "video/mp4", Backend: "ytdlp"}},
		relay:    &countingRelay{Relay: relay.New(relay.Config{HTTPClient: media.Client(), TempDir: tempDir, Logger: logging.Discard()})},
		uploader: &fakeUploader{result: upload.Result{VideoID: "new123", VideoURL: "https://www.youtube.com/watch?v=new123"}},
		metrics:  metrics.New(),
		tempDir:  tempDir,
	}
	env.handler = NewHandler(env.resolver, env.relay, env.uploader)
	env.handler.Metrics = env.metrics
	env.handler.Logger = logging.Discard()
	return env
}

func (e *testEnv) assertTempDirEmpty(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(e.tempDir)
	if err != nil {
		t.Fatalf("read temp dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected staged files to be removed, found %d", len(entries))
	}
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return body
}

func TestDownloadReturnsResolvedURL(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/download?url=https://youtu.be/dQw4w9WgXcQ", nil)
	rec := httptest.NewRecorder()

	env.handler.Download(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["status"] != "ready" || body["videoId"] != "dQw4w9WgXcQ" || body["downloadUrl"] != env.resolver.media.URL {
		t.Fatalf("unexpected body %v", body)
	}
	if got := env.metrics.ResolutionCounts()[metrics.ResolutionLabel{Backend: "ytdlp", Outcome: "ok"}]; got != 1 {
		t.Fatalf("resolution ok count = %d", got)
	}
}

func TestDownloadAcceptsJSONBodyInEitherSpelling(t *testing.T) {
	cases := map[string]string{
		"camel": `{"videoId":"dQw4w9WgXcQ"}`,
		"snake": `{"video_id":"dQw4w9WgXcQ"}`,
		"url":   `{"url":"https://www.youtube.com/watch?v=dQw4w9WgXcQ"}`,
	}
	for name, payload := range cases {
		payload := payload
		t.Run(name, func(t *testing.T) {
			env := newTestEnv(t)
			req := httptest.NewRequest(http.MethodPost, "/download", strings.NewReader(payload))
			req.Header.Set("Content-Type", "application/json")
			rec := httptest.NewRecorder()

			env.handler.Download(rec, req)

			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
			}
			if len(env.resolver.calls) != 1 || env.resolver.calls[0] != "dQw4w9WgXcQ" {
				t.Fatalf("resolver calls = %v", env.resolver.calls)
			}
		})
	}
}

func TestDownloadRequiresIdentifierWithoutResolving(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/download", nil)
	rec := httptest.NewRecorder()

	env.handler.Download(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["error"] != "videoId or url parameter is required" {
		t.Fatalf("unexpected body %v", body)
	}
	if len(env.resolver.calls) != 0 {
		t.Fatalf("resolver should not be called")
	}
}

func TestDownloadReportsResolutionFailure(t *testing.T) {
	env := newTestEnv(t)
	env.resolver.err = &resolver.Error{Kind: resolver.KindPrivate, Message: "Video is private"}
	req := httptest.NewRequest(http.MethodGet, "/download?videoId=dQw4w9WgXcQ", nil)
	rec := httptest.NewRecorder()

	env.handler.Download(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["error"] != "Video is private" {
		t.Fatalf("unexpected body %v", body)
	}
	if got := env.metrics.ResolutionCounts()[metrics.ResolutionLabel{Backend: "chain", Outcome: "private"}]; got != 1 {
		t.Fatalf("resolution failure count = %d", got)
	}
}

func TestDownloadRejectsUnsupportedMethod(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodDelete, "/download?videoId=dQw4w9WgXcQ", nil)
	rec := httptest.NewRecorder()

	env.handler.Download(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Header().Get("Allow"); got != "GET, POST" {
		t.Fatalf("Allow = %q", got)
	}
}

func TestDownloadFileStreamsInline(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/download-file?videoId=dQw4w9WgXcQ", nil)
	rec := httptest.NewRecorder()

	env.handler.DownloadFile(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); got != "video/mp4" {
		t.Fatalf("Content-Type = %q", got)
	}
	if got := rec.Header().Get("Content-Disposition"); got != `inline; filename="dQw4w9WgXcQ.mp4"` {
		t.Fatalf("Content-Disposition = %q", got)
	}
	if rec.Body.String() != testMedia {
		t.Fatalf("body = %q", rec.Body.String())
	}
	if got := env.metrics.RelayBytes("stream"); got != uint64(len(testMedia)) {
		t.Fatalf("relay bytes = %d", got)
	}
	if env.metrics.ActiveRelays() != 0 {
		t.Fatalf("active relays gauge not released")
	}
}

func TestDownloadFileReportsUpstreamStatusAsJSON(t *testing.T) {
	env := newTestEnv(t)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	t.Cleanup(upstream.Close)
	env.resolver.media.URL = upstream.URL

	req := httptest.NewRequest(http.MethodGet, "/download-file?videoId=dQw4w9WgXcQ", nil)
	rec := httptest.NewRecorder()
	env.handler.DownloadFile(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); got != "application/json" {
		t.Fatalf("Content-Type = %q", got)
	}
	if body := decodeBody(t, rec); !strings.Contains(body["error"].(string), "403") {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestUploadToYouTubeRequiresAccessToken(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodPost, "/upload-to-youtube", strings.NewReader(`{"videoId":"dQw4w9WgXcQ"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	env.handler.UploadToYouTube(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(env.resolver.calls) != 0 || env.relay.stages != 0 || env.uploader.calls != 0 {
		t.Fatalf("no collaborator should run: resolver=%d stages=%d uploads=%d",
			len(env.resolver.calls), env.relay.stages, env.uploader.calls)
	}
}

func TestUploadToYouTubeStagesAndRemovesFile(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodPost, "/upload-to-youtube?access_token=query-token",
		strings.NewReader(`{"video_id":"dQw4w9WgXcQ","access_token":"body-token","description":"d"}`))
	rec := httptest.NewRecorder()

	env.handler.UploadToYouTube(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["success"] != true || body["videoId"] != "new123" || body["videoUrl"] != "https://www.youtube.com/watch?v=new123" {
		t.Fatalf("unexpected body %v", body)
	}
	if env.uploader.token != "body-token" {
		t.Fatalf("body value should win, token = %q", env.uploader.token)
	}
	if env.uploader.meta.Title != "dQw4w9WgXcQ" || env.uploader.meta.Description != "d" {
		t.Fatalf("metadata = %+v", env.uploader.meta)
	}
	if env.uploader.contents != testMedia {
		t.Fatalf("uploaded contents = %q", env.uploader.contents)
	}
	env.assertTempDirEmpty(t)
	if got := env.metrics.UploadCounts()[metrics.UploadLabel{Phase: "transfer", Outcome: "ok"}]; got != 1 {
		t.Fatalf("upload ok count = %d", got)
	}
	if env.metrics.ActiveUploads() != 0 {
		t.Fatalf("active uploads gauge not released")
	}
}

func TestUploadToYouTubeRemovesFileOnFailure(t *testing.T) {
	env := newTestEnv(t)
	env.uploader.err = &upload.Error{Phase: upload.PhaseInitiate, Status: http.StatusForbidden, Message: "quota exceeded"}
	req := httptest.NewRequest(http.MethodPost, "/upload-to-youtube?videoId=dQw4w9WgXcQ&accessToken=tok", nil)
	rec := httptest.NewRecorder()

	env.handler.UploadToYouTube(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["error"] != "quota exceeded (HTTP 403)" {
		t.Fatalf("unexpected body %v", body)
	}
	env.assertTempDirEmpty(t)
	if got := env.metrics.UploadCounts()[metrics.UploadLabel{Phase: "initiate", Outcome: "error"}]; got != 1 {
		t.Fatalf("upload failure count = %d", got)
	}
}

func TestVideoInfoLookup(t *testing.T) {
	env := newTestEnv(t)

	rec := httptest.NewRecorder()
	env.handler.VideoInfoLookup(rec, httptest.NewRequest(http.MethodGet, "/video-info?videoId=dQw4w9WgXcQ", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("unconfigured status = %d", rec.Code)
	}

	env.handler.VideoInfo = &fakeInfo{enabled: true, info: videoinfo.Info{Title: "Never Gonna"}}
	rec = httptest.NewRecorder()
	env.handler.VideoInfoLookup(rec, httptest.NewRequest(http.MethodGet, "/video-info?url=https://youtu.be/dQw4w9WgXcQ", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["title"] != "Never Gonna" || body["videoId"] != "dQw4w9WgXcQ" {
		t.Fatalf("unexpected body %v", body)
	}

	env.handler.VideoInfo = &fakeInfo{enabled: true, err: videoinfo.ErrNotFound}
	rec = httptest.NewRecorder()
	env.handler.VideoInfoLookup(rec, httptest.NewRequest(http.MethodGet, "/video-info?videoId=dQw4w9WgXcQ", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("not found status = %d", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	rec := httptest.NewRecorder()

	env.handler.Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["status"] != "ok" || body["service"] != "youtube-downloader" {
		t.Fatalf("unexpected body %v", body)
	}
	if len(env.resolver.calls) != 0 {
		t.Fatalf("health must not resolve")
	}
}

func TestStatusForMapsErrorKinds(t *testing.T) {
	cases := []struct {
		name    string
		err     error
		status  int
		message string
	}{
		{"validation", badRequest("file is required"), http.StatusBadRequest, "file is required"},
		{"resolver", &resolver.Error{Kind: resolver.KindTimeout, Message: "Request timed out"}, http.StatusInternalServerError, "Request timed out"},
		{"relay", &relay.Error{Status: http.StatusNotFound}, http.StatusInternalServerError, "media host returned 404 Not Found"},
		{"other", errors.New("boom"), http.StatusInternalServerError, "Internal server error: boom"},
	}
	for _, tc := range cases {
		status, message := statusFor(tc.err)
		if status != tc.status || message != tc.message {
			t.Fatalf("%s: got %d %q, want %d %q", tc.name, status, message, tc.status, tc.message)
		}
	}
}

func TestRecoverWritesJSONError(t *testing.T) {
	handler := Recover(logging.Discard())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("kaboom")
	}))
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/download", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["error"] != "Internal server error: kaboom" {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestNormalizeRequestRejectsNonStringField(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/download", bytes.NewBufferString(`{"videoId":42}`))
	req.Header.Set("Content-Type", "application/json")

	_, err := normalizeRequest(req)
	var valErr validationError
	if !errors.As(err, &valErr) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
