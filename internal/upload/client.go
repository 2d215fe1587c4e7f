// Package upload drives the YouTube Data API resumable upload protocol with a
// caller-supplied access token.
package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/youtube/v3"

	"tubebridge/internal/relay"
	"tubebridge/internal/videoid"
)

const (
	DefaultBaseURL         = "https://www.googleapis.com"
	DefaultTransferTimeout = 30 * time.Minute
	DefaultInitiateTimeout = time.Minute

	PhaseInitiate = "initiate"
	PhaseTransfer = "transfer"

	maxMessageLength = 300
	statusResume     = 308
)

// Config configures a Client.
type Config struct {
	BaseURL string
	// HTTPClient supplies the base transport. Its Timeout should be zero;
	// each phase bounds itself through its context.
	HTTPClient      *http.Client
	InitiateTimeout time.Duration
	TransferTimeout time.Duration
	// ResumeAttempts enables the status-query-and-resume cycle after an
	// interrupted transfer. Zero keeps a single PUT.
	ResumeAttempts int
	Logger         *slog.Logger
}

// Client uploads staged media to YouTube.
type Client struct {
	baseURL         string
	httpClient      *http.Client
	initiateTimeout time.Duration
	transferTimeout time.Duration
	resumeAttempts  int
	newBackOff      func() backoff.BackOff
	logger          *slog.Logger
}

// Session is an initiated resumable upload.
type Session struct {
	URL         string
	Size        int64
	ContentType string
}

// Result identifies the created video.
type Result struct {
	VideoID  string
	VideoURL string
}

// Error reports a failed upload phase. Its text is safe to return to callers
// and names the upstream status for non-success responses.
type Error struct {
	Phase   string
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message != "" {
		if e.Status >= 300 {
			return fmt.Sprintf("%s (HTTP %d)", e.Message, e.Status)
		}
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("upload %s failed", e.Phase)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New constructs a Client, filling unset fields with defaults.
func New(cfg Config) *Client {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = DefaultBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	initiateTimeout := cfg.InitiateTimeout
	if initiateTimeout <= 0 {
		initiateTimeout = DefaultInitiateTimeout
	}
	transferTimeout := cfg.TransferTimeout
	if transferTimeout <= 0 {
		transferTimeout = DefaultTransferTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	resume := cfg.ResumeAttempts
	if resume < 0 {
		resume = 0
	}
	return &Client{
		baseURL:         base,
		httpClient:      httpClient,
		initiateTimeout: initiateTimeout,
		transferTimeout: transferTimeout,
		resumeAttempts:  resume,
		newBackOff: func() backoff.BackOff {
			bo := backoff.NewExponentialBackOff()
			bo.InitialInterval = time.Second
			bo.MaxInterval = 30 * time.Second
			return bo
		},
		logger: logger,
	}
}

// Upload initiates a session for file and transfers it.
func (c *Client) Upload(ctx context.Context, accessToken string, meta Metadata, file *relay.StagedFile) (Result, error) {
	session, err := c.Initiate(ctx, accessToken, meta, file.Size, file.ContentType)
	if err != nil {
		return Result{}, err
	}
	return c.Transfer(ctx, accessToken, session, file)
}

// Initiate opens a resumable upload session.
func (c *Client) Initiate(ctx context.Context, accessToken string, meta Metadata, size int64, contentType string) (*Session, error) {
	if contentType == "" {
		contentType = relay.DefaultContentType
	}
	body, err := json.Marshal(meta.video())
	if err != nil {
		return nil, fmt.Errorf("marshal video resource: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.initiateTimeout)
	defer cancel()

	endpoint := c.baseURL + "/upload/youtube/v3/videos?" + url.Values{
		"uploadType": {"resumable"},
		"part":       {"snippet,status"},
	}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build initiate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=UTF-8")
	req.Header.Set("X-Upload-Content-Length", strconv.FormatInt(size, 10))
	req.Header.Set("X-Upload-Content-Type", contentType)

	resp, err := c.authorized(ctx, accessToken).Do(req)
	if err != nil {
		return nil, &Error{Phase: PhaseInitiate, Message: "Failed to initialize upload", Err: err}
	}
	defer resp.Body.Close()

	if err := googleapi.CheckResponse(resp); err != nil {
		return nil, apiError(PhaseInitiate, "Failed to initialize upload", err)
	}
	location := strings.TrimSpace(resp.Header.Get("Location"))
	if location == "" {
		return nil, &Error{Phase: PhaseInitiate, Status: resp.StatusCode, Message: "No upload URL received from YouTube"}
	}
	c.logger.Debug("upload session initiated", "bytes", size, "content_type", contentType)
	return &Session{URL: location, Size: size, ContentType: contentType}, nil
}

// Transfer sends the staged bytes to an initiated session. With resume
// enabled, transport failures and 5xx responses trigger a status query and a
// resumed PUT from the last committed byte.
func (c *Client) Transfer(ctx context.Context, accessToken string, session *Session, file *relay.StagedFile) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.transferTimeout)
	defer cancel()
	client := c.authorized(ctx, accessToken)

	result, err := c.put(ctx, client, session, file, 0)
	if err == nil || c.resumeAttempts == 0 || !resumable(ctx, err) {
		return result, err
	}
	c.logger.Warn("upload transfer interrupted; resuming", "error", err, "attempts", c.resumeAttempts)

	operation := func() (Result, error) {
		offset, done, err := c.queryOffset(ctx, client, session)
		if err != nil {
			return Result{}, c.retryable(ctx, err)
		}
		if done != nil {
			return *done, nil
		}
		c.logger.Info("resuming upload", "offset", offset, "bytes", session.Size)
		res, err := c.put(ctx, client, session, file, offset)
		if err != nil {
			return Result{}, c.retryable(ctx, err)
		}
		return res, nil
	}
	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(c.newBackOff()),
		backoff.WithMaxTries(uint(c.resumeAttempts)),
		backoff.WithMaxElapsedTime(c.transferTimeout),
	)
}

func (c *Client) put(ctx context.Context, client *http.Client, session *Session, file *relay.StagedFile, offset int64) (Result, error) {
	f, err := file.Open()
	if err != nil {
		return Result{}, fmt.Errorf("open staged media: %w", err)
	}
	defer f.Close()
	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return Result{}, fmt.Errorf("seek staged media: %w", err)
		}
	}

	var body io.Reader = f
	if session.Size-offset == 0 {
		body = http.NoBody
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, session.URL, body)
	if err != nil {
		return Result{}, fmt.Errorf("build transfer request: %w", err)
	}
	req.ContentLength = session.Size - offset
	req.Header.Set("Content-Type", session.ContentType)
	if offset > 0 {
		req.Header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", offset, session.Size-1, session.Size))
	}

	resp, err := client.Do(req)
	if err != nil {
		return Result{}, &Error{Phase: PhaseTransfer, Message: "Failed to upload video", Err: err}
	}
	defer resp.Body.Close()
	if err := googleapi.CheckResponse(resp); err != nil {
		return Result{}, apiError(PhaseTransfer, "Failed to upload video", err)
	}
	return decodeResult(resp)
}

// queryOffset asks the session how many bytes it has committed. A finished
// session returns its result instead.
func (c *Client) queryOffset(ctx context.Context, client *http.Client, session *Session) (int64, *Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, session.URL, http.NoBody)
	if err != nil {
		return 0, nil, fmt.Errorf("build status request: %w", err)
	}
	req.Header.Set("Content-Range", fmt.Sprintf("bytes */%d", session.Size))

	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, &Error{Phase: PhaseTransfer, Message: "Failed to upload video", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == statusResume {
		return committedOffset(resp.Header.Get("Range")), nil, nil
	}
	if err := googleapi.CheckResponse(resp); err != nil {
		return 0, nil, apiError(PhaseTransfer, "Failed to upload video", err)
	}
	res, err := decodeResult(resp)
	if err != nil {
		return 0, nil, err
	}
	return 0, &res, nil
}

func (c *Client) authorized(ctx context.Context, accessToken string) *http.Client {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	return oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: accessToken,
		TokenType:   "Bearer",
	}))
}

func (c *Client) retryable(ctx context.Context, err error) error {
	if resumable(ctx, err) {
		c.logger.Warn("upload resume attempt failed", "error", err)
		return err
	}
	return backoff.Permanent(err)
}

func resumable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var upErr *Error
	if !errors.As(err, &upErr) {
		return false
	}
	switch {
	case upErr.Status == 0:
		return upErr.Err != nil
	case upErr.Status == statusResume:
		return true
	default:
		return upErr.Status >= 500
	}
}

func decodeResult(resp *http.Response) (Result, error) {
	var video youtube.Video
	if err := json.NewDecoder(resp.Body).Decode(&video); err != nil {
		return Result{}, &Error{Phase: PhaseTransfer, Status: resp.StatusCode, Message: "Invalid response from YouTube", Err: err}
	}
	if strings.TrimSpace(video.Id) == "" {
		return Result{}, &Error{Phase: PhaseTransfer, Status: resp.StatusCode, Message: "YouTube response did not include a video id"}
	}
	return Result{VideoID: video.Id, VideoURL: videoid.WatchURL(video.Id)}, nil
}

// apiError converts a googleapi error into an *Error, preferring the
// structured error.message and falling back to the raw body.
func apiError(phase, fallback string, err error) error {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return &Error{Phase: phase, Message: fallback, Err: err}
	}
	message := strings.TrimSpace(gerr.Message)
	if message == "" {
		message = strings.TrimSpace(gerr.Body)
	}
	if message == "" {
		message = fallback
	}
	return &Error{Phase: phase, Status: gerr.Code, Message: truncate(message, maxMessageLength), Err: err}
}

// committedOffset parses "bytes=0-N" into N+1. A missing header means
// nothing was committed.
func committedOffset(header string) int64 {
	_, last, ok := strings.Cut(strings.TrimPrefix(strings.TrimSpace(header), "bytes="), "-")
	if !ok {
		return 0
	}
	n, err := strconv.ParseInt(strings.TrimSpace(last), 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n + 1
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
