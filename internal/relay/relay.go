// Package relay copies remote media bytes to a client response or into a
// staged temporary file in bounded chunks.
package relay

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
)

const (
	// ChunkSize bounds how much media is held in memory at once.
	ChunkSize = 256 << 10

	// DefaultContentType is recorded for staged media when the upstream
	// response does not declare one.
	DefaultContentType = "video/mp4"

	userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64)"
)

// Config configures a Relay.
type Config struct {
	HTTPClient *http.Client
	// InsecureSkipVerify relaxes certificate checks toward media hosts. Only
	// meant for local development.
	InsecureSkipVerify bool
	TempDir            string
	Logger             *slog.Logger
}

// Relay streams media from resolved URLs.
type Relay struct {
	client  *http.Client
	tempDir string
	logger  *slog.Logger
}

// Error reports a non-success upstream response.
type Error struct {
	URL    string
	Status int
}

func (e *Error) Error() string {
	return fmt.Sprintf("media host returned %d %s", e.Status, http.StatusText(e.Status))
}

// StagedFile is media written to local disk ahead of an upload. The creator
// owns it and must call Remove on every exit path.
type StagedFile struct {
	Path        string
	Size        int64
	ContentType string
}

// Open opens the staged bytes for reading.
func (f *StagedFile) Open() (*os.File, error) {
	return os.Open(f.Path)
}

// Remove deletes the staged file. It is safe to call more than once and on a
// nil receiver.
func (f *StagedFile) Remove() error {
	if f == nil || f.Path == "" {
		return nil
	}
	err := os.Remove(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// New constructs a Relay. Without an explicit client, one with no overall
// timeout is built because media bodies may take minutes to drain.
func New(cfg Config) *Relay {
	client := cfg.HTTPClient
	if client == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		if cfg.InsecureSkipVerify {
			transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in for local development
		}
		client = &http.Client{Transport: transport}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{client: client, tempDir: strings.TrimSpace(cfg.TempDir), logger: logger}
}

// Stream copies the media at mediaURL into w. A write failure, such as a
// disconnected client, stops the copy immediately.
func (r *Relay) Stream(ctx context.Context, mediaURL string, w io.Writer) (int64, error) {
	resp, err := r.open(ctx, mediaURL)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	written, err := copyChunks(w, resp.Body)
	if err != nil {
		return written, fmt.Errorf("relay media: %w", err)
	}
	return written, nil
}

// Stage downloads the media at mediaURL into a new temporary file. On error
// the partial file has already been removed.
func (r *Relay) Stage(ctx context.Context, mediaURL string) (*StagedFile, error) {
	resp, err := r.open(ctx, mediaURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	return r.StageReader(resp.Body, resp.Header.Get("Content-Type"))
}

// StageReader writes src into a new temporary file with the same chunking
// and cleanup guarantees as Stage.
func (r *Relay) StageReader(src io.Reader, contentType string) (*StagedFile, error) {
	tmp, err := os.CreateTemp(r.tempDir, "tubebridge-*.media")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	staged := &StagedFile{Path: tmp.Name(), ContentType: normalizeContentType(contentType)}

	written, copyErr := copyChunks(tmp, src)
	closeErr := tmp.Close()
	if copyErr == nil && closeErr != nil {
		copyErr = closeErr
	}
	if copyErr != nil {
		if rmErr := staged.Remove(); rmErr != nil {
			r.logger.Warn("failed to remove partial staged file", "path", staged.Path, "error", rmErr)
		}
		return nil, fmt.Errorf("stage media: %w", copyErr)
	}
	staged.Size = written
	r.logger.Debug("media staged", "path", staged.Path, "bytes", written, "content_type", staged.ContentType)
	return staged, nil
}

func (r *Relay) open(ctx context.Context, mediaURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build media request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch media: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, ChunkSize))
		resp.Body.Close()
		return nil, &Error{URL: mediaURL, Status: resp.StatusCode}
	}
	return resp, nil
}

// copyChunks moves src to dst through a single ChunkSize buffer, flushing
// after every chunk when dst supports it.
func copyChunks(dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, ChunkSize)
	flusher, _ := dst.(http.Flusher)
	var written int64
	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			wn, writeErr := dst.Write(buf[:n])
			written += int64(wn)
			if writeErr != nil {
				return written, writeErr
			}
			if wn != n {
				return written, io.ErrShortWrite
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			return written, readErr
		}
	}
}

func normalizeContentType(contentType string) string {
	base, _, _ := strings.Cut(contentType, ";")
	base = strings.TrimSpace(base)
	if base == "" {
		return DefaultContentType
	}
	return base
}
