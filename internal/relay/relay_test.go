package relay

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestRelay(t *testing.T) *Relay {
	t.Helper()
	return New(Config{
		TempDir: t.TempDir(),
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func TestStreamCopiesBodyInChunks(t *testing.T) {
	payload := bytes.Repeat([]byte("v"), ChunkSize*2+17)
	var gotUA string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		w.Header().Set("Content-Type", "video/mp4")
		w.Write(payload)
	}))
	defer upstream.Close()

	r := newTestRelay(t)
	rec := &countingWriter{}
	written, err := r.Stream(context.Background(), upstream.URL, rec)
	if err != nil {
		t.Fatalf("Stream error: %v", err)
	}
	if written != int64(len(payload)) || rec.buf.Len() != len(payload) {
		t.Fatalf("written = %d, buffered = %d, want %d", written, rec.buf.Len(), len(payload))
	}
	if rec.maxWrite > ChunkSize {
		t.Fatalf("write of %d bytes exceeds chunk size", rec.maxWrite)
	}
	if !strings.HasPrefix(gotUA, "Mozilla/5.0") {
		t.Fatalf("user agent = %q", gotUA)
	}
}

func TestStreamStopsOnWriteFailure(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(bytes.Repeat([]byte("x"), ChunkSize*4))
	}))
	defer upstream.Close()

	r := newTestRelay(t)
	w := &failingWriter{}
	_, err := r.Stream(context.Background(), upstream.URL, w)
	if err == nil {
		t.Fatal("expected error from failing writer")
	}
	if w.calls != 1 {
		t.Fatalf("expected copy to stop after first failed write, got %d writes", w.calls)
	}
}

func TestStreamReportsUpstreamStatus(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusForbidden)
	}))
	defer upstream.Close()

	r := newTestRelay(t)
	_, err := r.Stream(context.Background(), upstream.URL, io.Discard)
	var relayErr *Error
	if !errors.As(err, &relayErr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if relayErr.Status != http.StatusForbidden {
		t.Fatalf("status = %d", relayErr.Status)
	}
}

func TestStageWritesTempFile(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "video/webm; codecs=vp9")
		io.WriteString(w, "media-bytes")
	}))
	defer upstream.Close()

	r := newTestRelay(t)
	staged, err := r.Stage(context.Background(), upstream.URL)
	if err != nil {
		t.Fatalf("Stage error: %v", err)
	}
	defer staged.Remove()

	if staged.Size != int64(len("media-bytes")) {
		t.Fatalf("size = %d", staged.Size)
	}
	if staged.ContentType != "video/webm" {
		t.Fatalf("content type = %q", staged.ContentType)
	}
	if !strings.HasPrefix(filepath.Base(staged.Path), "tubebridge-") {
		t.Fatalf("unexpected temp name %q", staged.Path)
	}
	data, err := os.ReadFile(staged.Path)
	if err != nil {
		t.Fatalf("read staged file: %v", err)
	}
	if string(data) != "media-bytes" {
		t.Fatalf("staged data = %q", data)
	}

	if err := staged.Remove(); err != nil {
		t.Fatalf("Remove error: %v", err)
	}
	if _, err := os.Stat(staged.Path); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected staged file removed, stat err = %v", err)
	}
	if err := staged.Remove(); err != nil {
		t.Fatalf("second Remove error: %v", err)
	}
}

func TestStageReaderDefaultsContentType(t *testing.T) {
	r := newTestRelay(t)
	staged, err := r.StageReader(strings.NewReader("abc"), "")
	if err != nil {
		t.Fatalf("StageReader error: %v", err)
	}
	defer staged.Remove()
	if staged.ContentType != DefaultContentType {
		t.Fatalf("content type = %q", staged.ContentType)
	}
}

func TestStageReaderRemovesPartialFile(t *testing.T) {
	dir := t.TempDir()
	r := New(Config{TempDir: dir, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})

	src := io.MultiReader(strings.NewReader("partial"), errReader{err: errors.New("connection reset")})
	if _, err := r.StageReader(src, "video/mp4"); err == nil {
		t.Fatal("expected staging error")
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected temp dir to be empty, found %d entries", len(entries))
	}
}

func TestNilStagedFileRemove(t *testing.T) {
	var staged *StagedFile
	if err := staged.Remove(); err != nil {
		t.Fatalf("Remove on nil: %v", err)
	}
}

type countingWriter struct {
	buf      bytes.Buffer
	maxWrite int
}

func (w *countingWriter) Write(p []byte) (int, error) {
	if len(p) > w.maxWrite {
		w.maxWrite = len(p)
	}
	return w.buf.Write(p)
}

type failingWriter struct {
	calls int
}

func (w *failingWriter) Write(p []byte) (int, error) {
	w.calls++
	return 0, errors.New("broken pipe")
}

type errReader struct {
	err error
}

func (r errReader) Read(p []byte) (int, error) {
	return 0, r.err
}
