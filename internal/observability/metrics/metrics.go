package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// ResolutionLabel keys resolution outcomes by resolver backend.
type ResolutionLabel struct {
	Backend string
	Outcome string
}

// UploadLabel keys upload outcomes by protocol phase.
type UploadLabel struct {
	Phase   string
	Outcome string
}

// Recorder aggregates in-memory counters and gauges for HTTP traffic, media
// resolution, relayed bytes and uploads. Maps are guarded by a RWMutex; the
// in-flight gauges are atomics.
type Recorder struct {
	mu              sync.RWMutex
	routes          map[string]struct{}
	requestCount    map[requestLabel]uint64
	requestDuration map[requestLabel]time.Duration
	resolutions     map[ResolutionLabel]uint64
	relayBytes      map[string]uint64
	uploads         map[UploadLabel]uint64
	activeRelays    atomic.Int64
	activeUploads   atomic.Int64
}

var defaultRecorder = New()

// New constructs an empty Recorder.
func New() *Recorder {
	return &Recorder{
		routes:          make(map[string]struct{}),
		requestCount:    make(map[requestLabel]uint64),
		requestDuration: make(map[requestLabel]time.Duration),
		resolutions:     make(map[ResolutionLabel]uint64),
		relayBytes:      make(map[string]uint64),
		uploads:         make(map[UploadLabel]uint64),
	}
}

// Default returns the process-wide Recorder.
func Default() *Recorder {
	return defaultRecorder
}

// RegisterRoutes declares the paths reported verbatim in request metrics.
// Any other path is folded into "other" to keep label cardinality bounded.
func (r *Recorder) RegisterRoutes(paths ...string) {
	r.mu.Lock()
	for _, path := range paths {
		r.routes[path] = struct{}{}
	}
	r.mu.Unlock()
}

// ObserveRequest accumulates request count and cumulative duration by
// method, route and status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	r.mu.Lock()
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   r.routeLabelLocked(path),
		status: fmt.Sprintf("%d", status),
	}
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// ObserveResolution records a resolution outcome ("ok" or a failure kind) for
// the backend that produced it.
func (r *Recorder) ObserveResolution(backend, outcome string) {
	label := ResolutionLabel{Backend: normalizeName(backend), Outcome: normalizeName(outcome)}
	r.mu.Lock()
	r.resolutions[label]++
	r.mu.Unlock()
}

// AddRelayBytes counts bytes copied by the relay in the given mode
// ("stream", "stage" or "multipart").
func (r *Recorder) AddRelayBytes(mode string, n int64) {
	if n <= 0 {
		return
	}
	key := normalizeName(mode)
	r.mu.Lock()
	r.relayBytes[key] += uint64(n)
	r.mu.Unlock()
}

// RelayStarted increments the in-flight relay gauge.
func (r *Recorder) RelayStarted() {
	r.activeRelays.Add(1)
}

// RelayFinished decrements the in-flight relay gauge without going negative.
func (r *Recorder) RelayFinished() {
	decrementGauge(&r.activeRelays)
}

// UploadStarted increments the in-flight upload gauge.
func (r *Recorder) UploadStarted() {
	r.activeUploads.Add(1)
}

// UploadFinished records the phase an upload ended in with its outcome and
// decrements the in-flight gauge.
func (r *Recorder) UploadFinished(phase, outcome string) {
	label := UploadLabel{Phase: normalizeName(phase), Outcome: normalizeName(outcome)}
	r.mu.Lock()
	r.uploads[label]++
	r.mu.Unlock()
	decrementGauge(&r.activeUploads)
}

// ActiveRelays exposes the in-flight relay gauge.
func (r *Recorder) ActiveRelays() int64 {
	return r.activeRelays.Load()
}

// ActiveUploads exposes the in-flight upload gauge.
func (r *Recorder) ActiveUploads() int64 {
	return r.activeUploads.Load()
}

// ResolutionCounts returns a copy of the resolution counters.
func (r *Recorder) ResolutionCounts() map[ResolutionLabel]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[ResolutionLabel]uint64, len(r.resolutions))
	for k, v := range r.resolutions {
		out[k] = v
	}
	return out
}

// UploadCounts returns a copy of the upload outcome counters.
func (r *Recorder) UploadCounts() map[UploadLabel]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[UploadLabel]uint64, len(r.uploads))
	for k, v := range r.uploads {
		out[k] = v
	}
	return out
}

// RelayBytes returns the bytes relayed in mode.
func (r *Recorder) RelayBytes(mode string) uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.relayBytes[normalizeName(mode)]
}

// Reset clears all counters and gauges. Intended for tests.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.resolutions = make(map[ResolutionLabel]uint64)
	r.relayBytes = make(map[string]uint64)
	r.uploads = make(map[UploadLabel]uint64)
	r.activeRelays.Store(0)
	r.activeUploads.Store(0)
}

// Handler serves the Prometheus text exposition.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the metrics in Prometheus text format with label sets sorted
// for stable output.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()

	fmt.Fprintln(w, "# HELP tubebridge_http_requests_total Total number of HTTP requests processed")
	fmt.Fprintln(w, "# TYPE tubebridge_http_requests_total counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "tubebridge_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, r.requestCount[label])
	}

	fmt.Fprintln(w, "# HELP tubebridge_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE tubebridge_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "tubebridge_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, r.requestDuration[label].Seconds())
	}

	fmt.Fprintln(w, "# HELP tubebridge_resolutions_total Media URL resolutions by backend and outcome")
	fmt.Fprintln(w, "# TYPE tubebridge_resolutions_total counter")
	for _, label := range sortedPairs(r.resolutions, func(l ResolutionLabel) [2]string { return [2]string{l.Backend, l.Outcome} }) {
		fmt.Fprintf(w, "tubebridge_resolutions_total{backend=\"%s\",outcome=\"%s\"} %d\n", label.Backend, label.Outcome, r.resolutions[label])
	}

	fmt.Fprintln(w, "# HELP tubebridge_relay_bytes_total Media bytes copied by the relay")
	fmt.Fprintln(w, "# TYPE tubebridge_relay_bytes_total counter")
	modes := make([]string, 0, len(r.relayBytes))
	for mode := range r.relayBytes {
		modes = append(modes, mode)
	}
	sort.Strings(modes)
	for _, mode := range modes {
		fmt.Fprintf(w, "tubebridge_relay_bytes_total{mode=\"%s\"} %d\n", mode, r.relayBytes[mode])
	}

	fmt.Fprintln(w, "# HELP tubebridge_active_relays Relays currently copying media")
	fmt.Fprintln(w, "# TYPE tubebridge_active_relays gauge")
	fmt.Fprintf(w, "tubebridge_active_relays %d\n", r.activeRelays.Load())

	fmt.Fprintln(w, "# HELP tubebridge_uploads_total Finished uploads by phase and outcome")
	fmt.Fprintln(w, "# TYPE tubebridge_uploads_total counter")
	for _, label := range sortedPairs(r.uploads, func(l UploadLabel) [2]string { return [2]string{l.Phase, l.Outcome} }) {
		fmt.Fprintf(w, "tubebridge_uploads_total{phase=\"%s\",outcome=\"%s\"} %d\n", label.Phase, label.Outcome, r.uploads[label])
	}

	fmt.Fprintln(w, "# HELP tubebridge_active_uploads Uploads currently in flight")
	fmt.Fprintln(w, "# TYPE tubebridge_active_uploads gauge")
	fmt.Fprintf(w, "tubebridge_active_uploads %d\n", r.activeUploads.Load())
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func sortedPairs[L comparable](m map[L]uint64, key func(L) [2]string) []L {
	labels := make([]L, 0, len(m))
	for label := range m {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		a, b := key(labels[i]), key(labels[j])
		if a[0] != b[0] {
			return a[0] < b[0]
		}
		return a[1] < b[1]
	})
	return labels
}

func (r *Recorder) routeLabelLocked(path string) string {
	if path == "" {
		path = "/"
	}
	if len(path) > 1 {
		path = strings.TrimSuffix(path, "/")
	}
	if len(r.routes) == 0 {
		return path
	}
	if _, ok := r.routes[path]; ok {
		return path
	}
	return "other"
}

func decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return defaultRecorder.Handler()
}
