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

// SessionLabel identifies a finished relay session by outcome ("completed" or
// "failed") and, for failures, the reason.
type SessionLabel struct {
	Outcome string
	Reason  string
}

// Recorder aggregates in-memory counters and gauges for HTTP requests, relay
// session lifecycle, lock traffic, relay processes and dependency health.
type Recorder struct {
	mu              sync.RWMutex
	requestCount    map[requestLabel]uint64
	requestDuration map[requestLabel]time.Duration
	sessionsStarted uint64
	sessionEnds     map[SessionLabel]uint64
	lockEvents      map[string]uint64
	processEvents   map[string]uint64
	healthValue     map[string]float64
	healthState     map[string]string
	activeSessions  atomic.Int64
	bytesRelayed    atomic.Int64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps.
func New() *Recorder {
	return &Recorder{
		requestCount:    make(map[requestLabel]uint64),
		requestDuration: make(map[requestLabel]time.Duration),
		sessionEnds:     make(map[SessionLabel]uint64),
		lockEvents:      make(map[string]uint64),
		processEvents:   make(map[string]uint64),
		healthValue:     make(map[string]float64),
		healthState:     make(map[string]string),
	}
}

// Default returns the process-wide Recorder.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest accumulates request count and cumulative duration by HTTP
// method, normalized path and status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// SessionStarted counts a session that reached streaming and bumps the
// active session gauge.
func (r *Recorder) SessionStarted() {
	r.mu.Lock()
	r.sessionsStarted++
	r.mu.Unlock()
	r.activeSessions.Add(1)
}

// SessionEnded records how a session finished. wasActive must be true only for
// sessions previously passed to SessionStarted.
func (r *Recorder) SessionEnded(outcome, reason string, wasActive bool) {
	label := SessionLabel{Outcome: normalizeName(outcome), Reason: normalizeName(reason)}
	if label.Outcome == "completed" && strings.TrimSpace(reason) == "" {
		label.Reason = "none"
	}
	r.mu.Lock()
	r.sessionEnds[label]++
	r.mu.Unlock()
	if wasActive {
		r.decrementGauge(&r.activeSessions)
	}
}

// AddBytesRelayed adds n bytes delivered to clients.
func (r *Recorder) AddBytesRelayed(n int64) {
	if n > 0 {
		r.bytesRelayed.Add(n)
	}
}

// ObserveLock records a lock store interaction ("acquired", "busy", "error",
// "released", "release_failed", "extended", "extend_failed").
func (r *Recorder) ObserveLock(event string) {
	normalized := normalizeName(event)
	r.mu.Lock()
	r.lockEvents[normalized]++
	r.mu.Unlock()
}

// ObserveProcess records a relay process lifecycle event.
func (r *Recorder) ObserveProcess(event string) {
	normalized := normalizeName(event)
	r.mu.Lock()
	r.processEvents[normalized]++
	r.mu.Unlock()
}

// SetHealth stores the last health probe result for a dependency.
func (r *Recorder) SetHealth(component, status string) {
	normalizedComponent := normalizeName(component)
	normalizedStatus := strings.ToLower(strings.TrimSpace(status))
	value := 0.0
	switch normalizedStatus {
	case "ok", "healthy":
		value = 1
	case "disabled":
		value = 0
	default:
		value = -1
	}
	r.mu.Lock()
	r.healthValue[normalizedComponent] = value
	r.healthState[normalizedComponent] = normalizedStatus
	r.mu.Unlock()
}

// ActiveSessions exposes the current gauge of relaying sessions.
func (r *Recorder) ActiveSessions() int64 {
	return r.activeSessions.Load()
}

// BytesRelayed exposes the total bytes delivered to clients.
func (r *Recorder) BytesRelayed() int64 {
	return r.bytesRelayed.Load()
}

// SessionCounts returns copies of the session counters.
func (r *Recorder) SessionCounts() (started uint64, ended map[SessionLabel]uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ended = make(map[SessionLabel]uint64, len(r.sessionEnds))
	for k, v := range r.sessionEnds {
		ended[k] = v
	}
	return r.sessionsStarted, ended
}

// LockCounts returns a copy of the lock event counters.
func (r *Recorder) LockCounts() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]uint64, len(r.lockEvents))
	for k, v := range r.lockEvents {
		out[k] = v
	}
	return out
}

// Reset clears all counters and gauges. It is intended for test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.sessionsStarted = 0
	r.sessionEnds = make(map[SessionLabel]uint64)
	r.lockEvents = make(map[string]uint64)
	r.processEvents = make(map[string]uint64)
	r.healthValue = make(map[string]float64)
	r.healthState = make(map[string]string)
	r.activeSessions.Store(0)
	r.bytesRelayed.Store(0)
}

// Handler exposes the Recorder as an http.Handler that writes Prometheus text
// exposition data with the appropriate content type.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the Recorder's metrics in Prometheus text format, sorting label
// sets to provide stable output for scrapes and tests.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()
	sessionLabels := r.sortedSessionLabels()
	lockEvents := sortedKeys(r.lockEvents)
	processEvents := sortedKeys(r.processEvents)
	components := sortedKeys(r.healthValue)

	fmt.Fprintln(w, "# HELP relay_http_requests_total Total number of HTTP requests processed")
	fmt.Fprintln(w, "# TYPE relay_http_requests_total counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "relay_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP relay_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE relay_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		duration := r.requestDuration[label].Seconds()
		fmt.Fprintf(w, "relay_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, duration)
	}

	fmt.Fprintln(w, "# HELP relay_sessions_started_total Relay sessions that reached streaming")
	fmt.Fprintln(w, "# TYPE relay_sessions_started_total counter")
	fmt.Fprintf(w, "relay_sessions_started_total %d\n", r.sessionsStarted)

	fmt.Fprintln(w, "# HELP relay_sessions_finished_total Relay sessions by outcome and failure reason")
	fmt.Fprintln(w, "# TYPE relay_sessions_finished_total counter")
	for _, label := range sessionLabels {
		count := r.sessionEnds[label]
		fmt.Fprintf(w, "relay_sessions_finished_total{outcome=\"%s\",reason=\"%s\"} %d\n", label.Outcome, label.Reason, count)
	}

	fmt.Fprintln(w, "# HELP relay_active_sessions Current number of relaying sessions")
	fmt.Fprintln(w, "# TYPE relay_active_sessions gauge")
	fmt.Fprintf(w, "relay_active_sessions %d\n", r.activeSessions.Load())

	fmt.Fprintln(w, "# HELP relay_bytes_relayed_total Bytes delivered to clients")
	fmt.Fprintln(w, "# TYPE relay_bytes_relayed_total counter")
	fmt.Fprintf(w, "relay_bytes_relayed_total %d\n", r.bytesRelayed.Load())

	fmt.Fprintln(w, "# HELP relay_lock_events_total Channel lock operations by result")
	fmt.Fprintln(w, "# TYPE relay_lock_events_total counter")
	for _, event := range lockEvents {
		fmt.Fprintf(w, "relay_lock_events_total{event=\"%s\"} %d\n", event, r.lockEvents[event])
	}

	fmt.Fprintln(w, "# HELP relay_process_events_total Relay process lifecycle events")
	fmt.Fprintln(w, "# TYPE relay_process_events_total counter")
	for _, event := range processEvents {
		fmt.Fprintf(w, "relay_process_events_total{event=\"%s\"} %d\n", event, r.processEvents[event])
	}

	fmt.Fprintln(w, "# HELP relay_dependency_health Health reported by dependencies (1=ok,0=disabled,-1=degraded)")
	fmt.Fprintln(w, "# TYPE relay_dependency_health gauge")
	for _, component := range components {
		fmt.Fprintf(w, "relay_dependency_health{component=\"%s\",status=\"%s\"} %f\n", component, r.healthState[component], r.healthValue[component])
	}
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

func (r *Recorder) sortedSessionLabels() []SessionLabel {
	labels := make([]SessionLabel, 0, len(r.sessionEnds))
	for label := range r.sessionEnds {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].Outcome != labels[j].Outcome {
			return labels[i].Outcome < labels[j].Outcome
		}
		return labels[i].Reason < labels[j].Reason
	})
	return labels
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

// looksLikeIdentifier treats all-digit segments (channel numbers) and long
// segments mixing digits as identifiers.
func looksLikeIdentifier(segment string) bool {
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	if digitCount == 0 {
		return false
	}
	return digitCount == len(segment) || digitCount >= 3 || len(segment) >= 8
}

func (r *Recorder) decrementGauge(gauge *atomic.Int64) {
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

// ObserveRequest is a helper on the default recorder.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	defaultRecorder.ObserveRequest(method, path, status, duration)
}

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return defaultRecorder.Handler()
}
