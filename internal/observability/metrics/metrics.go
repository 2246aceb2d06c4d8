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

// Recorder aggregates in-memory counters and gauges for HTTP traffic, stream
// lifecycle events, viewer sessions, wallet activity, and settlement runs. It
// coordinates concurrent writers with a RWMutex and exposes atomic gauges for
// active streams and sessions.
type Recorder struct {
	mu               sync.RWMutex
	requestCount     map[requestLabel]uint64
	requestDuration  map[requestLabel]time.Duration
	streamEvents     map[string]uint64
	sessionEvents    map[string]uint64
	walletEvents     map[string]uint64
	walletSeconds    map[string]int64
	minutesRecorded  uint64
	settlementRuns   map[string]uint64
	settledMinutes   uint64
	settledCents     int64
	publishedEvents  map[string]uint64
	publishFailures  map[string]uint64
	activeStreams    atomic.Int64
	activeSessions   atomic.Int64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers
// can record immediately.
func New() *Recorder {
	return &Recorder{
		requestCount:    make(map[requestLabel]uint64),
		requestDuration: make(map[requestLabel]time.Duration),
		streamEvents:    make(map[string]uint64),
		sessionEvents:   make(map[string]uint64),
		walletEvents:    make(map[string]uint64),
		walletSeconds:   make(map[string]int64),
		settlementRuns:  make(map[string]uint64),
		publishedEvents: make(map[string]uint64),
		publishFailures: make(map[string]uint64),
	}
}

// Default returns the shared Recorder used by packages that do not wire a
// dedicated instrumentation pipeline.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest accumulates request count and cumulative duration by method,
// normalized path, and status code.
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

// StreamStarted records a broadcast going live and bumps the active gauge.
func (r *Recorder) StreamStarted() {
	r.incrementEvent(r.streamEvents, "start")
	r.activeStreams.Add(1)
}

// StreamEnded records a broadcast ending, labeled by how it ended ("ended" or
// "timeout"), and decrements the active gauge.
func (r *Recorder) StreamEnded(how string) {
	r.incrementEvent(r.streamEvents, how)
	decrementGauge(&r.activeStreams)
}

// SessionStarted records a viewer join and bumps the active session gauge.
func (r *Recorder) SessionStarted() {
	r.incrementEvent(r.sessionEvents, "join")
	r.activeSessions.Add(1)
}

// SessionEnded records a session ending by reason (left, superseded,
// heartbeat_timeout, stream_ended, minutes_exhausted) and decrements the
// active session gauge.
func (r *Recorder) SessionEnded(reason string) {
	r.incrementEvent(r.sessionEvents, reason)
	decrementGauge(&r.activeSessions)
}

// ObserveWalletEvent tracks a ledger action and the watch-time seconds moved.
func (r *Recorder) ObserveWalletEvent(action string, seconds int64) {
	name := normalizeName(action)
	r.mu.Lock()
	r.walletEvents[name]++
	r.walletSeconds[name] += seconds
	r.mu.Unlock()
}

// ObserveMinutesRecorded counts viewer-minutes written by the usage recorder.
func (r *Recorder) ObserveMinutesRecorded(count int) {
	if count <= 0 {
		return
	}
	r.mu.Lock()
	r.minutesRecorded += uint64(count)
	r.mu.Unlock()
}

// ObserveSettlement records the outcome of one settlement run. Successful
// runs also accumulate the minutes and cents they billed.
func (r *Recorder) ObserveSettlement(outcome string, minutes, cents int64) {
	name := normalizeName(outcome)
	r.mu.Lock()
	r.settlementRuns[name]++
	if minutes > 0 {
		r.settledMinutes += uint64(minutes)
	}
	if cents > 0 {
		r.settledCents += cents
	}
	r.mu.Unlock()
}

// ObserveEventPublished counts billing events pushed to the queue by type.
func (r *Recorder) ObserveEventPublished(eventType string) {
	r.incrementEvent(r.publishedEvents, eventType)
}

// ObserveEventPublishFailure counts failed publishes by event type.
func (r *Recorder) ObserveEventPublishFailure(eventType string) {
	r.incrementEvent(r.publishFailures, eventType)
}

func (r *Recorder) incrementEvent(counters map[string]uint64, name string) {
	normalized := normalizeName(name)
	r.mu.Lock()
	counters[normalized]++
	r.mu.Unlock()
}

// ActiveStreams exposes the current gauge of live broadcasts.
func (r *Recorder) ActiveStreams() int64 {
	return r.activeStreams.Load()
}

// ActiveSessions exposes the current gauge of active viewer sessions.
func (r *Recorder) ActiveSessions() int64 {
	return r.activeSessions.Load()
}

// SessionCounts returns a copy of the session event counters for tests.
func (r *Recorder) SessionCounts() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[string]uint64, len(r.sessionEvents))
	for k, v := range r.sessionEvents {
		counts[k] = v
	}
	return counts
}

// SettlementCounts returns the settlement run counters plus cumulative
// settled minutes and cents.
func (r *Recorder) SettlementCounts() (runs map[string]uint64, minutes uint64, cents int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	runs = make(map[string]uint64, len(r.settlementRuns))
	for k, v := range r.settlementRuns {
		runs[k] = v
	}
	return runs, r.settledMinutes, r.settledCents
}

// Reset clears all counters and gauges. Intended for test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.streamEvents = make(map[string]uint64)
	r.sessionEvents = make(map[string]uint64)
	r.walletEvents = make(map[string]uint64)
	r.walletSeconds = make(map[string]int64)
	r.minutesRecorded = 0
	r.settlementRuns = make(map[string]uint64)
	r.settledMinutes = 0
	r.settledCents = 0
	r.publishedEvents = make(map[string]uint64)
	r.publishFailures = make(map[string]uint64)
	r.activeStreams.Store(0)
	r.activeSessions.Store(0)
}

// Handler exposes the Recorder as an http.Handler writing Prometheus text
// exposition data.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the metrics in Prometheus text format with label sets sorted
// for stable scrapes.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()

	fmt.Fprintln(w, "# HELP livkit_http_requests_total Total number of HTTP requests processed by the API")
	fmt.Fprintln(w, "# TYPE livkit_http_requests_total counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "livkit_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n",
			label.method, label.path, label.status, r.requestCount[label])
	}

	fmt.Fprintln(w, "# HELP livkit_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE livkit_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "livkit_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n",
			label.method, label.path, label.status, r.requestDuration[label].Seconds())
	}

	fmt.Fprintln(w, "# HELP livkit_stream_events_total Stream lifecycle events by type")
	fmt.Fprintln(w, "# TYPE livkit_stream_events_total counter")
	for _, event := range sortedKeys(r.streamEvents) {
		fmt.Fprintf(w, "livkit_stream_events_total{event=\"%s\"} %d\n", event, r.streamEvents[event])
	}

	fmt.Fprintln(w, "# HELP livkit_active_streams Current number of live broadcasts")
	fmt.Fprintln(w, "# TYPE livkit_active_streams gauge")
	fmt.Fprintf(w, "livkit_active_streams %d\n", r.activeStreams.Load())

	fmt.Fprintln(w, "# HELP livkit_session_events_total Viewer session events by type")
	fmt.Fprintln(w, "# TYPE livkit_session_events_total counter")
	for _, event := range sortedKeys(r.sessionEvents) {
		fmt.Fprintf(w, "livkit_session_events_total{event=\"%s\"} %d\n", event, r.sessionEvents[event])
	}

	fmt.Fprintln(w, "# HELP livkit_active_sessions Current number of active viewer sessions")
	fmt.Fprintln(w, "# TYPE livkit_active_sessions gauge")
	fmt.Fprintf(w, "livkit_active_sessions %d\n", r.activeSessions.Load())

	fmt.Fprintln(w, "# HELP livkit_wallet_events_total Wallet ledger actions by type")
	fmt.Fprintln(w, "# TYPE livkit_wallet_events_total counter")
	for _, action := range sortedKeys(r.walletEvents) {
		fmt.Fprintf(w, "livkit_wallet_events_total{action=\"%s\"} %d\n", action, r.walletEvents[action])
	}

	fmt.Fprintln(w, "# HELP livkit_wallet_seconds_sum Watch-time seconds moved per ledger action")
	fmt.Fprintln(w, "# TYPE livkit_wallet_seconds_sum counter")
	for _, action := range sortedKeys(r.walletEvents) {
		fmt.Fprintf(w, "livkit_wallet_seconds_sum{action=\"%s\"} %d\n", action, r.walletSeconds[action])
	}

	fmt.Fprintln(w, "# HELP livkit_viewer_minutes_recorded_total Billable viewer-minutes recorded")
	fmt.Fprintln(w, "# TYPE livkit_viewer_minutes_recorded_total counter")
	fmt.Fprintf(w, "livkit_viewer_minutes_recorded_total %d\n", r.minutesRecorded)

	fmt.Fprintln(w, "# HELP livkit_settlement_runs_total Settlement runs by outcome")
	fmt.Fprintln(w, "# TYPE livkit_settlement_runs_total counter")
	for _, outcome := range sortedKeys(r.settlementRuns) {
		fmt.Fprintf(w, "livkit_settlement_runs_total{outcome=\"%s\"} %d\n", outcome, r.settlementRuns[outcome])
	}

	fmt.Fprintln(w, "# HELP livkit_settled_minutes_total Viewer-minutes converted into earnings")
	fmt.Fprintln(w, "# TYPE livkit_settled_minutes_total counter")
	fmt.Fprintf(w, "livkit_settled_minutes_total %d\n", r.settledMinutes)

	fmt.Fprintln(w, "# HELP livkit_settled_cents_total Host earnings settled in cents")
	fmt.Fprintln(w, "# TYPE livkit_settled_cents_total counter")
	fmt.Fprintf(w, "livkit_settled_cents_total %d\n", r.settledCents)

	fmt.Fprintln(w, "# HELP livkit_events_published_total Billing events published to the queue by type")
	fmt.Fprintln(w, "# TYPE livkit_events_published_total counter")
	for _, event := range sortedKeys(r.publishedEvents) {
		fmt.Fprintf(w, "livkit_events_published_total{type=\"%s\"} %d\n", event, r.publishedEvents[event])
	}

	fmt.Fprintln(w, "# HELP livkit_event_publish_failures_total Failed billing event publishes by type")
	fmt.Fprintln(w, "# TYPE livkit_event_publish_failures_total counter")
	for _, event := range sortedKeys(r.publishFailures) {
		fmt.Fprintf(w, "livkit_event_publish_failures_total{type=\"%s\"} %d\n", event, r.publishFailures[event])
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

func sortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
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

func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 16 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
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
