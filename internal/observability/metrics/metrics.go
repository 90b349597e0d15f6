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

// Recorder aggregates in-memory metrics counters and gauges for HTTP requests,
// observer connections, broadcast fan-out, state mutations, journal traffic,
// and catalog health. It coordinates concurrent writers via a RWMutex while
// exposing a thread-safe gauge for connected observer tracking.
type Recorder struct {
	mu                 sync.RWMutex
	requestCount       map[requestLabel]uint64
	requestDuration    map[requestLabel]time.Duration
	observerEvents     map[string]uint64
	connectedObservers atomic.Int64
	broadcastCount     uint64
	deliveryResults    map[string]uint64
	mutationCount      map[string]uint64
	mutationFailures   map[string]uint64
	journalEvents      map[string]uint64
	catalogHealthValue map[string]float64
	catalogHealthState map[string]string
	catalogEvents      map[string]uint64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers can
// immediately record metrics without additional setup.
func New() *Recorder {
	return &Recorder{
		requestCount:       make(map[requestLabel]uint64),
		requestDuration:    make(map[requestLabel]time.Duration),
		observerEvents:     make(map[string]uint64),
		deliveryResults:    make(map[string]uint64),
		mutationCount:      make(map[string]uint64),
		mutationFailures:   make(map[string]uint64),
		journalEvents:      make(map[string]uint64),
		catalogHealthValue: make(map[string]float64),
		catalogHealthState: make(map[string]string),
		catalogEvents:      make(map[string]uint64),
	}
}

// Default returns the singleton Recorder instance shared across helper
// functions for packages that do not require custom instrumentation pipelines.
func Default() *Recorder {
	return defaultRecorder
}

// SetDefault replaces the singleton Recorder. It exists so tests can swap in
// an isolated recorder and restore the original afterwards.
func SetDefault(r *Recorder) {
	if r == nil {
		return
	}
	defaultRecorder = r
}

// Registry bundles a Recorder destined for a single process. Constructing one
// installs its Recorder as the package default so the helper functions and the
// registry observe the same counters.
type Registry struct {
	Recorder *Recorder
}

// NewRegistry creates a Registry backed by a fresh Recorder and installs it as
// the package default.
func NewRegistry() *Registry {
	recorder := New()
	SetDefault(recorder)
	return &Registry{Recorder: recorder}
}

// ObserveRequest normalizes the request label set and accumulates totals for
// request count and cumulative duration by HTTP method, normalized path, and
// status code.
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

// ObserverConnected records an observer registration and increments the
// connected observer gauge atomically so concurrent connections stay
// consistent.
func (r *Recorder) ObserverConnected() {
	r.incrementObserverEvent("connect")
	r.connectedObservers.Add(1)
}

// ObserverDisconnected records an observer teardown and decrements the
// connected observer gauge, guarding against negative counts when concurrent
// updates race.
func (r *Recorder) ObserverDisconnected() {
	r.incrementObserverEvent("disconnect")
	r.decrementGauge(&r.connectedObservers)
}

func (r *Recorder) incrementObserverEvent(event string) {
	normalized := normalizeName(event)
	r.mu.Lock()
	r.observerEvents[normalized]++
	r.mu.Unlock()
}

// ObserveBroadcast records one fan-out pass along with its per-observer
// delivery outcomes.
func (r *Recorder) ObserveBroadcast(delivered, failed int) {
	r.mu.Lock()
	r.broadcastCount++
	if delivered > 0 {
		r.deliveryResults["delivered"] += uint64(delivered)
	}
	if failed > 0 {
		r.deliveryResults["failed"] += uint64(failed)
	}
	r.mu.Unlock()
}

// ObserveMutation records a state mutation attempt keyed by operation name
// (e.g., "update", "select").
func (r *Recorder) ObserveMutation(operation string) {
	op := normalizeName(operation)
	r.mu.Lock()
	r.mutationCount[op]++
	r.mu.Unlock()
}

// ObserveMutationFailure records a rejected state mutation keyed by operation
// name. The caller should also record the attempt separately.
func (r *Recorder) ObserveMutationFailure(operation string) {
	op := normalizeName(operation)
	r.mu.Lock()
	r.mutationFailures[op]++
	r.mu.Unlock()
}

// ObserveJournalEvent records journal queue traffic by event type
// (e.g., "published", "dropped", "consumed").
func (r *Recorder) ObserveJournalEvent(event string) {
	normalized := normalizeName(event)
	r.mu.Lock()
	r.journalEvents[normalized]++
	r.mu.Unlock()
}

// SetCatalogHealth normalizes catalog driver identifiers, maps status strings
// to numeric health values, and stores both representations for export.
func (r *Recorder) SetCatalogHealth(driver, status string) {
	normalizedDriver := normalizeName(driver)
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
	r.catalogHealthValue[normalizedDriver] = value
	r.catalogHealthState[normalizedDriver] = normalizedStatus
	r.mu.Unlock()
}

// ObserveCatalogEvent records catalog loader activity by event type
// (e.g., "loaded", "skipped", "reloaded", "removed").
func (r *Recorder) ObserveCatalogEvent(event string) {
	normalized := normalizeName(event)
	r.mu.Lock()
	r.catalogEvents[normalized]++
	r.mu.Unlock()
}

// ConnectedObservers exposes the current gauge of connected observers.
func (r *Recorder) ConnectedObservers() int64 {
	return r.connectedObservers.Load()
}

// MutationCounts returns copies of mutation attempt and failure counters for
// testing and reporting purposes.
func (r *Recorder) MutationCounts() (attempts map[string]uint64, failures map[string]uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	attempts = make(map[string]uint64, len(r.mutationCount))
	for k, v := range r.mutationCount {
		attempts[k] = v
	}
	failures = make(map[string]uint64, len(r.mutationFailures))
	for k, v := range r.mutationFailures {
		failures[k] = v
	}
	return attempts, failures
}

// Reset clears all counters and gauges on the recorder. It is intended for
// test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.observerEvents = make(map[string]uint64)
	r.broadcastCount = 0
	r.deliveryResults = make(map[string]uint64)
	r.mutationCount = make(map[string]uint64)
	r.mutationFailures = make(map[string]uint64)
	r.journalEvents = make(map[string]uint64)
	r.catalogHealthValue = make(map[string]float64)
	r.catalogHealthState = make(map[string]string)
	r.catalogEvents = make(map[string]uint64)
	r.connectedObservers.Store(0)
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
	observerEvents := sortedKeys(r.observerEvents)
	deliveryResults := sortedKeys(r.deliveryResults)
	mutationOperations := r.sortedMutationOperations()
	journalEvents := sortedKeys(r.journalEvents)
	catalogDrivers := sortedFloatKeys(r.catalogHealthValue)
	catalogEvents := sortedKeys(r.catalogEvents)

	fmt.Fprintln(w, "# HELP transportd_http_requests_total Total number of HTTP requests processed by the API")
	fmt.Fprintln(w, "# TYPE transportd_http_requests_total counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "transportd_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP transportd_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE transportd_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		duration := r.requestDuration[label].Seconds()
		fmt.Fprintf(w, "transportd_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, duration)
	}

	fmt.Fprintln(w, "# HELP transportd_http_request_duration_seconds_count Total number of observations for request durations")
	fmt.Fprintln(w, "# TYPE transportd_http_request_duration_seconds_count counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "transportd_http_request_duration_seconds_count{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP transportd_observer_events_total Observer lifecycle events by type")
	fmt.Fprintln(w, "# TYPE transportd_observer_events_total counter")
	for _, event := range observerEvents {
		value := r.observerEvents[event]
		fmt.Fprintf(w, "transportd_observer_events_total{event=\"%s\"} %d\n", event, value)
	}

	fmt.Fprintln(w, "# HELP transportd_connected_observers Current number of connected observers")
	fmt.Fprintln(w, "# TYPE transportd_connected_observers gauge")
	fmt.Fprintf(w, "transportd_connected_observers %d\n", r.connectedObservers.Load())

	fmt.Fprintln(w, "# HELP transportd_broadcasts_total Total number of snapshot fan-out passes")
	fmt.Fprintln(w, "# TYPE transportd_broadcasts_total counter")
	fmt.Fprintf(w, "transportd_broadcasts_total %d\n", r.broadcastCount)

	fmt.Fprintln(w, "# HELP transportd_broadcast_deliveries_total Per-observer delivery outcomes across all broadcasts")
	fmt.Fprintln(w, "# TYPE transportd_broadcast_deliveries_total counter")
	for _, result := range deliveryResults {
		count := r.deliveryResults[result]
		fmt.Fprintf(w, "transportd_broadcast_deliveries_total{result=\"%s\"} %d\n", result, count)
	}

	fmt.Fprintln(w, "# HELP transportd_state_mutations_total State mutations attempted by operation")
	fmt.Fprintln(w, "# TYPE transportd_state_mutations_total counter")
	for _, op := range mutationOperations {
		count := r.mutationCount[op]
		fmt.Fprintf(w, "transportd_state_mutations_total{operation=\"%s\"} %d\n", op, count)
	}

	fmt.Fprintln(w, "# HELP transportd_state_mutation_failures_total State mutation failures by operation")
	fmt.Fprintln(w, "# TYPE transportd_state_mutation_failures_total counter")
	for _, op := range mutationOperations {
		count := r.mutationFailures[op]
		fmt.Fprintf(w, "transportd_state_mutation_failures_total{operation=\"%s\"} %d\n", op, count)
	}

	fmt.Fprintln(w, "# HELP transportd_journal_events_total Journal queue events by type")
	fmt.Fprintln(w, "# TYPE transportd_journal_events_total counter")
	for _, event := range journalEvents {
		count := r.journalEvents[event]
		fmt.Fprintf(w, "transportd_journal_events_total{event=\"%s\"} %d\n", event, count)
	}

	fmt.Fprintln(w, "# HELP transportd_catalog_health Health status reported by catalog drivers (1=ok,0=disabled,-1=degraded)")
	fmt.Fprintln(w, "# TYPE transportd_catalog_health gauge")
	for _, driver := range catalogDrivers {
		value := r.catalogHealthValue[driver]
		status := r.catalogHealthState[driver]
		fmt.Fprintf(w, "transportd_catalog_health{driver=\"%s\",status=\"%s\"} %f\n", driver, status, value)
	}

	fmt.Fprintln(w, "# HELP transportd_catalog_events_total Catalog loader events by type")
	fmt.Fprintln(w, "# TYPE transportd_catalog_events_total counter")
	for _, event := range catalogEvents {
		count := r.catalogEvents[event]
		fmt.Fprintf(w, "transportd_catalog_events_total{event=\"%s\"} %d\n", event, count)
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

func (r *Recorder) sortedMutationOperations() []string {
	seen := make(map[string]struct{}, len(r.mutationCount)+len(r.mutationFailures))
	for op := range r.mutationCount {
		seen[op] = struct{}{}
	}
	for op := range r.mutationFailures {
		seen[op] = struct{}{}
	}
	ops := make([]string, 0, len(seen))
	for op := range seen {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	return ops
}

func sortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func sortedFloatKeys(m map[string]float64) []string {
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
			continue
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

// looksLikeIdentifier flags path segments that would explode label
// cardinality. Fixed route words stay below twelve characters; UUIDs and
// digit-bearing slugs do not.
func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 12 {
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

// ObserverConnected increments counters on the default recorder.
func ObserverConnected() {
	defaultRecorder.ObserverConnected()
}

// ObserverDisconnected decrements connected observers on the default recorder.
func ObserverDisconnected() {
	defaultRecorder.ObserverDisconnected()
}

// ObserveBroadcast records a fan-out pass on the default recorder.
func ObserveBroadcast(delivered, failed int) {
	defaultRecorder.ObserveBroadcast(delivered, failed)
}

// ObserveMutation records a state mutation on the default recorder.
func ObserveMutation(operation string) {
	defaultRecorder.ObserveMutation(operation)
}

// ObserveMutationFailure records a rejected mutation on the default recorder.
func ObserveMutationFailure(operation string) {
	defaultRecorder.ObserveMutationFailure(operation)
}

// ObserveJournalEvent records journal traffic on the default recorder.
func ObserveJournalEvent(event string) {
	defaultRecorder.ObserveJournalEvent(event)
}

// SetCatalogHealth updates catalog health for the default recorder.
func SetCatalogHealth(driver, status string) {
	defaultRecorder.SetCatalogHealth(driver, status)
}

// ObserveCatalogEvent records catalog loader activity on the default recorder.
func ObserveCatalogEvent(event string) {
	defaultRecorder.ObserveCatalogEvent(event)
}

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return defaultRecorder.Handler()
}
