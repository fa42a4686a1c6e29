// Package metrics aggregates in-memory counters and gauges for the
// synchronization service and renders them in Prometheus text exposition
// format.
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

// Recorder aggregates HTTP request metrics, websocket message dispatch
// counters, event-bus traffic, and shared-store failures. Writers coordinate
// via a RWMutex; the attachment and viewer gauges are lock-free atomics.
type Recorder struct {
	mu              sync.RWMutex
	requestCount    map[requestLabel]uint64
	requestDuration map[requestLabel]time.Duration
	messages        map[string]uint64
	messageErrors   map[string]uint64
	busEvents       map[string]uint64
	storeFailures   map[string]uint64
	attachedParties atomic.Int64
	localViewers    atomic.Int64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers
// can immediately record metrics without additional setup.
func New() *Recorder {
	return &Recorder{
		requestCount:    make(map[requestLabel]uint64),
		requestDuration: make(map[requestLabel]time.Duration),
		messages:        make(map[string]uint64),
		messageErrors:   make(map[string]uint64),
		busEvents:       make(map[string]uint64),
		storeFailures:   make(map[string]uint64),
	}
}

// Default returns the singleton Recorder shared by packages that do not
// require a custom instrumentation pipeline.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest accumulates request count and cumulative duration by HTTP
// method, path, and status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   path,
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// ObserveMessage counts one dispatched protocol message by type.
func (r *Recorder) ObserveMessage(messageType string) {
	r.mu.Lock()
	r.messages[normalizeName(messageType)]++
	r.mu.Unlock()
}

// ObserveMessageError counts one rejected protocol message by request type.
func (r *Recorder) ObserveMessageError(messageType string) {
	r.mu.Lock()
	r.messageErrors[normalizeName(messageType)]++
	r.mu.Unlock()
}

// ObserveBusEvent counts one event received from the shared event bus.
func (r *Recorder) ObserveBusEvent(eventType string) {
	r.mu.Lock()
	r.busEvents[normalizeName(eventType)]++
	r.mu.Unlock()
}

// ObserveStoreFailure counts one failed shared-store operation.
func (r *Recorder) ObserveStoreFailure(op string) {
	r.mu.Lock()
	r.storeFailures[normalizeName(op)]++
	r.mu.Unlock()
}

// SetAttachedParties records the current number of locally attached parties.
func (r *Recorder) SetAttachedParties(n int64) {
	r.attachedParties.Store(n)
}

// SetLocalViewers records the current number of local subscribed connections.
func (r *Recorder) SetLocalViewers(n int64) {
	r.localViewers.Store(n)
}

// AttachedParties exposes the current attached-party gauge.
func (r *Recorder) AttachedParties() int64 {
	return r.attachedParties.Load()
}

// LocalViewers exposes the current local viewer gauge.
func (r *Recorder) LocalViewers() int64 {
	return r.localViewers.Load()
}

// MessageCounts returns copies of the message and message-error counters for
// testing and reporting purposes.
func (r *Recorder) MessageCounts() (messages, errors map[string]uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	messages = make(map[string]uint64, len(r.messages))
	for k, v := range r.messages {
		messages[k] = v
	}
	errors = make(map[string]uint64, len(r.messageErrors))
	for k, v := range r.messageErrors {
		errors[k] = v
	}
	return messages, errors
}

// BusEventCounts returns a copy of the bus event counters.
func (r *Recorder) BusEventCounts() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	events := make(map[string]uint64, len(r.busEvents))
	for k, v := range r.busEvents {
		events[k] = v
	}
	return events
}

// StoreFailureCounts returns a copy of the store failure counters.
func (r *Recorder) StoreFailureCounts() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	failures := make(map[string]uint64, len(r.storeFailures))
	for k, v := range r.storeFailures {
		failures[k] = v
	}
	return failures
}

// Reset clears all counters and gauges. It is intended for test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.messages = make(map[string]uint64)
	r.messageErrors = make(map[string]uint64)
	r.busEvents = make(map[string]uint64)
	r.storeFailures = make(map[string]uint64)
	r.attachedParties.Store(0)
	r.localViewers.Store(0)
}

// Handler exposes the Recorder as an http.Handler writing Prometheus text
// exposition data with the appropriate content type.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the metrics in Prometheus text format, sorting label sets to
// provide stable output for scrapes and tests.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()
	messages := sortedKeys(r.messages)
	messageErrors := sortedKeys(r.messageErrors)
	busEvents := sortedKeys(r.busEvents)
	storeFailures := sortedKeys(r.storeFailures)

	fmt.Fprintln(w, "# HELP partywatch_http_requests_total Total number of HTTP requests processed")
	fmt.Fprintln(w, "# TYPE partywatch_http_requests_total counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "partywatch_http_requests_total{method=%q,path=%q,status=%q} %d\n", label.method, label.path, label.status, r.requestCount[label])
	}

	fmt.Fprintln(w, "# HELP partywatch_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE partywatch_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "partywatch_http_request_duration_seconds_sum{method=%q,path=%q,status=%q} %f\n", label.method, label.path, label.status, r.requestDuration[label].Seconds())
	}

	fmt.Fprintln(w, "# HELP partywatch_messages_total Protocol messages dispatched by type")
	fmt.Fprintln(w, "# TYPE partywatch_messages_total counter")
	for _, name := range messages {
		fmt.Fprintf(w, "partywatch_messages_total{type=%q} %d\n", name, r.messages[name])
	}

	fmt.Fprintln(w, "# HELP partywatch_message_errors_total Rejected protocol messages by request type")
	fmt.Fprintln(w, "# TYPE partywatch_message_errors_total counter")
	for _, name := range messageErrors {
		fmt.Fprintf(w, "partywatch_message_errors_total{type=%q} %d\n", name, r.messageErrors[name])
	}

	fmt.Fprintln(w, "# HELP partywatch_bus_events_total Event-bus events received by type")
	fmt.Fprintln(w, "# TYPE partywatch_bus_events_total counter")
	for _, name := range busEvents {
		fmt.Fprintf(w, "partywatch_bus_events_total{type=%q} %d\n", name, r.busEvents[name])
	}

	fmt.Fprintln(w, "# HELP partywatch_store_failures_total Shared-store operation failures by operation")
	fmt.Fprintln(w, "# TYPE partywatch_store_failures_total counter")
	for _, name := range storeFailures {
		fmt.Fprintf(w, "partywatch_store_failures_total{op=%q} %d\n", name, r.storeFailures[name])
	}

	fmt.Fprintln(w, "# HELP partywatch_attached_parties Parties with at least one local subscriber")
	fmt.Fprintln(w, "# TYPE partywatch_attached_parties gauge")
	fmt.Fprintf(w, "partywatch_attached_parties %d\n", r.attachedParties.Load())

	fmt.Fprintln(w, "# HELP partywatch_local_viewers Local connections subscribed to any party")
	fmt.Fprintln(w, "# TYPE partywatch_local_viewers gauge")
	fmt.Fprintf(w, "partywatch_local_viewers %d\n", r.localViewers.Load())
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func sortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
