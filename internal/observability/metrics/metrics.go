// Package metrics keeps in-process counters for the HTTP API and wallet
// operations and renders them in the Prometheus text exposition format.
package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

const namespace = "underscore"

type requestKey struct {
	handler string
	method  string
	code    string
}

type routeKey struct {
	handler string
	method  string
}

type operationKey struct {
	op   string
	code string
}

type histogram struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

// Collector aggregates request and operation samples.
type Collector struct {
	mu         sync.Mutex
	requests   map[requestKey]uint64
	errors     map[routeKey]uint64
	latency    map[routeKey]*histogram
	operations map[operationKey]uint64
}

// NewCollector returns an empty collector.
func NewCollector() *Collector {
	return &Collector{
		requests:   make(map[requestKey]uint64),
		errors:     make(map[routeKey]uint64),
		latency:    make(map[routeKey]*histogram),
		operations: make(map[operationKey]uint64),
	}
}

var defaultCollector = NewCollector()

// Default returns the process-wide collector.
func Default() *Collector { return defaultCollector }

// ObserveHTTPRequest records one HTTP request on the default collector.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	defaultCollector.ObserveHTTPRequest(handler, method, status, duration)
}

// ObserveOperation records the outcome of one wallet operation on the default
// collector. code is "OK" for committed operations.
func ObserveOperation(op, code string) {
	defaultCollector.ObserveOperation(op, code)
}

// ObserveHTTPRequest records one HTTP request.
func (c *Collector) ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.requests[requestKey{handler: handler, method: method, code: strconv.Itoa(status)}]++
	route := routeKey{handler: handler, method: method}
	if status >= 500 {
		c.errors[route]++
	}
	hist := c.latency[route]
	if hist == nil {
		hist = newHistogram()
		c.latency[route] = hist
	}
	hist.observe(duration.Seconds())
}

// ObserveOperation records the outcome of one wallet operation.
func (c *Collector) ObserveOperation(op, code string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.operations[operationKey{op: op, code: code}]++
}

// Operations returns how many times op finished with code.
func (c *Collector) Operations(op, code string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.operations[operationKey{op: op, code: code}]
}

func newHistogram() *histogram {
	buckets := []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
	return &histogram{buckets: buckets, counts: make([]uint64, len(buckets))}
}

// observe 只累加第一个满足的桶及其后的桶；超出最后一个桶的样本只计入 count (+Inf)。
func (h *histogram) observe(value float64) {
	h.count++
	h.sum += value
	for idx, bound := range h.buckets {
		if value <= bound {
			for i := idx; i < len(h.counts); i++ {
				h.counts[i]++
			}
			return
		}
	}
}

// Handler exposes the default collector.
func Handler() http.Handler { return defaultCollector.Handler() }

// Handler exposes the collector in Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = fmt.Fprint(w, c.Render())
	})
}

// Render formats every series.
func (c *Collector) Render() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var b strings.Builder
	b.Grow(1024)

	reqs := sortedKeys(c.requests, func(a, b requestKey) bool {
		if a.handler != b.handler {
			return a.handler < b.handler
		}
		if a.method != b.method {
			return a.method < b.method
		}
		return a.code < b.code
	})
	header(&b, "http_requests_total", "counter", "Total number of HTTP requests processed.")
	for _, k := range reqs {
		fmt.Fprintf(&b, "%s_http_requests_total{handler=\"%s\",method=\"%s\",code=\"%s\"} %d\n",
			namespace, escape(k.handler), escape(k.method), k.code, c.requests[k])
	}

	routeLess := func(a, b routeKey) bool {
		if a.handler != b.handler {
			return a.handler < b.handler
		}
		return a.method < b.method
	}
	header(&b, "http_request_errors_total", "counter", "HTTP requests that resulted in a server error.")
	for _, k := range sortedKeys(c.errors, routeLess) {
		fmt.Fprintf(&b, "%s_http_request_errors_total{handler=\"%s\",method=\"%s\"} %d\n",
			namespace, escape(k.handler), escape(k.method), c.errors[k])
	}

	header(&b, "http_request_duration_seconds", "histogram", "HTTP request duration in seconds.")
	for _, k := range sortedKeys(c.latency, routeLess) {
		h := c.latency[k]
		labels := fmt.Sprintf("handler=\"%s\",method=\"%s\"", escape(k.handler), escape(k.method))
		for idx, bound := range h.buckets {
			fmt.Fprintf(&b, "%s_http_request_duration_seconds_bucket{%s,le=\"%s\"} %d\n", namespace, labels, formatFloat(bound), h.counts[idx])
		}
		fmt.Fprintf(&b, "%s_http_request_duration_seconds_bucket{%s,le=\"+Inf\"} %d\n", namespace, labels, h.count)
		fmt.Fprintf(&b, "%s_http_request_duration_seconds_sum{%s} %s\n", namespace, labels, formatFloat(h.sum))
		fmt.Fprintf(&b, "%s_http_request_duration_seconds_count{%s} %d\n", namespace, labels, h.count)
	}

	header(&b, "wallet_operations_total", "counter", "Wallet operations by outcome code.")
	for _, k := range sortedKeys(c.operations, func(a, b operationKey) bool {
		if a.op != b.op {
			return a.op < b.op
		}
		return a.code < b.code
	}) {
		fmt.Fprintf(&b, "%s_wallet_operations_total{op=\"%s\",code=\"%s\"} %d\n",
			namespace, escape(k.op), escape(k.code), c.operations[k])
	}
	return b.String()
}

func header(b *strings.Builder, name, kind, help string) {
	fmt.Fprintf(b, "# HELP %s_%s %s\n# TYPE %s_%s %s\n", namespace, name, help, namespace, name, kind)
}

func sortedKeys[K comparable, V any](m map[K]V, less func(a, b K) bool) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return less(keys[i], keys[j]) })
	return keys
}

func escape(value string) string {
	value = strings.ReplaceAll(value, "\\", "\\\\")
	value = strings.ReplaceAll(value, "\"", "\\\"")
	return strings.ReplaceAll(value, "\n", "")
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}
