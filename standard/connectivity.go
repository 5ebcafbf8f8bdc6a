package standard

import (
	"sort"
	"sync"
	"time"

	"github.com/st-keller/ota-client/clock"
)

// ConnectionCall represents a single call to a remote endpoint.
type ConnectionCall struct {
	Timestamp time.Time
	Success   bool
	Latency   time.Duration
	Error     string
}

// Connection tracks connectivity to a single remote endpoint.
type Connection struct {
	Service string
	URL     string
	calls   []ConnectionCall
}

// ConnectivityTracker records the outcome and latency of every call to the
// update server, keyed by service name ("check", "activate", "status",
// "firmware", "content").
type ConnectivityTracker struct {
	mu          sync.Mutex
	clock       clock.Clock
	window      time.Duration
	connections map[string]*Connection
}

// NewConnectivityTracker creates a tracker keeping one hour of calls. A nil
// clock uses the real one.
func NewConnectivityTracker(c clock.Clock) *ConnectivityTracker {
	if c == nil {
		c = clock.Real()
	}
	return &ConnectivityTracker{
		clock:       c,
		window:      time.Hour,
		connections: make(map[string]*Connection),
	}
}

// TrackSuccess records a successful call.
func (t *ConnectivityTracker) TrackSuccess(service, url string, latency time.Duration) {
	t.track(service, url, ConnectionCall{Success: true, Latency: latency})
}

// TrackFailure records a failed call.
func (t *ConnectivityTracker) TrackFailure(service, url string, latency time.Duration, errorMsg string) {
	t.track(service, url, ConnectionCall{Latency: latency, Error: errorMsg})
}

func (t *ConnectivityTracker) track(service, url string, call ConnectionCall) {
	t.mu.Lock()
	defer t.mu.Unlock()

	call.Timestamp = t.clock.Now().UTC()
	conn := t.getOrCreateConnection(service, url)
	conn.URL = url
	conn.calls = append(conn.calls, call)
	t.pruneOldCalls(conn)
}

func (t *ConnectivityTracker) getOrCreateConnection(service, url string) *Connection {
	if conn, exists := t.connections[service]; exists {
		return conn
	}
	conn := &Connection{Service: service, URL: url}
	t.connections[service] = conn
	return conn
}

// pruneOldCalls drops calls older than the window.
func (t *ConnectivityTracker) pruneOldCalls(conn *Connection) {
	cutoff := t.clock.Now().Add(-t.window)
	for i, call := range conn.calls {
		if call.Timestamp.After(cutoff) {
			conn.calls = conn.calls[i:]
			return
		}
	}
	conn.calls = nil
}

// Summary returns per-service success rate, latency percentiles and recent
// errors.
func (t *ConnectivityTracker) Summary() map[string]any {
	t.mu.Lock()
	defer t.mu.Unlock()

	services := make([]string, 0, len(t.connections))
	for name := range t.connections {
		services = append(services, name)
	}
	sort.Strings(services)

	outbound := make([]map[string]any, 0, len(services))
	for _, name := range services {
		conn := t.connections[name]
		t.pruneOldCalls(conn)
		if len(conn.calls) == 0 {
			continue
		}

		var successCount int
		var lastCall time.Time
		latencies := make([]float64, 0, len(conn.calls))
		recentErrors := make([]string, 0)
		for _, call := range conn.calls {
			if call.Success {
				successCount++
			} else if len(recentErrors) < 5 {
				recentErrors = append(recentErrors, call.Error)
			}
			latencies = append(latencies, float64(call.Latency.Milliseconds()))
			if call.Timestamp.After(lastCall) {
				lastCall = call.Timestamp
			}
		}

		successRate := float64(successCount) / float64(len(conn.calls))
		sort.Float64s(latencies)

		status := "healthy"
		if successRate < 0.9 {
			status = "unhealthy"
		} else if successRate < 0.95 {
			status = "degraded"
		}

		outbound = append(outbound, map[string]any{
			"service":         conn.Service,
			"url":             conn.URL,
			"status":          status,
			"last_call":       lastCall.Format(time.RFC3339),
			"total_calls_1h":  len(conn.calls),
			"success_rate_1h": successRate,
			"latency_ms": map[string]any{
				"p50": int(percentile(latencies, 0.50)),
				"p95": int(percentile(latencies, 0.95)),
				"p99": int(percentile(latencies, 0.99)),
			},
			"recent_errors": recentErrors,
		})
	}

	return map[string]any{"outbound_connections": outbound}
}

// percentile calculates the percentile of a sorted slice.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	index := int(float64(len(sorted)-1) * p)
	return sorted[index]
}
