package loadtest

import (
	"fmt"
	"io"
	"math"
	"slices"
	"sync"
	"time"
)

// Collector aggregates metrics from many clients. All methods are
// goroutine-safe.
type Collector struct {
	mu               sync.Mutex
	connectLatencies []time.Duration
	ackLatencies     []time.Duration
	deliveryLatency  []time.Duration
	errors           int
	connections      int
	rejected         map[string]int
	startTime        time.Time
	now              func() time.Time
}

// NewCollector creates a Collector with the start time set to now.
func NewCollector() *Collector {
	return &Collector{startTime: time.Now(), now: time.Now, rejected: make(map[string]int)}
}

// AddConnect records a completed handshake.
func (c *Collector) AddConnect(d time.Duration) {
	c.mu.Lock()
	c.connectLatencies = append(c.connectLatencies, d)
	c.connections++
	c.mu.Unlock()
}

// AddAck records the time from MESSAGE_SEND to its MESSAGE_ACK.
func (c *Collector) AddAck(d time.Duration) {
	c.mu.Lock()
	c.ackLatencies = append(c.ackLatencies, d)
	c.mu.Unlock()
}

// AddDelivery records the time from MESSAGE_SEND to MESSAGE_NEW at another
// member.
func (c *Collector) AddDelivery(d time.Duration) {
	c.mu.Lock()
	c.deliveryLatency = append(c.deliveryLatency, d)
	c.mu.Unlock()
}

func (c *Collector) AddError() {
	c.mu.Lock()
	c.errors++
	c.mu.Unlock()
}

// AddRejection counts an ERROR event by code.
func (c *Collector) AddRejection(code string) {
	c.mu.Lock()
	c.rejected[code]++
	c.mu.Unlock()
}

func (c *Collector) ConnectionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connections
}

func (c *Collector) ErrorCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errors
}

// Distribution summarises a set of latency samples.
type Distribution struct {
	N                       int
	Avg, P50, P95, P99, Max time.Duration
}

// Summary is a point-in-time copy of everything collected.
type Summary struct {
	Elapsed     time.Duration
	Connections int
	Errors      int
	Rejections  map[string]int
	Connect     Distribution
	Ack         Distribution
	Delivery    Distribution
}

func (c *Collector) Summary() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()
	rejected := make(map[string]int, len(c.rejected))
	for k, v := range c.rejected {
		rejected[k] = v
	}
	return Summary{
		Elapsed:     c.now().Sub(c.startTime),
		Connections: c.connections,
		Errors:      c.errors,
		Rejections:  rejected,
		Connect:     distribution(c.connectLatencies),
		Ack:         distribution(c.ackLatencies),
		Delivery:    distribution(c.deliveryLatency),
	}
}

// Report writes a formatted summary to w.
func (c *Collector) Report(w io.Writer) {
	s := c.Summary()

	fmt.Fprintln(w, "\n=== Load Test Results ===")
	fmt.Fprintf(w, "Duration:     %s\n", s.Elapsed.Round(time.Second))
	fmt.Fprintf(w, "Connections:  %d\n", s.Connections)
	fmt.Fprintf(w, "Errors:       %d\n", s.Errors)
	if s.Connections > 0 {
		fmt.Fprintf(w, "Error rate:   %.2f%%\n", float64(s.Errors)/float64(s.Connections)*100)
	}
	for code, n := range s.Rejections {
		fmt.Fprintf(w, "Rejected %-16s %d\n", code+":", n)
	}

	printDistribution(w, "Connect Latency", s.Connect)
	printDistribution(w, "Ack Latency", s.Ack)
	printDistribution(w, "Delivery Latency", s.Delivery)
	fmt.Fprintln(w)
}

func distribution(samples []time.Duration) Distribution {
	n := len(samples)
	if n == 0 {
		return Distribution{}
	}
	sorted := slices.Clone(samples)
	slices.Sort(sorted)

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	rank := func(p float64) time.Duration {
		return sorted[int(math.Ceil(float64(n)*p))-1]
	}
	return Distribution{
		N:   n,
		Avg: sum / time.Duration(n),
		P50: sorted[n/2],
		P95: rank(0.95),
		P99: rank(0.99),
		Max: sorted[n-1],
	}
}

func printDistribution(w io.Writer, title string, d Distribution) {
	if d.N == 0 {
		return
	}
	fmt.Fprintf(w, "\n--- %s ---\n", title)
	fmt.Fprintf(w, "  avg: %v  p50: %v  p95: %v  p99: %v  max: %v  (n=%d)\n",
		d.Avg.Round(time.Microsecond),
		d.P50.Round(time.Microsecond),
		d.P95.Round(time.Microsecond),
		d.P99.Round(time.Microsecond),
		d.Max.Round(time.Microsecond),
		d.N,
	)
}
