// Package stats implements the per-peer counters for a session and their
// wire conversion to/from frame.Results, plus a connection metrics type
// suitable for exposing via a metrics exporter.
package stats

import (
	"sync/atomic"
	"time"

	"github.com/serialarq/linkbench/frame"
)

// Counters accumulates one peer's local statistics for a session. All
// fields are updated concurrently by the sender/receiver tasks and must be
// read through the atomic accessors.
type Counters struct {
	totalReceivedBytes atomic.Uint64
	receivedCount      atomic.Uint32
	errorCount         atomic.Uint32
	retransmitCount    atomic.Uint32
}

// AddReceived records one frame delivered by the reassembler. The received
// count increments only on delivery, never while a frame sits buffered
// out of order.
func (c *Counters) AddReceived(payloadSize int) {
	c.receivedCount.Add(1)
	c.totalReceivedBytes.Add(uint64(payloadSize))
}

// AddError records one parse, checksum, or content failure.
func (c *Counters) AddError() {
	c.errorCount.Add(1)
}

// AddRetransmit records one frame re-enqueued into frames-to-send after a
// previous unsuccessful send attempt or unacked timeout. Each re-enqueue
// counts once.
func (c *Counters) AddRetransmit() {
	c.retransmitCount.Add(1)
}

// AddRetransmitBurst records n re-enqueues at once, for the burst-write
// failure path.
func (c *Counters) AddRetransmitBurst(n int) {
	c.retransmitCount.Add(uint32(n))
}

// Snapshot captures the current counter values.
func (c *Counters) Snapshot() (totalReceivedBytes uint64, receivedCount, errorCount, retransmitCount uint32) {
	return c.totalReceivedBytes.Load(), c.receivedCount.Load(), c.errorCount.Load(), c.retransmitCount.Load()
}

// Results derives the wire Results record from the current counters and the
// elapsed wall-clock time spanning Phase1 through Phase2, measured from just
// before Phase 1 starts to just after Phase 2 ends.
func (c *Counters) Results(elapsed time.Duration) *frame.Results {
	totalBytes, received, errs, retransmits := c.Snapshot()

	elapsedSeconds := elapsed.Seconds()

	var throughputMB, cps float64
	if elapsedSeconds > 0 {
		throughputMB = float64(totalBytes) / (1024 * 1024 * elapsedSeconds)
		cps = float64(totalBytes) / elapsedSeconds
	}

	return &frame.Results{
		TotalReceivedBytes: totalBytes,
		ReceivedCount:      received,
		ErrorCount:         errs,
		RetransmitCount:    retransmits,
		ElapsedSeconds:     elapsedSeconds,
		ThroughputMBPerSec: throughputMB,
		CharsPerSec:        cps,
	}
}

// ConnectionMetrics contains atomic metrics suitable for exposing via a
// Prometheus CounterFunc/GaugeFunc.
type ConnectionMetrics struct {
	// BlockSendCount is the number of data-frame bursts successfully written
	// to the duplex (whether or not they were later acknowledged).
	BlockSendCount atomic.Uint64
	// BlockRetryCount is the total number of block send retries.
	BlockRetryCount atomic.Uint64
	// WindowResizeCount is the number of times window.Manager.Adjust
	// changed the window size.
	WindowResizeCount atomic.Uint64
	// AckEmittedCount is the number of ACK frames written to the wire.
	AckEmittedCount atomic.Uint64
}

func (m *ConnectionMetrics) IncBlockSend() {
	m.BlockSendCount.Add(1)
}

func (m *ConnectionMetrics) IncBlockRetry() {
	m.BlockRetryCount.Add(1)
}

func (m *ConnectionMetrics) IncWindowResize() {
	m.WindowResizeCount.Add(1)
}

func (m *ConnectionMetrics) IncAckEmitted() {
	m.AckEmittedCount.Add(1)
}
