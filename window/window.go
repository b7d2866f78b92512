// Package window implements the sender-side sliding window manager: which
// frames are outstanding, which are acknowledged, and the AIMD sizing
// heuristic that adapts the window to observed loss and RTT.
package window

import (
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// Bounds on window size.
const (
	Min     uint16 = 4
	Max     uint16 = 32
	Initial uint16 = 16
)

// rttBackoffThreshold is the measured-RTT cutoff above which Adjust halves
// the window regardless of the success/failure counters.
const rttBackoffThreshold = 2000 * time.Millisecond

// aimdStreak is the number of consecutive successes (or failures) required
// before Adjust doubles (or halves) the window size.
const aimdStreak = 3

// Manager tracks the sender's view of one unidirectional phase's sliding
// window. All operations are atomic with respect to each other under a
// single mutex; every operation is O(1) amortized.
type Manager struct {
	mu sync.Mutex

	base       uint32
	size       uint16
	min, max   uint16
	frameCount uint32
	acked      map[uint32]struct{}

	consecutiveSuccesses int
	consecutiveFailures  int

	// progressAt is the wall-clock time of the most recent Slide that
	// actually advanced base, or of Manager creation if it never has. The
	// session-level exhaustion budget (spec §7) uses the elapsed time since
	// progressAt to detect a stalled phase.
	progressAt time.Time

	// sendTimes records the wall-clock send time of each outstanding frame,
	// keyed by frame number, so Adjust can react to the actually observed
	// per-frame RTT rather than a nominal constant. A lock-free map fits
	// here since RecordSent (sender task) and TakeRTT (ack-receiver task)
	// run concurrently on disjoint goroutines with no wider critical section.
	sendTimes *xsync.MapOf[uint32, time.Time]
}

// New creates a Manager for a phase transferring frameCount frames, with the
// window starting at base 0 and the default [Min,Max] bounds and Initial
// size.
func New(frameCount uint32) *Manager {
	return NewWithBounds(frameCount, Min, Max, Initial)
}

// NewWithBounds creates a Manager like New, but overrides the window's
// sizing bounds and initial size (e.g. via session.WithWindowBounds).
// min/max are clamped to lie within [Min,Max], and initial is clamped to lie
// within the resulting [min,max].
func NewWithBounds(frameCount uint32, min, max, initial uint16) *Manager {
	if min < Min {
		min = Min
	}
	if min > Max {
		min = Max
	}
	if max > Max {
		max = Max
	}
	if max < min {
		max = min
	}
	if initial < min {
		initial = min
	}
	if initial > max {
		initial = max
	}

	return &Manager{
		size:       initial,
		min:        min,
		max:        max,
		frameCount: frameCount,
		acked:      make(map[uint32]struct{}),
		progressAt: time.Now(),
		sendTimes:  xsync.NewMapOf[uint32, time.Time](),
	}
}

// RecordSent timestamps frame f's most recent send attempt, overwriting any
// earlier timestamp (a retransmit restarts that frame's RTT clock).
func (m *Manager) RecordSent(f uint32) {
	m.sendTimes.Store(f, time.Now())
}

// TakeRTT returns the elapsed time since frame f's last recorded send and
// removes the timestamp, or (0, false) if f was never recorded (e.g. the
// send happened before the window existed).
func (m *Manager) TakeRTT(f uint32) (time.Duration, bool) {
	sentAt, ok := m.sendTimes.LoadAndDelete(f)
	if !ok {
		return 0, false
	}

	return time.Since(sentAt), true
}

// Base returns the current window base (smallest unacknowledged frame number).
func (m *Manager) Base() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.base
}

// Size returns the current window size.
func (m *Manager) Size() uint16 {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.size
}

// FramesToSend returns, in ascending order, every frame number in
// [base, base+size) ∩ [0, frameCount) that is not yet acknowledged.
func (m *Manager) FramesToSend() []uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()

	end := m.base + uint32(m.size)
	if end > m.frameCount {
		end = m.frameCount
	}

	out := make([]uint32, 0, end-m.base)
	for f := m.base; f < end; f++ {
		if _, ok := m.acked[f]; !ok {
			out = append(out, f)
		}
	}

	return out
}

// MarkAcked records frame f as acknowledged. Idempotent. Frames outside the
// current window are ignored (a stale or out-of-range ACK).
func (m *Manager) MarkAcked(f uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.markAckedLocked(f)
}

func (m *Manager) markAckedLocked(f uint32) {
	if f < m.base || f >= m.base+uint32(m.size) {
		return
	}
	m.acked[f] = struct{}{}
}

// IsInWindow reports whether f lies in [base, base+size).
func (m *Manager) IsInWindow(f uint32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return f >= m.base && f < m.base+uint32(m.size)
}

// IsAcked reports whether f has been marked acknowledged.
func (m *Manager) IsAcked(f uint32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.acked[f]

	return ok
}

// Slide advances base while it is a member of acked, evicting each advanced
// frame number from acked. Returns the distance advanced. Calling Slide
// again immediately afterward is a no-op (slide; slide == slide).
func (m *Manager) Slide() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.slideLocked()
}

func (m *Manager) slideLocked() uint32 {
	var advanced uint32
	for {
		if _, ok := m.acked[m.base]; !ok {
			break
		}
		delete(m.acked, m.base)
		m.base++
		advanced++
	}

	if advanced > 0 {
		m.progressAt = time.Now()
	}

	return advanced
}

// SinceProgress returns the elapsed time since the window last advanced
// (a Slide call that moved base forward), or since the Manager was created
// if it never has.
func (m *Manager) SinceProgress() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	return time.Since(m.progressAt)
}

// IsComplete reports whether the window has consumed the full frame range.
func (m *Manager) IsComplete() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.base == m.frameCount
}

// Adjust applies the AIMD sizing heuristic. success is whether
// the most recent send/slide event succeeded; rtt is the measured or nominal
// round-trip time for that event.
//
// On an RTT above the backoff threshold the window halves immediately,
// independent of the success/failure streak; the back-off itself does not
// touch either counter, which are then updated from success as usual.
//
// Adjust reports whether the call changed the window size, so callers can
// feed a resize counter without duplicating the AIMD thresholds.
func (m *Manager) Adjust(success bool, rtt time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	before := m.size

	if rtt > rttBackoffThreshold {
		m.halveLocked()
	}

	if success {
		m.consecutiveFailures = 0
		m.consecutiveSuccesses++
		if m.consecutiveSuccesses >= aimdStreak {
			m.doubleLocked()
			m.consecutiveSuccesses = 0
		}

		return m.size != before
	}

	m.consecutiveSuccesses = 0
	m.consecutiveFailures++
	if m.consecutiveFailures >= aimdStreak {
		m.halveLocked()
		m.consecutiveFailures = 0
	}

	return m.size != before
}

func (m *Manager) doubleLocked() {
	m.size *= 2
	if m.size > m.max {
		m.size = m.max
	}
}

func (m *Manager) halveLocked() {
	m.size /= 2
	if m.size < m.min {
		m.size = m.min
	}
}
