// Package engine implements the transmission engine: the sender/ack-receiver
// goroutine pair that drives one unidirectional data phase from the sending
// side, and the single receive-side loop that drives the same phase from the
// receiving side.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/serialarq/linkbench/duplex"
	"github.com/serialarq/linkbench/frame"
	"github.com/serialarq/linkbench/internal/task"
	"github.com/serialarq/linkbench/logger"
	"github.com/serialarq/linkbench/reassembler"
	"github.com/serialarq/linkbench/stats"
	"github.com/serialarq/linkbench/window"
)

// burstSendInterval paces successive write attempts within an active burst;
// burstIdleInterval paces polling when the window has nothing left to send.
const (
	burstSendInterval = 100 * time.Microsecond
	burstIdleInterval = 10 * time.Millisecond
	nominalRTT        = 100 * time.Millisecond
)

// ErrExhausted reports the Exhaustion error category of spec §7:
// session-level retransmit count or stall duration exceeded a configured
// Budget. It is always fatal to the enclosing session.
var ErrExhausted = errors.New("engine: retransmit/stall budget exhausted")

// Budget bounds how much retransmission or stalling a phase tolerates
// before it aborts with ErrExhausted instead of retrying forever. A zero
// value disables the corresponding check.
type Budget struct {
	// MaxRetransmits aborts the phase once the shared stats.Counters'
	// retransmit count reaches this many. Zero disables the check.
	MaxRetransmits uint32
	// MaxStall aborts the phase once its window (send side) or reassembler
	// (receive side) has gone this long without forward progress. Zero
	// disables the check.
	MaxStall time.Duration
}

func (b Budget) retransmitsExceeded(counters *stats.Counters) bool {
	if b.MaxRetransmits == 0 {
		return false
	}
	_, _, _, retransmits := counters.Snapshot()

	return retransmits >= b.MaxRetransmits
}

// BurstCap returns the maximum number of frames a single write may carry,
// as a pure function of payload size: larger payloads get smaller bursts so
// a single write stays within a reasonable number of bytes.
func BurstCap(payloadSize int) int {
	switch {
	case payloadSize > 50*1024:
		return 1
	case payloadSize > 10*1024:
		return 4
	case payloadSize > 1*1024:
		return 8
	default:
		return 16
	}
}

// PayloadProducer returns the bytes to send for frame f.
type PayloadProducer func(f uint32) []byte

// ContentValidator reports whether payload received for frame f matches the
// expected self-test pattern. A validator that always returns true disables
// content validation, which is an application-layer concern.
type ContentValidator func(f uint32, payload []byte) bool

// SendPhase drives one unidirectional phase from the sending side: a burst
// sender goroutine and an ACK-receiver goroutine run concurrently until the
// window reports completion, at which point SendPhase joins both and
// returns.
func SendPhase(
	ctx context.Context,
	d duplex.Duplex,
	frameCount uint32,
	payloadSize int,
	produce PayloadProducer,
	win *window.Manager,
	counters *stats.Counters,
	metrics *stats.ConnectionMetrics,
	budget Budget,
	log logger.Logger,
) error {
	mgr := task.New(ctx, log)
	burstCap := BurstCap(payloadSize)
	sent := make(map[uint32]bool)
	readTimeout := duplex.DefaultTimeout(payloadSize, d.BaudRate())
	var exhaustedErr error

	if err := mgr.Start("sender", func() bool {
		if win.IsComplete() {
			return false
		}

		if budget.retransmitsExceeded(counters) {
			exhaustedErr = fmt.Errorf("%w: retransmit count reached %d", ErrExhausted, budget.MaxRetransmits)
			log.Error("send phase aborting: retransmit budget exhausted", "maxRetransmits", budget.MaxRetransmits)
			mgr.Stop()

			return false
		}
		if budget.MaxStall > 0 && win.SinceProgress() > budget.MaxStall {
			exhaustedErr = fmt.Errorf("%w: no progress for %s", ErrExhausted, win.SinceProgress())
			log.Error("send phase aborting: stalled beyond budget", "maxStall", budget.MaxStall)
			mgr.Stop()

			return false
		}

		toSend := win.FramesToSend()
		if len(toSend) == 0 {
			mgr.Sleep(burstIdleInterval)

			return true
		}

		n := len(toSend)
		if n > burstCap {
			n = burstCap
		}
		selected := toSend[:n]

		buf := make([]byte, 0, frame.WireSize(payloadSize)*n)
		for _, f := range selected {
			df := &frame.Data{
				FrameNumber: f,
				WindowSize:  win.Size(),
				Payload:     produce(f),
			}
			df.Checksum = frame.Checksum(df.Payload)
			buf = append(buf, df.Pack()...)
		}

		if _, err := d.Write(buf); err != nil {
			resized := win.Adjust(false, 0)
			counters.AddRetransmitBurst(len(selected))
			if metrics != nil {
				metrics.IncBlockRetry()
				if resized {
					metrics.IncWindowResize()
				}
			}
			log.Debug("send burst failed", "frames", len(selected), "error", err)
			mgr.Sleep(burstSendInterval)

			return true
		}

		for _, f := range selected {
			if sent[f] {
				counters.AddRetransmit()
			}
			sent[f] = true
			win.RecordSent(f)
		}
		if metrics != nil {
			metrics.IncBlockSend()
		}

		mgr.Sleep(burstSendInterval)

		return true
	}); err != nil {
		return err
	}

	if err := mgr.Start("ack-receiver", func() bool {
		if win.IsComplete() {
			return false
		}

		buf := make([]byte, frame.AckSize)
		if err := d.ReadFull(buf, readTimeout); err != nil {
			// Timeout or partial read: treat as a silent ACK miss.
			return true
		}

		ack, err := frame.ParseAck(buf, frameCount)
		if err != nil {
			// Format/range failure: discard silently; no resynchronization
			// is attempted.
			return true
		}

		for i := uint32(0); i < 32; i++ {
			f := ack.Base + i
			if f >= frameCount {
				break
			}
			if !ack.Covers(f) {
				continue
			}
			if !win.IsInWindow(f) || win.IsAcked(f) {
				continue
			}
			win.MarkAcked(f)
			win.Slide()

			rtt, ok := win.TakeRTT(f)
			if !ok {
				rtt = nominalRTT
			}
			if win.Adjust(true, rtt) && metrics != nil {
				metrics.IncWindowResize()
			}
		}

		return true
	}); err != nil {
		mgr.Stop()
		mgr.Wait()

		return err
	}

	mgr.Wait()

	return exhaustedErr
}

// ReceivePhase drives one unidirectional phase from the receiving side: a
// single loop reads one data frame per iteration, offers it to the
// reassembler, and emits an ACK immediately upon clean parse regardless of
// content-validation outcome.
func ReceivePhase(
	ctx context.Context,
	d duplex.Duplex,
	frameCount uint32,
	payloadSize int,
	validate ContentValidator,
	ra *reassembler.Reassembler,
	counters *stats.Counters,
	metrics *stats.ConnectionMetrics,
	budget Budget,
	log logger.Logger,
) error {
	mgr := task.New(ctx, log)
	wireSize := frame.WireSize(payloadSize)
	readTimeout := duplex.DefaultTimeout(payloadSize, d.BaudRate())
	var exhaustedErr error

	if err := mgr.Start("receiver", func() bool {
		if ra.NextExpected() >= frameCount {
			return false
		}

		if budget.MaxStall > 0 && ra.SinceProgress() > budget.MaxStall {
			exhaustedErr = fmt.Errorf("%w: no progress for %s", ErrExhausted, ra.SinceProgress())
			log.Error("receive phase aborting: stalled beyond budget", "maxStall", budget.MaxStall)

			return false
		}

		buf := make([]byte, wireSize)
		if err := d.ReadFull(buf, readTimeout); err != nil {
			return true
		}

		df, err := frame.ParseData(buf, payloadSize, frameCount)
		if err != nil {
			counters.AddError()
			log.Debug("data frame parse failed", "error", err)

			return true
		}

		// Immediate-ACK policy: emit before content validation.
		ack := &frame.Ack{Base: df.FrameNumber, Bitmap: 1}
		if _, err := d.Write(ack.Pack()); err != nil {
			log.Debug("ack write failed", "frame", df.FrameNumber, "error", err)
		} else if metrics != nil {
			metrics.IncAckEmitted()
		}

		checksumOK := df.VerifyChecksum()
		valid := checksumOK && (validate == nil || validate(df.FrameNumber, df.Payload))

		outcome, delivered := ra.Offer(df.FrameNumber, df.Payload, valid)

		switch outcome {
		case reassembler.Delivered:
			for _, item := range delivered {
				counters.AddReceived(payloadSize)
				if !item.Valid {
					counters.AddError()
				}
			}
		case reassembler.Buffered, reassembler.Duplicate:
			// No counter change: buffered frames aren't yet delivered, and
			// duplicates were already counted on first delivery.
		}

		return true
	}); err != nil {
		return err
	}

	mgr.Wait()

	return exhaustedErr
}
