package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/serialarq/linkbench/duplex"
	"github.com/serialarq/linkbench/engine"
	"github.com/serialarq/linkbench/frame"
	"github.com/serialarq/linkbench/internal/opstate"
	"github.com/serialarq/linkbench/reassembler"
	"github.com/serialarq/linkbench/stats"
	"github.com/serialarq/linkbench/window"
)

// Sentinel errors for the session state machine.
var (
	ErrVersionMismatch      = errors.New("session: protocol version mismatch")
	ErrBootstrapAckMismatch = errors.New("session: bootstrap ACK literal mismatch")
	ErrReadySyncTimeout     = errors.New("session: ready-sync timed out waiting for peer")
	ErrClosed               = errors.New("session: closed")
)

// closer is implemented by duplex.Duplex adapters that own an OS resource.
// The session releases it on exit regardless of the path taken: scoped
// acquisition with guaranteed release. The core duplex.Duplex contract
// itself has no Close method since it is owned by the external port
// adapter.
type closer interface {
	Close() error
}

// Session runs the three-phase state machine over one duplex.Duplex.
// A Session is used once: call Run, then discard it.
type Session struct {
	cfg *Config
	d   duplex.Duplex

	phase opstate.Atomic

	counters stats.Counters
	metrics  stats.ConnectionMetrics

	resultsSelf *frame.Results
	resultsPeer *frame.Results
}

// New creates a Session for cfg over d. cfg.Role() determines which side of
// each phase this peer plays.
func New(cfg *Config, d duplex.Duplex) *Session {
	return &Session{cfg: cfg, d: d}
}

// Results returns this peer's own results and the peer's results, valid
// only after Run returns nil.
func (s *Session) Results() (self, peer *frame.Results) {
	return s.resultsSelf, s.resultsPeer
}

// Metrics returns the connection metrics accumulated during Run.
func (s *Session) Metrics() *stats.ConnectionMetrics { return &s.metrics }

// Run drives the session from Open through Closed. On any Configuration,
// Transport, or ready-sync Timeout error, the session transitions to Fail
// and returns the error; the duplex is released in all cases.
func (s *Session) Run(ctx context.Context) error {
	log := s.cfg.Logger().With("role", s.cfg.Role().String())

	defer s.release(log)

	if err := s.open(ctx, log); err != nil {
		s.phase.Set(opstate.Fail)

		return err
	}

	if err := s.settingsExchange(log); err != nil {
		s.phase.Set(opstate.Fail)

		return err
	}

	if err := s.ackExchange(log); err != nil {
		s.phase.Set(opstate.Fail)

		return err
	}

	phase1Start := time.Now()

	if err := s.dataPhase(ctx, log, opstate.Phase1, s.cfg.Role() == Master); err != nil {
		s.phase.Set(opstate.Fail)

		return err
	}

	if err := s.dataPhase(ctx, log, opstate.Phase2, s.cfg.Role() == Slave); err != nil {
		s.phase.Set(opstate.Fail)

		return err
	}

	elapsed := time.Since(phase1Start)
	s.resultsSelf = s.counters.Results(elapsed)

	if err := s.readySync(log); err != nil {
		s.phase.Set(opstate.Fail)

		return err
	}

	if err := s.resultsExchange(log); err != nil {
		s.phase.Set(opstate.Fail)

		return err
	}

	s.phase.Set(opstate.Closed)
	log.Info("session closed", "phase", s.phase.Get().String())

	return nil
}

func (s *Session) release(log loggerWithDebug) {
	if c, ok := s.d.(closer); ok {
		if err := c.Close(); err != nil {
			log.Debug("release: close failed", "error", err)
		}
	}
}

// open implements the Open state: purge the duplex and wait for line
// stabilization.
func (s *Session) open(ctx context.Context, log loggerWithDebug) error {
	s.phase.Set(opstate.Open)
	log.Debug("open: purging duplex")

	if err := s.d.Purge(); err != nil {
		return fmt.Errorf("session: open: %w", err)
	}

	t := time.NewTimer(s.cfg.OpenSettleDelay())
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
	}

	return nil
}

// settingsExchange implements SettingsExchange: Master writes Settings;
// Slave reads exactly sizeof(Settings) bytes and validates the protocol
// version.
func (s *Session) settingsExchange(log loggerWithDebug) error {
	s.phase.Set(opstate.SettingsExchange)

	if s.cfg.Role() == Master {
		settings := &frame.Settings{
			ProtocolVersion: ProtocolVersion,
			PayloadSize:     s.cfg.PayloadSize(),
			FrameCount:      s.cfg.FrameCount(),
		}
		if _, err := s.d.Write(settings.Pack()); err != nil {
			return fmt.Errorf("session: settingsExchange: write: %w", err)
		}

		return nil
	}

	buf := make([]byte, frame.SettingsSize)
	if err := s.d.ReadFull(buf, s.cfg.SettingsTimeout()); err != nil {
		return fmt.Errorf("session: settingsExchange: read: %w", err)
	}

	settings, err := frame.ParseSettings(buf)
	if err != nil {
		return fmt.Errorf("session: settingsExchange: parse: %w", err)
	}

	if settings.ProtocolVersion != ProtocolVersion {
		return fmt.Errorf("%w: got %d, want %d", ErrVersionMismatch, settings.ProtocolVersion, ProtocolVersion)
	}

	s.cfg.setLearnedSettings(settings.PayloadSize, settings.FrameCount)
	log.Debug("settingsExchange: learned settings", "payloadSize", settings.PayloadSize, "frameCount", settings.FrameCount)

	return nil
}

// ackExchange implements AckExchange: Slave writes the literal "ACK";
// Master reads and validates. Mismatch is fatal.
func (s *Session) ackExchange(log loggerWithDebug) error {
	s.phase.Set(opstate.AckExchange)

	if s.cfg.Role() == Slave {
		if _, err := s.d.Write(frame.PackBootstrapAck()); err != nil {
			return fmt.Errorf("session: ackExchange: write: %w", err)
		}

		return nil
	}

	buf := make([]byte, 3)
	if err := s.d.ReadFull(buf, s.cfg.AckTimeout()); err != nil {
		return fmt.Errorf("session: ackExchange: read: %w", err)
	}

	if !frame.IsBootstrapAck(buf) {
		return fmt.Errorf("%w: got %q", ErrBootstrapAckMismatch, buf)
	}

	return nil
}

// dataPhase drives one unidirectional phase: asSender selects whether this
// peer sends (true) or receives (false) during this phase.
func (s *Session) dataPhase(ctx context.Context, log loggerWithDebug, phase opstate.Phase, asSender bool) error {
	s.phase.Set(phase)
	frameCount := s.cfg.FrameCount()
	payloadSize := int(s.cfg.PayloadSize())

	if asSender {
		win := window.NewWithBounds(frameCount, s.cfg.WindowMin(), s.cfg.WindowMax(), s.cfg.WindowInitial())
		log.Debug("dataPhase: sending", "phase", phase.String(), "frameCount", frameCount)

		produce := engine.PayloadProducer(s.cfg.selfPayload)

		return engine.SendPhase(ctx, s.d, frameCount, payloadSize, produce, win, &s.counters, &s.metrics, s.cfg.RetryBudget(), s.cfg.Logger())
	}

	ra := reassembler.New()
	log.Debug("dataPhase: receiving", "phase", phase.String(), "frameCount", frameCount)

	validate := engine.ContentValidator(s.cfg.peerValidate)

	return engine.ReceivePhase(ctx, s.d, frameCount, payloadSize, validate, ra, &s.counters, &s.metrics, s.cfg.RetryBudget(), s.cfg.Logger())
}

// readySync implements the three-way ready handshake: Master sends READY
// then waits for READY; Slave waits for READY first, then sends READY.
// This drains both half-lines and avoids the "who speaks first" deadlock
// before ResultsExchange.
func (s *Session) readySync(log loggerWithDebug) error {
	s.phase.Set(opstate.ReadySync)

	if s.cfg.Role() == Master {
		if _, err := s.d.Write(frame.PackReady()); err != nil {
			return fmt.Errorf("session: readySync: write: %w", err)
		}

		return s.waitForReady(log)
	}

	if err := s.waitForReady(log); err != nil {
		return err
	}

	if _, err := s.d.Write(frame.PackReady()); err != nil {
		return fmt.Errorf("session: readySync: write: %w", err)
	}

	return nil
}

// waitForReady polls for the READY sentinel up to ReadySyncTimeout,
// discarding unexpected or partial bytes and resuming with the remaining
// budget.
func (s *Session) waitForReady(log loggerWithDebug) error {
	deadline := time.Now().Add(s.cfg.ReadySyncTimeout())
	buf := make([]byte, frame.ReadySize)

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return fmt.Errorf("%w", ErrReadySyncTimeout)
		}

		poll := s.cfg.ReadySyncPoll()
		if poll > remaining {
			poll = remaining
		}

		n, err := s.d.ReadSome(buf, poll)
		if err != nil || n == 0 {
			continue
		}

		if n == frame.ReadySize && frame.IsReady(buf) {
			return nil
		}

		log.Debug("readySync: discarding unexpected bytes", "n", n)
	}
}

// resultsExchange implements ResultsExchange: the Master writes its Results
// first; the Slave reads, then writes its own; the Master reads. This fixed
// write-first/read-first ordering breaks the mutual-read deadlock.
func (s *Session) resultsExchange(log loggerWithDebug) error {
	s.phase.Set(opstate.ResultsExchange)

	buf := make([]byte, frame.ResultsSize)

	if s.cfg.Role() == Master {
		if _, err := s.d.Write(s.resultsSelf.Pack()); err != nil {
			return fmt.Errorf("session: resultsExchange: write: %w", err)
		}

		if err := s.d.ReadFull(buf, s.cfg.AckTimeout()); err != nil {
			return fmt.Errorf("session: resultsExchange: read: %w", err)
		}

		peer, err := frame.ParseResults(buf)
		if err != nil {
			return fmt.Errorf("session: resultsExchange: parse: %w", err)
		}
		s.resultsPeer = peer

		return nil
	}

	if err := s.d.ReadFull(buf, s.cfg.AckTimeout()); err != nil {
		return fmt.Errorf("session: resultsExchange: read: %w", err)
	}

	peer, err := frame.ParseResults(buf)
	if err != nil {
		return fmt.Errorf("session: resultsExchange: parse: %w", err)
	}
	s.resultsPeer = peer

	if _, err := s.d.Write(s.resultsSelf.Pack()); err != nil {
		return fmt.Errorf("session: resultsExchange: write: %w", err)
	}

	return nil
}

// loggerWithDebug is the narrow logging surface the state machine needs;
// satisfied by logger.Logger.
type loggerWithDebug interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
}
