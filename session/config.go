// Package session implements the three-phase session state machine:
// handshake, bidirectional data phases, and results exchange.
package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/serialarq/linkbench/engine"
	"github.com/serialarq/linkbench/logger"
	"github.com/serialarq/linkbench/window"
)

// ProtocolVersion is the wire protocol version this implementation speaks.
// Incompatible versions are rejected at SettingsExchange.
const ProtocolVersion = 4

// Role identifies which end of the session this peer plays. The roles are
// called Master/Slave in the protocol and client/server on the wire.
type Role int

const (
	Master Role = iota
	Slave
)

func (r Role) String() string {
	if r == Master {
		return "Master"
	}

	return "Slave"
}

// Default timeouts.
const (
	DefaultOpenSettleDelay  = 1 * time.Second
	DefaultSettingsTimeout  = 5 * time.Second
	DefaultAckTimeout       = 5 * time.Second
	DefaultReadySyncTimeout = 30 * time.Second
	DefaultReadySyncPoll    = 100 * time.Millisecond
)

// Default retry budget (spec §7's Exhaustion category). Generous enough not
// to interfere with ordinary incidental retransmits, but finite: a session
// that genuinely never makes progress still terminates on its own.
const (
	DefaultMaxRetransmits = 64
	DefaultMaxStall       = 30 * time.Second
)

// PayloadProducer returns the payload bytes this peer sends for frame f.
type PayloadProducer func(f uint32) []byte

// ContentValidator reports whether a received payload for frame f matches
// the expected pattern. Returning true always disables content validation.
type ContentValidator func(f uint32, payload []byte) bool

// Config holds session-level configuration, built via NewConfig and
// functional options, validated at construction and immutable afterward.
type Config struct {
	role Role

	// payloadSize and frameCount are authoritative for Master at
	// construction; for Slave they are populated from the Settings record
	// received during SettingsExchange and must be zero at construction.
	payloadSize uint32
	frameCount  uint32
	baudRate    int

	windowMin     uint16
	windowMax     uint16
	windowInitial uint16
	retryBudget   engine.Budget

	openSettleDelay  time.Duration
	settingsTimeout  time.Duration
	ackTimeout       time.Duration
	readySyncTimeout time.Duration
	readySyncPoll    time.Duration

	selfPayload  PayloadProducer
	peerValidate ContentValidator

	logger logger.Logger
}

// NewConfig creates a Config for role. Master must supply WithPayloadSize
// and WithFrameCount; Slave learns both from the wire and must not set them.
func NewConfig(role Role, baudRate int, opts ...Option) (*Config, error) {
	cfg := &Config{
		role:             role,
		baudRate:         baudRate,
		windowMin:        window.Min,
		windowMax:        window.Max,
		windowInitial:    window.Initial,
		retryBudget:      engine.Budget{MaxRetransmits: DefaultMaxRetransmits, MaxStall: DefaultMaxStall},
		openSettleDelay:  DefaultOpenSettleDelay,
		settingsTimeout:  DefaultSettingsTimeout,
		ackTimeout:       DefaultAckTimeout,
		readySyncTimeout: DefaultReadySyncTimeout,
		readySyncPoll:    DefaultReadySyncPoll,
		logger:           logger.GetLogger(),
	}

	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return nil, err
		}
	}

	if role == Master {
		if cfg.frameCount == 0 {
			return nil, errors.New("session: Master config requires WithFrameCount")
		}
		cfg.finalize()
	}

	return cfg, nil
}

// finalize binds the self-test payload producer/validator once payloadSize
// is authoritative (immediately for Master; after SettingsExchange for
// Slave), unless the caller overrode them with WithPayloadProducer /
// WithContentValidator.
func (cfg *Config) finalize() {
	if cfg.selfPayload == nil {
		cfg.selfPayload = newSelfTestProducer(cfg.role, cfg.payloadSize)
	}
	if cfg.peerValidate == nil {
		cfg.peerValidate = newSelfTestValidator(cfg.role)
	}
}

// selfTestPattern returns the byte this role's self-test pattern places at
// payload index j.
func selfTestPattern(role Role, j int) byte {
	if role == Master {
		return byte(j % 256)
	}

	return byte(255 - j%256)
}

// newSelfTestProducer builds a PayloadProducer for role that fills a buffer
// of payloadSize bytes per frame with the self-test pattern.
func newSelfTestProducer(role Role, payloadSize uint32) PayloadProducer {
	return func(f uint32) []byte {
		buf := make([]byte, payloadSize)
		for j := range buf {
			buf[j] = selfTestPattern(role, j)
		}

		return buf
	}
}

// newSelfTestValidator builds a ContentValidator that checks a received
// payload against the pattern of the opposite role (the peer's pattern).
func newSelfTestValidator(localRole Role) ContentValidator {
	peerRole := Slave
	if localRole == Slave {
		peerRole = Master
	}

	return func(_ uint32, payload []byte) bool {
		for j, b := range payload {
			if b != selfTestPattern(peerRole, j) {
				return false
			}
		}

		return true
	}
}

// Option configures a Config.
type Option interface{ apply(*Config) error }

type optionFunc func(*Config) error

func (f optionFunc) apply(cfg *Config) error { return f(cfg) }

// WithPayloadSize sets the agreed payload size (Master only).
func WithPayloadSize(n uint32) Option {
	return optionFunc(func(cfg *Config) error {
		cfg.payloadSize = n

		return nil
	})
}

// WithFrameCount sets the agreed frame count (Master only).
func WithFrameCount(n uint32) Option {
	return optionFunc(func(cfg *Config) error {
		if n == 0 {
			return errors.New("session: frame count must be >= 1")
		}
		cfg.frameCount = n

		return nil
	})
}

// WithLogger overrides the session's logger.
func WithLogger(l logger.Logger) Option {
	return optionFunc(func(cfg *Config) error {
		if l == nil {
			return errors.New("session: logger must not be nil")
		}
		cfg.logger = l

		return nil
	})
}

// WithPayloadProducer overrides the self-test payload pattern.
func WithPayloadProducer(p PayloadProducer) Option {
	return optionFunc(func(cfg *Config) error {
		cfg.selfPayload = p

		return nil
	})
}

// WithContentValidator overrides the self-test content validator.
func WithContentValidator(v ContentValidator) Option {
	return optionFunc(func(cfg *Config) error {
		cfg.peerValidate = v

		return nil
	})
}

// WithOpenSettleDelay overrides the line-stabilization delay applied in Open.
func WithOpenSettleDelay(d time.Duration) Option {
	return optionFunc(func(cfg *Config) error {
		if d < 0 {
			return errors.New("session: open settle delay must not be negative")
		}
		cfg.openSettleDelay = d

		return nil
	})
}

// WithSettingsTimeout overrides the read budget for SettingsExchange.
func WithSettingsTimeout(d time.Duration) Option {
	return optionFunc(func(cfg *Config) error {
		if d <= 0 {
			return errors.New("session: settings timeout must be positive")
		}
		cfg.settingsTimeout = d

		return nil
	})
}

// WithAckTimeout overrides the read budget for AckExchange and ResultsExchange.
func WithAckTimeout(d time.Duration) Option {
	return optionFunc(func(cfg *Config) error {
		if d <= 0 {
			return errors.New("session: ack timeout must be positive")
		}
		cfg.ackTimeout = d

		return nil
	})
}

// WithReadySyncTimeout overrides the ready-sync wait budget.
func WithReadySyncTimeout(d time.Duration) Option {
	return optionFunc(func(cfg *Config) error {
		if d <= 0 {
			return fmt.Errorf("session: ready-sync timeout must be positive")
		}
		cfg.readySyncTimeout = d

		return nil
	})
}

// WithReadySyncPoll overrides the polling interval used while waiting for READY.
func WithReadySyncPoll(d time.Duration) Option {
	return optionFunc(func(cfg *Config) error {
		if d <= 0 {
			return errors.New("session: ready-sync poll interval must be positive")
		}
		cfg.readySyncPoll = d

		return nil
	})
}

// WithWindowBounds overrides the sliding window's [min,max] sizing bounds
// and its initial size, in place of the package defaults
// (window.Min/window.Max/window.Initial). min must lie within [1,max] and
// initial within [min,max].
func WithWindowBounds(min, max, initial uint16) Option {
	return optionFunc(func(cfg *Config) error {
		if min == 0 || max < min {
			return errors.New("session: window bounds require 0 < min <= max")
		}
		if initial < min || initial > max {
			return errors.New("session: window initial size must lie within [min,max]")
		}
		cfg.windowMin = min
		cfg.windowMax = max
		cfg.windowInitial = initial

		return nil
	})
}

// WithRetryBudget overrides the session's retransmit/stall budget backing
// spec §7's Exhaustion error category. maxRetransmits caps the total number
// of retransmitted frames tolerated in a phase before it aborts with
// engine.ErrExhausted; maxStall caps how long a phase may go without making
// forward progress. Either may be zero to disable that half of the check,
// but not both.
func WithRetryBudget(maxRetransmits uint32, maxStall time.Duration) Option {
	return optionFunc(func(cfg *Config) error {
		if maxStall < 0 {
			return errors.New("session: max stall must not be negative")
		}
		if maxRetransmits == 0 && maxStall == 0 {
			return errors.New("session: retry budget must bound at least one of retransmits or stall")
		}
		cfg.retryBudget = engine.Budget{MaxRetransmits: maxRetransmits, MaxStall: maxStall}

		return nil
	})
}

// PayloadSize returns the configured payload size.
func (cfg *Config) PayloadSize() uint32 { return cfg.payloadSize }

// FrameCount returns the configured frame count.
func (cfg *Config) FrameCount() uint32 { return cfg.frameCount }

// Role returns the configured role.
func (cfg *Config) Role() Role { return cfg.role }

// BaudRate returns the configured nominal line rate.
func (cfg *Config) BaudRate() int { return cfg.baudRate }

// OpenSettleDelay returns the line-stabilization delay applied in Open.
func (cfg *Config) OpenSettleDelay() time.Duration { return cfg.openSettleDelay }

// SettingsTimeout returns the read budget for SettingsExchange.
func (cfg *Config) SettingsTimeout() time.Duration { return cfg.settingsTimeout }

// AckTimeout returns the read budget for AckExchange.
func (cfg *Config) AckTimeout() time.Duration { return cfg.ackTimeout }

// ReadySyncTimeout returns the overall wait budget for ReadySync.
func (cfg *Config) ReadySyncTimeout() time.Duration { return cfg.readySyncTimeout }

// ReadySyncPoll returns the polling interval used while waiting for READY.
func (cfg *Config) ReadySyncPoll() time.Duration { return cfg.readySyncPoll }

// Logger returns the configured logger.
func (cfg *Config) Logger() logger.Logger { return cfg.logger }

// WindowMin returns the configured minimum sliding window size.
func (cfg *Config) WindowMin() uint16 { return cfg.windowMin }

// WindowMax returns the configured maximum sliding window size.
func (cfg *Config) WindowMax() uint16 { return cfg.windowMax }

// WindowInitial returns the configured initial sliding window size.
func (cfg *Config) WindowInitial() uint16 { return cfg.windowInitial }

// RetryBudget returns the configured retransmit/stall budget backing
// spec §7's Exhaustion error category.
func (cfg *Config) RetryBudget() engine.Budget { return cfg.retryBudget }

// setLearnedSettings populates payloadSize/frameCount for the Slave after
// SettingsExchange and binds the self-test producer/validator now that
// payloadSize is authoritative.
func (cfg *Config) setLearnedSettings(payloadSize, frameCount uint32) {
	cfg.payloadSize = payloadSize
	cfg.frameCount = frameCount
	cfg.finalize()
}
