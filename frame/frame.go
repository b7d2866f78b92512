// Package frame implements the wire codec for the serial ARQ link: data
// frames, cumulative/selective ACK frames, the ready sentinel, the settings
// bootstrap record, and the results exchange record. All multi-byte integers
// are little-endian on the wire.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/serialarq/linkbench/internal/util"
)

// Control bytes delimiting every frame on the wire.
const (
	SOF    byte = 0x02 // start of a data frame
	SOFAck byte = 0x04 // start of an ack/ready frame
	EOF    byte = 0x03 // end of any frame
)

// dataHeaderSize is the fixed portion of a data frame before the payload:
// SOF(1) + frame_number(4) + window_size(2) + checksum(2).
const dataHeaderSize = 9

// AckSize is the fixed wire size of an Ack frame.
const AckSize = 13

// ReadySize is the fixed wire size of a Ready frame.
const ReadySize = 7

// SettingsSize is the fixed wire size of a Settings record.
const SettingsSize = 16

// ResultsSize is the fixed wire size of a Results record.
const ResultsSize = 44

// ackMagic is the 3-byte literal that identifies an Ack frame body.
var ackMagic = [3]byte{'A', 'C', 'K'}

// readyMagic is the 5-byte literal that identifies a Ready frame body.
var readyMagic = [5]byte{'R', 'E', 'A', 'D', 'Y'}

// bootstrapACK is the literal 3-byte record written by the Slave during
// AckExchange; it shares no framing with the Ack frame above.
var bootstrapACK = [3]byte{'A', 'C', 'K'}

// ParseErrorKind classifies why Parse failed.
type ParseErrorKind int

const (
	// KindFormat means the SOF/EOF/magic bytes did not match.
	KindFormat ParseErrorKind = iota
	// KindChecksum means the framing parsed but the payload checksum did not verify.
	KindChecksum
	// KindRange means frame_number or base was >= frame_count.
	KindRange
)

func (k ParseErrorKind) String() string {
	switch k {
	case KindFormat:
		return "format"
	case KindChecksum:
		return "checksum"
	case KindRange:
		return "range"
	default:
		return "unknown"
	}
}

// ParseError reports a classified frame parse failure.
type ParseError struct {
	Kind ParseErrorKind
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("frame: %s: %v", e.Kind, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

func newParseError(kind ParseErrorKind, format string, args ...any) *ParseError {
	return &ParseError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Sentinel errors for malformed inputs the caller controls directly
// (as opposed to wire bytes, which report via *ParseError).
var (
	ErrBufferTooShort = errors.New("frame: buffer too short")
	ErrPayloadTooLong = errors.New("frame: payload exceeds uint16 window-size-independent bound")
)

// Data is a single data frame: {FrameNumber, WindowSize, Checksum, Payload}.
type Data struct {
	FrameNumber uint32
	WindowSize  uint16
	Checksum    uint16
	Payload     []byte
}

// WireSize returns the number of bytes Data.Pack produces for a payload of
// length n: N + 10.
func WireSize(payloadSize int) int {
	return payloadSize + dataHeaderSize + 1
}

// Checksum computes the 16-bit XOR-rotate checksum over payload bytes only.
// The accumulator starts at 0; for each byte, XOR into the low 8 bits, then
// rotate the 16-bit accumulator left by 1.
func Checksum(payload []byte) uint16 {
	var acc uint16
	for _, b := range payload {
		acc ^= uint16(b)
		acc = (acc << 1) | (acc >> 15)
	}

	return acc
}

// Pack serializes a Data frame to its wire form:
//
//	SOF(1) | frame_number(4,LE) | window_size(2,LE) | checksum(2,LE) | payload(N) | EOF(1)
func (d *Data) Pack() []byte {
	buf := make([]byte, WireSize(len(d.Payload)))
	buf[0] = SOF
	binary.LittleEndian.PutUint32(buf[1:5], d.FrameNumber)
	binary.LittleEndian.PutUint16(buf[5:7], d.WindowSize)
	binary.LittleEndian.PutUint16(buf[7:9], d.Checksum)
	copy(buf[9:9+len(d.Payload)], d.Payload)
	buf[len(buf)-1] = EOF

	return buf
}

// ParseData parses a Data frame from buf, which must be exactly
// WireSize(payloadSize) bytes. frameCount bounds the valid frame_number
// range; a frame_number >= frameCount is a *ParseError with Kind=KindRange.
//
// ParseData does not verify the checksum against the payload; callers that
// need verification should follow up with VerifyChecksum.
func ParseData(buf []byte, payloadSize int, frameCount uint32) (*Data, error) {
	want := WireSize(payloadSize)
	if len(buf) != want {
		return nil, newParseError(KindFormat, "%w: got %d bytes, want %d", ErrBufferTooShort, len(buf), want)
	}
	if buf[0] != SOF {
		return nil, newParseError(KindFormat, "bad SOF: got 0x%02x, want 0x%02x", buf[0], SOF)
	}
	if buf[len(buf)-1] != EOF {
		return nil, newParseError(KindFormat, "bad EOF: got 0x%02x, want 0x%02x", buf[len(buf)-1], EOF)
	}

	d := &Data{
		FrameNumber: binary.LittleEndian.Uint32(buf[1:5]),
		WindowSize:  binary.LittleEndian.Uint16(buf[5:7]),
		Checksum:    binary.LittleEndian.Uint16(buf[7:9]),
		Payload:     util.CloneSlice(buf[9:9+payloadSize], 0),
	}

	if d.FrameNumber >= frameCount {
		return nil, newParseError(KindRange, "frame_number %d >= frame_count %d", d.FrameNumber, frameCount)
	}

	return d, nil
}

// VerifyChecksum reports whether d.Checksum matches Checksum(d.Payload).
func (d *Data) VerifyChecksum() bool {
	return d.Checksum == Checksum(d.Payload)
}

// Ack is a cumulative/selective acknowledgment: bit i of Bitmap (LSB=bit 0)
// is set when frame number Base+i has been delivered to the reassembler.
type Ack struct {
	Base   uint32
	Bitmap uint32
}

// Pack serializes an Ack frame: SOF_ACK(1) | "ACK"(3) | base(4,LE) | bitmap(4,LE) | EOF(1).
func (a *Ack) Pack() []byte {
	buf := make([]byte, AckSize)
	buf[0] = SOFAck
	copy(buf[1:4], ackMagic[:])
	binary.LittleEndian.PutUint32(buf[4:8], a.Base)
	binary.LittleEndian.PutUint32(buf[8:12], a.Bitmap)
	buf[12] = EOF

	return buf
}

// ParseAck parses an Ack frame from buf, which must be exactly AckSize bytes.
// A Base >= frameCount is a *ParseError with Kind=KindRange.
func ParseAck(buf []byte, frameCount uint32) (*Ack, error) {
	if len(buf) != AckSize {
		return nil, newParseError(KindFormat, "%w: got %d bytes, want %d", ErrBufferTooShort, len(buf), AckSize)
	}
	if buf[0] != SOFAck {
		return nil, newParseError(KindFormat, "bad SOF: got 0x%02x, want 0x%02x", buf[0], SOFAck)
	}
	if buf[len(buf)-1] != EOF {
		return nil, newParseError(KindFormat, "bad EOF: got 0x%02x, want 0x%02x", buf[len(buf)-1], EOF)
	}
	if [3]byte(buf[1:4]) != ackMagic {
		return nil, newParseError(KindFormat, "bad ACK magic: got %q", buf[1:4])
	}

	a := &Ack{
		Base:   binary.LittleEndian.Uint32(buf[4:8]),
		Bitmap: binary.LittleEndian.Uint32(buf[8:12]),
	}

	if a.Base >= frameCount {
		return nil, newParseError(KindRange, "base %d >= frame_count %d", a.Base, frameCount)
	}

	return a, nil
}

// Covers reports whether bit i of the bitmap is set for frame number f,
// i.e. whether f lies in [Base, Base+32) and its bit is set.
func (a *Ack) Covers(f uint32) bool {
	if f < a.Base || f-a.Base >= 32 {
		return false
	}

	return a.Bitmap&(1<<(f-a.Base)) != 0
}

// SetBit sets the bit for frame number f in a's bitmap, in place. A frame
// number outside [Base, Base+32) leaves the bitmap unchanged.
func (a *Ack) SetBit(f uint32) {
	if f < a.Base || f-a.Base >= 32 {
		return
	}
	a.Bitmap |= 1 << (f - a.Base)
}

// PackReady serializes the literal Ready sentinel: SOF_ACK | "READY" | EOF.
func PackReady() []byte {
	buf := make([]byte, ReadySize)
	buf[0] = SOFAck
	copy(buf[1:6], readyMagic[:])
	buf[6] = EOF

	return buf
}

// IsReady reports whether buf is exactly the Ready sentinel wire form.
func IsReady(buf []byte) bool {
	if len(buf) != ReadySize {
		return false
	}
	if buf[0] != SOFAck || buf[len(buf)-1] != EOF {
		return false
	}

	return [5]byte(buf[1:6]) == readyMagic
}

// Settings is the fixed bootstrap record exchanged once at session start,
// with no framing: it is treated as a trusted bootstrap record.
type Settings struct {
	ProtocolVersion uint32
	PayloadSize     uint32
	FrameCount      uint32
	Reserved        uint32
}

// Pack serializes Settings to its 16-byte wire form.
func (s *Settings) Pack() []byte {
	buf := make([]byte, SettingsSize)
	binary.LittleEndian.PutUint32(buf[0:4], s.ProtocolVersion)
	binary.LittleEndian.PutUint32(buf[4:8], s.PayloadSize)
	binary.LittleEndian.PutUint32(buf[8:12], s.FrameCount)
	binary.LittleEndian.PutUint32(buf[12:16], s.Reserved)

	return buf
}

// ParseSettings parses a Settings record from exactly SettingsSize bytes.
func ParseSettings(buf []byte) (*Settings, error) {
	if len(buf) != SettingsSize {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrBufferTooShort, len(buf), SettingsSize)
	}

	return &Settings{
		ProtocolVersion: binary.LittleEndian.Uint32(buf[0:4]),
		PayloadSize:     binary.LittleEndian.Uint32(buf[4:8]),
		FrameCount:      binary.LittleEndian.Uint32(buf[8:12]),
		Reserved:        binary.LittleEndian.Uint32(buf[12:16]),
	}, nil
}

// PackBootstrapAck serializes the literal 3-byte "ACK" written by the Slave
// during AckExchange.
func PackBootstrapAck() []byte {
	return append([]byte(nil), bootstrapACK[:]...)
}

// IsBootstrapAck reports whether buf is exactly the 3-byte "ACK" literal.
func IsBootstrapAck(buf []byte) bool {
	return len(buf) == 3 && [3]byte(buf) == bootstrapACK
}

// Results is the fixed-size statistics record exchanged at the end of a
// session. Endianness is little-endian on the wire.
type Results struct {
	TotalReceivedBytes uint64
	ReceivedCount      uint32
	ErrorCount         uint32
	RetransmitCount    uint32
	ElapsedSeconds     float64
	ThroughputMBPerSec float64
	CharsPerSec        float64
}

// Pack serializes Results to its 44-byte wire form.
func (r *Results) Pack() []byte {
	buf := make([]byte, ResultsSize)
	binary.LittleEndian.PutUint64(buf[0:8], r.TotalReceivedBytes)
	binary.LittleEndian.PutUint32(buf[8:12], r.ReceivedCount)
	binary.LittleEndian.PutUint32(buf[12:16], r.ErrorCount)
	binary.LittleEndian.PutUint32(buf[16:20], r.RetransmitCount)
	binary.LittleEndian.PutUint64(buf[20:28], math.Float64bits(r.ElapsedSeconds))
	binary.LittleEndian.PutUint64(buf[28:36], math.Float64bits(r.ThroughputMBPerSec))
	binary.LittleEndian.PutUint64(buf[36:44], math.Float64bits(r.CharsPerSec))

	return buf
}

// ParseResults parses a Results record from exactly ResultsSize bytes.
func ParseResults(buf []byte) (*Results, error) {
	if len(buf) != ResultsSize {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrBufferTooShort, len(buf), ResultsSize)
	}

	return &Results{
		TotalReceivedBytes: binary.LittleEndian.Uint64(buf[0:8]),
		ReceivedCount:      binary.LittleEndian.Uint32(buf[8:12]),
		ErrorCount:         binary.LittleEndian.Uint32(buf[12:16]),
		RetransmitCount:    binary.LittleEndian.Uint32(buf[16:20]),
		ElapsedSeconds:     math.Float64frombits(binary.LittleEndian.Uint64(buf[20:28])),
		ThroughputMBPerSec: math.Float64frombits(binary.LittleEndian.Uint64(buf[28:36])),
		CharsPerSec:        math.Float64frombits(binary.LittleEndian.Uint64(buf[36:44])),
	}, nil
}
