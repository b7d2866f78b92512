package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/serialarq/linkbench/duplex/pairedduplex"
	"github.com/serialarq/linkbench/frame"
)

func testOptions() []Option {
	return []Option{
		WithOpenSettleDelay(10 * time.Millisecond),
		WithSettingsTimeout(time.Second),
		WithAckTimeout(time.Second),
		WithReadySyncTimeout(2 * time.Second),
		WithReadySyncPoll(5 * time.Millisecond),
	}
}

func TestSessionHappyPathBothPeersComplete(t *testing.T) {
	require := require.New(t)

	const payloadSize = 16
	const frameCount = 12

	masterDuplex, slaveDuplex := pairedduplex.New(115200, pairedduplex.Fault{}, pairedduplex.Fault{})

	masterCfg, err := NewConfig(Master, 115200, append(testOptions(),
		WithPayloadSize(payloadSize),
		WithFrameCount(frameCount),
	)...)
	require.NoError(err)

	slaveCfg, err := NewConfig(Slave, 115200, testOptions()...)
	require.NoError(err)

	master := New(masterCfg, masterDuplex)
	slave := New(slaveCfg, slaveDuplex)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	masterErr := make(chan error, 1)
	slaveErr := make(chan error, 1)

	go func() { masterErr <- master.Run(ctx) }()
	go func() { slaveErr <- slave.Run(ctx) }()

	require.NoError(<-masterErr)
	require.NoError(<-slaveErr)

	masterSelf, masterPeer := master.Results()
	slaveSelf, slavePeer := slave.Results()

	require.NotNil(masterSelf)
	require.NotNil(slaveSelf)
	require.Equal(uint32(frameCount), slaveSelf.ReceivedCount) // Slave received Phase1 (Master sends)
	require.Equal(uint32(frameCount), masterSelf.ReceivedCount) // Master received Phase2 (Slave sends)
	require.Equal(uint32(0), masterSelf.ErrorCount)
	require.Equal(uint32(0), slaveSelf.ErrorCount)

	// Each peer's view of the other's results (exchanged in ResultsExchange)
	// matches what the other peer actually computed locally.
	require.Equal(masterSelf.ReceivedCount, slavePeer.ReceivedCount)
	require.Equal(slaveSelf.ReceivedCount, masterPeer.ReceivedCount)
}

// TestSessionHandlesSingleFrameTransfer covers spec §8's frame_count == 1
// boundary case end to end: a session whose only frame is frame 0 must
// still complete both data phases successfully.
func TestSessionHandlesSingleFrameTransfer(t *testing.T) {
	require := require.New(t)

	const payloadSize = 4
	const frameCount = 1

	masterDuplex, slaveDuplex := pairedduplex.New(115200, pairedduplex.Fault{}, pairedduplex.Fault{})

	masterCfg, err := NewConfig(Master, 115200, append(testOptions(),
		WithPayloadSize(payloadSize),
		WithFrameCount(frameCount),
	)...)
	require.NoError(err)

	slaveCfg, err := NewConfig(Slave, 115200, testOptions()...)
	require.NoError(err)

	master := New(masterCfg, masterDuplex)
	slave := New(slaveCfg, slaveDuplex)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	masterErr := make(chan error, 1)
	slaveErr := make(chan error, 1)

	go func() { masterErr <- master.Run(ctx) }()
	go func() { slaveErr <- slave.Run(ctx) }()

	require.NoError(<-masterErr)
	require.NoError(<-slaveErr)

	masterSelf, _ := master.Results()
	slaveSelf, _ := slave.Results()

	require.Equal(uint32(frameCount), masterSelf.ReceivedCount)
	require.Equal(uint32(frameCount), slaveSelf.ReceivedCount)
	require.Equal(uint32(0), masterSelf.ErrorCount)
	require.Equal(uint32(0), slaveSelf.ErrorCount)
}

func TestSessionRejectsMismatchedProtocolVersion(t *testing.T) {
	require := require.New(t)

	testWriter, slaveDuplex := pairedduplex.New(115200, pairedduplex.Fault{}, pairedduplex.Fault{})

	slaveCfg, err := NewConfig(Slave, 115200, testOptions()...)
	require.NoError(err)

	slave := New(slaveCfg, slaveDuplex)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	go func() {
		time.Sleep(20 * time.Millisecond) // let the Slave pass Open before writing

		badSettings := &frame.Settings{
			ProtocolVersion: ProtocolVersion + 1,
			PayloadSize:     8,
			FrameCount:      4,
		}
		_, _ = testWriter.Write(badSettings.Pack())
	}()

	err = slave.Run(ctx)
	require.ErrorIs(err, ErrVersionMismatch)
}

func TestSessionRejectsBadBootstrapAck(t *testing.T) {
	require := require.New(t)

	masterDuplex, testWriter := pairedduplex.New(115200, pairedduplex.Fault{}, pairedduplex.Fault{})

	masterCfg, err := NewConfig(Master, 115200, append(testOptions(),
		WithPayloadSize(8),
		WithFrameCount(4),
	)...)
	require.NoError(err)

	master := New(masterCfg, masterDuplex)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	go func() {
		// Drain the Settings record the Master writes, then respond with a
		// malformed bootstrap ACK instead of the real "ACK" literal.
		buf := make([]byte, frame.SettingsSize)
		_ = testWriter.ReadFull(buf, time.Second)
		_, _ = testWriter.Write([]byte("NAK"))
	}()

	err = master.Run(ctx)
	require.ErrorIs(err, ErrBootstrapAckMismatch)
}
