package pairedduplex

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWriteIsReadByPeer(t *testing.T) {
	require := require.New(t)

	a, b := New(115200, Fault{}, Fault{})

	_, err := a.Write([]byte("hello"))
	require.NoError(err)

	buf := make([]byte, 5)
	n, err := b.ReadSome(buf, time.Second)
	require.NoError(err)
	require.Equal(5, n)
	require.Equal("hello", string(buf))
}

func TestReadSomeTimesOutWithNoData(t *testing.T) {
	require := require.New(t)

	a, _ := New(115200, Fault{}, Fault{})

	buf := make([]byte, 1)
	_, err := a.ReadSome(buf, 20*time.Millisecond)
	require.ErrorIs(err, ErrTimeout)
}

func TestReadFullBlocksUntilFullyFilled(t *testing.T) {
	require := require.New(t)

	a, b := New(115200, Fault{}, Fault{})

	go func() {
		time.Sleep(10 * time.Millisecond)
		_, _ = a.Write([]byte{1, 2})
		time.Sleep(10 * time.Millisecond)
		_, _ = a.Write([]byte{3, 4})
	}()

	buf := make([]byte, 4)
	err := b.ReadFull(buf, time.Second)
	require.NoError(err)
	require.Equal([]byte{1, 2, 3, 4}, buf)
}

func TestPurgeDiscardsQueuedBytes(t *testing.T) {
	require := require.New(t)

	a, b := New(115200, Fault{}, Fault{})

	_, err := a.Write([]byte{1, 2, 3})
	require.NoError(err)

	require.NoError(b.Purge())

	buf := make([]byte, 1)
	_, err = b.ReadSome(buf, 20*time.Millisecond)
	require.ErrorIs(err, ErrTimeout)
}

func TestCloseCausesReadsToReturnErrClosed(t *testing.T) {
	require := require.New(t)

	a, b := New(115200, Fault{}, Fault{})

	require.NoError(a.Close())

	buf := make([]byte, 1)
	_, err := b.ReadSome(buf, time.Second)
	require.ErrorIs(err, ErrClosed)
}

func TestFaultDropProbDropsBytesDeterministically(t *testing.T) {
	require := require.New(t)

	fault := Fault{DropProb: 1.0, Rand: rand.New(rand.NewSource(1))}
	a, b := New(115200, fault, Fault{})

	n, err := a.Write([]byte{1, 2, 3})
	require.NoError(err)
	require.Equal(3, n) // Write reports len(p) regardless of simulated loss

	buf := make([]byte, 1)
	_, err = b.ReadSome(buf, 20*time.Millisecond)
	require.ErrorIs(err, ErrTimeout) // everything was dropped
}

func TestFaultLatencyDelaysVisibility(t *testing.T) {
	require := require.New(t)

	fault := Fault{Latency: 50 * time.Millisecond}
	a, b := New(115200, fault, Fault{})

	start := time.Now()
	_, err := a.Write([]byte{1})
	require.NoError(err)
	require.GreaterOrEqual(time.Since(start), 50*time.Millisecond)

	buf := make([]byte, 1)
	n, err := b.ReadSome(buf, time.Second)
	require.NoError(err)
	require.Equal(1, n)
}

func TestBaudRateReportsConfiguredValue(t *testing.T) {
	require := require.New(t)

	a, b := New(9600, Fault{}, Fault{})
	require.Equal(9600, a.BaudRate())
	require.Equal(9600, b.BaudRate())
}
