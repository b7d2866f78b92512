package reassembler

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOfferInOrderDeliversImmediately(t *testing.T) {
	require := require.New(t)

	r := New()

	outcome, delivered := r.Offer(0, []byte{1}, true)
	require.Equal(Delivered, outcome)
	require.Equal([]Item{{Payload: []byte{1}, Valid: true}}, delivered)
	require.Equal(uint32(1), r.NextExpected())
}

func TestOfferOutOfOrderBuffersThenDeliversRun(t *testing.T) {
	require := require.New(t)

	r := New()

	outcome, delivered := r.Offer(2, []byte{'c'}, true)
	require.Equal(Buffered, outcome)
	require.Nil(delivered)
	require.Equal(1, r.Pending())

	outcome, delivered = r.Offer(1, []byte{'b'}, true)
	require.Equal(Buffered, outcome)
	require.Nil(delivered)
	require.Equal(2, r.Pending())

	outcome, delivered = r.Offer(0, []byte{'a'}, true)
	require.Equal(Delivered, outcome)
	require.Equal([]Item{
		{Payload: []byte{'a'}, Valid: true},
		{Payload: []byte{'b'}, Valid: true},
		{Payload: []byte{'c'}, Valid: true},
	}, delivered)
	require.Equal(uint32(3), r.NextExpected())
	require.Equal(0, r.Pending())
}

func TestOfferDuplicateBelowNextExpected(t *testing.T) {
	require := require.New(t)

	r := New()
	r.Offer(0, []byte{1}, true)

	outcome, delivered := r.Offer(0, []byte{1}, true)
	require.Equal(Duplicate, outcome)
	require.Nil(delivered)
}

func TestOfferDuplicateAlreadyBuffered(t *testing.T) {
	require := require.New(t)

	r := New()
	r.Offer(5, []byte{1}, true) // buffered, waiting on 0..4

	outcome, delivered := r.Offer(5, []byte{1}, true)
	require.Equal(Duplicate, outcome)
	require.Nil(delivered)
	require.Equal(1, r.Pending())
}

// TestOfferInvalidStillConsumesSlot exercises the "delivered but erroneous"
// policy: a frame whose content failed validation still advances
// NextExpected and is reported as Delivered, so a single
// corrupted payload does not stall the rest of the run behind it. The caller
// is expected to inspect Item.Valid to drive its own error counter.
func TestOfferInvalidStillConsumesSlot(t *testing.T) {
	require := require.New(t)

	r := New()

	outcome, delivered := r.Offer(0, []byte{1}, false)
	require.Equal(Delivered, outcome)
	require.Equal([]Item{{Payload: []byte{1}, Valid: false}}, delivered)
	require.Equal(uint32(1), r.NextExpected())

	// A later re-arrival of the same frame number (e.g. a harness that
	// retransmits anyway) is now a duplicate, not a second delivery.
	outcome, delivered = r.Offer(0, []byte{1}, true)
	require.Equal(Duplicate, outcome)
	require.Nil(delivered)
}

func TestOfferInvalidBufferedAheadStillDeliversOnRun(t *testing.T) {
	require := require.New(t)

	r := New()

	outcome, delivered := r.Offer(1, []byte{'b'}, false)
	require.Equal(Buffered, outcome)
	require.Nil(delivered)

	outcome, delivered = r.Offer(0, []byte{'a'}, true)
	require.Equal(Delivered, outcome)
	require.Equal([]Item{
		{Payload: []byte{'a'}, Valid: true},
		{Payload: []byte{'b'}, Valid: false},
	}, delivered)
	require.Equal(uint32(2), r.NextExpected())
}
