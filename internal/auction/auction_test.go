package auction

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewItemAssignsMonotonicIDs(t *testing.T) {
	r := NewRegistry()

	a := r.NewItem("Mug", 5.0, "10.0.0.1:4000")
	b := r.NewItem("Lamp", 8.0, "10.0.0.1:4000")

	assert.Equal(t, uint32(1), a.ID)
	assert.Equal(t, uint32(2), b.ID)
	assert.Equal(t, a.Minimum, a.CurrentHighest)
	assert.Empty(t, a.HighestBidder)
	assert.False(t, a.Sold())
}

func TestBidRules(t *testing.T) {
	seller := "10.0.0.1:4000"
	bidder := "10.0.0.2:4000"
	other := "10.0.0.3:4000"

	r := NewRegistry()
	it := r.NewItem("Mug", 5.0, seller)

	// Unknown item.
	_, outcome := r.Bid(99, 10.0, bidder)
	assert.Equal(t, BidUnknownItem, outcome)

	// At or below the current highest.
	_, outcome = r.Bid(it.ID, 4.0, bidder)
	assert.Equal(t, BidTooLow, outcome)
	_, outcome = r.Bid(it.ID, 5.0, bidder)
	assert.Equal(t, BidTooLow, outcome)

	// Accepted.
	got, outcome := r.Bid(it.ID, 6.0, bidder)
	require.Equal(t, BidAccepted, outcome)
	assert.Equal(t, float32(6.0), got.CurrentHighest)
	assert.Equal(t, bidder, got.HighestBidder)
	assert.True(t, got.Sold())

	// Seller cannot bid on their own item, even above the highest.
	_, outcome = r.Bid(it.ID, 10.0, seller)
	assert.Equal(t, BidOwnItem, outcome)
	assert.Equal(t, float32(6.0), it.CurrentHighest)
	assert.Equal(t, bidder, it.HighestBidder)

	// Matching the highest is rejected.
	_, outcome = r.Bid(it.ID, 6.0, other)
	assert.Equal(t, BidTooLow, outcome)
	assert.Equal(t, bidder, it.HighestBidder)
}

func TestBidInvariants(t *testing.T) {
	r := NewRegistry()
	it := r.NewItem("Mug", 5.0, "seller:1")

	// No bidder while current highest equals minimum.
	assert.Equal(t, it.Minimum, it.CurrentHighest)
	assert.Empty(t, it.HighestBidder)

	_, outcome := r.Bid(it.ID, 7.5, "bidder:1")
	require.Equal(t, BidAccepted, outcome)

	assert.Greater(t, it.CurrentHighest, it.Minimum)
	assert.NotEmpty(t, it.HighestBidder)
	assert.NotEqual(t, it.Seller, it.HighestBidder)
}

func TestSellerAndBidderQueries(t *testing.T) {
	r := NewRegistry()
	it := r.NewItem("Mug", 5.0, "seller:1")
	r.NewItem("Lamp", 3.0, "seller:2")

	assert.True(t, r.IsSeller("seller:1"))
	assert.False(t, r.IsSeller("bidder:1"))
	assert.Equal(t, 1, r.NumOffers("seller:1"))

	_, outcome := r.Bid(it.ID, 9.0, "bidder:1")
	require.Equal(t, BidAccepted, outcome)
	assert.True(t, r.IsHighestBidder("bidder:1"))
	assert.False(t, r.IsHighestBidder("seller:2"))

	r.Remove(it.ID)
	assert.False(t, r.IsSeller("seller:1"))
	assert.False(t, r.IsHighestBidder("bidder:1"))
	assert.Nil(t, r.Get(it.ID))
	assert.Equal(t, 1, r.Len())
}

func TestRestoreAdvancesIDCounter(t *testing.T) {
	r := NewRegistry()
	r.Restore(&Item{ID: 7, Description: "Mug", Minimum: 5.0, CurrentHighest: 5.0, Seller: "seller:1"})

	next := r.NewItem("Lamp", 3.0, "seller:2")
	assert.Equal(t, uint32(8), next.ID)
	assert.NotNil(t, r.Get(7))
}
