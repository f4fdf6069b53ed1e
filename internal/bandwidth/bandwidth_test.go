package bandwidth

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCounterAccumulates(t *testing.T) {
	c := newCounter()
	c.RecordIngress(100)
	c.RecordIngress(50)
	c.RecordEgress(10)

	require.Equal(t, uint64(150), c.Ingress())
	require.Equal(t, uint64(10), c.Egress())
}

func TestRerankUnchokesTopUploaders(t *testing.T) {
	s := NewScheduler(2)

	s.Counter("peer-a").RecordIngress(1000)
	s.Counter("peer-b").RecordIngress(500)
	s.Counter("peer-c").RecordIngress(100)
	s.Counter("peer-d").RecordIngress(10)

	unchoked := s.Rerank()

	require.True(t, unchoked["peer-a"])
	require.True(t, unchoked["peer-b"])
	require.Len(t, unchoked, 3, "top 2 plus one optimistic slot")
}

func TestRerankWithFewerPeersThanSlots(t *testing.T) {
	s := NewScheduler(4)
	s.Counter("peer-a").RecordIngress(100)
	s.Counter("peer-b").RecordIngress(50)

	unchoked := s.Rerank()
	require.Len(t, unchoked, 2, "no optimistic slot left once everyone is already unchoked")
	require.True(t, unchoked["peer-a"])
	require.True(t, unchoked["peer-b"])
}

func TestRemoveDropsCounter(t *testing.T) {
	s := NewScheduler(4)
	s.Counter("peer-a").RecordIngress(100)
	s.Remove("peer-a")

	unchoked := s.Rerank()
	require.Empty(t, unchoked)
}
