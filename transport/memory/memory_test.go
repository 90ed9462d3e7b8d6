package memory

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lockstepio/go-rollback/types"
)

func TestPairDelivery(t *testing.T) {
	a, b := Pair("a", "b")

	require.NoError(t, a.Send("b", []byte("ping")))
	require.Equal(t, 1, b.Pending())

	var gotPeer types.PeerID
	var gotData []byte
	b.Deliver(func(peer types.PeerID, data []byte) {
		gotPeer = peer
		gotData = data
	})
	require.Equal(t, types.PeerID("a"), gotPeer)
	require.Equal(t, []byte("ping"), gotData)
	require.Zero(t, b.Pending())
}

func TestPairUnknownPeerVanishes(t *testing.T) {
	a, b := Pair("a", "b")
	require.NoError(t, a.Send("stranger", []byte("x")))
	require.Zero(t, b.Pending())
}

func TestPairLoss(t *testing.T) {
	a, b := Pair("a", "b", WithLoss(1), WithSeed(7))
	for i := 0; i < 10; i++ {
		require.NoError(t, a.Send("b", []byte{byte(i)}))
	}
	require.Zero(t, b.Pending())
}

func TestPairDuplication(t *testing.T) {
	a, b := Pair("a", "b", WithDuplication(1), WithSeed(7))
	require.NoError(t, a.Send("b", []byte("x")))
	require.Equal(t, 2, b.Pending())
}

func TestPairReorder(t *testing.T) {
	a, b := Pair("a", "b", WithReorder(1), WithSeed(7))
	require.NoError(t, a.Send("b", []byte{1}))
	require.NoError(t, a.Send("b", []byte{2}))

	var got [][]byte
	b.Deliver(func(_ types.PeerID, data []byte) {
		got = append(got, data)
	})
	require.Equal(t, [][]byte{{2}, {1}}, got)
}

func TestSendCopiesData(t *testing.T) {
	a, b := Pair("a", "b")
	buf := []byte("orig")
	require.NoError(t, a.Send("b", buf))
	buf[0] = 'X'

	b.Deliver(func(_ types.PeerID, data []byte) {
		require.Equal(t, []byte("orig"), data)
	})
}
