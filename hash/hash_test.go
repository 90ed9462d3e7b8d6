package hash

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSum(t *testing.T) {
	a := Sum([]byte("hello"))
	b := Sum([]byte("hello"))
	require.Equal(t, a, b)
	require.Len(t, a[:], Size)
	require.NotEqual(t, a, Sum([]byte("hello!")))
}

func TestChecksum(t *testing.T) {
	require.Equal(t, Checksum([]byte("state")), Checksum([]byte("state")))
	require.NotEqual(t, Checksum([]byte("state")), Checksum([]byte("state2")))
	require.NotZero(t, Checksum(nil))
}
