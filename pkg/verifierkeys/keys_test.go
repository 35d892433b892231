package verifierkeys

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewDerivesDistinctKeys(t *testing.T) {
	store, err := Dummy(4)
	require.NoError(t, err)
	require.Len(t, store.keys, 4)

	seen := make(map[[33]byte]bool)
	for _, k := range store.keys {
		require.False(t, seen[k.PublicCompressed], "derived keys must be distinct")
		seen[k.PublicCompressed] = true
	}
}

func TestCheckoutAndReturn(t *testing.T) {
	store, err := Dummy(2)
	require.NoError(t, err)

	pub := store.keys[0].PublicCompressed

	kp, err := store.Checkout(pub[:])
	require.NoError(t, err)
	require.Equal(t, 0, kp.Index)

	_, err = store.Checkout(pub[:])
	require.ErrorIs(t, err, ErrAlreadyInUse)

	require.NoError(t, store.Return(pub[:]))

	kp2, err := store.Checkout(pub[:])
	require.NoError(t, err)
	require.Equal(t, kp.PublicCompressed, kp2.PublicCompressed)
}

func TestCheckoutNotFound(t *testing.T) {
	store, err := Dummy(1)
	require.NoError(t, err)
	_, err = store.Checkout(make([]byte, 33))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestNextExhaustsPool(t *testing.T) {
	store, err := Dummy(2)
	require.NoError(t, err)

	_, err = store.Next()
	require.NoError(t, err)
	_, err = store.Next()
	require.NoError(t, err)
	_, err = store.Next()
	require.ErrorIs(t, err, ErrNoMoreKeys)
}

func TestCheckoutAcceptsUncompressedKey(t *testing.T) {
	store, err := Dummy(1)
	require.NoError(t, err)
	pub := store.keys[0].PublicUncompressed

	kp, err := store.Checkout(pub[:])
	require.NoError(t, err)
	require.Equal(t, 0, kp.Index)
}
