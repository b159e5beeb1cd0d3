package parity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenewIsXorOfAllData(t *testing.T) {
	d0 := []byte{1, 0, 0, 0, 0, 0, 0, 0}
	d1 := []byte{2, 0, 0, 0, 0, 0, 0, 0}
	d2 := []byte{4, 0, 0, 0, 0, 0, 0, 0}

	p := make([]byte, 8)
	require.NoError(t, Renew(d0, p))
	require.NoError(t, To(d1, p, 0))
	require.NoError(t, To(d2, p, 0))

	assert.Equal(t, byte(7), p[0])
}

func TestParityIsSelfInverse(t *testing.T) {
	oldData := []byte{0xFF, 0, 0, 0, 0, 0, 0, 0}
	newData := []byte{0x0F, 0, 0, 0, 0, 0, 0, 0}
	p := []byte{0xAA, 0, 0, 0, 0, 0, 0, 0}

	orig := append([]byte(nil), p...)

	// Incremental update: parity ^= (old ^ new).
	require.NoError(t, To(oldData, p, 0))
	require.NoError(t, To(newData, p, 0))

	assert.NotEqual(t, orig, p)

	// Applying the same delta twice returns to the original parity.
	require.NoError(t, To(oldData, p, 0))
	require.NoError(t, To(newData, p, 0))
	assert.Equal(t, orig, p)
}

func TestToWraps(t *testing.T) {
	data := make([]byte, 16)
	data[0] = 1
	data[8] = 2

	parity := make([]byte, 8)
	require.NoError(t, To(data, parity, 0))
	assert.Equal(t, byte(1^2), parity[0])
}

func TestToRejectsUnalignedLengths(t *testing.T) {
	assert.Error(t, To(make([]byte, 7), make([]byte, 8), 0))
	assert.Error(t, To(make([]byte, 8), make([]byte, 7), 0))
	assert.Error(t, To(make([]byte, 8), make([]byte, 16), 3))
}
