package mpack

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Hash   string `msgpack:"hash"`
	Ledger int    `msgpack:"ledger"`
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	in := sample{Hash: "ABCDEF", Ledger: 42}

	blob, err := Encode(in)
	require.NoError(t, err)
	assert.NotEmpty(t, blob)

	var out sample
	require.NoError(t, Decode(blob, &out))
	assert.Equal(t, in, out)
}

func TestDecode_EmptyBlobIsNoop(t *testing.T) {
	var out sample
	require.NoError(t, Decode(nil, &out))
	assert.Equal(t, sample{}, out)
}
