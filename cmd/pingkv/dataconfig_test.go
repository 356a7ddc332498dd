package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tictockv/mvcc"
)

func TestKeyCompareNumericNotLexicographic(t *testing.T) {
	cfg := ipv4Config{}
	// Lexicographically "10.0.0.10" < "10.0.0.9", but numerically the
	// reverse holds — the whole point of the custom comparator.
	assert.Less(t, cfg.KeyCompare([]byte("10.0.0.9"), []byte("10.0.0.10")), 0)
	assert.Equal(t, 0, cfg.KeyCompare([]byte("1.2.3.4"), []byte("1.2.3.4")))
}

func TestMergeTuplesAccumulatesMinAvgMax(t *testing.T) {
	cfg := ipv4Config{}

	insertMsg := mvcc.Message{Class: mvcc.MessageInsert, Payload: singlePing("example.com", 10).encode()}
	update1 := mvcc.Message{Class: mvcc.MessageUpdate, Payload: singlePing("example.com", 20).encode()}

	merged, err := cfg.MergeTuples([]byte("1.2.3.4"), insertMsg, update1)
	require.NoError(t, err)
	assert.Equal(t, mvcc.MessageInsert, merged.Class, "merging into an INSERT must keep it dispatchable as an INSERT")

	m, err := decodePingMetrics(merged.Payload)
	require.NoError(t, err)
	assert.Equal(t, uint32(10), m.MinMS)
	assert.Equal(t, uint32(20), m.MaxMS)
	assert.Equal(t, uint32(15), m.AvgMS())
	assert.Equal(t, uint32(2), m.NumPings)
}

func TestMergeTuplesFinalFoldsAgainstCommittedBase(t *testing.T) {
	cfg := ipv4Config{}

	base := pingMetrics{MinMS: 5, SumMS: 15, MaxMS: 10, NumPings: 3, WWWName: "example.com"}.encode()
	acc := mvcc.Message{Class: mvcc.MessageUpdate, Payload: singlePing("example.com", 1).encode()}

	out, err := cfg.MergeTuplesFinal([]byte("1.2.3.4"), base, acc)
	require.NoError(t, err)

	m, err := decodePingMetrics(out)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), m.MinMS)
	assert.Equal(t, uint32(10), m.MaxMS)
	assert.Equal(t, uint32(4), m.NumPings)
	assert.Equal(t, uint32(16)/4, m.AvgMS())
}

func TestMergeTuplesFinalWithNilBase(t *testing.T) {
	cfg := ipv4Config{}
	acc := mvcc.Message{Class: mvcc.MessageUpdate, Payload: singlePing("example.com", 7).encode()}

	out, err := cfg.MergeTuplesFinal([]byte("1.2.3.4"), nil, acc)
	require.NoError(t, err)

	m, err := decodePingMetrics(out)
	require.NoError(t, err)
	assert.Equal(t, uint32(7), m.MinMS)
	assert.Equal(t, uint32(7), m.MaxMS)
	assert.Equal(t, uint32(1), m.NumPings)
}
