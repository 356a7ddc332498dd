package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"tictockv/mvcc"
)

// pingMetrics tracks a running min/sum/max over every ping recorded for
// one IPv4 target, plus the site name the first INSERT carried.
type pingMetrics struct {
	MinMS    uint32 `json:"min_ms"`
	SumMS    uint32 `json:"sum_ms"`
	MaxMS    uint32 `json:"max_ms"`
	NumPings uint32 `json:"num_pings"`
	WWWName  string `json:"www_name"`
}

// AvgMS synthesizes the average from the running sum: keeping only
// min/sum/max/count lets MergeTuples combine two readings without ever
// needing the individual samples back.
func (m pingMetrics) AvgMS() uint32 {
	if m.NumPings == 0 {
		return 0
	}
	return m.SumMS / m.NumPings
}

func (m pingMetrics) encode() []byte {
	b, err := json.Marshal(m)
	if err != nil {
		panic(fmt.Sprintf("pingkv: marshal pingMetrics: %v", err))
	}
	return b
}

func decodePingMetrics(b []byte) (pingMetrics, error) {
	var m pingMetrics
	if len(b) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(b, &m); err != nil {
		return pingMetrics{}, fmt.Errorf("pingkv: unmarshal pingMetrics: %w", err)
	}
	return m, nil
}

func combinePingMetrics(a, b pingMetrics) pingMetrics {
	out := pingMetrics{
		SumMS:    a.SumMS + b.SumMS,
		NumPings: a.NumPings + b.NumPings,
		WWWName:  a.WWWName,
	}
	if out.WWWName == "" {
		out.WWWName = b.WWWName
	}
	switch {
	case a.NumPings == 0:
		out.MinMS, out.MaxMS = b.MinMS, b.MaxMS
	case b.NumPings == 0:
		out.MinMS, out.MaxMS = a.MinMS, a.MaxMS
	default:
		out.MinMS = min(a.MinMS, b.MinMS)
		out.MaxMS = max(a.MaxMS, b.MaxMS)
	}
	return out
}

// singlePing builds the one-reading delta an UPDATE message carries.
func singlePing(site string, elapsedMS uint32) pingMetrics {
	return pingMetrics{MinMS: elapsedMS, SumMS: elapsedMS, MaxMS: elapsedMS, NumPings: 1, WWWName: site}
}

// ipv4Config is the DataConfig pingkv uses: keys are dotted-quad IPv4
// strings, compared numerically per octet rather than lexicographically
// (so "10.0.0.9" sorts before "10.0.0.10"), and values are ping metrics
// merged via running min/avg/max/count.
type ipv4Config struct{}

func (ipv4Config) KeyCompare(a, b []byte) int {
	oa, erra := splitOctets(a)
	ob, errb := splitOctets(b)
	if erra != nil || errb != nil {
		return bytes.Compare(a, b)
	}
	for i := range oa {
		if oa[i] != ob[i] {
			return int(oa[i]) - int(ob[i])
		}
	}
	return 0
}

func splitOctets(key []byte) ([4]int, error) {
	var out [4]int
	parts := strings.Split(string(key), ".")
	if len(parts) != 4 {
		return out, fmt.Errorf("pingkv: %q is not a dotted-quad IPv4 address", key)
	}
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n > 255 {
			return out, fmt.Errorf("pingkv: invalid octet %q in %q", p, key)
		}
		out[i] = n
	}
	return out, nil
}

// MergeTuples folds a freshly-buffered UPDATE reading into whatever this
// transaction already has buffered for the same key, regardless of
// whether that buffered message is the INSERT that first discovered the
// site or an earlier UPDATE in the same transaction.
func (ipv4Config) MergeTuples(_ []byte, older, newer mvcc.Message) (mvcc.Message, error) {
	o, err := decodePingMetrics(older.Payload)
	if err != nil {
		return mvcc.Message{}, err
	}
	n, err := decodePingMetrics(newer.Payload)
	if err != nil {
		return mvcc.Message{}, err
	}
	return mvcc.Message{Class: older.Class, Payload: combinePingMetrics(o, n).encode()}, nil
}

// MergeTuplesFinal collapses a chain of buffered UPDATE readings against
// the currently committed value, the way a KVS backend (or a read-own-
// write lookup) produces the value a caller actually observes.
func (ipv4Config) MergeTuplesFinal(_ []byte, base []byte, acc mvcc.Message) ([]byte, error) {
	b, err := decodePingMetrics(base)
	if err != nil {
		return nil, err
	}
	a, err := decodePingMetrics(acc.Payload)
	if err != nil {
		return nil, err
	}
	return combinePingMetrics(b, a).encode(), nil
}
