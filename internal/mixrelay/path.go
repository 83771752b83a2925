// Package mixrelay implements the Mix Relay Engine: XOR-distance path
// selection, onion build/peel, and jittered forwarding.
package mixrelay

import (
	"encoding/hex"
	"errors"
	"math/big"
	"sort"

	"github.com/lattice-mesh/meshnet/pkg/wire"
)

// ErrUnknownDestination is returned when the destination node-id is
// not a known peer with an advertised pub-key.
var ErrUnknownDestination = errors.New("mixrelay: unknown destination")

// xorDistance treats hex node-ids as big-endian integers, left-padding
// to equal length, and returns their XOR distance.
func xorDistance(a, b string) *big.Int {
	da, _ := hex.DecodeString(a)
	db, _ := hex.DecodeString(b)
	n := len(da)
	if len(db) > n {
		n = len(db)
	}
	pa := make([]byte, n)
	pb := make([]byte, n)
	copy(pa[n-len(da):], da)
	copy(pb[n-len(db):], db)
	out := make([]byte, n)
	for i := range out {
		out[i] = pa[i] ^ pb[i]
	}
	return new(big.Int).SetBytes(out)
}

// SelectPath builds a path of up to maxLen peers ending at destNodeID:
// require the destination to be a known peer with a pub-key; from the
// remaining peers, sort by descending XOR distance from selfNodeID and
// take the first maxLen-1; append the destination last.
func SelectPath(selfNodeID, destNodeID string, peers []wire.PeerRecord, maxLen int) ([]wire.PeerRecord, error) {
	if maxLen < 1 {
		maxLen = 4
	}

	var dest *wire.PeerRecord
	candidates := make([]wire.PeerRecord, 0, len(peers))
	for i := range peers {
		p := peers[i]
		if p.NodeID == destNodeID {
			if p.PubKeyB64 == "" {
				continue
			}
			cp := p
			dest = &cp
			continue
		}
		if p.NodeID == selfNodeID || p.PubKeyB64 == "" {
			continue
		}
		candidates = append(candidates, p)
	}
	if dest == nil {
		return nil, ErrUnknownDestination
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		di := xorDistance(selfNodeID, candidates[i].NodeID)
		dj := xorDistance(selfNodeID, candidates[j].NodeID)
		return di.Cmp(dj) > 0
	})

	intermediateCount := maxLen - 1
	if intermediateCount > len(candidates) {
		intermediateCount = len(candidates)
	}
	path := make([]wire.PeerRecord, 0, intermediateCount+1)
	path = append(path, candidates[:intermediateCount]...)
	path = append(path, *dest)
	return path, nil
}
