package storage

import (
	"encoding/binary"
	"encoding/json"
	"sort"

	"github.com/uhyunpark/shardbft/pkg/consensus"
)

// Shard store key schema. Every fixed-width component is raw bytes so that
// prefix iteration over "obj:" walks shards in ascending order.
//
//	hqc:<shard>                          high QC
//	leaf:<shard>                         leaf node ref
//	voted:<shard>                        last voted height and round
//	lock:<shard>                         locked node ref
//	vote:<node><shard><voter>            received vote
//	prop:<payload><height BE><shard>     leader proposal
//	node:<hash>                          tree node
//	exec:<shard>                         last executed height
//	payload:<id>                         payload
//	obj:<shard>                          substate row and pledge
const (
	prefixHighQC   = "hqc:"
	prefixLeaf     = "leaf:"
	prefixVoted    = "voted:"
	prefixLocked   = "lock:"
	prefixVote     = "vote:"
	prefixProposal = "prop:"
	prefixNode     = "node:"
	prefixExecuted = "exec:"
	prefixPayload  = "payload:"
	prefixObject   = "obj:"
)

func key(prefix string, parts ...[]byte) []byte {
	n := len(prefix)
	for _, p := range parts {
		n += len(p)
	}
	k := make([]byte, 0, n)
	k = append(k, prefix...)
	for _, p := range parts {
		k = append(k, p...)
	}
	return k
}

func heightKey(h consensus.NodeHeight) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(h))
	return b[:]
}

// prefixUpperBound returns the smallest key greater than every key with the
// given prefix, or nil when no such key exists.
func prefixUpperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

func encodeJSON(v any) ([]byte, error) { return json.Marshal(v) }
func decodeJSON(b []byte, v any) error { return json.Unmarshal(b, v) }

func sortShardIds(ids []consensus.ShardId) {
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })
}

func sortedShards[V any](m map[consensus.ShardId]V) []consensus.ShardId {
	out := make([]consensus.ShardId, 0, len(m))
	for s := range m {
		out = append(out, s)
	}
	sortShardIds(out)
	return out
}
