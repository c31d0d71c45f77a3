package epoch

import (
	"bytes"
	"sort"

	"github.com/uhyunpark/shardbft/pkg/consensus"
)

// Registration is a validator registration as read from the global DB.
type Registration struct {
	PublicKey []byte
	ShardKey  consensus.ShardId
	Epoch     consensus.Epoch
}

// ActiveSet keeps the latest registration per public key and orders the
// result by shard key, then public key.
func ActiveSet(regs []Registration) []Registration {
	latest := make(map[string]int, len(regs))
	out := make([]Registration, 0, len(regs))
	for _, r := range regs {
		i, ok := latest[string(r.PublicKey)]
		if !ok {
			latest[string(r.PublicKey)] = len(out)
			out = append(out, r)
			continue
		}
		if r.Epoch >= out[i].Epoch {
			out[i] = r
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if c := out[i].ShardKey.Compare(out[j].ShardKey); c != 0 {
			return c < 0
		}
		return bytes.Compare(out[i].PublicKey, out[j].PublicKey) < 0
	})
	return out
}

// SelectCommittee picks the committee for shard from a ring of validators
// sorted by shard key: half = ceil(size/2) validators on each side of the
// shard's position, wrapping around the ring. When there are fewer than
// 2*half validators every one of them is in the committee.
func SelectCommittee(sorted []Registration, committeeSize uint32, shard consensus.ShardId) []Registration {
	half := int((committeeSize + 1) / 2)
	n := len(sorted)
	if n < 2*half {
		return append([]Registration(nil), sorted...)
	}
	mid := sort.Search(n, func(i int) bool { return !sorted[i].ShardKey.Less(shard) })
	out := make([]Registration, 0, 2*half)
	for i := mid - half; i < mid+half; i++ {
		out = append(out, sorted[((i%n)+n)%n])
	}
	return out
}

// CommitteeShardRange is the inclusive shard range a committee is responsible
// for: the whole space when the committee is smaller than committeeSize,
// otherwise first to last member shard key.
func CommitteeShardRange(committeeSize uint32, committee []Registration) (consensus.ShardId, consensus.ShardId) {
	if len(committee) == 0 || len(committee) < int(committeeSize) {
		return consensus.ZeroShardId(), consensus.MaxShardId()
	}
	return committee[0].ShardKey, committee[len(committee)-1].ShardKey
}
