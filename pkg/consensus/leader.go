package consensus

import "encoding/binary"

type LeaderStrategy[A NodeAddressable] interface {
	LeaderOf(committee Committee[A], payload PayloadId, shard ShardId, round uint32) (A, bool)
}

// PayloadLeaderStrategy rotates leadership through the committee starting at
// an offset derived from the payload id, so different payloads spread over
// different leaders and every replica computes the same leader.
type PayloadLeaderStrategy[A NodeAddressable] struct{}

func (PayloadLeaderStrategy[A]) LeaderOf(committee Committee[A], payload PayloadId, _ ShardId, round uint32) (A, bool) {
	var zero A
	n := committee.Len()
	if n == 0 {
		return zero, false
	}
	seed := binary.LittleEndian.Uint32(payload[:4])
	idx := (uint64(seed) + uint64(round)) % uint64(n)
	return committee.Members[idx], true
}

func IsLeader[A NodeAddressable](s LeaderStrategy[A], self A, committee Committee[A], payload PayloadId, shard ShardId, round uint32) bool {
	leader, ok := s.LeaderOf(committee, payload, shard, round)
	return ok && leader == self
}
