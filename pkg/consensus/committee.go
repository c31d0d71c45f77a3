package consensus

type ValidatorNode[A NodeAddressable] struct {
	PublicKey A       `json:"public_key"`
	ShardKey  ShardId `json:"shard_key"`
	Epoch     Epoch   `json:"epoch"`
}

// Committee is the ordered set of validators responsible for a shard in an epoch.
type Committee[A NodeAddressable] struct {
	Members []A `json:"members"`
}

func NewCommittee[A NodeAddressable](members []A) Committee[A] {
	return Committee[A]{Members: members}
}

func (c Committee[A]) Len() int { return len(c.Members) }

func (c Committee[A]) Contains(a A) bool {
	for _, m := range c.Members {
		if m == a {
			return true
		}
	}
	return false
}

// QuorumThreshold is 2f+1 for n = 3f+1 members.
func (c Committee[A]) QuorumThreshold() int {
	n := len(c.Members)
	if n == 0 {
		return 0
	}
	return n - (n-1)/3
}
