package consensus

// Payload is the unit of agreement. InvolvedShards is the complete read/write
// set; ObjectsForShard describes what consensus pledges on the payload's behalf
// for one of those shards. ConsensusHash must be a pure function of content.
type Payload interface {
	InvolvedShards() []ShardId
	ObjectsForShard(shard ShardId) (SubstateChange, ObjectClaim, bool)
	MaxOutputs() uint32
	ConsensusHash() [32]byte
}

func PayloadIdOf[P Payload](p P) PayloadId {
	return PayloadId(p.ConsensusHash())
}

// Involves reports whether shard is in the payload's read/write set.
func Involves[P Payload](p P, shard ShardId) bool {
	for _, s := range p.InvolvedShards() {
		if s == shard {
			return true
		}
	}
	return false
}
