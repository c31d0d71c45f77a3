package consensus

import "bytes"

// VoteMessage is a validator's signed vote for a (node, shard) pair.
type VoteMessage struct {
	LocalNodeHash TreeNodeHash   `json:"local_node_hash"`
	Shard         ShardId        `json:"shard"`
	Decision      QuorumDecision `json:"decision"`
	Signature     []byte         `json:"signature,omitempty"`
}

func NewVoteMessage(nodeHash TreeNodeHash, shard ShardId, decision QuorumDecision) VoteMessage {
	return VoteMessage{LocalNodeHash: nodeHash, Shard: shard, Decision: decision}
}

// SigningBytes is the message covered by Signature.
func (v VoteMessage) SigningBytes() []byte {
	var buf bytes.Buffer
	buf.Write(v.LocalNodeHash[:])
	buf.Write(v.Shard[:])
	buf.WriteByte(byte(v.Decision))
	return buf.Bytes()
}
