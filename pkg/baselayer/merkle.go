package baselayer

import (
	"golang.org/x/crypto/blake2b"

	"github.com/uhyunpark/shardbft/pkg/consensus"
)

// ValidatorNodeLeaf is the merkle leaf committing to one validator's shard key.
func ValidatorNodeLeaf(publicKey []byte, shardKey consensus.ShardId) [32]byte {
	h, _ := blake2b.New256(nil)
	h.Write(publicKey)
	h.Write(shardKey[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// ValidatorNodeMerkleRoot builds a binary merkle tree over leaves in the given
// order. An odd node at any level is carried up unchanged. The root of an
// empty set is the zero hash.
func ValidatorNodeMerkleRoot(leaves [][32]byte) [32]byte {
	if len(leaves) == 0 {
		return [32]byte{}
	}
	level := append([][32]byte(nil), leaves...)
	for len(level) > 1 {
		next := make([][32]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 == len(level) {
				next = append(next, level[i])
				continue
			}
			next = append(next, hashPair(level[i], level[i+1]))
		}
		level = next
	}
	return level[0]
}

func hashPair(a, b [32]byte) [32]byte {
	h, _ := blake2b.New256(nil)
	h.Write([]byte{1})
	h.Write(a[:])
	h.Write(b[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
