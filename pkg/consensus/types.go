// file: pkg/consensus/types.go
package consensus

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// NodeAddressable is the identity of a validator. The zero value of the
// concrete type is the proposer of every genesis node.
type NodeAddressable interface {
	comparable
	Bytes() []byte
	String() string
}

type NodeHeight uint64

func (h NodeHeight) LEBytes() []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(h))
	return b[:]
}

type Epoch uint64

func (e Epoch) LEBytes() []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(e))
	return b[:]
}

func (e Epoch) SaturatingSub(n uint64) Epoch {
	if uint64(e) < n {
		return 0
	}
	return e - Epoch(n)
}

// ShardId partitions the object address space. Ordering is byte-wise and is
// the ring order used for committee selection.
type ShardId [32]byte

func ZeroShardId() ShardId { return ShardId{} }

func MaxShardId() ShardId {
	var s ShardId
	for i := range s {
		s[i] = 0xff
	}
	return s
}

func ShardIdFromBytes(b []byte) (ShardId, error) {
	var s ShardId
	if len(b) != len(s) {
		return s, fmt.Errorf("shard id: want %d bytes, got %d", len(s), len(b))
	}
	copy(s[:], b)
	return s, nil
}

func (s ShardId) Bytes() []byte                { return s[:] }
func (s ShardId) IsZero() bool                 { return s == ShardId{} }
func (s ShardId) Compare(o ShardId) int        { return bytes.Compare(s[:], o[:]) }
func (s ShardId) Less(o ShardId) bool          { return s.Compare(o) < 0 }
func (s ShardId) String() string               { return fmt.Sprintf("%x", s[:]) }
func (s ShardId) MarshalText() ([]byte, error) { return []byte(hexutil.Encode(s[:])), nil }
func (s *ShardId) UnmarshalText(text []byte) error {
	return decodeFixed(text, s[:], "shard id")
}

// PayloadId is the consensus hash of a payload.
type PayloadId [32]byte

func (p PayloadId) Bytes() []byte                { return p[:] }
func (p PayloadId) IsZero() bool                 { return p == PayloadId{} }
func (p PayloadId) String() string               { return fmt.Sprintf("%x", p[:]) }
func (p PayloadId) MarshalText() ([]byte, error) { return []byte(hexutil.Encode(p[:])), nil }
func (p *PayloadId) UnmarshalText(text []byte) error {
	return decodeFixed(text, p[:], "payload id")
}

func PayloadIdFromHex(s string) (PayloadId, error) {
	var p PayloadId
	err := p.UnmarshalText([]byte(s))
	return p, err
}

type TreeNodeHash [32]byte

func (h TreeNodeHash) Bytes() []byte                { return h[:] }
func (h TreeNodeHash) IsZero() bool                 { return h == TreeNodeHash{} }
func (h TreeNodeHash) String() string               { return fmt.Sprintf("%x", h[:]) }
func (h TreeNodeHash) MarshalText() ([]byte, error) { return []byte(hexutil.Encode(h[:])), nil }
func (h *TreeNodeHash) UnmarshalText(text []byte) error {
	return decodeFixed(text, h[:], "tree node hash")
}

func decodeFixed(text []byte, dst []byte, what string) error {
	s := string(text)
	if len(s) >= 2 && (s[:2] == "0x" || s[:2] == "0X") {
		s = s[2:]
	}
	b, err := hexutil.Decode("0x" + s)
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	if len(b) != len(dst) {
		return fmt.Errorf("%s: want %d bytes, got %d", what, len(dst), len(b))
	}
	copy(dst, b)
	return nil
}
