package consensus

import (
	"bytes"
	"encoding/gob"
	"encoding/json"

	"golang.org/x/crypto/blake2b"
)

// Phase heights of a payload. A node at DecideHeight carries the commit QC and
// makes the payload committable.
const (
	PrepareHeight   NodeHeight = 1
	PreCommitHeight NodeHeight = 2
	CommitHeight    NodeHeight = 3
	DecideHeight    NodeHeight = 4
)

// HotStuffTreeNode is a vertex of a shard's proposal tree. The hash is
// computed once at construction and is the node's identity.
type HotStuffTreeNode[A NodeAddressable, P Payload] struct {
	hash          TreeNodeHash
	parent        TreeNodeHash
	shard         ShardId
	height        NodeHeight
	payloadID     PayloadId
	payload       *P
	payloadHeight NodeHeight
	localPledge   *ObjectPledge
	epoch         Epoch
	justify       QuorumCertificate
	proposedBy    A
}

func NewTreeNode[A NodeAddressable, P Payload](
	parent TreeNodeHash,
	shard ShardId,
	height NodeHeight,
	payloadID PayloadId,
	payload *P,
	payloadHeight NodeHeight,
	localPledge *ObjectPledge,
	epoch Epoch,
	proposedBy A,
	justify QuorumCertificate,
) HotStuffTreeNode[A, P] {
	n := HotStuffTreeNode[A, P]{
		parent:        parent,
		shard:         shard,
		height:        height,
		payloadID:     payloadID,
		payload:       payload,
		payloadHeight: payloadHeight,
		localPledge:   localPledge,
		epoch:         epoch,
		justify:       justify,
		proposedBy:    proposedBy,
	}
	n.hash = n.CalculateHash()
	return n
}

// Genesis is the implicit parent of the first proposal in every shard.
func Genesis[A NodeAddressable, P Payload]() HotStuffTreeNode[A, P] {
	var zero A
	return NewTreeNode[A, P](TreeNodeHash{}, ShardId{}, 0, PayloadId{}, nil, 0, nil, 0, zero, GenesisQC(0))
}

// CalculateHash hashes parent, epoch, height, justify, shard, payload id,
// payload height and proposer, integers little-endian.
func (n HotStuffTreeNode[A, P]) CalculateHash() TreeNodeHash {
	h, _ := blake2b.New256(nil)
	h.Write(n.parent[:])
	h.Write(n.epoch.LEBytes())
	h.Write(n.height.LEBytes())
	h.Write(n.justify.Bytes())
	h.Write(n.shard[:])
	h.Write(n.payloadID[:])
	h.Write(n.payloadHeight.LEBytes())
	h.Write(n.proposedBy.Bytes())
	var out TreeNodeHash
	copy(out[:], h.Sum(nil))
	return out
}

func (n HotStuffTreeNode[A, P]) Hash() TreeNodeHash                  { return n.hash }
func (n HotStuffTreeNode[A, P]) Parent() TreeNodeHash                { return n.parent }
func (n HotStuffTreeNode[A, P]) Shard() ShardId                      { return n.shard }
func (n HotStuffTreeNode[A, P]) Height() NodeHeight                  { return n.height }
func (n HotStuffTreeNode[A, P]) PayloadId() PayloadId                { return n.payloadID }
func (n HotStuffTreeNode[A, P]) PayloadHeight() NodeHeight           { return n.payloadHeight }
func (n HotStuffTreeNode[A, P]) LocalPledge() *ObjectPledge          { return n.localPledge }
func (n HotStuffTreeNode[A, P]) Epoch() Epoch                        { return n.epoch }
func (n HotStuffTreeNode[A, P]) Justify() QuorumCertificate          { return n.justify }
func (n HotStuffTreeNode[A, P]) ProposedBy() A                       { return n.proposedBy }
func (n HotStuffTreeNode[A, P]) Equal(o HotStuffTreeNode[A, P]) bool { return n.hash == o.hash }

// Payload returns the carried payload, if the proposer attached it.
func (n HotStuffTreeNode[A, P]) Payload() (P, bool) {
	if n.payload == nil {
		var zero P
		return zero, false
	}
	return *n.payload, true
}

func (n HotStuffTreeNode[A, P]) IsGenesis() bool {
	return n.height == 0 && n.parent.IsZero() && n.payloadID.IsZero()
}

type treeNodeWire[A NodeAddressable, P Payload] struct {
	Hash          TreeNodeHash      `json:"hash"`
	Parent        TreeNodeHash      `json:"parent"`
	Shard         ShardId           `json:"shard"`
	Height        NodeHeight        `json:"height"`
	PayloadId     PayloadId         `json:"payload_id"`
	Payload       *P                `json:"payload,omitempty"`
	PayloadHeight NodeHeight        `json:"payload_height"`
	LocalPledge   *ObjectPledge     `json:"local_pledge,omitempty"`
	Epoch         Epoch             `json:"epoch"`
	Justify       QuorumCertificate `json:"justify"`
	ProposedBy    A                 `json:"proposed_by"`
}

func (n HotStuffTreeNode[A, P]) wire() treeNodeWire[A, P] {
	return treeNodeWire[A, P]{
		Hash: n.hash, Parent: n.parent, Shard: n.shard, Height: n.height,
		PayloadId: n.payloadID, Payload: n.payload, PayloadHeight: n.payloadHeight,
		LocalPledge: n.localPledge, Epoch: n.epoch, Justify: n.justify, ProposedBy: n.proposedBy,
	}
}

// fromWire rebuilds the node; the hash on the wire is ignored and recomputed.
func fromWire[A NodeAddressable, P Payload](w treeNodeWire[A, P]) HotStuffTreeNode[A, P] {
	return NewTreeNode[A, P](w.Parent, w.Shard, w.Height, w.PayloadId, w.Payload, w.PayloadHeight,
		w.LocalPledge, w.Epoch, w.ProposedBy, w.Justify)
}

func (n HotStuffTreeNode[A, P]) MarshalJSON() ([]byte, error) { return json.Marshal(n.wire()) }

func (n *HotStuffTreeNode[A, P]) UnmarshalJSON(b []byte) error {
	var w treeNodeWire[A, P]
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*n = fromWire(w)
	return nil
}

func (n HotStuffTreeNode[A, P]) GobEncode() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(n.wire()); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (n *HotStuffTreeNode[A, P]) GobDecode(b []byte) error {
	var w treeNodeWire[A, P]
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&w); err != nil {
		return err
	}
	*n = fromWire(w)
	return nil
}
