package consensus

import (
	"bytes"
	"encoding/binary"
)

type QuorumDecision uint8

const (
	DecisionAccept QuorumDecision = iota
	DecisionReject
)

func (d QuorumDecision) String() string {
	if d == DecisionReject {
		return "Reject"
	}
	return "Accept"
}

// QuorumCertificate proves that a quorum of the shard committee voted for the
// referenced node.
type QuorumCertificate struct {
	PayloadId          PayloadId      `json:"payload_id"`
	PayloadHeight      NodeHeight     `json:"payload_height"`
	LocalNodeHash      TreeNodeHash   `json:"local_node_hash"`
	LocalNodeHeight    NodeHeight     `json:"local_node_height"`
	Shard              ShardId        `json:"shard"`
	Epoch              Epoch          `json:"epoch"`
	Decision           QuorumDecision `json:"decision"`
	Signers            [][]byte       `json:"signers,omitempty"`
	AggregateSignature []byte         `json:"aggregate_signature,omitempty"`
}

// GenesisQC is the vacuous certificate every shard starts from in an epoch.
func GenesisQC(epoch Epoch) QuorumCertificate {
	return QuorumCertificate{Epoch: epoch, Decision: DecisionAccept}
}

func (qc QuorumCertificate) IsGenesis() bool {
	return qc.LocalNodeHash.IsZero() && qc.LocalNodeHeight == 0 && len(qc.Signers) == 0
}

// Bytes is the canonical encoding mixed into tree node hashes.
func (qc QuorumCertificate) Bytes() []byte {
	var buf bytes.Buffer
	buf.Write(qc.PayloadId[:])
	buf.Write(qc.PayloadHeight.LEBytes())
	buf.Write(qc.LocalNodeHash[:])
	buf.Write(qc.LocalNodeHeight.LEBytes())
	buf.Write(qc.Shard[:])
	buf.Write(qc.Epoch.LEBytes())
	buf.WriteByte(byte(qc.Decision))
	writeLenPrefixed(&buf, nil, uint32(len(qc.Signers)))
	for _, s := range qc.Signers {
		writeLenPrefixed(&buf, s, uint32(len(s)))
	}
	writeLenPrefixed(&buf, qc.AggregateSignature, uint32(len(qc.AggregateSignature)))
	return buf.Bytes()
}

func writeLenPrefixed(buf *bytes.Buffer, b []byte, n uint32) {
	var l [4]byte
	binary.LittleEndian.PutUint32(l[:], n)
	buf.Write(l[:])
	buf.Write(b)
}
