// Package transaction is the concrete payload the node agrees on: a signed
// transaction that destroys its inputs, creates its outputs and requires its
// references to exist.
package transaction

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/zeebo/blake3"

	"github.com/uhyunpark/shardbft/pkg/consensus"
	"github.com/uhyunpark/shardbft/pkg/crypto"
)

var (
	ErrNoShards         = errors.New("transaction touches no shards")
	ErrMissingSignature = errors.New("missing signature")
	ErrInvalidSignature = errors.New("signature invalid")
)

const signingDomain = "shardbft/transaction/v1"

// Instruction is opaque to consensus. It is hashed and carried, never run.
type Instruction struct {
	Function string          `json:"function"`
	Args     []hexutil.Bytes `json:"args,omitempty"`
}

type Output struct {
	Shard consensus.ShardId `json:"shard"`
	Data  hexutil.Bytes     `json:"data,omitempty"`
}

type Transaction struct {
	Sender       common.Address      `json:"sender"`
	Inputs       []consensus.ShardId `json:"inputs,omitempty"`
	References   []consensus.ShardId `json:"references,omitempty"`
	Outputs      []Output            `json:"outputs,omitempty"`
	Instructions []Instruction       `json:"instructions,omitempty"`
	MaxOutputs   uint32              `json:"max_outputs"`
	Nonce        uint64              `json:"nonce"`
	Signature    hexutil.Bytes       `json:"signature,omitempty"`
}

// SigningHash covers every field except the signature.
func (tx *Transaction) SigningHash() [32]byte {
	h := blake3.New()
	var n [8]byte
	writeU64 := func(v uint64) {
		binary.LittleEndian.PutUint64(n[:], v)
		h.Write(n[:])
	}
	writeBytes := func(b []byte) {
		writeU64(uint64(len(b)))
		h.Write(b)
	}

	h.Write([]byte(signingDomain))
	h.Write(tx.Sender.Bytes())
	writeU64(uint64(len(tx.Inputs)))
	for _, s := range tx.Inputs {
		h.Write(s[:])
	}
	writeU64(uint64(len(tx.References)))
	for _, s := range tx.References {
		h.Write(s[:])
	}
	writeU64(uint64(len(tx.Outputs)))
	for _, o := range tx.Outputs {
		h.Write(o.Shard[:])
		writeBytes(o.Data)
	}
	writeU64(uint64(len(tx.Instructions)))
	for _, in := range tx.Instructions {
		writeBytes([]byte(in.Function))
		writeU64(uint64(len(in.Args)))
		for _, a := range in.Args {
			writeBytes(a)
		}
	}
	writeU64(uint64(tx.MaxOutputs))
	writeU64(tx.Nonce)

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Hash identifies the signed transaction.
func (tx *Transaction) Hash() [32]byte {
	sh := tx.SigningHash()
	buf := make([]byte, 0, len(sh)+len(tx.Signature))
	buf = append(buf, sh[:]...)
	buf = append(buf, tx.Signature...)
	return blake3.Sum256(buf)
}

// Sign sets the sender to the key's address and signs the transaction.
func (tx *Transaction) Sign(key *crypto.SenderKey) error {
	tx.Sender = key.Address()
	h := tx.SigningHash()
	sig, err := key.Sign(h[:])
	if err != nil {
		return err
	}
	tx.Signature = sig
	return nil
}

func (tx *Transaction) VerifySignature() error {
	if len(tx.Signature) == 0 {
		return ErrMissingSignature
	}
	h := tx.SigningHash()
	if !crypto.VerifySignature(tx.Sender, h[:], tx.Signature) {
		return ErrInvalidSignature
	}
	return nil
}

// Validate checks structure only. Every shard may be claimed once.
func (tx *Transaction) Validate() error {
	if len(tx.Inputs)+len(tx.References)+len(tx.Outputs) == 0 {
		return ErrNoShards
	}
	if len(tx.Signature) == 0 {
		return ErrMissingSignature
	}
	seen := make(map[consensus.ShardId]struct{})
	claim := func(s consensus.ShardId, what string) error {
		if _, dup := seen[s]; dup {
			return fmt.Errorf("%s %s: shard claimed twice", what, s)
		}
		seen[s] = struct{}{}
		return nil
	}
	for _, s := range tx.Inputs {
		if err := claim(s, "input"); err != nil {
			return err
		}
	}
	for _, s := range tx.References {
		if err := claim(s, "reference"); err != nil {
			return err
		}
	}
	for _, o := range tx.Outputs {
		if err := claim(o.Shard, "output"); err != nil {
			return err
		}
	}
	for i, in := range tx.Instructions {
		if in.Function == "" {
			return fmt.Errorf("instruction %d: missing function", i)
		}
	}
	return nil
}

func (tx *Transaction) Serialize() ([]byte, error) {
	return json.Marshal(tx)
}

func Deserialize(data []byte) (*Transaction, error) {
	var tx Transaction
	if err := json.Unmarshal(data, &tx); err != nil {
		return nil, fmt.Errorf("failed to unmarshal transaction: %w", err)
	}
	return &tx, nil
}

// ParseTransaction decodes, validates and verifies a submitted transaction.
func ParseTransaction(data []byte) (*Transaction, error) {
	tx, err := Deserialize(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse transaction: %w", err)
	}
	if err := tx.Validate(); err != nil {
		return nil, fmt.Errorf("invalid transaction: %w", err)
	}
	if err := tx.VerifySignature(); err != nil {
		return nil, fmt.Errorf("invalid transaction: %w", err)
	}
	return tx, nil
}

// Payload adapts a transaction to consensus.
type Payload struct {
	Transaction
}

func NewPayload(tx Transaction) Payload { return Payload{Transaction: tx} }

func (p Payload) Id() consensus.PayloadId { return consensus.PayloadIdOf(p) }

// InvolvedShards is sorted and free of duplicates.
func (p Payload) InvolvedShards() []consensus.ShardId {
	seen := make(map[consensus.ShardId]struct{}, len(p.Inputs)+len(p.References)+len(p.Outputs))
	var shards []consensus.ShardId
	add := func(s consensus.ShardId) {
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			shards = append(shards, s)
		}
	}
	for _, s := range p.Inputs {
		add(s)
	}
	for _, s := range p.References {
		add(s)
	}
	for _, o := range p.Outputs {
		add(o.Shard)
	}
	sort.Slice(shards, func(i, j int) bool { return shards[i].Less(shards[j]) })
	return shards
}

func (p Payload) ObjectsForShard(shard consensus.ShardId) (consensus.SubstateChange, consensus.ObjectClaim, bool) {
	for _, s := range p.Inputs {
		if s == shard {
			return consensus.SubstateChangeDestroy, consensus.ObjectClaim{}, true
		}
	}
	for _, s := range p.References {
		if s == shard {
			return consensus.SubstateChangeExists, consensus.ObjectClaim{}, true
		}
	}
	for _, o := range p.Outputs {
		if o.Shard == shard {
			return consensus.SubstateChangeCreate, consensus.ObjectClaim{}, true
		}
	}
	return 0, consensus.ObjectClaim{}, false
}

func (p Payload) MaxOutputs() uint32 { return p.Transaction.MaxOutputs }

func (p Payload) ConsensusHash() [32]byte { return p.Transaction.Hash() }

// OutputData is the data the output stores on creation.
func (p Payload) OutputData(shard consensus.ShardId) []byte {
	for _, o := range p.Outputs {
		if o.Shard == shard {
			return o.Data
		}
	}
	return nil
}

var _ consensus.Payload = Payload{}

func (p Payload) NumOutputs() int { return len(p.Outputs) }
