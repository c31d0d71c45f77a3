package consensus

import "errors"

var (
	ErrNodeNotFound      = errors.New("node not found")
	ErrCannotFindPayload = errors.New("cannot find payload")
	ErrSubstateNotFound  = errors.New("substate not found")
	ErrTxClosed          = errors.New("shard store transaction already closed")
)

// ShardStore hands out short-lived transactions over per-shard consensus
// state. Write transactions are exclusive. Callers must Commit or Rollback
// every transaction and must not hold one across network I/O.
type ShardStore[A NodeAddressable, P Payload] interface {
	CreateTx() (ShardStoreTx[A, P], error)
	// CreateReadTx returns a transaction that observes committed state and
	// rejects writes.
	CreateReadTx() (ShardStoreTx[A, P], error)
}

// ShardStoreTx is the transactional view of consensus state. Reads of absent
// consensus state return genesis sentinels: the genesis QC, a zero leaf and
// locked node, zero voted and executed heights, and the genesis node for the
// zero hash. Missing nodes, payloads and substates are errors.
type ShardStoreTx[A NodeAddressable, P Payload] interface {
	GetHighQcFor(shard ShardId) (QuorumCertificate, error)
	// UpdateHighQc ratchets the shard's high QC: it is replaced only by a QC
	// for a strictly higher node, and the leaf pointer follows it.
	UpdateHighQc(shard ShardId, qc QuorumCertificate) error
	GetLeafNode(shard ShardId) (TreeNodeHash, NodeHeight, error)
	UpdateLeafNode(shard ShardId, node TreeNodeHash, height NodeHeight) error
	GetLastVotedHeight(shard ShardId) (NodeHeight, uint32, error)
	SetLastVotedHeight(shard ShardId, height NodeHeight, leaderRound uint32) error
	GetLockedNodeHashAndHeight(shard ShardId) (TreeNodeHash, NodeHeight, error)
	SetLocked(shard ShardId, node TreeNodeHash, height NodeHeight) error

	HasVoteFor(from A, node TreeNodeHash, shard ShardId) (bool, error)
	// SaveReceivedVoteFor stores the vote and returns how many votes the
	// (node, shard) pair now holds.
	SaveReceivedVoteFor(from A, node TreeNodeHash, shard ShardId, vote VoteMessage) (int, error)
	GetReceivedVotesFor(node TreeNodeHash, shard ShardId) ([]VoteMessage, error)
	GetReceivedVoters(node TreeNodeHash, shard ShardId) ([]A, error)

	SaveLeaderProposals(shard ShardId, payload PayloadId, payloadHeight NodeHeight, leaderRound uint32, node HotStuffTreeNode[A, P]) error
	// GetLeaderProposals returns false when no proposal was stored.
	GetLeaderProposals(payload PayloadId, payloadHeight NodeHeight, shard ShardId) (HotStuffTreeNode[A, P], bool, error)

	SaveNode(node HotStuffTreeNode[A, P]) error
	GetNode(hash TreeNodeHash) (HotStuffTreeNode[A, P], error)

	SetLastExecutedHeight(shard ShardId, height NodeHeight) error
	GetLastExecutedHeight(shard ShardId) (NodeHeight, error)

	GetPayload(id PayloadId) (P, error)
	SetPayload(payload P) error

	// PledgeObject returns the shard's unexpired pledge unchanged, or creates
	// one for payload valid until currentHeight+PledgeValidHeights.
	PledgeObject(shard ShardId, payload PayloadId, change SubstateChange, currentHeight NodeHeight) (ObjectPledge, error)
	// ReleasePledge drops the shard's pledge if it is held by payload.
	ReleasePledge(shard ShardId, payload PayloadId) error

	SaveSubstateChanges(changes map[ShardId]SubstateState, node HotStuffTreeNode[A, P]) error
	InsertSubstates(data SubstateShardData) error
	GetStateInventory() ([]ShardId, error)
	GetSubstateStates(start, end ShardId) ([]SubstateShardData, error)
	GetSubstateState(shard ShardId) (SubstateShardData, error)

	Commit() error
	Rollback() error
}

// WithTx runs fn inside a transaction, committing on success and rolling back
// on error.
func WithTx[A NodeAddressable, P Payload](store ShardStore[A, P], fn func(tx ShardStoreTx[A, P]) error) error {
	tx, err := store.CreateTx()
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// View runs fn inside a read-only transaction.
func View[A NodeAddressable, P Payload](store ShardStore[A, P], fn func(tx ShardStoreTx[A, P]) error) error {
	tx, err := store.CreateReadTx()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	return fn(tx)
}

type WAL interface {
	Append(line string)
}
