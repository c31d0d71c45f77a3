package storage

import (
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
	lru "github.com/hashicorp/golang-lru"

	"github.com/uhyunpark/shardbft/pkg/consensus"
)

const defaultNodeCacheSize = 4096

// PebbleShardStore persists consensus state in Pebble. A write transaction is
// an indexed batch committed with fsync; a read transaction is a snapshot.
// Committed tree nodes are immutable and cached by hash.
type PebbleShardStore[A consensus.NodeAddressable, P consensus.Payload] struct {
	db      *pebble.DB
	writeMu sync.Mutex
	nodes   *lru.Cache
}

func NewPebbleShardStore[A consensus.NodeAddressable, P consensus.Payload](path string) (*PebbleShardStore[A, P], error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open shard store: %w", err)
	}
	cache, err := lru.New(defaultNodeCacheSize)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &PebbleShardStore[A, P]{db: db, nodes: cache}, nil
}

func (s *PebbleShardStore[A, P]) Close() error { return s.db.Close() }

func (s *PebbleShardStore[A, P]) CreateTx() (consensus.ShardStoreTx[A, P], error) {
	s.writeMu.Lock()
	b := s.db.NewIndexedBatch()
	return &pebbleShardTx[A, P]{store: s, reader: b, batch: b}, nil
}

func (s *PebbleShardStore[A, P]) CreateReadTx() (consensus.ShardStoreTx[A, P], error) {
	snap := s.db.NewSnapshot()
	return &pebbleShardTx[A, P]{store: s, reader: snap, snap: snap}, nil
}

type pebbleShardTx[A consensus.NodeAddressable, P consensus.Payload] struct {
	store   *PebbleShardStore[A, P]
	reader  pebble.Reader
	batch   *pebble.Batch
	snap    *pebble.Snapshot
	pending map[consensus.TreeNodeHash]consensus.HotStuffTreeNode[A, P]
	closed  bool
}

func (t *pebbleShardTx[A, P]) writable() error {
	if t.closed {
		return consensus.ErrTxClosed
	}
	if t.batch == nil {
		return ErrReadOnlyTx
	}
	return nil
}

func (t *pebbleShardTx[A, P]) readable() error {
	if t.closed {
		return consensus.ErrTxClosed
	}
	return nil
}

// get decodes the value at k into v and reports whether it existed.
func (t *pebbleShardTx[A, P]) get(k []byte, v any) (bool, error) {
	val, closer, err := t.reader.Get(k)
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer closer.Close()
	if err := decodeJSON(val, v); err != nil {
		return false, fmt.Errorf("decode %q: %w", k, err)
	}
	return true, nil
}

func (t *pebbleShardTx[A, P]) put(k []byte, v any) error {
	val, err := encodeJSON(v)
	if err != nil {
		return fmt.Errorf("encode %q: %w", k, err)
	}
	return t.batch.Set(k, val, nil)
}

// scan calls fn for every value whose key lies in [lower, upper).
func (t *pebbleShardTx[A, P]) scan(lower, upper []byte, fn func(val []byte) error) error {
	iter, err := t.reader.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return err
	}
	for iter.First(); iter.Valid(); iter.Next() {
		if err := fn(iter.Value()); err != nil {
			iter.Close()
			return err
		}
	}
	if err := iter.Error(); err != nil {
		iter.Close()
		return err
	}
	return iter.Close()
}

func (t *pebbleShardTx[A, P]) GetHighQcFor(shard consensus.ShardId) (consensus.QuorumCertificate, error) {
	if err := t.readable(); err != nil {
		return consensus.QuorumCertificate{}, err
	}
	var qc consensus.QuorumCertificate
	ok, err := t.get(key(prefixHighQC, shard[:]), &qc)
	if err != nil {
		return qc, err
	}
	if !ok {
		return consensus.GenesisQC(0), nil
	}
	return qc, nil
}

func (t *pebbleShardTx[A, P]) UpdateHighQc(shard consensus.ShardId, qc consensus.QuorumCertificate) error {
	if err := t.writable(); err != nil {
		return err
	}
	current, err := t.GetHighQcFor(shard)
	if err != nil {
		return err
	}
	if qc.LocalNodeHeight <= current.LocalNodeHeight {
		return nil
	}
	if err := t.put(key(prefixHighQC, shard[:]), qc); err != nil {
		return err
	}
	return t.put(key(prefixLeaf, shard[:]), nodeRef{Hash: qc.LocalNodeHash, Height: qc.LocalNodeHeight})
}

func (t *pebbleShardTx[A, P]) GetLeafNode(shard consensus.ShardId) (consensus.TreeNodeHash, consensus.NodeHeight, error) {
	if err := t.readable(); err != nil {
		return consensus.TreeNodeHash{}, 0, err
	}
	var ref nodeRef
	_, err := t.get(key(prefixLeaf, shard[:]), &ref)
	return ref.Hash, ref.Height, err
}

func (t *pebbleShardTx[A, P]) UpdateLeafNode(shard consensus.ShardId, node consensus.TreeNodeHash, height consensus.NodeHeight) error {
	if err := t.writable(); err != nil {
		return err
	}
	return t.put(key(prefixLeaf, shard[:]), nodeRef{Hash: node, Height: height})
}

func (t *pebbleShardTx[A, P]) GetLastVotedHeight(shard consensus.ShardId) (consensus.NodeHeight, uint32, error) {
	if err := t.readable(); err != nil {
		return 0, 0, err
	}
	var v votedRef
	_, err := t.get(key(prefixVoted, shard[:]), &v)
	return v.Height, v.LeaderRound, err
}

func (t *pebbleShardTx[A, P]) SetLastVotedHeight(shard consensus.ShardId, height consensus.NodeHeight, leaderRound uint32) error {
	if err := t.writable(); err != nil {
		return err
	}
	return t.put(key(prefixVoted, shard[:]), votedRef{Height: height, LeaderRound: leaderRound})
}

func (t *pebbleShardTx[A, P]) GetLockedNodeHashAndHeight(shard consensus.ShardId) (consensus.TreeNodeHash, consensus.NodeHeight, error) {
	if err := t.readable(); err != nil {
		return consensus.TreeNodeHash{}, 0, err
	}
	var ref nodeRef
	_, err := t.get(key(prefixLocked, shard[:]), &ref)
	return ref.Hash, ref.Height, err
}

func (t *pebbleShardTx[A, P]) SetLocked(shard consensus.ShardId, node consensus.TreeNodeHash, height consensus.NodeHeight) error {
	if err := t.writable(); err != nil {
		return err
	}
	return t.put(key(prefixLocked, shard[:]), nodeRef{Hash: node, Height: height})
}

func voteRecordKey[A consensus.NodeAddressable](node consensus.TreeNodeHash, shard consensus.ShardId, from A) []byte {
	return key(prefixVote, node[:], shard[:], from.Bytes())
}

func (t *pebbleShardTx[A, P]) HasVoteFor(from A, node consensus.TreeNodeHash, shard consensus.ShardId) (bool, error) {
	if err := t.readable(); err != nil {
		return false, err
	}
	var rv receivedVote[A]
	return t.get(voteRecordKey(node, shard, from), &rv)
}

func (t *pebbleShardTx[A, P]) SaveReceivedVoteFor(from A, node consensus.TreeNodeHash, shard consensus.ShardId, vote consensus.VoteMessage) (int, error) {
	if err := t.writable(); err != nil {
		return 0, err
	}
	if err := t.put(voteRecordKey(node, shard, from), receivedVote[A]{From: from, Vote: vote}); err != nil {
		return 0, err
	}
	votes, err := t.receivedVotes(node, shard)
	return len(votes), err
}

func (t *pebbleShardTx[A, P]) receivedVotes(node consensus.TreeNodeHash, shard consensus.ShardId) ([]receivedVote[A], error) {
	prefix := key(prefixVote, node[:], shard[:])
	var out []receivedVote[A]
	err := t.scan(prefix, prefixUpperBound(prefix), func(val []byte) error {
		var rv receivedVote[A]
		if err := decodeJSON(val, &rv); err != nil {
			return err
		}
		out = append(out, rv)
		return nil
	})
	return out, err
}

func (t *pebbleShardTx[A, P]) GetReceivedVotesFor(node consensus.TreeNodeHash, shard consensus.ShardId) ([]consensus.VoteMessage, error) {
	if err := t.readable(); err != nil {
		return nil, err
	}
	votes, err := t.receivedVotes(node, shard)
	if err != nil {
		return nil, err
	}
	out := make([]consensus.VoteMessage, 0, len(votes))
	for _, v := range votes {
		out = append(out, v.Vote)
	}
	return out, nil
}

func (t *pebbleShardTx[A, P]) GetReceivedVoters(node consensus.TreeNodeHash, shard consensus.ShardId) ([]A, error) {
	if err := t.readable(); err != nil {
		return nil, err
	}
	votes, err := t.receivedVotes(node, shard)
	if err != nil {
		return nil, err
	}
	out := make([]A, 0, len(votes))
	for _, v := range votes {
		out = append(out, v.From)
	}
	return out, nil
}

func (t *pebbleShardTx[A, P]) SaveLeaderProposals(shard consensus.ShardId, payload consensus.PayloadId, payloadHeight consensus.NodeHeight, leaderRound uint32, node consensus.HotStuffTreeNode[A, P]) error {
	if err := t.writable(); err != nil {
		return err
	}
	return t.put(key(prefixProposal, payload[:], heightKey(payloadHeight), shard[:]), storedProposal[A, P]{LeaderRound: leaderRound, Node: node})
}

func (t *pebbleShardTx[A, P]) GetLeaderProposals(payload consensus.PayloadId, payloadHeight consensus.NodeHeight, shard consensus.ShardId) (consensus.HotStuffTreeNode[A, P], bool, error) {
	if err := t.readable(); err != nil {
		return consensus.HotStuffTreeNode[A, P]{}, false, err
	}
	var p storedProposal[A, P]
	ok, err := t.get(key(prefixProposal, payload[:], heightKey(payloadHeight), shard[:]), &p)
	return p.Node, ok, err
}

func (t *pebbleShardTx[A, P]) SaveNode(node consensus.HotStuffTreeNode[A, P]) error {
	if err := t.writable(); err != nil {
		return err
	}
	h := node.Hash()
	if err := t.put(key(prefixNode, h[:]), node); err != nil {
		return err
	}
	if t.pending == nil {
		t.pending = make(map[consensus.TreeNodeHash]consensus.HotStuffTreeNode[A, P])
	}
	t.pending[h] = node
	return nil
}

func (t *pebbleShardTx[A, P]) GetNode(hash consensus.TreeNodeHash) (consensus.HotStuffTreeNode[A, P], error) {
	if err := t.readable(); err != nil {
		return consensus.HotStuffTreeNode[A, P]{}, err
	}
	if hash.IsZero() {
		return consensus.Genesis[A, P](), nil
	}
	if n, ok := t.pending[hash]; ok {
		return n, nil
	}
	if v, ok := t.store.nodes.Get(hash); ok {
		return v.(consensus.HotStuffTreeNode[A, P]), nil
	}
	var n consensus.HotStuffTreeNode[A, P]
	ok, err := t.get(key(prefixNode, hash[:]), &n)
	if err != nil {
		return n, err
	}
	if !ok {
		return n, consensus.ErrNodeNotFound
	}
	t.store.nodes.Add(hash, n)
	return n, nil
}

func (t *pebbleShardTx[A, P]) SetLastExecutedHeight(shard consensus.ShardId, height consensus.NodeHeight) error {
	if err := t.writable(); err != nil {
		return err
	}
	return t.put(key(prefixExecuted, shard[:]), height)
}

func (t *pebbleShardTx[A, P]) GetLastExecutedHeight(shard consensus.ShardId) (consensus.NodeHeight, error) {
	if err := t.readable(); err != nil {
		return 0, err
	}
	var h consensus.NodeHeight
	_, err := t.get(key(prefixExecuted, shard[:]), &h)
	return h, err
}

func (t *pebbleShardTx[A, P]) GetPayload(id consensus.PayloadId) (P, error) {
	var p P
	if err := t.readable(); err != nil {
		return p, err
	}
	ok, err := t.get(key(prefixPayload, id[:]), &p)
	if err != nil {
		return p, err
	}
	if !ok {
		return p, consensus.ErrCannotFindPayload
	}
	return p, nil
}

func (t *pebbleShardTx[A, P]) SetPayload(payload P) error {
	if err := t.writable(); err != nil {
		return err
	}
	id := consensus.PayloadIdOf(payload)
	return t.put(key(prefixPayload, id[:]), payload)
}

func (t *pebbleShardTx[A, P]) object(shard consensus.ShardId) (objectEntry, error) {
	var e objectEntry
	_, err := t.get(key(prefixObject, shard[:]), &e)
	return e, err
}

func (t *pebbleShardTx[A, P]) PledgeObject(shard consensus.ShardId, payload consensus.PayloadId, _ consensus.SubstateChange, currentHeight consensus.NodeHeight) (consensus.ObjectPledge, error) {
	if err := t.writable(); err != nil {
		return consensus.ObjectPledge{}, err
	}
	entry, err := t.object(shard)
	if err != nil {
		return consensus.ObjectPledge{}, err
	}
	if entry.Pledge != nil && entry.Pledge.IsActiveAt(currentHeight) {
		return *entry.Pledge, nil
	}
	pledge := newPledge(shard, entry, payload, currentHeight)
	entry.Pledge = &pledge
	return pledge, t.put(key(prefixObject, shard[:]), entry)
}

func (t *pebbleShardTx[A, P]) ReleasePledge(shard consensus.ShardId, payload consensus.PayloadId) error {
	if err := t.writable(); err != nil {
		return err
	}
	entry, err := t.object(shard)
	if err != nil {
		return err
	}
	if entry.Pledge == nil || entry.Pledge.PledgedToPayload != payload {
		return nil
	}
	entry.Pledge = nil
	if !entry.HasSubstate {
		return t.batch.Delete(key(prefixObject, shard[:]), nil)
	}
	return t.put(key(prefixObject, shard[:]), entry)
}

func (t *pebbleShardTx[A, P]) SaveSubstateChanges(changes map[consensus.ShardId]consensus.SubstateState, node consensus.HotStuffTreeNode[A, P]) error {
	if err := t.writable(); err != nil {
		return err
	}
	for _, shard := range sortedShards(changes) {
		entry, err := t.object(shard)
		if err != nil {
			return err
		}
		updated, err := applySubstateChange(entry, shard, changes[shard], node.Hash(), node.Height(), node.PayloadId())
		if err != nil {
			return err
		}
		if err := t.put(key(prefixObject, shard[:]), updated); err != nil {
			return err
		}
	}
	return nil
}

func (t *pebbleShardTx[A, P]) InsertSubstates(data consensus.SubstateShardData) error {
	if err := t.writable(); err != nil {
		return err
	}
	entry, err := t.object(data.ShardId)
	if err != nil {
		return err
	}
	updated, err := insertSubstate(entry, data)
	if err != nil {
		return err
	}
	return t.put(key(prefixObject, data.ShardId[:]), updated)
}

func (t *pebbleShardTx[A, P]) substates(lower, upper []byte) ([]consensus.SubstateShardData, error) {
	var out []consensus.SubstateShardData
	err := t.scan(lower, upper, func(val []byte) error {
		var e objectEntry
		if err := decodeJSON(val, &e); err != nil {
			return err
		}
		if e.HasSubstate {
			out = append(out, e.Substate)
		}
		return nil
	})
	return out, err
}

func (t *pebbleShardTx[A, P]) GetStateInventory() ([]consensus.ShardId, error) {
	if err := t.readable(); err != nil {
		return nil, err
	}
	rows, err := t.substates([]byte(prefixObject), prefixUpperBound([]byte(prefixObject)))
	if err != nil {
		return nil, err
	}
	out := make([]consensus.ShardId, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.ShardId)
	}
	return out, nil
}

func (t *pebbleShardTx[A, P]) GetSubstateStates(start, end consensus.ShardId) ([]consensus.SubstateShardData, error) {
	if err := t.readable(); err != nil {
		return nil, err
	}
	if end.Less(start) {
		return nil, nil
	}
	return t.substates(key(prefixObject, start[:]), append(key(prefixObject, end[:]), 0))
}

func (t *pebbleShardTx[A, P]) GetSubstateState(shard consensus.ShardId) (consensus.SubstateShardData, error) {
	if err := t.readable(); err != nil {
		return consensus.SubstateShardData{}, err
	}
	e, err := t.object(shard)
	if err != nil {
		return consensus.SubstateShardData{}, err
	}
	if !e.HasSubstate {
		return consensus.SubstateShardData{}, consensus.ErrSubstateNotFound
	}
	return e.Substate, nil
}

func (t *pebbleShardTx[A, P]) Commit() error {
	if t.closed {
		return consensus.ErrTxClosed
	}
	if t.batch == nil {
		return t.close()
	}
	if err := t.batch.Commit(pebble.Sync); err != nil {
		t.close()
		return fmt.Errorf("commit shard store tx: %w", err)
	}
	for h, n := range t.pending {
		t.store.nodes.Add(h, n)
	}
	return t.close()
}

func (t *pebbleShardTx[A, P]) Rollback() error {
	if t.closed {
		return nil
	}
	return t.close()
}

func (t *pebbleShardTx[A, P]) close() error {
	t.closed = true
	t.pending = nil
	if t.snap != nil {
		return t.snap.Close()
	}
	err := t.batch.Close()
	t.store.writeMu.Unlock()
	return err
}
