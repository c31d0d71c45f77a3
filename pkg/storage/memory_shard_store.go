package storage

import (
	"errors"
	"sort"
	"sync"

	"github.com/uhyunpark/shardbft/pkg/consensus"
)

var ErrReadOnlyTx = errors.New("write on read-only transaction")

type nodeRef struct {
	Hash   consensus.TreeNodeHash `json:"hash"`
	Height consensus.NodeHeight   `json:"height"`
}

type votedRef struct {
	Height      consensus.NodeHeight `json:"height"`
	LeaderRound uint32               `json:"leader_round"`
}

type voteKey struct {
	node  consensus.TreeNodeHash
	shard consensus.ShardId
}

type receivedVote[A consensus.NodeAddressable] struct {
	From A                     `json:"from"`
	Vote consensus.VoteMessage `json:"vote"`
}

type proposalKey struct {
	payload       consensus.PayloadId
	payloadHeight consensus.NodeHeight
	shard         consensus.ShardId
}

type storedProposal[A consensus.NodeAddressable, P consensus.Payload] struct {
	LeaderRound uint32                           `json:"leader_round"`
	Node        consensus.HotStuffTreeNode[A, P] `json:"node"`
}

// objectEntry is a shard's substate row (if any) and its outstanding pledge.
type objectEntry struct {
	HasSubstate bool                        `json:"has_substate"`
	Substate    consensus.SubstateShardData `json:"substate"`
	Pledge      *consensus.ObjectPledge     `json:"pledge,omitempty"`
}

func (e objectEntry) currentState() consensus.SubstateState {
	if !e.HasSubstate {
		return consensus.DoesNotExist()
	}
	return e.Substate.Substate
}

type memoryShardState[A consensus.NodeAddressable, P consensus.Payload] struct {
	highQCs      map[consensus.ShardId]consensus.QuorumCertificate
	leafNodes    map[consensus.ShardId]nodeRef
	lastVoted    map[consensus.ShardId]votedRef
	locked       map[consensus.ShardId]nodeRef
	votes        map[voteKey][]receivedVote[A]
	nodes        map[consensus.TreeNodeHash]consensus.HotStuffTreeNode[A, P]
	lastExecuted map[consensus.ShardId]consensus.NodeHeight
	payloads     map[consensus.PayloadId]P
	proposals    map[proposalKey]storedProposal[A, P]
	objects      map[consensus.ShardId]objectEntry
}

// MemoryShardStore keeps consensus state in maps behind a read-write lock.
// Write transactions are exclusive and keep an undo log, so Commit is atomic
// and Rollback restores every write, but nothing survives the process. Use it
// for tests and single-node devnets only.
type MemoryShardStore[A consensus.NodeAddressable, P consensus.Payload] struct {
	mu    sync.RWMutex
	state *memoryShardState[A, P]
}

func NewMemoryShardStore[A consensus.NodeAddressable, P consensus.Payload]() *MemoryShardStore[A, P] {
	return &MemoryShardStore[A, P]{state: &memoryShardState[A, P]{
		highQCs:      make(map[consensus.ShardId]consensus.QuorumCertificate),
		leafNodes:    make(map[consensus.ShardId]nodeRef),
		lastVoted:    make(map[consensus.ShardId]votedRef),
		locked:       make(map[consensus.ShardId]nodeRef),
		votes:        make(map[voteKey][]receivedVote[A]),
		nodes:        make(map[consensus.TreeNodeHash]consensus.HotStuffTreeNode[A, P]),
		lastExecuted: make(map[consensus.ShardId]consensus.NodeHeight),
		payloads:     make(map[consensus.PayloadId]P),
		proposals:    make(map[proposalKey]storedProposal[A, P]),
		objects:      make(map[consensus.ShardId]objectEntry),
	}}
}

func (s *MemoryShardStore[A, P]) CreateTx() (consensus.ShardStoreTx[A, P], error) {
	s.mu.Lock()
	return &memoryShardTx[A, P]{store: s, st: s.state}, nil
}

// CreateReadTx shares the lock with other readers; writes fail with ErrReadOnlyTx.
func (s *MemoryShardStore[A, P]) CreateReadTx() (consensus.ShardStoreTx[A, P], error) {
	s.mu.RLock()
	return &memoryShardTx[A, P]{store: s, st: s.state, readOnly: true}, nil
}

type memoryShardTx[A consensus.NodeAddressable, P consensus.Payload] struct {
	store    *MemoryShardStore[A, P]
	st       *memoryShardState[A, P]
	undo     []func()
	readOnly bool
	closed   bool
}

func setUndo[K comparable, V any](undo *[]func(), m map[K]V, k K, v V) {
	prev, had := m[k]
	*undo = append(*undo, func() {
		if had {
			m[k] = prev
		} else {
			delete(m, k)
		}
	})
	m[k] = v
}

func deleteUndo[K comparable, V any](undo *[]func(), m map[K]V, k K) {
	prev, had := m[k]
	if !had {
		return
	}
	*undo = append(*undo, func() { m[k] = prev })
	delete(m, k)
}

func (t *memoryShardTx[A, P]) writable() error {
	if t.closed {
		return consensus.ErrTxClosed
	}
	if t.readOnly {
		return ErrReadOnlyTx
	}
	return nil
}

func (t *memoryShardTx[A, P]) readable() error {
	if t.closed {
		return consensus.ErrTxClosed
	}
	return nil
}

func (t *memoryShardTx[A, P]) GetHighQcFor(shard consensus.ShardId) (consensus.QuorumCertificate, error) {
	if err := t.readable(); err != nil {
		return consensus.QuorumCertificate{}, err
	}
	if qc, ok := t.st.highQCs[shard]; ok {
		return qc, nil
	}
	return consensus.GenesisQC(0), nil
}

func (t *memoryShardTx[A, P]) UpdateHighQc(shard consensus.ShardId, qc consensus.QuorumCertificate) error {
	if err := t.writable(); err != nil {
		return err
	}
	current, ok := t.st.highQCs[shard]
	if !ok {
		current = consensus.GenesisQC(0)
	}
	if qc.LocalNodeHeight <= current.LocalNodeHeight {
		return nil
	}
	setUndo(&t.undo, t.st.highQCs, shard, qc)
	setUndo(&t.undo, t.st.leafNodes, shard, nodeRef{Hash: qc.LocalNodeHash, Height: qc.LocalNodeHeight})
	return nil
}

func (t *memoryShardTx[A, P]) GetLeafNode(shard consensus.ShardId) (consensus.TreeNodeHash, consensus.NodeHeight, error) {
	if err := t.readable(); err != nil {
		return consensus.TreeNodeHash{}, 0, err
	}
	leaf := t.st.leafNodes[shard]
	return leaf.Hash, leaf.Height, nil
}

func (t *memoryShardTx[A, P]) UpdateLeafNode(shard consensus.ShardId, node consensus.TreeNodeHash, height consensus.NodeHeight) error {
	if err := t.writable(); err != nil {
		return err
	}
	setUndo(&t.undo, t.st.leafNodes, shard, nodeRef{Hash: node, Height: height})
	return nil
}

func (t *memoryShardTx[A, P]) GetLastVotedHeight(shard consensus.ShardId) (consensus.NodeHeight, uint32, error) {
	if err := t.readable(); err != nil {
		return 0, 0, err
	}
	v := t.st.lastVoted[shard]
	return v.Height, v.LeaderRound, nil
}

func (t *memoryShardTx[A, P]) SetLastVotedHeight(shard consensus.ShardId, height consensus.NodeHeight, leaderRound uint32) error {
	if err := t.writable(); err != nil {
		return err
	}
	setUndo(&t.undo, t.st.lastVoted, shard, votedRef{Height: height, LeaderRound: leaderRound})
	return nil
}

func (t *memoryShardTx[A, P]) GetLockedNodeHashAndHeight(shard consensus.ShardId) (consensus.TreeNodeHash, consensus.NodeHeight, error) {
	if err := t.readable(); err != nil {
		return consensus.TreeNodeHash{}, 0, err
	}
	l := t.st.locked[shard]
	return l.Hash, l.Height, nil
}

func (t *memoryShardTx[A, P]) SetLocked(shard consensus.ShardId, node consensus.TreeNodeHash, height consensus.NodeHeight) error {
	if err := t.writable(); err != nil {
		return err
	}
	setUndo(&t.undo, t.st.locked, shard, nodeRef{Hash: node, Height: height})
	return nil
}

func (t *memoryShardTx[A, P]) HasVoteFor(from A, node consensus.TreeNodeHash, shard consensus.ShardId) (bool, error) {
	if err := t.readable(); err != nil {
		return false, err
	}
	for _, v := range t.st.votes[voteKey{node, shard}] {
		if v.From == from {
			return true, nil
		}
	}
	return false, nil
}

func (t *memoryShardTx[A, P]) SaveReceivedVoteFor(from A, node consensus.TreeNodeHash, shard consensus.ShardId, vote consensus.VoteMessage) (int, error) {
	if err := t.writable(); err != nil {
		return 0, err
	}
	k := voteKey{node, shard}
	votes := append([]receivedVote[A](nil), t.st.votes[k]...)
	replaced := false
	for i := range votes {
		if votes[i].From == from {
			votes[i].Vote = vote
			replaced = true
		}
	}
	if !replaced {
		votes = append(votes, receivedVote[A]{From: from, Vote: vote})
	}
	setUndo(&t.undo, t.st.votes, k, votes)
	return len(votes), nil
}

func (t *memoryShardTx[A, P]) GetReceivedVotesFor(node consensus.TreeNodeHash, shard consensus.ShardId) ([]consensus.VoteMessage, error) {
	if err := t.readable(); err != nil {
		return nil, err
	}
	var out []consensus.VoteMessage
	for _, v := range t.st.votes[voteKey{node, shard}] {
		out = append(out, v.Vote)
	}
	return out, nil
}

func (t *memoryShardTx[A, P]) GetReceivedVoters(node consensus.TreeNodeHash, shard consensus.ShardId) ([]A, error) {
	if err := t.readable(); err != nil {
		return nil, err
	}
	var out []A
	for _, v := range t.st.votes[voteKey{node, shard}] {
		out = append(out, v.From)
	}
	return out, nil
}

func (t *memoryShardTx[A, P]) SaveLeaderProposals(shard consensus.ShardId, payload consensus.PayloadId, payloadHeight consensus.NodeHeight, leaderRound uint32, node consensus.HotStuffTreeNode[A, P]) error {
	if err := t.writable(); err != nil {
		return err
	}
	setUndo(&t.undo, t.st.proposals, proposalKey{payload, payloadHeight, shard}, storedProposal[A, P]{LeaderRound: leaderRound, Node: node})
	return nil
}

func (t *memoryShardTx[A, P]) GetLeaderProposals(payload consensus.PayloadId, payloadHeight consensus.NodeHeight, shard consensus.ShardId) (consensus.HotStuffTreeNode[A, P], bool, error) {
	if err := t.readable(); err != nil {
		return consensus.HotStuffTreeNode[A, P]{}, false, err
	}
	p, ok := t.st.proposals[proposalKey{payload, payloadHeight, shard}]
	return p.Node, ok, nil
}

func (t *memoryShardTx[A, P]) SaveNode(node consensus.HotStuffTreeNode[A, P]) error {
	if err := t.writable(); err != nil {
		return err
	}
	setUndo(&t.undo, t.st.nodes, node.Hash(), node)
	return nil
}

func (t *memoryShardTx[A, P]) GetNode(hash consensus.TreeNodeHash) (consensus.HotStuffTreeNode[A, P], error) {
	if err := t.readable(); err != nil {
		return consensus.HotStuffTreeNode[A, P]{}, err
	}
	if hash.IsZero() {
		return consensus.Genesis[A, P](), nil
	}
	n, ok := t.st.nodes[hash]
	if !ok {
		return n, consensus.ErrNodeNotFound
	}
	return n, nil
}

func (t *memoryShardTx[A, P]) SetLastExecutedHeight(shard consensus.ShardId, height consensus.NodeHeight) error {
	if err := t.writable(); err != nil {
		return err
	}
	setUndo(&t.undo, t.st.lastExecuted, shard, height)
	return nil
}

func (t *memoryShardTx[A, P]) GetLastExecutedHeight(shard consensus.ShardId) (consensus.NodeHeight, error) {
	if err := t.readable(); err != nil {
		return 0, err
	}
	return t.st.lastExecuted[shard], nil
}

func (t *memoryShardTx[A, P]) GetPayload(id consensus.PayloadId) (P, error) {
	var zero P
	if err := t.readable(); err != nil {
		return zero, err
	}
	p, ok := t.st.payloads[id]
	if !ok {
		return zero, consensus.ErrCannotFindPayload
	}
	return p, nil
}

func (t *memoryShardTx[A, P]) SetPayload(payload P) error {
	if err := t.writable(); err != nil {
		return err
	}
	id := consensus.PayloadIdOf(payload)
	if _, ok := t.st.payloads[id]; ok {
		return nil
	}
	setUndo(&t.undo, t.st.payloads, id, payload)
	return nil
}

func (t *memoryShardTx[A, P]) PledgeObject(shard consensus.ShardId, payload consensus.PayloadId, _ consensus.SubstateChange, currentHeight consensus.NodeHeight) (consensus.ObjectPledge, error) {
	if err := t.writable(); err != nil {
		return consensus.ObjectPledge{}, err
	}
	entry := t.st.objects[shard]
	if entry.Pledge != nil && entry.Pledge.IsActiveAt(currentHeight) {
		return *entry.Pledge, nil
	}
	pledge := newPledge(shard, entry, payload, currentHeight)
	entry.Pledge = &pledge
	setUndo(&t.undo, t.st.objects, shard, entry)
	return pledge, nil
}

func (t *memoryShardTx[A, P]) ReleasePledge(shard consensus.ShardId, payload consensus.PayloadId) error {
	if err := t.writable(); err != nil {
		return err
	}
	entry, ok := t.st.objects[shard]
	if !ok || entry.Pledge == nil || entry.Pledge.PledgedToPayload != payload {
		return nil
	}
	entry.Pledge = nil
	if !entry.HasSubstate {
		deleteUndo(&t.undo, t.st.objects, shard)
		return nil
	}
	setUndo(&t.undo, t.st.objects, shard, entry)
	return nil
}

func (t *memoryShardTx[A, P]) SaveSubstateChanges(changes map[consensus.ShardId]consensus.SubstateState, node consensus.HotStuffTreeNode[A, P]) error {
	if err := t.writable(); err != nil {
		return err
	}
	for _, shard := range sortedShards(changes) {
		entry := t.st.objects[shard]
		updated, err := applySubstateChange(entry, shard, changes[shard], node.Hash(), node.Height(), node.PayloadId())
		if err != nil {
			return err
		}
		setUndo(&t.undo, t.st.objects, shard, updated)
	}
	return nil
}

func (t *memoryShardTx[A, P]) InsertSubstates(data consensus.SubstateShardData) error {
	if err := t.writable(); err != nil {
		return err
	}
	entry := t.st.objects[data.ShardId]
	updated, err := insertSubstate(entry, data)
	if err != nil {
		return err
	}
	setUndo(&t.undo, t.st.objects, data.ShardId, updated)
	return nil
}

func (t *memoryShardTx[A, P]) GetStateInventory() ([]consensus.ShardId, error) {
	if err := t.readable(); err != nil {
		return nil, err
	}
	var out []consensus.ShardId
	for shard, e := range t.st.objects {
		if e.HasSubstate {
			out = append(out, shard)
		}
	}
	sortShardIds(out)
	return out, nil
}

func (t *memoryShardTx[A, P]) GetSubstateStates(start, end consensus.ShardId) ([]consensus.SubstateShardData, error) {
	if err := t.readable(); err != nil {
		return nil, err
	}
	var out []consensus.SubstateShardData
	for shard, e := range t.st.objects {
		if e.HasSubstate && shard.Compare(start) >= 0 && shard.Compare(end) <= 0 {
			out = append(out, e.Substate)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ShardId.Less(out[j].ShardId) })
	return out, nil
}

func (t *memoryShardTx[A, P]) GetSubstateState(shard consensus.ShardId) (consensus.SubstateShardData, error) {
	if err := t.readable(); err != nil {
		return consensus.SubstateShardData{}, err
	}
	e, ok := t.st.objects[shard]
	if !ok || !e.HasSubstate {
		return consensus.SubstateShardData{}, consensus.ErrSubstateNotFound
	}
	return e.Substate, nil
}

func (t *memoryShardTx[A, P]) Commit() error {
	if t.closed {
		return consensus.ErrTxClosed
	}
	t.undo = nil
	t.release()
	return nil
}

func (t *memoryShardTx[A, P]) Rollback() error {
	if t.closed {
		return nil
	}
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
	t.release()
	return nil
}

func (t *memoryShardTx[A, P]) release() {
	t.closed = true
	if t.readOnly {
		t.store.mu.RUnlock()
	} else {
		t.store.mu.Unlock()
	}
}
