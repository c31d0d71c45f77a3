package storage

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/google/btree"

	"github.com/uhyunpark/shardbft/pkg/consensus"
)

const globalTreeDegree = 16

func validatorNodeLess(a, b DbValidatorNode) bool {
	if a.Epoch != b.Epoch {
		return a.Epoch < b.Epoch
	}
	return bytes.Compare(a.PublicKey, b.PublicKey) < 0
}

type memoryGlobalState struct {
	metadata   map[MetadataKey][]byte
	validators *btree.BTreeG[DbValidatorNode]
	epochs     map[consensus.Epoch]DbEpoch
}

func (s memoryGlobalState) clone() memoryGlobalState {
	out := memoryGlobalState{
		metadata:   make(map[MetadataKey][]byte, len(s.metadata)),
		validators: s.validators.Clone(),
		epochs:     make(map[consensus.Epoch]DbEpoch, len(s.epochs)),
	}
	for k, v := range s.metadata {
		out.metadata[k] = v
	}
	for k, v := range s.epochs {
		out.epochs[k] = v
	}
	return out
}

// MemoryGlobalDB keeps the global metadata table in memory. Write transactions
// work on a clone that replaces the committed state on Commit, so a committed
// state is never mutated and read transactions share it as is.
type MemoryGlobalDB struct {
	mu      sync.Mutex
	writeMu sync.Mutex
	state   memoryGlobalState
}

func NewMemoryGlobalDB() *MemoryGlobalDB {
	return &MemoryGlobalDB{state: memoryGlobalState{
		metadata:   make(map[MetadataKey][]byte),
		validators: btree.NewG(globalTreeDegree, validatorNodeLess),
		epochs:     make(map[consensus.Epoch]DbEpoch),
	}}
}

func (db *MemoryGlobalDB) committed() memoryGlobalState {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.state
}

func (db *MemoryGlobalDB) CreateTx() (GlobalTx, error) {
	db.writeMu.Lock()
	// writeMu keeps the committed state stable while it is cloned.
	return &memoryGlobalTx{db: db, state: db.committed().clone()}, nil
}

func (db *MemoryGlobalDB) CreateReadTx() (GlobalTx, error) {
	return &memoryGlobalTx{db: db, state: db.committed(), readOnly: true}, nil
}

type memoryGlobalTx struct {
	db       *MemoryGlobalDB
	state    memoryGlobalState
	readOnly bool
	closed   bool
}

func (t *memoryGlobalTx) writable() error {
	if t.closed {
		return consensus.ErrTxClosed
	}
	if t.readOnly {
		return ErrReadOnlyTx
	}
	return nil
}

func (t *memoryGlobalTx) readable() error {
	if t.closed {
		return consensus.ErrTxClosed
	}
	return nil
}

func (t *memoryGlobalTx) GetMetadata(key MetadataKey, v any) (bool, error) {
	if err := t.readable(); err != nil {
		return false, err
	}
	b, ok := t.state.metadata[key]
	if !ok {
		return false, nil
	}
	if err := decodeJSON(b, v); err != nil {
		return false, fmt.Errorf("decode metadata %s: %w", key, err)
	}
	return true, nil
}

func (t *memoryGlobalTx) SetMetadata(key MetadataKey, v any) error {
	if err := t.writable(); err != nil {
		return err
	}
	b, err := encodeJSON(v)
	if err != nil {
		return fmt.Errorf("encode metadata %s: %w", key, err)
	}
	t.state.metadata[key] = b
	return nil
}

func (t *memoryGlobalTx) InsertValidatorNodes(vns []DbValidatorNode) error {
	if err := t.writable(); err != nil {
		return err
	}
	for _, vn := range vns {
		vn.PublicKey = append([]byte(nil), vn.PublicKey...)
		t.state.validators.ReplaceOrInsert(vn)
	}
	return nil
}

func (t *memoryGlobalTx) GetValidatorNode(start, end consensus.Epoch, publicKey []byte) (DbValidatorNode, error) {
	vns, err := t.GetValidatorNodesWithinEpochs(start, end)
	if err != nil {
		return DbValidatorNode{}, err
	}
	return latestRegistration(vns, publicKey)
}

func (t *memoryGlobalTx) GetValidatorNodesWithinEpochs(start, end consensus.Epoch) ([]DbValidatorNode, error) {
	if err := t.readable(); err != nil {
		return nil, err
	}
	var out []DbValidatorNode
	t.state.validators.AscendGreaterOrEqual(DbValidatorNode{Epoch: start}, func(vn DbValidatorNode) bool {
		if vn.Epoch > end {
			return false
		}
		out = append(out, vn)
		return true
	})
	return out, nil
}

func (t *memoryGlobalTx) InsertEpoch(e DbEpoch) error {
	if err := t.writable(); err != nil {
		return err
	}
	t.state.epochs[e.Epoch] = e
	return nil
}

func (t *memoryGlobalTx) GetEpoch(epoch consensus.Epoch) (DbEpoch, bool, error) {
	if err := t.readable(); err != nil {
		return DbEpoch{}, false, err
	}
	e, ok := t.state.epochs[epoch]
	return e, ok, nil
}

func (t *memoryGlobalTx) Commit() error {
	if t.closed {
		return consensus.ErrTxClosed
	}
	t.closed = true
	if t.readOnly {
		return nil
	}
	t.db.mu.Lock()
	t.db.state = t.state
	t.db.mu.Unlock()
	t.db.writeMu.Unlock()
	return nil
}

func (t *memoryGlobalTx) Rollback() error {
	if t.closed {
		return nil
	}
	t.closed = true
	if !t.readOnly {
		t.db.writeMu.Unlock()
	}
	return nil
}
