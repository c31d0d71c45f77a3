package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"

	"github.com/uhyunpark/shardbft/pkg/consensus"
)

// Global DB key schema.
//
//	meta:<key>               metadata value
//	vn:<epoch BE><pubkey>    validator registration
//	epoch:<epoch BE>         epoch record
const (
	prefixMetadata  = "meta:"
	prefixValidator = "vn:"
	prefixEpoch     = "epoch:"
)

func epochKey(e consensus.Epoch) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(e))
	return b[:]
}

// PebbleGlobalDB is the durable global metadata table, kept in its own
// Pebble instance.
type PebbleGlobalDB struct {
	db      *pebble.DB
	writeMu sync.Mutex
}

func NewPebbleGlobalDB(path string) (*PebbleGlobalDB, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open global db: %w", err)
	}
	return &PebbleGlobalDB{db: db}, nil
}

func (g *PebbleGlobalDB) Close() error { return g.db.Close() }

func (g *PebbleGlobalDB) CreateTx() (GlobalTx, error) {
	g.writeMu.Lock()
	b := g.db.NewIndexedBatch()
	return &pebbleGlobalTx{db: g, reader: b, batch: b}, nil
}

func (g *PebbleGlobalDB) CreateReadTx() (GlobalTx, error) {
	snap := g.db.NewSnapshot()
	return &pebbleGlobalTx{db: g, reader: snap, snap: snap}, nil
}

type pebbleGlobalTx struct {
	db     *PebbleGlobalDB
	reader pebble.Reader
	batch  *pebble.Batch
	snap   *pebble.Snapshot
	closed bool
}

func (t *pebbleGlobalTx) writable() error {
	if t.closed {
		return consensus.ErrTxClosed
	}
	if t.batch == nil {
		return ErrReadOnlyTx
	}
	return nil
}

func (t *pebbleGlobalTx) readable() error {
	if t.closed {
		return consensus.ErrTxClosed
	}
	return nil
}

func (t *pebbleGlobalTx) get(k []byte, v any) (bool, error) {
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

func (t *pebbleGlobalTx) put(k []byte, v any) error {
	val, err := encodeJSON(v)
	if err != nil {
		return fmt.Errorf("encode %q: %w", k, err)
	}
	return t.batch.Set(k, val, nil)
}

func (t *pebbleGlobalTx) GetMetadata(k MetadataKey, v any) (bool, error) {
	if err := t.readable(); err != nil {
		return false, err
	}
	return t.get(key(prefixMetadata, []byte(k)), v)
}

func (t *pebbleGlobalTx) SetMetadata(k MetadataKey, v any) error {
	if err := t.writable(); err != nil {
		return err
	}
	return t.put(key(prefixMetadata, []byte(k)), v)
}

func (t *pebbleGlobalTx) InsertValidatorNodes(vns []DbValidatorNode) error {
	if err := t.writable(); err != nil {
		return err
	}
	for _, vn := range vns {
		if err := t.put(key(prefixValidator, epochKey(vn.Epoch), vn.PublicKey), vn); err != nil {
			return err
		}
	}
	return nil
}

func (t *pebbleGlobalTx) GetValidatorNode(start, end consensus.Epoch, publicKey []byte) (DbValidatorNode, error) {
	vns, err := t.GetValidatorNodesWithinEpochs(start, end)
	if err != nil {
		return DbValidatorNode{}, err
	}
	return latestRegistration(vns, publicKey)
}

func (t *pebbleGlobalTx) GetValidatorNodesWithinEpochs(start, end consensus.Epoch) ([]DbValidatorNode, error) {
	if err := t.readable(); err != nil {
		return nil, err
	}
	lower := key(prefixValidator, epochKey(start))
	upper := prefixUpperBound(key(prefixValidator, epochKey(end)))
	iter, err := t.reader.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []DbValidatorNode
	for iter.First(); iter.Valid(); iter.Next() {
		var vn DbValidatorNode
		if err := decodeJSON(iter.Value(), &vn); err != nil {
			return nil, fmt.Errorf("decode validator node: %w", err)
		}
		out = append(out, vn)
	}
	return out, iter.Error()
}

func (t *pebbleGlobalTx) InsertEpoch(e DbEpoch) error {
	if err := t.writable(); err != nil {
		return err
	}
	return t.put(key(prefixEpoch, epochKey(e.Epoch)), e)
}

func (t *pebbleGlobalTx) GetEpoch(epoch consensus.Epoch) (DbEpoch, bool, error) {
	if err := t.readable(); err != nil {
		return DbEpoch{}, false, err
	}
	var e DbEpoch
	ok, err := t.get(key(prefixEpoch, epochKey(epoch)), &e)
	return e, ok, err
}

func (t *pebbleGlobalTx) Commit() error {
	if t.closed {
		return consensus.ErrTxClosed
	}
	if t.batch == nil {
		return t.close()
	}
	if err := t.batch.Commit(pebble.Sync); err != nil {
		t.close()
		return fmt.Errorf("commit global tx: %w", err)
	}
	return t.close()
}

func (t *pebbleGlobalTx) Rollback() error {
	if t.closed {
		return nil
	}
	return t.close()
}

func (t *pebbleGlobalTx) close() error {
	t.closed = true
	if t.snap != nil {
		return t.snap.Close()
	}
	err := t.batch.Close()
	t.db.writeMu.Unlock()
	return err
}
