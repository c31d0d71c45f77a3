package storage

import (
	"errors"

	"github.com/uhyunpark/shardbft/pkg/consensus"
)

var ErrValidatorNodeNotFound = errors.New("validator node not found")

// MetadataKey names a value in the global metadata table.
type MetadataKey string

const (
	MetadataEpochManagerCurrentEpoch          MetadataKey = "EpochManagerCurrentEpoch"
	MetadataEpochManagerCurrentShardKey       MetadataKey = "EpochManagerCurrentShardKey"
	MetadataBaseLayerConsensusConstants       MetadataKey = "BaseLayerConsensusConstants"
	MetadataEpochManagerCurrentBlockHeight    MetadataKey = "EpochManagerCurrentBlockHeight"
	MetadataEpochManagerLastEpochRegistration MetadataKey = "EpochManagerLastEpochRegistration"
	MetadataEpochManagerLastSyncedEpoch       MetadataKey = "EpochManagerLastSyncedEpoch"
	MetadataBaseLayerScannerLastScannedHeight MetadataKey = "BaseLayerScannerLastScannedHeight"
)

// DbValidatorNode is one validator registration, valid from Epoch onwards.
type DbValidatorNode struct {
	PublicKey []byte            `json:"public_key"`
	ShardKey  consensus.ShardId `json:"shard_key"`
	Epoch     consensus.Epoch   `json:"epoch"`
}

// DbEpoch records the validator-node merkle root announced for an epoch.
type DbEpoch struct {
	Epoch           consensus.Epoch `json:"epoch"`
	ValidatorNodeMR []byte          `json:"validator_node_mr"`
}

// GlobalDB holds node-wide state owned by the epoch manager. It is a separate
// storage domain from the shard store and never shares its transactions.
type GlobalDB interface {
	CreateTx() (GlobalTx, error)
	CreateReadTx() (GlobalTx, error)
}

type GlobalTx interface {
	// GetMetadata decodes the value stored under key into v and reports
	// whether it was present.
	GetMetadata(key MetadataKey, v any) (bool, error)
	SetMetadata(key MetadataKey, v any) error

	InsertValidatorNodes(vns []DbValidatorNode) error
	// GetValidatorNode returns the latest registration of publicKey with an
	// epoch in [start, end], or ErrValidatorNodeNotFound.
	GetValidatorNode(start, end consensus.Epoch, publicKey []byte) (DbValidatorNode, error)
	// GetValidatorNodesWithinEpochs returns every registration with an epoch
	// in [start, end], ordered by epoch then public key.
	GetValidatorNodesWithinEpochs(start, end consensus.Epoch) ([]DbValidatorNode, error)

	InsertEpoch(e DbEpoch) error
	GetEpoch(epoch consensus.Epoch) (DbEpoch, bool, error)

	Commit() error
	Rollback() error
}

// WithGlobalTx runs fn in a write transaction and commits it when fn succeeds.
func WithGlobalTx(db GlobalDB, fn func(tx GlobalTx) error) error {
	tx, err := db.CreateTx()
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// ViewGlobal runs fn in a read transaction.
func ViewGlobal(db GlobalDB, fn func(tx GlobalTx) error) error {
	tx, err := db.CreateReadTx()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	return fn(tx)
}

func latestRegistration(vns []DbValidatorNode, publicKey []byte) (DbValidatorNode, error) {
	var (
		best  DbValidatorNode
		found bool
	)
	for _, vn := range vns {
		if string(vn.PublicKey) != string(publicKey) {
			continue
		}
		if !found || vn.Epoch >= best.Epoch {
			best, found = vn, true
		}
	}
	if !found {
		return best, ErrValidatorNodeNotFound
	}
	return best, nil
}
