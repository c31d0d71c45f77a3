package epoch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/uhyunpark/shardbft/pkg/baselayer"
	"github.com/uhyunpark/shardbft/pkg/consensus"
	"github.com/uhyunpark/shardbft/pkg/storage"
	"github.com/uhyunpark/shardbft/pkg/util"
)

// EpochValidityWindow is how far a peer's epoch may be from ours.
const EpochValidityWindow = 10

// StateSyncer pulls the state of a shard range from committee peers after
// the node joins a committee.
type StateSyncer[A consensus.NodeAddressable] interface {
	SyncPeersState(ctx context.Context, committee []consensus.ValidatorNode[A], start, end consensus.ShardId, shardKey consensus.ShardId) error
}

type Config struct {
	CommitteeSize          uint32
	BaseLayerConfirmations uint64
}

// Manager derives epochs, validator sets and committees from the base layer.
// Durable state lives in the global DB; the fields below are a cache that is
// loaded by LoadInitialState and only updated after a successful commit.
type Manager[A consensus.NodeAddressable] struct {
	Config Config
	DB     storage.GlobalDB
	Client baselayer.Client
	Self   A
	Decode func([]byte) (A, error)
	Syncer StateSyncer[A]
	Logger *zap.SugaredLogger
	Events *Bus

	mu                 sync.RWMutex
	currentEpoch       consensus.Epoch
	currentBlockHeight uint64
	currentShardKey    *consensus.ShardId
	constants          *baselayer.ConsensusConstants
}

func NewManager[A consensus.NodeAddressable](cfg Config, db storage.GlobalDB, client baselayer.Client, self A, decode func([]byte) (A, error)) *Manager[A] {
	return &Manager[A]{
		Config: cfg,
		DB:     db,
		Client: client,
		Self:   self,
		Decode: decode,
		Events: NewBus(),
	}
}

func (m *Manager[A]) log() *zap.SugaredLogger { return util.OrNop(m.Logger) }

// LoadInitialState fills the cache from the global DB.
func (m *Manager[A]) LoadInitialState() error {
	var (
		epoch     consensus.Epoch
		height    uint64
		shardKey  consensus.ShardId
		constants baselayer.ConsensusConstants
		hasKey    bool
		hasConsts bool
	)
	err := storage.ViewGlobal(m.DB, func(tx storage.GlobalTx) error {
		if _, err := tx.GetMetadata(storage.MetadataEpochManagerCurrentEpoch, &epoch); err != nil {
			return err
		}
		if _, err := tx.GetMetadata(storage.MetadataEpochManagerCurrentBlockHeight, &height); err != nil {
			return err
		}
		var err error
		if hasKey, err = tx.GetMetadata(storage.MetadataEpochManagerCurrentShardKey, &shardKey); err != nil {
			return err
		}
		hasConsts, err = tx.GetMetadata(storage.MetadataBaseLayerConsensusConstants, &constants)
		return err
	})
	if err != nil {
		return fmt.Errorf("load epoch manager state: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.currentEpoch = epoch
	m.currentBlockHeight = height
	m.currentShardKey = nil
	if hasKey {
		m.currentShardKey = &shardKey
	}
	m.constants = nil
	if hasConsts {
		m.constants = &constants
	}
	return nil
}

// UpdateEpoch records the scanned block height and, when it crosses into a
// new epoch, stores the epoch with its validator-node merkle root.
func (m *Manager[A]) UpdateEpoch(ctx context.Context, blockHeight uint64, blockHash baselayer.BlockHash) error {
	constants, err := m.Client.GetConsensusConstants(ctx, blockHeight)
	if err != nil {
		return fmt.Errorf("consensus constants at %d: %w", blockHeight, err)
	}
	epoch := constants.HeightToEpoch(blockHeight)
	if err := m.updateCurrentBlockHeight(blockHeight); err != nil {
		return err
	}
	if m.CurrentEpoch() >= epoch {
		return nil
	}

	header, err := m.Client.GetHeaderByHash(ctx, blockHash)
	if err != nil {
		return fmt.Errorf("epoch %d header: %w", epoch, err)
	}
	err = storage.WithGlobalTx(m.DB, func(tx storage.GlobalTx) error {
		if err := tx.InsertEpoch(storage.DbEpoch{Epoch: epoch, ValidatorNodeMR: header.ValidatorNodeMR}); err != nil {
			return err
		}
		if err := tx.SetMetadata(storage.MetadataEpochManagerCurrentEpoch, epoch); err != nil {
			return err
		}
		return tx.SetMetadata(storage.MetadataBaseLayerConsensusConstants, constants)
	})
	if err != nil {
		return fmt.Errorf("persist epoch %d: %w", epoch, err)
	}

	m.mu.Lock()
	m.currentEpoch = epoch
	m.constants = &constants
	m.mu.Unlock()

	m.log().Infow("epoch_changed", "epoch", epoch, "height", blockHeight)
	if dropped := m.Events.Publish(Event{Type: EventEpochChanged, Epoch: epoch}); dropped > 0 {
		m.log().Warnw("epoch_event_dropped", "epoch", epoch, "subscribers", dropped)
	}
	return nil
}

func (m *Manager[A]) updateCurrentBlockHeight(height uint64) error {
	err := storage.WithGlobalTx(m.DB, func(tx storage.GlobalTx) error {
		return tx.SetMetadata(storage.MetadataEpochManagerCurrentBlockHeight, height)
	})
	if err != nil {
		return fmt.Errorf("persist block height: %w", err)
	}
	m.mu.Lock()
	m.currentBlockHeight = height
	m.mu.Unlock()
	return nil
}

// GetBaseLayerConsensusConstants returns the cached constants, fetching them
// from the confirmed base-layer tip the first time.
func (m *Manager[A]) GetBaseLayerConsensusConstants(ctx context.Context) (baselayer.ConsensusConstants, error) {
	m.mu.RLock()
	c := m.constants
	m.mu.RUnlock()
	if c != nil {
		return *c, nil
	}
	if err := m.refreshBaseLayerConsensusConstants(ctx); err != nil {
		return baselayer.ConsensusConstants{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return *m.constants, nil
}

func (m *Manager[A]) refreshBaseLayerConsensusConstants(ctx context.Context) error {
	tip, err := m.Client.GetTipInfo(ctx)
	if err != nil {
		return fmt.Errorf("tip info: %w", err)
	}
	height := tip.HeightOfLongestChain
	if height > m.Config.BaseLayerConfirmations {
		height -= m.Config.BaseLayerConfirmations
	} else {
		height = 0
	}
	constants, err := m.Client.GetConsensusConstants(ctx, height)
	if err != nil {
		return fmt.Errorf("consensus constants at %d: %w", height, err)
	}
	err = storage.WithGlobalTx(m.DB, func(tx storage.GlobalTx) error {
		return tx.SetMetadata(storage.MetadataBaseLayerConsensusConstants, constants)
	})
	if err != nil {
		return fmt.Errorf("persist consensus constants: %w", err)
	}
	m.mu.Lock()
	m.constants = &constants
	m.mu.Unlock()
	return nil
}

// AddValidatorNodeRegistration stores a registration seen at blockHeight. It
// becomes active in the following epoch.
func (m *Manager[A]) AddValidatorNodeRegistration(ctx context.Context, blockHeight uint64, reg baselayer.ValidatorNodeRegistration) error {
	constants, err := m.GetBaseLayerConsensusConstants(ctx)
	if err != nil {
		return err
	}
	next := constants.HeightToEpoch(blockHeight) + 1
	nextHeight := constants.EpochToHeight(next)

	shardKey, ok, err := m.Client.GetShardKey(ctx, nextHeight, reg.PublicKey)
	if err != nil {
		return fmt.Errorf("shard key: %w", err)
	}
	if !ok {
		return &ShardKeyNotFoundError{PublicKey: reg.PublicKey, BlockHeight: blockHeight}
	}

	isSelf := string(reg.PublicKey) == string(m.Self.Bytes())
	err = storage.WithGlobalTx(m.DB, func(tx storage.GlobalTx) error {
		err := tx.InsertValidatorNodes([]storage.DbValidatorNode{{
			PublicKey: reg.PublicKey,
			ShardKey:  shardKey,
			Epoch:     next,
		}})
		if err != nil || !isSelf {
			return err
		}
		if err := tx.SetMetadata(storage.MetadataEpochManagerCurrentShardKey, shardKey); err != nil {
			return err
		}
		var last consensus.Epoch
		if _, err := tx.GetMetadata(storage.MetadataEpochManagerLastEpochRegistration, &last); err != nil {
			return err
		}
		if last < next {
			return tx.SetMetadata(storage.MetadataEpochManagerLastEpochRegistration, next)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("persist registration: %w", err)
	}

	if isSelf {
		m.mu.Lock()
		m.currentShardKey = &shardKey
		m.mu.Unlock()
		m.log().Infow("validator_registered", "epoch", next, "shard_key", shardKey)
	}
	return nil
}

func (m *Manager[A]) CurrentEpoch() consensus.Epoch {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.currentEpoch
}

func (m *Manager[A]) CurrentBlockHeight() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.currentBlockHeight
}

// CurrentShardKey returns this node's latest shard key, if it has registered.
func (m *Manager[A]) CurrentShardKey() (consensus.ShardId, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.currentShardKey == nil {
		return consensus.ShardId{}, false
	}
	return *m.currentShardKey, true
}

func (m *Manager[A]) IsEpochValid(e consensus.Epoch) bool {
	current := m.CurrentEpoch()
	return current <= e+EpochValidityWindow && e <= current+EpochValidityWindow
}

func (m *Manager[A]) epochRange(e consensus.Epoch) (consensus.Epoch, consensus.Epoch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.constants == nil {
		return 0, 0, ErrBaseLayerConsensusConstantsNotSet
	}
	start, end := m.constants.ActiveRange(e)
	return start, end, nil
}

// GetValidatorShardKey returns the shard key of publicKey active in epoch e.
func (m *Manager[A]) GetValidatorShardKey(e consensus.Epoch, publicKey A) (consensus.ShardId, bool, error) {
	start, end, err := m.epochRange(e)
	if err != nil {
		return consensus.ShardId{}, false, err
	}
	var vn storage.DbValidatorNode
	err = storage.ViewGlobal(m.DB, func(tx storage.GlobalTx) error {
		var err error
		vn, err = tx.GetValidatorNode(start, end, publicKey.Bytes())
		return err
	})
	if errors.Is(err, storage.ErrValidatorNodeNotFound) {
		return consensus.ShardId{}, false, nil
	}
	if err != nil {
		return consensus.ShardId{}, false, err
	}
	return vn.ShardKey, true, nil
}

func (m *Manager[A]) LastRegistrationEpoch() (consensus.Epoch, bool, error) {
	var (
		e  consensus.Epoch
		ok bool
	)
	err := storage.ViewGlobal(m.DB, func(tx storage.GlobalTx) error {
		var err error
		ok, err = tx.GetMetadata(storage.MetadataEpochManagerLastEpochRegistration, &e)
		return err
	})
	return e, ok, err
}

// RemainingRegistrationEpochs returns how many epochs this node's latest
// registration stays active, counting the current one, and false when it is
// unregistered or expired. A registration for epoch r is active in
// [r, r+expiry).
func (m *Manager[A]) RemainingRegistrationEpochs(ctx context.Context) (consensus.Epoch, bool, error) {
	last, ok, err := m.LastRegistrationEpoch()
	if err != nil || !ok {
		return 0, false, err
	}
	constants, err := m.GetBaseLayerConsensusConstants(ctx)
	if err != nil {
		return 0, false, err
	}
	current := m.CurrentEpoch()
	if current < last {
		return consensus.Epoch(constants.ValidatorNodeRegistrationExpiry), true, nil
	}
	elapsed := uint64(current - last)
	if elapsed >= constants.ValidatorNodeRegistrationExpiry {
		return 0, false, nil
	}
	return consensus.Epoch(constants.ValidatorNodeRegistrationExpiry - elapsed), true, nil
}

func (m *Manager[A]) registrations(e consensus.Epoch) ([]Registration, error) {
	start, end, err := m.epochRange(e)
	if err != nil {
		return nil, err
	}
	var rows []storage.DbValidatorNode
	err = storage.ViewGlobal(m.DB, func(tx storage.GlobalTx) error {
		var err error
		rows, err = tx.GetValidatorNodesWithinEpochs(start, end)
		return err
	})
	if err != nil {
		return nil, err
	}
	regs := make([]Registration, len(rows))
	for i, r := range rows {
		regs[i] = Registration{PublicKey: r.PublicKey, ShardKey: r.ShardKey, Epoch: r.Epoch}
	}
	return ActiveSet(regs), nil
}

func (m *Manager[A]) toValidatorNodes(regs []Registration) ([]consensus.ValidatorNode[A], error) {
	out := make([]consensus.ValidatorNode[A], len(regs))
	for i, r := range regs {
		pk, err := m.Decode(r.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("decode validator %x: %w", r.PublicKey, err)
		}
		out[i] = consensus.ValidatorNode[A]{PublicKey: pk, ShardKey: r.ShardKey, Epoch: r.Epoch}
	}
	return out, nil
}

// GetValidatorNodesPerEpoch returns the validators active in e, ordered by
// shard key.
func (m *Manager[A]) GetValidatorNodesPerEpoch(e consensus.Epoch) ([]consensus.ValidatorNode[A], error) {
	regs, err := m.registrations(e)
	if err != nil {
		return nil, err
	}
	return m.toValidatorNodes(regs)
}

func (m *Manager[A]) GetCommitteeVnsFromShardKey(e consensus.Epoch, shard consensus.ShardId) ([]consensus.ValidatorNode[A], error) {
	if m.Config.CommitteeSize == 0 {
		return nil, ErrInvalidCommitteeSize
	}
	regs, err := m.registrations(e)
	if err != nil {
		return nil, err
	}
	return m.toValidatorNodes(SelectCommittee(regs, m.Config.CommitteeSize, shard))
}

func (m *Manager[A]) GetCommittee(e consensus.Epoch, shard consensus.ShardId) (consensus.Committee[A], error) {
	vns, err := m.GetCommitteeVnsFromShardKey(e, shard)
	if err != nil {
		return consensus.Committee[A]{}, err
	}
	members := make([]A, len(vns))
	for i, vn := range vns {
		members[i] = vn.PublicKey
	}
	return consensus.NewCommittee(members), nil
}

type ShardCommittee[A consensus.NodeAddressable] struct {
	Shard     consensus.ShardId      `json:"shard"`
	Committee consensus.Committee[A] `json:"committee"`
}

func (m *Manager[A]) GetCommittees(e consensus.Epoch, shards []consensus.ShardId) ([]ShardCommittee[A], error) {
	out := make([]ShardCommittee[A], 0, len(shards))
	for _, s := range shards {
		c, err := m.GetCommittee(e, s)
		if err != nil {
			return nil, err
		}
		out = append(out, ShardCommittee[A]{Shard: s, Committee: c})
	}
	return out, nil
}

func (m *Manager[A]) IsValidatorInCommittee(e consensus.Epoch, shard consensus.ShardId, a A) (bool, error) {
	c, err := m.GetCommittee(e, shard)
	if err != nil {
		return false, err
	}
	return c.Contains(a), nil
}

// FilterToLocalShards keeps the shards whose committee in e includes a.
func (m *Manager[A]) FilterToLocalShards(e consensus.Epoch, a A, shards []consensus.ShardId) ([]consensus.ShardId, error) {
	var out []consensus.ShardId
	for _, s := range shards {
		in, err := m.IsValidatorInCommittee(e, s, a)
		if err != nil {
			return nil, err
		}
		if in {
			out = append(out, s)
		}
	}
	return out, nil
}

// GetValidatorNodeMerkleRoot returns the root announced by the base layer
// when e started.
func (m *Manager[A]) GetValidatorNodeMerkleRoot(e consensus.Epoch) ([]byte, error) {
	var (
		rec storage.DbEpoch
		ok  bool
	)
	err := storage.ViewGlobal(m.DB, func(tx storage.GlobalTx) error {
		var err error
		rec, ok, err = tx.GetEpoch(e)
		return err
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNoEpochFound, e)
	}
	return rec.ValidatorNodeMR, nil
}

// ComputeValidatorNodeMerkleRoot rebuilds the root from the locally known
// validator set of e.
func (m *Manager[A]) ComputeValidatorNodeMerkleRoot(e consensus.Epoch) ([32]byte, error) {
	regs, err := m.registrations(e)
	if err != nil {
		return [32]byte{}, err
	}
	leaves := make([][32]byte, len(regs))
	for i, r := range regs {
		leaves[i] = baselayer.ValidatorNodeLeaf(r.PublicKey, r.ShardKey)
	}
	return baselayer.ValidatorNodeMerkleRoot(leaves), nil
}

// OnScanningComplete syncs the state of this node's committee shard range
// once per epoch.
func (m *Manager[A]) OnScanningComplete(ctx context.Context) error {
	current := m.CurrentEpoch()
	var (
		synced consensus.Epoch
		ok     bool
	)
	err := storage.ViewGlobal(m.DB, func(tx storage.GlobalTx) error {
		var err error
		ok, err = tx.GetMetadata(storage.MetadataEpochManagerLastSyncedEpoch, &synced)
		return err
	})
	if err != nil {
		return err
	}
	if ok && synced == current {
		return nil
	}
	if err := m.refreshBaseLayerConsensusConstants(ctx); err != nil {
		return err
	}
	shardKey, registered, err := m.GetValidatorShardKey(current, m.Self)
	if err != nil {
		return err
	}
	if !registered {
		m.log().Infow("state_sync_skipped", "epoch", current, "reason", "not registered")
		return nil
	}
	vns, err := m.GetCommitteeVnsFromShardKey(current, shardKey)
	if err != nil {
		return err
	}
	if len(vns) == 0 {
		return &NoCommitteeVnsError{Epoch: current, Shard: shardKey}
	}
	regs := make([]Registration, len(vns))
	for i, vn := range vns {
		regs[i] = Registration{PublicKey: vn.PublicKey.Bytes(), ShardKey: vn.ShardKey, Epoch: vn.Epoch}
	}
	start, end := CommitteeShardRange(m.Config.CommitteeSize, regs)
	m.log().Infow("state_sync_start", "epoch", current, "start", start, "end", end)
	if m.Syncer != nil {
		if err := m.Syncer.SyncPeersState(ctx, vns, start, end, shardKey); err != nil {
			return fmt.Errorf("state sync: %w", err)
		}
	}
	return storage.WithGlobalTx(m.DB, func(tx storage.GlobalTx) error {
		return tx.SetMetadata(storage.MetadataEpochManagerLastSyncedEpoch, current)
	})
}
