package epoch

import (
	"context"
	"errors"
	"testing"

	"github.com/uhyunpark/shardbft/pkg/baselayer"
	"github.com/uhyunpark/shardbft/pkg/consensus"
	ct "github.com/uhyunpark/shardbft/pkg/consensus/consensustest"
	"github.com/uhyunpark/shardbft/pkg/storage"
)

var _ consensus.EpochManager[ct.Addr] = (*Manager[ct.Addr])(nil)
var _ baselayer.EpochSink = (*Manager[ct.Addr])(nil)

func decodeAddr(b []byte) (ct.Addr, error) { return ct.Addr(b), nil }

func newTestManager(t *testing.T, chain *baselayer.DevChain, db storage.GlobalDB, self ct.Addr) *Manager[ct.Addr] {
	t.Helper()
	m := NewManager[ct.Addr](Config{CommitteeSize: 4, BaseLayerConfirmations: 0}, db, chain, self, decodeAddr)
	if err := m.LoadInitialState(); err != nil {
		t.Fatal(err)
	}
	return m
}

func mineTo(chain *baselayer.DevChain, height uint64) {
	for {
		tip, _ := chain.GetTipInfo(context.Background())
		if tip.HeightOfLongestChain >= height {
			return
		}
		chain.MineBlock()
	}
}

func TestRegistrationActiveFromNextEpochUntilExpiry(t *testing.T) {
	ctx := context.Background()
	chain := baselayer.NewDevChain(baselayer.ConsensusConstants{EpochLength: 10, ValidatorNodeRegistrationExpiry: 10}, nil)
	m := newTestManager(t, chain, storage.NewMemoryGlobalDB(), "v")

	mineTo(chain, 43)
	chain.Register([]byte("v"))
	b := chain.MineBlock()
	if err := m.AddValidatorNodeRegistration(ctx, b.Header.Height, b.Registrations[0]); err != nil {
		t.Fatal(err)
	}

	want := baselayer.DevShardKey([]byte("v"), 50)
	key, ok, err := m.GetValidatorShardKey(5, "v")
	if err != nil || !ok || key != want {
		t.Fatalf("epoch 5 shard key = %s, %v, %v; want %s", key, ok, err, want)
	}
	if got, ok := m.CurrentShardKey(); !ok || got != want {
		t.Fatalf("current shard key = %s, %v", got, ok)
	}
	if _, ok, _ := m.GetValidatorShardKey(4, "v"); ok {
		t.Fatal("registration visible before its epoch")
	}
	if _, ok, _ := m.GetValidatorShardKey(14, "v"); !ok {
		t.Fatal("registration expired early")
	}
	if _, ok, err := m.GetValidatorShardKey(20, "v"); ok || err != nil {
		t.Fatalf("epoch 20 = %v, %v; want expired", ok, err)
	}
	if last, ok, _ := m.LastRegistrationEpoch(); !ok || last != 5 {
		t.Fatalf("last registration epoch = %d, %v", last, ok)
	}
}

func TestRemainingRegistrationEpochsEndsWithActiveWindow(t *testing.T) {
	ctx := context.Background()
	chain := baselayer.NewDevChain(baselayer.ConsensusConstants{EpochLength: 10, ValidatorNodeRegistrationExpiry: 10}, nil)
	m := newTestManager(t, chain, storage.NewMemoryGlobalDB(), "v")

	if _, ok, err := m.RemainingRegistrationEpochs(ctx); ok || err != nil {
		t.Fatalf("unregistered = %v, %v", ok, err)
	}

	mineTo(chain, 43)
	chain.Register([]byte("v"))
	b := chain.MineBlock()
	if err := m.AddValidatorNodeRegistration(ctx, b.Header.Height, b.Registrations[0]); err != nil {
		t.Fatal(err)
	}

	enter := func(height uint64) {
		t.Helper()
		mineTo(chain, height)
		blk, err := chain.GetBlock(ctx, height)
		if err != nil {
			t.Fatal(err)
		}
		if err := m.UpdateEpoch(ctx, height, blk.Header.Hash); err != nil {
			t.Fatal(err)
		}
	}

	// Registered for epoch 5, active through epoch 14.
	enter(50)
	if left, ok, err := m.RemainingRegistrationEpochs(ctx); !ok || err != nil || left != 10 {
		t.Fatalf("epoch 5: left = %d, %v, %v", left, ok, err)
	}
	enter(140)
	if left, ok, err := m.RemainingRegistrationEpochs(ctx); !ok || err != nil || left != 1 {
		t.Fatalf("epoch 14: left = %d, %v, %v", left, ok, err)
	}
	if _, ok, _ := m.GetValidatorShardKey(14, "v"); !ok {
		t.Fatal("epoch 14: registration inactive")
	}
	enter(150)
	if left, ok, err := m.RemainingRegistrationEpochs(ctx); ok || err != nil {
		t.Fatalf("epoch 15: left = %d, %v, %v; want expired", left, ok, err)
	}
	if _, ok, _ := m.GetValidatorShardKey(15, "v"); ok {
		t.Fatal("epoch 15: registration still active")
	}
}

func TestCommitteeQueriesNeedConsensusConstants(t *testing.T) {
	chain := baselayer.NewDevChain(baselayer.ConsensusConstants{EpochLength: 10, ValidatorNodeRegistrationExpiry: 10}, nil)
	m := newTestManager(t, chain, storage.NewMemoryGlobalDB(), "v")

	_, err := m.GetCommittee(1, ct.Shard(1))
	if !errors.Is(err, ErrBaseLayerConsensusConstantsNotSet) || !IsRetryable(err) {
		t.Fatalf("err = %v, want retryable ErrBaseLayerConsensusConstantsNotSet", err)
	}
	if _, _, err := m.GetValidatorShardKey(1, "v"); !IsRetryable(err) {
		t.Fatalf("shard key err = %v", err)
	}
	if _, err := m.GetBaseLayerConsensusConstants(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := m.GetCommittee(1, ct.Shard(1)); err != nil {
		t.Fatalf("after refresh: %v", err)
	}
}

func TestIsEpochValid(t *testing.T) {
	chain := baselayer.NewDevChain(baselayer.ConsensusConstants{EpochLength: 1, ValidatorNodeRegistrationExpiry: 100}, nil)
	m := newTestManager(t, chain, storage.NewMemoryGlobalDB(), "v")
	mineTo(chain, 20)
	b, _ := chain.GetBlock(context.Background(), 20)
	if err := m.UpdateEpoch(context.Background(), 20, b.Header.Hash); err != nil {
		t.Fatal(err)
	}
	if m.CurrentEpoch() != 20 {
		t.Fatalf("current epoch = %d", m.CurrentEpoch())
	}

	tests := []struct {
		epoch consensus.Epoch
		want  bool
	}{
		{9, false},
		{10, true},
		{20, true},
		{30, true},
		{31, false},
	}
	for _, tt := range tests {
		if got := m.IsEpochValid(tt.epoch); got != tt.want {
			t.Errorf("IsEpochValid(%d) = %v, want %v", tt.epoch, got, tt.want)
		}
	}
}

func TestEpochStateIsWrittenThrough(t *testing.T) {
	ctx := context.Background()
	db := storage.NewMemoryGlobalDB()
	chain := baselayer.NewDevChain(baselayer.ConsensusConstants{EpochLength: 10, ValidatorNodeRegistrationExpiry: 100}, [][]byte{[]byte("v")})
	m := newTestManager(t, chain, db, "v")
	events, cancel := m.Events.Subscribe(4)
	defer cancel()

	genesis, _ := chain.GetBlock(ctx, 0)
	if err := m.AddValidatorNodeRegistration(ctx, 0, genesis.Registrations[0]); err != nil {
		t.Fatal(err)
	}
	mineTo(chain, 10)
	b, _ := chain.GetBlock(ctx, 10)
	if err := m.UpdateEpoch(ctx, 10, b.Header.Hash); err != nil {
		t.Fatal(err)
	}
	select {
	case ev := <-events:
		if ev.Type != EventEpochChanged || ev.Epoch != 1 {
			t.Fatalf("event = %+v", ev)
		}
	default:
		t.Fatal("no epoch changed event")
	}

	reloaded := newTestManager(t, chain, db, "v")
	if reloaded.CurrentEpoch() != 1 || reloaded.CurrentBlockHeight() != 10 {
		t.Fatalf("reloaded epoch %d height %d", reloaded.CurrentEpoch(), reloaded.CurrentBlockHeight())
	}
	if _, ok := reloaded.CurrentShardKey(); !ok {
		t.Fatal("shard key not reloaded")
	}
	c, err := reloaded.GetCommittee(1, ct.Shard(7))
	if err != nil || c.Len() != 1 || !c.Contains("v") {
		t.Fatalf("committee = %+v, %v", c, err)
	}

	announced, err := reloaded.GetValidatorNodeMerkleRoot(1)
	if err != nil {
		t.Fatal(err)
	}
	computed, err := reloaded.ComputeValidatorNodeMerkleRoot(1)
	if err != nil {
		t.Fatal(err)
	}
	if string(announced) != string(computed[:]) {
		t.Fatalf("merkle root mismatch: announced %x, computed %x", announced, computed)
	}
	if _, err := reloaded.GetValidatorNodeMerkleRoot(3); !errors.Is(err, ErrNoEpochFound) {
		t.Fatalf("err = %v, want ErrNoEpochFound", err)
	}
}

func TestUnknownShardKeyIsTyped(t *testing.T) {
	chain := baselayer.NewDevChain(baselayer.ConsensusConstants{EpochLength: 10, ValidatorNodeRegistrationExpiry: 10}, nil)
	m := newTestManager(t, chain, storage.NewMemoryGlobalDB(), "v")
	err := m.AddValidatorNodeRegistration(context.Background(), 0, baselayer.ValidatorNodeRegistration{PublicKey: []byte("ghost")})
	var notFound *ShardKeyNotFoundError
	if !errors.As(err, &notFound) || string(notFound.PublicKey) != "ghost" {
		t.Fatalf("err = %v, want ShardKeyNotFoundError", err)
	}
}

type recordingSyncer struct {
	calls      int
	start, end consensus.ShardId
}

func (r *recordingSyncer) SyncPeersState(_ context.Context, _ []consensus.ValidatorNode[ct.Addr], start, end, _ consensus.ShardId) error {
	r.calls++
	r.start, r.end = start, end
	return nil
}

func TestOnScanningCompleteSyncsOncePerEpoch(t *testing.T) {
	ctx := context.Background()
	chain := baselayer.NewDevChain(baselayer.ConsensusConstants{EpochLength: 10, ValidatorNodeRegistrationExpiry: 100}, [][]byte{[]byte("v"), []byte("w")})
	m := newTestManager(t, chain, storage.NewMemoryGlobalDB(), "v")
	syncer := &recordingSyncer{}
	m.Syncer = syncer

	genesis, _ := chain.GetBlock(ctx, 0)
	for _, reg := range genesis.Registrations {
		if err := m.AddValidatorNodeRegistration(ctx, 0, reg); err != nil {
			t.Fatal(err)
		}
	}
	mineTo(chain, 10)
	b, _ := chain.GetBlock(ctx, 10)
	if err := m.UpdateEpoch(ctx, 10, b.Header.Hash); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		if err := m.OnScanningComplete(ctx); err != nil {
			t.Fatal(err)
		}
	}
	if syncer.calls != 1 {
		t.Fatalf("sync calls = %d, want 1", syncer.calls)
	}
	if syncer.start != consensus.ZeroShardId() || syncer.end != consensus.MaxShardId() {
		t.Fatalf("two validators under committee size 4 should sync the full range, got %s..%s", syncer.start, syncer.end)
	}
}
