package baselayer

import (
	"context"
	"errors"
	"testing"
)

func TestConsensusConstantsMapping(t *testing.T) {
	c := ConsensusConstants{EpochLength: 10, ValidatorNodeRegistrationExpiry: 5}
	if c.HeightToEpoch(0) != 0 || c.HeightToEpoch(9) != 0 || c.HeightToEpoch(10) != 1 {
		t.Fatal("height to epoch")
	}
	if c.EpochToHeight(3) != 30 {
		t.Fatalf("epoch 3 starts at %d", c.EpochToHeight(3))
	}
	if start, end := c.ActiveRange(12); start != 8 || end != 12 {
		t.Fatalf("active range = [%d, %d]", start, end)
	}
	if start, _ := c.ActiveRange(2); start != 0 {
		t.Fatalf("active range must saturate, got %d", start)
	}
	if (ConsensusConstants{}).HeightToEpoch(100) != 0 {
		t.Fatal("zero epoch length must not divide by zero")
	}
}

func TestMerkleRoot(t *testing.T) {
	a := ValidatorNodeLeaf([]byte("a"), [32]byte{1})
	b := ValidatorNodeLeaf([]byte("b"), [32]byte{2})
	c := ValidatorNodeLeaf([]byte("c"), [32]byte{3})

	if ValidatorNodeMerkleRoot(nil) != ([32]byte{}) {
		t.Fatal("empty root must be zero")
	}
	if ValidatorNodeMerkleRoot([][32]byte{a}) != a {
		t.Fatal("single leaf is its own root")
	}
	ab := ValidatorNodeMerkleRoot([][32]byte{a, b})
	if ab == ValidatorNodeMerkleRoot([][32]byte{b, a}) {
		t.Fatal("root must depend on leaf order")
	}
	if ValidatorNodeMerkleRoot([][32]byte{a, b, c}) != hashPair(ab, c) {
		t.Fatal("odd leaf must be carried up")
	}
}

func TestDevChainRegistrationAndLookups(t *testing.T) {
	ctx := context.Background()
	chain := NewDevChain(ConsensusConstants{EpochLength: 5, ValidatorNodeRegistrationExpiry: 10}, [][]byte{[]byte("g")})

	tip, err := chain.GetTipInfo(ctx)
	if err != nil || tip.HeightOfLongestChain != 0 {
		t.Fatalf("tip = %+v, %v", tip, err)
	}
	genesis, _ := chain.GetBlock(ctx, 0)
	if len(genesis.Registrations) != 1 {
		t.Fatalf("genesis registrations = %d", len(genesis.Registrations))
	}

	chain.Register([]byte("late"))
	b1 := chain.MineBlock()
	if b1.Header.PrevHash != genesis.Header.Hash || b1.Header.Height != 1 {
		t.Fatalf("block 1 header = %+v", b1.Header)
	}
	h, err := chain.GetHeaderByHash(ctx, b1.Header.Hash)
	if err != nil || h.Height != 1 {
		t.Fatalf("header by hash = %+v, %v", h, err)
	}
	if _, err := chain.GetHeaderByHash(ctx, BlockHash{0xff}); !errors.Is(err, ErrBlockNotFound) {
		t.Fatalf("err = %v", err)
	}
	if _, err := chain.GetBlock(ctx, 9); !errors.Is(err, ErrBlockNotFound) {
		t.Fatalf("err = %v", err)
	}

	key, ok, err := chain.GetShardKey(ctx, 5, []byte("late"))
	if err != nil || !ok || key != DevShardKey([]byte("late"), 5) {
		t.Fatalf("shard key = %s, %v, %v", key, ok, err)
	}
	if _, ok, _ := chain.GetShardKey(ctx, 0, []byte("late")); ok {
		t.Fatal("registration visible before its block")
	}
	if _, ok, _ := chain.GetShardKey(ctx, 5, []byte("nobody")); ok {
		t.Fatal("unknown key has a shard key")
	}
}

func TestDevChainAnnouncesActiveValidators(t *testing.T) {
	chain := NewDevChain(ConsensusConstants{EpochLength: 5, ValidatorNodeRegistrationExpiry: 10}, [][]byte{[]byte("g")})
	for i := 0; i < 4; i++ {
		chain.MineBlock()
	}
	epochStart := chain.MineBlock()
	want := ValidatorNodeMerkleRoot([][32]byte{ValidatorNodeLeaf([]byte("g"), DevShardKey([]byte("g"), 5))})
	if string(epochStart.Header.ValidatorNodeMR) != string(want[:]) {
		t.Fatalf("epoch 1 root = %x, want %x", []byte(epochStart.Header.ValidatorNodeMR), want)
	}
}
