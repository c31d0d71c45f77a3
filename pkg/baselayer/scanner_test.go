package baselayer_test

import (
	"context"
	"testing"

	"github.com/uhyunpark/shardbft/pkg/baselayer"
	ct "github.com/uhyunpark/shardbft/pkg/consensus/consensustest"
	"github.com/uhyunpark/shardbft/pkg/epoch"
	"github.com/uhyunpark/shardbft/pkg/storage"
)

func TestScannerFeedsEpochManager(t *testing.T) {
	ctx := context.Background()
	validators := [][]byte{[]byte("v1"), []byte("v2"), []byte("v3"), []byte("v4")}
	chain := baselayer.NewDevChain(baselayer.ConsensusConstants{EpochLength: 10, ValidatorNodeRegistrationExpiry: 100}, validators)
	for i := 0; i < 25; i++ {
		chain.MineBlock()
	}

	db := storage.NewMemoryGlobalDB()
	m := epoch.NewManager[ct.Addr](epoch.Config{CommitteeSize: 4, BaseLayerConfirmations: 3}, db, chain, "v1",
		func(b []byte) (ct.Addr, error) { return ct.Addr(b), nil })
	if err := m.LoadInitialState(); err != nil {
		t.Fatal(err)
	}
	scanner := baselayer.NewScanner(chain, m, db, 3, 0)

	n, err := scanner.ScanOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 23 {
		t.Fatalf("scanned %d blocks, want 23 (tip 25 minus 3 confirmations, from 0)", n)
	}
	if m.CurrentEpoch() != 2 || m.CurrentBlockHeight() != 22 {
		t.Fatalf("epoch %d height %d", m.CurrentEpoch(), m.CurrentBlockHeight())
	}
	c, err := m.GetCommittee(2, ct.Shard(0x80))
	if err != nil || c.Len() != 4 {
		t.Fatalf("committee = %+v, %v", c, err)
	}

	announced, err := m.GetValidatorNodeMerkleRoot(2)
	if err != nil {
		t.Fatal(err)
	}
	computed, _ := m.ComputeValidatorNodeMerkleRoot(2)
	if string(announced) != string(computed[:]) {
		t.Fatal("local validator set disagrees with the base layer")
	}

	if n, err := scanner.ScanOnce(ctx); err != nil || n != 0 {
		t.Fatalf("rescan = %d, %v; want nothing new", n, err)
	}
	chain.MineBlock()
	if n, err := scanner.ScanOnce(ctx); err != nil || n != 1 {
		t.Fatalf("after one block = %d, %v", n, err)
	}
}

func TestScannerWaitsForConfirmations(t *testing.T) {
	chain := baselayer.NewDevChain(baselayer.ConsensusConstants{EpochLength: 10, ValidatorNodeRegistrationExpiry: 100}, nil)
	db := storage.NewMemoryGlobalDB()
	m := epoch.NewManager[ct.Addr](epoch.Config{CommitteeSize: 4, BaseLayerConfirmations: 3}, db, chain, "v1",
		func(b []byte) (ct.Addr, error) { return ct.Addr(b), nil })
	scanner := baselayer.NewScanner(chain, m, db, 3, 0)
	if n, err := scanner.ScanOnce(context.Background()); err != nil || n != 0 {
		t.Fatalf("scan below confirmations = %d, %v", n, err)
	}
}
