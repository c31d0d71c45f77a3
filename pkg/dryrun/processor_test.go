package dryrun

import (
	"context"
	"errors"
	"testing"

	"github.com/uhyunpark/shardbft/pkg/consensus"
	ct "github.com/uhyunpark/shardbft/pkg/consensus/consensustest"
	"github.com/uhyunpark/shardbft/pkg/execution"
	"github.com/uhyunpark/shardbft/pkg/storage"
)

func seed(t *testing.T, store consensus.ShardStore[ct.Addr, ct.Payload], rows ...consensus.SubstateShardData) {
	t.Helper()
	err := consensus.WithTx(store, func(tx consensus.ShardStoreTx[ct.Addr, ct.Payload]) error {
		for _, r := range rows {
			if err := tx.InsertSubstates(r); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func newProcessor() (*Processor[ct.Addr, ct.Payload], *storage.MemoryShardStore[ct.Addr, ct.Payload]) {
	store := storage.NewMemoryShardStore[ct.Addr, ct.Payload]()
	return NewProcessor[ct.Addr, ct.Payload](store, execution.NewProcessor[ct.Payload](nil)), store
}

func TestDryRunPreviewsWithoutCommitting(t *testing.T) {
	d, store := newProcessor()
	creator := consensus.PayloadId{9}
	seed(t, store, consensus.SubstateShardData{
		ShardId:  ct.Shard(1),
		Substate: consensus.Up(creator, ct.Shard(1).Bytes(), nil),
		Height:   4,
	})

	p := ct.NewPayload("spend", consensus.SubstateChangeDestroy, ct.Shard(1), ct.Shard(2))
	result, err := d.ProcessTransaction(context.Background(), p)
	if err != nil {
		t.Fatal(err)
	}
	if !result.Accepted() {
		t.Fatalf("result = %+v", result)
	}
	if len(result.Changes) != 1 || !result.Changes[ct.Shard(1)].IsDown() {
		t.Fatalf("changes = %+v, want only the local shard destroyed", result.Changes)
	}

	err = consensus.View[ct.Addr, ct.Payload](store, func(tx consensus.ShardStoreTx[ct.Addr, ct.Payload]) error {
		row, err := tx.GetSubstateState(ct.Shard(1))
		if err != nil {
			return err
		}
		if !row.Substate.IsUp() {
			t.Fatalf("dry run changed the store: %s", row.Substate)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestDryRunRejectsDownSubstate(t *testing.T) {
	d, store := newProcessor()
	seed(t, store, consensus.SubstateShardData{ShardId: ct.Shard(1), Substate: consensus.Down(consensus.PayloadId{1})})

	result, err := d.ProcessTransaction(context.Background(), ct.NewPayload("again", consensus.SubstateChangeDestroy, ct.Shard(1)))
	if err != nil {
		t.Fatalf("a Down row is not a missing row: %v", err)
	}
	if result.Accepted() {
		t.Fatal("destroying a Down substate must be rejected")
	}
}

type localShards struct {
	local map[consensus.ShardId]bool
}

func (l localShards) CurrentEpoch() consensus.Epoch { return 1 }

func (l localShards) FilterToLocalShards(_ consensus.Epoch, _ ct.Addr, shards []consensus.ShardId) ([]consensus.ShardId, error) {
	var out []consensus.ShardId
	for _, s := range shards {
		if l.local[s] {
			out = append(out, s)
		}
	}
	return out, nil
}

func TestDryRunWithCommitteeFilter(t *testing.T) {
	d, _ := newProcessor()
	d.Epochs = localShards{local: map[consensus.ShardId]bool{ct.Shard(1): true}}

	result, err := d.ProcessTransaction(context.Background(), ct.NewPayload("mint", consensus.SubstateChangeCreate, ct.Shard(1), ct.Shard(2)))
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Changes) != 1 || !result.Changes[ct.Shard(1)].IsUp() {
		t.Fatalf("changes = %+v", result.Changes)
	}

	_, err = d.ProcessTransaction(context.Background(), ct.NewPayload("burn", consensus.SubstateChangeDestroy, ct.Shard(1)))
	var notFound *SubstateNotFoundError
	if !errors.As(err, &notFound) || notFound.Shard != ct.Shard(1) {
		t.Fatalf("err = %v, want SubstateNotFoundError", err)
	}
	if !errors.Is(err, consensus.ErrSubstateNotFound) {
		t.Fatal("SubstateNotFoundError must unwrap to ErrSubstateNotFound")
	}
}

func TestDryRunHonoursCancellation(t *testing.T) {
	d, _ := newProcessor()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := d.ProcessTransaction(ctx, ct.NewPayload("x", consensus.SubstateChangeCreate, ct.Shard(1))); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
}
