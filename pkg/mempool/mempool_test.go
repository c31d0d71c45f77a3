package mempool

import (
	"errors"
	"testing"

	"github.com/uhyunpark/shardbft/pkg/consensus"
	ct "github.com/uhyunpark/shardbft/pkg/consensus/consensustest"
	"github.com/uhyunpark/shardbft/pkg/transaction"
)

func TestPool_AdmissionOrder(t *testing.T) {
	m := NewPool[ct.Payload](0, 0)
	a := ct.NewPayload("a", consensus.SubstateChangeCreate, ct.Shard(1))
	b := ct.NewPayload("b", consensus.SubstateChangeDestroy, ct.Shard(2))
	c := ct.NewPayload("c", consensus.SubstateChangeExists, ct.Shard(3))
	for _, p := range []ct.Payload{a, b, c} {
		if _, err := m.Submit(p); err != nil {
			t.Fatalf("submit %s: %v", p.Name, err)
		}
	}

	select {
	case <-m.Notify():
	default:
		t.Fatal("no notification after submit")
	}

	first := m.TakeNew(2)
	if len(first) != 2 || first[0].Name != "a" || first[1].Name != "b" {
		t.Fatalf("first batch = %+v", first)
	}
	rest := m.TakeNew(0)
	if len(rest) != 1 || rest[0].Name != "c" {
		t.Fatalf("second batch = %+v", rest)
	}
	if len(m.TakeNew(0)) != 0 {
		t.Fatal("payloads handed out twice")
	}
	if m.Len() != 3 {
		t.Fatalf("expected 3 pending until finalized, got %d", m.Len())
	}
}

func TestPool_DuplicateAndRemove(t *testing.T) {
	m := NewPool[ct.Payload](0, 2)
	a := ct.NewPayload("a", consensus.SubstateChangeCreate, ct.Shard(1))
	id, err := m.Submit(a)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Submit(a); !errors.Is(err, ErrAlreadyPending) {
		t.Fatalf("duplicate: err = %v", err)
	}
	if got, ok := m.Get(id); !ok || got.Name != "a" {
		t.Fatalf("get = %+v, %v", got, ok)
	}

	m.Submit(ct.NewPayload("b", consensus.SubstateChangeCreate, ct.Shard(2)))
	if _, err := m.Submit(ct.NewPayload("c", consensus.SubstateChangeCreate, ct.Shard(3))); !errors.Is(err, ErrPoolFull) {
		t.Fatalf("over capacity: err = %v", err)
	}

	if !m.Remove(id) || m.Remove(id) {
		t.Fatal("remove must succeed exactly once")
	}
	if _, ok := m.Get(id); ok {
		t.Fatal("removed payload still pending")
	}
	if m.Len() != 1 {
		t.Fatalf("len = %d", m.Len())
	}
}

func TestPool_MaxOutputs(t *testing.T) {
	outputs := func(n int, max uint32) transaction.Payload {
		tx := transaction.Transaction{MaxOutputs: max, Signature: []byte{1}}
		for i := 0; i < n; i++ {
			tx.Outputs = append(tx.Outputs, transaction.Output{Shard: ct.Shard(byte(i + 1))})
		}
		return transaction.NewPayload(tx)
	}

	tests := []struct {
		name    string
		node    uint32
		payload transaction.Payload
		wantErr bool
	}{
		{"within both limits", 4, outputs(2, 2), false},
		{"over payload limit", 4, outputs(3, 2), true},
		{"over node limit", 2, outputs(3, 3), true},
		{"no node limit", 0, outputs(5, 5), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewPool[transaction.Payload](tt.node, 0)
			_, err := m.Submit(tt.payload)
			if tt.wantErr != errors.Is(err, ErrMaxOutputsExceeded) {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && m.Len() != 0 {
				t.Fatal("rejected payload was admitted")
			}
		})
	}
}
