package epoch

import (
	"bytes"
	"fmt"
	"testing"

	"pgregory.net/rapid"

	"github.com/uhyunpark/shardbft/pkg/consensus"
)

func drawRegistrations(t *rapid.T) []Registration {
	n := rapid.IntRange(0, 40).Draw(t, "validators")
	regs := make([]Registration, n)
	for i := range regs {
		var key consensus.ShardId
		copy(key[:], rapid.SliceOfN(rapid.Byte(), 32, 32).Draw(t, fmt.Sprintf("key-%d", i)))
		regs[i] = Registration{
			PublicKey: []byte(fmt.Sprintf("vn-%02d", i)),
			ShardKey:  key,
			Epoch:     consensus.Epoch(rapid.IntRange(1, 5).Draw(t, fmt.Sprintf("epoch-%d", i))),
		}
	}
	return regs
}

func drawShard(t *rapid.T) consensus.ShardId {
	var s consensus.ShardId
	copy(s[:], rapid.SliceOfN(rapid.Byte(), 32, 32).Draw(t, "shard"))
	return s
}

func TestSelectCommitteeSize(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		regs := ActiveSet(drawRegistrations(t))
		size := uint32(rapid.IntRange(1, 12).Draw(t, "committee-size"))
		committee := SelectCommittee(regs, size, drawShard(t))

		half := int((size + 1) / 2)
		want := len(regs)
		if want >= 2*half {
			want = 2 * half
		}
		if len(committee) != want {
			t.Fatalf("committee size %d, want %d (validators %d, size %d)", len(committee), want, len(regs), size)
		}
		seen := make(map[string]bool)
		for _, m := range committee {
			if seen[string(m.PublicKey)] {
				t.Fatalf("duplicate member %s", m.PublicKey)
			}
			seen[string(m.PublicKey)] = true
		}
	})
}

func TestSelectCommitteeIgnoresInputOrder(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		regs := drawRegistrations(t)
		size := uint32(rapid.IntRange(1, 12).Draw(t, "committee-size"))
		shard := drawShard(t)

		a := SelectCommittee(ActiveSet(regs), size, shard)
		shuffled := rapid.Permutation(regs).Draw(t, "shuffled")
		b := SelectCommittee(ActiveSet(shuffled), size, shard)
		if len(a) != len(b) {
			t.Fatalf("sizes differ: %d vs %d", len(a), len(b))
		}
		for i := range a {
			if !bytes.Equal(a[i].PublicKey, b[i].PublicKey) {
				t.Fatalf("member %d differs: %s vs %s", i, a[i].PublicKey, b[i].PublicKey)
			}
		}
	})
}

func TestSelectCommitteeIsNearestOnTheRing(t *testing.T) {
	var regs []Registration
	for i := 0; i < 10; i++ {
		var key consensus.ShardId
		key[0] = byte(i * 10)
		regs = append(regs, Registration{PublicKey: []byte{byte('a' + i)}, ShardKey: key})
	}
	regs = ActiveSet(regs)

	tests := []struct {
		name  string
		shard byte
		size  uint32
		want  string
	}{
		{"middle", 45, 4, "defg"},
		{"on a key", 50, 4, "defg"},
		{"wraps below zero", 5, 4, "jabc"},
		{"wraps past the end", 95, 4, "ijab"},
		{"odd size rounds up", 45, 3, "defg"},
		{"exactly all", 45, 10, "abcdefghij"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var shard consensus.ShardId
			shard[0] = tt.shard
			got := SelectCommittee(regs, tt.size, shard)
			var names []byte
			for _, m := range got {
				names = append(names, m.PublicKey...)
			}
			if string(names) != tt.want {
				t.Fatalf("got %q, want %q", names, tt.want)
			}
		})
	}
}

func TestActiveSetKeepsLatestRegistration(t *testing.T) {
	var k1, k2 consensus.ShardId
	k1[0], k2[0] = 1, 2
	got := ActiveSet([]Registration{
		{PublicKey: []byte("v"), ShardKey: k2, Epoch: 3},
		{PublicKey: []byte("v"), ShardKey: k1, Epoch: 7},
		{PublicKey: []byte("w"), ShardKey: k2, Epoch: 1},
	})
	if len(got) != 2 {
		t.Fatalf("got %d registrations, want 2", len(got))
	}
	if string(got[0].PublicKey) != "v" || got[0].ShardKey != k1 || got[0].Epoch != 7 {
		t.Fatalf("first = %+v", got[0])
	}
}

func TestCommitteeShardRange(t *testing.T) {
	var lo, hi consensus.ShardId
	lo[0], hi[0] = 3, 9
	committee := []Registration{{ShardKey: lo}, {ShardKey: hi}}

	start, end := CommitteeShardRange(2, committee)
	if start != lo || end != hi {
		t.Fatalf("range = %s..%s", start, end)
	}
	start, end = CommitteeShardRange(4, committee)
	if start != consensus.ZeroShardId() || end != consensus.MaxShardId() {
		t.Fatalf("small committee range = %s..%s, want full space", start, end)
	}
}
