package crypto

import "github.com/uhyunpark/shardbft/pkg/consensus"

// DummySignatureService accepts everything. Single-process devnets and tests
// use it where key material is irrelevant.
type DummySignatureService[A consensus.NodeAddressable] struct{}

func (DummySignatureService[A]) Sign(msg []byte) ([]byte, error)              { return []byte("s"), nil }
func (DummySignatureService[A]) Verify(_ A, _, _ []byte) bool                 { return true }
func (DummySignatureService[A]) Aggregate(_ [][]byte) ([]byte, error)         { return []byte("agg"), nil }
func (DummySignatureService[A]) VerifyAggregate(_ [][]byte, _, _ []byte) bool { return true }
