package crypto

import (
	"errors"
	"fmt"

	bls "github.com/cloudflare/circl/sign/bls"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"golang.org/x/crypto/blake2b"

	"github.com/uhyunpark/shardbft/pkg/consensus"
)

type scheme = bls.KeyG1SigG2

type BLSPubKey = bls.PublicKey[scheme]

// PublicKeySize is the length of a compressed G1 public key.
const PublicKeySize = 48

var ErrInvalidPublicKey = errors.New("invalid bls public key")

// PublicKey is a validator identity: its compressed BLS public key.
type PublicKey [PublicKeySize]byte

func PublicKeyFromBytes(b []byte) (PublicKey, error) {
	var pk PublicKey
	if len(b) != PublicKeySize {
		return pk, fmt.Errorf("%w: %d bytes", ErrInvalidPublicKey, len(b))
	}
	copy(pk[:], b)
	return pk, nil
}

func (k PublicKey) Bytes() []byte  { return k[:] }
func (k PublicKey) String() string { return hexutil.Encode(k[:]) }

func (k PublicKey) MarshalText() ([]byte, error) { return []byte(hexutil.Encode(k[:])), nil }

func (k *PublicKey) UnmarshalText(text []byte) error {
	b, err := hexutil.Decode(string(text))
	if err != nil {
		return err
	}
	pk, err := PublicKeyFromBytes(b)
	if err != nil {
		return err
	}
	*k = pk
	return nil
}

func (k PublicKey) blsKey() (*BLSPubKey, error) {
	pk := new(BLSPubKey)
	if err := pk.UnmarshalBinary(k[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	return pk, nil
}

type KeyPair struct {
	sk *bls.PrivateKey[scheme]
	pk PublicKey
}

// NewKeyPairFromSeed derives a key deterministically from seed. Dev and test
// networks use it to give validators stable identities.
func NewKeyPairFromSeed(seed []byte) (*KeyPair, error) {
	ikm := blake2b.Sum256(seed)
	sk, err := bls.KeyGen[scheme](ikm[:], nil, nil)
	if err != nil {
		return nil, fmt.Errorf("bls keygen: %w", err)
	}
	raw, err := sk.PublicKey().MarshalBinary()
	if err != nil {
		return nil, err
	}
	pk, err := PublicKeyFromBytes(raw)
	if err != nil {
		return nil, err
	}
	return &KeyPair{sk: sk, pk: pk}, nil
}

func (k *KeyPair) PublicKey() PublicKey { return k.pk }

func (k *KeyPair) Sign(msg []byte) []byte {
	return bls.Sign(k.sk, msg)
}

func Verify(pk PublicKey, msg, sig []byte) bool {
	key, err := pk.blsKey()
	if err != nil {
		return false
	}
	return bls.Verify(key, msg, bls.Signature(sig))
}

// Aggregate combines signatures over the same message.
func Aggregate(sigs [][]byte) ([]byte, error) {
	list := make([]bls.Signature, 0, len(sigs))
	for _, s := range sigs {
		if len(s) == 0 {
			continue
		}
		list = append(list, bls.Signature(s))
	}
	if len(list) == 0 {
		return nil, errors.New("no signatures to aggregate")
	}
	return bls.Aggregate(bls.G1{}, list)
}

// VerifyAggregateSameMsg checks agg as the aggregate of every signer's
// signature over msg.
func VerifyAggregateSameMsg(signers []PublicKey, msg, agg []byte) bool {
	if len(signers) == 0 {
		return false
	}
	keys := make([]*BLSPubKey, 0, len(signers))
	msgs := make([][]byte, 0, len(signers))
	for _, s := range signers {
		k, err := s.blsKey()
		if err != nil {
			return false
		}
		keys = append(keys, k)
		msgs = append(msgs, msg)
	}
	return bls.VerifyAggregate(keys, msgs, bls.Signature(agg))
}

// BLSSignatureService signs votes with the validator's key and aggregates
// them into QC signatures.
type BLSSignatureService struct {
	key *KeyPair
}

func NewBLSSignatureService(key *KeyPair) *BLSSignatureService {
	return &BLSSignatureService{key: key}
}

func (s *BLSSignatureService) Sign(msg []byte) ([]byte, error) { return s.key.Sign(msg), nil }

func (s *BLSSignatureService) Verify(signer PublicKey, msg, sig []byte) bool {
	return Verify(signer, msg, sig)
}

func (s *BLSSignatureService) Aggregate(sigs [][]byte) ([]byte, error) { return Aggregate(sigs) }

func (s *BLSSignatureService) VerifyAggregate(signers [][]byte, msg, agg []byte) bool {
	keys := make([]PublicKey, 0, len(signers))
	for _, b := range signers {
		pk, err := PublicKeyFromBytes(b)
		if err != nil {
			return false
		}
		keys = append(keys, pk)
	}
	return VerifyAggregateSameMsg(keys, msg, agg)
}

var (
	_ consensus.SignatureService[PublicKey] = (*BLSSignatureService)(nil)
	_                                       = consensus.NewCommittee[PublicKey]
)
