package crypto

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// SenderKey is a transaction sender's secp256k1 key. Senders are identified
// by the Ethereum-style address of the public key.
type SenderKey struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

func newSenderKey(pk *ecdsa.PrivateKey) *SenderKey {
	return &SenderKey{privateKey: pk, address: crypto.PubkeyToAddress(pk.PublicKey)}
}

func GenerateSenderKey() (*SenderKey, error) {
	pk, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return newSenderKey(pk), nil
}

// SenderKeyFromHex parses a hex private key without 0x prefix.
func SenderKeyFromHex(hexKey string) (*SenderKey, error) {
	pk, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return newSenderKey(pk), nil
}

// SenderKeyFromSeed derives a key from keccak256(seed). For dev tooling only.
func SenderKeyFromSeed(seed []byte) (*SenderKey, error) {
	pk, err := crypto.ToECDSA(crypto.Keccak256(seed))
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return newSenderKey(pk), nil
}

func (s *SenderKey) Address() common.Address { return s.address }

// PrivateKeyHex returns the private key without 0x prefix. Never log it.
func (s *SenderKey) PrivateKeyHex() string {
	return fmt.Sprintf("%x", crypto.FromECDSA(s.privateKey))
}

// Sign signs a 32-byte hash, returning [R || S || V].
func (s *SenderKey) Sign(hash []byte) ([]byte, error) {
	if len(hash) != 32 {
		return nil, fmt.Errorf("hash must be 32 bytes, got %d", len(hash))
	}
	sig, err := crypto.Sign(hash, s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}
	return sig, nil
}

func VerifySignature(address common.Address, hash, signature []byte) bool {
	recovered, err := RecoverAddress(hash, signature)
	return err == nil && recovered == address
}

func RecoverAddress(hash, signature []byte) (common.Address, error) {
	if len(signature) != 65 {
		return common.Address{}, fmt.Errorf("invalid signature length: %d", len(signature))
	}
	if len(hash) != 32 {
		return common.Address{}, fmt.Errorf("invalid hash length: %d", len(hash))
	}
	pub, err := crypto.SigToPub(hash, signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to recover public key: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}
