// Package bt2ccrypto provides the node's cryptographic primitives: hashing,
// signature verification, address derivation and a deterministic draw used
// by the proposer selector.
//
// Signatures use secp256k1 ECDSA via go-ethereum/crypto, the same curve and
// library the teacher stack signs and verifies transactions with. Addresses
// are derived by hashing the public key and encoding it with base58, giving
// every node in the network the same one-way, collision-resistant mapping
// from key to address.
package bt2ccrypto

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"errors"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/mr-tron/base58"
)

// SignatureLength is the byte length of a recoverable secp256k1 signature
// (R || S || V) as produced by crypto.Sign.
const SignatureLength = 65

// Hash returns the double SHA-256 digest of data, matching the teacher's
// HashTx pattern of hashing the field digest a second time before use as a
// transaction or block identifier.
func Hash(data []byte) [32]byte {
	first := sha256.Sum256(data)
	return sha256.Sum256(first[:])
}

// Sign produces a recoverable signature over digest using priv.
func Sign(priv *ecdsa.PrivateKey, digest [32]byte) ([]byte, error) {
	if priv == nil {
		return nil, errors.New("bt2ccrypto: nil private key")
	}
	return crypto.Sign(digest[:], priv)
}

// Verify reports whether sig is a valid recoverable signature over digest
// produced by the holder of pubKeyBytes (an uncompressed secp256k1 public
// key, as returned by crypto.FromECDSAPub).
func Verify(pubKeyBytes []byte, digest [32]byte, sig []byte) bool {
	if len(sig) != SignatureLength {
		return false
	}
	return crypto.VerifySignature(pubKeyBytes, digest[:], sig[:64])
}

// RecoverPublicKey recovers the uncompressed public key that produced sig
// over digest, used when only the signature and message are available
// (e.g. validating an inbound gossip message before the sender is known).
func RecoverPublicKey(digest [32]byte, sig []byte) ([]byte, error) {
	if len(sig) != SignatureLength {
		return nil, errors.New("bt2ccrypto: malformed signature")
	}
	pub, err := crypto.SigToPub(digest[:], sig)
	if err != nil {
		return nil, err
	}
	return crypto.FromECDSAPub(pub), nil
}

// DeriveAddress returns the 20-byte address for an uncompressed secp256k1
// public key: SHA-256(pubkey) truncated to the low 20 bytes. This is a
// deterministic, one-way function of the public key, identical across every
// node that evaluates it.
func DeriveAddress(pubKeyBytes []byte) [20]byte {
	sum := sha256.Sum256(pubKeyBytes)
	var addr [20]byte
	copy(addr[:], sum[12:])
	return addr
}

// EncodeAddress renders addr using base58 encoding, matching the spec's
// "base58-like encoding" requirement for human-displayed addresses.
func EncodeAddress(addr [20]byte) string {
	return base58.Encode(addr[:])
}

// DecodeAddress parses a base58-encoded address produced by EncodeAddress.
func DecodeAddress(s string) ([20]byte, error) {
	var addr [20]byte
	b, err := base58.Decode(s)
	if err != nil {
		return addr, err
	}
	if len(b) != 20 {
		return addr, errors.New("bt2ccrypto: decoded address has wrong length")
	}
	copy(addr[:], b)
	return addr, nil
}

// DeterministicDraw reduces seed to a uniform value in [0, 1). Given the
// same seed bytes, every node computes the same draw, which is the
// property the proposer selector relies on for a verifiable pseudo-random
// election.
func DeterministicDraw(seed []byte) float64 {
	digest := Hash(seed)
	num := new(big.Int).SetBytes(digest[:])
	denom := new(big.Int).Lsh(big.NewInt(1), 256)
	f := new(big.Float).SetInt(num)
	f.Quo(f, new(big.Float).SetInt(denom))
	out, _ := f.Float64()
	return out
}

// GenerateKey creates a new secp256k1 key pair, used by tests and by node
// bootstrap when no keystore is supplied by the embedding application.
func GenerateKey() (*ecdsa.PrivateKey, error) {
	return crypto.GenerateKey()
}

// PublicKeyBytes returns the uncompressed public key bytes for priv.
func PublicKeyBytes(priv *ecdsa.PrivateKey) []byte {
	return crypto.FromECDSAPub(&priv.PublicKey)
}

// LoadPrivateKeyHex parses a hex-encoded secp256k1 private key, the format
// an operator's validator key file is expected to hold. Key storage and
// rotation are outside this package's concern; this only covers turning the
// bytes on disk into a usable key.
func LoadPrivateKeyHex(hexKey string) (*ecdsa.PrivateKey, error) {
	return crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
}
