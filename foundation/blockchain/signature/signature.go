// Package signature provides the hashing and signing primitives used by
// blocks and transactions.
package signature

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"math/bits"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
)

// Encoded lengths on the wire. Hashes are 32 bytes of double SHA-256, public
// keys are 65 byte uncompressed SEC1, both carried as standard base64.
const (
	HashB64Len   = 44
	PubkeyB64Len = 88
)

// ZeroHash represents the parent hash of the genesis block.
const ZeroHash = "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="

// =============================================================================

// Hash returns the base64 encoding of the double SHA-256 of the data. This is
// the id of a transaction and the hash of a block.
func Hash(data []byte) string {
	first := sha256.Sum256(data)
	second := sha256.Sum256(first[:])
	return base64.StdEncoding.EncodeToString(second[:])
}

// Sign signs the specified base64 hash with the private key and returns the
// DER signature in base64.
func Sign(privateKey *btcec.PrivateKey, hashB64 string) (string, error) {
	hash, err := DecodeHash(hashB64)
	if err != nil {
		return "", err
	}

	sig := ecdsa.Sign(privateKey, hash)

	return base64.StdEncoding.EncodeToString(sig.Serialize()), nil
}

// Verify checks that the base64 DER signature over the base64 hash was
// produced by the holder of the specified base64 public key.
func Verify(pubkeyB64 string, hashB64 string, signB64 string) bool {
	pubkey, err := DecodePubkey(pubkeyB64)
	if err != nil {
		return false
	}

	hash, err := DecodeHash(hashB64)
	if err != nil {
		return false
	}

	der, err := base64.StdEncoding.DecodeString(signB64)
	if err != nil {
		return false
	}

	sig, err := ecdsa.ParseDERSignature(der)
	if err != nil {
		return false
	}

	return sig.Verify(hash, pubkey)
}

// HashSolved reports whether the decoded hash carries at least zeroBits
// leading zero bits, which is the proof-of-work condition.
func HashSolved(hashB64 string, zeroBits uint32) bool {
	hash, err := DecodeHash(hashB64)
	if err != nil {
		return false
	}

	var count uint32
	for _, b := range hash {
		if b == 0 {
			count += 8
			continue
		}
		count += uint32(bits.LeadingZeros8(b))
		break
	}

	return count >= zeroBits
}

// =============================================================================

// DecodeHash decodes a 44 character base64 hash into its 32 bytes.
func DecodeHash(hashB64 string) ([]byte, error) {
	if len(hashB64) != HashB64Len {
		return nil, errors.New("bad hash length")
	}

	hash, err := base64.StdEncoding.DecodeString(hashB64)
	if err != nil {
		return nil, err
	}

	if len(hash) != sha256.Size {
		return nil, errors.New("bad hash length")
	}

	return hash, nil
}

// DecodePubkey decodes an 88 character base64 public key into its SEC1
// uncompressed form and parses it on the secp256k1 curve.
func DecodePubkey(pubkeyB64 string) (*btcec.PublicKey, error) {
	if len(pubkeyB64) != PubkeyB64Len {
		return nil, errors.New("bad pubkey length")
	}

	raw, err := base64.StdEncoding.DecodeString(pubkeyB64)
	if err != nil {
		return nil, err
	}

	if len(raw) != 65 {
		return nil, errors.New("bad pubkey length")
	}

	return btcec.ParsePubKey(raw)
}

// EncodePubkey encodes a public key into the 88 character base64 form used
// on the wire.
func EncodePubkey(pubkey *btcec.PublicKey) string {
	return base64.StdEncoding.EncodeToString(pubkey.SerializeUncompressed())
}

// IsBase64 reports whether every byte of the value is a standard base64
// alphabet character.
func IsBase64(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z':
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9':
		case c == '+' || c == '/' || c == '=':
		default:
			return false
		}
	}
	return true
}
