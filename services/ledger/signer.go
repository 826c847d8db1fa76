package ledger

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
)

var (
	ErrInvalidSeed       = errors.New("ed25519 seed must be 32 bytes")
	ErrSelfVerifyFailed  = errors.New("signature failed self-verification")
	ErrSignatureMismatch = errors.New("receipt signature invalid")
)

// Signer signs receipt digests with Ed25519
type Signer struct {
	private ed25519.PrivateKey
	public  ed25519.PublicKey
}

// NewSignerFromHex derives the key pair from a hex encoded 32-byte seed
func NewSignerFromHex(seedHex string) (*Signer, error) {
	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, fmt.Errorf("decode signing seed: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, ErrInvalidSeed
	}
	private := ed25519.NewKeyFromSeed(seed)
	return &Signer{private: private, public: private.Public().(ed25519.PublicKey)}, nil
}

// GenerateSigner creates a throwaway key pair. Receipts signed with it
// cannot be verified after a restart.
func GenerateSigner() (*Signer, error) {
	public, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &Signer{private: private, public: public}, nil
}

// PublicKey returns the verification key
func (s *Signer) PublicKey() ed25519.PublicKey { return s.public }

// Sign signs the SHA-256 digest of payload and checks the result against
// the public key before returning it base64 encoded.
func (s *Signer) Sign(payload []byte) (string, error) {
	digest := Digest(payload)
	sig := ed25519.Sign(s.private, digest)
	if !ed25519.Verify(s.public, digest, sig) {
		return "", ErrSelfVerifyFailed
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Verify checks a base64 signature over payload
func Verify(publicKey ed25519.PublicKey, payload []byte, signature string) error {
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	if !ed25519.Verify(publicKey, Digest(payload), sig) {
		return ErrSignatureMismatch
	}
	return nil
}

// Digest is the raw SHA-256 of payload
func Digest(payload []byte) []byte {
	sum := sha256.Sum256(payload)
	return sum[:]
}

// ContentHash is the hex SHA-256 used for chain links
func ContentHash(payload []byte) string {
	return hex.EncodeToString(Digest(payload))
}
