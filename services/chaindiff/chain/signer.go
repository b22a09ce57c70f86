// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package chain

import (
	"crypto/ed25519"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/blake2b"
)

// ed25519Tag prefixes Ed25519 public keys and signatures in their hex form.
const ed25519Tag = "01"

var (
	// ErrInvalidKey is returned when a secret key file cannot be used.
	ErrInvalidKey = errors.New("invalid secret key")

	// ErrInvalidSignature is returned when a transaction fails verification.
	ErrInvalidSignature = errors.New("invalid transaction signature")
)

// Signer signs transactions with an Ed25519 key.
//
// # Description
//
// The 32-byte seed is sealed in a memguard enclave and only opened for the
// duration of a Sign call. The expanded private key is wiped afterwards.
//
// Body and header hashes are blake2b-256 over their JSON encoding, not over
// Casper's bytesrepr serialization. Signed transactions are accepted by
// MemoryEndpoint and by gateways that verify this envelope, not by a stock
// Casper node.
//
// # Thread Safety
//
// Safe for concurrent use.
type Signer struct {
	seed      *memguard.Enclave
	publicKey ed25519.PublicKey
}

// NewSigner seals key in an enclave. The caller's copy of key is wiped.
func NewSigner(key ed25519.PrivateKey) (*Signer, error) {
	if len(key) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidKey, ed25519.PrivateKeySize, len(key))
	}
	pub := make(ed25519.PublicKey, ed25519.PublicKeySize)
	copy(pub, key.Public().(ed25519.PublicKey))

	seed := make([]byte, ed25519.SeedSize)
	copy(seed, key.Seed())
	memguard.WipeBytes(key)

	return &Signer{seed: memguard.NewEnclave(seed), publicKey: pub}, nil
}

// GenerateSigner creates a signer with a fresh key from rand.
func GenerateSigner(rand io.Reader) (*Signer, error) {
	_, key, err := ed25519.GenerateKey(rand)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return NewSigner(key)
}

// LoadSigner reads a PKCS#8 PEM encoded Ed25519 secret key.
//
// # Inputs
//
//   - path: Path to the secret key file.
//
// # Outputs
//
//   - *Signer: The signer.
//   - error: Wraps ErrInvalidKey if the file does not hold an Ed25519 key.
func LoadSigner(path string) (*Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read secret key: %w", err)
	}
	defer memguard.WipeBytes(data)
	return ParseSigner(data)
}

// ParseSigner decodes a PKCS#8 PEM encoded Ed25519 secret key.
func ParseSigner(pemData []byte) (*Signer, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block", ErrInvalidKey)
	}
	defer memguard.WipeBytes(block.Bytes)

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	key, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: %T is not an ed25519 key", ErrInvalidKey, parsed)
	}
	return NewSigner(key)
}

// PublicKeyHex returns the tagged hex form of the public key.
func (s *Signer) PublicKeyHex() string {
	return ed25519Tag + hex.EncodeToString(s.publicKey)
}

// Sign builds and signs a transaction for call.
//
// # Inputs
//
//   - call: Target package, entry point, and arguments.
//   - chainName: Chain identifier, see ChainName.
//   - ttl: Transaction time-to-live.
//   - payment: Payment amount in motes.
//   - now: Transaction timestamp.
//
// # Outputs
//
//   - *SignedTransaction: The transaction with one approval.
//   - error: Non-nil if the enclave cannot be opened or hashing fails.
func (s *Signer) Sign(call Call, chainName string, ttl time.Duration, payment uint64, now time.Time) (*SignedTransaction, error) {
	bodyHash, err := hashJSON(call)
	if err != nil {
		return nil, fmt.Errorf("hash body: %w", err)
	}
	header := TransactionHeader{
		ChainName:     chainName,
		Timestamp:     now.UTC().Format(time.RFC3339Nano),
		TTL:           FormatTTL(ttl),
		Initiator:     s.PublicKeyHex(),
		PaymentAmount: payment,
		BodyHash:      hex.EncodeToString(bodyHash),
	}
	txHash, err := hashJSON(header)
	if err != nil {
		return nil, fmt.Errorf("hash header: %w", err)
	}

	locked, err := s.seed.Open()
	if err != nil {
		return nil, fmt.Errorf("open signing key: %w", err)
	}
	key := ed25519.NewKeyFromSeed(locked.Bytes())
	locked.Destroy()
	sig := ed25519.Sign(key, txHash)
	memguard.WipeBytes(key)

	return &SignedTransaction{
		Hash:   hex.EncodeToString(txHash),
		Header: header,
		Body:   call,
		Approvals: []Approval{{
			Signer:    s.PublicKeyHex(),
			Signature: ed25519Tag + hex.EncodeToString(sig),
		}},
	}, nil
}

// VerifyTransaction checks the hashes and every approval of tx.
func VerifyTransaction(tx *SignedTransaction) error {
	bodyHash, err := hashJSON(tx.Body)
	if err != nil {
		return err
	}
	if hex.EncodeToString(bodyHash) != tx.Header.BodyHash {
		return fmt.Errorf("%w: body hash mismatch", ErrInvalidSignature)
	}
	txHash, err := hashJSON(tx.Header)
	if err != nil {
		return err
	}
	if hex.EncodeToString(txHash) != tx.Hash {
		return fmt.Errorf("%w: transaction hash mismatch", ErrInvalidSignature)
	}
	if len(tx.Approvals) == 0 {
		return fmt.Errorf("%w: no approvals", ErrInvalidSignature)
	}
	for _, a := range tx.Approvals {
		pub, err := decodeTagged(a.Signer, ed25519.PublicKeySize)
		if err != nil {
			return fmt.Errorf("%w: signer: %v", ErrInvalidSignature, err)
		}
		sig, err := decodeTagged(a.Signature, ed25519.SignatureSize)
		if err != nil {
			return fmt.Errorf("%w: signature: %v", ErrInvalidSignature, err)
		}
		if !ed25519.Verify(pub, txHash, sig) {
			return fmt.Errorf("%w: approval by %s", ErrInvalidSignature, a.Signer)
		}
	}
	return nil
}

func hashJSON(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	sum := blake2b.Sum256(data)
	return sum[:], nil
}

func decodeTagged(s string, size int) ([]byte, error) {
	if !strings.HasPrefix(s, ed25519Tag) {
		return nil, fmt.Errorf("unsupported key tag in %q", s)
	}
	raw, err := hex.DecodeString(strings.TrimPrefix(s, ed25519Tag))
	if err != nil {
		return nil, err
	}
	if len(raw) != size {
		return nil, fmt.Errorf("expected %d bytes, got %d", size, len(raw))
	}
	return raw, nil
}
