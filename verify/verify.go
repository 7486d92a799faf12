// Copyright 2024 The Genesis OTA authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package verify authenticates update manifests and firmware payloads.
//
// Verification always operates on the exact bytes received over the wire;
// re-encoding a decoded manifest and verifying the copy risks a
// transcoding mismatch which silently breaks the trust chain.
package verify

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/solari-dev/genesis-ota/api"
)

var (
	ErrInvalidSignature = errors.New("invalid signature")
	ErrInvalidPublicKey = errors.New("invalid public key")
	ErrHashMismatch     = errors.New("hash mismatch")
	ErrMissingSignature = errors.New("missing signature")
)

const rsaKeySize = 256 // RSA-2048 modulus in bytes

// PublicKey is a tagged variant over the supported signature algorithms.
// Adding an algorithm adds a variant here, not call-site branching.
type PublicKey struct {
	alg api.SignatureAlgorithm
	ed  ed25519.PublicKey
	rsa *rsa.PublicKey
}

// NewEd25519PublicKey wraps a raw 32-byte Ed25519 public key.
func NewEd25519PublicKey(b []byte) (PublicKey, error) {
	if len(b) != ed25519.PublicKeySize {
		return PublicKey{}, fmt.Errorf("ed25519 key must be %d bytes, got %d: %w", ed25519.PublicKeySize, len(b), ErrInvalidPublicKey)
	}
	return PublicKey{
		alg: api.AlgorithmEd25519,
		ed:  ed25519.PublicKey(append([]byte(nil), b...)),
	}, nil
}

// NewRSAPublicKey wraps an RSA-2048 public key.
func NewRSAPublicKey(k *rsa.PublicKey) (PublicKey, error) {
	if k == nil || k.Size() != rsaKeySize {
		return PublicKey{}, fmt.Errorf("expected RSA-2048 key: %w", ErrInvalidPublicKey)
	}
	return PublicKey{alg: api.AlgorithmRSA2048, rsa: k}, nil
}

// Algorithm returns the signature algorithm this key verifies.
func (k PublicKey) Algorithm() api.SignatureAlgorithm {
	return k.alg
}

// Verifier validates manifest signatures and firmware digests. It is
// stateless given its public key and safe for concurrent use.
type Verifier struct {
	key PublicKey
}

// NewVerifier returns a Verifier using the given public key.
func NewVerifier(key PublicKey) *Verifier {
	return &Verifier{key: key}
}

// VerifyManifest checks sig over signed, which must be the signed region
// of the received manifest bytes (see api.SplitSigned). There is no
// partial-success outcome.
func (v *Verifier) VerifyManifest(signed []byte, sig api.Signature) error {
	if len(sig.Data) == 0 {
		return ErrMissingSignature
	}
	if sig.Algorithm != v.key.alg {
		return fmt.Errorf("signature algorithm %s does not match key algorithm %s: %w",
			sig.Algorithm, v.key.alg, ErrInvalidSignature)
	}

	switch v.key.alg {
	case api.AlgorithmEd25519:
		if len(sig.Data) != ed25519.SignatureSize {
			return fmt.Errorf("ed25519 signature must be %d bytes, got %d: %w",
				ed25519.SignatureSize, len(sig.Data), ErrInvalidSignature)
		}
		if !ed25519.Verify(v.key.ed, signed, sig.Data) {
			return ErrInvalidSignature
		}
		return nil
	case api.AlgorithmRSA2048:
		digest := sha256.Sum256(signed)
		if err := rsa.VerifyPKCS1v15(v.key.rsa, crypto.SHA256, digest[:], sig.Data); err != nil {
			return fmt.Errorf("%v: %w", err, ErrInvalidSignature)
		}
		return nil
	}
	return fmt.Errorf("unsupported algorithm %s: %w", v.key.alg, ErrInvalidSignature)
}

// VerifyFirmware computes the SHA-256 digest of data and compares it
// against the expected reference.
func (v *Verifier) VerifyFirmware(data []byte, want [32]byte) error {
	got := sha256.Sum256(data)
	if subtle.ConstantTimeCompare(got[:], want[:]) != 1 {
		return fmt.Errorf("got %x, want %x: %w", got, want, ErrHashMismatch)
	}
	return nil
}
