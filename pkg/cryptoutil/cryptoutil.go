// Copyright 2026 Unicity Astrid
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
// Package cryptoutil provides the Keyed Crypto component: Ed25519 keypair
// load/generate, signing and verification, content hashing for the audit
// chain, and HMAC for cross-platform identity-link verification codes.
package cryptoutil

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
)

const (
	privatePEMType = "ASTRID PRIVATE KEY"
	publicPEMType  = "ASTRID PUBLIC KEY"
)

// KeyPair wraps an Ed25519 keypair used to sign capability tokens, allowances,
// and audit entries. KeyID is a short fingerprint of the public key, stored
// alongside signed artifacts so verification knows which key to check.
type KeyPair struct {
	Private ed25519.PrivateKey
	Public  ed25519.PublicKey
	KeyID   string
}

// Generate creates a fresh Ed25519 keypair.
func Generate() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating ed25519 keypair: %w", err)
	}
	return &KeyPair{Private: priv, Public: pub, KeyID: fingerprint(pub)}, nil
}

func fingerprint(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return fmt.Sprintf("%x", sum[:8])
}

// LoadOrGenerate reads a PEM-encoded keypair from dir/astrid.pem, creating
// one (and the directory, 0700) if absent. This is the per-user signing key
// referenced throughout the spec as "the user key".
func LoadOrGenerate(dir string) (*KeyPair, error) {
	path := filepath.Join(dir, "astrid.pem")

	if data, err := os.ReadFile(path); err == nil {
		return decodePEM(data)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading key file %s: %w", path, err)
	}

	kp, err := Generate()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating key directory %s: %w", dir, err)
	}
	if err := os.WriteFile(path, encodePEM(kp), 0o600); err != nil {
		return nil, fmt.Errorf("writing key file %s: %w", path, err)
	}
	return kp, nil
}

func encodePEM(kp *KeyPair) []byte {
	priv := pem.EncodeToMemory(&pem.Block{Type: privatePEMType, Bytes: kp.Private})
	pub := pem.EncodeToMemory(&pem.Block{Type: publicPEMType, Bytes: kp.Public})
	return append(priv, pub...)
}

func decodePEM(data []byte) (*KeyPair, error) {
	var priv ed25519.PrivateKey
	var pub ed25519.PublicKey

	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		switch block.Type {
		case privatePEMType:
			priv = ed25519.PrivateKey(block.Bytes)
		case publicPEMType:
			pub = ed25519.PublicKey(block.Bytes)
		}
	}
	if priv == nil || pub == nil {
		return nil, fmt.Errorf("key file missing private or public block")
	}
	return &KeyPair{Private: priv, Public: pub, KeyID: fingerprint(pub)}, nil
}

// Sign signs body (the canonical serialization of a capability token,
// allowance, or audit entry's signed fields) with the keypair's private key.
func (kp *KeyPair) Sign(body []byte) []byte {
	return ed25519.Sign(kp.Private, body)
}

// Verify checks a signature against body using pub.
func Verify(pub ed25519.PublicKey, body, signature []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, body, signature)
}

// Hash returns the SHA-256 digest of data, used to chain audit entries
// (each entry embeds the hash of its predecessor inside its signed body).
func Hash(data []byte) [32]byte {
	return sha256.Sum256(data)
}

// HMACSign computes an HMAC-SHA256 over message using key. The identity
// registries do not call it: a link code is checked by looking up the
// stored pending code, not by recomputing a MAC.
func HMACSign(key, message []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(message)
	return mac.Sum(nil)
}

// HMACVerify reports whether mac is the correct HMAC-SHA256 of message under key.
func HMACVerify(key, message, mac []byte) bool {
	expected := HMACSign(key, message)
	return hmac.Equal(expected, mac)
}
