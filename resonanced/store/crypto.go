// Copyright (c) 2026 The Tryfinity developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package store

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	// MasterKeySize is the size of the master key in bytes.  The master
	// key is never used directly; independent subkeys are derived from it
	// for id derivation and blob sealing.
	MasterKeySize = 32

	// sealVersion identifies the sealed blob layout.  It is the first
	// byte of every blob and is authenticated through the AAD.
	sealVersion = 0x01

	// HKDF info strings for subkey derivation.  Changing these changes
	// every derived id and invalidates every sealed blob.
	idKeyInfo   = "tryfinity/resonance/derive-id/v1"
	blobKeyInfo = "tryfinity/resonance/seal-blob/v1"

	// blobKeySize is the sealing subkey size.
	blobKeySize = chacha20poly1305.KeySize
)

var (
	// ErrKeyUnavailable is returned when the master key file does not
	// exist or does not contain a usable key.  There is no unencrypted
	// fallback; callers are expected to treat this as fatal.
	ErrKeyUnavailable = errors.New("master key unavailable")
)

// deriveKey expands the master key into a purpose specific subkey of the
// requested size.
func deriveKey(master []byte, info string, size int) ([]byte, error) {
	r := hkdf.New(sha256.New, master, nil, []byte(info))
	key := make([]byte, size)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}

// GenerateMasterKey returns a new random master key.
func GenerateMasterKey() ([]byte, error) {
	key := make([]byte, MasterKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}

// LoadMasterKey reads the hex encoded master key from filename.  A missing
// file is reported as ErrKeyUnavailable.
func LoadMasterKey(filename string) ([]byte, error) {
	b, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %v", ErrKeyUnavailable,
				filename)
		}
		return nil, err
	}
	key, err := hex.DecodeString(strings.TrimSpace(string(b)))
	if err != nil {
		return nil, fmt.Errorf("%w: malformed key file %v",
			ErrKeyUnavailable, filename)
	}
	if len(key) != MasterKeySize {
		return nil, fmt.Errorf("%w: invalid key size %v, want %v",
			ErrKeyUnavailable, len(key), MasterKeySize)
	}
	return key, nil
}

// SaveMasterKey writes the hex encoded master key to filename with owner
// only permissions.
func SaveMasterKey(filename string, key []byte) error {
	if len(key) != MasterKeySize {
		return fmt.Errorf("invalid key size %v, want %v", len(key),
			MasterKeySize)
	}
	return os.WriteFile(filename, []byte(hex.EncodeToString(key)+"\n"),
		0600)
}

// sealAAD returns the additional authenticated data for a blob.  The AAD
// binds the blob to its resonance id and the seal version so blobs cannot
// be transplanted between identities on disk.
func sealAAD(resonanceID string) []byte {
	aad := make([]byte, 0, 1+len(resonanceID))
	aad = append(aad, sealVersion)
	aad = append(aad, resonanceID...)
	return aad
}

// seal encrypts plaintext under the blob key.  The output layout is
// [1 byte version][24 byte nonce][ciphertext || tag].
func (s *Store) seal(resonanceID string, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.blobKey)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	blob := make([]byte, 0, 1+len(nonce)+len(plaintext)+aead.Overhead())
	blob = append(blob, sealVersion)
	blob = append(blob, nonce...)
	return aead.Seal(blob, nonce, plaintext, sealAAD(resonanceID)), nil
}

// open decrypts a blob produced by seal.
func (s *Store) open(resonanceID string, blob []byte) ([]byte, error) {
	if len(blob) < 1+chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead {
		return nil, fmt.Errorf("sealed blob too short: %v bytes",
			len(blob))
	}
	if blob[0] != sealVersion {
		return nil, fmt.Errorf("unknown seal version 0x%02x", blob[0])
	}
	aead, err := chacha20poly1305.NewX(s.blobKey)
	if err != nil {
		return nil, err
	}
	nonce := blob[1 : 1+chacha20poly1305.NonceSizeX]
	ct := blob[1+chacha20poly1305.NonceSizeX:]
	return aead.Open(nil, nonce, ct, sealAAD(resonanceID))
}

// DeriveID deterministically maps an external ledger reference to its
// resonance id, the lowercase hex HMAC-SHA256 of the reference under the id
// subkey.  The mapping is stable for the lifetime of the master key and
// reveals nothing about the reference without it.
func (s *Store) DeriveID(externalRef string) string {
	mac := hmac.New(sha256.New, s.idKey)
	mac.Write([]byte(externalRef))
	return hex.EncodeToString(mac.Sum(nil))
}
