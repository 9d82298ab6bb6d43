// Copyright (c) 2026 The Tryfinity developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package store

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/tryfinity/resonance/util"
)

const (
	// recordsDirname is the directory under the store root that holds one
	// sealed blob per resonance id.
	recordsDirname = "records"

	// indexDirname is the leveldb directory that maps resonance id to its
	// index entry.
	indexDirname = "index"

	blobSuffix = ".blob"
)

// ErrNotFound is returned when no record exists for a reference.
var ErrNotFound = errors.New("record not found")

// RecordPayload is the plaintext content that is sealed into a record blob.
// Put overwrites ResonanceID and ExternalRef with authoritative values.
type RecordPayload struct {
	ResonanceID string            `json:"resonance_id"`
	ExternalRef string            `json:"external_ref"`
	From        string            `json:"from"`
	To          string            `json:"to"`
	Value       string            `json:"value"`
	Received    int64             `json:"received"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// indexEntry is the leveldb value stored per record.  The digest is the
// sha256 of the sealed blob, which is also the merkle leaf for the record.
type indexEntry struct {
	Digest  string `json:"digest"`
	Created int64  `json:"created"`
}

// PutResult reports the outcome of storing a single record.
type PutResult struct {
	ResonanceID string
	Digest      [sha256.Size]byte
	Exists      bool
}

// Store is an encrypted record store.  Each record is sealed into one blob
// file named after its resonance id and indexed in leveldb.  Blob bytes
// never change once written; replays return the stored digest instead of
// resealing.
type Store struct {
	sync.RWMutex

	root    string // Store root directory
	records string // Blob directory
	idKey   []byte // Subkey for id derivation
	blobKey []byte // Subkey for blob sealing

	db *leveldb.DB // Record index

	myNow func() time.Time // Override for testing
}

// New opens or creates a record store rooted at root.  The master key is
// expanded into independent subkeys for id derivation and blob sealing.  A
// missing or malformed key is an error; the store never operates on
// plaintext records.
func New(root string, masterKey []byte) (*Store, error) {
	if len(masterKey) != MasterKeySize {
		return nil, fmt.Errorf("%w: invalid key size %v, want %v",
			ErrKeyUnavailable, len(masterKey), MasterKeySize)
	}

	idKey, err := deriveKey(masterKey, idKeyInfo, sha256.Size)
	if err != nil {
		return nil, err
	}
	blobKey, err := deriveKey(masterKey, blobKeyInfo, blobKeySize)
	if err != nil {
		return nil, err
	}

	records := filepath.Join(root, recordsDirname)
	if err := os.MkdirAll(records, 0700); err != nil {
		return nil, err
	}

	db, err := leveldb.OpenFile(filepath.Join(root, indexDirname), nil)
	if err != nil {
		return nil, err
	}

	s := &Store{
		root:    root,
		records: records,
		idKey:   idKey,
		blobKey: blobKey,
		db:      db,
		myNow:   time.Now,
	}

	count, err := s.Count()
	if err != nil {
		db.Close()
		return nil, err
	}
	log.Infof("Record store: %v (%v records)", root, count)

	return s, nil
}

// Close releases the record index.
func (s *Store) Close() error {
	s.Lock()
	defer s.Unlock()

	return s.db.Close()
}

// blobPath returns the filename of the sealed blob for a resonance id.
func (s *Store) blobPath(resonanceID string) string {
	return filepath.Join(s.records, resonanceID+blobSuffix)
}

// indexGet returns the decoded index entry for a resonance id.
func (s *Store) indexGet(resonanceID string) (*indexEntry, error) {
	v, err := s.db.Get([]byte(resonanceID), nil)
	if err != nil {
		return nil, err
	}
	var e indexEntry
	if err := json.Unmarshal(v, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// indexPut stores the index entry for a resonance id.
func (s *Store) indexPut(resonanceID string, e *indexEntry) error {
	v, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return s.db.Put([]byte(resonanceID), v, nil)
}

// Put seals and stores the record for the given external reference.  Put is
// idempotent: when a blob already exists for the derived id the stored
// digest is returned unchanged and the blob is not rewritten, so a replayed
// confirmation cannot alter the committed leaf set.
func (s *Store) Put(externalRef string, payload RecordPayload) (*PutResult, error) {
	id := s.DeriveID(externalRef)

	s.Lock()
	defer s.Unlock()

	// The blob file is authoritative.  When it exists return the stored
	// digest and repair the index if a previous run crashed between the
	// blob write and the index write.
	filename := s.blobPath(id)
	if util.FileExists(filename) {
		blob, err := os.ReadFile(filename)
		if err != nil {
			return nil, err
		}
		digest := sha256.Sum256(blob)
		if _, err := s.indexGet(id); errors.Is(err, leveldb.ErrNotFound) {
			e := indexEntry{
				Digest:  hex.EncodeToString(digest[:]),
				Created: s.myNow().Unix(),
			}
			if err := s.indexPut(id, &e); err != nil {
				return nil, fmt.Errorf("index repair %v: %w",
					id, err)
			}
			log.Infof("Repaired index entry: %v", id)
		} else if err != nil {
			return nil, err
		}
		return &PutResult{
			ResonanceID: id,
			Digest:      digest,
			Exists:      true,
		}, nil
	}

	payload.ResonanceID = id
	payload.ExternalRef = externalRef
	if payload.Received == 0 {
		payload.Received = s.myNow().Unix()
	}
	plain, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	blob, err := s.seal(id, plain)
	if err != nil {
		return nil, err
	}

	if err := util.AtomicWriteFile(filename, blob, 0600); err != nil {
		return nil, fmt.Errorf("write blob %v: %w", id, err)
	}

	digest := sha256.Sum256(blob)
	e := indexEntry{
		Digest:  hex.EncodeToString(digest[:]),
		Created: s.myNow().Unix(),
	}
	if err := s.indexPut(id, &e); err != nil {
		return nil, fmt.Errorf("index put %v: %w", id, err)
	}

	log.Debugf("Stored record %v digest %x", id, digest)

	return &PutResult{
		ResonanceID: id,
		Digest:      digest,
	}, nil
}

// Get loads and decrypts the record stored for the external reference.  It
// returns the payload and the sealed blob digest.
func (s *Store) Get(externalRef string) (*RecordPayload, string, error) {
	id := s.DeriveID(externalRef)

	s.RLock()
	defer s.RUnlock()

	blob, err := os.ReadFile(s.blobPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, "", ErrNotFound
		}
		return nil, "", err
	}

	plain, err := s.open(id, blob)
	if err != nil {
		return nil, "", fmt.Errorf("open record %v: %w", id, err)
	}
	var payload RecordPayload
	if err := json.Unmarshal(plain, &payload); err != nil {
		return nil, "", err
	}

	digest := sha256.Sum256(blob)
	return &payload, hex.EncodeToString(digest[:]), nil
}

// Digest returns the resonance id and sealed blob digest for the external
// reference without decrypting the record.  The id is returned even when no
// record exists.
func (s *Store) Digest(externalRef string) (string, *[sha256.Size]byte, error) {
	id := s.DeriveID(externalRef)

	s.RLock()
	defer s.RUnlock()

	blob, err := os.ReadFile(s.blobPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return id, nil, ErrNotFound
		}
		return id, nil, err
	}
	digest := sha256.Sum256(blob)
	return id, &digest, nil
}

// LeafHashes returns the merkle leaf for every indexed record ordered by
// resonance id.  Leveldb iterates keys lexicographically, so the same
// record set always yields the same leaf sequence regardless of insertion
// order.
func (s *Store) LeafHashes() ([]*[sha256.Size]byte, error) {
	s.RLock()
	defer s.RUnlock()

	leaves := make([]*[sha256.Size]byte, 0, 256)
	i := s.db.NewIterator(nil, nil)
	defer i.Release()
	for i.Next() {
		var e indexEntry
		if err := json.Unmarshal(i.Value(), &e); err != nil {
			return nil, fmt.Errorf("index entry %s: %w", i.Key(),
				err)
		}
		digest, err := hex.DecodeString(e.Digest)
		if err != nil || len(digest) != sha256.Size {
			return nil, fmt.Errorf("invalid digest for %s", i.Key())
		}
		var leaf [sha256.Size]byte
		copy(leaf[:], digest)
		leaves = append(leaves, &leaf)
	}
	if err := i.Error(); err != nil {
		return nil, err
	}

	return leaves, nil
}

// Count returns the number of indexed records.
func (s *Store) Count() (uint64, error) {
	s.RLock()
	defer s.RUnlock()

	var count uint64
	i := s.db.NewIterator(nil, nil)
	defer i.Release()
	for i.Next() {
		count++
	}
	if err := i.Error(); err != nil {
		return 0, err
	}
	return count, nil
}
