// Copyright (c) 2026 The Tryfinity developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package reconciler

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
)

var (
	cursorKey = []byte("cursor")
	commitKey = []byte("commit")
)

// CommitRecord captures one committed tree and its anchor outcome.  The
// leaf snapshot is the audit trail proofs are served from.
type CommitRecord struct {
	MerkleRoot      [sha256.Size]byte
	Leaves          [][sha256.Size]byte
	AnchoredRef     string
	CommitTimestamp int64
	AnchorTimestamp int64
}

// commitRecordJSON is the stored form of CommitRecord.  Hashes are hex so
// the state database remains greppable.
type commitRecordJSON struct {
	MerkleRoot      string   `json:"merkleroot"`
	Leaves          []string `json:"leaves"`
	AnchoredRef     string   `json:"anchoredref,omitempty"`
	CommitTimestamp int64    `json:"committimestamp"`
	AnchorTimestamp int64    `json:"anchortimestamp,omitempty"`
}

// LeafPointers returns the committed leaves in tree input form.  The
// pointers alias the record; callers must treat them as read only.
func (cr *CommitRecord) LeafPointers() []*[sha256.Size]byte {
	leaves := make([]*[sha256.Size]byte, len(cr.Leaves))
	for i := range cr.Leaves {
		leaves[i] = &cr.Leaves[i]
	}
	return leaves
}

func encodeCommitRecord(cr *CommitRecord) ([]byte, error) {
	j := commitRecordJSON{
		MerkleRoot:      hex.EncodeToString(cr.MerkleRoot[:]),
		Leaves:          make([]string, 0, len(cr.Leaves)),
		AnchoredRef:     cr.AnchoredRef,
		CommitTimestamp: cr.CommitTimestamp,
		AnchorTimestamp: cr.AnchorTimestamp,
	}
	for i := range cr.Leaves {
		j.Leaves = append(j.Leaves, hex.EncodeToString(cr.Leaves[i][:]))
	}
	return json.Marshal(j)
}

func decodeCommitRecord(b []byte) (*CommitRecord, error) {
	var j commitRecordJSON
	if err := json.Unmarshal(b, &j); err != nil {
		return nil, err
	}
	cr := CommitRecord{
		Leaves:          make([][sha256.Size]byte, len(j.Leaves)),
		AnchoredRef:     j.AnchoredRef,
		CommitTimestamp: j.CommitTimestamp,
		AnchorTimestamp: j.AnchorTimestamp,
	}
	root, err := hex.DecodeString(j.MerkleRoot)
	if err != nil || len(root) != sha256.Size {
		return nil, fmt.Errorf("malformed commit root %q", j.MerkleRoot)
	}
	copy(cr.MerkleRoot[:], root)
	for i, l := range j.Leaves {
		leaf, err := hex.DecodeString(l)
		if err != nil || len(leaf) != sha256.Size {
			return nil, fmt.Errorf("malformed commit leaf %v", i)
		}
		copy(cr.Leaves[i][:], leaf)
	}
	return &cr, nil
}

// State persists the reconciler's durable state: the feed cursor and the
// last commit record.
type State struct {
	db *leveldb.DB
}

// OpenState opens or creates the reconciler state database at root.
func OpenState(root string) (*State, error) {
	db, err := leveldb.OpenFile(root, nil)
	if err != nil {
		return nil, err
	}
	return &State{db: db}, nil
}

// Close releases the state database.
func (s *State) Close() error {
	return s.db.Close()
}

// Cursor returns the persisted feed cursor and whether one exists.
func (s *State) Cursor() (uint64, bool, error) {
	v, err := s.db.Get(cursorKey, nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return 0, false, nil
		}
		return 0, false, err
	}
	if len(v) != 8 {
		return 0, false, fmt.Errorf("malformed cursor value")
	}
	return binary.LittleEndian.Uint64(v), true, nil
}

// SetCursor persists the feed cursor.
func (s *State) SetCursor(position uint64) error {
	v := make([]byte, 8)
	binary.LittleEndian.PutUint64(v, position)
	return s.db.Put(cursorKey, v, nil)
}

// CommitRecord returns the persisted commit record and whether one exists.
func (s *State) CommitRecord() (*CommitRecord, bool, error) {
	v, err := s.db.Get(commitKey, nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	cr, err := decodeCommitRecord(v)
	if err != nil {
		return nil, false, err
	}
	return cr, true, nil
}

// SetCommitRecord persists the commit record.
func (s *State) SetCommitRecord(cr *CommitRecord) error {
	v, err := encodeCommitRecord(cr)
	if err != nil {
		return err
	}
	return s.db.Put(commitKey, v, nil)
}
