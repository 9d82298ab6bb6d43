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
	"strings"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/syndtr/goleveldb/leveldb"
)

const (
	RecordActionVersion = 1 // All structure versions

	RecordActionHeader       = "header"
	RecordActionRebuildIndex = "rebuildindex"
	RecordActionDeleteIndex  = "deleteindex"
	RecordActionDeleteTemp   = "deletetemp"
)

type RecordAction struct {
	Version   uint64 `json:"version"`   // Version of structure
	Timestamp int64  `json:"timestamp"` // Timestamp of action
	Action    string `json:"action"`    // Following JSON command
}

type RecordHeader struct {
	Version uint64 `json:"version"` // Version of structure
	Start   int64  `json:"start"`   // Start of fsck
	DryRun  bool   `json:"dryrun"`  // Dry run
}

type RecordRebuildIndex struct {
	Version     uint64 `json:"version"`     // Version of structure
	ResonanceID string `json:"resonanceid"` // Record id
	Digest      string `json:"digest"`      // Recomputed blob digest
}

type RecordDeleteIndex struct {
	Version     uint64 `json:"version"`     // Version of structure
	ResonanceID string `json:"resonanceid"` // Record id
}

type RecordDeleteTemp struct {
	Version  uint64 `json:"version"`  // Version of structure
	Filename string `json:"filename"` // Stray temporary file
}

// FsckOptions provides generic fsck options.
type FsckOptions struct {
	Verbose     bool   // Normal verbosity
	PrintHashes bool   // Print all record ids and digests
	Fix         bool   // Attempt to fix problems
	File        string // Journal of modifications if set
}

// validJournalAction returns true if the action is a valid RecordAction.
func validJournalAction(action string) bool {
	switch action {
	case RecordActionHeader:
	case RecordActionRebuildIndex:
	case RecordActionDeleteIndex:
	case RecordActionDeleteTemp:
	default:
		return false
	}
	return true
}

// journal records what fix occurred at what time if filename != "".
func journal(filename, action string, payload interface{}) error {
	// See if we are journaling
	if filename == "" {
		return nil
	}

	// Sanity
	if !validJournalAction(action) {
		return fmt.Errorf("invalid journal action: %v", action)
	}

	f, err := os.OpenFile(filename, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0640)
	if err != nil {
		return err
	}
	defer f.Close()

	// Write RecordAction
	e := json.NewEncoder(f)
	rt := RecordAction{
		Version:   RecordActionVersion,
		Timestamp: time.Now().Unix(),
		Action:    action,
	}
	err = e.Encode(rt)
	if err != nil {
		return err
	}

	// Write payload
	err = e.Encode(payload)
	if err != nil {
		return err
	}
	fmt.Fprintf(f, "\n")

	return err
}

// fsckIndex walks the record index and verifies every entry against its
// blob: the blob must exist, its digest must match the index, it must
// decrypt under the record id and the sealed payload must carry the same
// identity.
func (s *Store) fsckIndex(options *FsckOptions) (int, error) {
	var problems, records int

	i := s.db.NewIterator(nil, nil)
	defer i.Release()
	for i.Next() {
		records++
		id := string(i.Key())
		var e indexEntry
		if err := json.Unmarshal(i.Value(), &e); err != nil {
			problems++
			fmt.Printf("   *** ERROR undecodable index entry: %v\n",
				id)
			continue
		}
		if options.PrintHashes {
			fmt.Printf("Record         : %v %v\n", id, e.Digest)
		}

		blob, err := os.ReadFile(s.blobPath(id))
		if err != nil {
			problems++
			fmt.Printf("   *** ERROR missing blob: %v\n", id)
			if options.Fix {
				fmt.Printf("   *** FIXING missing blob: delete "+
					"index %v\n", id)
				err := journal(options.File,
					RecordActionDeleteIndex,
					RecordDeleteIndex{
						Version:     RecordActionVersion,
						ResonanceID: id,
					})
				if err != nil {
					return problems, fmt.Errorf("   *** ERROR journal: %v",
						err)
				}
				if err := s.db.Delete([]byte(id), nil); err != nil {
					return problems, err
				}
				problems--
			}
			continue
		}

		digest := sha256.Sum256(blob)
		digestS := hex.EncodeToString(digest[:])
		if digestS != e.Digest {
			problems++
			fmt.Printf("   *** ERROR digest mismatch: %v index %v "+
				"blob %v\n", id, e.Digest, digestS)
			if options.Fix {
				fmt.Printf("   *** FIXING digest mismatch: "+
					"rebuild index %v\n", id)
				err := journal(options.File,
					RecordActionRebuildIndex,
					RecordRebuildIndex{
						Version:     RecordActionVersion,
						ResonanceID: id,
						Digest:      digestS,
					})
				if err != nil {
					return problems, fmt.Errorf("   *** ERROR journal: %v",
						err)
				}
				e.Digest = digestS
				if err := s.indexPut(id, &e); err != nil {
					return problems, err
				}
				problems--
			}
		}

		plain, err := s.open(id, blob)
		if err != nil {
			// Undecryptable blobs cannot be repaired without the
			// original record.
			problems++
			fmt.Printf("   *** ERROR undecryptable blob: %v (%v)\n",
				id, err)
			continue
		}
		var payload RecordPayload
		if err := json.Unmarshal(plain, &payload); err != nil {
			problems++
			fmt.Printf("   *** ERROR undecodable payload: %v\n", id)
			continue
		}
		if payload.ResonanceID != id {
			problems++
			fmt.Printf("   *** ERROR identity mismatch: file %v "+
				"payload %v\n", id, payload.ResonanceID)
			continue
		}
		if s.DeriveID(payload.ExternalRef) != id {
			problems++
			fmt.Printf("   *** ERROR reference mismatch: %v does "+
				"not derive %v\n", payload.ExternalRef, id)
		}
	}
	if err := i.Error(); err != nil {
		return problems, err
	}
	if options.Verbose {
		fmt.Printf("=== Verified: %v index entries\n", records)
	}

	return problems, nil
}

// fsckBlobs walks the blob directory and reports files the index does not
// know about: stray temporary files from interrupted writes and orphaned
// blobs whose index rows were lost.
func (s *Store) fsckBlobs(options *FsckOptions) (int, error) {
	var (
		problems int
		strays   []string
	)

	files, err := os.ReadDir(s.records)
	if err != nil {
		return 0, err
	}
	for _, f := range files {
		name := f.Name()
		if !strings.HasSuffix(name, blobSuffix) {
			problems++
			strays = append(strays, name)
			fmt.Printf("   *** ERROR stray file: %v\n", name)
			if options.Fix {
				fmt.Printf("   *** FIXING stray file: delete "+
					"%v\n", name)
				err := journal(options.File,
					RecordActionDeleteTemp,
					RecordDeleteTemp{
						Version:  RecordActionVersion,
						Filename: name,
					})
				if err != nil {
					return problems, fmt.Errorf("   *** ERROR journal: %v",
						err)
				}
				err = os.Remove(filepath.Join(s.records, name))
				if err != nil {
					return problems, err
				}
				problems--
			}
			continue
		}

		id := strings.TrimSuffix(name, blobSuffix)
		_, err := s.indexGet(id)
		if err == nil {
			continue
		}
		if !errors.Is(err, leveldb.ErrNotFound) {
			return problems, err
		}

		problems++
		fmt.Printf("   *** ERROR orphaned blob: %v\n", id)
		if !options.Fix {
			continue
		}

		blob, err := os.ReadFile(filepath.Join(s.records, name))
		if err != nil {
			return problems, err
		}
		digest := sha256.Sum256(blob)
		digestS := hex.EncodeToString(digest[:])
		fmt.Printf("   *** FIXING orphaned blob: rebuild index %v\n",
			id)
		err = journal(options.File, RecordActionRebuildIndex,
			RecordRebuildIndex{
				Version:     RecordActionVersion,
				ResonanceID: id,
				Digest:      digestS,
			})
		if err != nil {
			return problems, fmt.Errorf("   *** ERROR journal: %v",
				err)
		}
		e := indexEntry{
			Digest:  digestS,
			Created: time.Now().Unix(),
		}
		if err := s.indexPut(id, &e); err != nil {
			return problems, err
		}
		problems--
	}
	if options.Verbose {
		fmt.Printf("=== Verified: %v blob files\n", len(files))
		if len(strays) != 0 {
			fmt.Printf("--- Stray files:\n%v", spew.Sdump(strays))
		}
	}

	return problems, nil
}

// Fsck verifies the integrity of the record store.  Blobs are never
// modified; fixes are limited to rebuilding or deleting index rows and
// removing stray temporary files.
func (s *Store) Fsck(options *FsckOptions) error {
	t := time.Now()
	fmt.Printf("=== FSCK started %v\n", t.Format(time.UnixDate))
	fmt.Printf("--- Phase 1: checking record index\n")

	if options == nil {
		options = &FsckOptions{}
	}
	if options.File != "" {
		// Create journal file
		f, err := os.OpenFile(options.File,
			os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0640)
		if err != nil {
			return err
		}
		f.Close()
	}
	err := journal(options.File, RecordActionHeader,
		RecordHeader{
			Version: RecordActionVersion,
			Start:   t.Unix(),
			DryRun:  !options.Fix,
		})
	if err != nil {
		return fmt.Errorf("   *** ERROR journal: %v", err)
	}

	s.Lock()
	defer s.Unlock()

	problems, err := s.fsckIndex(options)
	if err != nil {
		return err
	}

	fmt.Printf("--- Phase 2: checking blob directory\n")
	p, err := s.fsckBlobs(options)
	if err != nil {
		return err
	}
	problems += p

	fmt.Printf("=== FSCK completed %v\n",
		time.Now().Format(time.UnixDate))

	if problems != 0 {
		return fmt.Errorf("fsck found %v unfixed problem(s)", problems)
	}
	return nil
}
