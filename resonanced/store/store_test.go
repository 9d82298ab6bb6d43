// Copyright (c) 2026 The Tryfinity developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package store

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/tryfinity/resonance/merkle"
)

var testMasterKey = bytes.Repeat([]byte{0x42}, MasterKeySize)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := New(t.TempDir(), testMasterKey)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.myNow = func() time.Time {
		return time.Unix(1700000000, 0)
	}
	t.Cleanup(func() {
		s.Close()
	})
	return s
}

func TestDeriveID(t *testing.T) {
	s := newTestStore(t)

	ref := "0xdeadbeef"
	id := s.DeriveID(ref)
	if id != s.DeriveID(ref) {
		t.Fatalf("DeriveID is not deterministic")
	}
	if id == s.DeriveID("0xdeadbef0") {
		t.Fatalf("distinct references derived the same id")
	}

	// Cross check against a hand rolled HMAC over the derived subkey.
	idKey, err := deriveKey(testMasterKey, idKeyInfo, sha256.Size)
	if err != nil {
		t.Fatal(err)
	}
	mac := hmac.New(sha256.New, idKey)
	mac.Write([]byte(ref))
	expected := hex.EncodeToString(mac.Sum(nil))
	if id != expected {
		t.Fatalf("got id %v want %v", id, expected)
	}

	// A different master key must derive different ids.
	other, err := New(t.TempDir(), bytes.Repeat([]byte{0x43}, MasterKeySize))
	if err != nil {
		t.Fatal(err)
	}
	defer other.Close()
	if other.DeriveID(ref) == id {
		t.Fatalf("distinct master keys derived the same id")
	}
}

func TestSealOpen(t *testing.T) {
	s := newTestStore(t)

	id := s.DeriveID("0x01")
	plaintext := []byte(`{"hello":"world"}`)

	blob, err := s.seal(id, plaintext)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	out, err := s.open(id, blob)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(out, plaintext) {
		t.Fatalf("got %s want %s", out, plaintext)
	}

	// Tampered ciphertext must not open.
	evil := append([]byte(nil), blob...)
	evil[len(evil)-1] ^= 0x01
	if _, err := s.open(id, evil); err == nil {
		t.Fatalf("tampered blob opened")
	}

	// A blob sealed for one id must not open under another.
	if _, err := s.open(s.DeriveID("0x02"), blob); err == nil {
		t.Fatalf("blob opened under wrong id")
	}

	// Flipped version byte must not open.
	evil = append([]byte(nil), blob...)
	evil[0] = 0x7f
	if _, err := s.open(id, evil); err == nil {
		t.Fatalf("blob with unknown version opened")
	}

	// Truncated blob must not open.
	if _, err := s.open(id, blob[:10]); err == nil {
		t.Fatalf("truncated blob opened")
	}
}

func TestPutIdempotent(t *testing.T) {
	s := newTestStore(t)

	ref := "0xaaaa"
	pr, err := s.Put(ref, RecordPayload{
		From:  "0x1111",
		To:    "0x2222",
		Value: "500",
	})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if pr.Exists {
		t.Fatalf("first Put reported Exists")
	}

	filename := s.blobPath(pr.ResonanceID)
	before, err := os.ReadFile(filename)
	if err != nil {
		t.Fatal(err)
	}

	// Replays must return the stored digest and leave the blob alone,
	// even when the payload differs.
	pr2, err := s.Put(ref, RecordPayload{
		From:  "0x9999",
		To:    "0x8888",
		Value: "1",
	})
	if err != nil {
		t.Fatalf("replay Put: %v", err)
	}
	if !pr2.Exists {
		t.Fatalf("replay Put did not report Exists")
	}
	if pr2.Digest != pr.Digest {
		t.Fatalf("replay changed digest got %x want %x", pr2.Digest,
			pr.Digest)
	}

	after, err := os.ReadFile(filename)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(before, after) {
		t.Fatalf("replay rewrote blob bytes")
	}

	// The digest is the sha256 of the stored blob.
	digest := sha256.Sum256(before)
	if digest != pr.Digest {
		t.Fatalf("digest got %x want %x", pr.Digest, digest)
	}
}

func TestGet(t *testing.T) {
	s := newTestStore(t)

	ref := "0xbbbb"
	pr, err := s.Put(ref, RecordPayload{
		From:     "0x1111",
		To:       "0x2222",
		Value:    "12345",
		Metadata: map[string]string{"orb": "orb-42"},
	})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	payload, digest, err := s.Get(ref)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	expected := RecordPayload{
		ResonanceID: pr.ResonanceID,
		ExternalRef: ref,
		From:        "0x1111",
		To:          "0x2222",
		Value:       "12345",
		Received:    1700000000,
		Metadata:    map[string]string{"orb": "orb-42"},
	}
	if !reflect.DeepEqual(expected, *payload) {
		t.Fatalf("want %v got %v", spew.Sdump(expected),
			spew.Sdump(*payload))
	}
	if digest != hex.EncodeToString(pr.Digest[:]) {
		t.Fatalf("digest got %v want %x", digest, pr.Digest)
	}

	if _, _, err := s.Get("0xmissing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound got %v", err)
	}
}

func TestDigest(t *testing.T) {
	s := newTestStore(t)

	ref := "0xcccc"
	pr, err := s.Put(ref, RecordPayload{Value: "1"})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	id, digest, err := s.Digest(ref)
	if err != nil {
		t.Fatalf("Digest: %v", err)
	}
	if id != pr.ResonanceID {
		t.Fatalf("id got %v want %v", id, pr.ResonanceID)
	}
	if *digest != pr.Digest {
		t.Fatalf("digest got %x want %x", *digest, pr.Digest)
	}

	// Missing records still derive an id.
	id, digest, err = s.Digest("0xmissing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound got %v", err)
	}
	if id == "" || digest != nil {
		t.Fatalf("unexpected results for missing record: %v %v", id,
			digest)
	}
}

func TestLeafHashesStable(t *testing.T) {
	s := newTestStore(t)

	// Insert in an order that is unlikely to match id order.
	refs := []string{"0x0f", "0x01", "0xff", "0xa0", "0x55"}
	digests := make(map[string][sha256.Size]byte)
	for _, ref := range refs {
		pr, err := s.Put(ref, RecordPayload{Value: "1"})
		if err != nil {
			t.Fatalf("Put %v: %v", ref, err)
		}
		digests[pr.ResonanceID] = pr.Digest
	}

	leaves, err := s.LeafHashes()
	if err != nil {
		t.Fatalf("LeafHashes: %v", err)
	}
	if len(leaves) != len(refs) {
		t.Fatalf("leaf count got %v want %v", len(leaves), len(refs))
	}

	// Leaves come back ordered by resonance id.
	ids := make([]string, 0, len(digests))
	for id := range digests {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for k, id := range ids {
		if *leaves[k] != digests[id] {
			t.Fatalf("leaf %v got %x want %x", k, *leaves[k],
				digests[id])
		}
	}

	root := merkle.Root(leaves)

	// Replaying a subset in a different order must not change the root.
	for _, ref := range []string{"0xff", "0x01"} {
		if _, err := s.Put(ref, RecordPayload{Value: "999"}); err != nil {
			t.Fatalf("replay Put %v: %v", ref, err)
		}
	}
	leaves2, err := s.LeafHashes()
	if err != nil {
		t.Fatalf("LeafHashes: %v", err)
	}
	root2 := merkle.Root(leaves2)
	if *root != *root2 {
		t.Fatalf("replay changed root got %x want %x", *root2, *root)
	}

	count, err := s.Count()
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != uint64(len(refs)) {
		t.Fatalf("count got %v want %v", count, len(refs))
	}
}

func TestMasterKeyFile(t *testing.T) {
	dir := t.TempDir()
	filename := filepath.Join(dir, "resonance.key")

	if _, err := LoadMasterKey(filename); !errors.Is(err, ErrKeyUnavailable) {
		t.Fatalf("expected ErrKeyUnavailable got %v", err)
	}

	key, err := GenerateMasterKey()
	if err != nil {
		t.Fatalf("GenerateMasterKey: %v", err)
	}
	if err := SaveMasterKey(filename, key); err != nil {
		t.Fatalf("SaveMasterKey: %v", err)
	}

	loaded, err := LoadMasterKey(filename)
	if err != nil {
		t.Fatalf("LoadMasterKey: %v", err)
	}
	if !bytes.Equal(key, loaded) {
		t.Fatalf("key roundtrip got %x want %x", loaded, key)
	}

	// Malformed and short keys are unusable.
	if err := os.WriteFile(filename, []byte("junk"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadMasterKey(filename); !errors.Is(err, ErrKeyUnavailable) {
		t.Fatalf("expected ErrKeyUnavailable got %v", err)
	}
	if err := os.WriteFile(filename, []byte("aabb"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadMasterKey(filename); !errors.Is(err, ErrKeyUnavailable) {
		t.Fatalf("expected ErrKeyUnavailable got %v", err)
	}
}

func TestFsck(t *testing.T) {
	s := newTestStore(t)

	var ids []string
	for _, ref := range []string{"0x01", "0x02", "0x03"} {
		pr, err := s.Put(ref, RecordPayload{Value: "1"})
		if err != nil {
			t.Fatalf("Put: %v", err)
		}
		ids = append(ids, pr.ResonanceID)
	}

	// Clean store passes.
	if err := s.Fsck(&FsckOptions{}); err != nil {
		t.Fatalf("clean fsck: %v", err)
	}

	// Corrupt a blob: detected but not repairable.
	filename := s.blobPath(ids[0])
	blob, err := os.ReadFile(filename)
	if err != nil {
		t.Fatal(err)
	}
	evil := append([]byte(nil), blob...)
	evil[len(evil)-1] ^= 0x01
	if err := os.WriteFile(filename, evil, 0600); err != nil {
		t.Fatal(err)
	}
	if err := s.Fsck(&FsckOptions{Fix: true}); err == nil {
		t.Fatalf("fsck passed with corrupt blob")
	}
	if err := os.WriteFile(filename, blob, 0600); err != nil {
		t.Fatal(err)
	}
	// Restoring the original bytes leaves a digest mismatch in the index
	// from the fix pass above; repair it.
	if err := s.Fsck(&FsckOptions{Fix: true}); err != nil {
		t.Fatalf("fsck after restore: %v", err)
	}

	// Orphaned blob: index row is rebuilt.
	if err := s.db.Delete([]byte(ids[1]), nil); err != nil {
		t.Fatal(err)
	}
	if err := s.Fsck(&FsckOptions{}); err == nil {
		t.Fatalf("fsck passed with orphaned blob")
	}
	if err := s.Fsck(&FsckOptions{Fix: true}); err != nil {
		t.Fatalf("fsck fix orphan: %v", err)
	}
	if _, err := s.indexGet(ids[1]); err != nil {
		t.Fatalf("orphan index row not rebuilt: %v", err)
	}

	// Missing blob: index row is deleted.
	if err := os.Remove(s.blobPath(ids[2])); err != nil {
		t.Fatal(err)
	}
	if err := s.Fsck(&FsckOptions{Fix: true}); err != nil {
		t.Fatalf("fsck fix missing blob: %v", err)
	}
	count, err := s.Count()
	if err != nil {
		t.Fatal(err)
	}
	if count != 2 {
		t.Fatalf("count got %v want 2", count)
	}

	// Stray temporary file is removed.
	stray := filepath.Join(s.records, "leftover.tmp")
	if err := os.WriteFile(stray, []byte("x"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := s.Fsck(&FsckOptions{Fix: true, File: filepath.Join(
		t.TempDir(), "journal")}); err != nil {
		t.Fatalf("fsck fix stray: %v", err)
	}
	if _, err := os.Stat(stray); !os.IsNotExist(err) {
		t.Fatalf("stray file not removed")
	}
}
