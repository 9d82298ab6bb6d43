// Copyright (c) 2026 The Tryfinity developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package merkle

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"testing"
)

const (
	leftVectorS  = "360f84035942243c6a36537ae2f8673485e6c04455a0a85a0db19690f2541480"
	rightVectorS = "27042f4e6eca7d0b2a7ee4026df2ecfa51d3339e6d122aa099118ecd8563bad9"
	oddVectorS   = "990cb8ebd0afb7150da453a213036a92f2c05e091df0d803e62d257ea7796c27"

	// rootVectorS is sha256(left || right), flippedVectorS is
	// sha256(right || left).  They differ because leaf order is part of
	// the commitment.
	rootVectorS    = "2a9870f5b7eb1cd732d95224cfea825a7b8772136cb497b20d2e3c612dfc90fe"
	flippedVectorS = "b0b3e798e388f85158a9eb6c5053b81e76aa77e7a780d21cebb8e127517227dc"

	// tripleVectorS is sha256(sha256(left || right) || sha256(odd || odd)),
	// the root of [left, right, odd] with the last node duplicated at the
	// odd level.
	tripleVectorS = "dd09be7d619d3b1ee27f520075b5fad7d32d4d0128033d0d0085e16295fde3a9"
)

var (
	leftVector, rightVector, oddVector      []byte
	rootVector, flippedVector, tripleVector []byte
)

func init() {
	for _, v := range []struct {
		s   string
		dst *[]byte
	}{
		{leftVectorS, &leftVector},
		{rightVectorS, &rightVector},
		{oddVectorS, &oddVector},
		{rootVectorS, &rootVector},
		{flippedVectorS, &flippedVector},
		{tripleVectorS, &tripleVector},
	} {
		b, err := hex.DecodeString(v.s)
		if err != nil {
			panic(err)
		}
		*v.dst = b
	}
}

// concat concatenates two byte slices.
func concat(l, r []byte) []byte {
	b := make([]byte, len(l)+len(r))
	copy(b, l)
	copy(b[len(l):], r)
	return b
}

// digest takes the digest of src and returns it in dst.
func digest(src []byte, dst *[]byte) {
	h := sha256.New()
	h.Write(src)
	copy(*dst, h.Sum(nil))
}

// makeHashes takes an array of []byte and converts it to sha256 digest
// pointers.
func makeHashes(b ...[]byte) []*[sha256.Size]byte {
	hashes := make([]*[sha256.Size]byte, 0, len(b))
	for _, v := range b {
		var hash [sha256.Size]byte
		copy(hash[:], v)
		hashes = append(hashes, &hash)
	}
	return hashes
}

func TestMerkle(t *testing.T) {
	// hand roll a merkle tree to validate actual implementation.  This is
	// slow but, deliberately so.
	left := make([]byte, sha256.Size)
	digest([]byte("left"), &left)

	right := make([]byte, sha256.Size)
	digest([]byte("right"), &right)

	merkleRoot := make([]byte, sha256.Size)
	digest(concat(left, right), &merkleRoot)

	// Make sure vectors are right.
	if !bytes.Equal(left, leftVector) {
		t.Fatalf("invalid left got %x want %x", left, leftVector)
	}
	if !bytes.Equal(right, rightVector) {
		t.Fatalf("invalid right got %x want %x", right, rightVector)
	}
	if !bytes.Equal(merkleRoot, rootVector) {
		t.Fatalf("invalid root got %x want %x", merkleRoot, rootVector)
	}

	// Calculate merkle tree and root.
	hashes := makeHashes(left, right)
	merkleRoot2 := Root(hashes)
	if !bytes.Equal(merkleRoot, merkleRoot2[:]) {
		t.Fatalf("unexpected merkle root got %x expected %x",
			merkleRoot2[:], merkleRoot)
	}

	// Flip input hashes and make sure the root flips with them.
	hashes = makeHashes(right, left)
	merkleRoot3 := Root(hashes)
	if !bytes.Equal(flippedVector, merkleRoot3[:]) {
		t.Fatalf("unexpected flipped root got %x expected %x",
			merkleRoot3[:], flippedVector)
	}
	if bytes.Equal(merkleRoot2[:], merkleRoot3[:]) {
		t.Fatalf("flipped leaves must not produce the same root")
	}
}

func TestMerkleOddDuplicatesLast(t *testing.T) {
	left := make([]byte, sha256.Size)
	digest([]byte("left"), &left)

	right := make([]byte, sha256.Size)
	digest([]byte("right"), &right)

	odd := make([]byte, sha256.Size)
	digest([]byte("odd"), &odd)
	if !bytes.Equal(odd, oddVector) {
		t.Fatalf("invalid odd got %x want %x", odd, oddVector)
	}

	// Hand roll [left, right, odd]: the odd leaf pairs with itself.
	leftRight := make([]byte, sha256.Size)
	digest(concat(left, right), &leftRight)
	oddOdd := make([]byte, sha256.Size)
	digest(concat(odd, odd), &oddOdd)
	merkleRoot := make([]byte, sha256.Size)
	digest(concat(leftRight, oddOdd), &merkleRoot)
	if !bytes.Equal(merkleRoot, tripleVector) {
		t.Fatalf("invalid triple root got %x want %x", merkleRoot,
			tripleVector)
	}

	merkleRoot2 := Root(makeHashes(left, right, odd))
	if !bytes.Equal(merkleRoot, merkleRoot2[:]) {
		t.Fatalf("unexpected merkle root got %x expected %x",
			merkleRoot2[:], merkleRoot)
	}
}

func TestMerkleSingleLeaf(t *testing.T) {
	leaf := make([]byte, sha256.Size)
	digest([]byte("left"), &leaf)

	merkleRoot := Root(makeHashes(leaf))
	if !bytes.Equal(leaf, merkleRoot[:]) {
		t.Fatalf("single leaf root got %x want %x", merkleRoot[:], leaf)
	}
}

func TestMerkleEmpty(t *testing.T) {
	if root := Root(nil); root != nil {
		t.Fatalf("empty leaf set root got %x want nil", root[:])
	}
}

func TestTreeOrderPreserved(t *testing.T) {
	count := uint64(32769)
	hashes := make([]*[sha256.Size]byte, 0, count)
	reversed := make([]*[sha256.Size]byte, 0, count)
	for i := uint64(0); i < count; i++ {
		hash := &[sha256.Size]byte{}
		binary.LittleEndian.PutUint64(hash[:], i)
		hashes = append(hashes, hash)

		hash2 := &[sha256.Size]byte{}
		binary.LittleEndian.PutUint64(hash2[:], count-i-1)
		reversed = append(reversed, hash2)
	}
	mt := Tree(hashes)
	mt2 := Tree(reversed)

	// Leaves remain in the order they were provided.
	for k, v := range mt[:count] {
		if *v != *hashes[k] {
			t.Fatalf("leaf %v reordered got %x want %x", k, *v,
				*hashes[k])
		}
	}

	// Different orders commit to different roots.
	if *mt[len(mt)-1] == *mt2[len(mt2)-1] {
		t.Fatalf("reversed leaves produced identical root %x",
			*mt[len(mt)-1])
	}
}

func TestAuthPath(t *testing.T) {
	// Create 256 merkle trees and find every value in it.
	for count := 0; count < 255; count++ {
		hashes := make([]*[sha256.Size]byte, 0, count)
		for i := 0; i < count; i++ {
			hash := &[sha256.Size]byte{byte(i)}
			hashes = append(hashes, hash)
		}
		mt := Tree(hashes)

		for find := 0; find < count; find++ {
			mb := AuthPath(hashes, hashes[find])
			merkleRoot, err := VerifyAuthPath(mb)
			if err != nil {
				t.Fatal(err)
			}

			if *merkleRoot != *mt[len(mt)-1] {
				t.Fatalf("invalid merkle root got %x, want %x",
					*merkleRoot, *mt[len(mt)-1])
			}
		}
	}
}

func TestAuthPathInvalid(t *testing.T) {
	count := uint64(198123)
	hashes := make([]*[sha256.Size]byte, 0, count)
	for i := uint64(0); i < count; i++ {
		hash := &[sha256.Size]byte{}
		binary.LittleEndian.PutUint64(hash[:], count-i-1)
		hashes = append(hashes, hash)
	}
	mt := Tree(hashes)

	findHash := &[sha256.Size]byte{}
	binary.LittleEndian.PutUint64(findHash[:], count)
	mb := AuthPath(hashes, findHash)

	if len(mb.Hashes) != 1 {
		t.Fatalf("Should have gotten merkle root only, %v",
			len(mb.Hashes))
	}

	if *mt[len(mt)-1] != mb.Hashes[0] {
		t.Fatalf("got %x expected %x",
			mb.Hashes[0], *mt[len(mt)-1])
	}
}

func TestAuthPathEmpty(t *testing.T) {
	hashes := make([]*[sha256.Size]byte, 0)
	mt := Tree(hashes)
	if mt != nil {
		t.Fatalf("Should have gotten nil")
	}

	findHash := &[sha256.Size]byte{}
	binary.LittleEndian.PutUint64(findHash[:], 1)
	mb := AuthPath(hashes, findHash)

	if mb != nil {
		t.Fatalf("Should have gotten nil")
	}
}
