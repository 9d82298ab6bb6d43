// Copyright (c) 2026 The Tryfinity developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package merkle implements an order-preserving binary hash tree over
// sha256 leaves.  Leaves are combined in the order they are provided and
// a level with an odd number of nodes duplicates its last node.  This
// matches the commitment scheme used by the resonance registry, so roots
// produced here are byte compatible with previously anchored roots.
package merkle

import (
	"crypto/sha256"
	"errors"
)

// ErrEmpty is returned when an authentication path carries no hashes.
var ErrEmpty = errors.New("empty merkle branch")

// Branch contains an authentication path from a leaf up to, but not
// including, the merkle root.  Hashes[0] is the leaf itself and every
// following entry is the sibling at the next level up.  LeafIndex encodes
// which side each sibling sits on.  A branch whose Hashes contain a single
// entry that is not a leaf of the tree carries the root alone; it proves
// nothing beyond the root value itself.
type Branch struct {
	NumLeaves uint64              `json:"numleaves"` // Number of leaves
	LeafIndex uint64              `json:"leafindex"` // Position of the leaf
	Hashes    [][sha256.Size]byte `json:"hashes"`    // Merkle branch
}

// hashChildren returns the digest of the left child followed by the right
// child.
func hashChildren(left, right *[sha256.Size]byte) *[sha256.Size]byte {
	h := sha256.New()
	h.Write(left[:])
	h.Write(right[:])
	var digest [sha256.Size]byte
	copy(digest[:], h.Sum(nil))
	return &digest
}

// treeSize returns the total number of nodes in a tree with the given
// number of leaves.
func treeSize(leaves int) int {
	size := 0
	for l := leaves; l > 1; l = (l + 1) / 2 {
		size += l
	}
	return size + 1
}

// Tree creates a merkle tree from the provided leaves and stores all
// intermediate hashes in a flat array.  The first len(leaves) entries are
// the leaves in their original order and the last entry is the merkle
// root.  The input slice is not modified.  Tree returns nil when no leaves
// are provided.
func Tree(leaves []*[sha256.Size]byte) []*[sha256.Size]byte {
	if len(leaves) == 0 {
		return nil
	}

	tree := make([]*[sha256.Size]byte, len(leaves), treeSize(len(leaves)))
	copy(tree, leaves)

	level := tree
	for len(level) > 1 {
		next := make([]*[sha256.Size]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			right := level[i]
			if i+1 < len(level) {
				right = level[i+1]
			}
			next = append(next, hashChildren(level[i], right))
		}
		tree = append(tree, next...)
		level = next
	}

	return tree
}

// Root returns the merkle root of the provided leaves, or nil when the
// leaf set is empty.
func Root(leaves []*[sha256.Size]byte) *[sha256.Size]byte {
	tree := Tree(leaves)
	if tree == nil {
		return nil
	}
	return tree[len(tree)-1]
}

// AuthPath returns the authentication path for find within the tree built
// from leaves.  When find is not a leaf the returned branch contains the
// merkle root alone.  AuthPath returns nil when the leaf set is empty.
func AuthPath(leaves []*[sha256.Size]byte, find *[sha256.Size]byte) *Branch {
	tree := Tree(leaves)
	if tree == nil {
		return nil
	}

	idx := -1
	for i, v := range leaves {
		if *v == *find {
			idx = i
			break
		}
	}
	if idx == -1 {
		return &Branch{
			NumLeaves: uint64(len(leaves)),
			Hashes:    [][sha256.Size]byte{*tree[len(tree)-1]},
		}
	}

	branch := Branch{
		NumLeaves: uint64(len(leaves)),
		LeafIndex: uint64(idx),
		Hashes:    [][sha256.Size]byte{*leaves[idx]},
	}
	levelStart := 0
	levelLen := len(leaves)
	for levelLen > 1 {
		sibling := idx ^ 1
		if sibling >= levelLen {
			// Odd level, the last node is its own sibling.
			sibling = idx
		}
		branch.Hashes = append(branch.Hashes, *tree[levelStart+sibling])
		levelStart += levelLen
		levelLen = (levelLen + 1) / 2
		idx /= 2
	}

	return &branch
}

// VerifyAuthPath recomputes the merkle root from the provided branch and
// returns it.  The caller compares the result against a known root to
// establish that the leaf was part of the committed set.
func VerifyAuthPath(b *Branch) (*[sha256.Size]byte, error) {
	if b == nil || len(b.Hashes) == 0 {
		return nil, ErrEmpty
	}

	current := b.Hashes[0]
	idx := b.LeafIndex
	for _, sibling := range b.Hashes[1:] {
		if idx%2 == 0 {
			current = *hashChildren(&current, &sibling)
		} else {
			current = *hashChildren(&sibling, &current)
		}
		idx /= 2
	}

	return &current, nil
}
