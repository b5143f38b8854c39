// Package merkle builds RFC 6962 shaped Merkle trees over dual digests.
//
// Leaves are receipt link digests. Interior nodes are dual digests of
// 0x01 || left || right under their own domain, so a leaf can never be
// replayed as an interior node.
package merkle

import (
	"errors"

	"github.com/northstaraokeystone/gov-os/internal/ir"
)

// DomainNode separates interior node digests from payload and receipt digests.
const DomainNode = "govos/merkle/node/v1"

var (
	ErrEmptyTree    = errors.New("empty merkle tree")
	ErrInvalidIndex = errors.New("invalid leaf index")
	ErrInvalidSize  = errors.New("invalid tree size")
)

// NodeHash combines two child digests.
func NodeHash(left, right ir.DualDigest) ir.DualDigest {
	buf := make([]byte, 0, 1+4*ir.DigestSize)
	buf = append(buf, 0x01)
	buf = append(buf, left.Bytes()...)
	buf = append(buf, right.Bytes()...)
	return ir.DigestBytes(DomainNode, buf)
}

// Root computes the tree head over leaves in order.
func Root(leaves []ir.DualDigest) (ir.DualDigest, error) {
	if len(leaves) == 0 {
		return ir.DualDigest{}, ErrEmptyTree
	}
	return treeHash(leaves), nil
}

// InclusionProof returns the audit path for the leaf at leafIndex, ordered
// from the leaf's sibling up to the root's children.
func InclusionProof(leaves []ir.DualDigest, leafIndex int) ([]ir.DualDigest, error) {
	if len(leaves) == 0 {
		return nil, ErrEmptyTree
	}
	if leafIndex < 0 || leafIndex >= len(leaves) {
		return nil, ErrInvalidIndex
	}
	var path []ir.DualDigest
	collectPath(leaves, leafIndex, &path)
	return path, nil
}

// VerifyInclusionProof recomputes the root from a leaf and its audit path and
// compares it against expectedRoot.
func VerifyInclusionProof(leaf ir.DualDigest, leafIndex, treeSize int, path []ir.DualDigest, expectedRoot ir.DualDigest) (bool, error) {
	if treeSize <= 0 {
		return false, ErrInvalidSize
	}
	if leafIndex < 0 || leafIndex >= treeSize {
		return false, ErrInvalidIndex
	}
	root, used, err := rootFromPath(leaf, leafIndex, treeSize, path)
	if err != nil {
		return false, err
	}
	if used != len(path) {
		return false, ErrInvalidSize
	}
	return root == expectedRoot, nil
}

func treeHash(leaves []ir.DualDigest) ir.DualDigest {
	if len(leaves) == 1 {
		return leaves[0]
	}
	k := splitPoint(len(leaves))
	return NodeHash(treeHash(leaves[:k]), treeHash(leaves[k:]))
}

func collectPath(leaves []ir.DualDigest, index int, path *[]ir.DualDigest) {
	if len(leaves) == 1 {
		return
	}
	k := splitPoint(len(leaves))
	if index < k {
		collectPath(leaves[:k], index, path)
		*path = append(*path, treeHash(leaves[k:]))
		return
	}
	collectPath(leaves[k:], index-k, path)
	*path = append(*path, treeHash(leaves[:k]))
}

func rootFromPath(leaf ir.DualDigest, index, size int, path []ir.DualDigest) (ir.DualDigest, int, error) {
	if size == 1 {
		if index != 0 {
			return ir.DualDigest{}, 0, ErrInvalidIndex
		}
		return leaf, 0, nil
	}
	k := splitPoint(size)
	if index < k {
		left, used, err := rootFromPath(leaf, index, k, path)
		if err != nil {
			return ir.DualDigest{}, 0, err
		}
		if used >= len(path) {
			return ir.DualDigest{}, 0, ErrInvalidSize
		}
		return NodeHash(left, path[used]), used + 1, nil
	}
	right, used, err := rootFromPath(leaf, index-k, size-k, path)
	if err != nil {
		return ir.DualDigest{}, 0, err
	}
	if used >= len(path) {
		return ir.DualDigest{}, 0, ErrInvalidSize
	}
	return NodeHash(path[used], right), used + 1, nil
}

// splitPoint is the largest power of two strictly less than n (n > 1).
func splitPoint(n int) int {
	k := 1
	for k<<1 < n {
		k <<= 1
	}
	return k
}
