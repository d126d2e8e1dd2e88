package merkle

import (
	"bytes"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Leaf hashes one (recipient, amount) entitlement the same way the
// off-system tree builder does: keccak256(addr || uint256(amount)).
func Leaf(recipient common.Address, amount *big.Int) common.Hash {
	return crypto.Keccak256Hash(
		recipient.Bytes(),
		common.LeftPadBytes(amount.Bytes(), 32),
	)
}

// Verify folds leaf up through proof and reports whether the result equals
// root. Pairing is order-independent: the two hashes are sorted before
// concatenation, so proofs carry no left/right flags.
func Verify(leaf, root common.Hash, proof []common.Hash) bool {
	computed := leaf
	for _, sibling := range proof {
		computed = hashPair(computed, sibling)
	}
	return computed == root
}

func hashPair(a, b common.Hash) common.Hash {
	if bytes.Compare(b[:], a[:]) < 0 {
		a, b = b, a
	}
	return crypto.Keccak256Hash(a[:], b[:])
}

// Tree is an in-memory merkle tree over a fixed leaf set. Leaves are sorted
// and deduplicated so the root is independent of input order. A lone node at
// the end of a level is promoted unchanged, matching Verify's fold.
type Tree struct {
	levels [][]common.Hash
}

// NewTree builds a tree from the given leaves. At least one leaf is required.
func NewTree(leaves []common.Hash) (*Tree, error) {
	if len(leaves) == 0 {
		return nil, fmt.Errorf("merkle: no leaves")
	}

	base := make([]common.Hash, len(leaves))
	copy(base, leaves)
	sort.Slice(base, func(i, j int) bool {
		return bytes.Compare(base[i][:], base[j][:]) < 0
	})
	base = dedupe(base)

	levels := [][]common.Hash{base}
	for len(levels[len(levels)-1]) > 1 {
		cur := levels[len(levels)-1]
		var next []common.Hash
		for i := 0; i < len(cur); i += 2 {
			if i+1 >= len(cur) {
				next = append(next, cur[i])
				break
			}
			next = append(next, hashPair(cur[i], cur[i+1]))
		}
		levels = append(levels, next)
	}

	return &Tree{levels: levels}, nil
}

func dedupe(sorted []common.Hash) []common.Hash {
	out := sorted[:1]
	for _, h := range sorted[1:] {
		if h != out[len(out)-1] {
			out = append(out, h)
		}
	}
	return out
}

func (t *Tree) Root() common.Hash {
	top := t.levels[len(t.levels)-1]
	return top[0]
}

// Proof returns the sibling path for leaf, ordered leaf-to-root.
func (t *Tree) Proof(leaf common.Hash) ([]common.Hash, error) {
	idx := -1
	for i, l := range t.levels[0] {
		if l == leaf {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, fmt.Errorf("merkle: leaf %s not in tree", leaf.Hex())
	}

	var proof []common.Hash
	for level := 0; level < len(t.levels)-1; level++ {
		sibling := idx ^ 1
		if sibling < len(t.levels[level]) {
			proof = append(proof, t.levels[level][sibling])
		}
		idx /= 2
	}
	return proof, nil
}
