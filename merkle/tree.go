package merkle

import (
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"strings"
	"sync"
)

const outOfBounds = "incorrect index - index out of bounds"

// CommitmentTree is an in-memory merkle tree over a batch of authorization
// codes; leaves are hashed code values and parent nodes combine their
// children in sorted order so that the authentication paths it emits verify
// without left/right position bookkeeping
type CommitmentTree struct {
	hash  hash.Hash
	mutex sync.RWMutex
	nodes [][][]byte // nodes[0] contains the leaves
}

// NewCommitmentTree returns a pointer to an initialized CommitmentTree; when
// no digest is provided the default commitment hash is used
func NewCommitmentTree(h hash.Hash) *CommitmentTree {
	if h == nil {
		h = HashFactory(nil)
	}
	return &CommitmentTree{
		hash:  h,
		nodes: make([][][]byte, 1),
	}
}

// Add hashes the given value, inserts it on the next available leaf slot and
// recalculates the tree; returns the index it was inserted at and the
// hex-encoded leaf hash
func (t *CommitmentTree) Add(val []byte) (index int, leafHash string) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	t.hash.Reset()
	t.hash.Write(val)
	sum := t.hash.Sum(nil)
	t.hash.Reset()

	index = len(t.nodes[0])
	t.nodes[0] = append(t.nodes[0], sum)
	t.recalculate()

	return index, hex.EncodeToString(sum)
}

// RawInsert pushes an already-hashed, hex-encoded leaf into the tree without
// recalculating; use Recalculate after loading up the tree data
func (t *CommitmentTree) RawInsert(leafHash string) (index int) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	dec, _ := hex.DecodeString(strings.ToLower(leafHash))
	index = len(t.nodes[0])
	t.nodes[0] = append(t.nodes[0], dec)
	return index
}

// Recalculate recreates the whole tree bottom up and returns the hex string
// of the new root
func (t *CommitmentTree) Recalculate() (root string) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	t.recalculate()
	if t.nodes[len(t.nodes)-1] == nil {
		return ""
	}
	return hex.EncodeToString(t.nodes[len(t.nodes)-1][0])
}

func (t *CommitmentTree) recalculate() {
	if len(t.nodes[0]) == 0 {
		return
	}

	levels := [][][]byte{t.nodes[0]}
	level := t.nodes[0]

	for len(level) > 1 {
		next := make([][]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			left := level[i]
			right := left // odd node pairs with itself
			if i+1 < len(level) {
				right = level[i+1]
			}
			next = append(next, combine(t.hash, left, right))
		}
		levels = append(levels, next)
		level = next
	}

	t.nodes = levels
}

// Root returns the hex-encoded hash of the root of the tree
func (t *CommitmentTree) Root() (*string, error) {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	if len(t.nodes[0]) == 0 {
		return nil, errors.New("nil root node")
	}
	root := hex.EncodeToString(t.nodes[len(t.nodes)-1][0])
	return &root, nil
}

// Length returns the count of the tree leaves
func (t *CommitmentTree) Length() int {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	return len(t.nodes[0])
}

// HashAt returns the hex-encoded leaf hash at the given index
func (t *CommitmentTree) HashAt(index int) (string, error) {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	if index >= len(t.nodes[0]) {
		return "", errors.New(outOfBounds)
	}
	return hex.EncodeToString(t.nodes[0][index]), nil
}

// PathAt returns all sibling hashes needed to recompute the root from the
// leaf at the given index
func (t *CommitmentTree) PathAt(index int) ([]string, error) {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	if index >= len(t.nodes[0]) {
		return nil, errors.New(outOfBounds)
	}

	path := make([]string, 0, len(t.nodes)-1)
	for level := 0; level < len(t.nodes)-1; level++ {
		siblingIndex := index ^ 1
		if siblingIndex >= len(t.nodes[level]) {
			siblingIndex = index // odd node pairs with itself
		}
		path = append(path, hex.EncodeToString(t.nodes[level][siblingIndex]))
		index /= 2
	}

	return path, nil
}

// String returns a human readable version of the tree
func (t *CommitmentTree) String() string {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	b := strings.Builder{}
	for i := len(t.nodes) - 1; i >= 0; i-- {
		b.WriteString(fmt.Sprintf("level: %v, count: %v\n", i, len(t.nodes[i])))
		for _, node := range t.nodes[i] {
			b.WriteString(fmt.Sprintf("%v\t", hex.EncodeToString(node)))
		}
		b.WriteString("\n")
	}
	return b.String()
}
