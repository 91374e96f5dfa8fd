package ledger

// MerkleTree is an append-only binary hash tree. The zswap commitment tree,
// the DUST commitment tree and the DUST generation tree are all instances.
// Leaves are 32-byte values; the tree is padded with zero hashes up to the
// next power of two when hashed.
type MerkleTree struct {
	leaves []Bytes32
	root   Bytes32
	dirty  bool
}

// PathEntry is one step of a leaf-to-root path, bottom-up. SiblingHash is nil
// when the sibling subtree is empty.
type PathEntry struct {
	SiblingHash []byte `json:"sibling_hash"`
	GoesLeft    bool   `json:"goes_left"`
}

func NewMerkleTree() *MerkleTree {
	return &MerkleTree{dirty: true}
}

// Append adds a leaf and returns its index.
func (t *MerkleTree) Append(leaf Bytes32) uint64 {
	t.leaves = append(t.leaves, leaf)
	t.dirty = true
	return uint64(len(t.leaves) - 1)
}

// FirstFree is the index the next appended leaf will get.
func (t *MerkleTree) FirstFree() uint64 {
	return uint64(len(t.leaves))
}

// Leaf returns the leaf at the given index.
func (t *MerkleTree) Leaf(index uint64) (Bytes32, bool) {
	if index >= uint64(len(t.leaves)) {
		return Bytes32{}, false
	}
	return t.leaves[index], true
}

// Rehash recomputes and returns the root.
func (t *MerkleTree) Rehash() Bytes32 {
	if !t.dirty {
		return t.root
	}
	t.root = t.computeRoot()
	t.dirty = false
	return t.root
}

// Root returns the current root, rehashing if needed.
func (t *MerkleTree) Root() Bytes32 {
	return t.Rehash()
}

func (t *MerkleTree) computeRoot() Bytes32 {
	if len(t.leaves) == 0 {
		return merkleLeafHash(Bytes32{})
	}
	level := make([]Bytes32, len(t.leaves))
	for i, leaf := range t.leaves {
		level[i] = merkleLeafHash(leaf)
	}
	for len(level) > 1 {
		next := make([]Bytes32, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, merkleBranchHash(level[i], level[i+1]))
			} else {
				next = append(next, merkleBranchHash(level[i], Bytes32{}))
			}
		}
		level = next
	}
	return level[0]
}

// Path returns the bottom-up sibling path for the given leaf index.
func (t *MerkleTree) Path(index uint64) ([]PathEntry, bool) {
	if index >= uint64(len(t.leaves)) {
		return nil, false
	}
	level := make([]Bytes32, len(t.leaves))
	for i, leaf := range t.leaves {
		level[i] = merkleLeafHash(leaf)
	}
	var path []PathEntry
	pos := int(index)
	for len(level) > 1 {
		sibling := pos ^ 1
		entry := PathEntry{GoesLeft: pos%2 == 1}
		if sibling < len(level) {
			h := level[sibling]
			entry.SiblingHash = append([]byte(nil), h[:]...)
		}
		path = append(path, entry)

		next := make([]Bytes32, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, merkleBranchHash(level[i], level[i+1]))
			} else {
				next = append(next, merkleBranchHash(level[i], Bytes32{}))
			}
		}
		level = next
		pos /= 2
	}
	return path, true
}

// MerkleIndexOfPath folds a bottom-up path back into the leaf index.
func MerkleIndexOfPath(path []PathEntry) uint64 {
	var index uint64
	for depth := range path {
		entry := path[depth]
		if entry.GoesLeft {
			index |= 1 << depth
		}
	}
	return index
}

// CollapsedUpdate serializes the leaves of [start..=end] together with the
// current root, the blob wallets use to fast-forward their local trees.
// start > end or end beyond the last leaf is an InvalidUpdate.
func (t *MerkleTree) CollapsedUpdate(start, end uint64) ([]byte, error) {
	if start > end {
		return nil, newError(ErrInvalidUpdate, "start index after end index", nil)
	}
	if end >= uint64(len(t.leaves)) {
		return nil, newError(ErrInvalidUpdate, "end index beyond tree", nil)
	}
	e := newEncoder()
	e.writeU64(start)
	e.writeU64(end)
	for i := start; i <= end; i++ {
		e.writeBytes32(t.leaves[i])
	}
	e.writeBytes32(t.Root())
	return e.bytes(), nil
}

func (t *MerkleTree) encode(e *encoder) {
	e.writeU64(uint64(len(t.leaves)))
	for _, leaf := range t.leaves {
		e.writeBytes32(leaf)
	}
}

func decodeMerkleTree(d *decoder, what string) *MerkleTree {
	n := d.readU64(what)
	t := NewMerkleTree()
	if d.err != nil {
		return t
	}
	if n > uint64(d.remaining()/32) {
		d.fail(what)
		return t
	}
	t.leaves = make([]Bytes32, 0, n)
	for i := uint64(0); i < n; i++ {
		t.leaves = append(t.leaves, d.readBytes32(what))
	}
	return t
}
