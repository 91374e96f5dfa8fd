package ledger

// Accessors over the DUST trees, used by the indexer to record per-block
// merkle tree updates.

// DustCommitmentFirstFree is the next free index of the DUST commitment tree.
func (s *State) DustCommitmentFirstFree() uint64 {
	return s.dust.commitmentTree.FirstFree()
}

// DustGenerationFirstFree is the next free index of the DUST generation tree.
func (s *State) DustGenerationFirstFree() uint64 {
	return s.dust.generationTree.FirstFree()
}

// DustCommitmentRoot returns the rehashed DUST commitment tree root.
func (s *State) DustCommitmentRoot() Bytes32 {
	return s.dust.commitmentTree.Rehash()
}

// DustGenerationRoot returns the rehashed DUST generation tree root.
func (s *State) DustGenerationRoot() Bytes32 {
	return s.dust.generationTree.Rehash()
}

// DustCommitmentPath returns the sibling path of a commitment tree leaf.
func (s *State) DustCommitmentPath(index uint64) ([]PathEntry, bool) {
	return s.dust.commitmentTree.Path(index)
}

// DustGenerationPath returns the sibling path of a generation tree leaf.
func (s *State) DustGenerationPath(index uint64) ([]PathEntry, bool) {
	return s.dust.generationTree.Path(index)
}

// DustParams returns the active DUST parameters.
func (s *State) DustParams() DustParameters {
	return s.dust.params
}
