package ledger

import "math"

// DtimeUnspent marks a generation whose backing NIGHT is still unspent.
const DtimeUnspent = math.MaxUint64

// DustParameters govern DUST generation and decay. They can be replaced at
// runtime by an OverwriteParameters system transaction.
type DustParameters struct {
	NightDustRatio         uint64 `json:"night_dust_ratio"`
	GenerationDecayRate    uint32 `json:"generation_decay_rate"`
	DustGracePeriodSeconds uint64 `json:"dust_grace_period_seconds"`
}

func defaultDustParameters() DustParameters {
	return DustParameters{
		NightDustRatio:         10,
		GenerationDecayRate:    3_600,
		DustGracePeriodSeconds: 300,
	}
}

// QualifiedDustOutput describes a DUST UTXO as delivered by a ledger event.
type QualifiedDustOutput struct {
	InitialValue Uint128 `json:"initial_value"`
	Owner        Bytes32 `json:"owner"`
	Nonce        Bytes32 `json:"nonce"`
	Seq          uint32  `json:"seq"`
	Ctime        uint64  `json:"ctime"`
	BackingNight Bytes32 `json:"backing_night"`
	MtIndex      uint64  `json:"mt_index"`
}

// DustGenerationInfo describes one entry of the DUST generation tree.
// Dtime is DtimeUnspent while the backing NIGHT UTXO is unspent.
type DustGenerationInfo struct {
	Value         Uint128 `json:"value"`
	Owner         Bytes32 `json:"owner"`
	Nonce         Bytes32 `json:"nonce"`
	Ctime         uint64  `json:"ctime"`
	Dtime         uint64  `json:"dtime"`
	MerkleIndex   uint64  `json:"merkle_index"`
	NightUtxoHash Bytes32 `json:"night_utxo_hash"`
}

func (g DustGenerationInfo) leafHash() Bytes32 {
	e := newEncoder()
	e.writeU128(g.Value)
	e.writeBytes32(g.Owner)
	e.writeBytes32(g.Nonce)
	e.writeU64(g.Ctime)
	e.writeU64(g.Dtime)
	e.writeBytes32(g.NightUtxoHash)
	return hashWithDomain(domainOutput, e.bytes())
}

// dustState is the DUST portion of the ledger state.
type dustState struct {
	params         DustParameters
	generationTree *MerkleTree
	commitmentTree *MerkleTree
	generations    []DustGenerationInfo
	// nightIndices maps the initial nonce of a NIGHT UTXO registered for DUST
	// generation onto its generation tree index.
	nightIndices map[Bytes32]uint64
	// utxoSpent maps DUST commitments onto whether they have been nullified.
	utxoSpent map[Bytes32]bool
	// commitmentIndex maps commitments onto their commitment tree index.
	// Rebuilt from the tree on decode, never serialized.
	commitmentIndex map[Bytes32]uint64
	nullifiers      map[Bytes32]struct{}
	seq             uint32
}

func newDustState() *dustState {
	return &dustState{
		params:         defaultDustParameters(),
		generationTree: NewMerkleTree(),
		commitmentTree: NewMerkleTree(),
		nightIndices:    make(map[Bytes32]uint64),
		utxoSpent:       make(map[Bytes32]bool),
		commitmentIndex: make(map[Bytes32]uint64),
		nullifiers:      make(map[Bytes32]struct{}),
	}
}

// registeredForGeneration reports whether a NIGHT UTXO (identified by its
// initial nonce) backs an ongoing DUST generation.
func (d *dustState) registeredForGeneration(initialNonce Bytes32) bool {
	_, ok := d.nightIndices[initialNonce]
	return ok
}

// addGeneration appends a generation entry and indexes its backing nonce.
// Returns the generation tree index.
func (d *dustState) addGeneration(info DustGenerationInfo, initialNonce Bytes32) uint64 {
	index := d.generationTree.Append(info.leafHash())
	info.MerkleIndex = index
	d.generations = append(d.generations, info)
	d.nightIndices[initialNonce] = index
	return index
}

// closeGeneration sets the dtime of the generation backed by the given
// initial nonce, removes the night index entry and returns the updated info
// plus its sibling path. ok is false when no such generation exists.
func (d *dustState) closeGeneration(initialNonce Bytes32, dtime uint64) (DustGenerationInfo, []PathEntry, bool) {
	index, ok := d.nightIndices[initialNonce]
	if !ok {
		return DustGenerationInfo{}, nil, false
	}
	info := d.generations[index]
	info.Dtime = dtime
	d.generations[index] = info
	// Rewriting the leaf keeps the generation tree consistent with dtime.
	d.generationTree.leaves[index] = info.leafHash()
	d.generationTree.dirty = true
	delete(d.nightIndices, initialNonce)

	path, _ := d.generationTree.Path(index)
	return info, path, true
}

// addCommitment appends a DUST commitment and returns its tree index.
func (d *dustState) addCommitment(commitment Bytes32) uint64 {
	d.utxoSpent[commitment] = false
	index := d.commitmentTree.Append(commitment)
	d.commitmentIndex[commitment] = index
	return index
}

// spend nullifies a DUST commitment. ok is false when the commitment is
// unknown or already spent.
func (d *dustState) spend(commitment, nullifier Bytes32) bool {
	spent, ok := d.utxoSpent[commitment]
	if !ok || spent {
		return false
	}
	if _, dup := d.nullifiers[nullifier]; dup {
		return false
	}
	d.utxoSpent[commitment] = true
	d.nullifiers[nullifier] = struct{}{}
	return true
}

func (d *dustState) nextSeq() uint32 {
	seq := d.seq
	d.seq++
	return seq
}

func (d *dustState) encode(e *encoder) {
	e.writeU64(d.params.NightDustRatio)
	e.writeU32(d.params.GenerationDecayRate)
	e.writeU64(d.params.DustGracePeriodSeconds)
	e.writeU32(d.seq)

	d.generationTree.encode(e)
	d.commitmentTree.encode(e)

	e.writeU64(uint64(len(d.generations)))
	for _, g := range d.generations {
		e.writeU128(g.Value)
		e.writeBytes32(g.Owner)
		e.writeBytes32(g.Nonce)
		e.writeU64(g.Ctime)
		e.writeU64(g.Dtime)
		e.writeU64(g.MerkleIndex)
		e.writeBytes32(g.NightUtxoHash)
	}

	e.writeU64(uint64(len(d.nightIndices)))
	for _, nonce := range sortedBytes32Keys(d.nightIndices) {
		e.writeBytes32(nonce)
		e.writeU64(d.nightIndices[nonce])
	}

	e.writeU64(uint64(len(d.utxoSpent)))
	for _, commitment := range sortedBytes32Keys(d.utxoSpent) {
		e.writeBytes32(commitment)
		e.writeBool(d.utxoSpent[commitment])
	}

	e.writeU64(uint64(len(d.nullifiers)))
	for _, nullifier := range sortedBytes32Keys(d.nullifiers) {
		e.writeBytes32(nullifier)
	}
}

func decodeDustState(d *decoder) *dustState {
	s := newDustState()
	s.params.NightDustRatio = d.readU64("dust params")
	s.params.GenerationDecayRate = d.readU32("dust params")
	s.params.DustGracePeriodSeconds = d.readU64("dust params")
	s.seq = d.readU32("dust seq")

	s.generationTree = decodeMerkleTree(d, "dust generation tree")
	s.commitmentTree = decodeMerkleTree(d, "dust commitment tree")
	for i, leaf := range s.commitmentTree.leaves {
		s.commitmentIndex[leaf] = uint64(i)
	}

	n := d.readU64("dust generations")
	if d.err == nil && n <= uint64(d.remaining()) {
		s.generations = make([]DustGenerationInfo, 0, n)
		for i := uint64(0); i < n && d.err == nil; i++ {
			s.generations = append(s.generations, DustGenerationInfo{
				Value:         d.readU128("generation value"),
				Owner:         d.readBytes32("generation owner"),
				Nonce:         d.readBytes32("generation nonce"),
				Ctime:         d.readU64("generation ctime"),
				Dtime:         d.readU64("generation dtime"),
				MerkleIndex:   d.readU64("generation merkle index"),
				NightUtxoHash: d.readBytes32("generation night hash"),
			})
		}
	} else if n > uint64(d.remaining()) {
		d.fail("dust generations")
	}

	n = d.readU64("dust night indices")
	for i := uint64(0); i < n && d.err == nil; i++ {
		nonce := d.readBytes32("night index nonce")
		s.nightIndices[nonce] = d.readU64("night index")
	}

	n = d.readU64("dust utxos")
	for i := uint64(0); i < n && d.err == nil; i++ {
		commitment := d.readBytes32("dust utxo commitment")
		s.utxoSpent[commitment] = d.readBool("dust utxo spent")
	}

	n = d.readU64("dust nullifiers")
	for i := uint64(0); i < n && d.err == nil; i++ {
		s.nullifiers[d.readBytes32("dust nullifier")] = struct{}{}
	}

	return s
}
