package ledger

import (
	"encoding/binary"

	"golang.org/x/crypto/blake2b"
)

// Domain separators keep the different hash usages from colliding.
const (
	domainNode         = "mn:node"
	domainTx           = "mn:tx"
	domainIntent       = "mn:intent"
	domainCommit       = "mn:pc"
	domainMerkleLeaf   = "mn:mt:leaf"
	domainMerkleBranch = "mn:mt:branch"
	domainOutput       = "mn:out"
)

func hashWithDomain(domain string, parts ...[]byte) Bytes32 {
	h, _ := blake2b.New256(nil)
	h.Write([]byte(domain))
	for _, p := range parts {
		h.Write(p)
	}
	var out Bytes32
	copy(out[:], h.Sum(nil))
	return out
}

// HashTransaction computes the canonical transaction hash over the raw bytes.
func HashTransaction(raw []byte) Bytes32 {
	return hashWithDomain(domainTx, raw)
}

// persistentCommit binds an output index to an intent hash. This is the
// derivation the ledger uses for the initial nonce of an unshielded UTXO.
func persistentCommit(outputIndex uint32, intentHash Bytes32) Bytes32 {
	var idx [4]byte
	binary.LittleEndian.PutUint32(idx[:], outputIndex)
	return hashWithDomain(domainCommit, idx[:], intentHash[:])
}

func hashNode(object []byte) Bytes32 {
	return hashWithDomain(domainNode, object)
}

func merkleLeafHash(leaf Bytes32) Bytes32 {
	return hashWithDomain(domainMerkleLeaf, leaf[:])
}

func merkleBranchHash(left, right Bytes32) Bytes32 {
	return hashWithDomain(domainMerkleBranch, left[:], right[:])
}
