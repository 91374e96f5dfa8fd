package ledger

import "fmt"

// TxKind distinguishes the two regular transaction shapes.
type TxKind uint8

const (
	TxStandard TxKind = iota
	TxClaimRewards
)

const txFormatTag = 1

// Transaction is a deserialized regular transaction. Standard transactions
// carry intents keyed by their fallible segment id (>= 1); the guaranteed
// parts of every intent execute in segment 0.
type Transaction struct {
	Kind TxKind

	Intents map[uint16]*Intent
	// GuaranteedZswapOutputs are shielded coin commitments of the guaranteed
	// phase; they enter the zswap tree whenever the transaction is not a
	// complete failure.
	GuaranteedZswapOutputs []Bytes32
	// ZswapInputs are shielded nullifiers consumed in the guaranteed phase.
	ZswapInputs []Bytes32
	// Identifiers are opaque wallet-relevant identifiers.
	Identifiers [][]byte

	Claim *ClaimRewards
}

// Intent is the per-segment unit of a standard transaction.
type Intent struct {
	GuaranteedOutputs    []Output
	FallibleOutputs      []Output
	GuaranteedSpends     []Spend
	FallibleSpends       []Spend
	FallibleZswapOutputs []Bytes32
	DustSpends           []DustSpend
	ContractActions      []ContractCall
}

// Output creates an unshielded UTXO.
type Output struct {
	Owner     Bytes32
	TokenType Bytes32
	Value     Uint128
}

// Spend consumes an unshielded UTXO by its (intent hash, output index) name.
type Spend struct {
	IntentHash Bytes32
	OutputNo   uint32
	Owner      Bytes32
	TokenType  Bytes32
	Value      Uint128
}

// DustSpend nullifies a DUST commitment and pays vFee from it.
type DustSpend struct {
	Commitment Bytes32
	Nullifier  Bytes32
	VFee       Uint128
}

// ContractActionVariant is the kind of a contract action.
type ContractActionVariant uint8

const (
	ContractDeploy ContractActionVariant = iota
	ContractCallVariant
	ContractUpdate
)

func (v ContractActionVariant) String() string {
	switch v {
	case ContractDeploy:
		return "Deploy"
	case ContractCallVariant:
		return "Call"
	case ContractUpdate:
		return "Update"
	default:
		return "Unknown"
	}
}

// ContractCall is a contract action carried by an intent.
type ContractCall struct {
	Address    Bytes32
	Variant    ContractActionVariant
	EntryPoint string
	Deposits   []ContractBalance
}

// ContractBalance is a token balance held or deposited by a contract.
type ContractBalance struct {
	TokenType Bytes32 `json:"token_type"`
	Amount    Uint128 `json:"amount"`
}

// ClaimRewards claims block rewards into a single unshielded UTXO.
type ClaimRewards struct {
	Owner Bytes32
	Value Uint128
	Nonce Bytes32
}

// Segments returns the ordered segment ids of the transaction: the
// guaranteed segment 0 plus one fallible segment per intent.
func (t *Transaction) Segments() []uint16 {
	segments := []uint16{0}
	segments = append(segments, sortedSegments(t.Intents)...)
	return segments
}

// IntentHash identifies an intent within its segment. Proof and signature
// data is not part of the hash.
func (t *Transaction) IntentHash(segment uint16, intent *Intent) Bytes32 {
	e := newEncoder()
	e.writeU16(segment)
	encodeOutputs := func(outputs []Output) {
		e.writeU32(uint32(len(outputs)))
		for _, o := range outputs {
			e.writeBytes32(o.Owner)
			e.writeBytes32(o.TokenType)
			e.writeU128(o.Value)
		}
	}
	encodeSpends := func(spends []Spend) {
		e.writeU32(uint32(len(spends)))
		for _, s := range spends {
			e.writeBytes32(s.IntentHash)
			e.writeU32(s.OutputNo)
			e.writeBytes32(s.Owner)
			e.writeBytes32(s.TokenType)
			e.writeU128(s.Value)
		}
	}
	encodeOutputs(intent.GuaranteedOutputs)
	encodeOutputs(intent.FallibleOutputs)
	encodeSpends(intent.GuaranteedSpends)
	encodeSpends(intent.FallibleSpends)
	e.writeU32(uint32(len(intent.DustSpends)))
	for _, ds := range intent.DustSpends {
		e.writeBytes32(ds.Commitment)
		e.writeBytes32(ds.Nullifier)
		e.writeU128(ds.VFee)
	}
	e.writeU32(uint32(len(intent.ContractActions)))
	for _, ca := range intent.ContractActions {
		e.writeBytes32(ca.Address)
		e.writeU8(uint8(ca.Variant))
		e.writeBytes([]byte(ca.EntryPoint))
	}
	return hashWithDomain(domainIntent, e.bytes())
}

// mkOutputIntentHash computes the intent hash the ledger assigns to outputs
// that do not come from an intent: ClaimRewards and treasury payments.
func mkOutputIntentHash(amount Uint128, target Bytes32, nonce Bytes32, tokenType Bytes32) Bytes32 {
	e := newEncoder()
	e.writeU128(amount)
	e.writeBytes32(target)
	e.writeBytes32(nonce)
	e.writeBytes32(tokenType)
	return hashWithDomain(domainIntent, e.bytes())
}

// Encode serializes the transaction into its wire form.
func (t *Transaction) Encode() []byte {
	e := newEncoder()
	e.writeU8(txFormatTag)
	e.writeU8(uint8(t.Kind))
	switch t.Kind {
	case TxClaimRewards:
		e.writeBytes32(t.Claim.Owner)
		e.writeU128(t.Claim.Value)
		e.writeBytes32(t.Claim.Nonce)
	case TxStandard:
		e.writeU32(uint32(len(t.GuaranteedZswapOutputs)))
		for _, c := range t.GuaranteedZswapOutputs {
			e.writeBytes32(c)
		}
		e.writeU32(uint32(len(t.ZswapInputs)))
		for _, n := range t.ZswapInputs {
			e.writeBytes32(n)
		}
		e.writeU32(uint32(len(t.Identifiers)))
		for _, id := range t.Identifiers {
			e.writeBytes(id)
		}
		e.writeU16(uint16(len(t.Intents)))
		for _, segment := range sortedSegments(t.Intents) {
			e.writeU16(segment)
			t.Intents[segment].encode(e)
		}
	}
	return e.bytes()
}

func (i *Intent) encode(e *encoder) {
	encodeOutputs := func(outputs []Output) {
		e.writeU32(uint32(len(outputs)))
		for _, o := range outputs {
			e.writeBytes32(o.Owner)
			e.writeBytes32(o.TokenType)
			e.writeU128(o.Value)
		}
	}
	encodeSpends := func(spends []Spend) {
		e.writeU32(uint32(len(spends)))
		for _, s := range spends {
			e.writeBytes32(s.IntentHash)
			e.writeU32(s.OutputNo)
			e.writeBytes32(s.Owner)
			e.writeBytes32(s.TokenType)
			e.writeU128(s.Value)
		}
	}
	encodeOutputs(i.GuaranteedOutputs)
	encodeOutputs(i.FallibleOutputs)
	encodeSpends(i.GuaranteedSpends)
	encodeSpends(i.FallibleSpends)
	e.writeU32(uint32(len(i.FallibleZswapOutputs)))
	for _, c := range i.FallibleZswapOutputs {
		e.writeBytes32(c)
	}
	e.writeU32(uint32(len(i.DustSpends)))
	for _, ds := range i.DustSpends {
		e.writeBytes32(ds.Commitment)
		e.writeBytes32(ds.Nullifier)
		e.writeU128(ds.VFee)
	}
	e.writeU32(uint32(len(i.ContractActions)))
	for _, ca := range i.ContractActions {
		e.writeBytes32(ca.Address)
		e.writeU8(uint8(ca.Variant))
		e.writeBytes([]byte(ca.EntryPoint))
		e.writeU32(uint32(len(ca.Deposits)))
		for _, dep := range ca.Deposits {
			e.writeBytes32(dep.TokenType)
			e.writeU128(dep.Amount)
		}
	}
}

// DecodeTransaction parses a serialized regular transaction.
func DecodeTransaction(raw []byte) (*Transaction, error) {
	d := newDecoder(raw)
	tag := d.readU8("format tag")
	if d.err == nil && tag != txFormatTag {
		return nil, newError(ErrDeserialize, "LedgerTransaction", fmt.Errorf("unknown format tag %d", tag))
	}
	kind := TxKind(d.readU8("kind"))
	t := &Transaction{Kind: kind}
	switch kind {
	case TxClaimRewards:
		t.Claim = &ClaimRewards{
			Owner: d.readBytes32("claim owner"),
			Value: d.readU128("claim value"),
			Nonce: d.readBytes32("claim nonce"),
		}
	case TxStandard:
		n := d.readU32("guaranteed zswap outputs")
		for i := uint32(0); i < n && d.err == nil; i++ {
			t.GuaranteedZswapOutputs = append(t.GuaranteedZswapOutputs, d.readBytes32("zswap output"))
		}
		n = d.readU32("zswap inputs")
		for i := uint32(0); i < n && d.err == nil; i++ {
			t.ZswapInputs = append(t.ZswapInputs, d.readBytes32("zswap input"))
		}
		n = d.readU32("identifiers")
		for i := uint32(0); i < n && d.err == nil; i++ {
			t.Identifiers = append(t.Identifiers, d.readBytes("identifier"))
		}
		intents := d.readU16("intent count")
		t.Intents = make(map[uint16]*Intent, intents)
		for i := uint16(0); i < intents && d.err == nil; i++ {
			segment := d.readU16("intent segment")
			t.Intents[segment] = decodeIntent(d)
		}
	default:
		return nil, newError(ErrDeserialize, "LedgerTransaction", fmt.Errorf("unknown kind %d", kind))
	}
	if d.err != nil {
		return nil, newError(ErrDeserialize, "LedgerTransaction", d.err)
	}
	if d.remaining() != 0 {
		return nil, newError(ErrDeserialize, "LedgerTransaction", fmt.Errorf("%d trailing bytes", d.remaining()))
	}
	return t, nil
}

func decodeIntent(d *decoder) *Intent {
	i := &Intent{}
	readOutputs := func(what string) []Output {
		n := d.readU32(what)
		var outputs []Output
		for j := uint32(0); j < n && d.err == nil; j++ {
			outputs = append(outputs, Output{
				Owner:     d.readBytes32(what),
				TokenType: d.readBytes32(what),
				Value:     d.readU128(what),
			})
		}
		return outputs
	}
	readSpends := func(what string) []Spend {
		n := d.readU32(what)
		var spends []Spend
		for j := uint32(0); j < n && d.err == nil; j++ {
			spends = append(spends, Spend{
				IntentHash: d.readBytes32(what),
				OutputNo:   d.readU32(what),
				Owner:      d.readBytes32(what),
				TokenType:  d.readBytes32(what),
				Value:      d.readU128(what),
			})
		}
		return spends
	}
	i.GuaranteedOutputs = readOutputs("guaranteed outputs")
	i.FallibleOutputs = readOutputs("fallible outputs")
	i.GuaranteedSpends = readSpends("guaranteed spends")
	i.FallibleSpends = readSpends("fallible spends")
	n := d.readU32("fallible zswap outputs")
	for j := uint32(0); j < n && d.err == nil; j++ {
		i.FallibleZswapOutputs = append(i.FallibleZswapOutputs, d.readBytes32("zswap output"))
	}
	n = d.readU32("dust spends")
	for j := uint32(0); j < n && d.err == nil; j++ {
		i.DustSpends = append(i.DustSpends, DustSpend{
			Commitment: d.readBytes32("dust spend"),
			Nullifier:  d.readBytes32("dust spend"),
			VFee:       d.readU128("dust spend"),
		})
	}
	n = d.readU32("contract actions")
	for j := uint32(0); j < n && d.err == nil; j++ {
		ca := ContractCall{
			Address:    d.readBytes32("contract action"),
			Variant:    ContractActionVariant(d.readU8("contract action")),
			EntryPoint: string(d.readBytes("contract action")),
		}
		deposits := d.readU32("contract deposits")
		for k := uint32(0); k < deposits && d.err == nil; k++ {
			ca.Deposits = append(ca.Deposits, ContractBalance{
				TokenType: d.readBytes32("contract deposit"),
				Amount:    d.readU128("contract deposit"),
			})
		}
		i.ContractActions = append(i.ContractActions, ca)
	}
	return i
}

// wellFormed runs the structural checks the ledger applies before a
// transaction may touch state. Balancing is not enforced by the indexer.
func (t *Transaction) wellFormed() error {
	switch t.Kind {
	case TxClaimRewards:
		if t.Claim == nil {
			return newError(ErrMalformed, "claim rewards without claim", nil)
		}
		if t.Claim.Value.IsZero() {
			return newError(ErrMalformed, "claim rewards with zero value", nil)
		}
	case TxStandard:
		for segment, intent := range t.Intents {
			if segment == 0 {
				return newError(ErrMalformed, "intent in guaranteed segment", nil)
			}
			for _, o := range append(append([]Output{}, intent.GuaranteedOutputs...), intent.FallibleOutputs...) {
				if o.Value.IsZero() {
					return newError(ErrMalformed, "output with zero value", nil)
				}
			}
			for _, ds := range intent.DustSpends {
				if ds.Commitment.IsZero() {
					return newError(ErrMalformed, "dust spend with zero commitment", nil)
				}
			}
		}
	default:
		return newError(ErrMalformed, "unknown transaction kind", nil)
	}
	return nil
}

// cost prices a transaction against the current parameters.
func (t *Transaction) cost(params LedgerParameters, rawLen int) SyntheticCost {
	var spends, outputs, coins, dust, contracts int
	if t.Kind == TxClaimRewards {
		outputs = 1
	} else {
		coins = len(t.GuaranteedZswapOutputs)
		spends += len(t.ZswapInputs)
		for _, intent := range t.Intents {
			spends += len(intent.GuaranteedSpends) + len(intent.FallibleSpends)
			outputs += len(intent.GuaranteedOutputs) + len(intent.FallibleOutputs)
			coins += len(intent.FallibleZswapOutputs)
			dust += len(intent.DustSpends)
			contracts += len(intent.ContractActions)
		}
	}
	return SyntheticCost{
		ReadTime:     uint64(spends+dust)*1_000 + uint64(contracts)*5_000,
		ComputeTime:  uint64(outputs+coins)*2_000 + uint64(contracts)*10_000 + params.FeePrice,
		BlockUsage:   uint64(rawLen),
		BytesWritten: uint64(outputs+coins) * 32,
		BytesChurned: uint64(spends+dust) * 32,
	}
}

// EstimateFees is the deterministic size-based fee estimate used when the
// node's runtime API does not answer.
func EstimateFees(params LedgerParameters, rawLen int) Uint128 {
	return U128FromUint64(params.FeePrice * uint64(rawLen))
}
