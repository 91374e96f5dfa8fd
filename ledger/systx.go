package ledger

import "fmt"

// SystemTxKind tags a system transaction.
type SystemTxKind uint8

const (
	SysCNightGeneratesDustUpdate SystemTxKind = iota
	SysDistributeReserve
	SysOverwriteParameters
	SysDistributeNight
	SysPayBlockRewardsToTreasury
	SysPayFromTreasuryShielded
	SysPayFromTreasuryUnshielded
)

func (k SystemTxKind) String() string {
	switch k {
	case SysCNightGeneratesDustUpdate:
		return "CNightGeneratesDustUpdate"
	case SysDistributeReserve:
		return "DistributeReserve"
	case SysOverwriteParameters:
		return "OverwriteParameters"
	case SysDistributeNight:
		return "DistributeNight"
	case SysPayBlockRewardsToTreasury:
		return "PayBlockRewardsToTreasury"
	case SysPayFromTreasuryShielded:
		return "PayFromTreasuryShielded"
	case SysPayFromTreasuryUnshielded:
		return "PayFromTreasuryUnshielded"
	default:
		return "Unknown"
	}
}

// CNightAction says whether a cNIGHT event starts or ends DUST generation.
type CNightAction uint8

const (
	CNightCreate CNightAction = iota
	CNightDestroy
)

// CNightEvent is one entry of a CNightGeneratesDustUpdate.
type CNightEvent struct {
	Action CNightAction
	Owner  Bytes32
	Nonce  Bytes32
	Value  Uint128
	Time   uint64 // seconds
}

// OutputInstruction is one unshielded treasury payment output.
type OutputInstruction struct {
	Amount        Uint128
	TargetAddress Bytes32
	Nonce         Bytes32
}

// SystemTransaction is a deserialized system transaction.
type SystemTransaction struct {
	Kind SystemTxKind

	CNightEvents []CNightEvent      // CNightGeneratesDustUpdate
	Amount       Uint128            // DistributeReserve, PayBlockRewardsToTreasury
	Params       *DustParameters    // OverwriteParameters
	ClaimKind    string             // DistributeNight
	NightOutputs []Output           // DistributeNight
	TokenType    Bytes32            // PayFromTreasury*
	Nonce        Bytes32            // PayFromTreasuryShielded
	ShieldedLen  uint32             // PayFromTreasuryShielded
	Outputs      []OutputInstruction // PayFromTreasuryUnshielded
}

// Encode serializes the system transaction into its wire form.
func (t *SystemTransaction) Encode() []byte {
	e := newEncoder()
	e.writeU8(txFormatTag)
	e.writeU8(uint8(t.Kind))
	switch t.Kind {
	case SysCNightGeneratesDustUpdate:
		e.writeU32(uint32(len(t.CNightEvents)))
		for _, ev := range t.CNightEvents {
			e.writeU8(uint8(ev.Action))
			e.writeBytes32(ev.Owner)
			e.writeBytes32(ev.Nonce)
			e.writeU128(ev.Value)
			e.writeU64(ev.Time)
		}
	case SysDistributeReserve, SysPayBlockRewardsToTreasury:
		e.writeU128(t.Amount)
	case SysOverwriteParameters:
		e.writeU64(t.Params.NightDustRatio)
		e.writeU32(t.Params.GenerationDecayRate)
		e.writeU64(t.Params.DustGracePeriodSeconds)
	case SysDistributeNight:
		e.writeBytes([]byte(t.ClaimKind))
		e.writeU32(uint32(len(t.NightOutputs)))
		for _, o := range t.NightOutputs {
			e.writeBytes32(o.Owner)
			e.writeBytes32(o.TokenType)
			e.writeU128(o.Value)
		}
	case SysPayFromTreasuryShielded:
		e.writeBytes32(t.TokenType)
		e.writeBytes32(t.Nonce)
		e.writeU32(t.ShieldedLen)
	case SysPayFromTreasuryUnshielded:
		e.writeBytes32(t.TokenType)
		e.writeU32(uint32(len(t.Outputs)))
		for _, o := range t.Outputs {
			e.writeU128(o.Amount)
			e.writeBytes32(o.TargetAddress)
			e.writeBytes32(o.Nonce)
		}
	}
	return e.bytes()
}

// DecodeSystemTransaction parses a serialized system transaction.
func DecodeSystemTransaction(raw []byte) (*SystemTransaction, error) {
	d := newDecoder(raw)
	tag := d.readU8("format tag")
	if d.err == nil && tag != txFormatTag {
		return nil, newError(ErrDeserialize, "SystemTransaction", fmt.Errorf("unknown format tag %d", tag))
	}
	t := &SystemTransaction{Kind: SystemTxKind(d.readU8("kind"))}
	switch t.Kind {
	case SysCNightGeneratesDustUpdate:
		n := d.readU32("cnight events")
		for i := uint32(0); i < n && d.err == nil; i++ {
			t.CNightEvents = append(t.CNightEvents, CNightEvent{
				Action: CNightAction(d.readU8("cnight action")),
				Owner:  d.readBytes32("cnight owner"),
				Nonce:  d.readBytes32("cnight nonce"),
				Value:  d.readU128("cnight value"),
				Time:   d.readU64("cnight time"),
			})
		}
	case SysDistributeReserve, SysPayBlockRewardsToTreasury:
		t.Amount = d.readU128("amount")
	case SysOverwriteParameters:
		t.Params = &DustParameters{
			NightDustRatio:         d.readU64("dust params"),
			GenerationDecayRate:    d.readU32("dust params"),
			DustGracePeriodSeconds: d.readU64("dust params"),
		}
	case SysDistributeNight:
		t.ClaimKind = string(d.readBytes("claim kind"))
		n := d.readU32("night outputs")
		for i := uint32(0); i < n && d.err == nil; i++ {
			t.NightOutputs = append(t.NightOutputs, Output{
				Owner:     d.readBytes32("night output"),
				TokenType: d.readBytes32("night output"),
				Value:     d.readU128("night output"),
			})
		}
	case SysPayFromTreasuryShielded:
		t.TokenType = d.readBytes32("token type")
		t.Nonce = d.readBytes32("nonce")
		t.ShieldedLen = d.readU32("output count")
	case SysPayFromTreasuryUnshielded:
		t.TokenType = d.readBytes32("token type")
		n := d.readU32("outputs")
		for i := uint32(0); i < n && d.err == nil; i++ {
			t.Outputs = append(t.Outputs, OutputInstruction{
				Amount:        d.readU128("treasury output"),
				TargetAddress: d.readBytes32("treasury output"),
				Nonce:         d.readBytes32("treasury output"),
			})
		}
	default:
		return nil, newError(ErrDeserialize, "SystemTransaction", fmt.Errorf("unknown kind %d", t.Kind))
	}
	if d.err != nil {
		return nil, newError(ErrDeserialize, "SystemTransaction", d.err)
	}
	return t, nil
}

func (t *SystemTransaction) cost(params LedgerParameters, rawLen int) SyntheticCost {
	items := len(t.CNightEvents) + len(t.NightOutputs) + len(t.Outputs) + int(t.ShieldedLen)
	return SyntheticCost{
		ReadTime:     uint64(items) * 500,
		ComputeTime:  uint64(items)*1_000 + params.FeePrice,
		BlockUsage:   uint64(rawLen),
		BytesWritten: uint64(items) * 32,
	}
}
