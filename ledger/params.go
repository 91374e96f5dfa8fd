package ledger

// LedgerParameters are the runtime-adjustable parameters of the ledger:
// per-block limits, the fee price and the DUST parameters. The post-block
// update may adjust the fee price based on block fullness.
type LedgerParameters struct {
	BlockLimits SyntheticCost
	// FeePrice is the cost-unit price in atomic token units.
	FeePrice uint64
	Dust     DustParameters
}

// InitialParameters is the parameter set a fresh ledger state starts with.
func InitialParameters() LedgerParameters {
	return LedgerParameters{
		BlockLimits: SyntheticCost{
			ReadTime:     50_000_000,
			ComputeTime:  50_000_000,
			BlockUsage:   4 << 20,
			BytesWritten: 2 << 20,
			BytesChurned: 2 << 20,
		},
		FeePrice: 100,
		Dust:     defaultDustParameters(),
	}
}

// Serialize encodes the parameters for storage in the block row.
func (p LedgerParameters) Serialize() []byte {
	e := newEncoder()
	e.writeU64(p.BlockLimits.ReadTime)
	e.writeU64(p.BlockLimits.ComputeTime)
	e.writeU64(p.BlockLimits.BlockUsage)
	e.writeU64(p.BlockLimits.BytesWritten)
	e.writeU64(p.BlockLimits.BytesChurned)
	e.writeU64(p.FeePrice)
	e.writeU64(p.Dust.NightDustRatio)
	e.writeU32(p.Dust.GenerationDecayRate)
	e.writeU64(p.Dust.DustGracePeriodSeconds)
	return e.bytes()
}

// DeserializeParameters is the inverse of Serialize.
func DeserializeParameters(raw []byte) (LedgerParameters, error) {
	d := newDecoder(raw)
	p := LedgerParameters{
		BlockLimits: SyntheticCost{
			ReadTime:     d.readU64("block limits"),
			ComputeTime:  d.readU64("block limits"),
			BlockUsage:   d.readU64("block limits"),
			BytesWritten: d.readU64("block limits"),
			BytesChurned: d.readU64("block limits"),
		},
		FeePrice: d.readU64("fee price"),
		Dust: DustParameters{
			NightDustRatio:         d.readU64("dust params"),
			GenerationDecayRate:    d.readU32("dust params"),
			DustGracePeriodSeconds: d.readU64("dust params"),
		},
	}
	if d.err != nil {
		return LedgerParameters{}, newError(ErrDeserialize, "LedgerParameters", d.err)
	}
	return p, nil
}

func (p LedgerParameters) encode(e *encoder) {
	e.writeBytes(p.Serialize())
}

func decodeParameters(d *decoder) LedgerParameters {
	raw := d.readBytes("ledger parameters")
	if d.err != nil {
		return LedgerParameters{}
	}
	p, err := DeserializeParameters(raw)
	if err != nil {
		d.fail("ledger parameters")
		return LedgerParameters{}
	}
	return p
}
