package ledger

// SyntheticCost is the multi-dimensional cost of applying a transaction.
// Block fullness is the running sum over a block.
type SyntheticCost struct {
	ReadTime     uint64
	ComputeTime  uint64
	BlockUsage   uint64
	BytesWritten uint64
	BytesChurned uint64
}

func (c SyntheticCost) Add(other SyntheticCost) SyntheticCost {
	return SyntheticCost{
		ReadTime:     c.ReadTime + other.ReadTime,
		ComputeTime:  c.ComputeTime + other.ComputeTime,
		BlockUsage:   c.BlockUsage + other.BlockUsage,
		BytesWritten: c.BytesWritten + other.BytesWritten,
		BytesChurned: c.BytesChurned + other.BytesChurned,
	}
}

// NormalizedCost is a SyntheticCost expressed as parts-per-billion of the
// block limits. Fixed point keeps re-execution deterministic across hosts.
type NormalizedCost struct {
	ReadTime     uint64
	ComputeTime  uint64
	BlockUsage   uint64
	BytesWritten uint64
	BytesChurned uint64
}

const fixedPointScale = 1_000_000_000

// Normalize divides each dimension by the corresponding limit. A zero limit
// normalizes to zero, matching a disabled dimension.
func (c SyntheticCost) Normalize(limits SyntheticCost) NormalizedCost {
	norm := func(v, limit uint64) uint64 {
		if limit == 0 {
			return 0
		}
		return v * fixedPointScale / limit
	}
	return NormalizedCost{
		ReadTime:     norm(c.ReadTime, limits.ReadTime),
		ComputeTime:  norm(c.ComputeTime, limits.ComputeTime),
		BlockUsage:   norm(c.BlockUsage, limits.BlockUsage),
		BytesWritten: norm(c.BytesWritten, limits.BytesWritten),
		BytesChurned: norm(c.BytesChurned, limits.BytesChurned),
	}
}

// Overall is the max over the normalized dimensions.
func (n NormalizedCost) Overall() uint64 {
	overall := n.ReadTime
	for _, v := range []uint64{n.ComputeTime, n.BlockUsage, n.BytesWritten, n.BytesChurned} {
		if v > overall {
			overall = v
		}
	}
	return overall
}
