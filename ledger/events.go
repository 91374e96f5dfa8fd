package ledger

// EventKind tags a ledger event produced by applying a transaction.
type EventKind uint8

const (
	EventZswapInput EventKind = iota
	EventZswapOutput
	EventParamChange
	EventDustInitialUtxo
	EventDustGenerationDtimeUpdate
	EventDustSpendProcessed
	EventContractDeploy
	EventContractLog
)

func (k EventKind) String() string {
	switch k {
	case EventZswapInput:
		return "ZswapInput"
	case EventZswapOutput:
		return "ZswapOutput"
	case EventParamChange:
		return "ParamChange"
	case EventDustInitialUtxo:
		return "DustInitialUtxo"
	case EventDustGenerationDtimeUpdate:
		return "DustGenerationDtimeUpdate"
	case EventDustSpendProcessed:
		return "DustSpendProcessed"
	case EventContractDeploy:
		return "ContractDeploy"
	case EventContractLog:
		return "ContractLog"
	default:
		return "Unknown"
	}
}

// Event is one ledger event with its serialized form and, for DUST events,
// the decoded payload. Contract deploy/log events carry only Raw.
type Event struct {
	Kind EventKind
	Raw  []byte
	// Segment the event was produced in: 0 for the guaranteed phase, the
	// fallible segment id otherwise. System transactions number their
	// events sequentially.
	Segment uint16

	// EventDustInitialUtxo
	Output          *QualifiedDustOutput
	Generation      *DustGenerationInfo
	GenerationIndex uint64

	// EventDustGenerationDtimeUpdate
	MerklePath []PathEntry

	// EventDustSpendProcessed
	Commitment      Bytes32
	CommitmentIndex uint64
	Nullifier       Bytes32
	VFee            Uint128
	Time            uint64
	Params          *DustParameters
}

// DustEventDetails is the storage-facing payload of a DUST event.
type DustEventDetails struct {
	Kind EventKind `json:"kind"`

	Output          *QualifiedDustOutput `json:"output,omitempty"`
	Generation      *DustGenerationInfo  `json:"generation,omitempty"`
	GenerationIndex uint64               `json:"generation_index,omitempty"`
	MerklePath      []PathEntry          `json:"merkle_path,omitempty"`

	Commitment      *Bytes32        `json:"commitment,omitempty"`
	CommitmentIndex uint64          `json:"commitment_index,omitempty"`
	Nullifier       *Bytes32        `json:"nullifier,omitempty"`
	VFee            *Uint128        `json:"v_fee,omitempty"`
	Time            uint64          `json:"time,omitempty"`
	Params          *DustParameters `json:"params,omitempty"`
}

// DustEvent is a DUST event attributed to a transaction and segment pair, as
// persisted in the dust_events table.
type DustEvent struct {
	TransactionHash Bytes32
	LogicalSegment  uint16
	PhysicalSegment uint16
	Details         DustEventDetails
}

// DustEventsOf filters and converts the DUST subset of ledger events,
// attributing each to its segment.
func DustEventsOf(events []Event, txHash Bytes32) []DustEvent {
	var out []DustEvent
	for _, ev := range events {
		details, ok := DustDetails(ev)
		if !ok {
			continue
		}
		out = append(out, DustEvent{
			TransactionHash: txHash,
			LogicalSegment:  ev.Segment,
			PhysicalSegment: ev.Segment,
			Details:         details,
		})
	}
	return out
}

// DustDetails extracts the storage-facing payload of a DUST event; ok is
// false for non-DUST events.
func DustDetails(ev Event) (DustEventDetails, bool) {
	switch ev.Kind {
	case EventDustInitialUtxo:
		return DustEventDetails{
			Kind:            ev.Kind,
			Output:          ev.Output,
			Generation:      ev.Generation,
			GenerationIndex: ev.GenerationIndex,
		}, true
	case EventDustGenerationDtimeUpdate:
		return DustEventDetails{
			Kind:            ev.Kind,
			Generation:      ev.Generation,
			GenerationIndex: ev.GenerationIndex,
			MerklePath:      ev.MerklePath,
		}, true
	case EventDustSpendProcessed:
		commitment := ev.Commitment
		nullifier := ev.Nullifier
		vFee := ev.VFee
		return DustEventDetails{
			Kind:            ev.Kind,
			Commitment:      &commitment,
			CommitmentIndex: ev.CommitmentIndex,
			Nullifier:       &nullifier,
			VFee:            &vFee,
			Time:            ev.Time,
			Params:          ev.Params,
		}, true
	default:
		return DustEventDetails{}, false
	}
}
