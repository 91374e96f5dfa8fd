package storage

import (
	"github.com/containerman17/midnight-indexer/ledger"
)

// dustWrites are the backend-neutral row operations derived from the DUST
// events of one transaction.
type dustWrites struct {
	generations  []DustGenerationRow
	utxos        []DustUtxoRow
	dtimeUpdates []dustDtimeUpdate
	spends       []dustSpendMark
}

type dustDtimeUpdate struct {
	merkleIndex uint64
	dtime       uint64
}

type dustSpendMark struct {
	commitment    ledger.Bytes32
	nullifier     ledger.Bytes32
	transactionID int64
}

// deriveDustWrites turns the DUST events of a stored transaction into row
// operations. The generation-info insert treats both dtime conventions as
// "ongoing": the zero placeholder and the u64 max sentinel map to NULL.
func deriveDustWrites(events []ledger.DustEvent, transactionID int64) dustWrites {
	var w dustWrites
	for _, event := range events {
		switch event.Details.Kind {
		case ledger.EventDustInitialUtxo:
			output := event.Details.Output
			generation := event.Details.Generation
			if output == nil || generation == nil {
				continue
			}
			var dtime *uint64
			if generation.Dtime != 0 && generation.Dtime != ledger.DtimeUnspent {
				d := generation.Dtime
				dtime = &d
			}
			w.generations = append(w.generations, DustGenerationRow{
				Value:       generation.Value,
				Owner:       generation.Owner,
				Nonce:       generation.Nonce,
				Ctime:       generation.Ctime,
				Dtime:       dtime,
				MerkleIndex: event.Details.GenerationIndex,
			})
			generationID := int64(event.Details.GenerationIndex)
			// The commitment is pending ledger integration; the output nonce
			// stands in for it.
			w.utxos = append(w.utxos, DustUtxoRow{
				Commitment:       output.Nonce,
				InitialValue:     output.InitialValue,
				Owner:            output.Owner,
				Nonce:            output.Nonce,
				Seq:              output.Seq,
				Ctime:            output.Ctime,
				GenerationInfoID: &generationID,
			})

		case ledger.EventDustGenerationDtimeUpdate:
			generation := event.Details.Generation
			if generation == nil {
				continue
			}
			w.dtimeUpdates = append(w.dtimeUpdates, dustDtimeUpdate{
				merkleIndex: event.Details.GenerationIndex,
				dtime:       generation.Dtime,
			})

		case ledger.EventDustSpendProcessed:
			if event.Details.Commitment == nil || event.Details.Nullifier == nil {
				continue
			}
			if event.Details.Commitment.IsZero() {
				// cNIGHT destroy placeholders carry no commitment.
				continue
			}
			w.spends = append(w.spends, dustSpendMark{
				commitment:    *event.Details.Commitment,
				nullifier:     *event.Details.Nullifier,
				transactionID: transactionID,
			})
		}
	}
	return w
}

// dustEventType is the event_type column value.
func dustEventType(kind ledger.EventKind) string {
	switch kind {
	case ledger.EventDustInitialUtxo:
		return "DustInitialUtxo"
	case ledger.EventDustGenerationDtimeUpdate:
		return "DustGenerationDtimeUpdate"
	case ledger.EventDustSpendProcessed:
		return "DustSpendProcessed"
	default:
		return "Unknown"
	}
}
