package ledger

// ResultStatus classifies the outcome of applying a regular transaction.
type ResultStatus uint8

const (
	ResultSuccess ResultStatus = iota
	ResultPartialSuccess
	ResultFailure
)

func (s ResultStatus) String() string {
	switch s {
	case ResultSuccess:
		return "Success"
	case ResultPartialSuccess:
		return "PartialSuccess"
	case ResultFailure:
		return "Failure"
	default:
		return "Unknown"
	}
}

func (s ResultStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *ResultStatus) UnmarshalText(text []byte) error {
	switch string(text) {
	case "PartialSuccess":
		*s = ResultPartialSuccess
	case "Failure":
		*s = ResultFailure
	default:
		*s = ResultSuccess
	}
	return nil
}

// SegmentResult is the outcome of one fallible segment.
type SegmentResult struct {
	ID      uint16 `json:"id"`
	Success bool   `json:"success"`
}

// TransactionResult is the stored transaction outcome. Segments is only
// populated for partial successes.
type TransactionResult struct {
	Status   ResultStatus    `json:"status"`
	Segments []SegmentResult `json:"segments,omitempty"`
}

// UnshieldedUtxo is an unshielded UTXO derived while applying a transaction.
// Its unique name is the (intent hash, output index) pair.
type UnshieldedUtxo struct {
	Owner                       Bytes32
	TokenType                   Bytes32
	Value                       Uint128
	IntentHash                  Bytes32
	OutputIndex                 uint32
	Ctime                       *uint64
	InitialNonce                Bytes32
	RegisteredForDustGeneration bool
}

// RegularOutcome is what applying a regular transaction yields.
type RegularOutcome struct {
	TransactionResult     TransactionResult
	CreatedUnshieldedUtxos []UnshieldedUtxo
	SpentUnshieldedUtxos   []UnshieldedUtxo
	LedgerEvents          []Event
}

// SystemMetadata is derived bookkeeping data of a system transaction.
type SystemMetadata struct {
	ReserveDistribution       *Uint128
	ParameterUpdate           []byte
	NightDistributionKind     string
	NightDistribution         []byte
	TreasuryIncome            *Uint128
	TreasuryIncomeSource      string
	TreasuryPaymentShielded   []byte
	TreasuryPaymentUnshielded []byte
}

// SystemOutcome is what applying a system transaction yields.
type SystemOutcome struct {
	CreatedUnshieldedUtxos []UnshieldedUtxo
	LedgerEvents           []Event
	Metadata               SystemMetadata
}
