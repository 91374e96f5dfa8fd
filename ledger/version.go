package ledger

import "fmt"

// ProtocolVersion is the chain protocol version as carried in block digests.
// The encoding is major*1000 + minor*10 + patch, e.g. 7000 for 7.0.0.
type ProtocolVersion uint32

func (v ProtocolVersion) Major() uint32 {
	return uint32(v) / 1_000
}

func (v ProtocolVersion) Minor() uint32 {
	return uint32(v) % 1_000 / 10
}

// IsCompatible reports whether two protocol versions share the same
// major/minor pair, i.e. the same runtime metadata can decode both.
func (v ProtocolVersion) IsCompatible(other ProtocolVersion) bool {
	return v.Major() == other.Major() && v.Minor() == other.Minor()
}

func (v ProtocolVersion) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major(), v.Minor(), uint32(v)%10)
}

// LedgerVersion is the ledger state schema version. Protocol versions map
// onto ledger versions; upgrades are one-way.
type LedgerVersion uint8

const (
	LedgerV7 LedgerVersion = 7
	LedgerV8 LedgerVersion = 8
)

func (v LedgerVersion) String() string {
	return fmt.Sprintf("V%d", uint8(v))
}

// LedgerVersionFor maps a protocol version onto the ledger schema that
// understands it.
func LedgerVersionFor(pv ProtocolVersion) (LedgerVersion, error) {
	switch pv.Major() {
	case 7:
		return LedgerV7, nil
	case 8:
		return LedgerV8, nil
	default:
		return 0, newError(ErrUnsupportedVersion, pv.String(), nil)
	}
}
