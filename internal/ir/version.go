package ir

// Version constants for the persisted record format.
const (
	// RecordVersion is the persisted receipt record format version.
	RecordVersion = "1"

	// LedgerVersion is the gov-os ledger version.
	LedgerVersion = "0.1.0"
)
