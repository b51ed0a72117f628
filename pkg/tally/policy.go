package tally

import "fmt"

// LedgerPolicy decides what happens to a vote once the session that cast
// it is gone.
type LedgerPolicy string

const (
	// PruneDisconnected removes votes whose identifier no longer belongs to
	// any registered session, on every disconnect and eviction.
	PruneDisconnected LedgerPolicy = "prune"

	// RetainUntilReplace keeps votes until the ballot is replaced.
	RetainUntilReplace LedgerPolicy = "retain"
)

// ParseLedgerPolicy parses a configuration value. The empty string selects
// PruneDisconnected.
func ParseLedgerPolicy(s string) (LedgerPolicy, error) {
	switch LedgerPolicy(s) {
	case "", PruneDisconnected:
		return PruneDisconnected, nil
	case RetainUntilReplace:
		return RetainUntilReplace, nil
	default:
		return "", fmt.Errorf("tally: unknown ledger policy %q", s)
	}
}

// PrunesOnDisconnect reports whether orphaned votes are dropped.
func (p LedgerPolicy) PrunesOnDisconnect() bool {
	return p != RetainUntilReplace
}

func (p LedgerPolicy) String() string {
	if p == "" {
		return string(PruneDisconnected)
	}
	return string(p)
}
