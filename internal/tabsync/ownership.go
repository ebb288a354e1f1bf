package tabsync

import (
	"github.com/rs/zerolog"
)

// Partition splits a record batch into the caller's own records and everybody
// else's. Owned records are the only ones this instance may mutate; foreign
// records are carried through writes untouched.
type Partition struct {
	Owned   []QuickTabRecord
	Foreign []QuickTabRecord
}

// OwnershipFilter is the system's sole conflict-avoidance mechanism: writers
// only ever act on their own partition, so no merge logic exists. The cost is
// that records whose owner never returns stay orphaned; that limitation is
// accepted and logged rather than corrected.
type OwnershipFilter struct {
	log zerolog.Logger
}

func NewOwnershipFilter(log zerolog.Logger) *OwnershipFilter {
	return &OwnershipFilter{log: log.With().Str("component", "ownership").Logger()}
}

// FilterOwned partitions records against the caller's identity. A record is
// owned when its ownerId is nil (legacy, always writable) or when both the
// owner id and the scope match. A nil record scope matches any caller scope
// (legacy fallback). While identity is not ready the scope comparison fails
// closed: every scoped comparison reports mismatch so a half-initialized
// instance cannot perform wrongly-scoped writes.
func (f *OwnershipFilter) FilterOwned(records []QuickTabRecord, identity Identity) Partition {
	p := Partition{
		Owned:   make([]QuickTabRecord, 0, len(records)),
		Foreign: make([]QuickTabRecord, 0),
	}
	foreignOwners := 0
	for _, record := range records {
		if f.owns(record, identity) {
			p.Owned = append(p.Owned, record)
		} else {
			p.Foreign = append(p.Foreign, record)
			foreignOwners++
		}
	}
	if foreignOwners > 0 {
		f.log.Debug().
			Int("owned", len(p.Owned)).
			Int("foreign", foreignOwners).
			Str("instanceId", identity.InstanceID).
			Msg("partitioned records")
	}
	return p
}

func (f *OwnershipFilter) owns(record QuickTabRecord, identity Identity) bool {
	if record.OwnerID == nil {
		// Legacy record, writable by any instance. Deliberate, accepted
		// compatibility behavior.
		return true
	}
	if !identity.Ready() || identity.OwnerID == nil {
		return false
	}
	if *record.OwnerID != *identity.OwnerID {
		return false
	}
	return f.scopeMatches(record.ScopeID, identity)
}

func (f *OwnershipFilter) scopeMatches(recordScope *string, identity Identity) bool {
	if recordScope == nil {
		// Legacy global scope always matches.
		return true
	}
	if !identity.Ready() {
		return false
	}
	if identity.ScopeID == nil {
		return false
	}
	return *recordScope == *identity.ScopeID
}
