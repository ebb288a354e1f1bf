package tabsync

import (
	"sync"

	"github.com/rs/zerolog"
)

// SelfWriteSuppressor decides whether an incoming change notification is an
// echo of a write this process itself performed. The store delivers every
// write back to its writer, so without suppression each instance would react
// to its own writes and loop.
type SelfWriteSuppressor struct {
	mu            sync.Mutex
	lastCompleted string
	suppressed    uint64
	log           zerolog.Logger
}

func NewSelfWriteSuppressor(log zerolog.Logger) *SelfWriteSuppressor {
	return &SelfWriteSuppressor{log: log.With().Str("component", "selfwrite").Logger()}
}

// RecordCompleted stores the transaction id of the last write this process
// finished. It is the highest-confidence self-write signal.
func (s *SelfWriteSuppressor) RecordCompleted(transactionID string) {
	if transactionID == "" {
		return
	}
	s.mu.Lock()
	s.lastCompleted = transactionID
	s.mu.Unlock()
}

// IsSelfWrite evaluates an ordered fallback chain: transaction id first,
// then writer instance id, then writer owner id. The first positive match
// wins. When the heuristics disagree the disagreement is logged but the
// priority order still decides the outcome.
func (s *SelfWriteSuppressor) IsSelfWrite(doc *StateDocument, identity Identity) bool {
	if doc == nil {
		return false
	}
	s.mu.Lock()
	lastCompleted := s.lastCompleted
	s.mu.Unlock()

	txnMatch := lastCompleted != "" && doc.TransactionID == lastCompleted
	instanceMatch := doc.WriterInstanceID != "" && doc.WriterInstanceID == identity.InstanceID
	ownerMatch := doc.WriterOwnerID != nil && identity.OwnerID != nil && *doc.WriterOwnerID == *identity.OwnerID

	match := txnMatch || instanceMatch || ownerMatch
	if match && !(txnMatch && instanceMatch && ownerMatch) {
		s.log.Debug().
			Bool("transactionMatch", txnMatch).
			Bool("instanceMatch", instanceMatch).
			Bool("ownerMatch", ownerMatch).
			Str("transactionId", doc.TransactionID).
			Msg("self-write heuristics disagree; priority order decides")
	}
	if match {
		s.mu.Lock()
		s.suppressed++
		s.mu.Unlock()
	}
	return match
}

// SuppressedCount reports how many notifications were dropped as echoes.
func (s *SelfWriteSuppressor) SuppressedCount() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.suppressed
}
