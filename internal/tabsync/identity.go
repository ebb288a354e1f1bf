package tabsync

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// IdentityState tracks how far identity resolution has progressed. Write-path
// decisions fail closed while INITIALIZING rather than guess.
type IdentityState string

const (
	IdentityInitializing   IdentityState = "INITIALIZING"
	IdentityReady          IdentityState = "READY"
	IdentityLegacyFallback IdentityState = "LEGACY_FALLBACK"
)

// Identity is one instance's resolved identity. InstanceID is fixed for the
// process lifetime; OwnerID and ScopeID arrive asynchronously after start-up.
type Identity struct {
	InstanceID string
	OwnerID    *int64
	ScopeID    *string
	State      IdentityState
}

func (id Identity) Ready() bool {
	return id.State == IdentityReady || id.State == IdentityLegacyFallback
}

// IdentityResolver resolves (ownerId, scopeId) out-of-band and lets callers
// suspend until resolution. Once OwnerID is set it never changes.
type IdentityResolver struct {
	mu       sync.Mutex
	identity Identity
	ready    chan struct{}
	log      zerolog.Logger
}

func NewIdentityResolver(log zerolog.Logger) *IdentityResolver {
	return &IdentityResolver{
		identity: Identity{
			InstanceID: uuid.NewString(),
			State:      IdentityInitializing,
		},
		ready: make(chan struct{}),
		log:   log.With().Str("component", "identity").Logger(),
	}
}

// SetIdentity records the resolved owner and scope. A repeat call with a
// different owner id is ignored and logged; the first resolution wins.
func (r *IdentityResolver) SetIdentity(ownerID int64, scopeID *string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.identity.Ready() {
		if r.identity.OwnerID != nil && *r.identity.OwnerID != ownerID {
			r.log.Warn().
				Int64("currentOwnerId", *r.identity.OwnerID).
				Int64("rejectedOwnerId", ownerID).
				Msg("ignoring repeat identity resolution with different owner")
		}
		return
	}
	owner := ownerID
	r.identity.OwnerID = &owner
	r.identity.ScopeID = scopeID
	previous := r.identity.State
	if scopeID == nil {
		r.identity.State = IdentityLegacyFallback
	} else {
		r.identity.State = IdentityReady
	}
	r.log.Info().
		Str("from", string(previous)).
		Str("to", string(r.identity.State)).
		Int64("ownerId", ownerID).
		Msg("identity state changed")
	close(r.ready)
}

// MarkLegacyFallback resolves the instance without a scope when scope
// determination failed. The instance stays writable for legacy records only
// until a real resolution would have arrived; owner id remains unset.
func (r *IdentityResolver) MarkLegacyFallback() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.identity.Ready() {
		return
	}
	previous := r.identity.State
	r.identity.State = IdentityLegacyFallback
	r.log.Warn().
		Str("from", string(previous)).
		Str("to", string(IdentityLegacyFallback)).
		Msg("identity state changed: scope could not be determined")
	close(r.ready)
}

// WaitForIdentity suspends until identity is resolved or ctx expires. On
// timeout it returns the best-effort partial identity with ready=false.
func (r *IdentityResolver) WaitForIdentity(ctx context.Context) (Identity, bool) {
	select {
	case <-r.ready:
	case <-ctx.Done():
		return r.Identity(), false
	}
	id := r.Identity()
	return id, id.Ready()
}

func (r *IdentityResolver) Identity() Identity {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.identity
	if r.identity.OwnerID != nil {
		owner := *r.identity.OwnerID
		id.OwnerID = &owner
	}
	if r.identity.ScopeID != nil {
		scope := *r.identity.ScopeID
		id.ScopeID = &scope
	}
	return id
}

func (r *IdentityResolver) IsReady() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.identity.Ready()
}
