/******************************************************************************
 *
 *  Description :
 *
 *    Process-wide mapping from provider id to its live WebSocket
 *    session, the only channel through which the coordinator reaches
 *    back into a provider without holding a reference to it directly.
 *
 *****************************************************************************/

package main

import (
	"errors"
	"sync"
)

// ProviderRegistry tracks every connected provider session, the same
// sync.Map-of-live-entities shape the source hub uses for topics, keyed
// here by provider id instead of topic name.
type ProviderRegistry struct {
	sessions sync.Map // providerID -> *ProviderSession
}

// NewProviderRegistry constructs an empty registry.
func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{}
}

// Put registers a session under its provider id, replacing and
// terminating any prior session registered under that same id.
// Provider ids are minted fresh per connection at handshake, so a
// reconnecting provider registers under a new id alongside the old one
// until the old session's cleanUp removes it.
func (r *ProviderRegistry) Put(providerID string, s *ProviderSession) {
	if old, ok := r.sessions.Swap(providerID, s); ok {
		old.(*ProviderSession).terminate()
	}
	metricProvidersConnected.Set(float64(r.count()))
}

func (r *ProviderRegistry) count() int {
	n := 0
	r.sessions.Range(func(_, _ interface{}) bool { n++; return true })
	return n
}

// Remove drops a session only if it is still the one on file, so a
// superseded session's own cleanup doesn't clobber its successor.
func (r *ProviderRegistry) Remove(providerID string, s *ProviderSession) {
	if cur, ok := r.sessions.Load(providerID); ok && cur.(*ProviderSession) == s {
		r.sessions.Delete(providerID)
		metricProvidersConnected.Set(float64(r.count()))
	}
}

// Release asks providerID's session to relinquish udid, breaking the
// cyclic reference between DeviceCoordinator and ProviderSession that a
// direct struct pointer would create: the coordinator knows a provider
// id, never a *ProviderSession. This is the only method the coordinator
// calls on the provider layer (spec.md §9).
func (r *ProviderRegistry) Release(providerID, udid string) error {
	v, ok := r.sessions.Load(providerID)
	if !ok {
		return errors.New("provider_registry: no live provider " + providerID)
	}
	return v.(*ProviderSession).sendRelease(udid)
}
