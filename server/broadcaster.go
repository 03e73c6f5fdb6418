/******************************************************************************
 *
 *  Description :
 *
 *    Per-subscriber device change-feed fan-out, modeled on a ring-buffer
 *    event broker: each subscriber gets its own backend watch cursor
 *    filtered to what it is allowed to see, and is force-closed the
 *    instant its visibility scope could have changed.
 *
 *****************************************************************************/

package main

import (
	"context"
	"log"
	"sync"

	"github.com/fleetdesk/broker/server/authz"
	"github.com/fleetdesk/broker/server/store"
	"github.com/fleetdesk/broker/server/store/adapter"
)

// ChangeEvent is one device mutation delivered to a subscriber, shaped
// per spec.md §6: an "insert" or "update" tag plus the device record.
// Deletes never occur for devices (a device is only ever drained to an
// empty Sources map, never removed), but if the backend ever reports
// one it is rendered as an update carrying the last known record, per
// spec.md §4.6's "draining shape" note.
type ChangeEvent struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

func renderChangeEvent(c adapter.DeviceChange) ChangeEvent {
	ev := "update"
	if c.Kind == adapter.ChangeInsert {
		ev = "insert"
	}
	data := c.New
	if data == nil {
		data = c.Old
	}
	return ChangeEvent{Event: ev, Data: data}
}

// Subscription is a single client's filtered view onto the device
// change-feed, analogous to an event broker's per-token subscription.
type Subscription struct {
	Events chan ChangeEvent

	cancel context.CancelFunc
}

// Close ends the subscription and releases its backend watch cursor.
func (s *Subscription) Close() {
	s.cancel()
}

// ChangeBroadcaster owns the registry of live subscriptions so an
// access-revocation event (email removed from a group, say) can force-
// close every subscription whose scope might now be stale.
type ChangeBroadcaster struct {
	mu   sync.Mutex
	subs map[*Subscription]authz.Principal
}

// NewChangeBroadcaster constructs an empty broadcaster.
func NewChangeBroadcaster() *ChangeBroadcaster {
	return &ChangeBroadcaster{subs: make(map[*Subscription]authz.Principal)}
}

// Subscribe opens a new filtered device watch for principal p, valid
// until ctx is cancelled or Close is called on the returned Subscription.
func (b *ChangeBroadcaster) Subscribe(ctx context.Context, p authz.Principal) (*Subscription, error) {
	watchCtx, cancel := context.WithCancel(ctx)

	raw, err := store.Devices.Watch(watchCtx, authz.Scope(p))
	if err != nil {
		cancel()
		return nil, err
	}

	sub := &Subscription{
		Events: make(chan ChangeEvent, 32),
		cancel: cancel,
	}

	b.mu.Lock()
	b.subs[sub] = p
	b.mu.Unlock()

	go func() {
		defer func() {
			b.mu.Lock()
			delete(b.subs, sub)
			b.mu.Unlock()
			close(sub.Events)
		}()
		for change := range raw {
			select {
			case sub.Events <- renderChangeEvent(change):
			case <-watchCtx.Done():
				return
			default:
				log.Printf("broadcaster: subscriber queue full, dropping event for %s", udidOf(change))
			}
		}
	}()

	return sub, nil
}

func udidOf(c adapter.DeviceChange) string {
	if c.New != nil {
		return c.New.Udid
	}
	if c.Old != nil {
		return c.Old.Udid
	}
	return ""
}

// RevokeEmail force-closes every live subscription belonging to email,
// so a group-membership change is reflected in what that user's open
// change-feed connection can still see, rather than leaking a view
// already stale the moment access was revoked.
func (b *ChangeBroadcaster) RevokeEmail(email string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub, p := range b.subs {
		if p.Email == email {
			sub.Close()
		}
	}
}
