/******************************************************************************
 *
 *  Description :
 *
 *    Own the authoritative acquire/release/activate/idle-timeout/
 *    cool-down state machine for every device, and the idle watchers
 *    that enforce it.
 *
 *****************************************************************************/

package main

import (
	"errors"
	"expvar"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/fleetdesk/broker/server/store"
	t "github.com/fleetdesk/broker/server/store/types"
)

// acquireReq asks the coordinator to lease a device to a user.
type acquireReq struct {
	udid        string
	email       string
	idleTimeout int
	resp        chan error
}

// releaseReq asks the coordinator to end a user's lease.
type releaseReq struct {
	udid  string
	email string
	resp  chan error
}

// activateLeaseReq bumps a lease's LastActivatedAt, deferring its idle
// timeout (spec.md §4.5's Activation API).
type activateLeaseReq struct {
	udid  string
	email string
	resp  chan error
}

// presenceReq is sent by a ProviderSession after it adds or drops its
// source for a device, so the coordinator can cancel a stale idle watch
// once a device goes ABSENT out from under a lease.
type presenceReq struct {
	udid    string
	present bool
}

// leaseWatch tracks the idle-timeout goroutine for one active lease.
// The goroutine is pinned to the usingBeganAt value (its epoch) it was
// started for; if the device is re-acquired before the watcher fires, the epoch
// mismatch makes the stale watcher a no-op, the same defense the
// source repo's per-topic goroutines use against a reg/unreg race.
type leaseWatch struct {
	cancel chan struct{}
}

// Coordinator is the single authority for device lease transitions. One
// long-lived goroutine (run) serializes all state changes; callers never
// touch the Store directly for acquire/release/activate.
type Coordinator struct {
	acquire       chan *acquireReq
	release       chan *releaseReq
	activateLease chan *activateLeaseReq
	presence      chan *presenceReq
	shutdown      chan chan<- bool

	watches map[string]*leaseWatch
	mu      sync.Mutex

	defaultIdleTimeout time.Duration
	coldownGrace       time.Duration
	httpClient         *http.Client

	broadcaster *ChangeBroadcaster
	registry    *ProviderRegistry

	leasesLive *expvar.Int
}

var (
	// ErrNotFound is returned when the target device does not exist.
	ErrNotFound = errors.New("coordinator: device not found")
	// ErrAbsent is returned when acquire targets a device with no live source.
	ErrAbsent = errors.New("coordinator: device has no active source")
	// ErrBusy is returned when acquire targets a device already leased.
	ErrBusy = errors.New("coordinator: device already in use")
	// ErrColding is returned when acquire targets a device cooling down.
	ErrColding = errors.New("coordinator: device is cooling down")
	// ErrNotHolder is returned when release/activate is attempted by a
	// caller who does not hold the device's current lease.
	ErrNotHolder = errors.New("coordinator: caller does not hold the lease")
)

// NewCoordinator starts the coordinator's run loop.
func NewCoordinator(defaultIdleTimeout, coldownGrace time.Duration, b *ChangeBroadcaster, r *ProviderRegistry) *Coordinator {
	c := &Coordinator{
		acquire:            make(chan *acquireReq),
		release:            make(chan *releaseReq),
		activateLease:      make(chan *activateLeaseReq),
		presence:           make(chan *presenceReq, 128),
		shutdown:           make(chan chan<- bool),
		watches:            make(map[string]*leaseWatch),
		defaultIdleTimeout: defaultIdleTimeout,
		coldownGrace:       coldownGrace,
		httpClient:         &http.Client{Timeout: 10 * time.Second},
		broadcaster:        b,
		registry:           r,
		leasesLive:         new(expvar.Int),
	}
	if expvar.Get("LiveLeases") == nil {
		expvar.Publish("LiveLeases", c.leasesLive)
	}
	go c.run()
	return c
}

func (c *Coordinator) run() {
	for {
		select {
		case req := <-c.acquire:
			req.resp <- c.doAcquire(req.udid, req.email, req.idleTimeout)

		case req := <-c.release:
			req.resp <- c.doRelease(req.udid, req.email)

		case req := <-c.activateLease:
			req.resp <- c.doActivate(req.udid, req.email)

		case p := <-c.presence:
			if !p.present {
				// A provider dropping one of several sources leaves the
				// device present; only cancel once no source is left.
				if d, err := store.Devices.Get(p.udid); err == nil && (d == nil || len(d.Sources) == 0) {
					c.cancelWatch(p.udid)
				}
			}

		case done := <-c.shutdown:
			c.mu.Lock()
			for udid := range c.watches {
				c.cancelWatchLocked(udid)
			}
			c.mu.Unlock()
			done <- true
			return
		}
	}
}

// Acquire leases udid to email, failing if absent, in use, or cooling
// down. idleTimeout of 0 selects the coordinator's configured default.
func (c *Coordinator) Acquire(udid, email string, idleTimeout int) error {
	resp := make(chan error, 1)
	c.acquire <- &acquireReq{udid: udid, email: email, idleTimeout: idleTimeout, resp: resp}
	return <-resp
}

// Release ends email's lease on udid and starts the cool-down window.
func (c *Coordinator) Release(udid, email string) error {
	resp := make(chan error, 1)
	c.release <- &releaseReq{udid: udid, email: email, resp: resp}
	return <-resp
}

// Activate refreshes email's lease's LastActivatedAt, deferring the
// idle-timeout watcher. It is safe to call at arbitrary frequency.
func (c *Coordinator) Activate(udid, email string) error {
	resp := make(chan error, 1)
	c.activateLease <- &activateLeaseReq{udid: udid, email: email, resp: resp}
	return <-resp
}

// NotifyPresence tells the coordinator a device's source set changed.
// present=false cancels any idle watcher still running for it once the
// device has no source left.
func (c *Coordinator) NotifyPresence(udid string, present bool) {
	c.presence <- &presenceReq{udid: udid, present: present}
}

func (c *Coordinator) doAcquire(udid, email string, idleTimeout int) error {
	d, err := store.Devices.Get(udid)
	if err != nil {
		return err
	}
	if d == nil {
		return ErrNotFound
	}
	if len(d.Sources) == 0 {
		return ErrAbsent
	}
	if d.Colding {
		return ErrColding
	}
	if d.Using {
		if d.UsingBy == email {
			return nil // busy-by-self: idempotent
		}
		return ErrBusy
	}

	began := time.Now().UTC()
	idle := idleTimeout
	if idle <= 0 {
		idle = d.IdleTimeout
	}
	if idle <= 0 {
		idle = int(c.defaultIdleTimeout / time.Second)
	}
	update := map[string]interface{}{
		"using":           true,
		"usingBy":         email,
		"usingBeganAt":    began,
		"lastActivatedAt": began,
		"idleTimeout":     idle,
		"colding":         false,
	}
	replaced, err := store.Devices.ConditionalUpdate(udid, func(cur *t.Device) bool {
		return len(cur.Sources) > 0 && !cur.Using && !cur.Colding
	}, update)
	if err != nil {
		return err
	}
	if !replaced {
		return ErrBusy
	}

	c.leasesLive.Add(1)
	metricLeasesActive.Set(float64(c.leasesLive.Value()))
	c.armIdleWatch(udid, began, time.Duration(idle)*time.Second)
	return nil
}

// doActivate only updates LastActivatedAt, and only when email is the
// current lessee (spec.md §4.5's Activation API).
func (c *Coordinator) doActivate(udid, email string) error {
	d, err := store.Devices.Get(udid)
	if err != nil {
		return err
	}
	if d == nil {
		return ErrNotFound
	}
	if !d.Using || d.UsingBy != email {
		return ErrNotHolder
	}
	return store.Devices.Update(udid, map[string]interface{}{"lastActivatedAt": time.Now().UTC()})
}

func (c *Coordinator) doRelease(udid, email string) error {
	d, err := store.Devices.Get(udid)
	if err != nil {
		return err
	}
	if d == nil {
		return ErrNotFound
	}
	if !d.Using {
		return nil // idempotent: spec.md §7 ReleaseError.not-using reports success
	}
	if d.UsingBy != email {
		return ErrNotHolder
	}

	began := d.UsingBeganAt
	elapsed := time.Since(began)
	update := map[string]interface{}{
		"using":         false,
		"usingBy":       "",
		"colding":       true,
		"usingDuration": d.UsingDuration + elapsed,
	}
	replaced, err := store.Devices.ConditionalUpdate(udid, func(cur *t.Device) bool {
		return cur.Using && cur.UsingBy == email && cur.UsingBeganAt.Equal(began)
	}, update)
	if err != nil {
		return err
	}
	if !replaced {
		return ErrNotHolder
	}

	c.leasesLive.Add(-1)
	metricLeasesActive.Set(float64(c.leasesLive.Value()))
	c.cancelWatch(udid)

	best := bestSource(d.Sources)
	if best == nil {
		// Device went absent out from under the lease: nothing to
		// cool down, so clear the flag we just set immediately.
		if err := store.Devices.Update(udid, map[string]interface{}{"colding": false}); err != nil {
			log.Printf("coordinator: colding clear (no source) failed for %s: %v", udid, err)
		}
		return nil
	}
	if err := c.registry.Release(best.ID, udid); err != nil {
		log.Printf("coordinator: provider release notify failed for %s: %v", udid, err)
	}
	go c.coldown(udid, began, *best)
	return nil
}

// bestSource picks the Source with the highest Priority, breaking ties
// deterministically by provider id (spec.md §3).
func bestSource(sources map[string]t.Source) *t.Source {
	var best *t.Source
	for id, src := range sources {
		src := src
		if best == nil || src.Priority > best.Priority || (src.Priority == best.Priority && id < best.ID) {
			best = &src
		}
	}
	return best
}

// coldown issues the provider HTTP callback that starts the device's
// physical reset (spec.md §4.5 step 6). Any transport error or non-2xx
// response clears Colding immediately, so an offline provider can never
// strand a device; a 2xx arms the bounded grace fallback in case the
// provider's own completion update never lands.
func (c *Coordinator) coldown(udid string, began time.Time, src t.Source) {
	target := fmt.Sprintf("%s/cold?udid=%s&secret=%s",
		strings.TrimRight(src.URL, "/"), url.QueryEscape(udid), url.QueryEscape(src.Secret))

	req, err := http.NewRequest(http.MethodPost, target, nil)
	if err != nil {
		log.Printf("coordinator: building cool-down request for %s: %v", udid, err)
		c.clearColding(udid)
		return
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Printf("coordinator: cool-down call to %s failed: %v", src.URL, err)
		c.clearColding(udid)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		log.Printf("coordinator: cool-down call to %s returned %d", src.URL, resp.StatusCode)
		c.clearColding(udid)
		return
	}
	c.armColdownGrace(udid, began)
}

func (c *Coordinator) clearColding(udid string) {
	if err := store.Devices.Update(udid, map[string]interface{}{"colding": false}); err != nil {
		log.Printf("coordinator: colding clear failed for %s: %v", udid, err)
	}
}

// armIdleWatch starts the goroutine that force-releases udid once it
// has gone longer than idleTimeout since its last reported activity. It
// re-reads the device on every wake and self-cancels if the lease's
// epoch (began) no longer matches the stored UsingBeganAt, meaning the
// device was released and re-acquired in the meantime (P5).
func (c *Coordinator) armIdleWatch(udid string, began time.Time, idleTimeout time.Duration) {
	cancel := make(chan struct{})
	c.mu.Lock()
	c.watches[udid] = &leaseWatch{cancel: cancel}
	c.mu.Unlock()

	go c.idleLoop(udid, began, idleTimeout, cancel)
}

// idleLoop implements spec.md §4.5's idle-watcher algorithm: sleep
// until the lease's current deadline plus a 3s grace, re-read, and
// either release or re-arm against a deadline that may have moved
// because the holder called Activate in the meantime.
func (c *Coordinator) idleLoop(udid string, began time.Time, idleTimeout time.Duration, cancel chan struct{}) {
	for {
		d, err := store.Devices.Get(udid)
		if err != nil {
			log.Printf("coordinator: idle watch read failed for %s: %v", udid, err)
			return
		}
		if d == nil || !d.Using || !d.UsingBeganAt.Equal(began) {
			return
		}

		deadline := d.LastActivatedAt.Add(idleTimeout)
		remaining := time.Until(deadline)
		if remaining < 0 {
			remaining = 0
		}
		wait := remaining + 3*time.Second

		timer := time.NewTimer(wait)
		select {
		case <-cancel:
			timer.Stop()
			return
		case <-timer.C:
		}

		d, err = store.Devices.Get(udid)
		if err != nil {
			log.Printf("coordinator: idle watch read failed for %s: %v", udid, err)
			return
		}
		if d == nil || !d.Using || !d.UsingBeganAt.Equal(began) {
			return
		}
		if !d.LastActivatedAt.Add(idleTimeout).After(time.Now().UTC()) {
			if err := c.Release(udid, d.UsingBy); err != nil {
				log.Printf("coordinator: idle-timeout release failed for %s: %v", udid, err)
			}
			return
		}
		// Activity landed since we last woke; loop re-reads the fresh
		// deadline and re-arms.
	}
}

// armColdownGrace starts the fallback timer that clears colding if the
// provider's own completion update never arrives (Open Question 1:
// providers are expected to clear it via Update, but a bounded grace
// period prevents a crashed provider from stranding a device cooling
// forever).
func (c *Coordinator) armColdownGrace(udid string, began time.Time) {
	grace := c.coldownGrace
	go func() {
		time.Sleep(grace)
		d, err := store.Devices.Get(udid)
		if err != nil || d == nil || !d.Colding || !d.UsingBeganAt.Equal(began) {
			return
		}
		c.clearColding(udid)
	}()
}

func (c *Coordinator) cancelWatch(udid string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelWatchLocked(udid)
}

func (c *Coordinator) cancelWatchLocked(udid string) {
	if w, ok := c.watches[udid]; ok {
		close(w.cancel)
		delete(c.watches, udid)
	}
}

// RearmAll re-starts idle watchers for every device that was already
// leased when the process started, so a restart doesn't lose the
// timeout (spec requires leases to survive a broker restart).
func (c *Coordinator) RearmAll() error {
	devices, err := store.Devices.Filter(func(d *t.Device) bool { return d.Using }, nil)
	if err != nil {
		return err
	}
	for i := range devices {
		d := &devices[i]
		idle := d.IdleTimeout
		if idle <= 0 {
			idle = int(c.defaultIdleTimeout / time.Second)
		}
		c.armIdleWatch(d.Udid, d.UsingBeganAt, time.Duration(idle)*time.Second)
	}
	return nil
}

// Shutdown stops every watcher and waits for the run loop to exit.
func (c *Coordinator) Shutdown() {
	done := make(chan bool)
	c.shutdown <- done
	<-done
}
