package main

import (
	"sync"
	"testing"
	"time"

	"github.com/fleetdesk/broker/server/store"
	t "github.com/fleetdesk/broker/server/store/types"
)

func newTestCoordinator(name string) (*Coordinator, *fakeAdapter) {
	fa := setupFakeStore(&testingTB{}, name)
	reg := NewProviderRegistry()
	c := NewCoordinator(10*time.Minute, time.Minute, NewChangeBroadcaster(), reg)
	return c, fa
}

// testingTB lets setupFakeStore's Fatal signature be satisfied without
// pulling in *testing.T at call sites that run before a test starts.
type testingTB struct{}

func (testingTB) Fatal(args ...interface{}) { panic(args) }

func seedPresentDevice(fa *fakeAdapter, udid string) {
	fa.DeviceSave(&t.Device{
		Udid: udid,
		Sources: map[string]t.Source{
			"prov-1": {ID: "prov-1", URL: "http://prov-1.local", Priority: 1, UpdatedAt: time.Now().UTC()},
		},
	})
}

func TestAcquireLeasesAnIdlePresentDevice(t2 *testing.T) {
	c, fa := newTestCoordinator("acquire-idle")
	seedPresentDevice(fa, "udid-1")

	if err := c.Acquire("udid-1", "alice@example.com", 0); err != nil {
		t2.Fatalf("Acquire: %v", err)
	}
	d, _ := store.Devices.Get("udid-1")
	if !d.Using || d.UsingBy != "alice@example.com" {
		t2.Fatalf("device not leased: %+v", d)
	}
	if d.UsingBeganAt.IsZero() || d.LastActivatedAt.IsZero() {
		t2.Fatalf("expected UsingBeganAt/LastActivatedAt to be set: %+v", d)
	}
}

func TestAcquireRejectsAbsentDevice(t2 *testing.T) {
	c, fa := newTestCoordinator("acquire-absent")
	fa.DeviceSave(&t.Device{Udid: "udid-1"})

	if err := c.Acquire("udid-1", "alice@example.com", 0); err != ErrAbsent {
		t2.Fatalf("expected ErrAbsent, got %v", err)
	}
}

func TestAcquireRejectsBusyDeviceButIsIdempotentForHolder(t2 *testing.T) {
	c, fa := newTestCoordinator("acquire-busy")
	seedPresentDevice(fa, "udid-1")

	if err := c.Acquire("udid-1", "alice@example.com", 0); err != nil {
		t2.Fatalf("first Acquire: %v", err)
	}
	if err := c.Acquire("udid-1", "bob@example.com", 0); err != ErrBusy {
		t2.Fatalf("expected ErrBusy for a different caller, got %v", err)
	}
	if err := c.Acquire("udid-1", "alice@example.com", 0); err != nil {
		t2.Fatalf("re-acquire by the current holder should be idempotent, got %v", err)
	}
}

func TestAcquireRejectsColdingDevice(t2 *testing.T) {
	c, fa := newTestCoordinator("acquire-colding")
	fa.DeviceSave(&t.Device{
		Udid:    "udid-1",
		Sources: map[string]t.Source{"prov-1": {ID: "prov-1", URL: "http://prov-1.local"}},
		Colding: true,
	})

	if err := c.Acquire("udid-1", "alice@example.com", 0); err != ErrColding {
		t2.Fatalf("expected ErrColding, got %v", err)
	}
}

func TestReleaseRequiresCurrentHolder(t2 *testing.T) {
	c, fa := newTestCoordinator("release-holder")
	seedPresentDevice(fa, "udid-1")

	if err := c.Acquire("udid-1", "alice@example.com", 0); err != nil {
		t2.Fatalf("Acquire: %v", err)
	}
	if err := c.Release("udid-1", "bob@example.com"); err != ErrNotHolder {
		t2.Fatalf("expected ErrNotHolder, got %v", err)
	}
	if err := c.Release("udid-1", "alice@example.com"); err != nil {
		t2.Fatalf("Release by holder: %v", err)
	}
}

func TestReleaseOnIdleDeviceIsIdempotent(t2 *testing.T) {
	c, fa := newTestCoordinator("release-idempotent")
	seedPresentDevice(fa, "udid-1")

	if err := c.Release("udid-1", "alice@example.com"); err != nil {
		t2.Fatalf("releasing an idle device should be a no-op, got %v", err)
	}
}

// TestReleasePicksHighestPrioritySourceForColdown exercises the best-
// source selection in doRelease: with two live sources, the cool-down
// notification must go to the higher-priority one.
func TestReleasePicksHighestPrioritySourceForColdown(t2 *testing.T) {
	c, fa := newTestCoordinator("release-priority")
	fa.DeviceSave(&t.Device{
		Udid: "udid-1",
		Sources: map[string]t.Source{
			"prov-low":  {ID: "prov-low", URL: "http://low.local", Priority: 1},
			"prov-high": {ID: "prov-high", URL: "http://high.local", Priority: 5},
		},
	})
	if err := c.Acquire("udid-1", "alice@example.com", 0); err != nil {
		t2.Fatalf("Acquire: %v", err)
	}

	released := make(chan string, 1)
	fakeSession := &ProviderSession{providerID: "prov-high", send: make(chan interface{}, 1)}
	c.registry.Put("prov-high", fakeSession)
	go func() {
		f := <-fakeSession.send
		if rel, ok := f.(ReleaseFrame); ok {
			released <- rel.Udid
		}
	}()

	if err := c.Release("udid-1", "alice@example.com"); err != nil {
		t2.Fatalf("Release: %v", err)
	}

	select {
	case udid := <-released:
		if udid != "udid-1" {
			t2.Fatalf("unexpected release notice for %s", udid)
		}
	case <-time.After(time.Second):
		t2.Fatalf("expected the higher-priority provider to receive a release notice")
	}

	d, _ := fa.DeviceGet("udid-1")
	if d.Using {
		t2.Fatalf("device should no longer be using: %+v", d)
	}
}

// TestConcurrentAcquireOnlyOneWinner drives many concurrent acquires at
// the same idle device through the coordinator's single run loop and
// checks the optimistic-concurrency CAS never lets two callers both
// believe they hold the lease (P1's linearization guarantee).
func TestConcurrentAcquireOnlyOneWinner(t2 *testing.T) {
	c, fa := newTestCoordinator("acquire-race")
	seedPresentDevice(fa, "udid-1")

	const n = 20
	var wg sync.WaitGroup
	wins := make(chan string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		email := emailFor(i)
		go func(email string) {
			defer wg.Done()
			if err := c.Acquire("udid-1", email, 0); err == nil {
				wins <- email
			}
		}(email)
	}
	wg.Wait()
	close(wins)

	count := 0
	for range wins {
		count++
	}
	if count != 1 {
		t2.Fatalf("expected exactly one winning acquire, got %d", count)
	}

	d, _ := fa.DeviceGet("udid-1")
	if !d.Using {
		t2.Fatalf("device should be using after the race settles")
	}
}

func emailFor(i int) string {
	return "user" + string(rune('a'+i%26)) + "@example.com"
}

// TestIdleTimeoutForceReleasesAnInactiveLease covers scenario 3: a lease with no
// activation ever recorded past its acquire time is force-released once
// idleTimeout plus the watcher's grace window elapses.
func TestIdleTimeoutForceReleasesAnInactiveLease(t2 *testing.T) {
	if testing.Short() {
		t2.Skip("skipping real-time idle-timeout test in short mode")
	}
	c, fa := newTestCoordinator("idle-timeout")
	seedPresentDevice(fa, "udid-1")

	if err := c.Acquire("udid-1", "alice@example.com", 1); err != nil {
		t2.Fatalf("Acquire: %v", err)
	}

	time.Sleep(6 * time.Second)

	d, _ := fa.DeviceGet("udid-1")
	if d.Using {
		t2.Fatalf("expected the lease to have been force-released by the idle watcher")
	}
}

// TestActivateDefersIdleTimeout covers scenario 4: a holder calling
// Activate often enough keeps the lease alive well past its nominal
// idle timeout, and the lease still expires once activation stops.
func TestActivateDefersIdleTimeout(t2 *testing.T) {
	if testing.Short() {
		t2.Skip("skipping real-time activation test in short mode")
	}
	c, fa := newTestCoordinator("activate-defers")
	seedPresentDevice(fa, "udid-1")

	if err := c.Acquire("udid-1", "alice@example.com", 3); err != nil {
		t2.Fatalf("Acquire: %v", err)
	}

	for i := 0; i < 5; i++ {
		time.Sleep(time.Second)
		if err := c.Activate("udid-1", "alice@example.com"); err != nil {
			t2.Fatalf("Activate: %v", err)
		}
	}

	time.Sleep(3 * time.Second)
	d, _ := fa.DeviceGet("udid-1")
	if !d.Using {
		t2.Fatalf("repeated activation should have kept the lease alive past its nominal timeout")
	}

	time.Sleep(5 * time.Second)
	d, _ = fa.DeviceGet("udid-1")
	if d.Using {
		t2.Fatalf("lease should have expired once activation stopped")
	}
}

func TestActivateRejectsNonHolder(t2 *testing.T) {
	c, fa := newTestCoordinator("activate-non-holder")
	seedPresentDevice(fa, "udid-1")

	if err := c.Acquire("udid-1", "alice@example.com", 0); err != nil {
		t2.Fatalf("Acquire: %v", err)
	}
	if err := c.Activate("udid-1", "bob@example.com"); err != ErrNotHolder {
		t2.Fatalf("expected ErrNotHolder, got %v", err)
	}
}
