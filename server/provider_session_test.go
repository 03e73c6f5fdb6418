package main

import (
	"testing"
	"time"

	"github.com/fleetdesk/broker/server/store"
	t "github.com/fleetdesk/broker/server/store/types"
)

func newTestProviderSession(providerID string, priority int, owner string) (*ProviderSession, *Coordinator) {
	reg := NewProviderRegistry()
	c := NewCoordinator(10*time.Minute, time.Minute, NewChangeBroadcaster(), reg)
	s := &ProviderSession{
		sid:         providerID,
		providerID:  providerID,
		info:        providerInfo{name: providerID, url: "http://" + providerID + ".local", priority: priority, owner: owner},
		devices:     make(map[string]bool),
		coordinator: c,
		registry:    reg,
	}
	return s, c
}

// TestMergeSourceCreatesDeviceOnFirstReport checks that a provider's
// first update for an unseen udid creates the device, present via that
// provider's source alone.
func TestMergeSourceCreatesDeviceOnFirstReport(t2 *testing.T) {
	setupFakeStore(&testingTB{}, "merge-create")
	s, _ := newTestProviderSession("prov-1", 1, "")

	src := t.Source{ID: "prov-1", URL: s.info.url, Priority: 1, UpdatedAt: time.Now().UTC()}
	if err := s.mergeSource("udid-1", src, "android", map[string]string{"model": "pixel"}); err != nil {
		t2.Fatalf("mergeSource: %v", err)
	}

	d, err := store.Devices.Get("udid-1")
	if err != nil || d == nil {
		t2.Fatalf("expected device to be created, err=%v", err)
	}
	if d.Platform != "android" || d.Properties["model"] != "pixel" {
		t2.Fatalf("unexpected device fields: %+v", d)
	}
	if _, ok := d.Sources["prov-1"]; !ok {
		t2.Fatalf("expected prov-1 in sources: %+v", d.Sources)
	}
}

// TestMergeSourceFromSecondProviderAddsToExistingSet covers the
// multi-provider handoff window: two providers reporting the same udid
// both show up in Sources without clobbering each other.
func TestMergeSourceFromSecondProviderAddsToExistingSet(t2 *testing.T) {
	setupFakeStore(&testingTB{}, "merge-second")
	s1, _ := newTestProviderSession("prov-1", 1, "")
	s2, _ := newTestProviderSession("prov-2", 5, "")

	src1 := t.Source{ID: "prov-1", URL: s1.info.url, Priority: 1, UpdatedAt: time.Now().UTC()}
	if err := s1.mergeSource("udid-1", src1, "android", nil); err != nil {
		t2.Fatalf("mergeSource prov-1: %v", err)
	}
	src2 := t.Source{ID: "prov-2", URL: s2.info.url, Priority: 5, UpdatedAt: time.Now().UTC()}
	if err := s2.mergeSource("udid-1", src2, "", nil); err != nil {
		t2.Fatalf("mergeSource prov-2: %v", err)
	}

	d, _ := store.Devices.Get("udid-1")
	if len(d.Sources) != 2 {
		t2.Fatalf("expected both providers present, got %+v", d.Sources)
	}
	best := bestSource(d.Sources)
	if best == nil || best.ID != "prov-2" {
		t2.Fatalf("expected prov-2 (higher priority) to win, got %+v", best)
	}
}

// TestMergeSourceClearsColding asserts that a provider's fresh update
// clears a device's Colding flag, the completion signal the open
// cool-down question resolves to.
func TestMergeSourceClearsColding(t2 *testing.T) {
	fa := setupFakeStore(&testingTB{}, "merge-clears-colding")
	fa.DeviceSave(&t.Device{
		Udid:    "udid-1",
		Sources: map[string]t.Source{"prov-1": {ID: "prov-1"}},
		Colding: true,
	})
	s, _ := newTestProviderSession("prov-1", 1, "")

	src := t.Source{ID: "prov-1", URL: s.info.url, UpdatedAt: time.Now().UTC()}
	if err := s.mergeSource("udid-1", src, "", nil); err != nil {
		t2.Fatalf("mergeSource: %v", err)
	}

	d, _ := store.Devices.Get("udid-1")
	if d.Colding {
		t2.Fatalf("expected Colding to be cleared by the provider's update")
	}
}

// TestDropSourceResetsUsingWhenLastSourceLeaves covers the disconnect-
// cleanup rule: once a device's last source goes away, a stale lease
// must not survive on an ABSENT device.
func TestDropSourceResetsUsingWhenLastSourceLeaves(t2 *testing.T) {
	fa := setupFakeStore(&testingTB{}, "drop-resets-using")
	fa.DeviceSave(&t.Device{
		Udid:         "udid-1",
		Sources:      map[string]t.Source{"prov-1": {ID: "prov-1"}},
		Using:        true,
		UsingBy:      "alice@example.com",
		UsingBeganAt: time.Now().UTC(),
		Colding:      false,
	})
	s, _ := newTestProviderSession("prov-1", 1, "")

	if err := s.dropSource("udid-1"); err != nil {
		t2.Fatalf("dropSource: %v", err)
	}

	d, _ := store.Devices.Get("udid-1")
	if d.Using || d.UsingBy != "" {
		t2.Fatalf("expected using/usingBy to be reset once the device goes absent: %+v", d)
	}
	if len(d.Sources) != 0 {
		t2.Fatalf("expected sources to be empty: %+v", d.Sources)
	}
}

// TestDropSourceKeepsUsingWhenAnotherSourceRemains checks that losing
// one of several sources does not disturb an active lease.
func TestDropSourceKeepsUsingWhenAnotherSourceRemains(t2 *testing.T) {
	fa := setupFakeStore(&testingTB{}, "drop-keeps-using")
	fa.DeviceSave(&t.Device{
		Udid: "udid-1",
		Sources: map[string]t.Source{
			"prov-1": {ID: "prov-1"},
			"prov-2": {ID: "prov-2"},
		},
		Using:   true,
		UsingBy: "alice@example.com",
	})
	s, _ := newTestProviderSession("prov-1", 1, "")

	if err := s.dropSource("udid-1"); err != nil {
		t2.Fatalf("dropSource: %v", err)
	}

	d, _ := store.Devices.Get("udid-1")
	if !d.Using {
		t2.Fatalf("lease should survive while another source remains: %+v", d)
	}
	if _, ok := d.Sources["prov-2"]; !ok {
		t2.Fatalf("expected prov-2 to remain: %+v", d.Sources)
	}
}
