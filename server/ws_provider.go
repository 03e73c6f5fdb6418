/******************************************************************************
 *
 *  Description :
 *
 *    One WebSocket connection from a device provider: handshake,
 *    presence updates, pings, and the release notifications the
 *    coordinator pushes back down when a lease ends.
 *
 *****************************************************************************/

package main

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/fleetdesk/broker/server/store"
	t "github.com/fleetdesk/broker/server/store/types"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendQueue  = 64

	anonymousOwner = "nobody@nobody.io"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// providerInfo is what a session learns about itself at handshake time
// and attaches to every Source it subsequently writes.
type providerInfo struct {
	name     string
	url      string
	secret   string
	priority int
	owner    string
}

// ProviderSession is a single provider's duplex connection, the
// generalization of the source repo's Session to a device provider
// instead of a chat client: no topic subscriptions, just a live device
// set and an outbound queue.
type ProviderSession struct {
	sid        string // core-assigned id for this connection; also the Source key
	ws         *websocket.Conn
	send       chan interface{}
	stop       chan struct{}
	providerID string
	info       providerInfo
	devices    map[string]bool // udid set owned by this session
	mu         sync.RWMutex

	coordinator *Coordinator
	registry    *ProviderRegistry
}

// serveProviderWS upgrades the request and runs the session until the
// connection drops.
func serveProviderWS(w http.ResponseWriter, r *http.Request, c *Coordinator, reg *ProviderRegistry) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws_provider: upgrade failed: %v", err)
		return
	}

	s := &ProviderSession{
		sid:         uuid.New().String(),
		ws:          conn,
		send:        make(chan interface{}, sendQueue),
		stop:        make(chan struct{}),
		devices:     make(map[string]bool),
		coordinator: c,
		registry:    reg,
	}
	log.Printf("ws_provider: session %s connected from %s", s.sid, r.RemoteAddr)

	go s.writeLoop()
	s.readLoop()
}

func (s *ProviderSession) readLoop() {
	defer s.cleanUp()

	s.ws.SetReadDeadline(time.Now().Add(pongWait))
	s.ws.SetPongHandler(func(string) error {
		s.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := s.ws.ReadMessage()
		if err != nil {
			return
		}
		var frame ClientFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			s.queueOut(errorFrame(400, "malformed frame"))
			continue
		}
		s.dispatch(&frame)
	}
}

func (s *ProviderSession) dispatch(frame *ClientFrame) {
	switch frame.Command {
	case "ping":
		s.queueOut(pongFrame())
	case "handshake":
		s.handshake(frame)
	case "update":
		s.update(frame)
	default:
		s.queueOut(errorFrame(400, "unknown command"))
	}
}

// handshake is the mandatory first data frame. The core mints the
// session's id (its sid) rather than accepting one from the provider,
// caches the provider's endpoint/secret/priority/owner for every
// Source this session will later write, and registers itself so the
// coordinator can reach it by id.
func (s *ProviderSession) handshake(f *ClientFrame) {
	if f.Name == "" || f.URL == "" {
		s.queueOut(errorFrame(400, "name and url required"))
		return
	}
	owner := f.Owner
	if owner == anonymousOwner {
		owner = ""
	}
	s.providerID = s.sid
	s.info = providerInfo{name: f.Name, url: f.URL, secret: f.Secret, priority: f.Priority, owner: owner}
	s.registry.Put(s.providerID, s)
	s.queueOut(handshakeAckFrame(s.providerID))
}

func (s *ProviderSession) update(f *ClientFrame) {
	if s.providerID == "" {
		s.queueOut(errorFrame(401, "handshake required"))
		return
	}
	if f.Udid == "" {
		s.queueOut(errorFrame(400, "udid required"))
		return
	}

	if f.Provider != nil {
		s.mu.Lock()
		s.devices[f.Udid] = true
		s.mu.Unlock()

		src := t.Source{
			ID:                   s.providerID,
			URL:                  s.info.url,
			DeviceAddress:        f.Provider.DeviceAddress,
			RemoteConnectAddress: f.Provider.RemoteConnectAddress,
			Secret:               s.info.secret,
			Priority:             s.info.priority,
			UpdatedAt:            time.Now().UTC(),
		}
		if err := s.mergeSource(f.Udid, src, f.Platform, f.Properties); err != nil {
			log.Printf("ws_provider: update %s: %v", f.Udid, err)
			s.queueOut(errorFrame(500, "internal error"))
			return
		}
		s.coordinator.NotifyPresence(f.Udid, true)
	} else {
		s.mu.Lock()
		delete(s.devices, f.Udid)
		s.mu.Unlock()
		if err := s.dropSource(f.Udid); err != nil {
			log.Printf("ws_provider: drop source %s: %v", f.Udid, err)
		}
		s.coordinator.NotifyPresence(f.Udid, false)
	}
}

// mergeSource applies a single provider's presence report to a device's
// Sources map via optimistic retry: ConditionalUpdate is the only
// linearization point, so two providers reporting concurrently for the
// same udid can never interleave into a partial map. A device is
// created here on its first-ever update, per spec.md §3's lifecycle.
// An update always clears Colding: the provider asserting fresh state
// is exactly the completion signal spec.md §9's open question leaves
// underspecified, with the coordinator's cool-down grace timer as a
// fallback for a provider that never reports back.
func (s *ProviderSession) mergeSource(udid string, src t.Source, platform string, props map[string]string) error {
	const maxAttempts = 5
	for attempt := 0; attempt < maxAttempts; attempt++ {
		cur, err := store.Devices.Get(udid)
		if err != nil {
			return err
		}
		if cur == nil {
			nd := &t.Device{
				Udid:       udid,
				Platform:   platform,
				Owner:      s.info.owner,
				Sources:    map[string]t.Source{s.providerID: src},
				Properties: props,
			}
			if err := store.Devices.Save(nd); err == nil {
				metricDevicesPresent.Inc()
				return nil
			} else if attempt == maxAttempts-1 {
				return err
			}
			continue
		}

		next := make(map[string]t.Source, len(cur.Sources)+1)
		for k, v := range cur.Sources {
			next[k] = v
		}
		next[s.providerID] = src

		update := map[string]interface{}{"sources": next, "owner": s.info.owner}
		if platform != "" {
			update["platform"] = platform
		}
		if props != nil {
			update["properties"] = props
		}
		if cur.Colding {
			update["colding"] = false
		}

		replaced, err := store.Devices.ConditionalUpdate(udid, func(latest *t.Device) bool {
			return latest.UpdatedAt.Equal(cur.UpdatedAt)
		}, update)
		if err != nil {
			return err
		}
		if replaced {
			if len(cur.Sources) == 0 {
				metricDevicesPresent.Inc()
			}
			return nil
		}
	}
	return errors.New("ws_provider: too many conflicting updates to " + udid)
}

// dropSource removes this provider from a device's Sources map, again
// via optimistic retry against the device's version stamp. If the
// device ends up with no sources left it reverts to ABSENT, clearing
// using/colding per spec.md §4.4's disconnect-cleanup rule.
func (s *ProviderSession) dropSource(udid string) error {
	const maxAttempts = 5
	for attempt := 0; attempt < maxAttempts; attempt++ {
		cur, err := store.Devices.Get(udid)
		if err != nil || cur == nil {
			return err
		}
		if _, present := cur.Sources[s.providerID]; !present {
			return nil
		}
		next := make(map[string]t.Source, len(cur.Sources))
		for k, v := range cur.Sources {
			if k != s.providerID {
				next[k] = v
			}
		}
		update := map[string]interface{}{"sources": next}
		if len(next) == 0 {
			update["using"] = false
			update["usingBy"] = ""
			update["colding"] = false
		}
		replaced, err := store.Devices.ConditionalUpdate(udid, func(latest *t.Device) bool {
			return latest.UpdatedAt.Equal(cur.UpdatedAt)
		}, update)
		if err != nil {
			return err
		}
		if replaced {
			if len(next) == 0 {
				metricDevicesPresent.Dec()
			}
			return nil
		}
	}
	return errors.New("ws_provider: too many conflicting updates to " + udid)
}

// terminate forces a superseded session's connection closed; its own
// readLoop then runs cleanUp as it would on any other disconnect.
func (s *ProviderSession) terminate() {
	s.ws.Close()
}

// ownsDevice reports whether this session is currently the source for udid.
func (s *ProviderSession) ownsDevice(udid string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.devices[udid]
}

// sendRelease pushes a release notice down to the provider for udid.
func (s *ProviderSession) sendRelease(udid string) error {
	select {
	case s.send <- releaseFrame(udid):
		return nil
	default:
		return websocket.ErrCloseSent
	}
}

func (s *ProviderSession) queueOut(f interface{}) {
	select {
	case s.send <- f:
	case <-time.After(50 * time.Millisecond):
		log.Printf("ws_provider: send queue full for %s, dropping frame", s.providerID)
	}
}

func (s *ProviderSession) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer s.ws.Close()

	for {
		select {
		case f, ok := <-s.send:
			s.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.ws.WriteJSON(f); err != nil {
				return
			}
		case <-ticker.C:
			s.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.stop:
			return
		}
	}
}

func (s *ProviderSession) cleanUp() {
	s.mu.RLock()
	owned := make([]string, 0, len(s.devices))
	for udid := range s.devices {
		owned = append(owned, udid)
	}
	s.mu.RUnlock()

	for _, udid := range owned {
		if err := s.dropSource(udid); err != nil {
			log.Printf("ws_provider: cleanup drop source %s: %v", udid, err)
		}
		s.coordinator.NotifyPresence(udid, false)
	}

	if s.providerID != "" {
		s.registry.Remove(s.providerID, s)
	}
	close(s.stop)
}
