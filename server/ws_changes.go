/******************************************************************************
 *
 *  Description :
 *
 *    The client-facing change-feed WebSocket: one ChangeBroadcaster
 *    subscription per connection, torn down the moment either side
 *    disconnects or access is revoked mid-stream.
 *
 *****************************************************************************/

package main

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fleetdesk/broker/server/authz"
)

func handleChangesWS(w http.ResponseWriter, r *http.Request, p authz.Principal) {
	if p.IsAnonymous() {
		writeError(w, newFleetError(KindForbidden, errForbidden))
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws_changes: upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sub, err := globals.broadcaster.Subscribe(ctx, p)
	if err != nil {
		log.Printf("ws_changes: subscribe failed: %v", err)
		return
	}
	defer sub.Close()

	go discardInbound(conn, cancel)

	for {
		select {
		case ev, ok := <-sub.Events:
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// discardInbound drains (and ignores) client frames so the read side of
// the WS connection keeps draining control frames (pings/close), and
// cancels ctx once the client disconnects.
func discardInbound(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
