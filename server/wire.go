/******************************************************************************
 *
 *  Description :
 *
 *    JSON frames exchanged over the provider WebSocket connection: a
 *    flat object tagged by a "command" string field, dispatched by an
 *    exhaustive switch in the session loop (spec.md §9's "dynamic
 *    dispatch by command string").
 *
 *****************************************************************************/

package main

// ClientFrame is a frame sent by a provider. Command selects which of
// the remaining fields are populated; unused fields are left zero.
type ClientFrame struct {
	Command    string             `json:"command"`
	Name       string             `json:"name,omitempty"`
	URL        string             `json:"url,omitempty"`
	Secret     string             `json:"secret,omitempty"`
	Priority   int                `json:"priority,omitempty"`
	Owner      string             `json:"owner,omitempty"`
	Udid       string             `json:"udid,omitempty"`
	Platform   string             `json:"platform,omitempty"`
	Properties map[string]string  `json:"properties,omitempty"`
	Provider   *FrameProviderInfo `json:"provider,omitempty"`
}

// FrameProviderInfo carries the provider-supplied endpoints for a
// device that is currently being reported present.
type FrameProviderInfo struct {
	DeviceAddress        string `json:"deviceAddress,omitempty"`
	RemoteConnectAddress string `json:"remoteConnectAddress,omitempty"`
}

// pongFrame answers a ping with the bare string the spec documents,
// not an object wrapping it.
func pongFrame() interface{} {
	return "pong"
}

// handshakeAckFrame replies to a handshake with the id the core
// assigned this connection, as a top-level object.
func handshakeAckFrame(id string) interface{} {
	return struct {
		Success bool   `json:"success"`
		ID      string `json:"id"`
	}{Success: true, ID: id}
}

// ReleaseFrame tells the provider to drop its connection to a device
// because its lease ended.
type ReleaseFrame struct {
	Command string `json:"command"`
	Udid    string `json:"udid"`
}

func releaseFrame(udid string) interface{} {
	return ReleaseFrame{Command: "release", Udid: udid}
}

// errorFrame reports a malformed or rejected inbound frame. Not part
// of the documented wire format, but still tagged by command so a
// provider's dispatch loop can ignore what it doesn't recognize
// instead of choking on it.
func errorFrame(code int, text string) interface{} {
	return struct {
		Command string `json:"command"`
		Code    int    `json:"code"`
		Text    string `json:"text"`
	}{Command: "error", Code: code, Text: text}
}
