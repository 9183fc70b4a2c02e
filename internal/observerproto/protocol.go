// Package observerproto is the admin observer feed: a loopback websocket that streams sync
// reports and relayed chat commands as they happen.
package observerproto

import (
	"krumpkraft.io/internal/chatrelay"
	"krumpkraft.io/internal/markers"
)

// Version is the observer protocol version (separate from the player WS protocol).
const Version = "0.1"

const (
	TypeSubscribe = "SUBSCRIBE"
	TypeSync      = "SYNC"
	TypeChat      = "CHAT"

	StreamSync = "sync"
	StreamChat = "chat"
)

// Client -> Server. First message on the observer WS connection, and can be re-sent to change
// streams.
type SubscribeMsg struct {
	Type            string   `json:"type"`
	ProtocolVersion string   `json:"protocol_version"`
	Streams         []string `json:"streams,omitempty"`
}

// HTTP response for GET /admin/v1/observer/bootstrap.
type BootstrapResponse struct {
	ProtocolVersion string   `json:"protocol_version"`
	Worlds          []string `json:"worlds"`
	SpawnWorld      string   `json:"spawn_world"`
	MarkersEnabled  bool     `json:"markers_enabled"`
	Streams         []string `json:"streams"`
}

// Server -> Client. One per sync tick.
type SyncMsg struct {
	Type            string         `json:"type"`
	ProtocolVersion string         `json:"protocol_version"`
	Seq             uint64         `json:"seq"`
	Report          markers.Report `json:"report"`
}

// Server -> Client. One per relayed chat command.
type ChatMsg struct {
	Type            string           `json:"type"`
	ProtocolVersion string           `json:"protocol_version"`
	Seq             uint64           `json:"seq"`
	Record          chatrelay.Record `json:"record"`
}
