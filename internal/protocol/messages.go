package protocol

// HELLO (client -> server)
type HelloMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	PlayerName      string `json:"player_name"`
	MaxQueue        int    `json:"max_queue,omitempty"`
}

// WELCOME (server -> client)
type WelcomeMsg struct {
	Type            string   `json:"type"`
	ProtocolVersion string   `json:"protocol_version"`
	SessionID       string   `json:"session_id"`
	PlayerName      string   `json:"player_name"`
	Worlds          []string `json:"worlds"`
}

// CHAT (client -> server)
type ChatMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Text            string `json:"text"`
}

// MSG (server -> client): a line of chat or a plugin reply shown to this player.
type MsgMsg struct {
	Type string `json:"type"`
	From string `json:"from,omitempty"`
	Text string `json:"text"`
}

// ENTITY (server -> client): one marker change.
type EntityMsg struct {
	Type  string     `json:"type"`
	Op    string     `json:"op"`
	ID    string     `json:"id"`
	World string     `json:"world"`
	Pos   [3]float64 `json:"pos"`
	Label string     `json:"label,omitempty"`
}

type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}
