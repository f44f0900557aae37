package protocol

// WebSocket event names pushed from server to client.
const (
	EventChat             = "chat"
	EventChatResync       = "chat.resync"
	EventHealth           = "health"
	EventConnectChallenge = "connect.challenge"
	EventShutdown         = "shutdown"
	EventTick             = "tick"
)

// Chat event phases (payload.phase). Every turn ends with exactly one of
// final, aborted or error; any number of deltas precede it.
const (
	ChatPhaseDelta   = "delta"
	ChatPhaseFinal   = "final"
	ChatPhaseAborted = "aborted"
	ChatPhaseError   = "error"
)

// ConnectChallengePayload is sent once, right after the socket is upgraded.
type ConnectChallengePayload struct {
	Nonce     string `json:"nonce"`
	Timestamp int64  `json:"timestamp"` // unix millis
}

// ChatBlock is one ordered content block of a reply.
type ChatBlock struct {
	Type     string `json:"type"` // "text" or "media"
	Text     string `json:"text,omitempty"`
	URL      string `json:"url,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// ChatEventPayload is the payload of every "chat" event.
type ChatEventPayload struct {
	TurnID     string      `json:"turnId"`
	SessionKey string      `json:"sessionKey"`
	Seq        int64       `json:"seq"`
	Phase      string      `json:"phase"`
	Delta      string      `json:"delta,omitempty"`
	Blocks     []ChatBlock `json:"blocks,omitempty"`
	Error      *ErrorShape `json:"error,omitempty"`
}

// IsTerminal reports whether the phase ends a turn.
func IsTerminal(phase string) bool {
	return phase == ChatPhaseFinal || phase == ChatPhaseAborted || phase == ChatPhaseError
}

// ChatResyncPayload tells a client its event stream for a session was cut
// (it fell too far behind). The client reloads the session with
// chat.history; missed deltas are not replayed.
type ChatResyncPayload struct {
	SessionKey string `json:"sessionKey"`
}
