package protocol

// RPC method name constants.
const (
	// System
	MethodConnect = "connect"
	MethodHealth  = "health"
	MethodStatus  = "status"

	// Chat
	MethodChatSend    = "chat.send"
	MethodChatAbort   = "chat.abort"
	MethodChatHistory = "chat.history"
)

// ConnectParams authenticates a connection. Exactly one of Token or
// PairingProof is expected.
type ConnectParams struct {
	Token        string        `json:"token,omitempty"`
	PairingProof *PairingProof `json:"pairingProof,omitempty"`
	Client       string        `json:"client,omitempty"`
}

// PairingProof proves possession of a paired device secret: Signature is the
// hex HMAC-SHA256 of the challenge nonce keyed by that secret.
type PairingProof struct {
	DeviceID  string `json:"deviceId"`
	Signature string `json:"signature"`
}

// Attachment references media sent along with a chat message.
type Attachment struct {
	URL      string `json:"url,omitempty"`
	Path     string `json:"path,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// ChatSendParams enqueues a turn. SessionKey, when set, pins the target
// session; otherwise the key is derived from the route.
type ChatSendParams struct {
	SessionKey  string       `json:"sessionKey,omitempty"`
	AgentID     string       `json:"agentId,omitempty"`
	Peer        string       `json:"peer,omitempty"`
	Message     string       `json:"message"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// ConnectResult is returned once a connection is authenticated.
type ConnectResult struct {
	Protocol  int    `json:"protocol"`
	ClientID  string `json:"clientId"`
	Principal string `json:"principal"`
}

type ChatSendResult struct {
	TurnID     string `json:"turnId"`
	SessionKey string `json:"sessionKey"`
}

type ChatAbortParams struct {
	TurnID     string `json:"turnId,omitempty"`
	SessionKey string `json:"sessionKey,omitempty"`
}

type ChatHistoryParams struct {
	SessionKey string `json:"sessionKey"`
	Limit      int    `json:"limit,omitempty"`
}

type ChatAbortResult struct {
	Aborted bool `json:"aborted"`
	Count   int  `json:"count,omitempty"` // turns affected by a session abort
}

// HistoryTurn is one persisted turn as returned by chat.history.
type HistoryTurn struct {
	TurnID    string `json:"turnId"`
	User      string `json:"user"`
	Reply     string `json:"reply"`
	Outcome   string `json:"outcome"`
	CreatedAt int64  `json:"createdAt"` // unix millis
}

type ChatHistoryResult struct {
	SessionKey string        `json:"sessionKey"`
	Summary    string        `json:"summary,omitempty"`
	Turns      []HistoryTurn `json:"turns"`
}

type HealthResult struct {
	Status   string `json:"status"`
	Protocol int    `json:"protocol"`
}

type StatusResult struct {
	Version      string          `json:"version"`
	UptimeSec    int64           `json:"uptimeSec"`
	Clients      int             `json:"clients"`
	RunningTurns int             `json:"runningTurns"`
	PendingTurns int             `json:"pendingTurns"`
	Lanes        int             `json:"lanes"`
	Channels     map[string]bool `json:"channels,omitempty"`
}
