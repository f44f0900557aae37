package config

// ChannelsConfig contains per-channel configuration.
type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
	Discord  DiscordConfig  `json:"discord"`
}

type TelegramConfig struct {
	Enabled   bool                `json:"enabled"`
	Token     string              `json:"token"`
	AllowFrom FlexibleStringSlice `json:"allow_from"`
	MaxChars  int                 `json:"max_chars,omitempty"` // per-message limit (default 4096)
}

type DiscordConfig struct {
	Enabled   bool                `json:"enabled"`
	Token     string              `json:"token"`
	AllowFrom FlexibleStringSlice `json:"allow_from"`
	MaxChars  int                 `json:"max_chars,omitempty"` // per-message limit (default 2000)
}

// GatewayConfig controls the WebSocket gateway.
type GatewayConfig struct {
	Host              string            `json:"host"`
	Port              int               `json:"port"`
	Token             string            `json:"token,omitempty"`          // static bearer token for WS clients
	JWTSecret         string            `json:"jwt_secret,omitempty"`     // HS256 secret for signed connect tokens
	PairedDevices     map[string]string `json:"paired_devices,omitempty"` // device id → shared secret
	AllowedOrigins    []string          `json:"allowed_origins,omitempty"`
	MaxMessageChars   int               `json:"max_message_chars,omitempty"`
	RateLimitRPM      int               `json:"rate_limit_rpm,omitempty"` // per connection; 0 disables
	ConnectTimeoutSec int               `json:"connect_timeout_sec,omitempty"`
}

// SessionsConfig controls session-key derivation.
type SessionsConfig struct {
	// DmScope: "main", "per-peer", "per-channel-peer", "per-account-channel-peer" (default).
	DmScope string `json:"dm_scope,omitempty"`
}
