package wire

// ProtocolVersion is the only gateway protocol revision this client speaks.
const ProtocolVersion = 3

// HelloType is the payload type of a successful connect response.
const HelloType = "hello-ok"

// ConnectParams is the params object of the "connect" request. Exactly one
// of Auth or Device is set: bearer-token auth is preferred and skips device
// signing entirely.
type ConnectParams struct {
	MinProtocol int         `json:"minProtocol"`
	MaxProtocol int         `json:"maxProtocol"`
	Client      ClientInfo  `json:"client"`
	Role        string      `json:"role"`
	Scopes      []string    `json:"scopes"`
	Caps        []string    `json:"caps"`
	UserAgent   string      `json:"userAgent"`
	Locale      string      `json:"locale"`
	Auth        *TokenAuth  `json:"auth,omitempty"`
	Device      *DeviceAuth `json:"device,omitempty"`
}

// ClientInfo describes the connecting client.
type ClientInfo struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Version     string `json:"version"`
	Platform    string `json:"platform"`
	Mode        string `json:"mode"`
}

// TokenAuth carries a pre-provisioned bearer credential.
type TokenAuth struct {
	Token string `json:"token"`
}

// DeviceAuth proves device identity with a signature over the canonical
// auth payload. Nonce echoes the connect.challenge nonce when one arrived.
type DeviceAuth struct {
	ID        string `json:"id"`
	PublicKey string `json:"publicKey"`
	Signature string `json:"signature"`
	SignedAt  int64  `json:"signedAt"`
	Nonce     string `json:"nonce,omitempty"`
}

// ChallengePayload is the connect.challenge event payload.
type ChallengePayload struct {
	Nonce string `json:"nonce"`
}

// HelloOK is the payload of a successful connect response.
type HelloOK struct {
	Type     string       `json:"type"`
	Protocol int          `json:"protocol"`
	Auth     *HelloAuth   `json:"auth,omitempty"`
	Policy   *HelloPolicy `json:"policy,omitempty"`
}

// HelloAuth reports what the gateway granted.
type HelloAuth struct {
	DeviceToken string   `json:"deviceToken,omitempty"`
	Role        string   `json:"role,omitempty"`
	Scopes      []string `json:"scopes,omitempty"`
}

// HelloPolicy carries opaque policy hints from the gateway.
type HelloPolicy struct {
	TickIntervalMs int `json:"tickIntervalMs,omitempty"`
}
