package protocol

import "encoding/json"

// Client modes and roles.
const (
	ClientModeNode = "node"
	RoleNode       = "node"
)

// ClientInfo describes the connecting client.
type ClientInfo struct {
	ID           string `json:"id"`
	DisplayName  string `json:"displayName,omitempty"`
	Version      string `json:"version"`
	Platform     string `json:"platform"`
	DeviceFamily string `json:"deviceFamily,omitempty"`
	Mode         string `json:"mode"`
	InstanceID   string `json:"instanceId,omitempty"`
}

// AuthBlock carries the pairing token. Token is always serialized: an empty
// string marks an unauthenticated attempt, which lets the gateway start pairing.
type AuthBlock struct {
	Token string `json:"token"`
}

// DeviceAuth is the signed device proof answering a connect.challenge.
type DeviceAuth struct {
	ID        string `json:"id"`
	PublicKey string `json:"publicKey"`
	Signature string `json:"signature"`
	SignedAt  int64  `json:"signedAt"`
	Nonce     string `json:"nonce"`
}

// ConnectParams is the params object of the connect request.
type ConnectParams struct {
	MinProtocol int         `json:"minProtocol"`
	MaxProtocol int         `json:"maxProtocol"`
	Client      ClientInfo  `json:"client"`
	Role        string      `json:"role"`
	Scopes      []string    `json:"scopes"`
	Caps        []string    `json:"caps"`
	Commands    []string    `json:"commands,omitempty"`
	Auth        AuthBlock   `json:"auth"`
	Device      *DeviceAuth `json:"device,omitempty"`
	Locale      string      `json:"locale,omitempty"`
	UserAgent   string      `json:"userAgent,omitempty"`
}

// HelloOK is the payload of a successful connect response.
type HelloOK struct {
	Type     string `json:"type"`
	Protocol int    `json:"protocol"`
	Server   struct {
		Version string `json:"version"`
		ConnID  string `json:"connId"`
	} `json:"server"`
	Auth *struct {
		DeviceToken string   `json:"deviceToken"`
		Role        string   `json:"role"`
		Scopes      []string `json:"scopes"`
	} `json:"auth,omitempty"`
	Policy struct {
		TickIntervalMs int `json:"tickIntervalMs"`
	} `json:"policy"`

	// Token is the pre-auth.deviceToken field some gateways still send.
	Token string `json:"token,omitempty"`
}

// IssuedToken returns the pairing token granted by the gateway, if any.
func (h *HelloOK) IssuedToken() string {
	if h == nil {
		return ""
	}
	if h.Auth != nil && h.Auth.DeviceToken != "" {
		return h.Auth.DeviceToken
	}
	return h.Token
}

// ParseHello decodes a hello-ok payload. An empty payload yields a zero HelloOK.
func ParseHello(payload json.RawMessage) (*HelloOK, error) {
	h := &HelloOK{}
	if len(payload) == 0 {
		return h, nil
	}
	if err := json.Unmarshal(payload, h); err != nil {
		return nil, err
	}
	return h, nil
}
