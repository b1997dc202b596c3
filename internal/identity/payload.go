package identity

import (
	"strconv"
	"strings"
)

// AuthContext carries the connect fields covered by the device signature.
type AuthContext struct {
	ClientID     string
	ClientMode   string
	Role         string
	Scopes       []string
	Token        string // current pairing token, "" when unpaired
	Platform     string
	DeviceFamily string
}

// BuildAuthPayload renders the v3 device-auth payload. The gateway rebuilds the
// same string from the connect params, so it must match byte for byte.
func BuildAuthPayload(deviceID, nonce string, signedAtMs int64, ac AuthContext) string {
	return strings.Join([]string{
		"v3",
		deviceID,
		ac.ClientID,
		ac.ClientMode,
		ac.Role,
		strings.Join(ac.Scopes, ","),
		strconv.FormatInt(signedAtMs, 10),
		ac.Token,
		nonce,
		NormalizeMetadata(ac.Platform),
		NormalizeMetadata(ac.DeviceFamily),
	}, "|")
}

// NormalizeMetadata trims and lower-cases platform/device-family values.
func NormalizeMetadata(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}
