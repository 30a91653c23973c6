package identity

import (
	"encoding/base64"
	"encoding/json"
	"strings"
)

type tokenKind string

const (
	tokenJWT                tokenKind = "jwt"
	tokenPrivateIntegration tokenKind = "private_integration"
	tokenLegacy             tokenKind = "legacy_key"
)

// classifyToken decides which API environment a CRM token belongs to. Claims
// are returned for JWT-shaped tokens only. The signature is not checked: the
// token is our own credential and only its routing hints are read.
func classifyToken(token string) (tokenKind, map[string]any) {
	if strings.HasPrefix(token, "pit-") {
		return tokenPrivateIntegration, nil
	}
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return tokenLegacy, nil
	}
	payload, err := decodeSegment(parts[1])
	if err != nil {
		return tokenLegacy, nil
	}
	var claims map[string]any
	if err := json.Unmarshal(payload, &claims); err != nil {
		return tokenLegacy, nil
	}
	return tokenJWT, claims
}

func decodeSegment(seg string) ([]byte, error) {
	if b, err := base64.RawURLEncoding.DecodeString(seg); err == nil {
		return b, nil
	}
	return base64.URLEncoding.DecodeString(seg)
}

// locationFromClaims checks locationId, location_id and, for location-class
// tokens, authClassId. It returns the value and the claim it came from.
func locationFromClaims(claims map[string]any) (string, string) {
	for _, key := range []string{"locationId", "location_id"} {
		if v, ok := claims[key].(string); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v), key
		}
	}
	if class, _ := claims["authClass"].(string); class == "Location" {
		if v, ok := claims["authClassId"].(string); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v), "authClassId"
		}
	}
	return "", ""
}
