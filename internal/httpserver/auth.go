package httpserver

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"

	"github.com/goccy/go-json"
)

// requesterDID extracts the requester's DID from the request's bearer JWT.
// The token's signature is verified upstream by the AT Protocol service
// proxying layer; here the iss claim is the identity boundary.
func requesterDID(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", fmt.Errorf("missing authorization header")
	}
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return "", fmt.Errorf("authorization header is not a bearer token")
	}

	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return "", fmt.Errorf("malformed JWT")
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("decode JWT payload: %w", err)
	}

	var claims struct {
		Iss string `json:"iss"`
	}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return "", fmt.Errorf("unmarshal JWT claims: %w", err)
	}
	if claims.Iss == "" {
		return "", fmt.Errorf("JWT has no iss claim")
	}
	return claims.Iss, nil
}
