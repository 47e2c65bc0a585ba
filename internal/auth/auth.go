// Package auth implements the shared-secret gate for gateway connections.
package auth

import (
	"encoding/base64"
	"strings"
)

// Authenticator compares presented credentials against one process-wide
// secret. It keeps no per-key state.
type Authenticator struct {
	secret string
}

func New(secret string) *Authenticator {
	return &Authenticator{secret: secret}
}

// Authenticate reports whether credential matches the configured secret.
// An empty secret rejects everything.
func (a *Authenticator) Authenticate(credential string) bool {
	if a.secret == "" || credential == "" {
		return false
	}
	return credential == a.secret
}

// TokenFromHeader extracts the credential from an Authorization header
// value. The token is the last whitespace-separated field, which tolerates
// scheme prefixes like "Token" or "Bearer".
func TokenFromHeader(value string) string {
	fields := strings.Fields(value)
	if len(fields) == 0 {
		return ""
	}
	return fields[len(fields)-1]
}

// TokenFromQuery decodes a base64-encoded credential carried in a query
// parameter. Malformed base64 yields an empty token, which never
// authenticates.
func TokenFromQuery(value string) string {
	decoded, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return ""
	}
	return string(decoded)
}
