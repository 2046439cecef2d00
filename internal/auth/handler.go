// Package auth decodes the browser-side login envelope and escalates
// repeated failures into temporary blocks.
package auth

import (
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"strings"
)

// Credentials maps usernames to their plaintext passwords, as collected
// while the users file was generated.
type Credentials map[string]string

// Triple is the login payload the managed server expects in the request
// body when its auth method is "json".
type Triple struct {
	Username  string `json:"username"`
	Password  string `json:"password"`
	Recaptcha string `json:"recaptcha"`
}

// Decode unpacks an Authorization header produced by the login shim. The
// header is base64 over three comma-separated hex fields: the username, a
// SHA-512 digest of username+password, and the recaptcha token. Returns the
// triple with the real password substituted in, or false when the envelope
// is malformed or the digest does not match.
func Decode(header string, creds Credentials) (*Triple, bool) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(header))
	if err != nil {
		return nil, false
	}

	parts := strings.Split(string(raw), ",")
	if len(parts) != 3 {
		return nil, false
	}

	fields := make([]string, 3)
	for i, part := range parts {
		decoded, err := hex.DecodeString(strings.TrimSpace(part))
		if err != nil {
			return nil, false
		}
		fields[i] = string(decoded)
	}

	username, digest, recaptcha := fields[0], strings.ToLower(fields[1]), fields[2]

	password, ok := creds[username]
	if !ok {
		return nil, false
	}

	sum := sha512.Sum512([]byte(username + password))
	want := hex.EncodeToString(sum[:])
	if subtle.ConstantTimeCompare([]byte(want), []byte(digest)) != 1 {
		return nil, false
	}

	return &Triple{Username: username, Password: password, Recaptcha: recaptcha}, true
}
