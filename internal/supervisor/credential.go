package supervisor

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const (
	// PasswordEnv carries the server password, both as a user override
	// read by the supervisor and into the child's environment.
	PasswordEnv = "OPENCODE_SERVER_PASSWORD"
	// AuthUser is the fixed Basic auth user name.
	AuthUser = "opencode"

	passwordBytes = 32
)

// PasswordSource records where the active password came from.
type PasswordSource string

const (
	SourceUserEnv   PasswordSource = "user-env"
	SourceGenerated PasswordSource = "generated"
	SourceRotated   PasswordSource = "rotated"
)

// credentials holds the active password. Callers serialize access.
type credentials struct {
	getenv func(string) string
	random io.Reader

	password string
	source   PasswordSource
}

// fromUserEnv adopts the user's password if one is set. Once adopted it
// is never replaced.
func (c *credentials) fromUserEnv() bool {
	if c.source == SourceUserEnv {
		return true
	}
	if c.getenv == nil {
		return false
	}
	if pw := strings.TrimSpace(c.getenv(PasswordEnv)); pw != "" {
		c.password = pw
		c.source = SourceUserEnv
		return true
	}
	return false
}

// ensure returns the password to use for the next spawn, generating one
// on first use or when rotate is set.
func (c *credentials) ensure(rotate bool) (string, error) {
	if c.fromUserEnv() {
		return c.password, nil
	}
	if c.password != "" && !rotate {
		return c.password, nil
	}
	pw, err := generatePassword(c.random)
	if err != nil {
		return "", err
	}
	source := SourceGenerated
	if c.password != "" {
		source = SourceRotated
	}
	c.password = pw
	c.source = source
	return pw, nil
}

func (c *credentials) header() http.Header {
	h := make(http.Header)
	if c.password != "" {
		h.Set("Authorization", basicAuth(c.password))
	}
	return h
}

func generatePassword(r io.Reader) (string, error) {
	if r == nil {
		r = rand.Reader
	}
	buf := make([]byte, passwordBytes)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", fmt.Errorf("generating server password: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func basicAuth(password string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(AuthUser+":"+password))
}
