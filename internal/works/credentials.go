package works

import (
	"crypto/rsa"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Credentials identify the service account and bot. Loaded once at startup
// and never mutated.
type Credentials struct {
	ClientID       string
	ClientSecret   string
	ServiceAccount string
	PrivateKeyPEM  string
	BotID          string
}

// Missing lists the names of empty fields needed for a token exchange.
// BotID is checked separately by the message client.
func (c Credentials) Missing() []string {
	var out []string
	check := func(name, v string) {
		if strings.TrimSpace(v) == "" {
			out = append(out, name)
		}
	}
	check("client_id", c.ClientID)
	check("client_secret", c.ClientSecret)
	check("service_account", c.ServiceAccount)
	check("private_key", c.PrivateKeyPEM)
	return out
}

// parsePrivateKey accepts PKCS#1 or PKCS#8 PEM. Env files often carry the
// key on one line with literal "\n" escapes; those are restored first.
func parsePrivateKey(raw string) (*rsa.PrivateKey, error) {
	pem := strings.TrimSpace(raw)
	if pem == "" {
		return nil, fmt.Errorf("%w: private_key", ErrMissingCredentials)
	}
	pem = strings.ReplaceAll(pem, `\n`, "\n")
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(pem))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	return key, nil
}
