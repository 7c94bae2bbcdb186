// Package auth holds credentials for authenticated channels and the
// capability value that gates access to them.
package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
)

// ErrUnauthenticated is returned when an operation needs credentials the
// caller's capability does not carry.
var ErrUnauthenticated = errors.New("operation requires authenticated capability")

const redacted = "[REDACTED]"

// Credentials are the API key triple for the user channel.
//
// Secrets appear only in the wire form returned by Wire. String, GoString,
// MarshalJSON and slog output all redact them.
type Credentials struct {
	APIKey     string
	Secret     string
	Passphrase string
}

// LoadCredentials validates and returns credentials.
func LoadCredentials(apiKey, secret, passphrase string) (Credentials, error) {
	c := Credentials{APIKey: apiKey, Secret: secret, Passphrase: passphrase}
	if err := c.Validate(); err != nil {
		return Credentials{}, err
	}
	return c, nil
}

// Validate checks every field is present.
func (c Credentials) Validate() error {
	if c.APIKey == "" {
		return fmt.Errorf("API key is required")
	}
	if c.Secret == "" {
		return fmt.Errorf("API secret is required")
	}
	if c.Passphrase == "" {
		return fmt.Errorf("API passphrase is required")
	}
	return nil
}

// IsZero reports whether no field is set.
func (c Credentials) IsZero() bool {
	return c == Credentials{}
}

// WireAuth is the auth object embedded in outbound subscribe messages.
type WireAuth struct {
	APIKey     string `json:"apiKey"`
	Secret     string `json:"secret"`
	Passphrase string `json:"passphrase"`
}

// Wire returns the unredacted wire form.
func (c Credentials) Wire() WireAuth {
	return WireAuth{
		APIKey:     c.APIKey,
		Secret:     c.Secret,
		Passphrase: c.Passphrase,
	}
}

// MaskedKey returns the first four characters of the API key followed by
// an ellipsis, or the redaction marker for short keys.
func (c Credentials) MaskedKey() string {
	if len(c.APIKey) <= 4 {
		return redacted
	}
	return c.APIKey[:4] + "..."
}

func (c Credentials) String() string {
	return fmt.Sprintf("Credentials{APIKey: %s, Secret: %s, Passphrase: %s}", c.MaskedKey(), redacted, redacted)
}

func (c Credentials) GoString() string {
	return c.String()
}

func (c Credentials) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		APIKey     string `json:"apiKey"`
		Secret     string `json:"secret"`
		Passphrase string `json:"passphrase"`
	}{c.MaskedKey(), redacted, redacted})
}

func (c Credentials) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("api_key", c.MaskedKey()),
		slog.String("secret", redacted),
		slog.String("passphrase", redacted),
	)
}

// Capability is an explicit token for what a caller may do. The zero value
// is anonymous.
type Capability struct {
	creds *Credentials
}

// Anonymous returns a capability without credentials.
func Anonymous() Capability {
	return Capability{}
}

// Authenticated returns a capability carrying c.
func Authenticated(c Credentials) (Capability, error) {
	if err := c.Validate(); err != nil {
		return Capability{}, err
	}
	return Capability{creds: &c}, nil
}

// IsAuthenticated reports whether credentials are present.
func (c Capability) IsAuthenticated() bool {
	return c.creds != nil
}

// Credentials returns the carried credentials, or ErrUnauthenticated.
func (c Capability) Credentials() (Credentials, error) {
	if c.creds == nil {
		return Credentials{}, ErrUnauthenticated
	}
	return *c.creds, nil
}

func (c Capability) String() string {
	if c.creds == nil {
		return "anonymous"
	}
	return "authenticated(" + c.creds.MaskedKey() + ")"
}
