package adapters

import (
	"errors"
	"fmt"
	"log/slog"
)

// CredentialKind tags which variant a Credential holds.
type CredentialKind string

const (
	CredentialPassword CredentialKind = "password"
	CredentialToken    CredentialKind = "token"
)

// Credential is either a username/password pair or a token, never both.
// Values may be secret references such as "env(CTF_TOKEN)" that are
// resolved just before authentication.
type Credential struct {
	Kind     CredentialKind `json:"kind"`
	Username string         `json:"username,omitempty"`
	Password string         `json:"password,omitempty"`
	Token    string         `json:"token,omitempty"`
}

// PasswordCredential builds a username/password credential.
func PasswordCredential(username, password string) Credential {
	return Credential{Kind: CredentialPassword, Username: username, Password: password}
}

// TokenCredential builds a token credential.
func TokenCredential(token string) Credential {
	return Credential{Kind: CredentialToken, Token: token}
}

// NewCredential picks the variant from whichever parameters are set.
// Exactly one of (username and password) or token must be given.
func NewCredential(username, password, token string) (Credential, error) {
	hasPair := username != "" || password != ""
	switch {
	case hasPair && token != "":
		return Credential{}, Fail("credential", "", ErrInvalidCredentials,
			errors.New("give either username and password or a token, not both"))
	case token != "":
		return TokenCredential(token), nil
	case username == "" || password == "":
		if !hasPair {
			return Credential{}, Fail("credential", "", ErrInvalidCredentials,
				errors.New("username and password or a token is required"))
		}
		return Credential{}, Fail("credential", "", ErrInvalidCredentials,
			errors.New("username and password must be given together"))
	default:
		return PasswordCredential(username, password), nil
	}
}

// Validate checks that the credential holds exactly one complete variant.
func (c Credential) Validate() error {
	switch c.Kind {
	case CredentialPassword:
		if c.Username == "" || c.Password == "" {
			return Fail("credential", "", ErrInvalidCredentials, errors.New("username and password are required"))
		}
		if c.Token != "" {
			return Fail("credential", "", ErrInvalidCredentials, errors.New("password credential carries a token"))
		}
	case CredentialToken:
		if c.Token == "" {
			return Fail("credential", "", ErrInvalidCredentials, errors.New("token is required"))
		}
		if c.Username != "" || c.Password != "" {
			return Fail("credential", "", ErrInvalidCredentials, errors.New("token credential carries a password"))
		}
	default:
		return Fail("credential", "", ErrInvalidCredentials, fmt.Errorf("unknown credential kind %q", c.Kind))
	}
	return nil
}

// Secrets returns the values that must never reach a log line.
func (c Credential) Secrets() []string {
	switch c.Kind {
	case CredentialPassword:
		return []string{c.Password}
	case CredentialToken:
		return []string{c.Token}
	}
	return nil
}

// String never includes secret material.
func (c Credential) String() string {
	switch c.Kind {
	case CredentialPassword:
		return fmt.Sprintf("password(user=%s)", c.Username)
	case CredentialToken:
		return "token(***)"
	}
	return "credential(empty)"
}

// LogValue keeps secrets out of structured logs.
func (c Credential) LogValue() slog.Value {
	return slog.StringValue(c.String())
}
