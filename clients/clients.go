package clients

import (
	"time"
)

type GrantType string

const (
	GrantAuthorizationCode GrantType = "authorization_code"
	GrantRefreshToken      GrantType = "refresh_token"
)

// Client is a registered OAuth2 client application. The secret is stored
// only as a bcrypt hash; the plaintext is returned once at registration and
// never persisted.
type Client struct {
	ID           string      `json:"id"`
	SecretHash   string      `json:"-"`
	Name         string      `json:"name"`
	RedirectURIs []string    `json:"redirectURIs"`
	GrantTypes   []GrantType `json:"grantTypes"`
	Disabled     bool        `json:"disabled"`
	CreatedAt    time.Time   `json:"createdAt"`
}

// HasRedirectURI reports whether uri exactly equals one of the registered
// redirect URIs. No wildcard or prefix matching.
func (c *Client) HasRedirectURI(uri string) bool {
	for _, u := range c.RedirectURIs {
		if u == uri {
			return true
		}
	}
	return false
}

// HasGrantType reports whether the client is allowed to use the grant.
func (c *Client) HasGrantType(gt GrantType) bool {
	for _, g := range c.GrantTypes {
		if g == gt {
			return true
		}
	}
	return false
}

// ValidGrantType reports whether gt is one of the supported grant types.
func ValidGrantType(gt GrantType) bool {
	return gt == GrantAuthorizationCode || gt == GrantRefreshToken
}
