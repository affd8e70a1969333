// Package auth issues and caches OAuth2 client-credentials tokens for
// (client institution, organisation) pairs. Fetches go to the
// directory-resolved token endpoint over mTLS; concurrent callers for
// the same pair coalesce onto a single in-flight fetch.
package auth

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/sync/singleflight"

	"github.com/openfinancebr/receptor/cache"
	"github.com/openfinancebr/receptor/clock"
	"github.com/openfinancebr/receptor/directory"
)

// Scope requested on every token: the two API families collected.
const Scope = "accounts consents"

// ExpirySafety is subtracted from the token lifetime before caching,
// so a token is never used within a minute of expiring.
const ExpirySafety = time.Minute

// Token is an opaque access token plus the only claim interpreted.
type Token struct {
	AccessToken string    `json:"accessToken"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Credential is a client institution's registered OAuth client.
// SigningKey is required only for private_key_jwt organisations.
type Credential struct {
	OAuthClientID string
	SigningKey    *rsa.PrivateKey
	SigningKeyID  string
}

// CredentialsFunc resolves a client institution to its credential.
type CredentialsFunc func(clientID string) (Credential, error)

// Provider issues tokens. Safe for concurrent use.
type Provider struct {
	resolver    directory.Resolver
	credentials CredentialsFunc
	cache       *cache.Cache
	clock       clock.Clock
	httpClient  *http.Client

	group singleflight.Group
}

// NewProvider builds a Provider. |httpClient| must be configured with
// the client institution's mTLS certificate.
func NewProvider(resolver directory.Resolver, credentials CredentialsFunc, c *cache.Cache, clk clock.Clock, httpClient *http.Client) *Provider {
	return &Provider{
		resolver:    resolver,
		credentials: credentials,
		cache:       c,
		clock:       clk,
		httpClient:  httpClient,
	}
}

func cacheKey(clientID, organisationID string) string {
	return cache.PrefixToken + clientID + "/" + organisationID
}

// Token returns a cached, non-expired token for the pair, or fetches
// one. At most one fetch per pair is in flight at a time.
func (p *Provider) Token(ctx context.Context, clientID, organisationID string) (Token, error) {
	var key = cacheKey(clientID, organisationID)

	if blob, ok := p.cache.Get(key); ok {
		var tok Token
		if err := json.Unmarshal(blob, &tok); err == nil {
			return tok, nil
		}
		// Unreadable entry: drop it and fetch anew.
		p.cache.Evict(key)
	}

	var v, err, _ = p.group.Do(key, func() (any, error) {
		// A racing caller may have populated the cache while this one
		// waited on the flight group.
		if blob, ok := p.cache.Get(key); ok {
			var tok Token
			if err := json.Unmarshal(blob, &tok); err == nil {
				return tok, nil
			}
		}

		var tok, err = p.fetch(ctx, clientID, organisationID)
		if err != nil {
			return Token{}, err
		}

		var ttl = tok.ExpiresAt.Sub(p.clock.Now()) - ExpirySafety
		if blob, err := json.Marshal(tok); err == nil {
			p.cache.Put(key, blob, ttl)
		}
		return tok, nil
	})
	if err != nil {
		return Token{}, err
	}
	return v.(Token), nil
}

// Invalidate drops the cached token for the pair. Called by the
// transmitter client when a downstream 401 proves the token stale.
func (p *Provider) Invalidate(clientID, organisationID string) {
	p.cache.Evict(cacheKey(clientID, organisationID))
}

func (p *Provider) fetch(ctx context.Context, clientID, organisationID string) (Token, error) {
	var ep, err = p.resolver.Resolve(ctx, organisationID)
	if err != nil {
		return Token{}, fmt.Errorf("resolving token endpoint: %w", err)
	}
	cred, err := p.credentials(clientID)
	if err != nil {
		return Token{}, fmt.Errorf("resolving credentials for %s: %w", clientID, err)
	}

	var cfg = clientcredentials.Config{
		ClientID:  cred.OAuthClientID,
		TokenURL:  ep.AuthURL,
		Scopes:    []string{Scope},
		AuthStyle: oauth2.AuthStyleInParams,
	}

	if ep.ClientAuthMethod == directory.AuthMethodPrivateKeyJWT {
		var assertion string
		if assertion, err = p.clientAssertion(cred, ep.AuthURL); err != nil {
			return Token{}, err
		}
		cfg.EndpointParams = url.Values{
			"client_assertion_type": {"urn:ietf:params:oauth:client-assertion-type:jwt-bearer"},
			"client_assertion":      {assertion},
		}
	}

	// Route the oauth2 exchange through the mTLS client.
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)

	oauthTok, err := cfg.Token(ctx)
	if err != nil {
		return Token{}, fmt.Errorf("fetching token for %s/%s: %w", clientID, organisationID, err)
	}

	var tok = Token{AccessToken: oauthTok.AccessToken, ExpiresAt: oauthTok.Expiry.UTC()}
	if tok.ExpiresAt.IsZero() {
		// Some authorisation servers omit expires_in; assume a short
		// lifetime rather than caching forever.
		tok.ExpiresAt = p.clock.Now().Add(5 * time.Minute)
	}

	log.WithFields(log.Fields{
		"clientId":       clientID,
		"organisationId": organisationID,
		"expiresAt":      tok.ExpiresAt,
	}).Debug("fetched access token")

	return tok, nil
}

// clientAssertion signs a private_key_jwt assertion per the FAPI
// profile (PS256, aud = token endpoint, five-minute lifetime).
func (p *Provider) clientAssertion(cred Credential, audience string) (string, error) {
	if cred.SigningKey == nil {
		return "", fmt.Errorf("organisation requires private_key_jwt but client %s has no signing key", cred.OAuthClientID)
	}

	var now = p.clock.Now()
	var claims = jwt.MapClaims{
		"iss": cred.OAuthClientID,
		"sub": cred.OAuthClientID,
		"aud": audience,
		"jti": clock.NewID(),
		"iat": now.Unix(),
		"exp": now.Add(5 * time.Minute).Unix(),
	}

	var token = jwt.NewWithClaims(jwt.SigningMethodPS256, claims)
	if cred.SigningKeyID != "" {
		token.Header["kid"] = cred.SigningKeyID
	}

	var signed, err = token.SignedString(cred.SigningKey)
	if err != nil {
		return "", fmt.Errorf("signing client assertion: %w", err)
	}
	return signed, nil
}
