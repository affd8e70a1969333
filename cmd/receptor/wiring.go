package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/golang-jwt/jwt/v5"

	"github.com/openfinancebr/receptor/auth"
	"github.com/openfinancebr/receptor/directory"
)

// participantEntry is one row of the participants listing file.
type participantEntry struct {
	OrganisationID   string   `json:"organisationId"`
	BaseURL          string   `json:"baseUrl"`
	AuthURL          string   `json:"authUrl"`
	Families         []string `json:"families"`
	ClientAuthMethod string   `json:"clientAuthMethod"`
}

// participantsFileFetch reads the participants listing from a local
// file on every refresh, so operators can rotate endpoints without a
// restart.
func participantsFileFetch(path string) directory.FetchFunc {
	return func(context.Context) ([]directory.Endpoint, error) {
		var raw, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading participants file: %w", err)
		}
		var entries []participantEntry
		if err = json.Unmarshal(raw, &entries); err != nil {
			return nil, fmt.Errorf("decoding participants file: %w", err)
		}

		var out = make([]directory.Endpoint, 0, len(entries))
		for _, e := range entries {
			out = append(out, directory.Endpoint{
				OrganisationID:   e.OrganisationID,
				BaseURL:          e.BaseURL,
				AuthURL:          e.AuthURL,
				Families:         e.Families,
				ClientAuthMethod: e.ClientAuthMethod,
			})
		}
		return out, nil
	}
}

// credentialEntry is one client institution's registered OAuth client
// in the credentials file, keyed by client id.
type credentialEntry struct {
	OAuthClientID  string `json:"oauthClientId"`
	SigningKeyFile string `json:"signingKeyFile,omitempty"`
	SigningKeyID   string `json:"signingKeyId,omitempty"`
}

// loadCredentials eagerly loads and parses every credential so a
// malformed signing key fails startup rather than the first token
// fetch.
func loadCredentials(path string) (auth.CredentialsFunc, error) {
	var raw, err = os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading credentials file: %w", err)
	}
	var entries map[string]credentialEntry
	if err = json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("decoding credentials file: %w", err)
	}

	var creds = make(map[string]auth.Credential, len(entries))
	for clientID, e := range entries {
		var cred = auth.Credential{
			OAuthClientID: e.OAuthClientID,
			SigningKeyID:  e.SigningKeyID,
		}
		if e.SigningKeyFile != "" {
			pem, err := os.ReadFile(e.SigningKeyFile)
			if err != nil {
				return nil, fmt.Errorf("reading signing key of %s: %w", clientID, err)
			}
			if cred.SigningKey, err = jwt.ParseRSAPrivateKeyFromPEM(pem); err != nil {
				return nil, fmt.Errorf("parsing signing key of %s: %w", clientID, err)
			}
		}
		creds[clientID] = cred
	}

	return func(clientID string) (auth.Credential, error) {
		var cred, ok = creds[clientID]
		if !ok {
			return auth.Credential{}, fmt.Errorf("unknown client institution %s", clientID)
		}
		return cred, nil
	}, nil
}
