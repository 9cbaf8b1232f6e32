package google

import (
	"context"
	"encoding/json"
	"fmt"

	"golang.org/x/oauth2"
)

// DefaultRedirectURL is used by the interactive flow when none is given.
const DefaultRedirectURL = "http://localhost"

// GetOAuthConfigForAuthFlow returns the OAuth2 config used to obtain a user's
// token interactively. Offline access is requested so the token carries a
// refresh token.
func GetOAuthConfigForAuthFlow(clientID, clientSecret, redirectURL string) (*oauth2.Config, error) {
	config, err := getOAuthConfig(clientID, clientSecret)
	if err != nil {
		return nil, err
	}
	if redirectURL == "" {
		redirectURL = DefaultRedirectURL
	}
	config.RedirectURL = redirectURL
	return config, nil
}

// AuthCodeURL is the consent page the operator opens for a user.
func AuthCodeURL(config *oauth2.Config, state string) string {
	return config.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// TokenFromWeb exchanges an authorization code and returns the token in the
// JSON form stored on the user row.
func TokenFromWeb(ctx context.Context, config *oauth2.Config, authCode string) (string, error) {
	token, err := config.Exchange(ctx, authCode)
	if err != nil {
		return "", fmt.Errorf("exchange authorization code: %w", err)
	}
	if token.RefreshToken == "" {
		return "", fmt.Errorf("token has no refresh token; revoke the app's access and retry")
	}
	b, err := json.Marshal(token)
	if err != nil {
		return "", fmt.Errorf("encode token: %w", err)
	}
	return string(b), nil
}
