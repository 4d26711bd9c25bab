package transport

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// TokenSource provides bearer tokens for server requests.
type TokenSource interface {
	Token() (string, error)
}

// oauthTokenSource adapts an oauth2.TokenSource. oauth2.ReuseTokenSource
// caches the token until it expires.
type oauthTokenSource struct {
	src oauth2.TokenSource
}

func (s oauthTokenSource) Token() (string, error) {
	tok, err := s.src.Token()
	if err != nil {
		return "", fmt.Errorf("transport: obtaining token: %w", err)
	}

	return tok.AccessToken, nil
}

// StaticToken returns a TokenSource for a pre-issued device token.
func StaticToken(token string) TokenSource {
	return oauthTokenSource{src: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"})}
}

// ClientCredentials describes an OAuth2 client-credentials grant.
type ClientCredentials struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	Scopes       []string
}

// NewClientCredentialsToken fetches and refreshes tokens with the
// client-credentials flow. ctx is bound to the token HTTP requests.
func NewClientCredentialsToken(ctx context.Context, cc ClientCredentials) (TokenSource, error) {
	if cc.ClientID == "" || cc.TokenURL == "" {
		return nil, errors.New("transport: client credentials need a client id and a token url")
	}

	cfg := &clientcredentials.Config{
		ClientID:     cc.ClientID,
		ClientSecret: cc.ClientSecret,
		TokenURL:     cc.TokenURL,
		Scopes:       cc.Scopes,
	}

	return oauthTokenSource{src: oauth2.ReuseTokenSource(nil, cfg.TokenSource(ctx))}, nil
}

// noToken is used when the server runs without authentication.
type noToken struct{}

func (noToken) Token() (string, error) { return "", nil }
