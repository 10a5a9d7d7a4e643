package auth

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

// Google's endpoints, the only PKCE issuer the gemini adapter talks to.
const (
	googleAuthURL  = "https://accounts.google.com/o/oauth2/auth"
	googleTokenURL = "https://oauth2.googleapis.com/token"
)

// OAuthConfig holds the PKCE flow settings.
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
	// AuthURL/TokenURL override the Google endpoints, used by tests.
	AuthURL  string
	TokenURL string
}

// OAuthFlow runs the authorization-code-with-PKCE exchange and keeps
// refresh tokens in the sealed store. Refreshes are deduplicated per user:
// concurrent callers share one round trip.
type OAuthFlow struct {
	cfg   *oauth2.Config
	store *TokenStore
	group singleflight.Group
}

// NewOAuthFlow builds the flow. store may be nil when refresh-token
// persistence is disabled.
func NewOAuthFlow(c OAuthConfig, store *TokenStore) *OAuthFlow {
	authURL, tokenURL := c.AuthURL, c.TokenURL
	if authURL == "" {
		authURL = googleAuthURL
	}
	if tokenURL == "" {
		tokenURL = googleTokenURL
	}
	return &OAuthFlow{
		cfg: &oauth2.Config{
			ClientID:     c.ClientID,
			ClientSecret: c.ClientSecret,
			RedirectURL:  c.RedirectURL,
			Scopes:       c.Scopes,
			Endpoint:     oauth2.Endpoint{AuthURL: authURL, TokenURL: tokenURL},
		},
		store: store,
	}
}

// Initiate returns the authorize URL carrying an S256 challenge, plus the
// verifier the caller must present at Exchange.
func (f *OAuthFlow) Initiate(state string) (authorizeURL, verifier string) {
	verifier = oauth2.GenerateVerifier()
	authorizeURL = f.cfg.AuthCodeURL(state,
		oauth2.AccessTypeOffline, oauth2.S256ChallengeOption(verifier))
	return authorizeURL, verifier
}

// Exchange trades the authorization code for credentials and seals the
// refresh token under userKey.
func (f *OAuthFlow) Exchange(ctx context.Context, userKey, code, verifier string) (Credentials, error) {
	tok, err := f.cfg.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return Credentials{}, fmt.Errorf("auth: exchange: %w", err)
	}
	if tok.RefreshToken != "" && f.store != nil {
		if err := f.store.Put(userKey, tok.RefreshToken); err != nil {
			return Credentials{}, err
		}
	}
	return Credentials{Type: TypeBearer, Token: tok.AccessToken, RefreshToken: tok.RefreshToken}, nil
}

// Refresh obtains a fresh access token. An empty refreshToken falls back to
// the sealed store. At most one refresh per user is in flight; concurrent
// callers for the same user share the result.
func (f *OAuthFlow) Refresh(ctx context.Context, userKey, refreshToken string) (Credentials, error) {
	if refreshToken == "" {
		if f.store == nil {
			return Credentials{}, ErrAuthMissing
		}
		stored, err := f.store.Get(userKey)
		if err != nil {
			return Credentials{}, ErrAuthMissing
		}
		refreshToken = stored
	}

	v, err, _ := f.group.Do(userKey, func() (any, error) {
		src := f.cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
		tok, err := src.Token()
		if err != nil {
			return nil, fmt.Errorf("auth: refresh: %w", err)
		}
		// Rotation: a new refresh token replaces the stored one.
		if tok.RefreshToken != "" && tok.RefreshToken != refreshToken && f.store != nil {
			if err := f.store.Put(userKey, tok.RefreshToken); err != nil {
				return nil, err
			}
		}
		return Credentials{Type: TypeBearer, Token: tok.AccessToken, RefreshToken: tok.RefreshToken}, nil
	})
	if err != nil {
		return Credentials{}, err
	}
	return v.(Credentials), nil
}
