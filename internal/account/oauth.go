package account

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/url"
	"time"

	"golang.org/x/oauth2"
)

const (
	googleAuthorizeURL = "https://accounts.google.com/o/oauth2/v2/auth"
	oauthRedirectURI    = "http://localhost:51121/oauth/callback"
	oauthScope          = "openid email profile https://www.googleapis.com/auth/cloud-platform"
)

// OAuthConfig carries the vendor endpoints and client credentials needed to
// run the PKCE flow; populated from config.Config at startup.
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
}

func (c OAuthConfig) endpoint() oauth2.Endpoint {
	return oauth2.Endpoint{AuthURL: googleAuthorizeURL, TokenURL: c.TokenURL}
}

func (c OAuthConfig) conf() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		RedirectURL:  oauthRedirectURI,
		Scopes:       []string{oauthScope},
		Endpoint:     c.endpoint(),
	}
}

// PKCESession holds the parameters for a pending manual OAuth flow.
type PKCESession struct {
	CodeVerifier string
	State        string
}

// GenerateAuthURL builds a PKCE-secured Google authorization URL for manual
// browser-based onboarding of a new pooled account.
func GenerateAuthURL(oc OAuthConfig) (authURL string, sess PKCESession, err error) {
	verifier, challenge, err := generatePKCE()
	if err != nil {
		return "", PKCESession{}, fmt.Errorf("generate PKCE: %w", err)
	}
	state := generateState()

	u, _ := url.Parse(googleAuthorizeURL)
	q := url.Values{
		"client_id":             {oc.ClientID},
		"redirect_uri":          {oauthRedirectURI},
		"response_type":         {"code"},
		"scope":                 {oauthScope},
		"state":                 {state},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
		"access_type":           {"offline"},
		"prompt":                {"consent"},
	}
	u.RawQuery = q.Encode()

	return u.String(), PKCESession{CodeVerifier: verifier, State: state}, nil
}

// ExchangeResult holds the tokens returned from an authorization code exchange.
type ExchangeResult struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// ExchangeCode exchanges an authorization code for tokens at the Google token
// endpoint (§6 upstream endpoint oauth2.googleapis.com/token).
func ExchangeCode(ctx context.Context, oc OAuthConfig, code, verifier string) (*ExchangeResult, error) {
	tok, err := oc.conf().Exchange(ctx, code, oauth2.SetAuthURLParam("code_verifier", verifier))
	if err != nil {
		return nil, fmt.Errorf("exchange code: %w", err)
	}
	if tok.AccessToken == "" {
		return nil, fmt.Errorf("empty access_token in token response")
	}
	return &ExchangeResult{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
	}, nil
}

// Refresh exchanges a refresh token for a fresh access token (§4.3 Token
// Refresher). The returned RefreshToken is the rotated one when Google
// issued a new one, and otherwise the refreshToken passed in.
func Refresh(ctx context.Context, oc OAuthConfig, refreshToken string) (*ExchangeResult, error) {
	ts := oc.conf().TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := ts.Token()
	if err != nil {
		return nil, fmt.Errorf("refresh token: %w", err)
	}
	return &ExchangeResult{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
	}, nil
}

// --- PKCE helpers ---

func generatePKCE() (verifier, challenge string, err error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", "", err
	}
	verifier = base64.RawURLEncoding.EncodeToString(b)
	h := sha256.Sum256([]byte(verifier))
	challenge = base64.RawURLEncoding.EncodeToString(h[:])
	return verifier, challenge, nil
}

func generateState() string {
	b := make([]byte, 32)
	rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}
