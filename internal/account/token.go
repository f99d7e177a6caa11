package account

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/relaydev/antigravity-proxy/internal/apperr"
	"github.com/relaydev/antigravity-proxy/internal/config"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

// HTTPTransportProvider returns per-account HTTP transports, used so a
// refresh call for a proxied account goes out through that account's own
// transport rather than the process-wide default client.
type HTTPTransportProvider interface {
	GetHTTPTransport(acct *Account) *http.Transport
}

// TokenManager refreshes OAuth access tokens (§4.3 Token Refresher).
// Concurrent refreshes for the same account collapse onto a single upstream
// call via singleflight, replacing the teacher's store-backed
// AcquireRefreshLock/ReleaseRefreshLock pair: the lock only ever needed to
// be process-local here since a single proxy instance owns the account pool.
type TokenManager struct {
	accounts  *Store
	cfg       *config.Config
	oc        OAuthConfig
	transport HTTPTransportProvider
	group     singleflight.Group
}

func NewTokenManager(accounts *Store, cfg *config.Config, tp HTTPTransportProvider) *TokenManager {
	return &TokenManager{
		accounts: accounts,
		cfg:      cfg,
		oc: OAuthConfig{
			ClientID:     cfg.OAuthClientID,
			ClientSecret: cfg.OAuthClientSecret,
			TokenURL:     cfg.OAuthTokenURL,
		},
		transport: tp,
	}
}

// EnsureValidToken returns a valid access token for accountID, refreshing it
// first if it expires within cfg.TokenRefreshAdvance. Once a usable token is
// in hand it also resolves the account's project/tier (§4.4) if either is
// still unknown, since that's the one place a fresh token and a dialing
// context are both guaranteed to be available.
func (tm *TokenManager) EnsureValidToken(ctx context.Context, accountID string) (string, error) {
	rec, err := tm.accounts.RawRecord(ctx, accountID)
	if err != nil {
		return "", apperr.Wrap(apperr.KindInternal, "load account", err)
	}
	if rec == nil {
		return "", apperr.Input("unknown account")
	}

	var token string
	now := time.Now().UnixMilli()
	if rec.ExpiresAt > 0 && now < rec.ExpiresAt-tm.cfg.TokenRefreshAdvance.Milliseconds() {
		if t, err := tm.accounts.DecryptedAccessToken(rec.AccessTokenEnc); err == nil && t != "" {
			token = t
		}
	}
	if token == "" {
		token, err = tm.refresh(ctx, accountID)
		if err != nil {
			return "", err
		}
	}

	tm.ensureProjectAndTier(ctx, accountID, token)
	return token, nil
}

// ForceRefresh triggers an immediate refresh, ignoring the expiry check.
func (tm *TokenManager) ForceRefresh(ctx context.Context, accountID string) (string, error) {
	return tm.refresh(ctx, accountID)
}

func (tm *TokenManager) refresh(ctx context.Context, accountID string) (string, error) {
	v, err, _ := tm.group.Do(accountID, func() (any, error) {
		return tm.doRefresh(ctx, accountID)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (tm *TokenManager) doRefresh(ctx context.Context, accountID string) (string, error) {
	rec, err := tm.accounts.RawRecord(ctx, accountID)
	if err != nil {
		return "", apperr.Wrap(apperr.KindRefresh, "load account", err)
	}
	if rec == nil {
		return "", apperr.Input("unknown account")
	}

	refreshToken, err := tm.accounts.DecryptedRefreshToken(rec.RefreshTokenEnc)
	if err != nil || refreshToken == "" {
		tm.markError(ctx, accountID, "decrypt refresh token failed")
		return "", apperr.Wrap(apperr.KindRefresh, "decrypt refresh token", err)
	}

	slog.Info("refreshing token", "accountId", accountID)

	result, err := tm.callRefresh(ctx, accountID, refreshToken)
	if err != nil {
		if isInvalidGrant(err) {
			slog.Error("refresh token permanently revoked, disabling account", "accountId", accountID, "error", err)
			_ = tm.accounts.SetDisabled(ctx, accountID, fmt.Sprintf("invalid_grant: %s", err))
		} else {
			tm.markError(ctx, accountID, err.Error())
		}
		return "", apperr.Wrap(apperr.KindRefresh, "oauth refresh", err)
	}

	if err := tm.accounts.UpdateTokens(ctx, accountID, result.AccessToken, result.ExpiresAt, result.RefreshToken); err != nil {
		return "", apperr.Wrap(apperr.KindInternal, "store refreshed tokens", err)
	}

	slog.Info("token refreshed", "accountId", accountID, "expiresAt", result.ExpiresAt)
	return result.AccessToken, nil
}

// callRefresh runs the OAuth refresh, going out through the account's own
// proxy transport when one is configured.
func (tm *TokenManager) callRefresh(ctx context.Context, accountID, refreshToken string) (*ExchangeResult, error) {
	ctx, cancel := context.WithTimeout(ctx, tm.cfg.RefreshTimeout)
	defer cancel()

	if tm.transport != nil {
		if acct, err := tm.accounts.Get(ctx, accountID); err == nil && acct != nil && acct.Proxy != nil {
			client := &http.Client{Transport: tm.transport.GetHTTPTransport(acct), Timeout: tm.cfg.RefreshTimeout}
			ctx = context.WithValue(ctx, oauth2.HTTPClient, client)
		}
	}

	return Refresh(ctx, tm.oc, refreshToken)
}

func (tm *TokenManager) markError(ctx context.Context, accountID, msg string) {
	slog.Error("token refresh failed", "accountId", accountID, "error", msg)
	_ = tm.accounts.MarkError(ctx, accountID, fmt.Sprintf("refresh failed: %s", msg))
}

// isInvalidGrant reports whether err is Google rejecting the refresh token
// outright (revoked, expired, or the account's access was pulled) rather
// than a transient network/server failure, mirroring the original server's
// `e.contains("invalid_grant")` escalation in token_manager.rs.
func isInvalidGrant(err error) bool {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		if retrieveErr.ErrorCode == "invalid_grant" {
			return true
		}
		return strings.Contains(string(retrieveErr.Body), "invalid_grant")
	}
	return strings.Contains(err.Error(), "invalid_grant")
}

// ensureProjectAndTier resolves and persists the account's Cloud project and
// subscription tier (§4.4) the first time a valid token is available for it;
// once both are known it is a no-op on every later call.
func (tm *TokenManager) ensureProjectAndTier(ctx context.Context, accountID, accessToken string) {
	acct, err := tm.accounts.Get(ctx, accountID)
	if err != nil || acct == nil {
		return
	}
	if acct.ProjectID != "" && acct.Tier != TierUnknown {
		return
	}

	client := &http.Client{Timeout: tm.cfg.RefreshTimeout}
	if tm.transport != nil {
		if rt := tm.transport.GetHTTPTransport(acct); rt != nil {
			client.Transport = rt
		}
	}

	projectID, tier, err := ResolveProjectID(ctx, client, tm.cfg.ProjectMetaURL, accessToken)
	if err != nil {
		slog.Warn("project/tier resolution failed", "accountId", accountID, "error", err)
		return
	}
	if projectID != "" && projectID != acct.ProjectID {
		if err := tm.accounts.UpdateProjectID(ctx, accountID, projectID); err != nil {
			slog.Warn("persist project id failed", "accountId", accountID, "error", err)
		}
	}
	if tier != TierUnknown && tier != acct.Tier {
		if err := tm.accounts.UpdateTier(ctx, accountID, tier); err != nil {
			slog.Warn("persist tier failed", "accountId", accountID, "error", err)
		}
	}
}
