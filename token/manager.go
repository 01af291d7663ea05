package token

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/Laisky/errors/v2"
	"github.com/Laisky/zap"

	"github.com/qrelay/qrelay/common/client"
	"github.com/qrelay/qrelay/common/config"
	"github.com/qrelay/qrelay/common/logger"
	"github.com/qrelay/qrelay/model"
)

const (
	// amazonQTokenEndpoint is the AWS SSO OIDC token endpoint used for
	// refresh-token grants.
	amazonQTokenEndpoint = "https://oidc.us-east-1.amazonaws.com/token"
	googleTokenEndpoint  = "https://oauth2.googleapis.com/token"

	// expiryMargin forces refresh before the token actually dies so
	// in-flight streams never ride an expiring credential.
	expiryMargin = 5 * time.Minute
)

// The CodeWhisperer endpoint rejects unknown clients, so refresh calls
// mimic the Amazon Q CLI's SDK identity.
const (
	amazonQUserAgent    = "aws-sdk-rust/1.3.9 os/macos lang/rust/1.87.0"
	amazonQAmzUserAgent = "aws-sdk-rust/1.3.9 ua/2.1 api/ssooidc/1.88.0 os/macos lang/rust/1.87.0 m/E app/AmazonQ-For-CLI"
)

// RefreshError marks a refresh rejected by the identity provider; the
// orchestrator treats it as an account-level failure, not a request
// failure.
type RefreshError struct {
	AccountId string
	Reason    string
}

func (e *RefreshError) Error() string {
	return fmt.Sprintf("token refresh failed for account %s: %s", e.AccountId, e.Reason)
}

// Manager hands out valid access tokens, refreshing behind a
// per-account mutex so concurrent callers share one refresh outcome.
type Manager struct {
	mu      sync.Mutex
	locks   map[string]*sync.Mutex
	store   *FileStore
	httpCli *http.Client
}

func NewManager() *Manager {
	return &Manager{
		locks: make(map[string]*sync.Mutex),
		store: NewFileStore(config.TokenCacheDir),
	}
}

// client resolves lazily so a Manager built before client.Init still
// works.
func (m *Manager) client() *http.Client {
	if m.httpCli != nil {
		return m.httpCli
	}
	return client.ImpatientHTTPClient
}

var (
	defaultManager *Manager
	defaultOnce    sync.Once
)

// Default is the process-wide manager. All refresh paths share it so
// the per-account refresh locks actually deduplicate.
func Default() *Manager {
	defaultOnce.Do(func() {
		defaultManager = NewManager()
	})
	return defaultManager
}

func (m *Manager) accountLock(id string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[id] = lock
	}
	return lock
}

// GetValidToken returns an access token with at least five minutes of
// remaining life, refreshing through the provider when necessary.
func (m *Manager) GetValidToken(ctx context.Context, account *model.Account) (string, error) {
	if account.Type == model.ChannelCustomAPI {
		// custom_api accounts authenticate with a static key
		if account.AccessToken != "" {
			return account.AccessToken, nil
		}
		return account.ClientSecret, nil
	}

	if !m.tokenExpired(account) {
		return account.AccessToken, nil
	}

	lock := m.accountLock(account.Id)
	lock.Lock()
	defer lock.Unlock()

	// another caller may have refreshed while we waited on the lock
	if fresh, err := model.GetAccountById(account.Id); err == nil {
		*account = *fresh
		if !m.tokenExpired(account) {
			return account.AccessToken, nil
		}
	}

	// a sibling process may have refreshed and only the file cache
	// carries the result
	if tok, err := m.store.Load(account.Id); err == nil && tok.AccessToken != "" &&
		time.Now().Add(expiryMargin).Unix() < tok.ExpiresAt {
		if err := account.UpdateTokens(tok.AccessToken, tok.RefreshToken, tok.ExpiresAt); err == nil {
			return account.AccessToken, nil
		}
	}

	if err := m.refreshLocked(ctx, account); err != nil {
		return "", err
	}
	return account.AccessToken, nil
}

// DropCachedToken removes the account's file-cache entry. Called when
// the account itself is deleted.
func (m *Manager) DropCachedToken(accountId string) error {
	return m.store.Delete(accountId)
}

// ForceRefresh refreshes unconditionally. The orchestrator calls it
// once per request when an upstream 401/403 carries the provider's
// invalid-token marker.
func (m *Manager) ForceRefresh(ctx context.Context, account *model.Account) error {
	if account.Type == model.ChannelCustomAPI {
		return errors.Errorf("account %s uses a static key, nothing to refresh", account.Id)
	}
	lock := m.accountLock(account.Id)
	lock.Lock()
	defer lock.Unlock()
	return m.refreshLocked(ctx, account)
}

// tokenExpired reports whether the cached token is missing, inside the
// early-refresh margin, or carries a JWT exp claim already in the past.
func (m *Manager) tokenExpired(account *model.Account) bool {
	if account.AccessToken == "" {
		return true
	}
	now := time.Now()
	if account.TokenExpiresAt > 0 &&
		now.Add(expiryMargin).Unix() >= account.TokenExpiresAt {
		return true
	}
	if exp, ok := jwtExpiry(account.AccessToken); ok {
		if now.Add(expiryMargin).After(exp) {
			return true
		}
	}
	return account.TokenExpiresAt == 0
}

// jwtExpiry extracts the exp claim from a JWT-shaped token. Opaque
// tokens simply report no claim.
func jwtExpiry(token string) (time.Time, bool) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return time.Time{}, false
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return time.Time{}, false
	}
	var claims struct {
		Exp int64 `json:"exp"`
	}
	if err := json.Unmarshal(payload, &claims); err != nil || claims.Exp == 0 {
		return time.Time{}, false
	}
	return time.Unix(claims.Exp, 0), true
}

func (m *Manager) refreshLocked(ctx context.Context, account *model.Account) error {
	lg := logger.Logger.With(
		zap.String("account", account.Id),
		zap.String("type", account.Type))
	lg.Info("refreshing access token")

	ctx, cancel := context.WithTimeout(ctx, config.TokenRefreshTimeout)
	defer cancel()

	var accessToken, refreshToken string
	var expiresIn int
	var err error
	switch account.Type {
	case model.ChannelAmazonQ:
		accessToken, refreshToken, expiresIn, err = m.refreshAmazonQ(ctx, account)
	case model.ChannelGemini:
		accessToken, refreshToken, expiresIn, err = m.refreshGemini(ctx, account)
	default:
		return errors.Errorf("unknown account type %q", account.Type)
	}
	if err != nil {
		account.UpdateRefreshStatus(model.RefreshStatusFailed, 0)
		lg.Error("token refresh failed", zap.Error(err))
		return &RefreshError{AccountId: account.Id, Reason: err.Error()}
	}

	if expiresIn <= 0 {
		expiresIn = 3600
	}
	expiresAt := time.Now().Add(time.Duration(expiresIn) * time.Second).Unix()

	if err := account.UpdateTokens(accessToken, refreshToken, expiresAt); err != nil {
		return errors.Wrap(err, "persist refreshed tokens")
	}
	account.UpdateRefreshStatus(model.RefreshStatusSuccess, expiresAt)

	if err := m.store.Save(account.Id, CachedToken{
		AccessToken:  account.AccessToken,
		RefreshToken: account.RefreshToken,
		ExpiresAt:    expiresAt,
	}); err != nil {
		lg.Warn("failed to write token cache file", zap.Error(err))
	}

	lg.Info("token refreshed", zap.Int64("expires_at", expiresAt))
	return nil
}

func (m *Manager) refreshAmazonQ(ctx context.Context, account *model.Account) (string, string, int, error) {
	body, err := json.Marshal(map[string]string{
		"grantType":    "refresh_token",
		"refreshToken": account.RefreshToken,
		"clientId":     account.ClientId,
		"clientSecret": account.ClientSecret,
	})
	if err != nil {
		return "", "", 0, errors.Wrap(err, "marshal refresh payload")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, amazonQTokenEndpoint, bytes.NewReader(body))
	if err != nil {
		return "", "", 0, errors.Wrap(err, "build refresh request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", amazonQUserAgent)
	req.Header.Set("X-Amz-User-Agent", amazonQAmzUserAgent)
	req.Header.Set("Accept", "*/*")

	resp, err := m.client().Do(req)
	if err != nil {
		return "", "", 0, errors.Wrap(err, "post refresh request")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", "", 0, errors.Wrap(err, "read refresh response")
	}
	if resp.StatusCode != http.StatusOK {
		return "", "", 0, errors.Errorf("provider returned %d: %s", resp.StatusCode, respBody)
	}

	var parsed struct {
		AccessToken  string `json:"accessToken"`
		RefreshToken string `json:"refreshToken"`
		ExpiresIn    int    `json:"expiresIn"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", "", 0, errors.Wrap(err, "parse refresh response")
	}
	if parsed.AccessToken == "" {
		return "", "", 0, errors.New("response missing accessToken")
	}
	return parsed.AccessToken, parsed.RefreshToken, parsed.ExpiresIn, nil
}

func (m *Manager) refreshGemini(ctx context.Context, account *model.Account) (string, string, int, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {account.RefreshToken},
		"client_id":     {account.ClientId},
		"client_secret": {account.ClientSecret},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, googleTokenEndpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return "", "", 0, errors.Wrap(err, "build refresh request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", "google-api-nodejs-client/10.3.0")
	req.Header.Set("x-goog-api-client", "gl-node/22.18.0")

	resp, err := m.client().Do(req)
	if err != nil {
		return "", "", 0, errors.Wrap(err, "post refresh request")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", "", 0, errors.Wrap(err, "read refresh response")
	}
	if resp.StatusCode != http.StatusOK {
		return "", "", 0, errors.Errorf("provider returned %d: %s", resp.StatusCode, respBody)
	}

	var parsed struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int    `json:"expires_in"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", "", 0, errors.Wrap(err, "parse refresh response")
	}
	if parsed.AccessToken == "" {
		return "", "", 0, errors.New("response missing access_token")
	}
	return parsed.AccessToken, parsed.RefreshToken, parsed.ExpiresIn, nil
}

// invalidTokenMarkers are provider phrases in 401/403 bodies that mean
// the bearer token itself is dead, not the request.
var invalidTokenMarkers = []string{
	"invalid_grant",
	"invalid_token",
	"ExpiredTokenException",
	"invalid bearer token",
	"token has expired",
	"UNAUTHENTICATED",
}

// IsInvalidTokenResponse reports whether an upstream error response
// should trigger the once-per-request forced refresh.
func IsInvalidTokenResponse(statusCode int, body []byte) bool {
	if statusCode != http.StatusUnauthorized && statusCode != http.StatusForbidden {
		return false
	}
	lower := strings.ToLower(string(body))
	for _, marker := range invalidTokenMarkers {
		if strings.Contains(lower, strings.ToLower(marker)) {
			return true
		}
	}
	return false
}
