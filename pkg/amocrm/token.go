package amocrm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// ExpiryMargin is how long before expiry an access token stops being used.
const ExpiryMargin = 2 * time.Minute

const (
	defaultExpiresIn = 3600
	tokenPath        = "/oauth2/access_token"
	authorizeURL     = "https://www.amocrm.ru/oauth"
)

// Token is the OAuth token pair for the amoCRM session.
type Token = oauth2.Token

// ValidAt reports whether the access token may be used at now. Unlike
// oauth2.Token.Valid, an unknown expiry counts as expired.
func ValidAt(tok Token, now time.Time) bool {
	if tok.AccessToken == "" || tok.Expiry.IsZero() {
		return false
	}
	return now.Before(tok.Expiry.Add(-ExpiryMargin))
}

// TokenStore persists the token pair across restarts.
type TokenStore interface {
	// Load returns the stored token, or nil when nothing is stored yet.
	Load(ctx context.Context) (*Token, error)
	Save(ctx context.Context, tok Token) error
}

// OAuthConfig identifies the amoCRM integration.
type OAuthConfig struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	RedirectURI  string
}

// Validate checks that the integration is fully configured.
func (c OAuthConfig) Validate() error {
	if c.BaseURL == "" {
		return &ConfigError{Reason: "base_url is not configured"}
	}
	if c.ClientID == "" || c.ClientSecret == "" || c.RedirectURI == "" {
		return &ConfigError{Reason: "OAuth credentials are incomplete"}
	}
	return nil
}

// Config returns the authorization-code flow configuration for the account.
func (c OAuthConfig) Config() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		RedirectURL:  c.RedirectURI,
		Endpoint: oauth2.Endpoint{
			AuthURL:   authorizeURL,
			TokenURL:  strings.TrimRight(c.BaseURL, "/") + tokenPath,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// refreshSource exchanges a refresh token at the account's token endpoint.
// amoCRM wants a JSON body carrying redirect_uri on refresh, which the
// refresh path of oauth2.Config does not send.
type refreshSource struct {
	ctx          context.Context
	cfg          OAuthConfig
	http         *http.Client
	now          func() time.Time
	refreshToken string
}

var _ oauth2.TokenSource = (*refreshSource)(nil)

type tokenRequest struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	GrantType    string `json:"grant_type"`
	RefreshToken string `json:"refresh_token"`
	RedirectURI  string `json:"redirect_uri"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

func (s *refreshSource) Token() (*oauth2.Token, error) {
	body, err := json.Marshal(tokenRequest{
		ClientID:     s.cfg.ClientID,
		ClientSecret: s.cfg.ClientSecret,
		GrantType:    "refresh_token",
		RefreshToken: s.refreshToken,
		RedirectURI:  s.cfg.RedirectURI,
	})
	if err != nil {
		return nil, eris.Wrap(err, "amocrm: marshal token request")
	}

	req, err := http.NewRequestWithContext(s.ctx, http.MethodPost, s.cfg.BaseURL+tokenPath, bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "amocrm: create token request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "amocrm: token request")
	}
	defer resp.Body.Close() //nolint:errcheck

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "amocrm: read token response")
	}
	if resp.StatusCode >= 300 {
		zap.L().Error("amocrm: token refresh failed",
			zap.Int("status", resp.StatusCode),
			zap.String("body", string(respBody)),
		)
		return nil, &APIError{Method: http.MethodPost, Path: tokenPath, Status: resp.StatusCode, Body: string(respBody)}
	}

	var tr tokenResponse
	if err := json.Unmarshal(respBody, &tr); err != nil {
		return nil, eris.Wrap(err, "amocrm: decode token response")
	}
	if tr.AccessToken == "" {
		return nil, eris.New("amocrm: token response has no access_token")
	}
	if tr.RefreshToken == "" {
		tr.RefreshToken = s.refreshToken
	}
	if tr.ExpiresIn <= 0 {
		tr.ExpiresIn = defaultExpiresIn
	}
	if tr.TokenType == "" {
		tr.TokenType = "Bearer"
	}

	return &oauth2.Token{
		AccessToken:  tr.AccessToken,
		TokenType:    tr.TokenType,
		RefreshToken: tr.RefreshToken,
		Expiry:       s.now().UTC().Add(time.Duration(tr.ExpiresIn) * time.Second),
		ExpiresIn:    tr.ExpiresIn,
	}, nil
}

// TokenOption configures a TokenManager.
type TokenOption func(*TokenManager)

// WithTokenHTTPClient overrides the HTTP client used for the token endpoint.
func WithTokenHTTPClient(hc *http.Client) TokenOption {
	return func(m *TokenManager) {
		m.http = hc
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) TokenOption {
	return func(m *TokenManager) {
		m.now = now
	}
}

// TokenManager owns the access/refresh token pair. All callers share one
// instance; refreshes are serialized and happen at most once per expiry.
type TokenManager struct {
	cfg   OAuthConfig
	store TokenStore
	http  *http.Client
	now   func() time.Time

	// refreshMu serializes the whole refresh operation.
	refreshMu sync.Mutex

	mu    sync.RWMutex
	token Token

	refreshes int
}

// NewTokenManager creates a manager seeded with seed and overlaid with
// whatever the store holds. A store read failure is logged and ignored.
func NewTokenManager(ctx context.Context, cfg OAuthConfig, store TokenStore, seed Token, opts ...TokenOption) *TokenManager {
	m := &TokenManager{
		cfg:   cfg,
		store: store,
		token: seed,
		http:  &http.Client{Timeout: 20 * time.Second},
		now:   time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	m.cfg.BaseURL = strings.TrimRight(m.cfg.BaseURL, "/")

	if store != nil {
		stored, err := store.Load(ctx)
		if err != nil {
			zap.L().Warn("amocrm: failed to load stored token", zap.Error(err))
		} else if stored != nil {
			if stored.AccessToken != "" {
				m.token.AccessToken = stored.AccessToken
			}
			if stored.RefreshToken != "" {
				m.token.RefreshToken = stored.RefreshToken
			}
			if stored.TokenType != "" {
				m.token.TokenType = stored.TokenType
			}
			m.token.Expiry = stored.Expiry
		}
	}
	return m
}

// Current returns a snapshot of the token state.
func (m *TokenManager) Current() Token {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.token
}

// Refreshes returns the number of successful network refreshes performed.
func (m *TokenManager) Refreshes() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.refreshes
}

// EnsureValid returns an access token that is outside the expiry margin,
// refreshing it first when needed.
func (m *TokenManager) EnsureValid(ctx context.Context) (string, error) {
	if tok := m.Current(); ValidAt(tok, m.now()) {
		return tok.AccessToken, nil
	}

	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()

	// Another caller may have refreshed while we waited for the lock.
	if tok := m.Current(); ValidAt(tok, m.now()) {
		return tok.AccessToken, nil
	}
	return m.refreshLocked(ctx)
}

// ForceRefresh refreshes after the server rejected stale. If another caller
// already replaced stale, the newer token is returned without a network call.
func (m *TokenManager) ForceRefresh(ctx context.Context, stale string) (string, error) {
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()

	if tok := m.Current(); tok.AccessToken != "" && tok.AccessToken != stale && ValidAt(tok, m.now()) {
		return tok.AccessToken, nil
	}
	return m.refreshLocked(ctx)
}

// Exchange trades an authorization code from the integration's redirect for
// a fresh token pair and stores it.
func (m *TokenManager) Exchange(ctx context.Context, code string) (Token, error) {
	if err := m.cfg.Validate(); err != nil {
		return Token{}, err
	}
	if strings.TrimSpace(code) == "" {
		return Token{}, &ConfigError{Reason: "authorization code is empty"}
	}

	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()

	ctx = context.WithValue(ctx, oauth2.HTTPClient, m.http)
	tok, err := m.cfg.Config().Exchange(ctx, code)
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil {
			return Token{}, &APIError{Method: http.MethodPost, Path: tokenPath, Status: re.Response.StatusCode, Body: string(re.Body)}
		}
		return Token{}, eris.Wrap(err, "amocrm: exchange authorization code")
	}
	m.commit(ctx, *tok)
	return *tok, nil
}

// refreshLocked performs one network refresh. Caller holds refreshMu.
func (m *TokenManager) refreshLocked(ctx context.Context) (string, error) {
	current := m.Current()
	if current.RefreshToken == "" {
		return "", &ConfigError{Reason: "refresh token is missing; cannot refresh access token"}
	}
	if m.cfg.BaseURL == "" {
		return "", &ConfigError{Reason: "base_url is not configured"}
	}

	src := &refreshSource{ctx: ctx, cfg: m.cfg, http: m.http, now: m.now, refreshToken: current.RefreshToken}
	next, err := src.Token()
	if err != nil {
		return "", err
	}
	m.commit(ctx, *next)
	return next.AccessToken, nil
}

func (m *TokenManager) commit(ctx context.Context, next Token) {
	m.mu.Lock()
	m.token = next
	m.refreshes++
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.Save(ctx, next); err != nil {
			zap.L().Warn("amocrm: failed to persist token", zap.Error(err))
		}
	}

	zap.L().Info("amocrm: access token refreshed", zap.Time("expires_at", next.Expiry))
}
