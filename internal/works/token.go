package works

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	logx "worksnotify/pkg/logx"
)

const (
	DefaultTokenURL = "https://auth.worksmobile.com/oauth2/v2.0/token"
	DefaultScope    = "bot bot.read user.read"

	DefaultTokenBuffer  = 300 * time.Second
	DefaultAssertionTTL = time.Hour

	grantTypeJWTBearer = "urn:ietf:params:oauth:grant-type:jwt-bearer"
)

// TokenSource hands out bearer tokens for platform calls.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
	// Invalidate drops any cached token so the next call re-authenticates.
	Invalidate()
}

type cachedToken struct {
	value  string
	expiry time.Time
}

// TokenProvider exchanges a signed service-account assertion for a bearer
// token (OAuth2 JWT-bearer grant) and caches it until expiry minus buffer.
//
// Concurrent callers that miss the cache share one exchange.
type TokenProvider struct {
	creds        Credentials
	tokenURL     string
	scope        string
	buffer       time.Duration
	assertionTTL time.Duration
	http         *http.Client
	now          func() time.Time
	log          logx.Logger

	mu     sync.Mutex
	cached *cachedToken
	key    *rsa.PrivateKey

	sf        singleflight.Group
	exchanges atomic.Uint64
}

var _ TokenSource = (*TokenProvider)(nil)

type ProviderOption func(*TokenProvider)

func WithTokenURL(u string) ProviderOption {
	return func(p *TokenProvider) {
		if strings.TrimSpace(u) != "" {
			p.tokenURL = u
		}
	}
}

func WithScope(scope string) ProviderOption {
	return func(p *TokenProvider) {
		if strings.TrimSpace(scope) != "" {
			p.scope = scope
		}
	}
}

// WithBuffer sets how long before expiry a cached token stops being used.
func WithBuffer(d time.Duration) ProviderOption {
	return func(p *TokenProvider) {
		if d >= 0 {
			p.buffer = d
		}
	}
}

func WithAssertionTTL(d time.Duration) ProviderOption {
	return func(p *TokenProvider) {
		if d > 0 {
			p.assertionTTL = d
		}
	}
}

func WithHTTPClient(c *http.Client) ProviderOption {
	return func(p *TokenProvider) {
		if c != nil {
			p.http = c
		}
	}
}

func WithClock(now func() time.Time) ProviderOption {
	return func(p *TokenProvider) {
		if now != nil {
			p.now = now
		}
	}
}

func WithLogger(log logx.Logger) ProviderOption {
	return func(p *TokenProvider) {
		if !log.IsZero() {
			p.log = log
		}
	}
}

func NewTokenProvider(creds Credentials, opts ...ProviderOption) *TokenProvider {
	p := &TokenProvider{
		creds:        creds,
		tokenURL:     DefaultTokenURL,
		scope:        DefaultScope,
		buffer:       DefaultTokenBuffer,
		assertionTTL: DefaultAssertionTTL,
		http:         &http.Client{Timeout: 10 * time.Second},
		now:          time.Now,
		log:          logx.Nop(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// AccessToken returns the cached token while now < expiry-buffer, otherwise
// performs one exchange. Errors wrap ErrAuth.
//
// The shared exchange is detached from the caller that started it and is
// bounded by the HTTP client timeout; each caller stops waiting when its
// own ctx is done.
func (p *TokenProvider) AccessToken(ctx context.Context) (string, error) {
	if tok, ok := p.fresh(); ok {
		return tok, nil
	}
	ch := p.sf.DoChan("token", func() (any, error) {
		// A concurrent caller may have refreshed while we queued.
		if tok, ok := p.fresh(); ok {
			return tok, nil
		}
		return p.refresh(context.WithoutCancel(ctx))
	})
	select {
	case <-ctx.Done():
		return "", fmt.Errorf("%w: %w", ErrAuth, ctx.Err())
	case r := <-ch:
		if r.Err != nil {
			return "", r.Err
		}
		return r.Val.(string), nil
	}
}

func (p *TokenProvider) Invalidate() {
	p.mu.Lock()
	p.cached = nil
	p.mu.Unlock()
}

// Exchanges reports how many token-endpoint calls were made.
func (p *TokenProvider) Exchanges() uint64 { return p.exchanges.Load() }

func (p *TokenProvider) fresh() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cached == nil {
		return "", false
	}
	if !p.now().Before(p.cached.expiry.Add(-p.buffer)) {
		return "", false
	}
	return p.cached.value, true
}

func (p *TokenProvider) signingKey() (*rsa.PrivateKey, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.key != nil {
		return p.key, nil
	}
	key, err := parsePrivateKey(p.creds.PrivateKeyPEM)
	if err != nil {
		return nil, err
	}
	p.key = key
	return key, nil
}

func (p *TokenProvider) assertion(now time.Time) (string, error) {
	key, err := p.signingKey()
	if err != nil {
		return "", err
	}
	claims := jwt.RegisteredClaims{
		Issuer:    p.creds.ClientID,
		Subject:   p.creds.ServiceAccount,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(p.assertionTTL)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
}

type tokenResponse struct {
	AccessToken string  `json:"access_token"`
	TokenType   string  `json:"token_type"`
	ExpiresIn   seconds `json:"expires_in"`
	Scope       string  `json:"scope"`
}

func (p *TokenProvider) refresh(ctx context.Context) (string, error) {
	if missing := p.creds.Missing(); len(missing) > 0 {
		return "", fmt.Errorf("%w: %w: %s", ErrAuth, ErrMissingCredentials, strings.Join(missing, ", "))
	}

	now := p.now()
	signed, err := p.assertion(now)
	if err != nil {
		return "", fmt.Errorf("%w: signing assertion: %w", ErrAuth, err)
	}

	form := url.Values{}
	form.Set("grant_type", grantTypeJWTBearer)
	form.Set("assertion", signed)
	form.Set("client_id", p.creds.ClientID)
	form.Set("client_secret", p.creds.ClientSecret)
	form.Set("scope", p.scope)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("%w: creating token request: %w", ErrAuth, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	p.exchanges.Add(1)
	resp, err := p.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: token request: %w", ErrAuth, err)
	}
	body, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	resp.Body.Close()
	if readErr != nil {
		return "", fmt.Errorf("%w: reading token response: %w", ErrAuth, readErr)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: token endpoint returned %d: %s", ErrAuth, resp.StatusCode, clip(body, 300))
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", fmt.Errorf("%w: decoding token response: %w", ErrAuth, err)
	}
	if tr.AccessToken == "" {
		return "", fmt.Errorf("%w: token response has no access_token", ErrAuth)
	}

	lifetime := time.Duration(tr.ExpiresIn) * time.Second
	if lifetime <= 0 {
		lifetime = p.assertionTTL
	}
	expiry := now.Add(lifetime)

	p.mu.Lock()
	p.cached = &cachedToken{value: tr.AccessToken, expiry: expiry}
	p.mu.Unlock()

	p.log.Debug("access token refreshed", logx.Time("expiry", expiry), logx.Duration("lifetime", lifetime))
	return tr.AccessToken, nil
}

// seconds decodes expires_in, which the platform sends either as a JSON
// number or as a numeric string.
type seconds int64

func (s *seconds) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*s = 0
		return nil
	}
	if b[0] == '"' {
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			return err
		}
		if strings.TrimSpace(str) == "" {
			*s = 0
			return nil
		}
		n, err := strconv.ParseInt(strings.TrimSpace(str), 10, 64)
		if err != nil {
			return fmt.Errorf("expires_in: %w", err)
		}
		*s = seconds(n)
		return nil
	}
	var n int64
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("expires_in: %w", err)
	}
	*s = seconds(n)
	return nil
}

func clip(b []byte, n int) string {
	s := strings.TrimSpace(string(b))
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
