package gateway

import (
	"bytes"
	"context"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/mangabridge/mangabridge/pkg/config"
	"github.com/pkg/errors"
	"github.com/robinjoseph08/golib/logger"
	"github.com/segmentio/encoding/json"
)

// tokenPair is the persisted session/refresh token state so restarts don't
// need a fresh credentials login.
type tokenPair struct {
	Session string `json:"session"`
	Refresh string `json:"refresh"`
}

// Authenticator owns the downstream platform login state. It is safe for use
// from every worker at once; a single login is performed even when multiple
// requests hit a 401 together.
type Authenticator struct {
	cfg    config.TargetConfig
	client *http.Client
	log    logger.Logger

	mu     sync.Mutex
	tokens tokenPair
}

func NewAuthenticator(cfg config.TargetConfig) *Authenticator {
	a := &Authenticator{
		cfg:    cfg,
		client: &http.Client{Timeout: 30 * time.Second},
		log:    logger.New(),
	}
	a.tokens = a.loadTokenFile()
	return a
}

func (a *Authenticator) loadTokenFile() tokenPair {
	var tokens tokenPair
	data, err := os.ReadFile(a.cfg.TokenPath)
	if err != nil {
		return tokens
	}
	if err := json.Unmarshal(data, &tokens); err != nil {
		a.log.Warn("auth token file is unreadable, ignoring", logger.Data{"path": a.cfg.TokenPath})
	}
	return tokens
}

func (a *Authenticator) saveTokenFile() {
	data, err := json.MarshalIndent(a.tokens, "", "  ")
	if err != nil {
		return
	}
	if err := os.WriteFile(a.cfg.TokenPath, data, 0600); err != nil {
		a.log.Err(err).Warn("could not persist auth tokens")
	}
}

// Header returns the bearer header value for the current session token, or an
// empty string when not logged in.
func (a *Authenticator) Header() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.tokens.Session == "" {
		return ""
	}
	return "Bearer " + a.tokens.Session
}

// sessionExpired peeks at the session token's exp claim without verifying the
// signature; the platform verifies it, we only need the deadline.
func (a *Authenticator) sessionExpired() bool {
	if a.tokens.Session == "" {
		return true
	}
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(a.tokens.Session, claims); err != nil {
		return true
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return true
	}
	return time.Until(exp.Time) < time.Minute
}

// EnsureLoggedIn refreshes or logs in only when the current session token is
// missing or about to expire.
func (a *Authenticator) EnsureLoggedIn(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.sessionExpired() {
		return nil
	}
	return a.login(ctx)
}

// Login forces a re-authentication, used when a request came back 401 despite
// a seemingly valid token.
func (a *Authenticator) Login(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.login(ctx)
}

// Relogin re-authenticates after a request came back 401. staleHeader is the
// Authorization value the rejected request carried; when another caller
// already replaced that token, the fresh one is reused instead of logging in
// again.
func (a *Authenticator) Relogin(ctx context.Context, staleHeader string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.tokens.Session != "" && "Bearer "+a.tokens.Session != staleHeader {
		return nil
	}
	return a.login(ctx)
}

func (a *Authenticator) login(ctx context.Context) error {
	if a.tokens.Refresh != "" {
		err := a.refresh(ctx)
		if err == nil {
			return nil
		}
		a.log.Err(err).Warn("token refresh failed, logging in with credentials")
	}
	return a.loginWithCredentials(ctx)
}

func (a *Authenticator) refresh(ctx context.Context) error {
	resp, err := a.postJSON(ctx, "/auth/refresh", map[string]string{"token": a.tokens.Refresh})
	if err != nil {
		return err
	}
	return a.consumeTokenResponse(resp)
}

func (a *Authenticator) loginWithCredentials(ctx context.Context) error {
	if a.cfg.Username == "" || a.cfg.Password == "" {
		return errors.New("login credentials missing")
	}
	resp, err := a.postJSON(ctx, "/auth/login", map[string]string{
		"username": a.cfg.Username,
		"password": a.cfg.Password,
	})
	if err != nil {
		return err
	}
	return a.consumeTokenResponse(resp)
}

func (a *Authenticator) postJSON(ctx context.Context, path string, body map[string]string) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.APIURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", a.cfg.UserAgent)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errors.Errorf("auth request %s returned %d", path, resp.StatusCode)
	}

	buf := &bytes.Buffer{}
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, errors.WithStack(err)
	}
	return buf.Bytes(), nil
}

func (a *Authenticator) consumeTokenResponse(body []byte) error {
	var parsed struct {
		Token tokenPair `json:"token"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return errors.WithStack(err)
	}
	if parsed.Token.Session == "" {
		return errors.New("auth response contained no session token")
	}
	a.tokens = parsed.Token
	a.saveTokenFile()
	return nil
}
