package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoginWithCredentialsPersistsTokens(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/auth/login", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, tokenResponse("session-1"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	cfg := testConfig(t, srv.URL)
	auth := NewAuthenticator(cfg)

	require.NoError(t, auth.Login(context.Background()))
	assert.Equal(t, "Bearer session-1", auth.Header())

	// A fresh authenticator picks the persisted tokens back up.
	data, err := os.ReadFile(cfg.TokenPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "session-1")

	reloaded := NewAuthenticator(cfg)
	assert.Equal(t, "Bearer session-1", reloaded.Header())
}

func TestLoginPrefersRefreshToken(t *testing.T) {
	t.Parallel()

	credentialLogins := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, tokenResponse("session-2"))
	})
	mux.HandleFunc("/auth/login", func(w http.ResponseWriter, r *http.Request) {
		credentialLogins++
		writeJSON(w, http.StatusOK, tokenResponse("session-cred"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	auth := NewAuthenticator(testConfig(t, srv.URL))
	auth.tokens = tokenPair{Session: "session-old", Refresh: "refresh-old"}

	require.NoError(t, auth.Login(context.Background()))
	assert.Equal(t, "Bearer session-2", auth.Header())
	assert.Zero(t, credentialLogins)
}

func TestLoginFallsBackToCredentials(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{})
	})
	mux.HandleFunc("/auth/login", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, tokenResponse("session-cred"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	auth := NewAuthenticator(testConfig(t, srv.URL))
	auth.tokens = tokenPair{Session: "session-old", Refresh: "refresh-stale"}

	require.NoError(t, auth.Login(context.Background()))
	assert.Equal(t, "Bearer session-cred", auth.Header())
}

func TestReloginSkipsWhenTokenAlreadyReplaced(t *testing.T) {
	t.Parallel()

	logins := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/login", func(w http.ResponseWriter, r *http.Request) {
		logins++
		writeJSON(w, http.StatusOK, tokenResponse("session-fresh"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	auth := NewAuthenticator(testConfig(t, srv.URL))
	require.NoError(t, auth.Relogin(context.Background(), ""))
	require.Equal(t, 1, logins)

	// A second caller whose 401 predates the fresh token reuses it.
	require.NoError(t, auth.Relogin(context.Background(), "Bearer session-stale"))
	assert.Equal(t, 1, logins)

	// A 401 against the current token really does log in again.
	require.NoError(t, auth.Relogin(context.Background(), "Bearer session-fresh"))
	assert.Equal(t, 2, logins)
}

func TestLoginWithoutCredentials(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "http://127.0.0.1:0")
	cfg.Username = ""
	cfg.Password = ""

	auth := NewAuthenticator(cfg)
	require.Error(t, auth.Login(context.Background()))
}

func TestSessionExpiredWithoutToken(t *testing.T) {
	t.Parallel()

	auth := NewAuthenticator(testConfig(t, "http://127.0.0.1:0"))
	assert.True(t, auth.sessionExpired())

	// A non-JWT token cannot be inspected and counts as expired.
	auth.tokens.Session = "not-a-jwt"
	assert.True(t, auth.sessionExpired())
}
