package gateway

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/mangabridge/mangabridge/pkg/config"
	"github.com/mangabridge/mangabridge/pkg/errcodes"
	"github.com/segmentio/encoding/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T, apiURL string) config.TargetConfig {
	t.Helper()

	return config.TargetConfig{
		APIURL:            apiURL,
		GroupID:           "group-1",
		Username:          "uploader",
		Password:          "hunter2",
		UserAgent:         "mangabridge-test/1.0",
		TokenPath:         filepath.Join(t.TempDir(), "tokens.json"),
		RequestsPerSecond: 1000,
		RetryAttempts:     3,
		RetryBackoff:      time.Millisecond,
		RateLimitCooldown: time.Second,
	}
}

func newTestGateway(t *testing.T, handler http.Handler) (*Gateway, *Authenticator) {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := testConfig(t, srv.URL)
	auth := NewAuthenticator(cfg)
	gw := New(cfg, auth)
	gw.sleep = func(time.Duration) {}
	return gw, auth
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	payload, _ := json.Marshal(body)
	w.Write(payload) //nolint:errcheck
}

func tokenResponse(session string) map[string]interface{} {
	return map[string]interface{}{
		"token": map[string]string{"session": session, "refresh": "refresh-1"},
	}
}

func TestGetDecodesBody(t *testing.T) {
	t.Parallel()

	gw, _ := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "mangabridge-test/1.0", r.Header.Get("User-Agent"))
		writeJSON(w, http.StatusOK, map[string]string{"result": "ok"})
	}))

	resp, err := gw.Get(context.Background(), "/ping")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Result string `json:"result"`
	}
	require.NoError(t, resp.Decode(&body))
	assert.Equal(t, "ok", body.Result)
}

func TestUnauthorizedTriggersSingleReloginAndRetry(t *testing.T) {
	t.Parallel()

	logins := 0
	var putBodies []string

	mux := http.NewServeMux()
	mux.HandleFunc("/auth/login", func(w http.ResponseWriter, r *http.Request) {
		logins++
		writeJSON(w, http.StatusOK, tokenResponse("session-fresh"))
	})
	mux.HandleFunc("/chapter/uuid-ch-1", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		putBodies = append(putBodies, string(body))

		if r.Header.Get("Authorization") != "Bearer session-fresh" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"result": "ok"})
	})

	gw, _ := newTestGateway(t, mux)

	// The budget is one attempt: the 401 retry must not consume it.
	gw.cfg.RetryAttempts = 1

	resp, err := gw.Put(context.Background(), "/chapter/uuid-ch-1", WithBody(map[string]string{"title": "The Duel"}))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, 1, logins)
	// The retried request resends the identical payload.
	require.Len(t, putBodies, 2)
	assert.Equal(t, putBodies[0], putBodies[1])
}

func TestUnauthorizedTwiceIsTerminal(t *testing.T) {
	t.Parallel()

	logins := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/login", func(w http.ResponseWriter, r *http.Request) {
		logins++
		writeJSON(w, http.StatusOK, tokenResponse("session-fresh"))
	})
	mux.HandleFunc("/chapter", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{})
	})

	gw, _ := newTestGateway(t, mux)

	_, err := gw.Get(context.Background(), "/chapter")
	require.Error(t, err)
	assert.Equal(t, errcodes.ClassAuthExpired, errcodes.ClassOf(err))
	assert.Equal(t, 1, logins)
}

func TestRateLimitedSleepsThenRetries(t *testing.T) {
	t.Parallel()

	calls := 0
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.Header().Set("X-RateLimit-Retry-After", strconv.FormatInt(time.Now().Add(2*time.Second).Unix(), 10))
			writeJSON(w, http.StatusTooManyRequests, map[string]string{})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"result": "ok"})
	})

	gw, _ := newTestGateway(t, handler)

	var slept []time.Duration
	gw.sleep = func(d time.Duration) { slept = append(slept, d) }

	_, err := gw.Get(context.Background(), "/chapter")
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	require.NotEmpty(t, slept)
	assert.Greater(t, slept[0], time.Duration(0))
}

func TestNotFoundIsImmediate(t *testing.T) {
	t.Parallel()

	calls := 0
	gw, _ := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		writeJSON(w, http.StatusNotFound, map[string]string{})
	}))

	_, err := gw.Get(context.Background(), "/chapter/nope")
	require.Error(t, err)
	assert.Equal(t, errcodes.ClassNotFound, errcodes.ClassOf(err))
	assert.Equal(t, 1, calls)
}

func TestPermanentCarriesAPIErrorMessage(t *testing.T) {
	t.Parallel()

	gw, _ := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"errors": []map[string]interface{}{
				{"status": 400, "title": "bad_request", "detail": "chapter number is invalid"},
			},
		})
	}))

	_, err := gw.Post(context.Background(), "/upload/begin")
	require.Error(t, err)
	assert.Equal(t, errcodes.ClassPermanent, errcodes.ClassOf(err))
	assert.Contains(t, err.Error(), "chapter number is invalid")
}

func TestServerErrorRetriesWithBackoff(t *testing.T) {
	t.Parallel()

	calls := 0
	gw, _ := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			writeJSON(w, http.StatusInternalServerError, map[string]string{})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"result": "ok"})
	}))

	_, err := gw.Get(context.Background(), "/chapter")
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestWithOKCodesAcceptsNotFound(t *testing.T) {
	t.Parallel()

	gw, _ := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{})
	}))

	resp, err := gw.Get(context.Background(), "/upload", WithOKCodes(http.StatusNotFound))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListChaptersPaginates(t *testing.T) {
	t.Parallel()

	makePage := func(offset, count int) []map[string]interface{} {
		page := make([]map[string]interface{}, 0, count)
		for i := 0; i < count; i++ {
			page = append(page, map[string]interface{}{
				"id": "ch-" + strconv.Itoa(offset+i),
				"attributes": map[string]interface{}{
					"translatedLanguage": "en",
					"createdAt":          "2026-01-01T00:00:00+00:00",
				},
			})
		}
		return page
	}

	var offsets []int
	gw, _ := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		offsets = append(offsets, offset)
		assert.Equal(t, "100", r.URL.Query().Get("limit"))

		count := 100
		if offset >= 100 {
			count = 30
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"data":  makePage(offset, count),
			"total": 130,
		})
	}))

	all, err := gw.ListChapters(context.Background(), nil)
	require.NoError(t, err)
	assert.Len(t, all, 130)
	assert.Equal(t, []int{0, 100}, offsets)
}

func TestTrimOffsetSuffix(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "2026-01-01T00:00:00", trimOffsetSuffix("2026-01-01T00:00:00+00:00"))
	assert.Equal(t, "2026-01-01T00:00:00", trimOffsetSuffix("2026-01-01T00:00:00Z"))
	assert.Equal(t, "2026-01-01T00:00:00", trimOffsetSuffix("2026-01-01T00:00:00"))
}

func TestAggregateToleratesObjectAndListShapes(t *testing.T) {
	t.Parallel()

	gw, _ := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/manga/uuid-manga-1/aggregate", r.URL.Path)
		assert.Equal(t, "group-1", r.URL.Query().Get("groups[]"))

		// One volume keyed as an object, its chapters as an object; the
		// platform serializes empty maps as arrays, covered below.
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{
			"volumes": {
				"1": {
					"chapters": {
						"10": {"chapter": "10", "id": "ch-a", "others": ["ch-b"], "count": 2}
					}
				},
				"none": {
					"chapters": []
				}
			}
		}`))
	}))

	chapters, err := gw.Aggregate(context.Background(), "uuid-manga-1", []string{"en"}, "group-1")
	require.NoError(t, err)
	require.Len(t, chapters, 1)
	assert.Equal(t, "10", chapters[0].Chapter)
	assert.Equal(t, 2, chapters[0].Count)
	assert.Equal(t, []string{"ch-b"}, chapters[0].Others)
}

func TestAggregateEmptyVolumesList(t *testing.T) {
	t.Parallel()

	gw, _ := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{"volumes": []interface{}{}})
	}))

	chapters, err := gw.Aggregate(context.Background(), "uuid-manga-1", []string{"en"}, "group-1")
	require.NoError(t, err)
	assert.Empty(t, chapters)
}
