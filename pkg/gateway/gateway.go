package gateway

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/mangabridge/mangabridge/pkg/config"
	"github.com/mangabridge/mangabridge/pkg/errcodes"
	"github.com/pkg/errors"
	"github.com/robinjoseph08/golib/logger"
	"github.com/segmentio/encoding/json"
	"golang.org/x/time/rate"
)

// Response is a decoded downstream API reply. Data is the raw body; callers
// decode the envelope they expect.
type Response struct {
	StatusCode int
	Data       json.RawMessage
}

// Decode unmarshals the response body into out.
func (r *Response) Decode(out interface{}) error {
	if len(r.Data) == 0 {
		return errcodes.Malformed("response body is empty")
	}
	if err := json.Unmarshal(r.Data, out); err != nil {
		return errcodes.Malformed(err.Error())
	}
	return nil
}

// Gateway executes authenticated requests against the downstream platform.
// It is the single shared mutable resource between workers: the rate limiter
// paces every request, 401s trigger one re-login, and transient failures are
// retried with a fixed backoff.
type Gateway struct {
	cfg     config.TargetConfig
	client  *http.Client
	limiter *rate.Limiter
	auth    *Authenticator
	log     logger.Logger

	// sleep is swapped out in tests.
	sleep func(time.Duration)
}

func New(cfg config.TargetConfig, auth *Authenticator) *Gateway {
	return &Gateway{
		cfg:     cfg,
		client:  &http.Client{Timeout: 60 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		auth:    auth,
		log:     logger.New(),
		sleep:   time.Sleep,
	}
}

type requestOptions struct {
	params  url.Values
	body    interface{}
	okCodes []int
}

// RequestOption tweaks a single request.
type RequestOption func(*requestOptions)

// WithParams sets the query string.
func WithParams(params url.Values) RequestOption {
	return func(o *requestOptions) { o.params = params }
}

// WithBody sets a JSON request body.
func WithBody(body interface{}) RequestOption {
	return func(o *requestOptions) { o.body = body }
}

// WithOKCodes treats the given status codes as successful in addition to 2xx.
// Used where a 404 is an acceptable answer (no open session, already deleted).
func WithOKCodes(codes ...int) RequestOption {
	return func(o *requestOptions) { o.okCodes = codes }
}

func (g *Gateway) Get(ctx context.Context, path string, opts ...RequestOption) (*Response, error) {
	return g.do(ctx, http.MethodGet, path, opts...)
}

func (g *Gateway) Post(ctx context.Context, path string, opts ...RequestOption) (*Response, error) {
	return g.do(ctx, http.MethodPost, path, opts...)
}

func (g *Gateway) Put(ctx context.Context, path string, opts ...RequestOption) (*Response, error) {
	return g.do(ctx, http.MethodPut, path, opts...)
}

func (g *Gateway) Delete(ctx context.Context, path string, opts ...RequestOption) (*Response, error) {
	return g.do(ctx, http.MethodDelete, path, opts...)
}

func (g *Gateway) do(ctx context.Context, method, path string, opts ...RequestOption) (*Response, error) {
	o := &requestOptions{}
	for _, opt := range opts {
		opt(o)
	}

	var lastErr error
	attempts := 0
	authRetries := 0

	for attempts < g.cfg.RetryAttempts {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, errors.WithStack(err)
		}

		authHeader := ""
		if g.auth != nil {
			authHeader = g.auth.Header()
		}

		resp, err := g.once(ctx, method, path, o, authHeader)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		switch errcodes.ClassOf(err) {
		case errcodes.ClassAuthExpired:
			// Re-authentication does not consume the attempt
			// budget, but a second consecutive 401 means the
			// login itself is broken.
			authRetries++
			if authRetries > 1 {
				return nil, err
			}
			if g.auth == nil {
				return nil, err
			}
			if loginErr := g.auth.Relogin(ctx, authHeader); loginErr != nil {
				g.log.Err(loginErr).Error("re-authentication failed")
				attempts++
			}
			continue
		case errcodes.ClassRateLimited:
			cooldown := errcodes.RetryAfterOf(err)
			if cooldown <= 0 {
				cooldown = g.cfg.RateLimitCooldown
			}
			g.log.Warn("rate limited, cooling down", logger.Data{"cooldown": cooldown.String(), "path": path})
			g.sleep(cooldown)
			continue
		case errcodes.ClassNotFound, errcodes.ClassPermanent:
			return nil, err
		}

		// Transient or malformed: fixed backoff, then retry.
		attempts++
		if attempts < g.cfg.RetryAttempts {
			g.sleep(g.cfg.RetryBackoff)
		}
	}

	return nil, errors.Wrapf(lastErr, "%s %s failed after %d attempts", method, path, g.cfg.RetryAttempts)
}

func (g *Gateway) once(ctx context.Context, method, path string, o *requestOptions, authHeader string) (*Response, error) {
	u := g.cfg.APIURL + path
	if len(o.params) > 0 {
		u += "?" + o.params.Encode()
	}

	var bodyReader io.Reader
	if o.body != nil {
		payload, err := json.Marshal(o.body)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		bodyReader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	req.Header.Set("User-Agent", g.cfg.UserAgent)
	if o.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}

	httpResp, err := g.client.Do(req)
	if err != nil {
		return nil, errcodes.Transient(0, err.Error())
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, errcodes.Transient(httpResp.StatusCode, err.Error())
	}

	g.paceFromHeaders(httpResp.Header)

	ok := httpResp.StatusCode >= 200 && httpResp.StatusCode < 300
	for _, code := range o.okCodes {
		if httpResp.StatusCode == code {
			ok = true
		}
	}
	if ok {
		return &Response{StatusCode: httpResp.StatusCode, Data: body}, nil
	}

	switch {
	case httpResp.StatusCode == http.StatusUnauthorized:
		return nil, errcodes.AuthExpired()
	case httpResp.StatusCode == http.StatusTooManyRequests:
		return nil, errcodes.RateLimited(retryAfter(httpResp.Header))
	case httpResp.StatusCode == http.StatusNotFound:
		return nil, errcodes.NotFound(method + " " + path)
	case httpResp.StatusCode >= 500:
		return nil, errcodes.Transient(httpResp.StatusCode, apiErrorMessage(body))
	default:
		return nil, errcodes.Permanent(httpResp.StatusCode, apiErrorMessage(body))
	}
}

// paceFromHeaders honors the platform's remaining-quota headers: when the
// quota is exhausted, block until the advertised reset time before the next
// request goes out.
func (g *Gateway) paceFromHeaders(header http.Header) {
	remaining := header.Get("X-RateLimit-Remaining")
	if remaining == "" {
		return
	}
	n, err := strconv.Atoi(remaining)
	if err != nil || n > 0 {
		return
	}
	if wait := retryAfter(header); wait > 0 {
		g.log.Debug("request quota exhausted, pausing", logger.Data{"wait": wait.String()})
		g.sleep(wait)
	}
}

// retryAfter reads the cooldown from the rate-limit headers; zero when
// absent.
func retryAfter(header http.Header) time.Duration {
	raw := header.Get("X-RateLimit-Retry-After")
	if raw == "" {
		return 0
	}
	ts, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	until := time.Until(time.Unix(ts, 0))
	if until < 0 {
		return 0
	}
	return until + time.Second
}

// apiErrorMessage pulls the human-readable detail out of the platform's error
// envelope, falling back to the raw body.
func apiErrorMessage(body []byte) string {
	var envelope struct {
		Errors []struct {
			Status int    `json:"status"`
			Title  string `json:"title"`
			Detail string `json:"detail"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil || len(envelope.Errors) == 0 {
		if len(body) > 256 {
			body = body[:256]
		}
		return string(body)
	}
	msg := envelope.Errors[0].Title
	if envelope.Errors[0].Detail != "" {
		msg += ": " + envelope.Errors[0].Detail
	}
	return msg
}
