// Package network is the HTTP layer under the b2 facade: the authenticated
// request executor with its retry policy, the account authorization flow,
// the upload-URL lease pools, and thin wrappers for the b2api operations.
package network

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/benaubin/b2-go/apierror"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultAuthBaseURL is where b2_authorize_account lives; every other
	// operation goes to the apiUrl/downloadUrl returned by it.
	DefaultAuthBaseURL = "https://api.backblazeb2.com"

	apiPath = "/b2api/v2/"
)

// ExecutorConfig configures a new Executor. Zero-value fields fall back to
// sane defaults.
type ExecutorConfig struct {
	Credentials Credentials
	// HTTPClient is used for all requests. Defaults to a pooled client.
	HTTPClient *http.Client
	Logger     log.Logger
	Retry      RetryConfig
	// AuthBaseURL overrides the authorize endpoint, for tests.
	AuthBaseURL string
	UserAgent   string
}

// Executor is the single choke point for authenticated requests against B2.
// It signs outbound requests with the current authorization token,
// classifies responses, re-authorizes on token expiry (single-flight) and
// retries transient failures under the backoff schedule.
type Executor struct {
	creds       Credentials
	client      *http.Client
	authClient  *retryablehttp.Client
	logger      log.Logger
	retry       RetryConfig
	authBaseURL string
	userAgent   string

	auth   atomic.Pointer[AuthState]
	reauth singleflight.Group
}

// NewExecutor builds an Executor. Call Authorize before any other method.
func NewExecutor(cfg ExecutorConfig) *Executor {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = cleanhttp.DefaultPooledClient()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.NewLogger()
	}
	if cfg.AuthBaseURL == "" {
		cfg.AuthBaseURL = DefaultAuthBaseURL
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "b2-go"
	}
	cfg.Retry = cfg.Retry.withDefaults()

	e := &Executor{
		creds:       cfg.Credentials,
		client:      cfg.HTTPClient,
		logger:      cfg.Logger,
		retry:       cfg.Retry,
		authBaseURL: cfg.AuthBaseURL,
		userAgent:   cfg.UserAgent,
	}
	e.authClient = e.newAuthClient()
	return e
}

// newAuthClient builds the retrying client used only for the authorize
// bootstrap. Its credentials never rotate between attempts, so the generic
// retryablehttp loop fits; the backoff schedule is ours.
func (e *Executor) newAuthClient() *retryablehttp.Client {
	c := retryhttp.NewClient(e.logger)
	c.HTTPClient = e.client
	c.RetryMax = e.retry.MaxRetries
	c.Backoff = func(_, _ time.Duration, attempt int, _ *http.Response) time.Duration {
		return e.retry.Backoff(attempt)
	}
	c.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if err != nil {
			return true, nil
		}
		switch resp.StatusCode {
		case 408, 429, 500, 503:
			return true, nil
		}
		return false, nil
	}
	return c
}

// Authorize performs the initial b2_authorize_account call and installs the
// resulting state. It may be called again to force a refresh.
func (e *Executor) Authorize(ctx context.Context) error {
	st, err := e.authorizeAccount(ctx)
	if err != nil {
		return err
	}
	e.auth.Store(st)
	return nil
}

// Auth returns the current authorization state, or nil before Authorize.
// The returned value is immutable; a fresh re-auth installs a new pointer.
func (e *Executor) Auth() *AuthState {
	return e.auth.Load()
}

// HTTPClient exposes the underlying client for the upload paths, which post
// to mint-issued endpoints outside the executor loop.
func (e *Executor) HTTPClient() *http.Client { return e.client }

// UserAgent returns the User-Agent value stamped on every request.
func (e *Executor) UserAgent() string { return e.userAgent }

// Logger returns the executor's logger.
func (e *Executor) Logger() log.Logger { return e.logger }

// Retry returns the executor's retry tuning.
func (e *Executor) Retry() RetryConfig { return e.retry }

func (e *Executor) authorizeAccount(ctx context.Context) (*AuthState, error) {
	req, err := retryablehttp.NewRequest(http.MethodPost, e.authBaseURL+apiPath+"b2_authorize_account", nil)
	if err != nil {
		return nil, fmt.Errorf("b2_authorize_account: %w", err)
	}
	req = req.WithContext(ctx)
	req.SetBasicAuth(e.creds.KeyID, e.creds.Key)
	req.Header.Set("User-Agent", e.userAgent)

	resp, err := e.authClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("b2_authorize_account: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, apierror.Parse("b2_authorize_account", resp.StatusCode, resp.Body)
	}

	st := &AuthState{}
	if err := json.NewDecoder(resp.Body).Decode(st); err != nil {
		return nil, fmt.Errorf("b2_authorize_account: decode response: %w", err)
	}
	e.logger.Debugf("authorized account %s (api %s)", st.AccountID, st.APIURL)
	return st, nil
}

// refreshAuth re-runs authorize_account once for any number of concurrent
// callers observing an expired token. stale is the snapshot the caller used
// for the failed request; if the state has already moved past it, the
// refresh is a no-op.
func (e *Executor) refreshAuth(ctx context.Context, stale *AuthState) error {
	_, err, _ := e.reauth.Do("authorize", func() (interface{}, error) {
		if cur := e.auth.Load(); cur != stale {
			return cur, nil
		}
		e.logger.Debugf("authorization token rejected, re-authorizing account")
		st, err := e.authorizeAccount(ctx)
		if err != nil {
			return nil, err
		}
		e.auth.Store(st)
		return st, nil
	})
	return err
}

// API executes one b2api operation: POST {apiUrl}/b2api/v2/{op} with a JSON
// body, decoding the 200 response into result (which may be nil).
func (e *Executor) API(ctx context.Context, op string, body, result interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%s: encode request: %w", op, err)
	}
	return e.do(ctx, op, func(st *AuthState) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, st.APIURL+apiPath+op, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	}, func(resp *http.Response) error {
		defer func() { _ = resp.Body.Close() }()
		if result == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("%s: decode response: %w", op, err)
		}
		return nil
	})
}

// DownloadByID fetches a file by fileId. The caller owns the response body.
// rangeHeader, when non-empty, is sent verbatim as the Range header.
func (e *Executor) DownloadByID(ctx context.Context, fileID, rangeHeader string) (*http.Response, error) {
	return e.download(ctx, "b2_download_file_by_id", rangeHeader, func(st *AuthState) string {
		return st.DownloadURL + apiPath + "b2_download_file_by_id?fileId=" + url.QueryEscape(fileID)
	})
}

// DownloadByName fetches {downloadUrl}/file/{bucket}/{name}. The caller owns
// the response body.
func (e *Executor) DownloadByName(ctx context.Context, bucketName, fileName, rangeHeader string) (*http.Response, error) {
	return e.download(ctx, "download "+bucketName+"/"+fileName, rangeHeader, func(st *AuthState) string {
		return st.DownloadURL + "/file/" + url.PathEscape(bucketName) + "/" + EncodeFileName(fileName)
	})
}

func (e *Executor) download(ctx context.Context, op, rangeHeader string, uri func(*AuthState) string) (*http.Response, error) {
	var out *http.Response
	err := e.do(ctx, op, func(st *AuthState) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri(st), nil)
		if err != nil {
			return nil, err
		}
		if rangeHeader != "" {
			req.Header.Set("Range", rangeHeader)
		}
		return req, nil
	}, func(resp *http.Response) error {
		out = resp
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// do runs one logical request to completion: build, sign, send, classify,
// and either hand the 200/206 response to handle or retry per the policy.
// handle owns the response body.
func (e *Executor) do(ctx context.Context, op string, build func(*AuthState) (*http.Request, error), handle func(*http.Response) error) error {
	for attempt := 0; ; attempt++ {
		st := e.auth.Load()
		if st == nil {
			return apierror.New(op, apierror.KindUsage, "client is not authorized")
		}

		req, err := build(st)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		req.Header.Set("Authorization", st.AuthorizationToken)
		if req.Header.Get("User-Agent") == "" {
			req.Header.Set("User-Agent", e.userAgent)
		}

		resp, err := e.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("%s: %w", op, ctx.Err())
			}
			if attempt >= e.retry.MaxRetries {
				return fmt.Errorf("%s: %w", op, err)
			}
			delay := e.retry.Backoff(attempt)
			e.logger.Warnf("%s: transport error (%v), retrying in %v", op, err, delay)
			if serr := SleepContext(ctx, delay); serr != nil {
				return fmt.Errorf("%s: %w", op, serr)
			}
			continue
		}

		if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusPartialContent {
			return handle(resp)
		}

		apiErr := apierror.Parse(op, resp.StatusCode, resp.Body)
		_ = resp.Body.Close()

		switch {
		case apierror.IsAuthExpiry(apiErr.Status, apiErr.Code):
			if attempt >= e.retry.MaxRetries {
				apiErr.Kind = apierror.KindExpiredCredentials
				return apiErr
			}
			if rerr := e.refreshAuth(ctx, st); rerr != nil {
				return fmt.Errorf("%s: re-authorize: %w", op, rerr)
			}
		case apiErr.Kind.Retryable():
			if attempt >= e.retry.MaxRetries {
				return apiErr
			}
			delay := e.retry.Backoff(attempt)
			e.logger.Warnf("%s: HTTP %d (%s), retrying in %v", op, apiErr.Status, apiErr.Code, delay)
			if serr := SleepContext(ctx, delay); serr != nil {
				return fmt.Errorf("%s: %w", op, serr)
			}
		default:
			return apiErr
		}
	}
}

// EncodeFileName percent-encodes a B2 file name for use in headers and
// download URLs, preserving path separators as B2 requires.
func EncodeFileName(name string) string {
	return strings.ReplaceAll(url.PathEscape(name), "%2F", "/")
}
