// Package commons is a small MediaWiki / Wikibase API client for uploading
// files to Wikimedia Commons and editing their structured data.
package commons

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/antonholmquist/jason"
	"github.com/google/uuid"
	"github.com/kbnl/beeldbank-commons/internal/pipeline"
	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

const (
	DefaultAPIURL = "https://commons.wikimedia.org/w/api.php"

	// maxLag asks the servers to refuse writes while replication lags.
	maxLag = "5"

	userAgentLibrary = "Go-HTTP-Client"
)

// Options configures a Client.
type Options struct {
	APIURL    string
	Username  string
	Password  string
	UserAgent string
	Timeout   time.Duration
	// RequestsPerSecond limits all requests. Zero disables the limit.
	RequestsPerSecond float64
	Logger            *slog.Logger
}

// Client talks to one MediaWiki API endpoint with one logged in account.
type Client struct {
	apiURL    *url.URL
	username  string
	password  string
	userAgent string

	httpClient *http.Client
	limiter    *rate.Limiter
	pageIDs    *cache.Cache
	logger     *slog.Logger

	mu        sync.Mutex
	csrfToken string
}

// New creates a client. Call Login before any write.
func New(opts Options) (*Client, error) {
	raw := opts.APIURL
	if raw == "" {
		raw = DefaultAPIURL
	}
	apiURL, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid API URL %q: %w", raw, err)
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 120 * time.Second
	}

	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		apiURL:     apiURL,
		username:   opts.Username,
		password:   opts.Password,
		userAgent:  buildUserAgent(opts.UserAgent),
		httpClient: &http.Client{Timeout: timeout, Jar: jar},
		limiter:    rate.NewLimiter(limit, 1),
		pageIDs:    cache.New(30*time.Minute, time.Hour),
		logger:     logger.With("component", "commons"),
	}, nil
}

// buildUserAgent appends the HTTP library to the configured client string,
// as the Wikimedia User-Agent policy asks.
func buildUserAgent(client string) string {
	client = strings.TrimSpace(client)
	if client == "" {
		client = "beeldbank-commons"
	}
	return fmt.Sprintf("%s %s/%s", client, userAgentLibrary, runtime.Version())
}

// siteURL returns the wiki root, e.g. https://commons.wikimedia.org.
func (c *Client) siteURL() string {
	return c.apiURL.Scheme + "://" + c.apiURL.Host
}

// FileURL returns the description page URL of a file.
func (c *Client) FileURL(filename string) string {
	return c.siteURL() + "/wiki/File:" + url.PathEscape(strings.ReplaceAll(filename, " ", "_"))
}

// EntityURL returns the concept URL of a media entity.
func (c *Client) EntityURL(mid string) string {
	return c.siteURL() + "/entity/" + mid
}

// MIDFromURL extracts the M-id from an entity URL.
func MIDFromURL(entityURL string) (string, error) {
	entityURL = strings.TrimRight(strings.TrimSpace(entityURL), "/")
	i := strings.LastIndex(entityURL, "/")
	mid := entityURL[i+1:]
	if len(mid) < 2 || mid[0] != 'M' {
		return "", fmt.Errorf("no media entity id in %q", entityURL)
	}
	for _, r := range mid[1:] {
		if r < '0' || r > '9' {
			return "", fmt.Errorf("no media entity id in %q", entityURL)
		}
	}
	return mid, nil
}

// Login performs the login token / login / csrf token handshake.
func (c *Client) Login(ctx context.Context) error {
	log := c.logger.With("request_id", uuid.NewString(), "action", "login")

	resp, err := c.get(ctx, url.Values{"action": {"query"}, "meta": {"tokens"}, "type": {"login"}})
	if err != nil {
		return fmt.Errorf("failed to fetch login token: %w", err)
	}
	loginToken, err := resp.GetString("query", "tokens", "logintoken")
	if err != nil {
		return fmt.Errorf("login token missing from response: %w", err)
	}

	resp, err = c.postForm(ctx, url.Values{
		"action":     {"login"},
		"lgname":     {c.username},
		"lgpassword": {c.password},
		"lgtoken":    {loginToken},
	})
	if err != nil {
		return fmt.Errorf("login request failed: %w", err)
	}
	result, _ := resp.GetString("login", "result")
	if result != "Success" {
		reason, _ := resp.GetString("login", "reason")
		log.Error("Login rejected", "user", c.username, "result", result, "reason", reason)
		return fmt.Errorf("login as %s failed (%s: %s): %w", c.username, result, reason, pipeline.ErrAuthentication)
	}

	if _, err := c.refreshToken(ctx); err != nil {
		return err
	}
	log.Info("Logged in to Commons", "user", c.username, "api", c.apiURL.String())
	return nil
}

func (c *Client) refreshToken(ctx context.Context) (string, error) {
	resp, err := c.get(ctx, url.Values{"action": {"query"}, "meta": {"tokens"}, "type": {"csrf"}})
	if err != nil {
		return "", fmt.Errorf("failed to fetch csrf token: %w", err)
	}
	token, err := resp.GetString("query", "tokens", "csrftoken")
	if err != nil {
		return "", fmt.Errorf("csrf token missing from response: %w", err)
	}
	// "+\" is the anonymous token.
	if token == `+\` {
		return "", fmt.Errorf("session is not logged in: %w", pipeline.ErrAuthentication)
	}

	c.mu.Lock()
	c.csrfToken = token
	c.mu.Unlock()
	return token, nil
}

func (c *Client) token(ctx context.Context) (string, error) {
	c.mu.Lock()
	token := c.csrfToken
	c.mu.Unlock()
	if token != "" {
		return token, nil
	}
	return c.refreshToken(ctx)
}

func (c *Client) dropToken() {
	c.mu.Lock()
	c.csrfToken = ""
	c.mu.Unlock()
}

// get performs a read request.
func (c *Client) get(ctx context.Context, params url.Values) (*jason.Object, error) {
	params = withFormat(params)
	u := *c.apiURL
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	return c.do(req, params.Get("action"))
}

// postForm performs an url-encoded POST without a csrf token.
func (c *Client) postForm(ctx context.Context, params url.Values) (*jason.Object, error) {
	params = withFormat(params)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL.String(), strings.NewReader(params.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req, params.Get("action"))
}

// write performs an authenticated edit.
func (c *Client) write(ctx context.Context, params url.Values) (*jason.Object, error) {
	token, err := c.token(ctx)
	if err != nil {
		return nil, err
	}
	params.Set("token", token)
	params.Set("assert", "user")
	params.Set("maxlag", maxLag)
	return c.postForm(ctx, params)
}

func withFormat(params url.Values) url.Values {
	out := url.Values{}
	for k, v := range params {
		out[k] = v
	}
	out.Set("format", "json")
	out.Set("formatversion", "2")
	return out
}

// do sends req and turns transport, HTTP and API failures into classified
// errors.
func (c *Client) do(req *http.Request, action string) (*jason.Object, error) {
	ctx := req.Context()
	reqID := uuid.NewString()
	log := c.logger.With("request_id", reqID, "action", action)

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req.Header.Set("User-Agent", c.userAgent)
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Warn("Request failed", "error", err)
		return nil, fmt.Errorf("%s request failed: %w: %w", action, pipeline.ErrRetryable, err)
	}
	defer resp.Body.Close()

	log.Debug("Commons API response", "status", resp.StatusCode, "duration", time.Since(start))

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%s returned status %d: %s: %w", action, resp.StatusCode, strings.TrimSpace(string(body)), pipeline.ErrRetryable)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%s returned status %d: %s", action, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	obj, err := jason.NewObjectFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s response: %w", action, err)
	}

	if apiErr, ok := apiError(obj); ok {
		if apiErr.Code == "badtoken" {
			c.dropToken()
		}
		log.Warn("Commons API error", "code", apiErr.Code, "info", apiErr.Info)
		return nil, apiErr
	}
	if warnings, err := obj.GetObject("warnings"); err == nil {
		log.Debug("Commons API warnings", "warnings", warnings.String())
	}
	return obj, nil
}

func apiError(obj *jason.Object) (*APIError, bool) {
	errObj, err := obj.GetObject("error")
	if err != nil {
		return nil, false
	}
	code, _ := errObj.GetString("code")
	info, _ := errObj.GetString("info")
	if code == "" {
		return nil, false
	}
	return newAPIError(code, info), true
}

// ErrFileNotFound is returned by PageID when Commons has no such file yet.
var ErrFileNotFound = errors.New("file not found on commons")

// PageID returns the page id of File:<filename>. Results are cached for
// the lifetime of the client. A missing page is retryable because a fresh
// upload can take a moment to become visible.
func (c *Client) PageID(ctx context.Context, filename string) (int64, error) {
	if id, ok := c.pageIDs.Get(filename); ok {
		return id.(int64), nil
	}

	resp, err := c.get(ctx, url.Values{"action": {"query"}, "titles": {"File:" + filename}})
	if err != nil {
		return 0, err
	}
	pages, err := resp.GetObjectArray("query", "pages")
	if err != nil || len(pages) == 0 {
		return 0, fmt.Errorf("no pages in query response for %q", filename)
	}
	page := pages[0]
	if missing, _ := page.GetBoolean("missing"); missing {
		return 0, fmt.Errorf("%w: %s: %w", ErrFileNotFound, filename, pipeline.ErrRetryable)
	}
	id, err := page.GetInt64("pageid")
	if err != nil {
		return 0, fmt.Errorf("no page id for %q: %w", filename, err)
	}

	c.pageIDs.Set(filename, id, cache.DefaultExpiration)
	return id, nil
}

// MediaID returns the M-id of a file's media entity.
func (c *Client) MediaID(ctx context.Context, filename string) (string, error) {
	id, err := c.PageID(ctx, filename)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("M%d", id), nil
}

// FileInfo is the current revision of a file on Commons.
type FileInfo struct {
	Filename string
	SHA1     string
	URL      string
}

// FileInfo returns the SHA-1 and description page of File:<filename>. A
// missing file is ErrFileNotFound and is not retryable.
func (c *Client) FileInfo(ctx context.Context, filename string) (*FileInfo, error) {
	resp, err := c.get(ctx, url.Values{
		"action": {"query"},
		"titles": {"File:" + filename},
		"prop":   {"imageinfo"},
		"iiprop": {"sha1|url"},
	})
	if err != nil {
		return nil, err
	}
	pages, err := resp.GetObjectArray("query", "pages")
	if err != nil || len(pages) == 0 {
		return nil, fmt.Errorf("no pages in imageinfo response for %q", filename)
	}
	page := pages[0]
	if missing, _ := page.GetBoolean("missing"); missing {
		return nil, fmt.Errorf("%w: %s", ErrFileNotFound, filename)
	}
	infos, err := page.GetObjectArray("imageinfo")
	if err != nil || len(infos) == 0 {
		return nil, fmt.Errorf("%w: %s has no file revision", ErrFileNotFound, filename)
	}

	info := &FileInfo{Filename: filename}
	info.SHA1, _ = infos[0].GetString("sha1")
	info.URL, _ = infos[0].GetString("descriptionurl")
	if info.URL == "" {
		info.URL = c.FileURL(filename)
	}
	if id, err := page.GetInt64("pageid"); err == nil {
		c.pageIDs.Set(filename, id, cache.DefaultExpiration)
	}
	return info, nil
}
