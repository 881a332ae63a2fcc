// Package jupyter drives a JupyterHub deployment through its public HTTP
// surface and the kernel WebSocket channel of a running lab.
package jupyter

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptrace"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/wesleyorama2/mobu/internal/config"
	"github.com/wesleyorama2/mobu/internal/failure"
	"github.com/wesleyorama2/mobu/internal/log"
	"github.com/wesleyorama2/mobu/internal/users"
)

// ErrTooManyRedirects is returned when a request is caught in a redirect
// loop.
var ErrTooManyRedirects = errors.New("too many redirects")

// DefaultMaxRedirects bounds redirect following on every request.
const DefaultMaxRedirects = 10

const maxErrorBody = 64 * 1024

// Client talks to JupyterHub and to one user's lab. A Client belongs to a
// single user and must not be shared: its cookie jar holds that user's
// hub and lab sessions.
type Client struct {
	user      users.AuthenticatedUser
	baseURL   *url.URL // environment URL plus URL prefix, ending in a slash
	xsrfToken string

	httpClient     *http.Client
	noRedirect     *http.Client
	streamClient   *http.Client
	dialer         *websocket.Dialer
	timeout        time.Duration
	maxRedirects   int
	maxMessageSize int64
	logger         zerolog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout bounds each control-plane request. The progress stream and
// kernel channel are bounded by the caller's context instead.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithMaxRedirects sets how many redirects a request may follow.
func WithMaxRedirects(n int) Option {
	return func(c *Client) {
		c.maxRedirects = n
	}
}

// WithMaxMessageSize limits the size of a single kernel message.
func WithMaxMessageSize(n int64) Option {
	return func(c *Client) {
		c.maxMessageSize = n
	}
}

// WithLogger sets the logger used for protocol events.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithTransport overrides the HTTP transport, mainly for tests.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) {
		c.httpClient.Transport = rt
	}
}

// New creates a client for user against the hub at environmentURL plus
// urlPrefix.
func New(environmentURL, urlPrefix string, user users.AuthenticatedUser, opts ...Option) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(environmentURL, "/") + "/" + strings.Trim(urlPrefix, "/") + "/")
	if err != nil {
		return nil, fmt.Errorf("invalid environment URL: %w", err)
	}
	base.Path = strings.ReplaceAll(base.Path, "//", "/")

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}

	xsrf, err := randomToken(16)
	if err != nil {
		return nil, err
	}
	jar.SetCookies(base, []*http.Cookie{{Name: "_xsrf", Value: xsrf, Path: "/"}})

	c := &Client{
		user:           user,
		baseURL:        base,
		xsrfToken:      xsrf,
		httpClient:     &http.Client{Jar: jar},
		timeout:        60 * time.Second,
		maxRedirects:   DefaultMaxRedirects,
		maxMessageSize: 10 * 1024 * 1024,
		logger:         log.WithComponent("jupyter").With().Str(log.FieldUser, user.Username).Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.httpClient.CheckRedirect = func(_ *http.Request, via []*http.Request) error {
		if len(via) >= c.maxRedirects {
			return ErrTooManyRedirects
		}
		return nil
	}
	c.noRedirect = &http.Client{
		Jar:       jar,
		Transport: c.httpClient.Transport,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	c.streamClient = &http.Client{
		Jar:           jar,
		Transport:     c.httpClient.Transport,
		CheckRedirect: c.httpClient.CheckRedirect,
	}
	c.dialer = &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: c.timeout,
		Jar:              jar,
	}
	return c, nil
}

// User returns the user this client acts as.
func (c *Client) User() users.AuthenticatedUser {
	return c.user
}

// Close releases idle connections held by the client.
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}

// URL resolves a path relative to the hub base URL.
func (c *Client) URL(path string) string {
	return c.baseURL.JoinPath(path).String()
}

func (c *Client) hubPath(path string) string {
	return c.baseURL.Path + path
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.URL(path), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.user.Token)
	req.Header.Set("X-XSRFToken", c.xsrfToken)
	return req, nil
}

// response is a fully read control-plane response.
type response struct {
	status   int
	reason   string
	header   http.Header
	finalURL *url.URL
	body     []byte
}

// send performs one control-plane request bounded by the client timeout.
func (c *Client) send(ctx context.Context, client *http.Client, req *http.Request) (*response, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	start := time.Now()
	var firstByte time.Duration
	trace := &httptrace.ClientTrace{
		GotFirstResponseByte: func() {
			firstByte = time.Since(start)
		},
	}
	req = req.WithContext(httptrace.WithClientTrace(ctx, trace))

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return nil, fmt.Errorf("%s %s: read body: %w", req.Method, req.URL, err)
	}

	c.logger.Debug().
		Str("method", req.Method).
		Str(log.FieldURL, resp.Request.URL.String()).
		Int(log.FieldStatus, resp.StatusCode).
		Dur("ttfb", firstByte).
		Dur(log.FieldElapsed, time.Since(start)).
		Msg("request complete")

	return &response{
		status:   resp.StatusCode,
		reason:   http.StatusText(resp.StatusCode),
		header:   resp.Header,
		finalURL: resp.Request.URL,
		body:     body,
	}, nil
}

func (c *Client) protocolError(method string, r *response, reason string) *failure.ProtocolError {
	if reason == "" {
		reason = r.reason
	}
	err := failure.NewProtocolError(method, r.finalURL.String(), r.status, reason, string(r.body))
	err.SetUser(c.user.Username)
	return err
}

// get performs a GET following redirects and requires a 200.
func (c *Client) get(ctx context.Context, path string) (*response, error) {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	r, err := c.send(ctx, c.httpClient, req)
	if err != nil {
		return nil, err
	}
	if r.status != http.StatusOK {
		return nil, c.protocolError(http.MethodGet, r, "")
	}
	return r, nil
}

// AuthenticateToHub logs in to the hub.
func (c *Client) AuthenticateToHub(ctx context.Context) error {
	_, err := c.get(ctx, "hub/login")
	return err
}

// LabLogin logs in to the user's running lab.
func (c *Client) LabLogin(ctx context.Context) error {
	_, err := c.get(ctx, "user/"+c.user.Username+"/lab")
	return err
}

// IsEnvironmentStopped reports whether the user's lab is not running. The
// hub has no status field here, so the answer comes from where the hub root
// redirects to. Unrecognized targets are treated as stopped.
func (c *Client) IsEnvironmentStopped(ctx context.Context) (bool, error) {
	r, err := c.get(ctx, "hub")
	if err != nil {
		return false, err
	}

	final := strings.TrimSuffix(r.finalURL.Path, "/")
	spawn := c.hubPath("hub/spawn")
	pending := c.hubPath("hub/spawn-pending/" + c.user.Username)
	lab := c.hubPath("user/" + c.user.Username + "/lab")

	switch {
	case final == spawn || strings.HasPrefix(final, pending):
		c.logger.Info().Msg("lab is not currently running")
		return true, nil
	case final == lab || strings.HasPrefix(final, lab+"/"):
		c.logger.Info().Msg("lab is currently running")
		return false, nil
	default:
		c.logger.Warn().
			Str(log.FieldURL, r.finalURL.String()).
			Msg("hub redirected to unexpected URL, assuming lab is not running")
		return true, nil
	}
}

// Provision asks the hub to spawn a lab with the given image. It returns
// once the hub has accepted the request; progress is observed through
// WatchProgress.
func (c *Client) Provision(ctx context.Context, image config.ImageSpec) error {
	form := url.Values{}
	for k, v := range image.SpawnForm() {
		form.Set(k, v)
	}

	req, err := c.newRequest(ctx, http.MethodPost, "hub/spawn", strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	r, err := c.send(ctx, c.noRedirect, req)
	if err != nil {
		return err
	}
	if r.status != http.StatusFound {
		return c.protocolError(http.MethodPost, r, "spawn did not redirect")
	}

	location := r.header.Get("Location")
	want := c.hubPath("hub/spawn-pending/" + c.user.Username)
	if !strings.Contains(location, want) {
		return c.protocolError(http.MethodPost, r, "spawn redirected to "+location)
	}
	return nil
}

// Deprovision asks the hub to stop the user's lab. It does not wait for the
// lab to go away.
func (c *Client) Deprovision(ctx context.Context) error {
	req, err := c.newRequest(ctx, http.MethodDelete, "hub/api/users/"+c.user.Username+"/server", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Referer", c.URL("hub/home"))

	r, err := c.send(ctx, c.httpClient, req)
	if err != nil {
		return err
	}
	switch r.status {
	case http.StatusOK, http.StatusAccepted, http.StatusNoContent:
		return nil
	default:
		return c.protocolError(http.MethodDelete, r, "")
	}
}

func randomToken(n int) (string, error) {
	const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	var sb strings.Builder
	limit := big.NewInt(int64(len(alphabet)))
	for i := 0; i < n; i++ {
		idx, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", fmt.Errorf("generate xsrf token: %w", err)
		}
		sb.WriteByte(alphabet[idx.Int64()])
	}
	return sb.String(), nil
}
