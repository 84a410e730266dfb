package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	http "github.com/bogdanfinn/fhttp"
)

const (
	defaultRetries        = 2
	defaultRequestTimeout = 30 * time.Second
)

var (
	ErrSessionClosed   = errors.New("session closed")
	ErrRequestInFlight = errors.New("cannot change proxy while a request is in flight")
)

// identityHeaders come from the impersonation profile and are never overridable.
var identityHeaders = []string{"user-agent", "sec-ch-ua", "sec-ch-ua-mobile", "sec-ch-ua-platform"}

// SessionConfig configures one Session. It belongs to exactly one account.
type SessionConfig struct {
	Proxy   string
	Profile ImpersonationProfile
	Headers map[string]string
	// Retries is the number of additional attempts after a transport error.
	// Zero selects the default of 2, a negative value disables retrying.
	Retries      int
	RetryBackoff time.Duration
	Timeout      time.Duration
}

// httpTransport is the part of tls_client.HttpClient a Session relies on.
type httpTransport interface {
	Do(req *http.Request) (*http.Response, error)
	GetCookies(u *url.URL) []*http.Cookie
	SetCookies(u *url.URL, cookies []*http.Cookie)
	SetProxy(proxyURL string) error
	CloseIdleConnections()
}

// Response is a fully read HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	URL        *url.URL
}

func (r *Response) Text() string {
	return string(r.Body)
}

// IsRedirect reports a 3xx answer.
func (r *Response) IsRedirect() bool {
	return r.StatusCode >= 300 && r.StatusCode < 400
}

// Location resolves the redirect target against the request URL.
func (r *Response) Location() string {
	loc := r.Header.Get("Location")
	if loc == "" || r.URL == nil {
		return loc
	}
	target, err := r.URL.Parse(loc)
	if err != nil {
		return loc
	}
	return target.String()
}

// Session executes requests through one impersonating client with bounded retry.
type Session struct {
	client   httpTransport
	profile  *BrowserProfile
	headers  map[string]string
	retry    RetryPolicy
	logger   Logger
	proxy    string
	inFlight atomic.Int32
	closed   atomic.Bool
}

// NewSession creates the impersonating client described by cfg.
func NewSession(cfg SessionConfig, logger Logger) (*Session, error) {
	profile, err := LookupProfile(cfg.Profile)
	if err != nil {
		return nil, NewFatalError(err)
	}

	proxyURL, err := normalizeProxy(cfg.Proxy)
	if err != nil {
		return nil, NewFatalError(err)
	}

	client, err := NewClient(nil, proxyURL, profile, cfg.Timeout)
	if err != nil {
		return nil, fmt.Errorf("create http client: %w", err)
	}

	s := newSession(client, profile, cfg, logger)
	s.proxy = proxyURL
	return s, nil
}

func newSession(client httpTransport, profile *BrowserProfile, cfg SessionConfig, logger Logger) *Session {
	if logger == nil {
		logger = nopLogger{}
	}
	retries := cfg.Retries
	switch {
	case retries == 0:
		retries = defaultRetries
	case retries < 0:
		retries = 0
	}
	return &Session{
		client:  client,
		profile: profile,
		headers: cfg.Headers,
		retry: RetryPolicy{
			Retries:   retries,
			Backoff:   cfg.RetryBackoff,
			Retryable: isTransportRetryable,
		},
		logger: logger,
	}
}

// WithSession opens a session, runs fn and closes the session on every exit path.
func WithSession(cfg SessionConfig, logger Logger, fn func(*Session) error) error {
	s, err := NewSession(cfg, logger)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(s)
}

func normalizeProxy(raw string) (string, error) {
	if strings.TrimSpace(raw) == "" {
		return "", nil
	}
	p, err := ParseProxy(raw)
	if err != nil {
		return "", err
	}
	return p.URL(), nil
}

// RequestOption customizes a single request.
type RequestOption func(*requestSpec)

type requestSpec struct {
	headers [][2]string
	body    []byte
}

// WithHeader sets a request header. Identity headers are ignored.
func WithHeader(name, value string) RequestOption {
	return func(r *requestSpec) {
		r.headers = append(r.headers, [2]string{name, value})
	}
}

// WithForm sends values as an urlencoded body.
func WithForm(values url.Values) RequestOption {
	return func(r *requestSpec) {
		r.body = []byte(values.Encode())
		r.headers = append(r.headers, [2]string{"content-type", "application/x-www-form-urlencoded"})
	}
}

// Request performs method on rawURL. Transport failures are retried according to
// the session's policy; any HTTP status is returned as a response.
func (s *Session) Request(ctx context.Context, method, rawURL string, opts ...RequestOption) (*Response, error) {
	if s.closed.Load() {
		return nil, ErrSessionClosed
	}

	spec := &requestSpec{}
	for _, opt := range opts {
		opt(spec)
	}
	header := s.buildHeader(spec.headers)

	s.inFlight.Add(1)
	defer s.inFlight.Add(-1)

	return Retry(ctx, s.retry, func(attempt int) (*Response, error) {
		resp, err := s.roundTrip(ctx, method, rawURL, header, spec.body)
		if err != nil {
			s.logger.Log("%s %s -> error (attempt %d/%d): %v", method, rawURL, attempt+1, s.retry.Retries+1, err)
			return nil, err
		}
		s.logger.Log("%s %s -> %d", method, rawURL, resp.StatusCode)
		return resp, nil
	})
}

func (s *Session) roundTrip(ctx context.Context, method, rawURL string, header http.Header, body []byte) (*Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return nil, err
	}
	req.Header = header.Clone()

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := readResponseBody(resp)
	if err != nil {
		return nil, err
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       data,
		URL:        req.URL,
	}, nil
}

// buildHeader layers defaults, session headers, request headers and finally the
// profile identity, which always wins.
func (s *Session) buildHeader(extra [][2]string) http.Header {
	h := newOrderedHeaders()
	for _, name := range identityHeaders {
		h.set(name, "")
	}
	for _, f := range defaultHeaders {
		h.set(f.name, f.value)
	}
	for name, value := range s.headers {
		h.set(name, value)
	}
	for _, kv := range extra {
		h.set(kv[0], kv[1])
	}

	h.set("user-agent", s.profile.UserAgent)
	h.set("sec-ch-ua", s.profile.SecChUa)
	h.set("sec-ch-ua-mobile", s.profile.Mobile)
	h.set("sec-ch-ua-platform", s.profile.Platform)
	return h.header()
}

// Cookies returns the jar's cookies for rawURL.
func (s *Session) Cookies(rawURL string) []*http.Cookie {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil
	}
	return s.client.GetCookies(u)
}

// Cookie returns the value of the named cookie for rawURL, empty if unset.
func (s *Session) Cookie(rawURL, name string) string {
	for _, c := range s.Cookies(rawURL) {
		if c.Name == name {
			return c.Value
		}
	}
	return ""
}

// SetCookies stores cookies for rawURL in the session jar.
func (s *Session) SetCookies(rawURL string, cookies []*http.Cookie) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return err
	}
	s.client.SetCookies(u, cookies)
	return nil
}

// Proxy returns the proxy URL in use, empty for a direct connection.
func (s *Session) Proxy() string {
	return s.proxy
}

// Profile returns the impersonated browser.
func (s *Session) Profile() *BrowserProfile {
	return s.profile
}

// SetProxy switches proxy between login attempts. Cookies are kept.
func (s *Session) SetProxy(raw string) error {
	if s.inFlight.Load() > 0 {
		return ErrRequestInFlight
	}
	proxyURL, err := normalizeProxy(raw)
	if err != nil {
		return err
	}
	if err := s.client.SetProxy(proxyURL); err != nil {
		return err
	}
	s.proxy = proxyURL
	return nil
}

// Close releases pooled connections. Further requests fail with ErrSessionClosed.
func (s *Session) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.client.CloseIdleConnections()
	return nil
}
