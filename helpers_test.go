package main

import (
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"
	"testing"

	http "github.com/bogdanfinn/fhttp"
	"github.com/stretchr/testify/require"
)

const testAuthToken = "0123456789abcdef0123456789abcdef01234567"

type recordedRequest struct {
	Method string
	URL    string
	Header http.Header
	Form   url.Values
}

// fakeTransport stands in for the TLS client. handler decides every response.
type fakeTransport struct {
	mu       sync.Mutex
	handler  func(req recordedRequest) (*http.Response, error)
	requests []recordedRequest
	cookies  map[string]*http.Cookie
	proxies  []string
	closed   bool
}

func newFakeTransport(handler func(req recordedRequest) (*http.Response, error)) *fakeTransport {
	return &fakeTransport{handler: handler, cookies: map[string]*http.Cookie{}}
}

func (f *fakeTransport) Do(req *http.Request) (*http.Response, error) {
	rec := recordedRequest{Method: req.Method, URL: req.URL.String(), Header: req.Header}
	if req.Body != nil {
		body, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		rec.Form, _ = url.ParseQuery(string(body))
	}

	f.mu.Lock()
	f.requests = append(f.requests, rec)
	f.mu.Unlock()

	resp, err := f.handler(rec)
	if resp != nil {
		resp.Request = req
		for _, c := range resp.Cookies() {
			f.mu.Lock()
			f.cookies[c.Name] = c
			f.mu.Unlock()
		}
	}
	return resp, err
}

func (f *fakeTransport) GetCookies(*url.URL) []*http.Cookie {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*http.Cookie, 0, len(f.cookies))
	for _, c := range f.cookies {
		out = append(out, c)
	}
	return out
}

func (f *fakeTransport) SetCookies(_ *url.URL, cookies []*http.Cookie) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range cookies {
		f.cookies[c.Name] = c
	}
}

func (f *fakeTransport) SetProxy(proxyURL string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.proxies = append(f.proxies, proxyURL)
	return nil
}

func (f *fakeTransport) CloseIdleConnections() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeTransport) Requests() []recordedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedRequest(nil), f.requests...)
}

func htmlResponse(status int, body string, setCookies ...string) *http.Response {
	header := http.Header{"Content-Type": {"text/html; charset=utf-8"}}
	for _, c := range setCookies {
		header.Add("Set-Cookie", c)
	}
	return &http.Response{
		StatusCode: status,
		Header:     header,
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func redirectResponse(location string, setCookies ...string) *http.Response {
	resp := htmlResponse(http.StatusFound, "", setCookies...)
	resp.Header.Set("Location", location)
	return resp
}

func newTestSession(t *testing.T, transport httpTransport, cfg SessionConfig) *Session {
	t.Helper()
	profile, err := LookupProfile(cfg.Profile)
	require.NoError(t, err)
	return newSession(transport, profile, cfg, nil)
}

func newTestAccount(t *testing.T) *Account {
	t.Helper()
	a, err := NewAccount(testAuthToken)
	require.NoError(t, err)
	a.Username = "someone"
	return a
}

// recordingLogger keeps formatted lines for assertions.
type recordingLogger struct {
	mu    sync.Mutex
	lines []string
}

func (r *recordingLogger) Log(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, fmt.Sprintf(format, args...))
}

func (r *recordingLogger) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.lines...)
}
