package main

import (
	"fmt"
	"sort"
	"time"

	tls_client "github.com/bogdanfinn/tls-client"
	"github.com/bogdanfinn/tls-client/profiles"
)

// ImpersonationProfile names a browser whose TLS/HTTP2 fingerprint and identity headers are presented.
type ImpersonationProfile string

const (
	ProfileChrome143  ImpersonationProfile = "chrome143"
	ProfileChrome131  ImpersonationProfile = "chrome131"
	ProfileChrome124  ImpersonationProfile = "chrome124"
	ProfileFirefox120 ImpersonationProfile = "firefox120"
	ProfileSafari16   ImpersonationProfile = "safari16"
)

// DefaultImpersonation is used when a session config does not pick a profile.
const DefaultImpersonation = ProfileChrome143

// BrowserProfile bundles a TLS client profile with its corresponding browser headers.
// Empty client hint fields mean the browser does not send them.
type BrowserProfile struct {
	Name       ImpersonationProfile
	TLSProfile profiles.ClientProfile
	UserAgent  string
	SecChUa    string
	Platform   string
	Mobile     string
}

// browserProfiles is read-only after init.
var browserProfiles = map[ImpersonationProfile]*BrowserProfile{
	ProfileChrome131: {
		Name:       ProfileChrome131,
		TLSProfile: profiles.Chrome_131,
		UserAgent:  "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
		SecChUa:    `"Google Chrome";v="131", "Chromium";v="131", "Not_A Brand";v="24"`,
		Platform:   `"Windows"`,
		Mobile:     "?0",
	},
	ProfileChrome124: {
		Name:       ProfileChrome124,
		TLSProfile: profiles.Chrome_124,
		UserAgent:  "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
		SecChUa:    `"Chromium";v="124", "Google Chrome";v="124", "Not-A.Brand";v="99"`,
		Platform:   `"Windows"`,
		Mobile:     "?0",
	},
	ProfileFirefox120: {
		Name:       ProfileFirefox120,
		TLSProfile: profiles.Firefox_120,
		UserAgent:  "Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:120.0) Gecko/20100101 Firefox/120.0",
	},
	ProfileSafari16: {
		Name:       ProfileSafari16,
		TLSProfile: profiles.Safari_16_0,
		UserAgent:  "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/16.0 Safari/605.1.15",
	},
}

// LookupProfile resolves a profile name; the empty name selects DefaultImpersonation.
func LookupProfile(name ImpersonationProfile) (*BrowserProfile, error) {
	if name == "" {
		name = DefaultImpersonation
	}
	profile, ok := browserProfiles[name]
	if !ok {
		return nil, fmt.Errorf("unknown impersonation profile %q (known: %v)", name, ProfileNames())
	}
	return profile, nil
}

// ProfileNames lists the registered impersonation profiles.
func ProfileNames() []string {
	names := make([]string, 0, len(browserProfiles))
	for name := range browserProfiles {
		names = append(names, string(name))
	}
	sort.Strings(names)
	return names
}

// NewClient builds a TLS-impersonating client that never follows redirects,
// so the caller can inspect every Location the login flow returns.
func NewClient(logger tls_client.Logger, proxyURL string, profile *BrowserProfile, timeout time.Duration) (tls_client.HttpClient, error) {
	if logger == nil {
		logger = tls_client.NewNoopLogger()
	}
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	jar := tls_client.NewCookieJar()
	options := []tls_client.HttpClientOption{
		tls_client.WithTimeoutSeconds(int(timeout / time.Second)),
		tls_client.WithClientProfile(profile.TLSProfile),
		tls_client.WithRandomTLSExtensionOrder(),
		tls_client.WithNotFollowRedirects(),
		tls_client.WithCookieJar(jar),
	}

	if proxyURL != "" {
		options = append(options, tls_client.WithProxyUrl(proxyURL))
	}

	return tls_client.NewHttpClient(logger, options...)
}
