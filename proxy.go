package main

import (
	"bufio"
	"fmt"
	"math/rand"
	"net"
	"net/url"
	"os"
	"strings"
	"sync"
)

// Proxy is a structured proxy descriptor. It is applied identically to http and https traffic.
type Proxy struct {
	Scheme   string
	Host     string
	Port     string
	Username string
	Password string
}

// URL renders the proxy as scheme://[user:pass@]host:port.
func (p Proxy) URL() string {
	u := url.URL{Scheme: p.Scheme, Host: net.JoinHostPort(p.Host, p.Port)}
	if p.Username != "" {
		u.User = url.UserPassword(p.Username, p.Password)
	}
	return u.String()
}

// Display is host:port, safe for logs.
func (p Proxy) Display() string {
	return net.JoinHostPort(p.Host, p.Port)
}

// ParseProxy parses a proxy string in various formats.
// Supported formats:
//   - ip:port:username:password
//   - ip:port (IP authenticated, no credentials)
//   - username:password@ip:port
//   - http://username:password@ip:port
//   - https://username:password@ip:port (normalized to http)
//   - socks5://username:password@ip:port
func ParseProxy(line string) (Proxy, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return Proxy{}, fmt.Errorf("empty proxy")
	}

	if !strings.Contains(line, "://") && strings.Contains(line, "@") {
		line = "http://" + line
	}

	if strings.Contains(line, "://") {
		parsed, err := url.Parse(line)
		if err != nil {
			return Proxy{}, fmt.Errorf("invalid proxy %q: %w", redactProxy(line), err)
		}

		scheme := parsed.Scheme
		switch scheme {
		case "http", "https":
			// Most proxies speak plain http CONNECT even when advertised as https.
			scheme = "http"
		case "socks5", "socks5h":
		default:
			return Proxy{}, fmt.Errorf("unsupported proxy scheme %q", parsed.Scheme)
		}

		if parsed.Hostname() == "" || parsed.Port() == "" {
			return Proxy{}, fmt.Errorf("proxy %q must include host and port", redactProxy(line))
		}

		p := Proxy{Scheme: scheme, Host: parsed.Hostname(), Port: parsed.Port()}
		if parsed.User != nil {
			p.Username = parsed.User.Username()
			p.Password, _ = parsed.User.Password()
		}
		return p, nil
	}

	// Parse colon-separated format
	parts := strings.Split(line, ":")

	switch len(parts) {
	case 2:
		return Proxy{Scheme: "http", Host: parts[0], Port: parts[1]}, nil
	case 4:
		return Proxy{Scheme: "http", Host: parts[0], Port: parts[1], Username: parts[2], Password: parts[3]}, nil
	default:
		return Proxy{}, fmt.Errorf("unrecognized proxy format %q", redactProxy(line))
	}
}

// redactProxy drops anything that could be a credential.
func redactProxy(line string) string {
	if i := strings.LastIndex(line, "@"); i >= 0 {
		return line[i+1:]
	}
	parts := strings.Split(line, ":")
	if len(parts) >= 4 {
		return parts[0] + ":" + parts[1]
	}
	return line
}

// ProxyManager hands out proxies to login attempts. Safe for concurrent use.
type ProxyManager struct {
	proxies []Proxy
	mu      sync.Mutex
}

// NewProxyManager loads proxies from file, one per line in any format ParseProxy accepts.
// Blank lines and lines starting with # are skipped.
func NewProxyManager(filename string) (*ProxyManager, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open proxy file: %w", err)
	}
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading proxy file: %w", err)
	}

	pm := NewProxyManagerFromLines(lines)
	if pm.Count() == 0 {
		return nil, fmt.Errorf("no valid proxies found in %s", filename)
	}
	return pm, nil
}

// NewProxyManagerFromLines builds a manager from raw proxy lines, skipping invalid ones.
func NewProxyManagerFromLines(lines []string) *ProxyManager {
	pm := &ProxyManager{}
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		p, err := ParseProxy(line)
		if err != nil {
			continue
		}
		pm.proxies = append(pm.proxies, p)
	}
	return pm
}

func (pm *ProxyManager) Count() int {
	return len(pm.proxies)
}

// Random returns a random proxy.
func (pm *ProxyManager) Random() Proxy {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.proxies[rand.Intn(len(pm.proxies))]
}
