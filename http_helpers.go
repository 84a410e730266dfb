package main

import (
	"io"
	"strings"

	http "github.com/bogdanfinn/fhttp"
)

// PseudoHeaderOrder is the standard HTTP/2 pseudo-header order for all requests.
var PseudoHeaderOrder = []string{
	":method",
	":authority",
	":scheme",
	":path",
}

// defaultHeaders is sent with every request unless the session or request overrides a value.
var defaultHeaders = []headerField{
	{"accept", "*/*"},
	{"accept-language", "en-US,en"},
	{"priority", "u=1, i"},
	{"sec-fetch-dest", "empty"},
	{"sec-fetch-mode", "cors"},
	{"sec-fetch-site", "same-site"},
	{"connection", "keep-alive"},
}

type headerField struct {
	name  string
	value string
}

// orderedHeaders builds a header set that remembers insertion order for fhttp.
type orderedHeaders struct {
	values map[string]string
	order  []string
}

func newOrderedHeaders() *orderedHeaders {
	return &orderedHeaders{values: make(map[string]string)}
}

// set stores value under the lowercase name, keeping the position of the first insertion.
// An empty value removes the header.
func (h *orderedHeaders) set(name, value string) {
	name = strings.ToLower(name)
	if _, ok := h.values[name]; !ok {
		h.order = append(h.order, name)
	}
	h.values[name] = value
}

func (h *orderedHeaders) header() http.Header {
	out := http.Header{}
	order := make([]string, 0, len(h.order))
	for _, name := range h.order {
		value := h.values[name]
		if value == "" {
			continue
		}
		out[name] = []string{value}
		order = append(order, name)
	}
	out[http.HeaderOrderKey] = order
	out[http.PHeaderOrderKey] = PseudoHeaderOrder
	return out
}

// readResponseBody decompresses and reads the full response body.
// Caller should defer resp.Body.Close() before calling this.
func readResponseBody(resp *http.Response) ([]byte, error) {
	body := http.DecompressBody(resp)
	defer body.Close()
	return io.ReadAll(body)
}
