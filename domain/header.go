package domain

import (
	"net/http"
	"sort"
	"strings"
)

// Header is a single name/value pair as it appeared on the wire.
type Header struct {
	Key   string `json:"key" cbor:"key"`
	Value string `json:"value" cbor:"value"`
}

// Headers is an ordered list of header pairs. Duplicate keys are kept as distinct entries.
type Headers []Header

// HeadersFromHTTP converts an http.Header into an ordered list.
// Keys are sorted so the output is stable, values keep their original order.
func HeadersFromHTTP(h http.Header) Headers {
	if len(h) == 0 {
		return nil
	}

	keys := make([]string, 0, len(h))
	for key := range h {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	headers := make(Headers, 0, len(h))
	for _, key := range keys {
		for _, value := range h[key] {
			headers = append(headers, Header{Key: key, Value: value})
		}
	}
	return headers
}

// Get returns the first value for key, compared case-insensitively.
func (h Headers) Get(key string) string {
	for _, header := range h {
		if strings.EqualFold(header.Key, key) {
			return header.Value
		}
	}
	return ""
}

// Values returns every value for key in order.
func (h Headers) Values(key string) []string {
	var values []string
	for _, header := range h {
		if strings.EqualFold(header.Key, key) {
			values = append(values, header.Value)
		}
	}
	return values
}

// Clone returns a copy that shares nothing with h.
func (h Headers) Clone() Headers {
	if h == nil {
		return nil
	}
	clone := make(Headers, len(h))
	copy(clone, h)
	return clone
}

// HTTP converts the list back into an http.Header.
func (h Headers) HTTP() http.Header {
	out := make(http.Header, len(h))
	for _, header := range h {
		out.Add(header.Key, header.Value)
	}
	return out
}
