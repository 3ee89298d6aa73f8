package content

import (
	"net/url"
	"strings"

	"github.com/tfkr-ae/snag/domain"
)

// HeadersKeyValue returns the headers as an ordered key-value representation.
func HeadersKeyValue(headers domain.Headers) KeyValue {
	return KeyValue{Pairs: headers.Clone()}
}

// QueryKeyValue returns the query parameters of rawURL in the order they appear.
// url.Values is not used since it loses ordering across keys.
// An unparsable URL yields an empty representation.
func QueryKeyValue(rawURL string) KeyValue {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.RawQuery == "" {
		return KeyValue{}
	}

	var pairs domain.Headers
	for _, part := range strings.Split(parsed.RawQuery, "&") {
		if part == "" {
			continue
		}
		key, value, _ := strings.Cut(part, "=")
		if unescaped, err := url.QueryUnescape(key); err == nil {
			key = unescaped
		}
		if unescaped, err := url.QueryUnescape(value); err == nil {
			value = unescaped
		}
		pairs = append(pairs, domain.Header{Key: key, Value: value})
	}
	return KeyValue{Pairs: pairs}
}
