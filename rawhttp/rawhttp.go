// Package rawhttp extracts and normalises HTTP bodies for capture and renders markup bodies readably.
package rawhttp

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/beevik/etree"
	"github.com/gabriel-vasile/mimetype"
	"github.com/klauspost/compress/zstd"
	"github.com/yosssi/gohtml"
)

// ErrUnsupportedEncoding is returned by Decode for content encodings it cannot reverse.
var ErrUnsupportedEncoding = errors.New("unsupported content encoding")

// Prettify will attempt to indent an XML or HTML body.
// It returns an empty slice if the body is neither, so callers can fall back to the original text.
func Prettify(bodyBytes []byte) ([]byte, error) {
	if len(bodyBytes) == 0 {
		return []byte{}, nil
	}

	trimmedBody := bytes.TrimSpace(bodyBytes)
	if !bytes.HasPrefix(trimmedBody, []byte("<")) {
		return []byte{}, nil
	}

	if pretty, ok, err := prettifyXML(trimmedBody); ok || err != nil {
		return pretty, err
	}

	// Check HTML (mimetype OR prefix)
	contentType := mimetype.Detect(trimmedBody).String()
	if strings.Contains(contentType, "text/html") || !bytes.HasPrefix(trimmedBody, []byte("<?xml")) {
		output := gohtml.FormatBytes(trimmedBody)

		if !bytes.Equal(output, trimmedBody) && len(output) > 0 {
			return output, nil
		}
	}

	return []byte{}, nil
}

func prettifyXML(body []byte) ([]byte, bool, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(body); err != nil || doc.Root() == nil {
		return nil, false, nil
	}
	doc.Indent(1)
	var output bytes.Buffer
	if _, err := doc.WriteTo(&output); err != nil {
		return []byte{}, true, fmt.Errorf("writing indented XML : %w", err)
	}
	return output.Bytes(), true, nil
}

// ReadRequestBody reads the whole request body and resets it so it can be consumed again.
// It returns nil when the request carries no body.
func ReadRequestBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	bodyBytes, err := io.ReadAll(req.Body)
	req.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("reading request body: %w", err)
	}
	req.Body = io.NopCloser(bytes.NewReader(bodyBytes))
	if len(bodyBytes) == 0 {
		return nil, nil
	}
	return bodyBytes, nil
}

// ReadResponseBody reads the whole response body and resets it so it can be consumed again.
// It returns nil when the response carries no body.
func ReadResponseBody(res *http.Response) ([]byte, error) {
	if res.Body == nil || res.Body == http.NoBody {
		return nil, nil
	}
	bodyBytes, err := io.ReadAll(res.Body)
	res.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}
	res.Body = io.NopCloser(bytes.NewReader(bodyBytes))
	if len(bodyBytes) == 0 {
		return nil, nil
	}
	return bodyBytes, nil
}

// Decode reverses a Content-Encoding. An empty or identity encoding returns body unchanged.
// Currently gzip, deflate, br and zstd are handled.
func Decode(body []byte, encoding string) ([]byte, error) {
	var reader io.Reader
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "identity":
		return body, nil
	case "gzip", "x-gzip":
		gzipReader, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("creating gzip reader: %w", err)
		}
		defer gzipReader.Close()
		reader = gzipReader
	case "deflate":
		flateReader := flate.NewReader(bytes.NewReader(body))
		defer flateReader.Close()
		reader = flateReader
	case "br":
		reader = brotli.NewReader(bytes.NewReader(body))
	case "zstd":
		zstdReader, err := zstd.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("creating zstd reader: %w", err)
		}
		defer zstdReader.Close()
		reader = zstdReader
	default:
		return nil, fmt.Errorf("%w : %s", ErrUnsupportedEncoding, encoding)
	}

	decoded, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("reading %s content : %w", encoding, err)
	}
	return decoded, nil
}

// DecompressResponse decodes the response body in place. It will remove the "Content-Encoding"
// header and update the "Content-Length" to the new length. Unsupported encodings are left untouched.
func DecompressResponse(res *http.Response) error {
	encoding := res.Header.Get("Content-Encoding")
	if encoding == "" || res.Body == nil || res.Body == http.NoBody {
		return nil
	}

	body, err := ReadResponseBody(res)
	if err != nil {
		return err
	}

	decoded, err := Decode(body, encoding)
	if err != nil {
		if errors.Is(err, ErrUnsupportedEncoding) {
			return nil
		}
		return err
	}

	res.Body = io.NopCloser(bytes.NewReader(decoded))
	res.ContentLength = int64(len(decoded))
	res.Header.Set("Content-Length", strconv.Itoa(len(decoded)))
	res.Header.Del("Content-Encoding")
	res.Uncompressed = true
	return nil
}
