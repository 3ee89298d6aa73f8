package content

import (
	"bytes"
	"encoding/json"
	"io"
	"mime"
	"mime/multipart"
	"net/url"
	"path"
	"strings"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"
	"github.com/tfkr-ae/snag/rawhttp"
)

// maxMultipartParts bounds how many parts are inspected when looking for an embedded image.
const maxMultipartParts = 32

var (
	pngMagic  = []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}
	jpegMagic = []byte{0xFF, 0xD8, 0xFF}
	gif87     = []byte("GIF87a")
	gif89     = []byte("GIF89a")
)

// Context is the optional information about where a body came from.
type Context struct {
	// URL of the exchange. Images take their file name from its last path segment.
	URL string
}

// Classify inspects body and returns the most specific representation:
// an image if the bytes carry an image signature, JSON if the body is a well-formed
// JSON object or array, Text if it is valid UTF-8, and Raw otherwise.
//
// contentType is only consulted for multipart bodies, the declared type never
// overrides what the bytes are. ctx never changes the chosen kind. Classify never fails.
func Classify(body []byte, contentType string, ctx Context) (rep Representation) {
	defer func() {
		if r := recover(); r != nil {
			rep = Raw{Bytes: body}
		}
	}()

	if len(body) == 0 {
		return Raw{}
	}

	if image, ok := detectImage(body); ok {
		image.Name = fileName(ctx.URL)
		return image
	}

	if image, ok := multipartImage(body, contentType); ok {
		return image
	}

	if doc, ok := parseJSON(body); ok {
		return doc
	}

	if utf8.Valid(body) {
		text := Text{Text: string(body)}
		if pretty, err := rawhttp.Prettify(body); err == nil && len(pretty) > 0 {
			text.Pretty = string(pretty)
		}
		return text
	}

	return Raw{Bytes: body}
}

// detectImage checks the well known signatures first, then asks mimetype for less common formats.
func detectImage(body []byte) (Image, bool) {
	switch {
	case bytes.HasPrefix(body, pngMagic):
		return Image{Bytes: body, MIME: "image/png"}, true
	case bytes.HasPrefix(body, jpegMagic):
		return Image{Bytes: body, MIME: "image/jpeg"}, true
	case bytes.HasPrefix(body, gif87), bytes.HasPrefix(body, gif89):
		return Image{Bytes: body, MIME: "image/gif"}, true
	}

	detected := mimetype.Detect(body)
	// SVG is markup and stays text.
	if strings.HasPrefix(detected.String(), "image/") && !detected.Is("image/svg+xml") {
		return Image{Bytes: body, MIME: detected.String()}, true
	}
	return Image{}, false
}

func multipartImage(body []byte, contentType string) (Image, bool) {
	if contentType == "" {
		return Image{}, false
	}
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") || params["boundary"] == "" {
		return Image{}, false
	}

	reader := multipart.NewReader(bytes.NewReader(body), params["boundary"])
	for i := 0; i < maxMultipartParts; i++ {
		part, err := reader.NextPart()
		if err != nil {
			return Image{}, false
		}
		partBody, err := io.ReadAll(part)
		part.Close()
		if err != nil {
			return Image{}, false
		}
		if image, ok := detectImage(partBody); ok {
			return image, true
		}
	}
	return Image{}, false
}

func parseJSON(body []byte) (JSON, bool) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || (trimmed[0] != '{' && trimmed[0] != '[') {
		return JSON{}, false
	}
	if !json.Valid(trimmed) {
		return JSON{}, false
	}

	decoder := json.NewDecoder(bytes.NewReader(trimmed))
	decoder.UseNumber()
	var value any
	if err := decoder.Decode(&value); err != nil {
		return JSON{}, false
	}

	var indented bytes.Buffer
	if err := json.Indent(&indented, trimmed, "", "  "); err != nil {
		return JSON{}, false
	}

	return JSON{
		Value:     value,
		Bytes:     body,
		canonical: string(unescapeSlashes(indented.Bytes())),
	}, true
}

// unescapeSlashes rewrites the optional JSON escape \/ as a plain slash.
func unescapeSlashes(in []byte) []byte {
	if !bytes.Contains(in, []byte(`\/`)) {
		return in
	}
	out := make([]byte, 0, len(in))
	for i := 0; i < len(in); i++ {
		if in[i] == '\\' && i+1 < len(in) {
			if in[i+1] == '/' {
				out = append(out, '/')
			} else {
				out = append(out, in[i], in[i+1])
			}
			i++
			continue
		}
		out = append(out, in[i])
	}
	return out
}

// fileName returns the last path segment of rawURL when it looks like a file name.
func fileName(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	name := path.Base(u.Path)
	if name == "." || name == "/" || !strings.Contains(name, ".") {
		return ""
	}
	return name
}
