// Package content turns captured bytes into inspectable representations.
//
// Every representation is one of a closed set of variants (Raw, JSON, Text, Image,
// KeyValue, CommandLine, Overview). Callers switch on Kind or on the concrete type.
// Every variant has a canonical string form, returned by String, which is what gets
// copied to the clipboard.
//
// Nothing in this package returns an error for bad input: malformed content falls
// back to a less specific variant.
package content

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/tfkr-ae/snag/domain"
)

// Kind identifies a representation variant.
type Kind int

const (
	KindRaw Kind = iota
	KindJSON
	KindText
	KindImage
	KindKeyValue
	KindCommandLine
	KindOverview
)

func (k Kind) String() string {
	switch k {
	case KindRaw:
		return "raw"
	case KindJSON:
		return "json"
	case KindText:
		return "text"
	case KindImage:
		return "image"
	case KindKeyValue:
		return "key-value"
	case KindCommandLine:
		return "command-line"
	case KindOverview:
		return "overview"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Representation is the tagged variant produced by this package.
type Representation interface {
	Kind() Kind
	// String returns the canonical string form.
	String() string
}

// rawPreviewLimit bounds the hex dump of a Raw representation.
const rawPreviewLimit = 256

// Raw holds bytes that are neither an image, JSON nor UTF-8 text.
type Raw struct {
	Bytes []byte
}

func (Raw) Kind() Kind { return KindRaw }

// String returns the size followed by a hex dump of the leading bytes.
func (r Raw) String() string {
	if len(r.Bytes) == 0 {
		return ""
	}
	preview := r.Bytes
	truncated := false
	if len(preview) > rawPreviewLimit {
		preview = preview[:rawPreviewLimit]
		truncated = true
	}
	var b strings.Builder
	b.WriteString(formatBytes(len(r.Bytes)))
	b.WriteString("\n")
	b.WriteString(hex.Dump(preview))
	if truncated {
		b.WriteString("...\n")
	}
	return b.String()
}

// JSON holds a well-formed JSON document. Value is the parsed tree with numbers kept as
// json.Number, Bytes the original input.
type JSON struct {
	Value     any
	Bytes     []byte
	canonical string
}

func (JSON) Kind() Kind { return KindJSON }

// String returns the document indented with two spaces in its original key order.
func (j JSON) String() string { return j.canonical }

// Text holds a valid UTF-8 body. Pretty is set when the text is XML or HTML that could be indented.
type Text struct {
	Text   string
	Pretty string
}

func (Text) Kind() Kind { return KindText }

func (t Text) String() string {
	if t.Pretty != "" {
		return t.Pretty
	}
	return t.Text
}

// Image holds image bytes and their detected media type.
type Image struct {
	Bytes []byte
	MIME  string
	Name  string // file name taken from the URL, may be empty
}

func (Image) Kind() Kind { return KindImage }

// String returns the image as a data URI.
func (i Image) String() string {
	return "data:" + i.MIME + ";base64," + base64.StdEncoding.EncodeToString(i.Bytes)
}

// KeyValue is an ordered list of pairs. Duplicate keys are kept in order.
type KeyValue struct {
	Pairs domain.Headers
}

func (KeyValue) Kind() Kind { return KindKeyValue }

// String returns one "key: value" line per pair.
func (kv KeyValue) String() string {
	lines := make([]string, 0, len(kv.Pairs))
	for _, pair := range kv.Pairs {
		lines = append(lines, pair.Key+": "+pair.Value)
	}
	return strings.Join(lines, "\n")
}

// CommandLine holds a shell command that reproduces a request.
type CommandLine struct {
	Command string
}

func (CommandLine) Kind() Kind { return KindCommandLine }

func (c CommandLine) String() string { return c.Command }

func formatBytes(bytes int) string {
	switch {
	case bytes < 1024:
		return fmt.Sprintf("%d B", bytes)
	case bytes < 1024*1024:
		return fmt.Sprintf("%.1f KB", float64(bytes)/1024)
	default:
		return fmt.Sprintf("%.1f MB", float64(bytes)/(1024*1024))
	}
}
