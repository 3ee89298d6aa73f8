package content

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/tfkr-ae/snag/domain"
)

const (
	previewLimit    = 500     // characters shown per body preview
	previewMaxBytes = 100_000 // bodies at or above this size get no preview
)

// Overview summarises an exchange. It never holds body bytes, only sizes and short previews.
type Overview struct {
	Method          string
	URL             string
	StatusCode      int // 0 while the response is pending
	Duration        time.Duration
	HasResponse     bool
	RequestSize     int
	ResponseSize    int
	RequestPreview  string
	ResponsePreview string
}

func (Overview) Kind() Kind { return KindOverview }

// NewOverview builds the overview of a record.
func NewOverview(record *domain.CaptureRecord) Overview {
	overview := Overview{
		Method:         record.Request.Method,
		URL:            record.Request.URL,
		RequestSize:    len(record.Request.Body),
		RequestPreview: preview(record.Request.Body),
	}
	if res := record.Response; res != nil {
		overview.HasResponse = true
		overview.StatusCode = res.StatusCode
		overview.Duration = res.Duration
		overview.ResponseSize = len(res.Body)
		overview.ResponsePreview = preview(res.Body)
	}
	return overview
}

func (o Overview) String() string {
	var b strings.Builder
	b.WriteString("Method: " + o.Method + "\n")
	b.WriteString("URL: " + o.URL + "\n")

	status := ""
	if o.HasResponse {
		status = strconv.Itoa(o.StatusCode)
	}
	b.WriteString("Status: " + status + "\n")

	if o.HasResponse {
		fmt.Fprintf(&b, "Duration: %.2fms\n", float64(o.Duration)/float64(time.Millisecond))
	}

	if o.RequestSize > 0 {
		b.WriteString("Request Size: " + formatBytes(o.RequestSize) + "\n")
		if o.RequestPreview != "" {
			b.WriteString("\nRequest Body Preview:\n" + o.RequestPreview + "\n")
		}
	}

	if o.ResponseSize > 0 {
		b.WriteString("Response Size: " + formatBytes(o.ResponseSize) + "\n")
		if o.ResponsePreview != "" {
			b.WriteString("\nResponse Body Preview:\n" + o.ResponsePreview + "\n")
		}
	}
	return b.String()
}

// preview returns the first previewLimit characters of a UTF-8 body, or nothing for binary or large bodies.
func preview(body []byte) string {
	if len(body) == 0 || len(body) >= previewMaxBytes || !utf8.Valid(body) {
		return ""
	}
	text := string(body)
	if utf8.RuneCountInString(text) <= previewLimit {
		return text
	}
	count := 0
	for i := range text {
		if count == previewLimit {
			return text[:i] + "..."
		}
		count++
	}
	return text
}
