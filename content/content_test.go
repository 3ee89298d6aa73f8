package content

import (
	"bytes"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/textproto"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/tfkr-ae/snag/domain"
)

var (
	testPNG  = append([]byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}, []byte("....IHDR")...)
	testJPEG = []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 'J', 'F', 'I', 'F'}
	testGIF  = []byte("GIF89a\x01\x00\x01\x00")
)

func TestClassify(t *testing.T) {
	t.Run("image signatures should win over the declared content type", func(t *testing.T) {
		tests := map[string]struct {
			body []byte
			mime string
		}{
			"png":  {body: testPNG, mime: "image/png"},
			"jpeg": {body: testJPEG, mime: "image/jpeg"},
			"gif":  {body: testGIF, mime: "image/gif"},
		}
		for name, tt := range tests {
			got := Classify(tt.body, "text/plain", Context{})
			image, ok := got.(Image)
			if !ok {
				t.Fatalf("%s:\nwanted:\nImage\ngot:\n%s", name, got.Kind())
			}
			if image.MIME != tt.mime {
				t.Fatalf("%s:\nwanted:\n%s\ngot:\n%s", name, tt.mime, image.MIME)
			}
		}
	})

	t.Run("image should take its name from the URL context", func(t *testing.T) {
		tests := map[string]struct {
			url  string
			want string
		}{
			"file name":    {url: "https://example.com/img/logo.png?v=2", want: "logo.png"},
			"no extension": {url: "https://example.com/avatar", want: ""},
			"no url":       {url: "", want: ""},
		}
		for name, tt := range tests {
			image, ok := Classify(testPNG, "", Context{URL: tt.url}).(Image)
			if !ok {
				t.Fatalf("%s:\nwanted:\nImage\ngot:\nsomething else", name)
			}
			if image.Name != tt.want {
				t.Fatalf("%s:\nwanted:\n%q\ngot:\n%q", name, tt.want, image.Name)
			}
		}

		if got := Classify([]byte(`{"a":1}`), "", Context{URL: "https://example.com/logo.png"}); got.Kind() != KindJSON {
			t.Fatalf("\nwanted:\njson\ngot:\n%s", got.Kind())
		}
	})

	t.Run("JSON object should keep the original bytes and key order", func(t *testing.T) {
		body := []byte(`{"b":2,"a":{"url":"https:\/\/example.com"}}`)
		got := Classify(body, "", Context{})
		doc, ok := got.(JSON)
		if !ok {
			t.Fatalf("\nwanted:\nJSON\ngot:\n%s", got.Kind())
		}
		if !bytes.Equal(doc.Bytes, body) {
			t.Fatalf("\nwanted:\n%s\ngot:\n%s", body, doc.Bytes)
		}
		want := "{\n  \"b\": 2,\n  \"a\": {\n    \"url\": \"https://example.com\"\n  }\n}"
		if doc.String() != want {
			t.Fatalf("\nwanted:\n%q\ngot:\n%q", want, doc.String())
		}
		tree, ok := doc.Value.(map[string]any)
		if !ok {
			t.Fatalf("\nwanted:\nmap[string]any\ngot:\n%T", doc.Value)
		}
		if tree["b"] != json.Number("2") {
			t.Fatalf("\nwanted:\njson.Number(2)\ngot:\n%#v", tree["b"])
		}
	})

	t.Run("JSON round trip should produce the same tree", func(t *testing.T) {
		body := []byte(`[1, "two", {"three": [true, null]}]`)
		doc, ok := Classify(body, "", Context{}).(JSON)
		if !ok {
			t.Fatalf("\nwanted:\nJSON")
		}
		again, ok := Classify([]byte(doc.String()), "", Context{}).(JSON)
		if !ok {
			t.Fatalf("\nwanted:\nJSON on reclassification")
		}
		if !reflect.DeepEqual(doc.Value, again.Value) {
			t.Fatalf("\nwanted:\n%v\ngot:\n%v", doc.Value, again.Value)
		}
	})

	t.Run("escaped backslash before a slash should be kept", func(t *testing.T) {
		doc, ok := Classify([]byte(`{"p":"a\\/b"}`), "", Context{}).(JSON)
		if !ok {
			t.Fatalf("\nwanted:\nJSON")
		}
		if !strings.Contains(doc.String(), `"a\\/b"`) {
			t.Fatalf("\nwanted:\n\"a\\\\/b\"\ngot:\n%s", doc.String())
		}
	})

	t.Run("JSON scalar should be text", func(t *testing.T) {
		if got := Classify([]byte(`123`), "application/json", Context{}); got.Kind() != KindText {
			t.Fatalf("\nwanted:\ntext\ngot:\n%s", got.Kind())
		}
	})

	t.Run("malformed JSON should be text", func(t *testing.T) {
		got := Classify([]byte(`{"a":}`), "application/json", Context{})
		if got.Kind() != KindText || got.String() != `{"a":}` {
			t.Fatalf("\nwanted:\ntext {\"a\":}\ngot:\n%s %q", got.Kind(), got.String())
		}
	})

	t.Run("XML should be text with an indented canonical form", func(t *testing.T) {
		got := Classify([]byte(`<root><item>1</item></root>`), "application/xml", Context{})
		if got.Kind() != KindText {
			t.Fatalf("\nwanted:\ntext\ngot:\n%s", got.Kind())
		}
		want := "<root>\n <item>1</item>\n</root>\n"
		if got.String() != want {
			t.Fatalf("\nwanted:\n%q\ngot:\n%q", want, got.String())
		}
	})

	t.Run("SVG should stay text", func(t *testing.T) {
		svg := []byte(`<svg xmlns="http://www.w3.org/2000/svg" width="1" height="1"></svg>`)
		if got := Classify(svg, "image/svg+xml", Context{}); got.Kind() != KindText {
			t.Fatalf("\nwanted:\ntext\ngot:\n%s", got.Kind())
		}
	})

	t.Run("invalid UTF-8 should be raw", func(t *testing.T) {
		body := []byte{0xff, 0xfe, 0xfd, 0x00, 0x01}
		got := Classify(body, "", Context{})
		raw, ok := got.(Raw)
		if !ok {
			t.Fatalf("\nwanted:\nRaw\ngot:\n%s", got.Kind())
		}
		if !strings.HasPrefix(raw.String(), "5 B\n") {
			t.Fatalf("\nwanted:\nprefix 5 B\ngot:\n%q", raw.String())
		}
	})

	t.Run("empty body should be raw with an empty canonical form", func(t *testing.T) {
		got := Classify(nil, "application/json", Context{})
		if got.Kind() != KindRaw || got.String() != "" {
			t.Fatalf("\nwanted:\nempty raw\ngot:\n%s %q", got.Kind(), got.String())
		}
	})

	t.Run("multipart body with an image part should be an image", func(t *testing.T) {
		var buf bytes.Buffer
		writer := multipart.NewWriter(&buf)
		textPart, _ := writer.CreateFormField("name")
		textPart.Write([]byte("avatar"))
		header := make(textproto.MIMEHeader)
		header.Set("Content-Disposition", `form-data; name="file"; filename="a.png"`)
		header.Set("Content-Type", "image/png")
		imagePart, _ := writer.CreatePart(header)
		imagePart.Write(testPNG)
		writer.Close()

		got := Classify(buf.Bytes(), writer.FormDataContentType(), Context{})
		if got.Kind() != KindImage {
			t.Fatalf("\nwanted:\nimage\ngot:\n%s", got.Kind())
		}
	})
}

func TestKeyValue(t *testing.T) {
	t.Run("duplicate headers should be preserved in order", func(t *testing.T) {
		headers := domain.Headers{
			{Key: "Set-Cookie", Value: "a=1"},
			{Key: "Content-Type", Value: "text/plain"},
			{Key: "Set-Cookie", Value: "b=2"},
		}
		got := HeadersKeyValue(headers)
		if !reflect.DeepEqual(got.Pairs, headers) {
			t.Fatalf("\nwanted:\n%v\ngot:\n%v", headers, got.Pairs)
		}
		want := "Set-Cookie: a=1\nContent-Type: text/plain\nSet-Cookie: b=2"
		if got.String() != want {
			t.Fatalf("\nwanted:\n%q\ngot:\n%q", want, got.String())
		}
	})

	t.Run("query parameters should keep order and duplicates", func(t *testing.T) {
		got := QueryKeyValue("https://example.com/search?q=snag&page=2&q=go%20lang")
		want := domain.Headers{
			{Key: "q", Value: "snag"},
			{Key: "page", Value: "2"},
			{Key: "q", Value: "go lang"},
		}
		if !reflect.DeepEqual(got.Pairs, want) {
			t.Fatalf("\nwanted:\n%v\ngot:\n%v", want, got.Pairs)
		}
	})

	t.Run("unparsable URL should yield no pairs", func(t *testing.T) {
		if got := QueryKeyValue("http://[::1"); len(got.Pairs) != 0 {
			t.Fatalf("\nwanted:\nno pairs\ngot:\n%v", got.Pairs)
		}
	})
}

func TestCurl(t *testing.T) {
	t.Run("simple GET should not quote the URL", func(t *testing.T) {
		got := Curl(domain.RequestInfo{Method: "GET", URL: "https://example.com/a"})
		if got.String() != "curl https://example.com/a" {
			t.Fatalf("\nwanted:\ncurl https://example.com/a\ngot:\n%q", got.String())
		}
	})

	t.Run("HEAD should use --head", func(t *testing.T) {
		got := Curl(domain.RequestInfo{Method: "HEAD", URL: "https://example.com/a"})
		want := "curl https://example.com/a \\\n\t--head"
		if got.String() != want {
			t.Fatalf("\nwanted:\n%q\ngot:\n%q", want, got.String())
		}
	})

	t.Run("POST should use -X, skip Cookie and pass the body", func(t *testing.T) {
		got := Curl(domain.RequestInfo{
			Method: "POST",
			URL:    "https://example.com/a?x=1&y=2",
			Headers: domain.Headers{
				{Key: "Content-Type", Value: "application/json"},
				{Key: "Cookie", Value: "session=secret"},
				{Key: "cookie", Value: "kept=1"},
			},
			Body: []byte(`{"name":"O'Brien"}`),
		})
		want := strings.Join([]string{
			"curl 'https://example.com/a?x=1&y=2'",
			"-X POST",
			"-H 'Content-Type: application/json'",
			"-H 'cookie: kept=1'",
			`-d '{"name":"O'\''Brien"}'`,
		}, " \\\n\t")
		if got.String() != want {
			t.Fatalf("\nwanted:\n%q\ngot:\n%q", want, got.String())
		}
	})

	t.Run("request without body should have no -d", func(t *testing.T) {
		got := Curl(domain.RequestInfo{Method: "DELETE", URL: "https://example.com/a"})
		if strings.Contains(got.String(), "-d") {
			t.Fatalf("\nwanted:\nno -d\ngot:\n%q", got.String())
		}
	})

	t.Run("empty URL should render nothing", func(t *testing.T) {
		if got := Curl(domain.RequestInfo{Method: "GET"}); got.String() != "" {
			t.Fatalf("\nwanted:\nempty\ngot:\n%q", got.String())
		}
	})
}

func TestOverview(t *testing.T) {
	t.Run("complete record should list every field", func(t *testing.T) {
		record := &domain.CaptureRecord{
			Direction: domain.DirectionResponse,
			Request:   domain.RequestInfo{Method: "POST", URL: "https://example.com/a", Body: []byte("hello")},
			Response: &domain.ResponseInfo{
				StatusCode: 201,
				Body:       bytes.Repeat([]byte("x"), 2048),
				Duration:   1500 * time.Microsecond,
			},
		}
		got := NewOverview(record).String()
		for _, want := range []string{
			"Method: POST\n",
			"URL: https://example.com/a\n",
			"Status: 201\n",
			"Duration: 1.50ms\n",
			"Request Size: 5 B\n",
			"\nRequest Body Preview:\nhello\n",
			"Response Size: 2.0 KB\n",
		} {
			if !strings.Contains(got, want) {
				t.Fatalf("\nwanted to contain:\n%q\ngot:\n%q", want, got)
			}
		}
		if !strings.Contains(got, strings.Repeat("x", 500)+"...") {
			t.Fatalf("\nwanted:\ntruncated preview\ngot:\n%q", got)
		}
	})

	t.Run("pending record should have an empty status and no duration", func(t *testing.T) {
		got := NewOverview(&domain.CaptureRecord{Request: domain.RequestInfo{Method: "GET", URL: "https://example.com"}}).String()
		want := "Method: GET\nURL: https://example.com\nStatus: \n"
		if got != want {
			t.Fatalf("\nwanted:\n%q\ngot:\n%q", want, got)
		}
	})

	t.Run("binary bodies should have no preview", func(t *testing.T) {
		got := NewOverview(&domain.CaptureRecord{Request: domain.RequestInfo{Body: []byte{0xff, 0xfe}}}).String()
		if strings.Contains(got, "Preview") {
			t.Fatalf("\nwanted:\nno preview\ngot:\n%q", got)
		}
	})
}

type fakeClipboard struct {
	text string
	err  error
}

func (f *fakeClipboard) WriteAll(text string) error {
	f.text = text
	return f.err
}

func TestCopy(t *testing.T) {
	t.Run("canonical form should be written", func(t *testing.T) {
		clip := &fakeClipboard{}
		rep := Curl(domain.RequestInfo{Method: "GET", URL: "https://example.com/a"})
		if err := Copy(clip, rep); err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}
		if clip.text != "curl https://example.com/a" {
			t.Fatalf("\nwanted:\ncurl https://example.com/a\ngot:\n%q", clip.text)
		}
	})

	t.Run("clipboard errors should be wrapped", func(t *testing.T) {
		failure := errors.New("no display")
		clip := &fakeClipboard{err: failure}
		if err := Copy(clip, Text{Text: "x"}); !errors.Is(err, failure) {
			t.Fatalf("\nwanted:\n%v\ngot:\n%v", failure, err)
		}
	})

	t.Run("images should be copied as data URIs", func(t *testing.T) {
		clip := &fakeClipboard{}
		Copy(clip, Image{Bytes: []byte{1, 2, 3}, MIME: "image/png"})
		if clip.text != "data:image/png;base64,AQID" {
			t.Fatalf("\nwanted:\ndata:image/png;base64,AQID\ngot:\n%q", clip.text)
		}
	})
}

func TestInspect(t *testing.T) {
	t.Run("response record should produce every representation", func(t *testing.T) {
		record := &domain.CaptureRecord{
			Direction: domain.DirectionResponse,
			Request: domain.RequestInfo{
				Method:  "GET",
				URL:     "https://example.com/a?x=1",
				Headers: domain.Headers{{Key: "Accept", Value: "application/json"}},
			},
			Response: &domain.ResponseInfo{
				StatusCode: 200,
				Headers:    domain.Headers{{Key: "Content-Type", Value: "application/json"}},
				Body:       []byte(`{"ok":true}`),
			},
		}
		got := Inspect(record)
		if got.ResponseBody.Kind() != KindJSON {
			t.Fatalf("\nwanted:\njson\ngot:\n%s", got.ResponseBody.Kind())
		}
		if got.RequestBody.Kind() != KindRaw {
			t.Fatalf("\nwanted:\nraw\ngot:\n%s", got.RequestBody.Kind())
		}
		if len(got.Query.Pairs) != 1 {
			t.Fatalf("\nwanted:\n1 query pair\ngot:\n%d", len(got.Query.Pairs))
		}
		if len(got.All()) != 7 {
			t.Fatalf("\nwanted:\n7 representations\ngot:\n%d", len(got.All()))
		}
	})

	t.Run("pending record should have no response representations", func(t *testing.T) {
		got := Inspect(&domain.CaptureRecord{Request: domain.RequestInfo{Method: "GET", URL: "https://example.com"}})
		if got.ResponseHeaders != nil || got.ResponseBody != nil {
			t.Fatalf("\nwanted:\nno response representations")
		}
	})
}
