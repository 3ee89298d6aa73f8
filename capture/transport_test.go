package capture

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"syscall"
	"testing"

	"github.com/tfkr-ae/snag/domain"
)

type testBaseRoundTripper struct {
	wasCalled bool
	response  *http.Response
	err       error
	request   *http.Request
}

func (tR *testBaseRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	tR.wasCalled = true
	tR.request = req
	if tR.err != nil {
		return nil, tR.err
	}
	if tR.response == nil {
		tR.response = &http.Response{
			StatusCode: http.StatusNoContent,
			Body:       io.NopCloser(bytes.NewBufferString("")),
			Header:     make(http.Header),
		}
	}
	return tR.response, nil
}

func TestTransport(t *testing.T) {
	t.Run("should require a sink", func(t *testing.T) {
		if _, err := NewTransport(nil); err == nil {
			t.Fatal("wanted an error but got nil")
		}
	})

	t.Run("should capture one frozen response record per exchange", func(t *testing.T) {
		sink := &recordingSink{}
		base := &testBaseRoundTripper{response: testResponse([]byte(`{"ok":true}`))}
		transport, err := NewTransport(sink, WithBase(base))
		if err != nil {
			t.Fatalf("wanted: nil\ngot: %v", err)
		}

		req, _ := http.NewRequest(http.MethodGet, "https://example.com/a", nil)
		res, err := transport.RoundTrip(req)
		if err != nil {
			t.Fatalf("wanted: nil\ngot: %v", err)
		}

		body, _ := io.ReadAll(res.Body)
		if string(body) != `{"ok":true}` {
			t.Fatalf("\nwanted:\n%v\ngot:\n%s", `{"ok":true}`, body)
		}

		records := sink.all()
		if len(records) != 1 {
			t.Fatalf("\nwanted:\n1 record\ngot:\n%d", len(records))
		}
		record := records[0]
		if !record.Frozen() || record.Direction != domain.DirectionResponse {
			t.Errorf("wanted a frozen response record, got %v frozen=%t", record.Direction, record.Frozen())
		}
		if record.Request.URL != "https://example.com/a" || record.Response.StatusCode != http.StatusOK {
			t.Errorf("\nwanted:\nhttps://example.com/a 200\ngot:\n%s %d", record.Request.URL, record.Response.StatusCode)
		}
	})

	t.Run("should send the request phase first when asked to", func(t *testing.T) {
		sink := &recordingSink{}
		transport, err := NewTransport(sink, WithBase(&testBaseRoundTripper{}), WithRequestPhase())
		if err != nil {
			t.Fatalf("wanted: nil\ngot: %v", err)
		}

		req, _ := http.NewRequest(http.MethodPost, "https://example.com/b", bytes.NewBufferString("x"))
		if _, err := transport.RoundTrip(req); err != nil {
			t.Fatalf("wanted: nil\ngot: %v", err)
		}

		records := sink.all()
		if len(records) != 2 {
			t.Fatalf("\nwanted:\n2 records\ngot:\n%d", len(records))
		}
		if records[0].ID != records[1].ID {
			t.Errorf("wanted both phases to share an ID")
		}
		if records[0].Direction != domain.DirectionRequest || records[0].Response != nil {
			t.Errorf("wanted the first record to be request-phase only")
		}
		if records[1].Direction != domain.DirectionResponse {
			t.Errorf("\nwanted:\n%v\ngot:\n%v", domain.DirectionResponse, records[1].Direction)
		}
	})

	t.Run("should capture failed exchanges as frozen request records and return the error", func(t *testing.T) {
		sink := &recordingSink{}
		transport, err := NewTransport(sink, WithBase(&testBaseRoundTripper{err: forcedErr}))
		if err != nil {
			t.Fatalf("wanted: nil\ngot: %v", err)
		}

		req, _ := http.NewRequest(http.MethodGet, "https://example.com/down", nil)
		_, err = transport.RoundTrip(req)
		if !errors.Is(err, forcedErr) {
			t.Fatalf("\nwanted:\n%v\ngot:\n%v", forcedErr, err)
		}

		records := sink.all()
		if len(records) != 1 {
			t.Fatalf("\nwanted:\n1 record\ngot:\n%d", len(records))
		}
		if !records[0].Frozen() || records[0].Response != nil {
			t.Errorf("wanted a frozen record without a response")
		}
	})

	t.Run("should not capture skipped requests", func(t *testing.T) {
		sink := &recordingSink{}
		base := &testBaseRoundTripper{}
		transport, err := NewTransport(sink, WithBase(base), WithSkip(func(req *http.Request) bool {
			return req.URL.Hostname() == "telemetry.example.com"
		}))
		if err != nil {
			t.Fatalf("wanted: nil\ngot: %v", err)
		}

		req, _ := http.NewRequest(http.MethodGet, "https://telemetry.example.com/beacon", nil)
		if _, err := transport.RoundTrip(req); err != nil {
			t.Fatalf("wanted: nil\ngot: %v", err)
		}

		if !base.wasCalled {
			t.Fatal("expected base RoundTrip to be called")
		}
		if got := len(sink.all()); got != 0 {
			t.Fatalf("\nwanted:\n0 records\ngot:\n%d", got)
		}
	})

	t.Run("should reject a nil base", func(t *testing.T) {
		_, err := NewTransport(&recordingSink{}, WithBase(nil))
		if err == nil {
			t.Fatal("wanted an error but got nil")
		}
	})
}

func TestCertRoundTripper(t *testing.T) {
	cert := testCert(t)

	for _, target := range []string{"http://snag.cert", "http://snag.cert/"} {
		t.Run("request to "+target+" should return the certificate", func(t *testing.T) {
			base := &testBaseRoundTripper{}
			roundTripper := &certRoundTripper{cert: cert, base: base}

			resp, err := roundTripper.RoundTrip(httptest.NewRequest(http.MethodGet, target, nil))
			if err != nil {
				t.Fatalf("wanted: nil\ngot: %v", err)
			}
			if base.wasCalled {
				t.Fatal("expected base RoundTrip to not be called")
			}
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("wanted: %d\ngot: %d", http.StatusOK, resp.StatusCode)
			}
			if got := resp.Header.Get("Content-Type"); got != "application/x-x509-ca-cert" {
				t.Errorf("wanted ContentType: application/x-x509-ca-cert\ngot: %v", got)
			}

			body, err := io.ReadAll(resp.Body)
			if err != nil {
				t.Fatalf("reading response body: %v", err)
			}
			defer resp.Body.Close()
			if !bytes.Equal(body, cert.Raw) {
				t.Fatalf("wanted %q\ngot: %q", cert.Raw, body)
			}
		})
	}

	t.Run("requests to any other host should call the base RoundTrip", func(t *testing.T) {
		want := testResponse([]byte("Snag Test"))
		base := &testBaseRoundTripper{response: want}
		roundTripper := &certRoundTripper{cert: cert, base: base}

		req := httptest.NewRequest(http.MethodGet, "https://example.com", nil)
		resp, err := roundTripper.RoundTrip(req)
		if err != nil {
			t.Fatalf("wanted: nil\ngot: %v", err)
		}
		if !base.wasCalled {
			t.Fatal("expected base RoundTrip to be called")
		}
		if base.request != req {
			t.Error("expected base RoundTrip to receive the same request")
		}
		if resp != want {
			t.Errorf("wanted: %v\n got: %v", want, resp)
		}
	})
}

func TestUpstreamTransport(t *testing.T) {
	t.Run("request to standard HTTPS server should pass through over HTTP/1.1", func(t *testing.T) {
		server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("snag tls"))
		}))
		defer server.Close()

		client := &http.Client{Transport: newUpstreamTransport(testCert(t), true)}
		resp, err := client.Get(server.URL)
		if err != nil {
			t.Fatalf("wanted: nil\ngot: %v", err)
		}
		defer resp.Body.Close()

		if resp.Proto != "HTTP/1.1" {
			t.Errorf("wanted: HTTP/1.1\ngot: %s", resp.Proto)
		}
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			t.Fatalf("reading response body: %v", err)
		}
		if string(body) != "snag tls" {
			t.Fatalf("wanted %q\ngot: %q", "snag tls", body)
		}
	})

	t.Run("verification failures should surface when not insecure", func(t *testing.T) {
		server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		defer server.Close()

		client := &http.Client{Transport: newUpstreamTransport(nil, false)}
		if _, err := client.Get(server.URL); err == nil {
			t.Fatal("wanted an error but got nil")
		}
	})

	t.Run("requests to closed ports should fail", func(t *testing.T) {
		client := &http.Client{Transport: newUpstreamTransport(nil, false)}
		_, err := client.Get("https://127.0.0.1:1")
		if err == nil {
			t.Fatal("wanted an error but got nil")
		}
		if !errors.Is(err, syscall.ECONNREFUSED) {
			t.Fatalf("wanted: %s\ngot: %v", syscall.ECONNREFUSED, err)
		}
	})
}
