package utils

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubRoundTripper allows us to control responses and errors per attempt
type stubRoundTripper struct {
	mu        sync.Mutex
	attempts  int
	responses []*http.Response
	errs      []error
	bodies    []string
	headers   []http.Header
}

func (s *stubRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.attempts
	s.attempts++

	var body []byte
	if req.Body != nil {
		body, _ = io.ReadAll(req.Body)
	}
	s.bodies = append(s.bodies, string(body))
	s.headers = append(s.headers, req.Header.Clone())

	if i < len(s.errs) && s.errs[i] != nil {
		return nil, s.errs[i]
	}
	resp := s.responses[i]
	resp.Request = req
	return resp, nil
}

func response(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(bytes.NewReader([]byte(body))),
	}
}

func withStubbedClient(stub *stubRoundTripper, test func()) {
	GetHTTPClient()
	saved := client.Transport
	client.Transport = stub
	defer func() { client.Transport = saved }()
	test()
}

func TestRetrySucceedsAfterTransient(t *testing.T) {
	stub := &stubRoundTripper{
		errs:      []error{nil, nil},
		responses: []*http.Response{response(503, `{}`), response(200, `{"ok": true}`)},
	}

	withStubbedClient(stub, func() {
		req, _ := http.NewRequest(http.MethodPost, "http://graph.example.com/1/messages", bytes.NewReader([]byte(`{"to": "923003000000"}`)))
		rr, err := MakeHTTPRequestWithRetry(context.Background(), req, 3, time.Millisecond, "batch:923003000000")

		require.NoError(t, err)
		assert.Equal(t, RRStatusSuccess, rr.Status)
		assert.Equal(t, 2, stub.attempts)

		// every attempt resends the full body and carries the idempotency key
		assert.Equal(t, `{"to": "923003000000"}`, stub.bodies[0])
		assert.Equal(t, `{"to": "923003000000"}`, stub.bodies[1])
		assert.Equal(t, "batch:923003000000", stub.headers[0].Get("Idempotency-Key"))
		assert.Equal(t, "batch:923003000000", stub.headers[1].Get("Idempotency-Key"))
	})
}

func TestRetryDoesNotRetryClientErrors(t *testing.T) {
	stub := &stubRoundTripper{
		responses: []*http.Response{response(400, `{"error": {"message": "invalid number"}}`)},
	}

	withStubbedClient(stub, func() {
		req, _ := http.NewRequest(http.MethodPost, "http://graph.example.com/1/messages", bytes.NewReader([]byte(`{}`)))
		rr, err := MakeHTTPRequestWithRetry(context.Background(), req, 3, time.Millisecond, "key")

		assert.Error(t, err)
		assert.Equal(t, RRStatusFailure, rr.Status)
		assert.Equal(t, 400, rr.StatusCode)
		assert.Equal(t, 1, stub.attempts)
	})
}

func TestRetryExhaustsAttempts(t *testing.T) {
	stub := &stubRoundTripper{
		responses: []*http.Response{response(502, `{}`), response(502, `{}`), response(502, `{}`)},
	}

	withStubbedClient(stub, func() {
		req, _ := http.NewRequest(http.MethodPost, "http://graph.example.com/1/messages", bytes.NewReader([]byte(`{}`)))
		rr, err := MakeHTTPRequestWithRetry(context.Background(), req, 3, time.Millisecond, "key")

		assert.Error(t, err)
		assert.Equal(t, 502, rr.StatusCode)
		assert.Equal(t, 3, stub.attempts)
	})
}

func TestRetryNoIdempotencyKeyOnGet(t *testing.T) {
	stub := &stubRoundTripper{
		responses: []*http.Response{response(200, `{}`)},
	}

	withStubbedClient(stub, func() {
		req, _ := http.NewRequest(http.MethodGet, "http://graph.example.com/1", nil)
		rr, err := MakeHTTPRequestWithRetry(context.Background(), req, 3, time.Millisecond, "key")

		require.NoError(t, err)
		assert.Equal(t, RRStatusSuccess, rr.Status)
		assert.Equal(t, "", stub.headers[0].Get("Idempotency-Key"))
	})
}
