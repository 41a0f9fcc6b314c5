package proxy

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ruteri/tee-agent-proxy/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testLog = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestForwardInfoRelaysVerbatim(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/info", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"type":"meta"}`, string(body))

		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"universe":[]}`))
	}))
	defer upstream.Close()

	client := New(upstream.URL, time.Second, testLog)
	forwarded, err := client.ForwardInfo(context.Background(), []byte(`{"type":"meta"}`))
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, forwarded.StatusCode)
	assert.Equal(t, `{"universe":[]}`, string(forwarded.Body))
}

func TestForwardExchangeRelaysUpstreamRejection(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/exchange", r.URL.Path)
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"status":"err","response":"Insufficient margin"}`))
	}))
	defer upstream.Close()

	client := New(upstream.URL, time.Second, testLog)
	forwarded, err := client.ForwardExchange(context.Background(), []byte(`{"action":{}}`))
	require.NoError(t, err)

	// Business-level failures are not transport errors.
	assert.Equal(t, http.StatusUnprocessableEntity, forwarded.StatusCode)
	assert.Equal(t, `{"status":"err","response":"Insufficient margin"}`, string(forwarded.Body))
}

func TestForwardExchangeNoRetries(t *testing.T) {
	var hits int
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer upstream.Close()

	client := New(upstream.URL, time.Second, testLog)
	forwarded, err := client.ForwardExchange(context.Background(), []byte(`{}`))
	require.NoError(t, err)

	assert.Equal(t, http.StatusInternalServerError, forwarded.StatusCode)
	assert.Equal(t, 1, hits, "a signed action must never be submitted twice")
}

func TestForwardInfoRetriesServerErrors(t *testing.T) {
	var hits int
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		if hits < 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	client := New(upstream.URL, time.Second, testLog)
	forwarded, err := client.ForwardInfo(context.Background(), []byte(`{"type":"meta"}`))
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, forwarded.StatusCode)
	assert.Equal(t, 2, hits)
}

func TestForwardExchangeUnreachable(t *testing.T) {
	// Reserve a port and close it so nothing is listening there.
	upstream := httptest.NewServer(http.NotFoundHandler())
	url := upstream.URL
	upstream.Close()

	client := New(url, time.Second, testLog)
	_, err := client.ForwardExchange(context.Background(), []byte(`{}`))
	assert.ErrorIs(t, err, interfaces.ErrUpstreamUnreachable)
}

func TestForwardExchangeTimeout(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	defer upstream.Close()

	client := New(upstream.URL, 50*time.Millisecond, testLog)
	_, err := client.ForwardExchange(context.Background(), []byte(`{}`))
	assert.ErrorIs(t, err, interfaces.ErrUpstreamTimeout)
}

func TestForwardExchangeContextDeadline(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	defer upstream.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	client := New(upstream.URL, time.Second, testLog)
	_, err := client.ForwardExchange(ctx, []byte(`{}`))
	assert.ErrorIs(t, err, interfaces.ErrUpstreamTimeout)
}
