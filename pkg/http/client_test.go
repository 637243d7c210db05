package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientGetJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "btc-updown-15m-1", r.URL.Query().Get("slug"))
		assert.Equal(t, "1", r.URL.Query().Get("keep"))
		assert.Equal(t, "polypulse/1", r.Header.Get("User-Agent"))
		_, _ = w.Write([]byte(`[{"slug":"btc-updown-15m-1"}]`))
	}))
	defer srv.Close()

	var rows []struct {
		Slug string `json:"slug"`
	}
	err := NewClient().GetJSON(context.Background(), srv.URL+"/markets?keep=1", url.Values{"slug": {"btc-updown-15m-1"}}, &rows)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "btc-updown-15m-1", rows[0].Slug)
}

func TestClientPostJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var in map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		_ = json.NewEncoder(w).Encode(map[string]string{"echo": in["symbol"]})
	}))
	defer srv.Close()

	var out map[string]string
	require.NoError(t, NewClient().PostJSON(context.Background(), srv.URL, map[string]string{"symbol": "BTC"}, &out))
	assert.Equal(t, "BTC", out["echo"])
	assert.NoError(t, NewClient().PostJSON(context.Background(), srv.URL, map[string]string{}, nil))
}

func TestClientStatusErrors(t *testing.T) {
	var code atomic.Int32
	code.Store(http.StatusServiceUnavailable)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(code.Load()))
		_, _ = io.WriteString(w, strings.Repeat("x", 1000))
	}))
	defer srv.Close()

	_, err := NewClient().GetBytes(context.Background(), srv.URL)
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, 503, se.Code)
	assert.Len(t, se.Body, 512)
	assert.True(t, IsTransient(err))

	code.Store(http.StatusNotFound)
	_, err = NewClient().GetBytes(context.Background(), srv.URL)
	assert.False(t, IsTransient(err))
	assert.False(t, IsTransient(context.Canceled))
	assert.True(t, IsTransient(context.DeadlineExceeded))
}

func TestClientBodyLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, strings.Repeat("a", 64))
	}))
	defer srv.Close()

	_, err := NewClient(WithMaxBodyBytes(32)).GetBytes(context.Background(), srv.URL)
	assert.Error(t, err)
	b, err := NewClient(WithMaxBodyBytes(64)).GetBytes(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Len(t, b, 64)
}
