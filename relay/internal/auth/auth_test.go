package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func newServer(t *testing.T, status int, body string) (*httptest.Server, *http.Request) {
	t.Helper()
	var captured http.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		captured = *r
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &captured
}

func TestLoginReturnsSID(t *testing.T) {
	srv, captured := newServer(t, http.StatusOK, `{"SID": "abc123", "userId": 7}`)
	c := NewClient(&Config{Endpoint: srv.URL})

	sid, err := c.Login(context.Background(), "user@example.com", "secret")
	require.NoError(t, err)
	require.Equal(t, "abc123", sid)
	require.Equal(t, http.MethodPost, captured.Method)
	require.Equal(t, "user@example.com", captured.PostForm.Get("login"))
	require.Equal(t, "secret", captured.PostForm.Get("password"))
	require.Equal(t, "application/x-www-form-urlencoded", captured.Header.Get("Content-Type"))
}

func TestLoginSurfacesServerError(t *testing.T) {
	srv, _ := newServer(t, http.StatusOK, `{"error": "bad password"}`)
	c := NewClient(&Config{Endpoint: srv.URL})

	sid, err := c.Login(context.Background(), "user", "wrong")
	require.Empty(t, sid)
	require.True(t, errors.Is(err, ErrInvalidCredentials))
	require.Contains(t, err.Error(), "bad password")
}

func TestLoginWithoutSID(t *testing.T) {
	srv, _ := newServer(t, http.StatusOK, `{"ok": true}`)
	c := NewClient(&Config{Endpoint: srv.URL})

	_, err := c.Login(context.Background(), "user", "pw")
	require.True(t, errors.Is(err, ErrNoSession))
}

func TestLoginMalformedAndRejected(t *testing.T) {
	srv, _ := newServer(t, http.StatusOK, `<html>`)
	_, err := NewClient(&Config{Endpoint: srv.URL}).Login(context.Background(), "user", "pw")
	require.True(t, errors.Is(err, ErrMalformedResponse))

	srv, _ = newServer(t, http.StatusBadGateway, `<html>`)
	_, err = NewClient(&Config{Endpoint: srv.URL}).Login(context.Background(), "user", "pw")
	require.True(t, errors.Is(err, ErrLoginFailed))
}

func TestLoginRequiresCredentials(t *testing.T) {
	c := NewClient(&Config{Endpoint: "http://127.0.0.1:1"})
	_, err := c.Login(context.Background(), "", "pw")
	require.True(t, errors.Is(err, ErrMissingCredentials))
}

func TestLoginNetworkErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		hj, ok := w.(http.Hijacker)
		require.True(t, ok)
		conn, _, err := hj.Hijack()
		require.NoError(t, err)
		_ = conn.Close()
	}))
	t.Cleanup(srv.Close)

	_, err := NewClient(&Config{Endpoint: srv.URL}).Login(context.Background(), "user", "pw")
	require.Error(t, err)
	require.Equal(t, int32(1), calls.Load())
}
