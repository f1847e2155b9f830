package elastic

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureIndex(t *testing.T) {
	var created bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "elastic", user)
		assert.Equal(t, "secret", pass)
		switch {
		case r.Method == http.MethodHead && !created:
			w.WriteHeader(http.StatusNotFound)
		case r.Method == http.MethodHead:
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodPut:
			created = true
			_, _ = w.Write([]byte(`{"acknowledged":true}`))
		}
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL + "/", Username: "elastic", Password: "secret"})
	ok, err := c.EnsureIndex(context.Background(), "api-anomalies", map[string]any{"mappings": map[string]any{}})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.EnsureIndex(context.Background(), "api-anomalies", nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDoStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":"cluster_block_exception"}`))
	}))
	defer srv.Close()

	err := New(Config{BaseURL: srv.URL}).Ping(context.Background())
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusServiceUnavailable, se.StatusCode)
	assert.Contains(t, se.Body, "cluster_block_exception")
}
