package imgbb

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forPelevin/petclip/internal/types"
)

func TestUpload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/1/upload", r.URL.Path)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "bb-key", r.PostForm.Get("key"))
		assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("png")), r.PostForm.Get("image"))
		assert.Equal(t, "dog", r.PostForm.Get("name"))
		_, _ = w.Write([]byte(`{"data":{"url":"https://i.ibb.co/abc/dog.png"},"success":true}`))
	}))
	defer srv.Close()

	a := New(Options{APIKey: "bb-key", BaseURL: srv.URL, HTTPClient: srv.Client()})
	u, err := a.Upload(context.Background(), []byte("png"), "dog")
	require.NoError(t, err)
	assert.Equal(t, "https://i.ibb.co/abc/dog.png", u)
}

func TestUpload_ErrorRedactsKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"Invalid API v1 key bb-key"}}`))
	}))
	defer srv.Close()

	a := New(Options{APIKey: "bb-key", BaseURL: srv.URL, HTTPClient: srv.Client()})
	_, err := a.Upload(context.Background(), []byte("png"), "")
	require.ErrorIs(t, err, types.ErrRemoteService)
	assert.False(t, strings.Contains(err.Error(), "bb-key"))
}

func TestUpload_MissingKey(t *testing.T) {
	_, err := New(Options{}).Upload(context.Background(), []byte("png"), "")
	assert.ErrorIs(t, err, types.ErrInvalidParameter)
}
