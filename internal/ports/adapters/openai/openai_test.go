package openai

import (
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forPelevin/petclip/internal/retry"
	"github.com/forPelevin/petclip/internal/types"
)

func noSleep(context.Context, time.Duration) error { return nil }

func newTestAdapter(t *testing.T, h http.HandlerFunc) *Adapter {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(Options{
		APIKey:     "sk-test",
		BaseURL:    srv.URL,
		HTTPClient: srv.Client(),
		Retry:      retry.Policy{Sleep: noSleep},
	})
}

func TestEdit_SendsMultipartAndDecodes(t *testing.T) {
	want := []byte("\x89PNG edited")
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/images/edits", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "a chibi dog", r.FormValue("prompt"))
		assert.Equal(t, "gpt-image-1", r.FormValue("model"))
		f, hdr, err := r.FormFile("image")
		require.NoError(t, err)
		defer f.Close()
		assert.Equal(t, "image.png", hdr.Filename)
		got, _ := io.ReadAll(f)
		assert.Equal(t, []byte("photo"), got)

		_, _ = w.Write([]byte(`{"data":[{"b64_json":"` + base64.StdEncoding.EncodeToString(want) + `"}]}`))
	})

	out, err := a.Edit(context.Background(), []byte("photo"), "a chibi dog")
	require.NoError(t, err)
	assert.Equal(t, want, out)
}

func TestEdit_RetriesServerErrorsThenSurfaces(t *testing.T) {
	var calls atomic.Int32
	a := newTestAdapter(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"message":"server overloaded"}}`))
	})

	_, err := a.Edit(context.Background(), []byte("photo"), "prompt")
	assert.Equal(t, int32(3), calls.Load())
	assert.ErrorIs(t, err, types.ErrRemoteService)
	var rse *types.RemoteServiceError
	require.ErrorAs(t, err, &rse)
	assert.Equal(t, http.StatusInternalServerError, rse.Status)
	assert.Equal(t, "server overloaded", rse.Detail)
}

func TestEdit_ClientErrorIsPermanent(t *testing.T) {
	var calls atomic.Int32
	a := newTestAdapter(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"unsupported image"}}`))
	})

	_, err := a.Edit(context.Background(), []byte("photo"), "prompt")
	assert.Equal(t, int32(1), calls.Load())
	assert.ErrorIs(t, err, types.ErrRemoteService)
}

func TestEdit_RecoversAfterTransientFailure(t *testing.T) {
	var calls atomic.Int32
	a := newTestAdapter(t, func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"data":[{"b64_json":"` + base64.StdEncoding.EncodeToString([]byte("ok")) + `"}]}`))
	})

	out, err := a.Edit(context.Background(), []byte("photo"), "prompt")
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), out)
	assert.Equal(t, int32(2), calls.Load())
}

func TestEdit_EmptyDataIsRemoteError(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"data":[]}`))
	})
	_, err := a.Edit(context.Background(), []byte("photo"), "prompt")
	assert.ErrorIs(t, err, types.ErrRemoteService)
}

func TestEdit_RejectsEmptyInput(t *testing.T) {
	a := New(Options{APIKey: "k"})
	_, err := a.Edit(context.Background(), nil, "prompt")
	assert.ErrorIs(t, err, types.ErrInvalidParameter)
	_, err = a.Edit(context.Background(), []byte("x"), "  ")
	assert.ErrorIs(t, err, types.ErrInvalidParameter)
}
