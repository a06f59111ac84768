package sttprovider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mediascribe/coreplane/internal/coreerr"
)

func TestHTTPBackendTranscribe(t *testing.T) {
	t.Run("success decodes result", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"text":"hello world","confidence":0.9,"language":"en","duration_s":1.5,"words":[{"text":"hello","start_ms":0,"end_ms":400,"confidence":0.95}]}`))
		}))
		defer srv.Close()

		backend := NewHTTPBackend("primary", srv.URL, "test-key", zaptest.NewLogger(t))
		assert.Equal(t, "primary", backend.Name())

		result, err := backend.Transcribe(context.Background(), []byte("audio-bytes"), TranscribeOpts{SessionID: "s1"})
		require.NoError(t, err)
		assert.Equal(t, "hello world", result.Text)
		assert.Equal(t, 0.9, result.Confidence)
		require.Len(t, result.Words, 1)
		assert.Equal(t, "hello", result.Words[0].Text)
	})

	t.Run("bad media classified as ProviderBadMedia", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnprocessableEntity)
			w.Write([]byte("unsupported codec"))
		}))
		defer srv.Close()

		backend := NewHTTPBackend("primary", srv.URL, "", zaptest.NewLogger(t))
		_, err := backend.Transcribe(context.Background(), []byte("x"), TranscribeOpts{})
		assert.Equal(t, coreerr.ProviderBadMedia, coreerr.KindOf(err))
	})

	t.Run("server error classified as ProviderUnavailable", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()

		backend := NewHTTPBackend("primary", srv.URL, "", zaptest.NewLogger(t))
		_, err := backend.Transcribe(context.Background(), []byte("x"), TranscribeOpts{})
		assert.Equal(t, coreerr.ProviderUnavailable, coreerr.KindOf(err))
	})
}
