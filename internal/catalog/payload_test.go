package catalog

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"
)

func gzipBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write(data)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func brotliBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	bw := brotli.NewWriter(&buf)
	_, err := bw.Write(data)
	require.NoError(t, err)
	require.NoError(t, bw.Close())
	return buf.Bytes()
}

func TestPayloadClient_PlainBody(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("<html>plain</html>"))
	}))
	defer srv.Close()

	body, err := NewPayloadClient(5*time.Second).Download(context.Background(), srv.URL)
	require.NoError(t, err)
	require.Equal(t, []byte("<html>plain</html>"), body)
}

func TestPayloadClient_GzipByMagicBytes(t *testing.T) {
	t.Parallel()

	compressed := gzipBytes(t, []byte("<html>compressed</html>"))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		// Stored payloads come back as opaque octet streams; only the
		// magic bytes reveal the compression.
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(compressed)
	}))
	defer srv.Close()

	body, err := NewPayloadClient(5*time.Second).Download(context.Background(), srv.URL)
	require.NoError(t, err)
	require.Equal(t, []byte("<html>compressed</html>"), body)
}

func TestPayloadClient_BrotliBody(t *testing.T) {
	t.Parallel()

	// The fetcher stores pages Brotli-compressed with no content-encoding
	// header and no magic bytes to detect.
	compressed := brotliBytes(t, []byte("<html>brotli compressed</html>"))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(compressed)
	}))
	defer srv.Close()

	body, err := NewPayloadClient(5*time.Second).Download(context.Background(), srv.URL)
	require.NoError(t, err)
	require.Equal(t, []byte("<html>brotli compressed</html>"), body)
}

func TestPayloadClient_ErrorStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := NewPayloadClient(5*time.Second).Download(context.Background(), srv.URL)
	require.Error(t, err)
}

func TestPayloadClient_TruncatedGzip(t *testing.T) {
	t.Parallel()

	compressed := gzipBytes(t, []byte("<html>compressed</html>"))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(compressed[:8])
	}))
	defer srv.Close()

	_, err := NewPayloadClient(5*time.Second).Download(context.Background(), srv.URL)
	require.Error(t, err)
}
