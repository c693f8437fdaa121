package catalog

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/go-resty/resty/v2"
	"github.com/klauspost/compress/gzip"
)

var gzipMagic = []byte{0x1f, 0x8b}

// Payloads larger than this are rejected before decompression.
const maxPayloadBytes = 32 << 20

// PayloadClient downloads stored page payloads from the fetcher's hosting
// URL and transparently decompresses them. The fetcher stores pages
// Brotli-compressed; Brotli carries no magic bytes, so decoding is
// attempted and the raw bytes are kept when it fails.
type PayloadClient struct {
	http *resty.Client
}

// NewPayloadClient builds a PayloadClient with the given fetch timeout.
func NewPayloadClient(timeout time.Duration) *PayloadClient {
	c := resty.New().
		SetTimeout(timeout).
		SetRetryCount(0)
	return &PayloadClient{http: c}
}

// Download fetches the payload bytes and decompresses them. gzip is
// recognized by its magic bytes or Content-Encoding; everything else goes
// through the try-Brotli-then-raw path.
func (c *PayloadClient) Download(ctx context.Context, url string) ([]byte, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(url)
	if err != nil {
		return nil, fmt.Errorf("fetch payload: %w", err)
	}
	raw := resp.RawBody()
	defer raw.Close()

	body, err := io.ReadAll(io.LimitReader(raw, maxPayloadBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	if resp.StatusCode() >= 400 {
		return nil, fmt.Errorf("fetch payload: status %d", resp.StatusCode())
	}
	if len(body) > maxPayloadBytes {
		return nil, fmt.Errorf("fetch payload: exceeds %d bytes", maxPayloadBytes)
	}

	if resp.Header().Get("Content-Encoding") == "gzip" || bytes.HasPrefix(body, gzipMagic) {
		decoded, err := gunzip(body)
		if err != nil {
			return nil, fmt.Errorf("decompress payload: %w", err)
		}
		return decoded, nil
	}

	if decoded, err := unbrotli(body); err == nil {
		return decoded, nil
	}
	// Not Brotli after all; the fetcher stored the page uncompressed.
	return body, nil
}

func unbrotli(data []byte) ([]byte, error) {
	out, err := io.ReadAll(io.LimitReader(brotli.NewReader(bytes.NewReader(data)), maxPayloadBytes))
	if err != nil {
		return nil, err
	}
	if len(out) == 0 && len(data) > 0 {
		return nil, fmt.Errorf("empty brotli stream")
	}
	return out, nil
}

func gunzip(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, err
	}
	return out, nil
}
