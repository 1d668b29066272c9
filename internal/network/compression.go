// File: internal/network/compression.go
package network

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
)

// Pools for decompression readers to reduce allocation overhead across many
// probe requests.
var (
	gzipReaderPool = sync.Pool{
		New: func() interface{} {
			// Allocated empty; Reset() runs before first use.
			return new(gzip.Reader)
		},
	}

	brotliReaderPool = sync.Pool{
		New: func() interface{} {
			// brotli.NewReader(nil) yields a reusable reader ready for Reset().
			return brotli.NewReader(nil)
		},
	}
)

// Shared empty reader used for safely resetting pooled readers. gzip.Reset(nil)
// can panic on older Go versions, so an empty stream is used instead.
var emptyReader = strings.NewReader("")

func getGzipReader(r io.Reader) (*gzip.Reader, error) {
	zr := gzipReaderPool.Get().(*gzip.Reader)
	if err := zr.Reset(r); err != nil {
		gzipReaderPool.Put(zr)
		return nil, err
	}
	return zr, nil
}

func putGzipReader(zr *gzip.Reader) {
	if zr == nil {
		return
	}
	_ = zr.Reset(emptyReader)
	gzipReaderPool.Put(zr)
}

func getBrotliReader(r io.Reader) (*brotli.Reader, error) {
	br := brotliReaderPool.Get().(*brotli.Reader)
	if err := br.Reset(r); err != nil {
		brotliReaderPool.Put(br)
		return nil, err
	}
	return br, nil
}

func putBrotliReader(br *brotli.Reader) {
	if br == nil {
		return
	}
	_ = br.Reset(emptyReader)
	brotliReaderPool.Put(br)
}

// CompressionMiddleware is an http.RoundTripper that negotiates compression on
// outgoing requests (brotli preferred) and transparently decompresses response
// bodies based on Content-Encoding.
type CompressionMiddleware struct {
	// Transport is the underlying round tripper. Defaults to
	// http.DefaultTransport when nil.
	Transport http.RoundTripper
}

// NewCompressionMiddleware wraps the given transport.
func NewCompressionMiddleware(transport http.RoundTripper) *CompressionMiddleware {
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &CompressionMiddleware{Transport: transport}
}

// RoundTrip implements http.RoundTripper.
func (cm *CompressionMiddleware) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("Accept-Encoding") == "" {
		req.Header.Set("Accept-Encoding", "br, gzip, deflate, identity")
	}

	resp, err := cm.Transport.RoundTrip(req)
	if err != nil {
		return nil, err
	}

	if err := DecompressResponse(resp); err != nil {
		// The body may be partially consumed; discard the response.
		_ = resp.Body.Close()
		return nil, fmt.Errorf("failed to initialize response decompression: %w", err)
	}
	return resp, nil
}

// closeWrapper closes both the decompression reader and the original body, and
// returns pooled readers on Close.
type closeWrapper struct {
	io.ReadCloser
	originalBody io.ReadCloser
	poolCallback func()
}

func (w *closeWrapper) Close() error {
	if w.poolCallback != nil {
		w.poolCallback()
		w.poolCallback = nil
	}
	err1 := w.ReadCloser.Close()
	err2 := w.originalBody.Close()
	return errors.Join(err1, err2)
}

// DecompressResponse wraps resp.Body with the decoders matching its
// Content-Encoding values, applied in reverse order of encoding. Supports
// gzip, brotli, and both zlib-wrapped and raw deflate. On success the
// Content-Encoding and Content-Length headers are dropped and
// resp.Uncompressed is set.
func DecompressResponse(resp *http.Response) error {
	if resp == nil || resp.Body == nil {
		return nil
	}

	encodings := resp.Header.Values("Content-Encoding")
	if len(encodings) == 0 {
		return nil
	}

	for i := len(encodings) - 1; i >= 0; i-- {
		encoding := strings.ToLower(strings.TrimSpace(encodings[i]))

		switch encoding {
		case "gzip":
			gzipReader, err := getGzipReader(resp.Body)
			if err != nil {
				return fmt.Errorf("gzip initialization error: %w", err)
			}
			resp.Body = &closeWrapper{
				ReadCloser:   gzipReader,
				originalBody: resp.Body,
				poolCallback: func() { putGzipReader(gzipReader) },
			}

		case "br":
			brotliReader, err := getBrotliReader(resp.Body)
			if err != nil {
				return fmt.Errorf("brotli initialization error: %w", err)
			}
			resp.Body = &closeWrapper{
				ReadCloser:   io.NopCloser(brotliReader),
				originalBody: resp.Body,
				poolCallback: func() { putBrotliReader(brotliReader) },
			}

		case "deflate":
			wrapped, err := newDeflateReader(resp.Body)
			if err != nil {
				return fmt.Errorf("deflate initialization error: %w", err)
			}
			resp.Body = &closeWrapper{
				ReadCloser:   wrapped,
				originalBody: resp.Body,
			}

		case "identity", "":
			// Nothing to do.

		default:
			return fmt.Errorf("unsupported content encoding: %q", encoding)
		}
	}

	resp.Header.Del("Content-Encoding")
	resp.Header.Del("Content-Length")
	resp.ContentLength = -1
	resp.Uncompressed = true
	return nil
}

// newDeflateReader sniffs whether the stream is zlib-wrapped (RFC 1950) or raw
// deflate (RFC 1951); servers ship both under the "deflate" label.
func newDeflateReader(body io.Reader) (io.ReadCloser, error) {
	header := make([]byte, 2)
	n, err := io.ReadFull(body, header)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, err
	}
	combined := io.MultiReader(bytes.NewReader(header[:n]), body)

	// 0x78 is the zlib CMF byte for deflate with a 32K window.
	if n == 2 && header[0] == 0x78 {
		zr, err := zlib.NewReader(combined)
		if err == nil {
			return zr, nil
		}
		// Fall through to raw deflate on a bad zlib header; the stream was
		// mislabeled.
		combined = io.MultiReader(bytes.NewReader(header[:n]), body)
	}
	return flate.NewReader(combined), nil
}
