// File: internal/network/probe.go
package network

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/blazekit/blazekit/internal/config"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// probeBodyLimit caps how much of a media body is drained to validate the
// stream. Enough to catch truncated or bogus assets without downloading
// full-size originals.
const probeBodyLimit = 512 * 1024

// Prober performs the detached preload fetch for the media loader: a
// rate-limited GET of the candidate URL whose only job is to prove the asset
// decodes. It is the Go analogue of assigning src to a detached Image probe.
type Prober struct {
	client  *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewProber builds a prober from network configuration.
func NewProber(cfg config.NetworkConfig, logger *zap.Logger) *Prober {
	clientCfg := NewDefaultClientConfig(logger)
	if cfg.RequestTimeout > 0 {
		clientCfg.RequestTimeout = cfg.RequestTimeout
	}
	if cfg.DialTimeout > 0 {
		clientCfg.DialTimeout = cfg.DialTimeout
	}
	if cfg.TLSHandshakeTimeout > 0 {
		clientCfg.TLSHandshakeTimeout = cfg.TLSHandshakeTimeout
	}
	if cfg.ResponseHeaderTimeout > 0 {
		clientCfg.ResponseHeaderTimeout = cfg.ResponseHeaderTimeout
	}
	if cfg.MaxIdleConns > 0 {
		clientCfg.MaxIdleConns = cfg.MaxIdleConns
	}
	if cfg.MaxIdleConnsPerHost > 0 {
		clientCfg.MaxIdleConnsPerHost = cfg.MaxIdleConnsPerHost
	}
	if cfg.MaxConnsPerHost > 0 {
		clientCfg.MaxConnsPerHost = cfg.MaxConnsPerHost
	}
	clientCfg.IgnoreTLSErrors = cfg.IgnoreTLSErrors
	clientCfg.ForceHTTP2 = cfg.ForceHTTP2

	client := NewClient(clientCfg)
	// Decompression sits between the client and the transport so probes see
	// plain bodies regardless of negotiated encoding.
	client.Transport = NewCompressionMiddleware(client.Transport)

	limit := cfg.ProbeRateLimit
	if limit <= 0 {
		limit = 20
	}
	burst := int(limit)
	if burst < 1 {
		burst = 1
	}

	return &Prober{
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(limit), burst),
		logger:  logger.Named("prober"),
	}
}

// NewProberWithClient is the test seam: it wires an explicit client, skipping
// transport construction.
func NewProberWithClient(client *http.Client, limit rate.Limit, logger *zap.Logger) *Prober {
	burst := int(limit)
	if burst < 1 {
		burst = 1
	}
	return &Prober{
		client:  client,
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger.Named("prober"),
	}
}

// FetchDocument retrieves a remote HTML document through the same tuned
// client the probes use. The caller owns the returned body.
func (p *Prober) FetchDocument(ctx context.Context, url string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("document request for %q: %w", url, err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("document fetch for %q: %w", url, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, fmt.Errorf("document fetch for %q: unexpected status %d", url, resp.StatusCode)
	}
	return resp.Body, nil
}

// Probe fetches the URL and reports whether the asset is usable. A non-2xx
// status or an unreadable body is a failure; the caller decides retry policy.
func (p *Prober) Probe(ctx context.Context, url string) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("probe rate limiter: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("probe request for %q: %w", url, err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("probe fetch for %q: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		p.logger.Debug("Probe rejected by status",
			zap.String("url", url), zap.Int("status", resp.StatusCode))
		return fmt.Errorf("probe for %q: unexpected status %d", url, resp.StatusCode)
	}

	// Drain a bounded prefix to confirm the stream actually decodes.
	if _, err := io.Copy(io.Discard, io.LimitReader(resp.Body, probeBodyLimit)); err != nil {
		return fmt.Errorf("probe body for %q: %w", url, err)
	}
	return nil
}
