// Package engine implements the per-intent download state machine:
// Searching, Downloading, Verifying, Finalizing, Completed, with Failed,
// Cancelled, and Preempted side exits. The concrete byte-moving mechanism
// (multi-connection HTTP range swarm, AIMD concurrency, bandwidth shaping)
// sits behind a PeerTransport capability so the state machine itself never
// imports net/http directly.
package engine

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Probe describes what's knowable about a source before any bytes move.
type Probe struct {
	ExpectedSize  int64 // -1 if unknown
	AcceptsRanges bool
}

// PeerTransport is the capability the engine pulls bytes through. It knows
// nothing about intents, lanes, or the journal — just how to ask a source
// "how big are you" and "give me bytes [start,end]" (end inclusive).
type PeerTransport interface {
	Probe(ctx context.Context, sourceURL string) (Probe, error)
	Stream(ctx context.Context, sourceURL string, start, end int64) (io.ReadCloser, error)
}

// HTTPTransport is the default PeerTransport: range-request downloads over
// a tuned http.Client.
type HTTPTransport struct {
	Client    *http.Client
	UserAgent string
}

// NewHTTPTransport builds a transport with generous per-host connection
// pooling, matching the swarm's need for many concurrent range requests to
// the same host.
func NewHTTPTransport(userAgent string) *HTTPTransport {
	return &HTTPTransport{
		Client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 32,
				IdleConnTimeout:     90 * time.Second,
			},
			Timeout: 0, // per-request deadlines come from ctx
		},
		UserAgent: userAgent,
	}
}

func (t *HTTPTransport) userAgent() string {
	if t.UserAgent != "" {
		return t.UserAgent
	}
	return "tachyon-orchestrator/1.0"
}

// Probe issues a HEAD request to learn content length and range support.
func (t *HTTPTransport) Probe(ctx context.Context, sourceURL string) (Probe, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, sourceURL, nil)
	if err != nil {
		return Probe{}, fmt.Errorf("transport: build probe request: %w", err)
	}
	req.Header.Set("User-Agent", t.userAgent())

	resp, err := t.Client.Do(req)
	if err != nil {
		return Probe{}, fmt.Errorf("transport: probe %s: %w", sourceURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return Probe{}, fmt.Errorf("transport: probe %s: status %d", sourceURL, resp.StatusCode)
	}

	size := resp.ContentLength
	if size < 0 {
		size = -1
	}
	return Probe{
		ExpectedSize:  size,
		AcceptsRanges: resp.Header.Get("Accept-Ranges") == "bytes",
	}, nil
}

// Stream issues a ranged GET for [start, end], end inclusive. end == -1
// means "to EOF".
func (t *HTTPTransport) Stream(ctx context.Context, sourceURL string, start, end int64) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: build stream request: %w", err)
	}
	req.Header.Set("User-Agent", t.userAgent())
	if start > 0 || end >= 0 {
		if end >= 0 {
			req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end))
		} else {
			req.Header.Set("Range", fmt.Sprintf("bytes=%d-", start))
		}
	}

	resp, err := t.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("transport: stream %s: %w", sourceURL, err)
	}
	if resp.StatusCode >= 400 {
		resp.Body.Close()
		return nil, fmt.Errorf("transport: stream %s: status %d", sourceURL, resp.StatusCode)
	}
	return resp.Body, nil
}
