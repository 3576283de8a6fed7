package docpipe

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/procurewatch/tendercrawl/internal/retry"
)

// CollyConfig controls the direct HTTP fetcher.
type CollyConfig struct {
	UserAgent string
	Timeout   time.Duration
}

// CollyFetcher downloads ungated documents with a colly collector. The base
// collector is cloned per fetch so hook state never leaks between
// documents.
type CollyFetcher struct {
	cfg  CollyConfig
	base *colly.Collector
}

// NewCollyFetcher builds the fetcher on a pooled transport.
func NewCollyFetcher(cfg CollyConfig) *CollyFetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	// Revisit must stay allowed: a retried document hits the same URL
	// again and the visited-URL store is shared across clones.
	c := colly.NewCollector(colly.Async(false), colly.IgnoreRobotsTxt(), colly.AllowURLRevisit())
	c.WithTransport(newHTTPTransport())
	return &CollyFetcher{cfg: cfg, base: c}
}

// Fetch downloads one document and returns payload and reported content
// type. Failures carry HTTP-status retry classification.
func (f *CollyFetcher) Fetch(ctx context.Context, rawURL string) ([]byte, string, error) {
	collector := f.base.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.SetRequestTimeout(f.cfg.Timeout)

	var (
		payload     []byte
		contentType string
		status      int
		fetchErr    error
	)
	collector.OnResponse(func(r *colly.Response) {
		payload = append([]byte(nil), r.Body...)
		contentType = r.Headers.Get("Content-Type")
		status = r.StatusCode
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil {
			status = r.StatusCode
		}
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(rawURL)
	}()

	select {
	case <-ctx.Done():
		return nil, "", fmt.Errorf("fetch %s: %w", rawURL, ctx.Err())
	case err := <-done:
		if err == nil {
			err = fetchErr
		}
		if err != nil {
			wrapped := fmt.Errorf("fetch %s: %w", rawURL, err)
			if status > 0 {
				return nil, "", retry.FromHTTPStatus(status, wrapped)
			}
			return nil, "", wrapped
		}
	}

	if status >= 400 {
		return nil, "", retry.FromHTTPStatus(status, fmt.Errorf("fetch %s: status %d", rawURL, status))
	}
	return payload, contentType, nil
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
