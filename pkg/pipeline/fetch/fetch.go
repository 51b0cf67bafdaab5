// Package fetch loads named byte sources (local files or http(s) URLs) concurrently.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"github.com/shpitdev/labour-choropleth/pkg/pipeline/core"
)

// DefaultMaxBytes caps a single source body.
const DefaultMaxBytes = 64 << 20

// Source is one named input: a file path, a file:// URL, or an http(s) URL.
type Source struct {
	Name     string
	Location string
}

// IsRemote reports whether the source is fetched over HTTP.
func (s Source) IsRemote() bool {
	l := strings.ToLower(s.Location)
	return strings.HasPrefix(l, "http://") || strings.HasPrefix(l, "https://")
}

// Blob is the loaded content of a source.
type Blob struct {
	Source Source
	Data   []byte
}

type Options struct {
	Retry RetryOptions

	// RateLimitRPS is a global limit across all sources. Set to <=0 to disable.
	RateLimitRPS float64

	// HTTPClient defaults to http.DefaultClient.
	HTTPClient *http.Client
	// MaxBytes defaults to DefaultMaxBytes.
	MaxBytes int64
}

// All loads every source concurrently and returns blobs in input order.
//
// The first failure cancels the remaining loads and is returned; no partial result is returned.
func All(ctx context.Context, sources []Source, opts Options) ([]Blob, error) {
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxBytes
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var limiter *rate.Limiter
	if opts.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimitRPS), 1)
	}

	out := make([]Blob, len(sources))

	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error
	fail := func(err error) {
		mu.Lock()
		if firstErr == nil {
			firstErr = err
			cancel()
		}
		mu.Unlock()
	}

	for i, src := range sources {
		wg.Add(1)
		go func() {
			defer wg.Done()
			data, err := Retry(runCtx, limiter, opts.Retry, func(reqCtx context.Context) ([]byte, error) {
				return load(reqCtx, opts.HTTPClient, opts.MaxBytes, src)
			})
			if err != nil {
				fail(fmt.Errorf("load %s (%s): %w", src.Name, src.Location, err))
				return
			}
			out[i] = Blob{Source: src, Data: data}
		}()
	}
	wg.Wait()

	mu.Lock()
	err := firstErr
	mu.Unlock()
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func load(ctx context.Context, client *http.Client, maxBytes int64, src Source) ([]byte, error) {
	if !src.IsRemote() {
		return readFile(strings.TrimPrefix(src.Location, "file://"), maxBytes)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.Location, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		statusErr := fmt.Errorf("GET %s: status %d: %s", src.Location, resp.StatusCode, strings.TrimSpace(string(snippet)))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, &core.TransientError{Err: statusErr}
		}
		return nil, statusErr
	}
	return readLimited(resp.Body, maxBytes)
}

func readFile(path string, maxBytes int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return readLimited(f, maxBytes)
}

func readLimited(r io.Reader, maxBytes int64) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > maxBytes {
		return nil, fmt.Errorf("source exceeds %d bytes", maxBytes)
	}
	return b, nil
}
