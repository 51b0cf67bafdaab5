package fetch_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/shpitdev/labour-choropleth/pkg/pipeline/core"
	"github.com/shpitdev/labour-choropleth/pkg/pipeline/fetch"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func fastRetry(maxRetries int) fetch.RetryOptions {
	return fetch.RetryOptions{
		MaxRetries:     maxRetries,
		RequestTimeout: 2 * time.Second,
		BackoffInitial: time.Millisecond,
		BackoffMax:     2 * time.Millisecond,
	}
}

func TestAll_FileAndHTTPInOrder(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rows.csv")
	if err := os.WriteFile(path, []byte("setting\nChad\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"type":"FeatureCollection"}`))
	}))
	defer srv.Close()

	blobs, err := fetch.All(context.Background(), []fetch.Source{
		{Name: "rows", Location: path},
		{Name: "geometry", Location: srv.URL + "/world.geojson"},
		{Name: "rows-url", Location: "file://" + path},
	}, fetch.Options{Retry: fastRetry(0)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(blobs) != 3 {
		t.Fatalf("expected 3 blobs, got %d", len(blobs))
	}
	if blobs[0].Source.Name != "rows" || string(blobs[0].Data) != "setting\nChad\n" {
		t.Fatalf("unexpected rows blob: %#v", blobs[0])
	}
	if blobs[1].Source.Name != "geometry" || !strings.Contains(string(blobs[1].Data), "FeatureCollection") {
		t.Fatalf("unexpected geometry blob: %#v", blobs[1])
	}
	if string(blobs[2].Data) != string(blobs[0].Data) {
		t.Fatalf("file:// source mismatch: %q", blobs[2].Data)
	}
}

func TestAll_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) <= 2 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	blobs, err := fetch.All(context.Background(), []fetch.Source{{Name: "rows", Location: srv.URL}}, fetch.Options{Retry: fastRetry(3)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(blobs[0].Data) != "ok" {
		t.Fatalf("got=%q want=%q", blobs[0].Data, "ok")
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("expected 3 calls, got %d", got)
	}
}

func TestAll_DoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.NotFound(w, nil)
	}))
	defer srv.Close()

	_, err := fetch.All(context.Background(), []fetch.Source{{Name: "rows", Location: srv.URL}}, fetch.Options{Retry: fastRetry(5)})
	if err == nil {
		t.Fatalf("expected error")
	}
	if !strings.Contains(err.Error(), "status 404") || !strings.Contains(err.Error(), "load rows") {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("expected 1 call, got %d", got)
	}
}

func TestAll_FailFastCancelsOtherSources(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	start := time.Now()
	_, err := fetch.All(context.Background(), []fetch.Source{
		{Name: "slow", Location: srv.URL},
		{Name: "missing", Location: filepath.Join(t.TempDir(), "nope.csv")},
	}, fetch.Options{Retry: fetch.RetryOptions{RequestTimeout: 10 * time.Second}})
	if err == nil {
		t.Fatalf("expected error")
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected missing-file error first, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("fail-fast did not cancel slow source (took %s)", elapsed)
	}
}

func TestAll_MaxBytes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "big.csv")
	if err := os.WriteFile(path, []byte(strings.Repeat("x", 32)), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, err := fetch.All(context.Background(), []fetch.Source{{Name: "rows", Location: path}}, fetch.Options{MaxBytes: 16})
	if err == nil || !strings.Contains(err.Error(), "exceeds 16 bytes") {
		t.Fatalf("expected size error, got %v", err)
	}
}

func TestRetry_LimitedTransientCapsRetries(t *testing.T) {
	calls := 0
	_, err := fetch.Retry(context.Background(), nil, fastRetry(10), func(context.Context) (string, error) {
		calls++
		return "", &core.LimitedTransientError{Err: errors.New("quota"), ExtraRetries: 1}
	})
	if err == nil {
		t.Fatalf("expected error")
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
}

func TestRetry_StopsOnParentCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, err := fetch.Retry(ctx, nil, fastRetry(10), func(context.Context) (int, error) {
		calls++
		cancel()
		return 0, &core.TransientError{Err: errors.New("again")}
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestIsTransient(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("boom"), false},
		{"transient", &core.TransientError{Err: errors.New("x")}, true},
		{"wrapped limited", errors.Join(errors.New("ctx"), &core.LimitedTransientError{Err: errors.New("x")}), true},
		{"deadline", context.DeadlineExceeded, true},
		{"canceled", context.Canceled, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := fetch.IsTransient(tc.err); got != tc.want {
				t.Fatalf("got=%v want=%v", got, tc.want)
			}
		})
	}
}
