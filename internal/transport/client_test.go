package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestClient(retries int) *Client {
	return New(Config{
		UserAgent:  "galleryspider-test",
		Timeout:    2 * time.Second,
		MaxRetries: retries,
		Backoff:    time.Millisecond,
	}, nil)
}

func TestClientGetSendsReferer(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "https://site.test/", r.Header.Get("Referer"))
		require.Equal(t, "galleryspider-test", r.Header.Get("User-Agent"))
		_, _ = io.WriteString(w, "<html>ok</html>")
	}))
	defer srv.Close()

	body, err := newTestClient(0).Get(context.Background(), srv.URL+"/g/1/abc/", "https://site.test/")
	require.NoError(t, err)
	require.Equal(t, "<html>ok</html>", body)
}

func TestClientPostJSON(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		require.Equal(t, "showpage", payload["method"])
		_, _ = io.WriteString(w, `{"i3":"<img>"}`)
	}))
	defer srv.Close()

	body, err := newTestClient(0).PostJSON(context.Background(), srv.URL+"/api.php", "", map[string]any{"method": "showpage"})
	require.NoError(t, err)
	require.JSONEq(t, `{"i3":"<img>"}`, string(body))
}

func TestClientRetriesServerErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = io.WriteString(w, "recovered")
	}))
	defer srv.Close()

	body, err := newTestClient(2).Get(context.Background(), srv.URL, "")
	require.NoError(t, err)
	require.Equal(t, "recovered", body)
	require.Equal(t, int32(2), calls.Load())
}

func TestClientDoesNotRetryNotFound(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := newTestClient(3).Get(context.Background(), srv.URL, "")
	require.ErrorIs(t, err, ErrNotFound)
	require.Equal(t, int32(1), calls.Load())
}

func TestClientDownloadReportsProgress(t *testing.T) {
	t.Parallel()

	payload := bytes.Repeat([]byte{0xAB}, 100_000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "https://site.test/s/abc/1-1", r.Header.Get("Referer"))
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	var buf bytes.Buffer
	var last, sum int64
	complete, err := newTestClient(0).Download(context.Background(), srv.URL, "https://site.test/s/abc/1-1", &buf,
		func(total, received, delta int64) error {
			require.Equal(t, int64(len(payload)), total)
			last = received
			sum += delta
			return nil
		})
	require.NoError(t, err)
	require.True(t, complete)
	require.Equal(t, payload, buf.Bytes())
	require.Equal(t, int64(len(payload)), last)
	require.Equal(t, last, sum)
}

func TestClientDownloadDetectsTruncation(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Length", "1000")
		_, _ = w.Write(make([]byte, 10))
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		// Abort the connection mid-body.
		if hj, ok := w.(http.Hijacker); ok {
			conn, _, err := hj.Hijack()
			if err == nil {
				_ = conn.Close()
			}
		}
	}))
	defer srv.Close()

	var buf bytes.Buffer
	complete, err := newTestClient(0).Download(context.Background(), srv.URL, "", &buf, nil)
	require.NoError(t, err)
	require.False(t, complete)
}

func TestClientDownloadCanceledByProgress(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(make([]byte, 64))
	}))
	defer srv.Close()

	stop := errors.New("stop")
	_, err := newTestClient(0).Download(context.Background(), srv.URL, "", io.Discard,
		func(int64, int64, int64) error { return stop })
	require.ErrorIs(t, err, stop)
}

func TestClassifyStatus(t *testing.T) {
	t.Parallel()

	require.NoError(t, classifyStatus(http.StatusOK))
	require.ErrorIs(t, classifyStatus(http.StatusForbidden), ErrForbidden)
	require.ErrorIs(t, classifyStatus(http.StatusTooManyRequests), ErrRateLimited)
	require.ErrorIs(t, classifyStatus(http.StatusServiceUnavailable), ErrServerError)
	require.ErrorIs(t, classifyStatus(http.StatusTeapot), ErrUnexpectedStatus)
	require.True(t, isTransient(classifyStatus(http.StatusBadGateway)))
	require.False(t, isTransient(ErrNotFound))
}

func TestClientPacesRequestsPerHost(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "png")
	}))
	defer srv.Close()

	c := New(Config{Timeout: 2 * time.Second, RequestsPerSecond: 10, Burst: 1}, nil)
	ctx := context.Background()

	_, err := c.Get(ctx, srv.URL+"/s/a/1-1", "")
	require.NoError(t, err)

	start := time.Now()
	var buf bytes.Buffer
	_, err = c.Download(ctx, srv.URL+"/image.png", "", &buf, nil)
	require.NoError(t, err)
	require.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond, "markup and image share the host bucket")
	require.Equal(t, 1, c.limiter.Hosts())
}

func TestClientDownloadEmptyBodyIsIncomplete(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	var buf bytes.Buffer
	complete, err := newTestClient(0).Download(context.Background(), srv.URL, "", &buf, nil)
	require.NoError(t, err)
	require.False(t, complete)
	require.Zero(t, buf.Len())
}

func TestClientGetAbortsRequestOnCancel(t *testing.T) {
	t.Parallel()

	entered := make(chan struct{})
	aborted := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		close(entered)
		select {
		case <-r.Context().Done():
			close(aborted)
		case <-time.After(5 * time.Second):
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-entered
		cancel()
	}()

	start := time.Now()
	_, err := newTestClient(3).Get(ctx, srv.URL+"/s/abc/1-1", "")
	require.ErrorIs(t, err, context.Canceled)
	require.Less(t, time.Since(start), time.Second)

	// The in-flight request itself is torn down, not left running behind the caller.
	select {
	case <-aborted:
	case <-time.After(time.Second):
		t.Fatal("server request was not aborted")
	}
}
