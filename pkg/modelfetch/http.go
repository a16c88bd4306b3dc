// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package modelfetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

const userAgent = "modelfetch/1"

// buildHTTPClient creates an HTTP client with sensible transport defaults.
// cfg.Timeout bounds connection and response-header time per request; body
// reads are bounded by chunk-level cancellation polling instead.
func buildHTTPClient(cfg Config) *http.Client {
	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          64,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: cfg.Timeout,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{Transport: tr}
}

func addAuth(req *http.Request, token string) {
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("User-Agent", userAgent)
}

// backoff implements exponential backoff with jitter.
type backoff struct {
	next   time.Duration
	max    time.Duration
	mult   float64
	jitter time.Duration
}

func newBackoff(cfg Config) *backoff {
	return &backoff{
		next:   cfg.RetryDelay,
		max:    cfg.BackoffMax,
		mult:   1.6,
		jitter: 120 * time.Millisecond,
	}
}

// Next returns the next backoff duration.
func (b *backoff) Next() time.Duration {
	d := b.next + time.Duration(int64(b.jitter)*int64(time.Now().UnixNano()%3)/2)
	b.next = time.Duration(float64(b.next) * b.mult)
	if b.next > b.max {
		b.next = b.max
	}
	return d
}

// sleepCtx waits for d or returns false if ctx is cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// withRetry runs fn until it succeeds, fails with a non-transient error, or
// attempts are exhausted. Cancellation always wins over retries.
func withRetry(ctx context.Context, cfg Config, fn func() error) error {
	bo := newBackoff(cfg)
	var lastErr error
	for attempt := 0; attempt <= cfg.RetryAttempts; attempt++ {
		if err := cancelErr(ctx); err != nil {
			return err
		}
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if isCancelled(lastErr) || !IsTransient(lastErr) {
			return lastErr
		}
		if attempt < cfg.RetryAttempts {
			if !sleepCtx(ctx, bo.Next()) {
				return fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
			}
		}
	}
	return lastErr
}

// fetchState carries resume/progress bookkeeping across retry attempts of a
// single file transfer.
type fetchState struct {
	offset  int64
	resumed bool
}

// fetchFile downloads urlStr to dst through a ".part" temp file. When resume
// is enabled and a partial file exists, a Range request continues it; a
// server that answers 200 instead of 206 causes the partial to be truncated
// and the transfer restarted from zero. Transient failures are retried with
// backoff, continuing from the bytes already on disk. report (optional)
// receives chunk-granularity progress; ctx is polled between chunks.
func fetchFile(ctx context.Context, httpc *http.Client, cfg Config, urlStr, token, dst string, total int64, report ProgressFunc) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	tmp := dst + ".part"

	st := &fetchState{}
	if cfg.EnableResume {
		if fi, err := os.Stat(tmp); err == nil && fi.Size() > 0 {
			st.offset = fi.Size()
			st.resumed = true
		}
	}
	if !cfg.EnableResume {
		_ = os.Remove(tmp)
	}

	err := withRetry(ctx, cfg, func() error {
		return fetchOnce(ctx, httpc, cfg, urlStr, token, tmp, total, st, report)
	})
	if err != nil {
		return err
	}
	return os.Rename(tmp, dst)
}

// fetchOnce performs one transfer attempt, appending to tmp from st.offset.
func fetchOnce(ctx context.Context, httpc *http.Client, cfg Config, urlStr, token, tmp string, total int64, st *fetchState, report ProgressFunc) error {
	// No wall-clock deadline on the body copy: large artifacts legitimately
	// take a long time. Cancellation latency is bounded by chunk polling, and
	// Config.Timeout only covers header/connection time via the transport.
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return err
	}
	addAuth(req, token)
	if st.offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", st.offset))
	}

	resp, err := httpc.Do(req)
	if err != nil {
		if isCancelled(err) || ctx.Err() != nil {
			return fmt.Errorf("%w: %v", ErrCancelled, err)
		}
		return &TransientError{Err: err}
	}
	defer resp.Body.Close()

	switch {
	case st.offset > 0 && resp.StatusCode == http.StatusPartialContent:
		// Continuing the partial.
	case resp.StatusCode == http.StatusOK:
		// Full body. If we asked for a range the server ignored it: restart
		// from zero rather than corrupt the file.
		if st.offset > 0 {
			st.offset = 0
			st.resumed = false
		}
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		// Other 2xx: treat as full body from zero.
		st.offset = 0
		st.resumed = false
	default:
		apiErr := &APIError{StatusCode: resp.StatusCode, Status: resp.Status, URL: urlStr}
		if apiErr.IsRetryable() {
			return &TransientError{Err: apiErr}
		}
		return apiErr
	}

	flags := os.O_CREATE | os.O_WRONLY
	out, err := os.OpenFile(tmp, flags, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()
	if err := out.Truncate(st.offset); err != nil {
		return err
	}
	if _, err := out.Seek(st.offset, io.SeekStart); err != nil {
		return err
	}

	if total <= 0 {
		if cl := resp.ContentLength; cl > 0 {
			total = st.offset + cl
		}
	}

	buf := make([]byte, cfg.ChunkSize)
	for {
		// Cancellation checkpoint: once per chunk.
		if err := cancelErr(ctx); err != nil {
			return err
		}
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				return werr
			}
			st.offset += int64(n)
			if report != nil {
				report(Progress{
					Downloaded: st.offset,
					Total:      total,
					FileIndex:  1,
					FileCount:  1,
					Resumed:    st.resumed,
				})
			}
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("%w: %v", ErrCancelled, rerr)
			}
			return &TransientError{Err: rerr}
		}
	}
}

// getJSON issues a GET with the per-request timeout and decodes a 2xx JSON
// body into v via decode. Non-2xx statuses map to APIError.
func getJSON(ctx context.Context, httpc *http.Client, cfg Config, urlStr, token string, decode func(io.Reader) error) error {
	reqCtx := ctx
	var cancel context.CancelFunc
	if cfg.Timeout > 0 {
		reqCtx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, urlStr, nil)
	if err != nil {
		return err
	}
	addAuth(req, token)
	resp, err := httpc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", ErrCancelled, err)
		}
		return &TransientError{Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Status: resp.Status, URL: urlStr}
		if apiErr.IsRetryable() {
			return &TransientError{Err: apiErr}
		}
		return apiErr
	}
	return decode(resp.Body)
}
