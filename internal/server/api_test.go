// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"modelfetch/pkg/modelfetch"
)

// stubAdapter is a minimal in-process registry for API tests.
type stubAdapter struct {
	entries []modelfetch.Entry
	block   chan struct{} // non-nil: fetch blocks until closed or cancelled
}

func (a *stubAdapter) Source() modelfetch.Source { return modelfetch.SourceCustom }

func (a *stubAdapter) Search(ctx context.Context, query string, limit int, filters map[string]string) ([]modelfetch.Entry, error) {
	var out []modelfetch.Entry
	for _, e := range a.entries {
		if query == "" || strings.Contains(strings.ToLower(e.Name), strings.ToLower(query)) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (a *stubAdapter) Fetch(ctx context.Context, entry modelfetch.Entry, destDir string, report modelfetch.ProgressFunc) (string, error) {
	if a.block != nil {
		select {
		case <-a.block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	path := filepath.Join(destDir, strings.ReplaceAll(entry.Name, "/", "_")+".safetensors")
	if err := os.WriteFile(path, bytes.Repeat([]byte("m"), 2<<20), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func newTestServer(t *testing.T, stub *stubAdapter) (*Server, *httptest.Server) {
	t.Helper()
	cfg := modelfetch.DefaultConfig()
	cfg.DownloadDir = t.TempDir()
	cfg.TempDir = t.TempDir()
	orch, err := modelfetch.New(cfg, modelfetch.WithAdapter(stub))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(orch.Cleanup)

	srvCfg := DefaultConfig()
	srvCfg.Version = "test"
	s := New(srvCfg, orch, nil)

	mux := http.NewServeMux()
	s.registerAPIRoutes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return s, ts
}

func postJSON(t *testing.T, url string, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestAPI_Health(t *testing.T) {
	_, ts := newTestServer(t, &stubAdapter{})

	resp, err := http.Get(ts.URL + "/api/health")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}

	var body map[string]any
	decodeBody(t, resp, &body)
	if body["status"] != "ok" {
		t.Errorf("expected status ok, got %v", body["status"])
	}
	if body["version"] != "test" {
		t.Errorf("expected version test, got %v", body["version"])
	}
}

func TestAPI_Search(t *testing.T) {
	stub := &stubAdapter{entries: []modelfetch.Entry{
		{Name: "acme/tiny", Source: modelfetch.SourceCustom, Format: modelfetch.FormatGGUF},
		{Name: "acme/large", Source: modelfetch.SourceCustom},
	}}
	_, ts := newTestServer(t, stub)

	t.Run("matches by query", func(t *testing.T) {
		resp := postJSON(t, ts.URL+"/api/search", `{"query": "tiny"}`)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("expected 200, got %d", resp.StatusCode)
		}
		var body SearchResponse
		decodeBody(t, resp, &body)
		if body.Count != 1 || body.Entries[0].Name != "acme/tiny" {
			t.Errorf("unexpected results: %+v", body)
		}
	})

	t.Run("missing query", func(t *testing.T) {
		resp := postJSON(t, ts.URL+"/api/search", `{}`)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", resp.StatusCode)
		}
		resp.Body.Close()
	})

	t.Run("unknown source", func(t *testing.T) {
		resp := postJSON(t, ts.URL+"/api/search", `{"query": "x", "source": "bogus"}`)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", resp.StatusCode)
		}
		resp.Body.Close()
	})
}

func TestAPI_StartDownload_Validation(t *testing.T) {
	_, ts := newTestServer(t, &stubAdapter{})

	tests := []struct {
		name     string
		body     string
		wantCode int
	}{
		{"missing name", `{"source": "custom"}`, http.StatusBadRequest},
		{"missing source", `{"name": "acme/model"}`, http.StatusBadRequest},
		{"invalid json", `{`, http.StatusBadRequest},
		{"valid entry", `{"name": "acme/model", "source": "custom"}`, http.StatusAccepted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postJSON(t, ts.URL+"/api/download", tt.body)
			if resp.StatusCode != tt.wantCode {
				t.Errorf("expected %d, got %d", tt.wantCode, resp.StatusCode)
			}
			resp.Body.Close()
		})
	}
}

func TestAPI_StartDownload_ReturnsHandleAndJob(t *testing.T) {
	_, ts := newTestServer(t, &stubAdapter{})

	resp := postJSON(t, ts.URL+"/api/download", `{"name": "acme/model", "source": "custom"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	var body DownloadResponse
	decodeBody(t, resp, &body)
	if body.Handle == "" {
		t.Error("expected a download handle")
	}
	if body.Job.ModelName != "acme/model" {
		t.Errorf("expected job snapshot for acme/model, got %+v", body.Job)
	}
}

func TestAPI_StartDownload_DuplicateConflicts(t *testing.T) {
	stub := &stubAdapter{block: make(chan struct{})}
	_, ts := newTestServer(t, stub)

	resp1 := postJSON(t, ts.URL+"/api/download", `{"name": "dup/model", "source": "custom"}`)
	if resp1.StatusCode != http.StatusAccepted {
		t.Fatalf("first request should return 202, got %d", resp1.StatusCode)
	}
	resp1.Body.Close()

	resp2 := postJSON(t, ts.URL+"/api/download", `{"name": "dup/model", "source": "custom"}`)
	if resp2.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate should return 409, got %d", resp2.StatusCode)
	}
	var body map[string]any
	decodeBody(t, resp2, &body)
	if body["message"] != "Download already in progress" {
		t.Errorf("expected duplicate message, got %v", body["message"])
	}
	if body["job"] == nil {
		t.Error("conflict response should include the existing job")
	}

	close(stub.block)
}

func TestAPI_GetJob_SlashNames(t *testing.T) {
	stub := &stubAdapter{block: make(chan struct{})}
	defer close(stub.block)
	_, ts := newTestServer(t, stub)

	postJSON(t, ts.URL+"/api/download", `{"name": "owner/repo", "source": "custom"}`).Body.Close()

	// Job names contain slashes and must round-trip through the URL path.
	resp, err := http.Get(ts.URL + "/api/jobs/owner/repo")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var job modelfetch.Job
	decodeBody(t, resp, &job)
	if job.ModelName != "owner/repo" {
		t.Errorf("expected owner/repo, got %s", job.ModelName)
	}

	t.Run("unknown job", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/api/jobs/no/such/job")
		if err != nil {
			t.Fatal(err)
		}
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("expected 404, got %d", resp.StatusCode)
		}
		resp.Body.Close()
	})
}

func TestAPI_CancelJob(t *testing.T) {
	stub := &stubAdapter{block: make(chan struct{})}
	defer close(stub.block)
	s, ts := newTestServer(t, stub)

	postJSON(t, ts.URL+"/api/download", `{"name": "cancel/me", "source": "custom"}`).Body.Close()

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/api/jobs/cancel/me", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	// The job transitions asynchronously.
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if job, ok := s.orch.Status("cancel/me"); ok && job.Status == modelfetch.StatusCancelled {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("job never reached cancelled")
}

func TestAPI_CancelJob_Unknown(t *testing.T) {
	_, ts := newTestServer(t, &stubAdapter{})

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/api/jobs/ghost/job", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestAPI_ListAndCleanupJobs(t *testing.T) {
	s, ts := newTestServer(t, &stubAdapter{})

	postJSON(t, ts.URL+"/api/download", `{"name": "list/a", "source": "custom"}`).Body.Close()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if job, ok := s.orch.Status("list/a"); ok && job.Status == modelfetch.StatusCompleted {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	resp, err := http.Get(ts.URL + "/api/jobs")
	if err != nil {
		t.Fatal(err)
	}
	var body map[string]any
	decodeBody(t, resp, &body)
	if int(body["count"].(float64)) < 1 {
		t.Error("expected at least 1 job")
	}

	resp2 := postJSON(t, ts.URL+"/api/jobs/cleanup", `{}`)
	var cleanup map[string]any
	decodeBody(t, resp2, &cleanup)
	if int(cleanup["removed"].(float64)) != 1 {
		t.Errorf("expected 1 removed, got %v", cleanup["removed"])
	}
}
