// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package modelfetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// newHFTestServer serves a minimal Hub API: model search, repo trees, and
// file content for the repos in files (repo -> path -> content).
func newHFTestServer(t *testing.T, files map[string]map[string]string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/models", func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query().Get("search")
		var out []hfModel
		for repo := range files {
			if query == "" || strings.Contains(repo, query) {
				out = append(out, hfModel{
					ID:        repo,
					Author:    strings.Split(repo, "/")[0],
					Downloads: 1234,
					Likes:     56,
					Tags:      []string{"gguf", "text-generation"},
				})
			}
		}
		json.NewEncoder(w).Encode(out)
	})
	mux.HandleFunc("GET /api/models/", func(w http.ResponseWriter, r *http.Request) {
		handleTree(t, files, w, r)
	})
	mux.HandleFunc("GET /", func(w http.ResponseWriter, r *http.Request) {
		// Download URL: /{owner}/{name}/{raw|resolve}/{rev}/{path...}
		parts := strings.SplitN(strings.TrimPrefix(r.URL.Path, "/"), "/", 5)
		if len(parts) < 5 {
			http.NotFound(w, r)
			return
		}
		repo := parts[0] + "/" + parts[1]
		content, ok := files[repo][parts[4]]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(content))
	})

	return httptest.NewServer(mux)
}

func handleTree(t *testing.T, files map[string]map[string]string, w http.ResponseWriter, r *http.Request) {
	// /api/models/{owner}/{name}/tree/{rev}[/{prefix...}]
	parts := strings.SplitN(strings.TrimPrefix(r.URL.Path, "/api/models/"), "/", 5)
	if len(parts) < 4 || parts[2] != "tree" {
		http.NotFound(w, r)
		return
	}
	repo := parts[0] + "/" + parts[1]
	prefix := ""
	if len(parts) == 5 {
		prefix = parts[4]
	}
	repoFiles, ok := files[repo]
	if !ok {
		http.NotFound(w, r)
		return
	}

	var nodes []hfNode
	seenDirs := map[string]bool{}
	for path, content := range repoFiles {
		if prefix != "" && !strings.HasPrefix(path, prefix+"/") {
			continue
		}
		rest := strings.TrimPrefix(path, prefix)
		rest = strings.TrimPrefix(rest, "/")
		if i := strings.Index(rest, "/"); i >= 0 {
			dir := rest[:i]
			if prefix != "" {
				dir = prefix + "/" + dir
			}
			if !seenDirs[dir] {
				seenDirs[dir] = true
				nodes = append(nodes, hfNode{Type: "directory", Path: dir})
			}
			continue
		}
		nodes = append(nodes, hfNode{Type: "file", Path: path, Size: int64(len(content))})
	}
	json.NewEncoder(w).Encode(nodes)
}

func newHFAdapter(t *testing.T, srv *httptest.Server) *HuggingFaceAdapter {
	t.Helper()
	cfg := testConfig(t)
	cfg.HFEndpoint = srv.URL
	return NewHuggingFaceAdapter(cfg)
}

func TestHuggingFace_Search(t *testing.T) {
	srv := newHFTestServer(t, map[string]map[string]string{
		"acme/tiny-gguf": {"model.gguf": "x"},
	})
	defer srv.Close()
	a := newHFAdapter(t, srv)

	entries, err := a.Search(context.Background(), "tiny", 10, nil)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	e := entries[0]
	if e.Name != "acme/tiny-gguf" || e.Source != SourceHuggingFace {
		t.Errorf("unexpected entry identity: %+v", e)
	}
	if e.Format != FormatGGUF {
		t.Errorf("gguf tag should map to FormatGGUF, got %s", e.Format)
	}
	if e.Downloads != 1234 || e.Author != "acme" {
		t.Errorf("metadata not mapped: %+v", e)
	}
}

func TestHuggingFace_FetchPreferredFile(t *testing.T) {
	ggufContent := strings.Repeat("G", 4096)
	srv := newHFTestServer(t, map[string]map[string]string{
		"acme/tiny-gguf": {
			"README.md":  "# readme",
			"model.gguf": ggufContent,
		},
	})
	defer srv.Close()
	a := newHFAdapter(t, srv)

	var lastFile string
	path, err := a.Fetch(context.Background(),
		Entry{Name: "acme/tiny-gguf", ModelID: "acme/tiny-gguf", Source: SourceHuggingFace, Format: FormatGGUF},
		t.TempDir(), func(p Progress) { lastFile = p.File })
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if !strings.HasSuffix(path, "model.gguf") {
		t.Errorf("expected the gguf file, got %s", path)
	}
	got, _ := os.ReadFile(path)
	if string(got) != ggufContent {
		t.Error("downloaded content mismatch")
	}
	if lastFile != "model.gguf" {
		t.Errorf("progress should name the transferring file, got %q", lastFile)
	}

	// The README is not a preferred format and must not be downloaded.
	readme := strings.TrimSuffix(path, "model.gguf") + "README.md"
	if _, err := os.Stat(readme); !os.IsNotExist(err) {
		t.Error("non-preferred files should be skipped when a preferred file exists")
	}
}

func TestHuggingFace_FetchWalksSubdirectories(t *testing.T) {
	srv := newHFTestServer(t, map[string]map[string]string{
		"acme/nested": {
			"README.md":            "# readme",
			"gguf/model-q4.gguf":   strings.Repeat("Q", 2048),
		},
	})
	defer srv.Close()
	a := newHFAdapter(t, srv)

	path, err := a.Fetch(context.Background(),
		Entry{Name: "acme/nested", ModelID: "acme/nested", Source: SourceHuggingFace, Format: FormatGGUF},
		t.TempDir(), nil)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if !strings.HasSuffix(path, "model-q4.gguf") {
		t.Errorf("expected nested gguf file, got %s", path)
	}
}

func TestHuggingFace_FetchSnapshotFallbackNoPreferred(t *testing.T) {
	// Repo with no file in any preferred format: snapshot succeeds but the
	// fetch reports not-found because nothing usable came out of it.
	srv := newHFTestServer(t, map[string]map[string]string{
		"acme/docs-only": {"README.md": "# readme"},
	})
	defer srv.Close()
	a := newHFAdapter(t, srv)

	_, err := a.Fetch(context.Background(),
		Entry{Name: "acme/docs-only", ModelID: "acme/docs-only", Source: SourceHuggingFace},
		t.TempDir(), nil)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestHuggingFace_FetchUnknownRepo(t *testing.T) {
	srv := newHFTestServer(t, map[string]map[string]string{})
	defer srv.Close()
	a := newHFAdapter(t, srv)

	_, err := a.Fetch(context.Background(),
		Entry{Name: "ghost/repo", ModelID: "ghost/repo", Source: SourceHuggingFace},
		t.TempDir(), nil)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPreferredFiles_Ordering(t *testing.T) {
	nodes := []hfNode{
		{Type: "file", Path: "model.safetensors", Size: 10},
		{Type: "file", Path: "model.gguf", Size: 10},
		{Type: "file", Path: "README.md", Size: 10},
	}

	t.Run("entry format wins", func(t *testing.T) {
		got := preferredFiles(nodes, FormatSafeTensors, []Format{FormatGGUF})
		if len(got) != 1 || got[0].Path != "model.safetensors" {
			t.Errorf("expected safetensors first, got %+v", got)
		}
	})

	t.Run("falls back through preference order", func(t *testing.T) {
		got := preferredFiles(nodes, FormatUnknown, []Format{FormatONNX, FormatGGUF})
		if len(got) != 1 || got[0].Path != "model.gguf" {
			t.Errorf("expected gguf via second preference, got %+v", got)
		}
	})

	t.Run("nothing matches", func(t *testing.T) {
		got := preferredFiles([]hfNode{{Type: "file", Path: "README.md"}}, FormatGGUF, []Format{FormatGGUF})
		if got != nil {
			t.Errorf("expected nil, got %+v", got)
		}
	})
}

func TestNodeSize_PrefersLFS(t *testing.T) {
	n := hfNode{Type: "file", Path: "big.gguf", Size: 134, LFS: &hfLFSInfo{Size: 5 << 30}}
	if nodeSize(n) != 5<<30 {
		t.Error("LFS blob size should win over pointer size")
	}
	if nodeSize(hfNode{Type: "file", Path: "small.txt", Size: 99}) != 99 {
		t.Error("plain files use their own size")
	}
}

func TestShouldSkipLocal(t *testing.T) {
	dir := t.TempDir()
	content := []byte("model weights")
	path := filepath.Join(dir, "model.gguf")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}
	sum := sha256.Sum256(content)
	oid := hex.EncodeToString(sum[:])

	t.Run("size match without lfs", func(t *testing.T) {
		n := hfNode{Type: "file", Path: "model.gguf", Size: int64(len(content))}
		if skip, reason := shouldSkipLocal(n, path); !skip || reason != "size match" {
			t.Errorf("expected size-match skip, got skip=%v reason=%q", skip, reason)
		}
	})

	t.Run("size mismatch", func(t *testing.T) {
		n := hfNode{Type: "file", Path: "model.gguf", Size: int64(len(content)) + 1}
		if skip, _ := shouldSkipLocal(n, path); skip {
			t.Error("different size must not be skipped")
		}
	})

	t.Run("lfs sha match", func(t *testing.T) {
		n := hfNode{Type: "file", Path: "model.gguf",
			LFS: &hfLFSInfo{Oid: oid, Size: int64(len(content))}}
		if skip, reason := shouldSkipLocal(n, path); !skip || reason != "sha256 match" {
			t.Errorf("expected sha256-match skip, got skip=%v reason=%q", skip, reason)
		}
	})

	t.Run("lfs sha mismatch forces redownload", func(t *testing.T) {
		n := hfNode{Type: "file", Path: "model.gguf",
			LFS: &hfLFSInfo{Oid: strings.Repeat("0", 64), Size: int64(len(content))}}
		if skip, _ := shouldSkipLocal(n, path); skip {
			t.Error("sha mismatch must not be skipped")
		}
	})

	t.Run("missing file", func(t *testing.T) {
		n := hfNode{Type: "file", Path: "gone.gguf", Size: 1}
		if skip, _ := shouldSkipLocal(n, filepath.Join(dir, "gone.gguf")); skip {
			t.Error("absent file must not be skipped")
		}
	})
}
