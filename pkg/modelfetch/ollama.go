// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package modelfetch

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// DefaultOllamaHost is the local Ollama daemon address.
const DefaultOllamaHost = "http://127.0.0.1:11434"

// OllamaAdapter talks to a local Ollama daemon: /api/tags for search and the
// streaming /api/pull endpoint for fetch. The daemon owns the blob store;
// Fetch resolves the pulled model's blob path after the pull completes.
type OllamaAdapter struct {
	cfg   Config
	host  string
	httpc *http.Client
	log   *zap.Logger

	// modelsDir is the daemon's local store, searched for the pulled blob.
	modelsDir string
}

// NewOllamaAdapter builds the Ollama adapter from cfg.
func NewOllamaAdapter(cfg Config) *OllamaAdapter {
	cfg.applyDefaults()
	host := cfg.OllamaHost
	if host == "" {
		host = DefaultOllamaHost
	}
	home, _ := os.UserHomeDir()
	return &OllamaAdapter{
		cfg:       cfg,
		host:      strings.TrimSuffix(host, "/"),
		httpc:     buildHTTPClient(cfg),
		log:       cfg.Logger.Named("ollama"),
		modelsDir: filepath.Join(home, ".ollama", "models"),
	}
}

func (a *OllamaAdapter) Source() Source { return SourceOllama }

type ollamaTagsResponse struct {
	Models []ollamaModel `json:"models"`
}

type ollamaModel struct {
	Name       string             `json:"name"`
	Size       int64              `json:"size"`
	ModifiedAt string             `json:"modified_at"`
	Details    ollamaModelDetails `json:"details"`
}

type ollamaModelDetails struct {
	Format            string `json:"format"`
	Family            string `json:"family"`
	ParameterSize     string `json:"parameter_size"`
	QuantizationLevel string `json:"quantization_level"`
}

// Search lists the daemon's known models and filters by query substring.
func (a *OllamaAdapter) Search(ctx context.Context, query string, limit int, filters map[string]string) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	var resp ollamaTagsResponse
	err := getJSON(ctx, a.httpc, a.cfg, a.host+"/api/tags", "", func(r io.Reader) error {
		return json.NewDecoder(r).Decode(&resp)
	})
	if err != nil {
		// An absent daemon means "no local models", not a search failure.
		if IsTransient(err) {
			a.log.Debug("ollama daemon unreachable", zap.String("host", a.host), zap.Error(err))
			return nil, nil
		}
		return nil, fmt.Errorf("ollama search: %w", err)
	}

	q := strings.ToLower(query)
	var entries []Entry
	for _, m := range resp.Models {
		if q != "" && !strings.Contains(strings.ToLower(m.Name), q) {
			continue
		}
		format := FormatGGUF
		if m.Details.Format != "" {
			format = Format(strings.ToLower(m.Details.Format))
		}
		entries = append(entries, Entry{
			Name:         m.Name,
			Source:       SourceOllama,
			Format:       format,
			SizeBytes:    m.Size,
			ModelID:      m.Name,
			Architecture: m.Details.Family,
			Quantization: m.Details.QuantizationLevel,
			LastUpdated:  m.ModifiedAt,
		})
		if len(entries) >= limit {
			break
		}
	}
	return entries, nil
}

// ollamaPullLine is one JSON line of the streaming pull response.
type ollamaPullLine struct {
	Status    string `json:"status"`
	Digest    string `json:"digest,omitempty"`
	Total     int64  `json:"total,omitempty"`
	Completed int64  `json:"completed,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Fetch pulls the model through the daemon, reporting per-layer progress from
// the stream, then resolves the blob in the daemon's store. The context is
// polled at every stream message, so cancellation latency is one message.
func (a *OllamaAdapter) Fetch(ctx context.Context, entry Entry, destDir string, report ProgressFunc) (string, error) {
	name := entry.ModelID
	if name == "" {
		name = entry.Name
	}

	body, _ := json.Marshal(map[string]any{"name": name, "stream": true})
	err := withRetry(ctx, a.cfg, func() error {
		return a.pullOnce(ctx, name, body, report)
	})
	if err != nil {
		if IsTransient(err) && !a.daemonUp(ctx) {
			return "", fmt.Errorf("ollama daemon unreachable at %s: %w", a.host, ErrConfiguration)
		}
		return "", fmt.Errorf("ollama pull %s: %w", name, err)
	}

	path, err := a.locateBlob(name)
	if err != nil {
		return "", fmt.Errorf("ollama locate %s: %w", name, err)
	}
	return path, nil
}

// daemonUp probes the daemon's root endpoint with a single request.
func (a *OllamaAdapter) daemonUp(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.host+"/", nil)
	if err != nil {
		return false
	}
	resp, err := a.httpc.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}

func (a *OllamaAdapter) pullOnce(ctx context.Context, name string, body []byte, report ProgressFunc) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.host+"/api/pull", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := a.httpc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", ErrCancelled, err)
		}
		return &TransientError{Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{StatusCode: resp.StatusCode, Status: resp.Status, URL: a.host + "/api/pull"}
		if apiErr.IsRetryable() {
			return &TransientError{Err: apiErr}
		}
		return apiErr
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		// Cancellation checkpoint: once per stream message.
		if err := cancelErr(ctx); err != nil {
			return err
		}
		var line ollamaPullLine
		if err := json.Unmarshal(sc.Bytes(), &line); err != nil {
			continue // tolerate noise between JSON lines
		}
		if line.Error != "" {
			if strings.Contains(strings.ToLower(line.Error), "not found") {
				return fmt.Errorf("%s: %w", line.Error, ErrNotFound)
			}
			return &TransientError{Err: fmt.Errorf("ollama: %s", line.Error)}
		}
		if line.Total > 0 && report != nil {
			report(Progress{
				Downloaded: line.Completed,
				Total:      line.Total,
				File:       line.Digest,
				FileIndex:  1,
				FileCount:  1,
			})
		}
		if line.Status == "success" {
			return nil
		}
	}
	if err := sc.Err(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", ErrCancelled, err)
		}
		return &TransientError{Err: err}
	}
	return nil
}

// locateBlob finds the pulled model's primary blob via the daemon's manifest,
// falling back to a filename scan of the store.
func (a *OllamaAdapter) locateBlob(name string) (string, error) {
	model, tag := name, "latest"
	if i := strings.LastIndex(name, ":"); i > 0 {
		model, tag = name[:i], name[i+1:]
	}

	manifestPath := filepath.Join(a.modelsDir, "manifests", "registry.ollama.ai", "library", model, tag)
	if b, err := os.ReadFile(manifestPath); err == nil {
		var manifest struct {
			Layers []struct {
				MediaType string `json:"mediaType"`
				Digest    string `json:"digest"`
			} `json:"layers"`
		}
		if err := json.Unmarshal(b, &manifest); err == nil {
			for _, l := range manifest.Layers {
				if strings.HasSuffix(l.MediaType, ".model") {
					blob := filepath.Join(a.modelsDir, "blobs", strings.ReplaceAll(l.Digest, ":", "-"))
					if _, err := os.Stat(blob); err == nil {
						return blob, nil
					}
				}
			}
		}
	}

	// Fallback: scan for a file whose name contains the model.
	var found string
	filepath.Walk(a.modelsDir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() || found != "" {
			return nil
		}
		if strings.Contains(strings.ToLower(filepath.Base(path)), strings.ToLower(model)) {
			found = path
		}
		return nil
	})
	if found == "" {
		return "", fmt.Errorf("pulled model blob not in store: %w", ErrNotFound)
	}
	return found, nil
}
