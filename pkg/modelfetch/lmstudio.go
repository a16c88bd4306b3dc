// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package modelfetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// DefaultLMStudioEndpoint is the LM Studio catalog API.
const DefaultLMStudioEndpoint = "https://api.lmstudio.ai"

// LMStudioAdapter queries the LM Studio catalog and downloads model files
// directly over HTTP with range-resume support.
type LMStudioAdapter struct {
	cfg      Config
	endpoint string
	httpc    *http.Client
	log      *zap.Logger
}

// NewLMStudioAdapter builds the LM Studio adapter from cfg.
func NewLMStudioAdapter(cfg Config) *LMStudioAdapter {
	cfg.applyDefaults()
	ep := cfg.LMStudioEndpoint
	if ep == "" {
		ep = DefaultLMStudioEndpoint
	}
	return &LMStudioAdapter{
		cfg:      cfg,
		endpoint: strings.TrimSuffix(ep, "/"),
		httpc:    buildHTTPClient(cfg),
		log:      cfg.Logger.Named("lmstudio"),
	}
}

func (a *LMStudioAdapter) Source() Source { return SourceLMStudio }

type lmStudioCatalog struct {
	Models []lmStudioModel `json:"models"`
}

type lmStudioModel struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	Description   string   `json:"description"`
	Author        string   `json:"author"`
	License       string   `json:"license"`
	Tags          []string `json:"tags"`
	Architecture  string   `json:"architecture"`
	Quantization  string   `json:"quantization"`
	ContextLength int      `json:"context_length"`
	Parameters    int64    `json:"parameters"`
	Size          int64    `json:"size"`
	DownloadURL   string   `json:"download_url"`
	Version       string   `json:"version"`
	Downloads     int64    `json:"downloads"`
}

// Search filters the catalog by query substring against model names.
func (a *LMStudioAdapter) Search(ctx context.Context, query string, limit int, filters map[string]string) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	var catalog lmStudioCatalog
	err := getJSON(ctx, a.httpc, a.cfg, a.endpoint+"/models", "", func(r io.Reader) error {
		return json.NewDecoder(r).Decode(&catalog)
	})
	if err != nil {
		return nil, fmt.Errorf("lmstudio search: %w", err)
	}

	q := strings.ToLower(query)
	var entries []Entry
	for _, m := range catalog.Models {
		if q != "" && !strings.Contains(strings.ToLower(m.Name), q) {
			continue
		}
		entries = append(entries, Entry{
			Name:          m.Name,
			Source:        SourceLMStudio,
			Format:        FormatGGUF,
			SizeBytes:     m.Size,
			ModelID:       m.ID,
			Description:   m.Description,
			Author:        m.Author,
			License:       m.License,
			Tags:          m.Tags,
			Architecture:  m.Architecture,
			Quantization:  m.Quantization,
			ContextLength: m.ContextLength,
			Parameters:    m.Parameters,
			DownloadURL:   m.DownloadURL,
			Version:       m.Version,
			Downloads:     m.Downloads,
		})
		if len(entries) >= limit {
			break
		}
	}
	return entries, nil
}

// Fetch downloads the model file directly. Entries carrying a DownloadURL
// from the catalog use it; otherwise the conventional per-model URL is built.
func (a *LMStudioAdapter) Fetch(ctx context.Context, entry Entry, destDir string, report ProgressFunc) (string, error) {
	id := entry.ModelID
	if id == "" {
		id = entry.Name
	}
	downloadURL := entry.DownloadURL
	if downloadURL == "" {
		downloadURL = fmt.Sprintf("%s/%s/model.gguf", a.endpoint, id)
		a.log.Debug("no catalog download URL, using conventional path", zap.String("url", downloadURL))
	}

	dst := filepath.Join(destDir, string(SourceLMStudio), strings.ReplaceAll(id, "/", "_"), "model.gguf")
	token := a.cfg.APIKeys[SourceLMStudio]
	if err := fetchFile(ctx, a.httpc, a.cfg, downloadURL, token, dst, entry.SizeBytes, report); err != nil {
		return "", fmt.Errorf("lmstudio download %s: %w", id, err)
	}
	return dst, nil
}
