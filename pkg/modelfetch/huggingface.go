// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package modelfetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// DefaultHFEndpoint is the default HuggingFace Hub URL. Override via
// Config.HFEndpoint for mirrors or enterprise deployments.
const DefaultHFEndpoint = "https://huggingface.co"

// HuggingFaceAdapter searches the Hub API and fetches repo files.
type HuggingFaceAdapter struct {
	cfg      Config
	endpoint string
	token    string
	httpc    *http.Client
	log      *zap.Logger
}

// NewHuggingFaceAdapter builds the Hub adapter from cfg. A missing API key is
// fine for public repos; gated repos will fail with ErrUnauthorized.
func NewHuggingFaceAdapter(cfg Config) *HuggingFaceAdapter {
	cfg.applyDefaults()
	ep := cfg.HFEndpoint
	if ep == "" {
		ep = DefaultHFEndpoint
	}
	return &HuggingFaceAdapter{
		cfg:      cfg,
		endpoint: strings.TrimSuffix(ep, "/"),
		token:    cfg.APIKeys[SourceHuggingFace],
		httpc:    buildHTTPClient(cfg),
		log:      cfg.Logger.Named("huggingface"),
	}
}

func (a *HuggingFaceAdapter) Source() Source { return SourceHuggingFace }

// hfModel is one result from the Hub search API.
type hfModel struct {
	ID           string   `json:"id"`
	Author       string   `json:"author"`
	Downloads    int64    `json:"downloads"`
	Likes        int64    `json:"likes"`
	Tags         []string `json:"tags"`
	PipelineTag  string   `json:"pipeline_tag"`
	LastModified string   `json:"lastModified"`
	Private      bool     `json:"private"`
}

// hfNode is a file or directory in the Hub repo tree.
type hfNode struct {
	Type string     `json:"type"` // "file"|"directory" (sometimes "blob"|"tree")
	Path string     `json:"path"`
	Size int64      `json:"size,omitempty"`
	LFS  *hfLFSInfo `json:"lfs,omitempty"`
}

type hfLFSInfo struct {
	Oid  string `json:"oid,omitempty"`
	Size int64  `json:"size,omitempty"`
}

// Search queries the Hub model search API sorted by downloads.
func (a *HuggingFaceAdapter) Search(ctx context.Context, query string, limit int, filters map[string]string) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	q := url.Values{}
	q.Set("search", query)
	q.Set("limit", fmt.Sprint(limit))
	q.Set("sort", "downloads")
	q.Set("direction", "-1")
	if v := filters["author"]; v != "" {
		q.Set("author", v)
	}
	if v := filters["tag"]; v != "" {
		q.Set("filter", v)
	}
	reqURL := fmt.Sprintf("%s/api/models?%s", a.endpoint, q.Encode())

	var results []hfModel
	err := getJSON(ctx, a.httpc, a.cfg, reqURL, a.token, func(r io.Reader) error {
		return json.NewDecoder(r).Decode(&results)
	})
	if err != nil {
		return nil, fmt.Errorf("huggingface search: %w", err)
	}

	entries := make([]Entry, 0, len(results))
	for _, m := range results {
		format := FormatUnknown
		for _, t := range m.Tags {
			if strings.EqualFold(t, "gguf") {
				format = FormatGGUF
				break
			}
			if strings.EqualFold(t, "safetensors") {
				format = FormatSafeTensors
			}
		}
		entries = append(entries, Entry{
			Name:        m.ID,
			Source:      SourceHuggingFace,
			Format:      format,
			ModelID:     m.ID,
			Author:      m.Author,
			Tags:        m.Tags,
			Downloads:   m.Downloads,
			Rating:      float64(m.Likes),
			LastUpdated: m.LastModified,
		})
	}
	return entries, nil
}

// Fetch downloads the entry's repo below destDir. Files matching the
// preferred formats are fetched first; when none match, the full snapshot is
// fetched and searched for a preferred file, failing with ErrNotFound if the
// repo contains none.
func (a *HuggingFaceAdapter) Fetch(ctx context.Context, entry Entry, destDir string, report ProgressFunc) (string, error) {
	repo := entry.ModelID
	if repo == "" {
		repo = entry.Name
	}
	revision := entry.Version
	if revision == "" {
		revision = "main"
	}
	dir := filepath.Join(destDir, string(SourceHuggingFace), strings.ReplaceAll(repo, "/", "_"))

	nodes, err := a.listFiles(ctx, repo, revision, "")
	if err != nil {
		return "", fmt.Errorf("huggingface list %s: %w", repo, err)
	}
	if len(nodes) == 0 {
		return "", fmt.Errorf("huggingface %s: %w", repo, ErrNotFound)
	}

	preferred := preferredFiles(nodes, entry.Format, a.cfg.PreferredFormats)
	if len(preferred) > 0 {
		path, err := a.fetchSet(ctx, repo, revision, dir, preferred, report)
		if err == nil {
			return path, nil
		}
		if isCancelled(err) {
			return "", err
		}
		a.log.Warn("preferred-format fetch failed, falling back to full snapshot",
			zap.String("repo", repo), zap.Error(err))
	}

	// Full snapshot fallback, then locate a preferred file in the result.
	if _, err := a.fetchSet(ctx, repo, revision, dir, nodes, report); err != nil {
		return "", err
	}
	if path := findPreferred(dir, entry.Format, a.cfg.PreferredFormats); path != "" {
		return path, nil
	}
	return "", fmt.Errorf("no file matching preferred formats in %s: %w", repo, ErrNotFound)
}

// fetchSet downloads the given files sequentially, reporting cumulative
// progress, and returns the local path of the first file.
func (a *HuggingFaceAdapter) fetchSet(ctx context.Context, repo, revision, dir string, nodes []hfNode, report ProgressFunc) (string, error) {
	var total int64
	for _, n := range nodes {
		total += nodeSize(n)
	}

	var done int64
	var first string
	for i, n := range nodes {
		if err := cancelErr(ctx); err != nil {
			return "", err
		}
		dst := filepath.Join(dir, filepath.FromSlash(n.Path))
		if first == "" {
			first = dst
		}

		if skip, reason := shouldSkipLocal(n, dst); skip {
			a.log.Debug("skipping complete file", zap.String("path", n.Path), zap.String("reason", reason))
			done += nodeSize(n)
			continue
		}

		base := done
		idx, count, name := i+1, len(nodes), n.Path
		perFile := func(p Progress) {
			if report != nil {
				report(Progress{
					Downloaded: base + p.Downloaded,
					Total:      total,
					File:       name,
					FileIndex:  idx,
					FileCount:  count,
					Resumed:    p.Resumed,
				})
			}
		}

		fileURL := a.resolveURL(repo, revision, n)
		if err := fetchFile(ctx, a.httpc, a.cfg, fileURL, a.token, dst, nodeSize(n), perFile); err != nil {
			return "", fmt.Errorf("download %s: %w", n.Path, err)
		}
		done += nodeSize(n)
	}
	return first, nil
}

// listFiles walks the repo tree recursively.
func (a *HuggingFaceAdapter) listFiles(ctx context.Context, repo, revision, prefix string) ([]hfNode, error) {
	reqURL := a.treeURL(repo, revision, prefix)
	var nodes []hfNode
	err := getJSON(ctx, a.httpc, a.cfg, reqURL, a.token, func(r io.Reader) error {
		return json.NewDecoder(r).Decode(&nodes)
	})
	if err != nil {
		return nil, err
	}

	var files []hfNode
	for _, n := range nodes {
		switch n.Type {
		case "directory", "tree":
			sub, err := a.listFiles(ctx, repo, revision, n.Path)
			if err != nil {
				return nil, err
			}
			files = append(files, sub...)
		default:
			files = append(files, n)
		}
	}
	return files, nil
}

func (a *HuggingFaceAdapter) treeURL(repo, revision, prefix string) string {
	if prefix == "" {
		return fmt.Sprintf("%s/api/models/%s/tree/%s", a.endpoint, repo, url.PathEscape(revision))
	}
	return fmt.Sprintf("%s/api/models/%s/tree/%s/%s", a.endpoint, repo, url.PathEscape(revision), pathEscapeAll(prefix))
}

// resolveURL returns the download URL for a tree node. LFS blobs resolve
// through the CDN redirect endpoint, small files through raw.
func (a *HuggingFaceAdapter) resolveURL(repo, revision string, n hfNode) string {
	kind := "raw"
	if n.LFS != nil {
		kind = "resolve"
	}
	return fmt.Sprintf("%s/%s/%s/%s/%s", a.endpoint, repo, kind, url.PathEscape(revision), pathEscapeAll(n.Path))
}

// shouldSkipLocal reports whether dst already holds the complete file. A size
// match is sufficient for non-LFS files; LFS files additionally verify the
// SHA256 against the oid, and a mismatch forces a re-download.
func shouldSkipLocal(n hfNode, dst string) (bool, string) {
	fi, err := os.Stat(dst)
	if err != nil {
		return false, ""
	}
	size := nodeSize(n)
	if size <= 0 || fi.Size() != size {
		return false, ""
	}
	if n.LFS != nil && n.LFS.Oid != "" {
		if err := verifySHA256(dst, n.LFS.Oid); err != nil {
			return false, ""
		}
		return true, "sha256 match"
	}
	return true, "size match"
}

// verifySHA256 computes the SHA256 of a file and compares it to expected.
func verifySHA256(path string, expected string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return err
	}

	sum := hex.EncodeToString(h.Sum(nil))
	if !strings.EqualFold(sum, expected) {
		return fmt.Errorf("sha256 mismatch: expected %s got %s", expected, sum)
	}
	return nil
}

func nodeSize(n hfNode) int64 {
	// For LFS files n.Size is the pointer size, not the blob size.
	if n.LFS != nil && n.LFS.Size > 0 {
		return n.LFS.Size
	}
	return n.Size
}

// preferredFiles selects tree nodes matching the entry format first, then the
// configured preferred formats in order.
func preferredFiles(nodes []hfNode, entryFormat Format, preferred []Format) []hfNode {
	order := make([]Format, 0, len(preferred)+1)
	if entryFormat != "" && entryFormat != FormatUnknown {
		order = append(order, entryFormat)
	}
	order = append(order, preferred...)

	for _, f := range order {
		ext := f.Ext()
		if ext == "" {
			continue
		}
		var out []hfNode
		for _, n := range nodes {
			if strings.HasSuffix(strings.ToLower(n.Path), ext) {
				out = append(out, n)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return nil
}

// findPreferred scans dir for a file matching the preferred formats.
func findPreferred(dir string, entryFormat Format, preferred []Format) string {
	order := make([]Format, 0, len(preferred)+1)
	if entryFormat != "" && entryFormat != FormatUnknown {
		order = append(order, entryFormat)
	}
	order = append(order, preferred...)

	for _, f := range order {
		ext := f.Ext()
		if ext == "" {
			continue
		}
		var found string
		filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
			if err != nil || info.IsDir() || found != "" {
				return nil
			}
			if strings.HasSuffix(strings.ToLower(path), ext) {
				found = path
			}
			return nil
		})
		if found != "" {
			return found
		}
	}
	return ""
}

func pathEscapeAll(p string) string {
	segs := strings.Split(p, "/")
	for i := range segs {
		segs[i] = url.PathEscape(segs[i])
	}
	return strings.Join(segs, "/")
}
