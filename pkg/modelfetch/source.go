// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package modelfetch

import "context"

// Progress is a single progress report from an adapter fetch. Reports arrive
// at chunk (or stream-message) granularity, not only at completion.
type Progress struct {
	// Downloaded is the cumulative byte count across all files of the artifact.
	Downloaded int64

	// Total is the expected total size, 0 when unknown.
	Total int64

	// File is the artifact file currently transferring.
	File string

	// FileIndex and FileCount describe multi-file artifacts. Both are 1-based
	// and equal to 1 for single-file fetches.
	FileIndex int
	FileCount int

	// Resumed is true when this transfer continued from a partial file.
	Resumed bool
}

// ProgressFunc receives adapter progress reports. Implementations must be
// cheap; they run on the worker goroutine between chunks.
type ProgressFunc func(Progress)

// Adapter is the uniform capability implemented once per registry.
//
// Search returns candidate entries for a free-text query. A failing adapter
// never aborts an aggregate search; the orchestrator merges successes and
// drops individual errors.
//
// Fetch downloads the artifact described by entry below destDir and returns
// the local path of the primary artifact file. Implementations must poll ctx
// between chunks and return an error satisfying errors.Is(err, ErrCancelled)
// when cancellation is observed. Transient errors are retried internally per
// the configured retry policy; 404 and auth errors fail immediately.
type Adapter interface {
	Source() Source
	Search(ctx context.Context, query string, limit int, filters map[string]string) ([]Entry, error)
	Fetch(ctx context.Context, entry Entry, destDir string, report ProgressFunc) (string, error)
}
