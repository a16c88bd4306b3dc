// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package modelfetch

import "context"

// Converter transforms a downloaded artifact toward a preferred format. When
// Convert returns a path different from the input, the orchestrator removes
// the original file after the conversion succeeds (and only then).
type Converter interface {
	Convert(ctx context.Context, path string, entry Entry, preferred []Format) (string, error)
}

// PassThroughConverter is the default no-op strategy: it returns the input
// path unchanged and never fails.
type PassThroughConverter struct{}

func (PassThroughConverter) Convert(_ context.Context, path string, _ Entry, _ []Format) (string, error) {
	return path, nil
}
