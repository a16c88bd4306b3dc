// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package modelfetch

import (
	"fmt"
	"os"
	"strings"

	parser "github.com/gpustack/gguf-parser-go"
	"go.uber.org/zap"
)

// MinValidArtifactSize is the cheap truncation check: anything smaller than
// this cannot be a real model file.
const MinValidArtifactSize = 1 << 20 // 1 MiB

// SmokeLoader proves an artifact is actually loadable. Implementations must
// return an error rather than panic on malformed input.
type SmokeLoader interface {
	Load(path string) error
}

// GGUFSmokeLoader parses the GGUF header and metadata. A file that parses is
// considered loadable; no inference is attempted.
type GGUFSmokeLoader struct{}

func (GGUFSmokeLoader) Load(path string) error {
	gf, err := parser.ParseGGUFFile(path)
	if err != nil {
		return fmt.Errorf("gguf parse: %w", err)
	}
	if strings.TrimSpace(gf.Metadata().Architecture) == "" {
		return fmt.Errorf("gguf parse: missing architecture metadata")
	}
	return nil
}

// Validator checks downloaded artifacts. Integrity checking is best-effort
// layered: the size check always runs; the smoke test only runs when a loader
// is present and the artifact format matches, and its absence degrades to the
// size check rather than failing.
type Validator struct {
	// MinSize overrides MinValidArtifactSize when > 0.
	MinSize int64

	// Loader is the optional smoke-test capability.
	Loader SmokeLoader

	log *zap.Logger
}

// NewValidator builds a Validator with the GGUF smoke loader attached.
func NewValidator(cfg Config) *Validator {
	cfg.applyDefaults()
	return &Validator{
		Loader: GGUFSmokeLoader{},
		log:    cfg.Logger.Named("validate"),
	}
}

// Validate returns nil when the artifact at path looks usable, or an
// IntegrityError describing why it does not. Errors during the smoke test are
// validation failures, never propagated as crashes.
func (v *Validator) Validate(path string, entry Entry) error {
	minSize := v.MinSize
	if minSize <= 0 {
		minSize = MinValidArtifactSize
	}

	fi, err := os.Stat(path)
	if err != nil {
		return &IntegrityError{Path: path, Reason: "file does not exist"}
	}
	if fi.Size() < minSize {
		return &IntegrityError{
			Path:   path,
			Reason: fmt.Sprintf("file size %d below minimum %d", fi.Size(), minSize),
		}
	}

	if v.Loader == nil || !v.smokeApplies(path, entry) {
		return nil
	}
	if err := v.smoke(path); err != nil {
		v.log.Warn("smoke test failed", zap.String("path", path), zap.Error(err))
		return &IntegrityError{Path: path, Reason: err.Error()}
	}
	return nil
}

// smokeApplies limits the loader to formats it understands.
func (v *Validator) smokeApplies(path string, entry Entry) bool {
	if _, ok := v.Loader.(GGUFSmokeLoader); ok {
		return entry.Format == FormatGGUF || FormatFromPath(path) == FormatGGUF
	}
	return true
}

// smoke runs the loader, converting panics from malformed files into errors.
func (v *Validator) smoke(path string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("loader panic: %v", r)
		}
	}()
	return v.Loader.Load(path)
}
