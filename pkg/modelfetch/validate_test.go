// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package modelfetch

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidator_MissingFile(t *testing.T) {
	v := NewValidator(testConfig(t))

	err := v.Validate(filepath.Join(t.TempDir(), "nope.gguf"), Entry{Format: FormatGGUF})
	require.Error(t, err)

	var ie *IntegrityError
	require.ErrorAs(t, err, &ie)
	assert.Contains(t, ie.Reason, "does not exist")
}

func TestValidator_UndersizedFile(t *testing.T) {
	v := NewValidator(testConfig(t))
	path := filepath.Join(t.TempDir(), "tiny.safetensors")
	require.NoError(t, os.WriteFile(path, []byte("stub"), 0o644))

	err := v.Validate(path, Entry{Format: FormatSafeTensors})
	var ie *IntegrityError
	require.ErrorAs(t, err, &ie)
	assert.Contains(t, ie.Reason, "below minimum")
}

func TestValidator_MinSizeOverride(t *testing.T) {
	v := NewValidator(testConfig(t))
	v.MinSize = 10
	path := filepath.Join(t.TempDir(), "small.safetensors")
	require.NoError(t, os.WriteFile(path, []byte(strings.Repeat("x", 64)), 0o644))

	assert.NoError(t, v.Validate(path, Entry{Format: FormatSafeTensors}))
}

func TestValidator_SmokeSkippedForOtherFormats(t *testing.T) {
	// A large non-GGUF artifact passes on the size check alone; the GGUF
	// loader must not be applied to it.
	v := NewValidator(testConfig(t))
	path := filepath.Join(t.TempDir(), "weights.safetensors")
	require.NoError(t, os.WriteFile(path, []byte(strings.Repeat("w", 2<<20)), 0o644))

	assert.NoError(t, v.Validate(path, Entry{Format: FormatSafeTensors}))
}

func TestValidator_CorruptGGUFFailsSmoke(t *testing.T) {
	v := NewValidator(testConfig(t))
	path := filepath.Join(t.TempDir(), "corrupt.gguf")
	require.NoError(t, os.WriteFile(path, []byte(strings.Repeat("junk", 1<<19)), 0o644))

	err := v.Validate(path, Entry{Format: FormatGGUF})
	var ie *IntegrityError
	require.ErrorAs(t, err, &ie, "corrupt file must fail validation, not crash")
}

// panicLoader simulates a native loader blowing up on malformed input.
type panicLoader struct{}

func (panicLoader) Load(string) error { panic("segfault in loader") }

func TestValidator_LoaderPanicBecomesIntegrityError(t *testing.T) {
	v := NewValidator(testConfig(t))
	v.Loader = panicLoader{}
	path := filepath.Join(t.TempDir(), "model.gguf")
	require.NoError(t, os.WriteFile(path, []byte(strings.Repeat("g", 2<<20)), 0o644))

	err := v.Validate(path, Entry{Format: FormatGGUF})
	var ie *IntegrityError
	require.ErrorAs(t, err, &ie)
	assert.Contains(t, ie.Reason, "panic")
}

func TestValidator_NilLoaderDegradesToSizeCheck(t *testing.T) {
	v := NewValidator(testConfig(t))
	v.Loader = nil
	path := filepath.Join(t.TempDir(), "model.gguf")
	require.NoError(t, os.WriteFile(path, []byte(strings.Repeat("g", 2<<20)), 0o644))

	assert.NoError(t, v.Validate(path, Entry{Format: FormatGGUF}))
}

func TestFormatFromPath(t *testing.T) {
	tests := map[string]Format{
		"model.gguf":         FormatGGUF,
		"model.GGUF":         FormatGGUF,
		"weights.safetensors": FormatSafeTensors,
		"pytorch_model.bin":  FormatPyTorch,
		"model.pt":           FormatPyTorch,
		"model.onnx":         FormatONNX,
		"model.engine":       FormatTensorRT,
		"README.md":          FormatUnknown,
	}
	for path, want := range tests {
		if got := FormatFromPath(path); got != want {
			t.Errorf("FormatFromPath(%q) = %s, want %s", path, got, want)
		}
	}
}

func TestIntegrityError_NotTransient(t *testing.T) {
	err := &IntegrityError{Path: "/x", Reason: "truncated"}
	assert.False(t, IsTransient(err), "integrity failures must never be retried")
	assert.False(t, errors.Is(err, ErrCancelled))
}
