// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package modelfetch

import (
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Source identifies the registry an artifact comes from.
// It determines which adapter handles search and fetch for an Entry.
type Source string

const (
	SourceHuggingFace Source = "huggingface"
	SourceOllama      Source = "ollama"
	SourceLMStudio    Source = "lmstudio"
	SourceLocal       Source = "local"
	SourceCustom      Source = "custom"
)

// Format is a model artifact file format.
type Format string

const (
	FormatGGUF        Format = "gguf"
	FormatGGML        Format = "ggml"
	FormatSafeTensors Format = "safetensors"
	FormatPyTorch     Format = "pytorch"
	FormatONNX        Format = "onnx"
	FormatTensorRT    Format = "tensorrt"
	FormatUnknown     Format = "unknown"
)

// FormatFromPath guesses the format from a file name.
func FormatFromPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".gguf":
		return FormatGGUF
	case ".ggml":
		return FormatGGML
	case ".safetensors":
		return FormatSafeTensors
	case ".bin", ".pt", ".pth":
		return FormatPyTorch
	case ".onnx":
		return FormatONNX
	case ".engine", ".trt":
		return FormatTensorRT
	default:
		return FormatUnknown
	}
}

// Ext returns the file extension associated with the format, or "" when the
// format has no single canonical extension.
func (f Format) Ext() string {
	switch f {
	case FormatGGUF:
		return ".gguf"
	case FormatGGML:
		return ".ggml"
	case FormatSafeTensors:
		return ".safetensors"
	case FormatONNX:
		return ".onnx"
	default:
		return ""
	}
}

// Entry describes a remote model artifact candidate returned by Search.
// It is immutable once constructed.
//
// Name is the display and deduplication key: at most one non-terminal
// download job exists per Name at any time. ModelID is the source-native
// identifier and may differ from Name (e.g. "TheBloke/Mistral-7B-GGUF").
type Entry struct {
	Name          string            `json:"name"`
	Source        Source            `json:"source"`
	Format        Format            `json:"format"`
	SizeBytes     int64             `json:"sizeBytes"`
	ModelID       string            `json:"modelId"`
	Description   string            `json:"description,omitempty"`
	Author        string            `json:"author,omitempty"`
	License       string            `json:"license,omitempty"`
	Tags          []string          `json:"tags,omitempty"`
	Architecture  string            `json:"architecture,omitempty"`
	Quantization  string            `json:"quantization,omitempty"`
	ContextLength int               `json:"contextLength,omitempty"`
	Parameters    int64             `json:"parameters,omitempty"`
	DownloadURL   string            `json:"downloadUrl,omitempty"`
	Version       string            `json:"version,omitempty"`
	LastUpdated   string            `json:"lastUpdated,omitempty"`
	Downloads     int64             `json:"downloads,omitempty"`
	Rating        float64           `json:"rating,omitempty"`
	Requirements  map[string]string `json:"requirements,omitempty"`
}

// Config holds per-orchestrator download settings. All fields have sensible
// defaults; see DefaultConfig.
type Config struct {
	// DownloadDir is the base directory for completed artifacts.
	DownloadDir string

	// TempDir holds in-flight scratch files and is removed by Cleanup.
	TempDir string

	// MaxConcurrentDownloads bounds the worker pool. Values < 1 default to 3.
	MaxConcurrentDownloads int

	// ChunkSize is the copy buffer size used during downloads. Cancellation
	// is observed between chunks, so this also bounds cancellation latency.
	ChunkSize int

	// Timeout applies per individual network request, not per job.
	Timeout time.Duration

	// RetryAttempts is the number of retries for transient errors.
	RetryAttempts int

	// RetryDelay seeds the exponential backoff between retries.
	RetryDelay time.Duration

	// BackoffMax caps the backoff delay.
	BackoffMax time.Duration

	EnableResume     bool
	EnableValidation bool
	EnableConversion bool

	// MaxDownloadSize rejects artifacts larger than this. 0 = unlimited.
	MaxDownloadSize int64

	// PreferredFormats is the ordered list of formats an adapter should try
	// to fetch before falling back to a full snapshot.
	PreferredFormats []Format

	// APIKeys holds per-source credentials (e.g. a HuggingFace token).
	APIKeys map[Source]string

	// Endpoint overrides, mainly for mirrors and tests.
	HFEndpoint       string
	OllamaHost       string
	LMStudioEndpoint string

	// Logger receives diagnostics. Nil defaults to zap.NewNop().
	Logger *zap.Logger
}

// DefaultConfig returns a Config with defaults filled in.
func DefaultConfig() Config {
	return Config{
		DownloadDir:            "models",
		TempDir:                "temp",
		MaxConcurrentDownloads: 3,
		ChunkSize:              64 * 1024,
		Timeout:                30 * time.Second,
		RetryAttempts:          3,
		RetryDelay:             time.Second,
		BackoffMax:             10 * time.Second,
		EnableResume:           true,
		EnableValidation:       true,
		EnableConversion:       true,
		PreferredFormats:       []Format{FormatGGUF, FormatSafeTensors},
		APIKeys:                map[Source]string{},
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.DownloadDir == "" {
		c.DownloadDir = def.DownloadDir
	}
	if c.TempDir == "" {
		c.TempDir = def.TempDir
	}
	if c.MaxConcurrentDownloads < 1 {
		c.MaxConcurrentDownloads = def.MaxConcurrentDownloads
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = def.ChunkSize
	}
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
	if c.RetryAttempts < 0 {
		c.RetryAttempts = 0
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = def.RetryDelay
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = def.BackoffMax
	}
	if len(c.PreferredFormats) == 0 {
		c.PreferredFormats = def.PreferredFormats
	}
	if c.APIKeys == nil {
		c.APIKeys = map[Source]string{}
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// Status is a download job state.
type Status string

const (
	StatusPending     Status = "pending"
	StatusDownloading Status = "downloading"
	StatusResuming    Status = "resuming"
	StatusValidating  Status = "validating"
	StatusConverting  Status = "converting"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusCancelled   Status = "cancelled"
)

// Terminal reports whether no further transitions leave this state.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Job is a point-in-time snapshot of one download's lifecycle. Status queries
// always return copies; the live record is owned by its worker goroutine.
type Job struct {
	ModelName        string    `json:"modelName"`
	Status           Status    `json:"status"`
	BytesDownloaded  int64     `json:"bytesDownloaded"`
	TotalBytes       int64     `json:"totalBytes"`
	Percentage       float64   `json:"percentage"`
	SpeedMBps        float64   `json:"speedMBps"`
	ETASeconds       int64     `json:"etaSeconds"`
	CurrentFile      string    `json:"currentFile,omitempty"`
	TotalFiles       int       `json:"totalFiles"`
	CurrentFileIndex int       `json:"currentFileIndex"`
	ErrorMessage     string    `json:"errorMessage,omitempty"`
	LocalPath        string    `json:"localPath,omitempty"`
	StartTime        time.Time `json:"startTime"`
	LastUpdate       time.Time `json:"lastUpdate"`
}
