// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package cli implements the modelfetch command line interface.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"modelfetch/pkg/modelfetch"
)

// RootOpts holds global CLI options.
type RootOpts struct {
	Token    string
	JSONOut  bool
	Quiet    bool
	Verbose  bool
	Config   string
	LogLevel string
}

// Execute runs the CLI with the given version string.
func Execute(version string) error {
	ro := &RootOpts{}
	ctx, cancel := signalContext(context.Background())
	defer cancel()

	root := &cobra.Command{
		Use:           "modelfetch",
		Short:         "Search and download ML models from HuggingFace, Ollama and LM Studio",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
	}

	// Global flags
	root.PersistentFlags().StringVarP(&ro.Token, "token", "t", "", "HuggingFace access token (also reads HF_TOKEN env)")
	root.PersistentFlags().BoolVar(&ro.JSONOut, "json", false, "Emit machine-readable JSON output")
	root.PersistentFlags().BoolVarP(&ro.Quiet, "quiet", "q", false, "Quiet mode (minimal output)")
	root.PersistentFlags().BoolVarP(&ro.Verbose, "verbose", "v", false, "Verbose logs (debug details)")
	root.PersistentFlags().StringVar(&ro.Config, "config", "", "Path to config file (JSON or YAML)")
	root.PersistentFlags().StringVar(&ro.LogLevel, "log-level", "info", "Log level: debug, info, warn, error")

	getCmd := newGetCmd(ctx, ro)
	root.AddCommand(newSearchCmd(ctx, ro))
	root.AddCommand(getCmd)
	root.AddCommand(newServeCmd(ro, version))
	root.AddCommand(newConfigCmd())
	root.AddCommand(newVersionCmd(version))

	// Make get the default command when no subcommand is given
	root.RunE = getCmd.RunE
	root.Flags().AddFlagSet(getCmd.Flags())
	root.SetHelpCommand(&cobra.Command{Use: "help", Hidden: true})

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return err
	}
	return nil
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-ch:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// fetchFlags are the download-tuning flags shared by get and serve.
type fetchFlags struct {
	downloadDir   string
	tempDir       string
	maxConcurrent int
	chunkSize     string
	timeout       time.Duration
	retries       int
	retryDelay    time.Duration
	backoffMax    time.Duration
	maxSize       string
	noResume      bool
	noValidate    bool
	noConvert     bool
	hfEndpoint    string
	ollamaHost    string
	lmsEndpoint   string
}

func (f *fetchFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.downloadDir, "output", "o", "models", "Destination base directory")
	cmd.Flags().StringVar(&f.tempDir, "temp-dir", "temp", "Scratch directory for in-flight files")
	cmd.Flags().IntVarP(&f.maxConcurrent, "max-concurrent", "c", 3, "Maximum simultaneous downloads")
	cmd.Flags().StringVar(&f.chunkSize, "chunk-size", "64KiB", "Copy buffer size (also bounds cancellation latency)")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 30*time.Second, "Per-request network timeout")
	cmd.Flags().IntVar(&f.retries, "retries", 3, "Max retry attempts for transient errors")
	cmd.Flags().DurationVar(&f.retryDelay, "retry-delay", time.Second, "Initial retry backoff duration")
	cmd.Flags().DurationVar(&f.backoffMax, "backoff-max", 10*time.Second, "Maximum retry backoff duration")
	cmd.Flags().StringVar(&f.maxSize, "max-size", "", "Reject artifacts larger than this (e.g. 20GiB)")
	cmd.Flags().BoolVar(&f.noResume, "no-resume", false, "Always restart downloads from zero")
	cmd.Flags().BoolVar(&f.noValidate, "no-validate", false, "Skip artifact validation")
	cmd.Flags().BoolVar(&f.noConvert, "no-convert", false, "Skip the conversion phase")
	cmd.Flags().StringVar(&f.hfEndpoint, "hf-endpoint", "", "HuggingFace endpoint override (mirrors)")
	cmd.Flags().StringVar(&f.ollamaHost, "ollama-host", "", "Ollama daemon address")
	cmd.Flags().StringVar(&f.lmsEndpoint, "lmstudio-endpoint", "", "LM Studio catalog endpoint")
}

// buildConfig assembles the orchestrator config from flags, config file and
// environment. Flags always win over the config file.
func buildConfig(cmd *cobra.Command, ro *RootOpts, f *fetchFlags) (modelfetch.Config, error) {
	if err := applyConfigFile(cmd, ro, f); err != nil {
		return modelfetch.Config{}, err
	}

	cfg := modelfetch.DefaultConfig()
	cfg.DownloadDir = f.downloadDir
	cfg.TempDir = f.tempDir
	cfg.MaxConcurrentDownloads = f.maxConcurrent
	cfg.Timeout = f.timeout
	cfg.RetryAttempts = f.retries
	cfg.RetryDelay = f.retryDelay
	cfg.BackoffMax = f.backoffMax
	cfg.EnableResume = !f.noResume
	cfg.EnableValidation = !f.noValidate
	cfg.EnableConversion = !f.noConvert
	cfg.HFEndpoint = f.hfEndpoint
	cfg.OllamaHost = f.ollamaHost
	cfg.LMStudioEndpoint = f.lmsEndpoint

	if f.chunkSize != "" {
		n, err := units.RAMInBytes(f.chunkSize)
		if err != nil {
			return cfg, fmt.Errorf("invalid --chunk-size %q: %w", f.chunkSize, err)
		}
		cfg.ChunkSize = int(n)
	}
	if f.maxSize != "" {
		n, err := units.RAMInBytes(f.maxSize)
		if err != nil {
			return cfg, fmt.Errorf("invalid --max-size %q: %w", f.maxSize, err)
		}
		cfg.MaxDownloadSize = n
	}

	token := strings.TrimSpace(ro.Token)
	if token == "" {
		token = strings.TrimSpace(os.Getenv("HF_TOKEN"))
	}
	if token != "" {
		cfg.APIKeys[modelfetch.SourceHuggingFace] = token
	}

	cfg.Logger = newLogger(ro)
	return cfg, nil
}

// applyConfigFile merges ~/.config/modelfetch.{json,yaml,yml} (or --config)
// into flags that were not set on the command line.
func applyConfigFile(cmd *cobra.Command, ro *RootOpts, f *fetchFlags) error {
	path := ro.Config
	if path == "" {
		home, _ := os.UserHomeDir()
		for _, name := range []string{"modelfetch.json", "modelfetch.yaml", "modelfetch.yml"} {
			candidate := filepath.Join(home, ".config", name)
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
				break
			}
		}
	}
	if path == "" {
		return nil
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var cfg map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return fmt.Errorf("invalid YAML config file: %w", err)
		}
	default:
		if err := json.Unmarshal(b, &cfg); err != nil {
			return fmt.Errorf("invalid JSON config file: %w", err)
		}
	}

	setStr := func(flagName string, set func(string)) {
		if cmd.Flags().Changed(flagName) {
			return
		}
		if v, ok := cfg[flagName]; ok && v != nil {
			set(fmt.Sprint(v))
		}
	}
	setInt := func(flagName string, set func(int)) {
		if cmd.Flags().Changed(flagName) {
			return
		}
		if v, ok := cfg[flagName]; ok && v != nil {
			var x int
			fmt.Sscan(fmt.Sprint(v), &x)
			set(x)
		}
	}
	setDur := func(flagName string, set func(time.Duration)) {
		if cmd.Flags().Changed(flagName) {
			return
		}
		if v, ok := cfg[flagName]; ok && v != nil {
			if d, err := time.ParseDuration(fmt.Sprint(v)); err == nil {
				set(d)
			}
		}
	}

	setStr("output", func(v string) { f.downloadDir = v })
	setStr("temp-dir", func(v string) { f.tempDir = v })
	setInt("max-concurrent", func(v int) { f.maxConcurrent = v })
	setStr("chunk-size", func(v string) { f.chunkSize = v })
	setDur("timeout", func(v time.Duration) { f.timeout = v })
	setInt("retries", func(v int) { f.retries = v })
	setDur("retry-delay", func(v time.Duration) { f.retryDelay = v })
	setDur("backoff-max", func(v time.Duration) { f.backoffMax = v })
	setStr("max-size", func(v string) { f.maxSize = v })
	setStr("hf-endpoint", func(v string) { f.hfEndpoint = v })
	setStr("ollama-host", func(v string) { f.ollamaHost = v })
	setStr("lmstudio-endpoint", func(v string) { f.lmsEndpoint = v })

	if !cmd.Flags().Changed("token") && os.Getenv("HF_TOKEN") == "" {
		if v, ok := cfg["token"]; ok && v != nil {
			ro.Token = fmt.Sprint(v)
		}
	}

	return nil
}
