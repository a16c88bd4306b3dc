// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/cheggaaa/pb/v3"
	"github.com/docker/go-units"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"modelfetch/pkg/modelfetch"
)

func newGetCmd(ctx context.Context, ro *RootOpts) *cobra.Command {
	var (
		source string
		format string
	)
	ff := &fetchFlags{}

	cmd := &cobra.Command{
		Use:   "get NAME",
		Short: "Download a model by name",
		Long: `Downloads a model artifact, resuming partial transfers where the server
supports it, then validates the result. The name is resolved through search;
pass --source to skip resolution and address one registry directly.

Example:
  modelfetch get TheBloke/TinyLlama-1.1B-Chat-v1.0-GGUF
  modelfetch get llama3:8b --source ollama
  modelfetch get mistral-7b --source lmstudio -o /srv/models`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return fmt.Errorf("missing NAME: which model should be downloaded?")
			}
			name := args[0]

			cfg, err := buildConfig(cmd, ro, ff)
			if err != nil {
				return err
			}
			orch, err := modelfetch.New(cfg)
			if err != nil {
				return err
			}
			defer orch.Cleanup()

			entry, err := resolveEntry(ctx, orch, name, source, format)
			if err != nil {
				return err
			}

			return runDownload(ctx, ro, orch, entry)
		},
	}

	cmd.Flags().StringVarP(&source, "source", "s", "", "Source registry: huggingface|ollama|lmstudio")
	cmd.Flags().StringVarP(&format, "format", "f", "", "Desired artifact format (e.g. gguf, safetensors)")
	ff.register(cmd)

	return cmd
}

// resolveEntry turns a model name into a concrete download entry. An exact
// search hit wins; with an explicit source a miss falls back to addressing
// the registry directly (HuggingFace repo ids are often not search hits).
func resolveEntry(ctx context.Context, orch *modelfetch.Orchestrator, name, source, format string) (modelfetch.Entry, error) {
	entries, err := orch.Search(ctx, name, modelfetch.Source(source), 10, nil)
	if err != nil {
		return modelfetch.Entry{}, err
	}

	for _, e := range entries {
		if e.Name == name || e.ModelID == name {
			applyFormat(&e, format)
			return e, nil
		}
	}
	if source != "" {
		e := modelfetch.Entry{Name: name, ModelID: name, Source: modelfetch.Source(source)}
		applyFormat(&e, format)
		return e, nil
	}
	if len(entries) > 0 {
		e := entries[0]
		applyFormat(&e, format)
		return e, nil
	}
	return modelfetch.Entry{}, fmt.Errorf("no model matching %q found; try --source to address a registry directly", name)
}

func applyFormat(e *modelfetch.Entry, format string) {
	if format != "" {
		e.Format = modelfetch.Format(strings.ToLower(format))
	}
}

// runDownload starts the job, renders progress until a terminal state, and
// maps the outcome to the exit status.
func runDownload(ctx context.Context, ro *RootOpts, orch *modelfetch.Orchestrator, entry modelfetch.Entry) error {
	done := make(chan modelfetch.Job, 1)
	render := newProgressRenderer(ro, entry)

	onProgress := func(j modelfetch.Job) {
		render.update(j)
		if j.Status.Terminal() {
			select {
			case done <- j:
			default:
			}
		}
	}

	if _, err := orch.Download(entry, onProgress); err != nil {
		if errors.Is(err, modelfetch.ErrConflict) {
			return fmt.Errorf("a download for %s is already running", entry.Name)
		}
		return err
	}

	var job modelfetch.Job
	select {
	case job = <-done:
	case <-ctx.Done():
		// Interrupt: request cancellation and wait for the job to observe it.
		orch.Cancel(entry.Name)
		job = <-done
	}
	render.finish(job)

	switch job.Status {
	case modelfetch.StatusCompleted:
		return nil
	case modelfetch.StatusCancelled:
		return fmt.Errorf("download cancelled")
	default:
		return fmt.Errorf("download failed: %s", job.ErrorMessage)
	}
}

// progressRenderer picks the right progress surface: a live bar on a TTY,
// JSON lines with --json, nothing in quiet mode.
type progressRenderer struct {
	mu    sync.Mutex
	mode  string // "bar", "json", "plain", "quiet"
	bar   *pb.ProgressBar
	enc   *json.Encoder
	entry modelfetch.Entry
}

func newProgressRenderer(ro *RootOpts, entry modelfetch.Entry) *progressRenderer {
	r := &progressRenderer{entry: entry}
	switch {
	case ro.JSONOut:
		r.mode = "json"
		r.enc = json.NewEncoder(os.Stdout)
	case ro.Quiet:
		r.mode = "quiet"
	case term.IsTerminal(int(os.Stdout.Fd())):
		r.mode = "bar"
	default:
		r.mode = "plain"
	}
	return r
}

func (r *progressRenderer) update(j modelfetch.Job) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.mode {
	case "json":
		r.enc.Encode(j)
	case "bar":
		if j.Status.Terminal() {
			return
		}
		if r.bar == nil && j.TotalBytes > 0 {
			fmt.Printf("downloading %s\n", r.entry.Name)
			r.bar = pb.Full.Start64(j.TotalBytes)
			r.bar.Set(pb.Bytes, true)
		}
		if r.bar != nil {
			if j.TotalBytes > 0 {
				r.bar.SetTotal(j.TotalBytes)
			}
			r.bar.SetCurrent(j.BytesDownloaded)
		}
	case "plain":
		if j.TotalBytes > 0 {
			fmt.Printf("%s: %.1f%% (%s / %s)\n", j.Status,
				j.Percentage,
				units.HumanSize(float64(j.BytesDownloaded)),
				units.HumanSize(float64(j.TotalBytes)))
		}
	}
}

func (r *progressRenderer) finish(j modelfetch.Job) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.bar != nil {
		r.bar.Finish()
		r.bar = nil
	}
	if r.mode == "json" {
		r.enc.Encode(j)
		return
	}

	switch j.Status {
	case modelfetch.StatusCompleted:
		size := ""
		if j.TotalBytes > 0 {
			size = " (" + units.HumanSize(float64(j.TotalBytes)) + ")"
		}
		fmt.Printf("%s %s%s\n  %s\n", color.GreenString("✓"), j.ModelName, size, j.LocalPath)
	case modelfetch.StatusCancelled:
		fmt.Printf("%s %s cancelled\n", color.YellowString("−"), j.ModelName)
	default:
		fmt.Printf("%s %s failed: %s\n", color.RedString("✗"), j.ModelName, j.ErrorMessage)
	}
}
